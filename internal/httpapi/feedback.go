package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/cloudvelous/ragloop/internal/feedback"
)

const maxBulkFeedback = 100

// handleFeedback applies one feedback submission. The learning side
// effects (weights, counters, workflow memory) live in the processor; the
// handler only translates the wire shapes.
func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedback.Request
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, kindInvalidInput, "invalid JSON")
		return
	}
	if req.SessionID <= 0 {
		writeError(w, http.StatusBadRequest, kindInvalidInput, "session_id is required")
		return
	}

	outcome, err := s.feedback.Apply(r.Context(), req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

// handleFeedbackBulk applies a JSON array of submissions independently;
// one bad item does not stop the rest.
func (s *Server) handleFeedbackBulk(w http.ResponseWriter, r *http.Request) {
	var reqs []feedback.Request
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&reqs); err != nil {
		writeError(w, http.StatusBadRequest, kindInvalidInput, "invalid JSON: expected an array of feedback items")
		return
	}
	if len(reqs) == 0 {
		writeError(w, http.StatusBadRequest, kindInvalidInput, "feedback list is empty")
		return
	}
	if len(reqs) > maxBulkFeedback {
		writeError(w, http.StatusBadRequest, kindInvalidInput, "too many feedback items in one request")
		return
	}

	writeJSON(w, http.StatusOK, s.feedback.ApplyBulk(r.Context(), reqs))
}
