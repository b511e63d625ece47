package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/cloudvelous/ragloop/internal/ask"
)

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req ask.Request
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, kindInvalidInput, "invalid JSON")
		return
	}

	resp, err := s.asker.Ask(r.Context(), req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
