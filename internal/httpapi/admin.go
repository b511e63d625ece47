package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/cloudvelous/ragloop/internal/auth"
	"github.com/cloudvelous/ragloop/internal/events"
	"github.com/cloudvelous/ragloop/internal/store"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
	topChunkCount   = 10
)

// handleListSessions returns a page of sessions. Filters: status, since,
// until (RFC 3339), limit, offset.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.SessionFilter{Limit: defaultPageSize}

	if status := q.Get("status"); status != "" {
		if status != store.StatusPending && status != store.StatusCorrect && status != store.StatusIncorrect {
			writeError(w, http.StatusBadRequest, kindInvalidInput, "unknown status filter")
			return
		}
		filter.Status = &status
	}
	for _, p := range []struct {
		name string
		dst  **time.Time
	}{{"since", &filter.Since}, {"until", &filter.Until}} {
		if v := q.Get(p.name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				writeError(w, http.StatusBadRequest, kindInvalidInput, p.name+" must be RFC 3339")
				return
			}
			*p.dst = &t
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, kindInvalidInput, "limit must be a positive integer")
			return
		}
		if n > maxPageSize {
			n = maxPageSize
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, kindInvalidInput, "offset must be a non-negative integer")
			return
		}
		filter.Offset = n
	}

	page, err := s.store.ListSessions(r.Context(), filter)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

type topChunk struct {
	store.Chunk
	UsefulnessRate float64 `json:"usefulness_rate"`
}

type statsResponse struct {
	store.Stats
	TopChunks []topChunk `json:"top_chunks"`
}

// handleStats reports learning progress: accuracy over finalised sessions,
// weight distribution, and the chunks feedback has favoured most.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetStats(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	chunks, err := s.store.TopChunksByUsefulness(r.Context(), topChunkCount)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	resp := statsResponse{Stats: *stats, TopChunks: make([]topChunk, 0, len(chunks))}
	for _, c := range chunks {
		tc := topChunk{Chunk: c}
		if c.TimesRetrieved > 0 {
			tc.UsefulnessRate = float64(c.TimesUseful) / float64(c.TimesRetrieved)
		}
		resp.TopChunks = append(resp.TopChunks, tc)
	}
	writeJSON(w, http.StatusOK, resp)
}

type setWeightRequest struct {
	NewWeight float64 `json:"new_weight"`
	Reason    string  `json:"reason"`
}

type setWeightResponse struct {
	ChunkID   int64   `json:"chunk_id"`
	NewWeight float64 `json:"new_weight"`
}

// handleSetWeight is the manual override for a chunk's accuracy weight.
// The reason is mandatory so the audit event explains itself.
func (s *Server) handleSetWeight(w http.ResponseWriter, r *http.Request) {
	chunkID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || chunkID <= 0 {
		writeError(w, http.StatusBadRequest, kindInvalidInput, "invalid chunk id")
		return
	}
	var req setWeightRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, kindInvalidInput, "invalid JSON")
		return
	}
	if req.NewWeight < s.cfg.WeightMin || req.NewWeight > s.cfg.WeightMax {
		writeError(w, http.StatusBadRequest, kindInvalidInput,
			"new_weight must be within the configured weight bounds")
		return
	}
	if req.Reason == "" {
		writeError(w, http.StatusBadRequest, kindInvalidInput, "reason is required")
		return
	}

	chunk, err := s.store.GetChunk(r.Context(), chunkID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if err := s.store.SetWeight(r.Context(), chunkID, req.NewWeight); err != nil {
		s.respondError(w, r, err)
		return
	}

	subject := "unknown"
	if p, ok := auth.PrincipalFrom(r.Context()); ok {
		subject = p.Subject
	}
	s.logger.Info("chunk weight set manually",
		zap.Int64("chunk_id", chunkID),
		zap.Float64("old_weight", chunk.AccuracyWeight),
		zap.Float64("new_weight", req.NewWeight),
		zap.String("reason", req.Reason),
		zap.String("by", subject))
	if s.hub != nil {
		s.hub.Publish(events.TypeChunkWeightSet, map[string]interface{}{
			"chunk_id":   chunkID,
			"old_weight": chunk.AccuracyWeight,
			"new_weight": req.NewWeight,
			"reason":     req.Reason,
		})
	}
	writeJSON(w, http.StatusOK, setWeightResponse{ChunkID: chunkID, NewWeight: req.NewWeight})
}
