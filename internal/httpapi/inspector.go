package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/cloudvelous/ragloop/internal/embeddings"
	"github.com/cloudvelous/ragloop/internal/store"
)

type inspectResponse struct {
	Session        *store.Session        `json:"session"`
	Retrieved      []store.LinkDetail    `json:"retrieved"`
	WorkflowMemory *store.WorkflowMemory `json:"workflow_memory,omitempty"`
}

// handleInspect returns everything recorded for one session: the answer,
// the reasoning chain, each retrieved chunk with its rank, similarity and
// current weight, and the workflow memory if feedback produced one.
func (s *Server) handleInspect(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, kindInvalidInput, "invalid session id")
		return
	}

	sess, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	links, err := s.store.GetSessionLinks(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	resp := inspectResponse{Session: sess, Retrieved: links}

	mem, err := s.store.GetMemoryBySession(r.Context(), id)
	switch {
	case err == nil:
		resp.WorkflowMemory = mem
	case errors.Is(err, store.ErrNotFound):
		// No memory yet; the session may still be pending.
	default:
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type compareRequest struct {
	SessionA int64 `json:"session_id_a"`
	SessionB int64 `json:"session_id_b"`
}

type compareResponse struct {
	SessionA        int64   `json:"session_id_a"`
	SessionB        int64   `json:"session_id_b"`
	QuerySimilarity float64 `json:"query_similarity"`
	SharedChunkIDs  []int64 `json:"shared_chunk_ids"`
	OnlyA           []int64 `json:"only_in_a"`
	OnlyB           []int64 `json:"only_in_b"`
	Overlap         float64 `json:"overlap"`
}

// handleCompare measures how close two sessions are: cosine similarity of
// their stored query embeddings and the Jaccard overlap of the chunks each
// retrieved. Useful for judging whether a workflow memory should have fired.
func (s *Server) handleCompare(w http.ResponseWriter, r *http.Request) {
	var req compareRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, kindInvalidInput, "invalid JSON")
		return
	}
	if req.SessionA <= 0 || req.SessionB <= 0 {
		writeError(w, http.StatusBadRequest, kindInvalidInput, "both session ids are required")
		return
	}
	if req.SessionA == req.SessionB {
		writeError(w, http.StatusBadRequest, kindInvalidInput, "session ids must differ")
		return
	}

	sessA, err := s.store.GetSession(r.Context(), req.SessionA)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	sessB, err := s.store.GetSession(r.Context(), req.SessionB)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	linksA, err := s.store.GetSessionLinks(r.Context(), req.SessionA)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	linksB, err := s.store.GetSessionLinks(r.Context(), req.SessionB)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	setA := make(map[int64]bool, len(linksA))
	for _, l := range linksA {
		setA[l.ChunkID] = true
	}
	setB := make(map[int64]bool, len(linksB))
	for _, l := range linksB {
		setB[l.ChunkID] = true
	}

	resp := compareResponse{
		SessionA:        req.SessionA,
		SessionB:        req.SessionB,
		QuerySimilarity: embeddings.Cosine(sessA.QueryEmbedding.Slice(), sessB.QueryEmbedding.Slice()),
		SharedChunkIDs:  []int64{},
		OnlyA:           []int64{},
		OnlyB:           []int64{},
	}
	union := 0
	for _, l := range linksA {
		if setB[l.ChunkID] {
			resp.SharedChunkIDs = append(resp.SharedChunkIDs, l.ChunkID)
		} else {
			resp.OnlyA = append(resp.OnlyA, l.ChunkID)
		}
		union++
	}
	for _, l := range linksB {
		if !setA[l.ChunkID] {
			resp.OnlyB = append(resp.OnlyB, l.ChunkID)
			union++
		}
	}
	if union > 0 {
		resp.Overlap = float64(len(resp.SharedChunkIDs)) / float64(union)
	}
	writeJSON(w, http.StatusOK, resp)
}
