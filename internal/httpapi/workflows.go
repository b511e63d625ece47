package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/cloudvelous/ragloop/internal/store"
)

type workflowSearchRequest struct {
	QueryText      string   `json:"query_text"`
	SuccessfulOnly *bool    `json:"successful_only,omitempty"`
	MinSimilarity  *float64 `json:"min_similarity,omitempty"`
	TopK           int      `json:"top_k,omitempty"`
}

type workflowSearchResponse struct {
	Results []store.MemorySearchResult `json:"results"`
	Count   int                        `json:"count"`
}

// handleWorkflowSearch embeds the probe text and ranks workflow memories
// against it. Defaults: successful only, similarity >= 0.5, top 10 — looser
// than the retrieval-path threshold because this is an exploration tool.
func (s *Server) handleWorkflowSearch(w http.ResponseWriter, r *http.Request) {
	var req workflowSearchRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, kindInvalidInput, "invalid JSON")
		return
	}
	req.QueryText = strings.TrimSpace(req.QueryText)
	if req.QueryText == "" {
		writeError(w, http.StatusBadRequest, kindInvalidInput, "query_text is required")
		return
	}

	opts := store.MemorySearchOptions{TopK: 10, MinSimilarity: 0.5, SuccessfulOnly: true}
	if req.SuccessfulOnly != nil {
		opts.SuccessfulOnly = *req.SuccessfulOnly
	}
	if req.MinSimilarity != nil {
		if *req.MinSimilarity < -1 || *req.MinSimilarity > 1 {
			writeError(w, http.StatusBadRequest, kindInvalidInput, "min_similarity must be in [-1, 1]")
			return
		}
		opts.MinSimilarity = *req.MinSimilarity
	}
	if req.TopK > 0 {
		opts.TopK = req.TopK
	}
	if opts.TopK > 50 {
		opts.TopK = 50
	}

	queryVec, err := s.embedder.GenerateEmbedding(r.Context(), req.QueryText, s.cfg.EmbeddingModel)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	results, err := s.store.SearchMemories(r.Context(), queryVec, opts)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if results == nil {
		results = []store.MemorySearchResult{}
	}
	writeJSON(w, http.StatusOK, workflowSearchResponse{Results: results, Count: len(results)})
}
