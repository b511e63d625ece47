package retrieval

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	ometrics "github.com/cloudvelous/ragloop/internal/metrics"
	"github.com/cloudvelous/ragloop/internal/store"
)

var (
	// ErrEmptyVector rejects retrieval without a query embedding.
	ErrEmptyVector = errors.New("empty query vector")
	// ErrInvalidTopK rejects k outside [1, k_max].
	ErrInvalidTopK = errors.New("top_k out of range")
)

// Config bounds retrieval requests.
type Config struct {
	TopK         int // default k when the request does not name one
	KMax         int
	CandidateCap int
}

// CandidateSource yields nearest-neighbour candidates for a query vector.
// *store.Store satisfies it.
type CandidateSource interface {
	FetchCandidates(ctx context.Context, queryVec []float32, n int) ([]store.Candidate, error)
}

// Retriever turns a query vector into the ranked top-k chunk list,
// reweighted by accuracy and boosted by workflow memory.
type Retriever struct {
	source CandidateSource
	cfg    Config
	logger *zap.Logger
}

func New(source CandidateSource, cfg Config, logger *zap.Logger) *Retriever {
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	if cfg.KMax <= 0 {
		cfg.KMax = 50
	}
	if cfg.CandidateCap <= 0 {
		cfg.CandidateCap = 200
	}
	return &Retriever{source: source, cfg: cfg, logger: logger}
}

// Candidates validates the request and fetches the fanned-out candidate
// set for a top-k query. The effective k is returned so callers that
// defaulted it rank with the same value. Splitting the fetch from the
// ranking lets the orchestrator overlap it with the workflow lookup.
func (r *Retriever) Candidates(ctx context.Context, queryVec []float32, k int) ([]store.Candidate, int, error) {
	if len(queryVec) == 0 {
		return nil, 0, ErrEmptyVector
	}
	if k <= 0 {
		k = r.cfg.TopK
	}
	if k > r.cfg.KMax {
		return nil, 0, fmt.Errorf("%w: %d", ErrInvalidTopK, k)
	}

	n := Fanout(k, r.cfg.CandidateCap)
	cands, err := r.source.FetchCandidates(ctx, queryVec, n)
	if err != nil {
		return nil, 0, fmt.Errorf("candidate fetch: %w", err)
	}
	return cands, k, nil
}

// Rank orders candidates by effective score with the workflow boost
// applied and records retrieval metrics. Memory hits widen nothing; they
// only reorder via the boost, so a failed workflow lookup degrades to
// hits == nil.
func (r *Retriever) Rank(cands []store.Candidate, hits []store.MemoryHit, beta float64, k int) []Result {
	boost, maxSim := BoostSet(hits)
	results := rank(cands, boost, maxSim, beta, k)

	boosted := 0
	for _, res := range results {
		if res.WorkflowBoosted {
			boosted++
		}
	}
	ometrics.RecordRetrieval(len(cands), len(results), boosted)

	r.logger.Debug("Retrieval complete",
		zap.Int("candidates", len(cands)),
		zap.Int("results", len(results)),
		zap.Int("boosted", boosted),
	)
	return results
}

// Retrieve fetches and ranks in one call for callers that already hold
// the memory hits.
func (r *Retriever) Retrieve(ctx context.Context, queryVec []float32, k int, hits []store.MemoryHit, beta float64) ([]Result, error) {
	cands, k, err := r.Candidates(ctx, queryVec, k)
	if err != nil {
		return nil, err
	}
	return r.Rank(cands, hits, beta, k), nil
}
