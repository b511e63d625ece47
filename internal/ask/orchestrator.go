package ask

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cloudvelous/ragloop/internal/generation"
	"github.com/cloudvelous/ragloop/internal/metrics"
	"github.com/cloudvelous/ragloop/internal/retrieval"
	"github.com/cloudvelous/ragloop/internal/store"
	"github.com/cloudvelous/ragloop/internal/trace"
	"github.com/cloudvelous/ragloop/internal/tracing"
)

var (
	// ErrQueryEmpty rejects a blank question.
	ErrQueryEmpty = errors.New("query is empty")
	// ErrQueryTooLong rejects questions over the configured limit.
	ErrQueryTooLong = errors.New("query too long")
)

// Embedder turns text into a query vector.
type Embedder interface {
	GenerateEmbedding(ctx context.Context, text string, model string) ([]float32, error)
}

// Retriever is the candidate-fetch / rank pair. *retrieval.Retriever
// satisfies it; the split lets the fetch overlap the workflow lookup.
type Retriever interface {
	Candidates(ctx context.Context, queryVec []float32, k int) ([]store.Candidate, int, error)
	Rank(cands []store.Candidate, hits []store.MemoryHit, beta float64, k int) []retrieval.Result
}

// Generator produces the answer from the query and ranked results.
type Generator interface {
	Generate(ctx context.Context, query string, results []retrieval.Result, tracer *trace.Tracer) (*generation.Result, error)
}

// SessionStore is the persistence surface the orchestrator needs.
// *store.Store satisfies it.
type SessionStore interface {
	FindSimilarMemories(ctx context.Context, queryVec []float32, topM int, minSim float64) ([]store.MemoryHit, error)
	CreateSession(ctx context.Context, sess *store.Session, links []store.Link) (int64, error)
}

// Publisher receives the session event after a successful persist.
type Publisher interface {
	Publish(eventType string, payload map[string]interface{})
}

// Config carries the ask-path tunables. Learning knobs are hot-reloadable,
// so the orchestrator reads them through a provider func per request.
type Config struct {
	TopK            int
	QueryMaxLen     int
	Beta            float64
	WorkflowEnabled bool
	MemoryTopM      int
	MinMemorySim    float64

	EmbedTimeout    time.Duration
	RetrieveTimeout time.Duration
	GenerateTimeout time.Duration
}

// Request is one question. TopK <= 0 selects the configured default.
type Request struct {
	Query        string `json:"query"`
	TopK         int    `json:"top_k,omitempty"`
	IncludeTrace bool   `json:"include_trace,omitempty"`
}

// Response is the answer with its provenance. Sources are repo/path
// strings in rank order, deduplicated.
type Response struct {
	Answer         string       `json:"answer"`
	SessionID      int64        `json:"session_id"`
	Sources        []string     `json:"sources"`
	ReasoningChain *trace.Chain `json:"reasoning_chain,omitempty"`
}

// Orchestrator runs the ask pipeline: embed, look up workflow memories,
// retrieve, generate, persist. Any failure before the persist leaves no
// session row behind.
type Orchestrator struct {
	embedder  Embedder
	store     SessionStore
	retriever Retriever
	generator Generator
	cfg       func() Config
	hub       Publisher
	logger    *zap.Logger
}

func New(embedder Embedder, st SessionStore, retriever Retriever, generator Generator, cfg func() Config, hub Publisher, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		embedder:  embedder,
		store:     st,
		retriever: retriever,
		generator: generator,
		cfg:       cfg,
		hub:       hub,
		logger:    logger,
	}
}

// Ask answers one question end to end.
func (o *Orchestrator) Ask(ctx context.Context, req Request) (*Response, error) {
	cfg := o.cfg()

	query := strings.TrimSpace(req.Query)
	if query == "" {
		metrics.RecordAsk("invalid", nil)
		return nil, ErrQueryEmpty
	}
	if cfg.QueryMaxLen > 0 && utf8.RuneCountInString(query) > cfg.QueryMaxLen {
		metrics.RecordAsk("invalid", nil)
		return nil, fmt.Errorf("%w: %d > %d characters", ErrQueryTooLong, utf8.RuneCountInString(query), cfg.QueryMaxLen)
	}

	ctx, span := tracing.StartSpan(ctx, "ask")
	defer span.End()

	tracer := trace.NewTracer(query)

	queryVec, err := o.embedQuery(ctx, cfg, tracer, query)
	if err != nil {
		metrics.RecordAsk("embed_error", nil)
		return nil, fmt.Errorf("embed query: %w", err)
	}

	results, err := o.retrieve(ctx, cfg, tracer, queryVec, req.TopK)
	if err != nil {
		metrics.RecordAsk("retrieval_error", nil)
		return nil, err
	}

	genRes, err := o.generate(ctx, cfg, tracer, query, results)
	if err != nil {
		metrics.RecordAsk("generation_error", nil)
		return nil, err
	}

	sessionID, err := o.persist(ctx, tracer, query, queryVec, genRes, results)
	if err != nil {
		metrics.RecordAsk("persist_error", nil)
		return nil, fmt.Errorf("persist session: %w", err)
	}

	chain := tracer.Chain()
	metrics.RecordAsk("ok", map[string]float64{
		"embed":      chain.EmbeddingMs,
		"retrieval":  chain.RetrievalMs,
		"generation": chain.GenerationMs,
		"total":      chain.TotalMs,
	})
	o.logger.Info("Ask complete",
		zap.Int64("session_id", sessionID),
		zap.Int("chunks", len(results)),
		zap.String("provider", genRes.Provider),
		zap.Float64("total_ms", chain.TotalMs),
	)

	resp := &Response{
		Answer:    genRes.Answer,
		SessionID: sessionID,
		Sources:   sourceList(results),
	}
	if req.IncludeTrace {
		resp.ReasoningChain = &chain
	}
	return resp, nil
}

func (o *Orchestrator) embedQuery(ctx context.Context, cfg Config, tracer *trace.Tracer, query string) ([]float32, error) {
	ctx, span := tracing.StartSpan(ctx, "ask.embed")
	defer span.End()

	ectx, cancel := phaseContext(ctx, cfg.EmbedTimeout)
	defer cancel()

	stepStart := tracer.StartStep()
	vec, err := o.embedder.GenerateEmbedding(ectx, query, "")
	if err != nil {
		return nil, err
	}
	tracer.EndStep(trace.StepQueryEmbedding, stepStart, map[string]interface{}{
		"embedding_dimension": len(vec),
	})
	return vec, nil
}

// retrieve overlaps the workflow memory lookup with the candidate fetch;
// ranking joins both. A failed lookup degrades to no boost rather than
// failing the request.
func (o *Orchestrator) retrieve(ctx context.Context, cfg Config, tracer *trace.Tracer, queryVec []float32, topK int) ([]retrieval.Result, error) {
	ctx, span := tracing.StartSpan(ctx, "ask.retrieve")
	defer span.End()

	rctx, cancel := phaseContext(ctx, cfg.RetrieveTimeout)
	defer cancel()

	stepStart := tracer.StartStep()

	var (
		hits  []store.MemoryHit
		cands []store.Candidate
		k     int
	)
	g, gctx := errgroup.WithContext(rctx)
	if cfg.WorkflowEnabled {
		g.Go(func() error {
			h, err := o.store.FindSimilarMemories(gctx, queryVec, cfg.MemoryTopM, cfg.MinMemorySim)
			if err != nil {
				metrics.WorkflowLookups.WithLabelValues("error").Inc()
				o.logger.Warn("Workflow lookup failed", zap.Error(err))
				return nil
			}
			status := "miss"
			if len(h) > 0 {
				status = "hit"
			}
			metrics.WorkflowLookups.WithLabelValues(status).Inc()
			hits = h
			return nil
		})
	}
	g.Go(func() error {
		c, effK, err := o.retriever.Candidates(gctx, queryVec, topK)
		if err != nil {
			return err
		}
		cands, k = c, effK
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if cfg.WorkflowEnabled {
		boost, maxSim := retrieval.BoostSet(hits)
		tracer.EndStep(trace.StepWorkflowLookup, stepStart, map[string]interface{}{
			"memories_matched": len(hits),
		})
		if len(hits) > 0 {
			tracer.SetWorkflowContext(map[string]interface{}{
				"memories_matched": len(hits),
				"boost_chunk_ids":  len(boost),
				"max_similarity":   maxSim,
			})
		}
	}

	results := o.retriever.Rank(cands, hits, cfg.Beta, k)
	boosted := 0
	for _, res := range results {
		if res.WorkflowBoosted {
			boosted++
		}
	}
	tracer.EndStep(trace.StepRetrieval, stepStart, map[string]interface{}{
		"candidates":       len(cands),
		"chunks_retrieved": len(results),
		"boosted_chunks":   boosted,
	})

	for _, res := range results {
		tracer.AddRetrievedChunk(trace.RetrievedChunk{
			ChunkID:         res.Chunk.ID,
			RepoName:        res.Chunk.RepoName,
			FilePath:        res.Chunk.FilePath,
			SectionTitle:    res.Chunk.SectionTitle,
			Similarity:      res.Similarity,
			Rank:            res.Rank,
			AccuracyWeight:  res.Chunk.AccuracyWeight,
			EffectiveScore:  res.EffectiveScore,
			WorkflowBoosted: res.WorkflowBoosted,
		}, res.Chunk.Content)
	}
	return results, nil
}

func (o *Orchestrator) generate(ctx context.Context, cfg Config, tracer *trace.Tracer, query string, results []retrieval.Result) (*generation.Result, error) {
	ctx, span := tracing.StartSpan(ctx, "ask.generate")
	defer span.End()

	gctx, cancel := phaseContext(ctx, cfg.GenerateTimeout)
	defer cancel()

	return o.generator.Generate(gctx, query, results, tracer)
}

func (o *Orchestrator) persist(ctx context.Context, tracer *trace.Tracer, query string, queryVec []float32, genRes *generation.Result, results []retrieval.Result) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "ask.persist")
	defer span.End()

	stepStart := tracer.StartStep()

	sess := &store.Session{
		Query:          query,
		QueryEmbedding: pgvector.NewVector(queryVec),
		Answer:         genRes.Answer,
		ReasoningChain: tracer.Snapshot(),
		LLMProvider:    genRes.Provider,
		LLMModel:       genRes.Model,
		GenerationMs:   tracer.GenerationMs(),
	}
	links := make([]store.Link, 0, len(results))
	for _, res := range results {
		links = append(links, store.Link{
			ChunkID:         res.Chunk.ID,
			RankPosition:    res.Rank,
			Similarity:      res.Similarity,
			EffectiveScore:  res.EffectiveScore,
			WorkflowBoosted: res.WorkflowBoosted,
		})
	}

	sessionID, err := o.store.CreateSession(ctx, sess, links)
	if err != nil {
		return 0, err
	}
	tracer.EndStep(trace.StepPersist, stepStart, map[string]interface{}{
		"session_id": sessionID,
		"links":      len(links),
	})

	metrics.SessionsCreated.Inc()
	o.hub.Publish("session.created", map[string]interface{}{
		"session_id": sessionID,
		"query":      query,
		"provider":   genRes.Provider,
		"chunks":     len(results),
	})
	return sessionID, nil
}

// sourceList renders repo/path provenance strings in rank order without
// duplicates.
func sourceList(results []retrieval.Result) []string {
	sources := make([]string, 0, len(results))
	seen := make(map[string]bool, len(results))
	for _, res := range results {
		src := res.Chunk.RepoName + "/" + res.Chunk.FilePath
		if seen[src] {
			continue
		}
		seen[src] = true
		sources = append(sources, src)
	}
	return sources
}

func phaseContext(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}
