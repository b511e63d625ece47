// Package feedback applies human verdicts to sessions: chunk weights and
// counters move in one transaction, then correct sessions distill into
// workflow memories.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	"github.com/cloudvelous/ragloop/internal/circuitbreaker"
	"github.com/cloudvelous/ragloop/internal/metrics"
	"github.com/cloudvelous/ragloop/internal/store"
)

// ErrChunkNotInSession rejects feedback naming a chunk the session never
// retrieved.
var ErrChunkNotInSession = errors.New("chunk was not retrieved for this session")

// ErrDuplicateChunk rejects feedback listing the same chunk twice.
var ErrDuplicateChunk = errors.New("duplicate chunk in feedback")

// Embedder produces the summary embedding for workflow memories. An empty
// model selects the configured default.
type Embedder interface {
	GenerateEmbedding(ctx context.Context, text string, model string) ([]float32, error)
}

// Publisher pushes lifecycle events to the admin feed.
type Publisher interface {
	Publish(eventType string, payload map[string]interface{})
}

// Config carries the learning knobs. The processor reads it per call so a
// tunables reload takes effect without restart.
type Config struct {
	Delta           float64
	WeightMin       float64
	WeightMax       float64
	MemoryRetries   int
	RetryBackoff    time.Duration
	WorkflowEnabled bool
}

// ChunkFeedback is one (chunk, useful) verdict.
type ChunkFeedback struct {
	ChunkID int64 `json:"chunk_id"`
	Useful  bool  `json:"useful"`
}

// Request is one feedback submission for a session.
type Request struct {
	SessionID  int64           `json:"session_id"`
	IsCorrect  bool            `json:"is_correct"`
	Chunks     []ChunkFeedback `json:"chunk_feedback"`
	Correction *string         `json:"correction,omitempty"`
}

// Outcome reports what one feedback application changed.
type Outcome struct {
	SessionID             int64             `json:"session_id"`
	Status                string            `json:"status"`
	ChunksUpdated         int               `json:"chunks_updated"`
	NewWeights            map[int64]float64 `json:"new_weights"`
	WorkflowMemoryCreated bool              `json:"workflow_memory_created"`
}

// Processor drives the learning loop for one feedback submission.
type Processor struct {
	store    *store.Store
	embedder Embedder
	cfg      func() Config
	hub      Publisher
	logger   *zap.Logger
}

func NewProcessor(st *store.Store, embedder Embedder, cfg func() Config, hub Publisher, logger *zap.Logger) *Processor {
	return &Processor{store: st, embedder: embedder, cfg: cfg, hub: hub, logger: logger}
}

// Apply validates the submission, commits weights, counters, link
// usefulness, and the session verdict in one transaction, then records a
// workflow memory for correct sessions with useful chunks. The memory
// write is best-effort: its failure never rolls back the weights.
func (p *Processor) Apply(ctx context.Context, req Request) (*Outcome, error) {
	cfg := p.cfg()

	sess, err := p.store.GetSession(ctx, req.SessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			metrics.FeedbackRejected.WithLabelValues("not_found").Inc()
		}
		return nil, err
	}
	if sess.FeedbackStatus != store.StatusPending {
		metrics.FeedbackRejected.WithLabelValues("already_finalised").Inc()
		return nil, store.ErrAlreadyFinalised
	}

	links, err := p.store.GetSessionLinks(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	retrieved := make(map[int64]store.LinkDetail, len(links))
	for _, link := range links {
		retrieved[link.ChunkID] = link
	}

	// An empty chunk list is allowed: it finalises the verdict without
	// touching any weights, which is the only way to close out a session
	// that retrieved nothing.
	seen := make(map[int64]bool, len(req.Chunks))
	for _, cf := range req.Chunks {
		if _, ok := retrieved[cf.ChunkID]; !ok {
			metrics.FeedbackRejected.WithLabelValues("invalid_input").Inc()
			return nil, fmt.Errorf("%w: chunk %d", ErrChunkNotInSession, cf.ChunkID)
		}
		if seen[cf.ChunkID] {
			metrics.FeedbackRejected.WithLabelValues("invalid_input").Inc()
			return nil, fmt.Errorf("%w: chunk %d", ErrDuplicateChunk, cf.ChunkID)
		}
		seen[cf.ChunkID] = true
	}

	status := store.StatusIncorrect
	if req.IsCorrect {
		status = store.StatusCorrect
	}

	newWeights := make(map[int64]float64, len(req.Chunks))
	err = p.store.WithTransaction(ctx, func(tx *circuitbreaker.TxWrapper) error {
		for _, cf := range req.Chunks {
			if err := p.store.MarkLinkUsefulness(ctx, tx, req.SessionID, cf.ChunkID, cf.Useful); err != nil {
				return err
			}
			if err := p.store.BumpCounters(ctx, tx, cf.ChunkID, cf.Useful); err != nil {
				return err
			}

			delta := cfg.Delta
			if !cf.Useful {
				delta = -delta
			}
			weight, err := p.store.AdjustWeight(ctx, tx, cf.ChunkID, delta, cfg.WeightMin, cfg.WeightMax)
			if err != nil {
				return err
			}
			newWeights[cf.ChunkID] = weight
			p.noteClamp(retrieved[cf.ChunkID].AccuracyWeight, delta, weight, cfg)
		}
		return p.store.UpdateFeedback(ctx, tx, req.SessionID, status, req.Correction)
	})
	if err != nil {
		if errors.Is(err, store.ErrAlreadyFinalised) {
			// Another submission won the race after our pending check.
			metrics.FeedbackRejected.WithLabelValues("already_finalised").Inc()
			return nil, err
		}
		metrics.FeedbackRejected.WithLabelValues("store_error").Inc()
		return nil, fmt.Errorf("apply feedback: %w", err)
	}

	metrics.FeedbackTotal.WithLabelValues(status).Inc()

	outcome := &Outcome{
		SessionID:     req.SessionID,
		Status:        status,
		ChunksUpdated: len(req.Chunks),
		NewWeights:    newWeights,
	}

	usefulIDs := make([]int64, 0, len(req.Chunks))
	usefulLinks := make([]store.LinkDetail, 0, len(req.Chunks))
	for _, cf := range req.Chunks {
		if cf.Useful {
			usefulIDs = append(usefulIDs, cf.ChunkID)
			usefulLinks = append(usefulLinks, retrieved[cf.ChunkID])
		}
	}

	if req.IsCorrect && len(usefulIDs) > 0 && cfg.WorkflowEnabled {
		outcome.WorkflowMemoryCreated = p.recordMemory(ctx, cfg, sess, usefulIDs, usefulLinks)
	}

	if p.hub != nil {
		p.hub.Publish("feedback.applied", map[string]interface{}{
			"session_id":     req.SessionID,
			"status":         status,
			"chunks_updated": outcome.ChunksUpdated,
			"memory_created": outcome.WorkflowMemoryCreated,
		})
	}

	return outcome, nil
}

// recordMemory distills the session into a workflow memory. Retried a
// bounded number of times; an exhausted retry budget is logged and
// counted, never surfaced.
func (p *Processor) recordMemory(ctx context.Context, cfg Config, sess *store.Session, usefulIDs []int64, usefulLinks []store.LinkDetail) bool {
	summary := ComposeSummary(sess.Query, usefulLinks, sess.LLMProvider)

	vec, err := p.embedder.GenerateEmbedding(ctx, summary, "")
	if err != nil {
		metrics.WorkflowMemoryWriteFailures.Inc()
		p.logger.Warn("workflow memory embedding failed",
			zap.Int64("session_id", sess.ID),
			zap.Error(err))
		return false
	}

	sorted := append([]int64(nil), usefulIDs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	mem := &store.WorkflowMemory{
		SessionID:        sess.ID,
		ReasoningSummary: summary,
		SummaryEmbedding: pgvector.NewVector(vec),
		UsefulChunkIDs:   pq.Int64Array(sorted),
		IsSuccessful:     true,
	}

	attempts := cfg.MemoryRetries
	if attempts < 1 {
		attempts = 1
	}
	backoff := cfg.RetryBackoff
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		err = p.store.RecordMemory(ctx, mem)
		if err == nil {
			metrics.WorkflowMemoriesCreated.Inc()
			p.logger.Info("workflow memory recorded",
				zap.Int64("session_id", sess.ID),
				zap.Int("useful_chunks", len(sorted)))
			return true
		}
		if errors.Is(err, store.ErrDuplicateMemory) {
			p.logger.Debug("workflow memory already exists", zap.Int64("session_id", sess.ID))
			return true
		}
		if attempt < attempts {
			p.logger.Warn("workflow memory write failed, retrying",
				zap.Int64("session_id", sess.ID),
				zap.Int("attempt", attempt),
				zap.Error(err))
			select {
			case <-ctx.Done():
				attempt = attempts
			case <-time.After(backoff):
				backoff *= 2
			}
		}
	}

	metrics.WorkflowMemoryWriteFailures.Inc()
	p.logger.Warn("workflow memory write abandoned",
		zap.Int64("session_id", sess.ID),
		zap.Int("attempts", attempts),
		zap.Error(err))
	return false
}

// noteClamp counts adjustments the clamp bounds absorbed. preWeight is the
// weight observed when the session links were read.
func (p *Processor) noteClamp(preWeight, delta, postWeight float64, cfg Config) {
	expected := preWeight + delta
	if math.Abs(expected-postWeight) < 1e-9 {
		return
	}
	if delta < 0 && postWeight == cfg.WeightMin {
		metrics.WeightClampHits.WithLabelValues("min").Inc()
	} else if delta > 0 && postWeight == cfg.WeightMax {
		metrics.WeightClampHits.WithLabelValues("max").Inc()
	}
}

// ApplyBulk processes submissions independently: one bad item does not
// stop the rest.
func (p *Processor) ApplyBulk(ctx context.Context, reqs []Request) *BulkOutcome {
	out := &BulkOutcome{Items: make([]BulkItem, 0, len(reqs))}
	for _, req := range reqs {
		item := BulkItem{SessionID: req.SessionID}
		outcome, err := p.Apply(ctx, req)
		if err != nil {
			item.Error = err.Error()
			out.Failed++
		} else {
			item.Outcome = outcome
			out.Applied++
		}
		out.Items = append(out.Items, item)
	}
	return out
}

// BulkItem is the per-session result of a bulk submission.
type BulkItem struct {
	SessionID int64    `json:"session_id"`
	Outcome   *Outcome `json:"outcome,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// BulkOutcome aggregates a bulk submission.
type BulkOutcome struct {
	Applied int        `json:"applied"`
	Failed  int        `json:"failed"`
	Items   []BulkItem `json:"items"`
}
