package trace

import (
	"encoding/json"
	"time"

	"github.com/cloudvelous/ragloop/internal/store"
)

// Step names recorded by the ask pipeline.
const (
	StepQueryEmbedding = "query_embedding"
	StepWorkflowLookup = "workflow_lookup"
	StepRetrieval      = "retrieval"
	StepGeneration     = "generation"
	StepPersist        = "persist"
)

const previewLimit = 200

// Step is one timed pipeline stage.
type Step struct {
	Name       string                 `json:"step_name"`
	Timestamp  time.Time              `json:"timestamp"`
	DurationMs float64                `json:"duration_ms"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// RetrievedChunk is the per-chunk evidence captured for inspection. The
// preview is bounded so the stored chain stays small.
type RetrievedChunk struct {
	ChunkID         int64   `json:"chunk_id"`
	RepoName        string  `json:"repo_name"`
	FilePath        string  `json:"file_path"`
	SectionTitle    string  `json:"section_title,omitempty"`
	ContentPreview  string  `json:"content_preview"`
	Similarity      float64 `json:"similarity_score"`
	Rank            int     `json:"rank_position"`
	AccuracyWeight  float64 `json:"accuracy_weight"`
	EffectiveScore  float64 `json:"effective_score"`
	WorkflowBoosted bool    `json:"workflow_boosted"`
}

// Chain is the complete reasoning record persisted with a session.
type Chain struct {
	Query           string                 `json:"query"`
	EmbeddingMs     float64                `json:"query_embedding_time_ms"`
	RetrievalMs     float64                `json:"retrieval_time_ms"`
	GenerationMs    float64                `json:"generation_time_ms"`
	TotalMs         float64                `json:"total_time_ms"`
	Steps           []Step                 `json:"steps"`
	RetrievedChunks []RetrievedChunk       `json:"retrieved_chunks"`
	WorkflowContext map[string]interface{} `json:"workflow_context,omitempty"`
	LLMProvider     string                 `json:"llm_provider"`
	LLMModel        string                 `json:"llm_model,omitempty"`
}

// Tracer accumulates the reasoning chain for one ask request. It lives on a
// single goroutine for the request's lifetime, so there is no locking.
type Tracer struct {
	query    string
	start    time.Time
	steps    []Step
	chunks   []RetrievedChunk
	wfCtx    map[string]interface{}
	provider string
	model    string

	embeddingMs  float64
	retrievalMs  float64
	generationMs float64

	snapshot store.JSONB
}

func NewTracer(query string) *Tracer {
	return &Tracer{query: query, start: time.Now()}
}

// StartStep marks the beginning of a named stage.
func (t *Tracer) StartStep() time.Time {
	return time.Now()
}

// EndStep records a completed stage. The embedding, retrieval, and
// generation stages also fill the chain's named timing fields.
func (t *Tracer) EndStep(name string, start time.Time, metadata map[string]interface{}) {
	durationMs := float64(time.Since(start)) / float64(time.Millisecond)

	t.steps = append(t.steps, Step{
		Name:       name,
		Timestamp:  time.Now(),
		DurationMs: durationMs,
		Metadata:   metadata,
	})

	switch name {
	case StepQueryEmbedding:
		t.embeddingMs = durationMs
	case StepRetrieval:
		t.retrievalMs = durationMs
	case StepGeneration:
		t.generationMs = durationMs
	}
}

// AddRetrievedChunk records one retrieval result. content is the chunk's
// full text; only a bounded preview is kept.
func (t *Tracer) AddRetrievedChunk(c RetrievedChunk, content string) {
	c.ContentPreview = preview(content)
	t.chunks = append(t.chunks, c)
}

// SetWorkflowContext attaches workflow memory match details.
func (t *Tracer) SetWorkflowContext(ctx map[string]interface{}) {
	t.wfCtx = ctx
}

// SetLLMInfo records which provider and model produced the answer.
func (t *Tracer) SetLLMInfo(provider, model string) {
	t.provider = provider
	t.model = model
}

// GenerationMs returns the recorded generation duration.
func (t *Tracer) GenerationMs() float64 {
	return t.generationMs
}

// Chain assembles the reasoning chain as captured so far.
func (t *Tracer) Chain() Chain {
	steps := t.steps
	if steps == nil {
		steps = []Step{}
	}
	chunks := t.chunks
	if chunks == nil {
		chunks = []RetrievedChunk{}
	}
	return Chain{
		Query:           t.query,
		EmbeddingMs:     t.embeddingMs,
		RetrievalMs:     t.retrievalMs,
		GenerationMs:    t.generationMs,
		TotalMs:         float64(time.Since(t.start)) / float64(time.Millisecond),
		Steps:           steps,
		RetrievedChunks: chunks,
		WorkflowContext: t.wfCtx,
		LLMProvider:     t.provider,
		LLMModel:        t.model,
	}
}

// Snapshot freezes the chain into the JSONB shape stored with the session.
// The first call fixes total_time_ms; later calls return the same value.
func (t *Tracer) Snapshot() store.JSONB {
	if t.snapshot != nil {
		return t.snapshot
	}

	buf, err := json.Marshal(t.Chain())
	if err != nil {
		// Chain contains only JSON-safe types; treat failure as empty.
		t.snapshot = store.JSONB{}
		return t.snapshot
	}
	var out store.JSONB
	if err := json.Unmarshal(buf, &out); err != nil {
		t.snapshot = store.JSONB{}
		return t.snapshot
	}
	t.snapshot = out
	return t.snapshot
}

func preview(content string) string {
	if len(content) > previewLimit {
		return content[:previewLimit] + "..."
	}
	return content
}
