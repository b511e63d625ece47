package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
)

// Feedback states for a training session. A session leaves pending exactly
// once.
const (
	StatusPending   = "pending"
	StatusCorrect   = "correct"
	StatusIncorrect = "incorrect"
)

// JSONB represents a PostgreSQL jsonb column
type JSONB map[string]interface{}

// Value implements the driver.Valuer interface
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements the sql.Scanner interface
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("cannot scan %T into JSONB", value)
	}

	return json.Unmarshal(bytes, j)
}

// Chunk is one embedded documentation section. Provenance and embedding are
// immutable after ingestion; weight and counters move only through feedback.
type Chunk struct {
	ID             int64           `db:"id" json:"id"`
	RepoName       string          `db:"repo_name" json:"repo_name"`
	FilePath       string          `db:"file_path" json:"file_path"`
	SectionTitle   string          `db:"section_title" json:"section_title"`
	Content        string          `db:"content" json:"content"`
	Embedding      pgvector.Vector `db:"embedding" json:"-"`
	AccuracyWeight float64         `db:"accuracy_weight" json:"accuracy_weight"`
	TimesRetrieved int64           `db:"times_retrieved" json:"times_retrieved"`
	TimesUseful    int64           `db:"times_useful" json:"times_useful"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updated_at"`
}

// Candidate is a chunk plus its raw cosine similarity against the query.
type Candidate struct {
	Chunk
	Similarity float64 `db:"similarity" json:"similarity"`
}

// Session is one question/answer exchange with its reasoning snapshot.
type Session struct {
	ID             int64           `db:"id" json:"id"`
	Query          string          `db:"query" json:"query"`
	QueryEmbedding pgvector.Vector `db:"query_embedding" json:"-"`
	Answer         string          `db:"answer" json:"answer"`
	ReasoningChain JSONB           `db:"reasoning_chain" json:"reasoning_chain"`
	LLMProvider    string          `db:"llm_provider" json:"llm_provider"`
	LLMModel       string          `db:"llm_model" json:"llm_model"`
	GenerationMs   float64         `db:"generation_ms" json:"generation_ms"`
	FeedbackStatus string          `db:"feedback_status" json:"feedback_status"`
	CorrectionText *string         `db:"correction_text" json:"correction_text,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updated_at"`
}

// Link records that a chunk was retrieved for a session at a given rank.
type Link struct {
	ID              int64     `db:"id" json:"id"`
	SessionID       int64     `db:"session_id" json:"session_id"`
	ChunkID         int64     `db:"chunk_id" json:"chunk_id"`
	RankPosition    int       `db:"rank_position" json:"rank_position"`
	Similarity      float64   `db:"similarity" json:"similarity"`
	EffectiveScore  float64   `db:"effective_score" json:"effective_score"`
	WorkflowBoosted bool      `db:"workflow_boosted" json:"workflow_boosted"`
	WasUseful       *bool     `db:"was_useful" json:"was_useful"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
}

// LinkDetail joins a link with its chunk's provenance for the inspector.
type LinkDetail struct {
	Link
	RepoName       string  `db:"repo_name" json:"repo_name"`
	FilePath       string  `db:"file_path" json:"file_path"`
	SectionTitle   string  `db:"section_title" json:"section_title"`
	ContentPreview string  `db:"content_preview" json:"content_preview"`
	AccuracyWeight float64 `db:"accuracy_weight" json:"accuracy_weight"`
}

// WorkflowMemory is the distilled trace of a session confirmed correct.
type WorkflowMemory struct {
	ID               int64           `db:"id" json:"id"`
	SessionID        int64           `db:"session_id" json:"session_id"`
	ReasoningSummary string          `db:"reasoning_summary" json:"reasoning_summary"`
	SummaryEmbedding pgvector.Vector `db:"summary_embedding" json:"-"`
	UsefulChunkIDs   pq.Int64Array   `db:"useful_chunk_ids" json:"useful_chunk_ids"`
	IsSuccessful     bool            `db:"is_successful" json:"is_successful"`
	CreatedAt        time.Time       `db:"created_at" json:"created_at"`
}

// MemoryHit is a workflow memory plus its similarity to the current query.
type MemoryHit struct {
	WorkflowMemory
	Similarity float64 `db:"similarity" json:"similarity"`
}

// MemorySearchResult adds the source session's query for the admin search.
type MemorySearchResult struct {
	MemoryHit
	SourceQuery string `db:"source_query" json:"source_query"`
}

// SessionFilter narrows ListSessions. Zero values mean no constraint.
type SessionFilter struct {
	Status *string
	Since  *time.Time
	Until  *time.Time
	Limit  int
	Offset int
}

// SessionPage is one page of sessions plus the unfiltered-by-paging total.
type SessionPage struct {
	Sessions []Session `json:"sessions"`
	Total    int64     `json:"total"`
}

// Stats aggregates learning progress for the admin dashboard.
type Stats struct {
	TotalChunks       int64   `json:"total_chunks"`
	AvgWeight         float64 `json:"avg_weight"`
	MinWeight         float64 `json:"min_weight"`
	MaxWeight         float64 `json:"max_weight"`
	TotalSessions     int64   `json:"total_sessions"`
	PendingSessions   int64   `json:"pending_sessions"`
	CorrectSessions   int64   `json:"correct_sessions"`
	IncorrectSessions int64   `json:"incorrect_sessions"`
	AccuracyRate      float64 `json:"accuracy_rate"`
	TotalMemories     int64   `json:"total_memories"`
}

// MemorySearchOptions controls the admin workflow search.
type MemorySearchOptions struct {
	TopK           int
	MinSimilarity  float64
	SuccessfulOnly bool
}
