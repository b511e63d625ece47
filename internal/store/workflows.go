package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
)

// FindSimilarMemories returns successful workflow memories whose summary is
// at least minSim-similar to the query vector, closest first. This is the
// lookup feeding the retrieval boost.
func (s *Store) FindSimilarMemories(ctx context.Context, queryVec []float32, topM int, minSim float64) ([]MemoryHit, error) {
	if len(queryVec) == 0 {
		return nil, fmt.Errorf("empty query vector")
	}
	if topM <= 0 {
		topM = 3
	}

	query := `
		SELECT id, session_id, reasoning_summary, useful_chunk_ids,
			is_successful, created_at,
			1 - (summary_embedding <=> $1) AS similarity
		FROM workflow_memories
		WHERE is_successful = TRUE
			AND 1 - (summary_embedding <=> $1) >= $2
		ORDER BY summary_embedding <=> $1
		LIMIT $3`

	var out []MemoryHit
	if err := s.db.SelectContext(ctx, &out, query, pgvector.NewVector(queryVec), minSim, topM); err != nil {
		return nil, fmt.Errorf("failed to find similar memories: %w", err)
	}
	return out, nil
}

// RecordMemory stores one workflow memory. The unique constraint on
// session_id surfaces as ErrDuplicateMemory so callers can treat a replayed
// write as already done.
func (s *Store) RecordMemory(ctx context.Context, mem *WorkflowMemory) error {
	if mem.SessionID == 0 {
		return fmt.Errorf("memory requires a session id")
	}
	if len(mem.UsefulChunkIDs) == 0 {
		return fmt.Errorf("memory requires at least one useful chunk")
	}

	query := `
		INSERT INTO workflow_memories
			(session_id, reasoning_summary, summary_embedding,
			 useful_chunk_ids, is_successful)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`

	row, err := s.db.QueryRowxContext(ctx, query,
		mem.SessionID, mem.ReasoningSummary, mem.SummaryEmbedding,
		mem.UsefulChunkIDs, mem.IsSuccessful)
	if err != nil {
		return fmt.Errorf("failed to record memory: %w", err)
	}
	if err := row.Scan(&mem.ID, &mem.CreatedAt); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateMemory
		}
		return fmt.Errorf("failed to record memory: %w", err)
	}
	return nil
}

// GetMemoryBySession loads the memory created from a session, if any.
func (s *Store) GetMemoryBySession(ctx context.Context, sessionID int64) (*WorkflowMemory, error) {
	query := `
		SELECT id, session_id, reasoning_summary, useful_chunk_ids,
			is_successful, created_at
		FROM workflow_memories
		WHERE session_id = $1`

	var mem WorkflowMemory
	err := s.db.GetContext(ctx, &mem, query, sessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get memory for session %d: %w", sessionID, err)
	}
	return &mem, nil
}

// SearchMemories is the admin-facing search over workflow memories with the
// source session's query attached.
func (s *Store) SearchMemories(ctx context.Context, queryVec []float32, opts MemorySearchOptions) ([]MemorySearchResult, error) {
	if len(queryVec) == 0 {
		return nil, fmt.Errorf("empty query vector")
	}
	topK := opts.TopK
	if topK <= 0 {
		topK = 10
	}
	if topK > 100 {
		topK = 100
	}

	query := `
		SELECT m.id, m.session_id, m.reasoning_summary, m.useful_chunk_ids,
			m.is_successful, m.created_at,
			1 - (m.summary_embedding <=> $1) AS similarity,
			t.query AS source_query
		FROM workflow_memories m
		JOIN training_sessions t ON t.id = m.session_id
		WHERE 1 - (m.summary_embedding <=> $1) >= $2
			AND ($3 = FALSE OR m.is_successful = TRUE)
		ORDER BY m.summary_embedding <=> $1
		LIMIT $4`

	var out []MemorySearchResult
	if err := s.db.SelectContext(ctx, &out, query,
		pgvector.NewVector(queryVec), opts.MinSimilarity, opts.SuccessfulOnly, topK); err != nil {
		return nil, fmt.Errorf("failed to search memories: %w", err)
	}
	return out, nil
}
