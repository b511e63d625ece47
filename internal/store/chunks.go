package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"

	"github.com/pgvector/pgvector-go"

	"github.com/cloudvelous/ragloop/internal/circuitbreaker"
)

// FetchCandidates returns the n nearest chunks by cosine distance with their
// raw similarities. The embedding column stays in the database; ranking only
// needs the score.
func (s *Store) FetchCandidates(ctx context.Context, queryVec []float32, n int) ([]Candidate, error) {
	if len(queryVec) == 0 {
		return nil, fmt.Errorf("empty query vector")
	}
	if n <= 0 {
		return nil, fmt.Errorf("candidate fanout must be positive, got %d", n)
	}

	query := `
		SELECT id, repo_name, file_path, section_title, content,
			accuracy_weight, times_retrieved, times_useful,
			created_at, updated_at,
			1 - (embedding <=> $1) AS similarity
		FROM knowledge_chunks
		ORDER BY embedding <=> $1
		LIMIT $2`

	var out []Candidate
	if err := s.db.SelectContext(ctx, &out, query, pgvector.NewVector(queryVec), n); err != nil {
		return nil, fmt.Errorf("failed to fetch candidates: %w", err)
	}
	return out, nil
}

// GetChunk loads one chunk by id.
func (s *Store) GetChunk(ctx context.Context, id int64) (*Chunk, error) {
	query := `
		SELECT id, repo_name, file_path, section_title, content, embedding,
			accuracy_weight, times_retrieved, times_useful,
			created_at, updated_at
		FROM knowledge_chunks
		WHERE id = $1`

	var c Chunk
	err := s.db.GetContext(ctx, &c, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get chunk %d: %w", id, err)
	}
	return &c, nil
}

// InsertChunk stores a new chunk and fills in its id. Used by seeding and
// tests; the serving path never creates chunks.
func (s *Store) InsertChunk(ctx context.Context, c *Chunk) error {
	if c.AccuracyWeight == 0 {
		c.AccuracyWeight = 1.0
	}

	query := `
		INSERT INTO knowledge_chunks
			(repo_name, file_path, section_title, content, embedding, accuracy_weight)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at`

	row, err := s.db.QueryRowxContext(ctx, query,
		c.RepoName, c.FilePath, c.SectionTitle, c.Content, c.Embedding, c.AccuracyWeight)
	if err != nil {
		return fmt.Errorf("failed to insert chunk: %w", err)
	}
	if err := row.Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return fmt.Errorf("failed to insert chunk: %w", err)
	}
	return nil
}

// BumpCounters increments times_retrieved and, when useful, times_useful in
// a single statement so the pair can never drift apart.
func (s *Store) BumpCounters(ctx context.Context, tx *circuitbreaker.TxWrapper, chunkID int64, useful bool) error {
	query := `
		UPDATE knowledge_chunks
		SET times_retrieved = times_retrieved + 1,
			times_useful = times_useful + CASE WHEN $2 THEN 1 ELSE 0 END,
			updated_at = NOW()
		WHERE id = $1`

	res, err := tx.ExecContext(ctx, query, chunkID, useful)
	if err != nil {
		return fmt.Errorf("failed to bump counters for chunk %d: %w", chunkID, err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// AdjustWeight applies a bounded delta to a chunk's accuracy weight, clamped
// to [min, max] in the database, and returns the post-state.
func (s *Store) AdjustWeight(ctx context.Context, tx *circuitbreaker.TxWrapper, chunkID int64, delta, min, max float64) (float64, error) {
	if math.Abs(delta) > 0.5 {
		return 0, fmt.Errorf("weight delta %v out of range", delta)
	}

	query := `
		UPDATE knowledge_chunks
		SET accuracy_weight = LEAST(GREATEST(accuracy_weight + $2, $3), $4),
			updated_at = NOW()
		WHERE id = $1
		RETURNING accuracy_weight`

	row, err := tx.QueryRowxContext(ctx, query, chunkID, delta, min, max)
	if err != nil {
		return 0, fmt.Errorf("failed to adjust weight for chunk %d: %w", chunkID, err)
	}
	var weight float64
	if err := row.Scan(&weight); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("failed to adjust weight for chunk %d: %w", chunkID, err)
	}
	return weight, nil
}

// SetWeight overwrites a chunk's weight, for the admin edit endpoint. Bounds
// are validated by the caller against the live config.
func (s *Store) SetWeight(ctx context.Context, chunkID int64, weight float64) error {
	query := `
		UPDATE knowledge_chunks
		SET accuracy_weight = $2, updated_at = NOW()
		WHERE id = $1`

	res, err := s.db.ExecContext(ctx, query, chunkID, weight)
	if err != nil {
		return fmt.Errorf("failed to set weight for chunk %d: %w", chunkID, err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// TopChunksByUsefulness returns the chunks most often confirmed useful, for
// the stats endpoint.
func (s *Store) TopChunksByUsefulness(ctx context.Context, n int) ([]Chunk, error) {
	if n <= 0 {
		n = 10
	}

	query := `
		SELECT id, repo_name, file_path, section_title, content,
			accuracy_weight, times_retrieved, times_useful,
			created_at, updated_at
		FROM knowledge_chunks
		WHERE times_useful > 0
		ORDER BY times_useful DESC, id ASC
		LIMIT $1`

	var out []Chunk
	if err := s.db.SelectContext(ctx, &out, query, n); err != nil {
		return nil, fmt.Errorf("failed to list top chunks: %w", err)
	}
	return out, nil
}
