package store

import (
	"context"
	"fmt"
)

// ensureSchema creates the extension, tables, and indexes if they do not
// exist. Safe to run on every boot; the vector dimension is fixed at first
// creation and must match EMBED_DIM thereafter.
func (s *Store) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS knowledge_chunks (
			id               BIGSERIAL PRIMARY KEY,
			repo_name        VARCHAR(255) NOT NULL,
			file_path        VARCHAR(500) NOT NULL,
			section_title    VARCHAR(500) NOT NULL DEFAULT '',
			content          TEXT NOT NULL,
			embedding        vector(%d) NOT NULL,
			accuracy_weight  DOUBLE PRECISION NOT NULL DEFAULT 1.0,
			times_retrieved  BIGINT NOT NULL DEFAULT 0,
			times_useful     BIGINT NOT NULL DEFAULT 0,
			created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, s.dim),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS training_sessions (
			id               BIGSERIAL PRIMARY KEY,
			query            TEXT NOT NULL,
			query_embedding  vector(%d) NOT NULL,
			answer           TEXT NOT NULL,
			reasoning_chain  JSONB NOT NULL DEFAULT '{}'::jsonb,
			llm_provider     VARCHAR(50) NOT NULL,
			llm_model        VARCHAR(100) NOT NULL DEFAULT '',
			generation_ms    DOUBLE PRECISION NOT NULL DEFAULT 0,
			feedback_status  VARCHAR(16) NOT NULL DEFAULT 'pending'
				CHECK (feedback_status IN ('pending', 'correct', 'incorrect')),
			correction_text  TEXT,
			created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, s.dim),

		`CREATE TABLE IF NOT EXISTS embedding_links (
			id               BIGSERIAL PRIMARY KEY,
			session_id       BIGINT NOT NULL REFERENCES training_sessions(id) ON DELETE CASCADE,
			chunk_id         BIGINT NOT NULL REFERENCES knowledge_chunks(id),
			rank_position    INT NOT NULL,
			similarity       DOUBLE PRECISION NOT NULL,
			effective_score  DOUBLE PRECISION NOT NULL,
			workflow_boosted BOOLEAN NOT NULL DEFAULT FALSE,
			was_useful       BOOLEAN,
			created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (session_id, chunk_id)
		)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS workflow_memories (
			id                BIGSERIAL PRIMARY KEY,
			session_id        BIGINT NOT NULL UNIQUE REFERENCES training_sessions(id) ON DELETE CASCADE,
			reasoning_summary TEXT NOT NULL,
			summary_embedding vector(%d) NOT NULL,
			useful_chunk_ids  BIGINT[] NOT NULL,
			is_successful     BOOLEAN NOT NULL DEFAULT TRUE,
			created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, s.dim),

		`CREATE INDEX IF NOT EXISTS idx_chunks_embedding
			ON knowledge_chunks USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_repo ON knowledge_chunks (repo_name)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_status ON training_sessions (feedback_status)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_created ON training_sessions (created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_links_session ON embedding_links (session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_links_chunk ON embedding_links (chunk_id)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_embedding
			ON workflow_memories USING ivfflat (summary_embedding vector_cosine_ops) WITH (lists = 100)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}
