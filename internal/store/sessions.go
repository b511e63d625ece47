package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudvelous/ragloop/internal/circuitbreaker"
)

// CreateSession inserts the session row and all of its embedding links in
// one transaction and returns the new session id. Links arrive in rank
// order from the retriever.
func (s *Store) CreateSession(ctx context.Context, sess *Session, links []Link) (int64, error) {
	if sess.FeedbackStatus == "" {
		sess.FeedbackStatus = StatusPending
	}

	err := s.WithTransaction(ctx, func(tx *circuitbreaker.TxWrapper) error {
		query := `
			INSERT INTO training_sessions
				(query, query_embedding, answer, reasoning_chain,
				 llm_provider, llm_model, generation_ms, feedback_status)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id, created_at, updated_at`

		row, err := tx.QueryRowxContext(ctx, query,
			sess.Query, sess.QueryEmbedding, sess.Answer, sess.ReasoningChain,
			sess.LLMProvider, sess.LLMModel, sess.GenerationMs, sess.FeedbackStatus)
		if err != nil {
			return fmt.Errorf("failed to insert session: %w", err)
		}
		if err := row.Scan(&sess.ID, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return fmt.Errorf("failed to insert session: %w", err)
		}

		linkQuery := `
			INSERT INTO embedding_links
				(session_id, chunk_id, rank_position, similarity,
				 effective_score, workflow_boosted)
			VALUES ($1, $2, $3, $4, $5, $6)`

		for i := range links {
			links[i].SessionID = sess.ID
			if _, err := tx.ExecContext(ctx, linkQuery,
				sess.ID, links[i].ChunkID, links[i].RankPosition,
				links[i].Similarity, links[i].EffectiveScore, links[i].WorkflowBoosted); err != nil {
				return fmt.Errorf("failed to insert link for chunk %d: %w", links[i].ChunkID, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return sess.ID, nil
}

// GetSession loads one session by id.
func (s *Store) GetSession(ctx context.Context, id int64) (*Session, error) {
	query := `
		SELECT id, query, query_embedding, answer, reasoning_chain,
			llm_provider, llm_model, generation_ms, feedback_status,
			correction_text, created_at, updated_at
		FROM training_sessions
		WHERE id = $1`

	var sess Session
	err := s.db.GetContext(ctx, &sess, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session %d: %w", id, err)
	}
	return &sess, nil
}

// GetSessionLinks returns a session's retrieved chunks with provenance, in
// rank order. The content preview is capped at 200 characters.
func (s *Store) GetSessionLinks(ctx context.Context, sessionID int64) ([]LinkDetail, error) {
	query := `
		SELECT l.id, l.session_id, l.chunk_id, l.rank_position, l.similarity,
			l.effective_score, l.workflow_boosted, l.was_useful, l.created_at,
			c.repo_name, c.file_path, c.section_title,
			LEFT(c.content, 200) AS content_preview,
			c.accuracy_weight
		FROM embedding_links l
		JOIN knowledge_chunks c ON c.id = l.chunk_id
		WHERE l.session_id = $1
		ORDER BY l.rank_position ASC`

	var out []LinkDetail
	if err := s.db.SelectContext(ctx, &out, query, sessionID); err != nil {
		return nil, fmt.Errorf("failed to get links for session %d: %w", sessionID, err)
	}
	return out, nil
}

// ListSessions returns one page of sessions, newest first, with the total
// matching count.
func (s *Store) ListSessions(ctx context.Context, filter SessionFilter) (*SessionPage, error) {
	conditions := []string{}
	args := []interface{}{}

	if filter.Status != nil {
		args = append(args, *filter.Status)
		conditions = append(conditions, fmt.Sprintf("feedback_status = $%d", len(args)))
	}
	if filter.Since != nil {
		args = append(args, *filter.Since)
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if filter.Until != nil {
		args = append(args, *filter.Until)
		conditions = append(conditions, fmt.Sprintf("created_at <= $%d", len(args)))
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	var total int64
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM training_sessions %s", where)
	if err := s.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, fmt.Errorf("failed to count sessions: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	args = append(args, limit, offset)
	listQuery := fmt.Sprintf(`
		SELECT id, query, answer, reasoning_chain, llm_provider, llm_model,
			generation_ms, feedback_status, correction_text,
			created_at, updated_at
		FROM training_sessions
		%s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d OFFSET $%d`, where, len(args)-1, len(args))

	sessions := []Session{}
	if err := s.db.SelectContext(ctx, &sessions, listQuery, args...); err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	return &SessionPage{Sessions: sessions, Total: total}, nil
}

// UpdateFeedback moves a session out of pending. The guard in the WHERE
// clause makes finalisation first-wins: a second application touches zero
// rows and reports ErrAlreadyFinalised.
func (s *Store) UpdateFeedback(ctx context.Context, tx *circuitbreaker.TxWrapper, sessionID int64, status string, correction *string) error {
	if status != StatusCorrect && status != StatusIncorrect {
		return fmt.Errorf("invalid feedback status %q", status)
	}

	query := `
		UPDATE training_sessions
		SET feedback_status = $2, correction_text = $3, updated_at = NOW()
		WHERE id = $1 AND feedback_status = 'pending'`

	res, err := tx.ExecContext(ctx, query, sessionID, status, correction)
	if err != nil {
		return fmt.Errorf("failed to update feedback for session %d: %w", sessionID, err)
	}
	rows, _ := res.RowsAffected()
	if rows > 0 {
		return nil
	}

	// Zero rows: either the session is missing or it was finalised before.
	var exists bool
	if err := tx.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM training_sessions WHERE id = $1)", sessionID); err != nil {
		return fmt.Errorf("failed to probe session %d: %w", sessionID, err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrAlreadyFinalised
}

// MarkLinkUsefulness records the per-chunk verdict on a session's link.
func (s *Store) MarkLinkUsefulness(ctx context.Context, tx *circuitbreaker.TxWrapper, sessionID, chunkID int64, useful bool) error {
	query := `
		UPDATE embedding_links
		SET was_useful = $3
		WHERE session_id = $1 AND chunk_id = $2`

	res, err := tx.ExecContext(ctx, query, sessionID, chunkID, useful)
	if err != nil {
		return fmt.Errorf("failed to mark link (%d, %d): %w", sessionID, chunkID, err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

type chunkStatsRow struct {
	TotalChunks int64   `db:"total_chunks"`
	AvgWeight   float64 `db:"avg_weight"`
	MinWeight   float64 `db:"min_weight"`
	MaxWeight   float64 `db:"max_weight"`
}

type sessionStatsRow struct {
	Total     int64 `db:"total"`
	Pending   int64 `db:"pending"`
	Correct   int64 `db:"correct"`
	Incorrect int64 `db:"incorrect"`
}

// GetStats aggregates corpus and learning counters for the admin dashboard.
func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	var cs chunkStatsRow
	if err := s.db.GetContext(ctx, &cs, `
		SELECT COUNT(*) AS total_chunks,
			COALESCE(AVG(accuracy_weight), 0) AS avg_weight,
			COALESCE(MIN(accuracy_weight), 0) AS min_weight,
			COALESCE(MAX(accuracy_weight), 0) AS max_weight
		FROM knowledge_chunks`); err != nil {
		return nil, fmt.Errorf("failed to aggregate chunks: %w", err)
	}

	var ss sessionStatsRow
	if err := s.db.GetContext(ctx, &ss, `
		SELECT COUNT(*) AS total,
			COUNT(*) FILTER (WHERE feedback_status = 'pending') AS pending,
			COUNT(*) FILTER (WHERE feedback_status = 'correct') AS correct,
			COUNT(*) FILTER (WHERE feedback_status = 'incorrect') AS incorrect
		FROM training_sessions`); err != nil {
		return nil, fmt.Errorf("failed to aggregate sessions: %w", err)
	}

	var memories int64
	if err := s.db.GetContext(ctx, &memories,
		"SELECT COUNT(*) FROM workflow_memories"); err != nil {
		return nil, fmt.Errorf("failed to count memories: %w", err)
	}

	stats := &Stats{
		TotalChunks:       cs.TotalChunks,
		AvgWeight:         cs.AvgWeight,
		MinWeight:         cs.MinWeight,
		MaxWeight:         cs.MaxWeight,
		TotalSessions:     ss.Total,
		PendingSessions:   ss.Pending,
		CorrectSessions:   ss.Correct,
		IncorrectSessions: ss.Incorrect,
		TotalMemories:     memories,
	}
	if finalised := ss.Correct + ss.Incorrect; finalised > 0 {
		stats.AccuracyRate = float64(ss.Correct) / float64(finalised)
	}
	return stats, nil
}
