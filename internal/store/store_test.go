package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"

	"github.com/cloudvelous/ragloop/internal/circuitbreaker"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return NewWithDB(sqlx.NewDb(db, "sqlmock"), zap.NewNop()), mock
}

func TestFetchCandidates(t *testing.T) {
	s, mock := newMockStore(t)

	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"id", "repo_name", "file_path", "section_title", "content",
		"accuracy_weight", "times_retrieved", "times_useful",
		"created_at", "updated_at", "similarity",
	}).
		AddRow(10, "kubernetes", "docs/pods.md", "Pods", "A pod is...", 1.0, 0, 0, now, now, 0.91).
		AddRow(11, "kubernetes", "docs/deploy.md", "Deployments", "A deployment...", 1.2, 0, 0, now, now, 0.84)

	mock.ExpectQuery("FROM knowledge_chunks").
		WithArgs(sqlmock.AnyArg(), 15).
		WillReturnRows(rows)

	got, err := s.FetchCandidates(context.Background(), []float32{0.1, 0.2, 0.3}, 15)
	if err != nil {
		t.Fatalf("FetchCandidates failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 candidates, got %d", len(got))
	}
	if got[0].ID != 10 || got[0].Similarity != 0.91 {
		t.Errorf("Unexpected first candidate: id=%d sim=%v", got[0].ID, got[0].Similarity)
	}
	if got[1].AccuracyWeight != 1.2 {
		t.Errorf("Expected weight 1.2, got %v", got[1].AccuracyWeight)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("Unfulfilled expectations: %v", err)
	}
}

func TestFetchCandidatesRejectsEmptyVector(t *testing.T) {
	s, _ := newMockStore(t)

	if _, err := s.FetchCandidates(context.Background(), nil, 15); err == nil {
		t.Fatal("Expected error for empty query vector")
	}
}

func TestAdjustWeightClampSQL(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("LEAST\\(GREATEST\\(accuracy_weight").
		WithArgs(int64(10), 0.1, 0.5, 2.0).
		WillReturnRows(sqlmock.NewRows([]string{"accuracy_weight"}).AddRow(1.1))
	mock.ExpectCommit()

	var got float64
	err := s.WithTransaction(context.Background(), func(tx *circuitbreaker.TxWrapper) error {
		var err error
		got, err = s.AdjustWeight(context.Background(), tx, 10, 0.1, 0.5, 2.0)
		return err
	})
	if err != nil {
		t.Fatalf("AdjustWeight failed: %v", err)
	}
	if got != 1.1 {
		t.Errorf("Expected new weight 1.1, got %v", got)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("Unfulfilled expectations: %v", err)
	}
}

func TestAdjustWeightRejectsLargeDelta(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectRollback()

	err := s.WithTransaction(context.Background(), func(tx *circuitbreaker.TxWrapper) error {
		_, err := s.AdjustWeight(context.Background(), tx, 10, 0.6, 0.5, 2.0)
		return err
	})
	if err == nil {
		t.Fatal("Expected error for |delta| > 0.5")
	}
}

func TestBumpCountersMissingChunk(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE knowledge_chunks").
		WithArgs(int64(99), true).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.WithTransaction(context.Background(), func(tx *circuitbreaker.TxWrapper) error {
		return s.BumpCounters(context.Background(), tx, 99, true)
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
}

func TestCreateSessionInsertsLinks(t *testing.T) {
	s, mock := newMockStore(t)

	now := time.Now()
	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO training_sessions").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(42, now, now))
	mock.ExpectExec("INSERT INTO embedding_links").
		WithArgs(int64(42), int64(10), 1, 0.91, 1.092, false).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO embedding_links").
		WithArgs(int64(42), int64(11), 2, 0.84, 1.008, true).
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	sess := &Session{
		Query:          "how do pods restart",
		QueryEmbedding: pgvector.NewVector([]float32{0.1, 0.2}),
		Answer:         "Pods restart when...",
		ReasoningChain: JSONB{"phases": []interface{}{}},
		LLMProvider:    "stub",
	}
	links := []Link{
		{ChunkID: 10, RankPosition: 1, Similarity: 0.91, EffectiveScore: 1.092},
		{ChunkID: 11, RankPosition: 2, Similarity: 0.84, EffectiveScore: 1.008, WorkflowBoosted: true},
	}

	id, err := s.CreateSession(context.Background(), sess, links)
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if id != 42 {
		t.Errorf("Expected session id 42, got %d", id)
	}
	if sess.FeedbackStatus != StatusPending {
		t.Errorf("Expected pending status, got %q", sess.FeedbackStatus)
	}
	if links[0].SessionID != 42 || links[1].SessionID != 42 {
		t.Error("Links should carry the new session id")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("Unfulfilled expectations: %v", err)
	}
}

func TestUpdateFeedbackFirstWins(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE training_sessions").
		WithArgs(int64(42), StatusCorrect, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.WithTransaction(context.Background(), func(tx *circuitbreaker.TxWrapper) error {
		return s.UpdateFeedback(context.Background(), tx, 42, StatusCorrect, nil)
	})
	if err != nil {
		t.Fatalf("UpdateFeedback failed: %v", err)
	}
}

func TestUpdateFeedbackAlreadyFinalised(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE training_sessions").
		WithArgs(int64(42), StatusIncorrect, nil).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	err := s.WithTransaction(context.Background(), func(tx *circuitbreaker.TxWrapper) error {
		return s.UpdateFeedback(context.Background(), tx, 42, StatusIncorrect, nil)
	})
	if !errors.Is(err, ErrAlreadyFinalised) {
		t.Fatalf("Expected ErrAlreadyFinalised, got %v", err)
	}
}

func TestUpdateFeedbackMissingSession(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE training_sessions").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT EXISTS").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectRollback()

	err := s.WithTransaction(context.Background(), func(tx *circuitbreaker.TxWrapper) error {
		return s.UpdateFeedback(context.Background(), tx, 404, StatusCorrect, nil)
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
}

func TestUpdateFeedbackRejectsBadStatus(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectRollback()

	err := s.WithTransaction(context.Background(), func(tx *circuitbreaker.TxWrapper) error {
		return s.UpdateFeedback(context.Background(), tx, 42, "maybe", nil)
	})
	if err == nil {
		t.Fatal("Expected error for invalid status")
	}
}

func TestGetSessionNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("FROM training_sessions").
		WithArgs(int64(404)).
		WillReturnError(sql.ErrNoRows)

	_, err := s.GetSession(context.Background(), 404)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
}

func TestRecordMemoryDuplicate(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("INSERT INTO workflow_memories").
		WillReturnError(&pq.Error{Code: "23505"})

	mem := &WorkflowMemory{
		SessionID:        42,
		ReasoningSummary: "Solved query about pods",
		SummaryEmbedding: pgvector.NewVector([]float32{0.1, 0.2}),
		UsefulChunkIDs:   pq.Int64Array{10, 11},
		IsSuccessful:     true,
	}
	err := s.RecordMemory(context.Background(), mem)
	if !errors.Is(err, ErrDuplicateMemory) {
		t.Fatalf("Expected ErrDuplicateMemory, got %v", err)
	}
}

func TestRecordMemoryRequiresUsefulChunks(t *testing.T) {
	s, _ := newMockStore(t)

	mem := &WorkflowMemory{SessionID: 42, ReasoningSummary: "x"}
	if err := s.RecordMemory(context.Background(), mem); err == nil {
		t.Fatal("Expected error for empty useful_chunk_ids")
	}
}

func TestFindSimilarMemories(t *testing.T) {
	s, mock := newMockStore(t)

	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"id", "session_id", "reasoning_summary", "useful_chunk_ids",
		"is_successful", "created_at", "similarity",
	}).AddRow(1, 42, "Solved query about pods", pq.Int64Array{10, 11}, true, now, 0.85)

	mock.ExpectQuery("FROM workflow_memories").
		WithArgs(sqlmock.AnyArg(), 0.75, 3).
		WillReturnRows(rows)

	hits, err := s.FindSimilarMemories(context.Background(), []float32{0.1, 0.2}, 3, 0.75)
	if err != nil {
		t.Fatalf("FindSimilarMemories failed: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("Expected 1 hit, got %d", len(hits))
	}
	if hits[0].Similarity != 0.85 {
		t.Errorf("Expected similarity 0.85, got %v", hits[0].Similarity)
	}
	if len(hits[0].UsefulChunkIDs) != 2 {
		t.Errorf("Expected 2 useful chunk ids, got %d", len(hits[0].UsefulChunkIDs))
	}
}

func TestListSessionsWithStatusFilter(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM training_sessions").
		WithArgs(StatusPending).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))

	now := time.Now()
	mock.ExpectQuery("FROM training_sessions").
		WithArgs(StatusPending, 2, 0).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "query", "answer", "llm_provider", "feedback_status", "created_at", "updated_at",
		}).
			AddRow(2, "q2", "a2", "stub", StatusPending, now, now).
			AddRow(1, "q1", "a1", "stub", StatusPending, now, now))

	status := StatusPending
	page, err := s.ListSessions(context.Background(), SessionFilter{Status: &status, Limit: 2})
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if page.Total != 7 {
		t.Errorf("Expected total 7, got %d", page.Total)
	}
	if len(page.Sessions) != 2 {
		t.Fatalf("Expected 2 sessions, got %d", len(page.Sessions))
	}
	if page.Sessions[0].ID != 2 {
		t.Errorf("Expected newest first, got id %d", page.Sessions[0].ID)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("Unfulfilled expectations: %v", err)
	}
}

func TestGetStats(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("FROM knowledge_chunks").
		WillReturnRows(sqlmock.NewRows([]string{"total_chunks", "avg_weight", "min_weight", "max_weight"}).
			AddRow(100, 1.05, 0.5, 2.0))
	mock.ExpectQuery("FROM training_sessions").
		WillReturnRows(sqlmock.NewRows([]string{"total", "pending", "correct", "incorrect"}).
			AddRow(40, 10, 24, 6))
	mock.ExpectQuery("FROM workflow_memories").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(18))

	stats, err := s.GetStats(context.Background())
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}
	if stats.TotalChunks != 100 {
		t.Errorf("Expected 100 chunks, got %d", stats.TotalChunks)
	}
	if stats.AccuracyRate != 0.8 {
		t.Errorf("Expected accuracy 0.8, got %v", stats.AccuracyRate)
	}
	if stats.TotalMemories != 18 {
		t.Errorf("Expected 18 memories, got %d", stats.TotalMemories)
	}
}
