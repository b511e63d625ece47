package feedback

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/cloudvelous/ragloop/internal/store"
)

type fakeEmbedder struct {
	mu    sync.Mutex
	texts []string
	vec   []float32
	err   error
}

func (f *fakeEmbedder) GenerateEmbedding(ctx context.Context, text, model string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	if f.err != nil {
		return nil, f.err
	}
	return f.vec, nil
}

type fakeHub struct {
	mu     sync.Mutex
	kinds  []string
	events []map[string]interface{}
}

func (f *fakeHub) Publish(kind string, payload map[string]interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kinds = append(f.kinds, kind)
	f.events = append(f.events, payload)
}

func testConfig() func() Config {
	return func() Config {
		return Config{
			Delta:           0.1,
			WeightMin:       0.5,
			WeightMax:       2.0,
			MemoryRetries:   3,
			RetryBackoff:    time.Millisecond,
			WorkflowEnabled: true,
		}
	}
}

func newMockProcessor(t *testing.T) (*Processor, sqlmock.Sqlmock, *fakeEmbedder, *fakeHub) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create mock: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	st := store.NewWithDB(sqlx.NewDb(db, "sqlmock"), zap.NewNop())
	embedder := &fakeEmbedder{vec: []float32{0.1, 0.2, 0.3}}
	hub := &fakeHub{}
	return NewProcessor(st, embedder, testConfig(), hub, zap.NewNop()), mock, embedder, hub
}

func expectSessionLoad(mock sqlmock.Sqlmock, sessionID int64, status string) {
	now := time.Now()
	mock.ExpectQuery("FROM training_sessions").
		WithArgs(sessionID).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "query", "query_embedding", "answer", "reasoning_chain",
			"llm_provider", "llm_model", "generation_ms", "feedback_status",
			"correction_text", "created_at", "updated_at",
		}).AddRow(sessionID, "Docker setup", "[0.1,0.2,0.3]", "Use docker init.",
			[]byte(`{"query":"Docker setup"}`), "stub", "stub-1", 42.0, status, nil, now, now))
}

func expectLinksLoad(mock sqlmock.Sqlmock, sessionID int64, weights map[int64]float64) {
	now := time.Now()
	w := func(id int64) float64 {
		if v, ok := weights[id]; ok {
			return v
		}
		return 1.0
	}
	rows := sqlmock.NewRows([]string{
		"id", "session_id", "chunk_id", "rank_position", "similarity",
		"effective_score", "workflow_boosted", "was_useful", "created_at",
		"repo_name", "file_path", "section_title", "content_preview", "accuracy_weight",
	}).
		AddRow(1, sessionID, 10, 1, 0.9, 0.9, false, nil, now,
			"kubernetes", "docs/pods.md", "Pods", "A pod is...", w(10)).
		AddRow(2, sessionID, 11, 2, 0.8, 0.8, false, nil, now,
			"kubernetes", "docs/deploy.md", "Deployments", "A deployment...", w(11)).
		AddRow(3, sessionID, 12, 3, 0.7, 0.7, false, nil, now,
			"terraform", "docs/state.md", "State", "State is...", w(12))
	mock.ExpectQuery("FROM embedding_links").WithArgs(sessionID).WillReturnRows(rows)
}

func expectChunkUpdate(mock sqlmock.Sqlmock, sessionID, chunkID int64, useful bool, delta, newWeight float64) {
	mock.ExpectExec("UPDATE embedding_links").
		WithArgs(sessionID, chunkID, useful).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE knowledge_chunks").
		WithArgs(chunkID, useful).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("LEAST\\(GREATEST\\(accuracy_weight").
		WithArgs(chunkID, delta, 0.5, 2.0).
		WillReturnRows(sqlmock.NewRows([]string{"accuracy_weight"}).AddRow(newWeight))
}

func expectFinalise(mock sqlmock.Sqlmock, sessionID int64, status string) {
	mock.ExpectExec("UPDATE training_sessions").
		WithArgs(sessionID, status, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func TestApplyCorrectFeedback(t *testing.T) {
	p, mock, embedder, hub := newMockProcessor(t)

	expectSessionLoad(mock, 1, store.StatusPending)
	expectLinksLoad(mock, 1, nil)

	mock.ExpectBegin()
	expectChunkUpdate(mock, 1, 10, true, 0.1, 1.1)
	expectChunkUpdate(mock, 1, 11, true, 0.1, 1.1)
	expectChunkUpdate(mock, 1, 12, false, -0.1, 0.9)
	expectFinalise(mock, 1, store.StatusCorrect)
	mock.ExpectCommit()

	mock.ExpectQuery("INSERT INTO workflow_memories").
		WithArgs(int64(1), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), true).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(7, time.Now()))

	outcome, err := p.Apply(context.Background(), Request{
		SessionID: 1,
		IsCorrect: true,
		Chunks: []ChunkFeedback{
			{ChunkID: 10, Useful: true},
			{ChunkID: 11, Useful: true},
			{ChunkID: 12, Useful: false},
		},
	})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	if outcome.Status != store.StatusCorrect {
		t.Errorf("Expected status correct, got %s", outcome.Status)
	}
	if outcome.ChunksUpdated != 3 {
		t.Errorf("Expected 3 chunks updated, got %d", outcome.ChunksUpdated)
	}
	if outcome.NewWeights[10] != 1.1 || outcome.NewWeights[11] != 1.1 || outcome.NewWeights[12] != 0.9 {
		t.Errorf("Unexpected weights: %v", outcome.NewWeights)
	}
	if !outcome.WorkflowMemoryCreated {
		t.Error("Expected a workflow memory")
	}

	if len(embedder.texts) != 1 {
		t.Fatalf("Expected one embedded summary, got %d", len(embedder.texts))
	}
	want := "Query: Docker setup\n" +
		"Retrieved 2 useful chunks from:\n" +
		"- kubernetes: docs/deploy.md, docs/pods.md\n" +
		"Generated using stub\n" +
		"Feedback: correct"
	if embedder.texts[0] != want {
		t.Errorf("Unexpected summary:\n%s", embedder.texts[0])
	}

	if len(hub.kinds) != 1 || hub.kinds[0] != "feedback.applied" {
		t.Errorf("Expected feedback.applied event, got %v", hub.kinds)
	}
	if hub.events[0]["memory_created"] != true {
		t.Errorf("Unexpected event payload: %v", hub.events[0])
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("Unfulfilled expectations: %v", err)
	}
}

func TestApplyAlreadyFinalised(t *testing.T) {
	p, mock, _, hub := newMockProcessor(t)

	expectSessionLoad(mock, 1, store.StatusCorrect)

	_, err := p.Apply(context.Background(), Request{
		SessionID: 1,
		IsCorrect: true,
		Chunks:    []ChunkFeedback{{ChunkID: 10, Useful: true}},
	})
	if !errors.Is(err, store.ErrAlreadyFinalised) {
		t.Fatalf("Expected ErrAlreadyFinalised, got %v", err)
	}
	if len(hub.kinds) != 0 {
		t.Error("No event should be published for rejected feedback")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("Unfulfilled expectations: %v", err)
	}
}

func TestApplySessionNotFound(t *testing.T) {
	p, mock, _, _ := newMockProcessor(t)

	mock.ExpectQuery("FROM training_sessions").
		WithArgs(int64(99)).
		WillReturnError(sql.ErrNoRows)

	_, err := p.Apply(context.Background(), Request{
		SessionID: 99,
		IsCorrect: true,
		Chunks:    []ChunkFeedback{{ChunkID: 10, Useful: true}},
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
}

func TestApplyUnknownChunkRejected(t *testing.T) {
	p, mock, _, _ := newMockProcessor(t)

	expectSessionLoad(mock, 1, store.StatusPending)
	expectLinksLoad(mock, 1, nil)

	_, err := p.Apply(context.Background(), Request{
		SessionID: 1,
		IsCorrect: true,
		Chunks:    []ChunkFeedback{{ChunkID: 99, Useful: true}},
	})
	if !errors.Is(err, ErrChunkNotInSession) {
		t.Fatalf("Expected ErrChunkNotInSession, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("No transaction should have started: %v", err)
	}
}

func TestApplyDuplicateChunkRejected(t *testing.T) {
	p, mock, _, _ := newMockProcessor(t)

	expectSessionLoad(mock, 1, store.StatusPending)
	expectLinksLoad(mock, 1, nil)

	_, err := p.Apply(context.Background(), Request{
		SessionID: 1,
		IsCorrect: true,
		Chunks: []ChunkFeedback{
			{ChunkID: 10, Useful: true},
			{ChunkID: 10, Useful: false},
		},
	})
	if !errors.Is(err, ErrDuplicateChunk) {
		t.Fatalf("Expected ErrDuplicateChunk, got %v", err)
	}
}

func TestApplyEmptyChunksFinalisesWithoutWeightChanges(t *testing.T) {
	p, mock, embedder, _ := newMockProcessor(t)

	expectSessionLoad(mock, 1, store.StatusPending)
	expectLinksLoad(mock, 1, nil)

	mock.ExpectBegin()
	expectFinalise(mock, 1, store.StatusCorrect)
	mock.ExpectCommit()

	outcome, err := p.Apply(context.Background(), Request{SessionID: 1, IsCorrect: true})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if outcome.ChunksUpdated != 0 {
		t.Fatalf("Expected no chunk updates, got %d", outcome.ChunksUpdated)
	}
	if outcome.WorkflowMemoryCreated {
		t.Fatal("No memory should be created without useful chunks")
	}
	if len(embedder.texts) != 0 {
		t.Fatal("Summary should not be embedded without useful chunks")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("Unmet expectations: %v", err)
	}
}

func TestApplyIncorrectCreatesNoMemory(t *testing.T) {
	p, mock, embedder, _ := newMockProcessor(t)

	expectSessionLoad(mock, 1, store.StatusPending)
	expectLinksLoad(mock, 1, nil)

	mock.ExpectBegin()
	expectChunkUpdate(mock, 1, 10, false, -0.1, 0.9)
	expectFinalise(mock, 1, store.StatusIncorrect)
	mock.ExpectCommit()

	outcome, err := p.Apply(context.Background(), Request{
		SessionID: 1,
		IsCorrect: false,
		Chunks:    []ChunkFeedback{{ChunkID: 10, Useful: false}},
	})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if outcome.WorkflowMemoryCreated {
		t.Error("Incorrect feedback must not create a memory")
	}
	if len(embedder.texts) != 0 {
		t.Error("Nothing should have been embedded")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("Unfulfilled expectations: %v", err)
	}
}

func TestApplyCorrectWithoutUsefulChunksCreatesNoMemory(t *testing.T) {
	p, mock, embedder, _ := newMockProcessor(t)

	expectSessionLoad(mock, 1, store.StatusPending)
	expectLinksLoad(mock, 1, nil)

	mock.ExpectBegin()
	expectChunkUpdate(mock, 1, 10, false, -0.1, 0.9)
	expectChunkUpdate(mock, 1, 11, false, -0.1, 0.9)
	expectFinalise(mock, 1, store.StatusCorrect)
	mock.ExpectCommit()

	outcome, err := p.Apply(context.Background(), Request{
		SessionID: 1,
		IsCorrect: true,
		Chunks: []ChunkFeedback{
			{ChunkID: 10, Useful: false},
			{ChunkID: 11, Useful: false},
		},
	})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if outcome.WorkflowMemoryCreated {
		t.Error("No useful chunks means no memory")
	}
	if len(embedder.texts) != 0 {
		t.Error("Nothing should have been embedded")
	}
}

func TestApplyPositiveFeedbackAtMaxWeight(t *testing.T) {
	p, mock, _, _ := newMockProcessor(t)

	expectSessionLoad(mock, 2, store.StatusPending)
	expectLinksLoad(mock, 2, map[int64]float64{10: 2.0})

	mock.ExpectBegin()
	// Clamped at the upper bound: the counters still move.
	expectChunkUpdate(mock, 2, 10, true, 0.1, 2.0)
	expectChunkUpdate(mock, 2, 11, true, 0.1, 1.1)
	expectFinalise(mock, 2, store.StatusCorrect)
	mock.ExpectCommit()

	mock.ExpectQuery("INSERT INTO workflow_memories").
		WithArgs(int64(2), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), true).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(8, time.Now()))

	outcome, err := p.Apply(context.Background(), Request{
		SessionID: 2,
		IsCorrect: true,
		Chunks: []ChunkFeedback{
			{ChunkID: 10, Useful: true},
			{ChunkID: 11, Useful: true},
		},
	})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if outcome.NewWeights[10] != 2.0 {
		t.Errorf("Weight should stay at the max bound, got %v", outcome.NewWeights[10])
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("Unfulfilled expectations: %v", err)
	}
}

func TestApplyLosesFinaliseRace(t *testing.T) {
	p, mock, _, _ := newMockProcessor(t)

	expectSessionLoad(mock, 1, store.StatusPending)
	expectLinksLoad(mock, 1, nil)

	mock.ExpectBegin()
	expectChunkUpdate(mock, 1, 10, true, 0.1, 1.1)
	// Another submission finalised the session first: guarded update
	// touches nothing and the probe confirms the row exists.
	mock.ExpectExec("UPDATE training_sessions").
		WithArgs(int64(1), store.StatusCorrect, nil).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	_, err := p.Apply(context.Background(), Request{
		SessionID: 1,
		IsCorrect: true,
		Chunks:    []ChunkFeedback{{ChunkID: 10, Useful: true}},
	})
	if !errors.Is(err, store.ErrAlreadyFinalised) {
		t.Fatalf("Expected ErrAlreadyFinalised, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("Unfulfilled expectations: %v", err)
	}
}

func TestMemoryWriteRetriesThenSucceeds(t *testing.T) {
	p, mock, _, _ := newMockProcessor(t)

	expectSessionLoad(mock, 1, store.StatusPending)
	expectLinksLoad(mock, 1, nil)

	mock.ExpectBegin()
	expectChunkUpdate(mock, 1, 10, true, 0.1, 1.1)
	expectFinalise(mock, 1, store.StatusCorrect)
	mock.ExpectCommit()

	mock.ExpectQuery("INSERT INTO workflow_memories").
		WillReturnError(errors.New("connection reset"))
	mock.ExpectQuery("INSERT INTO workflow_memories").
		WillReturnError(errors.New("connection reset"))
	mock.ExpectQuery("INSERT INTO workflow_memories").
		WithArgs(int64(1), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), true).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(7, time.Now()))

	outcome, err := p.Apply(context.Background(), Request{
		SessionID: 1,
		IsCorrect: true,
		Chunks:    []ChunkFeedback{{ChunkID: 10, Useful: true}},
	})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if !outcome.WorkflowMemoryCreated {
		t.Error("Memory should have been recorded on the third attempt")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("Unfulfilled expectations: %v", err)
	}
}

func TestMemoryWriteFailureKeepsWeights(t *testing.T) {
	p, mock, _, _ := newMockProcessor(t)

	expectSessionLoad(mock, 1, store.StatusPending)
	expectLinksLoad(mock, 1, nil)

	mock.ExpectBegin()
	expectChunkUpdate(mock, 1, 10, true, 0.1, 1.1)
	expectFinalise(mock, 1, store.StatusCorrect)
	mock.ExpectCommit()

	for i := 0; i < 3; i++ {
		mock.ExpectQuery("INSERT INTO workflow_memories").
			WillReturnError(errors.New("connection reset"))
	}

	outcome, err := p.Apply(context.Background(), Request{
		SessionID: 1,
		IsCorrect: true,
		Chunks:    []ChunkFeedback{{ChunkID: 10, Useful: true}},
	})
	if err != nil {
		t.Fatalf("The memory write is best-effort, Apply must not fail: %v", err)
	}
	if outcome.WorkflowMemoryCreated {
		t.Error("Memory creation should report false after exhausted retries")
	}
	if outcome.NewWeights[10] != 1.1 {
		t.Errorf("Weight update should stand, got %v", outcome.NewWeights)
	}
}

func TestDuplicateMemoryTreatedAsCreated(t *testing.T) {
	p, mock, _, _ := newMockProcessor(t)

	expectSessionLoad(mock, 1, store.StatusPending)
	expectLinksLoad(mock, 1, nil)

	mock.ExpectBegin()
	expectChunkUpdate(mock, 1, 10, true, 0.1, 1.1)
	expectFinalise(mock, 1, store.StatusCorrect)
	mock.ExpectCommit()

	mock.ExpectQuery("INSERT INTO workflow_memories").
		WillReturnError(&pq.Error{Code: "23505"})

	outcome, err := p.Apply(context.Background(), Request{
		SessionID: 1,
		IsCorrect: true,
		Chunks:    []ChunkFeedback{{ChunkID: 10, Useful: true}},
	})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if !outcome.WorkflowMemoryCreated {
		t.Error("An existing memory counts as created")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("No retry should follow a duplicate: %v", err)
	}
}

func TestApplyBulkContinuesPastFailures(t *testing.T) {
	p, mock, _, _ := newMockProcessor(t)

	// First item: session already finalised.
	expectSessionLoad(mock, 1, store.StatusCorrect)

	// Second item: applies cleanly.
	expectSessionLoad(mock, 2, store.StatusPending)
	expectLinksLoad(mock, 2, nil)
	mock.ExpectBegin()
	expectChunkUpdate(mock, 2, 10, false, -0.1, 0.9)
	expectFinalise(mock, 2, store.StatusIncorrect)
	mock.ExpectCommit()

	out := p.ApplyBulk(context.Background(), []Request{
		{SessionID: 1, IsCorrect: true, Chunks: []ChunkFeedback{{ChunkID: 10, Useful: true}}},
		{SessionID: 2, IsCorrect: false, Chunks: []ChunkFeedback{{ChunkID: 10, Useful: false}}},
	})

	if out.Applied != 1 || out.Failed != 1 {
		t.Fatalf("Expected 1 applied / 1 failed, got %d / %d", out.Applied, out.Failed)
	}
	if out.Items[0].Error == "" {
		t.Error("First item should carry the finalisation error")
	}
	if out.Items[1].Outcome == nil || out.Items[1].Outcome.Status != store.StatusIncorrect {
		t.Errorf("Second item should have applied: %+v", out.Items[1])
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("Unfulfilled expectations: %v", err)
	}
}
