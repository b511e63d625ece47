package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/cloudvelous/ragloop/internal/circuitbreaker"
)

// Sentinel errors surfaced to callers. Handlers map these to HTTP statuses.
var (
	// ErrNotFound is returned when a chunk, session, or memory does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyFinalised is returned when feedback is applied to a session
	// that already left the pending state.
	ErrAlreadyFinalised = errors.New("session feedback already finalised")
	// ErrDuplicateMemory is returned when a second workflow memory is
	// recorded for the same session.
	ErrDuplicateMemory = errors.New("workflow memory already exists for session")
)

// Config holds database configuration
type Config struct {
	URL             string
	Dimensions      int
	MaxConnections  int
	IdleConnections int
	MaxLifetime     time.Duration
}

// Store owns all Postgres access: knowledge chunks, training sessions,
// embedding links, and workflow memories.
type Store struct {
	db     *circuitbreaker.DatabaseWrapper
	logger *zap.Logger
	dim    int
	stopCh chan struct{}
}

// New opens the connection pool, verifies connectivity, and bootstraps the
// schema. The returned store runs a background connectivity probe until
// Close is called.
func New(cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 25
	}
	if cfg.IdleConnections == 0 {
		cfg.IdleConnections = 5
	}
	if cfg.MaxLifetime == 0 {
		cfg.MaxLifetime = 5 * time.Minute
	}
	if cfg.Dimensions == 0 {
		cfg.Dimensions = 384
	}

	rawDB, err := sqlx.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	rawDB.SetMaxOpenConns(cfg.MaxConnections)
	rawDB.SetMaxIdleConns(cfg.IdleConnections)
	rawDB.SetConnMaxLifetime(cfg.MaxLifetime)

	db := circuitbreaker.NewDatabaseWrapper(rawDB, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		rawDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger,
		dim:    cfg.Dimensions,
		stopCh: make(chan struct{}),
	}

	if err := s.ensureSchema(ctx); err != nil {
		rawDB.Close()
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}

	go s.healthCheck()

	logger.Info("Store initialized",
		zap.Int("max_connections", cfg.MaxConnections),
		zap.Int("embedding_dimensions", cfg.Dimensions),
	)

	return s, nil
}

// NewWithDB wraps an existing connection without schema bootstrap or the
// background probe. Test seam.
func NewWithDB(db *sqlx.DB, logger *zap.Logger) *Store {
	return &Store{
		db:     circuitbreaker.NewDatabaseWrapper(db, logger),
		logger: logger,
		dim:    384,
		stopCh: make(chan struct{}),
	}
}

// WithTransaction runs fn inside a transaction protected by the database
// circuit breaker. fn's error rolls back; otherwise the transaction commits.
func (s *Store) WithTransaction(ctx context.Context, fn func(tx *circuitbreaker.TxWrapper) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v, original error: %w", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit failed: %w", err)
	}

	return nil
}

// healthCheck periodically checks database connectivity
func (s *Store) healthCheck() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.db.PingContext(ctx); err != nil {
				s.logger.Error("Database health check failed", zap.Error(err))
			}
			cancel()
		}
	}
}

// Ping reports connectivity, used by the readiness endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close shuts down the store
func (s *Store) Close() error {
	close(s.stopCh)
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	s.logger.Info("Store closed")
	return nil
}

// Wrapper returns the underlying DatabaseWrapper for health reporting.
func (s *Store) Wrapper() *circuitbreaker.DatabaseWrapper {
	return s.db
}
