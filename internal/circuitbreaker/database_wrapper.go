package circuitbreaker

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// DatabaseWrapper wraps sqlx database operations with a circuit breaker.
type DatabaseWrapper struct {
	db     *sqlx.DB
	cb     *CircuitBreaker
	logger *zap.Logger
}

// NewDatabaseWrapper creates a database wrapper with circuit breaker
func NewDatabaseWrapper(db *sqlx.DB, logger *zap.Logger) *DatabaseWrapper {
	cb := NewCircuitBreaker("postgresql", GetDatabaseConfig().ToConfig(), logger)
	GlobalMetricsCollector.RegisterCircuitBreaker("postgresql", "rag-store", cb)

	return &DatabaseWrapper{
		db:     db,
		cb:     cb,
		logger: logger,
	}
}

func (dw *DatabaseWrapper) record(success bool) {
	GlobalMetricsCollector.RecordRequest("postgresql", "rag-store", dw.cb.State(), success)
}

// PingContext wraps database ping with circuit breaker
func (dw *DatabaseWrapper) PingContext(ctx context.Context) error {
	var err error
	cbErr := dw.cb.Execute(ctx, func() error {
		err = dw.db.PingContext(ctx)
		return err
	})
	dw.record(cbErr == nil && err == nil)
	if cbErr != nil {
		return cbErr
	}
	return err
}

// GetContext scans a single row into dest through the circuit breaker.
// sql.ErrNoRows passes through to the caller but does not trip the breaker.
func (dw *DatabaseWrapper) GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	var err error
	cbErr := dw.cb.Execute(ctx, func() error {
		err = dw.db.GetContext(ctx, dest, query, args...)
		if err == sql.ErrNoRows {
			return nil
		}
		return err
	})
	dw.record(cbErr == nil && (err == nil || err == sql.ErrNoRows))
	if cbErr != nil && cbErr != err {
		return cbErr
	}
	return err
}

// SelectContext scans multiple rows into dest through the circuit breaker
func (dw *DatabaseWrapper) SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	var err error
	cbErr := dw.cb.Execute(ctx, func() error {
		err = dw.db.SelectContext(ctx, dest, query, args...)
		return err
	})
	dw.record(cbErr == nil && err == nil)
	if cbErr != nil && cbErr != err {
		return cbErr
	}
	return err
}

// ExecContext wraps database exec with circuit breaker
func (dw *DatabaseWrapper) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	var result sql.Result
	var err error
	cbErr := dw.cb.Execute(ctx, func() error {
		result, err = dw.db.ExecContext(ctx, query, args...)
		return err
	})
	dw.record(cbErr == nil && err == nil)
	if cbErr != nil && cbErr != err {
		return nil, cbErr
	}
	return result, err
}

// NamedExecContext wraps a named exec with circuit breaker
func (dw *DatabaseWrapper) NamedExecContext(ctx context.Context, query string, arg interface{}) (sql.Result, error) {
	var result sql.Result
	var err error
	cbErr := dw.cb.Execute(ctx, func() error {
		result, err = dw.db.NamedExecContext(ctx, query, arg)
		return err
	})
	dw.record(cbErr == nil && err == nil)
	if cbErr != nil && cbErr != err {
		return nil, cbErr
	}
	return result, err
}

// QueryRowxContext wraps a single-row query with circuit breaker. Row errors
// surface on Scan; the breaker only observes admission and transport here.
func (dw *DatabaseWrapper) QueryRowxContext(ctx context.Context, query string, args ...interface{}) (*sqlx.Row, error) {
	var row *sqlx.Row
	cbErr := dw.cb.Execute(ctx, func() error {
		row = dw.db.QueryRowxContext(ctx, query, args...)
		return nil
	})
	dw.record(cbErr == nil)
	if cbErr != nil {
		return nil, cbErr
	}
	return row, nil
}

// BeginTxx wraps transaction begin with circuit breaker
func (dw *DatabaseWrapper) BeginTxx(ctx context.Context, opts *sql.TxOptions) (*TxWrapper, error) {
	var tx *sqlx.Tx
	var err error
	cbErr := dw.cb.Execute(ctx, func() error {
		tx, err = dw.db.BeginTxx(ctx, opts)
		return err
	})
	dw.record(cbErr == nil && err == nil)
	if cbErr != nil && cbErr != err {
		return nil, cbErr
	}
	if err != nil {
		return nil, err
	}
	return &TxWrapper{tx: tx, cb: dw.cb, logger: dw.logger}, nil
}

// Stats returns database stats
func (dw *DatabaseWrapper) Stats() sql.DBStats {
	return dw.db.Stats()
}

// Close closes the database connection
func (dw *DatabaseWrapper) Close() error {
	return dw.db.Close()
}

// SetMaxOpenConns sets the maximum number of open connections
func (dw *DatabaseWrapper) SetMaxOpenConns(n int) {
	dw.db.SetMaxOpenConns(n)
}

// SetMaxIdleConns sets the maximum number of idle connections
func (dw *DatabaseWrapper) SetMaxIdleConns(n int) {
	dw.db.SetMaxIdleConns(n)
}

// SetConnMaxLifetime sets the maximum connection lifetime
func (dw *DatabaseWrapper) SetConnMaxLifetime(d time.Duration) {
	dw.db.SetConnMaxLifetime(d)
}

// GetDB returns the underlying sqlx handle for operations the wrapper does
// not cover
func (dw *DatabaseWrapper) GetDB() *sqlx.DB {
	return dw.db
}

// IsCircuitBreakerOpen returns true if the circuit breaker is open
func (dw *DatabaseWrapper) IsCircuitBreakerOpen() bool {
	return dw.cb.State() == StateOpen
}

// TxWrapper carries a transaction whose statements share the database
// breaker. Rollback intentionally bypasses the breaker.
type TxWrapper struct {
	tx     *sqlx.Tx
	cb     *CircuitBreaker
	logger *zap.Logger
}

func (tw *TxWrapper) record(success bool) {
	GlobalMetricsCollector.RecordRequest("postgresql", "rag-store", tw.cb.State(), success)
}

// GetContext scans a single row into dest within the transaction
func (tw *TxWrapper) GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	var err error
	cbErr := tw.cb.Execute(ctx, func() error {
		err = tw.tx.GetContext(ctx, dest, query, args...)
		if err == sql.ErrNoRows {
			return nil
		}
		return err
	})
	tw.record(cbErr == nil && (err == nil || err == sql.ErrNoRows))
	if cbErr != nil && cbErr != err {
		return cbErr
	}
	return err
}

// SelectContext scans multiple rows into dest within the transaction
func (tw *TxWrapper) SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	var err error
	cbErr := tw.cb.Execute(ctx, func() error {
		err = tw.tx.SelectContext(ctx, dest, query, args...)
		return err
	})
	tw.record(cbErr == nil && err == nil)
	if cbErr != nil && cbErr != err {
		return cbErr
	}
	return err
}

// ExecContext executes a statement within the transaction
func (tw *TxWrapper) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	var result sql.Result
	var err error
	cbErr := tw.cb.Execute(ctx, func() error {
		result, err = tw.tx.ExecContext(ctx, query, args...)
		return err
	})
	tw.record(cbErr == nil && err == nil)
	if cbErr != nil && cbErr != err {
		return nil, cbErr
	}
	return result, err
}

// NamedExecContext executes a named statement within the transaction
func (tw *TxWrapper) NamedExecContext(ctx context.Context, query string, arg interface{}) (sql.Result, error) {
	var result sql.Result
	var err error
	cbErr := tw.cb.Execute(ctx, func() error {
		result, err = tw.tx.NamedExecContext(ctx, query, arg)
		return err
	})
	tw.record(cbErr == nil && err == nil)
	if cbErr != nil && cbErr != err {
		return nil, cbErr
	}
	return result, err
}

// QueryRowxContext runs a single-row query within the transaction
func (tw *TxWrapper) QueryRowxContext(ctx context.Context, query string, args ...interface{}) (*sqlx.Row, error) {
	var row *sqlx.Row
	cbErr := tw.cb.Execute(ctx, func() error {
		row = tw.tx.QueryRowxContext(ctx, query, args...)
		return nil
	})
	tw.record(cbErr == nil)
	if cbErr != nil {
		return nil, cbErr
	}
	return row, nil
}

// Commit commits the transaction through the breaker
func (tw *TxWrapper) Commit() error {
	var err error
	cbErr := tw.cb.Execute(context.Background(), func() error {
		err = tw.tx.Commit()
		return err
	})
	tw.record(cbErr == nil && err == nil)
	if cbErr != nil && cbErr != err {
		return cbErr
	}
	return err
}

// Rollback aborts the transaction. It never goes through the breaker so an
// open breaker cannot strand a transaction.
func (tw *TxWrapper) Rollback() error {
	return tw.tx.Rollback()
}
