// Package engine wraps the SQLite database that backs every collection.
//
// An Engine pins exactly one connection for its lifetime so that raw
// BEGIN/COMMIT/ROLLBACK statements and the statements between them run on the
// same SQLite handle. DDL statements get a bounded retry-after-reconnect
// policy for transient driver errors, applied only while no transaction is
// open.
package engine

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/arkilian/arkidoc/internal/config"
	docerrors "github.com/arkilian/arkidoc/internal/errors"
	"github.com/arkilian/arkidoc/internal/logging"
)

// Executor is the statement surface the schema, index, and collection layers
// need from the engine.
type Executor interface {
	Exec(ctx context.Context, query string, args ...any) (sql.Result, error)
	ExecDDL(ctx context.Context, query string, args ...any) (sql.Result, error)
	Query(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRow(ctx context.Context, query string, args ...any) *sql.Row
}

type execFunc func(ctx context.Context, conn *sql.Conn, query string, args ...any) (sql.Result, error)

func defaultExec(ctx context.Context, conn *sql.Conn, query string, args ...any) (sql.Result, error) {
	return conn.ExecContext(ctx, query, args...)
}

// Engine owns the *sql.DB and the single pinned connection.
type Engine struct {
	db     *sql.DB
	path   string
	retry  config.RetryConfig
	logger *zap.SugaredLogger

	mu   sync.Mutex
	conn *sql.Conn
	inTx func() bool
	exec execFunc
}

// Open opens the database described by cfg and pins its connection.
func Open(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) (*Engine, error) {
	registerDriver()

	if err := cfg.EnsureDirectories(); err != nil {
		return nil, docerrors.NewEngineError(docerrors.CodeOpenFailed, "engine: failed to prepare data directory", err)
	}

	db, err := sql.Open(DriverName, cfg.DSN())
	if err != nil {
		return nil, docerrors.NewEngineError(docerrors.CodeOpenFailed, "engine: failed to open database", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	conn, err := db.Conn(ctx)
	if err != nil {
		db.Close()
		return nil, docerrors.NewEngineError(docerrors.CodeOpenFailed, "engine: failed to acquire connection", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		db.Close()
		return nil, docerrors.NewEngineError(docerrors.CodeOpenFailed, "engine: database not reachable", err)
	}

	e := &Engine{
		db:     db,
		path:   cfg.Path,
		retry:  cfg.Retry,
		logger: logging.OrNop(logger),
		conn:   conn,
		inTx:   func() bool { return false },
		exec:   defaultExec,
	}
	e.logger.Debugw("engine: opened database", "path", cfg.Path, "journal_mode", cfg.JournalMode)
	return e, nil
}

// SetTransactionProbe installs the function the DDL retry policy consults
// to learn whether a transaction is currently open.
func (e *Engine) SetTransactionProbe(fn func() bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if fn == nil {
		fn = func() bool { return false }
	}
	e.inTx = fn
}

// Path returns the database file path.
func (e *Engine) Path() string {
	return e.path
}

func (e *Engine) pinned() (*sql.Conn, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn == nil {
		return nil, docerrors.NewEngineError(docerrors.CodeClosed, "engine: database is closed", nil)
	}
	return e.conn, nil
}

// Exec runs a statement on the pinned connection.
func (e *Engine) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	conn, err := e.pinned()
	if err != nil {
		return nil, err
	}
	return e.exec(ctx, conn, query, args...)
}

// Query runs a query on the pinned connection. The caller must close the rows
// before issuing the next statement.
func (e *Engine) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	conn, err := e.pinned()
	if err != nil {
		return nil, err
	}
	return conn.QueryContext(ctx, query, args...)
}

// QueryRow runs a single-row query on the pinned connection.
func (e *Engine) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	conn, err := e.pinned()
	if err != nil {
		// database/sql gives no way to build an errored *sql.Row; the closed
		// DB reports its own error on Scan.
		return e.db.QueryRowContext(ctx, query, args...)
	}
	return conn.QueryRowContext(ctx, query, args...)
}

// ExecDDL runs a schema statement, retrying after a reconnect when the driver
// reports a transient error and no transaction is open.
func (e *Engine) ExecDDL(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := e.Exec(ctx, query, args...)
	for attempt := 1; err != nil && IsTransient(err) && attempt <= e.retry.MaxAttempts; attempt++ {
		if e.inTransaction() {
			return nil, docerrors.NewEngineError(docerrors.CodeTransient, "engine: transient error inside open transaction", err)
		}

		e.logger.Warnw("engine: retrying DDL after reconnect", "attempt", attempt, "error", err)
		if rerr := e.Reconnect(ctx); rerr != nil {
			return nil, rerr
		}
		if e.retry.Backoff > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(e.retry.Backoff):
			}
		}
		res, err = e.Exec(ctx, query, args...)
	}
	if err != nil && IsTransient(err) {
		return nil, docerrors.NewEngineError(docerrors.CodeTransient, "engine: DDL failed", err)
	}
	return res, err
}

func (e *Engine) inTransaction() bool {
	e.mu.Lock()
	probe := e.inTx
	e.mu.Unlock()
	return probe()
}

// Reconnect discards the pinned connection and pins a fresh one.
// It must not be called while a transaction is open.
func (e *Engine) Reconnect(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn != nil {
		// Returning ErrBadConn from Raw makes database/sql drop the handle
		// instead of returning it to the pool.
		_ = e.conn.Raw(func(any) error { return driver.ErrBadConn })
		_ = e.conn.Close()
		e.conn = nil
	}

	conn, err := e.db.Conn(ctx)
	if err != nil {
		return docerrors.NewEngineError(docerrors.CodeOpenFailed, "engine: reconnect failed", err)
	}
	e.conn = conn
	return nil
}

// Close releases the pinned connection and closes the database.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var connErr error
	if e.conn != nil {
		connErr = e.conn.Close()
		e.conn = nil
	}
	if err := e.db.Close(); err != nil {
		return err
	}
	if connErr != nil && !errors.Is(connErr, sql.ErrConnDone) {
		return connErr
	}
	return nil
}

// IsTransient reports whether err is a driver condition worth one retry on a
// fresh connection.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrSchema, sqlite3.ErrIoErr:
			return true
		}
	}
	return false
}

// IsDuplicateColumn reports whether err is SQLite's response to adding a
// column that already exists.
func IsDuplicateColumn(err error) bool {
	return err != nil && strings.Contains(err.Error(), "duplicate column name")
}

// IsConstraint reports whether err is a constraint violation (e.g. a unique
// index rejecting a write).
func IsConstraint(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}

// QuoteIdent quotes an identifier for use in SQL text.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// QuoteIdents quotes and comma-joins identifiers.
func QuoteIdents(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = QuoteIdent(n)
	}
	return strings.Join(quoted, ", ")
}

// Placeholders returns n comma-separated positional placeholders.
func Placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func (e *Engine) String() string {
	return fmt.Sprintf("engine(%s)", e.path)
}
