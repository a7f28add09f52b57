// Package docstore is an embeddable document store on top of SQLite.
//
// Documents are schema-less maps stored in named collections. Each field is
// backed by a column whose type is discovered from the values written to it
// and widened (TEXT to anything, INTEGER to FLOAT) when later writes demand
// it. Queries use a small operator language ({"age": {"_gte": 18}}) that is
// compiled to parameterized SQL.
//
// A Database holds exactly one connection and one transaction state. It is
// safe to share between goroutines only if callers serialize their calls.
package docstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/arkilian/arkidoc/internal/config"
	"github.com/arkilian/arkidoc/internal/engine"
	docerrors "github.com/arkilian/arkidoc/internal/errors"
	"github.com/arkilian/arkidoc/internal/logging"
	"github.com/arkilian/arkidoc/internal/schema"
)

// TxState is the transaction state of a Database.
type TxState int

const (
	TxIdle TxState = iota
	TxActive
	TxActiveImmediate
)

func (s TxState) String() string {
	switch s {
	case TxIdle:
		return "idle"
	case TxActive:
		return "active"
	case TxActiveImmediate:
		return "active-immediate"
	default:
		return fmt.Sprintf("TxState(%d)", int(s))
	}
}

// Database is an open document store.
type Database struct {
	cfg    *config.Config
	eng    *engine.Engine
	logger *zap.SugaredLogger

	mu          sync.Mutex
	state       TxState
	closed      bool
	collections map[string]*Collection
}

// Open opens (creating if needed) the database file at path with default
// settings.
func Open(ctx context.Context, path string) (*Database, error) {
	cfg := config.DefaultConfig()
	cfg.Path = path
	return OpenWithConfig(ctx, cfg, nil)
}

// OpenWithConfig opens the database described by cfg. A nil logger
// disables logging.
func OpenWithConfig(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) (*Database, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger = logging.OrNop(logger)

	eng, err := engine.Open(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	db := &Database{
		cfg:         cfg,
		eng:         eng,
		logger:      logger,
		collections: make(map[string]*Collection),
	}
	eng.SetTransactionProbe(db.InTransaction)

	logger.Infow("docstore: opened database", "path", cfg.Path)
	return db, nil
}

// Path returns the database file path.
func (db *Database) Path() string {
	return db.cfg.Path
}

// Config returns the configuration the database was opened with.
func (db *Database) Config() *config.Config {
	return db.cfg
}

// Collection returns the named collection, creating its table and metadata
// on first use.
func (db *Database) Collection(ctx context.Context, name string) (*Collection, error) {
	if !schema.ValidateCollectionName(name) {
		return nil, docerrors.NewValidationError(docerrors.CodeInvalidName,
			fmt.Sprintf("docstore: invalid collection name %q", name))
	}

	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil, ErrClosed
	}
	if c, ok := db.collections[name]; ok {
		db.mu.Unlock()
		return c, nil
	}
	db.mu.Unlock()

	c, err := newCollection(ctx, db, name)
	if err != nil {
		return nil, err
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if existing, ok := db.collections[name]; ok {
		return existing, nil
	}
	db.collections[name] = c
	return c, nil
}

// ListCollections returns the names of all collections stored in the
// database, including ones not opened by this instance yet.
func (db *Database) ListCollections(ctx context.Context) ([]string, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := db.eng.Query(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'`)
	if err != nil {
		return nil, fmt.Errorf("docstore: failed to list tables: %w", err)
	}
	defer rows.Close()

	tables := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("docstore: failed to scan table name: %w", err)
		}
		tables[name] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	names := []string{}
	for name := range tables {
		if tables[schema.TypesTable(name)] && tables[schema.IndexesTable(name)] {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// InTransaction reports whether a transaction is open.
func (db *Database) InTransaction() bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.state != TxIdle
}

// State returns the current transaction state.
func (db *Database) State() TxState {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.state
}

// BeginTransaction opens a deferred transaction; the write lock is taken by
// the first write.
func (db *Database) BeginTransaction(ctx context.Context) error {
	return db.begin(ctx, "BEGIN", TxActive)
}

// BeginImmediateTransaction opens a transaction that takes the write lock
// immediately.
func (db *Database) BeginImmediateTransaction(ctx context.Context) error {
	return db.begin(ctx, "BEGIN IMMEDIATE", TxActiveImmediate)
}

func (db *Database) begin(ctx context.Context, stmt string, next TxState) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return ErrClosed
	}
	if db.state != TxIdle {
		return docerrors.NewTransactionError(docerrors.CodeTxAlreadyActive,
			fmt.Sprintf("docstore: cannot begin, transaction is %s", db.state))
	}
	if _, err := db.eng.Exec(ctx, stmt); err != nil {
		return docerrors.NewEngineError(docerrors.CodeExecFailed, "docstore: failed to begin transaction", err)
	}
	db.state = next
	db.logger.Debugw("docstore: transaction started", "state", next.String())
	return nil
}

// Commit commits the open transaction. If the commit fails the transaction
// is rolled back and the database returns to idle.
func (db *Database) Commit(ctx context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.state == TxIdle {
		return docerrors.NewTransactionError(docerrors.CodeTxNotActive, "docstore: commit without an active transaction")
	}
	if _, err := db.eng.Exec(ctx, "COMMIT"); err != nil {
		// SQLite may leave the transaction open after a failed COMMIT.
		_, _ = db.eng.Exec(context.WithoutCancel(ctx), "ROLLBACK")
		db.state = TxIdle
		db.resyncLocked(context.WithoutCancel(ctx))
		return docerrors.NewEngineError(docerrors.CodeExecFailed, "docstore: commit failed", err)
	}
	db.state = TxIdle
	db.logger.Debugw("docstore: transaction committed")
	return nil
}

// Rollback aborts the open transaction.
func (db *Database) Rollback(ctx context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.rollbackLocked(ctx)
}

func (db *Database) rollbackLocked(ctx context.Context) error {
	if db.state == TxIdle {
		return docerrors.NewTransactionError(docerrors.CodeTxNotActive, "docstore: rollback without an active transaction")
	}
	db.state = TxIdle
	if _, err := db.eng.Exec(context.WithoutCancel(ctx), "ROLLBACK"); err != nil {
		return docerrors.NewEngineError(docerrors.CodeExecFailed, "docstore: rollback failed", err)
	}
	db.resyncLocked(context.WithoutCancel(ctx))
	db.logger.Debugw("docstore: transaction rolled back")
	return nil
}

// resyncLocked brings cached collections back in line with the database
// after a rollback. Collections whose table was created by the rolled back
// transaction are evicted and recreated on next use; the others reload
// their type registry.
func (db *Database) resyncLocked(ctx context.Context) {
	if db.closed {
		return
	}
	for name, c := range db.collections {
		var n int
		err := db.eng.QueryRow(ctx,
			`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name).Scan(&n)
		if err == nil && n == 0 {
			delete(db.collections, name)
			c.markStale()
			continue
		}
		if err == nil {
			err = c.reload(ctx)
		}
		if err != nil {
			db.logger.Errorw("docstore: failed to reload collection after rollback",
				"collection", name, "error", err)
			c.markStale()
		}
	}
}

// adopt puts a collection recreated after a rollback back in the cache
// unless another instance took its place.
func (db *Database) adopt(c *Collection) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return
	}
	if _, ok := db.collections[c.name]; !ok {
		db.collections[c.name] = c
	}
}

// Transaction runs fn inside a deferred transaction. It commits when fn
// returns nil; otherwise it rolls back and returns fn's error unchanged.
// A panic in fn rolls back and is re-raised.
func (db *Database) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return db.runInTransaction(ctx, false, fn)
}

// ImmediateTransaction is Transaction with the write lock taken at begin.
func (db *Database) ImmediateTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return db.runInTransaction(ctx, true, fn)
}

func (db *Database) runInTransaction(ctx context.Context, immediate bool, fn func(ctx context.Context) error) error {
	var err error
	if immediate {
		err = db.BeginImmediateTransaction(ctx)
	} else {
		err = db.BeginTransaction(ctx)
	}
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			db.abort(ctx)
			panic(p)
		}
	}()

	if err := fn(ctx); err != nil {
		db.abort(ctx)
		return err
	}
	if !db.InTransaction() {
		// fn ended the transaction itself.
		return nil
	}
	return db.Commit(ctx)
}

// abort rolls back if a transaction is still open, logging any failure so
// the caller's error stays the one returned.
func (db *Database) abort(ctx context.Context) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.state == TxIdle {
		return
	}
	if err := db.rollbackLocked(ctx); err != nil {
		db.logger.Errorw("docstore: rollback after failed transaction callback failed", "error", err)
	}
}

// Close rolls back any open transaction and closes the database. Calling
// Close more than once is a no-op.
func (db *Database) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return nil
	}
	db.closed = true

	var err error
	if db.state != TxIdle {
		err = multierr.Append(err, db.rollbackLocked(context.Background()))
	}
	err = multierr.Append(err, db.eng.Close())
	db.collections = nil

	db.logger.Infow("docstore: closed database", "path", db.cfg.Path)
	return err
}

func (db *Database) checkOpen() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return ErrClosed
	}
	return nil
}
