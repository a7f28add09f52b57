package engine

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/arkilian/arkidoc/internal/config"
	docerrors "github.com/arkilian/arkidoc/internal/errors"
)

func openTestEngine(t *testing.T, attempts int) *Engine {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "engine.db")
	cfg.Retry = config.RetryConfig{MaxAttempts: attempts, Backoff: time.Millisecond}
	e, err := Open(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func TestEngine_ExecAndQuery(t *testing.T) {
	ctx := context.Background()
	e := openTestEngine(t, 1)

	if _, err := e.ExecDDL(ctx, `CREATE TABLE t (id INTEGER PRIMARY KEY, name)`); err != nil {
		t.Fatalf("create table: %v", err)
	}
	if _, err := e.Exec(ctx, `INSERT INTO t (name) VALUES (?), (?)`, "alice", "bob"); err != nil {
		t.Fatalf("insert: %v", err)
	}

	var n int
	if err := e.QueryRow(ctx, `SELECT COUNT(*) FROM t`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 rows, got %d", n)
	}
}

func TestEngine_TransactionSpansStatements(t *testing.T) {
	ctx := context.Background()
	e := openTestEngine(t, 1)

	mustExec(t, e, `CREATE TABLE t (v)`)
	mustExec(t, e, `BEGIN`)
	mustExec(t, e, `INSERT INTO t VALUES (1)`)
	mustExec(t, e, `ROLLBACK`)

	var n int
	if err := e.QueryRow(ctx, `SELECT COUNT(*) FROM t`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Errorf("rollback on pinned connection did not discard insert, got %d rows", n)
	}
}

func TestEngine_Regexp(t *testing.T) {
	ctx := context.Background()
	e := openTestEngine(t, 1)

	mustExec(t, e, `CREATE TABLE t (s)`)
	mustExec(t, e, `INSERT INTO t VALUES ('alice'), ('bob'), ('alfred'), (NULL), (42)`)

	var n int
	if err := e.QueryRow(ctx, `SELECT COUNT(*) FROM t WHERE s REGEXP ?`, "^al").Scan(&n); err != nil {
		t.Fatalf("regexp query: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 matches, got %d", n)
	}

	if err := e.QueryRow(ctx, `SELECT COUNT(*) FROM t WHERE s REGEXP ?`, "^4").Scan(&n); err != nil {
		t.Fatalf("regexp over integer: %v", err)
	}
	if n != 1 {
		t.Errorf("expected integer 42 to match ^4 as text, got %d matches", n)
	}

	if err := e.QueryRow(ctx, `SELECT COUNT(*) FROM t WHERE s REGEXP ?`, "(").Scan(&n); err == nil {
		t.Error("expected invalid pattern to fail")
	}
}

func TestEngine_Reconnect(t *testing.T) {
	ctx := context.Background()
	e := openTestEngine(t, 1)

	mustExec(t, e, `CREATE TABLE t (v)`)
	mustExec(t, e, `INSERT INTO t VALUES (1)`)

	if err := e.Reconnect(ctx); err != nil {
		t.Fatalf("Reconnect failed: %v", err)
	}

	var n int
	if err := e.QueryRow(ctx, `SELECT COUNT(*) FROM t`).Scan(&n); err != nil {
		t.Fatalf("count after reconnect: %v", err)
	}
	if n != 1 {
		t.Errorf("expected data to survive reconnect, got %d rows", n)
	}
}

func TestEngine_ExecDDLRetriesTransient(t *testing.T) {
	ctx := context.Background()
	e := openTestEngine(t, 1)

	calls := 0
	e.exec = func(ctx context.Context, conn *sql.Conn, query string, args ...any) (sql.Result, error) {
		calls++
		if calls == 1 {
			return nil, sqlite3.Error{Code: sqlite3.ErrBusy}
		}
		return defaultExec(ctx, conn, query, args...)
	}

	if _, err := e.ExecDDL(ctx, `CREATE TABLE t (v)`); err != nil {
		t.Fatalf("ExecDDL should succeed after retry: %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 attempts, got %d", calls)
	}
}

func TestEngine_ExecDDLNoRetryInTransaction(t *testing.T) {
	ctx := context.Background()
	e := openTestEngine(t, 1)
	e.SetTransactionProbe(func() bool { return true })

	calls := 0
	e.exec = func(ctx context.Context, conn *sql.Conn, query string, args ...any) (sql.Result, error) {
		calls++
		return nil, driver.ErrBadConn
	}

	_, err := e.ExecDDL(ctx, `CREATE TABLE t (v)`)
	if err == nil {
		t.Fatal("expected transient error to propagate")
	}
	if calls != 1 {
		t.Errorf("expected no retry inside transaction, got %d attempts", calls)
	}
	if docerrors.GetCode(err) != docerrors.CodeTransient {
		t.Errorf("expected TRANSIENT code, got %q", docerrors.GetCode(err))
	}
	if !docerrors.IsRetryable(err) {
		t.Error("transient engine error should be retryable")
	}
}

func TestEngine_ExecDDLRetryBudget(t *testing.T) {
	ctx := context.Background()
	e := openTestEngine(t, 2)

	calls := 0
	e.exec = func(ctx context.Context, conn *sql.Conn, query string, args ...any) (sql.Result, error) {
		calls++
		return nil, sqlite3.Error{Code: sqlite3.ErrLocked}
	}

	if _, err := e.ExecDDL(ctx, `CREATE TABLE t (v)`); err == nil {
		t.Fatal("expected failure after retry budget")
	}
	if calls != 3 {
		t.Errorf("expected 1 attempt plus 2 retries, got %d", calls)
	}
}

func TestEngine_ExecDDLNonTransientNotRetried(t *testing.T) {
	ctx := context.Background()
	e := openTestEngine(t, 3)

	mustExec(t, e, `CREATE TABLE t (v)`)
	_, err := e.ExecDDL(ctx, `ALTER TABLE t ADD COLUMN v`)
	if err == nil {
		t.Fatal("expected duplicate column error")
	}
	if !IsDuplicateColumn(err) {
		t.Errorf("expected duplicate column error, got %v", err)
	}
}

func TestEngine_Closed(t *testing.T) {
	e := openTestEngine(t, 1)
	if err := e.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	_, err := e.Exec(context.Background(), `SELECT 1`)
	if docerrors.GetCode(err) != docerrors.CodeClosed {
		t.Errorf("expected DATABASE_CLOSED, got %v", err)
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"bad conn", driver.ErrBadConn, true},
		{"conn done", sql.ErrConnDone, true},
		{"wrapped bad conn", fmt.Errorf("exec: %w", driver.ErrBadConn), true},
		{"busy", sqlite3.Error{Code: sqlite3.ErrBusy}, true},
		{"locked", sqlite3.Error{Code: sqlite3.ErrLocked}, true},
		{"schema", sqlite3.Error{Code: sqlite3.ErrSchema}, true},
		{"ioerr", sqlite3.Error{Code: sqlite3.ErrIoErr}, true},
		{"constraint", sqlite3.Error{Code: sqlite3.ErrConstraint}, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestAsText(t *testing.T) {
	tests := []struct {
		in   interface{}
		want string
		ok   bool
	}{
		{"abc", "abc", true},
		{[]byte("xy"), "xy", true},
		{[]byte(nil), "", false},
		{nil, "", false},
		{int64(31), "31", true},
		{int64(-7), "-7", true},
		{2.5, "2.5", true},
		{100.0, "100.0", true},
		{0.1, "0.1", true},
		{1e20, "1.0e+20", true},
		{true, "1", true},
	}
	for _, tt := range tests {
		got, ok := asText(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("asText(%#v) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestQuoteIdent(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"name", `"name"`},
		{`we"ird`, `"we""ird"`},
		{"", `""`},
	}
	for _, tt := range tests {
		if got := QuoteIdent(tt.in); got != tt.want {
			t.Errorf("QuoteIdent(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
	if got := QuoteIdents([]string{"a", "b"}); got != `"a", "b"` {
		t.Errorf("QuoteIdents = %s", got)
	}
	if got := Placeholders(3); got != "?, ?, ?" {
		t.Errorf("Placeholders(3) = %s", got)
	}
}

func mustExec(t *testing.T, e *Engine, q string, args ...any) {
	t.Helper()
	if _, err := e.Exec(context.Background(), q, args...); err != nil {
		t.Fatalf("exec %q: %v", q, err)
	}
}
