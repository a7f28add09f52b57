package docstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arkilian/arkidoc/pkg/types"
)

func TestTransactionStateErrors(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	require.ErrorIs(t, db.Commit(ctx), ErrNoTransaction)
	require.ErrorIs(t, db.Rollback(ctx), ErrNoTransaction)
	require.Equal(t, TxIdle, db.State())

	require.NoError(t, db.BeginTransaction(ctx))
	require.Equal(t, TxActive, db.State())
	require.ErrorIs(t, db.BeginTransaction(ctx), ErrTransactionActive)
	require.ErrorIs(t, db.BeginImmediateTransaction(ctx), ErrTransactionActive)
	require.Equal(t, TxActive, db.State())
	require.NoError(t, db.Commit(ctx))
	require.Equal(t, TxIdle, db.State())

	require.NoError(t, db.BeginImmediateTransaction(ctx))
	require.Equal(t, TxActiveImmediate, db.State())
	require.True(t, db.InTransaction())
	require.NoError(t, db.Rollback(ctx))
	require.False(t, db.InTransaction())
}

func TestTransactionCommits(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	users := testCollection(t, db, "users")

	err := db.Transaction(ctx, func(ctx context.Context) error {
		if _, err := users.Insert(ctx, types.Document{"name": "alice"}); err != nil {
			return err
		}
		_, err := users.Insert(ctx, types.Document{"name": "bob"})
		return err
	})
	require.NoError(t, err)
	require.Equal(t, TxIdle, db.State())

	n, err := users.Count(ctx, nil)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
}

func TestTransactionRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	users := testCollection(t, db, "users")

	errBoom := errors.New("boom")
	err := db.Transaction(ctx, func(ctx context.Context) error {
		if _, err := users.Insert(ctx, types.Document{"name": "alice"}); err != nil {
			return err
		}
		if _, err := users.Insert(ctx, types.Document{"nickname": "al"}); err != nil {
			return err
		}
		return errBoom
	})
	require.Equal(t, errBoom, err)
	require.Equal(t, TxIdle, db.State())

	n, err := users.Count(ctx, nil)
	require.NoError(t, err)
	require.Zero(t, n)

	// The column added inside the transaction is gone, and so is its type.
	_, ok := users.Fields()["nickname"]
	require.False(t, ok)
	_, err = users.Insert(ctx, types.Document{"nickname": 7})
	require.NoError(t, err)
	require.Equal(t, types.FieldInteger, users.Fields()["nickname"])
}

func TestTransactionRollsBackOnPanic(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	users := testCollection(t, db, "users")

	require.PanicsWithValue(t, "kaboom", func() {
		_ = db.ImmediateTransaction(ctx, func(ctx context.Context) error {
			if _, err := users.Insert(ctx, types.Document{"name": "alice"}); err != nil {
				return err
			}
			panic("kaboom")
		})
	})
	require.Equal(t, TxIdle, db.State())

	n, err := users.Count(ctx, nil)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestTransactionCallbackMayEndTransaction(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	err := db.Transaction(ctx, func(ctx context.Context) error {
		return db.Commit(ctx)
	})
	require.NoError(t, err)
	require.Equal(t, TxIdle, db.State())
}

func TestNestedTransactionFails(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	err := db.Transaction(ctx, func(ctx context.Context) error {
		return db.Transaction(ctx, func(context.Context) error { return nil })
	})
	require.ErrorIs(t, err, ErrTransactionActive)
	require.Equal(t, TxIdle, db.State())
}

func TestCollectionCreatedInRolledBackTransaction(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	require.NoError(t, db.BeginTransaction(ctx))
	events, err := db.Collection(ctx, "events")
	require.NoError(t, err)
	_, err = events.Insert(ctx, types.Document{"kind": "click"})
	require.NoError(t, err)
	require.NoError(t, db.Rollback(ctx))

	names, err := db.ListCollections(ctx)
	require.NoError(t, err)
	require.Empty(t, names)

	// The handle recreates the collection on next use.
	id, err := events.Insert(ctx, types.Document{"kind": "view"})
	require.NoError(t, err)
	require.Positive(t, id)
	require.Equal(t, types.FieldText, events.Fields()["kind"])

	again, err := db.Collection(ctx, "events")
	require.NoError(t, err)
	require.Same(t, events, again)
}

func TestCollectionNames(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	for _, name := range []string{"", "bad name", "1abc", "sqlite_master", "users_types", "users_indexes", "a;drop", "a__b", "users_"} {
		_, err := db.Collection(ctx, name)
		require.ErrorIs(t, err, ErrInvalidName, "name %q", name)
	}

	a := testCollection(t, db, "beta")
	b := testCollection(t, db, "alpha")
	again := testCollection(t, db, "beta")
	require.Same(t, a, again)
	require.Equal(t, "alpha", b.Name())

	names, err := db.ListCollections(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"alpha", "beta"}, names)
}

func TestCloseRollsBack(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "close.db")

	db, err := Open(ctx, path)
	require.NoError(t, err)
	users, err := db.Collection(ctx, "users")
	require.NoError(t, err)
	_, err = users.Insert(ctx, types.Document{"name": "kept"})
	require.NoError(t, err)

	require.NoError(t, db.BeginTransaction(ctx))
	_, err = users.Insert(ctx, types.Document{"name": "dropped"})
	require.NoError(t, err)
	require.NoError(t, db.Close())
	require.NoError(t, db.Close())

	_, err = users.Insert(ctx, types.Document{"name": "late"})
	require.ErrorIs(t, err, ErrClosed)
	_, err = db.Collection(ctx, "users")
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, db.BeginTransaction(ctx), ErrClosed)

	db, err = Open(ctx, path)
	require.NoError(t, err)
	defer db.Close()
	users, err = db.Collection(ctx, "users")
	require.NoError(t, err)

	docs, err := users.Find(ctx, nil, nil)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.Equal(t, "kept", docs[0]["name"])
}

func TestReopenKeepsSchema(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "reopen.db")

	db, err := Open(ctx, path)
	require.NoError(t, err)
	items, err := db.Collection(ctx, "items")
	require.NoError(t, err)
	_, err = items.Insert(ctx, types.Document{"qty": 3, "price": 1.5, "meta": map[string]any{"a": 1}})
	require.NoError(t, err)
	require.NoError(t, items.CreateIndex(ctx, types.IndexDef{Name: "by_qty", Fields: []string{"qty"}}))
	require.NoError(t, db.Close())

	db, err = Open(ctx, path)
	require.NoError(t, err)
	defer db.Close()
	items, err = db.Collection(ctx, "items")
	require.NoError(t, err)

	fields := items.Fields()
	require.Equal(t, types.FieldInteger, fields["qty"])
	require.Equal(t, types.FieldFloat, fields["price"])
	require.Equal(t, types.FieldJSON, fields["meta"])

	defs, err := items.ListIndexes(ctx)
	require.NoError(t, err)
	require.Equal(t, []types.IndexDef{{Name: "by_qty", Fields: []string{"qty"}}}, defs)
}

func TestTxStateString(t *testing.T) {
	require.Equal(t, "idle", TxIdle.String())
	require.Equal(t, "active", TxActive.String())
	require.Equal(t, "active-immediate", TxActiveImmediate.String())
	require.Equal(t, "TxState(9)", TxState(9).String())
}
