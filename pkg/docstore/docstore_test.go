package docstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arkilian/arkidoc/internal/config"
	"github.com/arkilian/arkidoc/pkg/types"
)

func openTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func openTestDBWithConfig(t *testing.T, mutate func(*config.Config)) *Database {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "test.db")
	if mutate != nil {
		mutate(cfg)
	}
	db, err := OpenWithConfig(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func testCollection(t *testing.T, db *Database, name string) *Collection {
	t.Helper()
	c, err := db.Collection(context.Background(), name)
	require.NoError(t, err)
	return c
}

// withoutSystem strips the system-managed fields for comparisons.
func withoutSystem(doc types.Document) types.Document {
	return userFields(doc)
}

func ids(t *testing.T, docs []types.Document) []int64 {
	t.Helper()
	out := make([]int64, len(docs))
	for i, d := range docs {
		id, ok := d.ID()
		require.True(t, ok, "document without _id: %v", d)
		out[i] = id
	}
	return out
}
