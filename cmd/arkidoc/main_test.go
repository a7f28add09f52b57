package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arkilian/arkidoc/pkg/docstore"
	"github.com/arkilian/arkidoc/pkg/types"
)

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var out, errOut bytes.Buffer
	code := run(context.Background(), args, &out, &errOut)
	return code, out.String(), errOut.String()
}

func seedDatabase(t *testing.T, path string) {
	t.Helper()
	ctx := context.Background()
	db, err := docstore.Open(ctx, path)
	require.NoError(t, err)
	defer db.Close()

	c, err := db.Collection(ctx, "notes")
	require.NoError(t, err)
	for _, text := range []string{"one", "two", "three"} {
		_, err := c.Insert(ctx, types.Document{"text": text})
		require.NoError(t, err)
	}
}

func countNotes(t *testing.T, path string) int64 {
	t.Helper()
	ctx := context.Background()
	db, err := docstore.Open(ctx, path)
	require.NoError(t, err)
	defer db.Close()

	c, err := db.Collection(ctx, "notes")
	require.NoError(t, err)
	n, err := c.Count(ctx, nil)
	require.NoError(t, err)
	return n
}

func TestVersionAndHelp(t *testing.T) {
	code, out, _ := runCLI(t, "version")
	require.Equal(t, 0, code)
	require.True(t, strings.HasPrefix(out, "arkidoc version "))

	code, out, _ = runCLI(t, "help")
	require.Equal(t, 0, code)
	require.Contains(t, out, "export --out FILE")

	code, _, errOut := runCLI(t, "frobnicate")
	require.Equal(t, 2, code)
	require.Contains(t, errOut, `unknown command "frobnicate"`)
}

func TestExportImportCommands(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.db")
	dst := filepath.Join(dir, "dst.db")
	snap := filepath.Join(dir, "notes.arkidoc")
	seedDatabase(t, src)

	code, out, errOut := runCLI(t, "--db", src, "--log-level", "error", "export", "--out", snap, "notes")
	require.Equal(t, 0, code, errOut)
	require.Contains(t, out, "exported 1 collections, 3 documents")

	code, out, errOut = runCLI(t, "--db", dst, "--log-level", "error", "import", "--in", snap)
	require.Equal(t, 0, code, errOut)
	require.Contains(t, out, "imported 1 collections, 3 documents")
	require.EqualValues(t, 3, countNotes(t, dst))

	code, _, errOut = runCLI(t, "--db", dst, "--log-level", "error", "export")
	require.Equal(t, 1, code)
	require.Contains(t, errOut, "--out is required")

	code, _, _ = runCLI(t, "--db", src, "--log-level", "error", "export", "--out", filepath.Join(dir, "x.arkidoc"), "missing")
	require.Equal(t, 1, code)
	_, err := os.Stat(filepath.Join(dir, "x.arkidoc"))
	require.True(t, os.IsNotExist(err))
}

func TestBackupCommands(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.db")
	dst := filepath.Join(dir, "dst.db")
	seedDatabase(t, src)
	t.Setenv("ARKIDOC_BACKUP_PATH", filepath.Join(dir, "store"))

	code, out, errOut := runCLI(t, "--db", src, "--log-level", "error", "backup")
	require.Equal(t, 0, code, errOut)
	require.Contains(t, out, "3 documents")
	object := strings.TrimSuffix(strings.Fields(out)[1], ":")

	code, out, errOut = runCLI(t, "--db", src, "--log-level", "error", "backups")
	require.Equal(t, 0, code, errOut)
	require.Contains(t, out, object)

	code, _, errOut = runCLI(t, "--db", dst, "--log-level", "error", "restore", object)
	require.Equal(t, 0, code, errOut)
	require.EqualValues(t, 3, countNotes(t, dst))

	code, _, errOut = runCLI(t, "--db", dst, "--log-level", "error", "restore", "backups/missing.arkidoc")
	require.Equal(t, 1, code)
	require.Contains(t, errOut, "not found")
}

func TestLoadConfigPrecedence(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "arkidoc.yaml")
	require.NoError(t, os.WriteFile(file, []byte("path: from-file.db\nlog:\n  level: warn\n"), 0644))

	cfg, err := loadConfig(globalOptions{configFile: file})
	require.NoError(t, err)
	require.Equal(t, "from-file.db", cfg.Path)
	require.Equal(t, "warn", cfg.Log.Level)

	t.Setenv("ARKIDOC_PATH", "from-env.db")
	cfg, err = loadConfig(globalOptions{configFile: file})
	require.NoError(t, err)
	require.Equal(t, "from-env.db", cfg.Path)

	cfg, err = loadConfig(globalOptions{configFile: file, dbPath: "from-flag.db", logLevel: "debug", dev: true})
	require.NoError(t, err)
	require.Equal(t, "from-flag.db", cfg.Path)
	require.Equal(t, "debug", cfg.Log.Level)
	require.True(t, cfg.Log.Development)

	_, err = loadConfig(globalOptions{logLevel: "loud"})
	require.Error(t, err)
}
