package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/arkilian/arkidoc/internal/config"
	"github.com/arkilian/arkidoc/internal/storage"
	"github.com/arkilian/arkidoc/pkg/docstore"
)

// env carries what a command needs.
type env struct {
	db     *docstore.Database
	cfg    *config.Config
	out    io.Writer
	errOut io.Writer
}

type commandFunc func(ctx context.Context, e *env, args []string) error

var commands = map[string]commandFunc{
	"shell":   cmdShell,
	"export":  cmdExport,
	"import":  cmdImport,
	"backup":  cmdBackup,
	"restore": cmdRestore,
	"backups": cmdBackups,
}

func newFlagSet(name string, e *env) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(e.errOut)
	return fs
}

func cmdShell(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet("shell", e)
	use := fs.String("use", "", "Collection to select on start")
	if err := fs.Parse(args); err != nil {
		return err
	}

	sh := newShell(ctx, e.db, e.out)
	if *use != "" {
		sh.Execute("use " + *use)
	}
	return sh.Run()
}

func cmdExport(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet("export", e)
	outPath := fs.StringP("out", "o", "", "Snapshot file to write (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *outPath == "" {
		return errors.New("export: --out is required")
	}

	f, err := os.Create(*outPath)
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	summary, err := e.db.Export(ctx, f, fs.Args()...)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(*outPath)
		return err
	}

	fmt.Fprintf(e.out, "exported %d collections, %d documents to %s\n",
		summary.Collections, summary.Documents, *outPath)
	return nil
}

func cmdImport(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet("import", e)
	inPath := fs.StringP("in", "i", "", "Snapshot file to read (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *inPath == "" {
		return errors.New("import: --in is required")
	}

	f, err := os.Open(*inPath)
	if err != nil {
		return fmt.Errorf("import: %w", err)
	}
	defer f.Close()

	summary, err := e.db.Import(ctx, f)
	if err != nil {
		return err
	}
	fmt.Fprintf(e.out, "imported %d collections, %d documents from %s\n",
		summary.Collections, summary.Documents, *inPath)
	return nil
}

func cmdBackup(ctx context.Context, e *env, args []string) error {
	if err := newFlagSet("backup", e).Parse(args); err != nil {
		return err
	}
	store, err := storage.New(ctx, e.cfg.Backup)
	if err != nil {
		return err
	}

	info, err := e.db.Backup(ctx, store)
	if err != nil {
		return err
	}
	fmt.Fprintf(e.out, "backup %s: %d collections, %d documents\n",
		info.Object, info.Collections, info.Documents)
	return nil
}

func cmdRestore(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet("restore", e)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("restore: expected exactly one backup object")
	}
	store, err := storage.New(ctx, e.cfg.Backup)
	if err != nil {
		return err
	}

	summary, err := e.db.Restore(ctx, store, fs.Arg(0))
	if err != nil {
		return err
	}
	fmt.Fprintf(e.out, "restored %d collections, %d documents from %s\n",
		summary.Collections, summary.Documents, fs.Arg(0))
	return nil
}

func cmdBackups(ctx context.Context, e *env, args []string) error {
	if err := newFlagSet("backups", e).Parse(args); err != nil {
		return err
	}
	store, err := storage.New(ctx, e.cfg.Backup)
	if err != nil {
		return err
	}

	backups, err := e.db.ListBackups(ctx, store)
	if err != nil {
		return err
	}
	if len(backups) == 0 {
		fmt.Fprintln(e.out, "no backups")
		return nil
	}

	tw := tabwriter.NewWriter(e.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "OBJECT\tCREATED")
	for _, b := range backups {
		created := "-"
		if !b.CreatedAt.IsZero() {
			created = b.CreatedAt.Local().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\n", b.Object, created)
	}
	return tw.Flush()
}
