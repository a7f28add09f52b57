// Command arkidoc opens an arkidoc database for interactive use and runs
// maintenance tasks against it.
//
// Usage:
//
//	arkidoc [global options] <command> [command options]
//
// Commands:
//
//	shell                          Interactive shell (default)
//	export --out FILE [names...]   Write a snapshot of the database
//	import --in FILE               Load a snapshot
//	backup                         Upload a snapshot to the backup target
//	restore OBJECT                 Import a snapshot from the backup target
//	backups                        List snapshots in the backup target
//	version                        Print version information
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"

	"github.com/arkilian/arkidoc/internal/config"
	"github.com/arkilian/arkidoc/internal/logging"
	"github.com/arkilian/arkidoc/pkg/docstore"
)

var (
	version = "dev"
	commit  = "unknown"
)

// globalOptions are the flags accepted before the command name.
type globalOptions struct {
	configFile string
	dbPath     string
	logLevel   string
	dev        bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, out, errOut io.Writer) int {
	var opts globalOptions

	fs := flag.NewFlagSet("arkidoc", flag.ContinueOnError)
	fs.SetOutput(errOut)
	fs.SetInterspersed(false)
	fs.StringVarP(&opts.configFile, "config", "c", "", "Path to configuration file (YAML, JSON, or JSONC)")
	fs.StringVar(&opts.dbPath, "db", "", "Database file path")
	fs.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	fs.BoolVar(&opts.dev, "dev", false, "Human-readable development logging")
	fs.Usage = func() { printUsage(errOut, fs) }

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	command := "shell"
	var cmdArgs []string
	if fs.NArg() > 0 {
		command, cmdArgs = fs.Arg(0), fs.Args()[1:]
	}

	switch command {
	case "version":
		fmt.Fprintf(out, "arkidoc version %s (commit: %s)\n", version, commit)
		return 0
	case "help":
		printUsage(out, fs)
		return 0
	}

	cmd, ok := commands[command]
	if !ok {
		fmt.Fprintf(errOut, "error: unknown command %q\n\n", command)
		printUsage(errOut, fs)
		return 2
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintf(errOut, "error: %v\n", err)
		return 1
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(errOut, "error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	db, err := docstore.OpenWithConfig(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(errOut, "error: %v\n", err)
		return 1
	}

	err = cmd(ctx, &env{db: db, cfg: cfg, out: out, errOut: errOut}, cmdArgs)
	if cerr := db.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		fmt.Fprintf(errOut, "error: %v\n", err)
		return 1
	}
	return 0
}

// loadConfig resolves configuration with the precedence
// defaults < file < environment < flags.
func loadConfig(opts globalOptions) (*config.Config, error) {
	var cfg *config.Config
	var err error

	if opts.configFile != "" {
		cfg, err = config.LoadFromFile(opts.configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	config.LoadFromEnv(cfg)

	if opts.dbPath != "" {
		cfg.Path = opts.dbPath
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	if opts.dev {
		cfg.Log.Development = true
	}

	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func printUsage(w io.Writer, fs *flag.FlagSet) {
	fmt.Fprintf(w, "arkidoc - embeddable document store on SQLite\n\n")
	fmt.Fprintf(w, "Usage: arkidoc [options] <command> [command options]\n\n")
	fmt.Fprintf(w, "Commands:\n")
	fmt.Fprintf(w, "  shell                          Interactive shell (default)\n")
	fmt.Fprintf(w, "  export --out FILE [names...]   Write a snapshot of the database\n")
	fmt.Fprintf(w, "  import --in FILE               Load a snapshot\n")
	fmt.Fprintf(w, "  backup                         Upload a snapshot to the backup target\n")
	fmt.Fprintf(w, "  restore OBJECT                 Import a snapshot from the backup target\n")
	fmt.Fprintf(w, "  backups                        List snapshots in the backup target\n")
	fmt.Fprintf(w, "  version                        Print version information\n")
	fmt.Fprintf(w, "\nOptions:\n")
	fmt.Fprint(w, fs.FlagUsages())
	fmt.Fprintf(w, "\nEnvironment Variables:\n")
	fmt.Fprintf(w, "  ARKIDOC_PATH            Database file path\n")
	fmt.Fprintf(w, "  ARKIDOC_LOG_LEVEL       Log level\n")
	fmt.Fprintf(w, "  ARKIDOC_BACKUP_TYPE     Backup target (local, s3)\n")
}
