package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/peterh/liner"

	"github.com/arkilian/arkidoc/pkg/docstore"
	"github.com/arkilian/arkidoc/pkg/types"
)

var shellCommands = []string{
	"use", "collections", "insert", "find", "findone", "get", "count",
	"update", "delete", "upsert", "index", "fields", "begin", "commit",
	"rollback", "stats", "help", "exit", "quit",
}

// Shell is the interactive command loop.
type Shell struct {
	ctx     context.Context
	db      *docstore.Database
	out     io.Writer
	current *docstore.Collection
	liner   *liner.State
}

func newShell(ctx context.Context, db *docstore.Database, out io.Writer) *Shell {
	return &Shell{ctx: ctx, db: db, out: out}
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".arkidoc_history")
}

// Run reads commands until exit or end of input.
func (s *Shell) Run() error {
	s.liner = liner.NewLiner()
	defer s.liner.Close()

	s.liner.SetCtrlCAborts(true)
	s.liner.SetCompleter(s.completer)

	if f, err := os.Open(historyFile()); err == nil {
		s.liner.ReadHistory(f)
		f.Close()
	}
	defer s.saveHistory()

	fmt.Fprintf(s.out, "arkidoc %s - %s\n", version, s.db.Path())
	fmt.Fprintln(s.out, "Type 'help' for available commands.")

	for {
		line, err := s.liner.Prompt(s.prompt())
		if err != nil {
			if err == liner.ErrPromptAborted || err == io.EOF {
				fmt.Fprintln(s.out, "\nBye!")
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		s.liner.AppendHistory(line)

		if s.Execute(line) {
			fmt.Fprintln(s.out, "Bye!")
			return nil
		}
	}
}

func (s *Shell) saveHistory() {
	if path := historyFile(); path != "" {
		if f, err := os.Create(path); err == nil {
			s.liner.WriteHistory(f)
			f.Close()
		}
	}
}

func (s *Shell) prompt() string {
	name := "-"
	if s.current != nil {
		name = s.current.Name()
	}
	if s.db.InTransaction() {
		return fmt.Sprintf("arkidoc:%s*> ", name)
	}
	return fmt.Sprintf("arkidoc:%s> ", name)
}

// completer completes command names, and collection names after "use".
func (s *Shell) completer(line string) []string {
	var completions []string

	if rest, ok := strings.CutPrefix(line, "use "); ok {
		names, err := s.db.ListCollections(s.ctx)
		if err != nil {
			return nil
		}
		for _, name := range names {
			if strings.HasPrefix(name, rest) {
				completions = append(completions, "use "+name)
			}
		}
		return completions
	}

	lower := strings.ToLower(line)
	for _, cmd := range shellCommands {
		if strings.HasPrefix(cmd, lower) {
			completions = append(completions, cmd)
		}
	}
	return completions
}

// Execute runs one command line and reports whether the shell should exit.
func (s *Shell) Execute(line string) bool {
	cmd, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	rest = strings.TrimSpace(rest)

	var err error
	switch strings.ToLower(cmd) {
	case "exit", "quit", "q":
		return true
	case "help", "?":
		s.printHelp()
	case "use":
		err = s.cmdUse(rest)
	case "collections", "ls":
		err = s.cmdCollections()
	case "insert":
		err = s.cmdInsert(rest)
	case "find":
		err = s.cmdFind(rest)
	case "findone":
		err = s.cmdFindOne(rest)
	case "get":
		err = s.cmdGet(rest)
	case "count":
		err = s.cmdCount(rest)
	case "update":
		err = s.cmdUpdate(rest)
	case "delete", "del":
		err = s.cmdDelete(rest)
	case "upsert":
		err = s.cmdUpsert(rest)
	case "index":
		err = s.cmdIndex(rest)
	case "fields":
		err = s.cmdFields()
	case "begin":
		err = s.cmdBegin(rest)
	case "commit":
		err = s.db.Commit(s.ctx)
		s.ok(err, "committed")
	case "rollback":
		err = s.db.Rollback(s.ctx)
		s.ok(err, "rolled back")
	case "stats":
		err = s.cmdStats()
	default:
		fmt.Fprintf(s.out, "Unknown command: %s (type 'help' for commands)\n", cmd)
	}

	if err != nil {
		fmt.Fprintf(s.out, "error: %v\n", err)
	}
	return false
}

func (s *Shell) ok(err error, msg string) {
	if err == nil {
		fmt.Fprintln(s.out, msg)
	}
}

func (s *Shell) printHelp() {
	fmt.Fprint(s.out, `Commands:
  use <collection>                     Select (and create) a collection
  collections                          List collections
  insert <doc>                         Insert a document
  find [query] [options]               Find documents; options: {"limit":N,"offset":N,"orderBy":"..."}
  findone [query]                      Find the first matching document
  get <id>                             Find a document by _id
  count [query]                        Count matching documents
  update <query> <patch>               Update matching documents
  delete <query>                       Delete matching documents
  upsert <doc>                         Update by _id, or insert
  index create <name> <f1,f2> [unique] Create an index
  index drop <name>                    Drop an index
  index list                           List indexes
  index suggest                        Show suggested indexes
  fields                               Show field types
  begin [immediate]                    Start a transaction
  commit | rollback                    End the transaction
  stats                                Show query statistics
  help                                 Show this help
  exit                                 Exit

Documents and queries are JSON, e.g. find {"age": {"_gte": 18}}
`)
}

func (s *Shell) collection() (*docstore.Collection, error) {
	if s.current == nil {
		return nil, errors.New("no collection selected (use <collection>)")
	}
	return s.current, nil
}

func (s *Shell) cmdUse(rest string) error {
	if rest == "" {
		return errors.New("usage: use <collection>")
	}
	c, err := s.db.Collection(s.ctx, rest)
	if err != nil {
		return err
	}
	s.current = c
	fmt.Fprintf(s.out, "using %s\n", c.Name())
	return nil
}

func (s *Shell) cmdCollections() error {
	names, err := s.db.ListCollections(s.ctx)
	if err != nil {
		return err
	}
	for _, name := range names {
		fmt.Fprintln(s.out, name)
	}
	return nil
}

func (s *Shell) cmdInsert(rest string) error {
	c, err := s.collection()
	if err != nil {
		return err
	}
	docs, err := parseDocuments(rest, 1, 1)
	if err != nil {
		return err
	}
	id, err := c.Insert(s.ctx, docs[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "inserted _id=%d\n", id)
	return nil
}

func (s *Shell) cmdFind(rest string) error {
	c, err := s.collection()
	if err != nil {
		return err
	}
	args, err := parseDocuments(rest, 0, 2)
	if err != nil {
		return err
	}

	var opts *types.FindOptions
	if len(args) == 2 {
		opts, err = parseFindOptions(args[1])
		if err != nil {
			return err
		}
	}

	docs, err := c.Find(s.ctx, first(args), opts)
	if err != nil {
		return err
	}
	for _, doc := range docs {
		s.printDocument(doc)
	}
	fmt.Fprintf(s.out, "(%d documents)\n", len(docs))
	return nil
}

func (s *Shell) cmdFindOne(rest string) error {
	c, err := s.collection()
	if err != nil {
		return err
	}
	args, err := parseDocuments(rest, 0, 1)
	if err != nil {
		return err
	}
	doc, err := c.FindOne(s.ctx, first(args))
	if err != nil {
		return err
	}
	s.printDocument(doc)
	return nil
}

func (s *Shell) cmdGet(rest string) error {
	c, err := s.collection()
	if err != nil {
		return err
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return fmt.Errorf("usage: get <id>")
	}
	doc, err := c.FindByID(s.ctx, id)
	if err != nil {
		return err
	}
	s.printDocument(doc)
	return nil
}

func (s *Shell) cmdCount(rest string) error {
	c, err := s.collection()
	if err != nil {
		return err
	}
	args, err := parseDocuments(rest, 0, 1)
	if err != nil {
		return err
	}
	n, err := c.Count(s.ctx, first(args))
	if err != nil {
		return err
	}
	fmt.Fprintln(s.out, n)
	return nil
}

func (s *Shell) cmdUpdate(rest string) error {
	c, err := s.collection()
	if err != nil {
		return err
	}
	args, err := parseDocuments(rest, 2, 2)
	if err != nil {
		return err
	}
	n, err := c.Update(s.ctx, args[0], args[1])
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "updated %d\n", n)
	return nil
}

func (s *Shell) cmdDelete(rest string) error {
	c, err := s.collection()
	if err != nil {
		return err
	}
	args, err := parseDocuments(rest, 1, 1)
	if err != nil {
		return err
	}
	n, err := c.Delete(s.ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "deleted %d\n", n)
	return nil
}

func (s *Shell) cmdUpsert(rest string) error {
	c, err := s.collection()
	if err != nil {
		return err
	}
	args, err := parseDocuments(rest, 1, 1)
	if err != nil {
		return err
	}
	id, inserted, err := c.Upsert(s.ctx, args[0])
	if err != nil {
		return err
	}
	if inserted {
		fmt.Fprintf(s.out, "inserted _id=%d\n", id)
	} else {
		fmt.Fprintf(s.out, "updated _id=%d\n", id)
	}
	return nil
}

func (s *Shell) cmdIndex(rest string) error {
	c, err := s.collection()
	if err != nil {
		return err
	}

	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return errors.New("usage: index create|drop|list|suggest")
	}

	switch fields[0] {
	case "create":
		if len(fields) < 3 || len(fields) > 4 || (len(fields) == 4 && fields[3] != "unique") {
			return errors.New("usage: index create <name> <field1,field2> [unique]")
		}
		def := types.IndexDef{
			Name:   fields[1],
			Fields: strings.Split(fields[2], ","),
			Unique: len(fields) == 4,
		}
		if err := c.CreateIndex(s.ctx, def); err != nil {
			return err
		}
		fmt.Fprintf(s.out, "created index %s\n", def.Name)

	case "drop":
		if len(fields) != 2 {
			return errors.New("usage: index drop <name>")
		}
		if err := c.DropIndex(s.ctx, fields[1]); err != nil {
			return err
		}
		fmt.Fprintf(s.out, "dropped index %s\n", fields[1])

	case "list":
		defs, err := c.ListIndexes(s.ctx)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tFIELDS\tUNIQUE")
		for _, def := range defs {
			fmt.Fprintf(tw, "%s\t%s\t%v\n", def.Name, strings.Join(def.Fields, ","), def.Unique)
		}
		return tw.Flush()

	case "suggest":
		suggestions, err := c.SuggestIndexes(s.ctx)
		if err != nil {
			return err
		}
		if len(suggestions) == 0 {
			fmt.Fprintln(s.out, "no suggestions")
			return nil
		}
		for _, sg := range suggestions {
			fmt.Fprintf(s.out, "index create %s %s    (%d predicates)\n",
				sg.Index.Name, strings.Join(sg.Index.Fields, ","), sg.Frequency)
		}

	default:
		return fmt.Errorf("unknown index subcommand %q", fields[0])
	}
	return nil
}

func (s *Shell) cmdFields() error {
	c, err := s.collection()
	if err != nil {
		return err
	}
	fields := c.Fields()
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	tw := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
	for _, name := range names {
		fmt.Fprintf(tw, "%s\t%s\n", name, fields[name])
	}
	return tw.Flush()
}

func (s *Shell) cmdBegin(rest string) error {
	var err error
	switch rest {
	case "":
		err = s.db.BeginTransaction(s.ctx)
	case "immediate":
		err = s.db.BeginImmediateTransaction(s.ctx)
	default:
		return errors.New("usage: begin [immediate]")
	}
	s.ok(err, "transaction started")
	return err
}

func (s *Shell) cmdStats() error {
	c, err := s.collection()
	if err != nil {
		return err
	}
	stats := c.Stats()
	fmt.Fprintf(s.out, "queries: %d\n", stats.Queries)

	tw := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FIELD\tPREDICATES\tOPERATORS")
	for _, fs := range stats.Fields {
		ops := make([]string, 0, len(fs.Operators))
		for op, n := range fs.Operators {
			ops = append(ops, fmt.Sprintf("%s:%d", op, n))
		}
		sort.Strings(ops)
		fmt.Fprintf(tw, "%s\t%d\t%s\n", fs.Field, fs.Frequency, strings.Join(ops, " "))
	}
	return tw.Flush()
}

func (s *Shell) printDocument(doc types.Document) {
	if doc == nil {
		fmt.Fprintln(s.out, "null")
		return
	}
	b, err := json.Marshal(doc)
	if err != nil {
		fmt.Fprintf(s.out, "error: %v\n", err)
		return
	}
	fmt.Fprintln(s.out, string(b))
}

// parseDocuments decodes between least and most consecutive JSON objects from
// s. Numbers are kept as json.Number so integers stay integers.
func parseDocuments(s string, least, most int) ([]types.Document, error) {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()

	var docs []types.Document
	for {
		var doc types.Document
		err := dec.Decode(&doc)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("invalid JSON document: %w", err)
		}
		if doc == nil {
			return nil, errors.New("expected a JSON object")
		}
		docs = append(docs, doc)
		if len(docs) > most {
			return nil, fmt.Errorf("expected at most %d documents", most)
		}
	}
	if len(docs) < least {
		return nil, fmt.Errorf("expected at least %d documents", least)
	}
	return docs, nil
}

func parseFindOptions(doc types.Document) (*types.FindOptions, error) {
	opts := &types.FindOptions{}
	for key, v := range doc {
		switch key {
		case "limit", "offset":
			n, ok := v.(json.Number)
			if !ok {
				return nil, fmt.Errorf("%s must be a number", key)
			}
			i, err := n.Int64()
			if err != nil || i < 0 {
				return nil, fmt.Errorf("%s must be a non-negative integer", key)
			}
			if key == "limit" {
				opts.Limit = i
			} else {
				opts.Offset = i
			}
		case "orderBy":
			str, ok := v.(string)
			if !ok {
				return nil, errors.New("orderBy must be a string")
			}
			opts.OrderBy = str
		default:
			return nil, fmt.Errorf("unknown option %q", key)
		}
	}
	return opts, nil
}

func first(docs []types.Document) types.Document {
	if len(docs) == 0 {
		return nil
	}
	return docs[0]
}
