package docstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/arkilian/arkidoc/internal/codec"
	"github.com/arkilian/arkidoc/internal/engine"
	docerrors "github.com/arkilian/arkidoc/internal/errors"
	"github.com/arkilian/arkidoc/internal/index"
	"github.com/arkilian/arkidoc/internal/observability"
	"github.com/arkilian/arkidoc/internal/query"
	"github.com/arkilian/arkidoc/internal/schema"
	"github.com/arkilian/arkidoc/pkg/types"
)

// statsWindow is how long an unqueried field keeps its statistics.
const statsWindow = time.Hour

// IndexSuggestion is an index the advisor recommends creating.
type IndexSuggestion = index.Suggestion

// QueryStats summarizes the queries run against a collection.
type QueryStats = observability.Summary

// Collection is a named set of documents.
type Collection struct {
	db       *Database
	name     string
	table    string
	fields   *schema.Registry
	indexes  *index.Registry
	compiler *query.Compiler
	stats    *observability.QueryStats
	advisor  *index.Advisor

	mu    sync.Mutex
	stale bool
}

func newCollection(ctx context.Context, db *Database, name string) (*Collection, error) {
	fields := schema.NewRegistry(db.eng, name, db.logger)
	indexes := index.NewRegistry(db.eng, name, fields, db.logger)
	fields.SetIndexRebuilder(indexes)

	if err := fields.Bootstrap(ctx); err != nil {
		return nil, err
	}
	if err := indexes.Bootstrap(ctx); err != nil {
		return nil, err
	}
	if err := fields.Load(ctx); err != nil {
		return nil, err
	}

	stats := observability.NewQueryStats(statsWindow)
	c := &Collection{
		db:       db,
		name:     name,
		table:    engine.QuoteIdent(name),
		fields:   fields,
		indexes:  indexes,
		compiler: &query.Compiler{Types: fields, Stats: stats},
		stats:    stats,
		advisor: index.NewAdvisor(stats, fields, indexes,
			db.cfg.Advisor.Threshold, db.cfg.Advisor.MaxSuggestions, db.logger),
	}

	db.logger.Debugw("docstore: opened collection", "collection", name, "fields", len(fields.Fields()))
	return c, nil
}

// reload refreshes the type registry from the persisted metadata.
func (c *Collection) reload(ctx context.Context) error {
	c.advisor.InvalidateCache()
	return c.fields.Load(ctx)
}

func (c *Collection) markStale() {
	c.mu.Lock()
	c.stale = true
	c.mu.Unlock()
}

// ready fails on a closed database and recreates a collection whose table
// was rolled back since it was opened.
func (c *Collection) ready(ctx context.Context) error {
	if err := c.db.checkOpen(); err != nil {
		return err
	}

	c.mu.Lock()
	if !c.stale {
		c.mu.Unlock()
		return nil
	}
	err := c.recreate(ctx)
	if err == nil {
		c.stale = false
	}
	c.mu.Unlock()
	if err != nil {
		return err
	}

	c.db.adopt(c)
	c.db.logger.Debugw("docstore: recreated collection", "collection", c.name)
	return nil
}

func (c *Collection) recreate(ctx context.Context) error {
	if err := c.fields.Bootstrap(ctx); err != nil {
		return err
	}
	if err := c.indexes.Bootstrap(ctx); err != nil {
		return err
	}
	return c.reload(ctx)
}

// Name returns the collection name.
func (c *Collection) Name() string {
	return c.name
}

// Insert stores doc as a new document and returns its _id. System fields in
// doc are ignored.
func (c *Collection) Insert(ctx context.Context, doc types.Document) (int64, error) {
	if err := c.ready(ctx); err != nil {
		return 0, err
	}
	return c.insert(ctx, userFields(doc), 0)
}

// insert writes a row. A positive id is stored as the row's _id instead of
// the next automatic one.
func (c *Collection) insert(ctx context.Context, doc types.Document, id int64) (int64, error) {
	if err := c.fields.Ensure(ctx, doc); err != nil {
		return 0, err
	}

	names := doc.Keys()
	args := make([]any, 0, len(names)+1)
	for _, name := range names {
		args = append(args, c.serialize(name, doc[name]))
	}
	if id > 0 {
		names = append(names, types.FieldID)
		args = append(args, id)
	}

	var stmt string
	if len(names) == 0 {
		stmt = fmt.Sprintf(`INSERT INTO %s DEFAULT VALUES`, c.table)
	} else {
		stmt = fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`,
			c.table, engine.QuoteIdents(names), engine.Placeholders(len(names)))
	}

	res, err := c.db.eng.Exec(ctx, stmt, args...)
	if err != nil {
		return 0, c.execError("insert", err)
	}
	newID, err := res.LastInsertId()
	if err != nil {
		return 0, c.execError("insert", err)
	}
	return newID, nil
}

// Find returns the documents matching q. A nil or empty q matches every
// document. opts.OrderBy is passed to SQLite verbatim and must not come
// from untrusted input.
func (c *Collection) Find(ctx context.Context, q types.Document, opts *types.FindOptions) ([]types.Document, error) {
	if err := c.ready(ctx); err != nil {
		return nil, err
	}

	pred := c.compiler.Compile(q)
	var sb strings.Builder
	fmt.Fprintf(&sb, `SELECT * FROM %s WHERE %s`, c.table, pred.SQL)
	args := pred.Args

	if opts != nil {
		if opts.OrderBy != "" {
			sb.WriteString(" ORDER BY ")
			sb.WriteString(opts.OrderBy)
		}
		switch {
		case opts.Limit > 0:
			sb.WriteString(" LIMIT ?")
			args = append(args, opts.Limit)
		case opts.Offset > 0:
			sb.WriteString(" LIMIT -1")
		}
		if opts.Offset > 0 {
			sb.WriteString(" OFFSET ?")
			args = append(args, opts.Offset)
		}
	}

	rows, err := c.db.eng.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, c.execError("find", err)
	}
	defer rows.Close()
	return c.scan(rows)
}

// FindOne returns the first document matching q, or nil if none does.
func (c *Collection) FindOne(ctx context.Context, q types.Document) (types.Document, error) {
	docs, err := c.Find(ctx, q, &types.FindOptions{Limit: 1})
	if err != nil || len(docs) == 0 {
		return nil, err
	}
	return docs[0], nil
}

// FindByID returns the document with the given _id, or nil.
func (c *Collection) FindByID(ctx context.Context, id int64) (types.Document, error) {
	return c.FindOne(ctx, types.Document{types.FieldID: id})
}

// Update sets the fields of patch on every document matching q and returns
// the number of documents updated. All system fields in patch are ignored,
// not only _id: _createdAt never changes and _updatedAt is always set by the
// database. A patch with nothing else updates nothing.
func (c *Collection) Update(ctx context.Context, q, patch types.Document) (int64, error) {
	if err := c.ready(ctx); err != nil {
		return 0, err
	}

	set := userFields(patch)
	if err := c.fields.Ensure(ctx, set); err != nil {
		return 0, err
	}
	if len(set) == 0 {
		return 0, nil
	}

	names := set.Keys()
	assignments := make([]string, len(names))
	args := make([]any, 0, len(names))
	for i, name := range names {
		assignments[i] = engine.QuoteIdent(name) + " = ?"
		args = append(args, c.serialize(name, set[name]))
	}

	pred := c.compiler.Compile(q)
	args = append(args, pred.Args...)

	res, err := c.db.eng.Exec(ctx, fmt.Sprintf(`UPDATE %s SET %s WHERE %s`,
		c.table, strings.Join(assignments, ", "), pred.SQL), args...)
	if err != nil {
		return 0, c.execError("update", err)
	}
	return res.RowsAffected()
}

// UpdateByID applies patch to the document with the given _id and reports
// whether it exists.
func (c *Collection) UpdateByID(ctx context.Context, id int64, patch types.Document) (bool, error) {
	n, err := c.Update(ctx, types.Document{types.FieldID: id}, patch)
	return n > 0, err
}

// Delete removes every document matching q and returns how many were
// removed.
func (c *Collection) Delete(ctx context.Context, q types.Document) (int64, error) {
	if err := c.ready(ctx); err != nil {
		return 0, err
	}

	pred := c.compiler.Compile(q)
	res, err := c.db.eng.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE %s`, c.table, pred.SQL), pred.Args...)
	if err != nil {
		return 0, c.execError("delete", err)
	}
	return res.RowsAffected()
}

// DeleteByID removes the document with the given _id and reports whether it
// existed.
func (c *Collection) DeleteByID(ctx context.Context, id int64) (bool, error) {
	n, err := c.Delete(ctx, types.Document{types.FieldID: id})
	return n > 0, err
}

// Count returns the number of documents matching q.
func (c *Collection) Count(ctx context.Context, q types.Document) (int64, error) {
	if err := c.ready(ctx); err != nil {
		return 0, err
	}

	pred := c.compiler.Compile(q)
	var n int64
	err := c.db.eng.QueryRow(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE %s`, c.table, pred.SQL),
		pred.Args...).Scan(&n)
	if err != nil {
		return 0, c.execError("count", err)
	}
	return n, nil
}

// Upsert updates the document whose _id is doc["_id"] when it exists, and
// inserts doc otherwise. A positive _id is kept on insert. It returns the
// document's _id and whether it was inserted.
//
// Upsert runs in an immediate transaction unless one is already open, in
// which case it joins it.
func (c *Collection) Upsert(ctx context.Context, doc types.Document) (int64, bool, error) {
	if err := c.ready(ctx); err != nil {
		return 0, false, err
	}

	var (
		id       int64
		inserted bool
	)
	run := func(ctx context.Context) error {
		var err error
		id, inserted, err = c.upsert(ctx, doc)
		return err
	}

	var err error
	if c.db.InTransaction() {
		err = run(ctx)
	} else {
		err = c.db.ImmediateTransaction(ctx, run)
	}
	if err != nil {
		return 0, false, err
	}
	return id, inserted, nil
}

func (c *Collection) upsert(ctx context.Context, doc types.Document) (int64, bool, error) {
	id, ok := doc.ID()
	if !ok || id <= 0 {
		id = 0
	}

	if id > 0 {
		exists, err := c.exists(ctx, id)
		if err != nil {
			return 0, false, err
		}
		if exists {
			if _, err := c.Update(ctx, types.Document{types.FieldID: id}, doc); err != nil {
				return 0, false, err
			}
			return id, false, nil
		}
	}

	newID, err := c.insert(ctx, userFields(doc), id)
	if err != nil {
		return 0, false, err
	}
	return newID, true, nil
}

func (c *Collection) exists(ctx context.Context, id int64) (bool, error) {
	var one int
	err := c.db.eng.QueryRow(ctx, fmt.Sprintf(`SELECT 1 FROM %s WHERE %s = ?`,
		c.table, engine.QuoteIdent(types.FieldID)), id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, c.execError("lookup", err)
	}
	return true, nil
}

// CreateIndex creates a named index. Creating an index that already exists
// with the same definition is a no-op.
func (c *Collection) CreateIndex(ctx context.Context, def types.IndexDef) error {
	if err := c.ready(ctx); err != nil {
		return err
	}
	if err := c.indexes.Create(ctx, def); err != nil {
		return err
	}
	c.advisor.InvalidateCache()
	return nil
}

// DropIndex removes a named index. Dropping a missing index is a no-op.
func (c *Collection) DropIndex(ctx context.Context, name string) error {
	if err := c.ready(ctx); err != nil {
		return err
	}
	if err := c.indexes.Drop(ctx, name); err != nil {
		return err
	}
	c.advisor.InvalidateCache()
	return nil
}

// ListIndexes returns the collection's index definitions ordered by name.
// The automatic timestamp indexes are not included.
func (c *Collection) ListIndexes(ctx context.Context) ([]types.IndexDef, error) {
	if err := c.ready(ctx); err != nil {
		return nil, err
	}
	return c.indexes.List(ctx)
}

// Fields returns the registered field types, system fields included.
func (c *Collection) Fields() map[string]types.FieldType {
	return c.fields.Fields()
}

// SuggestIndexes returns indexes worth creating given recent queries.
func (c *Collection) SuggestIndexes(ctx context.Context) ([]IndexSuggestion, error) {
	if err := c.ready(ctx); err != nil {
		return nil, err
	}
	c.stats.Prune()
	return c.advisor.Suggest(ctx)
}

// Stats returns the collection's query statistics.
func (c *Collection) Stats() QueryStats {
	return c.stats.Snapshot()
}

func (c *Collection) serialize(field string, v any) any {
	if ft, ok := c.fields.Lookup(field); ok {
		return codec.Serialize(ft, v)
	}
	return codec.SerializeDetect(v)
}

// scan reads rows into documents. Null columns are left out.
func (c *Collection) scan(rows *sql.Rows) ([]types.Document, error) {
	docs := []types.Document{}
	err := c.scanEach(rows, func(doc types.Document) error {
		docs = append(docs, doc)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return docs, nil
}

// scanEach decodes rows one at a time and hands each document to fn.
func (c *Collection) scanEach(rows *sql.Rows, fn func(types.Document) error) error {
	cols, err := rows.Columns()
	if err != nil {
		return c.execError("scan", err)
	}

	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return c.execError("scan", err)
		}
		doc := make(types.Document, len(cols))
		for i, col := range cols {
			v := values[i]
			if v == nil {
				continue
			}
			if ft, ok := c.fields.Lookup(col); ok {
				doc[col] = codec.Deserialize(ft, v)
				continue
			}
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			doc[col] = v
		}
		if err := fn(doc); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return c.execError("scan", err)
	}
	return nil
}

func (c *Collection) execError(op string, err error) error {
	if engine.IsTransient(err) {
		return docerrors.NewEngineError(docerrors.CodeTransient,
			fmt.Sprintf("docstore: %s on %q failed", op, c.name), err)
	}
	return docerrors.NewEngineError(docerrors.CodeExecFailed,
		fmt.Sprintf("docstore: %s on %q failed", op, c.name), err)
}

// userFields returns doc without its system fields.
func userFields(doc types.Document) types.Document {
	out := make(types.Document, len(doc))
	for k, v := range doc {
		if !types.IsSystemField(k) {
			out[k] = v
		}
	}
	return out
}
