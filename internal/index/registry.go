// Package index manages the named secondary indexes of a collection and
// keeps them consistent when field types are promoted.
package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/arkilian/arkidoc/internal/engine"
	docerrors "github.com/arkilian/arkidoc/internal/errors"
	"github.com/arkilian/arkidoc/internal/logging"
	"github.com/arkilian/arkidoc/internal/schema"
	"github.com/arkilian/arkidoc/pkg/types"
)

// FieldEnsurer registers the fields an index refers to before the index is
// built. *schema.Registry implements it.
type FieldEnsurer interface {
	Ensure(ctx context.Context, doc types.Document) error
}

// reservedNames would collide with the automatic indexes and the
// _updatedAt trigger.
var reservedNames = map[string]bool{
	"createdAt":       true,
	"updatedAt":       true,
	"touch_updatedAt": true,
}

// Registry is the index registry of one collection.
type Registry struct {
	exec       engine.Executor
	collection string
	fields     FieldEnsurer
	logger     *zap.SugaredLogger
}

// NewRegistry creates the index registry for collection.
func NewRegistry(exec engine.Executor, collection string, fields FieldEnsurer, logger *zap.SugaredLogger) *Registry {
	return &Registry{
		exec:       exec,
		collection: collection,
		fields:     fields,
		logger:     logging.OrNop(logger),
	}
}

// BackingName returns the SQLite index name for a collection index.
func BackingName(collection, name string) string {
	return collection + "__" + name
}

// Bootstrap creates the index metadata table and the automatic
// _createdAt/_updatedAt indexes. It is idempotent.
func (r *Registry) Bootstrap(ctx context.Context) error {
	table := engine.QuoteIdent(r.collection)
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    index_name  TEXT PRIMARY KEY,
    field_names TEXT NOT NULL,
    is_unique   INTEGER NOT NULL DEFAULT 0
)`, engine.QuoteIdent(schema.IndexesTable(r.collection))),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (%s)`,
			engine.QuoteIdent(BackingName(r.collection, "createdAt")), table, engine.QuoteIdent(types.FieldCreatedAt)),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (%s)`,
			engine.QuoteIdent(BackingName(r.collection, "updatedAt")), table, engine.QuoteIdent(types.FieldUpdatedAt)),
	}
	for _, stmt := range stmts {
		if _, err := r.exec.ExecDDL(ctx, stmt); err != nil {
			return docerrors.NewSchemaError(docerrors.CodeBootstrapFailed,
				fmt.Sprintf("index: failed to bootstrap indexes for %q", r.collection), err)
		}
	}
	return nil
}

// Validate checks an index definition without touching the database.
func Validate(def types.IndexDef) error {
	if !schema.ValidateName(def.Name) || reservedNames[def.Name] || strings.Contains(def.Name, "__") {
		return docerrors.NewValidationError(docerrors.CodeInvalidIndex,
			fmt.Sprintf("index: invalid index name %q", def.Name))
	}
	if len(def.Fields) == 0 {
		return docerrors.NewValidationError(docerrors.CodeInvalidIndex,
			fmt.Sprintf("index: index %q has no fields", def.Name))
	}
	seen := make(map[string]bool, len(def.Fields))
	for _, f := range def.Fields {
		if f == "" || seen[f] {
			return docerrors.NewValidationError(docerrors.CodeInvalidIndex,
				fmt.Sprintf("index: index %q has an empty or repeated field", def.Name))
		}
		seen[f] = true
	}
	return nil
}

// Create registers the indexed fields, builds the index, and persists its
// definition. Creating an index that already exists with the same
// definition is a no-op.
func (r *Registry) Create(ctx context.Context, def types.IndexDef) error {
	if err := Validate(def); err != nil {
		return err
	}

	existing, found, err := r.Get(ctx, def.Name)
	if err != nil {
		return err
	}
	if found {
		if sameDefinition(existing, def) {
			return nil
		}
		return docerrors.NewValidationError(docerrors.CodeInvalidIndex,
			fmt.Sprintf("index: %q already exists with a different definition", def.Name))
	}

	placeholder := make(types.Document, len(def.Fields))
	for _, f := range def.Fields {
		placeholder[f] = ""
	}
	if err := r.fields.Ensure(ctx, placeholder); err != nil {
		return err
	}

	if err := r.build(ctx, def); err != nil {
		return err
	}

	fieldsJSON, err := json.Marshal(def.Fields)
	if err != nil {
		return docerrors.NewInternalError("index: failed to encode field list", err)
	}
	_, err = r.exec.Exec(ctx, fmt.Sprintf(
		`INSERT OR REPLACE INTO %s (index_name, field_names, is_unique) VALUES (?, ?, ?)`,
		engine.QuoteIdent(schema.IndexesTable(r.collection))),
		def.Name, string(fieldsJSON), boolToInt(def.Unique))
	if err != nil {
		return docerrors.NewSchemaError(docerrors.CodeIndexCreateFailed,
			fmt.Sprintf("index: failed to persist index %q", def.Name), err)
	}

	r.logger.Infow("index: created index", "collection", r.collection, "index", def.Name,
		"fields", def.Fields, "unique", def.Unique)
	return nil
}

// Drop removes an index and its definition. Dropping a missing index is a
// no-op.
func (r *Registry) Drop(ctx context.Context, name string) error {
	if err := r.dropBacking(ctx, name); err != nil {
		return err
	}
	_, err := r.exec.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE index_name = ?`,
		engine.QuoteIdent(schema.IndexesTable(r.collection))), name)
	if err != nil {
		return docerrors.NewSchemaError(docerrors.CodeIndexDropFailed,
			fmt.Sprintf("index: failed to delete metadata of %q", name), err)
	}
	r.logger.Infow("index: dropped index", "collection", r.collection, "index", name)
	return nil
}

// List returns every persisted index definition ordered by name.
func (r *Registry) List(ctx context.Context) ([]types.IndexDef, error) {
	rows, err := r.exec.Query(ctx, fmt.Sprintf(
		`SELECT index_name, field_names, is_unique FROM %s ORDER BY index_name`,
		engine.QuoteIdent(schema.IndexesTable(r.collection))))
	if err != nil {
		return nil, fmt.Errorf("index: failed to list indexes: %w", err)
	}
	defer rows.Close()

	var defs []types.IndexDef
	for rows.Next() {
		def, err := scanDef(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("index: failed to iterate indexes: %w", err)
	}
	return defs, nil
}

// Get returns the definition of a single index.
func (r *Registry) Get(ctx context.Context, name string) (types.IndexDef, bool, error) {
	defs, err := r.List(ctx)
	if err != nil {
		return types.IndexDef{}, false, err
	}
	for _, def := range defs {
		if def.Name == name {
			return def, true, nil
		}
	}
	return types.IndexDef{}, false, nil
}

// FieldsAffectedBy returns the names of the indexes whose field list
// contains field.
func (r *Registry) FieldsAffectedBy(ctx context.Context, field string) ([]string, error) {
	defs, err := r.affected(ctx, field)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(defs))
	for i, def := range defs {
		names[i] = def.Name
	}
	return names, nil
}

// Rebuild drops every index referencing field, runs persist, and recreates
// the indexes from their saved definitions. It returns the rebuilt names.
func (r *Registry) Rebuild(ctx context.Context, field string, persist func(context.Context) error) ([]string, error) {
	defs, err := r.affected(ctx, field)
	if err != nil {
		return nil, err
	}

	for _, def := range defs {
		if err := r.dropBacking(ctx, def.Name); err != nil {
			return nil, err
		}
	}

	persistErr := persist(ctx)

	// Recreate even when persist failed so the collection keeps its indexes.
	names := make([]string, 0, len(defs))
	for _, def := range defs {
		if err := r.build(ctx, def); err != nil {
			return names, err
		}
		names = append(names, def.Name)
	}
	if persistErr != nil {
		return names, persistErr
	}
	return names, nil
}

func (r *Registry) affected(ctx context.Context, field string) ([]types.IndexDef, error) {
	defs, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []types.IndexDef
	for _, def := range defs {
		if def.HasField(field) {
			out = append(out, def)
		}
	}
	return out, nil
}

func (r *Registry) build(ctx context.Context, def types.IndexDef) error {
	unique := ""
	if def.Unique {
		unique = "UNIQUE "
	}
	backing := BackingName(r.collection, def.Name)
	ddl := fmt.Sprintf(`CREATE %sINDEX IF NOT EXISTS %s ON %s (%s)`, unique,
		engine.QuoteIdent(backing),
		engine.QuoteIdent(r.collection), engine.QuoteIdents(def.Fields))
	if _, err := r.exec.ExecDDL(ctx, ddl); err != nil {
		return docerrors.NewSchemaError(docerrors.CodeIndexCreateFailed,
			fmt.Sprintf("index: failed to create index %q on %q", def.Name, r.collection), err)
	}
	return r.checkBacking(ctx, def.Name, backing)
}

// checkBacking confirms that the backing index exists on this collection's
// table. IF NOT EXISTS silently keeps an index of the same name that
// belongs to another table.
func (r *Registry) checkBacking(ctx context.Context, name, backing string) error {
	var table string
	err := r.exec.QueryRow(ctx,
		`SELECT tbl_name FROM sqlite_master WHERE type = 'index' AND name = ?`, backing).Scan(&table)
	if errors.Is(err, sql.ErrNoRows) {
		return docerrors.NewSchemaError(docerrors.CodeIndexCreateFailed,
			fmt.Sprintf("index: backing index of %q on %q is missing", name, r.collection), nil)
	}
	if err != nil {
		return docerrors.NewSchemaError(docerrors.CodeIndexCreateFailed,
			fmt.Sprintf("index: failed to verify index %q on %q", name, r.collection), err)
	}
	if !strings.EqualFold(table, r.collection) {
		return docerrors.NewSchemaError(docerrors.CodeIndexCreateFailed,
			fmt.Sprintf("index: backing name %q of index %q is taken by table %q", backing, name, table), nil)
	}
	return nil
}

func (r *Registry) dropBacking(ctx context.Context, name string) error {
	ddl := fmt.Sprintf(`DROP INDEX IF EXISTS %s`, engine.QuoteIdent(BackingName(r.collection, name)))
	if _, err := r.exec.ExecDDL(ctx, ddl); err != nil {
		return docerrors.NewSchemaError(docerrors.CodeIndexDropFailed,
			fmt.Sprintf("index: failed to drop index %q on %q", name, r.collection), err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDef(rows rowScanner) (types.IndexDef, error) {
	var (
		def        types.IndexDef
		fieldsJSON string
		unique     int64
	)
	if err := rows.Scan(&def.Name, &fieldsJSON, &unique); err != nil {
		return def, fmt.Errorf("index: failed to scan index row: %w", err)
	}
	if err := json.Unmarshal([]byte(fieldsJSON), &def.Fields); err != nil {
		return def, fmt.Errorf("index: corrupt field list for %q: %w", def.Name, err)
	}
	def.Unique = unique != 0
	return def, nil
}

func sameDefinition(a, b types.IndexDef) bool {
	if a.Unique != b.Unique || len(a.Fields) != len(b.Fields) {
		return false
	}
	for i := range a.Fields {
		if a.Fields[i] != b.Fields[i] {
			return false
		}
	}
	return true
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
