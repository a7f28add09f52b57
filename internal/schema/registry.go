// Package schema tracks the field types of each collection and keeps the
// backing table's columns in step with the documents written to it.
package schema

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/arkilian/arkidoc/internal/codec"
	"github.com/arkilian/arkidoc/internal/engine"
	docerrors "github.com/arkilian/arkidoc/internal/errors"
	"github.com/arkilian/arkidoc/internal/logging"
	"github.com/arkilian/arkidoc/pkg/types"
)

// IndexRebuilder rebuilds the indexes that reference a field whose type is
// being promoted. Implementations must drop every affected index, call
// persist, then recreate the indexes, in that order.
type IndexRebuilder interface {
	Rebuild(ctx context.Context, field string, persist func(context.Context) error) ([]string, error)
}

// builtinFields are registered for every collection without being persisted.
var builtinFields = map[string]types.FieldType{
	types.FieldID:        types.FieldInteger,
	types.FieldCreatedAt: types.FieldDate,
	types.FieldUpdatedAt: types.FieldDate,
}

// Registry is the type registry of one collection.
type Registry struct {
	exec       engine.Executor
	collection string
	logger     *zap.SugaredLogger

	mu        sync.RWMutex
	fields    map[string]types.FieldType
	rebuilder IndexRebuilder
}

// NewRegistry creates an empty registry for collection. Call Bootstrap and
// Load before use.
func NewRegistry(exec engine.Executor, collection string, logger *zap.SugaredLogger) *Registry {
	r := &Registry{
		exec:       exec,
		collection: collection,
		logger:     logging.OrNop(logger),
	}
	r.fields = r.builtins()
	return r
}

// SetIndexRebuilder installs the component notified on type promotion.
func (r *Registry) SetIndexRebuilder(rb IndexRebuilder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rebuilder = rb
}

// Collection returns the collection name.
func (r *Registry) Collection() string {
	return r.collection
}

// Bootstrap creates the collection table, its type metadata table, and the
// trigger that refreshes _updatedAt. It is idempotent.
func (r *Registry) Bootstrap(ctx context.Context) error {
	table := engine.QuoteIdent(r.collection)
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    %s INTEGER PRIMARY KEY AUTOINCREMENT,
    %s TEXT DEFAULT CURRENT_TIMESTAMP,
    %s TEXT DEFAULT CURRENT_TIMESTAMP
)`, table,
			engine.QuoteIdent(types.FieldID),
			engine.QuoteIdent(types.FieldCreatedAt),
			engine.QuoteIdent(types.FieldUpdatedAt)),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    field_name TEXT PRIMARY KEY,
    field_type TEXT NOT NULL
)`, engine.QuoteIdent(TypesTable(r.collection))),

		fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %s AFTER UPDATE ON %s FOR EACH ROW
BEGIN
    UPDATE %s SET %s = CURRENT_TIMESTAMP WHERE %s = NEW.%s;
END`, engine.QuoteIdent(r.collection+"__touch_updatedAt"), table, table,
			engine.QuoteIdent(types.FieldUpdatedAt),
			engine.QuoteIdent(types.FieldID), engine.QuoteIdent(types.FieldID)),
	}

	for _, stmt := range stmts {
		if _, err := r.exec.ExecDDL(ctx, stmt); err != nil {
			return docerrors.NewSchemaError(docerrors.CodeBootstrapFailed,
				fmt.Sprintf("schema: failed to bootstrap collection %q", r.collection), err)
		}
	}
	return nil
}

// Load replaces the in-memory registry with the persisted metadata.
func (r *Registry) Load(ctx context.Context) error {
	rows, err := r.exec.Query(ctx, fmt.Sprintf(
		`SELECT field_name, field_type FROM %s`, engine.QuoteIdent(TypesTable(r.collection))))
	if err != nil {
		return fmt.Errorf("schema: failed to load types for %q: %w", r.collection, err)
	}
	defer rows.Close()

	fields := r.builtins()
	for rows.Next() {
		var name, typeName string
		if err := rows.Scan(&name, &typeName); err != nil {
			return fmt.Errorf("schema: failed to scan type row: %w", err)
		}
		ft, err := types.ParseFieldType(typeName)
		if err != nil {
			r.logger.Warnw("schema: unknown persisted type, treating as TEXT",
				"collection", r.collection, "field", name, "type", typeName)
			ft = types.FieldText
		}
		fields[name] = ft
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("schema: failed to iterate types: %w", err)
	}

	r.mu.Lock()
	r.fields = fields
	r.mu.Unlock()
	return nil
}

// Lookup returns the registered type of a field.
func (r *Registry) Lookup(field string) (types.FieldType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ft, ok := r.fields[field]
	return ft, ok
}

// Fields returns a copy of the registry.
func (r *Registry) Fields() map[string]types.FieldType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]types.FieldType, len(r.fields))
	for k, v := range r.fields {
		out[k] = v
	}
	return out
}

// FieldNames returns the registered field names in sorted order.
func (r *Registry) FieldNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.fields))
	for k := range r.fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Ensure makes every field of doc resolvable to a backing column of a
// suitable type, registering new fields and promoting existing ones.
// Nil values register an unknown field as TEXT and never change a known one.
func (r *Registry) Ensure(ctx context.Context, doc types.Document) error {
	for _, name := range doc.Keys() {
		detected, ok := codec.Detect(doc[name])
		if !ok {
			if _, registered := r.Lookup(name); registered {
				continue
			}
			detected = types.FieldText
		}
		if err := r.ensureField(ctx, name, detected, true); err != nil {
			return err
		}
	}
	return nil
}

// Declare registers field with type ft, or promotes it to ft when the
// lattice allows. Other mismatches are left alone.
func (r *Registry) Declare(ctx context.Context, field string, ft types.FieldType) error {
	if !ft.Valid() {
		return docerrors.NewValidationError(docerrors.CodeInvalidName,
			fmt.Sprintf("schema: invalid type %d for field %q", ft, field))
	}
	return r.ensureField(ctx, field, ft, true)
}

func (r *Registry) ensureField(ctx context.Context, name string, detected types.FieldType, reloadOnRace bool) error {
	if name == "" {
		return docerrors.NewValidationError(docerrors.CodeInvalidName, "schema: field name must not be empty")
	}
	if types.IsSystemField(name) {
		return nil
	}

	current, registered := r.Lookup(name)
	if !registered {
		return r.register(ctx, name, detected, reloadOnRace)
	}
	if CanPromote(current, detected) {
		return r.promote(ctx, name, current, detected)
	}
	return nil
}

func (r *Registry) register(ctx context.Context, name string, ft types.FieldType, reloadOnRace bool) error {
	ddl := fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s%s`,
		engine.QuoteIdent(r.collection), engine.QuoteIdent(name), ColumnDecl(ft))

	if _, err := r.exec.ExecDDL(ctx, ddl); err != nil {
		if !engine.IsDuplicateColumn(err) || !reloadOnRace {
			return docerrors.NewSchemaError(docerrors.CodeColumnCreateFailed,
				fmt.Sprintf("schema: failed to add column %q to %q", name, r.collection), err)
		}

		// Another writer added the column first.
		r.logger.Infow("schema: column already exists, reloading registry",
			"collection", r.collection, "field", name)
		if err := r.Load(ctx); err != nil {
			return err
		}
		if _, ok := r.Lookup(name); ok {
			return r.ensureField(ctx, name, ft, false)
		}
		// The column exists but its type row has not been written yet.
	}

	if err := r.persistType(ctx, name, ft); err != nil {
		return err
	}

	r.mu.Lock()
	r.fields[name] = ft
	r.mu.Unlock()

	r.logger.Debugw("schema: added column", "collection", r.collection, "field", name, "type", ft.String())
	return nil
}

func (r *Registry) promote(ctx context.Context, name string, from, to types.FieldType) error {
	persist := func(ctx context.Context) error {
		if err := r.persistType(ctx, name, to); err != nil {
			return err
		}
		r.mu.Lock()
		r.fields[name] = to
		r.mu.Unlock()
		return nil
	}

	r.mu.RLock()
	rb := r.rebuilder
	r.mu.RUnlock()

	var rebuilt []string
	if rb == nil {
		if err := persist(ctx); err != nil {
			return err
		}
	} else {
		var err error
		if rebuilt, err = rb.Rebuild(ctx, name, persist); err != nil {
			return err
		}
	}

	r.logger.Infow("schema: promoted field",
		"collection", r.collection, "field", name,
		"from", from.String(), "to", to.String(), "rebuilt_indexes", rebuilt)
	return nil
}

func (r *Registry) persistType(ctx context.Context, name string, ft types.FieldType) error {
	_, err := r.exec.Exec(ctx, fmt.Sprintf(
		`INSERT OR REPLACE INTO %s (field_name, field_type) VALUES (?, ?)`,
		engine.QuoteIdent(TypesTable(r.collection))), name, ft.String())
	if err != nil {
		return docerrors.NewSchemaError(docerrors.CodeTypePersistFailed,
			fmt.Sprintf("schema: failed to persist type of %q.%q", r.collection, name), err)
	}
	return nil
}

func (r *Registry) builtins() map[string]types.FieldType {
	fields := make(map[string]types.FieldType, len(builtinFields))
	for k, v := range builtinFields {
		fields[k] = v
	}
	return fields
}

// CanPromote reports whether a field registered as from may be widened to to.
// TEXT is provisional and yields to any concrete type; INTEGER widens to FLOAT.
func CanPromote(from, to types.FieldType) bool {
	switch from {
	case types.FieldText:
		return to != types.FieldText && to.Valid()
	case types.FieldInteger:
		return to == types.FieldFloat
	default:
		return false
	}
}

// ColumnDecl returns the declared-type suffix used when adding a column.
// TEXT columns are declared without a type so that a later promotion stores
// values in their native storage class.
func ColumnDecl(ft types.FieldType) string {
	switch ft {
	case types.FieldInteger, types.FieldBoolean:
		return " INTEGER"
	case types.FieldFloat:
		return " REAL"
	case types.FieldJSON, types.FieldDate:
		return " TEXT"
	default:
		return ""
	}
}
