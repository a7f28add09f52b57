package index

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/arkilian/arkidoc/internal/config"
	"github.com/arkilian/arkidoc/internal/engine"
	docerrors "github.com/arkilian/arkidoc/internal/errors"
	"github.com/arkilian/arkidoc/internal/schema"
	"github.com/arkilian/arkidoc/pkg/types"
)

type fixture struct {
	eng     *engine.Engine
	types   *schema.Registry
	indexes *Registry
}

func newFixture(t *testing.T, collection string) *fixture {
	t.Helper()
	ctx := context.Background()

	cfg := config.DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "index.db")
	e, err := engine.Open(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("engine.Open failed: %v", err)
	}
	t.Cleanup(func() { e.Close() })

	tr := schema.NewRegistry(e, collection, nil)
	if err := tr.Bootstrap(ctx); err != nil {
		t.Fatal(err)
	}
	if err := tr.Load(ctx); err != nil {
		t.Fatal(err)
	}
	ir := NewRegistry(e, collection, tr, nil)
	if err := ir.Bootstrap(ctx); err != nil {
		t.Fatal(err)
	}
	tr.SetIndexRebuilder(ir)
	return &fixture{eng: e, types: tr, indexes: ir}
}

func (f *fixture) sqliteIndexes(t *testing.T, table string) []string {
	t.Helper()
	rows, err := f.eng.Query(context.Background(),
		`SELECT name FROM sqlite_master WHERE type = 'index' AND tbl_name = ? AND name NOT LIKE 'sqlite_%' ORDER BY name`, table)
	if err != nil {
		t.Fatal(err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			t.Fatal(err)
		}
		names = append(names, n)
	}
	return names
}

func TestRegistry_AutomaticIndexes(t *testing.T) {
	f := newFixture(t, "events")
	got := f.sqliteIndexes(t, "events")
	want := []string{"events__createdAt", "events__updatedAt"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("automatic indexes = %v, want %v", got, want)
	}

	defs, err := f.indexes.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(defs) != 0 {
		t.Errorf("automatic indexes must not be listed as user indexes, got %v", defs)
	}
}

func TestRegistry_CreateRegistersFieldsAsText(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "users")

	def := types.IndexDef{Name: "by_age", Fields: []string{"age", "city"}, Unique: false}
	if err := f.indexes.Create(ctx, def); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	for _, field := range def.Fields {
		ft, ok := f.types.Lookup(field)
		if !ok || ft != types.FieldText {
			t.Errorf("expected %s to be provisionally TEXT, got %s, %v", field, ft, ok)
		}
	}

	got, found, err := f.indexes.Get(ctx, "by_age")
	if err != nil || !found {
		t.Fatalf("Get failed: %v, found=%v", err, found)
	}
	if !reflect.DeepEqual(got, def) {
		t.Errorf("Get = %+v, want %+v", got, def)
	}

	names := f.sqliteIndexes(t, "users")
	if !contains(names, "users__by_age") {
		t.Errorf("backing index missing from %v", names)
	}
}

func TestRegistry_CreateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "users")

	def := types.IndexDef{Name: "by_email", Fields: []string{"email"}, Unique: true}
	for i := 0; i < 2; i++ {
		if err := f.indexes.Create(ctx, def); err != nil {
			t.Fatalf("Create #%d failed: %v", i, err)
		}
	}

	conflicting := types.IndexDef{Name: "by_email", Fields: []string{"name"}}
	err := f.indexes.Create(ctx, conflicting)
	if docerrors.GetCode(err) != docerrors.CodeInvalidIndex {
		t.Errorf("expected INVALID_INDEX for conflicting redefinition, got %v", err)
	}
}

func TestRegistry_CreateValidation(t *testing.T) {
	f := newFixture(t, "users")
	tests := []struct {
		name string
		def  types.IndexDef
	}{
		{"empty name", types.IndexDef{Fields: []string{"a"}}},
		{"bad name", types.IndexDef{Name: "has space", Fields: []string{"a"}}},
		{"reserved name", types.IndexDef{Name: "createdAt", Fields: []string{"a"}}},
		{"double underscore", types.IndexDef{Name: "b__email", Fields: []string{"a"}}},
		{"no fields", types.IndexDef{Name: "x"}},
		{"repeated field", types.IndexDef{Name: "x", Fields: []string{"a", "a"}}},
		{"empty field", types.IndexDef{Name: "x", Fields: []string{""}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.indexes.Create(context.Background(), tt.def)
			if docerrors.GetCategory(err) != docerrors.ErrCategoryValidation {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestRegistry_UniqueIndexEnforced(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "users")

	if err := f.indexes.Create(ctx, types.IndexDef{Name: "by_email", Fields: []string{"email"}, Unique: true}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.eng.Exec(ctx, `INSERT INTO "users" ("email") VALUES ('a@x')`); err != nil {
		t.Fatal(err)
	}
	_, err := f.eng.Exec(ctx, `INSERT INTO "users" ("email") VALUES ('a@x')`)
	if !engine.IsConstraint(err) {
		t.Errorf("expected constraint violation, got %v", err)
	}
}

func TestRegistry_CreateRejectsForeignBackingIndex(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "users")

	// Another table already owns the backing name users__by_email.
	if _, err := f.eng.Exec(ctx, `CREATE TABLE other (email)`); err != nil {
		t.Fatal(err)
	}
	if _, err := f.eng.Exec(ctx, `CREATE INDEX "users__by_email" ON other (email)`); err != nil {
		t.Fatal(err)
	}

	err := f.indexes.Create(ctx, types.IndexDef{Name: "by_email", Fields: []string{"email"}, Unique: true})
	if docerrors.GetCode(err) != docerrors.CodeIndexCreateFailed {
		t.Fatalf("expected INDEX_CREATE_FAILED, got %v", err)
	}
	if _, found, err := f.indexes.Get(ctx, "by_email"); err != nil || found {
		t.Errorf("index metadata must not be persisted: found=%v err=%v", found, err)
	}
}

func TestRegistry_Drop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "users")

	if err := f.indexes.Create(ctx, types.IndexDef{Name: "by_age", Fields: []string{"age"}}); err != nil {
		t.Fatal(err)
	}
	if err := f.indexes.Drop(ctx, "by_age"); err != nil {
		t.Fatalf("Drop failed: %v", err)
	}
	if err := f.indexes.Drop(ctx, "by_age"); err != nil {
		t.Errorf("second Drop should be a no-op, got %v", err)
	}
	if _, found, _ := f.indexes.Get(ctx, "by_age"); found {
		t.Error("index metadata still present after drop")
	}
	if contains(f.sqliteIndexes(t, "users"), "users__by_age") {
		t.Error("backing index still present after drop")
	}
}

func TestRegistry_FieldsAffectedBy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "users")

	for _, def := range []types.IndexDef{
		{Name: "a_only", Fields: []string{"a"}},
		{Name: "a_b", Fields: []string{"b", "a"}},
		{Name: "c_only", Fields: []string{"c"}},
	} {
		if err := f.indexes.Create(ctx, def); err != nil {
			t.Fatal(err)
		}
	}

	got, err := f.indexes.FieldsAffectedBy(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"a_b", "a_only"}; !reflect.DeepEqual(got, want) {
		t.Errorf("FieldsAffectedBy(a) = %v, want %v", got, want)
	}
	if got, _ := f.indexes.FieldsAffectedBy(ctx, "zzz"); len(got) != 0 {
		t.Errorf("expected no affected indexes, got %v", got)
	}
}

func TestRegistry_RebuildOrdering(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "users")

	if err := f.indexes.Create(ctx, types.IndexDef{Name: "by_age", Fields: []string{"age"}}); err != nil {
		t.Fatal(err)
	}

	var sawDuringPersist []string
	persist := func(ctx context.Context) error {
		sawDuringPersist = f.sqliteIndexes(t, "users")
		return nil
	}
	rebuilt, err := f.indexes.Rebuild(ctx, "age", persist)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(rebuilt, []string{"by_age"}) {
		t.Errorf("rebuilt = %v", rebuilt)
	}
	if contains(sawDuringPersist, "users__by_age") {
		t.Error("index must be dropped before the new type is persisted")
	}
	if !contains(f.sqliteIndexes(t, "users"), "users__by_age") {
		t.Error("index must be recreated after persist")
	}
}

func TestRegistry_PromotionRebuildsThroughTypeRegistry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "people")

	if err := f.indexes.Create(ctx, types.IndexDef{Name: "by_age", Fields: []string{"age"}}); err != nil {
		t.Fatal(err)
	}
	if err := f.types.Ensure(ctx, types.Document{"age": 25}); err != nil {
		t.Fatal(err)
	}
	if ft, _ := f.types.Lookup("age"); ft != types.FieldInteger {
		t.Fatalf("expected INTEGER after promotion, got %s", ft)
	}
	if _, err := f.eng.Exec(ctx, `INSERT INTO "people" ("age") VALUES (?)`, int64(25)); err != nil {
		t.Fatal(err)
	}

	var n int
	if err := f.eng.QueryRow(ctx, `SELECT COUNT(*) FROM "people" WHERE "age" >= ?`, int64(18)).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("numeric comparison after rebuild returned %d rows", n)
	}
	if !contains(f.sqliteIndexes(t, "people"), "people__by_age") {
		t.Error("index missing after promotion")
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
