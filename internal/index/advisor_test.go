package index

import (
	"context"
	"testing"
	"time"

	"github.com/arkilian/arkidoc/internal/observability"
	"github.com/arkilian/arkidoc/pkg/types"
)

type staticFields map[string]types.FieldType

func (s staticFields) Lookup(field string) (types.FieldType, bool) {
	ft, ok := s[field]
	return ft, ok
}

type staticIndexes []types.IndexDef

func (s staticIndexes) List(context.Context) ([]types.IndexDef, error) {
	return s, nil
}

func record(stats *observability.QueryStats, field string, n int) {
	for i := 0; i < n; i++ {
		stats.RecordPredicate(field, "=")
	}
}

func TestAdvisor_Suggest(t *testing.T) {
	stats := observability.NewQueryStats(time.Hour)
	record(stats, "age", 100)
	record(stats, "city", 60)
	record(stats, "name", 10)       // below threshold
	record(stats, "indexed", 200)   // already leads an index
	record(stats, "unknown", 300)   // never registered
	record(stats, "_createdAt", 90) // system field
	record(stats, "first name", 55)

	fields := staticFields{
		"age": types.FieldInteger, "city": types.FieldText, "name": types.FieldText,
		"indexed": types.FieldText, "first name": types.FieldText,
		"_createdAt": types.FieldDate,
	}
	indexes := staticIndexes{{Name: "by_indexed", Fields: []string{"indexed", "age"}}}

	a := NewAdvisor(stats, fields, indexes, 50, 5, nil)
	got, err := a.Suggest(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	wantFields := []string{"age", "city", "first name"}
	if len(got) != len(wantFields) {
		t.Fatalf("expected %d suggestions, got %+v", len(wantFields), got)
	}
	for i, want := range wantFields {
		if got[i].Field != want {
			t.Errorf("suggestion %d: expected %s, got %s", i, want, got[i].Field)
		}
	}
	if got[2].Index.Name != "auto_first_name" {
		t.Errorf("unexpected suggested name %q", got[2].Index.Name)
	}
	if err := Validate(got[0].Index); err != nil {
		t.Errorf("suggested index should be valid: %v", err)
	}
}

func TestAdvisor_MaxSuggestions(t *testing.T) {
	stats := observability.NewQueryStats(time.Hour)
	fields := staticFields{}
	for _, f := range []string{"a", "b", "c", "d"} {
		record(stats, f, 10)
		fields[f] = types.FieldText
	}

	a := NewAdvisor(stats, fields, staticIndexes{}, 5, 2, nil)
	got, err := a.Suggest(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Errorf("expected 2 suggestions, got %d", len(got))
	}
}

func TestAdvisor_CacheAndInvalidate(t *testing.T) {
	stats := observability.NewQueryStats(time.Hour)
	fields := staticFields{"a": types.FieldText}
	a := NewAdvisor(stats, fields, staticIndexes{}, 1, 5, nil)
	ctx := context.Background()

	first, _ := a.Suggest(ctx)
	if len(first) != 0 {
		t.Fatalf("expected no suggestions yet, got %v", first)
	}

	record(stats, "a", 3)
	cached, _ := a.Suggest(ctx)
	if len(cached) != 0 {
		t.Error("expected cached result")
	}
	if a.Metrics().CacheHits != 1 {
		t.Errorf("expected 1 cache hit, got %d", a.Metrics().CacheHits)
	}

	a.InvalidateCache()
	fresh, _ := a.Suggest(ctx)
	if len(fresh) != 1 {
		t.Errorf("expected 1 suggestion after invalidation, got %d", len(fresh))
	}
}

func TestAdvisor_SetThreshold(t *testing.T) {
	a := NewAdvisor(nil, staticFields{}, staticIndexes{}, 0, 0, nil)
	if a.Threshold() != 50 {
		t.Errorf("expected default threshold 50, got %d", a.Threshold())
	}
	a.SetThreshold(-1)
	if a.Threshold() != 50 {
		t.Error("non-positive threshold should be ignored")
	}
	a.SetThreshold(7)
	if a.Threshold() != 7 {
		t.Errorf("expected 7, got %d", a.Threshold())
	}
}
