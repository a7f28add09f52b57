package index

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/arkilian/arkidoc/internal/logging"
	"github.com/arkilian/arkidoc/internal/observability"
	"github.com/arkilian/arkidoc/pkg/types"
)

// FieldLookup resolves a field's registered type.
type FieldLookup interface {
	Lookup(field string) (types.FieldType, bool)
}

// IndexLister lists a collection's persisted indexes.
type IndexLister interface {
	List(ctx context.Context) ([]types.IndexDef, error)
}

// Suggestion is an index the advisor recommends creating.
type Suggestion struct {
	Index     types.IndexDef
	Field     string
	Frequency int64
	Operators map[string]int
}

// AdvisorMetrics holds advisor statistics.
type AdvisorMetrics struct {
	Calls               int64
	SuggestionsReturned int64
	CacheHits           int64
}

// Advisor recommends single-field indexes for frequently queried fields that
// no existing index leads with.
type Advisor struct {
	stats          *observability.QueryStats
	fields         FieldLookup
	indexes        IndexLister
	threshold      int64
	maxSuggestions int
	logger         *zap.SugaredLogger

	mu         sync.RWMutex
	metrics    AdvisorMetrics
	cache      []Suggestion
	cacheUntil time.Time
	cacheTTL   time.Duration
}

// NewAdvisor creates a new advisor.
// threshold: minimum number of predicates on a field before it is suggested.
// maxSuggestions: maximum number of suggestions returned.
func NewAdvisor(stats *observability.QueryStats, fields FieldLookup, indexes IndexLister,
	threshold int64, maxSuggestions int, logger *zap.SugaredLogger) *Advisor {
	if threshold <= 0 {
		threshold = 50
	}
	if maxSuggestions <= 0 {
		maxSuggestions = 5
	}
	return &Advisor{
		stats:          stats,
		fields:         fields,
		indexes:        indexes,
		threshold:      threshold,
		maxSuggestions: maxSuggestions,
		logger:         logging.OrNop(logger),
		cacheTTL:       30 * time.Second,
	}
}

// Metrics returns current advisor metrics.
func (a *Advisor) Metrics() AdvisorMetrics {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.metrics
}

// Suggest returns the current index suggestions. Results are cached for a
// short period; index changes should call InvalidateCache.
func (a *Advisor) Suggest(ctx context.Context) ([]Suggestion, error) {
	a.mu.Lock()
	a.metrics.Calls++
	if a.cache != nil && time.Now().Before(a.cacheUntil) {
		a.metrics.CacheHits++
		result := a.cache
		a.mu.Unlock()
		return result, nil
	}
	threshold := a.threshold
	a.mu.Unlock()

	defs, err := a.indexes.List(ctx)
	if err != nil {
		return nil, err
	}
	leading := make(map[string]bool, len(defs))
	for _, def := range defs {
		if len(def.Fields) > 0 {
			leading[def.Fields[0]] = true
		}
	}

	suggestions := []Suggestion{}
	if a.stats != nil {
		// Get extra to account for filtering.
		for _, fs := range a.stats.GetTopFields(a.maxSuggestions * 4) {
			if len(suggestions) >= a.maxSuggestions {
				break
			}
			if fs.Frequency < threshold || leading[fs.Field] || types.IsSystemField(fs.Field) {
				continue
			}
			if _, ok := a.fields.Lookup(fs.Field); !ok {
				continue
			}
			suggestions = append(suggestions, Suggestion{
				Index:     types.IndexDef{Name: SuggestedName(fs.Field), Fields: []string{fs.Field}},
				Field:     fs.Field,
				Frequency: fs.Frequency,
				Operators: fs.Operators,
			})
		}
	}

	a.mu.Lock()
	a.cache = suggestions
	a.cacheUntil = time.Now().Add(a.cacheTTL)
	a.metrics.SuggestionsReturned += int64(len(suggestions))
	a.mu.Unlock()

	a.logger.Debugw("index: computed suggestions", "count", len(suggestions), "threshold", threshold)
	return suggestions, nil
}

// InvalidateCache clears the cached result.
func (a *Advisor) InvalidateCache() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cache = nil
}

// SetThreshold updates the suggestion threshold.
func (a *Advisor) SetThreshold(threshold int64) {
	if threshold <= 0 {
		return
	}
	a.mu.Lock()
	a.threshold = threshold
	a.cache = nil
	a.mu.Unlock()
}

// Threshold returns the current suggestion threshold.
func (a *Advisor) Threshold() int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.threshold
}

// SuggestedName derives a valid index name from a field name.
// "age" -> "auto_age", "first name" -> "auto_first_name"
func SuggestedName(field string) string {
	var b strings.Builder
	b.WriteString("auto_")
	for i := 0; i < len(field); i++ {
		c := field[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' {
			b.WriteByte(c)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}
