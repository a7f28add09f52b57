// Package observability tracks how collections are queried so the index
// advisor and the shell's stats command can report on it.
package observability

import (
	"sort"
	"sync"
	"time"
)

// QueryStats tracks per-field predicate frequency for one collection.
type QueryStats struct {
	mu        sync.RWMutex
	fieldFreq map[string]*FieldStats
	queries   int64
	window    time.Duration
}

// FieldStats holds statistics for a queried field.
type FieldStats struct {
	Field     string
	Frequency int64
	LastSeen  time.Time
	Operators map[string]int // operator -> count (e.g., "=" -> 5, "_in" -> 2)
}

// Summary is a point-in-time copy of a QueryStats.
type Summary struct {
	Queries int64
	Fields  []FieldStats
}

// NewQueryStats creates a new query statistics tracker.
// window: entries not seen for this long are dropped by Prune (0 keeps everything).
func NewQueryStats(window time.Duration) *QueryStats {
	return &QueryStats{
		fieldFreq: make(map[string]*FieldStats),
		window:    window,
	}
}

// RecordQuery counts one compiled query.
func (q *QueryStats) RecordQuery() {
	q.mu.Lock()
	q.queries++
	q.mu.Unlock()
}

// RecordPredicate records a predicate on field using operator.
// This method is O(1) and thread-safe.
func (q *QueryStats) RecordPredicate(field, operator string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats, exists := q.fieldFreq[field]
	if !exists {
		stats = &FieldStats{
			Field:     field,
			Operators: make(map[string]int),
		}
		q.fieldFreq[field] = stats
	}

	stats.Frequency++
	stats.LastSeen = time.Now()
	stats.Operators[operator]++
}

// Field returns the statistics for a single field.
func (q *QueryStats) Field(field string) (FieldStats, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	s, ok := q.fieldFreq[field]
	if !ok {
		return FieldStats{}, false
	}
	return s.clone(), true
}

// GetTopFields returns the top N fields by frequency, most frequent first.
// Ties are ordered by field name.
func (q *QueryStats) GetTopFields(n int) []FieldStats {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if n <= 0 || len(q.fieldFreq) == 0 {
		return []FieldStats{}
	}

	stats := q.sortedLocked()
	if n > len(stats) {
		n = len(stats)
	}
	return stats[:n]
}

// Snapshot returns a copy of every tracked field plus the query count.
func (q *QueryStats) Snapshot() Summary {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return Summary{Queries: q.queries, Fields: q.sortedLocked()}
}

func (q *QueryStats) sortedLocked() []FieldStats {
	stats := make([]FieldStats, 0, len(q.fieldFreq))
	for _, s := range q.fieldFreq {
		stats = append(stats, s.clone())
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Frequency != stats[j].Frequency {
			return stats[i].Frequency > stats[j].Frequency
		}
		return stats[i].Field < stats[j].Field
	})
	return stats
}

// Prune removes entries where time.Since(LastSeen) > window.
func (q *QueryStats) Prune() {
	if q.window <= 0 {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	threshold := time.Now().Add(-q.window)
	for field, stats := range q.fieldFreq {
		if stats.LastSeen.Before(threshold) {
			delete(q.fieldFreq, field)
		}
	}
}

// Reset clears all statistics.
func (q *QueryStats) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.fieldFreq = make(map[string]*FieldStats)
	q.queries = 0
}

func (s *FieldStats) clone() FieldStats {
	c := FieldStats{
		Field:     s.Field,
		Frequency: s.Frequency,
		LastSeen:  s.LastSeen,
		Operators: make(map[string]int, len(s.Operators)),
	}
	for op, count := range s.Operators {
		c.Operators[op] = count
	}
	return c
}
