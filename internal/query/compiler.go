// Package query compiles document queries into parameterized SQL predicates.
//
// A query is a document whose keys are field names or the combinators _or
// and _and. A field maps either to a scalar (equality) or to an operator
// object such as {"_gte": 18, "_lt": 65}. Fields the collection has never
// seen compile to a false predicate.
package query

import (
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"

	"github.com/arkilian/arkidoc/internal/codec"
	"github.com/arkilian/arkidoc/internal/engine"
	"github.com/arkilian/arkidoc/pkg/types"
)

const (
	sqlTrue  = "1"
	sqlFalse = "0"
)

// Operator names.
const (
	OpOr     = "_or"
	OpAnd    = "_and"
	OpNot    = "_not"
	OpGT     = "_gt"
	OpGTE    = "_gte"
	OpLT     = "_lt"
	OpLTE    = "_lte"
	OpNE     = "_ne"
	OpIn     = "_in"
	OpNotIn  = "_nin"
	OpExists = "_exists"
	OpRegex  = "_regex"
)

var comparisons = map[string]string{
	OpGT:  ">",
	OpGTE: ">=",
	OpLT:  "<",
	OpLTE: "<=",
	OpNE:  "!=",
}

// TypeLookup resolves a field's registered type.
type TypeLookup interface {
	Lookup(field string) (types.FieldType, bool)
}

// Recorder receives the fields and operators used by compiled queries.
type Recorder interface {
	RecordQuery()
	RecordPredicate(field, operator string)
}

// Predicate is a compiled WHERE clause. Args line up with the placeholders
// of SQL in order.
type Predicate struct {
	SQL  string
	Args []any
}

// Compiler compiles queries against one collection's type registry.
type Compiler struct {
	Types TypeLookup
	Stats Recorder
}

// Compile translates q into a predicate. A nil or empty query matches
// every row.
func (c *Compiler) Compile(q types.Document) Predicate {
	if c.Stats != nil {
		c.Stats.RecordQuery()
	}
	var args []any
	sql := c.compileDoc(q, &args)
	return Predicate{SQL: sql, Args: args}
}

func (c *Compiler) compileDoc(q map[string]any, args *[]any) string {
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	conds := make([]string, 0, len(keys))
	for _, key := range keys {
		value := q[key]
		switch key {
		case OpOr:
			conds = append(conds, c.compileCombinator(value, " OR ", args))
		case OpAnd:
			conds = append(conds, c.compileCombinator(value, " AND ", args))
		default:
			conds = append(conds, c.compileField(key, value, args))
		}
	}
	return conjoin(conds)
}

// compileCombinator renders a list of sub-queries joined by sep. Anything
// other than a non-empty list of documents is always true.
func (c *Compiler) compileCombinator(value any, sep string, args *[]any) string {
	items, ok := asList(value)
	if !ok {
		return sqlTrue
	}

	parts := make([]string, 0, len(items))
	for _, item := range items {
		sub, ok := asMap(item)
		if !ok {
			continue
		}
		parts = append(parts, c.compileDoc(sub, args))
	}
	if len(parts) == 0 {
		return sqlTrue
	}
	return "(" + strings.Join(parts, sep) + ")"
}

func (c *Compiler) compileField(field string, value any, args *[]any) string {
	ft, ok := c.Types.Lookup(field)
	if !ok {
		return sqlFalse
	}

	if ops, ok := operatorObject(value); ok {
		conds := c.compileOperators(field, ft, ops, args)
		if len(conds) == 0 {
			return sqlTrue
		}
		return conjoin(conds)
	}
	return c.compileEquality(field, ft, value, args)
}

func (c *Compiler) compileEquality(field string, ft types.FieldType, value any, args *[]any) string {
	col := engine.QuoteIdent(field)
	if value == nil {
		c.record(field, "IS NULL")
		return col + " IS NULL"
	}
	c.record(field, "=")
	*args = append(*args, codec.Serialize(ft, value))
	return col + " = ?"
}

// compileOperators returns one condition per recognized operator, in
// sorted operator order. Unknown operators and malformed operands
// contribute nothing.
func (c *Compiler) compileOperators(field string, ft types.FieldType, ops map[string]any, args *[]any) []string {
	col := engine.QuoteIdent(field)

	names := make([]string, 0, len(ops))
	for op := range ops {
		names = append(names, op)
	}
	sort.Strings(names)

	var conds []string
	for _, op := range names {
		operand := ops[op]
		switch op {
		case OpGT, OpGTE, OpLT, OpLTE, OpNE:
			c.record(field, op)
			if op == OpNE && operand == nil {
				conds = append(conds, col+" IS NOT NULL")
				continue
			}
			*args = append(*args, codec.Serialize(ft, operand))
			conds = append(conds, fmt.Sprintf("%s %s ?", col, comparisons[op]))

		case OpIn, OpNotIn:
			items, ok := asList(operand)
			if !ok {
				continue
			}
			c.record(field, op)
			if len(items) == 0 {
				if op == OpIn {
					conds = append(conds, sqlFalse)
				} else {
					conds = append(conds, sqlTrue)
				}
				continue
			}
			for _, item := range items {
				*args = append(*args, codec.Serialize(ft, item))
			}
			keyword := " IN "
			if op == OpNotIn {
				keyword = " NOT IN "
			}
			conds = append(conds, col+keyword+"("+engine.Placeholders(len(items))+")")

		case OpExists:
			exists, ok := operand.(bool)
			if !ok {
				continue
			}
			c.record(field, op)
			if exists {
				conds = append(conds, col+" IS NOT NULL")
			} else {
				conds = append(conds, col+" IS NULL")
			}

		case OpRegex:
			var pattern string
			switch p := operand.(type) {
			case string:
				pattern = p
			case *regexp.Regexp:
				pattern = p.String()
			default:
				continue
			}
			c.record(field, op)
			*args = append(*args, pattern)
			conds = append(conds, col+" REGEXP ?")

		case OpNot:
			var inner string
			if sub, ok := operatorObject(operand); ok {
				innerConds := c.compileOperators(field, ft, sub, args)
				if len(innerConds) == 0 {
					continue
				}
				inner = conjoin(innerConds)
			} else {
				inner = c.compileEquality(field, ft, operand, args)
			}
			c.record(field, op)
			// An unknown comparison (NULL field) counts as not matching, so
			// its negation matches.
			conds = append(conds, "NOT COALESCE("+inner+", 0)")
		}
	}
	return conds
}

func (c *Compiler) record(field, op string) {
	if c.Stats != nil {
		c.Stats.RecordPredicate(field, op)
	}
}

func conjoin(conds []string) string {
	switch len(conds) {
	case 0:
		return sqlTrue
	case 1:
		return conds[0]
	}
	return "(" + strings.Join(conds, " AND ") + ")"
}

// operatorObject reports whether v is a non-empty map whose keys are all
// operators.
func operatorObject(v any) (map[string]any, bool) {
	m, ok := asMap(v)
	if !ok || len(m) == 0 {
		return nil, false
	}
	for k := range m {
		if !strings.HasPrefix(k, "_") {
			return nil, false
		}
	}
	return m, true
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case types.Document:
		return m, true
	}
	return nil, false
}

// asList returns the elements of any slice or array except byte slices.
func asList(v any) ([]any, bool) {
	switch l := v.(type) {
	case nil:
		return nil, false
	case []any:
		return l, true
	case []byte:
		return nil, false
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}
