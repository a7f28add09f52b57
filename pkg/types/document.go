// Package types provides the core data types shared by arkidoc packages.
package types

import (
	"encoding/json"
	"sort"
)

// System-managed fields present on every stored document.
const (
	FieldID        = "_id"
	FieldCreatedAt = "_createdAt"
	FieldUpdatedAt = "_updatedAt"
)

// Document is a schema-less mapping from field name to value.
//
// Values may be nil, any Go integer or float, bool, string, time.Time, or a
// nested JSON-like structure (maps, slices).
type Document map[string]any

// Keys returns the document's field names in sorted order.
func (d Document) Keys() []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a shallow copy of the document.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	cp := make(Document, len(d))
	for k, v := range d {
		cp[k] = v
	}
	return cp
}

// ID returns the document's _id as an int64 when present and integral.
func (d Document) ID() (int64, bool) {
	switch v := d[FieldID].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case float64:
		if v == float64(int64(v)) {
			return int64(v), true
		}
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n, true
		}
	}
	return 0, false
}

// IsSystemField reports whether name is one of the system-managed fields.
func IsSystemField(name string) bool {
	return name == FieldID || name == FieldCreatedAt || name == FieldUpdatedAt
}
