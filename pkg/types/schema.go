package types

import (
	"fmt"
	"strings"
)

// FieldType is the tracked storage type of a field within a collection.
type FieldType int

const (
	// FieldText is also the provisional type of a field that has only been
	// touched by index creation or a null value.
	FieldText FieldType = iota
	FieldInteger
	FieldFloat
	FieldBoolean
	FieldJSON
	FieldDate
)

var fieldTypeNames = [...]string{
	FieldText:    "TEXT",
	FieldInteger: "INTEGER",
	FieldFloat:   "FLOAT",
	FieldBoolean: "BOOLEAN",
	FieldJSON:    "JSON",
	FieldDate:    "DATE",
}

// String returns the persisted name of the field type.
func (t FieldType) String() string {
	if t < 0 || int(t) >= len(fieldTypeNames) {
		return fmt.Sprintf("FieldType(%d)", int(t))
	}
	return fieldTypeNames[t]
}

// Valid reports whether t is one of the six known field types.
func (t FieldType) Valid() bool {
	return t >= FieldText && int(t) < len(fieldTypeNames)
}

// ParseFieldType parses a persisted field type name (case-insensitive).
func ParseFieldType(s string) (FieldType, error) {
	upper := strings.ToUpper(strings.TrimSpace(s))
	for i, name := range fieldTypeNames {
		if name == upper {
			return FieldType(i), nil
		}
	}
	return FieldText, fmt.Errorf("unknown field type %q", s)
}

// MarshalText implements encoding.TextMarshaler so field types serialize by name.
func (t FieldType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("invalid field type %d", int(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *FieldType) UnmarshalText(b []byte) error {
	parsed, err := ParseFieldType(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// IndexDef defines a named index on a collection.
type IndexDef struct {
	// Name is unique per collection
	Name string `json:"name" bson:"name"`

	// Fields lists the indexed fields in order
	Fields []string `json:"fields" bson:"fields"`

	// Unique indicates whether the index enforces uniqueness
	Unique bool `json:"unique" bson:"unique"`
}

// HasField reports whether field is part of the index.
func (d IndexDef) HasField(field string) bool {
	for _, f := range d.Fields {
		if f == field {
			return true
		}
	}
	return false
}

// FindOptions controls ordering and paging of Find results.
type FindOptions struct {
	// Limit caps the number of returned documents (0 = no limit)
	Limit int64

	// Offset skips the first N matching documents
	Offset int64

	// OrderBy is passed to the engine verbatim, e.g. `"price" DESC`.
	// It is never escaped and must not carry untrusted input.
	OrderBy string
}
