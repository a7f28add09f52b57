// Package codec converts document field values to and from the
// representation stored in SQLite, keyed by the field's registered type.
package codec

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"time"

	"github.com/arkilian/arkidoc/pkg/types"
)

// DateLayout is the storage format for Date fields. It matches SQLite's
// CURRENT_TIMESTAMP so system timestamps and user dates compare as text.
const DateLayout = "2006-01-02 15:04:05"

var (
	timeType     = reflect.TypeOf(time.Time{})
	byteSliceTyp = reflect.TypeOf([]byte(nil))
)

// Detect returns the field type implied by a Go value. It reports false for
// nil, which never forces a type decision.
func Detect(v any) (types.FieldType, bool) {
	switch t := v.(type) {
	case nil:
		return types.FieldText, false
	case bool:
		return types.FieldBoolean, true
	case string, []byte:
		return types.FieldText, true
	case time.Time:
		return types.FieldDate, true
	case *time.Time:
		if t == nil {
			return types.FieldText, false
		}
		return types.FieldDate, true
	case json.RawMessage:
		return types.FieldJSON, true
	case json.Number:
		if _, err := t.Int64(); err == nil {
			return types.FieldInteger, true
		}
		return types.FieldFloat, true
	}

	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return types.FieldText, false
		}
		rv = rv.Elem()
	}
	if rv.Type() == timeType {
		return types.FieldDate, true
	}

	switch rv.Kind() {
	case reflect.Bool:
		return types.FieldBoolean, true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return types.FieldInteger, true
	case reflect.Float32, reflect.Float64:
		return types.FieldFloat, true
	case reflect.String:
		return types.FieldText, true
	case reflect.Slice:
		if rv.Type() == byteSliceTyp {
			return types.FieldText, true
		}
		return types.FieldJSON, true
	case reflect.Map, reflect.Array, reflect.Struct:
		return types.FieldJSON, true
	default:
		return types.FieldText, true
	}
}

// Serialize converts v to its storage value under field type t.
// Nil is never coerced. A value whose Go type does not match t is coerced
// as far as t allows and otherwise stored in a driver-bindable form.
func Serialize(t types.FieldType, v any) any {
	if isNil(v) {
		return nil
	}

	switch t {
	case types.FieldBoolean:
		if truthy(v) {
			return int64(1)
		}
		return int64(0)
	case types.FieldJSON:
		return encodeJSON(v)
	case types.FieldDate:
		if tm, ok := asTime(v); ok {
			return FormatDate(tm)
		}
		return bindable(v)
	case types.FieldInteger:
		if n, ok := asNumber(v); ok {
			return n
		}
		return bindable(v)
	case types.FieldFloat:
		if n, ok := asNumber(v); ok {
			if i, isInt := n.(int64); isInt {
				return float64(i)
			}
			return n
		}
		return bindable(v)
	default:
		return bindable(v)
	}
}

// SerializeDetect serializes a value for a field with no registered type.
func SerializeDetect(v any) any {
	t, ok := Detect(v)
	if !ok {
		return nil
	}
	return Serialize(t, v)
}

// Deserialize converts a stored value back to its document form under
// field type t. Unparseable Json or Date text is returned raw.
func Deserialize(t types.FieldType, v any) any {
	if v == nil {
		return nil
	}
	if b, ok := v.([]byte); ok {
		v = string(b)
	}

	switch t {
	case types.FieldInteger:
		return v
	case types.FieldFloat:
		if i, ok := v.(int64); ok {
			return float64(i)
		}
		return v
	case types.FieldBoolean:
		switch n := v.(type) {
		case int64:
			return n != 0
		case float64:
			return n != 0
		case bool:
			return n
		}
		return v
	case types.FieldJSON:
		s, ok := v.(string)
		if !ok {
			return v
		}
		var out any
		if err := json.Unmarshal([]byte(s), &out); err != nil {
			return s
		}
		return out
	case types.FieldDate:
		switch d := v.(type) {
		case string:
			tm, err := ParseDate(d)
			if err != nil {
				return d
			}
			return tm
		case time.Time:
			return d.UTC()
		}
		return v
	default:
		return v
	}
}

// FormatDate renders t in UTC using DateLayout. Sub-second precision is
// dropped.
func FormatDate(t time.Time) string {
	return t.UTC().Format(DateLayout)
}

// ParseDate parses a DateLayout timestamp as UTC. RFC 3339 input is accepted
// as well so dates written by other tools still round trip.
func ParseDate(s string) (time.Time, error) {
	if tm, err := time.ParseInLocation(DateLayout, s, time.UTC); err == nil {
		return tm, nil
	}
	tm, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("codec: invalid date %q", s)
	}
	return tm.UTC(), nil
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		if b, err := strconv.ParseBool(t); err == nil {
			return b
		}
		return t != ""
	case []byte:
		return len(t) > 0
	}
	if n, ok := asNumber(v); ok {
		switch x := n.(type) {
		case int64:
			return x != 0
		case float64:
			return x != 0
		}
	}
	return true
}

// asNumber normalizes any Go numeric value to int64 or float64.
func asNumber(v any) (any, bool) {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i, true
		}
		if f, err := t.Float64(); err == nil {
			return f, true
		}
		return nil, false
	case bool:
		if t {
			return int64(1), true
		}
		return int64(0), true
	}

	rv := reflect.Indirect(reflect.ValueOf(v))
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u := rv.Uint()
		if u > math.MaxInt64 {
			return float64(u), true
		}
		return int64(u), true
	case reflect.Float32:
		// Round through the decimal form so 0.1f is stored as 0.1.
		f, _ := strconv.ParseFloat(strconv.FormatFloat(rv.Float(), 'g', -1, 32), 64)
		return f, true
	case reflect.Float64:
		return rv.Float(), true
	}
	return nil, false
}

func asTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, true
	}
	return time.Time{}, false
}

func encodeJSON(v any) any {
	switch t := v.(type) {
	case json.RawMessage:
		return string(t)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

// bindable returns v in a form database/sql can bind, falling back to the
// JSON text of composite values.
func bindable(v any) any {
	switch t := v.(type) {
	case string, int64, float64:
		return t
	case []byte:
		return string(t)
	case time.Time:
		return FormatDate(t)
	case *time.Time:
		return FormatDate(*t)
	}
	if n, ok := asNumber(v); ok {
		return n
	}
	if rv := reflect.Indirect(reflect.ValueOf(v)); rv.Kind() == reflect.String {
		return rv.String()
	}
	return encodeJSON(v)
}
