package engine

import (
	"database/sql"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/mattn/go-sqlite3"
)

// DriverName is the database/sql driver registered by this package. It is the
// stock go-sqlite3 driver plus a REGEXP implementation.
const DriverName = "sqlite3_arkidoc"

var (
	registerOnce sync.Once
	patternCache sync.Map // pattern -> *regexp.Regexp
)

func registerDriver() {
	registerOnce.Do(func() {
		sql.Register(DriverName, &sqlite3.SQLiteDriver{
			ConnectHook: func(conn *sqlite3.SQLiteConn) error {
				return conn.RegisterFunc("regexp", regexpMatch, true)
			},
		})
	})
}

// regexpMatch backs `value REGEXP pattern`; SQLite calls it as
// regexp(pattern, value). Numbers are matched against their SQLite text
// form; NULL never matches.
func regexpMatch(pattern, value interface{}) (bool, error) {
	p, ok := asText(pattern)
	if !ok {
		return false, nil
	}
	s, ok := asText(value)
	if !ok {
		return false, nil
	}

	re, err := compilePattern(p)
	if err != nil {
		return false, err
	}
	return re.MatchString(s), nil
}

func compilePattern(p string) (*regexp.Regexp, error) {
	if cached, ok := patternCache.Load(p); ok {
		return cached.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(p)
	if err != nil {
		return nil, fmt.Errorf("invalid regular expression %q: %w", p, err)
	}
	patternCache.Store(p, re)
	return re, nil
}

func asText(v interface{}) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case []byte:
		// NULL arrives as a nil byte slice.
		if t == nil {
			return "", false
		}
		return string(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case float64:
		return formatReal(t), true
	case bool:
		if t {
			return "1", true
		}
		return "0", true
	default:
		return "", false
	}
}

// formatReal renders f the way SQLite casts a REAL to TEXT: 15 significant
// digits, always with a decimal point in the mantissa.
func formatReal(f float64) string {
	switch {
	case math.IsInf(f, 1):
		return "Inf"
	case math.IsInf(f, -1):
		return "-Inf"
	case math.IsNaN(f):
		return ""
	}
	s := strconv.FormatFloat(f, 'g', 15, 64)
	mant, exp, hasExp := strings.Cut(s, "e")
	if !strings.Contains(mant, ".") {
		mant += ".0"
	}
	if hasExp {
		return mant + "e" + exp
	}
	return mant
}
