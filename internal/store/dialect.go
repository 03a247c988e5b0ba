package store

import (
	"database/sql"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/mattn/go-sqlite3"
)

// Dialect identifies the SQL flavour behind a store.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// sqliteDriverName is the database/sql driver registered with the REGEXP function.
const sqliteDriverName = "sqlite3_chronostat"

var registerSQLiteOnce sync.Once

// registerSQLiteDriver registers a sqlite3 driver whose connections carry a
// deterministic regexp(pattern, value) function, which backs the REGEXP operator.
func registerSQLiteDriver() {
	registerSQLiteOnce.Do(func() {
		sql.Register(sqliteDriverName, &sqlite3.SQLiteDriver{
			ConnectHook: func(conn *sqlite3.SQLiteConn) error {
				return conn.RegisterFunc("regexp", regexpMatch, true)
			},
		})
	})
}

// compiled patterns, keyed by source
var patternCache sync.Map

// regexpMatch reports whether value contains a match of pattern.
// NULL values never match.
func regexpMatch(pattern string, value interface{}) (bool, error) {
	var s string
	switch v := value.(type) {
	case nil:
		return false, nil
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		return false, nil
	}

	re, err := compilePattern(pattern)
	if err != nil {
		return false, err
	}
	return re.MatchString(s), nil
}

func compilePattern(pattern string) (*regexp.Regexp, error) {
	if cached, ok := patternCache.Load(pattern); ok {
		return cached.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	patternCache.Store(pattern, re)
	return re, nil
}

// rebind rewrites ? placeholders for the dialect.
func (d Dialect) rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// regexOperator returns the infix operator for an unanchored regex match.
func (d Dialect) regexOperator() string {
	if d == DialectPostgres {
		return "~"
	}
	return "REGEXP"
}
