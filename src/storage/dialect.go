package storage

import (
	"database/sql"
	"strconv"
	"strings"
)

// Dialect papers over the SQL differences between the supported drivers
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

// Rebind rewrites ? placeholders into the driver's form
func (d Dialect) Rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inString := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inString = !inString
			b.WriteByte(c)
		case c == '?' && !inString:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// ForUpdate is the row-lock suffix. SQLite takes the database write lock at
// BEGIN IMMEDIATE instead.
func (d Dialect) ForUpdate() string {
	if d == DialectPostgres {
		return " FOR UPDATE"
	}
	return ""
}

// TxOptions returns options for the requested isolation. SQLite only offers
// serialized transactions and rejects explicit levels.
func (d Dialect) TxOptions(level sql.IsolationLevel) *sql.TxOptions {
	if d != DialectPostgres {
		return nil
	}
	return &sql.TxOptions{Isolation: level}
}
