package storage

import (
	"context"
	"database/sql"

	"github.com/georgysavva/scany/v2/sqlscan"
)

// Execer is an interface for executing SQL statements
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// ExecQuerier combines both Execer and sqlscan.Querier interfaces
// for operations that need both SELECT and INSERT/UPDATE/DELETE capabilities
type ExecQuerier interface {
	Execer
	sqlscan.Querier
}

// Handle is a database or transaction that knows its SQL dialect. Queries
// are written with ? placeholders and rebound through it.
type Handle interface {
	ExecQuerier
	Dialect() Dialect
}

type txHandle struct {
	*sql.Tx
	dialect Dialect
}

func (t txHandle) Dialect() Dialect {
	return t.dialect
}

var (
	_ Handle = (*DB)(nil)
	_ Handle = txHandle{}
)
