// Package store provides the data access layer for procura opportunities,
// connector checkpoints and run records.
//
// Every method runs against a DBTX so the same code serves plain reads on
// the pool and the writes a pipeline run makes inside its batch transaction.
package store

import (
	"context"
	"database/sql"
)

// DBTX is the subset of *sql.DB and *sql.Tx the store needs.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store wraps a database handle or an open transaction.
type Store struct {
	DB DBTX
}

// NewStore creates a Store from an already-opened database connection.
func NewStore(db DBTX) *Store {
	return &Store{DB: db}
}

// WithTx returns a Store bound to tx. Reads through it see the
// transaction's uncommitted writes.
func (s *Store) WithTx(tx *sql.Tx) *Store {
	return &Store{DB: tx}
}
