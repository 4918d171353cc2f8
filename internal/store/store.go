// Package store runs the reset and load stages against PostgreSQL.
//
// Both stages operate on a caller-owned transaction so that the whole run
// commits or rolls back as one unit. The DBTX and Tx interfaces are satisfied
// by pgx.Tx; tests substitute an in-memory implementation.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is the interface for statements issued by the reset and load stages.
// Satisfied by pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Tx is a DBTX with a lifecycle.
type Tx interface {
	DBTX
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Store opens transactions on a single exclusively owned connection.
type Store interface {
	Begin(ctx context.Context) (Tx, error)
	Close(ctx context.Context) error
}

// StoreError wraps a failure reported by the database: connecting, resetting,
// inserting or committing. The underlying error is usually a *pgconn.PgError.
type StoreError struct {
	Op    string // connect, begin, reset, insert, commit
	Table string // empty when not table-specific
	Line  int    // source line of the failing row, 0 if not applicable
	Err   error
}

func (e *StoreError) Error() string {
	var b strings.Builder
	b.WriteString("store: ")
	b.WriteString(e.Op)
	if e.Table != "" {
		b.WriteString(" ")
		b.WriteString(e.Table)
	}
	if e.Line > 0 {
		fmt.Fprintf(&b, " (line %d)", e.Line)
	}
	b.WriteString(": ")
	b.WriteString(Diagnostic(e.Err))
	return b.String()
}

func (e *StoreError) Unwrap() error { return e.Err }

// Diagnostic renders err with the PostgreSQL detail and hint when available.
func Diagnostic(err error) string {
	if err == nil {
		return ""
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err.Error()
	}
	msg := pgErr.Error()
	if pgErr.Detail != "" {
		msg += ": " + pgErr.Detail
	}
	if pgErr.Hint != "" {
		msg += " (hint: " + pgErr.Hint + ")"
	}
	return msg
}

// connLike is the subset of *pgx.Conn used by PgStore.
type connLike interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// PgStore is a Store backed by one pgx connection.
type PgStore struct {
	conn connLike
}

// Connect opens a connection using a pgx connection string and verifies it.
func Connect(ctx context.Context, connString string) (*PgStore, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, &StoreError{Op: "connect", Err: err}
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close(ctx)
		return nil, &StoreError{Op: "connect", Err: err}
	}
	return &PgStore{conn: conn}, nil
}

// Begin starts the run's transaction.
func (s *PgStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return nil, &StoreError{Op: "begin", Err: err}
	}
	return tx, nil
}

// Close closes the underlying connection.
func (s *PgStore) Close(ctx context.Context) error {
	return s.conn.Close(ctx)
}

// quoteIdentifier quotes a SQL identifier to prevent injection.
func quoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// quoteColumns quotes each column name in the slice.
func quoteColumns(cols []string) []string {
	quoted := make([]string, len(cols))
	for i, col := range cols {
		quoted[i] = quoteIdentifier(col)
	}
	return quoted
}
