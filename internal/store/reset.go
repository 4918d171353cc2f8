package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/JonMunkholm/seedloader/internal/logging"
)

// ResetMode selects how the reset stage clears tables.
type ResetMode string

const (
	// ResetCascade clears every table with one TRUNCATE ... CASCADE statement.
	ResetCascade ResetMode = "cascade"

	// ResetSequential deletes table by table in the given order and restarts
	// each table's owned sequences. For stores without cascading truncate.
	ResetSequential ResetMode = "sequential"
)

// ParseResetMode converts a configuration string to a ResetMode.
func ParseResetMode(s string) (ResetMode, error) {
	switch ResetMode(strings.ToLower(strings.TrimSpace(s))) {
	case ResetCascade, "":
		return ResetCascade, nil
	case ResetSequential:
		return ResetSequential, nil
	default:
		return "", fmt.Errorf("unknown reset mode %q", s)
	}
}

// ownedSequencesSQL lists sequences owned by a table's columns, both serial
// ('a') and identity ('i') dependencies.
const ownedSequencesSQL = `
	SELECT quote_ident(n.nspname) || '.' || quote_ident(s.relname)
	FROM pg_class s
	JOIN pg_depend d ON d.objid = s.oid AND d.classid = 'pg_class'::regclass
	JOIN pg_namespace n ON n.oid = s.relnamespace
	WHERE s.relkind = 'S'
	  AND d.deptype IN ('a', 'i')
	  AND d.refobjid = $1::regclass
	ORDER BY 1`

// Reset clears every table and restarts its row-identity sequences.
//
// tables must already be in reverse dependency order, dependents first.
// Partial resets are never performed: either all tables are cleared or the
// error is returned and the caller rolls back.
func Reset(ctx context.Context, db DBTX, tables []string, mode ResetMode) error {
	if len(tables) == 0 {
		return nil
	}

	logger := logging.WithFields(ctx, "mode", string(mode), "tables", len(tables))
	start := time.Now()

	var err error
	switch mode {
	case ResetCascade, "":
		err = truncateCascade(ctx, db, tables)
	case ResetSequential:
		err = deleteSequential(ctx, db, tables)
	default:
		return &StoreError{Op: "reset", Err: fmt.Errorf("unknown reset mode %q", mode)}
	}
	if err != nil {
		return err
	}

	logger.Info("tables reset", "duration", time.Since(start))
	return nil
}

func truncateCascade(ctx context.Context, db DBTX, tables []string) error {
	sql := fmt.Sprintf("TRUNCATE TABLE %s RESTART IDENTITY CASCADE", strings.Join(quoteColumns(tables), ", "))
	if _, err := db.Exec(ctx, sql); err != nil {
		return &StoreError{Op: "reset", Err: err}
	}
	return nil
}

func deleteSequential(ctx context.Context, db DBTX, tables []string) error {
	logger := logging.FromContext(ctx)

	for _, table := range tables {
		tag, err := db.Exec(ctx, "DELETE FROM "+quoteIdentifier(table))
		if err != nil {
			return &StoreError{Op: "reset", Table: table, Err: err}
		}

		seqs, err := ownedSequences(ctx, db, table)
		if err != nil {
			return &StoreError{Op: "reset", Table: table, Err: err}
		}
		for _, seq := range seqs {
			if _, err := db.Exec(ctx, "ALTER SEQUENCE "+seq+" RESTART"); err != nil {
				return &StoreError{Op: "reset", Table: table, Err: err}
			}
		}

		logger.Debug("table cleared", "table", table, "rows", tag.RowsAffected(), "sequences", len(seqs))
	}
	return nil
}

// ownedSequences returns the already-quoted, schema-qualified names of the
// sequences owned by table.
func ownedSequences(ctx context.Context, db DBTX, table string) ([]string, error) {
	rows, err := db.Query(ctx, ownedSequencesSQL, quoteIdentifier(table))
	if err != nil {
		return nil, fmt.Errorf("list sequences: %w", err)
	}
	defer rows.Close()

	var seqs []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan sequence: %w", err)
		}
		seqs = append(seqs, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return seqs, nil
}
