package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/JonMunkholm/seedloader/internal/csvrows"
	"github.com/JonMunkholm/seedloader/internal/logging"
	"github.com/jackc/pgx/v5"
)

// DefaultBatchSize is the number of rows sent per round-trip when the caller
// passes a non-positive batch size.
const DefaultBatchSize = 1000

// InsertSQL returns the parameterised INSERT statement for table and columns.
func InsertSQL(table string, columns []string) string {
	placeholders := make([]string, len(columns))
	for i := range columns {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdentifier(table),
		strings.Join(quoteColumns(columns), ", "),
		strings.Join(placeholders, ", "),
	)
}

// Insert writes rows into table and returns the number of rows inserted.
//
// The column set comes from the first row and every row must share it. Rows
// are queued into a pgx.Batch and sent batchSize at a time, so the number of
// round-trips is ceil(len(rows)/batchSize). The first failing row aborts the
// load with a *StoreError naming its source line. An empty rows slice is a
// no-op.
func Insert(ctx context.Context, db DBTX, table string, rows []csvrows.Row, batchSize int) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	columns := rows[0].Columns()
	sql := InsertSQL(table, columns)
	logger := logging.WithFields(ctx, "table", table)

	var (
		total   int64
		batches int
		start   = time.Now()
		pending = make([]csvrows.Row, 0, batchSize)
		batch   = &pgx.Batch{}
	)

	flush := func() error {
		if batch.Len() == 0 {
			return nil
		}
		n, err := sendBatch(ctx, db, table, batch, pending)
		total += n
		batches++
		batch = &pgx.Batch{}
		pending = pending[:0]
		if err != nil {
			return err
		}
		logger.Debug("batch flushed", "batch", batches, "inserted", n, "total", total)
		return nil
	}

	for _, row := range rows {
		if !row.SameColumns(columns) {
			return total, &StoreError{
				Op:    "insert",
				Table: table,
				Line:  row.Line(),
				Err:   fmt.Errorf("row columns %v do not match %v", row.Columns(), columns),
			}
		}

		batch.Queue(sql, row.Args()...)
		pending = append(pending, row)

		if batch.Len() >= batchSize {
			if err := flush(); err != nil {
				return total, err
			}
		}
	}
	if err := flush(); err != nil {
		return total, err
	}

	logger.Debug("table loaded", "rows", total, "batches", batches, "duration", time.Since(start))
	return total, nil
}

// sendBatch executes one batch and reads every result so that the failing row
// can be identified.
func sendBatch(ctx context.Context, db DBTX, table string, batch *pgx.Batch, rows []csvrows.Row) (int64, error) {
	br := db.SendBatch(ctx, batch)

	var inserted int64
	for i := 0; i < batch.Len(); i++ {
		tag, err := br.Exec()
		if err != nil {
			_ = br.Close()
			return inserted, &StoreError{Op: "insert", Table: table, Line: rows[i].Line(), Err: err}
		}
		inserted += tag.RowsAffected()
	}

	if err := br.Close(); err != nil {
		return inserted, &StoreError{Op: "insert", Table: table, Err: err}
	}
	return inserted, nil
}
