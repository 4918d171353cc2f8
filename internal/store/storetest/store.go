// Package storetest provides an in-memory store.Store for tests.
//
// It understands exactly the statements issued by the store package:
// TRUNCATE, DELETE, INSERT, ALTER SEQUENCE and the owned-sequence lookup.
// Foreign keys are modelled at table granularity. Every table owns one
// identity sequence that advances on insert.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/JonMunkholm/seedloader/internal/store"
)

// Record is one stored row keyed by column name.
type Record map[string]pgtype.Text

// Store is a transactional in-memory database. The zero value is not usable;
// call New.
type Store struct {
	mu         sync.Mutex
	references map[string][]string // child -> parents
	tables     map[string][]Record
	seq        map[string]int64

	// FailBegin, when set, is returned by Begin.
	FailBegin error
	// FailCommit, when set, is returned by Commit and nothing is applied.
	FailCommit error
	// FailInsert is consulted for every inserted row.
	FailInsert func(table string, rec Record) error

	Begins     int
	Commits    int
	Rollbacks  int
	Closed     bool
	Statements []string
	Batches    []int
}

// New creates a store with the given tables and child -> parent references.
func New(tables []string, references map[string][]string) *Store {
	s := &Store{
		references: references,
		tables:     make(map[string][]Record, len(tables)),
		seq:        make(map[string]int64, len(tables)),
	}
	for _, t := range tables {
		s.tables[t] = nil
	}
	return s
}

// Seed inserts committed rows directly, bypassing transactions.
func (s *Store) Seed(table string, recs ...Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables[table] = append(s.tables[table], recs...)
	s.seq[table] += int64(len(recs))
}

// Rows returns the committed rows of table.
func (s *Store) Rows(table string) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.tables[table]...)
}

// Snapshot returns a copy of all committed tables.
func (s *Store) Snapshot() map[string][]Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyTables(s.tables)
}

// Sequence returns the committed identity counter of table.
func (s *Store) Sequence(table string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq[table]
}

// Begin opens a transaction over a private copy of the committed state.
func (s *Store) Begin(ctx context.Context) (store.Tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.FailBegin != nil {
		return nil, &store.StoreError{Op: "begin", Err: s.FailBegin}
	}
	s.Begins++
	seq := make(map[string]int64, len(s.seq))
	for k, v := range s.seq {
		seq[k] = v
	}
	return &Tx{s: s, tables: copyTables(s.tables), seq: seq}, nil
}

// Close marks the store closed.
func (s *Store) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Closed = true
	return nil
}

func (s *Store) record(sql string) {
	s.mu.Lock()
	s.Statements = append(s.Statements, sql)
	s.mu.Unlock()
}

func copyTables(src map[string][]Record) map[string][]Record {
	dst := make(map[string][]Record, len(src))
	for k, v := range src {
		dst[k] = append([]Record(nil), v...)
	}
	return dst
}

// Tx is an open transaction. After the first failed statement it behaves like
// an aborted PostgreSQL transaction and rejects everything but Rollback.
type Tx struct {
	s       *Store
	tables  map[string][]Record
	seq     map[string]int64
	closed  bool
	aborted bool
}

var errAborted = &pgconn.PgError{
	Severity: "ERROR",
	Code:     "25P02",
	Message:  "current transaction is aborted, commands ignored until end of transaction block",
}

// Exec runs one statement.
func (tx *Tx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if tx.closed {
		return pgconn.CommandTag{}, pgx.ErrTxClosed
	}
	if tx.aborted {
		return pgconn.CommandTag{}, errAborted
	}
	if err := ctx.Err(); err != nil {
		tx.aborted = true
		return pgconn.CommandTag{}, err
	}
	tx.s.record(sql)

	tag, err := tx.exec(sql, args)
	if err != nil {
		tx.aborted = true
	}
	return tag, err
}

func (tx *Tx) exec(sql string, args []any) (pgconn.CommandTag, error) {
	switch {
	case strings.HasPrefix(sql, "TRUNCATE TABLE "):
		return tx.truncate(sql)
	case strings.HasPrefix(sql, "DELETE FROM "):
		return tx.delete(sql)
	case strings.HasPrefix(sql, "INSERT INTO "):
		return tx.insert(sql, args)
	case strings.HasPrefix(sql, "ALTER SEQUENCE "):
		return tx.restartSequence(sql)
	default:
		return pgconn.CommandTag{}, fmt.Errorf("storetest: unsupported statement %q", sql)
	}
}

func (tx *Tx) truncate(sql string) (pgconn.CommandTag, error) {
	list := strings.TrimPrefix(sql, "TRUNCATE TABLE ")
	if i := strings.Index(list, " RESTART"); i >= 0 {
		list = list[:i]
	} else if i := strings.Index(list, " CASCADE"); i >= 0 {
		list = list[:i]
	}
	cascade := strings.HasSuffix(sql, " CASCADE")
	restart := strings.Contains(sql, " RESTART IDENTITY")

	targets := make(map[string]bool)
	for _, t := range identifiers(list) {
		if err := tx.exists(t); err != nil {
			return pgconn.CommandTag{}, err
		}
		targets[t] = true
	}

	for changed := true; changed; {
		changed = false
		for child, parents := range tx.s.references {
			if targets[child] {
				continue
			}
			for _, p := range parents {
				if !targets[p] {
					continue
				}
				if !cascade {
					return pgconn.CommandTag{}, &pgconn.PgError{
						Severity: "ERROR",
						Code:     "0A000",
						Message:  "cannot truncate a table referenced in a foreign key constraint",
						Detail:   fmt.Sprintf("Table %q references %q.", child, p),
					}
				}
				targets[child] = true
				changed = true
				break
			}
		}
	}

	for t := range targets {
		tx.tables[t] = nil
		if restart {
			tx.seq[t] = 0
		}
	}
	return pgconn.NewCommandTag("TRUNCATE TABLE"), nil
}

func (tx *Tx) delete(sql string) (pgconn.CommandTag, error) {
	ids := identifiers(sql)
	if len(ids) != 1 {
		return pgconn.CommandTag{}, fmt.Errorf("storetest: cannot parse %q", sql)
	}
	table := ids[0]
	if err := tx.exists(table); err != nil {
		return pgconn.CommandTag{}, err
	}

	for child, parents := range tx.s.references {
		if child == table || len(tx.tables[child]) == 0 {
			continue
		}
		for _, p := range parents {
			if p == table {
				return pgconn.CommandTag{}, &pgconn.PgError{
					Severity:  "ERROR",
					Code:      "23503",
					Message:   fmt.Sprintf("update or delete on table %q violates foreign key constraint on table %q", table, child),
					TableName: child,
				}
			}
		}
	}

	n := len(tx.tables[table])
	tx.tables[table] = nil
	return pgconn.NewCommandTag(fmt.Sprintf("DELETE %d", n)), nil
}

func (tx *Tx) insert(sql string, args []any) (pgconn.CommandTag, error) {
	open := strings.Index(sql, "(")
	closing := strings.Index(sql, ")")
	if open < 0 || closing < open {
		return pgconn.CommandTag{}, fmt.Errorf("storetest: cannot parse %q", sql)
	}
	head := identifiers(sql[:open])
	if len(head) != 1 {
		return pgconn.CommandTag{}, fmt.Errorf("storetest: cannot parse %q", sql)
	}
	table := head[0]
	if err := tx.exists(table); err != nil {
		return pgconn.CommandTag{}, err
	}

	columns := identifiers(sql[open:closing])
	if len(columns) != len(args) {
		return pgconn.CommandTag{}, &pgconn.PgError{
			Severity: "ERROR",
			Code:     "42601",
			Message:  fmt.Sprintf("INSERT has %d target columns but %d expressions", len(columns), len(args)),
		}
	}

	rec := make(Record, len(columns))
	for i, col := range columns {
		v, err := toText(args[i])
		if err != nil {
			return pgconn.CommandTag{}, err
		}
		rec[col] = v
	}

	if tx.s.FailInsert != nil {
		if err := tx.s.FailInsert(table, rec); err != nil {
			return pgconn.CommandTag{}, err
		}
	}

	tx.tables[table] = append(tx.tables[table], rec)
	tx.seq[table]++
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (tx *Tx) restartSequence(sql string) (pgconn.CommandTag, error) {
	name := strings.TrimSuffix(strings.TrimPrefix(sql, "ALTER SEQUENCE "), " RESTART")
	table := strings.TrimSuffix(strings.TrimPrefix(name, "public."), "_id_seq")
	if err := tx.exists(table); err != nil {
		return pgconn.CommandTag{}, err
	}
	tx.seq[table] = 0
	return pgconn.NewCommandTag("ALTER SEQUENCE"), nil
}

func (tx *Tx) exists(table string) error {
	if _, ok := tx.tables[table]; !ok {
		return &pgconn.PgError{
			Severity: "ERROR",
			Code:     "42P01",
			Message:  fmt.Sprintf("relation %q does not exist", table),
		}
	}
	return nil
}

// Query answers the owned-sequence lookup: every table owns
// public.<table>_id_seq.
func (tx *Tx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if tx.closed {
		return nil, pgx.ErrTxClosed
	}
	if tx.aborted {
		return nil, errAborted
	}
	if err := ctx.Err(); err != nil {
		tx.aborted = true
		return nil, err
	}
	if !strings.Contains(sql, "pg_depend") || len(args) != 1 {
		return nil, fmt.Errorf("storetest: unsupported query %q", sql)
	}
	tx.s.record(sql)

	name, _ := args[0].(string)
	ids := identifiers(name)
	if len(ids) != 1 {
		return nil, fmt.Errorf("storetest: bad regclass %q", name)
	}
	if err := tx.exists(ids[0]); err != nil {
		tx.aborted = true
		return nil, err
	}
	return &rows{values: []string{"public." + ids[0] + "_id_seq"}, idx: -1}, nil
}

// SendBatch executes queued statements lazily, one per BatchResults.Exec.
func (tx *Tx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults {
	tx.s.mu.Lock()
	tx.s.Batches = append(tx.s.Batches, b.Len())
	tx.s.mu.Unlock()
	return &batchResults{ctx: ctx, tx: tx, queries: b.QueuedQueries}
}

// Commit publishes the transaction's state.
func (tx *Tx) Commit(context.Context) error {
	if tx.closed {
		return pgx.ErrTxClosed
	}
	tx.closed = true
	if tx.aborted {
		tx.s.mu.Lock()
		tx.s.Rollbacks++
		tx.s.mu.Unlock()
		return pgx.ErrTxCommitRollback
	}

	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	if tx.s.FailCommit != nil {
		tx.s.Rollbacks++
		return tx.s.FailCommit
	}
	tx.s.tables = tx.tables
	tx.s.seq = tx.seq
	tx.s.Commits++
	return nil
}

// Rollback discards the transaction's state.
func (tx *Tx) Rollback(context.Context) error {
	if tx.closed {
		return pgx.ErrTxClosed
	}
	tx.closed = true
	tx.s.mu.Lock()
	tx.s.Rollbacks++
	tx.s.mu.Unlock()
	return nil
}

type batchResults struct {
	ctx     context.Context
	tx      *Tx
	queries []*pgx.QueuedQuery
	next    int
	closed  bool
}

func (br *batchResults) Exec() (pgconn.CommandTag, error) {
	if br.closed {
		return pgconn.CommandTag{}, errors.New("batch already closed")
	}
	if br.next >= len(br.queries) {
		return pgconn.CommandTag{}, errors.New("no more results in batch")
	}
	q := br.queries[br.next]
	br.next++
	return br.tx.Exec(br.ctx, q.SQL, q.Arguments...)
}

func (br *batchResults) Query() (pgx.Rows, error) {
	return nil, errors.New("storetest: batch queries not supported")
}

func (br *batchResults) QueryRow() pgx.Row {
	return errRow{errors.New("storetest: batch queries not supported")}
}

// Close drains the remaining statements as PostgreSQL would.
func (br *batchResults) Close() error {
	if br.closed {
		return nil
	}
	br.closed = true
	var first error
	for br.next < len(br.queries) {
		q := br.queries[br.next]
		br.next++
		if _, err := br.tx.Exec(br.ctx, q.SQL, q.Arguments...); err != nil && first == nil {
			first = err
		}
	}
	return first
}

type errRow struct{ err error }

func (r errRow) Scan(...any) error { return r.err }

// rows is a single-column text result set.
type rows struct {
	values []string
	idx    int
	closed bool
}

func (r *rows) Close()                                       { r.closed = true }
func (r *rows) Err() error                                   { return nil }
func (r *rows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT") }
func (r *rows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *rows) RawValues() [][]byte                          { return nil }
func (r *rows) Conn() *pgx.Conn                              { return nil }

func (r *rows) Next() bool {
	if r.closed || r.idx+1 >= len(r.values) {
		r.closed = true
		return false
	}
	r.idx++
	return true
}

func (r *rows) Scan(dest ...any) error {
	if len(dest) != 1 {
		return fmt.Errorf("storetest: expected 1 destination, got %d", len(dest))
	}
	p, ok := dest[0].(*string)
	if !ok {
		return fmt.Errorf("storetest: unsupported destination %T", dest[0])
	}
	*p = r.values[r.idx]
	return nil
}

func (r *rows) Values() ([]any, error) {
	return []any{r.values[r.idx]}, nil
}

var identRe = regexp.MustCompile(`"((?:[^"]|"")*)"`)

func identifiers(s string) []string {
	matches := identRe.FindAllStringSubmatch(s, -1)
	out := make([]string, len(matches))
	for i, m := range matches {
		out[i] = strings.ReplaceAll(m[1], `""`, `"`)
	}
	return out
}

func toText(arg any) (pgtype.Text, error) {
	switch v := arg.(type) {
	case pgtype.Text:
		return v, nil
	case string:
		return pgtype.Text{String: v, Valid: true}, nil
	case nil:
		return pgtype.Text{}, nil
	default:
		return pgtype.Text{}, fmt.Errorf("storetest: unsupported argument %T", arg)
	}
}
