// Package pipeline replaces the contents of every registered table inside one
// transaction.
//
// A run checks that every source file exists, opens a transaction, resets all
// tables in reverse dependency order, then reads and inserts each dataset in
// forward order. The run either commits as a whole or rolls back as a whole.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/JonMunkholm/seedloader/internal/csvrows"
	"github.com/JonMunkholm/seedloader/internal/dataset"
	"github.com/JonMunkholm/seedloader/internal/logging"
	"github.com/JonMunkholm/seedloader/internal/store"
)

// State indicates the current stage of a run.
type State string

const (
	StateIdle      State = "idle"
	StateConnected State = "connected"
	StateResetting State = "resetting"
	StateLoading   State = "loading"
	StateCommitted State = "committed"
	StateAborted   State = "aborted"
)

// Progress reports a finished table, or the end of the run when Done is set.
type Progress struct {
	Table string
	Rows  int64
	Index int // 0-based position in the registry
	Total int
	Done  bool
}

// ProgressFunc receives progress updates synchronously.
type ProgressFunc func(Progress)

// Options are the resolved settings for a run.
type Options struct {
	Registry  dataset.Registry // defaults to dataset.Default()
	DataDir   string
	BatchSize int // <= 0 uses store.DefaultBatchSize
	ResetMode store.ResetMode
	Observer  ProgressFunc
}

// TableResult summarizes one loaded table.
type TableResult struct {
	Table    string
	File     string
	Rows     int64
	Duration time.Duration
}

// Result summarizes a run. It is returned even when the run fails.
type Result struct {
	RunID    string
	Tables   []TableResult
	State    State
	Duration time.Duration
}

// TotalRows returns the number of rows inserted across all tables.
func (r *Result) TotalRows() int64 {
	var n int64
	for _, t := range r.Tables {
		n += t.Rows
	}
	return n
}

// Pipeline runs loads against a store. It is not safe for concurrent use.
type Pipeline struct {
	store store.Store
	opts  Options

	state State
	index int
}

// New creates a pipeline over an already connected store.
func New(s store.Store, opts Options) *Pipeline {
	if opts.Registry == nil {
		opts.Registry = dataset.Default()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = store.DefaultBatchSize
	}
	if opts.ResetMode == "" {
		opts.ResetMode = store.ResetCascade
	}
	return &Pipeline{store: s, opts: opts, state: StateIdle}
}

// State returns the current state and, while loading, the registry index of
// the dataset being loaded.
func (p *Pipeline) State() (State, int) {
	return p.state, p.index
}

// Run performs one complete load.
//
// Errors are returned unwrapped so callers can match them:
// *csvrows.MissingSourceError, *csvrows.MalformedRowError or *store.StoreError.
// Any failure after the transaction is opened rolls it back.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	res := &Result{RunID: uuid.NewString()}
	p.state, p.index = StateConnected, 0

	ctx = logging.WithRun(ctx, res.RunID)
	logger := logging.FromContext(ctx)

	finish := func(state State) {
		p.state = state
		res.State = state
		res.Duration = time.Since(start)
	}

	reg := p.opts.Registry
	if err := reg.Validate(); err != nil {
		finish(StateAborted)
		return res, fmt.Errorf("invalid registry: %w", err)
	}

	for _, d := range reg {
		if err := csvrows.CheckSource(d.Path(p.opts.DataDir)); err != nil {
			logger.Error("source check failed", "table", d.Table, "error", err)
			finish(StateAborted)
			return res, err
		}
	}

	tx, err := p.store.Begin(ctx)
	if err != nil {
		finish(StateAborted)
		return res, err
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		// rollback must still reach the server when ctx is canceled
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			logger.Error("rollback failed", "error", rbErr)
		}
	}()

	p.state = StateResetting
	if err := store.Reset(ctx, tx, reg.Reversed(), p.opts.ResetMode); err != nil {
		logger.Error("reset failed", "error", err)
		finish(StateAborted)
		return res, err
	}

	p.state = StateLoading
	for i, d := range reg {
		p.index = i
		tr, err := p.load(ctx, tx, d)
		if err != nil {
			logger.Error("load failed", "table", d.Table, "error", err)
			finish(StateAborted)
			return res, err
		}
		res.Tables = append(res.Tables, tr)

		logger.Info("table loaded", "table", d.Table, "rows", tr.Rows, "duration", tr.Duration)
		p.notify(Progress{Table: d.Table, Rows: tr.Rows, Index: i, Total: len(reg)})
	}

	if err := tx.Commit(ctx); err != nil {
		logger.Error("commit failed", "error", err)
		finish(StateAborted)
		return res, &store.StoreError{Op: "commit", Err: err}
	}
	committed = true

	finish(StateCommitted)
	logger.Info("load committed", "tables", len(res.Tables), "rows", res.TotalRows(), "duration", res.Duration)
	p.notify(Progress{Index: len(reg), Total: len(reg), Rows: res.TotalRows(), Done: true})

	return res, nil
}

// load reads one dataset and inserts it.
func (p *Pipeline) load(ctx context.Context, tx store.Tx, d dataset.Descriptor) (TableResult, error) {
	start := time.Now()
	tr := TableResult{Table: d.Table, File: d.File}

	ds, err := csvrows.ReadFile(d.Path(p.opts.DataDir))
	if err != nil {
		return tr, err
	}

	n, err := store.Insert(ctx, tx, d.Table, ds.Rows, p.opts.BatchSize)
	if err != nil {
		return tr, err
	}

	tr.Rows = n
	tr.Duration = time.Since(start)
	return tr, nil
}

func (p *Pipeline) notify(pr Progress) {
	if p.opts.Observer != nil {
		p.opts.Observer(pr)
	}
}
