package batch

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrSkipRow marks a row that needed no change. Sweeps count it as skipped.
var ErrSkipRow = errors.New("skip row")

// Report summarizes a sweep. Watermark is the key of the last row whose chunk
// was committed; a new run resumes after it.
type Report struct {
	Processed int
	Skipped   int
	Failed    int
	Watermark string
	Elapsed   time.Duration
	TestRun   bool
}

// Sweep drives one bulk loop through a Committer, one Increment per row.
// Row failures are counted and handed to the row error callback; committer
// failures end the sweep.
type Sweep[S Session] struct {
	committer  *Committer[S]
	report     Report
	pending    string
	onRowError func(ctx context.Context, watermark string, err error)
}

// StartSweep opens the committer and returns a sweep over it.
func StartSweep[S Session](ctx context.Context, committer *Committer[S], onRowError func(ctx context.Context, watermark string, err error)) (*Sweep[S], error) {
	if committer == nil {
		return nil, fmt.Errorf("%w: committer is nil", ErrInvalidConfig)
	}
	if err := committer.Open(ctx); err != nil {
		return nil, err
	}
	return &Sweep[S]{
		committer:  committer,
		report:     Report{TestRun: committer.IsTest()},
		onRowError: onRowError,
	}, nil
}

// Session returns the unit of work of the current chunk.
func (sweep *Sweep[S]) Session() (S, error) {
	return sweep.committer.Session()
}

// Report returns the tallies so far.
func (sweep *Sweep[S]) Report() Report {
	return sweep.report
}

// Row applies fn to one row and advances the committer. Only committer
// failures are returned.
func (sweep *Sweep[S]) Row(ctx context.Context, watermark string, fn func(ctx context.Context, session S) error) error {
	session, err := sweep.committer.Session()
	if err != nil {
		return err
	}
	rowErr := fn(ctx, session)
	switch {
	case rowErr == nil:
		sweep.report.Processed++
	case errors.Is(rowErr, ErrSkipRow):
		sweep.report.Skipped++
	default:
		sweep.report.Failed++
		if sweep.onRowError != nil {
			sweep.onRowError(ctx, watermark, rowErr)
		}
	}
	sweep.pending = watermark
	crossed, err := sweep.committer.Increment(ctx)
	if err != nil {
		return err
	}
	if crossed {
		sweep.report.Watermark = watermark
	}
	return nil
}

// Skip counts rows that were not visited one by one, such as a whole batch
// left alone. It does not advance the committer.
func (sweep *Sweep[S]) Skip(rows int) {
	sweep.report.Skipped += rows
}

// Finish closes the committer; on success the watermark moves to the last row.
func (sweep *Sweep[S]) Finish(ctx context.Context) (Report, error) {
	elapsed, err := sweep.committer.Close(ctx)
	sweep.report.Elapsed = elapsed
	if err == nil {
		sweep.report.Watermark = sweep.pending
	}
	return sweep.report, err
}

// Abort discards the open chunk; the watermark keeps pointing at the last committed row.
func (sweep *Sweep[S]) Abort(ctx context.Context, cause error) (Report, error) {
	if sweep.committer.IsOpen() {
		_ = sweep.committer.Rollback(ctx)
	}
	return sweep.report, cause
}

// Interrupt ends the sweep after ctx is done, keeping the rows already done.
func (sweep *Sweep[S]) Interrupt(ctx context.Context) (Report, error) {
	report, err := sweep.Finish(context.WithoutCancel(ctx))
	if err != nil {
		return report, err
	}
	return report, ctx.Err()
}
