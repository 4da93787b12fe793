package ledger

import (
	"context"

	"github.com/MarkoPoloResearchLab/printledger/pkg/batch"
)

// SweepReport summarizes a bulk ledger operation.
type SweepReport = batch.Report

var errSkipRow = batch.ErrSkipRow

// bulkRun ties a batch sweep to the operation log. Each row runs inside
// session.WithTx, so a failing row is rolled back alone and counted.
type bulkRun struct {
	service   *Service
	operation string
	sweep     *batch.Sweep[BulkSession]
}

func (service *Service) startBulk(ctx context.Context, operation string, committer *batch.Committer[BulkSession]) (*bulkRun, error) {
	if committer == nil {
		return nil, WrapError(operation, "committer", "missing", ErrInvalidServiceConfig)
	}
	run := &bulkRun{service: service, operation: operation}
	sweep, err := batch.StartSweep(ctx, committer, run.logRowError)
	if err != nil {
		return nil, err
	}
	run.sweep = sweep
	return run, nil
}

func (run *bulkRun) logRowError(ctx context.Context, _ string, err error) {
	run.service.logOperation(ctx, OperationLog{Operation: run.operation, Error: err})
}

func (run *bulkRun) session() (BulkSession, error) {
	return run.sweep.Session()
}

func (run *bulkRun) row(ctx context.Context, watermark string, fn func(ctx context.Context, txStore Store) error) error {
	return run.sweep.Row(ctx, watermark, func(ctx context.Context, session BulkSession) error {
		return session.WithTx(ctx, fn)
	})
}

func (run *bulkRun) failed() int {
	return run.sweep.Report().Failed
}

func (run *bulkRun) finish(ctx context.Context) (SweepReport, error) {
	report, err := run.sweep.Finish(ctx)
	run.service.logOperation(ctx, OperationLog{Operation: run.operation, Error: err})
	return report, err
}

func (run *bulkRun) abort(ctx context.Context, cause error) (SweepReport, error) {
	run.service.logOperation(ctx, OperationLog{Operation: run.operation, Error: cause})
	return run.sweep.Abort(ctx, cause)
}

func (run *bulkRun) interrupt(ctx context.Context) (SweepReport, error) {
	report, err := run.sweep.Interrupt(ctx)
	run.service.logOperation(ctx, OperationLog{Operation: run.operation, Error: err})
	return report, err
}
