// Package housekeeping runs the periodic bulk sweeps of the ledger and the
// delivery queue.
package housekeeping

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/printledger/pkg/batch"
	"github.com/MarkoPoloResearchLab/printledger/pkg/ledger"
	"github.com/MarkoPoloResearchLab/printledger/pkg/outbox"
)

const (
	JobVoucherSweep = "voucher-sweep"
	JobHistoryPrune = "history-prune"
	JobOutboxPrune  = "outbox-prune"
)

// ErrInvalidJob is returned for a job that cannot be scheduled.
var ErrInvalidJob = errors.New("housekeeping: invalid job")

// RunFunc performs one sweep as of now.
type RunFunc func(ctx context.Context, now time.Time) (batch.Report, error)

// Job is one periodic sweep.
type Job struct {
	Name     string
	Interval time.Duration
	Run      RunFunc
}

// Scheduler runs every job on its own ticker until the context ends.
type Scheduler struct {
	jobs   []Job
	logger *zap.Logger
	now    func() time.Time
}

// NewScheduler validates jobs and returns a scheduler.
func NewScheduler(logger *zap.Logger, now func() time.Time, jobs ...Job) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	seen := make(map[string]struct{}, len(jobs))
	for _, job := range jobs {
		if job.Name == "" || job.Run == nil {
			return nil, fmt.Errorf("%w: name and run function are required", ErrInvalidJob)
		}
		if job.Interval <= 0 {
			return nil, fmt.Errorf("%w: %s interval must be positive", ErrInvalidJob, job.Name)
		}
		if _, duplicate := seen[job.Name]; duplicate {
			return nil, fmt.Errorf("%w: %s scheduled twice", ErrInvalidJob, job.Name)
		}
		seen[job.Name] = struct{}{}
	}
	return &Scheduler{jobs: jobs, logger: logger, now: now}, nil
}

// Jobs returns the names of the scheduled jobs.
func (scheduler *Scheduler) Jobs() []string {
	names := make([]string, 0, len(scheduler.jobs))
	for _, job := range scheduler.jobs {
		names = append(names, job.Name)
	}
	return names
}

// RunOnce runs every job a single time, in order, and joins their errors.
func (scheduler *Scheduler) RunOnce(ctx context.Context) error {
	var errs []error
	for _, job := range scheduler.jobs {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if err := scheduler.runJob(ctx, job); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", job.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Run blocks until ctx is done. Job failures are logged and the job runs
// again at its next tick.
func (scheduler *Scheduler) Run(ctx context.Context) {
	var group sync.WaitGroup
	for _, job := range scheduler.jobs {
		group.Add(1)
		go func(job Job) {
			defer group.Done()
			ticker := time.NewTicker(job.Interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					_ = scheduler.runJob(ctx, job)
				}
			}
		}(job)
	}
	group.Wait()
}

func (scheduler *Scheduler) runJob(ctx context.Context, job Job) error {
	report, err := job.Run(ctx, scheduler.now())
	fields := []zap.Field{
		zap.String("job", job.Name),
		zap.Int("processed", report.Processed),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
		zap.String("watermark", report.Watermark),
		zap.Duration("elapsed", report.Elapsed),
	}
	if err != nil {
		scheduler.logger.Warn("housekeeping job failed", append(fields, zap.Error(err))...)
		return err
	}
	scheduler.logger.Info("housekeeping job finished", fields...)
	return nil
}

// CommitSettings configures the committer built for every sweep run.
type CommitSettings struct {
	Threshold int
	Logger    *zap.Logger
}

func (settings CommitSettings) options(name string) []batch.Option {
	options := []batch.Option{batch.WithName(name), batch.WithLogger(settings.Logger)}
	if settings.Threshold > 0 {
		options = append(options, batch.WithThreshold(settings.Threshold))
	}
	return options
}

// VoucherSweep deletes unredeemed vouchers that expired before each run.
func VoucherSweep(service *ledger.Service, open batch.Opener[ledger.BulkSession], interval time.Duration, settings CommitSettings) Job {
	return Job{
		Name:     JobVoucherSweep,
		Interval: interval,
		Run: func(ctx context.Context, now time.Time) (batch.Report, error) {
			committer, err := batch.NewCommitter(open, settings.options(JobVoucherSweep)...)
			if err != nil {
				return batch.Report{}, err
			}
			return service.SweepExpiredVouchers(ctx, now, committer)
		},
	}
}

// HistoryPrune deletes transactions older than retention.
func HistoryPrune(service *ledger.Service, open batch.Opener[ledger.BulkSession], retention time.Duration, interval time.Duration, settings CommitSettings) Job {
	return Job{
		Name:     JobHistoryPrune,
		Interval: interval,
		Run: func(ctx context.Context, now time.Time) (batch.Report, error) {
			if retention <= 0 {
				return batch.Report{}, fmt.Errorf("%w: retention must be positive", ErrInvalidJob)
			}
			committer, err := batch.NewCommitter(open, settings.options(JobHistoryPrune)...)
			if err != nil {
				return batch.Report{}, err
			}
			return service.PruneHistory(ctx, now.Add(-retention), committer)
		},
	}
}

// OutboxPrune deletes expired PENDING jobs of every user.
func OutboxPrune(service *outbox.Service, open batch.Opener[outbox.BulkSession], interval time.Duration, settings CommitSettings) Job {
	return Job{
		Name:     JobOutboxPrune,
		Interval: interval,
		Run: func(ctx context.Context, now time.Time) (batch.Report, error) {
			committer, err := batch.NewCommitter(open, settings.options(JobOutboxPrune)...)
			if err != nil {
				return batch.Report{}, err
			}
			report, err := service.Prune(ctx, outbox.PruneScope{}, now, committer)
			return report.Report, err
		},
	}
}
