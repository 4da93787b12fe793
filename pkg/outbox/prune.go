package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/printledger/pkg/batch"
	"github.com/MarkoPoloResearchLab/printledger/pkg/ledger"
)

// PruneScope limits Prune to one user. An empty UserID prunes every user.
type PruneScope struct {
	UserID string
}

// PruneReport summarizes a prune run. Users with a fresh preview are listed in
// SkippedUsers and their pending jobs are returned unchanged in Untouched.
type PruneReport struct {
	batch.Report
	SkippedUsers []string
	Untouched    []Job
}

// Prune deletes PENDING jobs that expired before referenceTime, one committer
// increment per job. A user who previewed the queue after
// referenceTime - expiry window keeps every job. Cancellation is checked
// between users; the committer is closed before returning.
func (service *Service) Prune(ctx context.Context, scope PruneScope, referenceTime time.Time, committer *batch.Committer[BulkSession]) (PruneReport, error) {
	report, err := service.prune(ctx, scope, referenceTime.UTC(), committer)
	service.logOperation(ctx, OperationLog{Operation: operationPrune, UserID: scope.UserID, Error: err})
	return report, err
}

func (service *Service) prune(ctx context.Context, scope PruneScope, cutoff time.Time, committer *batch.Committer[BulkSession]) (PruneReport, error) {
	var single string
	if scope.UserID != "" {
		userID, err := ledger.NewUserID(scope.UserID)
		if err != nil {
			return PruneReport{}, err
		}
		single = userID.String()
	}
	if committer == nil {
		return PruneReport{}, fmt.Errorf("%w: committer is nil", ErrInvalidServiceConfig)
	}
	report := PruneReport{}
	sweep, err := batch.StartSweep(ctx, committer, func(ctx context.Context, jobID string, err error) {
		service.logOperation(ctx, OperationLog{Operation: operationPrune, JobID: jobID, Error: err})
	})
	if err != nil {
		return report, err
	}
	finish := func(result batch.Report, err error) (PruneReport, error) {
		report.Report = result
		return report, err
	}

	afterUser := ""
	for {
		users := []string{single}
		if single == "" {
			session, err := sweep.Session()
			if err != nil {
				return finish(sweep.Abort(ctx, err))
			}
			users, err = session.ListPendingUsers(ctx, cutoff, afterUser, service.pageSize)
			if err != nil {
				return finish(sweep.Abort(ctx, err))
			}
		}
		if len(users) == 0 {
			break
		}
		for _, userID := range users {
			if ctx.Err() != nil {
				return finish(sweep.Interrupt(ctx))
			}
			afterUser = userID
			fresh, err := service.hasFreshPreview(ctx, userID, cutoff)
			if err != nil {
				return finish(sweep.Abort(ctx, err))
			}
			if fresh {
				if err := service.spareUser(ctx, sweep, userID, cutoff, &report); err != nil {
					return finish(sweep.Abort(ctx, err))
				}
				continue
			}
			if err := service.pruneUser(ctx, sweep, userID, cutoff); err != nil {
				return finish(sweep.Abort(ctx, err))
			}
		}
		if single != "" {
			break
		}
	}
	return finish(sweep.Finish(ctx))
}

func (service *Service) hasFreshPreview(ctx context.Context, userID string, cutoff time.Time) (bool, error) {
	if service.previews == nil {
		return false, nil
	}
	last, err := service.previews.LastPreview(ctx, userID)
	if err != nil {
		return false, err
	}
	return !last.IsZero() && last.After(cutoff.Add(-service.expiryWindow)), nil
}

// spareUser records a user left alone because of a fresh preview.
func (service *Service) spareUser(ctx context.Context, sweep *batch.Sweep[BulkSession], userID string, cutoff time.Time, report *PruneReport) error {
	session, err := sweep.Session()
	if err != nil {
		return err
	}
	jobs, err := session.ListJobs(ctx, JobFilter{UserID: userID, States: []JobState{StatePending}})
	if err != nil {
		return err
	}
	expired := 0
	for _, job := range jobs {
		if job.ExpiresAt.Before(cutoff) {
			expired++
		}
	}
	sweep.Skip(expired)
	report.SkippedUsers = append(report.SkippedUsers, userID)
	report.Untouched = append(report.Untouched, jobs...)
	return nil
}

func (service *Service) pruneUser(ctx context.Context, sweep *batch.Sweep[BulkSession], userID string, cutoff time.Time) error {
	afterID := ""
	for {
		session, err := sweep.Session()
		if err != nil {
			return err
		}
		page, err := session.ListJobs(ctx, JobFilter{
			UserID:        userID,
			States:        []JobState{StatePending},
			ExpiredBefore: &cutoff,
			AfterID:       afterID,
			Limit:         service.pageSize,
		})
		if err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}
		for _, job := range page {
			jobID := job.ID
			afterID = jobID
			err := sweep.Row(ctx, jobID, func(ctx context.Context, session BulkSession) error {
				return session.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
					locked, err := transactionStore.LockJob(ctx, jobID)
					if err != nil {
						return err
					}
					if locked.State != StatePending || !locked.ExpiresAt.Before(cutoff) {
						return batch.ErrSkipRow
					}
					deleted, err := transactionStore.DeleteJob(ctx, jobID)
					if err != nil {
						return err
					}
					if !deleted {
						return batch.ErrSkipRow
					}
					return nil
				})
			})
			if err != nil {
				return err
			}
		}
	}
}
