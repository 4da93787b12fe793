package outbox

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/printledger/pkg/ledger"
)

// Settle completes a ticket that was printed outside the queue. The job cost is
// charged once under the key outbox:<job id>, so a retried settle never charges
// twice. The charge runs before the job row is locked; a failed charge leaves
// the ticket untouched. Completed, canceled and pruned tickets fail with
// ErrTicketNotFound. A ticket put back to PENDING by a failed dispatch can be
// settled too.
func (service *Service) Settle(ctx context.Context, ticketNumber string, printer string, operator string) (Job, error) {
	job, operationError := service.settle(ctx, ticketNumber, printer, operator)
	service.logOperation(ctx, OperationLog{Operation: operationSettle, JobID: job.ID, UserID: job.UserID, TicketNumber: normalizeTicketNumber(ticketNumber), State: job.State, Error: operationError})
	if operationError != nil {
		return Job{}, operationError
	}
	service.notifyTicket(ctx, job)
	return job, nil
}

func (service *Service) settle(ctx context.Context, ticketNumber string, printer string, operator string) (Job, error) {
	found, err := activeTicket(ctx, service.store, operationSettle, ticketNumber)
	if err != nil {
		return Job{}, err
	}
	if err := settleTransition(&found); err != nil {
		return Job{}, err
	}
	if err := service.chargeJob(ctx, found); err != nil {
		return Job{}, err
	}
	var job Job
	err = service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		locked, err := lockActiveTicket(ctx, transactionStore, operationSettle, ticketNumber)
		if err != nil {
			return err
		}
		if err := settleTransition(&locked); err != nil {
			return err
		}
		now := service.now().UTC()
		locked.RedirectPrinter = strings.TrimSpace(printer)
		locked.Operator = strings.TrimSpace(operator)
		locked.CompletedAt = &now
		locked.UpdatedAt = now
		if err := transactionStore.UpdateJob(ctx, locked); err != nil {
			return err
		}
		job = locked
		return nil
	})
	return job, err
}

// settleTransition moves a ticket to COMPLETED. Beyond the regular transitions
// it accepts a PENDING ticket, which is where a failed dispatch leaves it.
func settleTransition(job *Job) error {
	if job.State == StatePending && job.IsTicket() {
		job.State = StateCompleted
		return nil
	}
	return transition(job, StateCompleted)
}

// DispatchTicket sends a ticket to its redirect printer chunk by chunk. The job
// is PRINTING while chunks are handed over. When every chunk is accepted the job
// is charged and COMPLETED. A rejection or transport error puts the job back to
// PENDING with one more attempt and is returned; the queue does not retry.
func (service *Service) DispatchTicket(ctx context.Context, ticketNumber string, optionFilter map[string]string) (Job, error) {
	job, err := service.dispatchTicket(ctx, ticketNumber, optionFilter)
	service.logOperation(ctx, OperationLog{Operation: operationDispatch, JobID: job.ID, UserID: job.UserID, TicketNumber: normalizeTicketNumber(ticketNumber), State: job.State, Error: err})
	return job, err
}

func (service *Service) dispatchTicket(ctx context.Context, ticketNumber string, optionFilter map[string]string) (Job, error) {
	if service.dispatcher == nil {
		return Job{}, fmt.Errorf("%w: dispatcher is not configured", ErrInvalidServiceConfig)
	}
	printer, err := service.ResolveRedirectPrinter(ctx, ticketNumber, optionFilter)
	if err != nil {
		return Job{}, err
	}
	var job Job
	err = service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		locked, err := lockActiveTicket(ctx, transactionStore, operationDispatch, ticketNumber)
		if err != nil {
			return err
		}
		if err := transition(&locked, StatePrinting); err != nil {
			return err
		}
		locked.RedirectPrinter = printer.Name
		locked.DispatchJobIDs = nil
		locked.UpdatedAt = service.now().UTC()
		if err := transactionStore.UpdateJob(ctx, locked); err != nil {
			return err
		}
		job = locked
		return nil
	})
	if err != nil {
		return Job{}, err
	}

	chunks, err := ChunkRequest(job.printRequest())
	if err != nil {
		return service.revertDispatch(ctx, job, nil, err)
	}
	accepted := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		result, err := service.dispatcher.Dispatch(ctx, job, chunk, printer)
		if err != nil {
			return service.revertDispatch(ctx, job, accepted, err)
		}
		if !result.Accepted {
			return service.revertDispatch(ctx, job, accepted, ledger.WrapError(operationDispatch, "chunk", "dispatch_rejected",
				fmt.Errorf("%w: chunk %d on %s: %s", ErrDispatchRejected, chunk.Index, printer.Name, result.Reason)))
		}
		accepted = append(accepted, result.JobID)
	}

	// A ticket whose charge fails stays PRINTING with its dispatch ids; Settle finishes it.
	chargeErr := service.chargeJob(ctx, job)
	err = service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		locked, err := transactionStore.LockJob(ctx, job.ID)
		if err != nil {
			return err
		}
		if locked.State != StatePrinting {
			return fmt.Errorf("%w: job %s left PRINTING during dispatch", ErrInvalidTransition, job.ID)
		}
		now := service.now().UTC()
		locked.DispatchJobIDs = accepted
		locked.UpdatedAt = now
		if chargeErr == nil {
			if err := transition(&locked, StateCompleted); err != nil {
				return err
			}
			locked.CompletedAt = &now
		}
		if err := transactionStore.UpdateJob(ctx, locked); err != nil {
			return err
		}
		job = locked
		return nil
	})
	if err != nil {
		return job, err
	}
	if chargeErr != nil {
		return job, chargeErr
	}
	service.notifyTicket(ctx, job)
	return job, nil
}

func (service *Service) revertDispatch(ctx context.Context, job Job, accepted []string, cause error) (Job, error) {
	reverted := job
	err := service.store.WithTx(context.WithoutCancel(ctx), func(ctx context.Context, transactionStore Store) error {
		locked, err := transactionStore.LockJob(ctx, job.ID)
		if err != nil {
			return err
		}
		if err := transition(&locked, StatePending); err != nil {
			return err
		}
		locked.Attempts++
		locked.DispatchJobIDs = accepted
		locked.UpdatedAt = service.now().UTC()
		if err := transactionStore.UpdateJob(ctx, locked); err != nil {
			return err
		}
		reverted = locked
		return nil
	})
	if err != nil {
		return reverted, errors.Join(cause, err)
	}
	return reverted, cause
}

func (service *Service) chargeJob(ctx context.Context, job Job) error {
	if !job.Cost.IsPositive() {
		return nil
	}
	amount, err := ledger.NewPositiveAmount(job.Cost)
	if err != nil {
		return err
	}
	key, err := ledger.NewIdempotencyKey(chargeKeyPrefix + job.ID)
	if err != nil {
		return err
	}
	_, err = service.ledger.Charge(ctx, ledger.ChargeRequest{
		AccountID:      job.AccountID,
		Amount:         amount,
		Type:           ledger.TrxPrint,
		DocumentRef:    job.DocumentRef,
		IdempotencyKey: key,
		Comment:        job.TicketNumber,
	})
	return err
}
