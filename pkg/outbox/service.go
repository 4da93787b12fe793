package outbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/MarkoPoloResearchLab/printledger/pkg/ledger"
)

// Service owns every user's pending jobs and the job tickets.
type Service struct {
	store             Store
	ledger            Ledger
	sequence          Sequence
	now               func() time.Time
	directory         PrinterDirectory
	dispatcher        Dispatcher
	notifier          Notifier
	previews          PreviewTracker
	logger            OperationLogger
	newID             func() string
	weekdays          map[time.Weekday]bool
	expiryWindow      time.Duration
	accountTemplate   ledger.AccountTemplate
	pageSize          int
	maxTicketAttempts int
}

// NewService wires a Service.
func NewService(store Store, accounts Ledger, sequence Sequence, now func() time.Time, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if accounts == nil {
		return nil, fmt.Errorf("%w: ledger dependency is nil", ErrInvalidServiceConfig)
	}
	if sequence == nil {
		return nil, fmt.Errorf("%w: sequence dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:             store,
		ledger:            accounts,
		sequence:          sequence,
		now:               now,
		newID:             uuid.NewString,
		expiryWindow:      defaultExpiryWindow,
		pageSize:          defaultPageSize,
		maxTicketAttempts: defaultMaxTicketAttempts,
	}
	WithDeliveryWeekdays(time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday)(service)
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	if len(service.weekdays) == 0 {
		return nil, fmt.Errorf("%w: no delivery weekdays", ErrInvalidServiceConfig)
	}
	if service.expiryWindow <= 0 {
		return nil, fmt.Errorf("%w: expiry window must be positive", ErrInvalidServiceConfig)
	}
	if service.pageSize < 1 {
		return nil, fmt.Errorf("%w: page size must be positive", ErrInvalidServiceConfig)
	}
	if service.newID == nil {
		return nil, fmt.Errorf("%w: id generator is nil", ErrInvalidServiceConfig)
	}
	return service, nil
}

// EnqueueRequest describes a print request to stage for a user.
// A zero AccountID charges the user's personal account.
type EnqueueRequest struct {
	UserID          string
	AccountID       ledger.AccountID
	DocumentRef     string
	ArtifactHandle  string
	Printer         string
	PrinterGroup    string
	Options         map[string]string
	Documents       []Document
	ChunkByDocument bool
	Copies          int
	Cost            decimal.Decimal
	CheckCredit     bool
}

// Enqueue stores a PENDING job that expires after expiry, or after the
// configured window when expiry is not positive. With CheckCredit the job is
// refused when its cost could not be charged right now.
func (service *Service) Enqueue(ctx context.Context, request EnqueueRequest, expiry time.Duration) (Job, error) {
	job, err := service.enqueue(ctx, request, expiry)
	service.logOperation(ctx, OperationLog{Operation: operationEnqueue, JobID: job.ID, UserID: job.UserID, State: job.State, Error: err})
	return job, err
}

func (service *Service) enqueue(ctx context.Context, request EnqueueRequest, expiry time.Duration) (Job, error) {
	userID, err := ledger.NewUserID(request.UserID)
	if err != nil {
		return Job{}, err
	}
	documentRef := strings.TrimSpace(request.DocumentRef)
	if documentRef == "" {
		return Job{}, fmt.Errorf("%w: empty document reference", ErrInvalidJob)
	}
	if request.Cost.IsNegative() || !request.Cost.Equal(request.Cost.Round(ledger.MoneyScale)) {
		return Job{}, fmt.Errorf("%w: cost %s", ledger.ErrInvalidAmount, request.Cost)
	}
	copies := request.Copies
	if copies == 0 {
		copies = 1
	}
	if copies < 0 {
		return Job{}, fmt.Errorf("%w: negative copies", ErrInvalidJob)
	}
	if _, err := ChunkRequest(PrintRequest{Documents: request.Documents, Options: request.Options, Cost: request.Cost}); err != nil {
		return Job{}, err
	}
	if expiry <= 0 {
		expiry = service.expiryWindow
	}

	accountID := request.AccountID
	if accountID.IsZero() {
		account, err := service.ledger.LazyGetOrCreateAccount(ctx, userID.String(), ledger.AccountPersonal, service.accountTemplate)
		if err != nil {
			return Job{}, err
		}
		accountID = account.ID
	}
	if request.CheckCredit && request.Cost.IsPositive() {
		amount, err := ledger.NewPositiveAmount(request.Cost)
		if err != nil {
			return Job{}, err
		}
		if err := service.ledger.CheckCredit(ctx, accountID, amount); err != nil {
			return Job{}, err
		}
	}

	pages := 0
	for _, document := range request.Documents {
		pages += document.PageCount()
	}
	now := service.now().UTC()
	job := Job{
		ID:              service.newID(),
		UserID:          userID.String(),
		AccountID:       accountID,
		DocumentRef:     documentRef,
		ArtifactHandle:  request.ArtifactHandle,
		Printer:         request.Printer,
		PrinterGroup:    request.PrinterGroup,
		Options:         request.Options,
		Documents:       request.Documents,
		ChunkByDocument: request.ChunkByDocument,
		PageCount:       pages,
		Copies:          copies,
		Cost:            request.Cost,
		SubmittedAt:     now,
		ExpiresAt:       now.Add(expiry),
		State:           StatePending,
		UpdatedAt:       now,
	}
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		return transactionStore.InsertJob(ctx, job)
	})
	if operationError != nil {
		return Job{}, operationError
	}
	return job, nil
}

// PromoteToTicket turns a PENDING job into a job ticket. The ticket number is
// TK-<date>-<n> with n taken from the per-day sequence before the job row is
// locked; a number another writer took in between is skipped like a taken one.
// The delivery date moves forward to the next valid weekday.
func (service *Service) PromoteToTicket(ctx context.Context, jobID string, deliveryDate time.Time, label string) (Job, error) {
	job, operationError := service.promoteToTicket(ctx, jobID, deliveryDate, label)
	service.logOperation(ctx, OperationLog{Operation: operationPromote, JobID: jobID, UserID: job.UserID, TicketNumber: job.TicketNumber, State: job.State, Error: operationError})
	if operationError != nil {
		return Job{}, operationError
	}
	return job, nil
}

func (service *Service) promoteToTicket(ctx context.Context, jobID string, deliveryDate time.Time, label string) (Job, error) {
	found, err := service.store.FindJob(ctx, jobID)
	if err != nil {
		return Job{}, err
	}
	if err := promotable(found); err != nil {
		return Job{}, err
	}
	day := service.now().UTC().Format(ticketDateLayout)
	for attempt := 0; attempt < service.maxTicketAttempts; attempt++ {
		number, err := service.ticketNumber(ctx, day)
		if err != nil {
			return Job{}, err
		}
		if number == "" {
			continue
		}
		job, err := service.promote(ctx, jobID, number, deliveryDate, label)
		if errors.Is(err, ErrDuplicateTicket) {
			continue
		}
		return job, err
	}
	return Job{}, fmt.Errorf("%w: %d attempts for %s", ErrTicketNumbersBusy, service.maxTicketAttempts, day)
}

func (service *Service) promote(ctx context.Context, jobID string, number string, deliveryDate time.Time, label string) (Job, error) {
	var job Job
	err := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		locked, err := transactionStore.LockJob(ctx, jobID)
		if err != nil {
			return err
		}
		if err := promotable(locked); err != nil {
			return err
		}
		if err := transition(&locked, StateTicketed); err != nil {
			return err
		}
		delivery := service.nextDeliveryDay(deliveryDate)
		locked.TicketNumber = number
		locked.TicketLabel = strings.TrimSpace(label)
		locked.DeliveryAt = &delivery
		locked.UpdatedAt = service.now().UTC()
		if err := transactionStore.UpdateJob(ctx, locked); err != nil {
			return err
		}
		job = locked
		return nil
	})
	return job, err
}

func promotable(job Job) error {
	if job.State != StatePending || job.IsTicket() {
		return fmt.Errorf("%w: job %s is %s", ErrInvalidTransition, job.ID, job.State)
	}
	return nil
}

// ticketNumber draws the next number of the day. It returns "" when the number
// already names a ticket, e.g. after the sequence was reset.
func (service *Service) ticketNumber(ctx context.Context, day string) (string, error) {
	next, err := service.sequence.Next(ctx, ticketSequencePrefix+day)
	if err != nil {
		return "", err
	}
	number := fmt.Sprintf("%s-%s-%04d", ticketPrefix, day, next)
	taken, err := service.store.TicketExists(ctx, number)
	if err != nil || taken {
		return "", err
	}
	return number, nil
}

func (service *Service) nextDeliveryDay(date time.Time) time.Time {
	delivery := date.UTC()
	for day := 0; day < 7 && !service.weekdays[delivery.Weekday()]; day++ {
		delivery = delivery.AddDate(0, 0, 1)
	}
	return delivery
}

// Cancel moves a PENDING job or a TICKETED ticket to CANCELED.
func (service *Service) Cancel(ctx context.Context, jobID string, operator string) (Job, error) {
	var job Job
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		locked, err := transactionStore.LockJob(ctx, jobID)
		if err != nil {
			return err
		}
		if err := transition(&locked, StateCanceled); err != nil {
			return err
		}
		locked.Operator = strings.TrimSpace(operator)
		locked.UpdatedAt = service.now().UTC()
		if err := transactionStore.UpdateJob(ctx, locked); err != nil {
			return err
		}
		job = locked
		return nil
	})
	service.logOperation(ctx, OperationLog{Operation: operationCancel, JobID: jobID, UserID: job.UserID, TicketNumber: job.TicketNumber, State: job.State, Error: operationError})
	if operationError != nil {
		return Job{}, operationError
	}
	service.notifyTicket(ctx, job)
	return job, nil
}

// ExtendExpiry moves the expiry of a PENDING or TICKETED job to expiresAt.
func (service *Service) ExtendExpiry(ctx context.Context, jobID string, expiresAt time.Time) (Job, error) {
	var job Job
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		locked, err := transactionStore.LockJob(ctx, jobID)
		if err != nil {
			return err
		}
		if locked.State != StatePending && locked.State != StateTicketed {
			return fmt.Errorf("%w: job %s is %s", ErrInvalidTransition, jobID, locked.State)
		}
		now := service.now().UTC()
		if !expiresAt.After(now) {
			return fmt.Errorf("%w: %s is not in the future", ErrInvalidExpiry, expiresAt.Format(time.RFC3339))
		}
		locked.ExpiresAt = expiresAt.UTC()
		locked.UpdatedAt = now
		if err := transactionStore.UpdateJob(ctx, locked); err != nil {
			return err
		}
		job = locked
		return nil
	})
	service.logOperation(ctx, OperationLog{Operation: operationExtendExpiry, JobID: jobID, UserID: job.UserID, State: job.State, Error: operationError})
	if operationError != nil {
		return Job{}, operationError
	}
	return job, nil
}

// Job returns a job by id.
func (service *Service) Job(ctx context.Context, jobID string) (Job, error) {
	return service.store.FindJob(ctx, jobID)
}

// Ticket returns a job ticket by number.
func (service *Service) Ticket(ctx context.Context, ticketNumber string) (Job, error) {
	return service.store.FindTicket(ctx, normalizeTicketNumber(ticketNumber))
}

// ListUserJobs returns a user's jobs in the given states, all states when none are given.
func (service *Service) ListUserJobs(ctx context.Context, userID string, states ...JobState) ([]Job, error) {
	normalized, err := ledger.NewUserID(userID)
	if err != nil {
		return nil, err
	}
	return service.store.ListJobs(ctx, JobFilter{UserID: normalized.String(), States: states, Limit: service.pageSize})
}

// ListTickets returns job tickets matching filter.
func (service *Service) ListTickets(ctx context.Context, filter JobFilter) ([]Job, error) {
	filter.TicketedOnly = true
	if filter.Limit <= 0 || filter.Limit > service.pageSize {
		filter.Limit = service.pageSize
	}
	return service.store.ListJobs(ctx, filter)
}

// RecordPreview notes that a user looked at their queue now. Prune leaves the
// user's jobs alone for one expiry window afterwards.
func (service *Service) RecordPreview(ctx context.Context, userID string) error {
	if service.previews == nil {
		return fmt.Errorf("%w: preview tracker is not configured", ErrInvalidServiceConfig)
	}
	normalized, err := ledger.NewUserID(userID)
	if err != nil {
		return err
	}
	err = service.previews.RecordPreview(ctx, normalized.String(), service.now().UTC())
	service.logOperation(ctx, OperationLog{Operation: operationRecordPreview, UserID: normalized.String(), Error: err})
	return err
}

// notifyTicket reports a completed or canceled ticket. Failures are logged only.
func (service *Service) notifyTicket(ctx context.Context, job Job) {
	if service.notifier == nil || !job.IsTicket() {
		return
	}
	var err error
	switch job.State {
	case StateCompleted:
		err = service.notifier.NotifyTicketCompleted(ctx, job)
	case StateCanceled:
		err = service.notifier.NotifyTicketCanceled(ctx, job)
	default:
		return
	}
	if err != nil {
		service.logOperation(ctx, OperationLog{Operation: operationNotify, JobID: job.ID, UserID: job.UserID, TicketNumber: job.TicketNumber, State: job.State, Error: err})
	}
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func normalizeTicketNumber(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}

// lockActiveTicket locks a ticket that is neither completed nor canceled.
func lockActiveTicket(ctx context.Context, transactionStore Store, operation string, ticketNumber string) (Job, error) {
	job, err := transactionStore.LockTicket(ctx, normalizeTicketNumber(ticketNumber))
	if err != nil {
		return Job{}, err
	}
	return checkActiveTicket(operation, job)
}

// activeTicket reads a ticket without locking it.
func activeTicket(ctx context.Context, store Store, operation string, ticketNumber string) (Job, error) {
	job, err := store.FindTicket(ctx, normalizeTicketNumber(ticketNumber))
	if err != nil {
		return Job{}, err
	}
	return checkActiveTicket(operation, job)
}

func checkActiveTicket(operation string, job Job) (Job, error) {
	if job.State.IsTerminal() {
		return Job{}, ledger.WrapError(operation, "ticket", "ticket_not_found",
			fmt.Errorf("%w: %s is %s", ErrTicketNotFound, job.TicketNumber, job.State))
	}
	return job, nil
}
