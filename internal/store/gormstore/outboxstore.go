package gormstore

import (
	"context"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarkoPoloResearchLab/printledger/pkg/ledger"
	"github.com/MarkoPoloResearchLab/printledger/pkg/outbox"
)

// OutboxStore implements outbox.Store using GORM.
type OutboxStore struct {
	db *gorm.DB
}

// NewOutboxStore returns an OutboxStore backed by db.
func NewOutboxStore(db *gorm.DB) *OutboxStore {
	return &OutboxStore{db: db}
}

// WithTx executes fn within a transaction, or within a savepoint when the
// store already runs inside one.
func (store *OutboxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore outbox.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &OutboxStore{db: transaction})
	})
}

// OutboxSession is a bulk unit of work for batch.Committer.
type OutboxSession struct {
	*OutboxStore
	unit session
}

// Begin opens a bulk session. It matches batch.Opener.
func (store *OutboxStore) Begin(ctx context.Context) (outbox.BulkSession, error) {
	unit, err := beginSession(ctx, store.db)
	if err != nil {
		return nil, err
	}
	return &OutboxSession{OutboxStore: &OutboxStore{db: unit.db}, unit: unit}, nil
}

// Commit commits the session.
func (session *OutboxSession) Commit(context.Context) error {
	return session.unit.commit()
}

// Rollback discards the session.
func (session *OutboxSession) Rollback(context.Context) error {
	return session.unit.rollback()
}

func (store *OutboxStore) InsertJob(ctx context.Context, job outbox.Job) error {
	row := jobRow(job)
	err := store.db.WithContext(ctx).Create(&row).Error
	if isConflict(err, constraintJobTicketNumber) {
		return wrapStoreError(errorSubjectJob, errorCodeDuplicate, outbox.ErrDuplicateTicket)
	}
	if err != nil {
		return wrapStoreError(errorSubjectJob, errorCodeInsert, err)
	}
	return nil
}

func (store *OutboxStore) FindJob(ctx context.Context, jobID string) (outbox.Job, error) {
	return store.takeJob(store.db.WithContext(ctx).Where("id = ?", jobID), errorSubjectJob, errorCodeGet, outbox.ErrUnknownJob)
}

func (store *OutboxStore) LockJob(ctx context.Context, jobID string) (outbox.Job, error) {
	query := store.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", jobID)
	return store.takeJob(query, errorSubjectJob, errorCodeLock, outbox.ErrUnknownJob)
}

func (store *OutboxStore) FindTicket(ctx context.Context, ticketNumber string) (outbox.Job, error) {
	return store.takeJob(store.db.WithContext(ctx).Where("ticket_number = ?", ticketNumber), errorSubjectTicket, errorCodeGet, outbox.ErrTicketNotFound)
}

func (store *OutboxStore) LockTicket(ctx context.Context, ticketNumber string) (outbox.Job, error) {
	query := store.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).Where("ticket_number = ?", ticketNumber)
	return store.takeJob(query, errorSubjectTicket, errorCodeLock, outbox.ErrTicketNotFound)
}

func (store *OutboxStore) TicketExists(ctx context.Context, ticketNumber string) (bool, error) {
	var count int64
	err := store.db.WithContext(ctx).Model(&Job{}).Where("ticket_number = ?", ticketNumber).Count(&count).Error
	if err != nil {
		return false, wrapStoreError(errorSubjectTicket, errorCodeLookup, err)
	}
	return count > 0, nil
}

func (store *OutboxStore) UpdateJob(ctx context.Context, job outbox.Job) error {
	row := jobRow(job)
	result := store.db.WithContext(ctx).
		Model(&Job{}).
		Where("id = ?", row.ID).
		Select("*").
		Omit("id").
		Updates(&row)
	if isConflict(result.Error, constraintJobTicketNumber) {
		return wrapStoreError(errorSubjectTicket, errorCodeDuplicate, outbox.ErrDuplicateTicket)
	}
	if result.Error != nil {
		return wrapStoreError(errorSubjectJob, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectJob, errorCodeUpdate, outbox.ErrUnknownJob)
	}
	return nil
}

func (store *OutboxStore) DeleteJob(ctx context.Context, jobID string) (bool, error) {
	result := store.db.WithContext(ctx).Where("id = ?", jobID).Delete(&Job{})
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectJob, errorCodeDelete, result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (store *OutboxStore) ListJobs(ctx context.Context, filter outbox.JobFilter) ([]outbox.Job, error) {
	query := store.db.WithContext(ctx).Model(&Job{})
	if filter.UserID != "" {
		query = query.Where("user_id = ?", filter.UserID)
	}
	if len(filter.States) > 0 {
		states := make([]string, 0, len(filter.States))
		for _, state := range filter.States {
			states = append(states, string(state))
		}
		query = query.Where("state IN ?", states)
	}
	if filter.TicketedOnly {
		query = query.Where("ticket_number IS NOT NULL")
	}
	if filter.ExpiredBefore != nil {
		query = query.Where("expires_at < ?", filter.ExpiredBefore.UTC())
	}
	if filter.AfterID != "" {
		query = query.Where("id > ?", filter.AfterID)
	}
	query = query.Order("id")
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	var rows []Job
	if err := query.Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectJob, errorCodeList, err)
	}
	jobs := make([]outbox.Job, 0, len(rows))
	for _, row := range rows {
		job, err := mapJob(row)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (store *OutboxStore) ListPendingUsers(ctx context.Context, expiredBefore time.Time, afterUserID string, limit int) ([]string, error) {
	query := store.db.WithContext(ctx).
		Model(&Job{}).
		Distinct().
		Where("state = ? AND expires_at < ? AND user_id > ?", string(outbox.StatePending), expiredBefore.UTC(), afterUserID).
		Order("user_id")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var users []string
	if err := query.Pluck("user_id", &users).Error; err != nil {
		return nil, wrapStoreError(errorSubjectJob, errorCodeList, err)
	}
	return users, nil
}

func (store *OutboxStore) takeJob(query *gorm.DB, subject string, code string, missing error) (outbox.Job, error) {
	var row Job
	err := query.Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return outbox.Job{}, wrapStoreError(subject, code, missing)
	}
	if err != nil {
		return outbox.Job{}, wrapStoreError(subject, code, err)
	}
	return mapJob(row)
}

func jobRow(job outbox.Job) Job {
	var ticketNumber *string
	if job.TicketNumber != "" {
		value := job.TicketNumber
		ticketNumber = &value
	}
	options := job.Options
	if options == nil {
		options = map[string]string{}
	}
	documents := job.Documents
	if documents == nil {
		documents = []outbox.Document{}
	}
	dispatchIDs := job.DispatchJobIDs
	if dispatchIDs == nil {
		dispatchIDs = []string{}
	}
	return Job{
		ID:              job.ID,
		UserID:          job.UserID,
		AccountID:       job.AccountID.Int64(),
		DocumentRef:     job.DocumentRef,
		ArtifactHandle:  job.ArtifactHandle,
		Printer:         job.Printer,
		PrinterGroup:    job.PrinterGroup,
		Options:         datatypes.NewJSONType(options),
		Documents:       datatypes.NewJSONSlice(documents),
		ChunkByDocument: job.ChunkByDocument,
		PageCount:       job.PageCount,
		Copies:          job.Copies,
		Cost:            job.Cost,
		SubmittedAt:     job.SubmittedAt.UTC(),
		ExpiresAt:       job.ExpiresAt.UTC(),
		DeliveryAt:      job.DeliveryAt,
		TicketNumber:    ticketNumber,
		TicketLabel:     job.TicketLabel,
		State:           string(job.State),
		RedirectPrinter: job.RedirectPrinter,
		DispatchJobIDs:  datatypes.NewJSONSlice(dispatchIDs),
		Operator:        job.Operator,
		Attempts:        job.Attempts,
		CompletedAt:     job.CompletedAt,
		UpdatedAt:       job.UpdatedAt.UTC(),
	}
}

func mapJob(row Job) (outbox.Job, error) {
	accountID, err := ledger.NewAccountID(row.AccountID)
	if err != nil {
		return outbox.Job{}, wrapStoreError(errorSubjectJob, errorCodeGet, err)
	}
	job := outbox.Job{
		ID:              row.ID,
		UserID:          row.UserID,
		AccountID:       accountID,
		DocumentRef:     row.DocumentRef,
		ArtifactHandle:  row.ArtifactHandle,
		Printer:         row.Printer,
		PrinterGroup:    row.PrinterGroup,
		Options:         row.Options.Data(),
		Documents:       []outbox.Document(row.Documents),
		ChunkByDocument: row.ChunkByDocument,
		PageCount:       row.PageCount,
		Copies:          row.Copies,
		Cost:            row.Cost,
		SubmittedAt:     row.SubmittedAt.UTC(),
		ExpiresAt:       row.ExpiresAt.UTC(),
		DeliveryAt:      utcPointer(row.DeliveryAt),
		TicketLabel:     row.TicketLabel,
		State:           outbox.JobState(row.State),
		RedirectPrinter: row.RedirectPrinter,
		Operator:        row.Operator,
		Attempts:        row.Attempts,
		CompletedAt:     utcPointer(row.CompletedAt),
		UpdatedAt:       row.UpdatedAt.UTC(),
	}
	if row.TicketNumber != nil {
		job.TicketNumber = *row.TicketNumber
	}
	if len(row.DispatchJobIDs) > 0 {
		job.DispatchJobIDs = []string(row.DispatchJobIDs)
	}
	return job, nil
}

func utcPointer(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	converted := value.UTC()
	return &converted
}
