package outbox

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/MarkoPoloResearchLab/printledger/pkg/ledger"
)

// JobState is the delivery state of an outbox job or job ticket.
type JobState string

const (
	StatePending   JobState = "PENDING"
	StateTicketed  JobState = "TICKETED"
	StatePrinting  JobState = "PRINTING"
	StateCompleted JobState = "COMPLETED"
	StateCanceled  JobState = "CANCELED"
)

// PageRange is an inclusive range of pages of one source document.
// Media and MediaSource override the request options for these pages.
type PageRange struct {
	First       int    `json:"first"`
	Last        int    `json:"last"`
	Media       string `json:"media,omitempty"`
	MediaSource string `json:"mediaSource,omitempty"`
}

// Pages returns the number of pages in the range.
func (pageRange PageRange) Pages() int {
	return pageRange.Last - pageRange.First + 1
}

// Document is one source document of a print request.
type Document struct {
	Ref    string      `json:"ref"`
	Name   string      `json:"name,omitempty"`
	Ranges []PageRange `json:"ranges"`
}

// PageCount returns the pages over all ranges.
func (document Document) PageCount() int {
	total := 0
	for _, pageRange := range document.Ranges {
		total += pageRange.Pages()
	}
	return total
}

// Job is a queued print request. A job with a ticket number is a job ticket.
type Job struct {
	ID              string
	UserID          string
	AccountID       ledger.AccountID
	DocumentRef     string
	ArtifactHandle  string
	Printer         string
	PrinterGroup    string
	Options         map[string]string
	Documents       []Document
	ChunkByDocument bool
	PageCount       int
	Copies          int
	Cost            decimal.Decimal
	SubmittedAt     time.Time
	ExpiresAt       time.Time
	DeliveryAt      *time.Time
	TicketNumber    string
	TicketLabel     string
	State           JobState
	RedirectPrinter string
	DispatchJobIDs  []string
	Operator        string
	Attempts        int
	CompletedAt     *time.Time
	UpdatedAt       time.Time
}

// IsTicket reports whether the job was promoted to a job ticket.
func (job Job) IsTicket() bool {
	return job.TicketNumber != ""
}

func (job Job) printRequest() PrintRequest {
	return PrintRequest{
		Documents:  job.Documents,
		Options:    job.Options,
		Cost:       job.Cost,
		ByDocument: job.ChunkByDocument,
	}
}

// JobFilter selects jobs. Zero fields do not filter.
type JobFilter struct {
	UserID        string
	States        []JobState
	TicketedOnly  bool
	ExpiredBefore *time.Time
	AfterID       string
	Limit         int
}

// Printer is a directory entry that tickets may be redirected to.
// Capabilities maps an IPP option name to its supported values.
type Printer struct {
	Name         string
	DisplayName  string
	Groups       []string
	Enabled      bool
	Capabilities map[string][]string
}

// Supports reports whether the printer accepts value for option.
func (printer Printer) Supports(option string, value string) bool {
	for _, supported := range printer.Capabilities[option] {
		if strings.EqualFold(supported, value) {
			return true
		}
	}
	return false
}

// InGroup reports whether the printer belongs to group.
func (printer Printer) InGroup(group string) bool {
	for _, candidate := range printer.Groups {
		if strings.EqualFold(candidate, group) {
			return true
		}
	}
	return false
}

// DispatchResult is the transport's answer for one chunk.
type DispatchResult struct {
	Accepted bool
	JobID    string
	Reason   string
}

// Store is the persistence contract used by Service.
// Lock and write methods are meant to be called on the store handed to WithTx.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	InsertJob(ctx context.Context, job Job) error
	// FindJob and LockJob fail with ErrUnknownJob.
	FindJob(ctx context.Context, jobID string) (Job, error)
	LockJob(ctx context.Context, jobID string) (Job, error)
	// FindTicket and LockTicket fail with ErrTicketNotFound.
	FindTicket(ctx context.Context, ticketNumber string) (Job, error)
	LockTicket(ctx context.Context, ticketNumber string) (Job, error)
	TicketExists(ctx context.Context, ticketNumber string) (bool, error)
	// UpdateJob fails with ErrDuplicateTicket when the ticket number is taken.
	UpdateJob(ctx context.Context, job Job) error
	DeleteJob(ctx context.Context, jobID string) (bool, error)
	// ListJobs returns matching jobs in ascending id order.
	ListJobs(ctx context.Context, filter JobFilter) ([]Job, error)
	// ListPendingUsers returns the users owning PENDING jobs that expired before
	// the cutoff, in ascending order after afterUserID.
	ListPendingUsers(ctx context.Context, expiredBefore time.Time, afterUserID string, limit int) ([]string, error)
}

// BulkSession is one unit of work driven by a batch committer.
type BulkSession interface {
	Store
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Ledger is the account ledger as seen by the queue.
type Ledger interface {
	LazyGetOrCreateAccount(ctx context.Context, ownerKey string, accountType ledger.AccountType, template ledger.AccountTemplate) (ledger.Account, error)
	CheckCredit(ctx context.Context, accountID ledger.AccountID, amount ledger.PositiveAmount) error
	Charge(ctx context.Context, request ledger.ChargeRequest) (ledger.ChargeResult, error)
}

// Sequence hands out atomic, strictly increasing numbers per name.
type Sequence interface {
	Next(ctx context.Context, name string) (int64, error)
}

// PrinterDirectory lists the printers known to the site.
type PrinterDirectory interface {
	Printers(ctx context.Context) ([]Printer, error)
}

// Dispatcher hands one chunk of a job to the print transport.
type Dispatcher interface {
	Dispatch(ctx context.Context, job Job, chunk Chunk, printer Printer) (DispatchResult, error)
}

// Notifier receives fire-and-forget ticket events.
type Notifier interface {
	NotifyTicketCompleted(ctx context.Context, job Job) error
	NotifyTicketCanceled(ctx context.Context, job Job) error
}

// PreviewTracker remembers when a user last previewed their queue.
// LastPreview returns the zero time for users that never previewed.
type PreviewTracker interface {
	LastPreview(ctx context.Context, userID string) (time.Time, error)
	RecordPreview(ctx context.Context, userID string, at time.Time) error
}
