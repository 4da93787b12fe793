package outbox

import (
	"context"
	"time"

	"github.com/MarkoPoloResearchLab/printledger/pkg/ledger"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records queue events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a queue operation.
type OperationLog struct {
	Operation    string
	JobID        string
	UserID       string
	TicketNumber string
	State        JobState
	Status       string
	Error        error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithPrinterDirectory wires the printer directory used for redirect printing.
func WithPrinterDirectory(directory PrinterDirectory) ServiceOption {
	return func(service *Service) {
		service.directory = directory
	}
}

// WithDispatcher wires the print transport.
func WithDispatcher(dispatcher Dispatcher) ServiceOption {
	return func(service *Service) {
		service.dispatcher = dispatcher
	}
}

// WithNotifier wires ticket completion and cancellation notifications.
func WithNotifier(notifier Notifier) ServiceOption {
	return func(service *Service) {
		service.notifier = notifier
	}
}

// WithPreviewTracker enables the fresh-preview exemption of Prune.
func WithPreviewTracker(tracker PreviewTracker) ServiceOption {
	return func(service *Service) {
		service.previews = tracker
	}
}

// WithExpiryWindow sets the default job lifetime and the preview grace window.
func WithExpiryWindow(window time.Duration) ServiceOption {
	return func(service *Service) {
		service.expiryWindow = window
	}
}

// WithDeliveryWeekdays sets the weekdays tickets may be delivered on.
func WithDeliveryWeekdays(weekdays ...time.Weekday) ServiceOption {
	return func(service *Service) {
		service.weekdays = make(map[time.Weekday]bool, len(weekdays))
		for _, weekday := range weekdays {
			service.weekdays[weekday] = true
		}
	}
}

// WithAccountTemplate sets the policy of personal accounts created on enqueue.
func WithAccountTemplate(template ledger.AccountTemplate) ServiceOption {
	return func(service *Service) {
		service.accountTemplate = template
	}
}

// WithIDGenerator overrides the job id source.
func WithIDGenerator(generate func() string) ServiceOption {
	return func(service *Service) {
		service.newID = generate
	}
}

// WithPageSize sets how many rows Prune reads per query.
func WithPageSize(pageSize int) ServiceOption {
	return func(service *Service) {
		service.pageSize = pageSize
	}
}
