package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing ledger operation.
type OperationLog struct {
	Operation      string
	AccountID      AccountID
	Amount         decimal.Decimal
	TrxType        TrxType
	IdempotencyKey string
	DocumentRef    string
	Replayed       bool
	Status         string
	Error          error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithNotifier wires the credit-limit notification collaborator.
func WithNotifier(notifier Notifier) ServiceOption {
	return func(service *Service) {
		service.notifier = notifier
	}
}

// WithGate replaces the in-process write gate, e.g. with a database advisory lock.
func WithGate(gate Gate) ServiceOption {
	return func(service *Service) {
		service.gate = gate
	}
}

// WithGlobalOverdraft sets the overdraft applied to accounts that use the global limit.
func WithGlobalOverdraft(limit decimal.Decimal) ServiceOption {
	return func(service *Service) {
		service.globalOverdraft = limit
	}
}

// WithIDGenerator overrides the random id source used for generated keys and card numbers.
func WithIDGenerator(generate func() string) ServiceOption {
	return func(service *Service) {
		service.newID = generate
	}
}

// WithPrintRetryHorizon sets how long PruneHistory keeps PRINT rows, whose
// idempotency keys turn a retried charge into a replay.
func WithPrintRetryHorizon(horizon time.Duration) ServiceOption {
	return func(service *Service) {
		service.printRetry = horizon
	}
}

// WithPageSize sets how many rows bulk operations read per query.
func WithPageSize(pageSize int) ServiceOption {
	return func(service *Service) {
		service.pageSize = pageSize
	}
}
