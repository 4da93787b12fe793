// Package logging adapts the ledger and queue operation callbacks to zap.
package logging

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/MarkoPoloResearchLab/printledger/pkg/ledger"
	"github.com/MarkoPoloResearchLab/printledger/pkg/outbox"
)

// New builds the daemon logger. Development mode logs human-readable lines at debug level.
func New(development bool) (*zap.Logger, error) {
	if development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// OperationLogger writes ledger and queue operations to a zap logger.
// Failed operations log at warn level, everything else at info.
type OperationLogger struct {
	logger *zap.Logger
}

// NewOperationLogger wraps logger; a nil logger discards everything.
func NewOperationLogger(logger *zap.Logger) *OperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OperationLogger{logger: logger}
}

// Ledger returns the adapter for ledger.Service.
func (operationLogger *OperationLogger) Ledger() ledger.OperationLogger {
	return ledgerLogger{logger: operationLogger.logger.Named("ledger")}
}

// Outbox returns the adapter for outbox.Service.
func (operationLogger *OperationLogger) Outbox() outbox.OperationLogger {
	return outboxLogger{logger: operationLogger.logger.Named("outbox")}
}

type ledgerLogger struct {
	logger *zap.Logger
}

func (adapter ledgerLogger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
	}
	if !entry.AccountID.IsZero() {
		fields = append(fields, zap.Int64("account_id", entry.AccountID.Int64()))
	}
	if !entry.Amount.IsZero() {
		fields = append(fields, zap.String("amount", entry.Amount.String()))
	}
	if entry.TrxType != "" {
		fields = append(fields, zap.String("trx_type", string(entry.TrxType)))
	}
	if entry.IdempotencyKey != "" {
		fields = append(fields, zap.String("idempotency_key", entry.IdempotencyKey))
	}
	if entry.DocumentRef != "" {
		fields = append(fields, zap.String("document_ref", entry.DocumentRef))
	}
	if entry.Replayed {
		fields = append(fields, zap.Bool("replayed", true))
	}
	write(adapter.logger, entry.Error, ledger.ReasonCode(entry.Error), fields)
}

type outboxLogger struct {
	logger *zap.Logger
}

func (adapter outboxLogger) LogOperation(_ context.Context, entry outbox.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
	}
	if entry.JobID != "" {
		fields = append(fields, zap.String("job_id", entry.JobID))
	}
	if entry.UserID != "" {
		fields = append(fields, zap.String("user_id", entry.UserID))
	}
	if entry.TicketNumber != "" {
		fields = append(fields, zap.String("ticket_number", entry.TicketNumber))
	}
	if entry.State != "" {
		fields = append(fields, zap.String("state", string(entry.State)))
	}
	write(adapter.logger, entry.Error, outbox.ReasonCode(entry.Error), fields)
}

func write(logger *zap.Logger, err error, reason string, fields []zap.Field) {
	level := zapcore.InfoLevel
	if err != nil {
		level = zapcore.WarnLevel
		fields = append(fields, zap.String("reason", reason), zap.Error(err))
	}
	if checked := logger.Check(level, "operation"); checked != nil {
		checked.Write(fields...)
	}
}
