package outbox

import (
	"errors"

	"github.com/MarkoPoloResearchLab/printledger/pkg/ledger"
)

// Domain-level error values returned by the delivery queue.
var (
	ErrUnknownJob           = errors.New("unknown job")
	ErrTicketNotFound       = errors.New("ticket not found")
	ErrDuplicateTicket      = errors.New("duplicate ticket number")
	ErrTicketNumbersBusy    = errors.New("ticket numbers exhausted")
	ErrInvalidTransition    = errors.New("invalid job state transition")
	ErrNoPrinterFound       = errors.New("no printer found")
	ErrDispatchRejected     = errors.New("dispatch rejected")
	ErrInvalidJob           = errors.New("invalid job")
	ErrInvalidExpiry        = errors.New("invalid expiry")
	ErrInvalidServiceConfig = errors.New("invalid service config")
)

var reasonCodes = []struct {
	err  error
	code string
}{
	{err: ErrTicketNotFound, code: "ticket_not_found"},
	{err: ErrUnknownJob, code: "unknown_job"},
	{err: ErrInvalidTransition, code: "invalid_transition"},
	{err: ErrNoPrinterFound, code: "no_printer_found"},
	{err: ErrDispatchRejected, code: "dispatch_rejected"},
	{err: ErrInvalidJob, code: "invalid_job"},
	{err: ErrInvalidExpiry, code: "invalid_expiry"},
}

// ReasonCode returns a stable machine-readable code for queue and ledger errors.
func ReasonCode(err error) string {
	var operationError ledger.OperationError
	if errors.As(err, &operationError) {
		return operationError.Code()
	}
	for _, candidate := range reasonCodes {
		if errors.Is(err, candidate.err) {
			return candidate.code
		}
	}
	return ledger.ReasonCode(err)
}
