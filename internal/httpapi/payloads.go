package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/MarkoPoloResearchLab/printledger/pkg/ledger"
	"github.com/MarkoPoloResearchLab/printledger/pkg/outbox"
)

type jobPayload struct {
	ID              string            `json:"id"`
	UserID          string            `json:"user_id"`
	AccountID       string            `json:"account_id"`
	DocumentRef     string            `json:"document_ref"`
	Printer         string            `json:"printer,omitempty"`
	PrinterGroup    string            `json:"printer_group,omitempty"`
	Options         map[string]string `json:"options"`
	PageCount       int               `json:"page_count"`
	Copies          int               `json:"copies"`
	Cost            string            `json:"cost"`
	State           string            `json:"state"`
	TicketNumber    string            `json:"ticket_number,omitempty"`
	TicketLabel     string            `json:"ticket_label,omitempty"`
	SubmittedAt     string            `json:"submitted_at"`
	ExpiresAt       string            `json:"expires_at"`
	DeliveryAt      string            `json:"delivery_at,omitempty"`
	RedirectPrinter string            `json:"redirect_printer,omitempty"`
	DispatchJobIDs  []string          `json:"dispatch_job_ids"`
	Operator        string            `json:"operator,omitempty"`
	Attempts        int               `json:"attempts"`
	CompletedAt     string            `json:"completed_at,omitempty"`
}

type transactionPayload struct {
	ID           string `json:"id"`
	AccountID    string `json:"account_id"`
	Amount       string `json:"amount"`
	BalanceAfter string `json:"balance_after"`
	Type         string `json:"type"`
	Comment      string `json:"comment,omitempty"`
	Currency     string `json:"currency"`
	CreatedAt    string `json:"created_at"`
}

func newJobPayload(job outbox.Job) jobPayload {
	options := job.Options
	if options == nil {
		options = map[string]string{}
	}
	dispatchIDs := job.DispatchJobIDs
	if dispatchIDs == nil {
		dispatchIDs = []string{}
	}
	return jobPayload{
		ID:              job.ID,
		UserID:          job.UserID,
		AccountID:       strconv.FormatInt(job.AccountID.Int64(), 10),
		DocumentRef:     job.DocumentRef,
		Printer:         job.Printer,
		PrinterGroup:    job.PrinterGroup,
		Options:         options,
		PageCount:       job.PageCount,
		Copies:          job.Copies,
		Cost:            job.Cost.String(),
		State:           string(job.State),
		TicketNumber:    job.TicketNumber,
		TicketLabel:     job.TicketLabel,
		SubmittedAt:     formatTime(&job.SubmittedAt),
		ExpiresAt:       formatTime(&job.ExpiresAt),
		DeliveryAt:      formatDate(job.DeliveryAt),
		RedirectPrinter: job.RedirectPrinter,
		DispatchJobIDs:  dispatchIDs,
		Operator:        job.Operator,
		Attempts:        job.Attempts,
		CompletedAt:     formatTime(job.CompletedAt),
	}
}

func newJobPayloads(jobs []outbox.Job) []jobPayload {
	payloads := make([]jobPayload, 0, len(jobs))
	for _, job := range jobs {
		payloads = append(payloads, newJobPayload(job))
	}
	return payloads
}

func newTransactionPayload(trx ledger.AccountTrx) transactionPayload {
	return transactionPayload{
		ID:           strconv.FormatInt(trx.ID, 10),
		AccountID:    strconv.FormatInt(trx.AccountID.Int64(), 10),
		Amount:       trx.Amount.String(),
		BalanceAfter: trx.BalanceAfter.String(),
		Type:         string(trx.Type),
		Comment:      trx.Comment,
		Currency:     trx.CurrencyCode,
		CreatedAt:    formatTime(&trx.CreatedAt),
	}
}

func formatTime(value *time.Time) string {
	if value == nil || value.IsZero() {
		return ""
	}
	return value.UTC().Format(time.RFC3339)
}

func formatDate(value *time.Time) string {
	if value == nil || value.IsZero() {
		return ""
	}
	return value.UTC().Format(deliveryDateLayout)
}

var errorStatuses = []struct {
	err    error
	status int
	code   string
}{
	{err: outbox.ErrUnknownJob, status: http.StatusNotFound, code: "unknown_job"},
	{err: outbox.ErrTicketNotFound, status: http.StatusNotFound, code: "ticket_not_found"},
	{err: outbox.ErrInvalidTransition, status: http.StatusConflict, code: "invalid_transition"},
	{err: outbox.ErrNoPrinterFound, status: http.StatusConflict, code: "no_printer_found"},
	{err: outbox.ErrDispatchRejected, status: http.StatusBadGateway, code: "dispatch_rejected"},
	{err: outbox.ErrDuplicateTicket, status: http.StatusConflict, code: "duplicate_ticket"},
	{err: outbox.ErrTicketNumbersBusy, status: http.StatusServiceUnavailable, code: "ticket_numbers_busy"},
	{err: outbox.ErrInvalidJob, status: http.StatusBadRequest, code: "invalid_job"},
	{err: outbox.ErrInvalidExpiry, status: http.StatusBadRequest, code: "invalid_expiry"},
	{err: outbox.ErrInvalidServiceConfig, status: http.StatusNotImplemented, code: "not_configured"},
	{err: ledger.ErrUnknownAccount, status: http.StatusNotFound, code: "unknown_account"},
	{err: ledger.ErrInsufficientCredit, status: http.StatusPaymentRequired, code: "insufficient_credit"},
	{err: ledger.ErrRestrictedAccount, status: http.StatusForbidden, code: "restricted_account"},
	{err: ledger.ErrAccountDeleted, status: http.StatusConflict, code: "account_deleted"},
	{err: ledger.ErrAccountDisabled, status: http.StatusConflict, code: "account_disabled"},
	{err: ledger.ErrDuplicateIdempotencyKey, status: http.StatusConflict, code: "duplicate_idempotency_key"},
	{err: ledger.ErrVoucherExists, status: http.StatusConflict, code: "voucher_exists"},
	{err: ledger.ErrInvalidAccountID, status: http.StatusBadRequest, code: "invalid_account_id"},
	{err: ledger.ErrInvalidUserID, status: http.StatusBadRequest, code: "invalid_user_id"},
	{err: ledger.ErrInvalidAmount, status: http.StatusBadRequest, code: "invalid_amount"},
	{err: ledger.ErrInvalidTransactionType, status: http.StatusBadRequest, code: "invalid_type"},
	{err: ledger.ErrInvalidIdempotencyKey, status: http.StatusBadRequest, code: "invalid_idempotency_key"},
	{err: ledger.ErrInvalidVoucherBatch, status: http.StatusBadRequest, code: "invalid_voucher_batch"},
	{err: context.DeadlineExceeded, status: http.StatusGatewayTimeout, code: "timeout"},
}

// statusFor maps domain errors to an HTTP status and a stable code.
func statusFor(err error) (int, string) {
	var voucherError ledger.VoucherError
	if errors.As(err, &voucherError) {
		if voucherError.Reason == ledger.VoucherReasonUnknown {
			return http.StatusNotFound, string(voucherError.Reason)
		}
		return http.StatusConflict, string(voucherError.Reason)
	}
	for _, candidate := range errorStatuses {
		if errors.Is(err, candidate.err) {
			return candidate.status, candidate.code
		}
	}
	return http.StatusInternalServerError, "internal"
}

func describeValidation(err error) string {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return err.Error()
	}
	messages := make([]string, 0, len(validationErrors))
	for _, fieldError := range validationErrors {
		messages = append(messages, fmt.Sprintf("%s failed %s", fieldError.Field(), fieldError.Tag()))
	}
	return strings.Join(messages, "; ")
}
