package ledger

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the ledger service.
var (
	ErrInsufficientCredit      = errors.New("insufficient credit")
	ErrRestrictedAccount       = errors.New("restricted account")
	ErrDuplicateCharge         = errors.New("duplicate charge")
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
	ErrAccountExists           = errors.New("account already exists")
	ErrAccountDeleted          = errors.New("account deleted")
	ErrAccountDisabled         = errors.New("account disabled")
	ErrUnknownAccount          = errors.New("unknown account")
	ErrUnknownTransaction      = errors.New("unknown transaction")
	ErrUnknownVoucher          = errors.New("unknown voucher")
	ErrVoucherExists           = errors.New("voucher already exists")
	ErrVoucherInvalid          = errors.New("voucher invalid")
	ErrCurrencyMismatch        = errors.New("currency mismatch")
	ErrInvalidAccountID        = errors.New("invalid account id")
	ErrInvalidAccountType      = errors.New("invalid account type")
	ErrInvalidAccountName      = errors.New("invalid account name")
	ErrInvalidUserID           = errors.New("invalid user id")
	ErrInvalidIdempotencyKey   = errors.New("invalid idempotency key")
	ErrInvalidAmount           = errors.New("invalid amount")
	ErrInvalidTransactionType  = errors.New("invalid transaction type")
	ErrInvalidTransfer         = errors.New("invalid transfer")
	ErrInvalidWeight           = errors.New("invalid weight")
	ErrInvalidRebase           = errors.New("invalid currency rebase")
	ErrRebaseIncomplete        = errors.New("currency rebase incomplete")
	ErrInvalidVoucherBatch     = errors.New("invalid voucher batch")
	ErrInvalidServiceConfig    = errors.New("invalid service config")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}

// VoucherReason is the machine-readable cause of a rejected redemption.
type VoucherReason string

const (
	VoucherReasonUnknown  VoucherReason = "voucher_unknown"
	VoucherReasonRedeemed VoucherReason = "voucher_redeemed"
	VoucherReasonExpired  VoucherReason = "voucher_expired"
)

// VoucherError reports why a voucher could not be redeemed. It matches ErrVoucherInvalid.
type VoucherError struct {
	CardNumber string
	Reason     VoucherReason
}

// Error returns the formatted error message.
func (voucherError VoucherError) Error() string {
	return fmt.Sprintf("voucher %s: %s", voucherError.CardNumber, voucherError.Reason)
}

// Unwrap returns ErrVoucherInvalid.
func (voucherError VoucherError) Unwrap() error {
	return ErrVoucherInvalid
}

var reasonCodes = []struct {
	err  error
	code string
}{
	{err: ErrInsufficientCredit, code: "insufficient_credit"},
	{err: ErrRestrictedAccount, code: "restricted_account"},
	{err: ErrDuplicateCharge, code: "duplicate_charge"},
	{err: ErrDuplicateIdempotencyKey, code: "duplicate_idempotency_key"},
	{err: ErrAccountExists, code: "account_exists"},
	{err: ErrAccountDeleted, code: "account_deleted"},
	{err: ErrAccountDisabled, code: "account_disabled"},
	{err: ErrUnknownAccount, code: "unknown_account"},
	{err: ErrUnknownTransaction, code: "unknown_transaction"},
	{err: ErrCurrencyMismatch, code: "currency_mismatch"},
	{err: ErrInvalidAmount, code: "invalid_amount"},
}

// ReasonCode returns a stable machine-readable code for err, suitable for UI mapping.
// Voucher errors report their reason, OperationError its code, known sentinels their
// fixed code; anything else is "internal".
func ReasonCode(err error) string {
	if err == nil {
		return ""
	}
	var voucherError VoucherError
	if errors.As(err, &voucherError) {
		return string(voucherError.Reason)
	}
	var operationError OperationError
	if errors.As(err, &operationError) {
		return operationError.Code()
	}
	for _, candidate := range reasonCodes {
		if errors.Is(err, candidate.err) {
			return candidate.code
		}
	}
	return "internal"
}
