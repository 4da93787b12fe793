package ledger

import "time"

const (
	operationLazyAccount     = "lazy_account"
	operationCharge          = "charge"
	operationChargeShares    = "charge_shares"
	operationCredit          = "credit"
	operationTransfer        = "transfer"
	operationRedeemVoucher   = "redeem_voucher"
	operationRebaseCurrency  = "rebase_currency"
	operationGatewayPending  = "gateway_pending"
	operationGatewayAccepted = "gateway_accepted"
	operationVoucherBatch    = "voucher_batch"
	operationVoucherSweep    = "voucher_sweep"
	operationPruneHistory    = "prune_history"
	operationDeleteAccount   = "delete_account"
	operationEraseComments   = "erase_comments"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	idempotencyKeyDelimiter  = ":"
	idempotencySuffixOut     = "out"
	idempotencySuffixIn      = "in"
	idempotencyPrefixVoucher = "voucher"
	idempotencyPrefixGateway = "gateway"
	idempotencyPrefixRebase  = "rebase"
	idempotencySuffixPending = "pending"
	idempotencySuffixAccept  = "accepted"

	// MoneyScale is the number of fractional digits kept for every amount.
	MoneyScale int32 = 6

	defaultPageSize          = 500
	defaultPrintRetryHorizon = 7 * 24 * time.Hour
	defaultLazyCreateRetries = 3
	defaultCurrencyCode      = "EUR"
)
