package outbox

import "time"

const (
	operationEnqueue       = "enqueue"
	operationPromote       = "promote_ticket"
	operationCancel        = "cancel"
	operationExtendExpiry  = "extend_expiry"
	operationSettle        = "settle"
	operationDispatch      = "dispatch"
	operationPrune         = "prune"
	operationRecordPreview = "record_preview"
	operationNotify        = "notify"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	// OptionMedia and OptionMediaSource are the IPP options chunking groups by.
	OptionMedia       = "media"
	OptionMediaSource = "media-source"

	ticketPrefix         = "TK"
	ticketSequencePrefix = "ticket:"
	ticketDateLayout     = "20060102"
	chargeKeyPrefix      = "outbox:"

	defaultExpiryWindow      = 24 * time.Hour
	defaultPageSize          = 200
	defaultMaxTicketAttempts = 5
)
