package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/printledger/pkg/ledger"
	"github.com/MarkoPoloResearchLab/printledger/pkg/outbox"
)

const (
	deliveryDateLayout = "2006-01-02"
	queryState         = "state"
	queryUser          = "user"
	queryLimit         = "limit"
	queryAfter         = "after"
)

type enqueueRequest struct {
	DocumentRef     string            `json:"document_ref" validate:"required,max=255"`
	ArtifactHandle  string            `json:"artifact_handle" validate:"max=1024"`
	Printer         string            `json:"printer"`
	PrinterGroup    string            `json:"printer_group"`
	Options         map[string]string `json:"options"`
	Documents       []documentRequest `json:"documents" validate:"required,min=1,dive"`
	ChunkByDocument bool              `json:"chunk_by_document"`
	Copies          int               `json:"copies" validate:"gte=0,lte=999"`
	Cost            string            `json:"cost" validate:"required,numeric"`
	ExpiresIn       string            `json:"expires_in"`
	CheckCredit     bool              `json:"check_credit"`
}

type documentRequest struct {
	Ref    string         `json:"ref" validate:"required"`
	Name   string         `json:"name"`
	Ranges []rangeRequest `json:"ranges" validate:"required,min=1,dive"`
}

type rangeRequest struct {
	First       int    `json:"first" validate:"gte=1"`
	Last        int    `json:"last" validate:"gtefield=First"`
	Media       string `json:"media"`
	MediaSource string `json:"media_source"`
}

type promoteRequest struct {
	DeliveryDate string `json:"delivery_date" validate:"required,datetime=2006-01-02"`
	Label        string `json:"label" validate:"max=80"`
}

type extendRequest struct {
	ExpiresAt time.Time `json:"expires_at" validate:"required"`
}

type dispatchRequest struct {
	Options map[string]string `json:"options"`
}

type settleRequest struct {
	Printer string `json:"printer" validate:"required"`
}

type redeemRequest struct {
	CardNumber string `json:"card_number" validate:"required"`
}

type creditRequest struct {
	Amount         string `json:"amount" validate:"required,numeric"`
	Type           string `json:"type" validate:"omitempty,oneof=DEPOSIT ADJUST"`
	Comment        string `json:"comment" validate:"max=255"`
	IdempotencyKey string `json:"idempotency_key"`
}

type voucherBatchRequest struct {
	BatchID   string    `json:"batch_id" validate:"required,alphanum,max=32"`
	Count     int       `json:"count" validate:"gte=1,lte=10000"`
	Value     string    `json:"value" validate:"required,numeric"`
	ExpiresAt time.Time `json:"expires_at" validate:"required"`
}

func (handler *Handler) handleSession(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"user_id":  claims.GetUserID(),
		"email":    claims.GetUserEmail(),
		"display":  claims.GetUserDisplayName(),
		"roles":    claims.GetUserRoles(),
		"operator": handler.isOperator(claims),
		"expires":  claims.GetExpiresAt().Unix(),
	})
}

func (handler *Handler) handleBalance(ctx *gin.Context) {
	userID, ok := sessionUser(ctx)
	if !ok {
		return
	}
	account, err := handler.accounts.UserAccount(ctx.Request.Context(), userID, ledger.AccountPersonal)
	if err != nil {
		handler.respondError(ctx, "balance", err)
		return
	}
	balance, floor, err := handler.accounts.Balance(ctx.Request.Context(), account.ID)
	if err != nil {
		handler.respondError(ctx, "balance", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"account_id": strconv.FormatInt(account.ID.Int64(), 10),
		"balance":    balance.String(),
		"floor":      floor.String(),
		"available":  balance.Sub(floor).String(),
	})
}

func (handler *Handler) handleRedeemVoucher(ctx *gin.Context) {
	userID, ok := sessionUser(ctx)
	if !ok {
		return
	}
	var request redeemRequest
	if !handler.bind(ctx, &request) {
		return
	}
	account, err := handler.accounts.LazyGetOrCreateAccount(ctx.Request.Context(), userID.String(), ledger.AccountPersonal, ledger.AccountTemplate{})
	if err != nil {
		handler.respondError(ctx, "redeem voucher", err)
		return
	}
	trx, err := handler.accounts.RedeemVoucher(ctx.Request.Context(), request.CardNumber, account.ID, handler.now())
	if err != nil {
		handler.respondError(ctx, "redeem voucher", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"transaction": newTransactionPayload(trx)})
}

func (handler *Handler) handleListJobs(ctx *gin.Context) {
	userID, ok := sessionUser(ctx)
	if !ok {
		return
	}
	states, err := parseStates(ctx.Query(queryState))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_state", err.Error()))
		return
	}
	jobs, err := handler.queue.ListUserJobs(ctx.Request.Context(), userID.String(), states...)
	if err != nil {
		handler.respondError(ctx, "list jobs", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"jobs": newJobPayloads(jobs)})
}

func (handler *Handler) handleEnqueue(ctx *gin.Context) {
	userID, ok := sessionUser(ctx)
	if !ok {
		return
	}
	var request enqueueRequest
	if !handler.bind(ctx, &request) {
		return
	}
	cost, err := decimal.NewFromString(request.Cost)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_amount", err.Error()))
		return
	}
	var expiry time.Duration
	if strings.TrimSpace(request.ExpiresIn) != "" {
		expiry, err = time.ParseDuration(request.ExpiresIn)
		if err != nil || expiry <= 0 {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_expiry", "expires_in must be a positive duration"))
			return
		}
	}
	documents := make([]outbox.Document, 0, len(request.Documents))
	for _, document := range request.Documents {
		ranges := make([]outbox.PageRange, 0, len(document.Ranges))
		for _, pageRange := range document.Ranges {
			ranges = append(ranges, outbox.PageRange{
				First:       pageRange.First,
				Last:        pageRange.Last,
				Media:       pageRange.Media,
				MediaSource: pageRange.MediaSource,
			})
		}
		documents = append(documents, outbox.Document{Ref: document.Ref, Name: document.Name, Ranges: ranges})
	}
	job, err := handler.queue.Enqueue(ctx.Request.Context(), outbox.EnqueueRequest{
		UserID:          userID.String(),
		DocumentRef:     request.DocumentRef,
		ArtifactHandle:  request.ArtifactHandle,
		Printer:         request.Printer,
		PrinterGroup:    request.PrinterGroup,
		Options:         request.Options,
		Documents:       documents,
		ChunkByDocument: request.ChunkByDocument,
		Copies:          request.Copies,
		Cost:            cost,
		CheckCredit:     request.CheckCredit,
	}, expiry)
	if err != nil {
		handler.respondError(ctx, "enqueue", err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"job": newJobPayload(job)})
}

func (handler *Handler) handlePreview(ctx *gin.Context) {
	userID, ok := sessionUser(ctx)
	if !ok {
		return
	}
	if err := handler.queue.RecordPreview(ctx.Request.Context(), userID.String()); err != nil {
		handler.respondError(ctx, "record preview", err)
		return
	}
	jobs, err := handler.queue.ListUserJobs(ctx.Request.Context(), userID.String(), outbox.StatePending)
	if err != nil {
		handler.respondError(ctx, "record preview", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"jobs": newJobPayloads(jobs)})
}

func (handler *Handler) handleCancelOwnJob(ctx *gin.Context) {
	userID, ok := sessionUser(ctx)
	if !ok {
		return
	}
	job, err := handler.queue.Job(ctx.Request.Context(), ctx.Param("id"))
	if err != nil {
		handler.respondError(ctx, "cancel job", err)
		return
	}
	if job.UserID != userID.String() {
		ctx.JSON(http.StatusNotFound, errorResponse("unknown_job", "job not found"))
		return
	}
	canceled, err := handler.queue.Cancel(ctx.Request.Context(), job.ID, userID.String())
	if err != nil {
		handler.respondError(ctx, "cancel job", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"job": newJobPayload(canceled)})
}

func (handler *Handler) handleListTickets(ctx *gin.Context) {
	states, err := parseStates(ctx.Query(queryState))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_state", err.Error()))
		return
	}
	filter := outbox.JobFilter{States: states, AfterID: ctx.Query(queryAfter)}
	if user := strings.TrimSpace(ctx.Query(queryUser)); user != "" {
		userID, err := ledger.NewUserID(user)
		if err != nil {
			handler.respondError(ctx, "list tickets", err)
			return
		}
		filter.UserID = userID.String()
	}
	if raw := ctx.Query(queryLimit); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_limit", "limit must be a positive integer"))
			return
		}
		filter.Limit = limit
	}
	tickets, err := handler.queue.ListTickets(ctx.Request.Context(), filter)
	if err != nil {
		handler.respondError(ctx, "list tickets", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"tickets": newJobPayloads(tickets)})
}

func (handler *Handler) handleGetTicket(ctx *gin.Context) {
	ticket, err := handler.queue.Ticket(ctx.Request.Context(), ctx.Param("number"))
	if err != nil {
		handler.respondError(ctx, "get ticket", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"ticket": newJobPayload(ticket)})
}

func (handler *Handler) handleResolvePrinter(ctx *gin.Context) {
	filter := map[string]string{}
	for key, values := range ctx.Request.URL.Query() {
		if len(values) > 0 {
			filter[key] = values[0]
		}
	}
	printer, err := handler.queue.ResolveRedirectPrinter(ctx.Request.Context(), ctx.Param("number"), filter)
	if err != nil {
		handler.respondError(ctx, "resolve printer", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"printer": gin.H{
		"name":         printer.Name,
		"display_name": printer.DisplayName,
		"groups":       printer.Groups,
	}})
}

func (handler *Handler) handleDispatch(ctx *gin.Context) {
	var request dispatchRequest
	if !handler.bindOptional(ctx, &request) {
		return
	}
	job, err := handler.queue.DispatchTicket(ctx.Request.Context(), ctx.Param("number"), request.Options)
	if err != nil {
		status, code := statusFor(err)
		handler.logFailure("dispatch ticket", status, err)
		body := errorResponse(code, err.Error())
		if job.ID != "" {
			body["ticket"] = newJobPayload(job)
		}
		ctx.JSON(status, body)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"ticket": newJobPayload(job)})
}

func (handler *Handler) handleSettle(ctx *gin.Context) {
	var request settleRequest
	if !handler.bind(ctx, &request) {
		return
	}
	job, err := handler.queue.Settle(ctx.Request.Context(), ctx.Param("number"), request.Printer, operatorName(ctx))
	if err != nil {
		handler.respondError(ctx, "settle ticket", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"ticket": newJobPayload(job)})
}

func (handler *Handler) handlePromote(ctx *gin.Context) {
	var request promoteRequest
	if !handler.bind(ctx, &request) {
		return
	}
	deliveryDate, err := time.ParseInLocation(deliveryDateLayout, request.DeliveryDate, time.UTC)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", err.Error()))
		return
	}
	job, err := handler.queue.PromoteToTicket(ctx.Request.Context(), ctx.Param("id"), deliveryDate, request.Label)
	if err != nil {
		handler.respondError(ctx, "promote job", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"ticket": newJobPayload(job)})
}

func (handler *Handler) handleCancel(ctx *gin.Context) {
	job, err := handler.queue.Cancel(ctx.Request.Context(), ctx.Param("id"), operatorName(ctx))
	if err != nil {
		handler.respondError(ctx, "cancel job", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"job": newJobPayload(job)})
}

func (handler *Handler) handleExtend(ctx *gin.Context) {
	var request extendRequest
	if !handler.bind(ctx, &request) {
		return
	}
	job, err := handler.queue.ExtendExpiry(ctx.Request.Context(), ctx.Param("id"), request.ExpiresAt)
	if err != nil {
		handler.respondError(ctx, "extend job", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"job": newJobPayload(job)})
}

func (handler *Handler) handleCredit(ctx *gin.Context) {
	var request creditRequest
	if !handler.bind(ctx, &request) {
		return
	}
	rawID, err := strconv.ParseInt(ctx.Param("id"), 10, 64)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_account_id", "account id must be an integer"))
		return
	}
	accountID, err := ledger.NewAccountID(rawID)
	if err != nil {
		handler.respondError(ctx, "credit", err)
		return
	}
	amount, err := ledger.ParsePositiveAmount(request.Amount)
	if err != nil {
		handler.respondError(ctx, "credit", err)
		return
	}
	trxType := ledger.TrxDeposit
	if request.Type != "" {
		trxType = ledger.TrxType(request.Type)
	}
	var key ledger.IdempotencyKey
	if strings.TrimSpace(request.IdempotencyKey) != "" {
		key, err = ledger.NewIdempotencyKey(request.IdempotencyKey)
		if err != nil {
			handler.respondError(ctx, "credit", err)
			return
		}
	}
	trx, err := handler.accounts.Credit(ctx.Request.Context(), ledger.CreditRequest{
		AccountID:      accountID,
		Amount:         amount,
		Type:           trxType,
		Comment:        request.Comment,
		IdempotencyKey: key,
	})
	if err != nil {
		handler.respondError(ctx, "credit", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"transaction": newTransactionPayload(trx)})
}

func (handler *Handler) handleCreateVoucherBatch(ctx *gin.Context) {
	var request voucherBatchRequest
	if !handler.bind(ctx, &request) {
		return
	}
	value, err := ledger.ParsePositiveAmount(request.Value)
	if err != nil {
		handler.respondError(ctx, "create voucher batch", err)
		return
	}
	vouchers, err := handler.accounts.CreateVoucherBatch(ctx.Request.Context(), ledger.VoucherBatchRequest{
		BatchID:   request.BatchID,
		Count:     request.Count,
		Value:     value,
		ExpiresAt: request.ExpiresAt,
	})
	if err != nil {
		handler.respondError(ctx, "create voucher batch", err)
		return
	}
	cards := make([]string, 0, len(vouchers))
	for _, voucher := range vouchers {
		cards = append(cards, voucher.CardNumber)
	}
	ctx.JSON(http.StatusCreated, gin.H{"batch_id": request.BatchID, "cards": cards})
}

func (handler *Handler) bind(ctx *gin.Context, target any) bool {
	if err := ctx.ShouldBindJSON(target); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return false
	}
	return handler.check(ctx, target)
}

// bindOptional accepts an empty body.
func (handler *Handler) bindOptional(ctx *gin.Context, target any) bool {
	if ctx.Request.ContentLength == 0 {
		return true
	}
	return handler.bind(ctx, target)
}

func (handler *Handler) check(ctx *gin.Context, target any) bool {
	if err := handler.validate.Struct(target); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", describeValidation(err)))
		return false
	}
	return true
}

func (handler *Handler) respondError(ctx *gin.Context, operation string, err error) {
	status, code := statusFor(err)
	handler.logFailure(operation, status, err)
	ctx.JSON(status, errorResponse(code, err.Error()))
}

func (handler *Handler) logFailure(operation string, status int, err error) {
	if status >= http.StatusInternalServerError {
		handler.logger.Error(operation+" failed", zap.Int("status", status), zap.Error(err))
		return
	}
	handler.logger.Info(operation+" refused", zap.Int("status", status), zap.Error(err))
}

func sessionUser(ctx *gin.Context) (ledger.UserID, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return ledger.UserID{}, false
	}
	userID, err := ledger.NewUserID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "session has no user"))
		return ledger.UserID{}, false
	}
	return userID, true
}

func operatorName(ctx *gin.Context) string {
	claims := getClaims(ctx)
	if claims == nil {
		return ""
	}
	return claims.GetUserID()
}

func parseStates(raw string) ([]outbox.JobState, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var states []outbox.JobState
	for _, part := range strings.Split(raw, ",") {
		state := outbox.JobState(strings.ToUpper(strings.TrimSpace(part)))
		switch state {
		case outbox.StatePending, outbox.StateTicketed, outbox.StatePrinting, outbox.StateCompleted, outbox.StateCanceled:
			states = append(states, state)
		default:
			return nil, errors.New("unknown state " + part)
		}
	}
	return states, nil
}
