package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/MarkoPoloResearchLab/printledger/pkg/ledger"
)

const (
	errorInsufficientCredit      = "insufficient_credit"
	errorRestrictedAccount       = "restricted_account"
	errorDuplicateCharge         = "duplicate_charge"
	errorDuplicateIdempotencyKey = "duplicate_idempotency_key"
	errorUnknownAccount          = "unknown_account"
	errorAccountDeleted          = "account_deleted"
	errorAccountDisabled         = "account_disabled"
	errorInvalidAccountID        = "invalid_account_id"
	errorInvalidAccountType      = "invalid_account_type"
	errorInvalidUserID           = "invalid_user_id"
	errorInvalidIdempotencyKey   = "invalid_idempotency_key"
	errorInvalidAmount           = "invalid_amount"
	errorInvalidTransactionType  = "invalid_transaction_type"
	errorInvalidTransfer         = "invalid_transfer"
	errorInvalidListLimit        = "invalid_list_limit"
	errorUnknownField            = "unknown_field"

	fieldAccountID      = "account_id"
	fieldAccountType    = "account_type"
	fieldUserID         = "user_id"
	fieldAmount         = "amount"
	fieldType           = "type"
	fieldTypes          = "types"
	fieldDocumentRef    = "document_ref"
	fieldIdempotencyKey = "idempotency_key"
	fieldComment        = "comment"
	fieldExtID          = "ext_id"
	fieldExtAddress     = "ext_address"
	fieldFrom           = "from_account_id"
	fieldTo             = "to_account_id"
	fieldCardNumber     = "card_number"
	fieldAfterID        = "after_id"
	fieldLimit          = "limit"

	defaultListTransactionsLimit = 50
	maxListTransactionsLimit     = 200
)

// LedgerServer exposes the account ledger over gRPC. Messages are
// google.protobuf.Struct values keyed by snake_case field names; money travels
// as decimal strings.
type LedgerServer struct {
	ledgerService *ledger.Service
	now           func() time.Time
}

// NewLedgerServer constructs a gRPC server for the ledger service.
func NewLedgerServer(ledgerService *ledger.Service, now func() time.Time) *LedgerServer {
	if now == nil {
		now = time.Now
	}
	return &LedgerServer{ledgerService: ledgerService, now: now}
}

func (server *LedgerServer) GetBalance(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	accountID, err := accountIDField(request, fieldAccountID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	account, err := server.ledgerService.Account(ctx, accountID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	balance, floor, err := server.ledgerService.Balance(ctx, accountID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return newStruct(map[string]any{
		"account": accountPayload(account),
		"balance": balance.String(),
		"floor":   floor.String(),
	})
}

func (server *LedgerServer) GetUserAccount(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	userID, err := ledger.NewUserID(stringField(request, fieldUserID))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	accountType := ledger.AccountPersonal
	if raw := stringField(request, fieldAccountType); raw != "" {
		accountType, err = ledger.ParseAccountType(raw)
		if err != nil {
			return nil, mapToGRPCError(err)
		}
	}
	account, err := server.ledgerService.UserAccount(ctx, userID, accountType)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return newStruct(map[string]any{"account": accountPayload(account)})
}

func (server *LedgerServer) Charge(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	accountID, err := accountIDField(request, fieldAccountID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	amount, err := ledger.ParsePositiveAmount(stringField(request, fieldAmount))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	idem, err := ledger.NewIdempotencyKey(stringField(request, fieldIdempotencyKey))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	trxType := ledger.TrxPrint
	if raw := stringField(request, fieldType); raw != "" {
		trxType = ledger.TrxType(strings.ToUpper(raw))
	}
	result, err := server.ledgerService.Charge(ctx, ledger.ChargeRequest{
		AccountID:      accountID,
		Amount:         amount,
		Type:           trxType,
		DocumentRef:    stringField(request, fieldDocumentRef),
		IdempotencyKey: idem,
		Comment:        stringField(request, fieldComment),
	})
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return newStruct(map[string]any{
		"transaction": transactionPayload(result.Transaction),
		"replayed":    result.Replayed,
	})
}

func (server *LedgerServer) Credit(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	accountID, err := accountIDField(request, fieldAccountID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	amount, err := ledger.ParsePositiveAmount(stringField(request, fieldAmount))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	var idem ledger.IdempotencyKey
	if raw := stringField(request, fieldIdempotencyKey); raw != "" {
		idem, err = ledger.NewIdempotencyKey(raw)
		if err != nil {
			return nil, mapToGRPCError(err)
		}
	}
	trxType := ledger.TrxDeposit
	if raw := stringField(request, fieldType); raw != "" {
		trxType = ledger.TrxType(strings.ToUpper(raw))
	}
	trx, err := server.ledgerService.Credit(ctx, ledger.CreditRequest{
		AccountID:      accountID,
		Amount:         amount,
		Type:           trxType,
		Comment:        stringField(request, fieldComment),
		ExtID:          stringField(request, fieldExtID),
		ExtAddress:     stringField(request, fieldExtAddress),
		IdempotencyKey: idem,
	})
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return newStruct(map[string]any{"transaction": transactionPayload(trx)})
}

func (server *LedgerServer) Transfer(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	from, err := accountIDField(request, fieldFrom)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	to, err := accountIDField(request, fieldTo)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	amount, err := ledger.ParsePositiveAmount(stringField(request, fieldAmount))
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	var idem ledger.IdempotencyKey
	if raw := stringField(request, fieldIdempotencyKey); raw != "" {
		idem, err = ledger.NewIdempotencyKey(raw)
		if err != nil {
			return nil, mapToGRPCError(err)
		}
	}
	result, err := server.ledgerService.Transfer(ctx, ledger.TransferRequest{
		From:           from,
		To:             to,
		Amount:         amount,
		Comment:        stringField(request, fieldComment),
		IdempotencyKey: idem,
	})
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return newStruct(map[string]any{
		"out":      transactionPayload(result.Out),
		"in":       transactionPayload(result.In),
		"replayed": result.Replayed,
	})
}

func (server *LedgerServer) RedeemVoucher(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	accountID, err := accountIDField(request, fieldAccountID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	trx, err := server.ledgerService.RedeemVoucher(ctx, stringField(request, fieldCardNumber), accountID, server.now().UTC())
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	return newStruct(map[string]any{"transaction": transactionPayload(trx)})
}

func (server *LedgerServer) ListTransactions(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	accountID, err := accountIDField(request, fieldAccountID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	limit, err := normalizeListLimit(int64Field(request, fieldLimit))
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, errorInvalidListLimit)
	}
	filter := ledger.TransactionFilter{
		AccountID:   &accountID,
		DocumentRef: stringField(request, fieldDocumentRef),
		AfterID:     int64Field(request, fieldAfterID),
		Limit:       limit,
	}
	if list := request.GetFields()[fieldTypes].GetListValue(); list != nil {
		for _, value := range list.GetValues() {
			filter.Types = append(filter.Types, ledger.TrxType(strings.ToUpper(value.GetStringValue())))
		}
	}
	transactions, err := server.ledgerService.ListTransactions(ctx, filter)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	payload := make([]any, 0, len(transactions))
	for _, trx := range transactions {
		payload = append(payload, transactionPayload(trx))
	}
	return newStruct(map[string]any{"transactions": payload})
}

func normalizeListLimit(limit int64) (int, error) {
	if limit <= 0 {
		return defaultListTransactionsLimit, nil
	}
	if limit > maxListTransactionsLimit {
		return 0, fmt.Errorf("limit exceeds maximum: %d > %d", limit, maxListTransactionsLimit)
	}
	return int(limit), nil
}

func accountPayload(account ledger.Account) map[string]any {
	payload := map[string]any{
		"id":                   account.ID.String(),
		"name":                 account.Name,
		"type":                 string(account.Type),
		"balance":              account.Balance.String(),
		"overdraft_limit":      account.OverdraftLimit.String(),
		"use_global_overdraft": account.UseGlobalOverdraft,
		"restricted":           account.Restricted,
		"disabled":             account.Disabled,
		"deleted":              account.Deleted,
	}
	if account.ParentID != nil {
		payload["parent_id"] = account.ParentID.String()
	}
	return payload
}

func transactionPayload(trx ledger.AccountTrx) map[string]any {
	return map[string]any{
		"id":              strconv.FormatInt(trx.ID, 10),
		"account_id":      trx.AccountID.String(),
		"amount":          trx.Amount.String(),
		"balance_after":   trx.BalanceAfter.String(),
		"type":            string(trx.Type),
		"comment":         trx.Comment,
		"ext_id":          trx.ExtID,
		"document_ref":    trx.DocumentRef,
		"idempotency_key": trx.IdempotencyKey,
		"currency_code":   trx.CurrencyCode,
		"created_at":      trx.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func newStruct(fields map[string]any) (*structpb.Struct, error) {
	response, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return response, nil
}

func stringField(request *structpb.Struct, name string) string {
	value, ok := request.GetFields()[name]
	if !ok {
		return ""
	}
	switch kind := value.GetKind().(type) {
	case *structpb.Value_StringValue:
		return strings.TrimSpace(kind.StringValue)
	case *structpb.Value_NumberValue:
		return decimal.NewFromFloat(kind.NumberValue).String()
	default:
		return ""
	}
}

func int64Field(request *structpb.Struct, name string) int64 {
	value, ok := request.GetFields()[name]
	if !ok {
		return 0
	}
	switch kind := value.GetKind().(type) {
	case *structpb.Value_NumberValue:
		return int64(kind.NumberValue)
	case *structpb.Value_StringValue:
		parsed, err := strconv.ParseInt(strings.TrimSpace(kind.StringValue), 10, 64)
		if err != nil {
			return -1
		}
		return parsed
	default:
		return 0
	}
}

func accountIDField(request *structpb.Struct, name string) (ledger.AccountID, error) {
	accountID, err := ledger.NewAccountID(int64Field(request, name))
	if err != nil {
		return ledger.AccountID{}, fmt.Errorf("%s: %w", name, err)
	}
	return accountID, nil
}

func mapToGRPCError(source error) error {
	var voucherError ledger.VoucherError
	if errors.As(source, &voucherError) {
		if voucherError.Reason == ledger.VoucherReasonUnknown {
			return status.Error(codes.NotFound, string(voucherError.Reason))
		}
		return status.Error(codes.FailedPrecondition, string(voucherError.Reason))
	}
	if errors.Is(source, ledger.ErrInvalidAccountID) {
		return status.Error(codes.InvalidArgument, errorInvalidAccountID)
	}
	if errors.Is(source, ledger.ErrInvalidAccountType) {
		return status.Error(codes.InvalidArgument, errorInvalidAccountType)
	}
	if errors.Is(source, ledger.ErrInvalidUserID) {
		return status.Error(codes.InvalidArgument, errorInvalidUserID)
	}
	if errors.Is(source, ledger.ErrInvalidIdempotencyKey) {
		return status.Error(codes.InvalidArgument, errorInvalidIdempotencyKey)
	}
	if errors.Is(source, ledger.ErrInvalidAmount) {
		return status.Error(codes.InvalidArgument, errorInvalidAmount)
	}
	if errors.Is(source, ledger.ErrInvalidTransactionType) {
		return status.Error(codes.InvalidArgument, errorInvalidTransactionType)
	}
	if errors.Is(source, ledger.ErrInvalidTransfer) {
		return status.Error(codes.InvalidArgument, errorInvalidTransfer)
	}
	if errors.Is(source, ledger.ErrInsufficientCredit) {
		return status.Error(codes.FailedPrecondition, errorInsufficientCredit)
	}
	if errors.Is(source, ledger.ErrRestrictedAccount) {
		return status.Error(codes.FailedPrecondition, errorRestrictedAccount)
	}
	if errors.Is(source, ledger.ErrAccountDeleted) {
		return status.Error(codes.FailedPrecondition, errorAccountDeleted)
	}
	if errors.Is(source, ledger.ErrAccountDisabled) {
		return status.Error(codes.FailedPrecondition, errorAccountDisabled)
	}
	if errors.Is(source, ledger.ErrUnknownAccount) {
		return status.Error(codes.NotFound, errorUnknownAccount)
	}
	if errors.Is(source, ledger.ErrDuplicateCharge) {
		return status.Error(codes.AlreadyExists, errorDuplicateCharge)
	}
	if errors.Is(source, ledger.ErrDuplicateIdempotencyKey) {
		return status.Error(codes.AlreadyExists, errorDuplicateIdempotencyKey)
	}
	if errors.Is(source, context.Canceled) {
		return status.Error(codes.Canceled, source.Error())
	}
	if errors.Is(source, context.DeadlineExceeded) {
		return status.Error(codes.DeadlineExceeded, source.Error())
	}
	return status.Error(codes.Internal, source.Error())
}
