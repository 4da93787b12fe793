package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Service contains the domain logic over a Store.
type Service struct {
	store           Store
	now             func() time.Time
	logger          OperationLogger
	notifier        Notifier
	gate            Gate
	locker          *KeyedLocker
	globalOverdraft decimal.Decimal
	newID           func() string
	pageSize        int
	printRetry      time.Duration
}

// NewService wires a Service.
func NewService(store Store, now func() time.Time, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{
		store:           store,
		now:             now,
		gate:            NewLocalGate(),
		locker:          NewKeyedLocker(),
		globalOverdraft: decimal.Zero,
		newID:           uuid.NewString,
		pageSize:        defaultPageSize,
		printRetry:      defaultPrintRetryHorizon,
	}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	if service.gate == nil {
		return nil, fmt.Errorf("%w: gate is nil", ErrInvalidServiceConfig)
	}
	if service.newID == nil {
		return nil, fmt.Errorf("%w: id generator is nil", ErrInvalidServiceConfig)
	}
	if service.pageSize < 1 {
		return nil, fmt.Errorf("%w: page size must be positive", ErrInvalidServiceConfig)
	}
	if service.globalOverdraft.IsNegative() {
		return nil, fmt.Errorf("%w: global overdraft must not be negative", ErrInvalidServiceConfig)
	}
	if service.printRetry < 0 {
		return nil, fmt.Errorf("%w: print retry horizon must not be negative", ErrInvalidServiceConfig)
	}
	return service, nil
}

// ChargeRequest debits an account for a printed document.
type ChargeRequest struct {
	AccountID      AccountID
	Amount         PositiveAmount
	Type           TrxType
	DocumentRef    string
	IdempotencyKey IdempotencyKey
	Comment        string
}

// ChargeResult is the transaction behind a charge. Replayed is set when the
// idempotency key had already been charged and nothing new was written.
type ChargeResult struct {
	Transaction AccountTrx
	Replayed    bool
}

// CreditRequest increments an account. A zero IdempotencyKey gets a generated one.
type CreditRequest struct {
	AccountID      AccountID
	Amount         PositiveAmount
	Type           TrxType
	Comment        string
	ExtID          string
	ExtAddress     string
	IdempotencyKey IdempotencyKey
}

// TransferRequest moves an amount between two accounts.
type TransferRequest struct {
	From           AccountID
	To             AccountID
	Amount         PositiveAmount
	Comment        string
	IdempotencyKey IdempotencyKey
}

// TransferResult holds the two legs of a transfer.
type TransferResult struct {
	Out      AccountTrx
	In       AccountTrx
	Replayed bool
}

// Account returns an account by id.
func (service *Service) Account(ctx context.Context, accountID AccountID) (Account, error) {
	return service.store.FindAccount(ctx, accountID)
}

// UserAccount returns the account a user owns for the given type.
func (service *Service) UserAccount(ctx context.Context, userID UserID, accountType AccountType) (Account, error) {
	return service.store.FindUserAccount(ctx, userID, accountType)
}

// LazyGetOrCreateAccount returns the account owned by ownerKey, creating it from
// template on first use. PERSONAL accounts are keyed by user id, SHARED and GROUP
// accounts by name. Concurrent creators race on the store's unique constraints and
// the losers re-read the winner's row.
func (service *Service) LazyGetOrCreateAccount(ctx context.Context, ownerKey string, accountType AccountType, template AccountTemplate) (Account, error) {
	if _, err := ParseAccountType(string(accountType)); err != nil {
		return Account{}, err
	}
	var owner *UserID
	name := strings.TrimSpace(ownerKey)
	if accountType == AccountPersonal {
		userID, err := NewUserID(ownerKey)
		if err != nil {
			return Account{}, err
		}
		owner = &userID
		name = userID.String()
	}
	if name == "" {
		return Account{}, fmt.Errorf("%w: empty name", ErrInvalidAccountName)
	}
	if template.ParentID != nil {
		parent, err := service.store.FindAccount(ctx, *template.ParentID)
		if err != nil {
			return Account{}, err
		}
		if err := checkUsable(parent); err != nil {
			return Account{}, WrapError(operationLazyAccount, "parent", "unusable", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt < defaultLazyCreateRetries; attempt++ {
		existing, err := service.findOwnedAccount(ctx, owner, accountType, name)
		if err == nil {
			if existing.Deleted {
				return Account{}, WrapError(operationLazyAccount, "account", "deleted", ErrAccountDeleted)
			}
			return existing, nil
		}
		if !errors.Is(err, ErrUnknownAccount) {
			return Account{}, err
		}
		created, err := service.store.CreateAccount(ctx, service.newAccount(name, accountType, template), owner)
		if err == nil {
			service.logOperation(ctx, OperationLog{Operation: operationLazyAccount, AccountID: created.ID})
			return created, nil
		}
		if !errors.Is(err, ErrAccountExists) {
			service.logOperation(ctx, OperationLog{Operation: operationLazyAccount, Error: err})
			return Account{}, err
		}
		lastErr = err
	}
	return Account{}, WrapError(operationLazyAccount, "account", "conflict", lastErr)
}

// CheckCredit reports whether amount could be charged to the account right now.
func (service *Service) CheckCredit(ctx context.Context, accountID AccountID, amount PositiveAmount) error {
	account, err := service.store.FindAccount(ctx, accountID)
	if err != nil {
		return err
	}
	return service.checkDebit(operationCharge, account, amount.Decimal(), true)
}

// Charge debits an account once per idempotency key. A retry with the same key
// returns the original transaction with Replayed set.
func (service *Service) Charge(ctx context.Context, request ChargeRequest) (ChargeResult, error) {
	result, err := service.charge(ctx, request)
	service.logOperation(ctx, OperationLog{
		Operation:      operationCharge,
		AccountID:      request.AccountID,
		Amount:         request.Amount.Decimal(),
		TrxType:        request.Type,
		IdempotencyKey: request.IdempotencyKey.String(),
		DocumentRef:    request.DocumentRef,
		Replayed:       result.Replayed,
		Error:          err,
	})
	return result, err
}

func (service *Service) charge(ctx context.Context, request ChargeRequest) (ChargeResult, error) {
	if err := validateChargeRequest(request); err != nil {
		return ChargeResult{}, err
	}
	release, err := service.gate.Shared(ctx)
	if err != nil {
		return ChargeResult{}, err
	}
	defer release()
	unlock := service.locker.Lock(request.AccountID)
	defer unlock()

	var result ChargeResult
	var refused *Account
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		existing, err := transactionStore.FindTransactionByKey(ctx, request.IdempotencyKey.String())
		if err == nil {
			return replayCharge(existing, request, &result)
		}
		if !errors.Is(err, ErrUnknownTransaction) {
			return err
		}
		accounts, err := transactionStore.LockAccounts(ctx, request.AccountID)
		if err != nil {
			return err
		}
		account := accounts[0]
		if err := service.checkDebit(operationCharge, account, request.Amount.Decimal(), true); err != nil {
			if errors.Is(err, ErrInsufficientCredit) {
				refused = &account
			}
			return err
		}
		trx, err := service.post(ctx, transactionStore, &account, request.Amount.Decimal().Neg(), AccountTrx{
			Type:           request.Type,
			Comment:        request.Comment,
			DocumentRef:    request.DocumentRef,
			IdempotencyKey: request.IdempotencyKey.String(),
		})
		if err != nil {
			return err
		}
		result = ChargeResult{Transaction: trx}
		return nil
	})
	if errors.Is(operationError, ErrDuplicateIdempotencyKey) {
		// Lost an insert race to a concurrent retry: the committed row is the answer.
		existing, err := service.store.FindTransactionByKey(ctx, request.IdempotencyKey.String())
		if err != nil {
			return ChargeResult{}, err
		}
		result = ChargeResult{}
		operationError = replayCharge(existing, request, &result)
	}
	if refused != nil {
		service.notifyCreditLimit(ctx, *refused, request.Amount.Decimal())
	}
	if operationError != nil {
		return ChargeResult{}, operationError
	}
	return result, nil
}

// Credit increments an account without any limit check.
func (service *Service) Credit(ctx context.Context, request CreditRequest) (AccountTrx, error) {
	trx, err := service.credit(ctx, request)
	service.logOperation(ctx, OperationLog{
		Operation:      operationCredit,
		AccountID:      request.AccountID,
		Amount:         request.Amount.Decimal(),
		TrxType:        request.Type,
		IdempotencyKey: trx.IdempotencyKey,
		Error:          err,
	})
	return trx, err
}

func (service *Service) credit(ctx context.Context, request CreditRequest) (AccountTrx, error) {
	switch request.Type {
	case TrxDeposit, TrxAdjust, TrxGatewayAccepted:
	default:
		return AccountTrx{}, fmt.Errorf("%w: %q cannot be credited", ErrInvalidTransactionType, request.Type)
	}
	if request.AccountID.IsZero() {
		return AccountTrx{}, fmt.Errorf("%w: missing account", ErrInvalidAccountID)
	}
	if !request.Amount.Decimal().IsPositive() {
		return AccountTrx{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	key := request.IdempotencyKey.String()
	if request.IdempotencyKey.IsZero() {
		key = service.newID()
	}
	release, err := service.gate.Shared(ctx)
	if err != nil {
		return AccountTrx{}, err
	}
	defer release()
	unlock := service.locker.Lock(request.AccountID)
	defer unlock()

	var trx AccountTrx
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		existing, err := transactionStore.FindTransactionByKey(ctx, key)
		if err == nil {
			if existing.AccountID != request.AccountID {
				return WrapError(operationCredit, "idempotency_key", "conflict", ErrDuplicateIdempotencyKey)
			}
			trx = existing
			return nil
		}
		if !errors.Is(err, ErrUnknownTransaction) {
			return err
		}
		accounts, err := transactionStore.LockAccounts(ctx, request.AccountID)
		if err != nil {
			return err
		}
		account := accounts[0]
		if err := checkUsable(account); err != nil {
			return WrapError(operationCredit, "account", ReasonCode(err), err)
		}
		trx, err = service.post(ctx, transactionStore, &account, request.Amount.Decimal(), AccountTrx{
			Type:           request.Type,
			Comment:        request.Comment,
			ExtID:          request.ExtID,
			ExtAddress:     request.ExtAddress,
			IdempotencyKey: key,
		})
		return err
	})
	if operationError != nil {
		return AccountTrx{}, operationError
	}
	return trx, nil
}

// Transfer moves funds between two accounts as a TRANSFER_OUT and TRANSFER_IN pair.
// Restricted sources may transfer down to zero.
func (service *Service) Transfer(ctx context.Context, request TransferRequest) (TransferResult, error) {
	result, err := service.transfer(ctx, request)
	service.logOperation(ctx, OperationLog{
		Operation:      operationTransfer,
		AccountID:      request.From,
		Amount:         request.Amount.Decimal(),
		TrxType:        TrxTransferOut,
		IdempotencyKey: request.IdempotencyKey.String(),
		Replayed:       result.Replayed,
		Error:          err,
	})
	return result, err
}

func (service *Service) transfer(ctx context.Context, request TransferRequest) (TransferResult, error) {
	if request.From.IsZero() || request.To.IsZero() {
		return TransferResult{}, fmt.Errorf("%w: missing account", ErrInvalidAccountID)
	}
	if request.From == request.To {
		return TransferResult{}, fmt.Errorf("%w: source equals target", ErrInvalidTransfer)
	}
	if !request.Amount.Decimal().IsPositive() {
		return TransferResult{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	baseKey := request.IdempotencyKey.String()
	if request.IdempotencyKey.IsZero() {
		baseKey = service.newID()
	}
	outKey := deriveKey(baseKey, idempotencySuffixOut)
	inKey := deriveKey(baseKey, idempotencySuffixIn)

	release, err := service.gate.Shared(ctx)
	if err != nil {
		return TransferResult{}, err
	}
	defer release()
	unlock := service.locker.Lock(request.From, request.To)
	defer unlock()

	var result TransferResult
	var refused *Account
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		existingOut, err := transactionStore.FindTransactionByKey(ctx, outKey)
		if err == nil {
			existingIn, err := transactionStore.FindTransactionByKey(ctx, inKey)
			if err != nil {
				return err
			}
			if existingOut.AccountID != request.From || existingIn.AccountID != request.To {
				return WrapError(operationTransfer, "idempotency_key", "conflict", ErrDuplicateIdempotencyKey)
			}
			result = TransferResult{Out: existingOut, In: existingIn, Replayed: true}
			return nil
		}
		if !errors.Is(err, ErrUnknownTransaction) {
			return err
		}
		accounts, err := transactionStore.LockAccounts(ctx, request.From, request.To)
		if err != nil {
			return err
		}
		source, target := pickAccount(accounts, request.From), pickAccount(accounts, request.To)
		if err := service.checkDebit(operationTransfer, source, request.Amount.Decimal(), false); err != nil {
			if errors.Is(err, ErrInsufficientCredit) {
				refused = &source
			}
			return err
		}
		if err := checkUsable(target); err != nil {
			return WrapError(operationTransfer, "target", ReasonCode(err), err)
		}
		out, err := service.post(ctx, transactionStore, &source, request.Amount.Decimal().Neg(), AccountTrx{
			Type:           TrxTransferOut,
			Comment:        request.Comment,
			ExtID:          request.To.String(),
			IdempotencyKey: outKey,
		})
		if err != nil {
			return err
		}
		in, err := service.post(ctx, transactionStore, &target, request.Amount.Decimal(), AccountTrx{
			Type:           TrxTransferIn,
			Comment:        request.Comment,
			ExtID:          request.From.String(),
			IdempotencyKey: inKey,
		})
		if err != nil {
			return err
		}
		result = TransferResult{Out: out, In: in}
		return nil
	})
	if refused != nil {
		service.notifyCreditLimit(ctx, *refused, request.Amount.Decimal())
	}
	if operationError != nil {
		return TransferResult{}, operationError
	}
	return result, nil
}

// ListTransactions returns transactions matching filter in ascending id order.
func (service *Service) ListTransactions(ctx context.Context, filter TransactionFilter) ([]AccountTrx, error) {
	if filter.Limit <= 0 || filter.Limit > service.pageSize {
		filter.Limit = service.pageSize
	}
	return service.store.ListTransactions(ctx, filter)
}

// post applies delta to account, persists it and appends the matching transaction.
// The caller holds the account lock and has checked the floor.
func (service *Service) post(ctx context.Context, transactionStore Store, account *Account, delta decimal.Decimal, trx AccountTrx) (AccountTrx, error) {
	if trx.CurrencyCode == "" {
		currency, err := transactionStore.CurrencyCode(ctx)
		if err != nil {
			return AccountTrx{}, err
		}
		trx.CurrencyCode = currency
	}
	now := service.now().UTC()
	account.Balance = account.Balance.Add(delta)
	account.UpdatedAt = now
	if err := transactionStore.UpdateAccount(ctx, *account); err != nil {
		return AccountTrx{}, err
	}
	trx.AccountID = account.ID
	trx.Amount = delta
	trx.BalanceAfter = account.Balance
	trx.CreatedAt = now
	return transactionStore.InsertTransaction(ctx, trx)
}

func (service *Service) checkDebit(operation string, account Account, amount decimal.Decimal, direct bool) error {
	if err := checkUsable(account); err != nil {
		return WrapError(operation, "account", ReasonCode(err), err)
	}
	if direct && account.Restricted {
		return WrapError(operation, "account", "restricted_account", ErrRestrictedAccount)
	}
	if !account.Allows(amount, service.globalOverdraft) {
		return WrapError(operation, "balance", "insufficient_credit", ErrInsufficientCredit)
	}
	return nil
}

func (service *Service) findOwnedAccount(ctx context.Context, owner *UserID, accountType AccountType, name string) (Account, error) {
	if owner != nil {
		return service.store.FindUserAccount(ctx, *owner, accountType)
	}
	return service.store.FindAccountByName(ctx, accountType, strings.ToLower(name))
}

func (service *Service) newAccount(name string, accountType AccountType, template AccountTemplate) Account {
	now := service.now().UTC()
	return Account{
		Name:               name,
		NameLower:          strings.ToLower(name),
		Type:               accountType,
		Balance:            decimal.Zero,
		OverdraftLimit:     template.OverdraftLimit,
		UseGlobalOverdraft: template.UseGlobalOverdraft,
		Restricted:         template.Restricted,
		ParentID:           template.ParentID,
		CreatedBy:          template.CreatedBy,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

func (service *Service) notifyCreditLimit(ctx context.Context, account Account, attempted decimal.Decimal) {
	if service.notifier == nil {
		return
	}
	if err := service.notifier.NotifyCreditLimit(ctx, account, attempted); err != nil {
		service.logOperation(ctx, OperationLog{Operation: "notify_credit_limit", AccountID: account.ID, Amount: attempted, Error: err})
	}
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func validateChargeRequest(request ChargeRequest) error {
	switch request.Type {
	case TrxPrint, TrxAdjust:
	default:
		return fmt.Errorf("%w: %q cannot be charged", ErrInvalidTransactionType, request.Type)
	}
	if request.AccountID.IsZero() {
		return fmt.Errorf("%w: missing account", ErrInvalidAccountID)
	}
	if !request.Amount.Decimal().IsPositive() {
		return fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	if request.IdempotencyKey.IsZero() {
		return fmt.Errorf("%w: charges require a key", ErrInvalidIdempotencyKey)
	}
	return nil
}

func replayCharge(existing AccountTrx, request ChargeRequest, result *ChargeResult) error {
	if existing.AccountID != request.AccountID ||
		existing.DocumentRef != request.DocumentRef ||
		existing.Type != request.Type ||
		!existing.Amount.Equal(request.Amount.Decimal().Neg()) {
		return WrapError(operationCharge, "idempotency_key", "duplicate_charge", ErrDuplicateCharge)
	}
	*result = ChargeResult{Transaction: existing, Replayed: true}
	return nil
}

func checkUsable(account Account) error {
	if account.Deleted {
		return ErrAccountDeleted
	}
	if account.Disabled {
		return ErrAccountDisabled
	}
	return nil
}

func pickAccount(accounts []Account, accountID AccountID) Account {
	for _, account := range accounts {
		if account.ID == accountID {
			return account
		}
	}
	return Account{}
}

func deriveKey(baseKey string, suffix string) string {
	return baseKey + idempotencyKeyDelimiter + suffix
}
