package ledger

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// AccountID identifies an account. Ascending order of ids is the lock order.
type AccountID struct {
	value int64
}

// NewAccountID validates an account id.
func NewAccountID(raw int64) (AccountID, error) {
	if raw <= 0 {
		return AccountID{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidAccountID)
	}
	return AccountID{value: raw}, nil
}

// Int64 returns the numeric id.
func (id AccountID) Int64() int64 {
	return id.value
}

// String returns the decimal form of the id.
func (id AccountID) String() string {
	return strconv.FormatInt(id.value, 10)
}

// IsZero reports whether the id is unset.
func (id AccountID) IsZero() bool {
	return id.value == 0
}

// UserID identifies an account owner. User ids compare case-insensitively.
type UserID struct {
	value string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.ToLower(strings.TrimSpace(raw))
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// IdempotencyKey scopes duplicate detection.
type IdempotencyKey struct {
	value string
}

// NewIdempotencyKey validates and normalizes an idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return IdempotencyKey{value: trimmed}, nil
}

// String returns the normalized key.
func (key IdempotencyKey) String() string {
	return key.value
}

// IsZero reports whether the key is unset.
func (key IdempotencyKey) IsZero() bool {
	return key.value == ""
}

// PositiveAmount is a strictly positive money value with at most MoneyScale digits.
type PositiveAmount struct {
	value decimal.Decimal
}

// NewPositiveAmount validates an amount.
func NewPositiveAmount(raw decimal.Decimal) (PositiveAmount, error) {
	if !raw.IsPositive() {
		return PositiveAmount{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	if !raw.Equal(raw.Round(MoneyScale)) {
		return PositiveAmount{}, fmt.Errorf("%w: more than %d fractional digits", ErrInvalidAmount, MoneyScale)
	}
	return PositiveAmount{value: raw}, nil
}

// ParsePositiveAmount parses and validates a decimal string.
func ParsePositiveAmount(raw string) (PositiveAmount, error) {
	parsed, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return PositiveAmount{}, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	return NewPositiveAmount(parsed)
}

// Decimal returns the amount value.
func (amount PositiveAmount) Decimal() decimal.Decimal {
	return amount.value
}

// String returns the amount in fixed notation.
func (amount PositiveAmount) String() string {
	return amount.value.String()
}

// AccountType enumerates account kinds.
type AccountType string

const (
	AccountPersonal AccountType = "PERSONAL"
	AccountShared   AccountType = "SHARED"
	AccountGroup    AccountType = "GROUP"
)

// ParseAccountType validates an account type name.
func ParseAccountType(raw string) (AccountType, error) {
	accountType := AccountType(strings.ToUpper(strings.TrimSpace(raw)))
	switch accountType {
	case AccountPersonal, AccountShared, AccountGroup:
		return accountType, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidAccountType, raw)
	}
}

// TrxType enumerates account transaction kinds.
type TrxType string

const (
	TrxPrint           TrxType = "PRINT"
	TrxDeposit         TrxType = "DEPOSIT"
	TrxVoucherRedeem   TrxType = "VOUCHER_REDEEM"
	TrxAdjust          TrxType = "ADJUST"
	TrxTransferIn      TrxType = "TRANSFER_IN"
	TrxTransferOut     TrxType = "TRANSFER_OUT"
	TrxCurrencyChange  TrxType = "CURRENCY_CHANGE"
	TrxGatewayPending  TrxType = "GATEWAY_PENDING"
	TrxGatewayAccepted TrxType = "GATEWAY_ACCEPTED"
)

// Account is a financial account holding a balance.
type Account struct {
	ID                 AccountID
	Name               string
	NameLower          string
	Type               AccountType
	Balance            decimal.Decimal
	OverdraftLimit     decimal.Decimal
	UseGlobalOverdraft bool
	Restricted         bool
	ParentID           *AccountID
	Disabled           bool
	Deleted            bool
	CreatedBy          string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Floor returns the lowest balance the account may reach.
// Restricted accounts never go below zero.
func (account Account) Floor(globalOverdraft decimal.Decimal) decimal.Decimal {
	if account.Restricted {
		return decimal.Zero
	}
	if account.UseGlobalOverdraft {
		return globalOverdraft.Neg()
	}
	return account.OverdraftLimit.Neg()
}

// Allows reports whether the balance may be lowered by amount.
func (account Account) Allows(amount decimal.Decimal, globalOverdraft decimal.Decimal) bool {
	return !account.Balance.Sub(amount).LessThan(account.Floor(globalOverdraft))
}

// AccountTemplate carries the policy copied into lazily created accounts.
type AccountTemplate struct {
	OverdraftLimit     decimal.Decimal
	UseGlobalOverdraft bool
	Restricted         bool
	ParentID           *AccountID
	CreatedBy          string
}

// AccountTrx is one immutable line in an account's history.
type AccountTrx struct {
	ID             int64
	AccountID      AccountID
	Amount         decimal.Decimal
	BalanceAfter   decimal.Decimal
	Type           TrxType
	Comment        string
	ExtID          string
	ExtAddress     string
	DocumentRef    string
	IdempotencyKey string
	CurrencyCode   string
	CreatedAt      time.Time
}

// Voucher is a prepaid card that credits an account once.
type Voucher struct {
	CardNumber        string
	Value             decimal.Decimal
	BatchID           string
	ExpiresAt         time.Time
	RedeemedAt        *time.Time
	RedeemedAccountID *AccountID
	CreatedAt         time.Time
}

// VoucherFilter selects vouchers. Zero fields do not filter.
type VoucherFilter struct {
	BatchID         string
	ExpiredBefore   *time.Time
	UnredeemedOnly  bool
	AfterCardNumber string
	Limit           int
}

// Predicate is one ANDed condition of a typed listing query.
type Predicate struct {
	Column   string
	Operator string
	Value    any
}

// Predicate operators.
const (
	OperatorEqual        = "="
	OperatorIn           = "IN"
	OperatorGreater      = ">"
	OperatorGreaterEqual = ">="
	OperatorLess         = "<"
)

// TransactionFilter selects account transactions. Zero fields do not filter.
type TransactionFilter struct {
	AccountID     *AccountID
	Types         []TrxType
	DocumentRef   string
	CreatedFrom   *time.Time
	CreatedBefore *time.Time
	AfterID       int64
	Limit         int
}

// Predicates returns the filter as a list of ANDed predicates in a stable order.
func (filter TransactionFilter) Predicates() []Predicate {
	predicates := make([]Predicate, 0, 6)
	if filter.AccountID != nil {
		predicates = append(predicates, Predicate{Column: "account_id", Operator: OperatorEqual, Value: filter.AccountID.Int64()})
	}
	if len(filter.Types) > 0 {
		types := make([]string, 0, len(filter.Types))
		for _, trxType := range filter.Types {
			types = append(types, string(trxType))
		}
		sort.Strings(types)
		predicates = append(predicates, Predicate{Column: "trx_type", Operator: OperatorIn, Value: types})
	}
	if filter.DocumentRef != "" {
		predicates = append(predicates, Predicate{Column: "document_ref", Operator: OperatorEqual, Value: filter.DocumentRef})
	}
	if filter.CreatedFrom != nil {
		predicates = append(predicates, Predicate{Column: "created_at", Operator: OperatorGreaterEqual, Value: filter.CreatedFrom.UTC()})
	}
	if filter.CreatedBefore != nil {
		predicates = append(predicates, Predicate{Column: "created_at", Operator: OperatorLess, Value: filter.CreatedBefore.UTC()})
	}
	if filter.AfterID > 0 {
		predicates = append(predicates, Predicate{Column: "id", Operator: OperatorGreater, Value: filter.AfterID})
	}
	return predicates
}

// Store is the persistence contract used by Service.
// Lock and write methods are meant to be called on the store handed to WithTx.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	FindAccount(ctx context.Context, accountID AccountID) (Account, error)
	// LockAccounts returns the accounts in ascending id order, locked until the transaction ends.
	LockAccounts(ctx context.Context, accountIDs ...AccountID) ([]Account, error)
	FindUserAccount(ctx context.Context, userID UserID, accountType AccountType) (Account, error)
	FindAccountByName(ctx context.Context, accountType AccountType, nameLower string) (Account, error)
	// CreateAccount fails with ErrAccountExists on a name or owner conflict.
	CreateAccount(ctx context.Context, account Account, owner *UserID) (Account, error)
	UpdateAccount(ctx context.Context, account Account) error
	ListAccountsAfter(ctx context.Context, afterID int64, limit int) ([]Account, error)
	ListChildAccounts(ctx context.Context, parentID AccountID) ([]Account, error)
	// InsertTransaction fails with ErrDuplicateIdempotencyKey when the key is taken.
	InsertTransaction(ctx context.Context, trx AccountTrx) (AccountTrx, error)
	FindTransactionByKey(ctx context.Context, idempotencyKey string) (AccountTrx, error)
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]AccountTrx, error)
	DeleteTransactions(ctx context.Context, ids []int64) (int, error)
	ScrubTransactionComments(ctx context.Context, accountID AccountID) (int, error)
	InsertVouchers(ctx context.Context, vouchers []Voucher) error
	LockVoucher(ctx context.Context, cardNumber string) (Voucher, error)
	MarkVoucherRedeemed(ctx context.Context, cardNumber string, accountID AccountID, redeemedAt time.Time) error
	ListVouchers(ctx context.Context, filter VoucherFilter) ([]Voucher, error)
	DeleteVouchers(ctx context.Context, cardNumbers []string) (int, error)
	CurrencyCode(ctx context.Context) (string, error)
	SetCurrencyCode(ctx context.Context, code string) error
	// RebaseGeneration counts completed currency rebases; it starts at 0.
	RebaseGeneration(ctx context.Context) (int64, error)
	SetRebaseGeneration(ctx context.Context, generation int64) error
}

// BulkSession is a long-lived unit of work driven by a batch.Committer.
// WithTx on a session runs fn inside a savepoint so one bad row does not spoil the chunk.
type BulkSession interface {
	Store
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Notifier receives fire-and-forget ledger events.
type Notifier interface {
	NotifyCreditLimit(ctx context.Context, account Account, attempted decimal.Decimal) error
}
