package ledger

import (
	"context"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/MarkoPoloResearchLab/printledger/pkg/batch"
)

type memoryState struct {
	accounts     map[int64]Account
	userAccounts map[string]int64
	transactions []AccountTrx
	vouchers     map[string]Voucher
	currency     string
	generation   int64
	nextAccount  int64
	nextTrx      int64
}

func (state *memoryState) clone() *memoryState {
	copied := &memoryState{
		accounts:     make(map[int64]Account, len(state.accounts)),
		userAccounts: make(map[string]int64, len(state.userAccounts)),
		transactions: append([]AccountTrx(nil), state.transactions...),
		vouchers:     make(map[string]Voucher, len(state.vouchers)),
		currency:     state.currency,
		generation:   state.generation,
		nextAccount:  state.nextAccount,
		nextTrx:      state.nextTrx,
	}
	for key, account := range state.accounts {
		copied.accounts[key] = account
	}
	for key, accountID := range state.userAccounts {
		copied.userAccounts[key] = accountID
	}
	for key, voucher := range state.vouchers {
		copied.vouchers[key] = voucher
	}
	return copied
}

// memoryStore is an in-memory Store. Top-level calls serialize on a shared mutex;
// WithTx runs fn against a copy that replaces the parent state on success.
type memoryStore struct {
	mutex          *sync.Mutex
	state          *memoryState
	inTx           bool
	hooks          *memoryHooks
	sessionParent  *memoryStore
	sessionCommits *int
}

type memoryHooks struct {
	mutex          sync.Mutex
	failures       map[string]error
	updateFailures map[int64]error
	beforeCreate   func(state *memoryState)
}

func (hooks *memoryHooks) fail(method string) error {
	hooks.mutex.Lock()
	defer hooks.mutex.Unlock()
	return hooks.failures[method]
}

func newMemoryStore(test *testing.T) *memoryStore {
	test.Helper()
	return &memoryStore{
		mutex: &sync.Mutex{},
		state: &memoryState{
			accounts:     make(map[int64]Account),
			userAccounts: make(map[string]int64),
			vouchers:     make(map[string]Voucher),
			currency:     "EUR",
		},
		hooks: &memoryHooks{failures: make(map[string]error), updateFailures: make(map[int64]error)},
	}
}

func (store *memoryStore) setFailure(method string, err error) {
	store.hooks.mutex.Lock()
	defer store.hooks.mutex.Unlock()
	store.hooks.failures[method] = err
}

func (store *memoryStore) guard() func() {
	if store.inTx {
		return func() {}
	}
	store.mutex.Lock()
	return store.mutex.Unlock
}

func (store *memoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	if err := store.hooks.fail("WithTx"); err != nil {
		return err
	}
	unlock := store.guard()
	defer unlock()
	draft := &memoryStore{mutex: store.mutex, state: store.state.clone(), inTx: true, hooks: store.hooks}
	if err := fn(ctx, draft); err != nil {
		return err
	}
	*store.state = *draft.state
	return nil
}

// begin opens a bulk session over a private copy of the state.
func (store *memoryStore) begin(context.Context) (BulkSession, error) {
	if err := store.hooks.fail("Begin"); err != nil {
		return nil, err
	}
	unlock := store.guard()
	defer unlock()
	return &memoryStore{mutex: store.mutex, state: store.state.clone(), inTx: true, hooks: store.hooks, sessionParent: store}, nil
}

func (store *memoryStore) Commit(context.Context) error {
	if err := store.hooks.fail("Commit"); err != nil {
		return err
	}
	parent := store.sessionParent
	unlock := parent.guard()
	defer unlock()
	*parent.state = *store.state.clone()
	return nil
}

func (store *memoryStore) Rollback(context.Context) error {
	return nil
}

func (store *memoryStore) FindAccount(_ context.Context, accountID AccountID) (Account, error) {
	unlock := store.guard()
	defer unlock()
	if err := store.hooks.fail("FindAccount"); err != nil {
		return Account{}, err
	}
	account, ok := store.state.accounts[accountID.Int64()]
	if !ok {
		return Account{}, ErrUnknownAccount
	}
	return account, nil
}

func (store *memoryStore) LockAccounts(_ context.Context, accountIDs ...AccountID) ([]Account, error) {
	unlock := store.guard()
	defer unlock()
	if err := store.hooks.fail("LockAccounts"); err != nil {
		return nil, err
	}
	accounts := make([]Account, 0, len(accountIDs))
	for _, key := range sortedKeys(accountIDs) {
		account, ok := store.state.accounts[key]
		if !ok {
			return nil, ErrUnknownAccount
		}
		accounts = append(accounts, account)
	}
	return accounts, nil
}

func (store *memoryStore) FindUserAccount(_ context.Context, userID UserID, accountType AccountType) (Account, error) {
	unlock := store.guard()
	defer unlock()
	accountID, ok := store.state.userAccounts[userAccountKey(userID, accountType)]
	if !ok {
		return Account{}, ErrUnknownAccount
	}
	return store.state.accounts[accountID], nil
}

func (store *memoryStore) FindAccountByName(_ context.Context, accountType AccountType, nameLower string) (Account, error) {
	unlock := store.guard()
	defer unlock()
	for _, account := range store.state.accounts {
		if account.Type == accountType && account.NameLower == nameLower {
			return account, nil
		}
	}
	return Account{}, ErrUnknownAccount
}

func (store *memoryStore) CreateAccount(_ context.Context, account Account, owner *UserID) (Account, error) {
	unlock := store.guard()
	defer unlock()
	if store.hooks.beforeCreate != nil {
		hook := store.hooks.beforeCreate
		store.hooks.beforeCreate = nil
		hook(store.state)
	}
	if err := store.hooks.fail("CreateAccount"); err != nil {
		return Account{}, err
	}
	for _, existing := range store.state.accounts {
		if existing.Type == account.Type && existing.NameLower == account.NameLower {
			return Account{}, ErrAccountExists
		}
	}
	if owner != nil {
		if _, taken := store.state.userAccounts[userAccountKey(*owner, account.Type)]; taken {
			return Account{}, ErrAccountExists
		}
	}
	store.state.nextAccount++
	account.ID = AccountID{value: store.state.nextAccount}
	store.state.accounts[account.ID.Int64()] = account
	if owner != nil {
		store.state.userAccounts[userAccountKey(*owner, account.Type)] = account.ID.Int64()
	}
	return account, nil
}

func (store *memoryStore) UpdateAccount(_ context.Context, account Account) error {
	unlock := store.guard()
	defer unlock()
	if err := store.hooks.fail("UpdateAccount"); err != nil {
		return err
	}
	store.hooks.mutex.Lock()
	failure := store.hooks.updateFailures[account.ID.Int64()]
	store.hooks.mutex.Unlock()
	if failure != nil {
		return failure
	}
	if _, ok := store.state.accounts[account.ID.Int64()]; !ok {
		return ErrUnknownAccount
	}
	store.state.accounts[account.ID.Int64()] = account
	return nil
}

func (store *memoryStore) ListAccountsAfter(_ context.Context, afterID int64, limit int) ([]Account, error) {
	unlock := store.guard()
	defer unlock()
	if err := store.hooks.fail("ListAccountsAfter"); err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(store.state.accounts))
	for id := range store.state.accounts {
		if id > afterID {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(left, right int) bool { return ids[left] < ids[right] })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	accounts := make([]Account, 0, len(ids))
	for _, id := range ids {
		accounts = append(accounts, store.state.accounts[id])
	}
	return accounts, nil
}

func (store *memoryStore) ListChildAccounts(_ context.Context, parentID AccountID) ([]Account, error) {
	unlock := store.guard()
	defer unlock()
	var children []Account
	for _, account := range store.state.accounts {
		if account.ParentID != nil && *account.ParentID == parentID {
			children = append(children, account)
		}
	}
	sort.Slice(children, func(left, right int) bool { return children[left].ID.Int64() < children[right].ID.Int64() })
	return children, nil
}

func (store *memoryStore) InsertTransaction(_ context.Context, trx AccountTrx) (AccountTrx, error) {
	unlock := store.guard()
	defer unlock()
	if err := store.hooks.fail("InsertTransaction"); err != nil {
		return AccountTrx{}, err
	}
	for _, existing := range store.state.transactions {
		if existing.IdempotencyKey == trx.IdempotencyKey {
			return AccountTrx{}, ErrDuplicateIdempotencyKey
		}
	}
	store.state.nextTrx++
	trx.ID = store.state.nextTrx
	store.state.transactions = append(store.state.transactions, trx)
	return trx, nil
}

func (store *memoryStore) FindTransactionByKey(_ context.Context, idempotencyKey string) (AccountTrx, error) {
	unlock := store.guard()
	defer unlock()
	if err := store.hooks.fail("FindTransactionByKey"); err != nil {
		return AccountTrx{}, err
	}
	for _, existing := range store.state.transactions {
		if existing.IdempotencyKey == idempotencyKey {
			return existing, nil
		}
	}
	return AccountTrx{}, ErrUnknownTransaction
}

func (store *memoryStore) ListTransactions(_ context.Context, filter TransactionFilter) ([]AccountTrx, error) {
	unlock := store.guard()
	defer unlock()
	if err := store.hooks.fail("ListTransactions"); err != nil {
		return nil, err
	}
	var matched []AccountTrx
	for _, trx := range store.state.transactions {
		if filter.AccountID != nil && trx.AccountID != *filter.AccountID {
			continue
		}
		if filter.DocumentRef != "" && trx.DocumentRef != filter.DocumentRef {
			continue
		}
		if filter.CreatedBefore != nil && !trx.CreatedAt.Before(*filter.CreatedBefore) {
			continue
		}
		if filter.CreatedFrom != nil && trx.CreatedAt.Before(*filter.CreatedFrom) {
			continue
		}
		if trx.ID <= filter.AfterID {
			continue
		}
		if len(filter.Types) > 0 && !containsType(filter.Types, trx.Type) {
			continue
		}
		matched = append(matched, trx)
		if filter.Limit > 0 && len(matched) == filter.Limit {
			break
		}
	}
	return matched, nil
}

func (store *memoryStore) DeleteTransactions(_ context.Context, ids []int64) (int, error) {
	unlock := store.guard()
	defer unlock()
	if err := store.hooks.fail("DeleteTransactions"); err != nil {
		return 0, err
	}
	remove := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		remove[id] = struct{}{}
	}
	kept := store.state.transactions[:0:0]
	for _, trx := range store.state.transactions {
		if _, drop := remove[trx.ID]; drop {
			continue
		}
		kept = append(kept, trx)
	}
	deleted := len(store.state.transactions) - len(kept)
	store.state.transactions = kept
	return deleted, nil
}

func (store *memoryStore) ScrubTransactionComments(_ context.Context, accountID AccountID) (int, error) {
	unlock := store.guard()
	defer unlock()
	scrubbed := 0
	for index, trx := range store.state.transactions {
		if trx.AccountID == accountID && trx.Comment != "" {
			store.state.transactions[index].Comment = ""
			scrubbed++
		}
	}
	return scrubbed, nil
}

func (store *memoryStore) InsertVouchers(_ context.Context, vouchers []Voucher) error {
	unlock := store.guard()
	defer unlock()
	for _, voucher := range vouchers {
		if _, taken := store.state.vouchers[voucher.CardNumber]; taken {
			return ErrVoucherExists
		}
		store.state.vouchers[voucher.CardNumber] = voucher
	}
	return nil
}

func (store *memoryStore) LockVoucher(_ context.Context, cardNumber string) (Voucher, error) {
	unlock := store.guard()
	defer unlock()
	voucher, ok := store.state.vouchers[cardNumber]
	if !ok {
		return Voucher{}, ErrUnknownVoucher
	}
	return voucher, nil
}

func (store *memoryStore) MarkVoucherRedeemed(_ context.Context, cardNumber string, accountID AccountID, redeemedAt time.Time) error {
	unlock := store.guard()
	defer unlock()
	voucher, ok := store.state.vouchers[cardNumber]
	if !ok {
		return ErrUnknownVoucher
	}
	voucher.RedeemedAt = &redeemedAt
	voucher.RedeemedAccountID = &accountID
	store.state.vouchers[cardNumber] = voucher
	return nil
}

func (store *memoryStore) ListVouchers(_ context.Context, filter VoucherFilter) ([]Voucher, error) {
	unlock := store.guard()
	defer unlock()
	cards := make([]string, 0, len(store.state.vouchers))
	for card := range store.state.vouchers {
		cards = append(cards, card)
	}
	sort.Strings(cards)
	var matched []Voucher
	for _, card := range cards {
		voucher := store.state.vouchers[card]
		if card <= filter.AfterCardNumber {
			continue
		}
		if filter.BatchID != "" && voucher.BatchID != filter.BatchID {
			continue
		}
		if filter.UnredeemedOnly && voucher.RedeemedAt != nil {
			continue
		}
		if filter.ExpiredBefore != nil && !voucher.ExpiresAt.Before(*filter.ExpiredBefore) {
			continue
		}
		matched = append(matched, voucher)
		if filter.Limit > 0 && len(matched) == filter.Limit {
			break
		}
	}
	return matched, nil
}

func (store *memoryStore) DeleteVouchers(_ context.Context, cardNumbers []string) (int, error) {
	unlock := store.guard()
	defer unlock()
	deleted := 0
	for _, card := range cardNumbers {
		if _, ok := store.state.vouchers[card]; ok {
			delete(store.state.vouchers, card)
			deleted++
		}
	}
	return deleted, nil
}

func (store *memoryStore) CurrencyCode(context.Context) (string, error) {
	unlock := store.guard()
	defer unlock()
	return store.state.currency, nil
}

func (store *memoryStore) SetCurrencyCode(_ context.Context, code string) error {
	unlock := store.guard()
	defer unlock()
	store.state.currency = code
	return nil
}

func (store *memoryStore) RebaseGeneration(context.Context) (int64, error) {
	unlock := store.guard()
	defer unlock()
	return store.state.generation, nil
}

func (store *memoryStore) SetRebaseGeneration(_ context.Context, generation int64) error {
	unlock := store.guard()
	defer unlock()
	store.state.generation = generation
	return nil
}

func (store *memoryStore) snapshot() *memoryState {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.state.clone()
}

func (store *memoryStore) committer(test *testing.T, threshold int) *batch.Committer[BulkSession] {
	test.Helper()
	committer, err := batch.NewCommitter[BulkSession](store.begin, batch.WithThreshold(threshold))
	if err != nil {
		test.Fatalf("committer: %v", err)
	}
	return committer
}

func userAccountKey(userID UserID, accountType AccountType) string {
	return strings.Join([]string{userID.String(), string(accountType)}, "|")
}

func containsType(types []TrxType, candidate TrxType) bool {
	for _, trxType := range types {
		if trxType == candidate {
			return true
		}
	}
	return false
}

var fixedNow = time.Date(2024, 3, 4, 9, 30, 0, 0, time.UTC)

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, func() time.Time { return fixedNow }, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustAmount(test *testing.T, raw string) PositiveAmount {
	test.Helper()
	amount, err := ParsePositiveAmount(raw)
	if err != nil {
		test.Fatalf("amount %q: %v", raw, err)
	}
	return amount
}

func mustDecimal(test *testing.T, raw string) decimal.Decimal {
	test.Helper()
	value, err := decimal.NewFromString(raw)
	if err != nil {
		test.Fatalf("decimal %q: %v", raw, err)
	}
	return value
}

func mustIdempotencyKey(test *testing.T, raw string) IdempotencyKey {
	test.Helper()
	key, err := NewIdempotencyKey(raw)
	if err != nil {
		test.Fatalf("idempotency key: %v", err)
	}
	return key
}

func mustAccount(test *testing.T, service *Service, owner string, accountType AccountType, template AccountTemplate) Account {
	test.Helper()
	account, err := service.LazyGetOrCreateAccount(context.Background(), owner, accountType, template)
	if err != nil {
		test.Fatalf("account %q: %v", owner, err)
	}
	return account
}

func mustDeposit(test *testing.T, service *Service, accountID AccountID, raw string) {
	test.Helper()
	if _, err := service.Credit(context.Background(), CreditRequest{AccountID: accountID, Amount: mustAmount(test, raw), Type: TrxDeposit}); err != nil {
		test.Fatalf("deposit: %v", err)
	}
}

func mustBalance(test *testing.T, store *memoryStore, accountID AccountID) decimal.Decimal {
	test.Helper()
	account, err := store.FindAccount(context.Background(), accountID)
	if err != nil {
		test.Fatalf("find account: %v", err)
	}
	return account.Balance
}

func assertDecimal(test *testing.T, want string, got decimal.Decimal) {
	test.Helper()
	if !got.Equal(mustDecimal(test, want)) {
		test.Fatalf("expected %s, got %s", want, got)
	}
}
