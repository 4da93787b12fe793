package gormstore

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/MarkoPoloResearchLab/printledger/pkg/batch"
	"github.com/MarkoPoloResearchLab/printledger/pkg/ledger"
)

var fixedNow = time.Date(2024, 3, 8, 10, 0, 0, 0, time.UTC)

func newTestDB(test *testing.T) *gorm.DB {
	test.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(test.Name())
	db, err := Open(DriverSQLite, fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
	require.NoError(test, err)
	sqlDB, err := db.DB()
	require.NoError(test, err)
	test.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(test, AutoMigrate(context.Background(), db))
	return db
}

func mustLedgerService(test *testing.T, store ledger.Store) *ledger.Service {
	test.Helper()
	service, err := ledger.NewService(store, func() time.Time { return fixedNow })
	require.NoError(test, err)
	return service
}

func mustAmount(test *testing.T, raw string) ledger.PositiveAmount {
	test.Helper()
	amount, err := ledger.ParsePositiveAmount(raw)
	require.NoError(test, err)
	return amount
}

func TestLedgerStoreChargeReplaysThroughService(test *testing.T) {
	db := newTestDB(test)
	store := NewLedgerStore(db, "eur")
	service := mustLedgerService(test, store)
	ctx := context.Background()

	account, err := service.LazyGetOrCreateAccount(ctx, "Alice", ledger.AccountPersonal, ledger.AccountTemplate{OverdraftLimit: decimal.NewFromInt(5)})
	require.NoError(test, err)
	again, err := service.LazyGetOrCreateAccount(ctx, "alice", ledger.AccountPersonal, ledger.AccountTemplate{})
	require.NoError(test, err)
	require.Equal(test, account.ID, again.ID)

	_, err = service.Credit(ctx, ledger.CreditRequest{AccountID: account.ID, Amount: mustAmount(test, "10"), Type: ledger.TrxDeposit})
	require.NoError(test, err)

	key, err := ledger.NewIdempotencyKey("print:doc-1")
	require.NoError(test, err)
	request := ledger.ChargeRequest{AccountID: account.ID, Amount: mustAmount(test, "2.345678"), Type: ledger.TrxPrint, DocumentRef: "doc-1", IdempotencyKey: key}
	first, err := service.Charge(ctx, request)
	require.NoError(test, err)
	require.False(test, first.Replayed)
	replay, err := service.Charge(ctx, request)
	require.NoError(test, err)
	require.True(test, replay.Replayed)
	require.Equal(test, first.Transaction.ID, replay.Transaction.ID)

	stored, err := store.FindAccount(ctx, account.ID)
	require.NoError(test, err)
	require.True(test, stored.Balance.Equal(decimal.RequireFromString("7.654322")), stored.Balance.String())

	prints, err := store.ListTransactions(ctx, ledger.TransactionFilter{AccountID: &account.ID, Types: []ledger.TrxType{ledger.TrxPrint}})
	require.NoError(test, err)
	require.Len(test, prints, 1)
	require.Equal(test, "EUR", prints[0].CurrencyCode)
	require.Equal(test, "doc-1", prints[0].DocumentRef)
}

func TestLedgerStoreCreateAccountConflict(test *testing.T) {
	db := newTestDB(test)
	store := NewLedgerStore(db, "EUR")
	ctx := context.Background()
	account := ledger.Account{Name: "Lab", NameLower: "lab", Type: ledger.AccountShared, CreatedAt: fixedNow, UpdatedAt: fixedNow}

	created, err := store.CreateAccount(ctx, account, nil)
	require.NoError(test, err)
	require.False(test, created.ID.IsZero())

	_, err = store.CreateAccount(ctx, account, nil)
	require.ErrorIs(test, err, ledger.ErrAccountExists)

	_, err = store.FindAccountByName(ctx, ledger.AccountShared, "missing")
	require.ErrorIs(test, err, ledger.ErrUnknownAccount)
	_, err = store.LockAccounts(ctx, created.ID, ledger.AccountID{})
	require.ErrorIs(test, err, ledger.ErrUnknownAccount)
}

func TestLedgerStoreSavepointKeepsSessionAlive(test *testing.T) {
	db := newTestDB(test)
	store := NewLedgerStore(db, "EUR")
	ctx := context.Background()

	session, err := store.Begin(ctx)
	require.NoError(test, err)
	err = session.WithTx(ctx, func(ctx context.Context, txStore ledger.Store) error {
		if _, err := txStore.CreateAccount(ctx, ledger.Account{Name: "kept", NameLower: "kept", Type: ledger.AccountShared, CreatedAt: fixedNow, UpdatedAt: fixedNow}, nil); err != nil {
			return err
		}
		return nil
	})
	require.NoError(test, err)
	err = session.WithTx(ctx, func(ctx context.Context, txStore ledger.Store) error {
		if _, err := txStore.CreateAccount(ctx, ledger.Account{Name: "dropped", NameLower: "dropped", Type: ledger.AccountShared, CreatedAt: fixedNow, UpdatedAt: fixedNow}, nil); err != nil {
			return err
		}
		return ledger.ErrInvalidTransfer
	})
	require.ErrorIs(test, err, ledger.ErrInvalidTransfer)
	require.NoError(test, session.Commit(ctx))

	accounts, err := store.ListAccountsAfter(ctx, 0, 0)
	require.NoError(test, err)
	require.Len(test, accounts, 1)
	require.Equal(test, "kept", accounts[0].Name)
}

func TestLedgerStoreRebaseCurrencyThroughCommitter(test *testing.T) {
	db := newTestDB(test)
	store := NewLedgerStore(db, "EUR")
	service := mustLedgerService(test, store)
	ctx := context.Background()
	for index := 0; index < 3; index++ {
		account, err := service.LazyGetOrCreateAccount(ctx, fmt.Sprintf("user-%d", index), ledger.AccountPersonal, ledger.AccountTemplate{})
		require.NoError(test, err)
		_, err = service.Credit(ctx, ledger.CreditRequest{AccountID: account.ID, Amount: mustAmount(test, "2"), Type: ledger.TrxDeposit})
		require.NoError(test, err)
	}
	committer, err := batch.NewCommitter[ledger.BulkSession](store.Begin, batch.WithThreshold(2))
	require.NoError(test, err)

	report, err := service.RebaseCurrency(ctx, ledger.RebaseRequest{From: "EUR", To: "USD", Rate: decimal.RequireFromString("1.1")}, committer)
	require.NoError(test, err)
	require.Equal(test, 3, report.Processed)
	require.Equal(test, 2, committer.Stats().Commits)

	currency, err := store.CurrencyCode(ctx)
	require.NoError(test, err)
	require.Equal(test, "USD", currency)
	generation, err := store.RebaseGeneration(ctx)
	require.NoError(test, err)
	require.Equal(test, int64(1), generation)
	accounts, err := store.ListAccountsAfter(ctx, 0, 10)
	require.NoError(test, err)
	for _, account := range accounts {
		require.True(test, account.Balance.Equal(decimal.RequireFromString("2.2")), account.Balance.String())
	}
}

func TestLedgerStoreVouchers(test *testing.T) {
	db := newTestDB(test)
	store := NewLedgerStore(db, "EUR")
	ctx := context.Background()
	vouchers := []ledger.Voucher{
		{CardNumber: "B1-0001", Value: decimal.NewFromInt(5), BatchID: "B1", ExpiresAt: fixedNow.Add(-time.Hour), CreatedAt: fixedNow},
		{CardNumber: "B1-0002", Value: decimal.NewFromInt(5), BatchID: "B1", ExpiresAt: fixedNow.Add(time.Hour), CreatedAt: fixedNow},
	}
	require.NoError(test, store.InsertVouchers(ctx, vouchers))
	require.ErrorIs(test, store.InsertVouchers(ctx, vouchers[:1]), ledger.ErrVoucherExists)

	account, err := store.CreateAccount(ctx, ledger.Account{Name: "bob", NameLower: "bob", Type: ledger.AccountPersonal, CreatedAt: fixedNow, UpdatedAt: fixedNow}, nil)
	require.NoError(test, err)
	require.NoError(test, store.MarkVoucherRedeemed(ctx, "B1-0002", account.ID, fixedNow))
	require.ErrorIs(test, store.MarkVoucherRedeemed(ctx, "B1-9999", account.ID, fixedNow), ledger.ErrUnknownVoucher)

	redeemed, err := store.LockVoucher(ctx, "B1-0002")
	require.NoError(test, err)
	require.NotNil(test, redeemed.RedeemedAt)
	require.Equal(test, account.ID, *redeemed.RedeemedAccountID)

	cutoff := fixedNow
	expired, err := store.ListVouchers(ctx, ledger.VoucherFilter{BatchID: "B1", ExpiredBefore: &cutoff, UnredeemedOnly: true})
	require.NoError(test, err)
	require.Len(test, expired, 1)
	require.Equal(test, "B1-0001", expired[0].CardNumber)

	deleted, err := store.DeleteVouchers(ctx, []string{"B1-0001", "B1-9999"})
	require.NoError(test, err)
	require.Equal(test, 1, deleted)
	_, err = store.LockVoucher(ctx, "B1-0001")
	require.ErrorIs(test, err, ledger.ErrUnknownVoucher)
}

func TestLedgerStorePruneAndScrub(test *testing.T) {
	db := newTestDB(test)
	store := NewLedgerStore(db, "EUR")
	ctx := context.Background()
	account, err := store.CreateAccount(ctx, ledger.Account{Name: "carol", NameLower: "carol", Type: ledger.AccountPersonal, CreatedAt: fixedNow, UpdatedAt: fixedNow}, nil)
	require.NoError(test, err)
	for index := 0; index < 3; index++ {
		_, err := store.InsertTransaction(ctx, ledger.AccountTrx{
			AccountID:      account.ID,
			Amount:         decimal.NewFromInt(1),
			BalanceAfter:   decimal.NewFromInt(int64(index + 1)),
			Type:           ledger.TrxDeposit,
			Comment:        "cash",
			IdempotencyKey: fmt.Sprintf("deposit-%d", index),
			CurrencyCode:   "EUR",
			CreatedAt:      fixedNow.Add(time.Duration(index) * time.Hour),
		})
		require.NoError(test, err)
	}
	_, err = store.InsertTransaction(ctx, ledger.AccountTrx{AccountID: account.ID, Type: ledger.TrxDeposit, IdempotencyKey: "deposit-0", CurrencyCode: "EUR", CreatedAt: fixedNow})
	require.ErrorIs(test, err, ledger.ErrDuplicateIdempotencyKey)

	scrubbed, err := store.ScrubTransactionComments(ctx, account.ID)
	require.NoError(test, err)
	require.Equal(test, 3, scrubbed)

	before := fixedNow.Add(90 * time.Minute)
	old, err := store.ListTransactions(ctx, ledger.TransactionFilter{CreatedBefore: &before})
	require.NoError(test, err)
	require.Len(test, old, 2)
	require.Empty(test, old[0].Comment)

	deleted, err := store.DeleteTransactions(ctx, []int64{old[0].ID, old[1].ID})
	require.NoError(test, err)
	require.Equal(test, 2, deleted)
	remaining, err := store.ListTransactions(ctx, ledger.TransactionFilter{AfterID: old[1].ID})
	require.NoError(test, err)
	require.Len(test, remaining, 1)
}
