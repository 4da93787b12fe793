//go:build integration

package pgstore_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/MarkoPoloResearchLab/printledger/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/printledger/internal/store/migrations"
	"github.com/MarkoPoloResearchLab/printledger/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/printledger/pkg/ledger"
)

func startPostgres(test *testing.T) string {
	test.Helper()
	ctx := context.Background()
	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("printledger"),
		postgres.WithUsername("printledger"),
		postgres.WithPassword("printledger"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(test, err)
	test.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			test.Logf("terminate container: %v", err)
		}
	})
	databaseURL, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(test, err)
	version, err := migrations.Up(databaseURL)
	require.NoError(test, err)
	require.Equal(test, uint(2), version)
	return databaseURL
}

func TestPostgresConcurrentChargesKeepBalanceExact(test *testing.T) {
	databaseURL := startPostgres(test)
	ctx := context.Background()

	pool, err := pgstore.Connect(ctx, databaseURL)
	require.NoError(test, err)
	test.Cleanup(pool.Close)
	gate, err := pgstore.NewAdvisoryGate(pool)
	require.NoError(test, err)

	db, err := gormstore.Open(gormstore.DriverPostgres, databaseURL)
	require.NoError(test, err)
	store := gormstore.NewLedgerStore(db, "EUR")
	service, err := ledger.NewService(store, time.Now, ledger.WithGate(gate))
	require.NoError(test, err)

	account, err := service.LazyGetOrCreateAccount(ctx, "alice", ledger.AccountPersonal, ledger.AccountTemplate{})
	require.NoError(test, err)
	deposit, err := ledger.ParsePositiveAmount("10")
	require.NoError(test, err)
	_, err = service.Credit(ctx, ledger.CreditRequest{AccountID: account.ID, Amount: deposit, Type: ledger.TrxDeposit})
	require.NoError(test, err)

	price, err := ledger.ParsePositiveAmount("0.25")
	require.NoError(test, err)
	var waitGroup sync.WaitGroup
	errs := make(chan error, 20)
	for index := 0; index < 20; index++ {
		waitGroup.Add(1)
		go func(index int) {
			defer waitGroup.Done()
			key, err := ledger.NewIdempotencyKey(fmt.Sprintf("print:doc-%d", index))
			if err != nil {
				errs <- err
				return
			}
			_, err = service.Charge(ctx, ledger.ChargeRequest{AccountID: account.ID, Amount: price, Type: ledger.TrxPrint, DocumentRef: fmt.Sprintf("doc-%d", index), IdempotencyKey: key})
			errs <- err
		}(index)
	}
	waitGroup.Wait()
	close(errs)
	for err := range errs {
		require.NoError(test, err)
	}

	balance, _, err := service.Balance(ctx, account.ID)
	require.NoError(test, err)
	require.True(test, balance.Equal(decimal.NewFromInt(5)), balance.String())
}

func TestPostgresSequenceAndExclusiveGate(test *testing.T) {
	databaseURL := startPostgres(test)
	ctx := context.Background()
	pool, err := pgstore.Connect(ctx, databaseURL)
	require.NoError(test, err)
	test.Cleanup(pool.Close)

	sequence := pgstore.NewSequence(pool)
	for expected := int64(1); expected <= 3; expected++ {
		value, err := sequence.Next(ctx, "ticket-20240308")
		require.NoError(test, err)
		require.Equal(test, expected, value)
	}
	_, err = sequence.Next(ctx, "")
	require.Error(test, err)

	gate, err := pgstore.NewAdvisoryGate(pool, pgstore.WithLockKey(42))
	require.NoError(test, err)
	release, err := gate.Exclusive(ctx)
	require.NoError(test, err)

	waitCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	_, err = gate.Shared(waitCtx)
	require.Error(test, err)

	release()
	releaseShared, err := gate.Shared(ctx)
	require.NoError(test, err)
	releaseShared()
}
