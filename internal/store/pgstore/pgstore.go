// Package pgstore holds the Postgres primitives that need a raw pgx
// connection: the cluster-wide write gate and the atomic counters.
package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MarkoPoloResearchLab/printledger/pkg/ledger"
)

const (
	errorOperationStore  = "store"
	errorSubjectGate     = "gate"
	errorSubjectSequence = "sequence"
	errorCodeAcquire     = "acquire"
	errorCodeLock        = "lock"
	errorCodeNext        = "next"
	errorCodeInvalid     = "invalid"
	defaultGateLockKey   = int64(0x7072696e74) // "print"
	sqlLockShared        = `select pg_advisory_lock_shared($1)`
	sqlUnlockShared      = `select pg_advisory_unlock_shared($1)`
	sqlLockExclusive     = `select pg_advisory_lock($1)`
	sqlUnlockExclusive   = `select pg_advisory_unlock($1)`
	sqlNextSequenceValue = `
		insert into sequences(name, value) values($1, 1)
		on conflict (name) do update set value = sequences.value + 1
		returning value
	`
)

// Connect opens a pgx pool and verifies it with a ping.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("pgstore: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore: ping: %w", err)
	}
	return pool, nil
}

// AdvisoryGate implements ledger.Gate with a Postgres advisory lock so that
// every process sharing the database observes the same gate.
// Each holder pins one pooled connection until it releases.
type AdvisoryGate struct {
	pool *pgxpool.Pool
	key  int64
}

// GateOption customizes an AdvisoryGate.
type GateOption func(*AdvisoryGate)

// WithLockKey overrides the advisory lock key.
func WithLockKey(key int64) GateOption {
	return func(gate *AdvisoryGate) {
		gate.key = key
	}
}

// NewAdvisoryGate returns a gate backed by pool.
func NewAdvisoryGate(pool *pgxpool.Pool, options ...GateOption) (*AdvisoryGate, error) {
	if pool == nil {
		return nil, wrapStoreError(errorSubjectGate, errorCodeInvalid, errors.New("pool is nil"))
	}
	gate := &AdvisoryGate{pool: pool, key: defaultGateLockKey}
	for _, option := range options {
		if option != nil {
			option(gate)
		}
	}
	return gate, nil
}

// Shared acquires the gate for an ordinary mutation.
func (gate *AdvisoryGate) Shared(ctx context.Context) (func(), error) {
	return gate.acquire(ctx, sqlLockShared, sqlUnlockShared)
}

// Exclusive acquires the gate for a currency rebase.
func (gate *AdvisoryGate) Exclusive(ctx context.Context) (func(), error) {
	return gate.acquire(ctx, sqlLockExclusive, sqlUnlockExclusive)
}

func (gate *AdvisoryGate) acquire(ctx context.Context, lockSQL string, unlockSQL string) (func(), error) {
	conn, err := gate.pool.Acquire(ctx)
	if err != nil {
		return nil, wrapStoreError(errorSubjectGate, errorCodeAcquire, err)
	}
	if _, err := conn.Exec(ctx, lockSQL, gate.key); err != nil {
		conn.Release()
		return nil, wrapStoreError(errorSubjectGate, errorCodeLock, err)
	}
	return func() {
		if _, err := conn.Exec(context.Background(), unlockSQL, gate.key); err != nil {
			// A connection that could not unlock must not go back to the pool holding the lock.
			_ = conn.Conn().Close(context.Background())
		}
		conn.Release()
	}, nil
}

// Sequence implements outbox.Sequence with a single upsert per call.
type Sequence struct {
	pool *pgxpool.Pool
}

// NewSequence returns a Sequence backed by pool.
func NewSequence(pool *pgxpool.Pool) *Sequence {
	return &Sequence{pool: pool}
}

// Next increments the named counter and returns its new value. Counters start at 1.
func (sequence *Sequence) Next(ctx context.Context, name string) (int64, error) {
	if name == "" {
		return 0, wrapStoreError(errorSubjectSequence, errorCodeInvalid, errors.New("empty sequence name"))
	}
	var value int64
	err := sequence.pool.QueryRow(ctx, sqlNextSequenceValue, name).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, wrapStoreError(errorSubjectSequence, errorCodeNext, fmt.Errorf("sequence %q returned no value", name))
	}
	if err != nil {
		return 0, wrapStoreError(errorSubjectSequence, errorCodeNext, err)
	}
	return value, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}
