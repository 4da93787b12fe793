package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestKeyedLockerOverlappingSetsDoNotDeadlock(test *testing.T) {
	test.Parallel()
	locker := NewKeyedLocker()
	first, _ := NewAccountID(1)
	second, _ := NewAccountID(2)
	counter := 0
	var waitGroup sync.WaitGroup
	for worker := 0; worker < 32; worker++ {
		waitGroup.Add(1)
		go func(worker int) {
			defer waitGroup.Done()
			ids := []AccountID{first, second}
			if worker%2 == 1 {
				ids = []AccountID{second, first, second}
			}
			unlock := locker.Lock(ids...)
			counter++
			unlock()
		}(worker)
	}
	done := make(chan struct{})
	go func() {
		waitGroup.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		test.Fatalf("locker deadlocked")
	}
	if counter != 32 {
		test.Fatalf("expected 32 increments, got %d", counter)
	}
	if len(locker.entries) != 0 {
		test.Fatalf("expected released entries to be dropped, got %d", len(locker.entries))
	}
}

func TestSortedKeysDedupes(test *testing.T) {
	test.Parallel()
	ids := make([]AccountID, 0, 4)
	for _, raw := range []int64{9, 3, 9, 4} {
		id, _ := NewAccountID(raw)
		ids = append(ids, id)
	}
	keys := sortedKeys(ids)
	if len(keys) != 3 || keys[0] != 3 || keys[1] != 4 || keys[2] != 9 {
		test.Fatalf("unexpected keys %v", keys)
	}
}

func TestLocalGateExclusiveWaitsForShared(test *testing.T) {
	test.Parallel()
	gate := NewLocalGate()
	releaseShared, err := gate.Shared(context.Background())
	if err != nil {
		test.Fatalf("shared: %v", err)
	}
	acquired := make(chan struct{})
	go func() {
		release, err := gate.Exclusive(context.Background())
		if err == nil {
			release()
		}
		close(acquired)
	}()
	select {
	case <-acquired:
		test.Fatalf("exclusive acquired while shared was held")
	case <-time.After(50 * time.Millisecond):
	}
	releaseShared()
	select {
	case <-acquired:
	case <-time.After(5 * time.Second):
		test.Fatalf("exclusive never acquired")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := gate.Shared(ctx); !errors.Is(err, context.Canceled) {
		test.Fatalf("expected context.Canceled, got %v", err)
	}
}
