package ledger

import (
	"context"
	"sort"
	"sync"
)

// KeyedLocker serializes work per account inside one process.
// Lock acquires every id in ascending order so overlapping multi-account
// callers cannot deadlock.
type KeyedLocker struct {
	mutex   sync.Mutex
	entries map[int64]*keyedEntry
}

type keyedEntry struct {
	mutex sync.Mutex
	refs  int
}

// NewKeyedLocker returns an empty locker.
func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{entries: make(map[int64]*keyedEntry)}
}

// Lock blocks until every id is held and returns the release function.
func (locker *KeyedLocker) Lock(accountIDs ...AccountID) func() {
	keys := sortedKeys(accountIDs)
	held := make([]*keyedEntry, 0, len(keys))
	for _, key := range keys {
		entry := locker.acquire(key)
		entry.mutex.Lock()
		held = append(held, entry)
	}
	return func() {
		for index := len(held) - 1; index >= 0; index-- {
			held[index].mutex.Unlock()
			locker.release(keys[index])
		}
	}
}

func (locker *KeyedLocker) acquire(key int64) *keyedEntry {
	locker.mutex.Lock()
	defer locker.mutex.Unlock()
	entry, ok := locker.entries[key]
	if !ok {
		entry = &keyedEntry{}
		locker.entries[key] = entry
	}
	entry.refs++
	return entry
}

func (locker *KeyedLocker) release(key int64) {
	locker.mutex.Lock()
	defer locker.mutex.Unlock()
	entry := locker.entries[key]
	entry.refs--
	if entry.refs == 0 {
		delete(locker.entries, key)
	}
}

func sortedKeys(accountIDs []AccountID) []int64 {
	seen := make(map[int64]struct{}, len(accountIDs))
	keys := make([]int64, 0, len(accountIDs))
	for _, accountID := range accountIDs {
		key := accountID.Int64()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	sort.Slice(keys, func(left, right int) bool { return keys[left] < keys[right] })
	return keys
}

// Gate is the global write gate. Ordinary mutations hold it shared;
// currency rebasing holds it exclusively.
type Gate interface {
	Shared(ctx context.Context) (release func(), err error)
	Exclusive(ctx context.Context) (release func(), err error)
}

// LocalGate is an in-process Gate.
type LocalGate struct {
	mutex sync.RWMutex
}

// NewLocalGate returns an open gate.
func NewLocalGate() *LocalGate {
	return &LocalGate{}
}

// Shared acquires the gate for an ordinary mutation.
func (gate *LocalGate) Shared(ctx context.Context) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	gate.mutex.RLock()
	return gate.mutex.RUnlock, nil
}

// Exclusive acquires the gate for an operation that must not interleave with charges.
func (gate *LocalGate) Exclusive(ctx context.Context) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	gate.mutex.Lock()
	return gate.mutex.Unlock, nil
}
