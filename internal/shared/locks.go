package shared

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrLockTimeout indicates the per-key lock could not be acquired in time.
// Callers should surface it as a retryable condition.
var ErrLockTimeout = errors.New("shared: lock acquisition timed out")

// StockLockKey builds the composite key serialising all mutations
// on a (store, device) pair.
func StockLockKey(storeID, deviceID int64) string {
	return fmt.Sprintf("stock:%d:%d", storeID, deviceID)
}

// KeyedMutex provides exclusive locks keyed by string. Operations on
// different keys proceed in parallel; operations on the same key are
// totally ordered by acquisition.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	sem  chan struct{}
	refs int
}

// NewKeyedMutex constructs a KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedLock)}
}

// Acquire blocks until the lock for key is held or ctx is done. It returns
// a release function that must be called on every exit path; callers are
// expected to defer it immediately.
func (m *KeyedMutex) Acquire(ctx context.Context, key string) (func(), error) {
	if m == nil {
		return nil, errors.New("shared: keyed mutex not initialised")
	}
	m.mu.Lock()
	l, ok := m.locks[key]
	if !ok {
		l = &keyedLock{sem: make(chan struct{}, 1)}
		m.locks[key] = l
	}
	l.refs++
	m.mu.Unlock()

	select {
	case l.sem <- struct{}{}:
		var once sync.Once
		release := func() {
			once.Do(func() {
				<-l.sem
				m.drop(key, l)
			})
		}
		return release, nil
	case <-ctx.Done():
		m.drop(key, l)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrLockTimeout
		}
		return nil, ctx.Err()
	}
}

func (m *KeyedMutex) drop(key string, l *keyedLock) {
	m.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(m.locks, key)
	}
	m.mu.Unlock()
}
