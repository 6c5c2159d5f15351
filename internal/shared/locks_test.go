package shared

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestKeyedMutexExcludesSameKey(t *testing.T) {
	m := NewKeyedMutex()
	ctx := context.Background()

	release, err := m.Acquire(ctx, "stock:1:42")
	require.NoError(t, err)

	timeoutCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = m.Acquire(timeoutCtx, "stock:1:42")
	require.ErrorIs(t, err, ErrLockTimeout)

	release()
	release2, err := m.Acquire(ctx, "stock:1:42")
	require.NoError(t, err)
	release2()
}

func TestKeyedMutexIndependentKeys(t *testing.T) {
	m := NewKeyedMutex()
	ctx := context.Background()

	release1, err := m.Acquire(ctx, "stock:1:42")
	require.NoError(t, err)
	defer release1()

	release2, err := m.Acquire(ctx, "stock:2:42")
	require.NoError(t, err)
	defer release2()
}

func TestKeyedMutexReleaseIsIdempotent(t *testing.T) {
	m := NewKeyedMutex()
	ctx := context.Background()

	release, err := m.Acquire(ctx, "stock:1:42")
	require.NoError(t, err)
	release()
	release()

	again, err := m.Acquire(ctx, "stock:1:42")
	require.NoError(t, err)
	again()
}

func TestKeyedMutexSerialisesCounter(t *testing.T) {
	m := NewKeyedMutex()
	ctx := context.Background()

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := m.Acquire(ctx, "stock:1:42")
			if err != nil {
				return
			}
			defer release()
			counter++
		}()
	}
	wg.Wait()
	require.Equal(t, 50, counter)
}

func TestKeyedMutexCancelledContext(t *testing.T) {
	m := NewKeyedMutex()

	release, err := m.Acquire(context.Background(), "stock:1:42")
	require.NoError(t, err)
	defer release()

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.Acquire(cancelled, "stock:1:42")
	require.ErrorIs(t, err, context.Canceled)
}

func TestStockLockKey(t *testing.T) {
	require.Equal(t, "stock:1:42", StockLockKey(1, 42))
}
