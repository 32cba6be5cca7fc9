package syncutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextMutex_LockUnlock(t *testing.T) {
	var m ContextMutex
	unlock, err := m.Lock(context.Background())
	require.NoError(t, err)
	unlock()

	unlock, err = m.Lock(context.Background())
	require.NoError(t, err)
	unlock()
}

func TestContextMutex_MutualExclusion(t *testing.T) {
	var m ContextMutex
	var counter int
	var wg sync.WaitGroup
	const n = 100

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			unlock, err := m.Lock(context.Background())
			if !assert.NoError(t, err) {
				return
			}
			defer unlock()
			v := counter
			time.Sleep(time.Microsecond)
			counter = v + 1
		}()
	}
	wg.Wait()
	assert.Equal(t, n, counter)
}

func TestContextMutex_CancelWhileWaiting(t *testing.T) {
	var m ContextMutex
	unlock, err := m.Lock(context.Background())
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = m.Lock(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestContextMutex_CancelledContextFailsFast(t *testing.T) {
	var m ContextMutex
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Lock(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	// The lock stays free.
	unlock, ok := m.TryLock()
	require.True(t, ok)
	unlock()
}

func TestContextMutex_DoubleUnlockIsHarmless(t *testing.T) {
	var m ContextMutex
	unlock, err := m.Lock(context.Background())
	require.NoError(t, err)
	unlock()
	unlock()

	first, ok := m.TryLock()
	require.True(t, ok)
	_, ok = m.TryLock()
	assert.False(t, ok, "second unlock must not release twice")
	first()
}
