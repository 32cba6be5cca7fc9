// Package syncutil provides locking primitives that respect context
// cancellation.
package syncutil

import (
	"context"
	"sync"
)

// ContextMutex is a mutual-exclusion lock whose waiters can give up when
// their context ends. The zero value is unlocked and ready to use.
type ContextMutex struct {
	once sync.Once
	ch   chan struct{}
}

func (m *ContextMutex) init() {
	m.once.Do(func() {
		m.ch = make(chan struct{}, 1)
		m.ch <- struct{}{}
	})
}

// Lock blocks until the mutex is acquired or ctx is done. On success the
// returned unlock function must be called exactly once.
func (m *ContextMutex) Lock(ctx context.Context) (func(), error) {
	m.init()

	// Fail fast on an already-cancelled context even if the lock is free.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	select {
	case <-m.ch:
		var released sync.Once
		return func() { released.Do(func() { m.ch <- struct{}{} }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryLock acquires the mutex only if it is free right now.
func (m *ContextMutex) TryLock() (func(), bool) {
	m.init()
	select {
	case <-m.ch:
		var released sync.Once
		return func() { released.Do(func() { m.ch <- struct{}{} }) }, true
	default:
		return nil, false
	}
}
