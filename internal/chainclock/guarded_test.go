package chainclock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowd/internal/circuitbreaker"
)

type scriptedSource struct {
	heights []uint64
	errs    []error
	calls   int
}

func (s *scriptedSource) Height(context.Context) (uint64, error) {
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return 0, s.errs[i]
	}
	if i < len(s.heights) {
		return s.heights[i], nil
	}
	return s.heights[len(s.heights)-1], nil
}

func TestGuarded_NeverMovesBackwards(t *testing.T) {
	src := &scriptedSource{heights: []uint64{100, 98, 105}}
	g := NewGuarded(src, circuitbreaker.New(3, time.Minute), "test-monotonic")
	ctx := context.Background()

	for _, want := range []uint64{100, 100, 105} {
		h, err := g.Height(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, h)
	}
	assert.Equal(t, uint64(105), g.LastHeight())
}

func TestGuarded_OpensAfterFailures(t *testing.T) {
	rpcErr := errors.New("connection refused")
	src := &scriptedSource{errs: []error{rpcErr, rpcErr}, heights: []uint64{0, 0, 7}}
	g := NewGuarded(src, circuitbreaker.New(2, time.Minute), "test-open")
	ctx := context.Background()

	_, err := g.Height(ctx)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, rpcErr)

	_, err = g.Height(ctx)
	assert.ErrorIs(t, err, rpcErr)
	assert.Equal(t, circuitbreaker.StateOpen, g.State())

	_, err = g.Height(ctx)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, 2, src.calls, "open circuit skips the upstream")
}

type gatedSource struct {
	release chan struct{}
	calls   atomic.Int32
}

func (s *gatedSource) Height(context.Context) (uint64, error) {
	s.calls.Add(1)
	<-s.release
	return 42, nil
}

func TestGuarded_CoalescesConcurrentReads(t *testing.T) {
	src := &gatedSource{release: make(chan struct{})}
	g := NewGuarded(src, circuitbreaker.New(3, time.Minute), "test-coalesce")

	const readers = 8
	var wg sync.WaitGroup
	heights := make([]uint64, readers)
	for i := range readers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := g.Height(context.Background())
			assert.NoError(t, err)
			heights[i] = h
		}()
	}

	require.Eventually(t, func() bool { return src.calls.Load() == 1 }, time.Second, time.Millisecond)
	// let the remaining readers join the in-flight call
	time.Sleep(20 * time.Millisecond)
	close(src.release)
	wg.Wait()

	for _, h := range heights {
		assert.Equal(t, uint64(42), h)
	}
	assert.LessOrEqual(t, src.calls.Load(), int32(readers))
	assert.Equal(t, uint64(42), g.LastHeight())
}
