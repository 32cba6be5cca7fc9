package chainclock

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/mbd888/escrowd/internal/circuitbreaker"
)

// ErrUnavailable is returned when the upstream clock cannot be read.
var ErrUnavailable = errors.New("clock source unavailable")

// Guarded wraps a remote Source with a circuit breaker. While the circuit
// is open, reads fail fast instead of waiting on the upstream. Concurrent
// reads share one upstream call.
type Guarded struct {
	src     Source
	breaker *circuitbreaker.Breaker
	key     string
	flight  singleflight.Group
	last    atomic.Uint64
}

// NewGuarded guards src under the breaker key name.
func NewGuarded(src Source, breaker *circuitbreaker.Breaker, name string) *Guarded {
	return &Guarded{src: src, breaker: breaker, key: name}
}

func (g *Guarded) Height(ctx context.Context) (uint64, error) {
	v, err, _ := g.flight.Do(g.key, func() (any, error) {
		var h uint64
		err := g.breaker.Execute(g.key, func() error {
			var err error
			h, err = g.src.Height(ctx)
			return err
		})
		return h, err
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	h := v.(uint64)
	// heights never move backwards, even across RPC node failover
	for {
		prev := g.last.Load()
		if h <= prev {
			return prev, nil
		}
		if g.last.CompareAndSwap(prev, h) {
			return h, nil
		}
	}
}

// LastHeight returns the highest height observed so far.
func (g *Guarded) LastHeight() uint64 {
	return g.last.Load()
}

// State exposes the breaker state for health reporting.
func (g *Guarded) State() circuitbreaker.State {
	return g.breaker.State(g.key)
}
