// Package chainclock provides logical clocks measured in block heights.
//
// Escrow timeouts are expressed in ticks of one of these clocks, never in
// wall-clock durations. Three sources are available:
//
//   - Manual: an explicit counter, advanced by tests or an operator
//   - Ticker: height derived from elapsed wall time and a block interval
//   - Ethereum: the latest block number of an RPC endpoint
package chainclock

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

var ErrInvalidInterval = errors.New("block interval must be positive")

// Source reports the current logical height.
type Source interface {
	Height(ctx context.Context) (uint64, error)
}

// Manual is a counter-backed clock. The zero value starts at height 0.
type Manual struct {
	height atomic.Uint64
}

// NewManual creates a manual clock starting at the given height.
func NewManual(start uint64) *Manual {
	m := &Manual{}
	m.height.Store(start)
	return m
}

func (m *Manual) Height(context.Context) (uint64, error) {
	return m.height.Load(), nil
}

// Advance moves the clock forward by n ticks and returns the new height.
func (m *Manual) Advance(n uint64) uint64 {
	return m.height.Add(n)
}

// Ticker derives height from the time elapsed since genesis.
type Ticker struct {
	genesis  time.Time
	interval time.Duration
	now      func() time.Time
}

// NewTicker creates a clock that advances one tick per interval after genesis.
func NewTicker(genesis time.Time, interval time.Duration) (*Ticker, error) {
	if interval <= 0 {
		return nil, ErrInvalidInterval
	}
	return &Ticker{genesis: genesis, interval: interval, now: time.Now}, nil
}

func (t *Ticker) Height(context.Context) (uint64, error) {
	elapsed := t.now().Sub(t.genesis)
	if elapsed < 0 {
		return 0, nil
	}
	return uint64(elapsed / t.interval), nil
}
