package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/mbd888/escrowd/internal/chainclock"
	"github.com/mbd888/escrowd/internal/escrow"
	"github.com/mbd888/escrowd/internal/ledger"
	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/registry"
)

// -----------------------------------------------------------------------------
// Escrow ports
// -----------------------------------------------------------------------------

// custodyAdapter adapts *ledger.Ledger to escrow.Custody.
type custodyAdapter struct {
	l *ledger.Ledger
}

func (a *custodyAdapter) Lock(ctx context.Context, account string, amount uint64, reference string) error {
	return translateLedgerErr(a.l.Lock(ctx, account, amount, reference))
}

func (a *custodyAdapter) Release(ctx context.Context, account string, amount uint64, reference string) error {
	return translateLedgerErr(a.l.Release(ctx, account, amount, reference))
}

func (a *custodyAdapter) CustodyBalance(ctx context.Context) (uint64, error) {
	return a.l.CustodyBalance(ctx)
}

func translateLedgerErr(err error) error {
	if errors.Is(err, ledger.ErrInsufficientBalance) || errors.Is(err, ledger.ErrInsufficientCustody) {
		return fmt.Errorf("%w: %w", escrow.ErrInsufficientFunds, err)
	}
	return err
}

// reputationAdapter adapts *registry.Registry to escrow.Reputation.
type reputationAdapter struct {
	r *registry.Registry
}

func (a *reputationAdapter) Exists(ctx context.Context, addr string) (bool, error) {
	return a.r.Exists(ctx, addr)
}

func (a *reputationAdapter) CheckDelta(ctx context.Context, addr string, delta int64) error {
	return translateRegistryErr(a.r.CheckDelta(ctx, addr, delta))
}

func (a *reputationAdapter) ApplyDelta(ctx context.Context, addr string, delta int64) (int64, error) {
	score, err := a.r.ApplyDelta(ctx, addr, delta)
	return score, translateRegistryErr(err)
}

// listingsAdapter adapts *registry.Registry to escrow.Listings.
type listingsAdapter struct {
	r *registry.Registry
}

func (a *listingsAdapter) ResolveOwner(ctx context.Context, listingID uint64) (string, error) {
	owner, err := a.r.ResolveOwner(ctx, listingID)
	return owner, translateRegistryErr(err)
}

func translateRegistryErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, registry.ErrIdentityNotFound):
		return fmt.Errorf("%w: %w", escrow.ErrUnknownIdentity, err)
	case errors.Is(err, registry.ErrListingNotFound):
		return fmt.Errorf("%w: %w", escrow.ErrListingNotFound, err)
	case errors.Is(err, registry.ErrReputationOverflow):
		return fmt.Errorf("%w: %w", escrow.ErrReputationOverflow, err)
	}
	return err
}

// meteredClock records every height it reads and marks upstream outages
// as escrow.ErrClockUnavailable.
type meteredClock struct {
	src escrow.Clock
}

func (m meteredClock) Height(ctx context.Context) (uint64, error) {
	h, err := m.src.Height(ctx)
	if errors.Is(err, chainclock.ErrUnavailable) {
		return 0, fmt.Errorf("%w: %w", escrow.ErrClockUnavailable, err)
	}
	if err != nil {
		return 0, err
	}
	metrics.ClockHeight.Set(float64(h))
	return h, nil
}
