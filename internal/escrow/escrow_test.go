package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowd/internal/chainclock"
	"github.com/mbd888/escrowd/internal/fees"
)

const (
	buyerAddr    = "0xaaaa000000000000000000000000000000000001"
	sellerAddr   = "0xbbbb000000000000000000000000000000000002"
	platformAddr = "0xcccc000000000000000000000000000000000003"
	strangerAddr = "0xdddd000000000000000000000000000000000004"
)

// mockCustody is an in-memory pooled custody account.
type mockCustody struct {
	mu         sync.Mutex
	balances   map[string]uint64
	custody    uint64
	releaseErr error
	releases   int
}

func newMockCustody() *mockCustody {
	return &mockCustody{balances: make(map[string]uint64)}
}

func (m *mockCustody) Lock(_ context.Context, account string, amount uint64, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.balances[account] < amount {
		return ErrInsufficientFunds
	}
	m.balances[account] -= amount
	m.custody += amount
	return nil
}

func (m *mockCustody) Release(_ context.Context, account string, amount uint64, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releases++
	if m.releaseErr != nil {
		return m.releaseErr
	}
	if m.custody < amount {
		return ErrInsufficientFunds
	}
	m.custody -= amount
	m.balances[account] += amount
	return nil
}

func (m *mockCustody) CustodyBalance(context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.custody, nil
}

func (m *mockCustody) balance(addr string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[addr]
}

// mockReputation keeps scores in [0, 10000].
type mockReputation struct {
	mu      sync.Mutex
	scores  map[string]int64
	applied int
}

func newMockReputation(addrs ...string) *mockReputation {
	r := &mockReputation{scores: make(map[string]int64)}
	for _, a := range addrs {
		r.scores[a] = 5000
	}
	return r
}

func (m *mockReputation) Exists(_ context.Context, addr string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.scores[addr]
	return ok, nil
}

func (m *mockReputation) CheckDelta(_ context.Context, addr string, delta int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.check(addr, delta)
}

func (m *mockReputation) check(addr string, delta int64) error {
	score, ok := m.scores[addr]
	if !ok {
		return ErrUnknownIdentity
	}
	if next := score + delta; next < 0 || next > 10000 {
		return ErrReputationOverflow
	}
	return nil
}

func (m *mockReputation) ApplyDelta(_ context.Context, addr string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(addr, delta); err != nil {
		return 0, err
	}
	m.scores[addr] += delta
	m.applied++
	return m.scores[addr], nil
}

func (m *mockReputation) score(addr string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scores[addr]
}

func (m *mockReputation) set(addr string, score int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scores[addr] = score
}

type mockListings map[uint64]string

func (m mockListings) ResolveOwner(_ context.Context, id uint64) (string, error) {
	owner, ok := m[id]
	if !ok {
		return "", ErrListingNotFound
	}
	return owner, nil
}

// failingStore wraps a MemoryStore and fails Update after n successful calls.
type failingStore struct {
	*MemoryStore
	updatesLeft int
}

// drainingCustody refuses to lock funds back once failLocks is set.
type drainingCustody struct {
	*mockCustody
	failLocks bool
}

func (d *drainingCustody) Lock(ctx context.Context, account string, amount uint64, ref string) error {
	if d.failLocks {
		return errors.New("account already withdrawn")
	}
	return d.mockCustody.Lock(ctx, account, amount, ref)
}

func (f *failingStore) Update(ctx context.Context, e *Escrow) error {
	if f.updatesLeft <= 0 {
		return errors.New("database unavailable")
	}
	f.updatesLeft--
	return f.MemoryStore.Update(ctx, e)
}

type harness struct {
	svc        *Service
	store      *MemoryStore
	custody    *mockCustody
	reputation *mockReputation
	clock      *chainclock.Manual
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:      NewMemoryStore(),
		custody:    newMockCustody(),
		reputation: newMockReputation(buyerAddr, sellerAddr, platformAddr),
		clock:      chainclock.NewManual(0),
	}
	h.custody.balances[buyerAddr] = 10_000
	h.svc = NewService(h.store, h.custody, h.reputation, mockListings{1: sellerAddr}, h.clock, Config{
		PlatformAddr: platformAddr,
	}).WithLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
	return h
}

func (h *harness) create(t *testing.T, amount, duration uint64) *Escrow {
	t.Helper()
	esc, err := h.svc.Create(context.Background(), buyerAddr, CreateRequest{
		ListingID:   1,
		Amount:      amount,
		Duration:    duration,
		Description: "translate 10 pages",
		Terms:       "delivery within 100 blocks",
	})
	require.NoError(t, err)
	return esc
}

func (h *harness) createActive(t *testing.T, amount, duration uint64) *Escrow {
	t.Helper()
	esc := h.create(t, amount, duration)
	_, err := h.svc.Activate(context.Background(), esc.ID, sellerAddr)
	require.NoError(t, err)
	return esc
}

func TestEscrow_MutualConfirmation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	esc := h.create(t, 1000, 100)
	assert.Equal(t, uint64(1), esc.ID)
	assert.Equal(t, uint64(5), esc.Fee)
	assert.Equal(t, StatePending, esc.State)
	assert.Equal(t, uint64(1005), h.custody.custody)
	assert.Equal(t, uint64(10_000-1005), h.custody.balance(buyerAddr))

	active, err := h.svc.Activate(ctx, esc.ID, sellerAddr)
	require.NoError(t, err)
	assert.Equal(t, StateActive, active.State)

	first, err := h.svc.ConfirmDelivery(ctx, esc.ID, buyerAddr)
	require.NoError(t, err)
	assert.False(t, first.Settled)
	assert.Equal(t, StateActive, first.Escrow.State)
	assert.Equal(t, 1, first.Escrow.Confirmations.Len())

	second, err := h.svc.ConfirmDelivery(ctx, esc.ID, sellerAddr)
	require.NoError(t, err)
	assert.True(t, second.Settled)
	assert.Equal(t, StateCompleted, second.Escrow.State)
	assert.Equal(t, ResolutionConfirmed, second.Escrow.Resolution)
	assert.NotNil(t, second.Escrow.ResolvedAt)

	assert.Equal(t, uint64(1000), h.custody.balance(sellerAddr))
	assert.Equal(t, uint64(5), h.custody.balance(platformAddr))
	assert.Equal(t, uint64(0), h.custody.custody)
	assert.Equal(t, int64(5100), h.reputation.score(sellerAddr))
	assert.Equal(t, int64(5050), h.reputation.score(buyerAddr))
}

func TestEscrow_RefundSplit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	esc := h.createActive(t, 1000, 100)

	disputed, err := h.svc.RequestRefund(ctx, esc.ID, buyerAddr, 500)
	require.NoError(t, err)
	assert.Equal(t, StateDisputed, disputed.State)
	assert.Equal(t, uint64(500), disputed.RefundAmount)
	assert.Equal(t, uint64(1005), h.custody.custody, "no funds move on request")

	refunded, err := h.svc.ApproveRefund(ctx, esc.ID, sellerAddr)
	require.NoError(t, err)
	assert.Equal(t, StateRefunded, refunded.State)
	assert.Equal(t, ResolutionRefundApproved, refunded.Resolution)

	assert.Equal(t, uint64(10_000-1005+500), h.custody.balance(buyerAddr))
	assert.Equal(t, uint64(505), h.custody.balance(sellerAddr))
	assert.Equal(t, uint64(0), h.custody.balance(platformAddr), "fee goes to seller on refund")
	assert.Equal(t, uint64(0), h.custody.custody)
	assert.Equal(t, int64(4950), h.reputation.score(sellerAddr))
	assert.Equal(t, int64(5000), h.reputation.score(buyerAddr))
}

func TestEscrow_RefundFromPending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	esc := h.create(t, 1000, 100)

	_, err := h.svc.RequestRefund(ctx, esc.ID, buyerAddr, 1000)
	require.NoError(t, err)

	_, err = h.svc.ApproveRefund(ctx, esc.ID, sellerAddr)
	require.NoError(t, err)
	assert.Equal(t, uint64(10_000-5), h.custody.balance(buyerAddr))
	assert.Equal(t, uint64(5), h.custody.balance(sellerAddr))
}

func TestEscrow_ZeroRefundPaysSellerEverything(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	esc := h.createActive(t, 1000, 100)

	_, err := h.svc.RequestRefund(ctx, esc.ID, buyerAddr, 0)
	require.NoError(t, err)
	_, err = h.svc.ApproveRefund(ctx, esc.ID, sellerAddr)
	require.NoError(t, err)

	assert.Equal(t, uint64(1005), h.custody.balance(sellerAddr))
	assert.Equal(t, uint64(10_000-1005), h.custody.balance(buyerAddr))
}

func TestEscrow_TimeoutRelease(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	esc := h.createActive(t, 1000, 10)

	h.clock.Advance(10)
	_, err := h.svc.TimeoutRelease(ctx, esc.ID, strangerAddr)
	assert.ErrorIs(t, err, ErrTimeoutNotReached, "elapsed == duration is not a timeout")

	h.clock.Advance(1)
	released, err := h.svc.TimeoutRelease(ctx, esc.ID, strangerAddr)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, released.State)
	assert.Equal(t, ResolutionTimeout, released.Resolution)
	assert.Equal(t, uint64(11), released.SettledHeight)
	assert.Equal(t, uint64(1000), h.custody.balance(sellerAddr))
	assert.Equal(t, uint64(5), h.custody.balance(platformAddr))
	assert.Equal(t, int64(5020), h.reputation.score(sellerAddr))
	assert.Equal(t, int64(5000), h.reputation.score(buyerAddr))

	_, err = h.svc.TimeoutRelease(ctx, esc.ID, strangerAddr)
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, uint64(1000), h.custody.balance(sellerAddr), "second release moves nothing")
}

func TestEscrow_TimeoutRequiresActive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	esc := h.create(t, 1000, 10)

	h.clock.Advance(50)
	_, err := h.svc.TimeoutRelease(ctx, esc.ID, strangerAddr)
	assert.ErrorIs(t, err, ErrInvalidState, "pending escrows cannot time out")
}

func TestEscrow_ZeroDurationTimesOutNextTick(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	esc := h.createActive(t, 1000, 0)

	_, err := h.svc.TimeoutRelease(ctx, esc.ID, strangerAddr)
	assert.ErrorIs(t, err, ErrTimeoutNotReached)

	h.clock.Advance(1)
	_, err = h.svc.TimeoutRelease(ctx, esc.ID, strangerAddr)
	assert.NoError(t, err)
}

func TestEscrow_DuplicateConfirmation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	esc := h.createActive(t, 1000, 100)

	_, err := h.svc.ConfirmDelivery(ctx, esc.ID, buyerAddr)
	require.NoError(t, err)

	_, err = h.svc.ConfirmDelivery(ctx, esc.ID, buyerAddr)
	assert.ErrorIs(t, err, ErrAlreadyConfirmed)

	got, err := h.svc.Get(ctx, esc.ID)
	require.NoError(t, err)
	assert.Equal(t, StateActive, got.State)
	assert.Equal(t, 1, got.Confirmations.Len())
	assert.Equal(t, 0, h.reputation.applied, "no reputation applied before settlement")
}

func TestEscrow_CreateValidation(t *testing.T) {
	tests := []struct {
		name    string
		caller  string
		req     CreateRequest
		wantErr error
	}{
		{"zero amount", buyerAddr, CreateRequest{ListingID: 1, Amount: 0, Duration: 10}, ErrInvalidAmount},
		{"duration over max", buyerAddr, CreateRequest{ListingID: 1, Amount: 100, Duration: 145}, ErrInvalidDuration},
		{"unknown buyer", strangerAddr, CreateRequest{ListingID: 1, Amount: 100, Duration: 10}, ErrUnknownIdentity},
		{"unknown listing", buyerAddr, CreateRequest{ListingID: 99, Amount: 100, Duration: 10}, ErrListingNotFound},
		{"self deal", sellerAddr, CreateRequest{ListingID: 1, Amount: 100, Duration: 10}, ErrSelfDeal},
		{"insufficient funds", buyerAddr, CreateRequest{ListingID: 1, Amount: 10_000, Duration: 10}, ErrInsufficientFunds},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			_, err := h.svc.Create(context.Background(), tc.caller, tc.req)
			assert.ErrorIs(t, err, tc.wantErr)

			last, _ := h.store.LastID(context.Background())
			assert.Equal(t, uint64(0), last, "failed create must not consume an id")
			assert.Equal(t, uint64(10_000), h.custody.balance(buyerAddr))
		})
	}
}

func TestEscrow_MaxDurationAccepted(t *testing.T) {
	h := newHarness(t)
	esc := h.create(t, 100, DefaultMaxDuration)
	assert.Equal(t, DefaultMaxDuration, esc.Duration)
}

func TestEscrow_SequentialIDs(t *testing.T) {
	h := newHarness(t)
	for want := uint64(1); want <= 3; want++ {
		esc := h.create(t, 100, 10)
		assert.Equal(t, want, esc.ID)
	}
}

func TestEscrow_CallerNormalized(t *testing.T) {
	h := newHarness(t)
	esc, err := h.svc.Create(context.Background(), "  0xAAAA000000000000000000000000000000000001 ", CreateRequest{
		ListingID: 1, Amount: 100, Duration: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, buyerAddr, esc.Buyer)
}

func TestEscrow_Authorization(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	esc := h.create(t, 1000, 100)

	_, err := h.svc.Activate(ctx, esc.ID, buyerAddr)
	assert.ErrorIs(t, err, ErrNotSeller)
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = h.svc.Activate(ctx, esc.ID, sellerAddr)
	require.NoError(t, err)

	_, err = h.svc.ConfirmDelivery(ctx, esc.ID, strangerAddr)
	assert.ErrorIs(t, err, ErrNotParty)

	_, err = h.svc.RequestRefund(ctx, esc.ID, sellerAddr, 10)
	assert.ErrorIs(t, err, ErrNotBuyer)

	_, err = h.svc.RequestRefund(ctx, esc.ID, buyerAddr, 10)
	require.NoError(t, err)

	_, err = h.svc.ApproveRefund(ctx, esc.ID, buyerAddr)
	assert.ErrorIs(t, err, ErrNotSeller)
}

func TestEscrow_RefundAmountBound(t *testing.T) {
	h := newHarness(t)
	esc := h.createActive(t, 1000, 100)

	_, err := h.svc.RequestRefund(context.Background(), esc.ID, buyerAddr, 1001)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestEscrow_StateGuards(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	esc := h.create(t, 1000, 100)

	_, err := h.svc.ConfirmDelivery(ctx, esc.ID, buyerAddr)
	assert.ErrorIs(t, err, ErrInvalidState, "confirm requires active")

	_, err = h.svc.ApproveRefund(ctx, esc.ID, sellerAddr)
	assert.ErrorIs(t, err, ErrInvalidState, "approve requires disputed")

	_, err = h.svc.Activate(ctx, esc.ID, sellerAddr)
	require.NoError(t, err)
	_, err = h.svc.Activate(ctx, esc.ID, sellerAddr)
	assert.ErrorIs(t, err, ErrInvalidState, "double activate")

	_, err = h.svc.Get(ctx, 42)
	assert.ErrorIs(t, err, ErrEscrowNotFound)
	_, err = h.svc.Activate(ctx, 42, sellerAddr)
	assert.ErrorIs(t, err, ErrEscrowNotFound)
}

func TestEscrow_TerminalStatesAreFinal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	completed := h.createActive(t, 1000, 100)
	_, err := h.svc.ConfirmDelivery(ctx, completed.ID, buyerAddr)
	require.NoError(t, err)
	_, err = h.svc.ConfirmDelivery(ctx, completed.ID, sellerAddr)
	require.NoError(t, err)

	refunded := h.createActive(t, 1000, 100)
	_, err = h.svc.RequestRefund(ctx, refunded.ID, buyerAddr, 100)
	require.NoError(t, err)
	_, err = h.svc.ApproveRefund(ctx, refunded.ID, sellerAddr)
	require.NoError(t, err)

	h.clock.Advance(1000)
	for _, id := range []uint64{completed.ID, refunded.ID} {
		_, err = h.svc.Activate(ctx, id, sellerAddr)
		assert.ErrorIs(t, err, ErrInvalidState)
		_, err = h.svc.ConfirmDelivery(ctx, id, buyerAddr)
		assert.Error(t, err)
		_, err = h.svc.RequestRefund(ctx, id, buyerAddr, 1)
		assert.ErrorIs(t, err, ErrInvalidState)
		_, err = h.svc.ApproveRefund(ctx, id, sellerAddr)
		assert.ErrorIs(t, err, ErrInvalidState)
		_, err = h.svc.TimeoutRelease(ctx, id, strangerAddr)
		assert.ErrorIs(t, err, ErrInvalidState)
	}
}

func TestEscrow_ReputationOverflowIsAtomic(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	esc := h.createActive(t, 1000, 100)
	h.reputation.set(sellerAddr, 9950)

	_, err := h.svc.ConfirmDelivery(ctx, esc.ID, buyerAddr)
	require.NoError(t, err)
	_, err = h.svc.ConfirmDelivery(ctx, esc.ID, sellerAddr)
	assert.ErrorIs(t, err, ErrReputationOverflow)

	got, err := h.svc.Get(ctx, esc.ID)
	require.NoError(t, err)
	assert.Equal(t, StateActive, got.State)
	assert.Equal(t, 1, got.Confirmations.Len())
	assert.Equal(t, uint64(1005), h.custody.custody)
	assert.Equal(t, uint64(0), h.custody.balance(sellerAddr))
	assert.Equal(t, int64(5000), h.reputation.score(buyerAddr))
}

func TestEscrow_RefundReputationUnderflow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	esc := h.createActive(t, 1000, 100)
	h.reputation.set(sellerAddr, 10)

	_, err := h.svc.RequestRefund(ctx, esc.ID, buyerAddr, 200)
	require.NoError(t, err)
	_, err = h.svc.ApproveRefund(ctx, esc.ID, sellerAddr)
	assert.ErrorIs(t, err, ErrReputationOverflow)

	got, _ := h.svc.Get(ctx, esc.ID)
	assert.Equal(t, StateDisputed, got.State)
	assert.Equal(t, uint64(1005), h.custody.custody)
}

func TestEscrow_PayoutFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	esc := h.createActive(t, 1000, 100)
	_, err := h.svc.ConfirmDelivery(ctx, esc.ID, buyerAddr)
	require.NoError(t, err)

	h.custody.releaseErr = errors.New("ledger offline")
	_, err = h.svc.ConfirmDelivery(ctx, esc.ID, sellerAddr)
	require.Error(t, err)

	got, _ := h.svc.Get(ctx, esc.ID)
	assert.Equal(t, StateActive, got.State)
	assert.Equal(t, 0, h.reputation.applied)
}

func TestEscrow_StoreFailureAfterPayoutReversesPayouts(t *testing.T) {
	store := &failingStore{MemoryStore: NewMemoryStore(), updatesLeft: 1}
	custody := newMockCustody()
	custody.balances[buyerAddr] = 5000
	rep := newMockReputation(buyerAddr, sellerAddr)
	clock := chainclock.NewManual(0)
	svc := NewService(store, custody, rep, mockListings{1: sellerAddr}, clock, Config{PlatformAddr: platformAddr})
	ctx := context.Background()

	esc, err := svc.Create(ctx, buyerAddr, CreateRequest{ListingID: 1, Amount: 1000, Duration: 5})
	require.NoError(t, err)
	_, err = svc.Activate(ctx, esc.ID, sellerAddr) // consumes the only update
	require.NoError(t, err)

	clock.Advance(6)
	_, err = svc.TimeoutRelease(ctx, esc.ID, strangerAddr)
	require.ErrorIs(t, err, ErrSettlementAborted)
	assert.Equal(t, 0, rep.applied, "reputation not applied when the record was not persisted")
	assert.Equal(t, uint64(0), custody.balance(sellerAddr))
	assert.Equal(t, uint64(0), custody.balance(platformAddr))
	held, _ := custody.CustodyBalance(ctx)
	assert.Equal(t, uint64(1005), held)

	got, err := svc.Get(ctx, esc.ID)
	require.NoError(t, err)
	assert.Equal(t, StateActive, got.State)
}

func TestEscrow_SettlementRetryAfterStoreRecoversPaysOnce(t *testing.T) {
	store := &failingStore{MemoryStore: NewMemoryStore(), updatesLeft: 1}
	custody := newMockCustody()
	custody.balances[buyerAddr] = 5000
	rep := newMockReputation(buyerAddr, sellerAddr)
	clock := chainclock.NewManual(0)
	svc := NewService(store, custody, rep, mockListings{1: sellerAddr}, clock, Config{PlatformAddr: platformAddr})
	ctx := context.Background()

	first, err := svc.Create(ctx, buyerAddr, CreateRequest{ListingID: 1, Amount: 1000, Duration: 5})
	require.NoError(t, err)
	_, err = svc.Activate(ctx, first.ID, sellerAddr)
	require.NoError(t, err)
	// a second open escrow shares the pooled custody account
	_, err = svc.Create(ctx, buyerAddr, CreateRequest{ListingID: 1, Amount: 1000, Duration: 50})
	require.NoError(t, err)

	clock.Advance(6)
	_, err = svc.TimeoutRelease(ctx, first.ID, strangerAddr)
	require.Error(t, err)

	store.updatesLeft = 10
	settled, err := svc.TimeoutRelease(ctx, first.ID, strangerAddr)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, settled.State)

	_, err = svc.TimeoutRelease(ctx, first.ID, strangerAddr)
	assert.ErrorIs(t, err, ErrInvalidState)

	assert.Equal(t, uint64(1000), custody.balance(sellerAddr), "seller paid exactly once")
	assert.Equal(t, uint64(5), custody.balance(platformAddr))
	held, _ := custody.CustodyBalance(ctx)
	assert.Equal(t, uint64(1005), held, "custody still covers the open escrow")
	assert.Equal(t, int64(5020), rep.score(sellerAddr))
}

func TestEscrow_UnreversiblePayoutNeedsManualResolution(t *testing.T) {
	store := &failingStore{MemoryStore: NewMemoryStore(), updatesLeft: 1}
	custody := &drainingCustody{mockCustody: newMockCustody()}
	custody.balances[buyerAddr] = 5000
	rep := newMockReputation(buyerAddr, sellerAddr)
	clock := chainclock.NewManual(0)
	svc := NewService(store, custody, rep, mockListings{1: sellerAddr}, clock, Config{PlatformAddr: platformAddr})
	ctx := context.Background()

	esc, err := svc.Create(ctx, buyerAddr, CreateRequest{ListingID: 1, Amount: 1000, Duration: 5})
	require.NoError(t, err)
	_, err = svc.Activate(ctx, esc.ID, sellerAddr)
	require.NoError(t, err)

	custody.failLocks = true
	clock.Advance(6)
	_, err = svc.TimeoutRelease(ctx, esc.ID, strangerAddr)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrSettlementAborted)
	assert.Contains(t, err.Error(), "manual resolution")
}

func TestEscrow_CustomFeePolicy(t *testing.T) {
	h := newHarness(t)
	policy, err := fees.NewPolicy(1, 100)
	require.NoError(t, err)
	svc := NewService(h.store, h.custody, h.reputation, mockListings{1: sellerAddr}, h.clock, Config{
		PlatformAddr: platformAddr,
		Fees:         policy,
		MaxDuration:  10,
	})

	esc, err := svc.Create(context.Background(), buyerAddr, CreateRequest{ListingID: 1, Amount: 1000, Duration: 10})
	require.NoError(t, err)
	assert.Equal(t, uint64(10), esc.Fee)

	_, err = svc.Create(context.Background(), buyerAddr, CreateRequest{ListingID: 1, Amount: 1000, Duration: 11})
	assert.ErrorIs(t, err, ErrInvalidDuration)
}

func TestEscrow_MetadataAndExport(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	esc := h.createActive(t, 1000, 100)
	_, err := h.svc.ConfirmDelivery(ctx, esc.ID, sellerAddr)
	require.NoError(t, err)

	meta, err := h.svc.GetMetadata(ctx, esc.ID)
	require.NoError(t, err)
	assert.Equal(t, "translate 10 pages", meta.Description)

	rec, err := h.svc.Export(ctx, esc.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{sellerAddr}, rec.Confirmations)
	assert.Equal(t, StateActive, rec.State)
	assert.Equal(t, uint64(5), rec.Fee)
	assert.Equal(t, "delivery within 100 blocks", rec.Metadata.Terms)
}

func TestEscrow_ListQueries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.createActive(t, 100, 5)
	b := h.createActive(t, 100, 50)
	h.create(t, 100, 1)

	byBuyer, err := h.svc.ListByParty(ctx, buyerAddr, 0)
	require.NoError(t, err)
	require.Len(t, byBuyer, 3)
	assert.Equal(t, uint64(3), byBuyer[0].ID, "newest first")

	h.clock.Advance(10)
	expired, err := h.svc.ListTimedOut(ctx, 0)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, a.ID, expired[0].ID)

	h.clock.Advance(100)
	expired, err = h.svc.ListTimedOut(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, expired, 2)
	assert.Equal(t, b.ID, expired[1].ID)
}

func TestEscrow_ConcurrentConfirmationsSettleOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	esc := h.createActive(t, 1000, 100)

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for _, caller := range []string{buyerAddr, sellerAddr, buyerAddr, sellerAddr} {
		wg.Add(1)
		go func(c string) {
			defer wg.Done()
			_, err := h.svc.ConfirmDelivery(ctx, esc.ID, c)
			errs <- err
		}(caller)
	}
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		if err == nil {
			ok++
		}
	}
	assert.Equal(t, 2, ok)
	assert.Equal(t, uint64(1000), h.custody.balance(sellerAddr))
	assert.Equal(t, int64(5100), h.reputation.score(sellerAddr))
}

func TestEscrow_EventsPublished(t *testing.T) {
	h := newHarness(t)
	sink := &recordingSink{}
	h.svc.WithEvents(sink)
	ctx := context.Background()

	esc := h.createActive(t, 1000, 100)
	_, _ = h.svc.ConfirmDelivery(ctx, esc.ID, buyerAddr)
	_, _ = h.svc.ConfirmDelivery(ctx, esc.ID, sellerAddr)

	assert.Equal(t, []EventType{EventCreated, EventActivated, EventConfirmed, EventCompleted}, sink.types())
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingSink) Publish(_ context.Context, e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingSink) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func TestCanTransition(t *testing.T) {
	legal := map[string]bool{
		"pending->active":    true,
		"pending->disputed":  true,
		"active->completed":  true,
		"active->disputed":   true,
		"disputed->refunded": true,
	}
	states := []State{StatePending, StateActive, StateCompleted, StateDisputed, StateRefunded}
	for _, from := range states {
		for _, to := range states {
			key := fmt.Sprintf("%s->%s", from, to)
			assert.Equal(t, legal[key], CanTransition(from, to), key)
		}
	}
	assert.True(t, StateCompleted.IsTerminal())
	assert.True(t, StateRefunded.IsTerminal())
	assert.False(t, StateDisputed.IsTerminal())
}

func TestConfirmations(t *testing.T) {
	var c Confirmations
	require.NoError(t, c.Add(buyerAddr))
	assert.ErrorIs(t, c.Add(buyerAddr), ErrAlreadyConfirmed)
	require.NoError(t, c.Add(sellerAddr))
	assert.ErrorIs(t, c.Add(strangerAddr), ErrInvalidState)
	assert.Equal(t, []string{buyerAddr, sellerAddr}, c.Slice())

	data, err := c.MarshalJSON()
	require.NoError(t, err)
	var back Confirmations
	require.NoError(t, back.UnmarshalJSON(data))
	assert.Equal(t, c, back)

	assert.Error(t, back.UnmarshalJSON([]byte(`["a","a"]`)))
	assert.Error(t, back.UnmarshalJSON([]byte(`["a","b","c"]`)))
}
