package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mbd888/escrowd/internal/fees"
	"github.com/mbd888/escrowd/internal/retry"
	"github.com/mbd888/escrowd/internal/syncutil"
	"github.com/mbd888/escrowd/internal/traces"
)

// Reputation deltas applied on settlement.
const (
	ReputationSellerConfirmed int64 = 100
	ReputationBuyerConfirmed  int64 = 50
	ReputationSellerTimeout   int64 = 20
	ReputationSellerRefunded  int64 = -50
)

// Config holds the settlement policy.
type Config struct {
	PlatformAddr string      // receives fees on confirmed and timed-out settlements
	Fees         fees.Policy // zero value means fees.Default()
	MaxDuration  uint64      // zero value means DefaultMaxDuration
}

// storeRetry covers the single retry of a post-payout store write.
var storeRetry = retry.Policy{Attempts: 2, BaseDelay: 25 * time.Millisecond}

// Service implements the escrow state machine.
type Service struct {
	store      Store
	custody    Custody
	reputation Reputation
	listings   Listings
	clock      Clock
	events     EventSink
	logger     *slog.Logger
	cfg        Config

	// mu serializes every mutating operation: one transition at a time,
	// globally, so precondition checks and effects see the same state.
	mu syncutil.ContextMutex
}

// NewService creates a new escrow service.
func NewService(store Store, custody Custody, reputation Reputation, listings Listings, clock Clock, cfg Config) *Service {
	if cfg.Fees.Denominator == 0 {
		cfg.Fees = fees.Default()
	}
	if cfg.MaxDuration == 0 {
		cfg.MaxDuration = DefaultMaxDuration
	}
	cfg.PlatformAddr = normalize(cfg.PlatformAddr)
	return &Service{
		store:      store,
		custody:    custody,
		reputation: reputation,
		listings:   listings,
		clock:      clock,
		events:     noopSink{},
		logger:     slog.Default(),
		cfg:        cfg,
	}
}

// WithLogger sets the service logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	if l != nil {
		s.logger = l
	}
	return s
}

// WithEvents adds a sink for lifecycle events.
func (s *Service) WithEvents(sink EventSink) *Service {
	if sink != nil {
		s.events = sink
	}
	return s
}

// Config returns the settlement policy in effect.
func (s *Service) Config() Config {
	return s.cfg
}

// Height returns the current logical clock height.
func (s *Service) Height(ctx context.Context) (uint64, error) {
	h, err := s.clock.Height(ctx)
	if err != nil {
		return 0, fmt.Errorf("read clock: %w", err)
	}
	return h, nil
}

// Create locks amount+fee from the buyer and records a pending escrow.
func (s *Service) Create(ctx context.Context, caller string, req CreateRequest) (esc *Escrow, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Create",
		traces.Caller(caller), traces.ListingID(req.ListingID), traces.Amount(req.Amount))
	defer func() { finish(span, "create", err) }()

	unlock, err := s.mu.Lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	buyer := normalize(caller)
	if req.Amount == 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidAmount)
	}
	if req.Duration > s.cfg.MaxDuration {
		return nil, fmt.Errorf("%w: %d > %d", ErrInvalidDuration, req.Duration, s.cfg.MaxDuration)
	}

	known, err := s.reputation.Exists(ctx, buyer)
	if err != nil {
		return nil, fmt.Errorf("lookup buyer identity: %w", err)
	}
	if !known {
		return nil, ErrUnknownIdentity
	}

	seller, err := s.listings.ResolveOwner(ctx, req.ListingID)
	if err != nil {
		return nil, err
	}
	seller = normalize(seller)
	if seller == buyer {
		return nil, ErrSelfDeal
	}

	fee, total, err := s.cfg.Fees.Total(req.Amount)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}

	height, err := s.Height(ctx)
	if err != nil {
		return nil, err
	}

	last, err := s.store.LastID(ctx)
	if err != nil {
		return nil, fmt.Errorf("read escrow counter: %w", err)
	}

	now := time.Now()
	escrow := &Escrow{
		ID:          last + 1,
		Seller:      seller,
		Buyer:       buyer,
		Amount:      req.Amount,
		Fee:         fee,
		StartHeight: height,
		Duration:    req.Duration,
		State:       StatePending,
		ListingID:   req.ListingID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	meta := &Metadata{Description: req.Description, Terms: req.Terms}
	ref := Reference(escrow.ID)

	// Lock buyer funds in custody
	if err := s.custody.Lock(ctx, buyer, total, ref); err != nil {
		return nil, fmt.Errorf("failed to lock escrow funds: %w", err)
	}

	if err := s.store.Create(ctx, escrow, meta); err != nil {
		if relErr := s.custody.Release(ctx, buyer, total, ref); relErr != nil {
			s.logger.Error("CRITICAL: escrow funds locked but record not created",
				"escrowId", escrow.ID, "buyer", buyer, "total", total, "error", relErr)
		}
		return nil, fmt.Errorf("failed to create escrow record: %w", err)
	}

	LockedTotal.Add(float64(total))
	TransitionsTotal.WithLabelValues(string(StatePending)).Inc()
	s.events.Publish(ctx, newEvent(EventCreated, escrow, buyer, height))
	s.logger.Info("escrow created",
		"escrowId", escrow.ID,
		"buyer", buyer,
		"seller", seller,
		"amount", escrow.Amount,
		"fee", fee,
		"duration", escrow.Duration,
	)
	return escrow, nil
}

// Activate marks the seller's acknowledgement. Only the seller may activate.
func (s *Service) Activate(ctx context.Context, id uint64, caller string) (esc *Escrow, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Activate", traces.EscrowID(id), traces.Caller(caller))
	defer func() { finish(span, "activate", err) }()

	unlock, err := s.mu.Lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	caller = normalize(caller)
	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if caller != escrow.Seller {
		return nil, ErrNotSeller
	}
	if escrow.State != StatePending {
		return nil, fmt.Errorf("%w: escrow is %s", ErrInvalidState, escrow.State)
	}
	height, err := s.Height(ctx)
	if err != nil {
		return nil, err
	}

	if err := escrow.transition(StateActive); err != nil {
		return nil, err
	}
	escrow.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, escrow); err != nil {
		return nil, fmt.Errorf("failed to activate escrow: %w", err)
	}

	TransitionsTotal.WithLabelValues(string(StateActive)).Inc()
	s.events.Publish(ctx, newEvent(EventActivated, escrow, caller, height))
	s.logger.Info("escrow activated", "escrowId", id, "seller", caller)
	return escrow, nil
}

// ConfirmDelivery records a party's attestation. The second distinct
// confirmation settles the escrow.
func (s *Service) ConfirmDelivery(ctx context.Context, id uint64, caller string) (res *ConfirmResult, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ConfirmDelivery", traces.EscrowID(id), traces.Caller(caller))
	defer func() { finish(span, "confirm_delivery", err) }()

	unlock, err := s.mu.Lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	caller = normalize(caller)
	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !escrow.IsParty(caller) {
		return nil, ErrNotParty
	}
	if escrow.State != StateActive {
		return nil, fmt.Errorf("%w: escrow is %s", ErrInvalidState, escrow.State)
	}
	if escrow.Confirmations.Has(caller) {
		return nil, ErrAlreadyConfirmed
	}
	height, err := s.Height(ctx)
	if err != nil {
		return nil, err
	}

	if escrow.Confirmations.Len() == 0 {
		if err := escrow.Confirmations.Add(caller); err != nil {
			return nil, err
		}
		escrow.UpdatedAt = time.Now()
		if err := s.store.Update(ctx, escrow); err != nil {
			return nil, fmt.Errorf("failed to record confirmation: %w", err)
		}
		s.events.Publish(ctx, newEvent(EventConfirmed, escrow, caller, height))
		s.logger.Info("delivery confirmed, awaiting counterparty", "escrowId", id, "caller", caller)
		return &ConfirmResult{Escrow: escrow, Settled: false}, nil
	}

	payouts := []payout{
		{account: escrow.Seller, role: "seller", amount: escrow.Amount},
		{account: s.cfg.PlatformAddr, role: "platform", amount: escrow.Fee},
	}
	deltas := []delta{
		{addr: escrow.Seller, delta: ReputationSellerConfirmed},
		{addr: escrow.Buyer, delta: ReputationBuyerConfirmed},
	}
	if err := s.precheck(ctx, payouts, deltas); err != nil {
		return nil, err
	}

	if err := escrow.Confirmations.Add(caller); err != nil {
		return nil, err
	}
	if err := escrow.transition(StateCompleted); err != nil {
		return nil, err
	}
	resolve(escrow, ResolutionConfirmed, height)

	if err := s.settle(ctx, escrow, payouts, deltas); err != nil {
		return nil, err
	}

	s.events.Publish(ctx, newEvent(EventCompleted, escrow, caller, height))
	s.logger.Info("escrow completed by mutual confirmation",
		"escrowId", id, "seller", escrow.Seller, "amount", escrow.Amount, "fee", escrow.Fee)
	return &ConfirmResult{Escrow: escrow, Settled: true}, nil
}

// RequestRefund lets the buyer halt the escrow and propose how much of the
// principal should come back. No funds move until the seller approves.
func (s *Service) RequestRefund(ctx context.Context, id uint64, caller string, refundAmount uint64) (esc *Escrow, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.RequestRefund",
		traces.EscrowID(id), traces.Caller(caller), traces.Amount(refundAmount))
	defer func() { finish(span, "request_refund", err) }()

	unlock, err := s.mu.Lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	caller = normalize(caller)
	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if caller != escrow.Buyer {
		return nil, ErrNotBuyer
	}
	if escrow.State != StatePending && escrow.State != StateActive {
		return nil, fmt.Errorf("%w: escrow is %s", ErrInvalidState, escrow.State)
	}
	if refundAmount > escrow.Amount {
		return nil, fmt.Errorf("%w: refund %d exceeds amount %d", ErrInvalidAmount, refundAmount, escrow.Amount)
	}
	height, err := s.Height(ctx)
	if err != nil {
		return nil, err
	}

	if err := escrow.transition(StateDisputed); err != nil {
		return nil, err
	}
	escrow.RefundAmount = refundAmount
	escrow.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, escrow); err != nil {
		return nil, fmt.Errorf("failed to record refund request: %w", err)
	}

	TransitionsTotal.WithLabelValues(string(StateDisputed)).Inc()
	s.events.Publish(ctx, newEvent(EventRefundRequested, escrow, caller, height))
	s.logger.Info("refund requested",
		"escrowId", id, "buyer", caller, "refundAmount", refundAmount,
		"confirmations", escrow.Confirmations.Len())
	return escrow, nil
}

// ApproveRefund accepts the buyer's split. The buyer receives the refund
// and the seller receives everything else held, fee included.
func (s *Service) ApproveRefund(ctx context.Context, id uint64, caller string) (esc *Escrow, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ApproveRefund", traces.EscrowID(id), traces.Caller(caller))
	defer func() { finish(span, "approve_refund", err) }()

	unlock, err := s.mu.Lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	caller = normalize(caller)
	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if caller != escrow.Seller {
		return nil, ErrNotSeller
	}
	if escrow.State != StateDisputed {
		return nil, fmt.Errorf("%w: escrow is %s", ErrInvalidState, escrow.State)
	}
	if escrow.RefundAmount > escrow.Amount {
		return nil, fmt.Errorf("%w: stored refund %d exceeds amount %d", ErrInvalidAmount, escrow.RefundAmount, escrow.Amount)
	}
	height, err := s.Height(ctx)
	if err != nil {
		return nil, err
	}

	total := escrow.Total()
	payouts := []payout{
		{account: escrow.Buyer, role: "buyer", amount: escrow.RefundAmount},
		{account: escrow.Seller, role: "seller", amount: total - escrow.RefundAmount},
	}
	deltas := []delta{{addr: escrow.Seller, delta: ReputationSellerRefunded}}
	if err := s.precheck(ctx, payouts, deltas); err != nil {
		return nil, err
	}

	if err := escrow.transition(StateRefunded); err != nil {
		return nil, err
	}
	resolve(escrow, ResolutionRefundApproved, height)

	if err := s.settle(ctx, escrow, payouts, deltas); err != nil {
		return nil, err
	}

	s.events.Publish(ctx, newEvent(EventRefunded, escrow, caller, height))
	s.logger.Info("refund approved",
		"escrowId", id,
		"buyer", escrow.Buyer,
		"refund", escrow.RefundAmount,
		"seller", escrow.Seller,
		"remainder", total-escrow.RefundAmount,
	)
	return escrow, nil
}

// TimeoutRelease settles an active escrow whose duration has elapsed.
// Anyone may call it.
func (s *Service) TimeoutRelease(ctx context.Context, id uint64, caller string) (esc *Escrow, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.TimeoutRelease", traces.EscrowID(id), traces.Caller(caller))
	defer func() { finish(span, "timeout_release", err) }()

	unlock, err := s.mu.Lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	caller = normalize(caller)
	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if escrow.State != StateActive {
		return nil, fmt.Errorf("%w: escrow is %s", ErrInvalidState, escrow.State)
	}
	height, err := s.Height(ctx)
	if err != nil {
		return nil, err
	}
	if !escrow.TimedOut(height) {
		return nil, fmt.Errorf("%w: height %d, started %d, duration %d",
			ErrTimeoutNotReached, height, escrow.StartHeight, escrow.Duration)
	}

	payouts := []payout{
		{account: escrow.Seller, role: "seller", amount: escrow.Amount},
		{account: s.cfg.PlatformAddr, role: "platform", amount: escrow.Fee},
	}
	deltas := []delta{{addr: escrow.Seller, delta: ReputationSellerTimeout}}
	if err := s.precheck(ctx, payouts, deltas); err != nil {
		return nil, err
	}

	if err := escrow.transition(StateCompleted); err != nil {
		return nil, err
	}
	resolve(escrow, ResolutionTimeout, height)

	if err := s.settle(ctx, escrow, payouts, deltas); err != nil {
		return nil, err
	}

	s.events.Publish(ctx, newEvent(EventCompleted, escrow, caller, height))
	s.logger.Info("escrow released after timeout",
		"escrowId", id, "caller", caller, "seller", escrow.Seller, "amount", escrow.Amount)
	return escrow, nil
}

// Get returns an escrow by ID.
func (s *Service) Get(ctx context.Context, id uint64) (*Escrow, error) {
	return s.store.Get(ctx, id)
}

// GetMetadata returns the description and terms stored at creation.
func (s *Service) GetMetadata(ctx context.Context, id uint64) (*Metadata, error) {
	return s.store.GetMetadata(ctx, id)
}

// Export returns the audit layout of an escrow and its metadata.
func (s *Service) Export(ctx context.Context, id uint64) (*Record, error) {
	escrow, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	meta, err := s.store.GetMetadata(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Record{
		ID:            escrow.ID,
		Seller:        escrow.Seller,
		Buyer:         escrow.Buyer,
		Amount:        escrow.Amount,
		Fee:           escrow.Fee,
		StartTime:     escrow.StartHeight,
		Duration:      escrow.Duration,
		State:         escrow.State,
		ListingID:     escrow.ListingID,
		Confirmations: escrow.Confirmations.Slice(),
		RefundAmount:  escrow.RefundAmount,
		Metadata:      *meta,
	}, nil
}

// ListByParty returns escrows where addr is buyer or seller.
func (s *Service) ListByParty(ctx context.Context, addr string, limit int) ([]*Escrow, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByParty(ctx, normalize(addr), limit)
}

// ListTimedOut returns active escrows eligible for TimeoutRelease now.
func (s *Service) ListTimedOut(ctx context.Context, limit int) ([]*Escrow, error) {
	if limit <= 0 {
		limit = 100
	}
	height, err := s.Height(ctx)
	if err != nil {
		return nil, err
	}
	return s.store.ListTimedOut(ctx, height, limit)
}

// -----------------------------------------------------------------------------
// Settlement
// -----------------------------------------------------------------------------

type payout struct {
	account string
	role    string
	amount  uint64
}

type delta struct {
	addr  string
	delta int64
}

// precheck verifies every effect of a settlement before anything is written.
func (s *Service) precheck(ctx context.Context, payouts []payout, deltas []delta) error {
	var need uint64
	for _, p := range payouts {
		need += p.amount
	}
	held, err := s.custody.CustodyBalance(ctx)
	if err != nil {
		return fmt.Errorf("read custody balance: %w", err)
	}
	if held < need {
		return fmt.Errorf("%w: custody holds %d, settlement needs %d", ErrInsufficientFunds, held, need)
	}
	for _, d := range deltas {
		if err := s.reputation.CheckDelta(ctx, d.addr, d.delta); err != nil {
			return err
		}
	}
	return nil
}

// settle pays out, persists the terminal record, then applies reputation.
// If the record cannot be persisted the payouts are reversed, so the stored
// state never lags behind custody.
func (s *Service) settle(ctx context.Context, escrow *Escrow, payouts []payout, deltas []delta) error {
	done, err := s.pay(ctx, escrow.ID, payouts)
	if err != nil {
		return err
	}

	if err := retry.Do(ctx, storeRetry, func() error {
		return s.store.Update(ctx, escrow)
	}); err != nil {
		if revErr := s.reverse(ctx, escrow.ID, done); revErr != nil {
			s.logger.Error("CRITICAL: escrow funds released but status update failed",
				"escrowId", escrow.ID, "state", escrow.State, "error", err, "reverseError", revErr)
			return fmt.Errorf("failed to update escrow after fund release (requires manual resolution): %w", err)
		}
		s.logger.Error("escrow settlement not persisted, payouts reversed",
			"escrowId", escrow.ID, "state", escrow.State, "error", err)
		return fmt.Errorf("%w: %w", ErrSettlementAborted, err)
	}

	for _, p := range done {
		PayoutsTotal.WithLabelValues(p.role).Add(float64(p.amount))
	}
	for _, d := range deltas {
		if _, err := s.reputation.ApplyDelta(ctx, d.addr, d.delta); err != nil {
			s.logger.Error("reputation update failed after settlement",
				"escrowId", escrow.ID, "addr", d.addr, "delta", d.delta, "error", err)
		}
	}

	TransitionsTotal.WithLabelValues(string(escrow.State)).Inc()
	if escrow.SettledHeight >= escrow.StartHeight {
		SettlementTicks.Observe(float64(escrow.SettledHeight - escrow.StartHeight))
	}
	return nil
}

// pay releases each payout from custody. A failed release rolls back the
// payouts already made.
func (s *Service) pay(ctx context.Context, id uint64, payouts []payout) ([]payout, error) {
	ref := Reference(id)
	done := make([]payout, 0, len(payouts))
	for _, p := range payouts {
		if p.amount == 0 {
			continue
		}
		if err := s.custody.Release(ctx, p.account, p.amount, ref); err != nil {
			_ = s.reverse(ctx, id, done)
			return nil, fmt.Errorf("failed to release %d to %s: %w", p.amount, p.role, err)
		}
		done = append(done, p)
	}
	return done, nil
}

// reverse locks released payouts back into custody.
func (s *Service) reverse(ctx context.Context, id uint64, done []payout) error {
	ref := Reference(id)
	var errs []error
	for _, d := range done {
		if err := s.custody.Lock(ctx, d.account, d.amount, ref); err != nil {
			s.logger.Error("CRITICAL: failed to reverse escrow payout",
				"escrowId", id, "account", d.account, "amount", d.amount, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func resolve(escrow *Escrow, r Resolution, height uint64) {
	now := time.Now()
	escrow.Resolution = r
	escrow.SettledHeight = height
	escrow.ResolvedAt = &now
	escrow.UpdatedAt = now
}

func finish(span trace.Span, op string, err error) {
	observeResult(op, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
