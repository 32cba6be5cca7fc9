// Package escrow implements the custody and settlement state machine.
//
// Flow:
//  1. Buyer creates an escrow against a listing → amount+fee moved: buyer → custody
//  2. Seller activates → the timeout clock becomes actionable
//  3. Buyer and seller both confirm delivery → amount to seller, fee to platform
//  4. Buyer requests a refund split → escrow disputed, no funds move
//  5. Seller approves the split → refund to buyer, remainder (fee included) to seller
//  6. Duration elapsed while active → anyone may release amount to seller, fee to platform
package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrEscrowNotFound     = errors.New("escrow not found")
	ErrUnauthorized       = errors.New("not authorized for this escrow operation")
	ErrInvalidState       = errors.New("invalid escrow state for this operation")
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrAlreadyConfirmed   = errors.New("delivery already confirmed by caller")
	ErrTimeoutNotReached  = errors.New("escrow timeout not reached")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrReputationOverflow = errors.New("reputation delta out of bounds")
	ErrUnknownIdentity    = errors.New("identity not registered")
	ErrListingNotFound    = errors.New("listing not found")
	ErrIDConflict         = errors.New("escrow id already assigned")
	ErrClockUnavailable   = errors.New("logical clock unavailable")
	ErrSettlementAborted  = errors.New("settlement not persisted, payouts reversed")

	ErrNotSeller       = fmt.Errorf("%w: caller is not the seller", ErrUnauthorized)
	ErrNotBuyer        = fmt.Errorf("%w: caller is not the buyer", ErrUnauthorized)
	ErrNotParty        = fmt.Errorf("%w: caller is not a party to the escrow", ErrUnauthorized)
	ErrSelfDeal        = fmt.Errorf("%w: seller cannot buy their own listing", ErrUnauthorized)
	ErrInvalidDuration = fmt.Errorf("%w: duration exceeds maximum", ErrInvalidAmount)
)

// DefaultMaxDuration is the longest an escrow may stay active before a
// timeout release is permitted, in clock ticks.
const DefaultMaxDuration uint64 = 144

// State is the lifecycle position of an escrow.
type State string

const (
	StatePending   State = "pending"   // Funds locked, seller has not acknowledged
	StateActive    State = "active"    // Seller acknowledged, service under way
	StateCompleted State = "completed" // Released to seller (both confirmed or timed out)
	StateDisputed  State = "disputed"  // Buyer proposed a refund split
	StateRefunded  State = "refunded"  // Seller accepted the split
)

// transitions lists every legal forward edge.
var transitions = map[State][]State{
	StatePending:  {StateActive, StateDisputed},
	StateActive:   {StateCompleted, StateDisputed},
	StateDisputed: {StateRefunded},
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateRefunded
}

// Resolution records how a terminal escrow was settled.
type Resolution string

const (
	ResolutionConfirmed      Resolution = "confirmed"
	ResolutionTimeout        Resolution = "timeout"
	ResolutionRefundApproved Resolution = "refund_approved"
)

// Confirmations is the fixed two-slot set of parties that attested delivery.
type Confirmations [2]string

// Has reports whether addr already confirmed.
func (c Confirmations) Has(addr string) bool {
	return addr != "" && (c[0] == addr || c[1] == addr)
}

// Len returns the number of confirmations.
func (c Confirmations) Len() int {
	n := 0
	for _, a := range c {
		if a != "" {
			n++
		}
	}
	return n
}

// Add inserts addr. Duplicates are rejected.
func (c *Confirmations) Add(addr string) error {
	if addr == "" {
		return ErrNotParty
	}
	if c.Has(addr) {
		return ErrAlreadyConfirmed
	}
	for i := range c {
		if c[i] == "" {
			c[i] = addr
			return nil
		}
	}
	return ErrInvalidState
}

// Slice returns the confirmed addresses in confirmation order.
func (c Confirmations) Slice() []string {
	out := make([]string, 0, 2)
	for _, a := range c {
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

func (c Confirmations) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Slice())
}

func (c *Confirmations) UnmarshalJSON(data []byte) error {
	var addrs []string
	if err := json.Unmarshal(data, &addrs); err != nil {
		return err
	}
	if len(addrs) > 2 {
		return fmt.Errorf("too many confirmations: %d", len(addrs))
	}
	*c = Confirmations{}
	for _, a := range addrs {
		if err := c.Add(a); err != nil {
			return err
		}
	}
	return nil
}

// Escrow is a custodial record locking amount+fee between buyer and seller.
type Escrow struct {
	ID            uint64        `json:"id"`
	Seller        string        `json:"seller"`
	Buyer         string        `json:"buyer"`
	Amount        uint64        `json:"amount"`
	Fee           uint64        `json:"fee"`
	StartHeight   uint64        `json:"startHeight"`
	Duration      uint64        `json:"duration"`
	State         State         `json:"state"`
	ListingID     uint64        `json:"listingId"`
	Confirmations Confirmations `json:"confirmations"`
	RefundAmount  uint64        `json:"refundAmount"`

	Resolution    Resolution `json:"resolution,omitempty"`
	SettledHeight uint64     `json:"settledHeight,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
	ResolvedAt    *time.Time `json:"resolvedAt,omitempty"`
}

// Metadata is free-text evidence stored once at creation.
type Metadata struct {
	Description string `json:"description"`
	Terms       string `json:"terms"`
}

// Total is the value held in custody for this escrow.
func (e *Escrow) Total() uint64 {
	return e.Amount + e.Fee
}

// IsParty reports whether addr is the buyer or the seller.
func (e *Escrow) IsParty(addr string) bool {
	return addr == e.Buyer || addr == e.Seller
}

// TimedOut reports whether more than Duration ticks elapsed since creation.
func (e *Escrow) TimedOut(height uint64) bool {
	return height > e.StartHeight && height-e.StartHeight > e.Duration
}

func (e *Escrow) transition(to State) error {
	if !CanTransition(e.State, to) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidState, e.State, to)
	}
	e.State = to
	return nil
}

// Record is the persisted audit layout of an escrow plus its metadata.
type Record struct {
	ID            uint64   `json:"id"`
	Seller        string   `json:"seller"`
	Buyer         string   `json:"buyer"`
	Amount        uint64   `json:"amount"`
	Fee           uint64   `json:"fee"`
	StartTime     uint64   `json:"startTime"`
	Duration      uint64   `json:"duration"`
	State         State    `json:"state"`
	ListingID     uint64   `json:"listingId"`
	Confirmations []string `json:"confirmations"`
	RefundAmount  uint64   `json:"refundAmount"`
	Metadata      Metadata `json:"metadata"`
}

// Store persists escrow records. Create must reject an ID that is not
// exactly one past the last assigned ID.
type Store interface {
	Create(ctx context.Context, escrow *Escrow, meta *Metadata) error
	Get(ctx context.Context, id uint64) (*Escrow, error)
	GetMetadata(ctx context.Context, id uint64) (*Metadata, error)
	Update(ctx context.Context, escrow *Escrow) error
	LastID(ctx context.Context) (uint64, error)
	ListByParty(ctx context.Context, addr string, limit int) ([]*Escrow, error)
	ListTimedOut(ctx context.Context, height uint64, limit int) ([]*Escrow, error)
}

// Custody moves value between accounts and the pooled custodial balance.
type Custody interface {
	Lock(ctx context.Context, account string, amount uint64, reference string) error
	Release(ctx context.Context, account string, amount uint64, reference string) error
	CustodyBalance(ctx context.Context) (uint64, error)
}

// Reputation is the identity registry's bounded score port.
type Reputation interface {
	Exists(ctx context.Context, addr string) (bool, error)
	CheckDelta(ctx context.Context, addr string, delta int64) error
	ApplyDelta(ctx context.Context, addr string, delta int64) (int64, error)
}

// Listings resolves a listing to its owning seller.
type Listings interface {
	ResolveOwner(ctx context.Context, listingID uint64) (string, error)
}

// Clock reports the current logical height.
type Clock interface {
	Height(ctx context.Context) (uint64, error)
}

// CreateRequest contains the parameters for creating an escrow.
type CreateRequest struct {
	ListingID   uint64 `json:"listingId"`
	Amount      uint64 `json:"amount"`
	Duration    uint64 `json:"duration"`
	Description string `json:"description"`
	Terms       string `json:"terms"`
}

// RefundRequest contains the buyer's proposed refund.
type RefundRequest struct {
	RefundAmount uint64 `json:"refundAmount"`
}

// ConfirmResult tells the caller whether the confirmation settled the escrow.
type ConfirmResult struct {
	Escrow  *Escrow `json:"escrow"`
	Settled bool    `json:"settled"`
}

// Reference is the ledger reference used for every movement of an escrow.
func Reference(id uint64) string {
	return fmt.Sprintf("escrow:%d", id)
}

func normalize(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
