// Package ledger tracks account balances and the pooled escrow custody.
//
// Flow:
//  1. Funds arrive for an account (Deposit)
//  2. Escrow creation moves amount+fee from the account into custody (Lock)
//  3. Settlement moves value out of custody to buyer, seller or platform (Release)
//  4. Accounts may withdraw what is available (Withdraw)
//
// Every movement writes an Entry, so Reconcile can check that deposits minus
// withdrawals equals available balances plus custody.
package ledger

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInsufficientCustody = errors.New("insufficient custody balance")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrDuplicateDeposit    = errors.New("deposit already processed")
	ErrOverflow            = errors.New("balance overflow")
)

// Entry types.
const (
	EntryDeposit    = "deposit"
	EntryWithdrawal = "withdrawal"
	EntryLock       = "escrow_lock"
	EntryRelease    = "escrow_release"
)

// Entry is one movement of value.
type Entry struct {
	ID          uint64    `json:"id"`
	Address     string    `json:"address"`
	Type        string    `json:"type"`
	Amount      uint64    `json:"amount"`
	TxHash      string    `json:"txHash,omitempty"`
	Reference   string    `json:"reference,omitempty"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Balance is an account's spendable position.
type Balance struct {
	Address   string    `json:"address"`
	Available uint64    `json:"available"`
	TotalIn   uint64    `json:"totalIn"`  // deposits and escrow releases
	TotalOut  uint64    `json:"totalOut"` // withdrawals and escrow locks
	UpdatedAt time.Time `json:"updatedAt"`
}

// Totals aggregates the whole ledger.
type Totals struct {
	Deposits    uint64 `json:"deposits"`
	Withdrawals uint64 `json:"withdrawals"`
	Available   uint64 `json:"available"`
	Custody     uint64 `json:"custody"`
}

// Report is the outcome of a conservation check.
type Report struct {
	Totals   Totals `json:"totals"`
	Balanced bool   `json:"balanced"`
}

// Store persists ledger data. Lock and Release must move value between
// the account and custody atomically. Credit must reject an already credited
// txHash with ErrDuplicateDeposit in the same step that records it.
type Store interface {
	GetBalance(ctx context.Context, addr string) (*Balance, error)
	Credit(ctx context.Context, addr string, amount uint64, txHash, description string) error
	Withdraw(ctx context.Context, addr string, amount uint64, txHash string) error
	Lock(ctx context.Context, addr string, amount uint64, reference string) error
	Release(ctx context.Context, addr string, amount uint64, reference string) error
	CustodyBalance(ctx context.Context) (uint64, error)
	GetHistory(ctx context.Context, addr string, limit int) ([]*Entry, error)
	HasDeposit(ctx context.Context, txHash string) (bool, error)
	Totals(ctx context.Context) (*Totals, error)
}

// Ledger manages account balances and custody.
type Ledger struct {
	store Store
}

// New creates a new ledger
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// GetBalance returns an account's current balance
func (l *Ledger) GetBalance(ctx context.Context, addr string) (*Balance, error) {
	return l.store.GetBalance(ctx, normalize(addr))
}

// Deposit credits an account. A non-empty txHash is processed at most once.
func (l *Ledger) Deposit(ctx context.Context, addr string, amount uint64, txHash string) error {
	defer observeOp("deposit")()

	if amount == 0 {
		return ErrInvalidAmount
	}
	// fast path; Credit enforces uniqueness itself
	if txHash != "" {
		exists, err := l.store.HasDeposit(ctx, txHash)
		if err != nil {
			return err
		}
		if exists {
			return ErrDuplicateDeposit
		}
	}

	return l.store.Credit(ctx, normalize(addr), amount, txHash, "deposit")
}

// Withdraw debits available funds.
func (l *Ledger) Withdraw(ctx context.Context, addr string, amount uint64, txHash string) error {
	defer observeOp("withdraw")()

	if amount == 0 {
		return ErrInvalidAmount
	}
	return l.store.Withdraw(ctx, normalize(addr), amount, txHash)
}

// Lock moves amount from the account into custody.
func (l *Ledger) Lock(ctx context.Context, addr string, amount uint64, reference string) error {
	defer observeOp("lock")()

	if amount == 0 {
		return ErrInvalidAmount
	}
	return l.store.Lock(ctx, normalize(addr), amount, reference)
}

// Release moves amount from custody to the account.
func (l *Ledger) Release(ctx context.Context, addr string, amount uint64, reference string) error {
	defer observeOp("release")()

	if amount == 0 {
		return ErrInvalidAmount
	}
	return l.store.Release(ctx, normalize(addr), amount, reference)
}

// CustodyBalance returns the pooled value held for open escrows.
func (l *Ledger) CustodyBalance(ctx context.Context) (uint64, error) {
	return l.store.CustodyBalance(ctx)
}

// GetHistory returns ledger entries for an account, newest first.
func (l *Ledger) GetHistory(ctx context.Context, addr string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.GetHistory(ctx, normalize(addr), limit)
}

// Reconcile checks that every unit deposited and not withdrawn is either
// available to some account or held in custody.
func (l *Ledger) Reconcile(ctx context.Context) (*Report, error) {
	t, err := l.store.Totals(ctx)
	if err != nil {
		return nil, err
	}
	LedgerBalanceAvailable.Set(float64(t.Available))
	LedgerBalanceCustody.Set(float64(t.Custody))

	balanced := t.Deposits >= t.Withdrawals && t.Deposits-t.Withdrawals == t.Available+t.Custody
	return &Report{Totals: *t, Balanced: balanced}, nil
}

func normalize(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
