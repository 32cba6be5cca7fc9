package ledger

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
type MemoryStore struct {
	balances map[string]*Balance
	entries  []*Entry
	deposits map[string]bool
	custody  uint64
	totals   Totals
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[string]*Balance),
		entries:  make([]*Entry, 0),
		deposits: make(map[string]bool),
	}
}

func (m *MemoryStore) GetBalance(ctx context.Context, addr string) (*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if bal, ok := m.balances[addr]; ok {
		cp := *bal
		return &cp, nil
	}
	return &Balance{Address: addr, UpdatedAt: time.Now()}, nil
}

func (m *MemoryStore) Credit(ctx context.Context, addr string, amount uint64, txHash, description string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if txHash != "" && m.deposits[txHash] {
		return ErrDuplicateDeposit
	}
	if m.totals.Deposits > math.MaxUint64-amount {
		return ErrOverflow
	}
	bal := m.account(addr)
	if err := credit(bal, amount); err != nil {
		return err
	}
	m.totals.Deposits += amount
	if txHash != "" {
		m.deposits[txHash] = true
	}
	m.record(addr, EntryDeposit, amount, txHash, "", description)
	return nil
}

func (m *MemoryStore) Withdraw(ctx context.Context, addr string, amount uint64, txHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal := m.account(addr)
	if err := debit(bal, amount); err != nil {
		return err
	}
	m.totals.Withdrawals += amount
	m.record(addr, EntryWithdrawal, amount, txHash, "", "withdrawal")
	return nil
}

func (m *MemoryStore) Lock(ctx context.Context, addr string, amount uint64, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.custody > math.MaxUint64-amount {
		return ErrOverflow
	}
	bal := m.account(addr)
	if err := debit(bal, amount); err != nil {
		return err
	}
	m.custody += amount
	m.record(addr, EntryLock, amount, "", reference, "escrow_lock")
	return nil
}

func (m *MemoryStore) Release(ctx context.Context, addr string, amount uint64, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.custody < amount {
		return fmt.Errorf("%w: holds %d, need %d", ErrInsufficientCustody, m.custody, amount)
	}
	bal := m.account(addr)
	if err := credit(bal, amount); err != nil {
		return err
	}
	m.custody -= amount
	m.record(addr, EntryRelease, amount, "", reference, "escrow_release")
	return nil
}

func (m *MemoryStore) CustodyBalance(ctx context.Context) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.custody, nil
}

func (m *MemoryStore) GetHistory(ctx context.Context, addr string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for i := len(m.entries) - 1; i >= 0 && len(result) < limit; i-- {
		if e := m.entries[i]; e.Address == addr {
			cp := *e
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) HasDeposit(ctx context.Context, txHash string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.deposits[txHash], nil
}

func (m *MemoryStore) Totals(ctx context.Context) (*Totals, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t := m.totals
	t.Custody = m.custody
	for _, bal := range m.balances {
		t.Available += bal.Available
	}
	return &t, nil
}

// account returns the mutable balance for addr, creating it if needed.
// Caller must hold m.mu.
func (m *MemoryStore) account(addr string) *Balance {
	bal, ok := m.balances[addr]
	if !ok {
		bal = &Balance{Address: addr}
		m.balances[addr] = bal
	}
	return bal
}

func (m *MemoryStore) record(addr, typ string, amount uint64, txHash, reference, description string) {
	now := time.Now()
	m.entries = append(m.entries, &Entry{
		ID:          uint64(len(m.entries) + 1),
		Address:     addr,
		Type:        typ,
		Amount:      amount,
		TxHash:      txHash,
		Reference:   reference,
		Description: description,
		CreatedAt:   now,
	})
}

func credit(bal *Balance, amount uint64) error {
	if bal.Available > math.MaxUint64-amount || bal.TotalIn > math.MaxUint64-amount {
		return ErrOverflow
	}
	bal.Available += amount
	bal.TotalIn += amount
	bal.UpdatedAt = time.Now()
	return nil
}

func debit(bal *Balance, amount uint64) error {
	if bal.Available < amount {
		return fmt.Errorf("%w: available %d, need %d", ErrInsufficientBalance, bal.Available, amount)
	}
	if bal.TotalOut > math.MaxUint64-amount {
		return ErrOverflow
	}
	bal.Available -= amount
	bal.TotalOut += amount
	bal.UpdatedAt = time.Now()
	return nil
}
