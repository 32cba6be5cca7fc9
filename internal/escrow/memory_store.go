package escrow

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
type MemoryStore struct {
	escrows  map[uint64]*Escrow
	metadata map[uint64]*Metadata
	lastID   uint64
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows:  make(map[uint64]*Escrow),
		metadata: make(map[uint64]*Metadata),
	}
}

func (m *MemoryStore) Create(ctx context.Context, escrow *Escrow, meta *Metadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if escrow.ID != m.lastID+1 {
		return fmt.Errorf("%w: got %d, next is %d", ErrIDConflict, escrow.ID, m.lastID+1)
	}
	cp := *escrow
	m.escrows[escrow.ID] = &cp
	md := Metadata{}
	if meta != nil {
		md = *meta
	}
	m.metadata[escrow.ID] = &md
	m.lastID = escrow.ID
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id uint64) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	escrow, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	// Confirmations is an array, so a value copy is a deep copy.
	cp := *escrow
	return &cp, nil
}

func (m *MemoryStore) GetMetadata(ctx context.Context, id uint64) (*Metadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	meta, ok := m.metadata[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	cp := *meta
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, escrow *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.escrows[escrow.ID]; !ok {
		return ErrEscrowNotFound
	}
	cp := *escrow
	m.escrows[escrow.ID] = &cp
	return nil
}

func (m *MemoryStore) LastID(ctx context.Context) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastID, nil
}

func (m *MemoryStore) ListByParty(ctx context.Context, addr string, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.Buyer == addr || e.Seller == addr {
			cp := *e
			result = append(result, &cp)
		}
	}
	// Newest first, matching the Postgres store.
	sort.Slice(result, func(i, j int) bool { return result[i].ID > result[j].ID })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListTimedOut(ctx context.Context, height uint64, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.State == StateActive && e.TimedOut(height) {
			cp := *e
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}
