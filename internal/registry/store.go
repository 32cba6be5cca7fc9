package registry

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store defines the persistence interface for the registry
type Store interface {
	// Identities
	CreateIdentity(ctx context.Context, identity *Identity) error
	GetIdentity(ctx context.Context, address string) (*Identity, error)
	// AdjustScore applies delta atomically, failing with ErrReputationOverflow
	// if the result would leave [MinScore, MaxScore], and records the change.
	AdjustScore(ctx context.Context, address string, delta int64) (int64, error)
	ScoreHistory(ctx context.Context, address string, limit int) ([]*ScoreChange, error)
	TopIdentities(ctx context.Context, limit int) ([]*Identity, error)

	// Listings
	CreateListing(ctx context.Context, listing *Listing) error
	GetListing(ctx context.Context, id uint64) (*Listing, error)
	SetListingActive(ctx context.Context, id uint64, active bool) error
	ListListings(ctx context.Context, owner string, limit int) ([]*Listing, error)
}

// MemoryStore is a thread-safe in-memory implementation
type MemoryStore struct {
	mu         sync.RWMutex
	identities map[string]*Identity
	listings   map[uint64]*Listing
	changes    []*ScoreChange
	nextList   uint64
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		identities: make(map[string]*Identity),
		listings:   make(map[uint64]*Listing),
	}
}

// Compile-time interface check
var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) CreateIdentity(ctx context.Context, identity *Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.identities[identity.Address]; exists {
		return ErrIdentityExists
	}
	now := time.Now()
	identity.CreatedAt = now
	identity.UpdatedAt = now
	cp := *identity
	m.identities[identity.Address] = &cp
	return nil
}

func (m *MemoryStore) GetIdentity(ctx context.Context, address string) (*Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	identity, ok := m.identities[address]
	if !ok {
		return nil, ErrIdentityNotFound
	}
	cp := *identity
	return &cp, nil
}

func (m *MemoryStore) AdjustScore(ctx context.Context, address string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	identity, ok := m.identities[address]
	if !ok {
		return 0, ErrIdentityNotFound
	}
	if !InBounds(identity.Score, delta) {
		return 0, ErrReputationOverflow
	}
	identity.Score += delta
	identity.UpdatedAt = time.Now()
	m.changes = append(m.changes, &ScoreChange{
		ID:        uint64(len(m.changes) + 1),
		Address:   address,
		Delta:     delta,
		Score:     identity.Score,
		CreatedAt: identity.UpdatedAt,
	})
	return identity.Score, nil
}

func (m *MemoryStore) ScoreHistory(ctx context.Context, address string, limit int) ([]*ScoreChange, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*ScoreChange
	for i := len(m.changes) - 1; i >= 0 && len(result) < limit; i-- {
		if c := m.changes[i]; c.Address == address {
			cp := *c
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) TopIdentities(ctx context.Context, limit int) ([]*Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Identity, 0, len(m.identities))
	for _, identity := range m.identities {
		cp := *identity
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Score != result[j].Score {
			return result[i].Score > result[j].Score
		}
		return result[i].Address < result[j].Address
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) CreateListing(ctx context.Context, listing *Listing) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.identities[listing.Owner]; !ok {
		return ErrIdentityNotFound
	}
	m.nextList++
	listing.ID = m.nextList
	listing.CreatedAt = time.Now()
	cp := *listing
	m.listings[listing.ID] = &cp
	return nil
}

func (m *MemoryStore) GetListing(ctx context.Context, id uint64) (*Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	listing, ok := m.listings[id]
	if !ok {
		return nil, ErrListingNotFound
	}
	cp := *listing
	return &cp, nil
}

func (m *MemoryStore) SetListingActive(ctx context.Context, id uint64, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	listing, ok := m.listings[id]
	if !ok {
		return ErrListingNotFound
	}
	listing.Active = active
	return nil
}

func (m *MemoryStore) ListListings(ctx context.Context, owner string, limit int) ([]*Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Listing
	for _, listing := range m.listings {
		if owner == "" || listing.Owner == owner {
			cp := *listing
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID > result[j].ID })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}
