package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mbd888/escrowd/internal/validation"
)

// Registry manages identities, reputation and listings.
type Registry struct {
	store        Store
	initialScore int64
	logger       *slog.Logger
}

// New creates a registry. initialScore outside [MinScore, MaxScore] falls
// back to DefaultInitialScore.
func New(store Store, initialScore int64, logger *slog.Logger) *Registry {
	if initialScore < MinScore || initialScore > MaxScore {
		initialScore = DefaultInitialScore
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{store: store, initialScore: initialScore, logger: logger}
}

// Register creates an identity for address at the initial score.
func (r *Registry) Register(ctx context.Context, address, name string) (*Identity, error) {
	addr := validation.NormalizeAddress(address)
	if addr == "" {
		return nil, ErrInvalidAddress
	}
	identity := &Identity{
		Address: addr,
		Name:    validation.SanitizeString(name, 100),
		Score:   r.initialScore,
	}
	if err := r.store.CreateIdentity(ctx, identity); err != nil {
		return nil, err
	}
	r.logger.Info("identity registered", "address", addr, "score", identity.Score)
	return identity, nil
}

// Get returns a registered identity.
func (r *Registry) Get(ctx context.Context, address string) (*Identity, error) {
	return r.store.GetIdentity(ctx, normalize(address))
}

// Exists reports whether address is registered.
func (r *Registry) Exists(ctx context.Context, address string) (bool, error) {
	_, err := r.store.GetIdentity(ctx, normalize(address))
	if errors.Is(err, ErrIdentityNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// CheckDelta reports whether delta could be applied right now.
func (r *Registry) CheckDelta(ctx context.Context, address string, delta int64) error {
	identity, err := r.store.GetIdentity(ctx, normalize(address))
	if err != nil {
		return err
	}
	if !InBounds(identity.Score, delta) {
		return fmt.Errorf("%w: %s at %d, delta %d", ErrReputationOverflow, identity.Address, identity.Score, delta)
	}
	return nil
}

// ApplyDelta adjusts the score and returns the new value.
func (r *Registry) ApplyDelta(ctx context.Context, address string, delta int64) (int64, error) {
	score, err := r.store.AdjustScore(ctx, normalize(address), delta)
	if err != nil {
		return 0, err
	}
	r.logger.Debug("reputation adjusted", "address", normalize(address), "delta", delta, "score", score)
	return score, nil
}

// History returns recent score changes, newest first.
func (r *Registry) History(ctx context.Context, address string, limit int) ([]*ScoreChange, error) {
	if limit <= 0 {
		limit = 50
	}
	return r.store.ScoreHistory(ctx, normalize(address), limit)
}

// Leaderboard returns the highest-scored identities.
func (r *Registry) Leaderboard(ctx context.Context, limit int) ([]*Identity, error) {
	if limit <= 0 {
		limit = 20
	}
	return r.store.TopIdentities(ctx, limit)
}

// CreateListing publishes a listing owned by a registered identity.
func (r *Registry) CreateListing(ctx context.Context, owner string, req CreateListingRequest) (*Listing, error) {
	title := validation.SanitizeString(req.Title, 200)
	if title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidListing)
	}
	listing := &Listing{
		Owner:       normalize(owner),
		Title:       title,
		Description: validation.SanitizeString(req.Description, validation.MaxStringLength),
		Price:       req.Price,
		Active:      true,
	}
	if err := r.store.CreateListing(ctx, listing); err != nil {
		return nil, err
	}
	r.logger.Info("listing created", "listingId", listing.ID, "owner", listing.Owner)
	return listing, nil
}

// GetListing returns a listing by ID.
func (r *Registry) GetListing(ctx context.Context, id uint64) (*Listing, error) {
	return r.store.GetListing(ctx, id)
}

// SetListingActive lets the owner open or close a listing.
func (r *Registry) SetListingActive(ctx context.Context, caller string, id uint64, active bool) (*Listing, error) {
	listing, err := r.store.GetListing(ctx, id)
	if err != nil {
		return nil, err
	}
	if listing.Owner != normalize(caller) {
		return nil, ErrNotOwner
	}
	if err := r.store.SetListingActive(ctx, id, active); err != nil {
		return nil, err
	}
	listing.Active = active
	return listing, nil
}

// ListByOwner returns an owner's listings, newest first.
func (r *Registry) ListByOwner(ctx context.Context, owner string, limit int) ([]*Listing, error) {
	if limit <= 0 {
		limit = 50
	}
	return r.store.ListListings(ctx, normalize(owner), limit)
}

// ResolveOwner returns the seller behind an active listing.
func (r *Registry) ResolveOwner(ctx context.Context, listingID uint64) (string, error) {
	listing, err := r.store.GetListing(ctx, listingID)
	if err != nil {
		return "", err
	}
	if !listing.Active {
		return "", ErrListingInactive
	}
	return listing.Owner, nil
}

func normalize(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
