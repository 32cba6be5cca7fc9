// Package registry holds the identities that take part in escrows, their
// bounded reputation scores, and the listings sellers offer.
package registry

import (
	"errors"
	"fmt"
	"time"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	ErrIdentityNotFound   = errors.New("registry: identity not found")
	ErrIdentityExists     = errors.New("registry: identity already registered")
	ErrInvalidAddress     = errors.New("registry: invalid address")
	ErrReputationOverflow = errors.New("registry: reputation out of bounds")
	ErrListingNotFound    = errors.New("registry: listing not found")
	ErrInvalidListing     = errors.New("registry: invalid listing")
	ErrNotOwner           = errors.New("registry: caller does not own this listing")

	ErrListingInactive = fmt.Errorf("%w: listing is inactive", ErrListingNotFound)
)

// Score bounds. A delta that would leave the range is rejected, never clamped.
const (
	MinScore            int64 = 0
	MaxScore            int64 = 10000
	DefaultInitialScore int64 = 5000
)

// -----------------------------------------------------------------------------
// Core Types
// -----------------------------------------------------------------------------

// Identity is a registered participant.
type Identity struct {
	Address   string    `json:"address"`
	Name      string    `json:"name"`
	Score     int64     `json:"score"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Listing is something a seller offers under escrow.
type Listing struct {
	ID          uint64    `json:"id"`
	Owner       string    `json:"owner"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Price       uint64    `json:"price"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"createdAt"`
}

// ScoreChange records one applied reputation delta.
type ScoreChange struct {
	ID        uint64    `json:"id"`
	Address   string    `json:"address"`
	Delta     int64     `json:"delta"`
	Score     int64     `json:"score"` // score after the change
	CreatedAt time.Time `json:"createdAt"`
}

// -----------------------------------------------------------------------------
// Request Types
// -----------------------------------------------------------------------------

// RegisterRequest is the payload for registering the calling address.
type RegisterRequest struct {
	Name string `json:"name" binding:"required"`
}

// CreateListingRequest is the payload for publishing a listing.
type CreateListingRequest struct {
	Title       string `json:"title" binding:"required"`
	Description string `json:"description"`
	Price       uint64 `json:"price"`
}

// InBounds reports whether score+delta stays inside [MinScore, MaxScore].
func InBounds(score, delta int64) bool {
	next := score + delta
	// reject int64 wraparound
	if (delta > 0 && next < score) || (delta < 0 && next > score) {
		return false
	}
	return next >= MinScore && next <= MaxScore
}
