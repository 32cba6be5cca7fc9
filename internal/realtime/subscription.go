package realtime

import (
	"slices"
	"strings"
)

// Subscription narrows the events a client receives. The zero value
// matches everything; each non-empty field must match.
type Subscription struct {
	AllEvents  bool     `json:"allEvents"`
	EventTypes []string `json:"eventTypes"`
	Parties    []string `json:"parties"`   // buyer or seller addresses
	EscrowIDs  []uint64 `json:"escrowIds"` // specific escrows
	MinAmount  uint64   `json:"minAmount"` // escrow events below this are skipped
}

// Matches reports whether event passes the filter.
func (s Subscription) Matches(event *Event) bool {
	if s.AllEvents {
		return true
	}
	if len(s.EventTypes) > 0 && !slices.Contains(s.EventTypes, event.Type) {
		return false
	}
	if len(s.Parties) > 0 && !slices.ContainsFunc(event.parties, s.hasParty) {
		return false
	}
	if len(s.EscrowIDs) > 0 && !slices.Contains(s.EscrowIDs, event.escrowID) {
		return false
	}
	// clock events carry no escrow and skip the amount floor
	if s.MinAmount > 0 && event.escrowID != 0 && event.amount < s.MinAmount {
		return false
	}
	return true
}

func (s Subscription) hasParty(addr string) bool {
	return slices.ContainsFunc(s.Parties, func(p string) bool {
		return strings.EqualFold(p, addr)
	})
}
