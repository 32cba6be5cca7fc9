package escrow

import (
	"context"
	"time"
)

// EventType names a lifecycle transition.
type EventType string

const (
	EventCreated         EventType = "escrow.created"
	EventActivated       EventType = "escrow.activated"
	EventConfirmed       EventType = "escrow.confirmed"
	EventCompleted       EventType = "escrow.completed"
	EventRefundRequested EventType = "escrow.refund_requested"
	EventRefunded        EventType = "escrow.refunded"
)

// Event describes one transition. It is published after the transition
// has been persisted.
type Event struct {
	Type         EventType `json:"type"`
	EscrowID     uint64    `json:"escrowId"`
	State        State     `json:"state"`
	Caller       string    `json:"caller"`
	Buyer        string    `json:"buyer"`
	Seller       string    `json:"seller"`
	Amount       uint64    `json:"amount"`
	Fee          uint64    `json:"fee"`
	RefundAmount uint64    `json:"refundAmount,omitempty"`
	Height       uint64    `json:"height"`
	Timestamp    time.Time `json:"timestamp"`
}

// EventSink receives lifecycle events. Publish must not block.
type EventSink interface {
	Publish(ctx context.Context, event Event)
}

type noopSink struct{}

func (noopSink) Publish(context.Context, Event) {}

func newEvent(t EventType, e *Escrow, caller string, height uint64) Event {
	return Event{
		Type:         t,
		EscrowID:     e.ID,
		State:        e.State,
		Caller:       caller,
		Buyer:        e.Buyer,
		Seller:       e.Seller,
		Amount:       e.Amount,
		Fee:          e.Fee,
		RefundAmount: e.RefundAmount,
		Height:       height,
		Timestamp:    time.Now(),
	}
}
