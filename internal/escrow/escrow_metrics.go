package escrow

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// OperationsTotal counts state machine calls by operation and outcome.
	OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrowd",
			Name:      "escrow_operations_total",
			Help:      "Escrow operations by operation and result.",
		},
		[]string{"op", "result"},
	)

	// TransitionsTotal counts transitions by destination state.
	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrowd",
			Name:      "escrow_transitions_total",
			Help:      "Escrow state transitions by destination state.",
		},
		[]string{"state"},
	)

	// PayoutsTotal sums value released from custody by recipient role.
	PayoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrowd",
			Name:      "escrow_payouts_total",
			Help:      "Value released from custody by recipient role (seller, buyer, platform).",
		},
		[]string{"role"},
	)

	// LockedTotal sums value locked into custody at creation.
	LockedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "escrowd",
			Name:      "escrow_locked_total",
			Help:      "Value locked into custody by escrow creation (amount + fee).",
		},
	)

	// SettlementTicks observes how many clock ticks an escrow lived.
	SettlementTicks = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "escrowd",
			Name:      "escrow_settlement_ticks",
			Help:      "Clock ticks from creation to terminal state.",
			Buckets:   []float64{1, 6, 12, 24, 48, 72, 144, 288},
		},
	)
)

func init() {
	prometheus.MustRegister(
		OperationsTotal,
		TransitionsTotal,
		PayoutsTotal,
		LockedTotal,
		SettlementTicks,
	)
}

func observeResult(op string, err error) {
	result := "ok"
	if err != nil {
		result = errorLabel(err)
	}
	OperationsTotal.WithLabelValues(op, result).Inc()
}
