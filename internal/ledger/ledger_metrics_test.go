package ledger

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveOp_IncrementsCounter(t *testing.T) {
	LedgerOpsTotal.Reset()

	done := observeOp("test_op")
	done()

	m := &dto.Metric{}
	counter, err := LedgerOpsTotal.GetMetricWithLabelValues("test_op")
	require.NoError(t, err)
	require.NoError(t, counter.Write(m))
	assert.Equal(t, 1.0, m.Counter.GetValue())
}

func TestObserveOp_ObservesHistogram(t *testing.T) {
	LedgerOpDuration.Reset()

	done := observeOp("hist_test")
	done()

	ch := make(chan prometheus.Metric, 10)
	LedgerOpDuration.Collect(ch)
	close(ch)

	found := false
	for metric := range ch {
		m := &dto.Metric{}
		_ = metric.Write(m)
		if m.Histogram != nil && m.Histogram.GetSampleCount() == 1 {
			found = true
		}
	}
	assert.True(t, found, "expected histogram with 1 sample")
}

func TestReconcile_SetsGauges(t *testing.T) {
	l := New(NewMemoryStore())
	ctx := context.Background()
	require.NoError(t, l.Deposit(ctx, "0xa", 700, ""))
	require.NoError(t, l.Lock(ctx, "0xa", 200, "escrow:1"))

	_, err := l.Reconcile(ctx)
	require.NoError(t, err)

	m := &dto.Metric{}
	require.NoError(t, LedgerBalanceCustody.Write(m))
	assert.Equal(t, 200.0, m.Gauge.GetValue())
	require.NoError(t, LedgerBalanceAvailable.Write(m))
	assert.Equal(t, 500.0, m.Gauge.GetValue())
}
