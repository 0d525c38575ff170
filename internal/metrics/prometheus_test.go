package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestPrometheusCollector(t *testing.T) {
	t.Run("registers lazily", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		_ = NewPrometheus(reg, "test")

		families, err := reg.Gather()
		require.NoError(t, err)
		require.Empty(t, families)
	})

	t.Run("records counters and gauges", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		p := NewPrometheus(reg, "test")

		p.RecordSubscriptionAdded("TIMESERIES")
		p.RecordSubscriptionAdded("TIMESERIES")
		p.RecordUpdateForwarded("remote")
		p.RecordQueueSend("DELTA", false)
		p.RecordActiveNodes(3)
		p.RecordSubscriptionsRemoved(0)

		require.InDelta(t, 2, testutil.ToFloat64(p.subsAdded.WithLabelValues("TIMESERIES")), 0.001)
		require.InDelta(t, 1, testutil.ToFloat64(p.updatesForwarded.WithLabelValues("remote")), 0.001)
		require.InDelta(t, 1, testutil.ToFloat64(p.queueSends.WithLabelValues("DELTA", "failure")), 0.001)
		require.InDelta(t, 3, testutil.ToFloat64(p.activeNodes), 0.001)
		require.InDelta(t, 0, testutil.ToFloat64(p.subsRemoved), 0.001)
	})

	t.Run("defaults namespace", func(t *testing.T) {
		p := NewPrometheus(prometheus.NewRegistry(), "")
		require.Equal(t, "fanout", p.namespace)
	})
}
