package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gather(t *testing.T, name string) *dto.MetricFamily {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func TestCountersRegisteredOnDefaultRegistry(t *testing.T) {
	SchedulerWakeups.Inc()
	SchedulerHolds.WithLabelValues("locked").Inc()
	DeliveryAttempts.WithLabelValues("delivered").Add(2)

	mf := gather(t, "postflux_scheduler_wakeups_total")
	require.NotNil(t, mf, "wakeup counter must be gatherable")
	assert.Equal(t, dto.MetricType_COUNTER, mf.GetType())
	assert.GreaterOrEqual(t, mf.GetMetric()[0].GetCounter().GetValue(), 1.0)

	mf = gather(t, "postflux_scheduler_holds_total")
	require.NotNil(t, mf)
	found := false
	for _, m := range mf.GetMetric() {
		for _, label := range m.GetLabel() {
			if label.GetName() == "reason" && label.GetValue() == "locked" {
				found = true
				assert.GreaterOrEqual(t, m.GetCounter().GetValue(), 1.0)
			}
		}
	}
	assert.True(t, found, "hold counter carries the reason label")

	mf = gather(t, "postflux_delivery_attempts_total")
	require.NotNil(t, mf)
}

func TestGaugesReflectLastSet(t *testing.T) {
	SchedulerDueItems.Set(7)
	SchedulerPaused.Set(1)

	mf := gather(t, "postflux_scheduler_due_items")
	require.NotNil(t, mf)
	assert.Equal(t, 7.0, mf.GetMetric()[0].GetGauge().GetValue())

	mf = gather(t, "postflux_scheduler_paused")
	require.NotNil(t, mf)
	assert.Equal(t, 1.0, mf.GetMetric()[0].GetGauge().GetValue())
}
