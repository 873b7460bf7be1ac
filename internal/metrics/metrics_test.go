package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Volpestyle/career-agent-sub001/internal/metrics"
)

func TestMustNew_ReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := metrics.MustNew(reg)
	b := metrics.MustNew(reg)

	a.StreamOpened()
	b.StreamOpened()
	b.StreamClosed("client_closed")

	families, err := reg.Gather()
	require.NoError(t, err)
	var active float64
	for _, f := range families {
		if f.GetName() == "career_agent_stream_active" {
			active = f.GetMetric()[0].GetGauge().GetValue()
		}
	}
	assert.Equal(t, 1.0, active)
}

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.MustNew(reg)

	m.Published("log")
	m.Published("log")
	m.Unrouted("log")
	m.FrameWritten("logs-history")
	m.CapacityExceeded()

	n, err := testutil.GatherAndCount(reg, "career_agent_broker_published_total", "career_agent_broker_capacity_exceeded_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	frames, err := testutil.GatherAndCount(reg, "career_agent_stream_frames_total")
	require.NoError(t, err)
	assert.Equal(t, 1, frames)
}

func TestNilReceiver(t *testing.T) {
	var m *metrics.Metrics
	assert.NotPanics(t, func() {
		m.Published("log")
		m.SubscriptionAdded()
		m.SubscriptionRemoved()
		m.StreamOpened()
		m.StreamClosed("x")
		m.FrameWritten("log")
		m.ProtocolViolation()
	})
}
