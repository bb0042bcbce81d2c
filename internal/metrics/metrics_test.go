package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewWithRegistry_RegistersGauges(t *testing.T) {
	registry := prometheus.NewRegistry()
	_ = NewWithRegistry(registry, zap.NewNop())

	families, err := registry.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, mf := range families {
		names[mf.GetName()] = true
	}

	for _, name := range []string{
		"presence_service_http_requests_in_flight",
		"presence_service_websocket_active_connections",
		"presence_service_websocket_connections_total",
		"presence_service_presence_swept_total",
		"presence_service_presence_online_listed",
	} {
		assert.True(t, names[name], "Registry should contain metric: %s", name)
	}
}

func TestRecordHelpers(t *testing.T) {
	m := NewWithRegistry(prometheus.NewRegistry(), nil)

	m.RecordWebSocketConnection()
	m.RecordWebSocketConnection()
	m.RecordWebSocketDisconnection()
	assert.Equal(t, float64(1), testutil.ToFloat64(m.WSActiveConnections))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.WSConnectionsTotal))

	m.RecordEventDelivered("user_status_changed", 3)
	m.RecordEventDelivered("user_status_changed", 0)
	assert.Equal(t, float64(3), testutil.ToFloat64(m.EventsDeliveredTotal.WithLabelValues("user_status_changed")))

	m.RecordSwept(4)
	m.RecordSwept(-1)
	assert.Equal(t, float64(4), testutil.ToFloat64(m.PresenceSweptTotal))

	m.RecordStoreError("set_online")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.PresenceStoreErrors.WithLabelValues("set_online")))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordHTTPRequest("GET", "/x", "200", 0.1)
		m.RecordWebSocketConnection()
		m.RecordEventRejected("unknown_event")
		m.RecordStoreError("list_online")
		m.SetOnlineListed(3)
	})
}
