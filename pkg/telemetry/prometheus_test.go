package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcperrors "github.com/mcpwire/mcpwire/pkg/errors"
)

func newTestSink(t *testing.T) *PrometheusSink {
	t.Helper()
	sink, err := NewPrometheusSink(PrometheusConfig{Registerer: prometheus.NewRegistry()})
	require.NoError(t, err)
	return sink
}

func TestRecordErrorCountsByTaxonomy(t *testing.T) {
	sink := newTestSink(t)

	sink.RecordError(context.Background(),
		mcperrors.New("dial refused", mcperrors.CategoryNetwork, mcperrors.SeverityHigh))
	sink.RecordError(context.Background(),
		mcperrors.New("dial refused again", mcperrors.CategoryNetwork, mcperrors.SeverityHigh))
	sink.RecordError(context.Background(), nil)

	count := testutil.ToFloat64(sink.errorsTotal.WithLabelValues("network", "high"))
	assert.Equal(t, float64(2), count)
}

func TestRecordRequestCountsAndObserves(t *testing.T) {
	sink := newTestSink(t)

	sink.RecordRequest(context.Background(), "websocket", "tools/call", "ok", 50*time.Millisecond)
	sink.RecordRequest(context.Background(), "websocket", "tools/call", "error", 10*time.Millisecond)

	assert.Equal(t, float64(1),
		testutil.ToFloat64(sink.requestsTotal.WithLabelValues("websocket", "tools/call", "ok")))
	assert.Equal(t, float64(1),
		testutil.ToFloat64(sink.requestsTotal.WithLabelValues("websocket", "tools/call", "error")))
}

func TestRecordConnectionStateGauge(t *testing.T) {
	sink := newTestSink(t)

	sink.RecordConnectionState("websocket", "connected")
	assert.Equal(t, float64(2),
		testutil.ToFloat64(sink.connectionState.WithLabelValues("websocket")))

	sink.RecordConnectionState("websocket", "reconnecting")
	assert.Equal(t, float64(3),
		testutil.ToFloat64(sink.connectionState.WithLabelValues("websocket")))

	// Unknown states leave the gauge untouched.
	sink.RecordConnectionState("websocket", "confused")
	assert.Equal(t, float64(3),
		testutil.ToFloat64(sink.connectionState.WithLabelValues("websocket")))
}

func TestRecordReconnectAndCircuitAndFallback(t *testing.T) {
	sink := newTestSink(t)

	sink.RecordReconnectAttempt("websocket", 1, false)
	sink.RecordReconnectAttempt("websocket", 2, true)
	sink.RecordCircuitTransition("http", "open")
	sink.RecordFallback("http", "websocket")

	assert.Equal(t, float64(1),
		testutil.ToFloat64(sink.reconnectAttempts.WithLabelValues("websocket", "failure")))
	assert.Equal(t, float64(1),
		testutil.ToFloat64(sink.reconnectAttempts.WithLabelValues("websocket", "success")))
	assert.Equal(t, float64(1),
		testutil.ToFloat64(sink.circuitTransitions.WithLabelValues("http", "open")))
	assert.Equal(t, float64(1),
		testutil.ToFloat64(sink.fallbacksTotal.WithLabelValues("http", "websocket")))
}

func TestDuplicateRegistrationFails(t *testing.T) {
	registry := prometheus.NewRegistry()
	_, err := NewPrometheusSink(PrometheusConfig{Registerer: registry})
	require.NoError(t, err)

	_, err = NewPrometheusSink(PrometheusConfig{Registerer: registry})
	require.Error(t, err)
}

func TestNopSinkIsInert(t *testing.T) {
	sink := NewNopSink()
	sink.RecordError(context.Background(), nil)
	sink.RecordRequest(context.Background(), "http", "ping", "ok", time.Millisecond)
	sink.RecordConnectionState("http", "connected")
	sink.RecordReconnectAttempt("http", 1, true)
	sink.RecordCircuitTransition("http", "open")
	sink.RecordFallback("http", "websocket")
}
