package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	mcperrors "github.com/mcpwire/mcpwire/pkg/errors"
)

// PrometheusConfig configures the Prometheus sink.
type PrometheusConfig struct {
	// Namespace prefixes every metric name. Defaults to "mcpwire".
	Namespace string

	// Registerer receives the collectors. Defaults to the default registry.
	Registerer prometheus.Registerer

	// HistogramBuckets for request latency, in seconds.
	HistogramBuckets []float64

	// ConstLabels added to all metrics.
	ConstLabels prometheus.Labels
}

// PrometheusSink implements Sink on top of prometheus/client_golang.
type PrometheusSink struct {
	errorsTotal        *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	requestsTotal      *prometheus.CounterVec
	connectionState    *prometheus.GaugeVec
	reconnectAttempts  *prometheus.CounterVec
	circuitTransitions *prometheus.CounterVec
	fallbacksTotal     *prometheus.CounterVec
}

// connection states mapped to gauge values for dashboards.
var stateGaugeValues = map[string]float64{
	"disconnected": 0,
	"connecting":   1,
	"connected":    2,
	"reconnecting": 3,
	"error":        4,
}

// NewPrometheusSink creates and registers the sink's collectors.
func NewPrometheusSink(config PrometheusConfig) (*PrometheusSink, error) {
	if config.Namespace == "" {
		config.Namespace = "mcpwire"
	}
	if config.Registerer == nil {
		config.Registerer = prometheus.DefaultRegisterer
	}
	if config.HistogramBuckets == nil {
		config.HistogramBuckets = []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}
	}

	s := &PrometheusSink{
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "errors_total",
			Help:        "Classified errors by category and severity",
			ConstLabels: config.ConstLabels,
		}, []string{"category", "severity"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Name:        "request_duration_seconds",
			Help:        "Outbound request latency",
			Buckets:     config.HistogramBuckets,
			ConstLabels: config.ConstLabels,
		}, []string{"transport", "method", "status"}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "requests_total",
			Help:        "Outbound requests by transport, method and status",
			ConstLabels: config.ConstLabels,
		}, []string{"transport", "method", "status"}),
		connectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Name:        "connection_state",
			Help:        "Connection state per component (0=disconnected 1=connecting 2=connected 3=reconnecting 4=error)",
			ConstLabels: config.ConstLabels,
		}, []string{"component"}),
		reconnectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "reconnect_attempts_total",
			Help:        "Reconnection attempts by component and outcome",
			ConstLabels: config.ConstLabels,
		}, []string{"component", "outcome"}),
		circuitTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "circuit_transitions_total",
			Help:        "Circuit breaker transitions by component and target state",
			ConstLabels: config.ConstLabels,
		}, []string{"component", "state"}),
		fallbacksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Name:        "transport_fallbacks_total",
			Help:        "Transport fallback activations",
			ConstLabels: config.ConstLabels,
		}, []string{"from", "to"}),
	}

	collectors := []prometheus.Collector{
		s.errorsTotal, s.requestDuration, s.requestsTotal,
		s.connectionState, s.reconnectAttempts, s.circuitTransitions,
		s.fallbacksTotal,
	}
	for _, c := range collectors {
		if err := config.Registerer.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}
	return s, nil
}

// RecordError implements Sink.
func (s *PrometheusSink) RecordError(_ context.Context, err *mcperrors.ClassifiedError) {
	if err == nil {
		return
	}
	s.errorsTotal.WithLabelValues(string(err.Category()), string(err.Severity())).Inc()
}

// RecordRequest implements Sink.
func (s *PrometheusSink) RecordRequest(_ context.Context, transport, method, status string, duration time.Duration) {
	s.requestsTotal.WithLabelValues(transport, method, status).Inc()
	s.requestDuration.WithLabelValues(transport, method, status).Observe(duration.Seconds())
}

// RecordConnectionState implements Sink.
func (s *PrometheusSink) RecordConnectionState(component, state string) {
	if v, ok := stateGaugeValues[state]; ok {
		s.connectionState.WithLabelValues(component).Set(v)
	}
}

// RecordReconnectAttempt implements Sink.
func (s *PrometheusSink) RecordReconnectAttempt(component string, _ int, success bool) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	s.reconnectAttempts.WithLabelValues(component, outcome).Inc()
}

// RecordCircuitTransition implements Sink.
func (s *PrometheusSink) RecordCircuitTransition(component, state string) {
	s.circuitTransitions.WithLabelValues(component, state).Inc()
}

// RecordFallback implements Sink.
func (s *PrometheusSink) RecordFallback(from, to string) {
	s.fallbacksTotal.WithLabelValues(from, to).Inc()
}
