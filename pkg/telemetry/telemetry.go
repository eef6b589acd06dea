// Package telemetry defines the sink the runtime reports classified events
// into, with a Prometheus metrics implementation and OpenTelemetry tracing.
package telemetry

import (
	"context"
	"time"

	mcperrors "github.com/mcpwire/mcpwire/pkg/errors"
)

// Sink receives classified events from every component of the runtime. Every
// classified error is reported here before any recovery attempt, so the
// history of recovery decisions is reconstructable even when recovery
// ultimately succeeds.
type Sink interface {
	// RecordError reports a classified failure with its correlation id.
	RecordError(ctx context.Context, err *mcperrors.ClassifiedError)

	// RecordRequest reports an outbound call's outcome and latency.
	RecordRequest(ctx context.Context, transport, method, status string, duration time.Duration)

	// RecordConnectionState reports a transport state transition.
	RecordConnectionState(component, state string)

	// RecordReconnectAttempt reports one reconnection attempt's outcome.
	RecordReconnectAttempt(component string, attempt int, success bool)

	// RecordCircuitTransition reports a circuit breaker state change.
	RecordCircuitTransition(component, state string)

	// RecordFallback reports a transport fallback activation.
	RecordFallback(from, to string)
}

// NopSink discards everything. It is the default when no sink is configured.
type NopSink struct{}

// NewNopSink creates a sink that drops all events.
func NewNopSink() *NopSink { return &NopSink{} }

func (*NopSink) RecordError(context.Context, *mcperrors.ClassifiedError)            {}
func (*NopSink) RecordRequest(context.Context, string, string, string, time.Duration) {}
func (*NopSink) RecordConnectionState(string, string)                                 {}
func (*NopSink) RecordReconnectAttempt(string, int, bool)                             {}
func (*NopSink) RecordCircuitTransition(string, string)                               {}
func (*NopSink) RecordFallback(string, string)                                        {}
