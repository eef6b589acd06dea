package transport

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/mcpwire/mcpwire/pkg/correlation"
	mcperrors "github.com/mcpwire/mcpwire/pkg/errors"
	"github.com/mcpwire/mcpwire/pkg/logging"
	"github.com/mcpwire/mcpwire/pkg/protocol"
	"github.com/mcpwire/mcpwire/pkg/telemetry"
)

// Reconnector drives reconnection attempts for a named component. The
// websocket transport invokes it on unexpected connection loss.
type Reconnector interface {
	Reconnect(ctx context.Context, component string, attempt func(context.Context) error, errType mcperrors.Category) error
}

// baseTransport carries the state machine, event emitter, stats and
// correlator shared by both bindings.
type baseTransport struct {
	cfg           Config
	transportType Type
	logger        logging.Logger
	sink          telemetry.Sink
	events        *emitter
	stats         statsRecorder
	correlator    *correlation.Correlator

	stateMu   sync.RWMutex
	state     State
	destroyed atomic.Bool
}

func newBaseTransport(transportType Type, cfg Config) *baseTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logger.WithFields(logging.String("transport", string(transportType)))
	sink := cfg.Sink
	if sink == nil {
		sink = telemetry.NewNopSink()
	}

	codec := protocol.NewCodec(cfg.MaxMessageSize)
	codec.SetIDPrefix(string(transportType))

	return &baseTransport{
		cfg:           cfg,
		transportType: transportType,
		logger:        logger,
		sink:          sink,
		events:        newEmitter(),
		correlator:    correlation.New(codec, logger, sink),
		state:         StateDisconnected,
	}
}

// setState transitions the connection state, emitting the transition and
// reporting it to the telemetry sink.
func (b *baseTransport) setState(next State) {
	b.stateMu.Lock()
	prev := b.state
	b.state = next
	b.stateMu.Unlock()

	if prev == next {
		return
	}
	b.sink.RecordConnectionState(string(b.transportType), string(next))
	b.events.emit(Event{Type: EventStateChanged, Transport: b.transportType, State: next})
	switch next {
	case StateConnected:
		b.stats.markConnected()
		b.events.emit(Event{Type: EventConnected, Transport: b.transportType, State: next})
	case StateDisconnected:
		b.events.emit(Event{Type: EventDisconnected, Transport: b.transportType, State: next})
	}
}

// ConnectionState returns the current lifecycle state.
func (b *baseTransport) ConnectionState() State {
	b.stateMu.RLock()
	defer b.stateMu.RUnlock()
	return b.state
}

// IsConnected reports whether the transport is in the connected state.
func (b *baseTransport) IsConnected() bool {
	return b.ConnectionState() == StateConnected
}

// OnNotification registers a handler for server-initiated notifications.
func (b *baseTransport) OnNotification(method string, handler correlation.NotificationHandler) {
	b.correlator.RegisterNotificationHandler(method, handler)
}

// Subscribe registers an event handler.
func (b *baseTransport) Subscribe(eventType EventType, handler EventHandler) SubscriptionID {
	return b.events.subscribe(eventType, handler)
}

// Unsubscribe removes an event handler.
func (b *baseTransport) Unsubscribe(id SubscriptionID) {
	b.events.unsubscribe(id)
}

// Stats returns a snapshot of the transport's counters.
func (b *baseTransport) Stats() Stats {
	return b.stats.snapshot()
}

// ResetStats zeroes the transport's counters.
func (b *baseTransport) ResetStats() {
	b.stats.reset()
}

// Type returns the transport binding type.
func (b *baseTransport) Type() Type {
	return b.transportType
}
