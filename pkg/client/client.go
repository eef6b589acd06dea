// Package client is the multi-transport orchestrator: the single call surface
// that selects a transport, retries connects, falls back between transports
// and isolates faults with a circuit breaker.
package client

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/mcpwire/mcpwire/pkg/breaker"
	"github.com/mcpwire/mcpwire/pkg/config"
	"github.com/mcpwire/mcpwire/pkg/correlation"
	mcperrors "github.com/mcpwire/mcpwire/pkg/errors"
	"github.com/mcpwire/mcpwire/pkg/logging"
	"github.com/mcpwire/mcpwire/pkg/reconnect"
	"github.com/mcpwire/mcpwire/pkg/telemetry"
	"github.com/mcpwire/mcpwire/pkg/transport"
)

// fallbackEligible lists the failure categories that justify trying the
// other transport for a single call.
var fallbackEligible = map[mcperrors.Category]bool{
	mcperrors.CategoryNetwork: true,
	mcperrors.CategorySocket:  true,
	mcperrors.CategoryTimeout: true,
}

// Stats aggregates orchestrator-level counters with per-transport snapshots.
type Stats struct {
	ActiveTransport     transport.Type                     `json:"active_transport"`
	FallbackActivations int64                              `json:"fallback_activations"`
	TransportSwitches   int64                              `json:"transport_switches"`
	Transports          map[transport.Type]transport.Stats `json:"transports"`
	Circuits            map[string]breaker.Stats           `json:"circuits,omitempty"`
}

// Client is the orchestrator. All calls flow through the active transport;
// a bounded semaphore caps outbound concurrency.
type Client struct {
	id      string
	cfg     config.Orchestrator
	logger  logging.Logger
	sink    telemetry.Sink
	tracing *telemetry.TracingProvider

	classifier *mcperrors.Classifier
	selector   *mcperrors.Selector
	breakers   *breaker.Registry
	reconnects *reconnect.Manager
	sem        *semaphore.Weighted

	// factory constructs transports; swapped out in tests.
	factory func(transport.Type, transport.Config) (transport.Transport, error)

	mu        sync.RWMutex
	active    transport.Transport
	fallback  transport.Transport
	destroyed bool

	fallbackActivations atomic.Int64
	transportSwitches   atomic.Int64
}

// New creates a client from the configuration. Invalid config fails here.
func New(cfg config.Orchestrator) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	sink := cfg.Sink
	if sink == nil {
		sink = telemetry.NewNopSink()
	}

	reconnCfg := cfg.Reconnection
	if reconnCfg.Logger == nil {
		reconnCfg.Logger = logger
	}
	if reconnCfg.Sink == nil {
		reconnCfg.Sink = sink
	}
	breakerCfg := cfg.Circuit
	if breakerCfg.Logger == nil {
		breakerCfg.Logger = logger
	}
	if breakerCfg.Sink == nil {
		breakerCfg.Sink = sink
	}

	c := &Client{
		id:         uuid.NewString(),
		cfg:        cfg,
		logger:     logger.WithFields(logging.String("client", "mcpwire")),
		sink:       sink,
		tracing:    cfg.Tracing,
		classifier: mcperrors.NewClassifier(),
		selector:   mcperrors.NewSelector(mcperrors.SelectorConfig{}),
		breakers:   breaker.NewRegistry(breakerCfg),
		reconnects: reconnect.NewManager(reconnCfg),
		sem:        semaphore.NewWeighted(cfg.MaxConcurrentRequests),
		factory:    transport.New,
	}
	return c, nil
}

// ID returns the client instance id.
func (c *Client) ID() string { return c.id }

// newTransport constructs a transport of the given type against the
// configured endpoint, rewriting the URL scheme to fit.
func (c *Client) newTransport(t transport.Type) (transport.Transport, error) {
	tcfg := c.cfg.Transport
	tcfg.Endpoint = c.cfg.EndpointFor(t)
	if tcfg.Logger == nil {
		tcfg.Logger = c.logger
	}
	if tcfg.Sink == nil {
		tcfg.Sink = c.sink
	}

	tr, err := c.factory(t, tcfg)
	if err != nil {
		return nil, err
	}
	if ws, ok := tr.(*transport.WebSocket); ok {
		ws.SetReconnector(c.reconnects, string(t))
	}
	return tr, nil
}

// Connect establishes the preferred transport, falling back per FallbackOrder
// when it cannot connect.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.RLock()
	destroyed := c.destroyed
	already := c.active != nil && c.active.IsConnected()
	c.mu.RUnlock()
	if destroyed {
		return mcperrors.New("client destroyed", mcperrors.CategoryConfiguration, mcperrors.SeverityCritical)
	}
	if already {
		return nil
	}

	preferred := c.cfg.PreferredType()
	tried := map[transport.Type]bool{}

	order := append([]transport.Type{preferred}, c.cfg.FallbackOrder...)
	var lastErr error
	for i, t := range order {
		if tried[t] {
			continue
		}
		tried[t] = true
		if i > 0 && !c.cfg.FallbackEnabled() {
			break
		}

		tr, err := c.newTransport(t)
		if err != nil {
			lastErr = err
			continue
		}
		if err := c.connectWithRetry(ctx, tr); err != nil {
			lastErr = err
			_ = tr.Destroy()
			c.logger.Warn("transport failed to connect, trying next",
				logging.String("type", string(t)),
				logging.ErrorField(err))
			continue
		}

		c.mu.Lock()
		c.active = tr
		c.mu.Unlock()
		if i > 0 {
			c.fallbackActivations.Add(1)
			c.sink.RecordFallback(string(preferred), string(t))
		}
		c.logger.Info("connected", logging.String("type", string(t)))
		return nil
	}

	if lastErr == nil {
		lastErr = mcperrors.New("no transport could be constructed",
			mcperrors.CategoryConfiguration, mcperrors.SeverityCritical)
	}
	return lastErr
}

// connectWithRetry attempts the transport up to MaxAttemptsPerTransport times
// with backoff between attempts.
func (c *Client) connectWithRetry(ctx context.Context, tr transport.Transport) error {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttemptsPerTransport; attempt++ {
		lastErr = tr.Connect(ctx)
		if lastErr == nil {
			return nil
		}

		classified := c.classifier.ClassifyAttempt(lastErr, attempt)
		c.sink.RecordError(ctx, classified)
		if !classified.Recoverable() {
			return classified
		}
		if attempt == c.cfg.MaxAttemptsPerTransport {
			break
		}

		delay := c.cfg.Reconnection.Backoff.Delay(attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}

// SwitchTransport atomically swaps the active transport for the given type.
// The new transport is connected before the old one is disconnected; on any
// failure the previous transport stays active.
func (c *Client) SwitchTransport(ctx context.Context, t transport.Type) error {
	c.mu.RLock()
	old := c.active
	c.mu.RUnlock()
	if old != nil && old.Type() == t && old.IsConnected() {
		return nil
	}

	next, err := c.newTransport(t)
	if err != nil {
		return err
	}
	if err := c.connectWithRetry(ctx, next); err != nil {
		_ = next.Destroy()
		return err
	}
	if !next.IsConnected() {
		_ = next.Destroy()
		return mcperrors.Newf(mcperrors.CategoryNetwork, mcperrors.SeverityHigh,
			"transport %s reported connected but is not", t)
	}

	c.mu.Lock()
	c.active = next
	c.mu.Unlock()
	c.transportSwitches.Add(1)

	if old != nil {
		_ = old.Destroy()
	}
	c.logger.Info("switched transport", logging.String("to", string(t)))
	return nil
}

// activeTransport returns the active transport or a classified failure.
func (c *Client) activeTransport() (transport.Transport, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.destroyed {
		return nil, mcperrors.New("client destroyed", mcperrors.CategoryConfiguration, mcperrors.SeverityCritical)
	}
	if c.active == nil {
		return nil, mcperrors.New("client is not connected", mcperrors.CategoryNetwork, mcperrors.SeverityHigh)
	}
	return c.active, nil
}

// Call sends a request over the active transport and awaits the response.
// Failures whose classified category is fallback-eligible are retried once
// over the other transport before surfacing to the caller. With a tracing
// provider configured, one span covers the whole dispatch, fallback included.
func (c *Client) Call(ctx context.Context, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.sem.Release(1)

	tr, err := c.activeTransport()
	if err != nil {
		return nil, err
	}

	if c.tracing != nil {
		spanCtx, span := c.tracing.StartSpan(ctx, method, string(tr.Type()))
		result, err := c.dispatch(spanCtx, tr, method, params, timeout)
		c.tracing.EndSpan(span, err)
		return result, err
	}
	return c.dispatch(ctx, tr, method, params, timeout)
}

// dispatch runs one call on the given transport, classifying failures and
// retrying once on the other transport when eligible.
func (c *Client) dispatch(ctx context.Context, tr transport.Transport, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	result, err := c.callOn(ctx, tr, method, params, timeout)
	if err == nil {
		return result, nil
	}

	classified := c.classifier.Classify(err)
	strategy := c.selector.SelectStrategy(classified, c.circuitProbe(tr))
	classified = classified.WithStrategy(strategy)

	if c.shouldFallback(classified, tr) {
		if fbResult, fbErr := c.callOnFallback(ctx, tr, method, params, timeout); fbErr == nil {
			return fbResult, nil
		}
	}
	return nil, classified
}

// callOn runs one request under the transport's circuit breaker.
func (c *Client) callOn(ctx context.Context, tr transport.Transport, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	component := string(tr.Type())

	if c.cfg.CircuitEnabled {
		b := c.breakers.Get(component)
		if err := b.Allow(); err != nil {
			if ce, ok := err.(*mcperrors.ClassifiedError); ok {
				c.sink.RecordError(ctx, ce)
			}
			return nil, err
		}
		result, err := tr.SendRequest(ctx, method, params, timeout)
		if err != nil {
			b.RecordFailure(err)
			return nil, err
		}
		b.RecordSuccess()
		return result, nil
	}
	return tr.SendRequest(ctx, method, params, timeout)
}

// circuitProbe reports whether the breaker guarding the transport is open.
func (c *Client) circuitProbe(tr transport.Transport) mcperrors.CircuitProbe {
	if !c.cfg.CircuitEnabled {
		return nil
	}
	component := string(tr.Type())
	return func() bool {
		return c.breakers.Get(component).IsOpen()
	}
}

// shouldFallback decides whether a failed call may retry on the other
// transport: the failure must be fallback-eligible, fallback must be enabled,
// and the active transport must not itself already be a fallback.
func (c *Client) shouldFallback(classified *mcperrors.ClassifiedError, tr transport.Transport) bool {
	if !c.cfg.FallbackEnabled() || !fallbackEligible[classified.Category()] {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fallback == nil || c.fallback.Type() != tr.Type()
}

// callOnFallback establishes (or reuses) the fallback transport and runs the
// single call on it.
func (c *Client) callOnFallback(ctx context.Context, failed transport.Transport, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	fbType := c.otherType(failed.Type())

	c.mu.Lock()
	fb := c.fallback
	c.mu.Unlock()

	if fb == nil || fb.Type() != fbType {
		newFb, err := c.newTransport(fbType)
		if err != nil {
			return nil, err
		}
		if err := newFb.Connect(ctx); err != nil {
			_ = newFb.Destroy()
			return nil, err
		}
		c.mu.Lock()
		if c.fallback != nil {
			_ = c.fallback.Destroy()
		}
		c.fallback = newFb
		c.mu.Unlock()
		fb = newFb
	}

	c.fallbackActivations.Add(1)
	c.sink.RecordFallback(string(failed.Type()), string(fbType))
	c.logger.Info("retrying call on fallback transport",
		logging.String("method", method),
		logging.String("fallback", string(fbType)))

	return c.callOn(ctx, fb, method, params, timeout)
}

// otherType returns the transport type to fall back to, honoring the
// configured order.
func (c *Client) otherType(failed transport.Type) transport.Type {
	for _, t := range c.cfg.FallbackOrder {
		if t != failed {
			return t
		}
	}
	if failed == transport.TypeHTTP {
		return transport.TypeWebSocket
	}
	return transport.TypeHTTP
}

// Notify sends a fire-and-forget notification over the active transport.
func (c *Client) Notify(ctx context.Context, method string, params interface{}) error {
	tr, err := c.activeTransport()
	if err != nil {
		return err
	}
	return tr.SendNotification(ctx, method, params)
}

// OnNotification registers a handler for server-initiated notifications on
// the active transport.
func (c *Client) OnNotification(method string, handler correlation.NotificationHandler) error {
	tr, err := c.activeTransport()
	if err != nil {
		return err
	}
	tr.OnNotification(method, handler)
	return nil
}

// Subscribe registers an event handler on the active transport.
func (c *Client) Subscribe(eventType transport.EventType, handler transport.EventHandler) (transport.SubscriptionID, error) {
	tr, err := c.activeTransport()
	if err != nil {
		return 0, err
	}
	return tr.Subscribe(eventType, handler), nil
}

// IsConnected reports whether the active transport is connected.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active != nil && c.active.IsConnected()
}

// ActiveTransportType returns the type of the active transport, empty when
// not connected.
func (c *Client) ActiveTransportType() transport.Type {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.active == nil {
		return ""
	}
	return c.active.Type()
}

// Stats returns orchestrator counters plus per-transport snapshots.
func (c *Client) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := Stats{
		FallbackActivations: c.fallbackActivations.Load(),
		TransportSwitches:   c.transportSwitches.Load(),
		Transports:          make(map[transport.Type]transport.Stats),
	}
	if c.active != nil {
		stats.ActiveTransport = c.active.Type()
		stats.Transports[c.active.Type()] = c.active.Stats()
	}
	if c.fallback != nil {
		stats.Transports[c.fallback.Type()] = c.fallback.Stats()
	}
	if c.cfg.CircuitEnabled {
		stats.Circuits = c.breakers.StatsAll()
	}
	return stats
}

// Disconnect tears down both transports without destroying the client.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	active, fb := c.active, c.fallback
	c.mu.Unlock()

	var firstErr error
	if active != nil {
		firstErr = active.Disconnect()
	}
	if fb != nil {
		if err := fb.Disconnect(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Destroy releases all resources. The client cannot be reused afterwards.
func (c *Client) Destroy() error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return nil
	}
	c.destroyed = true
	active, fb := c.active, c.fallback
	c.active, c.fallback = nil, nil
	c.mu.Unlock()

	c.reconnects.Stop()

	var firstErr error
	if active != nil {
		firstErr = active.Destroy()
	}
	if fb != nil {
		if err := fb.Destroy(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
