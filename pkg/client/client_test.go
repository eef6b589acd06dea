package client

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpwire/mcpwire/pkg/config"
	"github.com/mcpwire/mcpwire/pkg/correlation"
	mcperrors "github.com/mcpwire/mcpwire/pkg/errors"
	"github.com/mcpwire/mcpwire/pkg/reconnect"
	"github.com/mcpwire/mcpwire/pkg/telemetry"
	"github.com/mcpwire/mcpwire/pkg/transport"
)

// fakeTransport scripts connect and request outcomes per transport type.
type fakeTransport struct {
	transportType transport.Type
	connectErr    error
	sendErr       error
	sendResult    json.RawMessage

	connected    atomic.Bool
	connectCalls atomic.Int64
	sendCalls    atomic.Int64
	destroyed    atomic.Bool
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.connectCalls.Add(1)
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected.Store(true)
	return nil
}

func (f *fakeTransport) Disconnect() error {
	f.connected.Store(false)
	return nil
}

func (f *fakeTransport) Destroy() error {
	f.destroyed.Store(true)
	f.connected.Store(false)
	return nil
}

func (f *fakeTransport) IsConnected() bool { return f.connected.Load() }

func (f *fakeTransport) ConnectionState() transport.State {
	if f.connected.Load() {
		return transport.StateConnected
	}
	return transport.StateDisconnected
}

func (f *fakeTransport) SendRequest(ctx context.Context, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	f.sendCalls.Add(1)
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	return f.sendResult, nil
}

func (f *fakeTransport) SendNotification(ctx context.Context, method string, params interface{}) error {
	return f.sendErr
}

func (f *fakeTransport) SendMessage(ctx context.Context, raw []byte) error { return nil }

func (f *fakeTransport) OnNotification(method string, handler correlation.NotificationHandler) {}

func (f *fakeTransport) Subscribe(eventType transport.EventType, handler transport.EventHandler) transport.SubscriptionID {
	return 0
}
func (f *fakeTransport) Unsubscribe(id transport.SubscriptionID) {}

func (f *fakeTransport) Stats() transport.Stats { return transport.Stats{} }
func (f *fakeTransport) ResetStats()            {}

func (f *fakeTransport) HealthCheck(ctx context.Context) transport.HealthStatus {
	return transport.HealthStatus{Healthy: f.connected.Load()}
}

func (f *fakeTransport) Diagnostics(ctx context.Context) transport.DiagnosticsReport {
	return transport.DiagnosticsReport{Transport: f.transportType}
}

func (f *fakeTransport) Type() transport.Type { return f.transportType }

// newTestClient wires a client whose factory hands out the given fakes.
func newTestClient(t *testing.T, fakes map[transport.Type]*fakeTransport) *Client {
	t.Helper()
	cfg := config.Default("http://example.com/mcp")
	cfg.MaxAttemptsPerTransport = 1
	cfg.Reconnection.Backoff.InitialDelay = time.Millisecond
	cfg.Reconnection.Backoff.MaxDelay = time.Millisecond

	c, err := New(cfg)
	require.NoError(t, err)
	c.factory = func(tt transport.Type, _ transport.Config) (transport.Transport, error) {
		f, ok := fakes[tt]
		if !ok {
			return nil, mcperrors.Newf(mcperrors.CategoryConfiguration, mcperrors.SeverityCritical,
				"no fake for %s", tt)
		}
		return f, nil
	}
	return c
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(config.Orchestrator{})
	require.Error(t, err)

	cfg := config.Default("ftp://example.com")
	_, err = New(cfg)
	require.Error(t, err)

	cfg = config.Default("http://example.com")
	cfg.TransportStrategy = config.Strategy("teleport")
	_, err = New(cfg)
	require.Error(t, err)
}

func TestConnectPreferredTransport(t *testing.T) {
	httpFake := &fakeTransport{transportType: transport.TypeHTTP}
	c := newTestClient(t, map[transport.Type]*fakeTransport{
		transport.TypeHTTP: httpFake,
	})
	defer c.Destroy()

	require.NoError(t, c.Connect(context.Background()))
	assert.True(t, c.IsConnected())
	assert.Equal(t, transport.TypeHTTP, c.ActiveTransportType())
	assert.Zero(t, c.Stats().FallbackActivations)
}

func TestConnectFallsBackToNextTransport(t *testing.T) {
	httpFake := &fakeTransport{
		transportType: transport.TypeHTTP,
		connectErr:    mcperrors.New("dial refused", mcperrors.CategoryNetwork, mcperrors.SeverityHigh),
	}
	wsFake := &fakeTransport{transportType: transport.TypeWebSocket}
	c := newTestClient(t, map[transport.Type]*fakeTransport{
		transport.TypeHTTP:      httpFake,
		transport.TypeWebSocket: wsFake,
	})
	defer c.Destroy()

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, transport.TypeWebSocket, c.ActiveTransportType())
	assert.Equal(t, int64(1), c.Stats().FallbackActivations, "exactly one fallback activation")
	assert.True(t, httpFake.destroyed.Load(), "failed transport must be torn down")
}

func TestConnectRespectsOnlyStrategy(t *testing.T) {
	httpFake := &fakeTransport{
		transportType: transport.TypeHTTP,
		connectErr:    mcperrors.New("dial refused", mcperrors.CategoryNetwork, mcperrors.SeverityHigh),
	}
	wsFake := &fakeTransport{transportType: transport.TypeWebSocket}

	cfg := config.Default("http://example.com/mcp")
	cfg.TransportStrategy = config.StrategyHTTPOnly
	cfg.MaxAttemptsPerTransport = 1
	cfg.Reconnection.Backoff.InitialDelay = time.Millisecond

	c, err := New(cfg)
	require.NoError(t, err)
	defer c.Destroy()
	c.factory = func(tt transport.Type, _ transport.Config) (transport.Transport, error) {
		if tt == transport.TypeHTTP {
			return httpFake, nil
		}
		return wsFake, nil
	}

	require.Error(t, c.Connect(context.Background()))
	assert.Zero(t, wsFake.connectCalls.Load(), "http-only must never touch websocket")
}

func TestConnectRetriesPerTransport(t *testing.T) {
	httpFake := &fakeTransport{
		transportType: transport.TypeHTTP,
		connectErr:    mcperrors.New("dial refused", mcperrors.CategoryNetwork, mcperrors.SeverityHigh),
	}
	cfg := config.Default("http://example.com/mcp")
	cfg.TransportStrategy = config.StrategyHTTPOnly
	cfg.MaxAttemptsPerTransport = 3
	cfg.Reconnection.Backoff = mustFastBackoff()

	c, err := New(cfg)
	require.NoError(t, err)
	defer c.Destroy()
	c.factory = func(transport.Type, transport.Config) (transport.Transport, error) {
		return httpFake, nil
	}

	require.Error(t, c.Connect(context.Background()))
	assert.Equal(t, int64(3), httpFake.connectCalls.Load())
}

func TestConnectStopsRetryingNonRecoverableFailures(t *testing.T) {
	httpFake := &fakeTransport{
		transportType: transport.TypeHTTP,
		connectErr:    mcperrors.New("bad credentials", mcperrors.CategoryAuthentication, mcperrors.SeverityCritical),
	}
	cfg := config.Default("http://example.com/mcp")
	cfg.TransportStrategy = config.StrategyHTTPOnly
	cfg.MaxAttemptsPerTransport = 5
	cfg.Reconnection.Backoff = mustFastBackoff()

	c, err := New(cfg)
	require.NoError(t, err)
	defer c.Destroy()
	c.factory = func(transport.Type, transport.Config) (transport.Transport, error) {
		return httpFake, nil
	}

	require.Error(t, c.Connect(context.Background()))
	assert.Equal(t, int64(1), httpFake.connectCalls.Load(), "auth failures must not be retried")
}

func TestCallRoundTrip(t *testing.T) {
	httpFake := &fakeTransport{
		transportType: transport.TypeHTTP,
		sendResult:    json.RawMessage(`{"tools":[]}`),
	}
	c := newTestClient(t, map[transport.Type]*fakeTransport{transport.TypeHTTP: httpFake})
	defer c.Destroy()
	require.NoError(t, c.Connect(context.Background()))

	result, err := c.Call(context.Background(), "tools/list", nil, time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"tools":[]}`, string(result))
}

func TestCallWithTracingProvider(t *testing.T) {
	provider, err := telemetry.NewTracingProvider(telemetry.TracingConfig{
		ExporterType: telemetry.ExporterTypeNoop,
	})
	require.NoError(t, err)
	defer provider.Shutdown(context.Background())

	httpFake := &fakeTransport{
		transportType: transport.TypeHTTP,
		sendResult:    json.RawMessage(`{"ok":true}`),
	}
	cfg := config.Default("http://example.com/mcp")
	cfg.TransportStrategy = config.StrategyHTTPOnly
	cfg.Tracing = provider

	c, err := New(cfg)
	require.NoError(t, err)
	defer c.Destroy()
	c.factory = func(transport.Type, transport.Config) (transport.Transport, error) {
		return httpFake, nil
	}
	require.NoError(t, c.Connect(context.Background()))

	result, err := c.Call(context.Background(), "tools/list", nil, time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(result))

	// A failing call still surfaces the classified error through the span.
	httpFake.sendErr = mcperrors.New("invalid params", mcperrors.CategoryValidation, mcperrors.SeverityMedium)
	_, err = c.Call(context.Background(), "tools/call", nil, time.Second)
	require.Error(t, err)

	var classified *mcperrors.ClassifiedError
	require.True(t, mcperrors.As(err, &classified))
	assert.Equal(t, mcperrors.CategoryValidation, classified.Category())
}

func TestCallWithoutConnect(t *testing.T) {
	c := newTestClient(t, nil)
	defer c.Destroy()

	_, err := c.Call(context.Background(), "ping", nil, time.Second)
	require.Error(t, err)
}

func TestCallOpportunisticFallback(t *testing.T) {
	httpFake := &fakeTransport{
		transportType: transport.TypeHTTP,
		sendErr:       mcperrors.New("request timed out", mcperrors.CategoryTimeout, mcperrors.SeverityMedium),
	}
	wsFake := &fakeTransport{
		transportType: transport.TypeWebSocket,
		sendResult:    json.RawMessage(`"via websocket"`),
	}
	c := newTestClient(t, map[transport.Type]*fakeTransport{
		transport.TypeHTTP:      httpFake,
		transport.TypeWebSocket: wsFake,
	})
	defer c.Destroy()
	require.NoError(t, c.Connect(context.Background()))

	result, err := c.Call(context.Background(), "ping", nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, `"via websocket"`, string(result))
	assert.Equal(t, int64(1), wsFake.sendCalls.Load())
	assert.Equal(t, int64(1), c.Stats().FallbackActivations)

	// The active transport stays http; only the call routed around it.
	assert.Equal(t, transport.TypeHTTP, c.ActiveTransportType())
}

func TestCallNoFallbackForValidationErrors(t *testing.T) {
	httpFake := &fakeTransport{
		transportType: transport.TypeHTTP,
		sendErr:       mcperrors.New("invalid params", mcperrors.CategoryValidation, mcperrors.SeverityMedium),
	}
	wsFake := &fakeTransport{transportType: transport.TypeWebSocket}
	c := newTestClient(t, map[transport.Type]*fakeTransport{
		transport.TypeHTTP:      httpFake,
		transport.TypeWebSocket: wsFake,
	})
	defer c.Destroy()
	require.NoError(t, c.Connect(context.Background()))

	_, err := c.Call(context.Background(), "tools/call", nil, time.Second)
	require.Error(t, err)
	assert.Zero(t, wsFake.sendCalls.Load(), "validation failures must not fall back")

	var classified *mcperrors.ClassifiedError
	require.True(t, mcperrors.As(err, &classified))
	assert.Equal(t, mcperrors.CategoryValidation, classified.Category())
	require.NotNil(t, classified.Strategy(), "surfaced errors carry the selected strategy")
}

func TestCallCircuitOpensAfterRepeatedFailures(t *testing.T) {
	httpFake := &fakeTransport{
		transportType: transport.TypeHTTP,
		sendErr:       mcperrors.New("dial refused", mcperrors.CategoryNetwork, mcperrors.SeverityHigh),
	}
	cfg := config.Default("http://example.com/mcp")
	cfg.TransportStrategy = config.StrategyHTTPOnly
	cfg.MaxAttemptsPerTransport = 1
	cfg.Circuit.FailureThreshold = 3
	cfg.Circuit.RecoveryTimeout = time.Hour

	c, err := New(cfg)
	require.NoError(t, err)
	defer c.Destroy()
	c.factory = func(transport.Type, transport.Config) (transport.Transport, error) {
		return httpFake, nil
	}
	require.NoError(t, c.Connect(context.Background()))

	for i := 0; i < 3; i++ {
		_, err := c.Call(context.Background(), "ping", nil, time.Second)
		require.Error(t, err)
	}
	require.Equal(t, int64(3), httpFake.sendCalls.Load())

	// Circuit open: the transport is no longer invoked.
	_, err = c.Call(context.Background(), "ping", nil, time.Second)
	require.Error(t, err)
	assert.Equal(t, int64(3), httpFake.sendCalls.Load())

	var classified *mcperrors.ClassifiedError
	require.True(t, mcperrors.As(err, &classified))
	assert.Equal(t, mcperrors.CategoryCircuitBreaker, classified.Category())
}

func TestSwitchTransportAtomic(t *testing.T) {
	httpFake := &fakeTransport{transportType: transport.TypeHTTP}
	wsFake := &fakeTransport{
		transportType: transport.TypeWebSocket,
		connectErr:    mcperrors.New("dial refused", mcperrors.CategoryNetwork, mcperrors.SeverityHigh),
	}
	c := newTestClient(t, map[transport.Type]*fakeTransport{
		transport.TypeHTTP:      httpFake,
		transport.TypeWebSocket: wsFake,
	})
	defer c.Destroy()
	require.NoError(t, c.Connect(context.Background()))

	// Swap target cannot connect: the old transport must stay active.
	require.Error(t, c.SwitchTransport(context.Background(), transport.TypeWebSocket))
	assert.Equal(t, transport.TypeHTTP, c.ActiveTransportType())
	assert.True(t, c.IsConnected())
	assert.Zero(t, c.Stats().TransportSwitches)

	// Successful swap disconnects the old transport afterwards.
	wsFake.connectErr = nil
	require.NoError(t, c.SwitchTransport(context.Background(), transport.TypeWebSocket))
	assert.Equal(t, transport.TypeWebSocket, c.ActiveTransportType())
	assert.True(t, httpFake.destroyed.Load())
	assert.Equal(t, int64(1), c.Stats().TransportSwitches)
}

func TestDestroyReleasesEverything(t *testing.T) {
	httpFake := &fakeTransport{transportType: transport.TypeHTTP}
	c := newTestClient(t, map[transport.Type]*fakeTransport{transport.TypeHTTP: httpFake})
	require.NoError(t, c.Connect(context.Background()))

	require.NoError(t, c.Destroy())
	assert.True(t, httpFake.destroyed.Load())

	_, err := c.Call(context.Background(), "ping", nil, time.Second)
	require.Error(t, err)
	require.Error(t, c.Connect(context.Background()))
	// Idempotent.
	require.NoError(t, c.Destroy())
}

func TestConcurrencyBound(t *testing.T) {
	release := make(chan struct{})
	httpFake := &fakeTransport{transportType: transport.TypeHTTP}

	cfg := config.Default("http://example.com/mcp")
	cfg.TransportStrategy = config.StrategyHTTPOnly
	cfg.MaxConcurrentRequests = 1

	c, err := New(cfg)
	require.NoError(t, err)
	defer c.Destroy()
	c.factory = func(transport.Type, transport.Config) (transport.Transport, error) {
		return &blockingTransport{fakeTransport: httpFake, release: release}, nil
	}
	require.NoError(t, c.Connect(context.Background()))

	started := make(chan struct{}, 1)
	go func() {
		started <- struct{}{}
		_, _ = c.Call(context.Background(), "slow", nil, time.Minute)
	}()
	<-started
	time.Sleep(20 * time.Millisecond)

	// Second call cannot acquire the semaphore slot before its context ends.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.Call(ctx, "fast", nil, time.Minute)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
}

// blockingTransport parks SendRequest until released.
type blockingTransport struct {
	*fakeTransport
	release chan struct{}
}

func (b *blockingTransport) SendRequest(ctx context.Context, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return json.RawMessage(`null`), nil
}

func mustFastBackoff() reconnect.BackoffConfig {
	return reconnect.BackoffConfig{
		Strategy:     reconnect.StrategyFixed,
		InitialDelay: time.Millisecond,
		MaxDelay:     time.Millisecond,
	}
}
