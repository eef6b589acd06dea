// Package transport provides the uniform transport contract the client
// orchestrator drives, with two bindings: a persistent WebSocket connection
// and an HTTP request/response binding with an optional server-push channel.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/mcpwire/mcpwire/pkg/correlation"
	mcperrors "github.com/mcpwire/mcpwire/pkg/errors"
	"github.com/mcpwire/mcpwire/pkg/logging"
	"github.com/mcpwire/mcpwire/pkg/protocol"
	"github.com/mcpwire/mcpwire/pkg/telemetry"
)

// Type identifies a transport binding.
type Type string

const (
	TypeWebSocket Type = "websocket"
	TypeHTTP      Type = "http"
)

// State is the connection lifecycle state of a transport.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateError        State = "error"
)

// Transport is the uniform contract both bindings implement.
type Transport interface {
	// Connect establishes the transport. Repeated calls while connected are
	// no-ops.
	Connect(ctx context.Context) error

	// Disconnect tears the connection down and rejects all in-flight
	// requests with a connection-closed failure.
	Disconnect() error

	// Destroy disconnects and releases all resources. The transport cannot
	// be reused afterwards.
	Destroy() error

	IsConnected() bool
	ConnectionState() State

	// SendRequest issues a request and awaits the correlated response.
	// A zero timeout falls back to the configured request timeout.
	SendRequest(ctx context.Context, method string, params interface{}, timeout time.Duration) (json.RawMessage, error)

	// SendNotification issues a fire-and-forget notification.
	SendNotification(ctx context.Context, method string, params interface{}) error

	// SendMessage sends a pre-serialized payload as-is.
	SendMessage(ctx context.Context, raw []byte) error

	// OnNotification registers a handler for server-initiated notifications.
	OnNotification(method string, handler correlation.NotificationHandler)

	Subscribe(eventType EventType, handler EventHandler) SubscriptionID
	Unsubscribe(id SubscriptionID)

	Stats() Stats
	ResetStats()

	HealthCheck(ctx context.Context) HealthStatus
	Diagnostics(ctx context.Context) DiagnosticsReport

	Type() Type
}

// HealthStatus is the result of a health probe.
type HealthStatus struct {
	Healthy bool                   `json:"healthy"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// DiagnosticsReport is a point-in-time snapshot for debugging.
type DiagnosticsReport struct {
	Transport Type              `json:"transport"`
	Endpoint  string            `json:"endpoint"`
	State     State             `json:"state"`
	Stats     Stats             `json:"stats"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// RetryConfig controls the HTTP transport's send-retry loop.
type RetryConfig struct {
	MaxRetries     int           `json:"max_retries"`
	InitialDelay   time.Duration `json:"initial_delay"`
	MaxDelay       time.Duration `json:"max_delay"`
	BackoffFactor  float64       `json:"backoff_factor"`
	JitterFraction float64       `json:"jitter_fraction"`
}

// RateLimitConfig bounds events in a sliding time window.
type RateLimitConfig struct {
	MaxRequests int           `json:"max_requests"`
	Window      time.Duration `json:"window"`
	RetryAfter  time.Duration `json:"retry_after"`
}

// Config is the unified configuration for both transports. Invalid config is
// a hard construction-time failure, never a deferred error.
type Config struct {
	// Endpoint is the target URL (ws/wss for websocket, http/https for HTTP).
	Endpoint string

	ConnectionTimeout time.Duration
	RequestTimeout    time.Duration
	MaxMessageSize    int

	// WebSocket settings.
	QueueSize      int           // offline send queue capacity
	PingInterval   time.Duration // 0 disables the ping loop
	PongTimeout    time.Duration
	MaxMissedPings int           // misses tolerated; one more forces a disconnect
	// BlockPrivateHosts rejects endpoints resolving to loopback or private
	// address ranges. Enable in production deployments.
	BlockPrivateHosts bool
	// ConnectRateLimit bounds connection attempts, not messages.
	ConnectRateLimit RateLimitConfig

	// HTTP settings.
	Retry      RetryConfig
	RateLimit  RateLimitConfig // bounds requests per window
	EnablePush bool            // open an SSE listener for server-initiated messages
	// EnableCaching caches responses keyed by (method, params) with CacheTTL.
	EnableCaching bool
	CacheTTL      time.Duration

	Logger logging.Logger
	Sink   telemetry.Sink
}

// DefaultConfig returns a config with the defaults both transports ship with.
func DefaultConfig(endpoint string) Config {
	return Config{
		Endpoint:          endpoint,
		ConnectionTimeout: 10 * time.Second,
		RequestTimeout:    30 * time.Second,
		MaxMessageSize:    4 << 20,
		QueueSize:         64,
		PingInterval:      30 * time.Second,
		PongTimeout:       5 * time.Second,
		MaxMissedPings:    3,
		ConnectRateLimit:  RateLimitConfig{MaxRequests: 10, Window: time.Minute, RetryAfter: 5 * time.Second},
		Retry: RetryConfig{
			MaxRetries:     3,
			InitialDelay:   time.Second,
			MaxDelay:       30 * time.Second,
			BackoffFactor:  2.0,
			JitterFraction: 0.1,
		},
		RateLimit: RateLimitConfig{MaxRequests: 100, Window: time.Minute, RetryAfter: time.Second},
		CacheTTL:  time.Minute,
	}
}

// Validate checks the config for the given transport type.
func (c *Config) Validate(transportType Type) error {
	if c.Endpoint == "" {
		return mcperrors.New("endpoint is required", mcperrors.CategoryConfiguration, mcperrors.SeverityCritical)
	}
	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return mcperrors.Wrap(err, "invalid endpoint URL", mcperrors.CategoryConfiguration, mcperrors.SeverityCritical)
	}
	switch transportType {
	case TypeWebSocket:
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return mcperrors.Newf(mcperrors.CategoryConfiguration, mcperrors.SeverityCritical,
				"websocket endpoint must use ws or wss scheme, got %q", u.Scheme)
		}
	case TypeHTTP:
		if u.Scheme != "http" && u.Scheme != "https" {
			return mcperrors.Newf(mcperrors.CategoryConfiguration, mcperrors.SeverityCritical,
				"http endpoint must use http or https scheme, got %q", u.Scheme)
		}
	default:
		return mcperrors.Newf(mcperrors.CategoryConfiguration, mcperrors.SeverityCritical,
			"unsupported transport type %q", transportType)
	}
	if c.RequestTimeout < 0 || c.ConnectionTimeout < 0 {
		return mcperrors.New("timeouts must not be negative", mcperrors.CategoryConfiguration, mcperrors.SeverityCritical)
	}
	if c.Retry.BackoffFactor != 0 && c.Retry.BackoffFactor < 1 {
		return mcperrors.New("backoff factor must be >= 1", mcperrors.CategoryConfiguration, mcperrors.SeverityCritical)
	}
	return nil
}

// New constructs a transport of the given type.
func New(transportType Type, config Config) (Transport, error) {
	if err := config.Validate(transportType); err != nil {
		return nil, err
	}
	switch transportType {
	case TypeWebSocket:
		return NewWebSocket(config)
	case TypeHTTP:
		return NewHTTP(config)
	default:
		return nil, mcperrors.Newf(mcperrors.CategoryConfiguration, mcperrors.SeverityCritical,
			"unsupported transport type %q", transportType)
	}
}

// validateEndpointHost enforces SSRF protections: the host must not resolve
// to a loopback or private range when BlockPrivateHosts is set.
func validateEndpointHost(endpoint string, blockPrivate bool) error {
	if !blockPrivate {
		return nil
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return mcperrors.Wrap(err, "invalid endpoint URL", mcperrors.CategoryConfiguration, mcperrors.SeverityCritical)
	}
	host := u.Hostname()
	if strings.EqualFold(host, "localhost") {
		return mcperrors.New("endpoint host resolves to a blocked private range",
			mcperrors.CategorySecurity, mcperrors.SeverityCritical)
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
			return mcperrors.New("endpoint host resolves to a blocked private range",
				mcperrors.CategorySecurity, mcperrors.SeverityCritical)
		}
	}
	return nil
}

// connectionClosedError is the rejection every pending request receives when
// its transport disconnects.
func connectionClosedError(transportType Type) error {
	return mcperrors.Newf(mcperrors.CategoryNetwork, mcperrors.SeverityHigh,
		"connection closed (%s transport)", transportType)
}

func fmtKey(method string, params json.RawMessage) string {
	return fmt.Sprintf("%s\x00%s", method, params)
}

// newRequestMessage builds and serializes a request with the given id.
func newRequestMessage(codec *protocol.Codec, id, method string, params interface{}) ([]byte, error) {
	req, err := protocol.NewRequest(id, method, params)
	if err != nil {
		return nil, mcperrors.Wrap(err, "failed to build request",
			mcperrors.CategorySerialization, mcperrors.SeverityMedium)
	}
	data, err := codec.Serialize(req)
	if err != nil {
		return nil, mcperrors.Wrap(err, "failed to serialize request",
			mcperrors.CategorySerialization, mcperrors.SeverityMedium)
	}
	return data, nil
}

// newNotificationMessage builds and serializes a notification.
func newNotificationMessage(codec *protocol.Codec, method string, params interface{}) ([]byte, error) {
	notif, err := protocol.NewNotification(method, params)
	if err != nil {
		return nil, mcperrors.Wrap(err, "failed to build notification",
			mcperrors.CategorySerialization, mcperrors.SeverityMedium)
	}
	data, err := codec.Serialize(notif)
	if err != nil {
		return nil, mcperrors.Wrap(err, "failed to serialize notification",
			mcperrors.CategorySerialization, mcperrors.SeverityMedium)
	}
	return data, nil
}

// statusOf labels a request outcome for telemetry.
func statusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
