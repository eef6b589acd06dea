// Package config defines the orchestrator-level configuration surface and an
// environment loader.
package config

import (
	"net/url"
	"time"

	"github.com/mcpwire/mcpwire/pkg/breaker"
	mcperrors "github.com/mcpwire/mcpwire/pkg/errors"
	"github.com/mcpwire/mcpwire/pkg/logging"
	"github.com/mcpwire/mcpwire/pkg/reconnect"
	"github.com/mcpwire/mcpwire/pkg/telemetry"
	"github.com/mcpwire/mcpwire/pkg/transport"
)

// Strategy selects which transport the orchestrator prefers.
type Strategy string

const (
	StrategyAuto           Strategy = "auto"
	StrategyHTTPFirst      Strategy = "http-first"
	StrategyHTTPOnly       Strategy = "http-only"
	StrategyWebSocketFirst Strategy = "websocket-first"
	StrategyWebSocketOnly  Strategy = "websocket-only"
)

// Orchestrator is the top-level configuration. Invalid config fails hard at
// client construction, never later.
type Orchestrator struct {
	// ServerURL is the target endpoint. Required. ws/wss schemes imply the
	// websocket transport under the auto strategy, http/https the HTTP one.
	ServerURL string

	ClientName    string
	ClientVersion string

	TransportStrategy Strategy
	// FallbackOrder lists transport types to try when the preferred one
	// cannot connect. An empty list disables fallback.
	FallbackOrder []transport.Type
	// MaxAttemptsPerTransport bounds connect retries before moving to the
	// next transport in FallbackOrder.
	MaxAttemptsPerTransport int
	// MaxConcurrentRequests bounds outbound calls in flight.
	MaxConcurrentRequests int64

	Transport    transport.Config
	Reconnection reconnect.Config
	Circuit      breaker.Config
	// CircuitEnabled gates the breaker entirely.
	CircuitEnabled bool

	Logger logging.Logger
	Sink   telemetry.Sink
	// Tracing, when set, spans every outbound call. The provider is owned by
	// the caller; the client never shuts it down.
	Tracing *telemetry.TracingProvider
}

// Default returns the defaults the client ships with for the given endpoint.
func Default(serverURL string) Orchestrator {
	return Orchestrator{
		ServerURL:               serverURL,
		ClientName:              "mcpwire",
		ClientVersion:           "0.1.0",
		TransportStrategy:       StrategyAuto,
		FallbackOrder:           []transport.Type{transport.TypeHTTP, transport.TypeWebSocket},
		MaxAttemptsPerTransport: 3,
		MaxConcurrentRequests:   32,
		Transport:               transport.DefaultConfig(serverURL),
		Reconnection:            reconnect.DefaultConfig(),
		Circuit:                 breaker.DefaultConfig(),
		CircuitEnabled:          true,
	}
}

// Validate checks the configuration.
func (c *Orchestrator) Validate() error {
	if c.ServerURL == "" {
		return mcperrors.New("server URL is required", mcperrors.CategoryConfiguration, mcperrors.SeverityCritical)
	}
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return mcperrors.Wrap(err, "invalid server URL", mcperrors.CategoryConfiguration, mcperrors.SeverityCritical)
	}
	switch c.TransportStrategy {
	case StrategyAuto, StrategyHTTPFirst, StrategyHTTPOnly, StrategyWebSocketFirst, StrategyWebSocketOnly, "":
	default:
		return mcperrors.Newf(mcperrors.CategoryConfiguration, mcperrors.SeverityCritical,
			"unknown transport strategy %q", c.TransportStrategy)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return mcperrors.Newf(mcperrors.CategoryConfiguration, mcperrors.SeverityCritical,
			"unsupported URL scheme %q", u.Scheme)
	}
	if c.MaxAttemptsPerTransport < 1 {
		return mcperrors.New("max attempts per transport must be at least 1",
			mcperrors.CategoryConfiguration, mcperrors.SeverityCritical)
	}
	if c.MaxConcurrentRequests < 1 {
		return mcperrors.New("max concurrent requests must be at least 1",
			mcperrors.CategoryConfiguration, mcperrors.SeverityCritical)
	}
	for _, t := range c.FallbackOrder {
		if t != transport.TypeHTTP && t != transport.TypeWebSocket {
			return mcperrors.Newf(mcperrors.CategoryConfiguration, mcperrors.SeverityCritical,
				"unknown transport type %q in fallback order", t)
		}
	}
	return nil
}

// PreferredType resolves the strategy against the server URL scheme.
func (c *Orchestrator) PreferredType() transport.Type {
	switch c.TransportStrategy {
	case StrategyHTTPFirst, StrategyHTTPOnly:
		return transport.TypeHTTP
	case StrategyWebSocketFirst, StrategyWebSocketOnly:
		return transport.TypeWebSocket
	}
	u, err := url.Parse(c.ServerURL)
	if err == nil && (u.Scheme == "ws" || u.Scheme == "wss") {
		return transport.TypeWebSocket
	}
	return transport.TypeHTTP
}

// FallbackEnabled reports whether fallback to another transport is allowed
// under the configured strategy.
func (c *Orchestrator) FallbackEnabled() bool {
	switch c.TransportStrategy {
	case StrategyHTTPOnly, StrategyWebSocketOnly:
		return false
	}
	return len(c.FallbackOrder) > 0
}

// EndpointFor rewrites the server URL scheme to fit the transport type, so
// one configured URL serves both bindings.
func (c *Orchestrator) EndpointFor(t transport.Type) string {
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return c.ServerURL
	}
	secure := u.Scheme == "wss" || u.Scheme == "https"
	switch t {
	case transport.TypeWebSocket:
		if secure {
			u.Scheme = "wss"
		} else {
			u.Scheme = "ws"
		}
	case transport.TypeHTTP:
		if secure {
			u.Scheme = "https"
		} else {
			u.Scheme = "http"
		}
	}
	return u.String()
}

func defaultDuration(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}
