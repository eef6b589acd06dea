// Package mcpwire is a resilient client runtime for JSON-RPC 2.0 based
// tool/resource protocols ("MCP"). It lets a caller issue RPC-style calls
// against a remote peer while the runtime transparently handles connection
// loss, retries, transport fallback and fault isolation.
//
// # Overview
//
// The runtime consists of several sub-packages:
//
//   - pkg/protocol: JSON-RPC 2.0 message types, codec and MCP method surface
//   - pkg/correlation: matches asynchronous responses to outstanding requests
//   - pkg/transport: WebSocket and HTTP(+SSE push) transport bindings
//   - pkg/reconnect: reconnection manager with backoff and health probing
//   - pkg/breaker: per-component circuit breakers
//   - pkg/errors: error classification and recovery strategy selection
//   - pkg/client: the multi-transport orchestrator and typed call wrappers
//   - pkg/config: configuration surface and environment loader
//   - pkg/telemetry: Prometheus metrics and OpenTelemetry tracing sinks
//
// # Creating a Client
//
//	import (
//	    "context"
//
//	    "github.com/mcpwire/mcpwire/pkg/client"
//	    "github.com/mcpwire/mcpwire/pkg/config"
//	)
//
//	func main() {
//	    cfg := config.Default("wss://example.com/mcp")
//	    c, err := client.New(cfg)
//	    if err != nil {
//	        // invalid configuration
//	    }
//	    defer c.Destroy()
//
//	    ctx := context.Background()
//	    if err := c.Connect(ctx); err != nil {
//	        // all transports exhausted
//	    }
//	    if _, err := c.Initialize(ctx); err != nil {
//	        // handshake failed
//	    }
//	    tools, err := c.ListTools(ctx)
//	    _ = tools
//	    _ = err
//	}
//
// Failures flow through the classifier in pkg/errors; its verdict drives the
// reconnection manager, the circuit breaker and the orchestrator's fallback
// decisions. Every classified error is reported to the telemetry sink before
// any recovery is attempted.
package mcpwire
