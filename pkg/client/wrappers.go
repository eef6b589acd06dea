package client

import (
	"context"
	"encoding/json"
	"time"

	mcperrors "github.com/mcpwire/mcpwire/pkg/errors"
	"github.com/mcpwire/mcpwire/pkg/protocol"
)

// call is the typed wrapper core: issue the request and decode the result.
func call[T any](ctx context.Context, c *Client, method string, params interface{}, timeout time.Duration) (*T, error) {
	raw, err := c.Call(ctx, method, params, timeout)
	if err != nil {
		return nil, err
	}
	var out T
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, mcperrors.Wrap(err, "failed to decode "+method+" result",
				mcperrors.CategorySerialization, mcperrors.SeverityMedium)
		}
	}
	return &out, nil
}

// Initialize performs the protocol handshake.
func (c *Client) Initialize(ctx context.Context) (*protocol.InitializeResult, error) {
	params := protocol.InitializeParams{
		ClientName:    c.cfg.ClientName,
		ClientVersion: c.cfg.ClientVersion,
	}
	return call[protocol.InitializeResult](ctx, c, protocol.MethodInitialize, params, 0)
}

// Ping checks server liveness.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Call(ctx, protocol.MethodPing, nil, 0)
	return err
}

// ListTools lists the tools the server exposes.
func (c *Client) ListTools(ctx context.Context) (*protocol.ListToolsResult, error) {
	return call[protocol.ListToolsResult](ctx, c, protocol.MethodListTools, nil, 0)
}

// CallTool invokes a named tool with arbitrary JSON arguments.
func (c *Client) CallTool(ctx context.Context, name string, args json.RawMessage) (*protocol.CallToolResult, error) {
	params := protocol.CallToolParams{Name: name, Arguments: args}
	return call[protocol.CallToolResult](ctx, c, protocol.MethodCallTool, params, 0)
}

// ListResources lists the resources the server exposes.
func (c *Client) ListResources(ctx context.Context) (*protocol.ListResourcesResult, error) {
	return call[protocol.ListResourcesResult](ctx, c, protocol.MethodListResources, nil, 0)
}

// ReadResource reads one resource by URI.
func (c *Client) ReadResource(ctx context.Context, uri string) (*protocol.ReadResourceResult, error) {
	params := protocol.ReadResourceParams{URI: uri}
	return call[protocol.ReadResourceResult](ctx, c, protocol.MethodReadResource, params, 0)
}

// ListPrompts lists the prompt templates the server exposes.
func (c *Client) ListPrompts(ctx context.Context) (*protocol.ListPromptsResult, error) {
	return call[protocol.ListPromptsResult](ctx, c, protocol.MethodListPrompts, nil, 0)
}

// GetPrompt expands a named prompt template.
func (c *Client) GetPrompt(ctx context.Context, name string, args map[string]string) (*protocol.GetPromptResult, error) {
	params := protocol.GetPromptParams{Name: name, Arguments: args}
	return call[protocol.GetPromptResult](ctx, c, protocol.MethodGetPrompt, params, 0)
}
