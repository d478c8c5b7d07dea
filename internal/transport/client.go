package transport

import (
	"context"
	"encoding/json"
	"fmt"
)

// protocolVersion is the handshake version offered to providers.
const protocolVersion = "2024-11-05"

// ToolInfo is one tool advertised by a provider.
type ToolInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ResourceInfo is one readable resource advertised by a provider.
type ResourceInfo struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description"`
	MimeType    string `json:"mimeType"`
}

// CallToolResult is the provider's answer to a tool call.
type CallToolResult struct {
	Content json.RawMessage `json:"content"`
	IsError bool            `json:"isError"`
}

// ReadResourceResult is the provider's answer to a resource read.
type ReadResourceResult struct {
	Contents json.RawMessage `json:"contents"`
}

// Client layers the provider protocol's typed operations over a Transport.
type Client struct {
	t Transport
}

// NewClient wraps a started transport.
func NewClient(t Transport) *Client {
	return &Client{t: t}
}

// Initialize performs the handshake. The provider is usable once this
// returns.
func (c *Client) Initialize(ctx context.Context) error {
	params := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "toolgate",
			"version": "1.0.0",
		},
	}
	if _, err := c.t.Call(ctx, "initialize", params); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	if err := c.t.Notify("notifications/initialized", nil); err != nil {
		return fmt.Errorf("initialized notification: %w", err)
	}
	return nil
}

// ListTools fetches the provider's tool set.
func (c *Client) ListTools(ctx context.Context) ([]ToolInfo, error) {
	raw, err := c.t.Call(ctx, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("tools/list: %w", err)
	}
	var result struct {
		Tools []ToolInfo `json:"tools"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("tools/list decode: %w", err)
	}
	return result.Tools, nil
}

// ListResources fetches the provider's resource set.
func (c *Client) ListResources(ctx context.Context) ([]ResourceInfo, error) {
	raw, err := c.t.Call(ctx, "resources/list", nil)
	if err != nil {
		return nil, fmt.Errorf("resources/list: %w", err)
	}
	var result struct {
		Resources []ResourceInfo `json:"resources"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("resources/list decode: %w", err)
	}
	return result.Resources, nil
}

// CallTool invokes a tool with the given arguments.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*CallToolResult, error) {
	params := map[string]any{"name": name, "arguments": args}
	raw, err := c.t.Call(ctx, "tools/call", params)
	if err != nil {
		return nil, fmt.Errorf("tools/call %s: %w", name, err)
	}
	var result CallToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("tools/call decode: %w", err)
	}
	return &result, nil
}

// ReadResource fetches a resource by URI.
func (c *Client) ReadResource(ctx context.Context, uri string) (*ReadResourceResult, error) {
	params := map[string]any{"uri": uri}
	raw, err := c.t.Call(ctx, "resources/read", params)
	if err != nil {
		return nil, fmt.Errorf("resources/read %s: %w", uri, err)
	}
	var result ReadResourceResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("resources/read decode: %w", err)
	}
	return &result, nil
}

// Done exposes the underlying transport's closed signal.
func (c *Client) Done() <-chan struct{} { return c.t.Done() }

// Close closes the underlying transport.
func (c *Client) Close() error { return c.t.Close() }
