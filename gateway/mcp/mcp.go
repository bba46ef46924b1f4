// Package mcp provides a gateway.Gateway implementation backed by a Model
// Context Protocol server. It exposes the server's tools as capabilities and
// its resources through the read-only path, translating MCP results and
// failures into the gateway taxonomy.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcptransport "github.com/mark3labs/mcp-go/client/transport"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/maverde73/cortex-flow-sub000/gateway"
)

const defaultCallTimeout = 30 * time.Second

type (
	// Session captures the subset of the mcp-go client used by the adapter.
	// It is satisfied by *client.Client so callers can pass either a real
	// connection or a fake in tests.
	Session interface {
		ListTools(ctx context.Context, req mcplib.ListToolsRequest) (*mcplib.ListToolsResult, error)
		ListResources(ctx context.Context, req mcplib.ListResourcesRequest) (*mcplib.ListResourcesResult, error)
		CallTool(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error)
		ReadResource(ctx context.Context, req mcplib.ReadResourceRequest) (*mcplib.ReadResourceResult, error)
	}

	// Gateway adapts an MCP session to the capability boundary. It implements
	// both gateway.Gateway and gateway.CatalogProvider.
	Gateway struct {
		session Session
		timeout time.Duration
	}

	// Option customizes Gateway construction.
	Option func(*Gateway)
)

// WithDefaultTimeout sets the timeout applied to calls that do not specify
// one.
func WithDefaultTimeout(d time.Duration) Option {
	return func(g *Gateway) { g.timeout = d }
}

// New wraps an established MCP session.
func New(session Session, opts ...Option) (*Gateway, error) {
	if session == nil {
		return nil, errors.New("mcp session is required")
	}
	g := &Gateway{session: session, timeout: defaultCallTimeout}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Dial connects to a streamable HTTP MCP endpoint, runs the initialize
// handshake, and returns a ready Gateway. Callers own the returned client and
// should Close it when done with the gateway.
func Dial(ctx context.Context, endpoint string, opts ...mcptransport.StreamableHTTPCOption) (*Gateway, *mcpclient.Client, error) {
	c, err := mcpclient.NewStreamableHttpClient(endpoint, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("mcp: connect %s: %w", endpoint, err)
	}
	_, err = c.Initialize(ctx, mcplib.InitializeRequest{
		Params: mcplib.InitializeParams{
			ProtocolVersion: mcplib.LATEST_PROTOCOL_VERSION,
			ClientInfo:      mcplib.Implementation{Name: "cortex-flow", Version: "0.1.0"},
		},
	})
	if err != nil {
		_ = c.Close()
		return nil, nil, fmt.Errorf("mcp: initialize %s: %w", endpoint, err)
	}
	g, err := New(c)
	if err != nil {
		_ = c.Close()
		return nil, nil, err
	}
	return g, c, nil
}

// ListCapabilities lists the server's tools, following pagination cursors
// until the catalog is complete.
func (g *Gateway) ListCapabilities(ctx context.Context) ([]gateway.Capability, error) {
	var (
		caps   []gateway.Capability
		cursor mcplib.Cursor
	)
	for {
		req := mcplib.ListToolsRequest{}
		req.Params.Cursor = cursor
		result, err := g.session.ListTools(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("mcp: list tools: %w", err)
		}
		for _, tool := range result.Tools {
			schema, err := toolSchema(tool)
			if err != nil {
				return nil, fmt.Errorf("mcp: tool %q schema: %w", tool.Name, err)
			}
			caps = append(caps, gateway.Capability{
				Name:        tool.Name,
				Description: tool.Description,
				InputSchema: schema,
			})
		}
		if result.NextCursor == "" {
			return caps, nil
		}
		cursor = result.NextCursor
	}
}

// Call invokes the named tool on the MCP server. Tool-reported failures
// (IsError results) become execution errors carrying the failure text so
// retry instructions can surface it to the model.
func (g *Gateway) Call(ctx context.Context, capability string, args map[string]any, timeout time.Duration) (any, error) {
	if timeout <= 0 {
		timeout = g.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := mcplib.CallToolRequest{}
	req.Params.Name = capability
	req.Params.Arguments = args
	result, err := g.session.CallTool(ctx, req)
	if err != nil {
		return nil, translateCallError(capability, timeout, err)
	}
	text := textContent(result.Content)
	if result.IsError {
		return nil, gateway.NewExecution(capability, text, "", nil)
	}
	return decodeResult(text), nil
}

// Read resolves the resource by listed name or URI and fetches its contents.
func (g *Gateway) Read(ctx context.Context, resource string, timeout time.Duration) (any, error) {
	if timeout <= 0 {
		timeout = g.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	uri, err := g.resolveResourceURI(ctx, resource)
	if err != nil {
		return nil, err
	}
	req := mcplib.ReadResourceRequest{}
	req.Params.URI = uri
	result, err := g.session.ReadResource(ctx, req)
	if err != nil {
		return nil, translateCallError(resource, timeout, err)
	}
	for _, content := range result.Contents {
		if text, ok := content.(mcplib.TextResourceContents); ok {
			return decodeResult(text.Text), nil
		}
	}
	return nil, gateway.NewExecution(resource, "resource has no text contents", "", nil)
}

// resolveResourceURI maps a plain resource name to the URI advertised by the
// server. Identifiers that already carry a scheme pass through untouched.
func (g *Gateway) resolveResourceURI(ctx context.Context, resource string) (string, error) {
	if strings.Contains(resource, "://") {
		return resource, nil
	}
	var cursor mcplib.Cursor
	for {
		req := mcplib.ListResourcesRequest{}
		req.Params.Cursor = cursor
		result, err := g.session.ListResources(ctx, req)
		if err != nil {
			return "", fmt.Errorf("mcp: list resources: %w", err)
		}
		for _, r := range result.Resources {
			if r.Name == resource {
				return r.URI, nil
			}
		}
		if result.NextCursor == "" {
			return "", gateway.NewNotFound(resource)
		}
		cursor = result.NextCursor
	}
}

func translateCallError(capability string, timeout time.Duration, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return gateway.NewTimeout(capability, timeout)
	case isUnknownCapability(err):
		return gateway.NewNotFound(capability)
	case isInvalidArguments(err):
		return gateway.NewInvalidArguments(capability, err.Error(), "")
	default:
		return gateway.NewExecution(capability, err.Error(), "", err)
	}
}

// The MCP spec reserves JSON-RPC codes -32602 (invalid params) and uses
// "not found" messages for unknown tools and resources; mcp-go surfaces both
// as plain errors, so classification falls back to message matching.
func isUnknownCapability(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not found") || strings.Contains(msg, "unknown tool")
}

func isInvalidArguments(err error) bool {
	return strings.Contains(err.Error(), "-32602") || strings.Contains(strings.ToLower(err.Error()), "invalid params")
}

func toolSchema(tool mcplib.Tool) (map[string]any, error) {
	data, err := json.Marshal(tool.InputSchema)
	if err != nil {
		return nil, err
	}
	var schema map[string]any
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil, err
	}
	return schema, nil
}

func textContent(contents []mcplib.Content) string {
	var parts []string
	for _, content := range contents {
		if text, ok := content.(mcplib.TextContent); ok && text.Text != "" {
			parts = append(parts, text.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// decodeResult surfaces structured payloads when the server returned JSON and
// falls back to the raw text otherwise.
func decodeResult(text string) any {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		var v any
		if err := json.Unmarshal([]byte(trimmed), &v); err == nil {
			return v
		}
	}
	return text
}
