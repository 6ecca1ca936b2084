package mcptransport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Method names used on the wire.
const (
	MethodInitialize  = "initialize"
	MethodInitialized = "initialized"
	MethodToolsList   = "tools/list"
	MethodToolsCall   = "tools/call"
)

type clientInfo struct {
	Name         string         `json:"name"`
	Version      string         `json:"version"`
	Capabilities map[string]any `json:"capabilities"`
}

type initializeParams struct {
	ProtocolVersion string     `json:"protocolVersion"`
	ClientInfo      clientInfo `json:"clientInfo"`
}

type initializeResult struct {
	ProtocolVersion string              `json:"protocolVersion"`
	ServerInfo      *mcp.Implementation `json:"serverInfo"`
}

type callToolParams struct {
	Name      string `json:"name"`
	Arguments any    `json:"arguments"`
}

// Client speaks the tool protocol to exactly one remote server. It holds at
// most one request in flight: every exchange, including the handshake and
// its trailing notification, runs under callMu. Client is safe for
// concurrent use; concurrent callers simply queue.
type Client struct {
	id         string
	baseURL    string
	opts       Options
	httpClient *http.Client
	session    *sessionIDTracker
	logger     *slog.Logger

	nextID         atomic.Int64
	notifyFailures atomic.Int64

	callMu sync.Mutex

	mu               sync.RWMutex
	kind             SessionKind
	closed           bool
	endpoint         string
	endpointResolved bool
	serverInfo       *mcp.Implementation
	protocolVersion  string
	handshakeErr     string
	tools            []*mcp.Tool
	toolsCached      bool
}

// New returns an unconnected Client for the server at baseURL. A non-empty
// token is sent as a bearer Authorization header unless opts supplies an
// AuthProvider.
func New(baseURL, token string, opts *Options) *Client {
	options := opts.withDefaults()
	id := uuid.NewString()
	tracker := &sessionIDTracker{}
	provider := options.AuthProvider
	if provider == nil {
		provider = staticBearer(token)
	}
	return &Client{
		id:         id,
		baseURL:    baseURL,
		opts:       options,
		httpClient: decorateHTTPClient(options.HTTPClient, options, options.Headers, tracker, provider),
		session:    tracker,
		logger:     options.Logger.With("server_url", baseURL, "client_id", id),
	}
}

// ID returns the unique identifier of this client instance.
func (c *Client) ID() string { return c.id }

// BaseURL returns the server base URL the client was created for.
func (c *Client) BaseURL() string { return c.baseURL }

// Kind reports the negotiated session variant.
func (c *Client) Kind() SessionKind {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.kind
}

// Endpoint returns the endpoint path accepted by the server, if any.
func (c *Client) Endpoint() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.endpoint, c.endpointResolved
}

// ServerInfo returns the implementation details reported during initialize,
// or nil when no MCP session was established.
func (c *Client) ServerInfo() *mcp.Implementation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.serverInfo == nil {
		return nil
	}
	info := *c.serverInfo
	return &info
}

// HandshakeError returns the reason the last initialize attempt fell back to
// the legacy session. It is empty for MCP sessions.
func (c *Client) HandshakeError() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.handshakeErr
}

// NotificationFailures counts notifications whose delivery failed. Such
// failures never reach the caller.
func (c *Client) NotificationFailures() int64 { return c.notifyFailures.Load() }

// Connect performs the initialize handshake. A handshake failure is not an
// error: the client falls back to a legacy session and stays usable. Connect
// is a no-op on an established MCP session and retries the handshake on a
// legacy one. A session dropped by a failed request reads as SessionNone, so
// the next Connect initializes again. Only a closed client or a cancelled
// context yields an error.
func (c *Client) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.callMu.Lock()
	defer c.callMu.Unlock()

	c.mu.RLock()
	closed, kind := c.closed, c.kind
	c.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if kind == SessionMCP {
		return nil
	}

	params := initializeParams{
		ProtocolVersion: c.opts.ProtocolVersion,
		ClientInfo: clientInfo{
			Name:         c.opts.ClientName,
			Version:      c.opts.ClientVersion,
			Capabilities: c.opts.Capabilities,
		},
	}
	// initialize opens a new session; a stale id would be answered with 404.
	c.session.Set("")
	resp := c.callLocked(ctx, MethodInitialize, params)
	if resp.Error != nil {
		c.fallbackToLegacy(resp.Error.Error())
		return nil
	}
	var result initializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		c.fallbackToLegacy(fmt.Sprintf("decode initialize result: %v", err))
		return nil
	}

	c.mu.Lock()
	c.kind = SessionMCP
	c.serverInfo = result.ServerInfo
	c.protocolVersion = result.ProtocolVersion
	c.handshakeErr = ""
	c.mu.Unlock()

	attrs := []any{"protocol_version", result.ProtocolVersion}
	if result.ServerInfo != nil {
		attrs = append(attrs, "server_name", result.ServerInfo.Name, "server_version", result.ServerInfo.Version)
	}
	c.logger.Debug("MCP session initialized", attrs...)

	c.notifyLocked(ctx, MethodInitialized, map[string]any{})
	return nil
}

func (c *Client) fallbackToLegacy(reason string) {
	c.mu.Lock()
	c.kind = SessionLegacy
	c.handshakeErr = reason
	c.mu.Unlock()
	c.logger.Info("initialize failed, using legacy session", "reason", reason)
}

// ListTools returns the tools advertised by the server. The list is cached
// per client; forceRefresh or an empty cache triggers tools/list. RPC-level
// failures are returned as *ToolDiscoveryError.
func (c *Client) ListTools(ctx context.Context, forceRefresh bool) ([]*mcp.Tool, error) {
	c.mu.RLock()
	closed, kind, reason := c.closed, c.kind, c.handshakeErr
	if !forceRefresh && c.toolsCached && !closed && kind == SessionMCP {
		tools := append([]*mcp.Tool(nil), c.tools...)
		c.mu.RUnlock()
		return tools, nil
	}
	c.mu.RUnlock()

	if closed {
		return nil, ErrClosed
	}
	switch kind {
	case SessionNone:
		return nil, ErrNotConnected
	case SessionLegacy:
		return nil, &ToolDiscoveryError{URL: c.baseURL, Err: fmt.Errorf("%w: %s", ErrLegacySession, reason)}
	}

	c.callMu.Lock()
	resp := c.callLocked(ctx, MethodToolsList, nil)
	c.callMu.Unlock()
	if resp.Error != nil {
		return nil, &ToolDiscoveryError{URL: c.baseURL, Err: resp.Error}
	}
	var result mcp.ListToolsResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, &ToolDiscoveryError{URL: c.baseURL, Err: fmt.Errorf("decode tools/list result: %w", err)}
	}
	tools := make([]*mcp.Tool, 0, len(result.Tools))
	for _, tool := range result.Tools {
		if tool != nil {
			tools = append(tools, tool)
		}
	}

	c.mu.Lock()
	c.tools = tools
	c.toolsCached = true
	c.mu.Unlock()
	return append([]*mcp.Tool(nil), tools...), nil
}

// CachedTools returns the last list fetched by ListTools without contacting
// the server.
func (c *Client) CachedTools() ([]*mcp.Tool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*mcp.Tool(nil), c.tools...), c.toolsCached
}

// CallTool invokes a tool. Remote failures, including JSON-RPC errors and
// malformed results, come back as a result with IsError set. The returned
// error is non-nil for local misuse (a client that was never connected or
// has been closed) and for ErrSessionExpired, after which the client needs
// another Connect.
func (c *Client) CallTool(ctx context.Context, name string, arguments any) (*mcp.CallToolResult, error) {
	c.mu.RLock()
	closed, kind := c.closed, c.kind
	c.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	switch kind {
	case SessionNone:
		return nil, ErrNotConnected
	case SessionLegacy:
		return ErrorResult(fmt.Sprintf("server %s does not support tools/call", c.baseURL)), nil
	}
	if arguments == nil {
		arguments = map[string]any{}
	}

	c.callMu.Lock()
	resp := c.callLocked(ctx, MethodToolsCall, callToolParams{Name: name, Arguments: arguments})
	c.callMu.Unlock()
	if resp.expired {
		return nil, fmt.Errorf("%w: %s", ErrSessionExpired, resp.Error.Message)
	}
	if resp.Error != nil {
		return ErrorResult(resp.Error.Message), nil
	}
	var result mcp.CallToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return ErrorResult(fmt.Sprintf("decode tools/call result: %v", err)), nil
	}
	return &result, nil
}

// Close releases idle connections. Further calls return ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.httpClient.CloseIdleConnections()
	return nil
}

// callLocked sends one request and waits for its response. callMu must be
// held.
func (c *Client) callLocked(ctx context.Context, method string, params any) *Response {
	id := c.nextID.Add(1)
	payload, err := json.Marshal(newRequest(id, method, params))
	if err != nil {
		return localError(id, CodeTransportFailure, fmt.Sprintf("marshal %s request: %v", method, err))
	}
	return c.roundTrip(ctx, id, payload, false)
}

// notifyLocked sends a notification. Delivery failures are counted and
// logged but never returned. callMu must be held.
func (c *Client) notifyLocked(ctx context.Context, method string, params any) {
	payload, err := json.Marshal(newNotification(method, params))
	if err == nil {
		resp := c.roundTrip(ctx, 0, payload, true)
		if resp == nil {
			return
		}
		err = resp.Error
	}
	c.notifyFailures.Add(1)
	c.logger.Debug("notification dropped", "method", method, "error", err)
}

// ErrorResult builds an error-flagged tool result carrying msg as text.
func ErrorResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: msg}},
		IsError: true,
	}
}
