package mcpgateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"

	"github.com/vikashloomba/mcp-tenant-manager-go/pkg/mcpmgr"
)

// upstream is a minimal JSON-RPC MCP server answering initialize,
// tools/list and tools/call on any path.
type upstream struct {
	*httptest.Server

	mu    sync.Mutex
	tools []string
}

func newUpstream(t *testing.T, tools ...string) *upstream {
	t.Helper()
	u := &upstream{tools: tools}
	u.Server = httptest.NewServer(http.HandlerFunc(u.serve))
	t.Cleanup(u.Close)
	return u
}

func (u *upstream) setTools(tools ...string) {
	u.mu.Lock()
	u.tools = tools
	u.mu.Unlock()
}

func (u *upstream) serve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
		Params struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		} `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(req.ID) == 0 {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	var result any
	switch req.Method {
	case "initialize":
		result = map[string]any{
			"protocolVersion": "2024-11-05",
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]any{"name": "upstream", "version": "0.0.1"},
		}
	case "tools/list":
		u.mu.Lock()
		list := make([]map[string]any, 0, len(u.tools))
		for _, name := range u.tools {
			list = append(list, map[string]any{"name": name, "description": name + " tool"})
		}
		u.mu.Unlock()
		result = map[string]any{"tools": list}
	case "tools/call":
		args, _ := json.Marshal(req.Params.Arguments)
		result = map[string]any{
			"content": []map[string]any{{"type": "text", "text": req.Params.Name + ":" + string(args)}},
		}
	default:
		result = map[string]any{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result})
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T) *mcpmgr.Manager {
	t.Helper()
	m := mcpmgr.NewManager(&mcpmgr.ManagerOptions{Logger: discardLogger()})
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m
}

// staticHeaders sets fixed headers on every outgoing request.
type staticHeaders struct {
	headers http.Header
	base    http.RoundTripper
}

func (h staticHeaders) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, v := range h.headers {
		req.Header[k] = v
	}
	return h.base.RoundTrip(req)
}

func dial(srv *httptest.Server, headers http.Header) (*mcp.ClientSession, error) {
	transport := &mcp.StreamableClientTransport{
		Endpoint:   srv.URL + "/mcp",
		HTTPClient: &http.Client{Transport: staticHeaders{headers: headers, base: http.DefaultTransport}},
	}
	client := mcp.NewClient(&mcp.Implementation{Name: "gateway-test", Version: "1.0.0"}, nil)
	return client.Connect(context.Background(), transport, nil)
}

// connect opens a downstream MCP session to the gateway as tenant.
func connect(t *testing.T, srv *httptest.Server, tenant string) *mcp.ClientSession {
	t.Helper()
	return connectWith(t, srv, http.Header{DefaultTenantHeader: {tenant}})
}

func connectWith(t *testing.T, srv *httptest.Server, headers http.Header) *mcp.ClientSession {
	t.Helper()
	session, err := dial(srv, headers)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })
	return session
}

func toolNames(tools []*mcp.Tool) []string {
	out := make([]string, 0, len(tools))
	for _, tool := range tools {
		out = append(out, tool.Name)
	}
	return out
}
