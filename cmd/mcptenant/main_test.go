package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vikashloomba/mcp-tenant-manager-go/internal/config"
	mcpgateway "github.com/vikashloomba/mcp-tenant-manager-go/pkg/mcp-gateway"
	"github.com/vikashloomba/mcp-tenant-manager-go/pkg/mcpmgr"
)

func newUpstream(t *testing.T, tools ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
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
			result = map[string]any{"protocolVersion": "2024-11-05", "serverInfo": map[string]any{"name": "up", "version": "1"}}
		case "tools/list":
			list := make([]map[string]any, 0, len(tools))
			for _, name := range tools {
				list = append(list, map[string]any{"name": name, "description": name + " tool\nmore detail"})
			}
			result = map[string]any{"tools": list}
		case "tools/call":
			if req.Params.Name == "fail" {
				result = map[string]any{"isError": true, "content": []map[string]any{{"type": "text", "text": "nope"}}}
				break
			}
			args, _ := json.Marshal(req.Params.Arguments)
			result = map[string]any{"content": []map[string]any{{"type": "text", "text": req.Params.Name + ":" + string(args)}}}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result})
	}))
	t.Cleanup(srv.Close)
	return srv
}

// writeSetup writes a config and credentials file and returns the config
// path.
func writeSetup(t *testing.T, servers map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	creds := "tenants:\n  alice:\n"
	for name, url := range servers {
		creds += fmt.Sprintf("    - name: %s\n      url: %s\n", name, url)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "servers.yaml"), []byte(creds), 0o600))
	cfg := "log_level: error\nrequest_timeout: 2s\ncredentials:\n  file: servers.yaml\n"
	path := filepath.Join(dir, "mcptenant.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	t.Parallel()
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "mcptenant version dev\n", out)
}

func TestToolsCommandPrintsTable(t *testing.T) {
	t.Parallel()
	up := newUpstream(t, "echo", "sum")
	cfg := writeSetup(t, map[string]string{"search": up.URL, "dead": "http://127.0.0.1:1"})

	out, err := run(t, "--config", cfg, "tools", "alice")
	require.NoError(t, err)
	assert.Contains(t, out, "SERVER")
	assert.Regexp(t, `│ search\s+│ echo\s+│ echo tool`, out)
	assert.Contains(t, out, "echo tool")
	assert.NotContains(t, out, "more detail")
	assert.Contains(t, out, "dead")
	assert.Regexp(t, `│ dead\s+│ -\s+│ \(no tools\)`, out)
	assert.True(t, strings.HasPrefix(out, "╭"), out)
}

func TestToolsCommandJSON(t *testing.T) {
	t.Parallel()
	up := newUpstream(t, "echo")
	cfg := writeSetup(t, map[string]string{"search": up.URL})

	out, err := run(t, "--config", cfg, "tools", "alice", "--json")
	require.NoError(t, err)
	var got map[string][]map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Len(t, got["search"], 1)
	assert.Equal(t, "echo", got["search"][0]["name"])
}

func TestCallCommand(t *testing.T) {
	t.Parallel()
	up := newUpstream(t, "echo", "fail")
	cfg := writeSetup(t, map[string]string{"search": up.URL})

	out, err := run(t, "--config", cfg, "call", "alice", "search", "echo", `{"q":"go"}`)
	require.NoError(t, err)
	assert.Equal(t, "echo:{\"q\":\"go\"}\n", out)

	out, err = run(t, "--config", cfg, "call", "alice", "search", "echo")
	require.NoError(t, err)
	assert.Equal(t, "echo:{}\n", out)

	out, err = run(t, "--config", cfg, "call", "alice", "search", "fail")
	assert.ErrorIs(t, err, errToolFailed)
	assert.Equal(t, "nope\n", out)

	out, err = run(t, "--config", cfg, "call", "alice", "missing", "echo")
	assert.ErrorIs(t, err, errToolFailed)
	assert.Contains(t, out, "server not found")

	_, err = run(t, "--config", cfg, "call", "alice", "search", "echo", "[1]")
	assert.Error(t, err)
}

func TestStatusCommand(t *testing.T) {
	t.Parallel()
	up := newUpstream(t, "a", "b")
	cfg := writeSetup(t, map[string]string{"search": up.URL, "dead": "http://127.0.0.1:1"})

	out, err := run(t, "--config", cfg, "status", "alice", "--json")
	require.NoError(t, err)
	var servers []mcpmgr.ServerConnection
	require.NoError(t, json.Unmarshal([]byte(out), &servers))
	require.Len(t, servers, 2)
	assert.Equal(t, "dead", servers[0].Name)
	assert.Equal(t, mcpmgr.StatusError, servers[0].Status)
	assert.NotEmpty(t, servers[0].LastError)
	assert.Equal(t, "search", servers[1].Name)
	assert.Equal(t, mcpmgr.StatusConnected, servers[1].Status)
	assert.Equal(t, 2, servers[1].ToolCount)

	out, err = run(t, "--config", cfg, "status", "alice")
	require.NoError(t, err)
	assert.Contains(t, out, "STATUS")
	assert.Regexp(t, `│ search\s+│ connected\s+│ mcp\s+│\s+2 │`, out)
	assert.Regexp(t, `│ dead\s+│ error\s+│`, out)
}

func TestPrintStatusWithoutLatency(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	require.NoError(t, printStatus(&buf, []mcpmgr.ServerConnection{
		{Name: "pending", Status: mcpmgr.StatusUnknown, Session: "none"},
	}))
	out := buf.String()
	assert.Contains(t, out, "LATENCY")
	assert.Regexp(t, `│ pending\s+│ unknown\s+│ none\s+│\s+0 │ -\s+│`, out)
	assert.True(t, strings.HasSuffix(out, "╯\n"), out)
}

func TestCommandsRequireConfig(t *testing.T) {
	t.Parallel()
	_, err := run(t, "--config", filepath.Join(t.TempDir(), "none.yaml"), "tools", "alice")
	assert.Error(t, err)

	_, err = run(t, "tools")
	assert.Error(t, err)
}

func TestGatewayOptionsBindTokensToTenants(t *testing.T) {
	t.Parallel()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	open := &app{cfg: config.Default(), logger: logger}
	opts, err := open.gatewayOptions()
	require.NoError(t, err)
	assert.Nil(t, opts.TokenVerifier)
	assert.Equal(t, ":8700", opts.Addr)

	cfg := config.Default()
	cfg.Auth.Tokens = []mcpgateway.StaticToken{{Token: "alice-token", Tenant: "alice"}}
	secured := &app{cfg: cfg, logger: logger}
	opts, err = secured.gatewayOptions()
	require.NoError(t, err)
	require.NotNil(t, opts.TokenVerifier)
	info, err := opts.TokenVerifier(context.Background(), "alice-token", nil)
	require.NoError(t, err)
	assert.Equal(t, "alice", mcpgateway.ClaimTenant(mcpgateway.DefaultTenantClaim)(info))

	cfg.Auth.Tokens = append(cfg.Auth.Tokens, mcpgateway.StaticToken{Token: "alice-token", Tenant: "bob"})
	_, err = secured.gatewayOptions()
	assert.Error(t, err)
}
