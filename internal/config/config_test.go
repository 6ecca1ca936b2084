package config

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcpgateway "github.com/vikashloomba/mcp-tenant-manager-go/pkg/mcp-gateway"
	"github.com/vikashloomba/mcp-tenant-manager-go/pkg/mcpmgr"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mcptenant.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadAppliesDefaultsAndEnvironment(t *testing.T) {
	t.Setenv("MCPTENANT_TEST_DIR", "/srv/creds")
	path := writeConfig(t, `
listen: 127.0.0.1:9000
cache_ttl: 2m
health_concurrency: 4
headers:
  x-org: acme
  x-key: k$ey$MCPTENANT_TEST_DIR
cors:
  allowed_origins: [https://console.example.com]
credentials:
  file: ${MCPTENANT_TEST_DIR}/servers.yaml
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Listen)
	assert.Equal(t, "/mcp", cfg.Path)
	assert.Equal(t, 2*time.Minute, cfg.CacheTTL)
	assert.Equal(t, mcpmgr.DefaultRequestTimeout, cfg.RequestTimeout)
	assert.Equal(t, "/srv/creds/servers.yaml", cfg.Credentials.File)
	assert.Equal(t, []string{"https://console.example.com"}, cfg.CORS.AllowedOrigins)

	opts := cfg.ManagerOptions()
	assert.Equal(t, 2*time.Minute, opts.CacheTTL)
	assert.Equal(t, 4, opts.HealthConcurrency)
	assert.Equal(t, "acme", opts.Headers.Get("X-Org"))
	assert.Equal(t, "k$ey$MCPTENANT_TEST_DIR", opts.Headers.Get("X-Key"))
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"no credentials":   "listen: :1\n",
		"both credentials": "credentials: {file: a, sqlite: b}\n",
		"bad level":        "log_level: loud\ncredentials: {file: a}\n",
		"bad format":       "log_format: xml\ncredentials: {file: a}\n",
		"bad duration":     "cache_ttl: soon\ncredentials: {file: a}\n",
		"negative":         "cache_ttl: -1s\ncredentials: {file: a}\n",
		"empty token":      "auth: {tokens: [{tenant: a}]}\ncredentials: {file: a}\n",
		"duplicate token":  "auth: {tokens: [{token: t, tenant: a}, {token: t, tenant: b}]}\ncredentials: {file: a}\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := Load(writeConfig(t, doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadAuthTokens(t *testing.T) {
	t.Setenv("MCPTENANT_TEST_ALICE_TOKEN", "al$ce")
	path := writeConfig(t, `
auth:
  tokens:
    - token: ${MCPTENANT_TEST_ALICE_TOKEN}
      tenant: alice
    - token: ops
      scopes: [mcpgateway:admin]
credentials:
  file: servers.yaml
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.True(t, cfg.Auth.Enabled())
	assert.Equal(t, []mcpgateway.StaticToken{
		{Token: "al$ce", Tenant: "alice"},
		{Token: "ops", Scopes: []string{"mcpgateway:admin"}},
	}, cfg.Auth.Tokens)
	assert.False(t, Default().Auth.Enabled())
}

func TestFindConfigExplicit(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "credentials: {file: a}\n")
	got, err := FindConfig(path)
	require.NoError(t, err)
	assert.Equal(t, path, got)

	_, err = FindConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParseLogLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{" TRACE ", LevelTrace},
		{"debug", slog.LevelDebug},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
	_, err := ParseLogLevel("verbose")
	assert.Error(t, err)
}

func TestNewLoggerNamesTraceLevel(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := NewLogger(&buf, LevelTrace, "json")
	logger.Log(context.Background(), LevelTrace, "wire")
	assert.Contains(t, buf.String(), `"level":"TRACE"`)

	buf.Reset()
	NewLogger(&buf, slog.LevelInfo, "text").Debug("hidden")
	assert.Empty(t, buf.String())
}

func TestLoadResolvesCredentialPathsAgainstConfigDir(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "credentials:\n  sqlite: data/servers.db\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "data", "servers.db"), cfg.Credentials.SQLite)
}
