package mcptransport

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// RPCDirection represents the direction of an observed JSON-RPC message.
type RPCDirection string

const (
	RPCDirectionSend    RPCDirection = "send"
	RPCDirectionReceive RPCDirection = "receive"
)

// RPCLogEvent encapsulates JSON-RPC traffic for custom logging.
type RPCLogEvent struct {
	Direction RPCDirection
	Message   []byte
	// ServerID is the base URL of the remote server.
	ServerID string
	// ClientID identifies the Client instance that produced the event.
	ClientID string
	Endpoint string
}

// RPCLogger is invoked for each JSON-RPC message when logging is enabled.
type RPCLogger func(RPCLogEvent)

// HTTPAuthProvider dynamically supplies an Authorization header (for example,
// "Bearer <token>") for outbound HTTP requests.
type HTTPAuthProvider func(context.Context) (string, error)

// DefaultEndpoints is the order in which endpoint paths are tried against a
// server's base URL. The empty string addresses the base URL itself.
var DefaultEndpoints = []string{"/mcp", "/", ""}

// DefaultProtocolVersion is advertised during initialize.
const DefaultProtocolVersion = "2024-11-05"

// Options configures a Client.
type Options struct {
	// ClientName and ClientVersion populate clientInfo during initialize.
	ClientName    string
	ClientVersion string
	// ProtocolVersion overrides DefaultProtocolVersion.
	ProtocolVersion string
	// Capabilities are advertised inside clientInfo.
	Capabilities map[string]any
	// Endpoints overrides DefaultEndpoints.
	Endpoints []string
	// HTTPClient is cloned and decorated with auth and session headers.
	HTTPClient *http.Client
	// Timeout bounds every HTTP exchange when HTTPClient has no timeout of
	// its own. Defaults to 30s.
	Timeout time.Duration
	// Headers are sent with every request.
	Headers http.Header
	// AuthProvider takes precedence over the static token passed to New.
	AuthProvider HTTPAuthProvider
	// Logger receives structured diagnostics.
	Logger *slog.Logger
	// RPCLogger observes raw JSON-RPC traffic.
	RPCLogger RPCLogger
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.ClientName == "" {
		opts.ClientName = "mcp-tenant-manager"
	}
	if opts.ClientVersion == "" {
		opts.ClientVersion = "1.0.0"
	}
	if opts.ProtocolVersion == "" {
		opts.ProtocolVersion = DefaultProtocolVersion
	}
	if opts.Capabilities == nil {
		opts.Capabilities = map[string]any{}
	}
	if len(opts.Endpoints) == 0 {
		opts.Endpoints = append([]string(nil), DefaultEndpoints...)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return opts
}
