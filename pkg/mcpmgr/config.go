package mcpmgr

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/vikashloomba/mcp-tenant-manager-go/pkg/mcptransport"
)

const (
	DefaultCacheTTL          = 5 * time.Minute
	DefaultRequestTimeout    = 30 * time.Second
	DefaultHealthInterval    = 60 * time.Second
	DefaultHealthConcurrency = 16
)

// RPCLogger is invoked for each JSON-RPC message exchanged with a managed
// server when set on ManagerOptions.
type RPCLogger func(ServerKey, mcptransport.RPCLogEvent)

// ManagerOptions configures a Manager instance.
type ManagerOptions struct {
	// ClientName and ClientVersion are advertised to servers during
	// initialize.
	ClientName    string
	ClientVersion string
	// CacheTTL bounds how long a server's tool list is served from cache.
	CacheTTL time.Duration
	// RequestTimeout bounds each exchange with a remote server.
	RequestTimeout time.Duration
	// HealthInterval is the tick of the background health loop. Servers
	// checked more recently than this are skipped by a sweep.
	HealthInterval time.Duration
	// HealthConcurrency caps concurrent probes per sweep. Zero selects
	// DefaultHealthConcurrency; a negative value removes the cap.
	HealthConcurrency int
	// HTTPClient is the base client for every transport. Each transport
	// clones it.
	HTTPClient *http.Client
	// Headers are added to every outbound request.
	Headers http.Header
	// Endpoints overrides mcptransport.DefaultEndpoints.
	Endpoints []string
	// Logger receives structured diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
	// RPCLogger observes raw JSON-RPC traffic for every server.
	RPCLogger RPCLogger
	// Now is the clock used for cache ages and last-check timestamps.
	Now func() time.Time
}

func (o *ManagerOptions) normalized() ManagerOptions {
	if o == nil {
		o = &ManagerOptions{}
	}
	opts := *o
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = DefaultHealthInterval
	}
	if opts.HealthConcurrency == 0 {
		opts.HealthConcurrency = DefaultHealthConcurrency
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return opts
}

func (o ManagerOptions) transportOptions(key ServerKey, logger *slog.Logger) *mcptransport.Options {
	opts := &mcptransport.Options{
		ClientName:    o.ClientName,
		ClientVersion: o.ClientVersion,
		Endpoints:     o.Endpoints,
		HTTPClient:    o.HTTPClient,
		Timeout:       o.RequestTimeout,
		Headers:       o.Headers,
		Logger:        logger,
	}
	if o.RPCLogger != nil {
		hook := o.RPCLogger
		opts.RPCLogger = func(ev mcptransport.RPCLogEvent) { hook(key, ev) }
	}
	return opts
}
