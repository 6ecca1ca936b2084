package mcpmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/vikashloomba/mcp-tenant-manager-go/pkg/mcptransport"
)

// Manager is the multi-tenant registry of remote tool servers. It owns one
// transport client per (tenant, server) pair, caches each server's tool list
// for CacheTTL and absorbs every remote failure into ServerConnection fields
// or error-flagged tool results.
//
// Construct one Manager per process and pass it to whatever needs it.
type Manager struct {
	mu sync.RWMutex

	options ManagerOptions
	logger  *slog.Logger

	states  map[ServerKey]*serverState
	nextGen uint64

	refreshes singleflight.Group

	// serverRemovedHandlers are invoked after UnregisterServer.
	serverRemovedHandlers []func(ServerKey)

	healthMu     sync.Mutex
	healthCancel context.CancelFunc
	healthDone   chan struct{}
	// lastSweepEnd is when the latest health sweep finished. Guarded by mu.
	lastSweepEnd time.Time
}

type serverState struct {
	gen    uint64
	conn   ServerConnection
	cache  *CachedTools
	client *mcptransport.Client

	// inflight counts running refreshes. The reported status is
	// StatusConnecting while it is non-zero.
	inflight int
}

func (st *serverState) snapshot() ServerConnection {
	conn := st.conn.clone()
	if st.inflight > 0 {
		conn.Status = StatusConnecting
	}
	return conn
}

type cachePolicy int

const (
	// cacheReplace stores every successful listing.
	cacheReplace cachePolicy = iota
	// cacheFillStale stores a listing only when the cache is missing or
	// expired.
	cacheFillStale
)

// NewManager constructs a Manager. Callers can provide nil options to fall
// back to the defaults.
func NewManager(opts *ManagerOptions) *Manager {
	options := opts.normalized()
	return &Manager{
		options: options,
		logger:  options.Logger,
		states:  make(map[ServerKey]*serverState),
	}
}

// Options returns the effective configuration.
func (m *Manager) Options() ManagerOptions { return m.options }

func (m *Manager) now() time.Time { return m.options.Now() }

// RegisterServer stores a server for tenant, replacing and closing any
// previous registration under the same name, and performs one refresh so the
// returned snapshot carries a settled status. Failures are recorded on the
// snapshot, never returned.
func (m *Manager) RegisterServer(ctx context.Context, tenant, name, url, token string) ServerConnection {
	key := ServerKey{Tenant: tenant, Server: name}
	m.mu.Lock()
	previous := m.putLocked(key, url, token)
	m.mu.Unlock()
	closeClient(previous)
	m.logger.Info("server registered", "tenant", tenant, "server", name, "url", url)

	m.GetTools(ctx, tenant, name, true)
	conn, _ := m.GetServerStatus(tenant, name)
	return conn
}

// putLocked installs a fresh state for key and returns the client of the
// state it replaced, if any.
func (m *Manager) putLocked(key ServerKey, url, token string) *mcptransport.Client {
	var previous *mcptransport.Client
	if old, ok := m.states[key]; ok {
		previous = old.client
	}
	m.nextGen++
	m.states[key] = &serverState{
		gen: m.nextGen,
		conn: ServerConnection{
			Tenant: key.Tenant,
			Name:   key.Server,
			URL:    url,
			Token:  token,
			Status: StatusUnknown,
		},
	}
	return previous
}

func closeClient(c *mcptransport.Client) {
	if c != nil {
		_ = c.Close()
	}
}

// UnregisterServer removes a server and closes its client. It reports
// whether the server was registered.
func (m *Manager) UnregisterServer(tenant, name string) bool {
	key := ServerKey{Tenant: tenant, Server: name}
	m.mu.Lock()
	st, ok := m.states[key]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.states, key)
	client := st.client
	handlers := append([]func(ServerKey){}, m.serverRemovedHandlers...)
	m.mu.Unlock()

	closeClient(client)
	m.logger.Info("server unregistered", "tenant", tenant, "server", name)
	for _, h := range handlers {
		func(handler func(ServerKey)) {
			defer func() { _ = recover() }()
			handler(key)
		}(h)
	}
	return true
}

// OnServerRemoved registers a callback invoked after UnregisterServer deletes
// a server. Handlers run without the manager lock held.
func (m *Manager) OnServerRemoved(handler func(ServerKey)) {
	if handler == nil {
		return
	}
	m.mu.Lock()
	m.serverRemovedHandlers = append(m.serverRemovedHandlers, handler)
	m.mu.Unlock()
}

// GetTools returns the tools of one server. A cached list younger than
// CacheTTL is returned as is unless forceRefresh is set; otherwise the server
// is refreshed. On failure the previous cache (or an empty list) is returned
// and the failure is recorded on the server's status. Unknown servers yield
// an empty list.
func (m *Manager) GetTools(ctx context.Context, tenant, name string, forceRefresh bool) []*mcp.Tool {
	key := ServerKey{Tenant: tenant, Server: name}
	m.mu.RLock()
	st, ok := m.states[key]
	if !ok {
		m.mu.RUnlock()
		return []*mcp.Tool{}
	}
	if !forceRefresh && !st.cache.Expired(m.now()) {
		tools := st.cache.snapshot()
		m.mu.RUnlock()
		return tools
	}
	gen := st.gen
	m.mu.RUnlock()

	return m.sharedRefresh(ctx, key, gen, forceRefresh)
}

// sharedRefresh coalesces concurrent refreshes of the same registration. The
// shared call outlives any single caller's context but stays bounded by
// RequestTimeout per exchange.
func (m *Manager) sharedRefresh(ctx context.Context, key ServerKey, gen uint64, force bool) []*mcp.Tool {
	flightCtx := context.WithoutCancel(ctx)
	flight := key.flightKey(gen)
	if force {
		flight += "\x00force"
	}
	ch := m.refreshes.DoChan(flight, func() (any, error) {
		if !force {
			if tools, ok := m.freshCache(key, gen); ok {
				return tools, nil
			}
		}
		return m.refresh(flightCtx, key, gen, cacheReplace), nil
	})
	select {
	case res := <-ch:
		tools, _ := res.Val.([]*mcp.Tool)
		return append([]*mcp.Tool{}, tools...)
	case <-ctx.Done():
		return m.cachedTools(key)
	}
}

func (m *Manager) freshCache(key ServerKey, gen uint64) ([]*mcp.Tool, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[key]
	if !ok || st.gen != gen || st.cache.Expired(m.now()) {
		return nil, false
	}
	return st.cache.snapshot(), true
}

func (m *Manager) cachedTools(key ServerKey) []*mcp.Tool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if st, ok := m.states[key]; ok {
		return st.cache.snapshot()
	}
	return []*mcp.Tool{}
}

// refresh connects (or reuses) the client of one registration and lists its
// tools. It settles the status in StatusConnected or StatusError unless ctx
// was cancelled mid-flight, in which case the previous status stands.
func (m *Manager) refresh(ctx context.Context, key ServerKey, gen uint64, policy cachePolicy) []*mcp.Tool {
	m.mu.Lock()
	st, ok := m.states[key]
	if !ok || st.gen != gen {
		m.mu.Unlock()
		return []*mcp.Tool{}
	}
	st.inflight++
	client := m.clientLocked(key, st)
	m.mu.Unlock()

	var (
		listed  []*mcp.Tool
		err     error
		latency float64
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic during refresh: %v", r)
			}
		}()
		started := time.Now()
		listed, err = m.discover(ctx, client)
		latency = float64(time.Since(started).Microseconds()) / 1000
	}()

	now := m.now()
	m.mu.Lock()
	st.inflight--
	if err != nil && ctx.Err() != nil {
		tools := st.cache.snapshot()
		m.mu.Unlock()
		m.logger.Debug("refresh abandoned", "tenant", key.Tenant, "server", key.Server, "error", ctx.Err())
		return tools
	}
	st.conn.LastCheck = &now
	st.conn.Session = client.Kind().String()
	if err != nil {
		reason := failureReason(err)
		st.conn.Status = StatusError
		st.conn.LastError = reason
		tools := st.cache.snapshot()
		m.mu.Unlock()
		m.logger.Warn("tool discovery failed",
			"tenant", key.Tenant, "server", key.Server, "url", client.BaseURL(), "error", reason)
		return tools
	}
	st.conn.Status = StatusConnected
	st.conn.LastError = ""
	st.conn.ToolCount = len(listed)
	st.conn.LatencyMS = &latency
	if policy == cacheReplace || st.cache.Expired(now) {
		if st.cache == nil || !st.cache.CachedAt.After(now) {
			st.cache = newCachedTools(listed, now, m.options.CacheTTL)
		}
	}
	m.mu.Unlock()
	m.logger.Debug("tools refreshed",
		"tenant", key.Tenant, "server", key.Server, "tools", len(listed), "latency_ms", latency)
	return append([]*mcp.Tool{}, listed...)
}

func (m *Manager) discover(ctx context.Context, client *mcptransport.Client) ([]*mcp.Tool, error) {
	tools, err := m.discoverOnce(ctx, client)
	if err != nil && ctx.Err() == nil && client.Kind() == mcptransport.SessionNone {
		// The server dropped the session; handshake once more.
		return m.discoverOnce(ctx, client)
	}
	return tools, err
}

func (m *Manager) discoverOnce(ctx context.Context, client *mcptransport.Client) ([]*mcp.Tool, error) {
	connectCtx, cancel := m.withTimeout(ctx)
	err := client.Connect(connectCtx)
	cancel()
	if err != nil {
		return nil, err
	}
	listCtx, cancel := m.withTimeout(ctx)
	defer cancel()
	return client.ListTools(listCtx, true)
}

// failureReason extracts the message recorded as LastError.
func failureReason(err error) string {
	var discoveryErr *mcptransport.ToolDiscoveryError
	if errors.As(err, &discoveryErr) {
		return discoveryErr.Cause()
	}
	return err.Error()
}

// clientLocked returns the client of st, creating it on first use. m.mu must
// be held for writing.
func (m *Manager) clientLocked(key ServerKey, st *serverState) *mcptransport.Client {
	if st.client == nil {
		logger := m.logger.With("tenant", key.Tenant, "server", key.Server)
		st.client = mcptransport.New(st.conn.URL, st.conn.Token, m.options.transportOptions(key, logger))
	}
	return st.client
}

// GetAllToolsForUser returns the tools of every server the tenant owns, keyed
// by server name. When source is non-nil it is read once first and any new
// or moved servers are registered; a server already registered under the
// same URL is left untouched. All servers are then queried concurrently. A
// failing server contributes an empty list (or its previous cache) and never
// affects the others.
func (m *Manager) GetAllToolsForUser(ctx context.Context, source CredentialSource, tenant string, forceRefresh bool) map[string][]*mcp.Tool {
	if source != nil {
		if err := m.loadCredentials(ctx, source, tenant); err != nil {
			m.logger.Warn("credential source failed", "tenant", tenant, "error", err)
		}
	}

	keys := m.tenantKeys(tenant)
	results := make([][]*mcp.Tool, len(keys))
	var g errgroup.Group
	for i, key := range keys {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("tool discovery panicked", "tenant", key.Tenant, "server", key.Server, "panic", r)
				}
			}()
			results[i] = m.GetTools(ctx, key.Tenant, key.Server, forceRefresh)
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string][]*mcp.Tool, len(keys))
	for i, key := range keys {
		tools := results[i]
		if tools == nil {
			tools = []*mcp.Tool{}
		}
		out[key.Server] = tools
	}
	return out
}

// loadCredentials registers the tenant's servers from source without
// refreshing them. Servers whose URL is unchanged keep their state and
// client; a changed URL replaces the registration.
func (m *Manager) loadCredentials(ctx context.Context, source CredentialSource, tenant string) error {
	creds, err := source.ServerCredentials(ctx, tenant)
	if err != nil {
		return err
	}
	for _, cred := range creds {
		if cred.Name == "" || cred.URL == "" {
			m.logger.Warn("skipping incomplete server credential", "tenant", tenant, "server", cred.Name)
			continue
		}
		key := ServerKey{Tenant: tenant, Server: cred.Name}
		m.mu.Lock()
		if st, ok := m.states[key]; ok && st.conn.URL == cred.URL {
			m.mu.Unlock()
			continue
		}
		_, existed := m.states[key]
		previous := m.putLocked(key, cred.URL, cred.Token)
		m.mu.Unlock()
		closeClient(previous)
		if existed {
			m.logger.Info("server URL changed", "tenant", tenant, "server", cred.Name, "url", cred.URL)
		} else {
			m.logger.Info("server loaded from credential source", "tenant", tenant, "server", cred.Name, "url", cred.URL)
		}
	}
	return nil
}

func (m *Manager) tenantKeys(tenant string) []ServerKey {
	m.mu.RLock()
	keys := make([]ServerKey, 0)
	for key := range m.states {
		if key.Tenant == tenant {
			keys = append(keys, key)
		}
	}
	m.mu.RUnlock()
	sort.Slice(keys, func(i, j int) bool { return keys[i].Server < keys[j].Server })
	return keys
}

// CallToolOn invokes a tool on one server, connecting its client first if
// needed. Every failure, including an unknown server, comes back as an
// error-flagged result.
func (m *Manager) CallToolOn(ctx context.Context, tenant, server, toolName string, arguments any) *mcp.CallToolResult {
	key := ServerKey{Tenant: tenant, Server: server}
	m.mu.Lock()
	st, ok := m.states[key]
	if !ok {
		m.mu.Unlock()
		return mcptransport.ErrorResult(fmt.Sprintf("server not found: %q for tenant %q", server, tenant))
	}
	client := m.clientLocked(key, st)
	m.mu.Unlock()

	res, err := m.callOnce(ctx, client, toolName, arguments)
	if errors.Is(err, mcptransport.ErrSessionExpired) {
		m.logger.Debug("session expired, retrying tool call", "tenant", tenant, "server", server, "tool", toolName)
		res, err = m.callOnce(ctx, client, toolName, arguments)
	}
	if err != nil {
		return mcptransport.ErrorResult(fmt.Sprintf("call %s on %s: %v", toolName, key, err))
	}
	if res.IsError {
		m.logger.Debug("tool call returned an error", "tenant", tenant, "server", server, "tool", toolName)
	}
	return res
}

func (m *Manager) callOnce(ctx context.Context, client *mcptransport.Client, toolName string, arguments any) (*mcp.CallToolResult, error) {
	connectCtx, cancel := m.withTimeout(ctx)
	err := client.Connect(connectCtx)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	callCtx, cancel := m.withTimeout(ctx)
	defer cancel()
	return client.CallTool(callCtx, toolName, arguments)
}

// InvalidateCache drops cached tool lists. An empty tenant matches every
// tenant and an empty server matches every server, so ("", "") clears all
// caches. Connections and statuses are left alone. It returns the number of
// caches cleared.
func (m *Manager) InvalidateCache(tenant, server string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	cleared := 0
	for key, st := range m.states {
		if tenant != "" && key.Tenant != tenant {
			continue
		}
		if server != "" && key.Server != server {
			continue
		}
		if st.cache != nil {
			st.cache = nil
			cleared++
		}
	}
	return cleared
}

// GetServerStatus returns a snapshot of one server.
func (m *Manager) GetServerStatus(tenant, name string) (ServerConnection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.states[ServerKey{Tenant: tenant, Server: name}]
	if !ok {
		return ServerConnection{}, false
	}
	return st.snapshot(), true
}

// ListServers returns snapshots of the tenant's servers sorted by name.
func (m *Manager) ListServers(tenant string) []ServerConnection {
	m.mu.RLock()
	out := make([]ServerConnection, 0)
	for key, st := range m.states {
		if key.Tenant == tenant {
			out = append(out, st.snapshot())
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Tenants returns the tenants that own at least one server.
func (m *Manager) Tenants() []string {
	m.mu.RLock()
	seen := make(map[string]struct{})
	for key := range m.states {
		seen[key.Tenant] = struct{}{}
	}
	m.mu.RUnlock()
	tenants := make([]string, 0, len(seen))
	for t := range seen {
		tenants = append(tenants, t)
	}
	sort.Strings(tenants)
	return tenants
}

// GetStats aggregates registry counters.
func (m *Manager) GetStats() Stats {
	stats := Stats{
		CacheTTL:       m.options.CacheTTL,
		HealthInterval: m.options.HealthInterval,
		HealthRunning:  m.HealthChecksRunning(),
	}
	tenants := make(map[string]struct{})
	m.mu.RLock()
	defer m.mu.RUnlock()
	for key, st := range m.states {
		tenants[key.Tenant] = struct{}{}
		stats.Servers++
		switch st.snapshot().Status {
		case StatusConnected:
			stats.Connected++
		case StatusError:
			stats.Errored++
		}
		if st.cache != nil {
			stats.CachedServers++
			stats.TotalTools += len(st.cache.Tools)
		}
		if st.client != nil {
			stats.NotificationFailures += st.client.NotificationFailures()
		}
	}
	stats.Tenants = len(tenants)
	return stats
}

// Close stops the health loop and closes every client. Registrations are
// kept; later calls reopen clients on demand.
func (m *Manager) Close(ctx context.Context) error {
	err := m.stopHealth(ctx)
	m.mu.Lock()
	var clients []*mcptransport.Client
	for _, st := range m.states {
		if st.client != nil {
			clients = append(clients, st.client)
			st.client = nil
		}
	}
	m.mu.Unlock()
	for _, c := range clients {
		closeClient(c)
	}
	return err
}

func (m *Manager) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.options.RequestTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, m.options.RequestTimeout)
}
