package mcpgateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/auth"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/cors"

	"github.com/vikashloomba/mcp-tenant-manager-go/pkg/mcpmgr"
	"github.com/vikashloomba/mcp-tenant-manager-go/pkg/mcptransport"
)

var (
	// ErrMissingTenant is returned when a tenant cannot be determined.
	ErrMissingTenant = errors.New("mcpgateway: missing tenant")
	// ErrUnknownTenant is returned for a tenant that owns no servers.
	ErrUnknownTenant = errors.New("mcpgateway: unknown tenant")
)

type tenantContextKey struct{}

// Gateway exposes a Streamable MCP endpoint that fronts the servers of every
// tenant managed by an mcpmgr.Manager. Each tenant gets its own mcp.Server,
// built on first use and resynchronized whenever a new session opens.
type Gateway struct {
	manager *mcpmgr.Manager
	source  mcpmgr.CredentialSource
	opts    Options

	streamHandler *mcp.StreamableHTTPHandler
	mux           *http.ServeMux
	httpHandler   http.Handler

	tenantsMu sync.Mutex
	tenants   map[string]*tenantServer

	httpServerMu sync.Mutex
	httpServer   *http.Server
}

type tenantServer struct {
	server *mcp.Server
	index  *toolIndex
	syncMu sync.Mutex
}

// NewGateway builds a Gateway over mgr. source may be nil, in which case only
// servers already registered with mgr are exposed.
func NewGateway(mgr *mcpmgr.Manager, source mcpmgr.CredentialSource, opts *Options) (*Gateway, error) {
	if mgr == nil {
		return nil, fmt.Errorf("mcpgateway: manager is required")
	}
	options := opts.withDefaults()
	if options.TokenOptions != nil && options.TokenVerifier == nil {
		return nil, fmt.Errorf("mcpgateway: TokenOptions require a TokenVerifier")
	}
	if !strings.HasPrefix(options.Path, "/") {
		options.Path = "/" + options.Path
	}
	if !strings.HasPrefix(options.StatusPath, "/") {
		options.StatusPath = "/" + options.StatusPath
	}
	g := &Gateway{
		manager: mgr,
		source:  source,
		opts:    options,
		tenants: make(map[string]*tenantServer),
	}
	g.streamHandler = mcp.NewStreamableHTTPHandler(g.serverFor, &options.Streamable)
	g.mux = g.mountHandler()
	g.httpHandler = g.mux
	if len(options.AllowedOrigins) > 0 {
		g.httpHandler = cors.New(cors.Options{
			AllowedOrigins: options.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
			AllowedHeaders: []string{"*"},
			ExposedHeaders: []string{"Mcp-Session-Id"},
		}).Handler(g.mux)
	}

	mgr.OnServerRemoved(g.forgetServer)
	return g, nil
}

// Handler exposes the HTTP handler serving the MCP and operator endpoints.
func (g *Gateway) Handler() http.Handler {
	return g.httpHandler
}

// ServeMux returns the mux behind Handler so callers can add routes.
func (g *Gateway) ServeMux() *http.ServeMux {
	return g.mux
}

// Options returns the effective options.
func (g *Gateway) Options() Options {
	return g.opts
}

// ListenAndServe runs an HTTP server until the provided context is cancelled or
// the server stops.
func (g *Gateway) ListenAndServe(ctx context.Context) error {
	g.httpServerMu.Lock()
	if g.httpServer != nil {
		serv := g.httpServer
		g.httpServerMu.Unlock()
		return fmt.Errorf("mcpgateway: server already running on %s", serv.Addr)
	}
	srv := &http.Server{Addr: g.opts.Addr, Handler: g.Handler()}
	g.httpServer = srv
	g.httpServerMu.Unlock()
	defer func() {
		g.httpServerMu.Lock()
		if g.httpServer == srv {
			g.httpServer = nil
		}
		g.httpServerMu.Unlock()
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), g.opts.SyncTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Shutdown stops the embedded HTTP server if it is running.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.httpServerMu.Lock()
	srv := g.httpServer
	g.httpServer = nil
	g.httpServerMu.Unlock()
	if srv == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return srv.Shutdown(ctx)
}

// SyncTenant reloads the tenant's servers through the manager and updates the
// tools its downstream sessions see. Upstream failures only shrink the
// exposed set; they are reported through the manager's server status. A
// tenant that owns no servers yields ErrUnknownTenant.
func (g *Gateway) SyncTenant(ctx context.Context, tenant string) error {
	if tenant == "" {
		return ErrMissingTenant
	}
	ctx, cancel := g.syncContext(ctx)
	defer cancel()
	if !g.tenantKnown(ctx, tenant) {
		return fmt.Errorf("%w: %q", ErrUnknownTenant, tenant)
	}

	byServer := g.manager.GetAllToolsForUser(ctx, g.source, tenant, false)

	ts := g.tenantServer(tenant)
	ts.syncMu.Lock()
	defer ts.syncMu.Unlock()
	removed, added := ts.index.Replace(byServer)
	if len(removed) > 0 {
		ts.server.RemoveTools(removed...)
	}
	for _, reg := range added {
		ts.server.AddTool(reg.Tool, g.makeToolHandler(tenant, ts.index))
	}
	g.opts.Logger.Debug("tenant synchronized", "tenant", tenant, "tools", ts.index.Len(), "removed", len(removed))
	return ctx.Err()
}

// SyncAll resynchronizes every tenant that has a server or an open session.
func (g *Gateway) SyncAll(ctx context.Context) error {
	var errs []error
	for _, tenant := range g.knownTenants() {
		if err := g.SyncTenant(ctx, tenant); err != nil {
			g.logError("sync tenant", err, "tenant", tenant)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (g *Gateway) knownTenants() []string {
	seen := make(map[string]struct{})
	for _, tenant := range g.manager.Tenants() {
		seen[tenant] = struct{}{}
	}
	g.tenantsMu.Lock()
	for tenant := range g.tenants {
		seen[tenant] = struct{}{}
	}
	g.tenantsMu.Unlock()
	out := make([]string, 0, len(seen))
	for tenant := range seen {
		out = append(out, tenant)
	}
	sort.Strings(out)
	return out
}

// tenantKnown reports whether tenant already has a server here, owns servers
// in the manager, or is listed by the credential source.
func (g *Gateway) tenantKnown(ctx context.Context, tenant string) bool {
	g.tenantsMu.Lock()
	_, ok := g.tenants[tenant]
	g.tenantsMu.Unlock()
	if ok || len(g.manager.ListServers(tenant)) > 0 {
		return true
	}
	if g.source == nil {
		return false
	}
	creds, err := g.source.ServerCredentials(ctx, tenant)
	if err != nil {
		g.logError("look up tenant", err, "tenant", tenant)
		return false
	}
	return len(creds) > 0
}

func (g *Gateway) tenantServer(tenant string) *tenantServer {
	g.tenantsMu.Lock()
	defer g.tenantsMu.Unlock()
	if ts, ok := g.tenants[tenant]; ok {
		return ts
	}
	ts := &tenantServer{
		server: mcp.NewServer(g.opts.Implementation, &mcp.ServerOptions{HasTools: true}),
		index:  newToolIndex(g.opts.Namespace, tenant),
	}
	g.tenants[tenant] = ts
	return ts
}

// serverFor is consulted by the Streamable handler for every new session. A
// nil server makes the handler reject the session.
func (g *Gateway) serverFor(r *http.Request) *mcp.Server {
	tenant, _ := r.Context().Value(tenantContextKey{}).(string)
	if tenant == "" {
		return nil
	}
	if err := g.SyncTenant(r.Context(), tenant); err != nil {
		if errors.Is(err, ErrUnknownTenant) {
			g.opts.Logger.Info("rejecting session for unknown tenant", "tenant", tenant)
			return nil
		}
		g.logError("sync tenant for new session", err, "tenant", tenant)
	}
	return g.tenantServer(tenant).server
}

func (g *Gateway) forgetServer(key mcpmgr.ServerKey) {
	g.tenantsMu.Lock()
	ts, ok := g.tenants[key.Tenant]
	g.tenantsMu.Unlock()
	if !ok {
		return
	}
	ts.syncMu.Lock()
	defer ts.syncMu.Unlock()
	if names := ts.index.RemoveServer(key.Server); len(names) > 0 {
		ts.server.RemoveTools(names...)
	}
}

// makeToolHandler routes a call through the tenant's index, so a tool that
// moved or vanished since registration is resolved at call time.
func (g *Gateway) makeToolHandler(tenant string, index *toolIndex) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if req == nil || req.Params == nil {
			return mcptransport.ErrorResult("missing tool call parameters"), nil
		}
		target, ok := index.ToolTarget(req.Params.Name)
		if !ok {
			return mcptransport.ErrorResult(fmt.Sprintf("tool %q is no longer available", req.Params.Name)), nil
		}
		var args any
		if len(req.Params.Arguments) > 0 {
			args = req.Params.Arguments
		}
		return g.manager.CallToolOn(ctx, tenant, target.Server, target.NativeName, args), nil
	}
}

func (g *Gateway) mountHandler() *http.ServeMux {
	mux := http.NewServeMux()
	mcpHandler := g.authenticate(g.requireTenant(g.streamHandler))
	mux.Handle(g.opts.Path, mcpHandler)
	if !strings.HasSuffix(g.opts.Path, "/") {
		mux.Handle(g.opts.Path+"/", mcpHandler)
	}
	if !g.opts.DisableStatus {
		base := strings.TrimSuffix(g.opts.StatusPath, "/")
		mux.Handle("GET "+base, g.authenticate(http.HandlerFunc(g.handleStats)))
		mux.Handle("GET "+base+"/{tenant}", g.authenticate(http.HandlerFunc(g.handleTenantStatus)))
	}
	return mux
}

// authenticate requires a verified bearer token when a verifier is set.
func (g *Gateway) authenticate(next http.Handler) http.Handler {
	if g.opts.TokenVerifier == nil {
		return next
	}
	return auth.RequireBearerToken(g.opts.TokenVerifier, g.opts.TokenOptions)(next)
}

// requireTenant resolves the request's tenant and stores it in the context
// for serverFor.
func (g *Gateway) requireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant, status, err := g.resolveTenant(r)
		if err != nil {
			http.Error(w, err.Error(), status)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), tenantContextKey{}, tenant)))
	})
}

// resolveTenant takes the tenant from the resolver, or from the token once a
// verifier is set. With a token the resolver may only repeat the token's
// tenant.
func (g *Gateway) resolveTenant(r *http.Request) (string, int, error) {
	requested := g.opts.TenantResolver(r)
	if g.opts.TokenVerifier == nil {
		if requested == "" {
			return "", http.StatusBadRequest, ErrMissingTenant
		}
		return requested, 0, nil
	}
	bound := g.opts.TokenTenant(auth.TokenInfoFromContext(r.Context()))
	switch {
	case bound == "":
		return "", http.StatusForbidden, errors.New("mcpgateway: token is not bound to a tenant")
	case requested != "" && requested != bound:
		return "", http.StatusForbidden, fmt.Errorf("mcpgateway: token does not grant tenant %q", requested)
	}
	return bound, 0, nil
}

// canReadStatus reports whether the request may read tenant's status. An
// empty tenant stands for the gateway-wide stats, which need the admin scope.
func (g *Gateway) canReadStatus(r *http.Request, tenant string) bool {
	if g.opts.TokenVerifier == nil {
		return true
	}
	info := auth.TokenInfoFromContext(r.Context())
	if info == nil {
		return false
	}
	if slices.Contains(info.Scopes, g.opts.AdminScope) {
		return true
	}
	return tenant != "" && g.opts.TokenTenant(info) == tenant
}

func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	if !g.canReadStatus(r, "") {
		http.Error(w, "mcpgateway: status requires the "+g.opts.AdminScope+" scope", http.StatusForbidden)
		return
	}
	writeJSON(w, g.manager.GetStats())
}

func (g *Gateway) handleTenantStatus(w http.ResponseWriter, r *http.Request) {
	tenant := r.PathValue("tenant")
	if !g.canReadStatus(r, tenant) {
		http.Error(w, fmt.Sprintf("mcpgateway: token does not grant tenant %q", tenant), http.StatusForbidden)
		return
	}
	writeJSON(w, struct {
		Tenant  string                    `json:"tenant"`
		Servers []mcpmgr.ServerConnection `json:"servers"`
	}{Tenant: tenant, Servers: g.manager.ListServers(tenant)})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func (g *Gateway) syncContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	if g.opts.SyncTimeout <= 0 {
		return parent, func() {}
	}
	return context.WithTimeout(parent, g.opts.SyncTimeout)
}

func (g *Gateway) logError(msg string, err error, args ...any) {
	if err == nil {
		return
	}
	attrs := append([]any{"error", err}, args...)
	g.opts.Logger.Error(msg, attrs...)
}
