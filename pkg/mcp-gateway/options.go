package mcpgateway

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/auth"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	// DefaultTenantHeader carries the tenant of a downstream session.
	DefaultTenantHeader = "X-Tenant-ID"
	// DefaultTenantClaim is the auth.TokenInfo.Extra key naming the tenant a
	// bearer token is bound to.
	DefaultTenantClaim = "tenant"
	// DefaultAdminScope lets a token read the gateway-wide status and the
	// status of any tenant.
	DefaultAdminScope = "mcpgateway:admin"
)

// TenantResolver extracts the tenant from a downstream request. An empty
// result rejects the request.
type TenantResolver func(*http.Request) string

// HeaderTenant resolves the tenant from the named request header.
func HeaderTenant(name string) TenantResolver {
	return func(r *http.Request) string {
		return r.Header.Get(name)
	}
}

// TokenTenant returns the tenant a verified token is bound to, or "" when the
// token carries none.
type TokenTenant func(*auth.TokenInfo) string

// ClaimTenant reads the tenant from the string stored under key in
// TokenInfo.Extra.
func ClaimTenant(key string) TokenTenant {
	return func(info *auth.TokenInfo) string {
		if info == nil {
			return ""
		}
		tenant, _ := info.Extra[key].(string)
		return tenant
	}
}

// Options configure a Gateway instance.
type Options struct {
	// Implementation identifies the gateway's MCP server implementation metadata.
	Implementation *mcp.Implementation
	// Addr controls the listen address used by ListenAndServe. Defaults to ":8700".
	Addr string
	// Path mounts the Streamable handler. Defaults to "/mcp".
	Path string
	// StatusPath mounts the JSON operator endpoints. Defaults to "/status".
	StatusPath string
	// DisableStatus removes the operator endpoints.
	DisableStatus bool
	// Namespace customizes how upstream tool names are exposed. Defaults to
	// ServerPrefixNamespace.
	Namespace NamespaceStrategy
	// TenantResolver defaults to HeaderTenant(DefaultTenantHeader).
	TenantResolver TenantResolver
	// AllowedOrigins enables CORS for the listed origins. Cross-origin
	// requests are not answered when empty.
	AllowedOrigins []string
	// Streamable tweaks the Streamable HTTP handler behavior passed to
	// mcp.NewStreamableHTTPHandler.
	Streamable mcp.StreamableHTTPOptions
	// TokenVerifier, when set, requires a bearer token on every endpoint and
	// binds each request to the tenant of its token. A tenant header that
	// names another tenant is rejected with 403.
	TokenVerifier auth.TokenVerifier
	TokenOptions  *auth.RequireBearerTokenOptions
	// TokenTenant defaults to ClaimTenant(DefaultTenantClaim).
	TokenTenant TokenTenant
	// AdminScope defaults to DefaultAdminScope.
	AdminScope string
	// Logger receives structured diagnostics.
	Logger *slog.Logger
	// SyncTimeout bounds one tenant synchronization.
	SyncTimeout time.Duration
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.Implementation == nil {
		opts.Implementation = &mcp.Implementation{
			Name:    "mcptenant-gateway",
			Title:   "MCP Tenant Gateway",
			Version: "1.0.0",
		}
	} else {
		impl := *opts.Implementation
		opts.Implementation = &impl
	}
	if opts.Addr == "" {
		opts.Addr = ":8700"
	}
	if opts.Path == "" {
		opts.Path = "/mcp"
	}
	if opts.StatusPath == "" {
		opts.StatusPath = "/status"
	}
	if opts.Namespace == nil {
		opts.Namespace = ServerPrefixNamespace{}
	}
	if opts.TenantResolver == nil {
		opts.TenantResolver = HeaderTenant(DefaultTenantHeader)
	}
	if opts.TokenTenant == nil {
		opts.TokenTenant = ClaimTenant(DefaultTenantClaim)
	}
	if opts.AdminScope == "" {
		opts.AdminScope = DefaultAdminScope
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.SyncTimeout <= 0 {
		opts.SyncTimeout = 30 * time.Second
	}
	return opts
}
