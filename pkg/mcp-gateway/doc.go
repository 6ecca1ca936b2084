// Package mcpgateway serves every tenant's aggregated MCP tools over one
// Streamable HTTP endpoint. When a token verifier is configured the tenant
// is the one bound to the bearer token; otherwise it is taken from each new
// session's request. Tools are exposed under server-prefixed names, and calls
// are routed back through the mcpmgr.Manager that owns the upstream servers.
package mcpgateway
