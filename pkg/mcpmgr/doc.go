// Package mcpmgr keeps a multi-tenant registry of remote tool servers and
// their discovered tools from a single Go process.
//
// # Core entry points
//
//   - Manager is the long-lived registry. Construct it once with NewManager
//     and share it; RegisterServer / UnregisterServer manage entries keyed by
//     ServerKey (tenant, server name).
//   - GetTools serves a server's tool list from a TTL cache and refreshes it
//     on expiry or on demand. GetAllToolsForUser reads a CredentialSource,
//     registers what is new and queries every server of the tenant
//     concurrently.
//   - CallToolOn forwards a tool invocation to one server.
//   - StartHealthChecks runs a background sweep that re-probes servers whose
//     last check is older than HealthInterval.
//
// Remote failures never escape as Go errors. Discovery failures are
// recorded on the server's ServerConnection (Status, LastError) and the
// caller receives the previous cache or an empty list; tool failures come
// back as mcp.CallToolResult values with IsError set. Use GetServerStatus,
// ListServers and GetStats to inspect what went wrong.
package mcpmgr
