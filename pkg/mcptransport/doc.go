// Package mcptransport implements a client for one remote tool server that
// speaks JSON-RPC 2.0 over HTTP POST.
//
// # Handshake and endpoint discovery
//
// Connect sends initialize and tries the endpoint paths in DefaultEndpoints
// ("/mcp", "/", then the base URL itself). The first path that does not
// answer 404 is kept for the rest of the session. When every path answers
// 404 the exchange fails with local code CodeNoEndpoint; any other transport
// failure yields CodeTransportFailure. A server that does not complete the
// handshake is not treated as an error: the client switches to a
// SessionLegacy session that only supports Query via POST /query.
//
// # Failures as data
//
// Protocol and transport failures never cross the Client boundary as Go
// errors. CallTool reports them through mcp.CallToolResult.IsError, and
// ListTools wraps them in *ToolDiscoveryError for the caller to record. The
// only Go errors are local misuse: ErrNotConnected and ErrClosed.
//
// A Client keeps at most one request in flight and numbers requests with a
// monotonically increasing integer id.
package mcptransport
