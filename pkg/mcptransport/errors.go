package mcptransport

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned when an operation needs a session but
	// Connect was never called.
	ErrNotConnected = errors.New("mcptransport: client not connected")
	// ErrClosed is returned by any operation on a closed client.
	ErrClosed = errors.New("mcptransport: client closed")
	// ErrLegacySession marks operations the legacy /query contract cannot
	// serve, such as tool discovery.
	ErrLegacySession = errors.New("mcptransport: server does not speak the tool protocol")
	// ErrSessionExpired is returned by CallTool when the server no longer
	// knows the session id. The call was not executed and the client must
	// Connect again.
	ErrSessionExpired = errors.New("mcptransport: session expired")
)

// ToolDiscoveryError reports a failed tools/list exchange. Err is either an
// *RPCError returned by the server (or produced locally by the transport),
// a decode failure, or ErrLegacySession.
type ToolDiscoveryError struct {
	URL string
	Err error
}

func (e *ToolDiscoveryError) Error() string {
	return fmt.Sprintf("mcptransport: tool discovery on %s failed: %v", e.URL, e.Err)
}

func (e *ToolDiscoveryError) Unwrap() error { return e.Err }

// Cause returns the innermost human-readable message: the RPC error message
// when the server sent one, the wrapped error text otherwise.
func (e *ToolDiscoveryError) Cause() string {
	var rpcErr *RPCError
	if errors.As(e.Err, &rpcErr) {
		return rpcErr.Message
	}
	if e.Err == nil {
		return ""
	}
	return e.Err.Error()
}
