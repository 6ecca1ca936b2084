package mcptransport

// SessionKind is the protocol variant negotiated by Connect. It is chosen
// once per handshake attempt and every operation switches on it.
type SessionKind int

const (
	// SessionNone means Connect has not been called yet.
	SessionNone SessionKind = iota
	// SessionMCP is a JSON-RPC session established through initialize.
	SessionMCP
	// SessionLegacy is the plain POST /query fallback used when the server
	// did not complete the handshake.
	SessionLegacy
)

func (k SessionKind) String() string {
	switch k {
	case SessionMCP:
		return "mcp"
	case SessionLegacy:
		return "legacy"
	default:
		return "none"
	}
}
