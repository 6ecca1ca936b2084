package mcpgateway

// NamespaceStrategy maps upstream tool names to the names a tenant sees.
// Implementations must be deterministic and collision-free for a given
// server/tool pair. Calls are routed by the exposed name, so the mapping
// never has to be reversed.
type NamespaceStrategy interface {
	ToolName(server, tool string) string
}

// ServerPrefixNamespace prefixes every tool with its server name, separated
// by Separator ("__" when empty).
type ServerPrefixNamespace struct {
	Separator string
}

func (s ServerPrefixNamespace) separator() string {
	if s.Separator == "" {
		return "__"
	}
	return s.Separator
}

func (s ServerPrefixNamespace) ToolName(server, tool string) string {
	return server + s.separator() + tool
}
