package mcpmgr

import (
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// CachedTools is the last successful tool list of one server.
type CachedTools struct {
	Tools    []*mcp.Tool
	CachedAt time.Time
	TTL      time.Duration
}

func newCachedTools(tools []*mcp.Tool, now time.Time, ttl time.Duration) *CachedTools {
	return &CachedTools{
		Tools:    append([]*mcp.Tool(nil), tools...),
		CachedAt: now,
		TTL:      ttl,
	}
}

// Expired reports whether more than TTL has elapsed since CachedAt.
func (c *CachedTools) Expired(now time.Time) bool {
	return c == nil || now.Sub(c.CachedAt) > c.TTL
}

func (c *CachedTools) snapshot() []*mcp.Tool {
	if c == nil {
		return []*mcp.Tool{}
	}
	return append([]*mcp.Tool{}, c.Tools...)
}
