package mcpmgr

import (
	"fmt"
	"time"
)

// ServerStatus is the lifecycle state of a registered server.
//
// A server starts in StatusUnknown. Every refresh or health probe moves it
// through StatusConnecting and settles it in StatusConnected or StatusError.
// Nothing else changes it, so a connected server stays connected until a
// probe actually fails.
type ServerStatus string

const (
	StatusUnknown    ServerStatus = "unknown"
	StatusConnecting ServerStatus = "connecting"
	StatusConnected  ServerStatus = "connected"
	StatusError      ServerStatus = "error"
)

// ServerConnection is a snapshot of a registered server. Values returned by
// the Manager are copies; mutating them has no effect on the registry.
type ServerConnection struct {
	Tenant    string       `json:"tenant"`
	Name      string       `json:"name"`
	URL       string       `json:"url"`
	Token     string       `json:"-"`
	Status    ServerStatus `json:"status"`
	Session   string       `json:"session,omitempty"`
	LastCheck *time.Time   `json:"last_check,omitempty"`
	LastError string       `json:"last_error,omitempty"`
	ToolCount int          `json:"tool_count"`
	LatencyMS *float64     `json:"latency_ms,omitempty"`
}

func (c ServerConnection) String() string {
	token := ""
	if c.Token != "" {
		token = "[redacted]"
	}
	return fmt.Sprintf("%s/%s url=%s token=%s status=%s", c.Tenant, c.Name, c.URL, token, c.Status)
}

func (c ServerConnection) clone() ServerConnection {
	out := c
	if c.LastCheck != nil {
		t := *c.LastCheck
		out.LastCheck = &t
	}
	if c.LatencyMS != nil {
		v := *c.LatencyMS
		out.LatencyMS = &v
	}
	return out
}

// Stats aggregates registry counters for operators.
type Stats struct {
	Tenants              int           `json:"tenants"`
	Servers              int           `json:"servers"`
	Connected            int           `json:"connected"`
	Errored              int           `json:"errored"`
	CachedServers        int           `json:"cached_servers"`
	TotalTools           int           `json:"total_tools"`
	CacheTTL             time.Duration `json:"cache_ttl"`
	HealthInterval       time.Duration `json:"health_interval"`
	HealthRunning        bool          `json:"health_running"`
	NotificationFailures int64         `json:"notification_failures"`
}
