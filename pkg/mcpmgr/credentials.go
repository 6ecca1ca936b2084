package mcpmgr

import (
	"context"
	"sync"
)

// ServerCredential is one server entry a tenant owns in an external store.
type ServerCredential struct {
	Name  string `json:"name" yaml:"name"`
	URL   string `json:"url" yaml:"url"`
	Token string `json:"token,omitempty" yaml:"token,omitempty"`
}

// CredentialSource provides the servers registered for a tenant. The Manager
// reads it once per aggregate discovery call and never writes to it.
type CredentialSource interface {
	ServerCredentials(ctx context.Context, tenant string) ([]ServerCredential, error)
}

// StaticCredentials is an in-memory CredentialSource.
type StaticCredentials struct {
	mu      sync.RWMutex
	tenants map[string][]ServerCredential
}

// NewStaticCredentials copies tenants into a new source.
func NewStaticCredentials(tenants map[string][]ServerCredential) *StaticCredentials {
	s := &StaticCredentials{tenants: make(map[string][]ServerCredential, len(tenants))}
	for tenant, creds := range tenants {
		s.tenants[tenant] = append([]ServerCredential(nil), creds...)
	}
	return s
}

// Set replaces the servers of one tenant.
func (s *StaticCredentials) Set(tenant string, creds ...ServerCredential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tenants == nil {
		s.tenants = make(map[string][]ServerCredential)
	}
	s.tenants[tenant] = append([]ServerCredential(nil), creds...)
}

func (s *StaticCredentials) ServerCredentials(_ context.Context, tenant string) ([]ServerCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ServerCredential(nil), s.tenants[tenant]...), nil
}
