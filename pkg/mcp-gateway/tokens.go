package mcpgateway

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/modelcontextprotocol/go-sdk/auth"
)

// staticTokenLifetime is the expiration reported for static tokens. They are
// valid for as long as they stay configured.
const staticTokenLifetime = time.Hour

// StaticToken binds a bearer token to a tenant and optional scopes.
type StaticToken struct {
	Token  string   `yaml:"token"`
	Tenant string   `yaml:"tenant"`
	Scopes []string `yaml:"scopes"`
}

// StaticTokenVerifier accepts exactly the listed tokens. A verified token
// carries its tenant under DefaultTenantClaim.
func StaticTokenVerifier(tokens []StaticToken) (auth.TokenVerifier, error) {
	byToken := make(map[string]StaticToken, len(tokens))
	for i, t := range tokens {
		if t.Token == "" {
			return nil, fmt.Errorf("mcpgateway: token %d is empty", i)
		}
		if t.Tenant == "" && len(t.Scopes) == 0 {
			return nil, fmt.Errorf("mcpgateway: token %d grants neither a tenant nor a scope", i)
		}
		if _, dup := byToken[t.Token]; dup {
			return nil, fmt.Errorf("mcpgateway: token %d is listed twice", i)
		}
		byToken[t.Token] = t
	}
	return func(_ context.Context, token string, _ *http.Request) (*auth.TokenInfo, error) {
		t, ok := byToken[token]
		if !ok {
			return nil, auth.ErrInvalidToken
		}
		info := &auth.TokenInfo{
			Scopes:     slices.Clone(t.Scopes),
			Expiration: time.Now().Add(staticTokenLifetime),
		}
		if t.Tenant != "" {
			info.Extra = map[string]any{DefaultTenantClaim: t.Tenant}
		}
		return info, nil
	}, nil
}
