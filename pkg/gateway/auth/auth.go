// Package auth resolves bearer tokens to user principals. The same
// authenticator serves HTTP middleware and the WebSocket authenticate
// event.
package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/lingolive/gateway/pkg/core"
)

// Principal is the authenticated caller identity.
type Principal struct {
	UserID string
	Token  string
}

type ctxKey struct{}

func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(*Principal)
	return p, ok && p != nil
}

// Authenticator validates a token and resolves the user behind it.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (Principal, error)
}

// StaticAuthenticator authenticates against a fixed token-to-user map.
type StaticAuthenticator struct {
	tokens map[string]string
}

var _ Authenticator = (*StaticAuthenticator)(nil)

// NewStaticAuthenticator copies the given token-to-user map.
func NewStaticAuthenticator(tokens map[string]string) *StaticAuthenticator {
	m := make(map[string]string, len(tokens))
	for token, userID := range tokens {
		m[token] = userID
	}
	return &StaticAuthenticator{tokens: m}
}

func (a *StaticAuthenticator) Authenticate(_ context.Context, token string) (Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Principal{}, core.NewAuthError("missing token")
	}
	userID, ok := a.tokens[token]
	if !ok {
		return Principal{}, core.NewAuthError("invalid token")
	}
	return Principal{UserID: userID, Token: token}, nil
}

// PassthroughAuthenticator accepts any non-empty token and uses it as
// the user id. For auth-disabled deployments only.
type PassthroughAuthenticator struct{}

var _ Authenticator = PassthroughAuthenticator{}

func (PassthroughAuthenticator) Authenticate(_ context.Context, token string) (Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Principal{}, core.NewAuthError("missing token")
	}
	return Principal{UserID: token, Token: token}, nil
}

// ParseBearer extracts the bearer token from the Authorization header.
func ParseBearer(r *http.Request) (string, bool) {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if authz == "" {
		return "", false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	if token == "" {
		return "", false
	}
	return token, true
}
