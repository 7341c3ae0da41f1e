// Package auth resolves bearer credentials presented to the jog API into a
// Principal with a set of scopes.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// Scopes understood by the API.
const (
	ScopeAll       = "*"
	ScopeJogRW     = "jog:rw"
	ScopeStatusRO  = "status:ro"
	ScopeEventsRO  = "events:ro"
	ScopeCommandRO = "commands:ro"
)

// TokenConfig is a bearer token with a set of scopes.
type TokenConfig struct {
	Name   string
	Token  string
	Scopes []string
}

type Principal struct {
	// Subject identifies the caller in logs and events.
	Subject string
	Scopes  map[string]struct{}
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func ExtractBearerToken(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", errors.New("missing Authorization header")
	}

	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return "", errors.New("invalid Authorization header format")
	}

	token := strings.TrimSpace(strings.TrimPrefix(auth, prefix))
	if token == "" {
		return "", errors.New("missing API key")
	}
	return token, nil
}

func constantTimeEqual(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Authenticator checks presented tokens against the static api key, the
// named tokens, and, when configured, HS256 JWTs.
type Authenticator struct {
	APIKey string
	Tokens []TokenConfig
	JWT    *JWTVerifier
}

// Enabled reports whether any credential source is configured.
func (a *Authenticator) Enabled() bool {
	return a != nil && (a.APIKey != "" || len(a.Tokens) > 0 || a.JWT != nil)
}

// Authenticate matches a presented bearer token. The api key authenticates
// as admin with scope "*".
func (a *Authenticator) Authenticate(presented string) (Principal, bool) {
	if constantTimeEqual(presented, a.APIKey) {
		return Principal{
			Subject: "admin",
			Scopes:  map[string]struct{}{ScopeAll: {}},
		}, true
	}

	for _, t := range a.Tokens {
		if constantTimeEqual(presented, t.Token) {
			name := t.Name
			if name == "" {
				name = "token"
			}
			return Principal{
				Subject: name,
				Scopes:  normalizeScopes(t.Scopes),
			}, true
		}
	}

	if a.JWT != nil && strings.Count(presented, ".") == 2 {
		p, err := a.JWT.Verify(presented)
		if err == nil {
			return p, true
		}
	}
	return Principal{}, false
}

func normalizeScopes(scopes []string) map[string]struct{} {
	out := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		out[s] = struct{}{}
	}

	// Jogging implies read access to status and the vocabulary.
	if _, ok := out[ScopeJogRW]; ok {
		out[ScopeStatusRO] = struct{}{}
		out[ScopeCommandRO] = struct{}{}
	}
	return out
}

func HasAnyScope(p Principal, required ...string) bool {
	if len(required) == 0 {
		return true
	}
	if _, ok := p.Scopes[ScopeAll]; ok {
		return true
	}
	for _, s := range required {
		if _, ok := p.Scopes[s]; ok {
			return true
		}
	}
	return false
}
