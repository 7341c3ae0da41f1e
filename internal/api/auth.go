package api

import (
	"net/http"

	"github.com/mattjoyce/jogd/internal/auth"
)

// anonymous is the principal used when no credentials are configured.
var anonymous = auth.Principal{
	Subject: "anonymous",
	Scopes:  map[string]struct{}{auth.ScopeAll: {}},
}

// wsPath is the only route that takes access_token as a query parameter;
// browsers cannot set headers on a WebSocket upgrade.
const wsPath = "/ws"

// authMiddleware resolves the bearer token into a Principal.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.config.Auth.Enabled() {
			next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), anonymous)))
			return
		}

		token, err := auth.ExtractBearerToken(r)
		if err != nil && r.URL.Path == wsPath {
			if q := r.URL.Query().Get("access_token"); q != "" {
				token, err = q, nil
			}
		}
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, err.Error())
			return
		}

		principal, ok := s.config.Auth.Authenticate(token)
		if !ok {
			s.writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}

		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), principal)))
	})
}

func (s *Server) requireScopes(scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, _ := auth.PrincipalFromContext(r.Context())
			if !auth.HasAnyScope(principal, scopes...) {
				s.writeError(w, http.StatusForbidden, "insufficient scope")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
