package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// ContextKey is the key type for context values.
type ContextKey string

// PrincipalContextKey is the context key for the authenticated principal.
const PrincipalContextKey ContextKey = "principal"

// Middleware guards the admin surface. Either a minted JWT or the admin
// API key authenticates a request.
type Middleware struct {
	manager  *Manager
	skipAuth bool // for development and tests
}

func NewMiddleware(manager *Manager, skipAuth bool) *Middleware {
	return &Middleware{manager: manager, skipAuth: skipAuth}
}

// RequireAdmin wraps a handler with admin authentication. The resolved
// principal is attached to the request context.
func (m *Middleware) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.skipAuth {
			serveAs(next, w, r, &Principal{
				Subject:   "dev",
				Role:      RoleAdmin,
				Scopes:    AdminScopes(),
				TokenType: "dev",
			})
			return
		}

		if authHeader := r.Header.Get("Authorization"); authHeader != "" {
			token, err := ExtractBearerToken(authHeader)
			if err != nil {
				writeUnauthorized(w, "invalid authorization header")
				return
			}
			principal, err := m.manager.Verify(token)
			if err != nil {
				writeUnauthorized(w, "invalid token")
				return
			}
			serveAs(next, w, r, principal)
			return
		}

		if key := r.Header.Get("X-API-Key"); key != "" {
			if !m.manager.VerifyAPIKey(key) {
				writeUnauthorized(w, "invalid API key")
				return
			}
			serveAs(next, w, r, apiKeyPrincipal())
			return
		}

		// The event stream accepts the key as a query parameter; browser
		// WebSocket and EventSource clients cannot set custom headers.
		if strings.Contains(r.URL.Path, "/stream/") {
			if key := r.URL.Query().Get("api_key"); key != "" {
				if !m.manager.VerifyAPIKey(key) {
					writeUnauthorized(w, "invalid API key")
					return
				}
				serveAs(next, w, r, apiKeyPrincipal())
				return
			}
		}

		writeUnauthorized(w, "authentication required")
	})
}

func apiKeyPrincipal() *Principal {
	return &Principal{
		Subject:   "admin",
		Role:      RoleAdmin,
		Scopes:    AdminScopes(),
		TokenType: "api_key",
	}
}

func serveAs(next http.Handler, w http.ResponseWriter, r *http.Request, p *Principal) {
	ctx := context.WithValue(r.Context(), PrincipalContextKey, p)
	next.ServeHTTP(w, r.WithContext(ctx))
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]string{"kind": "unauthorized", "message": message},
	})
}

// PrincipalFrom extracts the authenticated principal from a request
// context.
func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(PrincipalContextKey).(*Principal)
	return p, ok
}

// RequireScopes checks that the context principal carries every named
// scope.
func RequireScopes(ctx context.Context, requiredScopes ...string) error {
	p, ok := PrincipalFrom(ctx)
	if !ok {
		return fmt.Errorf("missing principal")
	}
	for _, required := range requiredScopes {
		found := false
		for _, scope := range p.Scopes {
			if scope == required {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("missing required scope: %s", required)
		}
	}
	return nil
}
