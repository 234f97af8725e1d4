package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/maxpert/conveyor/cfg"
)

// AnonymousUser is attached to every request when no API keys are configured
var AnonymousUser = User{Name: "anonymous", IsService: true}

// User is the authenticated caller
type User struct {
	Name      string
	IsService bool
}

type userContextKey struct{}

// WithUser returns a copy of ctx carrying u
func WithUser(ctx context.Context, u User) context.Context {
	return context.WithValue(ctx, userContextKey{}, u)
}

// UserFromContext returns the caller attached by the auth middleware
func UserFromContext(ctx context.Context) (User, bool) {
	u, ok := ctx.Value(userContextKey{}).(User)
	return u, ok
}

// Authenticator resolves static API keys into users
type Authenticator struct {
	keys []cfg.APIKeyConfiguration
}

// NewAuthenticator creates an authenticator over keys. No keys disables authentication.
func NewAuthenticator(keys []cfg.APIKeyConfiguration) *Authenticator {
	return &Authenticator{keys: keys}
}

// Enabled reports whether requests must carry a key
func (a *Authenticator) Enabled() bool {
	return len(a.keys) > 0
}

// Lookup returns the user owning key
func (a *Authenticator) Lookup(key string) (User, bool) {
	for _, k := range a.keys {
		if subtle.ConstantTimeCompare([]byte(k.Key), []byte(key)) == 1 {
			return User{Name: k.Name, IsService: k.IsService}, true
		}
	}
	return User{}, false
}

// Middleware validates the API key and attaches the caller to the request context
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), AnonymousUser)))
			return
		}

		// Check X-Api-Key header
		provided := r.Header.Get("X-Api-Key")
		if provided == "" {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeErrorResponse(w, http.StatusUnauthorized, "unauthorized", "missing authentication header")
				return
			}
			// Parse "Bearer <token>"
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				writeErrorResponse(w, http.StatusUnauthorized, "unauthorized", "invalid authorization header format")
				return
			}
			provided = parts[1]
		}

		user, ok := a.Lookup(provided)
		if !ok {
			writeErrorResponse(w, http.StatusUnauthorized, "unauthorized", "invalid api key")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
	})
}
