package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/btouchard/courier/internal/auth"
	"github.com/btouchard/courier/internal/event"
)

type contextKey string

const principalKey contextKey = "principal"

// Authenticator resolves a bearer credential to a verified principal.
type Authenticator interface {
	Verify(ctx context.Context, credential string) (auth.Principal, error)
}

// BearerAuth returns middleware that validates Bearer tokens and stores the
// caller's identity in the request context.
func BearerAuth(a Authenticator, onFailure func()) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				challengeAuth(w, "missing Authorization header")
				return
			}

			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				challengeAuth(w, "invalid Authorization header format")
				return
			}

			p, err := a.Verify(r.Context(), parts[1])
			if err != nil {
				slog.Debug("token validation failed", "path", r.URL.Path, "error", err)
				if onFailure != nil {
					onFailure()
				}
				invalidToken(w, "invalid or expired token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// RequireScope rejects requests whose principal lacks scope with 403.
// It must run after BearerAuth.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := r.Context().Value(principalKey).(auth.Principal)
			if !ok || !p.HasScope(scope) {
				slog.Debug("missing scope", "path", r.URL.Path, "user_id", p.User, "scope", scope)
				w.Header().Set("WWW-Authenticate", `Bearer error="insufficient_scope", scope="`+scope+`"`)
				http.Error(w, "insufficient scope", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WithPrincipal returns a copy of ctx carrying the authenticated principal.
func WithPrincipal(ctx context.Context, p auth.Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// UserFromContext returns the user stored by BearerAuth.
func UserFromContext(ctx context.Context) (event.UserID, bool) {
	p, ok := ctx.Value(principalKey).(auth.Principal)
	return p.User, ok && p.User != ""
}

// SecurityHeaders sets conservative response headers on every request.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// challengeAuth sends a 401 with a Bearer challenge for unauthenticated requests.
func challengeAuth(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="courier"`)
	http.Error(w, msg, http.StatusUnauthorized)
}

// invalidToken sends a 401 for requests with an invalid/expired Bearer token.
func invalidToken(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
	http.Error(w, msg, http.StatusUnauthorized)
}
