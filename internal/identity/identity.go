// Package identity resolves session tokens carried by HTTP requests.
package identity

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/ashureev/chatrelay/internal/domain"
	"github.com/ashureev/chatrelay/internal/store"
)

const (
	// TokenQueryParam is the query parameter carrying the session token.
	TokenQueryParam = "token"
	bearerPrefix    = "Bearer "
)

type contextKey int

const sessionKey contextKey = iota

// SessionLookup resolves a token to its live session.
type SessionLookup interface {
	GetSession(ctx context.Context, token string) (*domain.Session, error)
}

// TokenFromRequest returns the token from the query string, falling back to
// an Authorization bearer header.
func TokenFromRequest(r *http.Request) string {
	if token := strings.TrimSpace(r.URL.Query().Get(TokenQueryParam)); token != "" {
		return token
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, bearerPrefix) {
		return strings.TrimSpace(strings.TrimPrefix(auth, bearerPrefix))
	}
	return ""
}

// WithSession stores session in ctx.
func WithSession(ctx context.Context, session *domain.Session) context.Context {
	return context.WithValue(ctx, sessionKey, session)
}

// SessionFromContext extracts the session placed by Middleware.
func SessionFromContext(ctx context.Context) *domain.Session {
	if v, ok := ctx.Value(sessionKey).(*domain.Session); ok {
		return v
	}
	return nil
}

// Middleware rejects requests without a live session and injects the
// session into the request context.
func Middleware(sessions SessionLookup) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := TokenFromRequest(r)
			if token == "" {
				writeError(w, http.StatusBadRequest, `{"error":"token_required"}`)
				return
			}

			session, err := sessions.GetSession(r.Context(), token)
			switch {
			case errors.Is(err, store.ErrNotFound):
				writeError(w, http.StatusGone, `{"error":"session_expired"}`)
				return
			case err != nil:
				slog.Error("Session lookup failed", "error", err)
				writeError(w, http.StatusServiceUnavailable, `{"error":"store_unavailable"}`)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), session)))
		})
	}
}

func writeError(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

// IPFromRequest returns a normalized remote IP for optional request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
