// Package middleware provides HTTP middleware for Bookkeeper.
package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/d9705996/bookkeeper/internal/api/jsonapi"
	"github.com/d9705996/bookkeeper/internal/auth"
	"github.com/d9705996/bookkeeper/internal/model"
)

type contextKey string

const sessionKey contextKey = "auth_session"

// Verifier checks bearer tokens.
type Verifier interface {
	VerifyToken(raw, expectedType string) (*auth.Claims, error)
}

// RequireAuth validates the Bearer access token in the Authorization header.
// On success it injects the caller's auth.Session into the request context.
// Every failure gets the same 401 body; the reason is only logged.
func RequireAuth(tokens Verifier, log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractBearerToken(r)
			if token == "" {
				unauthorized(w, r, log, "missing_token")
				return
			}

			claims, err := tokens.VerifyToken(token, auth.TokenTypeAccess)
			if err != nil {
				unauthorized(w, r, log, failureReason(err))
				return
			}

			next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), claims.Session)))
		})
	}
}

// WithSession returns ctx carrying sess.
func WithSession(ctx context.Context, sess auth.Session) context.Context {
	return context.WithValue(ctx, sessionKey, sess)
}

// SessionFromContext extracts the Session placed by RequireAuth.
func SessionFromContext(ctx context.Context) (auth.Session, bool) {
	s, ok := ctx.Value(sessionKey).(auth.Session)
	return s, ok
}

// RequireSuperAdmin rejects callers without the platform super-admin flag.
// Must be chained after RequireAuth.
func RequireSuperAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, ok := SessionFromContext(r.Context())
		if !ok {
			jsonapi.RenderError(w, http.StatusUnauthorized, "unauthenticated", "Unauthorized", "authentication required")
			return
		}
		if !sess.IsSuperAdmin {
			jsonapi.RenderError(w, http.StatusForbidden, "forbidden", "Forbidden", "super-admin required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireLiveSubscription lets through super-admins and callers whose
// organization is on a trial or an active subscription.
func RequireLiveSubscription(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, ok := SessionFromContext(r.Context())
		if !ok {
			jsonapi.RenderError(w, http.StatusUnauthorized, "unauthenticated", "Unauthorized", "authentication required")
			return
		}
		if !sess.IsSuperAdmin && !model.SubscriptionStatus(sess.SubscriptionStatus).Live() {
			jsonapi.RenderError(w, http.StatusForbidden, "subscription_inactive", "Forbidden",
				"the organization's subscription is not active")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func unauthorized(w http.ResponseWriter, r *http.Request, log *slog.Logger, reason string) {
	log.WarnContext(r.Context(), "request not authenticated", "reason", reason, "path", r.URL.Path)
	w.Header().Set("WWW-Authenticate", `Bearer realm="bookkeeper"`)
	jsonapi.RenderError(w, http.StatusUnauthorized, "unauthenticated", "Unauthorized",
		"a valid access token is required")
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, auth.ErrExpiredToken):
		return "expired"
	case errors.Is(err, auth.ErrInvalidTokenType):
		return "wrong_type"
	default:
		return "invalid"
	}
}

func extractBearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if h == "" {
		return ""
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
