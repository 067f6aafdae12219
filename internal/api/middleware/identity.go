package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/toolgate/toolgate/pkg/models"
)

type contextKey string

// identityKey is the context key for the caller's rate-limit identity.
const identityKey contextKey = "identity"

// Identity derives the caller's rate-limit context for the request:
// authenticated callers present X-User-Id (validated upstream by the
// session layer), everyone else is a guest keyed by client IP. RealIP
// must run before this middleware.
func Identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rlctx := models.RateLimitContext{
			ClientIP:  clientIP(r),
			RequestID: chimw.GetReqID(r.Context()),
		}

		if userID := strings.TrimSpace(r.Header.Get("X-User-Id")); userID != "" {
			rlctx.UserID = userID
		} else {
			rlctx.IsGuest = true
		}

		ctx := context.WithValue(r.Context(), identityKey, rlctx)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetIdentity retrieves the rate-limit context set by Identity. A
// request that skipped the middleware is treated as an anonymous guest.
func GetIdentity(ctx context.Context) models.RateLimitContext {
	if v, ok := ctx.Value(identityKey).(models.RateLimitContext); ok {
		return v
	}
	return models.RateLimitContext{IsGuest: true}
}

func clientIP(r *http.Request) string {
	// chimw.RealIP rewrites RemoteAddr from X-Forwarded-For/X-Real-IP,
	// sometimes leaving it without a port.
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return strings.Trim(r.RemoteAddr, "[]")
}
