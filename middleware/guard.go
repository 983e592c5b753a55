// Package middleware provides net/http wrappers around an authcore
// Engine: client context injection, scope rate limiting, and bearer
// token authentication.
package middleware

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	authcore "github.com/estatedesk/authcore"
	"github.com/estatedesk/authcore/internal"
)

type claimsContextKey struct{}

// ClaimsFromContext returns the verified access claims placed by
// Authenticate.
func ClaimsFromContext(ctx context.Context) (*authcore.AccessClaims, bool) {
	claims, ok := ctx.Value(claimsContextKey{}).(*authcore.AccessClaims)
	return claims, ok
}

// ClientContext attaches the request's client IP and user agent to the
// context. The IP is the first X-Forwarded-For hop when present and
// valid, otherwise the direct connection address. Every engine-backed
// handler should sit behind this.
func ClientContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		ctx = authcore.WithClientIP(ctx, internal.ClientIP(r.Header.Get("X-Forwarded-For"), r.RemoteAddr))
		ctx = authcore.WithUserAgent(ctx, r.Header.Get("User-Agent"))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RateLimit admits requests under the scope's budget. When claims are
// already in the context the key folds in the user so clients behind a
// shared NAT do not starve each other; before authentication the key is
// the client IP alone.
func RateLimit(engine *authcore.Engine, scope authcore.RateScope) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := ""
			if claims, ok := ClaimsFromContext(r.Context()); ok {
				userID = claims.SubjectID()
			}

			result, err := engine.CheckRate(r.Context(), scope, userID)
			if err != nil {
				var limited *authcore.RateLimitedError
				if errors.As(err, &limited) {
					w.Header().Set("Retry-After", strconv.Itoa(limited.RetryAfterSeconds()))
					http.Error(w, "too many requests", http.StatusTooManyRequests)
					return
				}
				http.Error(w, "service unavailable", http.StatusServiceUnavailable)
				return
			}

			if result.Remaining >= 0 {
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Authenticate requires a valid bearer access token and a live session.
// Verified claims land in the request context for ClaimsFromContext.
func Authenticate(engine *authcore.Engine) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if engine == nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			token, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			claims, err := engine.Authenticate(r.Context(), token)
			if err != nil {
				if errors.Is(err, authcore.ErrServiceUnavailable) {
					http.Error(w, "service unavailable", http.StatusServiceUnavailable)
					return
				}
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), claimsContextKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Guard is the standard protected-route stack: client context, then the
// scope's rate limit, then bearer authentication. Admission runs first
// so a blocked or throttled client is turned away with a 429 and a
// Retry-After before any token verification or session store work, and
// cannot use the endpoint to test token validity while blocked.
func Guard(engine *authcore.Engine, scope authcore.RateScope) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return ClientContext(RateLimit(engine, scope)(Authenticate(engine)(next)))
	}
}

func bearerToken(value string) (string, bool) {
	const bearer = "Bearer "
	if !strings.HasPrefix(value, bearer) {
		return "", false
	}

	token := value[len(bearer):]
	if token == "" {
		return "", false
	}

	return token, true
}
