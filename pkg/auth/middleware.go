package auth

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const claimsContextKey contextKey = "auth.claims"

// ClaimsFromContext retrieves the verified claims a prior Middleware
// call attached, if any.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsContextKey).(*Claims)
	return c, ok
}

// MiddlewareConfig configures the bearer-token verification middleware.
type MiddlewareConfig struct {
	Validator     *JWTValidator
	Enabled       bool
	ExcludedPaths []string
}

// Middleware verifies the Authorization header on every request it
// wraps, attaching the resulting Claims to the request context and
// setting X-Requester-ID so downstream rate limiting (§C) can scope by
// requester without re-parsing the token.
func Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	if !cfg.Enabled || cfg.Validator == nil {
		return func(next http.Handler) http.Handler { return next }
	}

	excluded := make(map[string]bool, len(cfg.ExcludedPaths))
	for _, p := range cfg.ExcludedPaths {
		excluded[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if excluded[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}

			claims, err := cfg.Validator.ValidateToken(r.Context(), token)
			if err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}

			r.Header.Set("X-Requester-ID", claims.Subject)
			ctx := context.WithValue(r.Context(), claimsContextKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
