package auth

import (
	"context"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	httpmiddleware "github.com/wolfeidau/tokengate/internal/http"
	"github.com/wolfeidau/tokengate/internal/models"
)

type contextKey int

const (
	claimsContextKey contextKey = iota
)

// ClaimsFromContext extracts the validated claims from the request context.
// Returns nil if no claims are present (unauthenticated request).
func ClaimsFromContext(ctx context.Context) *Claims {
	claims, _ := ctx.Value(claimsContextKey).(*Claims)
	return claims
}

// WithClaims returns a context carrying validated claims.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey, claims)
}

// Middleware returns an HTTP middleware that requires a token satisfying the
// required role. The token is read from the Authorization header or the
// access_token query parameter. Failures are written as a token error envelope
// with status 200 and the request does not reach next.
func Middleware(validator Validator, required models.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := httpmiddleware.RequestToken(r)
			if token == "" {
				log.Warn().Str("path", r.URL.Path).Msg("Missing access token")
				httpmiddleware.WriteTokenError(w, ReasonUnauthenticated.Message())
				return
			}

			ctx := r.Context()

			res := validator.ValidateToken(ctx, token, required)
			if !res.Valid {
				log.Warn().
					Str("path", r.URL.Path).
					Str("reason", string(res.Reason)).
					Str("required_role", required.String()).
					Msg("Token validation failed")
				httpmiddleware.WriteTokenError(w, res.Message())
				return
			}

			ctx = WithClaims(ctx, res.Claims)
			ctx = zerolog.Ctx(ctx).With().Str("principal_id", res.Claims.Subject).Logger().WithContext(ctx)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
