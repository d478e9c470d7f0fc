package middleware

import (
	"net/http"
	"strings"

	"github.com/ilyaizen/habistat/api/responses"
	pkgAuth "github.com/ilyaizen/habistat/pkg/auth"
	"github.com/ilyaizen/habistat/pkg/config"
	pkgerrors "github.com/ilyaizen/habistat/pkg/errors"
	"github.com/ilyaizen/habistat/pkg/logger"
)

// Auth validates a bearer token and seeds the request context with the
// account the token was issued for.
func Auth(cfg config.JWTConfig, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := strings.TrimSpace(r.Header.Get("Authorization"))
			if raw == "" {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing credentials"))
				return
			}

			token := raw
			if strings.HasPrefix(strings.ToLower(token), "bearer ") {
				token = strings.TrimSpace(token[7:])
			}
			if token == "" {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing credentials"))
				return
			}

			claims, err := pkgAuth.ParseAccessToken(cfg, token)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "invalid token"))
				return
			}

			ctx := WithUserID(r.Context(), claims.UserID)
			if claims.DeviceID != "" {
				ctx = WithDeviceID(ctx, claims.DeviceID)
			}

			if logg != nil {
				ctx = logg.WithUserID(ctx, claims.UserID)
				if claims.DeviceID != "" {
					ctx = logg.WithField(ctx, "device_id", claims.DeviceID)
				}
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
