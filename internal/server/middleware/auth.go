package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/iudanet/fieldsync/internal/server/handlers"
)

// AuthMiddleware validates the bearer token and stores the actor, device and
// role claims in the request context.
func AuthMiddleware(logger *slog.Logger, jwtConfig handlers.JWTConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				logger.WarnContext(r.Context(), "missing Authorization header", slog.String("path", r.URL.Path))
				writeJSONError(w, "missing token", http.StatusUnauthorized)
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
				logger.WarnContext(r.Context(), "invalid Authorization header format")
				writeJSONError(w, "invalid token format", http.StatusUnauthorized)
				return
			}

			claims, err := handlers.ValidateAccessToken(jwtConfig, parts[1])
			if err != nil {
				logger.WarnContext(r.Context(), "invalid access token", slog.Any("error", err))
				writeJSONError(w, "invalid token", http.StatusUnauthorized)
				return
			}

			if holder := identityFrom(r.Context()); holder != nil {
				holder.deviceID = claims.DeviceID
			}

			logger.DebugContext(r.Context(), "device authenticated",
				slog.String("actor_id", claims.ActorID),
				slog.String("device_id", claims.DeviceID),
			)

			next.ServeHTTP(w, r.WithContext(handlers.WithClaims(r.Context(), claims)))
		})
	}
}
