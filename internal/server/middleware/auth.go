package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/iudanet/edgesync/internal/server/handlers"
	"github.com/iudanet/edgesync/internal/server/syncer"
	"github.com/iudanet/edgesync/internal/validation"
	"github.com/iudanet/edgesync/pkg/api"
)

// AuthMiddleware проверяет все три части handshake: JWT, tenant и device.
// tenant_id в токене должен совпадать с заголовком X-Tenant-ID.
func AuthMiddleware(logger *slog.Logger, jwtConfig handlers.JWTConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			unauthorized := func(msg string) {
				handlers.WriteError(w, logger, http.StatusUnauthorized, api.ErrCodeUnauthorized, msg)
			}

			// Извлекаем токен из заголовка Authorization
			authHeader := r.Header.Get(api.HeaderAuthorization)
			if authHeader == "" {
				logger.Warn("Missing Authorization header")
				unauthorized("missing token")
				return
			}

			// Ожидаем формат: "Bearer <token>"
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				logger.Warn("Invalid Authorization header format")
				unauthorized("invalid token format")
				return
			}

			claims, err := handlers.ValidateAccessToken(jwtConfig, parts[1])
			if err != nil {
				logger.Warn("Invalid access token", "error", err)
				unauthorized("invalid token")
				return
			}

			tenantID := r.Header.Get(api.HeaderTenantID)
			if tenantID == "" || tenantID != claims.TenantID {
				logger.Warn("Tenant mismatch", "header", tenantID, "claim", claims.TenantID)
				unauthorized("tenant does not match token")
				return
			}

			deviceID := r.Header.Get(api.HeaderDeviceID)
			if err := validation.ValidateIdentifier("device id", deviceID); err != nil {
				logger.Warn("Invalid device id", "error", err)
				unauthorized("invalid device id")
				return
			}

			ctx := handlers.WithPrincipal(r.Context(), syncer.Principal{
				TenantID: tenantID,
				DeviceID: deviceID,
				Subject:  claims.Subject,
			})

			logger.Debug("Client authenticated", "subject", claims.Subject, "tenant_id", tenantID, "device_id", deviceID)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
