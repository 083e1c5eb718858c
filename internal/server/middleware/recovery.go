package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/iudanet/edgesync/internal/server/handlers"
	"github.com/iudanet/edgesync/pkg/api"
)

// RecoveryMiddleware перехватывает panic, логирует стек вместе с request id и tenant
// и возвращает 500 с JSON телом. http.ErrAbortHandler пробрасывается дальше.
func RecoveryMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					if err == http.ErrAbortHandler {
						panic(err)
					}

					logger.Error("Panic recovered",
						"error", err,
						"method", r.Method,
						"path", r.URL.Path,
						"remote_addr", r.RemoteAddr,
						"request_id", chimw.GetReqID(r.Context()),
						"tenant_id", r.Header.Get(api.HeaderTenantID),
						"stack", string(debug.Stack()),
					)

					// детали паники клиенту не раскрываются
					handlers.WriteError(w, logger, http.StatusInternalServerError, api.ErrCodeServerError, "")
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
