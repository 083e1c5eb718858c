package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/iudanet/edgesync/pkg/api"
)

// WriteError отправляет JSON ответ с ошибкой
func WriteError(w http.ResponseWriter, logger *slog.Logger, status int, code api.ErrorCode, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	resp := api.ErrorResponse{Error: http.StatusText(status), Code: code, Message: msg}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error("failed to encode error response", slog.Any("error", err))
	}
}
