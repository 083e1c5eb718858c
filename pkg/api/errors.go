package api

// ErrorCode код ошибки в сообщении error и в HTTP ответах handshake
type ErrorCode string

const (
	ErrCodeUnauthorized     ErrorCode = "unauthorized"
	ErrCodeValidationFailed ErrorCode = "validation_failed"
	ErrCodeServerError      ErrorCode = "server_error"
	ErrCodeBadMessage       ErrorCode = "bad_message"
	ErrCodeBatchCorrupt     ErrorCode = "batch_corrupt"
	ErrCodeAckTimeout       ErrorCode = "ack_timeout"
	ErrCodeConflictNotFound ErrorCode = "conflict_not_found"
	ErrCodeRateLimited      ErrorCode = "rate_limited"
)

// Retryable reports whether a failure with this code may succeed if repeated.
// Rejected work (validation, auth, unknown conflict) must not be retried as is.
func (c ErrorCode) Retryable() bool {
	switch c {
	case ErrCodeServerError, ErrCodeBatchCorrupt, ErrCodeAckTimeout, ErrCodeRateLimited:
		return true
	default:
		return false
	}
}

// ErrorResponse представляет ответ с ошибкой
type ErrorResponse struct {
	Error   string    `json:"error"`             // описание ошибки
	Code    ErrorCode `json:"code,omitempty"`    // машиночитаемый код
	Message string    `json:"message,omitempty"` // дополнительное сообщение
}

// HealthResponse ответ endpoint /api/v1/health
type HealthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
}
