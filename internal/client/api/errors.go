package api

import (
	"errors"
	"fmt"

	"github.com/iudanet/edgesync/pkg/api"
)

// ErrHandshakeRejected matches every ConnectionError via errors.Is
var ErrHandshakeRejected = errors.New("handshake rejected")

// ConnectionError authority отклонил handshake (неверный токен, tenant или device).
// Повторять с теми же учетными данными бессмысленно.
type ConnectionError struct {
	Code       api.ErrorCode
	Message    string
	StatusCode int
}

func (e *ConnectionError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("handshake rejected with status %d", e.StatusCode)
	}
	return fmt.Sprintf("handshake rejected with status %d: %s", e.StatusCode, e.Message)
}

// Unwrap позволяет проверять errors.Is(err, ErrHandshakeRejected)
func (e *ConnectionError) Unwrap() error {
	return ErrHandshakeRejected
}

// IsFatal reports whether err means reconnecting with the same credentials cannot succeed.
func IsFatal(err error) bool {
	return errors.Is(err, ErrHandshakeRejected)
}
