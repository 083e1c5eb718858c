package sync

import (
	"errors"
	"fmt"

	"github.com/iudanet/edgesync/pkg/api"
)

var (
	// ErrAckTimeout indicates that the authority did not acknowledge a batch after a resend
	ErrAckTimeout = errors.New("acknowledgment timeout")

	// ErrUnexpectedMessage indicates a protocol violation by the authority
	ErrUnexpectedMessage = errors.New("unexpected message")
)

// RemoteError ошибка, присланная authority сообщением error
type RemoteError struct {
	Code          api.ErrorCode
	Message       string
	CorrelationID string
	RetryAllowed  bool
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("authority error %s (correlation_id=%s): %s", e.Code, e.CorrelationID, e.Message)
}

// Retryable reports whether the failed work may be repeated as is
func (e *RemoteError) Retryable() bool {
	return e.RetryAllowed
}

func remoteError(env api.Envelope) *RemoteError {
	return &RemoteError{
		Code:          env.ErrorCode,
		Message:       env.Message,
		CorrelationID: env.CorrelationID,
		RetryAllowed:  env.RetryAllowed || env.ErrorCode.Retryable(),
	}
}

// IsRetryable reports whether a failed sync may succeed if repeated later.
// Ошибки транспорта и таймауты повторяемы, отказы authority только если он это разрешил.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var remote *RemoteError
	if errors.As(err, &remote) {
		return remote.Retryable()
	}
	return !errors.Is(err, ErrUnexpectedMessage)
}
