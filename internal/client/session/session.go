package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/iudanet/edgesync/internal/transport"
	"github.com/iudanet/edgesync/pkg/api"
)

var (
	// ErrHeartbeatTimeout indicates that heartbeat acks stopped arriving
	ErrHeartbeatTimeout = errors.New("heartbeat timeout")

	// ErrSessionClosed indicates that the session was closed locally
	ErrSessionClosed = errors.New("session closed")

	// ErrNotConnected indicates that there is no live session
	ErrNotConnected = errors.New("not connected")
)

// Conn транспорт сессии. Реализуется *transport.Conn.
type Conn interface {
	Send(ctx context.Context, env api.Envelope) error
	Receive() (api.Envelope, error)
	Close() error
}

// inboxSize емкость очереди сообщений синхронизации
const inboxSize = 64

// Session одно живое соединение с authority. Единственная горутина читает
// соединение: heartbeat_ack учитывается здесь, остальное уходит в inbox.
type Session struct {
	conn      Conn
	logger    *slog.Logger
	inbox     chan api.Envelope
	done      chan struct{}
	err       error
	id        string
	acks      atomic.Int64
	batchSize int
	wg        sync.WaitGroup
	closeOnce sync.Once
	errMu     sync.Mutex
}

func newSession(conn Conn, accepted api.Envelope, logger *slog.Logger) *Session {
	return &Session{
		conn:      conn,
		logger:    logger.With("session_id", accepted.SessionID),
		inbox:     make(chan api.Envelope, inboxSize),
		done:      make(chan struct{}),
		id:        accepted.SessionID,
		batchSize: accepted.BatchSize,
	}
}

// ID идентификатор сессии, выданный authority
func (s *Session) ID() string { return s.id }

// BatchSize лимит батча, объявленный authority в connection_accepted
func (s *Session) BatchSize() int { return s.batchSize }

// Send отправляет сообщение. Ошибка записи завершает сессию.
func (s *Session) Send(ctx context.Context, env api.Envelope) error {
	select {
	case <-s.done:
		return s.Err()
	default:
	}
	if err := s.conn.Send(ctx, env); err != nil {
		if ctx.Err() == nil {
			s.fail(fmt.Errorf("send %s: %w", env.Type, err))
		}
		return err
	}
	return nil
}

// Receive возвращает следующее сообщение синхронизации
func (s *Session) Receive(ctx context.Context) (api.Envelope, error) {
	select {
	case env := <-s.inbox:
		return env, nil
	case <-s.done:
		return api.Envelope{}, s.Err()
	case <-ctx.Done():
		return api.Envelope{}, ctx.Err()
	}
}

// Done закрывается, когда сессия завершена
func (s *Session) Done() <-chan struct{} { return s.done }

// Err причина завершения сессии
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// fail завершает сессию с причиной err. Повторные вызовы игнорируются.
func (s *Session) fail(err error) {
	s.closeOnce.Do(func() {
		s.errMu.Lock()
		s.err = err
		s.errMu.Unlock()
		close(s.done)
		_ = s.conn.Close()
	})
}

func (s *Session) readLoop() {
	defer s.wg.Done()
	for {
		env, err := s.conn.Receive()
		if err != nil {
			if errors.Is(err, transport.ErrMalformed) {
				s.logger.Warn("Dropping malformed message", "error", err)
				continue
			}
			s.fail(err)
			return
		}

		if env.Type == api.TypeHeartbeatAck {
			s.acks.Add(1)
			continue
		}

		select {
		case s.inbox <- env:
		case <-s.done:
			return
		}
	}
}
