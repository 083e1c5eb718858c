// Package transport передает envelope сообщения поверх websocket.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/iudanet/edgesync/pkg/api"
)

const (
	// DefaultWriteTimeout таймаут записи одного сообщения
	DefaultWriteTimeout = 10 * time.Second
	// MaxMessageSize максимальный размер входящего сообщения
	MaxMessageSize = 4 << 20
)

var (
	// ErrClosed indicates use of a closed connection
	ErrClosed = errors.New("connection closed")
	// ErrMalformed indicates a frame that is not a valid envelope; the connection stays usable
	ErrMalformed = errors.New("malformed message")
)

// Conn websocket соединение, передающее api.Envelope как JSON text frames.
// Чтение допускается только из одной горутины, запись сериализуется.
type Conn struct {
	ws           *websocket.Conn
	closed       chan struct{}
	writeTimeout time.Duration
	writeMu      sync.Mutex
	closeOnce    sync.Once
}

// New оборачивает websocket соединение
func New(ws *websocket.Conn, writeTimeout time.Duration) *Conn {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	ws.SetReadLimit(MaxMessageSize)
	return &Conn{
		ws:           ws,
		closed:       make(chan struct{}),
		writeTimeout: writeTimeout,
	}
}

// Send сериализует и отправляет сообщение. Безопасен для конкурентного вызова.
func (c *Conn) Send(ctx context.Context, env api.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal %s message: %w", env.Type, err)
	}

	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write %s message: %w", env.Type, err)
	}
	return nil
}

// Receive читает следующее сообщение. Блокируется до прихода сообщения или закрытия.
func (c *Conn) Receive() (api.Envelope, error) {
	var env api.Envelope

	msgType, data, err := c.ws.ReadMessage()
	if err != nil {
		select {
		case <-c.closed:
			return env, ErrClosed
		default:
		}
		return env, fmt.Errorf("failed to read message: %w", err)
	}
	if msgType != websocket.TextMessage {
		return env, fmt.Errorf("%w: unexpected websocket frame type %d", ErrMalformed, msgType)
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return env, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return env, fmt.Errorf("%w: message without type", ErrMalformed)
	}
	return env, nil
}

// Close отправляет close frame и закрывает соединение. Повторный вызов безопасен.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

// Done закрывается, когда вызван Close
func (c *Conn) Done() <-chan struct{} {
	return c.closed
}

// IsClosed reports whether err means the peer or this side closed the connection.
func IsClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrClosed) {
		return true
	}
	var closeErr *websocket.CloseError
	return errors.As(err, &closeErr)
}
