// Package session управляет соединением клиента с authority: FSM состояний,
// heartbeat и переподключение с экспоненциальной задержкой.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/iudanet/edgesync/internal/backoff"
	"github.com/iudanet/edgesync/internal/client/api"
	"github.com/iudanet/edgesync/internal/clock"
	wire "github.com/iudanet/edgesync/pkg/api"
)

// Значения по умолчанию
const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultMissedHeartbeats  = 3
	DefaultHandshakeTimeout  = 15 * time.Second
)

// DialFunc открывает транспорт до authority
type DialFunc func(ctx context.Context) (Conn, error)

// Config параметры сессии
type Config struct {
	Jitter            backoff.JitterFunc // Jitter nil означает пропорциональный jitter по умолчанию
	HeartbeatInterval time.Duration
	HandshakeTimeout  time.Duration
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	MissedHeartbeats  int
}

// DefaultConfig возвращает параметры по умолчанию
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: DefaultHeartbeatInterval,
		HandshakeTimeout:  DefaultHandshakeTimeout,
		BackoffBase:       backoff.DefaultBase,
		BackoffMax:        backoff.DefaultMax,
		MissedHeartbeats:  DefaultMissedHeartbeats,
	}
}

// Manager Session/Connection Manager
type Manager struct {
	dial            DialFunc
	clock           clock.Clock
	logger          *slog.Logger
	fsm             *FSM
	backoff         *backoff.Backoff
	current         *Session
	onAuthenticated func(ctx context.Context, s *Session)
	onDisconnect    []func(err error)
	cfg             Config
	mu              sync.Mutex
	syncMu          sync.Mutex
}

// New создает Manager
func New(dial DialFunc, cfg Config, clk clock.Clock, logger *slog.Logger) *Manager {
	def := DefaultConfig()
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.MissedHeartbeats <= 0 {
		cfg.MissedHeartbeats = def.MissedHeartbeats
	}
	if clk == nil {
		clk = clock.Real()
	}

	m := &Manager{
		dial:    dial,
		clock:   clk,
		logger:  logger,
		backoff: backoff.New(cfg.BackoffBase, cfg.BackoffMax, cfg.Jitter),
		cfg:     cfg,
	}
	m.fsm = NewFSM(func(from, to State) {
		logger.Debug("Session state changed", "from", from, "to", to)
	})
	return m
}

// OnAuthenticated регистрирует hook, вызываемый после каждого успешного handshake.
// Hook выполняется в отдельной горутине и обычно запускает синхронизацию.
func (m *Manager) OnAuthenticated(fn func(ctx context.Context, s *Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onAuthenticated = fn
}

// OnDisconnect регистрирует обработчик потери соединения
func (m *Manager) OnDisconnect(fn func(err error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDisconnect = append(m.onDisconnect, fn)
}

// State возвращает текущее состояние
func (m *Manager) State() State {
	return m.fsm.State()
}

// Current возвращает живую сессию или nil
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Connect выполняет handshake и запускает чтение и heartbeat.
// Отказ authority возвращается как *api.ConnectionError.
func (m *Manager) Connect(ctx context.Context) (*Session, error) {
	if err := m.fsm.Transition(StateConnecting); err != nil {
		return nil, err
	}

	sess, err := m.handshake(ctx)
	if err != nil {
		next := StateReconnecting
		if api.IsFatal(err) || ctx.Err() != nil {
			next = StateDisconnected
		}
		_ = m.fsm.Transition(next)
		return nil, err
	}

	m.mu.Lock()
	m.current = sess
	m.mu.Unlock()

	if err := m.fsm.Transition(StateAuthenticated); err != nil {
		sess.fail(err)
		return nil, err
	}
	m.backoff.Reset()

	sess.wg.Add(2)
	go sess.readLoop()
	go m.heartbeat(sess)

	sess.logger.Info("Session established")
	return sess, nil
}

// Run поддерживает соединение до отмены ctx. Возвращает ошибку только
// при фатальном отказе handshake.
func (m *Manager) Run(ctx context.Context) error {
	for {
		sess, err := m.Connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if api.IsFatal(err) {
				m.logger.Error("Authority rejected credentials", "error", err)
				return err
			}
			if !m.wait(ctx, err) {
				return nil
			}
			continue
		}

		go m.authenticated(ctx, sess)

		select {
		case <-ctx.Done():
			m.Close()
			return nil
		case <-sess.Done():
		}
		sess.wg.Wait()

		err = sess.Err()
		m.notifyDisconnect(err)
		if m.fsm.State() == StateDisconnected {
			return nil
		}
		_ = m.fsm.Transition(StateReconnecting)
		if !m.wait(ctx, err) {
			return nil
		}
	}
}

// Sync выполняет fn в состоянии Syncing. Одновременно выполняется одна синхронизация.
func (m *Manager) Sync(ctx context.Context, fn func(ctx context.Context, s *Session) error) error {
	m.syncMu.Lock()
	defer m.syncMu.Unlock()

	sess := m.Current()
	if sess == nil {
		return ErrNotConnected
	}
	if !m.fsm.TransitionFrom(StateAuthenticated, StateSyncing) && !m.fsm.TransitionFrom(StateIdle, StateSyncing) {
		return fmt.Errorf("%w: cannot sync in state %s", ErrInvalidTransition, m.fsm.State())
	}

	err := fn(ctx, sess)

	// сессия могла оборваться во время синхронизации, тогда состояние уже Reconnecting
	m.fsm.TransitionFrom(StateSyncing, StateIdle)
	return err
}

// SendHeartbeat отправляет heartbeat в текущую сессию
func (m *Manager) SendHeartbeat(ctx context.Context) error {
	sess := m.Current()
	if sess == nil {
		return ErrNotConnected
	}
	return sess.Send(ctx, wire.Envelope{Type: wire.TypeHeartbeat, Timestamp: m.clock.Now().UTC()})
}

// Close закрывает текущую сессию и переводит менеджер в Disconnected
func (m *Manager) Close() {
	m.mu.Lock()
	sess := m.current
	m.current = nil
	m.mu.Unlock()

	if sess != nil {
		sess.fail(ErrSessionClosed)
	}
	if m.fsm.State() != StateDisconnected {
		_ = m.fsm.Transition(StateDisconnected)
	}
}

// Attempts число неудачных попыток с последнего успешного подключения
func (m *Manager) Attempts() uint64 {
	return m.backoff.Attempts()
}

// handshake открывает транспорт и ждет connection_accepted
func (m *Manager) handshake(ctx context.Context) (*Session, error) {
	conn, err := m.dial(ctx)
	if err != nil {
		return nil, err
	}

	hctx, cancel := context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
	defer cancel()

	type result struct {
		err error
		env wire.Envelope
	}
	first := make(chan result, 1)
	go func() {
		env, err := conn.Receive()
		first <- result{env: env, err: err}
	}()

	select {
	case <-hctx.Done():
		_ = conn.Close()
		return nil, fmt.Errorf("waiting for connection_accepted: %w", hctx.Err())
	case r := <-first:
		if r.err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("waiting for connection_accepted: %w", r.err)
		}
		if r.env.Type != wire.TypeConnectionAccepted {
			_ = conn.Close()
			return nil, fmt.Errorf("unexpected %s message during handshake", r.env.Type)
		}
		if advertised := time.Duration(r.env.HeartbeatInterval) * time.Second; advertised > 0 && advertised != m.cfg.HeartbeatInterval {
			m.logger.Warn("Heartbeat interval differs from authority",
				"local", m.cfg.HeartbeatInterval, "authority", advertised)
		}
		return newSession(conn, r.env, m.logger), nil
	}
}

// heartbeat отправляет heartbeat каждый интервал. Если MissedHeartbeats
// интервалов подряд не пришло ни одного heartbeat_ack, сессия завершается.
func (m *Manager) heartbeat(sess *Session) {
	defer sess.wg.Done()

	ticker := m.clock.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	send := func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.HeartbeatInterval)
		defer cancel()
		return sess.Send(ctx, wire.Envelope{Type: wire.TypeHeartbeat, Timestamp: m.clock.Now().UTC()}) == nil
	}

	if !send() {
		return
	}

	missed := 0
	seen := sess.acks.Load()
	for {
		select {
		case <-sess.Done():
			return
		case <-ticker.C:
			if n := sess.acks.Load(); n != seen {
				seen = n
				missed = 0
			} else {
				missed++
			}

			if missed >= m.cfg.MissedHeartbeats {
				sess.logger.Warn("Heartbeat acks missing, reconnecting", "missed", missed)
				sess.fail(ErrHeartbeatTimeout)
				return
			}
			if !send() {
				return
			}
		}
	}
}

// authenticated вызывает hook; без hook сессия сразу переходит в Idle
func (m *Manager) authenticated(ctx context.Context, sess *Session) {
	m.mu.Lock()
	hook := m.onAuthenticated
	m.mu.Unlock()

	if hook != nil {
		hook(ctx, sess)
	}
	m.fsm.TransitionFrom(StateAuthenticated, StateIdle)
}

// wait ждет задержку backoff. Возвращает false, если ctx отменен.
func (m *Manager) wait(ctx context.Context, cause error) bool {
	delay := m.backoff.Next()
	m.logger.Info("Reconnecting",
		"attempt", m.backoff.Attempts(),
		"delay", delay,
		"cause", cause)

	select {
	case <-ctx.Done():
		_ = m.fsm.Transition(StateDisconnected)
		return false
	case <-m.clock.After(delay):
		return true
	}
}

func (m *Manager) notifyDisconnect(err error) {
	m.mu.Lock()
	handlers := append([]func(error){}, m.onDisconnect...)
	m.current = nil
	m.mu.Unlock()

	if errors.Is(err, ErrSessionClosed) {
		return
	}
	for _, h := range handlers {
		h(err)
	}
}
