package session

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/edgesync/internal/backoff"
	clientapi "github.com/iudanet/edgesync/internal/client/api"
	"github.com/iudanet/edgesync/internal/clock"
	"github.com/iudanet/edgesync/internal/transport"
	"github.com/iudanet/edgesync/pkg/api"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func setupTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

// fakeConn соединение в памяти: toClient читает клиент, fromClient пишет клиент
type fakeConn struct {
	toClient   chan api.Envelope
	fromClient chan api.Envelope
	closed     chan struct{}
	once       sync.Once
}

func newFakeConn() *fakeConn {
	c := &fakeConn{
		toClient:   make(chan api.Envelope, 16),
		fromClient: make(chan api.Envelope, 16),
		closed:     make(chan struct{}),
	}
	c.toClient <- api.Envelope{Type: api.TypeConnectionAccepted, SessionID: "s-1", HeartbeatInterval: 30, BatchSize: 25}
	return c
}

func (c *fakeConn) Send(ctx context.Context, env api.Envelope) error {
	select {
	case <-c.closed:
		return transport.ErrClosed
	case c.fromClient <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *fakeConn) Receive() (api.Envelope, error) {
	select {
	case <-c.closed:
		return api.Envelope{}, transport.ErrClosed
	case env := <-c.toClient:
		return env, nil
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// expect ждет сообщение клиента заданного типа
func (c *fakeConn) expect(t *testing.T, typ api.MessageType) api.Envelope {
	t.Helper()
	select {
	case env := <-c.fromClient:
		require.Equal(t, typ, env.Type)
		return env
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for %s", typ)
		return api.Envelope{}
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Jitter = backoff.NoJitter
	return cfg
}

func waitState(t *testing.T, m *Manager, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return m.State() == want }, 5*time.Second, time.Millisecond,
		"state is %s, want %s", m.State(), want)
}

func TestConnect_Success(t *testing.T) {
	conn := newFakeConn()
	m := New(func(context.Context) (Conn, error) { return conn, nil }, testConfig(), clock.Fake(t0), setupTestLogger())

	sess, err := m.Connect(context.Background())
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, StateAuthenticated, m.State())
	assert.Equal(t, "s-1", sess.ID())
	assert.Equal(t, 25, sess.BatchSize())

	// первый heartbeat уходит сразу
	conn.expect(t, api.TypeHeartbeat)

	// heartbeat_ack не попадает в inbox синхронизации
	conn.toClient <- api.Envelope{Type: api.TypeHeartbeatAck}
	conn.toClient <- api.Envelope{Type: api.TypeSyncAck, CorrelationID: "c-1"}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	env, err := sess.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, api.TypeSyncAck, env.Type)
	assert.Equal(t, int64(1), sess.acks.Load())

	m.Close()
	assert.Equal(t, StateDisconnected, m.State())
	_, err = sess.Receive(ctx)
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestConnect_Rejected(t *testing.T) {
	rejected := &clientapi.ConnectionError{StatusCode: http.StatusUnauthorized, Code: api.ErrCodeUnauthorized}
	dials := 0
	m := New(func(context.Context) (Conn, error) {
		dials++
		return nil, rejected
	}, testConfig(), clock.Fake(t0), setupTestLogger())

	err := m.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, clientapi.ErrHandshakeRejected)
	assert.Equal(t, 1, dials, "fatal rejection is never retried")
	assert.Equal(t, StateDisconnected, m.State())
}

func TestConnect_UnexpectedFirstMessage(t *testing.T) {
	conn := &fakeConn{toClient: make(chan api.Envelope, 1), fromClient: make(chan api.Envelope, 1), closed: make(chan struct{})}
	conn.toClient <- api.Envelope{Type: api.TypeSyncAck}
	m := New(func(context.Context) (Conn, error) { return conn, nil }, testConfig(), clock.Fake(t0), setupTestLogger())

	_, err := m.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateReconnecting, m.State())
}

func TestRun_BackoffSequenceAndReset(t *testing.T) {
	clk := clock.Fake(t0)
	attempts := make(chan time.Time, 32)
	conns := make(chan *fakeConn, 1)
	failures := 8

	var mu sync.Mutex
	m := New(func(context.Context) (Conn, error) {
		attempts <- clk.Now()
		mu.Lock()
		defer mu.Unlock()
		if failures > 0 {
			failures--
			return nil, errors.New("connection refused")
		}
		conn := newFakeConn()
		conns <- conn
		return conn, nil
	}, testConfig(), clk, setupTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	prev := <-attempts
	for _, want := range []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 32 * time.Second, 60 * time.Second, 60 * time.Second,
	} {
		clk.WaitForTimers(1)
		assert.Equal(t, StateReconnecting, m.State())
		clk.Advance(want)
		at := <-attempts
		assert.Equal(t, want, at.Sub(prev))
		prev = at
	}

	conn := <-conns
	waitState(t, m, StateIdle)
	assert.Equal(t, uint64(0), m.Attempts(), "counter resets on successful reconnect")
	conn.expect(t, api.TypeHeartbeat)

	// обрыв: следующая задержка снова базовая
	_ = conn.Close()
	waitState(t, m, StateReconnecting)
	clk.WaitForTimers(1)
	clk.Advance(time.Second)
	at := <-attempts
	assert.Equal(t, time.Second, at.Sub(prev))

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, StateDisconnected, m.State())
}

func TestHeartbeat_MissedAcksForceReconnect(t *testing.T) {
	clk := clock.Fake(t0)
	conns := make(chan *fakeConn, 2)
	m := New(func(context.Context) (Conn, error) {
		conn := newFakeConn()
		conns <- conn
		return conn, nil
	}, testConfig(), clk, setupTestLogger())

	var disconnectErr error
	disconnected := make(chan struct{})
	m.OnDisconnect(func(err error) {
		disconnectErr = err
		close(disconnected)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()

	conn := <-conns
	waitState(t, m, StateIdle)
	conn.expect(t, api.TypeHeartbeat)
	clk.WaitForTimers(1)

	// два интервала без ack: сессия жива и продолжает слать heartbeat
	for range 2 {
		clk.Advance(DefaultHeartbeatInterval)
		conn.expect(t, api.TypeHeartbeat)
		assert.Equal(t, StateIdle, m.State())
	}

	// третий подряд интервал без ack
	clk.Advance(DefaultHeartbeatInterval)
	<-disconnected
	assert.ErrorIs(t, disconnectErr, ErrHeartbeatTimeout)
	waitState(t, m, StateReconnecting)

	clk.WaitForTimers(1)
	clk.Advance(time.Second)
	<-conns
	waitState(t, m, StateIdle)
	assert.Equal(t, uint64(0), m.Attempts())
}

func TestHeartbeat_AckedSessionStaysUp(t *testing.T) {
	clk := clock.Fake(t0)
	conn := newFakeConn()
	m := New(func(context.Context) (Conn, error) { return conn, nil }, testConfig(), clk, setupTestLogger())

	sess, err := m.Connect(context.Background())
	require.NoError(t, err)
	defer m.Close()

	conn.expect(t, api.TypeHeartbeat)
	clk.WaitForTimers(1)

	for i := range 5 {
		conn.toClient <- api.Envelope{Type: api.TypeHeartbeatAck}
		require.Eventually(t, func() bool { return sess.acks.Load() == int64(i+1) }, 5*time.Second, time.Millisecond)

		clk.Advance(DefaultHeartbeatInterval)
		conn.expect(t, api.TypeHeartbeat)
	}

	select {
	case <-sess.Done():
		t.Fatalf("session closed: %v", sess.Err())
	default:
	}
	assert.Equal(t, StateAuthenticated, m.State())
}

func TestSync_States(t *testing.T) {
	conn := newFakeConn()
	m := New(func(context.Context) (Conn, error) { return conn, nil }, testConfig(), clock.Fake(t0), setupTestLogger())

	assert.ErrorIs(t, m.Sync(context.Background(), nil), ErrNotConnected)

	_, err := m.Connect(context.Background())
	require.NoError(t, err)
	defer m.Close()
	conn.expect(t, api.TypeHeartbeat)

	var during State
	err = m.Sync(context.Background(), func(ctx context.Context, s *Session) error {
		during = m.State()
		return s.Send(ctx, api.Envelope{Type: api.TypeSyncStart})
	})
	require.NoError(t, err)
	assert.Equal(t, StateSyncing, during)
	assert.Equal(t, StateIdle, m.State())
	conn.expect(t, api.TypeSyncStart)

	require.NoError(t, m.SendHeartbeat(context.Background()))
	conn.expect(t, api.TypeHeartbeat)
}

func TestOnAuthenticated_RunsSync(t *testing.T) {
	conn := newFakeConn()
	m := New(func(context.Context) (Conn, error) { return conn, nil }, testConfig(), clock.Fake(t0), setupTestLogger())

	synced := make(chan struct{})
	m.OnAuthenticated(func(ctx context.Context, s *Session) {
		_ = m.Sync(ctx, func(ctx context.Context, s *Session) error {
			close(synced)
			return nil
		})
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	<-synced
	waitState(t, m, StateIdle)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, StateDisconnected, m.State())
}
