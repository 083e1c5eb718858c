package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/edgesync/internal/models"
	"github.com/iudanet/edgesync/internal/resolver"
	"github.com/iudanet/edgesync/internal/server/storage/sqlite"
	"github.com/iudanet/edgesync/internal/server/syncer"
	"github.com/iudanet/edgesync/internal/server/versions"
	"github.com/iudanet/edgesync/internal/transport"
	"github.com/iudanet/edgesync/pkg/api"
)

// setupTestLogger creates a logger for testing
func setupTestLogger() *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: slog.LevelError, // Only show errors in tests
	}
	handler := slog.NewTextHandler(os.Stdout, opts)
	return slog.New(handler)
}

var tech = syncer.Principal{TenantID: "acme", DeviceID: "tablet-7", Subject: "tech-1"}

type testServer struct {
	url string
	svc *syncer.Service
}

func setupTestServer(t *testing.T, cfg SessionConfig) *testServer {
	t.Helper()
	ctx := context.Background()

	db, err := sqlite.New(ctx, ":memory:")
	require.NoError(t, err)
	require.NoError(t, db.SetEntityIDSequence(ctx, "acme", 5009))

	svc := syncer.New(versions.New(db), db, resolver.New(nil, nil), models.DefaultBatchSize, setupTestLogger())
	h := NewSyncHandler(setupTestLogger(), svc, cfg, nil)

	// участник подставляется напрямую, проверка handshake покрыта тестами middleware
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.HandleSync(w, r.WithContext(WithPrincipal(r.Context(), tech)))
	}))
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_ = h.Shutdown(shutdownCtx)
		srv.Close()
		_ = db.Close()
	})

	return &testServer{url: "ws" + strings.TrimPrefix(srv.URL, "http"), svc: svc}
}

func fastConfig() SessionConfig {
	cfg := DefaultSessionConfig()
	cfg.AckTimeout = 200 * time.Millisecond
	cfg.MaxResend = 1
	return cfg
}

// dial открывает сессию и проверяет connection_accepted
func (ts *testServer) dial(t *testing.T) *transport.Conn {
	t.Helper()
	ws, resp, err := websocket.DefaultDialer.Dial(ts.url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	conn := transport.New(ws, time.Second)
	t.Cleanup(func() { _ = conn.Close() })

	accepted := recv(t, conn)
	require.Equal(t, api.TypeConnectionAccepted, accepted.Type)
	assert.NotEmpty(t, accepted.SessionID)
	assert.Equal(t, int64(30), accepted.HeartbeatInterval)
	assert.Equal(t, models.DefaultBatchSize, accepted.BatchSize)
	return conn
}

func recv(t *testing.T, conn *transport.Conn) api.Envelope {
	t.Helper()
	type result struct {
		env api.Envelope
		err error
	}
	ch := make(chan result, 1)
	go func() {
		env, err := conn.Receive()
		ch <- result{env, err}
	}()

	select {
	case r := <-ch:
		require.NoError(t, r.err)
		return r.env
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
		return api.Envelope{}
	}
}

func send(t *testing.T, conn *transport.Conn, env api.Envelope) {
	t.Helper()
	require.NoError(t, conn.Send(context.Background(), env))
}

func uploadEnvelope(t *testing.T, correlationID string, ops ...api.Operation) api.Envelope {
	t.Helper()
	sum, err := api.Checksum(ops)
	require.NoError(t, err)
	return api.Envelope{
		Type:          api.TypeSyncData,
		CorrelationID: correlationID,
		BatchNumber:   1,
		TotalBatches:  1,
		Operations:    ops,
		Checksum:      sum,
	}
}

func payload(s string) map[string]json.RawMessage {
	out := map[string]json.RawMessage{}
	_ = json.Unmarshal([]byte(s), &out)
	return out
}

func seed(t *testing.T, svc *syncer.Service, n int) {
	t.Helper()
	for i := range n {
		_, err := svc.UploadPending(context.Background(), tech, &models.Batch{Operations: []models.Operation{{
			OperationID: fmt.Sprintf("seed-%d", i),
			EntityType:  "job",
			EntityID:    fmt.Sprintf("tmp-%d", i),
			Kind:        models.KindCreate,
			Payload:     models.Fields{"title": json.RawMessage(`"x"`)},
		}}})
		require.NoError(t, err)
	}
}

func TestSyncHandler_Unauthorized(t *testing.T) {
	h := NewSyncHandler(setupTestLogger(), nil, DefaultSessionConfig(), nil)

	w := httptest.NewRecorder()
	h.HandleSync(w, httptest.NewRequest(http.MethodGet, api.SyncPath, nil))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), string(api.ErrCodeUnauthorized))
}

func TestSession_Heartbeat(t *testing.T) {
	ts := setupTestServer(t, fastConfig())
	conn := ts.dial(t)

	send(t, conn, api.Envelope{Type: api.TypeHeartbeat, CorrelationID: "hb-1"})
	ack := recv(t, conn)
	assert.Equal(t, api.TypeHeartbeatAck, ack.Type)
	assert.Equal(t, "hb-1", ack.CorrelationID)
}

func TestSession_UploadThenDownload(t *testing.T) {
	ts := setupTestServer(t, fastConfig())
	conn := ts.dial(t)

	send(t, conn, uploadEnvelope(t, "up-1", api.Operation{
		OperationID: "op-1", EntityType: "job", EntityID: "tmp-A", Kind: "create",
		Payload: payload(`{"title":"replace pump"}`),
	}))

	ack := recv(t, conn)
	require.Equal(t, api.TypeSyncAck, ack.Type)
	assert.Equal(t, "up-1", ack.CorrelationID)
	assert.Equal(t, 1, ack.OperationsApplied)
	require.Len(t, ack.Results, 1)
	assert.Equal(t, "applied", ack.Results[0].Status)
	assert.Equal(t, []api.IDMapping{{TempID: "tmp-A", PermanentID: "5010", EntityType: "job"}}, ack.IDMappings)

	send(t, conn, api.Envelope{Type: api.TypeSyncStart, CorrelationID: "down-1", LastSyncTimestamp: 0})
	data := recv(t, conn)
	require.Equal(t, api.TypeSyncData, data.Type)
	assert.Equal(t, "down-1", data.CorrelationID)
	assert.Equal(t, 1, data.BatchNumber)
	assert.Equal(t, 1, data.TotalBatches)
	assert.True(t, api.VerifyChecksum(data.Operations, data.Checksum))
	require.Len(t, data.Operations, 1)
	assert.Equal(t, "5010", data.Operations[0].EntityID)
	assert.Equal(t, int64(1), data.Operations[0].Version)
	assert.Equal(t, "tech-1", data.Operations[0].UpdatedBy)

	send(t, conn, api.Envelope{Type: api.TypeSyncAck, CorrelationID: "down-1", BatchNumber: 1})

	send(t, conn, api.Envelope{Type: api.TypeSyncStart, CorrelationID: "down-2", LastSyncTimestamp: data.Checkpoint})
	empty := recv(t, conn)
	assert.Equal(t, api.TypeSyncAck, empty.Type)
	assert.True(t, empty.NothingToSync)
	assert.Equal(t, data.Checkpoint, empty.Checkpoint)
}

func TestSession_DownloadWindowAndResend(t *testing.T) {
	ts := setupTestServer(t, fastConfig())
	seed(t, ts.svc, 30)
	conn := ts.dial(t)

	send(t, conn, api.Envelope{Type: api.TypeSyncStart, CorrelationID: "down-1"})

	first := recv(t, conn)
	require.Equal(t, api.TypeSyncData, first.Type)
	assert.Equal(t, 1, first.BatchNumber)
	assert.Equal(t, 2, first.TotalBatches)
	assert.Len(t, first.Operations, 25)

	// без подтверждения следующий батч не уходит: приходит повтор первого
	resent := recv(t, conn)
	require.Equal(t, api.TypeSyncData, resent.Type)
	assert.Equal(t, 1, resent.BatchNumber)
	assert.Equal(t, first.Checksum, resent.Checksum)

	send(t, conn, api.Envelope{Type: api.TypeSyncAck, CorrelationID: "down-1", BatchNumber: 1})

	second := recv(t, conn)
	require.Equal(t, api.TypeSyncData, second.Type)
	assert.Equal(t, 2, second.BatchNumber)
	assert.Len(t, second.Operations, 5)
	assert.Equal(t, int64(30), second.Checkpoint)

	send(t, conn, api.Envelope{Type: api.TypeSyncAck, CorrelationID: "down-1", BatchNumber: 2})

	// сессия свободна для следующей работы
	send(t, conn, api.Envelope{Type: api.TypeHeartbeat, CorrelationID: "hb"})
	assert.Equal(t, api.TypeHeartbeatAck, recv(t, conn).Type)
}

func TestSession_DownloadAckTimeout(t *testing.T) {
	ts := setupTestServer(t, fastConfig())
	seed(t, ts.svc, 1)
	conn := ts.dial(t)

	send(t, conn, api.Envelope{Type: api.TypeSyncStart, CorrelationID: "down-1"})

	assert.Equal(t, api.TypeSyncData, recv(t, conn).Type)
	assert.Equal(t, api.TypeSyncData, recv(t, conn).Type)

	failure := recv(t, conn)
	require.Equal(t, api.TypeError, failure.Type)
	assert.Equal(t, api.ErrCodeAckTimeout, failure.ErrorCode)
	assert.True(t, failure.RetryAllowed)
	assert.Equal(t, "down-1", failure.CorrelationID)
}

func TestSession_DownloadResendOnClientChecksumError(t *testing.T) {
	cfg := fastConfig()
	cfg.AckTimeout = 5 * time.Second
	ts := setupTestServer(t, cfg)
	seed(t, ts.svc, 1)
	conn := ts.dial(t)

	send(t, conn, api.Envelope{Type: api.TypeSyncStart, CorrelationID: "down-1"})
	first := recv(t, conn)

	send(t, conn, api.Envelope{Type: api.TypeError, CorrelationID: "down-1", ErrorCode: api.ErrCodeBatchCorrupt, RetryAllowed: true})
	resent := recv(t, conn)
	assert.Equal(t, api.TypeSyncData, resent.Type)
	assert.Equal(t, first.Checksum, resent.Checksum)
}

func TestSession_CorruptUploadIsNotApplied(t *testing.T) {
	ts := setupTestServer(t, fastConfig())
	conn := ts.dial(t)

	env := uploadEnvelope(t, "up-1", api.Operation{
		OperationID: "op-1", EntityType: "job", EntityID: "tmp-A", Kind: "create",
		Payload: payload(`{"title":"replace pump"}`),
	})
	corrupt := env
	corrupt.Checksum = strings.Repeat("0", 64)

	send(t, conn, corrupt)
	failure := recv(t, conn)
	require.Equal(t, api.TypeError, failure.Type)
	assert.Equal(t, api.ErrCodeBatchCorrupt, failure.ErrorCode)
	assert.True(t, failure.RetryAllowed)

	delta, err := ts.svc.StartSync(context.Background(), "acme", 0)
	require.NoError(t, err)
	assert.True(t, delta.Empty(), "corrupt batch must not be applied")

	send(t, conn, env)
	ack := recv(t, conn)
	require.Equal(t, api.TypeSyncAck, ack.Type)
	assert.Equal(t, 1, ack.OperationsApplied)
}

func TestSession_UnknownKindIsItemized(t *testing.T) {
	ts := setupTestServer(t, fastConfig())
	conn := ts.dial(t)

	send(t, conn, uploadEnvelope(t, "up-1",
		api.Operation{OperationID: "op-1", EntityType: "job", EntityID: "tmp-A", Kind: "upsert", Payload: payload(`{"a":1}`)},
		api.Operation{OperationID: "op-2", EntityType: "job", EntityID: "tmp-B", Kind: "create", Payload: payload(`{"a":1}`)},
	))

	ack := recv(t, conn)
	require.Equal(t, api.TypeSyncAck, ack.Type)
	require.Len(t, ack.Results, 2)
	assert.Equal(t, "rejected", ack.Results[0].Status)
	assert.Equal(t, "applied", ack.Results[1].Status)
}

func TestSession_ConflictDetectedAndResolved(t *testing.T) {
	ts := setupTestServer(t, fastConfig())
	conn := ts.dial(t)

	send(t, conn, uploadEnvelope(t, "up-1", api.Operation{
		OperationID: "op-1", EntityType: "job", EntityID: "tmp-A", Kind: "create",
		Payload: payload(`{"title":"pump","priority":"low"}`),
	}))
	require.Equal(t, api.TypeSyncAck, recv(t, conn).Type)

	send(t, conn, uploadEnvelope(t, "up-2", api.Operation{
		OperationID: "op-2", EntityType: "job", EntityID: "5010", Kind: "update", BaseVersion: 1,
		Payload: payload(`{"title":"pump v2"}`),
	}))
	require.Equal(t, api.TypeSyncAck, recv(t, conn).Type)

	send(t, conn, uploadEnvelope(t, "up-3", api.Operation{
		OperationID: "op-3", EntityType: "job", EntityID: "5010", Kind: "update", BaseVersion: 1,
		Payload: payload(`{"priority":"urgent"}`),
	}))

	detected := recv(t, conn)
	require.Equal(t, api.TypeConflictDetected, detected.Type)
	require.NotNil(t, detected.Conflict)
	assert.Equal(t, int64(1), detected.Conflict.ClientVersion)
	assert.Equal(t, int64(2), detected.Conflict.ServerVersion)
	assert.Equal(t, "explicit", detected.Conflict.Strategy)

	ack := recv(t, conn)
	require.Equal(t, api.TypeSyncAck, ack.Type)
	require.Len(t, ack.Results, 1)
	assert.Equal(t, "conflicted", ack.Results[0].Status)
	assert.Equal(t, detected.Conflict.ConflictID, ack.Results[0].ConflictID)

	send(t, conn, api.Envelope{
		Type:          api.TypeConflictResolution,
		CorrelationID: "res-1",
		Resolution: &api.Resolution{
			ConflictID: detected.Conflict.ConflictID,
			Strategy:   "explicit",
			MergedData: payload(`{"title":"pump v2","priority":"urgent"}`),
		},
	})

	resolved := recv(t, conn)
	require.Equal(t, api.TypeConflictResolved, resolved.Type)
	assert.Equal(t, "res-1", resolved.CorrelationID)
	assert.Equal(t, int64(3), resolved.Conflict.ResolvedVersion)
	require.Len(t, resolved.Operations, 1)
	assert.Equal(t, int64(3), resolved.Operations[0].Version)
	assert.JSONEq(t, `"urgent"`, string(resolved.Operations[0].Payload["priority"]))
}

func TestSession_ResolutionErrors(t *testing.T) {
	ts := setupTestServer(t, fastConfig())
	conn := ts.dial(t)

	tests := []struct {
		name string
		env  api.Envelope
		code api.ErrorCode
	}{
		{
			name: "missing resolution",
			env:  api.Envelope{Type: api.TypeConflictResolution},
			code: api.ErrCodeBadMessage,
		},
		{
			name: "unknown strategy",
			env:  api.Envelope{Type: api.TypeConflictResolution, Resolution: &api.Resolution{ConflictID: "c", Strategy: "coin_flip"}},
			code: api.ErrCodeValidationFailed,
		},
		{
			name: "unknown conflict",
			env:  api.Envelope{Type: api.TypeConflictResolution, Resolution: &api.Resolution{ConflictID: "nope", Strategy: "last_write_wins"}},
			code: api.ErrCodeConflictNotFound,
		},
		{
			name: "unexpected message type",
			env:  api.Envelope{Type: api.TypeConnectionAccepted},
			code: api.ErrCodeBadMessage,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			send(t, conn, tt.env)
			got := recv(t, conn)
			require.Equal(t, api.TypeError, got.Type)
			assert.Equal(t, tt.code, got.ErrorCode)
			assert.False(t, got.RetryAllowed)
		})
	}
}
