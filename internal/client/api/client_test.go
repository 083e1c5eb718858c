package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/edgesync/internal/server/handlers"
	"github.com/iudanet/edgesync/internal/server/middleware"
	"github.com/iudanet/edgesync/pkg/api"
)

var jwtConfig = handlers.JWTConfig{Secret: []byte("test-secret-0123456789"), AccessTokenTTL: time.Hour}

func setupTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

// newAuthorityStub поднимает handshake с настоящей проверкой токена и эхо сессией
func newAuthorityStub(t *testing.T, dbErr error) *httptest.Server {
	t.Helper()
	logger := setupTestLogger()
	upgrader := websocket.Upgrader{}

	mux := http.NewServeMux()
	mux.Handle(api.SyncPath, middleware.AuthMiddleware(logger, jwtConfig)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := handlers.GetPrincipal(r.Context())
		if !assert.True(t, ok) {
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		_ = ws.WriteJSON(api.Envelope{Type: api.TypeConnectionAccepted, SessionID: p.TenantID + "/" + p.DeviceID})
	})))
	mux.HandleFunc("/api/v1/health", handlers.NewHealthHandler(logger, pinger{err: dbErr}).Health)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func validToken(t *testing.T, tenant string) string {
	t.Helper()
	token, _, err := handlers.GenerateAccessToken(jwtConfig, "tech-1", tenant)
	require.NoError(t, err)
	return token
}

func TestNewClient(t *testing.T) {
	client := NewClient("http://localhost:8080/")

	assert.Equal(t, "http://localhost:8080", client.baseURL)
	assert.Equal(t, 30*time.Second, client.httpClient.Timeout)
}

func TestEndpoint(t *testing.T) {
	tests := []struct {
		name    string
		base    string
		ws      bool
		want    string
		wantErr bool
	}{
		{name: "http to ws", base: "http://host:8080", ws: true, want: "ws://host:8080/p"},
		{name: "ws to http", base: "ws://host:8080", ws: false, want: "http://host:8080/p"},
		{name: "tls", base: "https://host", ws: true, want: "wss://host/p"},
		{name: "wss keeps tls for http", base: "wss://host", ws: false, want: "https://host/p"},
		{name: "bad scheme", base: "ftp://host", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewClient(tt.base).endpoint("/p", tt.ws)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDial_Success(t *testing.T) {
	srv := newAuthorityStub(t, nil)
	client := NewClient(srv.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := client.Dial(ctx, Credentials{Token: validToken(t, "acme"), TenantID: "acme", DeviceID: "tablet-7"})
	require.NoError(t, err)
	defer conn.Close()

	env, err := conn.Receive()
	require.NoError(t, err)
	assert.Equal(t, api.TypeConnectionAccepted, env.Type)
	assert.Equal(t, "acme/tablet-7", env.SessionID)
}

func TestDial_Rejected(t *testing.T) {
	srv := newAuthorityStub(t, nil)
	client := NewClient(srv.URL)

	tests := []struct {
		name    string
		creds   Credentials
		message string
	}{
		{name: "bad token", creds: Credentials{Token: "garbage", TenantID: "acme", DeviceID: "tablet-7"}, message: "invalid token"},
		{name: "tenant mismatch", creds: Credentials{Token: validToken(t, "acme"), TenantID: "globex", DeviceID: "tablet-7"}, message: "tenant does not match token"},
		{name: "missing device", creds: Credentials{Token: validToken(t, "acme"), TenantID: "acme"}, message: "invalid device id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := client.Dial(context.Background(), tt.creds)
			require.Error(t, err)
			assert.True(t, IsFatal(err))

			var connErr *ConnectionError
			require.True(t, errors.As(err, &connErr))
			assert.Equal(t, http.StatusUnauthorized, connErr.StatusCode)
			assert.Equal(t, api.ErrCodeUnauthorized, connErr.Code)
			assert.Equal(t, tt.message, connErr.Message)
		})
	}
}

func TestDial_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewClient(url).Dial(context.Background(), Credentials{Token: "t", TenantID: "acme", DeviceID: "d"})
	require.Error(t, err)
	assert.False(t, IsFatal(err), "network failure must stay retryable")
}

func TestHealth(t *testing.T) {
	ok := newAuthorityStub(t, nil)
	resp, err := NewClient(ok.URL).Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Status)

	degraded := newAuthorityStub(t, errors.New("disk gone"))
	resp, err = NewClient(degraded.URL).Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "unavailable", resp.Database)
}
