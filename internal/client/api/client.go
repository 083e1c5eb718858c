// Package api содержит клиент authority: HTTP запросы и websocket handshake.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/iudanet/edgesync/internal/transport"
	"github.com/iudanet/edgesync/pkg/api"
)

// Credentials учетные данные handshake
type Credentials struct {
	Token    string
	TenantID string
	DeviceID string
}

// Client представляет клиент для взаимодействия с authority
type Client struct {
	httpClient   *http.Client
	dialer       *websocket.Dialer
	baseURL      string
	writeTimeout time.Duration
}

// NewClient создает новый API клиент. baseURL принимает схемы http(s) и ws(s).
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 15 * time.Second,
		},
		writeTimeout: transport.DefaultWriteTimeout,
	}
}

// Dial открывает sync канал. Отказ authority в handshake возвращается как *ConnectionError,
// сетевые ошибки возвращаются как есть и допускают повтор.
func (c *Client) Dial(ctx context.Context, creds Credentials) (*transport.Conn, error) {
	target, err := c.endpoint(api.SyncPath, true)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set(api.HeaderAuthorization, "Bearer "+creds.Token)
	header.Set(api.HeaderTenantID, creds.TenantID)
	header.Set(api.HeaderDeviceID, creds.DeviceID)

	ws, resp, err := c.dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			defer func() {
				_ = resp.Body.Close()
			}()
			if rejected := handshakeError(resp); rejected != nil {
				return nil, rejected
			}
			return nil, fmt.Errorf("handshake failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to dial %s: %w", target, err)
	}

	return transport.New(ws, c.writeTimeout), nil
}

// Health проверяет доступность authority
func (c *Client) Health(ctx context.Context) (*api.HealthResponse, error) {
	var resp api.HealthResponse
	if err := c.doRequest(ctx, http.MethodGet, api.HealthPath, &resp); err != nil {
		return nil, fmt.Errorf("health request failed: %w", err)
	}
	return &resp, nil
}

// doRequest выполняет HTTP запрос
func (c *Client) doRequest(ctx context.Context, method, path string, result any) error {
	target, err := c.endpoint(path, false)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	// Читаем тело ответа
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	// Проверяем статус код. Health отвечает 503 с телом, его тоже декодируем.
	if resp.StatusCode != http.StatusServiceUnavailable && (resp.StatusCode < 200 || resp.StatusCode >= 300) {
		var errResp api.ErrorResponse
		if err := json.Unmarshal(respBody, &errResp); err == nil && errResp.Error != "" {
			return fmt.Errorf("server error (%d): %s %s", resp.StatusCode, errResp.Error, errResp.Message)
		}
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}

	return nil
}

// endpoint строит URL для пути с нужной схемой
func (c *Client) endpoint(path string, ws bool) (string, error) {
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return "", fmt.Errorf("invalid server url %q: %w", c.baseURL, err)
	}

	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "http"
		if ws {
			u.Scheme = "ws"
		}
	case "https", "wss":
		u.Scheme = "https"
		if ws {
			u.Scheme = "wss"
		}
	default:
		return "", fmt.Errorf("invalid server url %q: unsupported scheme %q", c.baseURL, u.Scheme)
	}
	return u.String(), nil
}

// handshakeError возвращает *ConnectionError для отказов, которые нельзя повторять
func handshakeError(resp *http.Response) error {
	if resp.StatusCode != http.StatusUnauthorized && resp.StatusCode != http.StatusForbidden {
		return nil
	}

	rejected := &ConnectionError{StatusCode: resp.StatusCode, Code: api.ErrCodeUnauthorized}
	var body api.ErrorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err == nil {
		rejected.Message = body.Message
		if rejected.Message == "" {
			rejected.Message = body.Error
		}
		if body.Code != "" {
			rejected.Code = body.Code
		}
	} else if !errors.Is(err, io.EOF) {
		rejected.Message = http.StatusText(resp.StatusCode)
	}
	return rejected
}
