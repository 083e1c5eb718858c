package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/iudanet/edgesync/internal/models"
)

// Ключи конфигурации клиента
const (
	KeyServerURL    = "server_url"
	KeyToken        = "token"
	KeyTenantID     = "tenant_id"
	KeyActor        = "actor"
	KeyLogCap       = "log_cap"
	KeyRetention    = "retention"
	KeySyncTimeout  = "sync_timeout"
	KeyClientDBPath = "client_db_path"
)

// ClientDefaults значения по умолчанию для клиента
func ClientDefaults() map[string]any {
	return map[string]any{
		KeyServerURL:         "ws://localhost:8080",
		KeyClientDBPath:      "edgesync-client.db",
		KeyLogLevel:          "warn",
		KeyBatchSize:         models.DefaultBatchSize,
		KeyHeartbeatInterval: 30 * time.Second,
		KeyAckTimeout:        30 * time.Second,
		KeyLogCap:            10000,
		KeyRetention:         7 * 24 * time.Hour,
		KeySyncTimeout:       5 * time.Minute,
	}
}

// Client конфигурация edge клиента
type Client struct {
	ServerURL         string
	DBPath            string
	Token             string
	TenantID          string
	Actor             string // Actor автор мутаций, по умолчанию device id
	LogLevel          string
	HeartbeatInterval time.Duration
	AckTimeout        time.Duration
	Retention         time.Duration
	SyncTimeout       time.Duration
	BatchSize         int
	LogCap            int
}

// LoadClient читает и проверяет конфигурацию клиента.
// Token и TenantID проверяются командами, которым нужно соединение.
func LoadClient(v *viper.Viper) (*Client, error) {
	cfg := &Client{
		ServerURL:         v.GetString(KeyServerURL),
		DBPath:            v.GetString(KeyClientDBPath),
		Token:             v.GetString(KeyToken),
		TenantID:          v.GetString(KeyTenantID),
		Actor:             v.GetString(KeyActor),
		LogLevel:          v.GetString(KeyLogLevel),
		HeartbeatInterval: v.GetDuration(KeyHeartbeatInterval),
		AckTimeout:        v.GetDuration(KeyAckTimeout),
		Retention:         v.GetDuration(KeyRetention),
		SyncTimeout:       v.GetDuration(KeySyncTimeout),
		BatchSize:         v.GetInt(KeyBatchSize),
		LogCap:            v.GetInt(KeyLogCap),
	}

	switch {
	case cfg.DBPath == "":
		return nil, fmt.Errorf("%w: %s is required", ErrInvalidConfig, KeyClientDBPath)
	case cfg.BatchSize < 1:
		return nil, fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, KeyBatchSize)
	case cfg.LogCap < 1:
		return nil, fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, KeyLogCap)
	case cfg.HeartbeatInterval < time.Second:
		return nil, fmt.Errorf("%w: %s must be at least 1s", ErrInvalidConfig, KeyHeartbeatInterval)
	case cfg.Retention <= 0:
		return nil, fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, KeyRetention)
	}
	return cfg, nil
}
