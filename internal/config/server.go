package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/iudanet/edgesync/internal/models"
)

// Ключи конфигурации сервера
const (
	KeyListenAddress     = "listen_address"
	KeyDBPath            = "db_path"
	KeyJWTSecret         = "jwt_secret"
	KeyPolicyFile        = "policy_file"
	KeyLogLevel          = "log_level"
	KeyLogFormat         = "log_format"
	KeyBatchSize         = "batch_size"
	KeyHeartbeatInterval = "heartbeat_interval"
	KeyAckTimeout        = "ack_timeout"
	KeyMaxResend         = "max_resend"
	KeyRateLimitBurst    = "rate_limit_burst"
	KeyRateLimitWindow   = "rate_limit_window"
	KeyShutdownTimeout   = "shutdown_timeout"
)

// ServerDefaults значения по умолчанию для сервера
func ServerDefaults() map[string]any {
	return map[string]any{
		KeyListenAddress:     ":8080",
		KeyDBPath:            "edgesync.db",
		KeyLogLevel:          "info",
		KeyLogFormat:         "text",
		KeyBatchSize:         models.DefaultBatchSize,
		KeyHeartbeatInterval: 30 * time.Second,
		KeyAckTimeout:        30 * time.Second,
		KeyMaxResend:         3,
		KeyRateLimitBurst:    30,
		KeyRateLimitWindow:   time.Minute,
		KeyShutdownTimeout:   10 * time.Second,
	}
}

// Server конфигурация authority
type Server struct {
	ListenAddress     string
	DBPath            string
	JWTSecret         string
	PolicyFile        string
	LogLevel          string
	LogFormat         string
	HeartbeatInterval time.Duration
	AckTimeout        time.Duration
	RateLimitWindow   time.Duration
	ShutdownTimeout   time.Duration
	BatchSize         int
	MaxResend         int
	RateLimitBurst    int
}

// LoadServer читает и проверяет конфигурацию сервера
func LoadServer(v *viper.Viper) (*Server, error) {
	cfg := &Server{
		ListenAddress:     v.GetString(KeyListenAddress),
		DBPath:            v.GetString(KeyDBPath),
		JWTSecret:         v.GetString(KeyJWTSecret),
		PolicyFile:        v.GetString(KeyPolicyFile),
		LogLevel:          v.GetString(KeyLogLevel),
		LogFormat:         v.GetString(KeyLogFormat),
		HeartbeatInterval: v.GetDuration(KeyHeartbeatInterval),
		AckTimeout:        v.GetDuration(KeyAckTimeout),
		RateLimitWindow:   v.GetDuration(KeyRateLimitWindow),
		ShutdownTimeout:   v.GetDuration(KeyShutdownTimeout),
		BatchSize:         v.GetInt(KeyBatchSize),
		MaxResend:         v.GetInt(KeyMaxResend),
		RateLimitBurst:    v.GetInt(KeyRateLimitBurst),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate проверяет значения
func (c *Server) Validate() error {
	switch {
	case c.DBPath == "":
		return fmt.Errorf("%w: %s is required", ErrInvalidConfig, KeyDBPath)
	case len(c.JWTSecret) < 16:
		return fmt.Errorf("%w: %s must be at least 16 bytes", ErrInvalidConfig, KeyJWTSecret)
	case c.BatchSize < 1:
		return fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, KeyBatchSize)
	case c.HeartbeatInterval < time.Second:
		return fmt.Errorf("%w: %s must be at least 1s", ErrInvalidConfig, KeyHeartbeatInterval)
	case c.AckTimeout <= 0:
		return fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, KeyAckTimeout)
	case c.MaxResend < 0:
		return fmt.Errorf("%w: %s must not be negative", ErrInvalidConfig, KeyMaxResend)
	case c.RateLimitBurst < 1 || c.RateLimitWindow <= 0:
		return fmt.Errorf("%w: rate limit must be positive", ErrInvalidConfig)
	}
	return nil
}
