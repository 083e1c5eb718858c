// Package config загружает настройки сервера и клиента: значения по умолчанию,
// затем YAML файл, затем .env и переменные окружения EDGESYNC_*, затем флаги.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix префикс переменных окружения
const EnvPrefix = "EDGESYNC"

// ErrInvalidConfig indicates a configuration value out of range
var ErrInvalidConfig = errors.New("invalid configuration")

// LoadEnvFile загружает .env файл, если он существует.
// Уже заданные переменные окружения не перезаписываются.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	err := godotenv.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// NewViper создает viper с привязкой к окружению и значениями по умолчанию.
// configFile может быть пустым.
func NewViper(configFile string, defaults map[string]any) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", configFile, err)
		}
	}

	return v, nil
}

// BindFlags связывает ключи конфигурации с флагами: ключ -> имя флага.
// Флаг перекрывает остальные источники, только если задан явно.
// Флаги, не объявленные в fs, пропускаются: одна таблица обслуживает все подкоманды.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet, bindings map[string]string) error {
	for key, name := range bindings {
		flag := fs.Lookup(name)
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", name, err)
		}
	}
	return nil
}

// NewLogger создает slog логгер. format: text или json.
func NewLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("%w: log level %q", ErrInvalidConfig, level)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("%w: log format %q", ErrInvalidConfig, format)
	}
}
