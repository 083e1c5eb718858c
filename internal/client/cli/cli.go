// Package cli реализует команды edge клиента.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/iudanet/edgesync/internal/client/api"
	"github.com/iudanet/edgesync/internal/client/data"
	"github.com/iudanet/edgesync/internal/client/iocli"
	"github.com/iudanet/edgesync/internal/client/oplog"
	"github.com/iudanet/edgesync/internal/client/session"
	"github.com/iudanet/edgesync/internal/client/storage"
	"github.com/iudanet/edgesync/internal/client/storage/boltdb"
	"github.com/iudanet/edgesync/internal/client/sync"
	"github.com/iudanet/edgesync/internal/clock"
	"github.com/iudanet/edgesync/internal/config"
	"github.com/iudanet/edgesync/internal/idmap"
)

// App открытое локальное хранилище и сервисы клиента
type App struct {
	io       iocli.IO
	cfg      *config.Client
	logger   *slog.Logger
	clock    clock.Clock
	store    *boltdb.Storage
	log      *oplog.Log
	data     *data.Service
	sync     *sync.Service
	api      *api.Client
	deviceID string
}

// Open открывает базу клиента и собирает сервисы.
// Идентификатор устройства создается при первом запуске и дальше не меняется.
func Open(ctx context.Context, cfg *config.Client, io iocli.IO, logger *slog.Logger) (*App, error) {
	store, err := boltdb.New(ctx, cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	app, err := assemble(ctx, store, cfg, io, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return app, nil
}

func assemble(ctx context.Context, store *boltdb.Storage, cfg *config.Client, io iocli.IO, logger *slog.Logger) (*App, error) {
	deviceID, err := store.GetDeviceID(ctx)
	if errors.Is(err, storage.ErrMetadataNotFound) {
		deviceID = uuid.NewString()
		if err := store.SaveDeviceID(ctx, deviceID); err != nil {
			return nil, fmt.Errorf("failed to save device id: %w", err)
		}
		logger.Info("Device registered", "device_id", deviceID)
	} else if err != nil {
		return nil, fmt.Errorf("failed to read device id: %w", err)
	}

	clk := clock.Real()
	log, err := oplog.Open(ctx, store, oplog.Config{Cap: cfg.LogCap, Retention: cfg.Retention}, clk, logger)
	if err != nil {
		return nil, err
	}

	actor := cfg.Actor
	if actor == "" {
		actor = deviceID
	}
	dataSvc := data.NewService(store, log, idmap.New(store), clk, actor, logger)
	syncSvc := sync.NewService(log, dataSvc, store, cfg.TenantID, sync.Config{
		BatchSize:  cfg.BatchSize,
		AckTimeout: cfg.AckTimeout,
	}, clk, logger)

	return &App{
		io:       io,
		cfg:      cfg,
		logger:   logger,
		clock:    clk,
		store:    store,
		log:      log,
		data:     dataSvc,
		sync:     syncSvc,
		api:      api.NewClient(cfg.ServerURL),
		deviceID: deviceID,
	}, nil
}

// Close закрывает локальное хранилище
func (a *App) Close() error {
	return a.store.Close()
}

// token возвращает токен доступа с приоритетом:
// 1. token из конфигурации или EDGESYNC_TOKEN
// 2. файл tokenFile
// 3. интерактивный ввод
func (a *App) token(tokenFile string) (string, error) {
	if a.cfg.Token != "" {
		return a.cfg.Token, nil
	}

	if tokenFile != "" {
		content, err := os.ReadFile(tokenFile)
		if err != nil {
			return "", fmt.Errorf("failed to read token file: %w", err)
		}
		token := strings.TrimSpace(string(content))
		if token == "" {
			return "", fmt.Errorf("token file is empty")
		}
		return token, nil
	}

	token, err := a.io.ReadPassword("Access token: ")
	if err != nil {
		return "", fmt.Errorf("failed to read token: %w", err)
	}
	if token == "" {
		return "", fmt.Errorf("token cannot be empty")
	}
	return token, nil
}

// manager создает Session Manager с учетными данными устройства
func (a *App) manager(tokenFile string) (*session.Manager, error) {
	if a.cfg.TenantID == "" {
		return nil, fmt.Errorf("%w: %s is required to connect", config.ErrInvalidConfig, config.KeyTenantID)
	}
	token, err := a.token(tokenFile)
	if err != nil {
		return nil, err
	}

	creds := api.Credentials{Token: token, TenantID: a.cfg.TenantID, DeviceID: a.deviceID}
	dial := func(ctx context.Context) (session.Conn, error) {
		conn, err := a.api.Dial(ctx, creds)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}

	cfg := session.DefaultConfig()
	cfg.HeartbeatInterval = a.cfg.HeartbeatInterval
	return session.New(dial, cfg, a.clock, a.logger), nil
}
