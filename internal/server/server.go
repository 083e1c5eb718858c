// Package server собирает authority: хранилище версий, сервис синхронизации,
// websocket сессии и HTTP роутер.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/iudanet/edgesync/internal/clock"
	"github.com/iudanet/edgesync/internal/config"
	"github.com/iudanet/edgesync/internal/resolver"
	"github.com/iudanet/edgesync/internal/server/handlers"
	"github.com/iudanet/edgesync/internal/server/middleware"
	"github.com/iudanet/edgesync/internal/server/storage/sqlite"
	"github.com/iudanet/edgesync/internal/server/syncer"
	"github.com/iudanet/edgesync/internal/server/versions"
	"github.com/iudanet/edgesync/pkg/api"
)

// Server authority одного процесса
type Server struct {
	cfg     *config.Server
	logger  *slog.Logger
	store   *sqlite.Storage
	syncer  *syncer.Service
	sync    *handlers.SyncHandler
	limiter *middleware.RateLimiter
	http    *http.Server
}

// New открывает хранилище (с миграциями), загружает политику разрешения конфликтов
// и собирает обработчики.
func New(ctx context.Context, cfg *config.Server, logger *slog.Logger) (*Server, error) {
	policy, err := resolver.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		return nil, err
	}

	store, err := sqlite.New(ctx, cfg.DBPath)
	if err != nil {
		return nil, err
	}

	clk := clock.Real()
	svc := syncer.New(versions.New(store), store, resolver.New(policy, clk), cfg.BatchSize, logger)

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		syncer:  svc,
		sync:    handlers.NewSyncHandler(logger, svc, sessionConfig(cfg), clk),
		limiter: middleware.NewRateLimiter(cfg.RateLimitBurst, cfg.RateLimitWindow, logger),
	}
	s.http = &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("Authority initialized",
		"db_path", cfg.DBPath,
		"batch_size", cfg.BatchSize,
		"heartbeat_interval", cfg.HeartbeatInterval,
	)
	return s, nil
}

func sessionConfig(cfg *config.Server) handlers.SessionConfig {
	sc := handlers.DefaultSessionConfig()
	sc.HeartbeatInterval = cfg.HeartbeatInterval
	sc.AckTimeout = cfg.AckTimeout
	sc.MaxResend = cfg.MaxResend
	return sc
}

// JWTConfig параметры проверки токенов handshake
func JWTConfig(cfg *config.Server, ttl time.Duration) handlers.JWTConfig {
	return handlers.JWTConfig{Secret: []byte(cfg.JWTSecret), AccessTokenTTL: ttl}
}

// Router возвращает маршруты authority. Health открыт, sync канал требует токен
// и ограничен по частоте handshake.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(middleware.RecoveryMiddleware(s.logger))
	r.Use(middleware.LoggingWithSkip(s.logger, []string{api.HealthPath}))

	r.Get(api.HealthPath, handlers.NewHealthHandler(s.logger, s.store).Health)

	r.Group(func(r chi.Router) {
		r.Use(s.limiter.Middleware)
		r.Use(middleware.AuthMiddleware(s.logger, JWTConfig(s.cfg, 0)))
		r.Get(api.SyncPath, s.sync.HandleSync)
	})

	return r
}

// Storage хранилище authority
func (s *Server) Storage() *sqlite.Storage {
	return s.store
}

// Syncer сервис синхронизации
func (s *Server) Syncer() *syncer.Service {
	return s.syncer
}

// Run слушает cfg.ListenAddress до отмены ctx
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddress, err)
	}
	return s.Serve(ctx, ln)
}

// Serve обслуживает ln до отмены ctx, затем закрывает сессии и HTTP сервер
// в пределах cfg.ShutdownTimeout.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("Authority listening", "address", ln.Addr().String())
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		return s.shutdown()
	})

	return g.Wait()
}

func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Shutting down authority")

	// http.Server.Shutdown не ждет hijacked соединения, поэтому сессии закрываются отдельно
	err := errors.Join(s.sync.Shutdown(ctx), s.http.Shutdown(ctx))
	if err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return nil
}

// Close освобождает хранилище и фоновые задачи
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.limiter.Stop()
	return errors.Join(s.sync.Shutdown(ctx), s.store.Close())
}
