package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/iudanet/edgesync/internal/clock"
	"github.com/iudanet/edgesync/internal/models"
	"github.com/iudanet/edgesync/internal/resolver"
	"github.com/iudanet/edgesync/internal/server/syncer"
	"github.com/iudanet/edgesync/internal/transport"
	"github.com/iudanet/edgesync/pkg/api"
)

var (
	errAckTimeout  = errors.New("ack timeout")
	errResend      = errors.New("peer requested resend")
	errIdleSession = errors.New("no messages from client within heartbeat window")
)

// SessionConfig параметры протокольной сессии
type SessionConfig struct {
	HeartbeatInterval time.Duration // HeartbeatInterval ожидаемый период heartbeat клиента
	AckTimeout        time.Duration // AckTimeout ожидание sync_ack на отправленный батч
	WriteTimeout      time.Duration
	MaxResend         int // MaxResend число повторов батча до ошибки ack_timeout
	MissedHeartbeats  int // MissedHeartbeats сколько интервалов тишины допускается до закрытия
}

// DefaultSessionConfig возвращает параметры по умолчанию
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		HeartbeatInterval: 30 * time.Second,
		AckTimeout:        30 * time.Second,
		WriteTimeout:      transport.DefaultWriteTimeout,
		MaxResend:         3,
		MissedHeartbeats:  3,
	}
}

// SyncHandler принимает websocket сессии синхронизации
type SyncHandler struct {
	ctx      context.Context
	logger   *slog.Logger
	svc      *syncer.Service
	clock    clock.Clock
	cancel   context.CancelFunc
	upgrader websocket.Upgrader
	cfg      SessionConfig
	wg       sync.WaitGroup
}

// NewSyncHandler creates a new sync handler
func NewSyncHandler(logger *slog.Logger, svc *syncer.Service, cfg SessionConfig, clk clock.Clock) *SyncHandler {
	if clk == nil {
		clk = clock.Real()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &SyncHandler{
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
		svc:    svc,
		clock:  clk,
		cfg:    cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// Shutdown закрывает все открытые сессии и ждет их завершения
func (h *SyncHandler) Shutdown(ctx context.Context) error {
	h.cancel()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleSync обрабатывает GET /api/v1/sync/ws.
// Участник уже проверен AuthMiddleware, здесь выполняется upgrade.
func (h *SyncHandler) HandleSync(w http.ResponseWriter, r *http.Request) {
	p, ok := GetPrincipal(r.Context())
	if !ok {
		h.logger.Error("Principal not found in context")
		WriteError(w, h.logger, http.StatusUnauthorized, api.ErrCodeUnauthorized, "missing credentials")
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade уже записал ответ
		h.logger.Warn("Websocket upgrade failed", "error", err, "tenant_id", p.TenantID)
		return
	}

	h.wg.Add(1)
	defer h.wg.Done()

	s := &session{
		id:        uuid.NewString(),
		principal: p,
		conn:      transport.New(ws, h.cfg.WriteTimeout),
		svc:       h.svc,
		clock:     h.clock,
		cfg:       h.cfg,
		inbox:     make(chan api.Envelope, 16),
		activity:  make(chan struct{}, 1),
	}
	s.logger = h.logger.With("session_id", s.id, "tenant_id", p.TenantID, "device_id", p.DeviceID)

	s.logger.Info("Session opened", "subject", p.Subject)
	err = s.run(h.ctx)
	switch {
	case err == nil, errors.Is(err, context.Canceled), transport.IsClosed(err):
		s.logger.Info("Session closed")
	default:
		s.logger.Warn("Session terminated", "error", err)
	}
}

// session одно websocket соединение. Читает только readLoop, остальные
// сообщения обрабатываются последовательно в run.
type session struct {
	clock     clock.Clock
	logger    *slog.Logger
	svc       *syncer.Service
	conn      *transport.Conn
	inbox     chan api.Envelope
	activity  chan struct{}
	readErr   error
	principal syncer.Principal
	id        string
	cfg       SessionConfig
}

func (s *session) run(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	defer s.conn.Close()

	go s.readLoop(ctx)

	err := s.send(ctx, api.Envelope{
		Type:              api.TypeConnectionAccepted,
		SessionID:         s.id,
		HeartbeatInterval: int64(s.cfg.HeartbeatInterval / time.Second),
		BatchSize:         s.svc.BatchSize(),
	})
	if err != nil {
		return err
	}

	idle := s.clock.NewTicker(s.cfg.HeartbeatInterval)
	defer idle.Stop()
	missed := 0

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.activity:
			missed = 0
		case <-idle.C:
			missed++
			if missed >= s.cfg.MissedHeartbeats {
				return errIdleSession
			}
		case env, ok := <-s.inbox:
			if !ok {
				return s.readErr
			}
			missed = 0
			if err := s.dispatch(ctx, env); err != nil {
				return err
			}
		}
	}
}

// readLoop единственный читатель соединения. Heartbeat отвечается сразу,
// чтобы синхронизация не задерживала heartbeat_ack.
func (s *session) readLoop(ctx context.Context) {
	defer close(s.inbox)

	for {
		env, err := s.conn.Receive()
		if errors.Is(err, transport.ErrMalformed) {
			s.logger.Warn("Malformed message", "error", err)
			if err := s.sendError(ctx, "", api.ErrCodeBadMessage, err.Error()); err != nil {
				s.readErr = err
				return
			}
			continue
		}
		if err != nil {
			s.readErr = err
			return
		}

		select {
		case s.activity <- struct{}{}:
		default:
		}

		if env.Type == api.TypeHeartbeat {
			ack := api.Envelope{Type: api.TypeHeartbeatAck, CorrelationID: env.CorrelationID}
			if err := s.send(ctx, ack); err != nil {
				s.readErr = err
				return
			}
			continue
		}

		select {
		case s.inbox <- env:
		case <-ctx.Done():
			s.readErr = ctx.Err()
			return
		}
	}
}

func (s *session) dispatch(ctx context.Context, env api.Envelope) error {
	switch env.Type {
	case api.TypeSyncStart:
		return s.download(ctx, env)
	case api.TypeSyncData:
		return s.upload(ctx, env)
	case api.TypeConflictResolution:
		return s.resolve(ctx, env)
	case api.TypeSyncAck:
		// запоздалое подтверждение уже переотправленного батча
		s.logger.Debug("Stray sync_ack", "correlation_id", env.CorrelationID, "batch_number", env.BatchNumber)
		return nil
	case api.TypeError:
		s.logger.Warn("Client reported error",
			"correlation_id", env.CorrelationID,
			"error_code", env.ErrorCode,
			"message", env.Message)
		return nil
	default:
		return s.sendError(ctx, env.CorrelationID, api.ErrCodeBadMessage,
			fmt.Sprintf("unexpected message type %q", env.Type))
	}
}

// download отправляет изменения после checkpoint клиента батчами с окном 1
func (s *session) download(ctx context.Context, env api.Envelope) error {
	delta, err := s.svc.StartSync(ctx, s.principal.TenantID, env.LastSyncTimestamp)
	if err != nil {
		s.logger.Error("Failed to compute delta", "error", err)
		return s.sendError(ctx, env.CorrelationID, api.ErrCodeServerError, "failed to compute delta")
	}

	correlationID := env.CorrelationID
	if correlationID == "" {
		correlationID = delta.CorrelationID
	}

	if delta.Empty() {
		return s.send(ctx, api.Envelope{
			Type:          api.TypeSyncAck,
			CorrelationID: correlationID,
			NothingToSync: true,
			Checkpoint:    delta.Checkpoint,
		})
	}

	for _, b := range delta.Batches {
		ops := make([]api.Operation, 0, len(b.Entities))
		for _, e := range b.Entities {
			ops = append(ops, models.EntityToAPI(e))
		}
		sum, err := api.Checksum(ops)
		if err != nil {
			return err
		}
		msg := api.Envelope{
			Type:          api.TypeSyncData,
			CorrelationID: correlationID,
			BatchNumber:   b.BatchNumber,
			TotalBatches:  b.TotalBatches,
			Operations:    ops,
			Checksum:      sum,
			Checkpoint:    delta.Checkpoint,
		}

		delivered := false
		for attempt := 0; attempt <= s.cfg.MaxResend; attempt++ {
			if attempt > 0 {
				s.logger.Info("Resending batch",
					"correlation_id", correlationID,
					"batch_number", b.BatchNumber,
					"attempt", attempt)
			}
			if err := s.send(ctx, msg); err != nil {
				return err
			}

			err := s.awaitAck(ctx, correlationID, b.BatchNumber)
			if err == nil {
				delivered = true
				break
			}
			if !errors.Is(err, errAckTimeout) && !errors.Is(err, errResend) {
				return err
			}
		}

		if !delivered {
			s.logger.Warn("Batch not acknowledged",
				"correlation_id", correlationID,
				"batch_number", b.BatchNumber)
			return s.send(ctx, api.Envelope{
				Type:          api.TypeError,
				CorrelationID: correlationID,
				BatchNumber:   b.BatchNumber,
				ErrorCode:     api.ErrCodeAckTimeout,
				Message:       fmt.Sprintf("batch %d/%d was not acknowledged", b.BatchNumber, b.TotalBatches),
				RetryAllowed:  true,
			})
		}
	}

	s.logger.Info("Delta delivered",
		"correlation_id", correlationID,
		"batches", len(delta.Batches),
		"checkpoint", delta.Checkpoint)

	return nil
}

// awaitAck ждет sync_ack для батча. Остальные сообщения в это время
// отклоняются: клиент не должен начинать новую работу до подтверждения.
func (s *session) awaitAck(ctx context.Context, correlationID string, batchNumber int) error {
	timeout := s.clock.After(s.cfg.AckTimeout)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout:
			return errAckTimeout
		case env, ok := <-s.inbox:
			if !ok {
				return s.readErr
			}
			switch {
			case env.Type == api.TypeSyncAck && env.CorrelationID == correlationID && env.BatchNumber == batchNumber:
				return nil
			case env.Type == api.TypeError && env.CorrelationID == correlationID && env.ErrorCode.Retryable():
				s.logger.Warn("Client rejected batch",
					"correlation_id", correlationID,
					"batch_number", batchNumber,
					"error_code", env.ErrorCode)
				return errResend
			case env.Type == api.TypeSyncAck:
				s.logger.Debug("Ignoring ack for another batch",
					"correlation_id", env.CorrelationID,
					"batch_number", env.BatchNumber)
			default:
				if err := s.sendError(ctx, env.CorrelationID, api.ErrCodeBadMessage,
					fmt.Sprintf("%s not allowed while batch %d awaits acknowledgment", env.Type, batchNumber)); err != nil {
					return err
				}
			}
		}
	}
}

// upload обрабатывает батч операций клиента
func (s *session) upload(ctx context.Context, env api.Envelope) error {
	if !api.VerifyChecksum(env.Operations, env.Checksum) {
		s.logger.Warn("Batch checksum mismatch",
			"correlation_id", env.CorrelationID,
			"batch_number", env.BatchNumber)
		return s.send(ctx, api.Envelope{
			Type:          api.TypeError,
			CorrelationID: env.CorrelationID,
			BatchNumber:   env.BatchNumber,
			ErrorCode:     api.ErrCodeBatchCorrupt,
			Message:       "checksum mismatch",
			RetryAllowed:  true,
		})
	}
	if len(env.Operations) > s.svc.BatchSize() {
		return s.sendError(ctx, env.CorrelationID, api.ErrCodeValidationFailed,
			fmt.Sprintf("batch exceeds %d operations", s.svc.BatchSize()))
	}

	batch := &models.Batch{
		CorrelationID: env.CorrelationID,
		BatchNumber:   env.BatchNumber,
		TotalBatches:  env.TotalBatches,
		Checksum:      env.Checksum,
		Operations:    make([]models.Operation, 0, len(env.Operations)),
	}
	for i := range env.Operations {
		batch.Operations = append(batch.Operations, models.UploadedOperation(&env.Operations[i]))
	}

	res, err := s.svc.UploadPending(ctx, s.principal, batch)
	if err != nil {
		s.logger.Error("Failed to process batch",
			"correlation_id", env.CorrelationID,
			"batch_number", env.BatchNumber,
			"error", err)
		return s.send(ctx, api.Envelope{
			Type:          api.TypeError,
			CorrelationID: env.CorrelationID,
			BatchNumber:   env.BatchNumber,
			ErrorCode:     api.ErrCodeServerError,
			Message:       "failed to process batch",
			RetryAllowed:  true,
		})
	}

	// конфликты отправляются до sync_ack, чтобы клиент получил записи
	// раньше итогов, которые на них ссылаются
	for _, c := range res.Conflicts {
		err := s.send(ctx, api.Envelope{
			Type:          api.TypeConflictDetected,
			CorrelationID: env.CorrelationID,
			Conflict:      models.ToAPIConflict(c.Record),
		})
		if err != nil {
			return err
		}
		if c.Entity != nil {
			if err := s.sendResolved(ctx, env.CorrelationID, c.Record, c.Entity); err != nil {
				return err
			}
		}
	}

	results := make([]api.OperationResult, 0, len(res.Ack.Results))
	for _, r := range res.Ack.Results {
		results = append(results, models.ToAPIResult(r))
	}

	return s.send(ctx, api.Envelope{
		Type:              api.TypeSyncAck,
		CorrelationID:     res.Ack.CorrelationID,
		BatchNumber:       res.Ack.BatchNumber,
		Results:           results,
		IDMappings:        models.ToAPIMappings(res.Ack.IDMappings),
		OperationsApplied: res.Ack.OperationsApplied,
		OperationsFailed:  res.Ack.OperationsFailed,
	})
}

// resolve применяет решение клиента по конфликту
func (s *session) resolve(ctx context.Context, env api.Envelope) error {
	if env.Resolution == nil {
		return s.sendError(ctx, env.CorrelationID, api.ErrCodeBadMessage, "conflict_resolution without resolution")
	}

	strategy, err := models.ParseStrategy(env.Resolution.Strategy)
	if err != nil {
		return s.sendError(ctx, env.CorrelationID, api.ErrCodeValidationFailed, err.Error())
	}

	var merged models.Fields
	if env.Resolution.MergedData != nil {
		merged = models.Fields(env.Resolution.MergedData).Clone()
	}

	record, entity, err := s.svc.ResolveConflict(ctx, s.principal, env.Resolution.ConflictID, strategy, merged)
	switch {
	case err == nil:
	case errors.Is(err, syncer.ErrConflictNotFound):
		return s.sendError(ctx, env.CorrelationID, api.ErrCodeConflictNotFound, err.Error())
	case errors.Is(err, resolver.ErrMergedDataRequired),
		errors.Is(err, resolver.ErrUnknownStrategy),
		errors.Is(err, resolver.ErrEntityMissing):
		return s.sendError(ctx, env.CorrelationID, api.ErrCodeValidationFailed, err.Error())
	default:
		s.logger.Error("Failed to resolve conflict", "conflict_id", env.Resolution.ConflictID, "error", err)
		return s.send(ctx, api.Envelope{
			Type:          api.TypeError,
			CorrelationID: env.CorrelationID,
			ErrorCode:     api.ErrCodeServerError,
			Message:       "failed to resolve conflict",
			RetryAllowed:  true,
		})
	}

	return s.sendResolved(ctx, env.CorrelationID, record, entity)
}

// sendResolved сообщает итог конфликта вместе с каноническим состоянием сущности
func (s *session) sendResolved(ctx context.Context, correlationID string, record *models.ConflictRecord, entity *models.Entity) error {
	msg := api.Envelope{
		Type:          api.TypeConflictResolved,
		CorrelationID: correlationID,
		Conflict:      models.ToAPIConflict(record),
	}
	if entity != nil {
		msg.Operations = []api.Operation{models.EntityToAPI(entity)}
	}
	return s.send(ctx, msg)
}

func (s *session) sendError(ctx context.Context, correlationID string, code api.ErrorCode, msg string) error {
	return s.send(ctx, api.Envelope{
		Type:          api.TypeError,
		CorrelationID: correlationID,
		ErrorCode:     code,
		Message:       msg,
		RetryAllowed:  code.Retryable(),
	})
}

func (s *session) send(ctx context.Context, env api.Envelope) error {
	env.Timestamp = s.clock.Now()
	return s.conn.Send(ctx, env)
}
