// Package sync реализует клиентскую сторону Sync Coordinator: загрузку delta
// от authority, выгрузку Operation Log батчами и разрешение конфликтов.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/iudanet/edgesync/internal/client/data"
	"github.com/iudanet/edgesync/internal/client/oplog"
	"github.com/iudanet/edgesync/internal/client/storage"
	"github.com/iudanet/edgesync/internal/clock"
	"github.com/iudanet/edgesync/internal/models"
	"github.com/iudanet/edgesync/pkg/api"
)

// DefaultAckTimeout время ожидания ответа authority на батч
const DefaultAckTimeout = 30 * time.Second

// Channel канал сообщений с authority. Реализуется *session.Session.
type Channel interface {
	Send(ctx context.Context, env api.Envelope) error
	Receive(ctx context.Context) (api.Envelope, error)
}

// Config параметры синхронизации
type Config struct {
	BatchSize  int
	AckTimeout time.Duration
}

// Rejection операция, отклоненная authority навсегда
type Rejection struct {
	OperationID string
	Entity      string
	Reason      string
}

// Result итог синхронизации по операциям
type Result struct {
	Rejected     []Rejection                // Rejected отклонены и удалены из лога
	Conflicts    []*models.ConflictRecord   // Conflicts ждут явного разрешения
	AutoResolved []*models.ConflictRecord   // AutoResolved разрешены политикой authority
	Mappings     []models.IdentifierMapping // Mappings новые постоянные идентификаторы
	Purged       []*models.QueuedOperation  // Purged удалены по сроку хранения
	Applied      []string                   // Applied operation id примененных операций
	Delayed      []string                   // Delayed остались в логе и будут отправлены позже
	Checkpoint   int64                      // Checkpoint сохраненный checkpoint
	Pulled       int                        // Pulled получено сущностей от authority
	Pushed       int                        // Pushed отправлено операций
	Advanced     bool                       // Advanced checkpoint сдвинут в этой синхронизации
}

// Service Sync Coordinator клиента
type Service struct {
	log      *oplog.Log
	data     *data.Service
	meta     storage.MetadataStorage
	clock    clock.Clock
	logger   *slog.Logger
	tenantID string
	cfg      Config
}

// NewService creates a new sync service
func NewService(log *oplog.Log, dataSvc *data.Service, meta storage.MetadataStorage, tenantID string, cfg Config, clk clock.Clock, logger *slog.Logger) *Service {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = models.DefaultBatchSize
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Service{
		log:      log,
		data:     dataSvc,
		meta:     meta,
		clock:    clk,
		logger:   logger,
		tenantID: tenantID,
		cfg:      cfg,
	}
}

// Sync выполняет полную синхронизацию по каналу ch:
//  1. удаляет операции старше срока хранения
//  2. загружает delta с последнего checkpoint и подтверждает каждый батч
//  3. выгружает Operation Log батчами, по одному неподтвержденному батчу
//  4. сохраняет checkpoint, если не осталось неразрешенных конфликтов
//
// При ошибке Result тоже возвращается и содержит уже обработанные операции.
func (s *Service) Sync(ctx context.Context, ch Channel) (*Result, error) {
	result := &Result{}

	purged, err := s.log.PurgeExpired(ctx, s.clock.Now())
	if err != nil {
		return result, fmt.Errorf("failed to purge expired operations: %w", err)
	}
	if len(purged) > 0 {
		result.Purged = purged
		if err := s.data.Rebase(ctx, purged...); err != nil {
			return result, err
		}
	}

	checkpoint, err := s.meta.GetLastSyncTimestamp(ctx)
	if err != nil {
		return result, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	result.Checkpoint = checkpoint

	s.logger.Info("Starting synchronization",
		"checkpoint", checkpoint,
		"pending", len(s.log.Pending()))

	watermark, err := s.download(ctx, ch, checkpoint, result)
	if err != nil {
		return result, fmt.Errorf("download failed: %w", err)
	}

	if err := s.upload(ctx, ch, result); err != nil {
		for _, e := range s.log.Pending() {
			result.Delayed = append(result.Delayed, e.Operation.OperationID)
		}
		return result, fmt.Errorf("upload failed: %w", err)
	}

	if n := len(s.log.Conflicts()); n > 0 {
		s.logger.Info("Checkpoint kept until conflicts are resolved", "conflicts", n)
	} else if watermark > checkpoint {
		if err := s.meta.SaveLastSyncTimestamp(ctx, watermark); err != nil {
			return result, fmt.Errorf("failed to save checkpoint: %w", err)
		}
		result.Checkpoint = watermark
		result.Advanced = true
	}
	if err := s.meta.SaveLastSyncAt(ctx, s.clock.Now()); err != nil {
		s.logger.Warn("Failed to save last sync time", "error", err)
	}

	s.logger.Info("Synchronization completed",
		"pulled", result.Pulled,
		"pushed", result.Pushed,
		"applied", len(result.Applied),
		"rejected", len(result.Rejected),
		"conflicts", len(result.Conflicts),
		"checkpoint", result.Checkpoint)

	return result, nil
}

// download запрашивает delta и применяет батчи к локальной модели.
// Возвращает watermark authority.
func (s *Service) download(ctx context.Context, ch Channel, checkpoint int64, result *Result) (int64, error) {
	correlationID := uuid.NewString()
	err := ch.Send(ctx, api.Envelope{
		Type:              api.TypeSyncStart,
		CorrelationID:     correlationID,
		LastSyncTimestamp: checkpoint,
		Timestamp:         s.clock.Now().UTC(),
	})
	if err != nil {
		return 0, err
	}

	watermark := checkpoint
	applied := make(map[int]bool)
	for {
		env, err := s.receive(ctx, ch)
		if err != nil {
			return 0, err
		}
		if env.CorrelationID != correlationID {
			s.logger.Debug("Ignoring message of another exchange", "type", env.Type, "correlation_id", env.CorrelationID)
			continue
		}

		switch env.Type {
		case api.TypeSyncAck:
			if env.NothingToSync {
				return max(watermark, env.Checkpoint), nil
			}
		case api.TypeError:
			return 0, remoteError(env)
		case api.TypeSyncData:
			if !api.VerifyChecksum(env.Operations, env.Checksum) {
				s.logger.Warn("Received corrupt batch, requesting resend",
					"correlation_id", correlationID,
					"batch_number", env.BatchNumber)
				err := ch.Send(ctx, api.Envelope{
					Type:          api.TypeError,
					CorrelationID: correlationID,
					BatchNumber:   env.BatchNumber,
					ErrorCode:     api.ErrCodeBatchCorrupt,
					Message:       "checksum mismatch",
					RetryAllowed:  true,
				})
				if err != nil {
					return 0, err
				}
				continue
			}

			if !applied[env.BatchNumber] {
				entities, err := s.entities(env.Operations)
				if err != nil {
					return 0, err
				}
				if err := s.data.ApplyRemote(ctx, entities); err != nil {
					return 0, err
				}
				applied[env.BatchNumber] = true
				result.Pulled += len(entities)
			}

			err := ch.Send(ctx, api.Envelope{
				Type:          api.TypeSyncAck,
				CorrelationID: correlationID,
				BatchNumber:   env.BatchNumber,
			})
			if err != nil {
				return 0, err
			}

			watermark = max(watermark, env.Checkpoint)
			if env.BatchNumber >= env.TotalBatches {
				return watermark, nil
			}
		default:
			return 0, fmt.Errorf("%w: %s during download", ErrUnexpectedMessage, env.Type)
		}
	}
}

// uploadState сообщения authority, пришедшие до sync_ack батча
type uploadState struct {
	conflicts map[string]*models.ConflictRecord // по operation id
	resolved  map[string]*models.Entity         // по conflict id
}

// upload отправляет Operation Log батчами с окном 1
func (s *Service) upload(ctx context.Context, ch Channel, result *Result) error {
	pending := len(s.log.Pending())
	total := (pending + s.cfg.BatchSize - 1) / s.cfg.BatchSize

	for number := 1; ; number++ {
		batch, err := s.log.PeekNextBatch(ctx, s.cfg.BatchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}

		ops := make([]api.Operation, 0, len(batch))
		for _, q := range batch {
			ops = append(ops, models.ToAPIOperation(&q.Operation))
		}
		sum, err := api.Checksum(ops)
		if err != nil {
			return s.release(ctx, err)
		}

		msg := api.Envelope{
			Type:          api.TypeSyncData,
			CorrelationID: uuid.NewString(),
			BatchNumber:   number,
			TotalBatches:  max(total, number),
			Operations:    ops,
			Checksum:      sum,
		}

		ack, state, err := s.exchange(ctx, ch, msg)
		if err != nil {
			return s.release(ctx, err)
		}
		result.Pushed += len(batch)

		if err := s.applyAck(ctx, ack, state, result); err != nil {
			return s.release(ctx, err)
		}
	}
}

// exchange отправляет батч и ждет sync_ack. При таймауте или повторяемой
// ошибке батч отправляется заново ровно один раз.
func (s *Service) exchange(ctx context.Context, ch Channel, msg api.Envelope) (api.Envelope, *uploadState, error) {
	state := &uploadState{
		conflicts: make(map[string]*models.ConflictRecord),
		resolved:  make(map[string]*models.Entity),
	}

	resent := false
	for {
		msg.Timestamp = s.clock.Now().UTC()
		if err := ch.Send(ctx, msg); err != nil {
			return api.Envelope{}, nil, err
		}

		ack, err := s.awaitAck(ctx, ch, msg.CorrelationID, state)
		if err == nil {
			return ack, state, nil
		}

		var remote *RemoteError
		retry := errors.Is(err, ErrAckTimeout) || (errors.As(err, &remote) && remote.Retryable())
		if !retry || resent {
			return api.Envelope{}, nil, err
		}

		s.logger.Warn("Resending batch",
			"correlation_id", msg.CorrelationID,
			"batch_number", msg.BatchNumber,
			"cause", err)
		resent = true
	}
}

func (s *Service) awaitAck(ctx context.Context, ch Channel, correlationID string, state *uploadState) (api.Envelope, error) {
	for {
		env, err := s.receive(ctx, ch)
		if err != nil {
			return api.Envelope{}, err
		}
		if env.CorrelationID != correlationID {
			s.logger.Debug("Ignoring message of another exchange", "type", env.Type, "correlation_id", env.CorrelationID)
			continue
		}

		switch env.Type {
		case api.TypeSyncAck:
			return env, nil
		case api.TypeError:
			return api.Envelope{}, remoteError(env)
		case api.TypeConflictDetected:
			if env.Conflict == nil {
				return api.Envelope{}, fmt.Errorf("%w: conflict_detected without conflict", ErrUnexpectedMessage)
			}
			record, err := models.FromAPIConflict(env.Conflict)
			if err != nil {
				return api.Envelope{}, fmt.Errorf("invalid conflict: %w", err)
			}
			state.conflicts[record.Operation.OperationID] = record
		case api.TypeConflictResolved:
			if env.Conflict == nil || len(env.Operations) == 0 {
				return api.Envelope{}, fmt.Errorf("%w: conflict_resolved without entity", ErrUnexpectedMessage)
			}
			entity, err := models.EntityFromAPI(s.tenantID, &env.Operations[0])
			if err != nil {
				return api.Envelope{}, fmt.Errorf("invalid resolved entity: %w", err)
			}
			state.resolved[env.Conflict.ConflictID] = entity
		default:
			return api.Envelope{}, fmt.Errorf("%w: %s while awaiting sync_ack", ErrUnexpectedMessage, env.Type)
		}
	}
}

// applyAck применяет итоги батча: сначала соответствия идентификаторов,
// затем итоги операций в порядке батча
func (s *Service) applyAck(ctx context.Context, ack api.Envelope, state *uploadState, result *Result) error {
	if len(ack.Results) == 0 {
		return fmt.Errorf("%w: sync_ack without results", ErrUnexpectedMessage)
	}

	for _, m := range models.FromAPIMappings(ack.IDMappings) {
		if err := s.data.ApplyMapping(ctx, m); err != nil {
			return err
		}
		result.Mappings = append(result.Mappings, m)
	}

	for _, r := range ack.Results {
		res := models.FromAPIResult(r)
		var err error
		switch res.Status {
		case models.OutcomeApplied:
			err = s.applied(ctx, res, state, result)
		case models.OutcomeRejected:
			err = s.rejected(ctx, res, result)
		case models.OutcomeConflicted:
			err = s.conflicted(ctx, res, state, result)
		default:
			err = fmt.Errorf("%w: result status %q", ErrUnexpectedMessage, res.Status)
		}
		if errors.Is(err, oplog.ErrOperationNotFound) {
			s.logger.Warn("Result for operation no longer in log", "operation_id", res.OperationID)
			continue
		}
		if err != nil {
			return err
		}
	}

	// операции без итога остаются в логе и уйдут следующим батчем
	return s.log.ReleaseInFlight(ctx)
}

func (s *Service) applied(ctx context.Context, res models.OperationResult, state *uploadState, result *Result) error {
	removed, err := s.log.MarkApplied(ctx, oplog.Applied{OperationID: res.OperationID, Version: res.Version})
	if err != nil {
		return err
	}
	result.Applied = append(result.Applied, res.OperationID)

	if res.ConflictID != "" {
		if record, ok := state.conflicts[res.OperationID]; ok {
			result.AutoResolved = append(result.AutoResolved, record)
		}
		if entity, ok := state.resolved[res.ConflictID]; ok {
			if err := s.data.ApplyRemote(ctx, []*models.Entity{entity}); err != nil {
				return err
			}
			return s.data.Rebase(ctx, removed...)
		}
	}

	for _, e := range removed {
		if err := s.data.ConfirmApplied(ctx, e, res.Version); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) rejected(ctx context.Context, res models.OperationResult, result *Result) error {
	entry, err := s.log.MarkRejected(ctx, res.OperationID, res.Reason)
	if err != nil {
		return err
	}
	result.Rejected = append(result.Rejected, Rejection{
		OperationID: res.OperationID,
		Entity:      entry.Operation.LocalKey(),
		Reason:      res.Reason,
	})
	return s.data.Rebase(ctx, entry)
}

func (s *Service) conflicted(ctx context.Context, res models.OperationResult, state *uploadState, result *Result) error {
	record, ok := state.conflicts[res.OperationID]
	if !ok {
		// запись конфликта потерялась, сохраняем то, что известно из итога
		record = &models.ConflictRecord{ConflictID: res.ConflictID, ServerVersion: res.Version}
		if entry, found := s.log.Get(res.OperationID); found {
			record.Operation = entry.Operation
			record.ClientVersion = entry.Operation.BaseVersion
			record.ClientData = entry.Operation.Payload.Clone()
		}
	}
	if err := s.log.MarkConflicted(ctx, res.OperationID, record); err != nil {
		return err
	}
	result.Conflicts = append(result.Conflicts, record)
	return nil
}

// Resolve отправляет решение по конфликту и ждет conflict_resolved.
// merged обязателен для explicit, кроме разрешения конфликта удаления.
func (s *Service) Resolve(ctx context.Context, ch Channel, conflictID string, strategy models.Strategy, merged models.Fields) (*models.ConflictRecord, error) {
	correlationID := uuid.NewString()
	err := ch.Send(ctx, api.Envelope{
		Type:          api.TypeConflictResolution,
		CorrelationID: correlationID,
		Timestamp:     s.clock.Now().UTC(),
		Resolution: &api.Resolution{
			ConflictID: conflictID,
			Strategy:   string(strategy),
			MergedData: merged.Clone(),
		},
	})
	if err != nil {
		return nil, err
	}

	for {
		env, err := s.receive(ctx, ch)
		if err != nil {
			return nil, err
		}
		if env.CorrelationID != correlationID {
			continue
		}

		switch env.Type {
		case api.TypeError:
			return nil, remoteError(env)
		case api.TypeConflictResolved:
			if env.Conflict == nil {
				return nil, fmt.Errorf("%w: conflict_resolved without conflict", ErrUnexpectedMessage)
			}
			record, err := models.FromAPIConflict(env.Conflict)
			if err != nil {
				return nil, fmt.Errorf("invalid conflict: %w", err)
			}
			if err := s.resolved(ctx, record, env.Operations); err != nil {
				return nil, err
			}
			return record, nil
		default:
			return nil, fmt.Errorf("%w: %s while awaiting conflict_resolved", ErrUnexpectedMessage, env.Type)
		}
	}
}

// resolved удаляет конфликтную операцию из лога и применяет итоговое состояние
func (s *Service) resolved(ctx context.Context, record *models.ConflictRecord, ops []api.Operation) error {
	entry, err := s.log.MarkResolved(ctx, record.ConflictID, record.ResolvedVersion)
	switch {
	case errors.Is(err, oplog.ErrConflictNotFound):
		s.logger.Info("Resolved conflict is not in local log", "conflict_id", record.ConflictID)
	case err != nil:
		return err
	}

	if len(ops) > 0 {
		entity, err := models.EntityFromAPI(s.tenantID, &ops[0])
		if err != nil {
			return fmt.Errorf("invalid resolved entity: %w", err)
		}
		if err := s.data.ApplyRemote(ctx, []*models.Entity{entity}); err != nil {
			return err
		}
	}
	if entry != nil {
		return s.data.Rebase(ctx, entry)
	}
	return nil
}

// receive ждет следующее сообщение не дольше AckTimeout по часам сервиса
func (s *Service) receive(ctx context.Context, ch Channel) (api.Envelope, error) {
	rctx, cancel := context.WithCancel(ctx)
	defer cancel()

	timeout := s.clock.After(s.cfg.AckTimeout)
	go func() {
		select {
		case <-timeout:
			cancel()
		case <-rctx.Done():
		}
	}()

	env, err := ch.Receive(rctx)
	if err != nil && ctx.Err() == nil && rctx.Err() != nil {
		return api.Envelope{}, ErrAckTimeout
	}
	return env, err
}

// release возвращает батч в pending перед выходом с ошибкой
func (s *Service) release(ctx context.Context, cause error) error {
	if err := s.log.ReleaseInFlight(ctx); err != nil {
		s.logger.Error("Failed to release in-flight operations", "error", err)
	}
	return cause
}

func (s *Service) entities(ops []api.Operation) ([]*models.Entity, error) {
	out := make([]*models.Entity, 0, len(ops))
	for i := range ops {
		e, err := models.EntityFromAPI(s.tenantID, &ops[i])
		if err != nil {
			return nil, fmt.Errorf("invalid entity in batch: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}
