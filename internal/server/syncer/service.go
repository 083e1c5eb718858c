// Package syncer реализует сторону authority координатора синхронизации:
// вычисление delta по checkpoint, прием батчей клиента и разрешение конфликтов.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/iudanet/edgesync/internal/idmap"
	"github.com/iudanet/edgesync/internal/models"
	"github.com/iudanet/edgesync/internal/resolver"
	"github.com/iudanet/edgesync/internal/server/storage"
	"github.com/iudanet/edgesync/internal/server/versions"
	"github.com/iudanet/edgesync/internal/validation"
)

// ErrConflictNotFound indicates resolution of an unknown conflict id
var ErrConflictNotFound = errors.New("conflict not found")

// Principal участник сессии, прошедший handshake
type Principal struct {
	TenantID string
	DeviceID string
	Subject  string
}

// DeltaBatch батч изменений authority -> client
type DeltaBatch struct {
	Entities     []*models.Entity
	BatchNumber  int
	TotalBatches int
}

// Delta изменения после checkpoint клиента, разбитые на батчи
type Delta struct {
	CorrelationID string
	Batches       []DeltaBatch
	Checkpoint    int64 // Checkpoint новый high-watermark после применения всех батчей
}

// Empty reports whether there is nothing to send.
func (d *Delta) Empty() bool {
	return len(d.Batches) == 0
}

// ConflictEvent конфликт, о котором нужно сообщить клиенту.
// Entity заполнен, если конфликт уже разрешен.
type ConflictEvent struct {
	Record *models.ConflictRecord
	Entity *models.Entity
}

// UploadResult итог обработки батча клиента
type UploadResult struct {
	Conflicts []ConflictEvent
	Ack       models.BatchAck
}

// Service координатор синхронизации authority
type Service struct {
	store     *versions.Store
	state     storage.SyncStateStorage
	resolver  *resolver.Resolver
	logger    *slog.Logger
	tables    map[string]*idmap.Table
	newID     func() string
	batchSize int
	tablesMu  sync.Mutex
}

// New создает Service
func New(store *versions.Store, state storage.SyncStateStorage, res *resolver.Resolver, batchSize int, logger *slog.Logger) *Service {
	if batchSize <= 0 {
		batchSize = models.DefaultBatchSize
	}
	return &Service{
		store:     store,
		state:     state,
		resolver:  res,
		logger:    logger,
		tables:    make(map[string]*idmap.Table),
		newID:     uuid.NewString,
		batchSize: batchSize,
	}
}

// BatchSize возвращает размер батча
func (s *Service) BatchSize() int {
	return s.batchSize
}

// StartSync вычисляет все изменения тенанта со change_seq строго больше
// lastCheckpoint и разбивает их на батчи фиксированного размера.
func (s *Service) StartSync(ctx context.Context, tenantID string, lastCheckpoint int64) (*Delta, error) {
	entities, err := s.store.ChangesSince(ctx, tenantID, lastCheckpoint, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to compute delta: %w", err)
	}

	delta := &Delta{
		CorrelationID: s.newID(),
		Checkpoint:    lastCheckpoint,
	}

	if len(entities) == 0 {
		latest, err := s.store.LatestChangeSeq(ctx, tenantID)
		if err != nil {
			return nil, fmt.Errorf("failed to read watermark: %w", err)
		}
		delta.Checkpoint = max(lastCheckpoint, latest)
		return delta, nil
	}

	total := (len(entities) + s.batchSize - 1) / s.batchSize
	for i := 0; i < total; i++ {
		end := min((i+1)*s.batchSize, len(entities))
		delta.Batches = append(delta.Batches, DeltaBatch{
			Entities:     entities[i*s.batchSize : end],
			BatchNumber:  i + 1,
			TotalBatches: total,
		})
	}
	delta.Checkpoint = entities[len(entities)-1].ChangeSeq

	s.logger.Debug("Delta computed",
		"tenant_id", tenantID,
		"since", lastCheckpoint,
		"entities", len(entities),
		"batches", total,
		"checkpoint", delta.Checkpoint)

	return delta, nil
}

// UploadPending обрабатывает батч операций клиента. Ошибка валидации или конфликт
// одной операции не прерывает батч: итоги перечислены по операциям.
// Операция с уже обработанным operation_id возвращает сохраненный итог.
// Ошибка возвращается только при сбое хранилища; батч тогда можно повторить.
func (s *Service) UploadPending(ctx context.Context, p Principal, batch *models.Batch) (*UploadResult, error) {
	res := &UploadResult{
		Ack: models.BatchAck{
			CorrelationID: batch.CorrelationID,
			BatchNumber:   batch.BatchNumber,
			Results:       make([]models.OperationResult, 0, len(batch.Operations)),
		},
	}

	for i := range batch.Operations {
		op := &batch.Operations[i]

		result, mapping, event, err := s.process(ctx, p, op)
		if err != nil {
			return nil, fmt.Errorf("operation %s: %w", op.OperationID, err)
		}

		res.Ack.Results = append(res.Ack.Results, *result)
		if result.Status == models.OutcomeApplied {
			res.Ack.OperationsApplied++
		} else {
			res.Ack.OperationsFailed++
		}
		if mapping != nil {
			res.Ack.IDMappings = append(res.Ack.IDMappings, *mapping)
		}
		if event != nil {
			res.Conflicts = append(res.Conflicts, *event)
		}
	}

	s.logger.Info("Batch processed",
		"tenant_id", p.TenantID,
		"device_id", p.DeviceID,
		"correlation_id", batch.CorrelationID,
		"batch_number", batch.BatchNumber,
		"applied", res.Ack.OperationsApplied,
		"failed", res.Ack.OperationsFailed,
		"conflicts", len(res.Conflicts))

	return res, nil
}

func (s *Service) process(ctx context.Context, p Principal, op *models.Operation) (*models.OperationResult, *models.IdentifierMapping, *ConflictEvent, error) {
	if op.OperationID != "" {
		prev, err := s.state.GetOperationResult(ctx, p.TenantID, op.OperationID)
		switch {
		case err == nil:
			return s.replay(ctx, p, op, prev)
		case !errors.Is(err, storage.ErrOperationNotFound):
			return nil, nil, nil, err
		}
	}

	if err := validation.ValidateOperation(op); err != nil {
		// без operation_id итог некуда записать
		if op.OperationID == "" {
			return &models.OperationResult{Status: models.OutcomeRejected, Reason: err.Error()}, nil, nil, nil
		}
		return s.reject(ctx, p, op, err.Error())
	}

	if _, err := s.table(p.TenantID).RewriteOperation(ctx, op); err != nil {
		return nil, nil, nil, err
	}
	if op.Kind != models.KindCreate && idmap.IsTemporary(op.EntityID) {
		return s.reject(ctx, p, op, fmt.Sprintf("unknown temporary id %s", op.EntityID))
	}

	if op.Actor == "" {
		op.Actor = p.Subject
	}

	switch op.Kind {
	case models.KindCreate:
		return s.create(ctx, p, op)
	case models.KindUpdate, models.KindDelete:
		return s.mutate(ctx, p, op)
	default:
		return s.reject(ctx, p, op, fmt.Sprintf("unknown operation kind %q", op.Kind))
	}
}

func (s *Service) create(ctx context.Context, p Principal, op *models.Operation) (*models.OperationResult, *models.IdentifierMapping, *ConflictEvent, error) {
	permanentID, err := s.store.NextEntityID(ctx, p.TenantID)
	if err != nil {
		return nil, nil, nil, err
	}

	tempID := op.EntityID
	accepted := op.Clone()
	accepted.EntityID = permanentID

	var result *models.OperationResult
	var mapping *models.IdentifierMapping

	_, err = s.store.Mutate(ctx, accepted.Key(p.TenantID), func(current *models.Entity) (*storage.Commit, error) {
		outcome := s.resolver.Apply(p.TenantID, accepted, current)
		result = &models.OperationResult{
			OperationID: op.OperationID,
			Status:      outcome.Status,
			Reason:      outcome.Reason,
		}
		if outcome.Status != models.OutcomeApplied {
			return &storage.Commit{Result: result}, nil
		}

		result.EntityID = permanentID
		result.Version = outcome.Entity.Version
		mapping = &models.IdentifierMapping{TempID: tempID, PermanentID: permanentID, EntityType: op.EntityType}
		return &storage.Commit{Entity: outcome.Entity, Result: result, Mapping: mapping}, nil
	})
	if errors.Is(err, storage.ErrOperationProcessed) {
		// та же операция принята параллельной сессией, permanentID не используется
		return s.replayStored(ctx, p, op)
	}
	if err != nil {
		return nil, nil, nil, err
	}

	if mapping != nil {
		if _, err := s.table(p.TenantID).Register(ctx, mapping.TempID, mapping.PermanentID, mapping.EntityType); err != nil {
			return nil, nil, nil, err
		}
		s.logger.Debug("Entity created",
			"tenant_id", p.TenantID,
			"operation_id", op.OperationID,
			"temp_id", tempID,
			"entity_id", permanentID)
	}

	return result, mapping, nil, nil
}

func (s *Service) mutate(ctx context.Context, p Principal, op *models.Operation) (*models.OperationResult, *models.IdentifierMapping, *ConflictEvent, error) {
	key := op.Key(p.TenantID)

	// baseline для пополевого слияния: если клиент его не сохранил,
	// берем состояние authority на base_version из истории
	if op.Baseline == nil && op.BaseVersion > 0 {
		past, err := s.store.History(ctx, key, op.BaseVersion)
		if err != nil {
			return nil, nil, nil, err
		}
		if past != nil {
			op.Baseline = past.Fields
		}
	}

	var result *models.OperationResult
	var event *ConflictEvent
	var prev *models.OperationResult

	_, err := s.store.Mutate(ctx, key, func(current *models.Entity) (*storage.Commit, error) {
		// повтор той же операции мог завершиться, пока мы ждали блокировку
		stored, err := s.state.GetOperationResult(ctx, p.TenantID, op.OperationID)
		switch {
		case err == nil:
			prev = stored
			return nil, nil
		case !errors.Is(err, storage.ErrOperationNotFound):
			return nil, err
		}

		outcome := s.resolver.Apply(p.TenantID, op, current)
		result = &models.OperationResult{
			OperationID: op.OperationID,
			Status:      outcome.Status,
			Reason:      outcome.Reason,
			EntityID:    op.EntityID,
		}
		commit := &storage.Commit{Result: result}

		switch outcome.Status {
		case models.OutcomeApplied:
			result.Version = outcome.Entity.Version
			commit.Entity = outcome.Entity
			if outcome.AutoResolved() {
				result.ConflictID = outcome.Conflict.ConflictID
				result.Reason = fmt.Sprintf("conflict resolved by %s", outcome.Conflict.Strategy)
				commit.Conflict = outcome.Conflict
				event = &ConflictEvent{Record: outcome.Conflict, Entity: outcome.Entity}
			}
		case models.OutcomeConflicted:
			result.ConflictID = outcome.Conflict.ConflictID
			result.Version = outcome.Conflict.ServerVersion
			commit.Conflict = outcome.Conflict
			event = &ConflictEvent{Record: outcome.Conflict}
		case models.OutcomeRejected:
		}
		return commit, nil
	})
	if errors.Is(err, storage.ErrOperationProcessed) {
		return s.replayStored(ctx, p, op)
	}
	if err != nil {
		return nil, nil, nil, err
	}
	if prev != nil {
		return s.replay(ctx, p, op, prev)
	}

	if event != nil {
		s.logger.Info("Version conflict detected",
			"tenant_id", p.TenantID,
			"operation_id", op.OperationID,
			"conflict_id", event.Record.ConflictID,
			"entity", key.String(),
			"client_version", event.Record.ClientVersion,
			"server_version", event.Record.ServerVersion,
			"auto_resolved", event.Entity != nil)
	}

	return result, nil, event, nil
}

// replay возвращает сохраненный итог без повторного применения
func (s *Service) replay(ctx context.Context, p Principal, op *models.Operation, prev *models.OperationResult) (*models.OperationResult, *models.IdentifierMapping, *ConflictEvent, error) {
	s.logger.Debug("Replayed operation",
		"tenant_id", p.TenantID,
		"operation_id", op.OperationID,
		"status", prev.Status)

	var mapping *models.IdentifierMapping
	if op.Kind == models.KindCreate && prev.Status == models.OutcomeApplied && prev.EntityID != "" {
		mapping = &models.IdentifierMapping{TempID: op.EntityID, PermanentID: prev.EntityID, EntityType: op.EntityType}
	}

	if prev.ConflictID == "" {
		return prev, mapping, nil, nil
	}

	record, err := s.state.GetConflict(ctx, p.TenantID, prev.ConflictID)
	if errors.Is(err, storage.ErrConflictNotFound) {
		return prev, mapping, nil, nil
	}
	if err != nil {
		return nil, nil, nil, err
	}
	event := &ConflictEvent{Record: record}

	// разрешенный конфликт повторяется вместе с текущим состоянием,
	// иначе клиент примет свой payload за каноническое состояние
	if prev.Status == models.OutcomeApplied {
		current, err := s.store.Get(ctx, record.Operation.Key(p.TenantID))
		if err != nil {
			return nil, nil, nil, err
		}
		event.Entity = current
	}

	return prev, mapping, event, nil
}

// replayStored перечитывает итог, записанный параллельной обработкой той же операции
func (s *Service) replayStored(ctx context.Context, p Principal, op *models.Operation) (*models.OperationResult, *models.IdentifierMapping, *ConflictEvent, error) {
	prev, err := s.state.GetOperationResult(ctx, p.TenantID, op.OperationID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to read replayed result: %w", err)
	}
	return s.replay(ctx, p, op, prev)
}

func (s *Service) reject(ctx context.Context, p Principal, op *models.Operation, reason string) (*models.OperationResult, *models.IdentifierMapping, *ConflictEvent, error) {
	result := &models.OperationResult{
		OperationID: op.OperationID,
		Status:      models.OutcomeRejected,
		Reason:      reason,
		EntityID:    op.EntityID,
	}
	err := s.store.Commit(ctx, p.TenantID, &storage.Commit{Result: result})
	if errors.Is(err, storage.ErrOperationProcessed) {
		return s.replayStored(ctx, p, op)
	}
	if err != nil {
		return nil, nil, nil, err
	}

	s.logger.Warn("Operation rejected",
		"tenant_id", p.TenantID,
		"operation_id", op.OperationID,
		"reason", reason)

	return result, nil, nil, nil
}

// ResolveConflict применяет решение клиента к конфликту conflictID.
// Повторное разрешение уже разрешенного конфликта возвращает сохраненную запись.
func (s *Service) ResolveConflict(ctx context.Context, p Principal, conflictID string, strategy models.Strategy, merged models.Fields) (*models.ConflictRecord, *models.Entity, error) {
	record, err := s.state.GetConflict(ctx, p.TenantID, conflictID)
	if errors.Is(err, storage.ErrConflictNotFound) {
		return nil, nil, fmt.Errorf("%w: %s", ErrConflictNotFound, conflictID)
	}
	if err != nil {
		return nil, nil, err
	}

	key := record.Operation.Key(p.TenantID)

	if record.Resolved() {
		current, err := s.store.Get(ctx, key)
		if err != nil {
			return nil, nil, err
		}
		return record, current, nil
	}

	var next *models.Entity
	_, err = s.store.Mutate(ctx, key, func(current *models.Entity) (*storage.Commit, error) {
		// запись могла быть разрешена другой сессией, пока мы ждали блокировку
		fresh, err := s.state.GetConflict(ctx, p.TenantID, conflictID)
		if err != nil {
			return nil, err
		}
		if fresh.Resolved() {
			record = fresh
			next = current
			return nil, nil
		}

		next, err = s.resolver.Resolve(fresh, current, strategy, merged)
		if err != nil {
			return nil, err
		}
		record = fresh

		return &storage.Commit{
			Entity:   next,
			Conflict: fresh,
			Result: &models.OperationResult{
				OperationID: fresh.Operation.OperationID,
				Status:      models.OutcomeApplied,
				EntityID:    fresh.Operation.EntityID,
				ConflictID:  fresh.ConflictID,
				Version:     next.Version,
				Reason:      fmt.Sprintf("conflict resolved by %s", fresh.Strategy),
			},
		}, nil
	})
	if err != nil {
		return nil, nil, err
	}

	s.logger.Info("Conflict resolved",
		"tenant_id", p.TenantID,
		"conflict_id", conflictID,
		"strategy", record.Strategy,
		"resolved_version", record.ResolvedVersion)

	return record, next, nil
}

// PendingConflicts возвращает неразрешенные конфликты тенанта
func (s *Service) PendingConflicts(ctx context.Context, tenantID string) ([]*models.ConflictRecord, error) {
	return s.state.ListPendingConflicts(ctx, tenantID)
}

func (s *Service) table(tenantID string) *idmap.Table {
	s.tablesMu.Lock()
	defer s.tablesMu.Unlock()

	t, ok := s.tables[tenantID]
	if !ok {
		t = idmap.New(s.state.MappingStore(tenantID))
		s.tables[tenantID] = t
	}
	return t
}
