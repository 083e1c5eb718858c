// Package data реализует локальную модель чтения клиента.
//
// Кэш хранит два слоя: baseline (последнее известное состояние authority)
// и view (baseline плюс все операции из Operation Log, включая конфликтные).
// Пользователь всегда читает view, поэтому offline изменения видны сразу.
package data

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/iudanet/edgesync/internal/client/oplog"
	"github.com/iudanet/edgesync/internal/client/storage"
	"github.com/iudanet/edgesync/internal/clock"
	"github.com/iudanet/edgesync/internal/idmap"
	"github.com/iudanet/edgesync/internal/models"
	"github.com/iudanet/edgesync/internal/validation"
)

// Store хранилище, нужное сервису: кэш сущностей и соответствия идентификаторов
type Store interface {
	storage.EntityStorage
	storage.MappingStorage
}

// MutationResult итог локальной мутации
type MutationResult struct {
	Entity    *models.Entity            // Entity новое состояние view
	Operation *models.QueuedOperation   // Operation запись в логе
	Purged    []*models.QueuedOperation // Purged операции, вытесненные из лога при переполнении
}

// Service локальная модель чтения клиента
type Service struct {
	store  Store
	log    *oplog.Log
	ids    *idmap.Table
	clock  clock.Clock
	logger *slog.Logger
	actor  string
	mu     sync.Mutex
}

// NewService creates a new data service. actor записывается в каждую операцию.
func NewService(store Store, log *oplog.Log, ids *idmap.Table, clk clock.Clock, actor string, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		log:    log,
		ids:    ids,
		clock:  clk,
		logger: logger,
		actor:  actor,
	}
}

// Create создает сущность offline под временным идентификатором
func (s *Service) Create(ctx context.Context, entityType string, fields models.Fields) (*MutationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	op := s.newOperation(models.KindCreate, entityType, idmap.NewTempID())
	op.Payload = fields.Clone()

	return s.enqueue(ctx, op)
}

// Update применяет частичное изменение полей. id может быть временным.
func (s *Service) Update(ctx context.Context, entityType, entityID string, patch models.Fields) (*MutationResult, error) {
	if len(patch) == 0 {
		return nil, ErrEmptyPatch
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.current(ctx, entityType, entityID)
	if err != nil {
		return nil, err
	}

	op := s.newOperation(models.KindUpdate, entityType, current.EntityID)
	op.Payload = patch.Clone()
	op.BaseVersion = current.Version
	op.Baseline = current.Fields.Clone()

	return s.enqueue(ctx, op)
}

// Delete помечает сущность удаленной
func (s *Service) Delete(ctx context.Context, entityType, entityID string) (*MutationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.current(ctx, entityType, entityID)
	if err != nil {
		return nil, err
	}

	op := s.newOperation(models.KindDelete, entityType, current.EntityID)
	op.BaseVersion = current.Version
	op.Baseline = current.Fields.Clone()

	return s.enqueue(ctx, op)
}

// Get возвращает сущность из view. Удаленная сущность не находится.
func (s *Service) Get(ctx context.Context, entityType, entityID string) (*models.Entity, error) {
	id, err := s.ids.ResolveID(ctx, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve id: %w", err)
	}

	e, err := s.store.GetEntity(ctx, storage.LayerView, entityType, id)
	if err != nil {
		return nil, err
	}
	if e.Deleted {
		return nil, storage.ErrEntityNotFound
	}
	return e, nil
}

// List возвращает неудаленные сущности view; пустой entityType означает все типы
func (s *Service) List(ctx context.Context, entityType string) ([]*models.Entity, error) {
	all, err := s.store.ListEntities(ctx, storage.LayerView, entityType)
	if err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}

	out := all[:0]
	for _, e := range all {
		if !e.Deleted {
			out = append(out, e)
		}
	}
	return out, nil
}

// ApplyRemote записывает каноническое состояние authority в baseline и
// перестраивает view с учетом локальных операций. Устаревшие версии игнорируются.
func (s *Service) ApplyRemote(ctx context.Context, entities []*models.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var accepted []*models.Entity
	for _, e := range entities {
		base, err := s.store.GetEntity(ctx, storage.LayerBaseline, e.EntityType, e.EntityID)
		switch {
		case err == nil:
			if base.Version > e.Version {
				s.logger.Debug("Skipping stale remote entity",
					"entity", storage.EntityLocalKey(e.EntityType, e.EntityID),
					"local_version", base.Version,
					"remote_version", e.Version)
				continue
			}
		case !errors.Is(err, storage.ErrEntityNotFound):
			return fmt.Errorf("failed to read baseline: %w", err)
		}
		accepted = append(accepted, e)
	}
	if len(accepted) == 0 {
		return nil
	}

	if err := s.store.WriteEntities(ctx, storage.LayerBaseline, accepted, nil); err != nil {
		return fmt.Errorf("failed to save baseline: %w", err)
	}
	for _, e := range accepted {
		if err := s.rebase(ctx, e.EntityType, e.EntityID); err != nil {
			return err
		}
	}
	return nil
}

// ApplyMapping регистрирует постоянный идентификатор для временного и
// переписывает его везде: в логе, в ключах кэша и в ссылках других сущностей.
func (s *Service) ApplyMapping(ctx context.Context, m models.IdentifierMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.ids.Register(ctx, m.TempID, m.PermanentID, m.EntityType); err != nil {
		return fmt.Errorf("failed to register mapping: %w", err)
	}

	n, err := s.log.RewriteTempID(ctx, m)
	if err != nil {
		return fmt.Errorf("failed to rewrite operation log: %w", err)
	}

	for _, layer := range []storage.Layer{storage.LayerBaseline, storage.LayerView} {
		if err := s.rewriteLayer(ctx, layer, m); err != nil {
			return err
		}
	}

	s.logger.Debug("Temporary id remapped",
		"temp_id", m.TempID,
		"permanent_id", m.PermanentID,
		"operations_rewritten", n)
	return nil
}

// ConfirmApplied переносит подтвержденную операцию в baseline на версии version
// и перестраивает view. Операция уже должна быть удалена из лога.
func (s *Service) ConfirmApplied(ctx context.Context, entry *models.QueuedOperation, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	op := &entry.Operation
	base, err := s.store.GetEntity(ctx, storage.LayerBaseline, op.EntityType, op.EntityID)
	switch {
	case errors.Is(err, storage.ErrEntityNotFound):
		base = &models.Entity{EntityType: op.EntityType, EntityID: op.EntityID}
	case err != nil:
		return fmt.Errorf("failed to read baseline: %w", err)
	}

	if base.Version < version {
		next := base.Clone()
		applyOperation(next, op)
		next.Version = version
		next.UpdatedAt = op.OriginTimestamp
		next.UpdatedBy = op.Actor
		if err := s.store.WriteEntities(ctx, storage.LayerBaseline, []*models.Entity{next}, nil); err != nil {
			return fmt.Errorf("failed to save baseline: %w", err)
		}
	}

	return s.rebase(ctx, op.EntityType, op.EntityID)
}

// Rebase перестраивает view сущностей после удаления операций из лога
// (отклонение, вытеснение, разрешение конфликта).
func (s *Service) Rebase(ctx context.Context, entries ...*models.QueuedOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{})
	for _, e := range entries {
		key := e.Operation.LocalKey()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		if err := s.rebase(ctx, e.Operation.EntityType, e.Operation.EntityID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) newOperation(kind models.OperationKind, entityType, entityID string) *models.Operation {
	return &models.Operation{
		OperationID:     uuid.NewString(),
		EntityType:      entityType,
		EntityID:        entityID,
		Kind:            kind,
		OriginTimestamp: s.clock.Now().UTC(),
		Actor:           s.actor,
	}
}

// enqueue проверяет операцию, добавляет ее в лог и обновляет view
func (s *Service) enqueue(ctx context.Context, op *models.Operation) (*MutationResult, error) {
	if err := validation.ValidateOperation(op); err != nil {
		return nil, err
	}

	res, err := s.log.Append(ctx, *op)
	if err != nil {
		return nil, fmt.Errorf("failed to append operation: %w", err)
	}

	if err := s.rebase(ctx, op.EntityType, op.EntityID); err != nil {
		return nil, err
	}
	for _, p := range res.Purged {
		if err := s.rebase(ctx, p.Operation.EntityType, p.Operation.EntityID); err != nil {
			return nil, err
		}
	}

	view, err := s.store.GetEntity(ctx, storage.LayerView, op.EntityType, op.EntityID)
	if err != nil {
		return nil, fmt.Errorf("failed to read view: %w", err)
	}

	return &MutationResult{Entity: view, Operation: res.Entry, Purged: res.Purged}, nil
}

// current возвращает view сущности, пригодный для новой мутации
func (s *Service) current(ctx context.Context, entityType, entityID string) (*models.Entity, error) {
	id, err := s.ids.ResolveID(ctx, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve id: %w", err)
	}

	e, err := s.store.GetEntity(ctx, storage.LayerView, entityType, id)
	if err != nil {
		return nil, fmt.Errorf("%s/%s: %w", entityType, entityID, err)
	}
	if e.Deleted {
		return nil, fmt.Errorf("%s/%s: %w", entityType, entityID, ErrEntityDeleted)
	}
	return e, nil
}

// rebase view = baseline + операции сущности из лога в порядке Seq
func (s *Service) rebase(ctx context.Context, entityType, entityID string) error {
	key := storage.EntityLocalKey(entityType, entityID)

	base, err := s.store.GetEntity(ctx, storage.LayerBaseline, entityType, entityID)
	switch {
	case errors.Is(err, storage.ErrEntityNotFound):
		base = nil
	case err != nil:
		return fmt.Errorf("failed to read baseline: %w", err)
	}

	ops := s.log.ForEntity(key)
	if base == nil && len(ops) == 0 {
		return s.store.WriteEntities(ctx, storage.LayerView, nil, []string{key})
	}

	view := base.Clone()
	if view == nil {
		view = &models.Entity{EntityType: entityType, EntityID: entityID}
	}
	for _, q := range ops {
		applyOperation(view, &q.Operation)
		view.UpdatedAt = q.Operation.OriginTimestamp
		view.UpdatedBy = q.Operation.Actor
	}

	if err := s.store.WriteEntities(ctx, storage.LayerView, []*models.Entity{view}, nil); err != nil {
		return fmt.Errorf("failed to save view: %w", err)
	}
	return nil
}

// rewriteLayer переименовывает ключ temp -> permanent и заменяет ссылки на temp id
func (s *Service) rewriteLayer(ctx context.Context, layer storage.Layer, m models.IdentifierMapping) error {
	all, err := s.store.ListEntities(ctx, layer, "")
	if err != nil {
		return fmt.Errorf("failed to list %s: %w", layer, err)
	}

	var put []*models.Entity
	var del []string
	for _, e := range all {
		dirty := false
		if e.EntityType == m.EntityType && e.EntityID == m.TempID {
			del = append(del, storage.EntityLocalKey(e.EntityType, e.EntityID))
			e.EntityID = m.PermanentID
			dirty = true
		}
		if fields, ok := e.Fields.ReplaceString(m.TempID, m.PermanentID); ok {
			e.Fields = fields
			dirty = true
		}
		if dirty {
			put = append(put, e)
		}
	}

	if err := s.store.WriteEntities(ctx, layer, put, del); err != nil {
		return fmt.Errorf("failed to rewrite %s: %w", layer, err)
	}
	return nil
}

// applyOperation применяет операцию к состоянию сущности
func applyOperation(e *models.Entity, op *models.Operation) {
	switch op.Kind {
	case models.KindCreate:
		e.Fields = op.Payload.Clone()
		e.Deleted = false
		e.Version = 1
	case models.KindUpdate:
		e.Fields = e.Fields.Apply(op.Payload)
		e.Version = op.BaseVersion + 1
	case models.KindDelete:
		e.Deleted = true
		e.Version = op.BaseVersion + 1
	}
}
