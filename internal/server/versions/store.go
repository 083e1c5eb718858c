// Package versions хранит канонические версии сущностей authority и
// сериализует изменения одной сущности между всеми сессиями.
package versions

import (
	"context"
	"errors"
	"fmt"

	"github.com/iudanet/edgesync/internal/models"
	"github.com/iudanet/edgesync/internal/server/storage"
)

// MutateFunc получает текущее состояние (nil, если сущности нет) и возвращает
// набор изменений для фиксации. nil Commit означает, что писать нечего.
type MutateFunc func(current *models.Entity) (*storage.Commit, error)

// Store Entity Version Store. Чтение-инкремент-запись для одного ключа
// атомарно относительно других писателей того же ключа; разные ключи
// обрабатываются независимо.
type Store struct {
	db    storage.EntityStorage
	locks *keyedMutex
}

// New создает Store поверх хранилища
func New(db storage.EntityStorage) *Store {
	return &Store{db: db, locks: newKeyedMutex()}
}

// Get возвращает текущее состояние сущности или nil, если ее нет
func (s *Store) Get(ctx context.Context, key models.EntityKey) (*models.Entity, error) {
	e, err := s.db.GetEntity(ctx, key)
	if errors.Is(err, storage.ErrEntityNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// Mutate выполняет fn под блокировкой ключа и фиксирует результат.
// ExpectedVersion коммита выставляется по прочитанному состоянию, поэтому
// запись со стороны другого процесса приводит к storage.ErrVersionMismatch.
func (s *Store) Mutate(ctx context.Context, key models.EntityKey, fn MutateFunc) (*storage.Commit, error) {
	unlock := s.locks.Lock(key.String())
	defer unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	current, err := s.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}

	commit, err := fn(current)
	if err != nil {
		return nil, err
	}
	if commit == nil {
		return nil, nil
	}

	if commit.Entity != nil {
		var expected int64
		if current != nil {
			expected = current.Version
		}
		if commit.Entity.Version != expected+1 {
			return nil, fmt.Errorf("%s: version must advance by exactly 1 (%d -> %d)",
				key, expected, commit.Entity.Version)
		}
		commit.ExpectedVersion = expected
	}

	if err := s.db.Commit(ctx, key.TenantID, commit); err != nil {
		return nil, fmt.Errorf("failed to commit %s: %w", key, err)
	}

	return commit, nil
}

// Commit фиксирует изменения, не затрагивающие состояние сущности
// (например, итог отклоненной операции)
func (s *Store) Commit(ctx context.Context, tenantID string, c *storage.Commit) error {
	if c.Entity != nil {
		return fmt.Errorf("entity changes must go through Mutate")
	}
	return s.db.Commit(ctx, tenantID, c)
}

// ChangesSince возвращает изменения тенанта после seq
func (s *Store) ChangesSince(ctx context.Context, tenantID string, seq int64, limit int) ([]*models.Entity, error) {
	return s.db.ChangesSince(ctx, tenantID, seq, limit)
}

// LatestChangeSeq возвращает текущий high-watermark изменений тенанта
func (s *Store) LatestChangeSeq(ctx context.Context, tenantID string) (int64, error) {
	return s.db.LatestChangeSeq(ctx, tenantID)
}

// History возвращает состояние сущности на версии version или nil,
// если эта версия не сохранилась
func (s *Store) History(ctx context.Context, key models.EntityKey, version int64) (*models.Entity, error) {
	e, err := s.db.EntityHistory(ctx, key, version)
	if errors.Is(err, storage.ErrEntityNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// NextEntityID выдает новый постоянный идентификатор
func (s *Store) NextEntityID(ctx context.Context, tenantID string) (string, error) {
	return s.db.NextEntityID(ctx, tenantID)
}
