package storage

import (
	"context"

	"github.com/iudanet/edgesync/internal/idmap"
	"github.com/iudanet/edgesync/internal/models"
)

// Commit набор изменений, фиксируемых атомарно в одной транзакции
// по результату обработки одной операции или разрешения конфликта.
type Commit struct {
	// Entity новое состояние сущности или nil, если состояние не меняется.
	// После успешного Commit в Entity.ChangeSeq записан присвоенный номер изменения.
	Entity *models.Entity
	// Result итог операции для идемпотентного повтора или nil.
	Result *models.OperationResult
	// Mapping соответствие идентификаторов для create или nil.
	Mapping *models.IdentifierMapping
	// Conflict новая или обновленная запись конфликта или nil.
	Conflict *models.ConflictRecord
	// ExpectedVersion версия, которую Entity должна заменить (0 для новой сущности).
	ExpectedVersion int64
}

// EntityStorage хранилище канонических версий сущностей
type EntityStorage interface {
	// GetEntity возвращает текущее состояние, включая tombstone.
	// Returns ErrEntityNotFound if entity doesn't exist
	GetEntity(ctx context.Context, key models.EntityKey) (*models.Entity, error)

	// Commit атомарно применяет изменения. Если текущая версия сущности
	// не равна ExpectedVersion, ничего не пишется и возвращается ErrVersionMismatch.
	Commit(ctx context.Context, tenantID string, c *Commit) error

	// ChangesSince возвращает до limit сущностей тенанта (включая tombstone)
	// с change_seq строго больше seq в порядке возрастания change_seq.
	ChangesSince(ctx context.Context, tenantID string, seq int64, limit int) ([]*models.Entity, error)

	// LatestChangeSeq возвращает максимальный change_seq тенанта (0 если изменений нет)
	LatestChangeSeq(ctx context.Context, tenantID string) (int64, error)

	// EntityHistory возвращает состояние сущности на указанной версии.
	// Returns ErrEntityNotFound if version is not retained
	EntityHistory(ctx context.Context, key models.EntityKey, version int64) (*models.Entity, error)

	// NextEntityID выдает следующий постоянный идентификатор в пределах тенанта
	NextEntityID(ctx context.Context, tenantID string) (string, error)
}

// SyncStateStorage хранилище состояния протокола: обработанные операции,
// соответствия идентификаторов и конфликты
type SyncStateStorage interface {
	// GetOperationResult возвращает сохраненный итог операции.
	// Returns ErrOperationNotFound if operation was never processed
	GetOperationResult(ctx context.Context, tenantID, operationID string) (*models.OperationResult, error)

	// LoadMapping возвращает соответствие для временного идентификатора.
	// Returns idmap.ErrMappingNotFound if mapping doesn't exist
	LoadMapping(ctx context.Context, tenantID, tempID string) (*models.IdentifierMapping, error)

	// SaveMapping сохраняет соответствие вне Commit
	SaveMapping(ctx context.Context, tenantID string, mapping models.IdentifierMapping) error

	// MappingStore возвращает idmap.Store в пределах тенанта
	MappingStore(tenantID string) idmap.Store

	// GetConflict возвращает запись конфликта.
	// Returns ErrConflictNotFound if conflict doesn't exist
	GetConflict(ctx context.Context, tenantID, conflictID string) (*models.ConflictRecord, error)

	// ListPendingConflicts возвращает неразрешенные конфликты тенанта по времени обнаружения
	ListPendingConflicts(ctx context.Context, tenantID string) ([]*models.ConflictRecord, error)
}

// Storage объединяет все хранилища authority
type Storage interface {
	EntityStorage
	SyncStateStorage

	// Ping проверяет доступность хранилища
	Ping(ctx context.Context) error

	// Close closes the storage
	Close() error
}
