// Package idmap реализует таблицу соответствия временных идентификаторов
// клиента постоянным идентификаторам authority.
package idmap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/iudanet/edgesync/internal/models"
)

// TempIDPrefix префикс временных идентификаторов, созданных клиентом offline
const TempIDPrefix = "tmp-"

var (
	// ErrMappingNotFound indicates that temp id has no registered mapping
	ErrMappingNotFound = errors.New("identifier mapping not found")

	// ErrConflictingMapping indicates an attempt to register a different permanent id for a temp id
	ErrConflictingMapping = errors.New("temp id already mapped to a different permanent id")
)

// NewTempID генерирует новый временный идентификатор
func NewTempID() string {
	return TempIDPrefix + uuid.NewString()
}

// IsTemporary проверяет, является ли идентификатор временным
func IsTemporary(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

//go:generate moq -out store_mock.go . Store

// Store хранилище соответствий. Реализуется bbolt на клиенте и SQLite у authority.
type Store interface {
	// LoadMapping возвращает соответствие или ErrMappingNotFound
	LoadMapping(ctx context.Context, tempID string) (*models.IdentifierMapping, error)
	// SaveMapping сохраняет новое соответствие
	SaveMapping(ctx context.Context, mapping models.IdentifierMapping) error
}

// Table обеспечивает семантику "ровно одна регистрация на temp id"
// поверх Store и кэширует разрешенные соответствия.
type Table struct {
	store Store
	cache map[string]models.IdentifierMapping
	mu    sync.Mutex
}

// New создает Table поверх store
func New(store Store) *Table {
	return &Table{
		store: store,
		cache: make(map[string]models.IdentifierMapping),
	}
}

// Register регистрирует соответствие tempID -> permanentID.
// Повторная регистрация той же пары ничего не делает и возвращает created=false.
// Попытка привязать tempID к другому permanentID возвращает ErrConflictingMapping.
func (t *Table) Register(ctx context.Context, tempID, permanentID, entityType string) (bool, error) {
	if tempID == "" || permanentID == "" {
		return false, fmt.Errorf("temp id and permanent id are required")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	existing, err := t.lookupLocked(ctx, tempID)
	switch {
	case err == nil:
		if existing.PermanentID != permanentID || existing.EntityType != entityType {
			return false, fmt.Errorf("%w: %s -> %s (registered %s)",
				ErrConflictingMapping, tempID, permanentID, existing.PermanentID)
		}
		return false, nil
	case !errors.Is(err, ErrMappingNotFound):
		return false, err
	}

	mapping := models.IdentifierMapping{TempID: tempID, PermanentID: permanentID, EntityType: entityType}
	if err := t.store.SaveMapping(ctx, mapping); err != nil {
		return false, fmt.Errorf("failed to save mapping: %w", err)
	}
	t.cache[tempID] = mapping

	return true, nil
}

// Resolve возвращает постоянный идентификатор для tempID.
// ok=false, если соответствие не зарегистрировано. Вызов идемпотентен.
func (t *Table) Resolve(ctx context.Context, tempID string) (string, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	mapping, err := t.lookupLocked(ctx, tempID)
	if errors.Is(err, ErrMappingNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return mapping.PermanentID, true, nil
}

// ResolveID возвращает постоянный идентификатор, если id временный и уже
// зарегистрирован, иначе сам id.
func (t *Table) ResolveID(ctx context.Context, id string) (string, error) {
	if !IsTemporary(id) {
		return id, nil
	}
	permanent, ok, err := t.Resolve(ctx, id)
	if err != nil {
		return "", err
	}
	if !ok {
		return id, nil
	}
	return permanent, nil
}

// RewriteOperation подставляет постоянные идентификаторы в entity_id и в строковые
// поля payload, содержащие зарегистрированные временные идентификаторы.
// Возвращает true, если операция изменилась.
func (t *Table) RewriteOperation(ctx context.Context, op *models.Operation) (bool, error) {
	changed := false

	if op.Kind != models.KindCreate {
		id, err := t.ResolveID(ctx, op.EntityID)
		if err != nil {
			return false, err
		}
		if id != op.EntityID {
			op.EntityID = id
			changed = true
		}
	}

	for _, value := range op.Payload {
		var s string
		if json.Unmarshal(value, &s) != nil || !IsTemporary(s) {
			continue
		}
		permanent, ok, err := t.Resolve(ctx, s)
		if err != nil {
			return false, err
		}
		if !ok {
			continue
		}
		op.Payload, _ = op.Payload.ReplaceString(s, permanent)
		changed = true
	}

	return changed, nil
}

func (t *Table) lookupLocked(ctx context.Context, tempID string) (models.IdentifierMapping, error) {
	if m, ok := t.cache[tempID]; ok {
		return m, nil
	}
	m, err := t.store.LoadMapping(ctx, tempID)
	if err != nil {
		return models.IdentifierMapping{}, err
	}
	t.cache[tempID] = *m
	return *m, nil
}
