package storage

import (
	"context"

	"github.com/iudanet/edgesync/internal/models"
)

// Layer слой локального кэша сущностей
type Layer string

const (
	// LayerBaseline последнее известное состояние authority
	LayerBaseline Layer = "baseline"
	// LayerView локальное представление: baseline плюс операции из лога
	LayerView Layer = "view"
)

// EntityStorage локальный кэш сущностей. Ключ сущности "type/id".
type EntityStorage interface {
	// GetEntity returns ErrEntityNotFound if entity is not cached in layer
	GetEntity(ctx context.Context, layer Layer, entityType, entityID string) (*models.Entity, error)

	// ListEntities возвращает сущности слоя; пустой entityType означает все типы
	ListEntities(ctx context.Context, layer Layer, entityType string) ([]*models.Entity, error)

	// WriteEntities атомарно сохраняет put и удаляет del (ключи "type/id")
	WriteEntities(ctx context.Context, layer Layer, put []*models.Entity, del []string) error
}

// EntityLocalKey ключ сущности на клиенте
func EntityLocalKey(entityType, entityID string) string {
	return entityType + "/" + entityID
}
