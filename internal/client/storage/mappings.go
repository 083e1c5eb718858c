package storage

import (
	"context"

	"github.com/iudanet/edgesync/internal/models"
)

// MappingStorage хранилище соответствий идентификаторов, реализует idmap.Store
type MappingStorage interface {
	// LoadMapping returns idmap.ErrMappingNotFound if mapping doesn't exist
	LoadMapping(ctx context.Context, tempID string) (*models.IdentifierMapping, error)

	// SaveMapping сохраняет соответствие
	SaveMapping(ctx context.Context, mapping models.IdentifierMapping) error

	// ListMappings возвращает все соответствия
	ListMappings(ctx context.Context) ([]models.IdentifierMapping, error)
}

// Storage объединяет все хранилища клиента
type Storage interface {
	MetadataStorage
	OperationLogStorage
	EntityStorage
	MappingStorage

	Close() error
}
