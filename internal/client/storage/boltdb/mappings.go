package boltdb

import (
	"context"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/iudanet/edgesync/internal/client/storage"
	"github.com/iudanet/edgesync/internal/codec"
	"github.com/iudanet/edgesync/internal/idmap"
	"github.com/iudanet/edgesync/internal/models"
)

// LoadMapping returns idmap.ErrMappingNotFound if mapping doesn't exist
func (s *Storage) LoadMapping(ctx context.Context, tempID string) (*models.IdentifierMapping, error) {
	if s.db == nil {
		return nil, storage.ErrStorageClosed
	}

	var m *models.IdentifierMapping
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketMappings).Get([]byte(tempID))
		if data == nil {
			return idmap.ErrMappingNotFound
		}
		m = &models.IdentifierMapping{}
		return codec.Unmarshal(data, m)
	})
	if err != nil {
		return nil, err
	}

	return m, nil
}

// SaveMapping сохраняет соответствие
func (s *Storage) SaveMapping(ctx context.Context, mapping models.IdentifierMapping) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}

	data, err := codec.Marshal(mapping)
	if err != nil {
		return fmt.Errorf("failed to encode mapping: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMappings).Put([]byte(mapping.TempID), data)
	})
}

// ListMappings возвращает все соответствия
func (s *Storage) ListMappings(ctx context.Context) ([]models.IdentifierMapping, error) {
	if s.db == nil {
		return nil, storage.ErrStorageClosed
	}

	var out []models.IdentifierMapping
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMappings).ForEach(func(k, v []byte) error {
			var m models.IdentifierMapping
			if err := codec.Unmarshal(v, &m); err != nil {
				return fmt.Errorf("failed to decode mapping %s: %w", k, err)
			}
			out = append(out, m)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}
