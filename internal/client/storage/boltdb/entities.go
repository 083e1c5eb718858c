package boltdb

import (
	"bytes"
	"context"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/iudanet/edgesync/internal/client/storage"
	"github.com/iudanet/edgesync/internal/codec"
	"github.com/iudanet/edgesync/internal/models"
)

// GetEntity возвращает сущность из слоя layer
func (s *Storage) GetEntity(ctx context.Context, layer storage.Layer, entityType, entityID string) (*models.Entity, error) {
	if s.db == nil {
		return nil, storage.ErrStorageClosed
	}
	name, err := layerBucket(layer)
	if err != nil {
		return nil, err
	}

	var e *models.Entity
	err = s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(name).Get([]byte(storage.EntityLocalKey(entityType, entityID)))
		if data == nil {
			return storage.ErrEntityNotFound
		}

		e = &models.Entity{}
		if err := codec.Unmarshal(data, e); err != nil {
			return fmt.Errorf("failed to decode entity: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return e, nil
}

// ListEntities возвращает сущности слоя, отфильтрованные по типу
func (s *Storage) ListEntities(ctx context.Context, layer storage.Layer, entityType string) ([]*models.Entity, error) {
	if s.db == nil {
		return nil, storage.ErrStorageClosed
	}
	name, err := layerBucket(layer)
	if err != nil {
		return nil, err
	}

	var entities []*models.Entity
	err = s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(name).Cursor()

		// ключи "type/id" отсортированы, поэтому тип читается префиксом
		var prefix []byte
		if entityType != "" {
			prefix = []byte(entityType + "/")
		}

		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var e models.Entity
			if err := codec.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("failed to decode entity %s: %w", k, err)
			}
			entities = append(entities, &e)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s entities: %w", layer, err)
	}

	return entities, nil
}

// WriteEntities атомарно сохраняет и удаляет сущности слоя
func (s *Storage) WriteEntities(ctx context.Context, layer storage.Layer, put []*models.Entity, del []string) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}
	name, err := layerBucket(layer)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(name)

		for _, key := range del {
			if err := bucket.Delete([]byte(key)); err != nil {
				return fmt.Errorf("failed to delete %s: %w", key, err)
			}
		}

		for _, e := range put {
			data, err := codec.Marshal(e)
			if err != nil {
				return fmt.Errorf("failed to encode entity: %w", err)
			}
			key := storage.EntityLocalKey(e.EntityType, e.EntityID)
			if err := bucket.Put([]byte(key), data); err != nil {
				return fmt.Errorf("failed to save %s: %w", key, err)
			}
		}

		return nil
	})
}
