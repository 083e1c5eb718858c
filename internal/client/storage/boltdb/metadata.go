package boltdb

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/iudanet/edgesync/internal/client/storage"
)

const (
	keyLastSyncTimestamp = "last_sync_timestamp"
	keyLastSyncAt        = "last_sync_at"
	keyDeviceID          = "device_id"
)

// SaveLastSyncTimestamp saves the checkpoint of the last successful sync
func (s *Storage) SaveLastSyncTimestamp(ctx context.Context, checkpoint int64) error {
	return s.putInt64(keyLastSyncTimestamp, checkpoint)
}

// GetLastSyncTimestamp retrieves the checkpoint of the last successful sync
// Returns 0 if no sync has been performed yet
func (s *Storage) GetLastSyncTimestamp(ctx context.Context) (int64, error) {
	return s.getInt64(keyLastSyncTimestamp)
}

// SaveLastSyncAt сохраняет время последней успешной синхронизации
func (s *Storage) SaveLastSyncAt(ctx context.Context, at time.Time) error {
	return s.putInt64(keyLastSyncAt, at.UnixNano())
}

// GetLastSyncAt returns zero time if no sync has been performed yet
func (s *Storage) GetLastSyncAt(ctx context.Context) (time.Time, error) {
	n, err := s.getInt64(keyLastSyncAt)
	if err != nil || n == 0 {
		return time.Time{}, err
	}
	return time.Unix(0, n).UTC(), nil
}

// SaveDeviceID сохраняет идентификатор устройства
func (s *Storage) SaveDeviceID(ctx context.Context, deviceID string) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMetadata).Put([]byte(keyDeviceID), []byte(deviceID))
	})
}

// GetDeviceID returns storage.ErrMetadataNotFound if device id was never saved
func (s *Storage) GetDeviceID(ctx context.Context) (string, error) {
	if s.db == nil {
		return "", storage.ErrStorageClosed
	}

	var deviceID string
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketMetadata).Get([]byte(keyDeviceID))
		if v == nil {
			return storage.ErrMetadataNotFound
		}
		deviceID = string(v)
		return nil
	})
	return deviceID, err
}

func (s *Storage) putInt64(key string, value int64) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		// Конвертируем int64 в bytes
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(value))

		if err := tx.Bucket(bucketMetadata).Put([]byte(key), buf); err != nil {
			return fmt.Errorf("failed to save %s: %w", key, err)
		}
		return nil
	})
}

func (s *Storage) getInt64(key string) (int64, error) {
	if s.db == nil {
		return 0, storage.ErrStorageClosed
	}

	var value int64
	err := s.db.View(func(tx *bbolt.Tx) error {
		buf := tx.Bucket(bucketMetadata).Get([]byte(key))
		if buf == nil {
			// Ключ не найден: первая синхронизация
			return nil
		}
		value = int64(binary.BigEndian.Uint64(buf))
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get %s: %w", key, err)
	}

	return value, nil
}
