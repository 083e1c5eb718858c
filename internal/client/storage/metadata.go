package storage

import (
	"context"
	"time"
)

//go:generate moq -out metadata_mock.go . MetadataStorage

// MetadataStorage defines interface for storing client metadata
type MetadataStorage interface {
	// SaveLastSyncTimestamp сохраняет checkpoint: change_seq authority,
	// до которого клиент полностью согласован
	SaveLastSyncTimestamp(ctx context.Context, checkpoint int64) error

	// GetLastSyncTimestamp retrieves the checkpoint of the last successful sync
	// Returns 0 if no sync has been performed yet
	GetLastSyncTimestamp(ctx context.Context) (int64, error)

	// SaveLastSyncAt сохраняет момент последней успешной синхронизации (для status)
	SaveLastSyncAt(ctx context.Context, at time.Time) error

	// GetLastSyncAt returns zero time if no sync has been performed yet
	GetLastSyncAt(ctx context.Context) (time.Time, error)

	// SaveDeviceID сохраняет идентификатор устройства
	SaveDeviceID(ctx context.Context, deviceID string) error

	// GetDeviceID returns ErrMetadataNotFound if device id was never saved
	GetDeviceID(ctx context.Context) (string, error)
}
