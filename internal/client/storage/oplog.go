package storage

import (
	"context"

	"github.com/iudanet/edgesync/internal/models"
)

//go:generate moq -out oplog_mock.go . OperationLogStorage

// OperationLogStorage durable хранилище Operation Log
type OperationLogStorage interface {
	// ListOperations возвращает все записи в порядке Seq
	ListOperations(ctx context.Context) ([]*models.QueuedOperation, error)

	// WriteOperations атомарно сохраняет put (по Seq) и удаляет записи del
	WriteOperations(ctx context.Context, put []*models.QueuedOperation, del []uint64) error
}
