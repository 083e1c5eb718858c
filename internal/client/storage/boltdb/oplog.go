package boltdb

import (
	"context"
	"encoding/binary"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/iudanet/edgesync/internal/client/storage"
	"github.com/iudanet/edgesync/internal/codec"
	"github.com/iudanet/edgesync/internal/models"
)

// ListOperations возвращает записи Operation Log в порядке Seq.
// Ключи big-endian, поэтому порядок курсора совпадает с порядком Seq.
func (s *Storage) ListOperations(ctx context.Context) ([]*models.QueuedOperation, error) {
	if s.db == nil {
		return nil, storage.ErrStorageClosed
	}

	var ops []*models.QueuedOperation
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketOplog).ForEach(func(k, v []byte) error {
			var q models.QueuedOperation
			if err := codec.Unmarshal(v, &q); err != nil {
				return fmt.Errorf("failed to decode operation %d: %w", binary.BigEndian.Uint64(k), err)
			}
			ops = append(ops, &q)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}

	return ops, nil
}

// WriteOperations атомарно сохраняет и удаляет записи
func (s *Storage) WriteOperations(ctx context.Context, put []*models.QueuedOperation, del []uint64) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketOplog)

		for _, seq := range del {
			if err := bucket.Delete(seqKey(seq)); err != nil {
				return fmt.Errorf("failed to delete operation %d: %w", seq, err)
			}
		}

		for _, q := range put {
			data, err := codec.Marshal(q)
			if err != nil {
				return fmt.Errorf("failed to encode operation %s: %w", q.Operation.OperationID, err)
			}
			if err := bucket.Put(seqKey(q.Seq), data); err != nil {
				return fmt.Errorf("failed to save operation %s: %w", q.Operation.OperationID, err)
			}
		}

		return nil
	})
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
