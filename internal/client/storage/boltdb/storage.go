package boltdb

import (
	"context"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/iudanet/edgesync/internal/client/storage"
)

var (
	// BoltDB bucket names
	bucketMetadata = []byte("metadata")
	bucketOplog    = []byte("oplog")
	bucketBaseline = []byte("baseline")
	bucketView     = []byte("view")
	bucketMappings = []byte("id_mappings")
)

// Storage represents BoltDB storage implementation for client
type Storage struct {
	db *bbolt.DB
}

var _ storage.Storage = (*Storage)(nil)

// New creates a new BoltDB storage instance
// dbPath is the path to the BoltDB database file
func New(ctx context.Context, dbPath string) (*Storage, error) {
	// Открываем BoltDB. Таймаут защищает от второго процесса, держащего файл.
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open boltdb: %w", err)
	}

	s := &Storage{db: db}

	// Инициализируем buckets
	if err := s.initBuckets(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}

	return s, nil
}

// Close closes the database connection
func (s *Storage) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// initBuckets создает необходимые buckets если они не существуют
func (s *Storage) initBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketMetadata, bucketOplog, bucketBaseline, bucketView, bucketMappings} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create %s bucket: %w", name, err)
			}
		}
		return nil
	})
}

func layerBucket(layer storage.Layer) ([]byte, error) {
	switch layer {
	case storage.LayerBaseline:
		return bucketBaseline, nil
	case storage.LayerView:
		return bucketView, nil
	default:
		return nil, fmt.Errorf("unknown layer %q", layer)
	}
}
