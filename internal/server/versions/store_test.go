package versions

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/edgesync/internal/models"
	"github.com/iudanet/edgesync/internal/server/storage"
	"github.com/iudanet/edgesync/internal/server/storage/sqlite"
)

func createTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sqlite.New(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db)
}

var jobKey = models.EntityKey{TenantID: "acme", EntityType: "job", EntityID: "1"}

// increment возвращает MutateFunc, который увеличивает счетчик n на единицу
func increment(current *models.Entity) (*storage.Commit, error) {
	next := &models.Entity{
		TenantID: jobKey.TenantID, EntityType: jobKey.EntityType, EntityID: jobKey.EntityID,
		Version: 1, Fields: models.Fields{"n": json.RawMessage(`0`)}, UpdatedAt: time.Now(),
	}
	if current != nil {
		var n int
		_ = json.Unmarshal(current.Fields["n"], &n)
		next = current.Clone()
		next.Version = current.Version + 1
		next.Fields["n"], _ = json.Marshal(n + 1)
	}
	return &storage.Commit{Entity: next}, nil
}

func TestStore_MutateCreatesAndIncrements(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	got, err := s.Get(ctx, jobKey)
	require.NoError(t, err)
	assert.Nil(t, got)

	for i := 0; i < 3; i++ {
		_, err := s.Mutate(ctx, jobKey, increment)
		require.NoError(t, err)
	}

	got, err = s.Get(ctx, jobKey)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.Version)
	assert.JSONEq(t, `2`, string(got.Fields["n"]))

	v2, err := s.History(ctx, jobKey, 2)
	require.NoError(t, err)
	assert.JSONEq(t, `1`, string(v2.Fields["n"]))

	missing, err := s.History(ctx, jobKey, 42)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestStore_MutateConcurrentSameKey(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	_, err := s.Mutate(ctx, jobKey, increment)
	require.NoError(t, err)

	const writers = 20
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Mutate(ctx, jobKey, increment); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	got, err := s.Get(ctx, jobKey)
	require.NoError(t, err)
	assert.Equal(t, int64(writers+1), got.Version, "no lost updates")
	assert.JSONEq(t, `20`, string(got.Fields["n"]))
	assert.Equal(t, 0, s.locks.size(), "locks are released")
}

func TestStore_UnrelatedKeysDoNotBlock(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		_, _ = s.Mutate(ctx, jobKey, func(current *models.Entity) (*storage.Commit, error) {
			close(held)
			<-release
			return nil, nil
		})
	}()
	<-held

	other := models.EntityKey{TenantID: "acme", EntityType: "job", EntityID: "2"}
	finished := make(chan error, 1)
	go func() {
		_, err := s.Mutate(ctx, other, func(current *models.Entity) (*storage.Commit, error) {
			return &storage.Commit{Entity: &models.Entity{
				TenantID: "acme", EntityType: "job", EntityID: "2", Version: 1, UpdatedAt: time.Now(),
			}}, nil
		})
		finished <- err
	}()

	select {
	case err := <-finished:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("mutation of an unrelated key was blocked")
	}

	close(release)
	<-done
}

func TestStore_MutateRejectsVersionJump(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	_, err := s.Mutate(ctx, jobKey, func(current *models.Entity) (*storage.Commit, error) {
		return &storage.Commit{Entity: &models.Entity{
			TenantID: "acme", EntityType: "job", EntityID: "1", Version: 3, UpdatedAt: time.Now(),
		}}, nil
	})
	assert.Error(t, err)

	assert.Error(t, s.Commit(ctx, "acme", &storage.Commit{Entity: &models.Entity{}}))
}
