package sqlite

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/edgesync/internal/idmap"
	"github.com/iudanet/edgesync/internal/models"
	"github.com/iudanet/edgesync/internal/server/storage"
)

func setupTestStorage(t *testing.T) (*Storage, func()) {
	ctx := context.Background()

	// Используем in-memory database для тестов
	s, err := New(ctx, ":memory:")
	require.NoError(t, err)

	cleanup := func() {
		_ = s.Close()
	}

	return s, cleanup
}

func testEntity(id string, version int64, fields string) *models.Entity {
	f := models.Fields{}
	_ = json.Unmarshal([]byte(fields), &f)
	return &models.Entity{
		TenantID:   "acme",
		EntityType: "job",
		EntityID:   id,
		Fields:     f,
		Version:    version,
		UpdatedAt:  time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC),
		UpdatedBy:  "tech-1",
	}
}

func TestNew_FileDatabase(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "authority.db")

	s, err := New(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.Ping(ctx))

	version, err := s.MigrationVersion()
	require.NoError(t, err)
	assert.Equal(t, int64(2), version)

	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Ping(ctx), storage.ErrStorageClosed)

	// повторное открытие не должно применять миграции заново
	s, err = New(ctx, path)
	require.NoError(t, err)
	defer s.Close()
}

func TestStorage_CommitAndGet(t *testing.T) {
	ctx := context.Background()
	s, cleanup := setupTestStorage(t)
	defer cleanup()

	e := testEntity("5010", 1, `{"title":"pump"}`)
	require.NoError(t, s.Commit(ctx, "acme", &storage.Commit{Entity: e}))
	assert.Equal(t, int64(1), e.ChangeSeq)

	got, err := s.GetEntity(ctx, e.Key())
	require.NoError(t, err)
	assert.Equal(t, e.Version, got.Version)
	assert.Equal(t, e.UpdatedAt, got.UpdatedAt, "nanosecond precision must survive")
	assert.Equal(t, "tech-1", got.UpdatedBy)
	assert.JSONEq(t, `"pump"`, string(got.Fields["title"]))
	assert.False(t, got.Deleted)

	_, err = s.GetEntity(ctx, models.EntityKey{TenantID: "acme", EntityType: "job", EntityID: "missing"})
	assert.ErrorIs(t, err, storage.ErrEntityNotFound)
}

func TestStorage_CommitVersionMismatch(t *testing.T) {
	ctx := context.Background()
	s, cleanup := setupTestStorage(t)
	defer cleanup()

	require.NoError(t, s.Commit(ctx, "acme", &storage.Commit{Entity: testEntity("1", 1, `{}`)}))

	tests := []struct {
		name     string
		entity   *models.Entity
		expected int64
		wantErr  error
	}{
		{name: "create over existing", entity: testEntity("1", 1, `{}`), expected: 0, wantErr: storage.ErrVersionMismatch},
		{name: "stale expected version", entity: testEntity("1", 3, `{}`), expected: 2, wantErr: storage.ErrVersionMismatch},
		{name: "correct expected version", entity: testEntity("1", 2, `{"a":1}`), expected: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Commit(ctx, "acme", &storage.Commit{Entity: tt.entity, ExpectedVersion: tt.expected})
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
		})
	}

	got, err := s.GetEntity(ctx, models.EntityKey{TenantID: "acme", EntityType: "job", EntityID: "1"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
}

func TestStorage_CommitRollsBackOnFailure(t *testing.T) {
	ctx := context.Background()
	s, cleanup := setupTestStorage(t)
	defer cleanup()

	mapping := &models.IdentifierMapping{TempID: "tmp-A", PermanentID: "1", EntityType: "job"}
	require.NoError(t, s.Commit(ctx, "acme", &storage.Commit{Entity: testEntity("1", 1, `{}`), Mapping: mapping}))

	// повторная вставка того же mapping ломает транзакцию, сущность не должна записаться
	err := s.Commit(ctx, "acme", &storage.Commit{
		Entity:  testEntity("2", 1, `{}`),
		Mapping: mapping,
	})
	require.Error(t, err)

	_, err = s.GetEntity(ctx, models.EntityKey{TenantID: "acme", EntityType: "job", EntityID: "2"})
	assert.ErrorIs(t, err, storage.ErrEntityNotFound)
}

func TestStorage_ChangesSince(t *testing.T) {
	ctx := context.Background()
	s, cleanup := setupTestStorage(t)
	defer cleanup()

	for _, id := range []string{"1", "2", "3"} {
		require.NoError(t, s.Commit(ctx, "acme", &storage.Commit{Entity: testEntity(id, 1, `{}`)}))
	}
	other := testEntity("9", 1, `{}`)
	other.TenantID = "globex"
	require.NoError(t, s.Commit(ctx, "globex", &storage.Commit{Entity: other}))

	// обновление первой сущности переносит ее в конец потока
	updated := testEntity("1", 2, `{"a":1}`)
	updated.Deleted = true
	require.NoError(t, s.Commit(ctx, "acme", &storage.Commit{Entity: updated, ExpectedVersion: 1}))

	all, err := s.ChangesSince(ctx, "acme", 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"2", "3", "1"}, []string{all[0].EntityID, all[1].EntityID, all[2].EntityID})
	assert.True(t, all[2].Deleted, "tombstones are part of the delta")

	after, err := s.ChangesSince(ctx, "acme", all[0].ChangeSeq, 1)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, "3", after[0].EntityID)

	latest, err := s.LatestChangeSeq(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, all[2].ChangeSeq, latest)

	none, err := s.LatestChangeSeq(ctx, "initech")
	require.NoError(t, err)
	assert.Zero(t, none)
}

func TestStorage_EntityHistory(t *testing.T) {
	ctx := context.Background()
	s, cleanup := setupTestStorage(t)
	defer cleanup()

	require.NoError(t, s.Commit(ctx, "acme", &storage.Commit{Entity: testEntity("1", 1, `{"p":"low"}`)}))
	require.NoError(t, s.Commit(ctx, "acme", &storage.Commit{Entity: testEntity("1", 2, `{"p":"high"}`), ExpectedVersion: 1}))

	key := models.EntityKey{TenantID: "acme", EntityType: "job", EntityID: "1"}
	v1, err := s.EntityHistory(ctx, key, 1)
	require.NoError(t, err)
	assert.JSONEq(t, `"low"`, string(v1.Fields["p"]))

	_, err = s.EntityHistory(ctx, key, 7)
	assert.ErrorIs(t, err, storage.ErrEntityNotFound)
}

func TestStorage_NextEntityID(t *testing.T) {
	ctx := context.Background()
	s, cleanup := setupTestStorage(t)
	defer cleanup()

	id, err := s.NextEntityID(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "1", id)

	require.NoError(t, s.SetEntityIDSequence(ctx, "acme", 5009))
	id, err = s.NextEntityID(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "5010", id)

	id, err = s.NextEntityID(ctx, "globex")
	require.NoError(t, err)
	assert.Equal(t, "1", id, "sequences are per tenant")
}

func TestStorage_OperationResults(t *testing.T) {
	ctx := context.Background()
	s, cleanup := setupTestStorage(t)
	defer cleanup()

	_, err := s.GetOperationResult(ctx, "acme", "op-1")
	assert.ErrorIs(t, err, storage.ErrOperationNotFound)

	result := &models.OperationResult{OperationID: "op-1", Status: models.OutcomeConflicted, ConflictID: "c-1"}
	require.NoError(t, s.Commit(ctx, "acme", &storage.Commit{Result: result}))

	got, err := s.GetOperationResult(ctx, "acme", "op-1")
	require.NoError(t, err)
	assert.Equal(t, *result, *got)

	// после разрешения итог перезаписывается
	result.Status = models.OutcomeApplied
	result.Version = 8
	require.NoError(t, s.Commit(ctx, "acme", &storage.Commit{Result: result}))

	got, err = s.GetOperationResult(ctx, "acme", "op-1")
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeApplied, got.Status)
	assert.Equal(t, int64(8), got.Version)

	_, err = s.GetOperationResult(ctx, "globex", "op-1")
	assert.ErrorIs(t, err, storage.ErrOperationNotFound)
}

func TestStorage_CommitRefusesSecondResult(t *testing.T) {
	ctx := context.Background()
	s, cleanup := setupTestStorage(t)
	defer cleanup()

	key := models.EntityKey{TenantID: "acme", EntityType: "job", EntityID: "5010"}
	entity := &models.Entity{
		TenantID: key.TenantID, EntityType: key.EntityType, EntityID: key.EntityID,
		Fields: models.Fields{"status": json.RawMessage(`"open"`)}, Version: 1, UpdatedAt: time.Now(),
	}
	applied := &models.OperationResult{OperationID: "op-1", Status: models.OutcomeApplied, EntityID: "5010", Version: 1}
	require.NoError(t, s.Commit(ctx, "acme", &storage.Commit{
		Entity:  entity,
		Result:  applied,
		Mapping: &models.IdentifierMapping{TempID: "tmp-A", PermanentID: "5010", EntityType: "job"},
	}))

	tests := []struct {
		name   string
		commit *storage.Commit
	}{
		{
			name: "duplicate create",
			commit: &storage.Commit{
				Entity: &models.Entity{
					TenantID: "acme", EntityType: "job", EntityID: "5011", Version: 1, UpdatedAt: time.Now(),
				},
				Result:  &models.OperationResult{OperationID: "op-1", Status: models.OutcomeApplied, EntityID: "5011", Version: 1},
				Mapping: &models.IdentifierMapping{TempID: "tmp-A", PermanentID: "5011", EntityType: "job"},
			},
		},
		{
			name: "conflict over applied",
			commit: &storage.Commit{
				Result: &models.OperationResult{OperationID: "op-1", Status: models.OutcomeConflicted, ConflictID: "c-9"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Commit(ctx, "acme", tt.commit)
			require.ErrorIs(t, err, storage.ErrOperationProcessed)

			got, err := s.GetOperationResult(ctx, "acme", "op-1")
			require.NoError(t, err)
			assert.Equal(t, *applied, *got, "stored result is kept")
		})
	}

	_, err := s.GetEntity(ctx, models.EntityKey{TenantID: "acme", EntityType: "job", EntityID: "5011"})
	assert.ErrorIs(t, err, storage.ErrEntityNotFound, "rejected commit writes nothing")
}

func TestStorage_MappingStore(t *testing.T) {
	ctx := context.Background()
	s, cleanup := setupTestStorage(t)
	defer cleanup()

	table := idmap.New(s.MappingStore("acme"))

	created, err := table.Register(ctx, "tmp-A", "5010", "job")
	require.NoError(t, err)
	assert.True(t, created)

	id, ok, err := idmap.New(s.MappingStore("acme")).Resolve(ctx, "tmp-A")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "5010", id)

	_, ok, err = idmap.New(s.MappingStore("globex")).Resolve(ctx, "tmp-A")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStorage_Conflicts(t *testing.T) {
	ctx := context.Background()
	s, cleanup := setupTestStorage(t)
	defer cleanup()

	detected := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := &models.ConflictRecord{
		ConflictID: "c-1",
		TenantID:   "acme",
		Operation: models.Operation{
			OperationID: "op-1", EntityType: "job", EntityID: "5010", Kind: models.KindUpdate, BaseVersion: 5,
		},
		ClientVersion: 5,
		ServerVersion: 7,
		Strategy:      models.StrategyExplicit,
		DetectedAt:    detected,
	}
	require.NoError(t, s.Commit(ctx, "acme", &storage.Commit{Conflict: c}))

	pending, err := s.ListPendingConflicts(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "c-1", pending[0].ConflictID)
	assert.Equal(t, int64(7), pending[0].ServerVersion)

	resolvedAt := detected.Add(time.Minute)
	c.ResolvedAt = &resolvedAt
	c.ResolvedVersion = 8
	require.NoError(t, s.Commit(ctx, "acme", &storage.Commit{Conflict: c}))

	pending, err = s.ListPendingConflicts(ctx, "acme")
	require.NoError(t, err)
	assert.Empty(t, pending)

	got, err := s.GetConflict(ctx, "acme", "c-1")
	require.NoError(t, err)
	assert.True(t, got.Resolved())
	assert.Equal(t, int64(8), got.ResolvedVersion)

	_, err = s.GetConflict(ctx, "acme", "missing")
	assert.ErrorIs(t, err, storage.ErrConflictNotFound)
}
