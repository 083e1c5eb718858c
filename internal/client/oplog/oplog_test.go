package oplog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/edgesync/internal/client/storage"
	"github.com/iudanet/edgesync/internal/client/storage/boltdb"
	"github.com/iudanet/edgesync/internal/clock"
	"github.com/iudanet/edgesync/internal/models"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func setupTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

type fixture struct {
	store *boltdb.Storage
	clock *clock.FakeClock
	log   *Log
	path  string
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "oplog.db")
	store, err := boltdb.New(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	clk := clock.Fake(t0)
	l, err := Open(context.Background(), store, cfg, clk, setupTestLogger())
	require.NoError(t, err)

	return &fixture{store: store, clock: clk, log: l, path: path}
}

func update(id, entityID string, base int64, field, value string) models.Operation {
	return models.Operation{
		OperationID: id,
		EntityType:  "job",
		EntityID:    entityID,
		Kind:        models.KindUpdate,
		BaseVersion: base,
		Payload:     models.Fields{field: json.RawMessage(value)},
	}
}

func appendAll(t *testing.T, l *Log, ops ...models.Operation) {
	t.Helper()
	for _, op := range ops {
		res, err := l.Append(context.Background(), op)
		require.NoError(t, err)
		require.Empty(t, res.Purged)
	}
}

func ids(entries []*models.QueuedOperation) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Operation.OperationID)
	}
	return out
}

func TestAppend_Persisted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	res, err := f.log.Append(ctx, update("op-1", "5001", 3, "status", `"done"`))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.Entry.Seq)
	assert.Equal(t, models.StatusPending, res.Entry.Status)
	assert.Equal(t, t0, res.Entry.EnqueuedAt)

	stored, err := f.store.ListOperations(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "op-1", stored[0].Operation.OperationID)
}

func TestOpen_ResetsInFlight(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	appendAll(t, f.log, update("op-1", "5001", 3, "status", `"done"`), update("op-2", "5002", 1, "status", `"open"`))

	batch, err := f.log.PeekNextBatch(ctx, 25)
	require.NoError(t, err)
	require.Len(t, batch, 2)

	// обрыв соединения и перезапуск клиента
	reopened, err := Open(ctx, f.store, Config{}, f.clock, setupTestLogger())
	require.NoError(t, err)

	pending := reopened.Pending()
	require.Len(t, pending, 2)
	for _, e := range pending {
		assert.Equal(t, models.StatusPending, e.Status)
		assert.Equal(t, 1, e.Attempts)
	}

	res, err := reopened.Append(ctx, update("op-3", "5003", 1, "status", `"open"`))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), res.Entry.Seq, "sequence continues after reopen")
}

func TestAppend_CapPurgesOldestPending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{Cap: 3})
	appendAll(t, f.log,
		update("op-1", "5001", 1, "a", `1`),
		update("op-2", "5002", 1, "a", `1`),
		update("op-3", "5003", 1, "a", `1`),
	)

	// op-1 в полете и не может быть вытеснена
	_, err := f.log.PeekNextBatch(ctx, 1)
	require.NoError(t, err)

	res, err := f.log.Append(ctx, update("op-4", "5004", 1, "a", `1`))
	require.NoError(t, err)
	assert.Equal(t, []string{"op-2"}, ids(res.Purged))
	assert.Equal(t, 3, f.log.Len())

	stored, err := f.store.ListOperations(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"op-1", "op-3", "op-4"}, ids(stored))
}

func TestAppend_LogFull(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{Cap: 2})
	appendAll(t, f.log, update("op-1", "5001", 1, "a", `1`), update("op-2", "5002", 1, "a", `1`))

	_, err := f.log.PeekNextBatch(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, f.log.MarkConflicted(ctx, "op-2", &models.ConflictRecord{ConflictID: "c-1"}))

	_, err = f.log.Append(ctx, update("op-3", "5003", 1, "a", `1`))
	assert.ErrorIs(t, err, ErrLogFull)
	assert.Equal(t, 2, f.log.Len())
}

func TestPeekNextBatch_CausalOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	appendAll(t, f.log,
		update("a-1", "5001", 4, "status", `"started"`),
		update("a-2", "5001", 5, "status", `"done"`),
		update("b-1", "5002", 1, "status", `"open"`),
	)

	batch, err := f.log.PeekNextBatch(ctx, 25)
	require.NoError(t, err)
	assert.Equal(t, []string{"a-1", "b-1"}, ids(batch), "one operation per entity")

	again, err := f.log.PeekNextBatch(ctx, 25)
	require.NoError(t, err)
	assert.Empty(t, again, "a-2 waits for in-flight a-1")

	// a-1 применена на версии 7 вместо ожидаемой 5: authority ушел вперед
	removed, err := f.log.MarkApplied(ctx, Applied{OperationID: "a-1", Version: 7}, Applied{OperationID: "b-1", Version: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"a-1", "b-1"}, ids(removed))

	next, err := f.log.PeekNextBatch(ctx, 25)
	require.NoError(t, err)
	require.Equal(t, []string{"a-2"}, ids(next))
	assert.Equal(t, int64(7), next[0].Operation.BaseVersion)

	stored, err := f.store.ListOperations(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, int64(7), stored[0].Operation.BaseVersion)
}

func TestPeekNextBatch_Max(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	for i := range 30 {
		appendAll(t, f.log, update(fmt.Sprintf("op-%d", i), fmt.Sprintf("%d", 5000+i), 1, "a", `1`))
	}

	batch, err := f.log.PeekNextBatch(ctx, 25)
	require.NoError(t, err)
	assert.Len(t, batch, 25)

	rest, err := f.log.PeekNextBatch(ctx, 25)
	require.NoError(t, err)
	assert.Len(t, rest, 5)
}

func TestConflict_BlocksUntilResolved(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	appendAll(t, f.log,
		update("a-1", "5001", 5, "priority", `"urgent"`),
		update("a-2", "5001", 6, "notes", `"rev 2"`),
	)

	_, err := f.log.PeekNextBatch(ctx, 25)
	require.NoError(t, err)

	record := &models.ConflictRecord{ConflictID: "c-1", ClientVersion: 5, ServerVersion: 7}
	require.NoError(t, f.log.MarkConflicted(ctx, "a-1", record))

	conflicts := f.log.Conflicts()
	require.Len(t, conflicts, 1)
	assert.Equal(t, "c-1", conflicts[0].Conflict.ConflictID)
	assert.Equal(t, []string{"a-2"}, ids(f.log.Pending()))

	batch, err := f.log.PeekNextBatch(ctx, 25)
	require.NoError(t, err)
	assert.Empty(t, batch, "later operation withheld behind conflict")

	_, err = f.log.MarkResolved(ctx, "c-unknown", 8)
	assert.ErrorIs(t, err, ErrConflictNotFound)

	resolved, err := f.log.MarkResolved(ctx, "c-1", 8)
	require.NoError(t, err)
	assert.Equal(t, "a-1", resolved.Operation.OperationID)

	batch, err = f.log.PeekNextBatch(ctx, 25)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, int64(8), batch[0].Operation.BaseVersion)
}

func TestMarkRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	appendAll(t, f.log,
		update("a-1", "5001", 2, "status", `"bogus"`),
		update("a-2", "5001", 3, "notes", `"x"`),
	)

	_, err := f.log.PeekNextBatch(ctx, 25)
	require.NoError(t, err)

	rejected, err := f.log.MarkRejected(ctx, "a-1", "invalid status")
	require.NoError(t, err)
	assert.Equal(t, "a-1", rejected.Operation.OperationID)

	entries := f.log.ForEntity("job/5001")
	require.Len(t, entries, 1)
	assert.Equal(t, int64(2), entries[0].Operation.BaseVersion)

	_, err = f.log.MarkRejected(ctx, "a-1", "again")
	assert.ErrorIs(t, err, ErrOperationNotFound)
}

func TestRewriteTempID(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})

	create := models.Operation{
		OperationID: "c-1",
		EntityType:  "job",
		EntityID:    "tmp-A",
		Kind:        models.KindCreate,
		Payload:     models.Fields{"title": json.RawMessage(`"Fix pump"`)},
	}
	child := models.Operation{
		OperationID: "c-2",
		EntityType:  "ticket",
		EntityID:    "tmp-B",
		Kind:        models.KindCreate,
		Payload:     models.Fields{"job_id": json.RawMessage(`"tmp-A"`)},
	}
	appendAll(t, f.log, create, child, update("u-1", "tmp-A", 1, "status", `"done"`))

	n, err := f.log.RewriteTempID(ctx, models.IdentifierMapping{TempID: "tmp-A", PermanentID: "5010", EntityType: "job"})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	assert.Len(t, f.log.ForEntity("job/5010"), 2)
	assert.Empty(t, f.log.ForEntity("job/tmp-A"))

	got, ok := f.log.Get("c-2")
	require.True(t, ok)
	assert.JSONEq(t, `"5010"`, string(got.Operation.Payload["job_id"]))

	stored, err := f.store.ListOperations(ctx)
	require.NoError(t, err)
	assert.Equal(t, "5010", stored[2].Operation.EntityID)
}

func TestPurgeExpired(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{Retention: 24 * time.Hour})
	appendAll(t, f.log,
		update("old-inflight", "5001", 1, "a", `1`),
		update("old-conflicted", "5002", 1, "a", `1`),
		update("old-pending", "5003", 1, "a", `1`),
	)

	_, err := f.log.PeekNextBatch(ctx, 2)
	require.NoError(t, err)
	require.NoError(t, f.log.MarkConflicted(ctx, "old-conflicted", &models.ConflictRecord{ConflictID: "c-1"}))

	f.clock.Advance(2 * time.Hour)
	appendAll(t, f.log, update("fresh", "5004", 1, "a", `1`))

	purged, err := f.log.PurgeExpired(ctx, t0.Add(25*time.Hour))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"old-conflicted", "old-pending"}, ids(purged))
	assert.ElementsMatch(t, []string{"old-inflight", "fresh"}, ids(f.log.Pending()))
	assert.Empty(t, f.log.Conflicts())

	stored, err := f.store.ListOperations(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"old-inflight", "fresh"}, ids(stored))

	none, err := f.log.PurgeExpired(ctx, t0.Add(25*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestReleaseInFlight(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{})
	appendAll(t, f.log, update("op-1", "5001", 1, "a", `1`))

	batch, err := f.log.PeekNextBatch(ctx, 25)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	require.NoError(t, f.log.ReleaseInFlight(ctx))

	again, err := f.log.PeekNextBatch(ctx, 25)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, 2, again[0].Attempts)
}

func TestMark_StoreFailureKeepsLogUnchanged(t *testing.T) {
	errWrite := errors.New("disk full")

	tests := []struct {
		name     string
		prepare  func(t *testing.T, l *Log)
		mark     func(l *Log) error
		wantBase int64 // wantBase base_version u2 после успешного повтора
	}{
		{
			name: "applied",
			mark: func(l *Log) error {
				_, err := l.MarkApplied(context.Background(), Applied{OperationID: "u1", Version: 8})
				return err
			},
			wantBase: 8,
		},
		{
			name: "rejected",
			mark: func(l *Log) error {
				_, err := l.MarkRejected(context.Background(), "u1", "invalid status")
				return err
			},
			wantBase: 5,
		},
		{
			name: "resolved",
			prepare: func(t *testing.T, l *Log) {
				require.NoError(t, l.MarkConflicted(context.Background(), "u1", &models.ConflictRecord{ConflictID: "c-1"}))
			},
			mark: func(l *Log) error {
				_, err := l.MarkResolved(context.Background(), "c-1", 8)
				return err
			},
			wantBase: 8,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			db, err := boltdb.New(ctx, filepath.Join(t.TempDir(), "oplog.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = db.Close() })

			fail := false
			store := &storage.OperationLogStorageMock{
				ListOperationsFunc: db.ListOperations,
				WriteOperationsFunc: func(ctx context.Context, put []*models.QueuedOperation, del []uint64) error {
					if fail {
						return errWrite
					}
					return db.WriteOperations(ctx, put, del)
				},
			}

			l, err := Open(ctx, store, Config{}, clock.Fake(t0), setupTestLogger())
			require.NoError(t, err)
			appendAll(t, l,
				update("u1", "5001", 5, "status", `"done"`),
				update("u2", "5001", 6, "notes", `"x"`),
			)
			_, err = l.PeekNextBatch(ctx, 25)
			require.NoError(t, err)
			if tt.prepare != nil {
				tt.prepare(t, l)
			}

			fail = true
			require.ErrorIs(t, tt.mark(l), errWrite)

			inMemory := l.ForEntity("job/5001")
			assert.Equal(t, []string{"u1", "u2"}, ids(inMemory))
			assert.Equal(t, int64(6), inMemory[1].Operation.BaseVersion)

			stored, err := db.ListOperations(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"u1", "u2"}, ids(stored))
			assert.Equal(t, int64(6), stored[1].Operation.BaseVersion)

			fail = false
			require.NoError(t, tt.mark(l))

			inMemory = l.ForEntity("job/5001")
			require.Len(t, inMemory, 1)
			assert.Equal(t, tt.wantBase, inMemory[0].Operation.BaseVersion)

			stored, err = db.ListOperations(ctx)
			require.NoError(t, err)
			require.Len(t, stored, 1)
			assert.Equal(t, tt.wantBase, stored[0].Operation.BaseVersion)
		})
	}
}
