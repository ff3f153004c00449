package queue_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sap-alerte/fieldsync/internal/events"
	"github.com/sap-alerte/fieldsync/internal/models"
	"github.com/sap-alerte/fieldsync/internal/queue"
)

func TestSQLiteStore(t *testing.T) {
	var buf bytes.Buffer
	logger := events.NewTestLogger(events.DebugLevel, "json", &buf)

	store, err := queue.NewSQLiteStore(filepath.Join(t.TempDir(), "queue.db"), logger)
	require.NoError(t, err)
	defer store.Close()

	testStoreOperations(t, store)
}

func TestMemoryStore(t *testing.T) {
	store := queue.NewMemoryStore()
	defer store.Close()

	testStoreOperations(t, store)
}

func testStoreOperations(t *testing.T, store queue.Store) {
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

	var ids []int64

	t.Run("add and get", func(t *testing.T) {
		for i, produit := range []string{"riz", "mil", "sorgho"} {
			payload := json.RawMessage(fmt.Sprintf(`{"produit":%q,"prix":%d}`, produit, (i+1)*100))
			id, err := store.Add(ctx, payload, base.Add(time.Duration(i)*time.Minute))
			require.NoError(t, err)
			ids = append(ids, id)
		}

		m, err := store.Get(ctx, ids[0])
		require.NoError(t, err)
		assert.Equal(t, models.CollectionCollectes, m.Collection)
		assert.JSONEq(t, `{"produit":"riz","prix":100}`, string(m.Payload))
		assert.False(t, m.Synced)
		assert.Zero(t, m.RetryCount)
		assert.Equal(t, base.UnixMilli(), m.EnqueuedAt.UnixMilli())
	})

	t.Run("get unknown", func(t *testing.T) {
		_, err := store.Get(ctx, 9999)
		assert.ErrorIs(t, err, models.ErrMutationNotFound)
	})

	t.Run("list pending in id order", func(t *testing.T) {
		pending, err := store.ListPending(ctx)
		require.NoError(t, err)
		require.Len(t, pending, 3)
		for i, m := range pending {
			assert.Equal(t, ids[i], m.ID)
		}

		n, err := store.CountPending(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, n)
	})

	t.Run("record failure persists", func(t *testing.T) {
		retries, err := store.RecordFailure(ctx, ids[1], "HTTP 503")
		require.NoError(t, err)
		assert.Equal(t, 1, retries)

		retries, err = store.RecordFailure(ctx, ids[1], "timeout")
		require.NoError(t, err)
		assert.Equal(t, 2, retries)

		m, err := store.Get(ctx, ids[1])
		require.NoError(t, err)
		assert.Equal(t, 2, m.RetryCount)
		assert.Equal(t, "timeout", m.LastError)

		_, err = store.RecordFailure(ctx, 9999, "x")
		assert.ErrorIs(t, err, models.ErrMutationNotFound)
	})

	t.Run("reset retries", func(t *testing.T) {
		require.NoError(t, store.ResetRetries(ctx, ids[1]))

		m, err := store.Get(ctx, ids[1])
		require.NoError(t, err)
		assert.Zero(t, m.RetryCount)
		assert.Empty(t, m.LastError)

		assert.ErrorIs(t, store.ResetRetries(ctx, 9999), models.ErrMutationNotFound)
	})

	t.Run("mark synced is idempotent", func(t *testing.T) {
		first := base.Add(time.Hour)
		found, err := store.MarkSynced(ctx, ids[0], first)
		require.NoError(t, err)
		assert.True(t, found)

		found, err = store.MarkSynced(ctx, ids[0], first.Add(time.Hour))
		require.NoError(t, err)
		assert.True(t, found)

		m, err := store.Get(ctx, ids[0])
		require.NoError(t, err)
		assert.True(t, m.Synced)
		require.NotNil(t, m.SyncedAt)
		assert.Equal(t, first.UnixMilli(), m.SyncedAt.UnixMilli())

		found, err = store.MarkSynced(ctx, 9999, first)
		require.NoError(t, err)
		assert.False(t, found)

		n, err := store.CountPending(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})

	t.Run("delete", func(t *testing.T) {
		deleted, err := store.Delete(ctx, ids[2])
		require.NoError(t, err)
		assert.True(t, deleted)

		deleted, err = store.Delete(ctx, ids[2])
		require.NoError(t, err)
		assert.False(t, deleted)
	})

	t.Run("offline requests", func(t *testing.T) {
		_, err := store.AddRequest(ctx, models.OfflineRequest{
			Method:    "POST",
			URL:       "/api/collectes",
			Timestamp: base,
		})
		require.NoError(t, err)

		reqs, err := store.ListPendingRequests(ctx)
		require.NoError(t, err)
		require.Len(t, reqs, 1)
		assert.Equal(t, "POST", reqs[0].Method)
		assert.Equal(t, base.UnixMilli(), reqs[0].Timestamp.UnixMilli())

		n, err := store.MarkRequestsSynced(ctx, base.Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		reqs, err = store.ListPendingRequests(ctx)
		require.NoError(t, err)
		assert.Empty(t, reqs)
	})

	t.Run("purge synced older than cutoff", func(t *testing.T) {
		// Both rows were enqueued at base. The request was synced at base+1m,
		// ids[0] at base+1h, and ids[1] is still pending.
		n, err := store.PurgeSynced(ctx, base.Add(time.Minute))
		require.NoError(t, err)
		assert.Zero(t, n, "rows synced exactly at the cutoff are kept")

		n, err = store.PurgeSynced(ctx, base.Add(30*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 1, n, "only the request was synced before the cutoff")

		_, err = store.Get(ctx, ids[0])
		assert.NoError(t, err, "enqueue time does not count toward retention")

		n, err = store.PurgeSynced(ctx, base.Add(8*24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		_, err = store.Get(ctx, ids[0])
		assert.ErrorIs(t, err, models.ErrMutationNotFound)

		_, err = store.Get(ctx, ids[1])
		assert.NoError(t, err, "unsynced rows are never purged")
	})

	t.Run("clear", func(t *testing.T) {
		_, err := store.AddRequest(ctx, models.OfflineRequest{Method: "DELETE", URL: "/api/x", Timestamp: base})
		require.NoError(t, err)

		require.NoError(t, store.Clear(ctx))

		n, err := store.CountPending(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)

		reqs, err := store.ListPendingRequests(ctx)
		require.NoError(t, err)
		assert.Empty(t, reqs)
	})
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "queue.db")
	logger := events.NewNopLogger()

	store, err := queue.NewSQLiteStore(dbPath, logger)
	require.NoError(t, err)

	id, err := store.Add(ctx, json.RawMessage(`{"prix":250}`), time.Now())
	require.NoError(t, err)
	_, err = store.RecordFailure(ctx, id, "HTTP 500")
	require.NoError(t, err)
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())

	reopened, err := queue.NewSQLiteStore(dbPath, logger)
	require.NoError(t, err)
	defer reopened.Close()

	m, err := reopened.Get(ctx, id)
	require.NoError(t, err)
	assert.JSONEq(t, `{"prix":250}`, string(m.Payload))
	assert.Equal(t, 1, m.RetryCount)
}

func TestMemoryStoreFailureInjection(t *testing.T) {
	ctx := context.Background()
	store := queue.NewMemoryStore()

	store.SetFailure("add", assert.AnError)
	_, err := store.Add(ctx, json.RawMessage(`{}`), time.Now())
	assert.ErrorIs(t, err, assert.AnError)

	store.SetFailure("add", nil)
	_, err = store.Add(ctx, json.RawMessage(`{}`), time.Now())
	assert.NoError(t, err)

	require.NoError(t, store.Close())
	_, err = store.CountPending(ctx)
	assert.ErrorIs(t, err, models.ErrStoreClosed)
}
