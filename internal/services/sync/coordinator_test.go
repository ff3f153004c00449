package sync_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sap-alerte/fieldsync/internal/connectivity"
	"github.com/sap-alerte/fieldsync/internal/events"
	"github.com/sap-alerte/fieldsync/internal/models"
	"github.com/sap-alerte/fieldsync/internal/queue"
	syncsvc "github.com/sap-alerte/fieldsync/internal/services/sync"
	"github.com/sap-alerte/fieldsync/internal/transport"
)

type fakeInterceptor struct {
	bus      *events.Bus[models.Message]
	dirty    atomic.Bool
	mu       sync.Mutex
	triggers []string
}

func newFakeInterceptor() *fakeInterceptor {
	return &fakeInterceptor{bus: events.NewBus[models.Message]("messages", events.NewNopLogger())}
}

func (f *fakeInterceptor) Subscribe(fn func(models.Message)) func() { return f.bus.Subscribe(fn) }
func (f *fakeInterceptor) RuntimeClean() bool                       { return !f.dirty.Load() }

func (f *fakeInterceptor) TriggerBackgroundSync(tag string) {
	f.mu.Lock()
	f.triggers = append(f.triggers, tag)
	f.mu.Unlock()

	msg, _ := models.NewMessage(models.MsgTriggerSync, models.TriggerSync{Tag: tag})
	f.bus.Publish(msg)
}

func (f *fakeInterceptor) triggered() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.triggers)
}

type fixture struct {
	queue       *queue.Queue
	mock        *transport.MockTransport
	monitor     *connectivity.Monitor
	interceptor *fakeInterceptor
	coord       *syncsvc.Coordinator
}

func newFixture(t *testing.T, opts syncsvc.Options, qopts queue.Options) *fixture {
	t.Helper()

	logger := events.NewNopLogger()
	mock := transport.NewMockTransport()
	q := queue.New(queue.MemoryOpener(queue.NewMemoryStore()), qopts, logger)
	monitor := connectivity.NewMonitor(mock, connectivity.Options{}, logger)
	interceptor := newFakeInterceptor()

	coord := syncsvc.NewCoordinator(q, mock, monitor, interceptor, opts, logger)

	t.Cleanup(func() {
		coord.Stop()
		monitor.Stop()
		_ = q.Close()
	})

	return &fixture{queue: q, mock: mock, monitor: monitor, interceptor: interceptor, coord: coord}
}

func (f *fixture) enqueue(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := f.queue.Enqueue(context.Background(), json.RawMessage(fmt.Sprintf(`{"seq":%d}`, i)))
		require.NoError(t, err)
	}
}

func (f *fixture) pending(t *testing.T) int {
	t.Helper()
	n, err := f.queue.CountPending(context.Background())
	require.NoError(t, err)
	return n
}

func (f *fixture) goOffline(t *testing.T) {
	t.Helper()
	f.mock.SetHealth(0, errors.New("network is unreachable"))
	require.False(t, f.monitor.ProbeOnce(context.Background()))
}

func TestSyncNowRefusesWhenOffline(t *testing.T) {
	f := newFixture(t, syncsvc.Options{}, queue.Options{})
	f.enqueue(t, 2)
	f.goOffline(t)

	_, err := f.coord.SyncNow(context.Background())
	assert.ErrorIs(t, err, models.ErrOffline)
	assert.Empty(t, f.mock.Requests())
	assert.Equal(t, 2, f.pending(t))
}

func TestDrainOnReconnect(t *testing.T) {
	f := newFixture(t, syncsvc.Options{}, queue.Options{})
	f.goOffline(t)
	f.enqueue(t, 3)

	require.NoError(t, f.coord.Start(context.Background()))

	// Nothing is attempted while offline
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, f.mock.Requests())

	f.mock.SetHealth(200, nil)
	require.True(t, f.monitor.ProbeOnce(context.Background()))

	require.Eventually(t, func() bool { return f.pending(t) == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, f.mock.Requests(), 3)
	assert.False(t, f.mock.Overlapped())
}

func TestDrainAtStartupWhenOnline(t *testing.T) {
	f := newFixture(t, syncsvc.Options{}, queue.Options{})
	f.enqueue(t, 2)

	require.NoError(t, f.coord.Start(context.Background()))

	require.Eventually(t, func() bool { return f.pending(t) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestTriggerMessageStartsDrain(t *testing.T) {
	f := newFixture(t, syncsvc.Options{}, queue.Options{})
	require.NoError(t, f.coord.Start(context.Background()))

	f.enqueue(t, 1)
	f.interceptor.TriggerBackgroundSync("sync-collectes")

	require.Eventually(t, func() bool { return f.pending(t) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestScheduledBackgroundSync(t *testing.T) {
	f := newFixture(t, syncsvc.Options{BackgroundSyncSchedule: "@every 1s"}, queue.Options{})
	require.NoError(t, f.coord.Start(context.Background()))

	require.Eventually(t, func() bool { return f.interceptor.triggered() > 0 }, 3*time.Second, 20*time.Millisecond)
}

func TestStartRejectsInvalidSchedule(t *testing.T) {
	f := newFixture(t, syncsvc.Options{CleanupSchedule: "every now and then"}, queue.Options{})

	err := f.coord.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cleanup schedule")

	// Stop after a failed Start is a no-op
	assert.NotPanics(t, f.coord.Stop)
}

func TestStartAndStopAreIdempotent(t *testing.T) {
	f := newFixture(t, syncsvc.Options{}, queue.Options{})

	require.NoError(t, f.coord.Start(context.Background()))
	require.NoError(t, f.coord.Start(context.Background()))

	f.coord.Stop()
	f.coord.Stop()

	// No drain after Stop
	f.goOffline(t)
	f.enqueue(t, 1)
	f.mock.SetHealth(200, nil)
	f.monitor.ProbeOnce(context.Background())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, f.pending(t))
}

func TestPartialFailureStatus(t *testing.T) {
	f := newFixture(t, syncsvc.Options{}, queue.Options{})
	f.enqueue(t, 3)
	f.mock.SubmitErrors[1] = errors.New("HTTP 500")

	_, err := f.queue.RecordRequest(context.Background(), models.OfflineRequestNotice{
		Method: "POST", URL: "https://api.example.test/api/collectes", Timestamp: 1700000000000,
	})
	require.NoError(t, err)

	result, err := f.coord.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.SyncResult{Synced: 2, Failed: 1}, result)

	st, err := f.coord.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, st.Online)
	assert.Equal(t, 1, st.Pending)
	require.NotNil(t, st.LastResult)
	assert.Equal(t, 1, st.LastResult.Failed)
	assert.NotNil(t, st.LastSyncAt)
	assert.False(t, st.FullySynced)

	// Offline request rows stay until a drain finishes cleanly
	reqs, err := f.queue.ListPendingRequests(context.Background())
	require.NoError(t, err)
	assert.Len(t, reqs, 1)

	result, err = f.coord.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Synced)

	reqs, err = f.queue.ListPendingRequests(context.Background())
	require.NoError(t, err)
	assert.Empty(t, reqs)

	st, err = f.coord.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, st.FullySynced)
}

func TestFullySyncedRequiresCleanRuntimeCache(t *testing.T) {
	f := newFixture(t, syncsvc.Options{}, queue.Options{})

	st, err := f.coord.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, st.FullySynced)
	assert.Nil(t, st.LastResult)

	f.interceptor.dirty.Store(true)
	st, err = f.coord.Status(context.Background())
	require.NoError(t, err)
	assert.False(t, st.FullySynced)

	f.interceptor.dirty.Store(false)
	f.goOffline(t)
	st, err = f.coord.Status(context.Background())
	require.NoError(t, err)
	assert.False(t, st.Online)
	assert.False(t, st.FullySynced)
}

func TestConcurrentSyncNow(t *testing.T) {
	f := newFixture(t, syncsvc.Options{}, queue.Options{})
	f.enqueue(t, 2)

	release := make(chan struct{})
	f.mock.SubmitHook = func(ctx context.Context, payload json.RawMessage) {
		<-release
	}

	done := make(chan error, 1)
	go func() {
		_, err := f.coord.SyncNow(context.Background())
		done <- err
	}()

	require.Eventually(t, f.queue.Syncing, time.Second, 5*time.Millisecond)

	_, err := f.coord.SyncNow(context.Background())
	assert.ErrorIs(t, err, models.ErrSyncInProgress)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, 0, f.pending(t))
}

func TestRunCleanup(t *testing.T) {
	var mu sync.Mutex
	now := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	f := newFixture(t, syncsvc.Options{RetentionDays: 7}, queue.Options{Now: clock})
	ctx := context.Background()

	id, err := f.queue.Enqueue(ctx, json.RawMessage(`{"seq":1}`))
	require.NoError(t, err)
	ok, err := f.queue.MarkSynced(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)

	f.enqueue(t, 1)

	n, err := f.coord.RunCleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	mu.Lock()
	now = now.Add(8 * 24 * time.Hour)
	mu.Unlock()

	n, err = f.coord.RunCleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Unsynced collectes are never purged
	assert.Equal(t, 1, f.pending(t))
}
