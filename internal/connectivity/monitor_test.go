package connectivity_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sap-alerte/fieldsync/internal/connectivity"
	"github.com/sap-alerte/fieldsync/internal/events"
	"github.com/sap-alerte/fieldsync/internal/models"
	"github.com/sap-alerte/fieldsync/internal/transport"
)

func newMonitor(t *testing.T, opts connectivity.Options) (*connectivity.Monitor, *transport.MockTransport, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger := events.NewTestLogger(events.DebugLevel, "json", &buf)
	mock := transport.NewMockTransport()
	m := connectivity.NewMonitor(mock, opts, logger)
	t.Cleanup(m.Stop)
	return m, mock, &buf
}

type recorder struct {
	mu      sync.Mutex
	changes []models.ConnectivityChange
}

func (r *recorder) record(c models.ConnectivityChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

func (r *recorder) all() []models.ConnectivityChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.ConnectivityChange(nil), r.changes...)
}

func TestInitialBeliefIsOptimistic(t *testing.T) {
	m, mock, _ := newMonitor(t, connectivity.Options{})

	assert.True(t, m.Status())
	state := m.State()
	assert.True(t, state.Online)
	assert.Equal(t, models.CauseNativeSignal, state.Cause)
	assert.True(t, state.LastProbe.IsZero())

	// Status never performs I/O
	assert.Equal(t, 0, mock.Checks())
}

func TestProbeClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		err    error
		online bool
	}{
		{"ok", 200, nil, true},
		{"no content", 204, nil, true},
		{"route missing", 404, nil, true},
		{"server error", 500, nil, false},
		{"unavailable", 503, nil, false},
		{"forbidden", 403, nil, false},
		{"network error", 0, errors.New("connection refused"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, mock, _ := newMonitor(t, connectivity.Options{})
			mock.SetHealth(tt.status, tt.err)

			assert.Equal(t, tt.online, m.ProbeOnce(context.Background()))
			assert.Equal(t, tt.online, m.Status())
		})
	}
}

func TestProbeTimeoutMeansOffline(t *testing.T) {
	m, mock, _ := newMonitor(t, connectivity.Options{Timeout: 50 * time.Millisecond})
	mock.HealthDelay = time.Second

	start := time.Now()
	assert.False(t, m.ProbeOnce(context.Background()))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.False(t, m.Status())
}

func TestCallerCancellationKeepsBelief(t *testing.T) {
	m, mock, _ := newMonitor(t, connectivity.Options{Timeout: time.Second})
	rec := &recorder{}
	m.Subscribe(rec.record)
	mock.SetHealthDelay(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	assert.True(t, m.ForceCheck(ctx), "the current belief is returned")
	assert.True(t, m.Status())
	assert.True(t, m.State().LastProbe.IsZero())
	assert.Empty(t, rec.all())

	// Same while offline: a caller hanging up does not bring it back
	mock.SetHealthDelay(0)
	mock.SetHealth(0, errors.New("connection refused"))
	require.False(t, m.ProbeOnce(context.Background()))

	mock.SetHealthDelay(50 * time.Millisecond)
	mock.SetHealth(200, nil)
	cancelled, stop := context.WithCancel(context.Background())
	stop()
	assert.False(t, m.ProbeOnce(cancelled))
	assert.False(t, m.Status())
	assert.Len(t, rec.all(), 1)
}

func TestStopDuringHealthCheckPublishesNothing(t *testing.T) {
	m, mock, _ := newMonitor(t, connectivity.Options{Interval: 20 * time.Millisecond, Timeout: time.Second})
	rec := &recorder{}
	m.Subscribe(rec.record)

	m.Start(context.Background())
	require.True(t, m.Status())

	// The next tick hangs on the backend until Stop cancels it
	checks := mock.Checks()
	mock.SetHealthDelay(time.Hour)
	require.Eventually(t, func() bool { return mock.Checks() > checks }, time.Second, 5*time.Millisecond)

	m.Stop()
	assert.True(t, m.Status())
	assert.Empty(t, rec.all())
}

func TestTransitionsNotifyOnlyOnChange(t *testing.T) {
	m, mock, _ := newMonitor(t, connectivity.Options{})
	rec := &recorder{}
	m.Subscribe(rec.record)

	ctx := context.Background()

	m.ProbeOnce(ctx) // online -> online
	assert.Empty(t, rec.all())

	mock.SetHealth(0, errors.New("no route to host"))
	m.ProbeOnce(ctx)
	m.ProbeOnce(ctx)

	mock.SetHealth(404, nil)
	m.ProbeOnce(ctx)

	changes := rec.all()
	require.Len(t, changes, 2)

	assert.False(t, changes[0].IsOnline)
	assert.True(t, changes[0].WasOnline)
	assert.True(t, changes[0].WentOffline())
	assert.Equal(t, models.CauseProbeConfirmed, changes[0].Cause)

	assert.True(t, changes[1].IsOnline)
	assert.False(t, changes[1].WasOnline)
	assert.True(t, changes[1].CameOnline())

	state := m.State()
	assert.Equal(t, models.CauseProbeConfirmed, state.Cause)
	assert.False(t, state.LastProbe.IsZero())
}

func TestPanickingSubscriberIsolated(t *testing.T) {
	m, mock, buf := newMonitor(t, connectivity.Options{})

	var order []string
	m.Subscribe(func(models.ConnectivityChange) { order = append(order, "first") })
	m.Subscribe(func(models.ConnectivityChange) {
		order = append(order, "second")
		panic("banner exploded")
	})
	m.Subscribe(func(models.ConnectivityChange) { order = append(order, "third") })

	mock.SetHealth(500, nil)
	assert.False(t, m.ProbeOnce(context.Background()))

	assert.Equal(t, []string{"first", "second", "third"}, order)
	assert.Contains(t, buf.String(), "banner exploded")
}

func TestUnsubscribe(t *testing.T) {
	m, mock, _ := newMonitor(t, connectivity.Options{})
	rec := &recorder{}
	unsubscribe := m.Subscribe(rec.record)

	mock.SetHealth(500, nil)
	m.ProbeOnce(context.Background())
	unsubscribe()
	unsubscribe()

	mock.SetHealth(200, nil)
	m.ProbeOnce(context.Background())

	assert.Len(t, rec.all(), 1)
}

func TestStartIsIdempotent(t *testing.T) {
	m, mock, _ := newMonitor(t, connectivity.Options{Interval: 40 * time.Millisecond})

	ctx := context.Background()
	m.Start(ctx)
	m.Start(ctx)

	time.Sleep(220 * time.Millisecond)
	m.Stop()

	checks := mock.Checks()

	// One immediate probe plus about five ticks from a single loop
	assert.GreaterOrEqual(t, checks, 3)
	assert.LessOrEqual(t, checks, 8)

	// No probes after Stop
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, checks, mock.Checks())
}

func TestStartProbesImmediately(t *testing.T) {
	m, mock, _ := newMonitor(t, connectivity.Options{Interval: time.Hour})
	mock.SetHealth(503, nil)

	m.Start(context.Background())
	assert.False(t, m.Status())
}

func TestStopWithoutStart(t *testing.T) {
	m, _, _ := newMonitor(t, connectivity.Options{})
	assert.NotPanics(t, m.Stop)
	assert.NotPanics(t, m.Stop)
}

func TestStopClearsSubscribers(t *testing.T) {
	m, mock, _ := newMonitor(t, connectivity.Options{Interval: time.Hour})
	rec := &recorder{}
	m.Subscribe(rec.record)

	m.Start(context.Background())
	m.Stop()

	mock.SetHealth(500, nil)
	m.ProbeOnce(context.Background())
	assert.Empty(t, rec.all())
}

func TestNativeOfflineSignalIsConfirmed(t *testing.T) {
	m, mock, _ := newMonitor(t, connectivity.Options{})
	rec := &recorder{}
	m.Subscribe(rec.record)

	ctx := context.Background()

	// False positive: the link reports down but the backend answers
	assert.True(t, m.HandleNativeSignal(ctx, false))
	assert.True(t, m.Status())
	assert.Empty(t, rec.all())
	assert.Equal(t, 1, mock.Checks())

	// Real outage
	mock.SetHealth(0, errors.New("network is unreachable"))
	assert.False(t, m.HandleNativeSignal(ctx, false))
	assert.False(t, m.Status())

	// Link back but backend still down: stays offline
	assert.False(t, m.HandleNativeSignal(ctx, true))
	assert.False(t, m.Status())

	mock.SetHealth(200, nil)
	assert.True(t, m.ForceCheck(ctx))
	assert.Len(t, rec.all(), 2)
}

func TestConcurrentProbesCoalesced(t *testing.T) {
	m, mock, _ := newMonitor(t, connectivity.Options{})
	mock.HealthDelay = 100 * time.Millisecond

	var wg sync.WaitGroup
	results := make(chan bool, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- m.ProbeOnce(context.Background())
		}()
	}
	wg.Wait()
	close(results)

	for r := range results {
		assert.True(t, r)
	}

	assert.LessOrEqual(t, mock.Checks(), 3)
}

type fakeSignal struct {
	events []bool
}

func (f *fakeSignal) Watch(ctx context.Context, fn func(bool)) error {
	for _, e := range f.events {
		fn(e)
	}
	<-ctx.Done()
	return nil
}

func TestWatchNative(t *testing.T) {
	m, mock, _ := newMonitor(t, connectivity.Options{})
	mock.SetHealth(0, errors.New("down"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- m.WatchNative(ctx, &fakeSignal{events: []bool{false}})
	}()

	require.Eventually(t, func() bool { return !m.Status() }, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("WatchNative did not return")
	}
}
