package connectivity

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/sap-alerte/fieldsync/internal/events"
	"github.com/sap-alerte/fieldsync/internal/metrics"
	"github.com/sap-alerte/fieldsync/internal/models"
)

// HealthChecker performs one reachability request.
type HealthChecker interface {
	CheckHealth(ctx context.Context) (int, error)
}

// NativeSignal is a fast but unreliable link indicator. Watch blocks until
// ctx is done and reports every change it sees.
type NativeSignal interface {
	Watch(ctx context.Context, fn func(online bool)) error
}

// Options configures a Monitor.
type Options struct {
	Interval time.Duration
	Timeout  time.Duration
	Metrics  *metrics.Metrics
	Now      func() time.Time
}

// Monitor owns the process belief about backend reachability. Only probe
// results change it.
type Monitor struct {
	checker HealthChecker
	opts    Options
	logger  *events.Logger

	mu    sync.Mutex
	state models.ConnectionState

	// Serializes transitions so subscribers see them in order.
	notifyMu sync.Mutex
	group    singleflight.Group
	bus      *events.Bus[models.ConnectivityChange]

	// Loop
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewMonitor creates a monitor. The initial belief is online.
func NewMonitor(checker HealthChecker, opts Options, logger *events.Logger) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	logger = logger.WithField("component", "connectivity")

	m := &Monitor{
		checker: checker,
		opts:    opts,
		logger:  logger,
		state: models.ConnectionState{
			Online:    true,
			Cause:     models.CauseNativeSignal,
			ChangedAt: opts.Now(),
		},
		bus: events.NewBus[models.ConnectivityChange]("connectivity", logger),
	}
	opts.Metrics.SetOnline(true)

	return m
}

// Start probes immediately and then every Interval until Stop or ctx is
// done. A second call while running does nothing.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.running = true
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	m.logger.WithFields(map[string]interface{}{
		"interval": m.opts.Interval.String(),
		"timeout":  m.opts.Timeout.String(),
	}).Info("Starting connectivity monitor")

	m.ProbeOnce(loopCtx)

	go m.loop(loopCtx, done)
}

func (m *Monitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ProbeOnce(ctx)
		}
	}
}

// Stop ends the probe loop and drops every subscriber. It is safe to call
// on a monitor that was never started.
func (m *Monitor) Stop() {
	m.mu.Lock()
	running, cancel, done := m.running, m.cancel, m.done
	m.running = false
	m.cancel = nil
	m.mu.Unlock()

	if running {
		cancel()
		<-done
		m.logger.Debug("Connectivity monitor stopped")
	}

	m.bus.Clear()
}

// Subscribe registers fn for every confirmed transition. Callbacks run
// synchronously in registration order and must not probe.
func (m *Monitor) Subscribe(fn func(models.ConnectivityChange)) func() {
	return m.bus.Subscribe(fn)
}

// Status returns the current belief without I/O.
func (m *Monitor) Status() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Online
}

// State returns a copy of the current state.
func (m *Monitor) State() models.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ProbeOnce checks reachability and updates the belief when it changed.
// Concurrent calls share one request. If ctx ends first the belief is
// left alone and the current one is returned.
func (m *Monitor) ProbeOnce(ctx context.Context) bool {
	return m.probe(ctx)
}

// ForceCheck runs an out-of-band probe.
func (m *Monitor) ForceCheck(ctx context.Context) bool {
	m.logger.Debug("Forced connectivity check")
	return m.probe(ctx)
}

// HandleNativeSignal treats a native link change as a hint: it never sets
// the state, it only triggers a confirming probe.
func (m *Monitor) HandleNativeSignal(ctx context.Context, online bool) bool {
	m.logger.WithField("link_up", online).Debug("Native signal, confirming with probe")
	return m.probe(ctx)
}

// WatchNative feeds a native signal into HandleNativeSignal. It blocks
// until ctx is done.
func (m *Monitor) WatchNative(ctx context.Context, sig NativeSignal) error {
	return sig.Watch(ctx, func(online bool) {
		m.HandleNativeSignal(ctx, online)
	})
}

func (m *Monitor) probe(ctx context.Context) bool {
	v, _, _ := m.group.Do("probe", func() (interface{}, error) {
		online, ok := m.check(ctx)
		if !ok {
			return m.Status(), nil
		}
		m.apply(online)
		return online, nil
	})
	return v.(bool)
}

// check performs the request. 2xx and 404 prove the server answers.
// ok is false when ctx ended before the probe concluded: a caller that
// gave up, or a monitor being stopped, says nothing about the backend.
func (m *Monitor) check(ctx context.Context) (online, ok bool) {
	probeCtx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
	defer cancel()

	status, err := m.checker.CheckHealth(probeCtx)
	if err != nil && ctx.Err() != nil {
		m.logger.WithError(err).Debug("Probe abandoned, belief unchanged")
		return false, false
	}
	online = err == nil && (status >= 200 && status < 300 || status == http.StatusNotFound)

	m.opts.Metrics.ObserveProbe(online)

	logger := m.logger.WithField("online", online)
	if err != nil {
		logger = logger.WithError(err)
	} else {
		logger = logger.WithField("status", status)
	}
	logger.Debug("Probe finished")

	return online, true
}

func (m *Monitor) apply(online bool) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	now := m.opts.Now()

	m.mu.Lock()
	m.state.LastProbe = now
	was := m.state.Online
	if was == online {
		m.mu.Unlock()
		return
	}
	m.state.Online = online
	m.state.Cause = models.CauseProbeConfirmed
	m.state.ChangedAt = now
	m.mu.Unlock()

	m.opts.Metrics.SetOnline(online)

	m.logger.WithFields(map[string]interface{}{
		"from": stateName(was),
		"to":   stateName(online),
	}).Info("Connectivity changed")

	m.bus.Publish(models.ConnectivityChange{
		IsOnline:  online,
		WasOnline: was,
		Cause:     models.CauseProbeConfirmed,
		At:        now,
	})
}

func stateName(online bool) string {
	if online {
		return "online"
	}
	return "offline"
}
