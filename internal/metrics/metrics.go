// Package metrics exposes agent counters on a private Prometheus registry.
// Every method is safe on a nil *Metrics so components can run without it.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sap-alerte/fieldsync/internal/models"
)

const namespace = "fieldsync"

// Metrics holds the agent collectors.
type Metrics struct {
	registry *prometheus.Registry

	online        prometheus.Gauge
	pending       prometheus.Gauge
	probes        *prometheus.CounterVec
	syncRuns      *prometheus.CounterVec
	syncItems     *prometheus.CounterVec
	intercepted   *prometheus.CounterVec
	runtimePurges prometheus.Counter
}

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		online: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online",
			Help:      "1 when the backend is believed reachable.",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_pending",
			Help:      "Collectes waiting to be delivered.",
		}),
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probes_total",
			Help:      "Health probes by result.",
		}, []string{"result"}),
		syncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_runs_total",
			Help:      "Queue drains by result.",
		}, []string{"result"}),
		syncItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_items_total",
			Help:      "Queued collectes processed by outcome.",
		}, []string{"outcome"}),
		intercepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "intercepted_requests_total",
			Help:      "Requests handled by the interceptor.",
		}, []string{"mode", "outcome"}),
		runtimePurges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runtime_cache_purges_total",
			Help:      "Runtime cache purges on return online.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.online,
		m.pending,
		m.probes,
		m.syncRuns,
		m.syncItems,
		m.intercepted,
		m.runtimePurges,
	)

	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetOnline records the current belief.
func (m *Metrics) SetOnline(online bool) {
	if m == nil {
		return
	}
	if online {
		m.online.Set(1)
	} else {
		m.online.Set(0)
	}
}

// SetPending records the queue depth.
func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

// ObserveProbe counts one probe.
func (m *Metrics) ObserveProbe(online bool) {
	if m == nil {
		return
	}
	if online {
		m.probes.WithLabelValues("online").Inc()
	} else {
		m.probes.WithLabelValues("offline").Inc()
	}
}

// ObserveSyncEvent counts drain runs and their items.
func (m *Metrics) ObserveSyncEvent(ev models.SyncEvent) {
	if m == nil {
		return
	}
	switch ev.Type {
	case models.SyncEventCompleted:
		m.syncRuns.WithLabelValues("completed").Inc()
		if ev.Result != nil {
			m.syncItems.WithLabelValues("synced").Add(float64(ev.Result.Synced))
			m.syncItems.WithLabelValues("failed").Add(float64(ev.Result.Failed))
			m.syncItems.WithLabelValues("exhausted").Add(float64(ev.Result.Exhausted))
		}
	case models.SyncEventError:
		m.syncRuns.WithLabelValues("error").Inc()
	}
}

// ObserveIntercept counts one intercepted request.
func (m *Metrics) ObserveIntercept(mode, outcome string) {
	if m == nil {
		return
	}
	m.intercepted.WithLabelValues(mode, outcome).Inc()
}

// ObserveRuntimePurge counts one runtime cache purge.
func (m *Metrics) ObserveRuntimePurge() {
	if m == nil {
		return
	}
	m.runtimePurges.Inc()
}
