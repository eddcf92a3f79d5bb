package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the process-wide delivery counters.
type Metrics struct {
	Connections  prometheus.Gauge
	UsersOnline  prometheus.Gauge
	AuthFailures prometheus.Counter
	Pushes       *prometheus.CounterVec
	Fallbacks    *prometheus.CounterVec
	FallbackErrs *prometheus.CounterVec
	Dropped      prometheus.Counter
}

var (
	metricsOnce     sync.Once
	metricsInstance *Metrics
)

// New returns the shared Metrics, registering collectors on first use.
func New() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = &Metrics{
			Connections: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "courier_connections_active",
				Help: "Current number of open client connections",
			}),
			UsersOnline: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "courier_users_online",
				Help: "Current number of users with at least one connection",
			}),
			AuthFailures: promauto.NewCounter(prometheus.CounterOpts{
				Name: "courier_auth_failures_total",
				Help: "Total number of rejected connection attempts",
			}),
			Pushes: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "courier_pushes_total",
				Help: "Total number of events pushed live, by event type",
			}, []string{"type"}),
			Fallbacks: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "courier_fallbacks_total",
				Help: "Total number of events stored for offline recipients, by event type",
			}, []string{"type"}),
			FallbackErrs: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "courier_fallback_errors_total",
				Help: "Total number of failed fallback writes, by event type",
			}, []string{"type"}),
			Dropped: promauto.NewCounter(prometheus.CounterOpts{
				Name: "courier_dropped_total",
				Help: "Total number of live-only events not delivered to offline recipients",
			}),
		}
	})
	return metricsInstance
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.Connections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.Connections.Dec()
}

// SetUsersOnline records the size of the presence registry.
func (m *Metrics) SetUsersOnline(n int) {
	if m == nil {
		return
	}
	m.UsersOnline.Set(float64(n))
}

func (m *Metrics) RecordAuthFailure() {
	if m == nil {
		return
	}
	m.AuthFailures.Inc()
}

func (m *Metrics) RecordPush(kind string) {
	if m == nil {
		return
	}
	m.Pushes.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordFallback(kind string) {
	if m == nil {
		return
	}
	m.Fallbacks.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordFallbackError(kind string) {
	if m == nil {
		return
	}
	m.FallbackErrs.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordDropped() {
	if m == nil {
		return
	}
	m.Dropped.Inc()
}
