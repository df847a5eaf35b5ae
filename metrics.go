package kinfolk

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the SDK's Prometheus collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	CacheRequests    *prometheus.CounterVec
	SyncPropagations *prometheus.CounterVec
	Rollbacks        *prometheus.CounterVec
	RealtimeConns    prometheus.Gauge
	RealtimeFrames   *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg.
// A nil reg registers on a private registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		CacheRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "kinfolk",
				Name:      "cache_requests_total",
				Help:      "Cache lookups by cache name and result (hit or miss).",
			},
			[]string{"cache", "result"},
		),
		SyncPropagations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "kinfolk",
				Name:      "sync_propagations_total",
				Help:      "Cross-slice updates applied by the synchronizer, by trigger event.",
			},
			[]string{"event"},
		),
		Rollbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "kinfolk",
				Name:      "optimistic_rollbacks_total",
				Help:      "Optimistic updates reverted after a failed network call.",
			},
			[]string{"op"},
		),
		RealtimeConns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "kinfolk",
				Name:      "realtime_connections",
				Help:      "Open per-conversation realtime connections.",
			},
		),
		RealtimeFrames: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "kinfolk",
				Name:      "realtime_frames_total",
				Help:      "Inbound realtime frames by type.",
			},
			[]string{"type"},
		),
	}
	reg.MustRegister(m.CacheRequests, m.SyncPropagations, m.Rollbacks, m.RealtimeConns, m.RealtimeFrames)
	return m
}

func (m *Metrics) cacheResult(cache string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheRequests.WithLabelValues(cache, result).Inc()
}

func (m *Metrics) propagated(event EventType) {
	if m == nil {
		return
	}
	m.SyncPropagations.WithLabelValues(string(event)).Inc()
}

func (m *Metrics) rolledBack(op string) {
	if m == nil {
		return
	}
	m.Rollbacks.WithLabelValues(op).Inc()
}

func (m *Metrics) connOpened() {
	if m == nil {
		return
	}
	m.RealtimeConns.Inc()
}

func (m *Metrics) connClosed() {
	if m == nil {
		return
	}
	m.RealtimeConns.Dec()
}

func (m *Metrics) frame(kind string) {
	if m == nil {
		return
	}
	m.RealtimeFrames.WithLabelValues(kind).Inc()
}
