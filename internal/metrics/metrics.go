// Package metrics provides Prometheus collectors for the addr broker.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "addr"

// Admission results.
const (
	AdmitAccepted   = "accepted"
	AdmitRegistered = "registered"
	AdmitInvalid    = "invalid_name"
	AdmitOwned      = "name_owned"
	AdmitQuota      = "quota_exceeded"
	AdmitError      = "error"
)

// Rendezvous results.
const (
	RendezvousSuccess = "success"
	RendezvousFailure = "failure"
	RendezvousTimeout = "timeout"
)

// Metrics holds every collector the broker and transport record into. All
// Record methods are no-ops on a nil receiver.
type Metrics struct {
	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  prometheus.Counter
	RateLimited       prometheus.Counter
	HandshakeErrors   *prometheus.CounterVec

	Admissions *prometheus.CounterVec

	Rendezvous        *prometheus.CounterVec
	RendezvousLatency prometheus.Histogram

	ForwardOpens  *prometheus.CounterVec
	TunnelsActive prometheus.Gauge
	RelayedConns  prometheus.Counter

	RouteEvents prometheus.Counter
}

// New registers the collectors on the default registerer.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry registers the collectors on reg.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of open SSH connections",
		}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total accepted TCP connections",
		}),
		RateLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_rate_limited_total",
			Help:      "Connections dropped by the per-IP rate limiter",
		}),
		HandshakeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_errors_total",
			Help:      "Failed SSH handshakes by reason",
		}, []string{"reason"}),
		Admissions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admissions_total",
			Help:      "Admission decisions by result",
		}, []string{"result"}),
		Rendezvous: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rendezvous_total",
			Help:      "Session rendezvous outcomes by result",
		}, []string{"result"}),
		RendezvousLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rendezvous_wait_seconds",
			Help:      "Time a session waited for its forwarding outcome",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		ForwardOpens: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forward_listener_opens_total",
			Help:      "Forwarding listener open attempts by result",
		}, []string{"result"}),
		TunnelsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tunnels_active",
			Help:      "Sessions currently presenting an open tunnel",
		}),
		RelayedConns: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relayed_connections_total",
			Help:      "Inbound connections relayed through forwarding listeners",
		}),
		RouteEvents: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "route_bindings_total",
			Help:      "Name to port bindings committed",
		}),
	}
}

func (m *Metrics) RecordConnOpen() {
	if m == nil {
		return
	}
	m.ConnectionsTotal.Inc()
	m.ConnectionsActive.Inc()
}

func (m *Metrics) RecordConnClose() {
	if m == nil {
		return
	}
	m.ConnectionsActive.Dec()
}

func (m *Metrics) RecordRateLimited() {
	if m == nil {
		return
	}
	m.RateLimited.Inc()
}

func (m *Metrics) RecordHandshakeError(reason string) {
	if m == nil {
		return
	}
	m.HandshakeErrors.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordAdmission(result string) {
	if m == nil {
		return
	}
	m.Admissions.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordRendezvous(result string, waited time.Duration) {
	if m == nil {
		return
	}
	m.Rendezvous.WithLabelValues(result).Inc()
	m.RendezvousLatency.Observe(waited.Seconds())
}

func (m *Metrics) RecordForwardOpen(ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.ForwardOpens.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordTunnelOpen() {
	if m == nil {
		return
	}
	m.TunnelsActive.Inc()
}

func (m *Metrics) RecordTunnelClose() {
	if m == nil {
		return
	}
	m.TunnelsActive.Dec()
}

func (m *Metrics) RecordRelay() {
	if m == nil {
		return
	}
	m.RelayedConns.Inc()
}

func (m *Metrics) RecordRouteEvent() {
	if m == nil {
		return
	}
	m.RouteEvents.Inc()
}
