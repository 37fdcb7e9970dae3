// Package metrics registers the framework's Prometheus collectors and serves
// them over the admin HTTP port.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the server updates. One instance per process,
// on its own registry so tests never collide.
type Metrics struct {
	reg *prometheus.Registry

	SessionsActive   prometheus.Gauge
	StagesActive     prometheus.Gauge
	FramesReceived   prometheus.Counter
	LateReplies      prometheus.Counter
	BackpressureHits prometheus.Counter
	RequestsPending  prometheus.GaugeFunc
}

// New builds the collector set. pendingFn feeds the in-flight request gauge;
// it may be nil.
func New(pendingFn func() float64) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		reg: reg,
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "playhive_sessions_active",
			Help: "Currently connected client sessions.",
		}),
		StagesActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "playhive_stages_active",
			Help: "Live stages in the directory.",
		}),
		FramesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "playhive_frames_received_total",
			Help: "Client frames decoded.",
		}),
		LateReplies: factory.NewCounter(prometheus.CounterOpts{
			Name: "playhive_late_replies_total",
			Help: "Replies that arrived after their request completed or timed out.",
		}),
		BackpressureHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "playhive_backpressure_total",
			Help: "Sends rejected because an outbound queue was full.",
		}),
	}
	if pendingFn != nil {
		m.RequestsPending = factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "playhive_requests_pending",
			Help: "In-flight inter-server requests.",
		}, pendingFn)
	}
	return m
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for extra app collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }
