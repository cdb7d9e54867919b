package ffserver

import (
	"net/http"

	"github.com/ffaaslite/go-ffaas/ffmodel"
	"github.com/ffaaslite/go-ffaas/internal/realtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's Prometheus collectors. It implements realtime.Observer, so it can
// be given to the Broadcaster directly.
type Metrics struct {
	subscribers   prometheus.Gauge
	events        *prometheus.CounterVec
	writeFailures prometheus.Counter
	evaluations   *prometheus.CounterVec
}

var _ realtime.Observer = (*Metrics)(nil)

// NewMetrics creates the collectors and registers them with reg. If reg is nil they are not
// registered anywhere, which is useful in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ffaas_stream_subscribers",
			Help: "Number of connected change stream subscribers.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ffaas_stream_events_total",
			Help: "Number of change events broadcast, by change type.",
		}, []string{"type"}),
		writeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ffaas_stream_write_failures_total",
			Help: "Number of failed writes to change stream subscribers.",
		}),
		evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ffaas_evaluations_total",
			Help: "Number of server-side flag evaluations, by variant.",
		}, []string{"variant"}),
	}
	if reg != nil {
		reg.MustRegister(m.subscribers, m.events, m.writeFailures, m.evaluations)
	}
	return m
}

// SubscriberAdded implements realtime.Observer.
func (m *Metrics) SubscriberAdded() { m.subscribers.Inc() }

// SubscriberRemoved implements realtime.Observer.
func (m *Metrics) SubscriberRemoved() { m.subscribers.Dec() }

// EventBroadcast implements realtime.Observer.
func (m *Metrics) EventBroadcast(changeType ffmodel.ChangeType) {
	m.events.WithLabelValues(string(changeType)).Inc()
}

// WriteFailed implements realtime.Observer.
func (m *Metrics) WriteFailed() { m.writeFailures.Inc() }

// ObserveEvaluation counts one evaluation.
func (m *Metrics) ObserveEvaluation(variant string) {
	m.evaluations.WithLabelValues(variant).Inc()
}

// MetricsHandler serves the metrics in gatherer in the Prometheus exposition format.
func MetricsHandler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
