// internal/metrics/metrics.go
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "verdict"

// Metrics holds the service's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	reg *prometheus.Registry

	GamesStarted      prometheus.Counter
	GamesEnded        *prometheus.CounterVec
	RoundsCompleted   prometheus.Counter
	Submissions       prometheus.Counter
	RejectedActions   *prometheus.CounterVec
	LiveConnections   prometheus.Gauge
	BroadcastsDropped prometheus.Counter
	EventQueueDepth   prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		GamesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "games_started_total",
			Help:      "Sessions that moved to in_progress.",
		}),
		GamesEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "games_ended_total",
			Help:      "Sessions that completed, by end reason.",
		}, []string{"reason"}),
		RoundsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rounds_completed_total",
			Help:      "Rounds judged.",
		}),
		Submissions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Accepted card submissions.",
		}),
		RejectedActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_actions_total",
			Help:      "Rejected game actions, by operation and error code.",
		}, []string{"op", "code"}),
		LiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_connections",
			Help:      "Open websocket connections.",
		}),
		BroadcastsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_dropped_total",
			Help:      "Outbound messages dropped because a client queue was full.",
		}),
		EventQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "event_queue_depth",
			Help:      "Game event records waiting in the Redis queue.",
		}),
	}

	m.reg.MustRegister(
		collectors.NewGoCollector(),
		m.GamesStarted,
		m.GamesEnded,
		m.RoundsCompleted,
		m.Submissions,
		m.RejectedActions,
		m.LiveConnections,
		m.BroadcastsDropped,
		m.EventQueueDepth,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) GameStarted() {
	if m != nil {
		m.GamesStarted.Inc()
	}
}

func (m *Metrics) GameEnded(reason string) {
	if m != nil {
		m.GamesEnded.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) RoundCompleted() {
	if m != nil {
		m.RoundsCompleted.Inc()
	}
}

func (m *Metrics) Submitted() {
	if m != nil {
		m.Submissions.Inc()
	}
}

func (m *Metrics) Rejected(op, code string) {
	if m != nil {
		m.RejectedActions.WithLabelValues(op, code).Inc()
	}
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.LiveConnections.Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.LiveConnections.Dec()
	}
}

func (m *Metrics) BroadcastDropped() {
	if m != nil {
		m.BroadcastsDropped.Inc()
	}
}

func (m *Metrics) SetEventQueueDepth(n int64) {
	if m != nil {
		m.EventQueueDepth.Set(float64(n))
	}
}
