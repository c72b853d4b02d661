package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rskconnect"

// Metrics counts session and request outcomes. A nil *Metrics is a no-op.
type Metrics struct {
	gatherer prometheus.Gatherer

	sessions *prometheus.CounterVec
	requests *prometheus.CounterVec
	updates  prometheus.Counter
	prompts  prometheus.Gauge
	waits    *prometheus.HistogramVec
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		gatherer: reg,
		sessions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Session lifecycle transitions by event.",
		}, []string{"event"}),
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Call requests by method and outcome.",
		}, []string{"method", "outcome"}),
		updates: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_updates_total",
			Help:      "Session updates sent to the peer.",
		}),
		prompts: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "prompts_outstanding",
			Help:      "Prompts waiting for a human decision.",
		}),
		waits: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "decision_wait_seconds",
			Help:      "Time from prompt to decision, by prompt kind.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		}, []string{"kind"}),
	}
}

func (m *Metrics) Session(event string) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(event).Inc()
}

func (m *Metrics) Request(method, outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, outcome).Inc()
}

func (m *Metrics) Update() {
	if m == nil {
		return
	}
	m.updates.Inc()
}

// PromptOpened and PromptClosed track gate calls in flight and how long each waited.
func (m *Metrics) PromptOpened() {
	if m == nil {
		return
	}
	m.prompts.Inc()
}

func (m *Metrics) PromptClosed(kind string, waited time.Duration) {
	if m == nil {
		return
	}
	m.prompts.Dec()
	m.waits.WithLabelValues(kind).Observe(waited.Seconds())
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m == nil {
		return prometheus.NewRegistry()
	}
	return m.gatherer
}
