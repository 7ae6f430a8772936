package bytebuddy

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "bytebuddy"

// Metrics holds the bot's prometheus collectors. Each instance has its
// own registry, so tests (and multiple bots in one process) don't
// collide on registration.
type Metrics struct {
	registry *prometheus.Registry

	// requests counts finished questions.
	// Labels: state (succeeded, timed_out, failed)
	requests *prometheus.CounterVec

	// requestDuration measures question latency, admission to answer.
	// Labels: state
	requestDuration *prometheus.HistogramVec

	requestsInFlight prometheus.Gauge

	// admissionsDenied counts actions rejected by the cooldown.
	// Labels: command
	admissionsDenied *prometheus.CounterVec

	questionsTooLong prometheus.Counter

	// historyResets counts reset requests.
	// Labels: result (cleared, empty)
	historyResets *prometheus.CounterVec

	// memes counts meme requests.
	// Labels: outcome (succeeded, timed_out, failed, no_meme)
	memes *prometheus.CounterVec
}

// NewMetrics registers the bot's collectors, along with the standard
// go and process collectors, on a new registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "questions",
			Name:      "total",
			Help:      "Questions handled, by final state",
		}, []string{"state"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "questions",
			Name:      "duration_seconds",
			Help:      "Time from admission to answer (or failure)",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
		}, []string{"state"}),
		requestsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "questions",
			Name:      "in_flight",
			Help:      "Questions waiting on the completion service",
		}),
		admissionsDenied: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "rate_limit",
			Name:      "denied_total",
			Help:      "Actions rejected because the user's cooldown hadn't elapsed",
		}, []string{"command"}),
		questionsTooLong: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "questions",
			Name:      "too_long_total",
			Help:      "Questions rejected for exceeding the maximum length",
		}),
		historyResets: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "history",
			Name:      "resets_total",
			Help:      "History reset requests, by whether anything was cleared",
		}, []string{"result"}),
		memes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "memes",
			Name:      "total",
			Help:      "Meme requests, by outcome",
		}, []string{"outcome"}),
	}
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
