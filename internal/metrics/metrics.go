// Package metrics exposes Prometheus collectors for the sync hub.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	batchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tandem_step_batches_total",
			Help: "Step batches presented to the acceptance gate, by outcome",
		},
		[]string{"outcome"},
	)

	stepsAccepted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tandem_steps_accepted_total",
			Help: "Steps appended to document ledgers",
		},
	)

	generationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tandem_generations_total",
			Help: "Generations that reached a terminal status",
		},
		[]string{"status", "reason"},
	)

	generationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tandem_generation_duration_seconds",
			Help:    "Wall time from running to terminal status",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)

	envelopesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tandem_relay_envelopes_total",
			Help: "Relay deliveries per transport and result",
		},
		[]string{"transport", "result"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tandem_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	openSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tandem_open_sessions",
			Help: "Document sessions held in memory",
		},
	)

	connectedClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tandem_connected_clients",
			Help: "Realtime connections currently open",
		},
	)

	runningGenerations = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tandem_running_generations",
			Help: "Generations in running status",
		},
	)

	initOnce sync.Once
)

// Init registers the collectors with the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			batchesTotal,
			stepsAccepted,
			generationsTotal,
			generationDuration,
			envelopesTotal,
			httpRequestDuration,
			openSessions,
			connectedClients,
			runningGenerations,
		)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

func BatchAccepted(stepCount int) {
	batchesTotal.WithLabelValues("accepted").Inc()
	stepsAccepted.Add(float64(stepCount))
}

func BatchRejected() {
	batchesTotal.WithLabelValues("rejected").Inc()
}

func ProtocolViolation() {
	batchesTotal.WithLabelValues("violation").Inc()
}

func GenerationStarted() {
	runningGenerations.Inc()
}

func GenerationFinished(status, reason string, elapsed time.Duration) {
	runningGenerations.Dec()
	generationsTotal.WithLabelValues(status, reason).Inc()
	generationDuration.Observe(elapsed.Seconds())
}

func EnvelopeDelivered(transport string, count int) {
	envelopesTotal.WithLabelValues(transport, "delivered").Add(float64(count))
}

func EnvelopeDropped(transport string) {
	envelopesTotal.WithLabelValues(transport, "dropped").Inc()
}

func SetOpenSessions(n int) {
	openSessions.Set(float64(n))
}

func ClientConnected() {
	connectedClients.Inc()
}

func ClientDisconnected() {
	connectedClients.Dec()
}

func ObserveHTTP(method, route, status string, duration time.Duration) {
	httpRequestDuration.WithLabelValues(method, route, status).Observe(duration.Seconds())
}
