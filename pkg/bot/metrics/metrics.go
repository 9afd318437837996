// Package metrics exposes Prometheus counters for bot activity.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the bot.
type Metrics struct {
	registry *prometheus.Registry

	// Event metrics
	EventsTotal   *prometheus.CounterVec
	EventDuration *prometheus.HistogramVec

	// Usage metrics
	TokensTotal          prometheus.Counter
	TranscriptionSeconds prometheus.Counter
	SynthesisCharacters  prometheus.Counter
	CostUSDTotal         prometheus.Counter

	// Admission metrics
	AdmissionRejections *prometheus.CounterVec

	// Error metrics
	ErrorsTotal *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all Prometheus metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "voxgate"
	}

	registry := prometheus.NewRegistry()

	eventsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Total number of inbound events handled",
		},
		[]string{"kind", "status"},
	)

	eventDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "event_duration_seconds",
			Help:      "Event handling duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"kind"},
	)

	tokensTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Total chat completion tokens billed",
		},
	)

	transcriptionSeconds := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcription_seconds_total",
			Help:      "Total seconds of audio transcribed",
		},
	)

	synthesisCharacters := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "synthesis_characters_total",
			Help:      "Total characters of speech synthesized",
		},
	)

	costUSDTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cost_usd_total",
			Help:      "Total usage cost in USD",
		},
	)

	admissionRejections := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_rejections_total",
			Help:      "Events rejected by admission control",
		},
		[]string{"reason"},
	)

	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total number of errors by taxonomy type",
		},
		[]string{"error_type"},
	)

	// Register all metrics
	registry.MustRegister(
		eventsTotal,
		eventDuration,
		tokensTotal,
		transcriptionSeconds,
		synthesisCharacters,
		costUSDTotal,
		admissionRejections,
		errorsTotal,
	)

	return &Metrics{
		registry:             registry,
		EventsTotal:          eventsTotal,
		EventDuration:        eventDuration,
		TokensTotal:          tokensTotal,
		TranscriptionSeconds: transcriptionSeconds,
		SynthesisCharacters:  synthesisCharacters,
		CostUSDTotal:         costUSDTotal,
		AdmissionRejections:  admissionRejections,
		ErrorsTotal:          errorsTotal,
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordEvent records a completed event.
func (m *Metrics) RecordEvent(kind, status string, duration time.Duration) {
	m.EventsTotal.WithLabelValues(kind, status).Inc()
	m.EventDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordTokens records billed completion tokens.
func (m *Metrics) RecordTokens(count int64) {
	if count > 0 {
		m.TokensTotal.Add(float64(count))
	}
}

// RecordTranscription records transcribed audio seconds.
func (m *Metrics) RecordTranscription(seconds float64) {
	if seconds > 0 {
		m.TranscriptionSeconds.Add(seconds)
	}
}

// RecordSynthesis records synthesized characters.
func (m *Metrics) RecordSynthesis(characters int64) {
	if characters > 0 {
		m.SynthesisCharacters.Add(float64(characters))
	}
}

// RecordCost records usage cost.
func (m *Metrics) RecordCost(costUSD float64) {
	if costUSD > 0 {
		m.CostUSDTotal.Add(costUSD)
	}
}

// RecordRejection records an admission rejection.
func (m *Metrics) RecordRejection(reason string) {
	m.AdmissionRejections.WithLabelValues(reason).Inc()
}

// RecordError records an error.
func (m *Metrics) RecordError(errorType string) {
	m.ErrorsTotal.WithLabelValues(errorType).Inc()
}
