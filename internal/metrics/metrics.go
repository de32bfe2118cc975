// Package metrics exposes Prometheus instrumentation for the call pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "disasterdesk"

// Extraction outcomes.
const (
	OutcomeUpdated        = "updated"
	OutcomeUnchanged      = "unchanged"
	OutcomeNoData         = "no_data"
	OutcomeInvalidPayload = "invalid_payload"
	OutcomeTransportError = "transport_error"
	OutcomeTimeout        = "timeout"
)

type Metrics struct {
	SessionsTotal  prometheus.Counter
	SessionsActive prometheus.Gauge

	UtterancesReceived  *prometheus.CounterVec
	UtterancesCoalesced prometheus.Counter

	ExtractionLatency  prometheus.Histogram
	ExtractionOutcomes *prometheus.CounterVec

	PersistWrites *prometheus.CounterVec

	SpeechDeliveries *prometheus.CounterVec

	GeocodeLookups *prometheus.CounterVec

	EventPublishes *prometheus.CounterVec
}

// DefaultMetrics is registered against the default Prometheus registry.
var DefaultMetrics = New(prometheus.DefaultRegisterer)

// New builds the metric set on reg. Tests pass a fresh registry.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SessionsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of call sessions started",
		}),
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of live call sessions",
		}),
		UtterancesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "utterances_received_total",
			Help:      "Caller utterances received by source",
		}, []string{"source"}),
		UtterancesCoalesced: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "utterances_coalesced_total",
			Help:      "Finalized utterances held back by the debounce window",
		}),
		ExtractionLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "extraction_latency_seconds",
			Help:      "Extraction model round-trip latency",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 15, 30},
		}),
		ExtractionOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "extraction_outcomes_total",
			Help:      "Extraction results by outcome",
		}, []string{"outcome"}),
		PersistWrites: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_writes_total",
			Help:      "Call record writes by operation and result",
		}, []string{"op", "result"}),
		SpeechDeliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "speech_deliveries_total",
			Help:      "Dispatcher replies delivered to the caller by result",
		}, []string{"result"}),
		GeocodeLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "geocode_lookups_total",
			Help:      "Geocoding lookups by direction and result",
		}, []string{"direction", "result"}),
		EventPublishes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_publishes_total",
			Help:      "Call events published by type and result",
		}, []string{"event_type", "result"}),
	}
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *Metrics) RecordSessionStart() {
	m.SessionsTotal.Inc()
	m.SessionsActive.Inc()
}

func (m *Metrics) RecordSessionEnd() {
	m.SessionsActive.Dec()
}

func (m *Metrics) RecordUtterance(source string) {
	m.UtterancesReceived.WithLabelValues(source).Inc()
}

func (m *Metrics) RecordCoalesced() {
	m.UtterancesCoalesced.Inc()
}

func (m *Metrics) RecordExtraction(outcome string, seconds float64) {
	m.ExtractionLatency.Observe(seconds)
	m.ExtractionOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordPersist(op string, err error) {
	m.PersistWrites.WithLabelValues(op, result(err)).Inc()
}

func (m *Metrics) RecordSpeech(err error) {
	m.SpeechDeliveries.WithLabelValues(result(err)).Inc()
}

func (m *Metrics) RecordGeocode(direction string, err error, found bool) {
	r := result(err)
	if err == nil && !found {
		r = "no_match"
	}
	m.GeocodeLookups.WithLabelValues(direction, r).Inc()
}

func (m *Metrics) RecordPublish(eventType string, err error) {
	m.EventPublishes.WithLabelValues(eventType, result(err)).Inc()
}
