package runtime

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels for operation duration observations.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// ListenerMetrics exports per-listener Prometheus collectors. A nil
// *ListenerMetrics is valid and records nothing.
type ListenerMetrics struct {
	mu sync.Mutex

	received        *prometheus.CounterVec
	filtered        *prometheus.CounterVec
	accepted        *prometheus.CounterVec
	retries         *prometheus.CounterVec
	responses       *prometheus.CounterVec
	publishFailures *prometheus.CounterVec
	streamFaults    *prometheus.CounterVec
	inFlight        *prometheus.GaugeVec
	duration        *prometheus.HistogramVec

	registerer prometheus.Registerer
	registered bool
}

func newListenerCounterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "replyflow",
			Subsystem: "listener",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// NewListenerMetrics creates the collectors. Call Register to expose them.
func NewListenerMetrics(registerer prometheus.Registerer) *ListenerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &ListenerMetrics{
		registerer:      registerer,
		received:        newListenerCounterVec("envelopes_received_total", "Envelopes read from the stream source", "listener"),
		filtered:        newListenerCounterVec("envelopes_filtered_total", "Envelopes rejected by the listener filter", "listener"),
		accepted:        newListenerCounterVec("envelopes_accepted_total", "Envelopes that started a lane", "listener"),
		retries:         newListenerCounterVec("retries_total", "Failed operation attempts that were scheduled for retry", "listener"),
		responses:       newListenerCounterVec("responses_total", "Responses written to the sink", "listener"),
		publishFailures: newListenerCounterVec("publish_failures_total", "Responses dropped because the sink write failed", "listener", "stage"),
		streamFaults:    newListenerCounterVec("stream_faults_total", "Stream faults that restarted consumption", "listener"),
		inFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "replyflow",
				Subsystem: "listener",
				Name:      "lanes_in_flight",
				Help:      "Lanes currently executing or waiting to retry",
			},
			[]string{"listener"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "replyflow",
				Subsystem: "listener",
				Name:      "operation_duration_seconds",
				Help:      "Duration of single operation attempts",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"listener", "outcome"},
		),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *ListenerMetrics) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	for _, c := range m.collectors() {
		if err := m.registerer.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}

	m.registered = true
	return nil
}

func (m *ListenerMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.received,
		m.filtered,
		m.accepted,
		m.retries,
		m.responses,
		m.publishFailures,
		m.streamFaults,
		m.inFlight,
		m.duration,
	}
}

func (m *ListenerMetrics) EnvelopeReceived(listener string) {
	if m == nil {
		return
	}
	m.received.WithLabelValues(listener).Inc()
}

func (m *ListenerMetrics) EnvelopeFiltered(listener string) {
	if m == nil {
		return
	}
	m.filtered.WithLabelValues(listener).Inc()
}

// LaneStarted counts an accepted envelope and raises the in-flight gauge.
func (m *ListenerMetrics) LaneStarted(listener string) {
	if m == nil {
		return
	}
	m.accepted.WithLabelValues(listener).Inc()
	m.inFlight.WithLabelValues(listener).Inc()
}

func (m *ListenerMetrics) LaneFinished(listener string) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(listener).Dec()
}

func (m *ListenerMetrics) RetryScheduled(listener string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(listener).Inc()
}

func (m *ListenerMetrics) ResponsePublished(listener string) {
	if m == nil {
		return
	}
	m.responses.WithLabelValues(listener).Inc()
}

// PublishFailed counts a dropped response; stage is "encode", "store" or "notify".
func (m *ListenerMetrics) PublishFailed(listener, stage string) {
	if m == nil {
		return
	}
	m.publishFailures.WithLabelValues(listener, stage).Inc()
}

func (m *ListenerMetrics) StreamFaulted(listener string) {
	if m == nil {
		return
	}
	m.streamFaults.WithLabelValues(listener).Inc()
}

func (m *ListenerMetrics) ObserveOperation(listener string, err error, d time.Duration) {
	if m == nil {
		return
	}
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeFailure
	}
	m.duration.WithLabelValues(listener, outcome).Observe(d.Seconds())
}

// Reset clears every series (useful for testing).
func (m *ListenerMetrics) Reset() {
	if m == nil {
		return
	}
	m.received.Reset()
	m.filtered.Reset()
	m.accepted.Reset()
	m.retries.Reset()
	m.responses.Reset()
	m.publishFailures.Reset()
	m.streamFaults.Reset()
	m.inFlight.Reset()
	m.duration.Reset()
}
