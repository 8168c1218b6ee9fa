// Package metrics defines the Prometheus instrumentation for the relay
// transport, grounded on internal/gateway/metrics/metrics.go's
// promauto construction style, narrowed from the teacher's HTTP/gRPC/
// WebSocket/business surface down to the transport-level events
// SPEC_FULL.md actually emits: datagrams, retransmission, RTT, the
// circuit registry, and duplicate suppression.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every counter/gauge/histogram the transport updates.
type Metrics struct {
	DatagramsSent     *prometheus.CounterVec
	DatagramsReceived prometheus.Counter
	BytesSent         *prometheus.CounterVec
	BytesReceived     prometheus.Counter

	Resends        *prometheus.CounterVec
	ResendBackoffs prometheus.Counter
	RTOSeconds     *prometheus.GaugeVec
	SRTTSeconds    *prometheus.GaugeVec

	DuplicatesDropped prometheus.Counter
	MalformedDropped  prometheus.Counter
	UnknownSource     prometheus.Counter

	CircuitsActive    prometheus.Gauge
	CircuitsAdmitted  *prometheus.CounterVec
	CircuitsTornDown  *prometheus.CounterVec
	UnackedBytes      prometheus.Gauge

	QueueDropped  *prometheus.CounterVec
	BucketStalled *prometheus.CounterVec

	DispatchPanics prometheus.Counter
}

// New registers every metric under the given namespace/subsystem and
// returns the bundle. Call once per process; registering twice under
// the same namespace/subsystem panics, same as promauto upstream.
func New(namespace, subsystem string) *Metrics {
	return &Metrics{
		DatagramsSent: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "datagrams_sent_total",
				Help:      "Total datagrams transmitted, by traffic category.",
			},
			[]string{"category"},
		),
		DatagramsReceived: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "datagrams_received_total",
			Help:      "Total datagrams received off the socket.",
		}),
		BytesSent: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "bytes_sent_total",
				Help:      "Total bytes transmitted, by traffic category.",
			},
			[]string{"category"},
		),
		BytesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "bytes_received_total",
			Help:      "Total bytes received off the socket.",
		}),
		Resends: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "resends_total",
				Help:      "Total retransmissions, by cause.",
			},
			[]string{"cause"}, // "timeout" (the only cause the transport records)
		),
		ResendBackoffs: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "resend_backoffs_total",
			Help:      "Total RTO exponential-backoff events.",
		}),
		RTOSeconds: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "rto_seconds",
				Help:      "Current retransmission timeout per circuit.",
			},
			[]string{"circuit"},
		),
		SRTTSeconds: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "srtt_seconds",
				Help:      "Current smoothed RTT per circuit.",
			},
			[]string{"circuit"},
		),
		DuplicatesDropped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "duplicates_dropped_total",
			Help:      "Reliable datagrams dropped as duplicates.",
		}),
		MalformedDropped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "malformed_dropped_total",
			Help:      "Datagrams dropped for failing to decode.",
		}),
		UnknownSource: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "unknown_source_total",
			Help:      "Datagrams dropped from an unregistered source address.",
		}),
		CircuitsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "circuits_active",
			Help:      "Circuits currently registered.",
		}),
		CircuitsAdmitted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "circuits_admitted_total",
				Help:      "Circuit admissions, by outcome.",
			},
			[]string{"outcome"}, // "admitted" or "refused"
		),
		CircuitsTornDown: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "circuits_torn_down_total",
				Help:      "Circuit teardowns, by reason.",
			},
			[]string{"reason"},
		),
		UnackedBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "unacked_bytes",
			Help:      "Aggregate unacknowledged bytes across all circuits.",
		}),
		QueueDropped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "queue_dropped_total",
				Help:      "Outbound messages dropped because a category queue was full.",
			},
			[]string{"category"},
		),
		BucketStalled: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "bucket_stalled_total",
				Help:      "Dequeue attempts held in the next-slot by an empty bucket.",
			},
			[]string{"category"},
		),
		DispatchPanics: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "dispatch_panics_total",
			Help:      "Handler panics recovered at the dispatcher boundary.",
		}),
	}
}

// RecordSend updates the sent-datagram counters for one category.
func (m *Metrics) RecordSend(category string, length int) {
	m.DatagramsSent.WithLabelValues(category).Inc()
	m.BytesSent.WithLabelValues(category).Add(float64(length))
}

// RecordReceive updates the received-datagram counters.
func (m *Metrics) RecordReceive(length int) {
	m.DatagramsReceived.Inc()
	m.BytesReceived.Add(float64(length))
}

// RecordResend updates resend counters and, on timeout-driven resends,
// the backoff counter.
func (m *Metrics) RecordResend(cause string) {
	m.Resends.WithLabelValues(cause).Inc()
	if cause == "timeout" {
		m.ResendBackoffs.Inc()
	}
}

// UpdateRTT pushes a circuit's current RTO/SRTT into the gauges.
func (m *Metrics) UpdateRTT(circuit string, rto, srtt time.Duration) {
	m.RTOSeconds.WithLabelValues(circuit).Set(rto.Seconds())
	m.SRTTSeconds.WithLabelValues(circuit).Set(srtt.Seconds())
}

// RecordAdmission records one admission outcome.
func (m *Metrics) RecordAdmission(outcome string) {
	m.CircuitsAdmitted.WithLabelValues(outcome).Inc()
}

// RecordTeardown records one circuit teardown.
func (m *Metrics) RecordTeardown(reason string) {
	m.CircuitsTornDown.WithLabelValues(reason).Inc()
}
