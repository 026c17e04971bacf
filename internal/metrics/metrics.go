// Package metrics exposes Prometheus instrumentation for EnrollPipe.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for message processing and the enrollment flow.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Inbound messages by platform and kind (text, image)
	InboundMessages *prometheus.CounterVec

	// Redelivered inbound messages dropped by deduplication
	DuplicateMessages *prometheus.CounterVec

	// Enrollment status transitions
	Transitions *prometheus.CounterVec

	// Failures of inference-backed services by service name
	ServiceFailures *prometheus.CounterVec

	// Failed profile store operations
	StoreFailures *prometheus.CounterVec

	// ID validation mismatches by card side
	ValidationMismatches *prometheus.CounterVec

	// Completed enrollments by payment method
	Completions *prometheus.CounterVec

	// Outbound sends by platform and result
	OutboundMessages *prometheus.CounterVec

	// Operator notification deliveries by result
	Notifications *prometheus.CounterVec

	// End-to-end processing time of one inbound message by route
	ProcessLatency *prometheus.HistogramVec
}

// New creates a Metrics instance registered with reg. A nil reg uses the
// default Prometheus registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		InboundMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "enrollpipe_inbound_messages_total",
			Help: "Total inbound messages by platform and kind",
		}, []string{"platform", "kind"}),

		DuplicateMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "enrollpipe_duplicate_messages_total",
			Help: "Total redelivered inbound messages dropped by deduplication",
		}, []string{"platform"}),

		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "enrollpipe_enrollment_transitions_total",
			Help: "Total enrollment status transitions",
		}, []string{"from", "to"}),

		ServiceFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "enrollpipe_service_failures_total",
			Help: "Total failures of inference-backed services",
		}, []string{"service"}), // service: "extraction", "data_assistant", "scheduler", "information"

		StoreFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "enrollpipe_store_failures_total",
			Help: "Total failed profile store operations",
		}, []string{"operation"}),

		ValidationMismatches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "enrollpipe_validation_mismatches_total",
			Help: "Total ID validation mismatches by card side",
		}, []string{"side"}),

		Completions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "enrollpipe_enrollments_completed_total",
			Help: "Total completed enrollments by payment method",
		}, []string{"method"}),

		OutboundMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "enrollpipe_outbound_messages_total",
			Help: "Total outbound messages by platform and result",
		}, []string{"platform", "result"}),

		Notifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "enrollpipe_operator_notifications_total",
			Help: "Total operator notification deliveries by result",
		}, []string{"result"}),

		ProcessLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "enrollpipe_process_duration_seconds",
			Help:    "Duration of processing one inbound message",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"route"}), // route: "enrollment", "information"
	}
}

// IncrementInbound records an inbound message.
func (m *Metrics) IncrementInbound(platform, kind string) {
	if m != nil {
		m.InboundMessages.WithLabelValues(platform, kind).Inc()
	}
}

// IncrementDuplicate records a dropped redelivery.
func (m *Metrics) IncrementDuplicate(platform string) {
	if m != nil {
		m.DuplicateMessages.WithLabelValues(platform).Inc()
	}
}

// IncrementTransition records a persisted status change.
func (m *Metrics) IncrementTransition(from, to string) {
	if m != nil {
		m.Transitions.WithLabelValues(from, to).Inc()
	}
}

// IncrementServiceFailure records a failed inference-backed call.
func (m *Metrics) IncrementServiceFailure(service string) {
	if m != nil {
		m.ServiceFailures.WithLabelValues(service).Inc()
	}
}

// IncrementStoreFailure records a failed store operation.
func (m *Metrics) IncrementStoreFailure(operation string) {
	if m != nil {
		m.StoreFailures.WithLabelValues(operation).Inc()
	}
}

// IncrementMismatch records a validation mismatch.
func (m *Metrics) IncrementMismatch(side string) {
	if m != nil {
		m.ValidationMismatches.WithLabelValues(side).Inc()
	}
}

// IncrementCompletion records a completed enrollment.
func (m *Metrics) IncrementCompletion(method string) {
	if m != nil {
		m.Completions.WithLabelValues(method).Inc()
	}
}

// IncrementOutbound records an outbound send attempt.
func (m *Metrics) IncrementOutbound(platform string, err error) {
	if m != nil {
		m.OutboundMessages.WithLabelValues(platform, result(err)).Inc()
	}
}

// IncrementNotification records an operator notification delivery attempt.
func (m *Metrics) IncrementNotification(err error) {
	if m != nil {
		m.Notifications.WithLabelValues(result(err)).Inc()
	}
}

// ObserveProcessLatency records how long one inbound message took.
func (m *Metrics) ObserveProcessLatency(route string, d time.Duration) {
	if m != nil {
		m.ProcessLatency.WithLabelValues(route).Observe(d.Seconds())
	}
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
