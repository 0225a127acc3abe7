package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	Namespace = "edapipeline"

	// Status label values for success/error metrics
	StatusSuccess = "success"
	StatusError   = "error"

	Queue    = "queue"
	Topic    = "topic"
	Consumer = "consumer"
	Bridge   = "bridge"
)

// Labels holds constant labels applied to all metrics.
// These are useful for distinguishing metrics from multiple pipeline instances.
type Labels struct {
	Environment   string // Deployment environment (e.g., "production", "staging", "development")
	Region        string // Cloud region (e.g., "eu-west-1")
	CloudProvider string // Cloud provider (e.g., "aws", "oci", "gcp")
	Instance      string // Free-form instance name, useful when several pipelines share a registry
}

// toPrometheusLabels converts Labels to prometheus.Labels map.
// Only non-empty labels are included to avoid empty label values.
func (l Labels) toPrometheusLabels() prometheus.Labels {
	labels := prometheus.Labels{}
	if l.Environment != "" {
		labels["environment"] = l.Environment
	}
	if l.Region != "" {
		labels["region"] = l.Region
	}
	if l.CloudProvider != "" {
		labels["cloud_provider"] = l.CloudProvider
	}
	if l.Instance != "" {
		labels["instance_name"] = l.Instance
	}
	return labels
}

type Metrics struct {
	// Queue operations
	enqueued       *prometheus.CounterVec // by queue, status
	delivered      *prometheus.CounterVec // by queue
	redelivered    *prometheus.CounterVec // by queue
	acked          *prometheus.CounterVec // by queue, status
	nacked         *prometheus.CounterVec // by queue, status
	deadLettered   *prometheus.CounterVec // by queue, reason, status
	backendErrors  *prometheus.CounterVec // by queue, op
	available      *prometheus.GaugeVec   // by queue
	inFlight       *prometheus.GaugeVec   // by queue
	claimDuration  *prometheus.HistogramVec
	batchesClaimed *prometheus.HistogramVec // batch size by queue

	// Topic fan-out
	published        *prometheus.CounterVec // by topic, subscriber, status
	publishAttempts  *prometheus.HistogramVec
	filteredDelivery *prometheus.CounterVec // by topic, subscriber

	// Batch consumer
	batches          *prometheus.CounterVec // by queue, outcome
	batchDuration    *prometheus.HistogramVec
	batchesInFlight  *prometheus.GaugeVec
	handlerPanics    *prometheus.CounterVec
	recorderFailures prometheus.Counter

	// Event source bridge
	notifications   *prometheus.CounterVec // by source, status
	objectsReceived prometheus.Counter
}

// New creates a new Metrics instance and registers all metrics with the provided registerer.
// Returns an error if any metric registration fails.
// For metrics with constant labels, use NewWithLabels instead.
func New(reg prometheus.Registerer) (*Metrics, error) {
	return NewWithLabels(reg, Labels{})
}

// NewWithLabels creates a new Metrics instance with constant labels applied to all metrics.
func NewWithLabels(reg prometheus.Registerer, labels Labels) (*Metrics, error) {
	promLabels := labels.toPrometheusLabels()
	if len(promLabels) > 0 {
		reg = prometheus.WrapRegistererWith(promLabels, reg)
	}

	return newMetrics(reg)
}

func newMetrics(reg prometheus.Registerer) (*Metrics, error) {
	latencyBuckets := []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}

	m := &Metrics{
		enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Queue,
			Name:      "enqueued_total",
			Help:      "Total enqueue attempts by queue and status",
		}, []string{"queue", "status"}),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Queue,
			Name:      "delivered_total",
			Help:      "Total messages handed out by dequeueBatch",
		}, []string{"queue"}),
		redelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Queue,
			Name:      "redelivered_total",
			Help:      "Messages handed out with a delivery count above one",
		}, []string{"queue"}),
		acked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Queue,
			Name:      "acked_total",
			Help:      "Total acknowledgements by queue and status",
		}, []string{"queue", "status"}),
		nacked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Queue,
			Name:      "nacked_total",
			Help:      "Total negative acknowledgements by queue and status",
		}, []string{"queue", "status"}),
		deadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Queue,
			Name:      "dead_lettered_total",
			Help:      "Messages moved to the dead-letter sink by queue, reason and status",
		}, []string{"queue", "reason", "status"}),
		backendErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Queue,
			Name:      "backend_errors_total",
			Help:      "Backing store errors by queue and operation",
		}, []string{"queue", "op"}),
		available: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Queue,
			Name:      "available_messages",
			Help:      "Messages currently visible and claimable",
		}, []string{"queue"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Queue,
			Name:      "in_flight_messages",
			Help:      "Messages claimed and awaiting ack or visibility expiry",
		}, []string{"queue"}),
		claimDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: Queue,
			Name:      "claim_duration_seconds",
			Help:      "Time spent in a single atomic claim against the backing store",
			Buckets:   latencyBuckets,
		}, []string{"queue"}),
		batchesClaimed: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: Queue,
			Name:      "batch_size",
			Help:      "Number of messages returned by non-empty dequeueBatch calls",
			Buckets:   []float64{1, 2, 3, 5, 10, 25, 50, 100},
		}, []string{"queue"}),

		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Topic,
			Name:      "deliveries_total",
			Help:      "Per-subscriber publish outcomes by topic, subscriber and status",
		}, []string{"topic", "subscriber", "status"}),
		publishAttempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: Topic,
			Name:      "delivery_attempts",
			Help:      "Attempts needed to deliver a published message to one subscriber",
			Buckets:   []float64{1, 2, 3, 4, 5, 8},
		}, []string{"topic"}),
		filteredDelivery: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Topic,
			Name:      "filtered_total",
			Help:      "Publishes skipped for a subscriber by its filter policy",
		}, []string{"topic", "subscriber"}),

		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Consumer,
			Name:      "batches_total",
			Help:      "Handler invocations by queue and outcome",
		}, []string{"queue", "outcome"}),
		batchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: Consumer,
			Name:      "batch_duration_seconds",
			Help:      "Handler invocation duration including acks",
			Buckets:   latencyBuckets,
		}, []string{"queue"}),
		batchesInFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: Consumer,
			Name:      "batches_in_flight",
			Help:      "Batches currently being dispatched",
		}, []string{"queue"}),
		handlerPanics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Consumer,
			Name:      "handler_panics_total",
			Help:      "Recovered handler panics by queue",
		}, []string{"queue"}),
		recorderFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Consumer,
			Name:      "recorder_failures_total",
			Help:      "Invocation records that could not be persisted",
		}),

		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Bridge,
			Name:      "notifications_total",
			Help:      "Storage notifications received by source and status",
		}, []string{"source", "status"}),
		objectsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: Bridge,
			Name:      "objects_total",
			Help:      "Object-created records normalized from notifications",
		}),
	}

	err := errors.Join(
		reg.Register(m.enqueued),
		reg.Register(m.delivered),
		reg.Register(m.redelivered),
		reg.Register(m.acked),
		reg.Register(m.nacked),
		reg.Register(m.deadLettered),
		reg.Register(m.backendErrors),
		reg.Register(m.available),
		reg.Register(m.inFlight),
		reg.Register(m.claimDuration),
		reg.Register(m.batchesClaimed),
		reg.Register(m.published),
		reg.Register(m.publishAttempts),
		reg.Register(m.filteredDelivery),
		reg.Register(m.batches),
		reg.Register(m.batchDuration),
		reg.Register(m.batchesInFlight),
		reg.Register(m.handlerPanics),
		reg.Register(m.recorderFailures),
		reg.Register(m.notifications),
		reg.Register(m.objectsReceived),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func status(err error) string {
	if err != nil {
		return StatusError
	}
	return StatusSuccess
}

// RecordEnqueue records an enqueue attempt.
func (m *Metrics) RecordEnqueue(queue string, err error) {
	if m == nil {
		return
	}
	m.enqueued.WithLabelValues(queue, status(err)).Inc()
}

// RecordClaim records one atomic claim and the messages it handed out.
// redelivered is the number of those messages already delivered before.
func (m *Metrics) RecordClaim(queue string, delivered, redelivered int, durationSeconds float64) {
	if m == nil {
		return
	}
	m.claimDuration.WithLabelValues(queue).Observe(durationSeconds)
	if delivered > 0 {
		m.delivered.WithLabelValues(queue).Add(float64(delivered))
	}
	if redelivered > 0 {
		m.redelivered.WithLabelValues(queue).Add(float64(redelivered))
	}
}

// ObserveBatchSize records the size of a non-empty batch returned to a consumer.
func (m *Metrics) ObserveBatchSize(queue string, size int) {
	if m == nil || size <= 0 {
		return
	}
	m.batchesClaimed.WithLabelValues(queue).Observe(float64(size))
}

// RecordAck records an ack attempt.
func (m *Metrics) RecordAck(queue string, err error) {
	if m == nil {
		return
	}
	m.acked.WithLabelValues(queue, status(err)).Inc()
}

// RecordNack records a nack attempt.
func (m *Metrics) RecordNack(queue string, err error) {
	if m == nil {
		return
	}
	m.nacked.WithLabelValues(queue, status(err)).Inc()
}

// RecordDeadLetter records a dead-letter hand-off.
func (m *Metrics) RecordDeadLetter(queue, reason string, err error) {
	if m == nil {
		return
	}
	m.deadLettered.WithLabelValues(queue, reason, status(err)).Inc()
}

// RecordBackendError records a failed call to the backing store.
func (m *Metrics) RecordBackendError(queue, op string) {
	if m == nil {
		return
	}
	m.backendErrors.WithLabelValues(queue, op).Inc()
}

// UpdateQueueDepth sets the depth gauges for a queue.
func (m *Metrics) UpdateQueueDepth(queue string, available, inFlight int) {
	if m == nil {
		return
	}
	m.available.WithLabelValues(queue).Set(float64(available))
	m.inFlight.WithLabelValues(queue).Set(float64(inFlight))
}

// RecordDelivery records the outcome of delivering one published message to one subscriber.
func (m *Metrics) RecordDelivery(topic, subscriber string, attempts int, err error) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(topic, subscriber, status(err)).Inc()
	if attempts > 0 {
		m.publishAttempts.WithLabelValues(topic).Observe(float64(attempts))
	}
}

// RecordFiltered records a publish skipped by a subscription filter.
func (m *Metrics) RecordFiltered(topic, subscriber string) {
	if m == nil {
		return
	}
	m.filteredDelivery.WithLabelValues(topic, subscriber).Inc()
}

// RecordBatch records a handler invocation outcome with its duration.
func (m *Metrics) RecordBatch(queue, outcome string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.batches.WithLabelValues(queue, outcome).Inc()
	m.batchDuration.WithLabelValues(queue).Observe(durationSeconds)
}

// IncBatchesInFlight increments the in-flight batch gauge.
func (m *Metrics) IncBatchesInFlight(queue string) {
	if m == nil {
		return
	}
	m.batchesInFlight.WithLabelValues(queue).Inc()
}

// DecBatchesInFlight decrements the in-flight batch gauge.
func (m *Metrics) DecBatchesInFlight(queue string) {
	if m == nil {
		return
	}
	m.batchesInFlight.WithLabelValues(queue).Dec()
}

// RecordHandlerPanic records a recovered handler panic.
func (m *Metrics) RecordHandlerPanic(queue string) {
	if m == nil {
		return
	}
	m.handlerPanics.WithLabelValues(queue).Inc()
}

// RecordRecorderFailure records an invocation record that could not be persisted.
func (m *Metrics) RecordRecorderFailure() {
	if m == nil {
		return
	}
	m.recorderFailures.Inc()
}

// RecordNotification records a storage notification and the number of objects it carried.
func (m *Metrics) RecordNotification(source string, objects int, err error) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(source, status(err)).Inc()
	if objects > 0 {
		m.objectsReceived.Add(float64(objects))
	}
}
