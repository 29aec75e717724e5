package runner

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus counters/histograms for run-loop observability
// (trials started/completed/failed, retry attempts, control-ack latency,
// schedule build duration, chain snapshot bytes), namespaced "agentlab". A
// nil *Metrics is valid and records nothing, so callers that don't want
// metrics never need a conditional around every call site.
type Metrics struct {
	trialsStarted         *prometheus.CounterVec
	trialsCompleted       *prometheus.CounterVec
	retryAttempts         *prometheus.CounterVec
	controlAckLatency     *prometheus.HistogramVec
	scheduleBuildDuration prometheus.Histogram
	chainSnapshotBytes    prometheus.Histogram
}

// NewMetrics registers the runner's metrics on registry and returns the
// handle used to record them. A nil registry uses prometheus's default
// registerer.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		trialsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentlab",
			Name:      "trials_started_total",
			Help:      "Trial slots that began execution, by variant_id",
		}, []string{"variant_id"}),
		trialsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentlab",
			Name:      "trials_completed_total",
			Help:      "Trial slots that finished, by variant_id and terminal status",
		}, []string{"variant_id", "status"}),
		retryAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentlab",
			Name:      "retry_attempts_total",
			Help:      "Retry attempts taken within a trial slot, by variant_id",
		}, []string{"variant_id"}),
		controlAckLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "agentlab",
			Name:      "control_ack_latency_seconds",
			Help:      "Time from writing a control action to observing its ack, by action",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action"}),
		scheduleBuildDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "agentlab",
			Name:      "schedule_build_duration_seconds",
			Help:      "Time spent building the trial slot schedule for a run",
			Buckets:   prometheus.DefBuckets,
		}),
		chainSnapshotBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "agentlab",
			Name:      "chain_snapshot_bytes",
			Help:      "Total workspace snapshot size recorded per chain step",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 10),
		}),
	}
}

// RecordTrialStarted increments trials_started_total for variantID.
func (m *Metrics) RecordTrialStarted(variantID string) {
	if m == nil {
		return
	}
	m.trialsStarted.WithLabelValues(variantID).Inc()
}

// RecordTrialOutcome increments trials_completed_total for variantID and the
// trial's terminal status.
func (m *Metrics) RecordTrialOutcome(variantID string, status TrialStatus) {
	if m == nil {
		return
	}
	m.trialsCompleted.WithLabelValues(variantID, string(status)).Inc()
}

// RecordRetryAttempt increments retry_attempts_total for variantID.
func (m *Metrics) RecordRetryAttempt(variantID string) {
	if m == nil {
		return
	}
	m.retryAttempts.WithLabelValues(variantID).Inc()
}

// RecordControlAckLatency observes how long a control action took to be
// acknowledged.
func (m *Metrics) RecordControlAckLatency(action string, d time.Duration) {
	if m == nil {
		return
	}
	m.controlAckLatency.WithLabelValues(action).Observe(d.Seconds())
}

// RecordScheduleBuildDuration observes how long BuildSchedule took.
func (m *Metrics) RecordScheduleBuildDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.scheduleBuildDuration.Observe(d.Seconds())
}

// RecordChainSnapshotBytes observes a chain step's workspace snapshot size.
func (m *Metrics) RecordChainSnapshotBytes(totalBytes int64) {
	if m == nil {
		return
	}
	m.chainSnapshotBytes.Observe(float64(totalBytes))
}
