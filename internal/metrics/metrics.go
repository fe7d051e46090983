package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the discovery core
type Metrics struct {
	// Discovery pipeline
	DiscoveryRuns        *prometheus.CounterVec
	DiscoveryRunDuration *prometheus.HistogramVec
	AutomationsFound     *prometheus.CounterVec

	// Connector traffic
	ConnectorCallDuration *prometheus.HistogramVec
	ConnectorErrors       *prometheus.CounterVec
	RateLimitHits         *prometheus.CounterVec

	// Job orchestrator
	JobsProcessed *prometheus.CounterVec
	JobDuration   *prometheus.HistogramVec
	JobsStalled   *prometheus.CounterVec
	QueueDepth    *prometheus.GaugeVec

	// Credential vault
	VaultOperations *prometheus.CounterVec

	// Event bus
	EventsPublished *prometheus.CounterVec
	EventsCoalesced *prometheus.CounterVec
	EventsDropped   *prometheus.CounterVec

	// Realtime delivery
	RealtimeSessions *prometheus.GaugeVec

	// Risk + feedback
	RiskAssessments  *prometheus.CounterVec
	FeedbackReceived *prometheus.CounterVec

	// Notification delivery
	NotificationsSent *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	defaultOnce    sync.Once
)

// Default returns the process-wide metrics set, registering on first use.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		DiscoveryRuns: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "umbrix_discovery_runs_total",
				Help: "Discovery runs by platform and terminal status",
			},
			[]string{"platform", "status"}, // status: completed, failed, cancelled
		),

		DiscoveryRunDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "umbrix_discovery_run_duration_seconds",
				Help:    "Wall-clock duration of discovery runs",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800},
			},
			[]string{"platform"},
		),

		AutomationsFound: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "umbrix_automations_discovered_total",
				Help: "Automations discovered, split by AI classification",
			},
			[]string{"platform", "ai"}, // ai: true, false
		),

		ConnectorCallDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "umbrix_connector_call_duration_seconds",
				Help:    "Latency of platform API calls",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"platform", "operation"}, // operation: list, audit, export, validate, refresh
		),

		ConnectorErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "umbrix_connector_errors_total",
				Help: "Typed connector failures",
			},
			[]string{"platform", "kind"}, // kind: transient, rate_limited, expired, permissions, invariant
		),

		RateLimitHits: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "umbrix_rate_limit_hits_total",
				Help: "Upstream 429 responses observed",
			},
			[]string{"platform"},
		),

		JobsProcessed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "umbrix_jobs_processed_total",
				Help: "Jobs reaching a terminal state",
			},
			[]string{"queue", "outcome"}, // outcome: completed, failed, cancelled, retried
		),

		JobDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "umbrix_job_duration_seconds",
				Help:    "Active time per job",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900, 1800},
			},
			[]string{"queue"},
		),

		JobsStalled: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "umbrix_jobs_stalled_total",
				Help: "Jobs recovered by the stall scanner",
			},
			[]string{"queue"},
		),

		QueueDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "umbrix_queue_depth",
				Help: "Jobs per queue and state",
			},
			[]string{"queue", "state"}, // state: waiting, delayed, active
		),

		VaultOperations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "umbrix_vault_operations_total",
				Help: "Credential vault operations",
			},
			[]string{"operation", "outcome"}, // operation: store, retrieve, refresh, revoke; outcome: ok, error, quarantined
		),

		EventsPublished: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "umbrix_events_published_total",
				Help: "Events accepted onto the bus",
			},
			[]string{"kind"},
		),

		EventsCoalesced: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "umbrix_events_coalesced_total",
				Help: "Progress events collapsed under back-pressure",
			},
			[]string{"kind"},
		),

		EventsDropped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "umbrix_events_dropped_total",
				Help: "Events rejected before delivery",
			},
			[]string{"reason"}, // reason: schema, slow_consumer, closed
		),

		RealtimeSessions: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "umbrix_realtime_sessions",
				Help: "Connected realtime subscribers",
			},
			[]string{"transport"}, // transport: websocket, socketio
		),

		RiskAssessments: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "umbrix_risk_assessments_total",
				Help: "Risk assessments by resulting level",
			},
			[]string{"level"},
		),

		FeedbackReceived: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "umbrix_feedback_received_total",
				Help: "User verdicts by type",
			},
			[]string{"type"},
		),

		NotificationsSent: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "umbrix_notifications_sent_total",
				Help: "Webhook notification deliveries by level and outcome",
			},
			[]string{"level", "outcome"}, // outcome: delivered, failed, enqueued
		),
	}
}

// RecordDiscoveryRun records one terminal run.
func (m *Metrics) RecordDiscoveryRun(platform, status string, seconds float64) {
	m.DiscoveryRuns.WithLabelValues(platform, status).Inc()
	m.DiscoveryRunDuration.WithLabelValues(platform).Observe(seconds)
}

// RecordAutomation counts one discovered automation.
func (m *Metrics) RecordAutomation(platform string, isAI bool) {
	ai := "false"
	if isAI {
		ai = "true"
	}
	m.AutomationsFound.WithLabelValues(platform, ai).Inc()
}

// RecordConnectorCall records latency and, when kind is non-empty, a failure.
func (m *Metrics) RecordConnectorCall(platform, operation string, seconds float64, kind string) {
	m.ConnectorCallDuration.WithLabelValues(platform, operation).Observe(seconds)
	if kind != "" {
		m.ConnectorErrors.WithLabelValues(platform, kind).Inc()
		if kind == "rate_limited" {
			m.RateLimitHits.WithLabelValues(platform).Inc()
		}
	}
}

// RecordJob records a terminal job outcome.
func (m *Metrics) RecordJob(queue, outcome string, seconds float64) {
	m.JobsProcessed.WithLabelValues(queue, outcome).Inc()
	if seconds > 0 {
		m.JobDuration.WithLabelValues(queue).Observe(seconds)
	}
}

// RecordVaultOp records one vault operation outcome.
func (m *Metrics) RecordVaultOp(operation, outcome string) {
	m.VaultOperations.WithLabelValues(operation, outcome).Inc()
}

// SetQueueDepth updates the broker depth gauges.
func (m *Metrics) SetQueueDepth(queue, state string, n float64) {
	m.QueueDepth.WithLabelValues(queue, state).Set(n)
}
