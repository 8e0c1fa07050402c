// Package metrics exposes engine counters and histograms to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rendis/entityflow/pkg/schema"
)

const namespace = "entityflow"

// Metrics holds the engine collectors. A nil *Metrics is a valid no-op.
type Metrics struct {
	transitions       *prometheus.CounterVec
	validationFailure *prometheus.CounterVec
	actions           *prometheus.CounterVec
	actionDuration    *prometheus.HistogramVec
	jobsCreated       *prometheus.CounterVec
	dispatch          *prometheus.CounterVec
	sendDuration      *prometheus.HistogramVec
	outboxLag         prometheus.Histogram
	circuitOpen       *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Transition requests by outcome code (ok for commits).",
		}, []string{"entity_type", "outcome"}),
		validationFailure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validation_failures_total",
			Help:      "Field validation failures by rule type.",
		}, []string{"entity_type", "rule_type"}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_total",
			Help:      "Workflow actions executed by kind and status.",
		}, []string{"kind", "status"}),
		actionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "action_duration_seconds",
			Help:      "Workflow action execution time.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		jobsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_jobs_created_total",
			Help:      "Dispatch jobs persisted by channel.",
		}, []string{"channel"}),
		dispatch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_attempts_total",
			Help:      "Send attempts by channel and result.",
		}, []string{"channel", "result"}),
		sendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "send_duration_seconds",
			Help:      "Channel send latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"channel"}),
		outboxLag: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "outbox_lag_seconds",
			Help:      "Delay between an outbox record being written and drained.",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 15, 60, 300},
		}),
		circuitOpen: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_open_total",
			Help:      "Sends rejected by an open channel circuit.",
		}, []string{"channel"}),
	}
	for _, c := range []prometheus.Collector{
		m.transitions, m.validationFailure, m.actions, m.actionDuration,
		m.jobsCreated, m.dispatch, m.sendDuration, m.outboxLag, m.circuitOpen,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ObserveTransition counts a transition attempt. An empty code is a commit.
func (m *Metrics) ObserveTransition(entityType, code string) {
	if m == nil {
		return
	}
	if code == "" {
		code = "ok"
	}
	m.transitions.WithLabelValues(entityType, code).Inc()
}

// ObserveValidation counts field failures by rule type.
func (m *Metrics) ObserveValidation(entityType string, failures []schema.FieldFailure) {
	if m == nil {
		return
	}
	for _, f := range failures {
		m.validationFailure.WithLabelValues(entityType, f.RuleType).Inc()
	}
}

// ObserveAction records one action outcome.
func (m *Metrics) ObserveAction(kind schema.ActionType, ok bool, d time.Duration) {
	if m == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "degraded"
	}
	m.actions.WithLabelValues(string(kind), status).Inc()
	m.actionDuration.WithLabelValues(string(kind)).Observe(d.Seconds())
}

// ObserveJobsCreated counts persisted jobs.
func (m *Metrics) ObserveJobsCreated(channel schema.ChannelType, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.jobsCreated.WithLabelValues(string(channel)).Add(float64(n))
}

// ObserveSend records one send attempt. result is sent, retrying, failed or skipped.
func (m *Metrics) ObserveSend(channel schema.ChannelType, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.dispatch.WithLabelValues(string(channel), result).Inc()
	if d > 0 {
		m.sendDuration.WithLabelValues(string(channel)).Observe(d.Seconds())
	}
}

// ObserveCircuitOpen counts a send rejected by an open circuit.
func (m *Metrics) ObserveCircuitOpen(channel schema.ChannelType) {
	if m == nil {
		return
	}
	m.circuitOpen.WithLabelValues(string(channel)).Inc()
}

// ObserveOutboxLag records how long a record waited before draining.
func (m *Metrics) ObserveOutboxLag(d time.Duration) {
	if m == nil {
		return
	}
	m.outboxLag.Observe(d.Seconds())
}
