package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/entityflow/pkg/schema"
)

// total sums every sample of a counter or histogram family.
func total(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		var sum float64
		for _, m := range mf.GetMetric() {
			if c := m.GetCounter(); c != nil {
				sum += c.GetValue()
			}
			if h := m.GetHistogram(); h != nil {
				sum += float64(h.GetSampleCount())
			}
		}
		return sum
	}
	return 0
}

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.ObserveTransition("deal", "")
	m.ObserveTransition("deal", schema.ErrCodeConcurrentModification)
	m.ObserveValidation("deal", []schema.FieldFailure{{FieldKey: "a", RuleType: "type"}, {FieldKey: "b", RuleType: "required"}})
	m.ObserveAction(schema.ActionWebhook, false, 20*time.Millisecond)
	m.ObserveJobsCreated(schema.ChannelEmail, 3)
	m.ObserveJobsCreated(schema.ChannelEmail, 0)
	m.ObserveSend(schema.ChannelEmail, "sent", time.Millisecond)
	m.ObserveCircuitOpen(schema.ChannelSMS)
	m.ObserveOutboxLag(time.Second)

	assert.Equal(t, 2.0, total(t, reg, "entityflow_transitions_total"))
	assert.Equal(t, 2.0, total(t, reg, "entityflow_validation_failures_total"))
	assert.Equal(t, 1.0, total(t, reg, "entityflow_actions_total"))
	assert.Equal(t, 1.0, total(t, reg, "entityflow_action_duration_seconds"))
	assert.Equal(t, 3.0, total(t, reg, "entityflow_dispatch_jobs_created_total"))
	assert.Equal(t, 1.0, total(t, reg, "entityflow_dispatch_attempts_total"))
	assert.Equal(t, 1.0, total(t, reg, "entityflow_circuit_open_total"))
	assert.Equal(t, 1.0, total(t, reg, "entityflow_outbox_lag_seconds"))
}

func TestMetrics_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)
	_, err = New(reg)
	assert.Error(t, err)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveTransition("deal", "")
		m.ObserveAction(schema.ActionCustom, true, 0)
		m.ObserveSend(schema.ChannelInApp, "failed", 0)
		m.ObserveOutboxLag(time.Second)
	})
}
