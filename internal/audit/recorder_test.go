package audit

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/entityflow/internal/store"
	"github.com/rendis/entityflow/pkg/schema"
)

var dealKey = store.EntityKey{TenantID: "acme", EntityType: "deal", EntityID: "d-1"}

func seed(t *testing.T, ms *store.MemoryStore, r *Recorder, states ...string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, ms.WithinTx(ctx, func(tx store.Tx) error {
		if err := tx.CreateEntityState(ctx, &schema.EntityState{
			TenantID: dealKey.TenantID, EntityType: dealKey.EntityType, EntityID: dealKey.EntityID,
			WorkflowID: "wf-1", CurrentState: states[0],
		}); err != nil {
			return err
		}
		return r.AppendHistory(ctx, tx, &schema.HistoryEntry{
			TenantID: "acme", WorkflowID: "wf-1", EntityType: "deal", EntityID: "d-1",
			ToState: states[0], PerformedBy: "u-1",
		})
	}))
	version := int64(1)
	for i := 1; i < len(states); i++ {
		from, to := states[i-1], states[i]
		require.NoError(t, ms.WithinTx(ctx, func(tx store.Tx) error {
			v, err := tx.CompareAndSwapState(ctx, dealKey, version, to, false, time.Now())
			if err != nil {
				return err
			}
			version = v
			return r.AppendHistory(ctx, tx, &schema.HistoryEntry{
				TenantID: "acme", WorkflowID: "wf-1", EntityType: "deal", EntityID: "d-1",
				FromState: from, ToState: to, PerformedBy: "u-1",
			})
		}))
	}
}

func TestVerify_Consistent(t *testing.T) {
	ms := store.NewMemoryStore()
	r := NewRecorder(ms, nil)
	seed(t, ms, r, "draft", "review", "approved")

	rep, err := r.Verify(context.Background(), dealKey)
	require.NoError(t, err)
	assert.True(t, rep.OK(), "%v", rep.Problems)
	assert.Equal(t, 3, rep.Entries)
	assert.Equal(t, "approved", rep.CurrentState)

	hist, err := r.History(context.Background(), dealKey)
	require.NoError(t, err)
	for i, h := range hist {
		assert.Equal(t, int64(i+1), h.Sequence)
		assert.NotEmpty(t, h.ID)
		assert.False(t, h.PerformedAt.IsZero())
	}
}

func TestVerify_DetectsDrift(t *testing.T) {
	ms := store.NewMemoryStore()
	r := NewRecorder(ms, nil)
	seed(t, ms, r, "draft", "review")
	ctx := context.Background()

	// State moved without a history entry.
	require.NoError(t, ms.WithinTx(ctx, func(tx store.Tx) error {
		_, err := tx.CompareAndSwapState(ctx, dealKey, 2, "approved", false, time.Now())
		return err
	}))

	rep, err := r.Verify(ctx, dealKey)
	require.NoError(t, err)
	require.False(t, rep.OK())
	assert.Contains(t, rep.Problems[0].Message, "differs from last history state")
}

func TestVerify_MissingEntity(t *testing.T) {
	r := NewRecorder(store.NewMemoryStore(), nil)
	_, err := r.Verify(context.Background(), dealKey)
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func TestRecordDegraded(t *testing.T) {
	ms := store.NewMemoryStore()
	r := NewRecorder(ms, nil)
	ctx := context.Background()

	require.NoError(t, r.RecordDegraded(ctx, nil, dealKey, "hist-1", []Degraded{
		{Phase: "on_enter", Index: 0, Type: "webhook", Code: schema.ErrCodeTimeout, Error: "slow"},
		{Phase: "transition", Index: 1, Type: "custom", Code: schema.ErrCodeUnregisteredHandler},
	}))

	entries, err := r.Entries(ctx, store.AuditFilter{TenantID: "acme", Kind: schema.AuditDegradedAction})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "hist-1", entries[0].RefID)

	var d Degraded
	require.NoError(t, json.Unmarshal(entries[0].Detail, &d))
	assert.Equal(t, schema.ErrCodeTimeout, d.Code)
}

func TestDeliveryLedger(t *testing.T) {
	ms := store.NewMemoryStore()
	r := NewRecorder(ms, nil)
	ctx := context.Background()
	job := &schema.DispatchJob{
		ID: "job-1", TenantID: "acme", RuleID: "r-1", EntityType: "deal", EntityID: "d-1",
		DedupeKey: "k-1", Channel: schema.ChannelEmail, Recipient: "a@b.co",
	}

	ok, err := r.Delivered(ctx, "acme", "k-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, r.RecordDelivered(ctx, job, time.Now()))
	require.NoError(t, r.RecordDelivered(ctx, job, time.Now()))

	ok, err = r.Delivered(ctx, "acme", "k-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.Delivered(ctx, "other", "k-1")
	require.NoError(t, err)
	assert.False(t, ok)

	sent, err := r.Entries(ctx, store.AuditFilter{TenantID: "acme", Kind: schema.AuditDispatchSent})
	require.NoError(t, err)
	assert.Len(t, sent, 2)
	assert.Equal(t, "job-1", sent[0].RefID)
}

func TestRecordConfig(t *testing.T) {
	ms := store.NewMemoryStore()
	r := NewRecorder(ms, nil)
	ctx := context.Background()

	r.RecordConfig(ctx, schema.AuditConfigError, "acme", "deal", "", "rule-1", map[string]any{"reason": "delay and schedule"})

	entries, err := r.Entries(ctx, store.AuditFilter{TenantID: "acme"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, schema.AuditConfigError, entries[0].Kind)
	assert.JSONEq(t, `{"reason":"delay and schedule"}`, string(entries[0].Detail))
}
