package notify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/entityflow/internal/store"
	"github.com/rendis/entityflow/pkg/schema"
)

type recordingUpdater struct {
	updates map[string]store.JobUpdate
}

func (r *recordingUpdater) UpdateDispatchJob(_ context.Context, id string, u store.JobUpdate, _ time.Time) error {
	if r.updates == nil {
		r.updates = make(map[string]store.JobUpdate)
	}
	r.updates[id] = u
	return nil
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to schema.DispatchStatus
		want     bool
	}{
		{schema.DispatchPending, schema.DispatchSending, true},
		{schema.DispatchPending, schema.DispatchCancelled, true},
		{schema.DispatchRetrying, schema.DispatchSending, true},
		{schema.DispatchSending, schema.DispatchSent, true},
		{schema.DispatchSending, schema.DispatchRetrying, true},
		{schema.DispatchSending, schema.DispatchFailed, true},
		{schema.DispatchFailed, schema.DispatchPending, true},
		{schema.DispatchSent, schema.DispatchPending, false},
		{schema.DispatchCancelled, schema.DispatchPending, false},
		{schema.DispatchSending, schema.DispatchCancelled, true},
		{schema.DispatchPending, schema.DispatchSent, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestLifecycle_TransitionAppliesUpdateAndRunsHooks(t *testing.T) {
	u := &recordingUpdater{}
	l := NewLifecycle(u)

	var gotFrom schema.DispatchStatus
	calls := 0
	l.OnAfter(schema.DispatchRetrying, func(_ context.Context, job *schema.DispatchJob, from schema.DispatchStatus) {
		calls++
		gotFrom = from
		assert.Equal(t, schema.DispatchRetrying, job.Status)
	})
	l.OnAfter(schema.DispatchSent, func(context.Context, *schema.DispatchJob, schema.DispatchStatus) {
		t.Error("sent hook must not run")
	})

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	next := now.Add(time.Minute)
	msg := "boom"
	job := &schema.DispatchJob{ID: "j1", Status: schema.DispatchSending}
	require.NoError(t, l.Transition(context.Background(), job, schema.DispatchRetrying,
		store.JobUpdate{NextAttemptAt: &next, LastError: &msg}, now))

	assert.Equal(t, 1, calls)
	assert.Equal(t, schema.DispatchSending, gotFrom)
	assert.Equal(t, next, job.NextAttemptAt)
	assert.Equal(t, "boom", job.LastError)
	assert.Equal(t, now, job.UpdatedAt)
	require.Contains(t, u.updates, "j1")
	assert.Equal(t, schema.DispatchRetrying, *u.updates["j1"].Status)
}

func TestLifecycle_InvalidTransition(t *testing.T) {
	u := &recordingUpdater{}
	l := NewLifecycle(u)

	job := &schema.DispatchJob{ID: "j1", Status: schema.DispatchSent}
	err := l.Transition(context.Background(), job, schema.DispatchPending, store.JobUpdate{}, time.Now())
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))
	assert.Equal(t, schema.DispatchSent, job.Status)
	assert.Empty(t, u.updates)
}
