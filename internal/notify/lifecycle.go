package notify

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/rendis/entityflow/internal/store"
	"github.com/rendis/entityflow/pkg/schema"
)

// ValidJobTransitions lists the allowed dispatch job status moves.
var ValidJobTransitions = map[schema.DispatchStatus][]schema.DispatchStatus{
	schema.DispatchPending:  {schema.DispatchSending, schema.DispatchCancelled},
	schema.DispatchRetrying: {schema.DispatchSending, schema.DispatchCancelled},
	schema.DispatchSending:  {schema.DispatchSent, schema.DispatchRetrying, schema.DispatchFailed, schema.DispatchCancelled},
	schema.DispatchFailed:   {schema.DispatchPending},
}

// TransitionHook runs after a job moved to a new status.
type TransitionHook func(ctx context.Context, job *schema.DispatchJob, from schema.DispatchStatus)

// JobUpdater persists job changes. Satisfied by store.Store.
type JobUpdater interface {
	UpdateDispatchJob(ctx context.Context, id string, update store.JobUpdate, now time.Time) error
}

// Lifecycle validates and persists dispatch job status changes and runs
// hooks registered for the target status.
type Lifecycle struct {
	store JobUpdater

	mu    sync.RWMutex
	after map[schema.DispatchStatus][]TransitionHook
}

// NewLifecycle creates a Lifecycle writing through s.
func NewLifecycle(s JobUpdater) *Lifecycle {
	return &Lifecycle{store: s, after: make(map[schema.DispatchStatus][]TransitionHook)}
}

// OnAfter registers a hook run after a job enters status to.
func (l *Lifecycle) OnAfter(to schema.DispatchStatus, hook TransitionHook) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.after[to] = append(l.after[to], hook)
}

// CanTransition reports whether from -> to is a valid job move.
func CanTransition(from, to schema.DispatchStatus) bool {
	return slices.Contains(ValidJobTransitions[from], to)
}

// Transition moves job to status to, applying update alongside. job is
// updated in place on success.
func (l *Lifecycle) Transition(ctx context.Context, job *schema.DispatchJob, to schema.DispatchStatus, update store.JobUpdate, now time.Time) error {
	from := job.Status
	if !CanTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeConflict, "invalid dispatch job transition: %s -> %s", from, to).
			WithDetails(map[string]any{"job_id": job.ID, "from": string(from), "to": string(to)})
	}
	update.Status = &to
	if err := l.store.UpdateDispatchJob(ctx, job.ID, update, now); err != nil {
		return err
	}
	apply(job, update, now)

	l.mu.RLock()
	hooks := slices.Clone(l.after[to])
	l.mu.RUnlock()
	for _, hook := range hooks {
		hook(ctx, job, from)
	}
	return nil
}

func apply(job *schema.DispatchJob, u store.JobUpdate, now time.Time) {
	if u.Status != nil {
		job.Status = *u.Status
	}
	if u.NextAttemptAt != nil {
		job.NextAttemptAt = *u.NextAttemptAt
	}
	if u.LastError != nil {
		job.LastError = *u.LastError
	}
	if u.SentAt != nil {
		t := *u.SentAt
		job.SentAt = &t
	}
	if u.MaxAttempts != nil {
		job.MaxAttempts = *u.MaxAttempts
	}
	job.UpdatedAt = now
}
