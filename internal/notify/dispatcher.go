package notify

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/rendis/entityflow/internal/audit"
	"github.com/rendis/entityflow/internal/logging"
	"github.com/rendis/entityflow/internal/metrics"
	"github.com/rendis/entityflow/internal/store"
	"github.com/rendis/entityflow/internal/streaming"
	"github.com/rendis/entityflow/internal/tracing"
	"github.com/rendis/entityflow/pkg/schema"
)

// Dispatch defaults.
const (
	DefaultDispatchBatch = 100
	DefaultSendTimeout   = 10 * time.Second
	DefaultConcurrency   = 8
	DefaultSendLease     = 5 * time.Minute
)

// DispatchStore is the persistence the dispatcher needs. Satisfied by store.Store.
type DispatchStore interface {
	JobUpdater
	DueDispatchJobs(ctx context.Context, now time.Time, limit int) ([]schema.DispatchJob, error)
	ClaimDispatchJob(ctx context.Context, id string, from schema.DispatchStatus, now time.Time, lease time.Duration) (bool, error)
	GetDispatchJob(ctx context.Context, tenantID, id string) (*schema.DispatchJob, error)
	ListDispatchJobs(ctx context.Context, filter store.JobFilter) ([]schema.DispatchJob, error)
	CancelDispatchJobs(ctx context.Context, filter store.JobFilter, now time.Time) (int, error)
	GetRule(ctx context.Context, tenantID, id string) (*schema.NotificationRule, error)
	GetEntityState(ctx context.Context, key store.EntityKey) (*schema.EntityState, error)
}

// DispatcherOptions configures a Dispatcher. Store, Channels and Audit are required.
type DispatcherOptions struct {
	Store    DispatchStore
	Channels *Channels
	Audit    *audit.Recorder
	Breakers *Breakers
	Hub      streaming.EventHub
	Metrics  *metrics.Metrics
	Tracer   *tracing.Tracer
	Logger   *slog.Logger

	Retry       schema.RetryPolicy
	BatchSize   int
	Concurrency int
	SendTimeout time.Duration
	// SendLease bounds how long a claimed job may stay in sending before
	// another pass reclaims it. Never shorter than twice SendTimeout.
	SendLease time.Duration
	Now       func() time.Time
}

// Dispatcher sends due jobs through their channels, retrying transient
// failures with backoff. A job whose delivery key is already in the ledger
// is marked sent without sending again.
type Dispatcher struct {
	store     DispatchStore
	channels  *Channels
	audit     *audit.Recorder
	breakers  *Breakers
	hub       streaming.EventHub
	metrics   *metrics.Metrics
	tracer    *tracing.Tracer
	logger    *slog.Logger
	lifecycle *Lifecycle
	pool      *Pool

	retry   schema.RetryPolicy
	batch   int
	timeout time.Duration
	lease   time.Duration
	now     func() time.Time
}

// DispatchStats summarizes one dispatch pass.
type DispatchStats struct {
	Claimed   int `json:"claimed"`
	Sent      int `json:"sent"`
	Retrying  int `json:"retrying"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(opts DispatcherOptions) (*Dispatcher, error) {
	switch {
	case opts.Store == nil:
		return nil, schema.NewError(schema.ErrCodeInvalidDefinition, "dispatcher: store is required")
	case opts.Channels == nil:
		return nil, schema.NewError(schema.ErrCodeInvalidDefinition, "dispatcher: channels are required")
	case opts.Audit == nil:
		return nil, schema.NewError(schema.ErrCodeInvalidDefinition, "dispatcher: audit recorder is required")
	}
	d := &Dispatcher{
		store:     opts.Store,
		channels:  opts.Channels,
		audit:     opts.Audit,
		breakers:  opts.Breakers,
		hub:       opts.Hub,
		metrics:   opts.Metrics,
		tracer:    opts.Tracer,
		logger:    logging.OrDiscard(opts.Logger).With("component", "dispatcher"),
		lifecycle: NewLifecycle(opts.Store),
		retry:     opts.Retry,
		batch:     opts.BatchSize,
		timeout:   opts.SendTimeout,
		lease:     opts.SendLease,
		now:       opts.Now,
	}
	if d.breakers == nil {
		d.breakers = NewBreakers(DefaultBreakerConfig())
	}
	if d.retry.Max <= 0 {
		d.retry = DefaultRetryPolicy()
	}
	if d.batch <= 0 {
		d.batch = DefaultDispatchBatch
	}
	if d.timeout <= 0 {
		d.timeout = DefaultSendTimeout
	}
	if d.lease <= 0 {
		d.lease = DefaultSendLease
	}
	d.lease = max(d.lease, 2*d.timeout)
	if d.now == nil {
		d.now = func() time.Time { return time.Now().UTC() }
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	d.pool = NewPool(concurrency)

	d.lifecycle.OnAfter(schema.DispatchSent, d.onSent)
	d.lifecycle.OnAfter(schema.DispatchFailed, d.onFailed)
	d.lifecycle.OnAfter(schema.DispatchCancelled, d.onCancelled)
	return d, nil
}

// Dispatch claims the due jobs and sends them, returning once every claimed
// job has reached its next status.
func (d *Dispatcher) Dispatch(ctx context.Context) (DispatchStats, error) {
	var (
		mu    sync.Mutex
		stats DispatchStats
		wg    sync.WaitGroup
	)
	count := func(st schema.DispatchStatus) {
		mu.Lock()
		defer mu.Unlock()
		switch st {
		case schema.DispatchSent:
			stats.Sent++
		case schema.DispatchRetrying:
			stats.Retrying++
		case schema.DispatchFailed:
			stats.Failed++
		case schema.DispatchCancelled:
			stats.Cancelled++
		}
	}

	now := d.now()
	due, err := d.store.DueDispatchJobs(ctx, now, d.batch)
	if err != nil {
		return stats, err
	}
	var submitErr error
	for i := range due {
		job := due[i]
		jctx := logging.WithJobID(logging.WithEntity(ctx, job.TenantID, job.EntityID), job.ID)
		if job.RuleID != "" {
			jctx = logging.WithRuleID(jctx, job.RuleID)
		}

		reason, err := d.stale(jctx, &job)
		if err != nil {
			logging.LogWith(jctx, d.logger).Warn("job check failed", "error", err)
			continue
		}
		if reason != "" {
			if err := d.lifecycle.Transition(jctx, &job, schema.DispatchCancelled, store.JobUpdate{LastError: &reason}, now); err != nil {
				logging.LogWith(jctx, d.logger).Warn("cancel job failed", "error", err)
				continue
			}
			count(schema.DispatchCancelled)
			continue
		}

		if job.Status == schema.DispatchSending && job.Attempts >= job.MaxAttempts {
			// The last attempt's worker never reported back.
			msg := "send lease expired on final attempt"
			if job.LastError != "" {
				msg += ": " + job.LastError
			}
			logging.LogWith(jctx, d.logger).Error("send lease expired", "attempts", job.Attempts)
			if err := d.lifecycle.Transition(jctx, &job, schema.DispatchFailed, store.JobUpdate{LastError: &msg}, now); err != nil {
				logging.LogWith(jctx, d.logger).Warn("fail expired job failed", "error", err)
				continue
			}
			count(schema.DispatchFailed)
			continue
		}
		if job.Status == schema.DispatchSending {
			logging.LogWith(jctx, d.logger).Warn("reclaiming job with expired send lease", "attempts", job.Attempts)
		}

		claimed, err := d.store.ClaimDispatchJob(jctx, job.ID, job.Status, now, d.lease)
		if err != nil {
			submitErr = err
			break
		}
		if !claimed {
			continue
		}
		job.Status = schema.DispatchSending
		job.Attempts++
		mu.Lock()
		stats.Claimed++
		mu.Unlock()

		wg.Add(1)
		err = d.pool.Submit(jctx, func(ctx context.Context) error {
			defer wg.Done()
			err := d.deliver(ctx, &job)
			count(job.Status)
			return err
		})
		if err != nil {
			wg.Done()
			d.release(jctx, &job, err)
			submitErr = err
			break
		}
	}
	wg.Wait()
	return stats, submitErr
}

// stale returns a cancellation reason when the job's rule was deactivated
// or its entity deleted since the job was created.
func (d *Dispatcher) stale(ctx context.Context, job *schema.DispatchJob) (string, error) {
	if job.RuleID != "" {
		rule, err := d.store.GetRule(ctx, job.TenantID, job.RuleID)
		switch {
		case schema.HasCode(err, schema.ErrCodeNotFound):
			return "rule removed", nil
		case err != nil:
			return "", err
		case !rule.IsActive:
			return "rule inactive", nil
		}
	}
	st, err := d.store.GetEntityState(ctx, store.EntityKey{
		TenantID: job.TenantID, EntityType: job.EntityType, EntityID: job.EntityID,
	})
	switch {
	case schema.HasCode(err, schema.ErrCodeNotFound):
		return "entity removed", nil
	case err != nil:
		return "", err
	case st.Deleted:
		return "entity deleted", nil
	}
	return "", nil
}

// deliver sends one claimed job and moves it to sent, retrying or failed.
func (d *Dispatcher) deliver(ctx context.Context, job *schema.DispatchJob) error {
	delivered, err := d.audit.Delivered(ctx, job.TenantID, job.DedupeKey)
	if err != nil {
		return d.fail(ctx, job, err, false)
	}
	if delivered {
		at := d.now()
		logging.LogWith(ctx, d.logger).Info("delivery already recorded")
		return d.lifecycle.Transition(ctx, job, schema.DispatchSent, store.JobUpdate{SentAt: &at}, at)
	}

	if err := d.breakers.Allow(job.Channel); err != nil {
		return d.fail(ctx, job, err, true)
	}
	ch, err := d.channels.Get(job.Channel)
	if err != nil {
		return d.fail(ctx, job, err, false)
	}

	err = d.send(ctx, ch, job)
	if err != nil {
		before := d.breakers.State(job.Channel)
		state := d.breakers.Failure(job.Channel)
		if state == CircuitOpen && before != CircuitOpen {
			d.metrics.ObserveCircuitOpen(job.Channel)
			logging.LogWith(ctx, d.logger).Warn("channel circuit opened", "channel", job.Channel)
		}
		return d.fail(ctx, job, err, state == CircuitOpen)
	}
	d.breakers.Success(job.Channel)

	at := d.now()
	if err := d.audit.RecordDelivered(ctx, job, at); err != nil {
		logging.LogWith(ctx, d.logger).Error("delivery ledger write failed", "error", err)
	}
	return d.lifecycle.Transition(ctx, job, schema.DispatchSent, store.JobUpdate{SentAt: &at}, at)
}

func (d *Dispatcher) send(ctx context.Context, ch Channel, job *schema.DispatchJob) error {
	sctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	sctx, span := d.tracer.Start(sctx, "dispatch.send", map[string]string{
		"tenant_id": job.TenantID,
		"job_id":    job.ID,
		"channel":   string(job.Channel),
	})

	start := time.Now()
	err := ch.Send(sctx, MessageFor(job))
	if err != nil && errors.Is(sctx.Err(), context.DeadlineExceeded) {
		if _, ok := schema.AsEngineError(err); !ok {
			err = schema.NewErrorf(schema.ErrCodeTimeout, "send on %s timed out after %s", job.Channel, d.timeout).WithCause(err)
		}
	}
	span.End(err)

	result := "ok"
	if err != nil {
		result = "error"
	}
	d.metrics.ObserveSend(job.Channel, result, time.Since(start))
	return err
}

// fail schedules a retry for transient errors with attempts left and fails
// the job otherwise. circuitOpen stretches the delay to the breaker cooldown.
func (d *Dispatcher) fail(ctx context.Context, job *schema.DispatchJob, cause error, circuitOpen bool) error {
	now := d.now()
	msg := cause.Error()
	if Retryable(cause) && job.Attempts < job.MaxAttempts {
		delay := Backoff(d.retry, job.Attempts)
		if circuitOpen {
			delay = max(delay, d.breakers.Cooldown())
		}
		next := now.Add(delay)
		logging.LogWith(ctx, d.logger).Warn("send failed, retrying",
			"attempt", job.Attempts, "max_attempts", job.MaxAttempts, "next_attempt_at", next, "error", cause)
		if err := d.lifecycle.Transition(ctx, job, schema.DispatchRetrying,
			store.JobUpdate{NextAttemptAt: &next, LastError: &msg}, now); err != nil {
			return err
		}
		return cause
	}
	logging.LogWith(ctx, d.logger).Error("send failed", "attempts", job.Attempts, "error", cause)
	if err := d.lifecycle.Transition(ctx, job, schema.DispatchFailed, store.JobUpdate{LastError: &msg}, now); err != nil {
		return err
	}
	return cause
}

// release puts a claimed job that never reached a channel back in line
// without spending an attempt's backoff.
func (d *Dispatcher) release(ctx context.Context, job *schema.DispatchJob, cause error) {
	now := d.now()
	msg := cause.Error()
	if err := d.lifecycle.Transition(ctx, job, schema.DispatchRetrying,
		store.JobUpdate{NextAttemptAt: &now, LastError: &msg}, now); err != nil {
		logging.LogWith(ctx, d.logger).Error("release job failed", "error", err)
	}
}

func (d *Dispatcher) onSent(ctx context.Context, job *schema.DispatchJob, _ schema.DispatchStatus) {
	d.publish(ctx, streaming.EventDispatchSent, job)
}

func (d *Dispatcher) onFailed(ctx context.Context, job *schema.DispatchJob, _ schema.DispatchStatus) {
	if err := d.audit.RecordDispatch(ctx, schema.AuditDispatchFailed, job, job.LastError); err != nil {
		logging.LogWith(ctx, d.logger).Error("audit write failed", "error", err)
	}
	d.publish(ctx, streaming.EventDispatchFailed, job)
}

func (d *Dispatcher) onCancelled(ctx context.Context, job *schema.DispatchJob, _ schema.DispatchStatus) {
	if err := d.audit.RecordDispatch(ctx, schema.AuditDispatchCancelled, job, job.LastError); err != nil {
		logging.LogWith(ctx, d.logger).Error("audit write failed", "error", err)
	}
	d.publish(ctx, streaming.EventDispatchCancelled, job)
}

func (d *Dispatcher) publish(ctx context.Context, eventType string, job *schema.DispatchJob) {
	if d.hub == nil {
		return
	}
	err := d.hub.Publish(ctx, streaming.StreamEvent{
		TenantID:   job.TenantID,
		EntityType: job.EntityType,
		EntityID:   job.EntityID,
		EventType:  eventType,
		Payload: map[string]any{
			"job_id":    job.ID,
			"rule_id":   job.RuleID,
			"channel":   job.Channel,
			"recipient": job.Recipient,
			"status":    job.Status,
			"attempts":  job.Attempts,
		},
		At: d.now(),
	})
	if err != nil {
		logging.LogWith(ctx, d.logger).Warn("publish failed", "event_type", eventType, "error", err)
	}
}

// CancelForRule cancels the undelivered jobs of a rule.
func (d *Dispatcher) CancelForRule(ctx context.Context, tenantID, ruleID string) (int, error) {
	return d.cancelMatching(ctx, store.JobFilter{TenantID: tenantID, RuleID: ruleID}, "rule deactivated")
}

// CancelForEntity cancels the undelivered jobs of an entity.
func (d *Dispatcher) CancelForEntity(ctx context.Context, key store.EntityKey) (int, error) {
	return d.cancelMatching(ctx, store.JobFilter{
		TenantID: key.TenantID, EntityType: key.EntityType, EntityID: key.EntityID,
	}, "entity deleted")
}

func (d *Dispatcher) cancelMatching(ctx context.Context, filter store.JobFilter, reason string) (int, error) {
	filter.Statuses = []schema.DispatchStatus{schema.DispatchPending, schema.DispatchRetrying}
	before, err := d.store.ListDispatchJobs(ctx, filter)
	if err != nil {
		return 0, err
	}
	now := d.now()
	n, err := d.store.CancelDispatchJobs(ctx, filter, now)
	if err != nil || n == 0 {
		return n, err
	}

	filter.Statuses = []schema.DispatchStatus{schema.DispatchCancelled}
	after, err := d.store.ListDispatchJobs(ctx, filter)
	if err != nil {
		return n, err
	}
	for i := range after {
		job := &after[i]
		if !slices.ContainsFunc(before, func(b schema.DispatchJob) bool { return b.ID == job.ID }) {
			continue
		}
		job.LastError = reason
		d.onCancelled(logging.WithJobID(ctx, job.ID), job, "")
	}
	return n, nil
}

// Requeue moves a failed job back to pending with room for another round of
// attempts.
func (d *Dispatcher) Requeue(ctx context.Context, tenantID, jobID string) (*schema.DispatchJob, error) {
	job, err := d.store.GetDispatchJob(ctx, tenantID, jobID)
	if err != nil {
		return nil, err
	}
	now := d.now()
	maxAttempts := job.Attempts + d.retry.Max
	if err := d.lifecycle.Transition(ctx, job, schema.DispatchPending,
		store.JobUpdate{NextAttemptAt: &now, MaxAttempts: &maxAttempts}, now); err != nil {
		return nil, err
	}
	logging.LogWith(logging.WithJobID(ctx, job.ID), d.logger).Info("job requeued", "max_attempts", maxAttempts)
	return job, nil
}

// Jobs lists dispatch jobs.
func (d *Dispatcher) Jobs(ctx context.Context, filter store.JobFilter) ([]schema.DispatchJob, error) {
	return d.store.ListDispatchJobs(ctx, filter)
}

// Breakers returns the channel circuit breakers.
func (d *Dispatcher) Breakers() *Breakers { return d.breakers }

// PoolStats returns send pool counters.
func (d *Dispatcher) PoolStats() PoolStats { return d.pool.Stats() }

// Close waits for in-flight sends and rejects new ones.
func (d *Dispatcher) Close() {
	d.pool.Shutdown()
}
