package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/rendis/entityflow/internal/audit"
	"github.com/rendis/entityflow/internal/logging"
	"github.com/rendis/entityflow/internal/metrics"
	"github.com/rendis/entityflow/pkg/schema"
)

// Drain defaults.
const (
	DefaultOutboxLease       = 30 * time.Second
	DefaultOutboxBatch       = 100
	DefaultOutboxMaxAttempts = 10
)

// OutboxStore is the persistence the drainer needs. Satisfied by store.Store.
type OutboxStore interface {
	ClaimOutbox(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]schema.OutboxRecord, error)
	MarkOutboxProcessed(ctx context.Context, id string, at time.Time) error
	CreateDispatchJobs(ctx context.Context, jobs []*schema.DispatchJob) (int, error)
}

// DrainerOptions configures a Drainer.
type DrainerOptions struct {
	Store   OutboxStore
	Matcher *Matcher
	Audit   *audit.Recorder
	Metrics *metrics.Metrics
	Logger  *slog.Logger

	Lease     time.Duration
	BatchSize int
	// MaxAttempts is how many claims a record gets before it is set aside.
	MaxAttempts int
	Now         func() time.Time
}

// Drainer turns committed outbox records into dispatch jobs. A record is
// marked processed only after its jobs are persisted, so a crash re-drains
// it and the delivery keys absorb the duplicates.
type Drainer struct {
	store       OutboxStore
	matcher     *Matcher
	audit       *audit.Recorder
	metrics     *metrics.Metrics
	logger      *slog.Logger
	lease       time.Duration
	batch       int
	maxAttempts int
	now         func() time.Time
}

// DrainStats summarizes one drain pass.
type DrainStats struct {
	Records int `json:"records"`
	Jobs    int `json:"jobs"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// NewDrainer creates a Drainer.
func NewDrainer(opts DrainerOptions) *Drainer {
	d := &Drainer{
		store:       opts.Store,
		matcher:     opts.Matcher,
		audit:       opts.Audit,
		metrics:     opts.Metrics,
		logger:      logging.OrDiscard(opts.Logger).With("component", "drainer"),
		lease:       opts.Lease,
		batch:       opts.BatchSize,
		maxAttempts: opts.MaxAttempts,
		now:         opts.Now,
	}
	if d.lease <= 0 {
		d.lease = DefaultOutboxLease
	}
	if d.batch <= 0 {
		d.batch = DefaultOutboxBatch
	}
	if d.maxAttempts <= 0 {
		d.maxAttempts = DefaultOutboxMaxAttempts
	}
	if d.now == nil {
		d.now = func() time.Time { return time.Now().UTC() }
	}
	return d
}

// Drain claims one batch of outbox records and processes it. A record that
// fails stays claimed until its lease expires and is retried then.
func (d *Drainer) Drain(ctx context.Context) (DrainStats, error) {
	var stats DrainStats
	now := d.now()
	records, err := d.store.ClaimOutbox(ctx, now, d.lease, d.batch)
	if err != nil {
		return stats, err
	}
	for i := range records {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		rec := &records[i]
		rctx := logging.WithTenantID(ctx, rec.TenantID)
		n, err := d.process(rctx, rec)
		if err != nil {
			stats.Failed++
			if rec.Attempts >= d.maxAttempts {
				d.setAside(rctx, rec, err)
				stats.Skipped++
				continue
			}
			logging.LogWith(rctx, d.logger).Warn("outbox record not processed",
				"record_id", rec.ID, "attempts", rec.Attempts, "error", err)
			continue
		}
		if err := d.store.MarkOutboxProcessed(ctx, rec.ID, d.now()); err != nil {
			return stats, err
		}
		d.metrics.ObserveOutboxLag(d.now().Sub(rec.CreatedAt))
		stats.Records++
		stats.Jobs += n
	}
	return stats, nil
}

// process matches one record and persists its jobs, returning how many
// were created.
func (d *Drainer) process(ctx context.Context, rec *schema.OutboxRecord) (int, error) {
	var jobs []*schema.DispatchJob
	switch rec.Kind {
	case schema.OutboxEvent:
		var ev schema.Event
		if err := json.Unmarshal(rec.Payload, &ev); err != nil {
			return 0, schema.NewError(schema.ErrCodeInvalidDefinition, "decode outbox event").WithCause(err)
		}
		matched, err := d.matcher.Match(logging.WithEntityID(ctx, ev.EntityID), &ev)
		if err != nil {
			return 0, err
		}
		jobs = matched
	case schema.OutboxNotification:
		var n schema.DirectNotification
		if err := json.Unmarshal(rec.Payload, &n); err != nil {
			return 0, schema.NewError(schema.ErrCodeInvalidDefinition, "decode direct notification").WithCause(err)
		}
		jobs = d.matcher.MatchDirect(logging.WithEntityID(ctx, n.EntityID), rec.ID, &n, rec.CreatedAt)
	default:
		return 0, schema.NewErrorf(schema.ErrCodeInvalidDefinition, "unknown outbox record kind %q", rec.Kind)
	}
	return d.persist(ctx, jobs)
}

// persist creates jobs grouped by channel. Jobs that failed to render are
// created one at a time so only newly created ones are audited.
func (d *Drainer) persist(ctx context.Context, jobs []*schema.DispatchJob) (int, error) {
	byChannel := make(map[schema.ChannelType][]*schema.DispatchJob)
	var order []schema.ChannelType
	var failed []*schema.DispatchJob
	for _, j := range jobs {
		if j.Status == schema.DispatchFailed {
			failed = append(failed, j)
			continue
		}
		if _, ok := byChannel[j.Channel]; !ok {
			order = append(order, j.Channel)
		}
		byChannel[j.Channel] = append(byChannel[j.Channel], j)
	}

	total := 0
	for _, ch := range order {
		n, err := d.store.CreateDispatchJobs(ctx, byChannel[ch])
		if err != nil {
			return total, err
		}
		d.metrics.ObserveJobsCreated(ch, n)
		total += n
	}
	for _, j := range failed {
		n, err := d.store.CreateDispatchJobs(ctx, []*schema.DispatchJob{j})
		if err != nil {
			return total, err
		}
		if n == 0 {
			continue
		}
		total += n
		d.metrics.ObserveJobsCreated(j.Channel, n)
		logging.LogWith(logging.WithJobID(ctx, j.ID), d.logger).Warn("template render failed", "error", j.LastError)
		if d.audit != nil {
			if err := d.audit.RecordDispatch(ctx, schema.AuditDispatchFailed, j, j.LastError); err != nil {
				logging.LogWith(ctx, d.logger).Error("audit write failed", "error", err)
			}
		}
	}
	return total, nil
}

// setAside marks a record that keeps failing as processed and audits it.
func (d *Drainer) setAside(ctx context.Context, rec *schema.OutboxRecord, cause error) {
	logging.LogWith(ctx, d.logger).Error("outbox record set aside",
		"record_id", rec.ID, "attempts", rec.Attempts, "error", cause)
	if err := d.store.MarkOutboxProcessed(ctx, rec.ID, d.now()); err != nil {
		logging.LogWith(ctx, d.logger).Error("mark outbox record failed", "record_id", rec.ID, "error", err)
		return
	}
	if d.audit != nil {
		d.audit.RecordConfig(ctx, schema.AuditConfigError, rec.TenantID, "", "", rec.ID,
			map[string]any{"outbox_kind": string(rec.Kind), "attempts": rec.Attempts, "error": cause.Error()})
	}
}
