package notify

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/rendis/entityflow/internal/audit"
	"github.com/rendis/entityflow/internal/conditions"
	"github.com/rendis/entityflow/internal/expressions"
	"github.com/rendis/entityflow/internal/logging"
	"github.com/rendis/entityflow/internal/store"
	"github.com/rendis/entityflow/pkg/schema"
)

// DefaultMaxAttempts bounds delivery attempts per job.
const DefaultMaxAttempts = 5

// renderConcurrency bounds parallel per-recipient rendering.
const renderConcurrency = 8

// RuleSource lists notification rules. Satisfied by store.Store.
type RuleSource interface {
	ListRules(ctx context.Context, filter store.RuleFilter) ([]schema.NotificationRule, error)
}

// MatcherOptions configures a Matcher. Rules, Evaluator and Renderer are required.
type MatcherOptions struct {
	Rules       RuleSource
	Evaluator   *conditions.Evaluator
	Renderer    *expressions.Renderer
	Resolver    *Resolver
	Scheduler   *Scheduler
	Audit       *audit.Recorder
	MaxAttempts int
	Logger      *slog.Logger
}

// Matcher turns committed entity events into dispatch jobs.
type Matcher struct {
	rules       RuleSource
	evaluator   *conditions.Evaluator
	renderer    *expressions.Renderer
	resolver    *Resolver
	scheduler   *Scheduler
	audit       *audit.Recorder
	maxAttempts int
	logger      *slog.Logger
}

// NewMatcher creates a Matcher.
func NewMatcher(opts MatcherOptions) (*Matcher, error) {
	switch {
	case opts.Rules == nil:
		return nil, schema.NewError(schema.ErrCodeInvalidDefinition, "matcher: rule source is required")
	case opts.Evaluator == nil:
		return nil, schema.NewError(schema.ErrCodeInvalidDefinition, "matcher: evaluator is required")
	case opts.Renderer == nil:
		return nil, schema.NewError(schema.ErrCodeInvalidDefinition, "matcher: renderer is required")
	}
	m := &Matcher{
		rules:       opts.Rules,
		evaluator:   opts.Evaluator,
		renderer:    opts.Renderer,
		resolver:    opts.Resolver,
		scheduler:   opts.Scheduler,
		audit:       opts.Audit,
		maxAttempts: opts.MaxAttempts,
		logger:      logging.OrDiscard(opts.Logger).With("component", "matcher"),
	}
	if m.resolver == nil {
		m.resolver = NewResolver(nil)
	}
	if m.scheduler == nil {
		m.scheduler = NewScheduler(time.UTC)
	}
	if m.maxAttempts <= 0 {
		m.maxAttempts = DefaultMaxAttempts
	}
	return m, nil
}

// Match returns the dispatch jobs one committed event produces. Jobs whose
// templates failed to render are returned in failed status.
func (m *Matcher) Match(ctx context.Context, ev *schema.Event) ([]*schema.DispatchJob, error) {
	rules, err := m.rules.ListRules(ctx, store.RuleFilter{
		TenantID: ev.TenantID, EntityType: ev.EntityType, ActiveOnly: true,
	})
	if err != nil {
		return nil, err
	}
	snap := ev.After
	if ev.Kind == schema.EventDeleted {
		snap = ev.Before
	}

	var jobs []*schema.DispatchJob
	for i := range rules {
		r := &rules[i]
		if !r.IsActive || r.EntityType != ev.EntityType || !m.triggers(ctx, r, ev, snap) {
			continue
		}
		rctx := logging.WithRuleID(ctx, r.ID)
		due, err := m.scheduler.DueAt(r, ev.OccurredAt)
		if err != nil {
			logging.LogWith(rctx, m.logger).Warn("rule skipped", "error", err)
			m.recordConfig(rctx, ev, r.ID, err)
			continue
		}
		ruleJobs, err := m.expand(rctx, r, ev, snap, due)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, ruleJobs...)
	}
	return dedupe(jobs), nil
}

// triggers reports whether r fires for ev.
func (m *Matcher) triggers(ctx context.Context, r *schema.NotificationRule, ev *schema.Event, snap map[string]any) bool {
	switch r.TriggerType {
	case schema.TriggerScheduled:
		// Fired by the scheduler sweep, never by entity events.
		return false
	case schema.TriggerFieldChanged:
		if ev.Kind != schema.EventUpdated {
			return false
		}
		changed := ev.ChangedKeys()
		changed = slices.DeleteFunc(changed, func(k string) bool { return k == schema.StatusKey })
		if len(changed) == 0 {
			return false
		}
		if refs := referencedFields(r.TriggerConditions); len(refs) > 0 &&
			!slices.ContainsFunc(changed, func(k string) bool { return refs[k] }) {
			return false
		}
	default:
		if string(r.TriggerType) != string(ev.Kind) {
			return false
		}
	}
	for _, cond := range r.TriggerConditions {
		if !m.evaluator.EvaluateRule(ctx, cond, snap) {
			return false
		}
	}
	return true
}

func referencedFields(conds []schema.ConditionalRule) map[string]bool {
	out := make(map[string]bool, len(conds))
	for _, c := range conds {
		out[c.Field] = true
	}
	return out
}

// rendered is one recipient's job in progress.
type rendered struct {
	target  Target
	channel schema.NotificationChannel
	subject string
	body    string
	err     error
}

func (m *Matcher) expand(ctx context.Context, r *schema.NotificationRule, ev *schema.Event, snap map[string]any, due time.Time) ([]*schema.DispatchJob, error) {
	var work []*rendered
	for _, ch := range r.Channels {
		if ch.Type == schema.ChannelWebhook {
			work = append(work, &rendered{target: Target{Address: ch.WebhookURL}, channel: ch})
			continue
		}
		targets, problems := m.resolver.Resolve(ctx, ev.TenantID, snap, r.Recipients, ch.Type)
		for _, p := range problems {
			logging.LogWith(ctx, m.logger).Warn("recipient not resolved", "channel", ch.Type, "error", p)
		}
		for _, t := range targets {
			work = append(work, &rendered{target: t, channel: ch})
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(renderConcurrency)
	for _, w := range work {
		g.Go(func() error {
			data := templateData(ev, snap, r, w.target)
			subjectTmpl, bodyTmpl := templatesFor(r, w.channel)
			if w.channel.Type == schema.ChannelWebhook && strings.Contains(w.target.Address, "{{") {
				w.target.Address, w.err = m.renderer.Render(gctx, ev.TenantID, w.target.Address, data)
				if w.err != nil {
					return nil
				}
			}
			if w.subject, w.err = m.renderer.Render(gctx, ev.TenantID, subjectTmpl, data); w.err != nil {
				return nil
			}
			w.body, w.err = m.renderer.Render(gctx, ev.TenantID, bodyTmpl, data)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	jobs := make([]*schema.DispatchJob, 0, len(work))
	for _, w := range work {
		job := m.newJob(ev, r.ID, w.channel.Type, w.target.Address, due)
		job.Subject, job.Body = w.subject, w.body
		if w.err != nil {
			job.Status = schema.DispatchFailed
			job.LastError = w.err.Error()
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// ScheduledEventID names the synthetic event of one slot of a scheduled
// rule. It is stable, so re-sweeping a slot yields the same delivery keys.
func ScheduledEventID(ruleID string, slot time.Time) string {
	return "scheduled:" + ruleID + ":" + slot.UTC().Format(time.RFC3339)
}

// MatchScheduled returns the jobs one slot of a scheduled rule produces for
// one entity. snap is the entity's values with its state under the status
// key; the trigger conditions are evaluated against it.
func (m *Matcher) MatchScheduled(ctx context.Context, r *schema.NotificationRule, st *schema.EntityState, snap map[string]any, slot time.Time) ([]*schema.DispatchJob, error) {
	if !r.IsActive || r.TriggerType != schema.TriggerScheduled || r.EntityType != st.EntityType || st.Deleted {
		return nil, nil
	}
	for _, cond := range r.TriggerConditions {
		if !m.evaluator.EvaluateRule(ctx, cond, snap) {
			return nil, nil
		}
	}
	ev := &schema.Event{
		ID:         ScheduledEventID(r.ID, slot),
		TenantID:   st.TenantID,
		EntityType: st.EntityType,
		EntityID:   st.EntityID,
		Kind:       schema.EventKind(schema.TriggerScheduled),
		After:      snap,
		System:     true,
		OccurredAt: slot,
	}
	jobs, err := m.expand(logging.WithRuleID(ctx, r.ID), r, ev, snap, slot.UTC())
	if err != nil {
		return nil, err
	}
	return dedupe(jobs), nil
}

// MatchDirect returns the jobs of a send_notification outbox record.
// recordID scopes the delivery keys so two actions on one event stay distinct.
func (m *Matcher) MatchDirect(ctx context.Context, recordID string, n *schema.DirectNotification, at time.Time) []*schema.DispatchJob {
	ev := &schema.Event{
		ID: n.EventID, TenantID: n.TenantID, EntityType: n.EntityType, EntityID: n.EntityID, OccurredAt: at,
	}
	targets, problems := m.resolver.Resolve(ctx, n.TenantID, n.Snapshot, n.Recipients, n.Channel)
	for _, p := range problems {
		logging.LogWith(ctx, m.logger).Warn("recipient not resolved", "channel", n.Channel, "error", p)
	}
	rule := &schema.NotificationRule{ID: "direct:" + recordID}
	jobs := make([]*schema.DispatchJob, 0, len(targets))
	for _, t := range targets {
		data := templateData(ev, n.Snapshot, rule, t)
		job := m.newJob(ev, rule.ID, n.Channel, t.Address, at)
		job.RuleID = ""
		var err error
		if job.Subject, err = m.renderer.Render(ctx, n.TenantID, n.Subject, data); err == nil {
			job.Body, err = m.renderer.Render(ctx, n.TenantID, n.Body, data)
		}
		if err != nil {
			job.Status = schema.DispatchFailed
			job.LastError = err.Error()
		}
		jobs = append(jobs, job)
	}
	return dedupe(jobs)
}

func (m *Matcher) newJob(ev *schema.Event, ruleID string, ch schema.ChannelType, recipient string, due time.Time) *schema.DispatchJob {
	return &schema.DispatchJob{
		ID:            uuid.NewString(),
		TenantID:      ev.TenantID,
		RuleID:        ruleID,
		EntityType:    ev.EntityType,
		EntityID:      ev.EntityID,
		EventID:       ev.ID,
		DedupeKey:     DeliveryKey(ev.TenantID, ev.ID, ruleID, ev.EntityID, recipient, ch),
		Channel:       ch,
		Recipient:     recipient,
		Status:        schema.DispatchPending,
		MaxAttempts:   m.maxAttempts,
		DueAt:         due,
		NextAttemptAt: due,
	}
}

func (m *Matcher) recordConfig(ctx context.Context, ev *schema.Event, ruleID string, err error) {
	if m.audit == nil {
		return
	}
	m.audit.RecordConfig(ctx, schema.AuditConfigError, ev.TenantID, ev.EntityType, ev.EntityID, ruleID,
		map[string]any{"rule_id": ruleID, "event_id": ev.ID, "error": err.Error()})
}

// DeliveryKey identifies one delivery of one event to one recipient on one
// channel for one rule. It is stable across re-drains of the same event.
func DeliveryKey(tenantID, eventID, ruleID, entityID, recipient string, ch schema.ChannelType) string {
	name := strings.Join([]string{tenantID, eventID, ruleID, entityID, recipient, string(ch)}, "\x00")
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}

// templatesFor picks the channel template over the rule template.
func templatesFor(r *schema.NotificationRule, ch schema.NotificationChannel) (subject, body string) {
	subject, body = r.TemplateSubject, r.TemplateBody
	switch ch.Type {
	case schema.ChannelEmail:
		if ch.EmailSubject != "" {
			subject = ch.EmailSubject
		}
		if ch.EmailTemplate != "" {
			body = ch.EmailTemplate
		}
	case schema.ChannelSMS:
		if ch.SMSTemplate != "" {
			body = ch.SMSTemplate
		}
	}
	return subject, body
}

// templateData is the render scope: field values at the top level plus
// entity, event, rule and recipient objects.
func templateData(ev *schema.Event, snap map[string]any, r *schema.NotificationRule, t Target) map[string]any {
	data := make(map[string]any, len(snap)+4)
	maps.Copy(data, snap)
	state, _ := snap[schema.StatusKey].(string)
	data["entity"] = map[string]any{
		"id": ev.EntityID, "type": ev.EntityType, "tenant_id": ev.TenantID, "state": state,
	}
	data["event"] = map[string]any{
		"id": ev.ID, "kind": string(ev.Kind), "actor_id": ev.ActorID, "comment": ev.Comment,
		"transition_id": ev.TransitionID, "occurred_at": ev.OccurredAt.Format(time.RFC3339),
	}
	data["rule"] = map[string]any{"id": r.ID, "name": r.Name}
	data["recipient"] = map[string]any{"id": t.UserID, "name": t.Name, "address": t.Address}
	return data
}

// dedupe drops jobs sharing a delivery key, keeping the first.
func dedupe(jobs []*schema.DispatchJob) []*schema.DispatchJob {
	seen := make(map[string]bool, len(jobs))
	out := jobs[:0]
	for _, j := range jobs {
		if seen[j.DedupeKey] {
			continue
		}
		seen[j.DedupeKey] = true
		out = append(out, j)
	}
	return out
}
