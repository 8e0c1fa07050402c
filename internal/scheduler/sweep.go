package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/entityflow/internal/logging"
	"github.com/rendis/entityflow/internal/store"
	"github.com/rendis/entityflow/pkg/schema"
)

// DefaultCatchUp bounds how far back a sweep fires a slot it has not seen,
// e.g. one that passed while the process was down.
const DefaultCatchUp = time.Hour

// SweepStore is what the sweeper reads and writes. Satisfied by store.Store.
type SweepStore interface {
	ListRules(ctx context.Context, filter store.RuleFilter) ([]schema.NotificationRule, error)
	ListEntities(ctx context.Context, filter store.EntityFilter) ([]schema.EntityState, error)
	ListFieldValues(ctx context.Context, key store.EntityKey) ([]schema.DynamicFieldValue, error)
	CreateDispatchJobs(ctx context.Context, jobs []*schema.DispatchJob) (int, error)
}

// SlotMatcher expands one slot of a scheduled rule for one entity.
// Satisfied by notify.Matcher.
type SlotMatcher interface {
	MatchScheduled(ctx context.Context, r *schema.NotificationRule, st *schema.EntityState, snap map[string]any, slot time.Time) ([]*schema.DispatchJob, error)
}

// SlotSchedules parses rule schedules. Satisfied by notify.Scheduler.
type SlotSchedules interface {
	Schedule(r *schema.NotificationRule) (cron.Schedule, error)
	Location() *time.Location
}

// SweepStats summarizes one sweep.
type SweepStats struct {
	Rules    int `json:"rules"`
	Slots    int `json:"slots"`
	Entities int `json:"entities"`
	Jobs     int `json:"jobs"`
	Skipped  int `json:"skipped"`
}

// Sweeper fires scheduled notification rules. At each slot of a rule's
// calendar schedule it creates jobs for every live entity of the rule's
// type. Only the latest passed slot fires; older missed ones are skipped.
type Sweeper struct {
	store     SweepStore
	matcher   SlotMatcher
	schedules SlotSchedules
	catchUp   time.Duration
	now       func() time.Time
	logger    *slog.Logger

	mu   sync.Mutex
	next map[string]pending
}

// pending is the next slot of one rule under the spec it was computed for.
type pending struct {
	schedule *schema.NotificationSchedule
	at       time.Time
}

// SweeperOptions configures a Sweeper. Store, Matcher and Schedules are required.
type SweeperOptions struct {
	Store     SweepStore
	Matcher   SlotMatcher
	Schedules SlotSchedules
	CatchUp   time.Duration
	Now       func() time.Time
	Logger    *slog.Logger
}

// NewSweeper creates a Sweeper.
func NewSweeper(opts SweeperOptions) (*Sweeper, error) {
	switch {
	case opts.Store == nil:
		return nil, schema.NewError(schema.ErrCodeInvalidDefinition, "sweeper: store is required")
	case opts.Matcher == nil:
		return nil, schema.NewError(schema.ErrCodeInvalidDefinition, "sweeper: matcher is required")
	case opts.Schedules == nil:
		return nil, schema.NewError(schema.ErrCodeInvalidDefinition, "sweeper: schedules are required")
	}
	s := &Sweeper{
		store:     opts.Store,
		matcher:   opts.Matcher,
		schedules: opts.Schedules,
		catchUp:   opts.CatchUp,
		now:       opts.Now,
		logger:    logging.OrDiscard(opts.Logger).With("component", "sweeper"),
		next:      make(map[string]pending),
	}
	if s.catchUp <= 0 {
		s.catchUp = DefaultCatchUp
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	return s, nil
}

// Sweep fires every scheduled rule whose slot has passed since the last
// sweep. A failing rule is logged and retried on the next sweep.
func (s *Sweeper) Sweep(ctx context.Context) (SweepStats, error) {
	var stats SweepStats
	rules, err := s.store.ListRules(ctx, store.RuleFilter{ActiveOnly: true})
	if err != nil {
		return stats, err
	}
	now := s.now()
	live := make(map[string]bool)
	for i := range rules {
		r := &rules[i]
		if r.TriggerType != schema.TriggerScheduled || !r.IsActive {
			continue
		}
		stats.Rules++
		key := r.TenantID + "/" + r.ID
		live[key] = true

		rctx := logging.WithRuleID(logging.WithTenantID(ctx, r.TenantID), r.ID)
		slot, ok, err := s.due(key, r, now)
		if err != nil {
			stats.Skipped++
			logging.LogWith(rctx, s.logger).Warn("scheduled rule skipped", "error", err)
			continue
		}
		if !ok {
			continue
		}
		stats.Slots++
		entities, jobs, err := s.fire(rctx, r, slot)
		stats.Entities += entities
		stats.Jobs += jobs
		if err != nil {
			if ctx.Err() != nil {
				return stats, ctx.Err()
			}
			// Retry the same slot next sweep; delivery keys keep it idempotent.
			s.rewind(key, r, slot)
			logging.LogWith(rctx, s.logger).Error("scheduled rule failed", "slot", slot, "error", err)
			continue
		}
		logging.LogWith(rctx, s.logger).Info("scheduled rule fired",
			"slot", slot, "entities", entities, "jobs", jobs)
	}
	s.forget(live)
	return stats, nil
}

// due reports the latest slot of r at or before now that has not fired yet.
func (s *Sweeper) due(key string, r *schema.NotificationRule, now time.Time) (time.Time, bool, error) {
	sched, err := s.schedules.Schedule(r)
	if err != nil {
		return time.Time{}, false, err
	}
	if sched == nil {
		return time.Time{}, false, schema.NewErrorf(schema.ErrCodeInvalidDefinition,
			"rule %q: scheduled trigger without a schedule", r.ID)
	}
	loc := s.schedules.Location()

	s.mu.Lock()
	defer s.mu.Unlock()
	p, seen := s.next[key]
	if !seen || !sameSchedule(p.schedule, r.Schedule) {
		p = pending{schedule: r.Schedule, at: sched.Next(now.Add(-s.catchUp).In(loc))}
	}
	if p.at.After(now) {
		s.next[key] = p
		return time.Time{}, false, nil
	}
	slot := p.at
	for n := sched.Next(slot.In(loc)); !n.After(now); n = sched.Next(n) {
		slot = n
	}
	s.next[key] = pending{schedule: r.Schedule, at: sched.Next(slot.In(loc))}
	return slot.UTC(), true, nil
}

func (s *Sweeper) rewind(key string, r *schema.NotificationRule, slot time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next[key] = pending{schedule: r.Schedule, at: slot}
}

// forget drops bookkeeping of rules that are gone or no longer scheduled.
func (s *Sweeper) forget(live map[string]bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.next {
		if !live[key] {
			delete(s.next, key)
		}
	}
}

// fire creates the slot's jobs for every live entity of the rule's type.
func (s *Sweeper) fire(ctx context.Context, r *schema.NotificationRule, slot time.Time) (int, int, error) {
	entities, err := s.store.ListEntities(ctx, store.EntityFilter{TenantID: r.TenantID, EntityType: r.EntityType})
	if err != nil {
		return 0, 0, err
	}
	var jobs []*schema.DispatchJob
	for i := range entities {
		st := &entities[i]
		key := store.EntityKey{TenantID: st.TenantID, EntityType: st.EntityType, EntityID: st.EntityID}
		vals, err := s.store.ListFieldValues(ctx, key)
		if err != nil {
			return len(entities), 0, err
		}
		snap := schema.ValuesMap(vals)
		if st.CurrentState != "" {
			snap[schema.StatusKey] = st.CurrentState
		}
		out, err := s.matcher.MatchScheduled(ctx, r, st, snap, slot)
		if err != nil {
			return len(entities), 0, err
		}
		jobs = append(jobs, out...)
	}
	if len(jobs) == 0 {
		return len(entities), 0, nil
	}
	n, err := s.store.CreateDispatchJobs(ctx, jobs)
	return len(entities), n, err
}

func sameSchedule(a, b *schema.NotificationSchedule) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Type == b.Type && a.Time == b.Time && intEq(a.DayOfWeek, b.DayOfWeek) && intEq(a.DayOfMonth, b.DayOfMonth)
}

func intEq(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
