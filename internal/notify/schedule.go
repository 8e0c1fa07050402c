package notify

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/entityflow/pkg/schema"
)

// DefaultScheduleTime is used when a schedule omits its time of day.
const DefaultScheduleTime = "09:00"

// CronSpec converts a notification schedule to a five-field cron spec.
// Immediate schedules have no spec.
func CronSpec(s *schema.NotificationSchedule) (string, error) {
	if s.IsImmediate() {
		return "", nil
	}
	hour, minute, err := clock(s.Time)
	if err != nil {
		return "", err
	}
	switch s.Type {
	case schema.ScheduleDaily:
		return fmt.Sprintf("%d %d * * *", minute, hour), nil
	case schema.ScheduleWeekly:
		if s.DayOfWeek == nil || *s.DayOfWeek < 0 || *s.DayOfWeek > 6 {
			return "", schema.NewError(schema.ErrCodeInvalidDefinition, "weekly schedule needs day_of_week 0-6")
		}
		return fmt.Sprintf("%d %d * * %d", minute, hour, *s.DayOfWeek), nil
	case schema.ScheduleMonthly:
		if s.DayOfMonth == nil || *s.DayOfMonth < 1 || *s.DayOfMonth > 31 {
			return "", schema.NewError(schema.ErrCodeInvalidDefinition, "monthly schedule needs day_of_month 1-31")
		}
		return fmt.Sprintf("%d %d %d * *", minute, hour, *s.DayOfMonth), nil
	default:
		return "", schema.NewErrorf(schema.ErrCodeInvalidDefinition, "unknown schedule type %q", s.Type)
	}
}

func clock(hhmm string) (int, int, error) {
	if hhmm == "" {
		hhmm = DefaultScheduleTime
	}
	h, m, ok := strings.Cut(hhmm, ":")
	hour, errH := strconv.Atoi(h)
	minute, errM := strconv.Atoi(m)
	if !ok || errH != nil || errM != nil || hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, schema.NewErrorf(schema.ErrCodeInvalidDefinition, "schedule time %q is not HH:MM", hhmm)
	}
	return hour, minute, nil
}

// ValidateTiming rejects rules that set both a delay and a calendar schedule,
// and scheduled rules without a calendar slot.
func ValidateTiming(r *schema.NotificationRule) error {
	if r.TriggerDelay < 0 {
		return schema.NewErrorf(schema.ErrCodeInvalidDefinition, "rule %q: trigger_delay must not be negative", r.ID)
	}
	if r.TriggerType == schema.TriggerScheduled && r.Schedule.IsImmediate() {
		return schema.NewErrorf(schema.ErrCodeInvalidDefinition,
			"rule %q: scheduled trigger needs a daily, weekly or monthly schedule", r.ID)
	}
	if r.TriggerDelay > 0 && !r.Schedule.IsImmediate() {
		return schema.NewErrorf(schema.ErrCodeAmbiguousConfiguration,
			"rule %q sets both trigger_delay and a %s schedule", r.ID, r.Schedule.Type)
	}
	_, err := CronSpec(r.Schedule)
	return err
}

// Scheduler computes the earliest send time of a rule's jobs. Parsed
// schedules are cached by spec.
type Scheduler struct {
	loc    *time.Location
	parser cron.Parser

	mu    sync.Mutex
	cache map[string]cron.Schedule
}

// NewScheduler creates a Scheduler evaluating calendar slots in loc
// (UTC when nil).
func NewScheduler(loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{
		loc:    loc,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		cache:  make(map[string]cron.Schedule),
	}
}

// Location is the zone calendar slots are evaluated in.
func (s *Scheduler) Location() *time.Location { return s.loc }

// Schedule returns the parsed calendar schedule of r. Immediate rules have none.
func (s *Scheduler) Schedule(r *schema.NotificationRule) (cron.Schedule, error) {
	if err := ValidateTiming(r); err != nil {
		return nil, err
	}
	spec, _ := CronSpec(r.Schedule)
	if spec == "" {
		return nil, nil
	}
	return s.schedule(spec)
}

// DueAt returns when jobs of r triggered at occurred may first be sent.
func (s *Scheduler) DueAt(r *schema.NotificationRule, occurred time.Time) (time.Time, error) {
	if err := ValidateTiming(r); err != nil {
		return time.Time{}, err
	}
	if r.Schedule.IsImmediate() {
		return occurred.Add(time.Duration(r.TriggerDelay) * time.Second).UTC(), nil
	}
	spec, _ := CronSpec(r.Schedule)
	sched, err := s.schedule(spec)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(occurred.In(s.loc)).UTC(), nil
}

func (s *Scheduler) schedule(spec string) (cron.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sched, ok := s.cache[spec]; ok {
		return sched, nil
	}
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidDefinition, "schedule %q: %s", spec, err.Error())
	}
	s.cache[spec] = sched
	return sched, nil
}
