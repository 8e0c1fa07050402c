package notify

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/entityflow/pkg/schema"
)

func intPtr(v int) *int { return &v }

func TestCronSpec(t *testing.T) {
	tests := []struct {
		name  string
		sched *schema.NotificationSchedule
		want  string
		code  string
	}{
		{"nil", nil, "", ""},
		{"immediate", &schema.NotificationSchedule{Type: schema.ScheduleImmediate}, "", ""},
		{"daily default time", &schema.NotificationSchedule{Type: schema.ScheduleDaily}, "0 9 * * *", ""},
		{"daily", &schema.NotificationSchedule{Type: schema.ScheduleDaily, Time: "17:30"}, "30 17 * * *", ""},
		{"weekly", &schema.NotificationSchedule{Type: schema.ScheduleWeekly, Time: "08:05", DayOfWeek: intPtr(1)}, "5 8 * * 1", ""},
		{"monthly", &schema.NotificationSchedule{Type: schema.ScheduleMonthly, Time: "00:00", DayOfMonth: intPtr(15)}, "0 0 15 * *", ""},
		{"weekly missing day", &schema.NotificationSchedule{Type: schema.ScheduleWeekly}, "", schema.ErrCodeInvalidDefinition},
		{"monthly bad day", &schema.NotificationSchedule{Type: schema.ScheduleMonthly, DayOfMonth: intPtr(32)}, "", schema.ErrCodeInvalidDefinition},
		{"bad time", &schema.NotificationSchedule{Type: schema.ScheduleDaily, Time: "25:00"}, "", schema.ErrCodeInvalidDefinition},
		{"unknown", &schema.NotificationSchedule{Type: "hourly"}, "", schema.ErrCodeInvalidDefinition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CronSpec(tt.sched)
			if tt.code != "" {
				assert.True(t, schema.HasCode(err, tt.code), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidateTiming(t *testing.T) {
	daily := &schema.NotificationSchedule{Type: schema.ScheduleDaily}

	assert.NoError(t, ValidateTiming(&schema.NotificationRule{TriggerDelay: 60}))
	assert.NoError(t, ValidateTiming(&schema.NotificationRule{Schedule: daily}))

	err := ValidateTiming(&schema.NotificationRule{ID: "r1", TriggerDelay: 60, Schedule: daily})
	assert.True(t, schema.HasCode(err, schema.ErrCodeAmbiguousConfiguration))

	err = ValidateTiming(&schema.NotificationRule{ID: "r1", TriggerDelay: -1})
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidDefinition))

	err = ValidateTiming(&schema.NotificationRule{ID: "r1", TriggerType: schema.TriggerScheduled})
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidDefinition), "scheduled trigger needs a schedule")
	assert.NoError(t, ValidateTiming(&schema.NotificationRule{TriggerType: schema.TriggerScheduled, Schedule: daily}))
}

func TestScheduler_DueAt(t *testing.T) {
	occurred := time.Date(2026, 3, 4, 10, 15, 0, 0, time.UTC) // Wednesday
	s := NewScheduler(nil)

	due, err := s.DueAt(&schema.NotificationRule{}, occurred)
	require.NoError(t, err)
	assert.Equal(t, occurred, due)

	due, err = s.DueAt(&schema.NotificationRule{TriggerDelay: 90}, occurred)
	require.NoError(t, err)
	assert.Equal(t, occurred.Add(90*time.Second), due)

	due, err = s.DueAt(&schema.NotificationRule{Schedule: &schema.NotificationSchedule{Type: schema.ScheduleDaily}}, occurred)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC), due)

	due, err = s.DueAt(&schema.NotificationRule{Schedule: &schema.NotificationSchedule{
		Type: schema.ScheduleWeekly, Time: "12:00", DayOfWeek: intPtr(3),
	}}, occurred)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC), due)

	due, err = s.DueAt(&schema.NotificationRule{Schedule: &schema.NotificationSchedule{
		Type: schema.ScheduleMonthly, DayOfMonth: intPtr(1),
	}}, occurred)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC), due)
}

func TestScheduler_Location(t *testing.T) {
	loc := time.FixedZone("UTC-5", -5*3600)
	s := NewScheduler(loc)
	occurred := time.Date(2026, 3, 4, 20, 0, 0, 0, time.UTC) // 15:00 local

	due, err := s.DueAt(&schema.NotificationRule{Schedule: &schema.NotificationSchedule{Type: schema.ScheduleDaily}}, occurred)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 5, 14, 0, 0, 0, time.UTC), due)
	assert.Equal(t, time.UTC, due.Location())
}
