package schema

import "time"

// TriggerType is the event kind a notification rule listens for.
type TriggerType string

const (
	TriggerCreated       TriggerType = "created"
	TriggerUpdated       TriggerType = "updated"
	TriggerDeleted       TriggerType = "deleted"
	TriggerStatusChanged TriggerType = "status_changed"
	TriggerFieldChanged  TriggerType = "field_changed"
	// TriggerScheduled fires on the rule's calendar schedule for every live
	// entity of the type rather than on an event.
	TriggerScheduled TriggerType = "scheduled"
)

// ChannelType enumerates outbound notification channels.
type ChannelType string

const (
	ChannelEmail   ChannelType = "email"
	ChannelSMS     ChannelType = "sms"
	ChannelInApp   ChannelType = "in_app"
	ChannelWebhook ChannelType = "webhook"
)

// NotificationChannel is one channel a rule delivers on. Channel templates
// override the rule's subject/body when set.
type NotificationChannel struct {
	Type          ChannelType `json:"type"`
	EmailSubject  string      `json:"email_subject,omitempty"`
	EmailTemplate string      `json:"email_template,omitempty"`
	SMSTemplate   string      `json:"sms_template,omitempty"`
	WebhookURL    string      `json:"webhook_url,omitempty"`
}

// RecipientType selects how a recipient is resolved.
type RecipientType string

const (
	RecipientUser  RecipientType = "user"
	RecipientRole  RecipientType = "role"
	RecipientField RecipientType = "field"
	RecipientEmail RecipientType = "email"
)

// Recipient is an unresolved recipient reference.
type Recipient struct {
	Type  RecipientType `json:"type"`
	Value string        `json:"value"` // user id, role name, field key, or literal address
}

// ScheduleType selects when scheduled notifications are sent.
type ScheduleType string

const (
	ScheduleImmediate ScheduleType = "immediate"
	ScheduleDaily     ScheduleType = "daily"
	ScheduleWeekly    ScheduleType = "weekly"
	ScheduleMonthly   ScheduleType = "monthly"
)

// NotificationSchedule defers sends to a calendar slot.
type NotificationSchedule struct {
	Type       ScheduleType `json:"type"`
	Time       string       `json:"time,omitempty"`         // HH:MM
	DayOfWeek  *int         `json:"day_of_week,omitempty"`  // 0 = Sunday
	DayOfMonth *int         `json:"day_of_month,omitempty"` // 1-31
}

// IsImmediate reports whether the schedule imposes no calendar slot.
func (s *NotificationSchedule) IsImmediate() bool {
	return s == nil || s.Type == "" || s.Type == ScheduleImmediate
}

// NotificationRule turns matching entity events into dispatch jobs.
type NotificationRule struct {
	ID                string                `json:"id"`
	TenantID          string                `json:"tenant_id"`
	EntityType        string                `json:"entity_type"`
	Name              string                `json:"name"`
	Description       string                `json:"description,omitempty"`
	TriggerType       TriggerType           `json:"trigger_type"`
	TriggerConditions []ConditionalRule     `json:"trigger_conditions,omitempty"`
	TriggerDelay      int                   `json:"trigger_delay,omitempty"` // seconds
	Channels          []NotificationChannel `json:"channels"`
	TemplateSubject   string                `json:"template_subject,omitempty"`
	TemplateBody      string                `json:"template_body"`
	Recipients        []Recipient           `json:"recipients"`
	Schedule          *NotificationSchedule `json:"schedule,omitempty"`
	IsActive          bool                  `json:"is_active"`
	CreatedAt         time.Time             `json:"created_at"`
	UpdatedAt         time.Time             `json:"updated_at"`
}

// DispatchStatus is the lifecycle state of a dispatch job.
type DispatchStatus string

const (
	DispatchPending   DispatchStatus = "pending"
	DispatchSending   DispatchStatus = "sending"
	DispatchSent      DispatchStatus = "sent"
	DispatchRetrying  DispatchStatus = "retrying"
	DispatchFailed    DispatchStatus = "failed"
	DispatchCancelled DispatchStatus = "cancelled"
)

// DispatchJob is one rendered message to one recipient on one channel.
type DispatchJob struct {
	ID            string         `json:"id"`
	TenantID      string         `json:"tenant_id"`
	RuleID        string         `json:"rule_id,omitempty"`
	EntityType    string         `json:"entity_type"`
	EntityID      string         `json:"entity_id"`
	EventID       string         `json:"event_id"`
	DedupeKey     string         `json:"dedupe_key"`
	Channel       ChannelType    `json:"channel"`
	Recipient     string         `json:"recipient"`
	Subject       string         `json:"subject,omitempty"`
	Body          string         `json:"body"`
	Status        DispatchStatus `json:"status"`
	Attempts      int            `json:"attempts"`
	MaxAttempts   int            `json:"max_attempts"`
	DueAt         time.Time      `json:"due_at"`
	NextAttemptAt time.Time      `json:"next_attempt_at"`
	LastError     string         `json:"last_error,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	SentAt        *time.Time     `json:"sent_at,omitempty"`
	// ClaimedUntil is the send lease of a job in sending. Once it passes,
	// the job is due again.
	ClaimedUntil *time.Time `json:"claimed_until,omitempty"`
}

// Delivery records a successful send for a dedupe key.
type Delivery struct {
	TenantID    string      `json:"tenant_id"`
	DedupeKey   string      `json:"dedupe_key"`
	JobID       string      `json:"job_id"`
	Channel     ChannelType `json:"channel"`
	Recipient   string      `json:"recipient"`
	DeliveredAt time.Time   `json:"delivered_at"`
}
