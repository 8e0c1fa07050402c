package store

import (
	"time"

	"github.com/rendis/entityflow/pkg/schema"
)

// EntityKey identifies one entity instance within a tenant.
type EntityKey struct {
	TenantID   string `json:"tenant_id"`
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
}

// RuleFilter selects notification rules.
type RuleFilter struct {
	TenantID   string
	EntityType string
	ActiveOnly bool
}

// EntityFilter selects entity states. Deleted entities are skipped unless
// IncludeDeleted is set.
type EntityFilter struct {
	TenantID       string
	EntityType     string
	IncludeDeleted bool
	Limit          int
}

// JobFilter selects dispatch jobs. Zero fields do not filter.
type JobFilter struct {
	TenantID   string
	RuleID     string
	EntityType string
	EntityID   string
	Statuses   []schema.DispatchStatus
	Limit      int
}

// JobUpdate holds the mutable fields of a dispatch job. Nil fields are left unchanged.
type JobUpdate struct {
	Status        *schema.DispatchStatus
	NextAttemptAt *time.Time
	LastError     *string
	SentAt        *time.Time
	MaxAttempts   *int
}

// AuditFilter selects audit entries. Zero fields do not filter.
type AuditFilter struct {
	TenantID   string
	EntityType string
	EntityID   string
	Kind       schema.AuditKind
	Limit      int
}

// ApprovalFilter selects approvals recorded for a transition while the
// entity was in a given state.
type ApprovalFilter struct {
	Key          EntityKey
	TransitionID string
	State        string
}

// cancellable lists the statuses a cancellation may move to cancelled.
var cancellable = []schema.DispatchStatus{schema.DispatchPending, schema.DispatchRetrying}
