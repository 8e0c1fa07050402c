package store

import (
	"context"
	"time"

	"github.com/rendis/entityflow/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use, and every query is
// scoped by tenant.
type Store interface {
	// Definitions
	SaveField(ctx context.Context, f *schema.DynamicField) error
	ListFields(ctx context.Context, tenantID, entityType string, includeInactive bool) ([]schema.DynamicField, error)
	SaveWorkflow(ctx context.Context, wf *schema.Workflow) error
	GetWorkflow(ctx context.Context, tenantID, id string) (*schema.Workflow, error)
	ActiveWorkflow(ctx context.Context, tenantID, entityType string) (*schema.Workflow, error)
	ListWorkflows(ctx context.Context, tenantID, entityType string) ([]schema.Workflow, error)
	SaveRule(ctx context.Context, r *schema.NotificationRule) error
	GetRule(ctx context.Context, tenantID, id string) (*schema.NotificationRule, error)
	ListRules(ctx context.Context, filter RuleFilter) ([]schema.NotificationRule, error)
	SetRuleActive(ctx context.Context, tenantID, id string, active bool) error

	// Entity reads
	GetEntityState(ctx context.Context, key EntityKey) (*schema.EntityState, error)
	ListEntities(ctx context.Context, filter EntityFilter) ([]schema.EntityState, error)
	ListFieldValues(ctx context.Context, key EntityKey) ([]schema.DynamicFieldValue, error)
	ListHistory(ctx context.Context, key EntityKey) ([]schema.HistoryEntry, error)
	ListApprovals(ctx context.Context, filter ApprovalFilter) ([]schema.Approval, error)
	AddApproval(ctx context.Context, a *schema.Approval) error

	// Atomic entity mutations
	WithinTx(ctx context.Context, fn func(tx Tx) error) error

	// Outbox
	ClaimOutbox(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]schema.OutboxRecord, error)
	MarkOutboxProcessed(ctx context.Context, id string, at time.Time) error

	// Dispatch jobs
	CreateDispatchJobs(ctx context.Context, jobs []*schema.DispatchJob) (int, error)
	GetDispatchJob(ctx context.Context, tenantID, id string) (*schema.DispatchJob, error)
	ListDispatchJobs(ctx context.Context, filter JobFilter) ([]schema.DispatchJob, error)
	DueDispatchJobs(ctx context.Context, now time.Time, limit int) ([]schema.DispatchJob, error)
	ClaimDispatchJob(ctx context.Context, id string, from schema.DispatchStatus, now time.Time, lease time.Duration) (bool, error)
	UpdateDispatchJob(ctx context.Context, id string, update JobUpdate, now time.Time) error
	CancelDispatchJobs(ctx context.Context, filter JobFilter, now time.Time) (int, error)

	// Deliveries
	RecordDelivery(ctx context.Context, d *schema.Delivery) error
	GetDelivery(ctx context.Context, tenantID, dedupeKey string) (*schema.Delivery, error)

	// Audit
	AppendAudit(ctx context.Context, e *schema.AuditEntry) error
	ListAudit(ctx context.Context, filter AuditFilter) ([]schema.AuditEntry, error)

	// Secrets
	StoreSecret(ctx context.Context, tenantID, key string, value []byte) error
	GetSecret(ctx context.Context, tenantID, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, tenantID, key string) error
	ListSecrets(ctx context.Context, tenantID string) ([]string, error)

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Tx is the set of writes that commit atomically with an entity state change.
type Tx interface {
	CreateEntityState(ctx context.Context, st *schema.EntityState) error
	// CompareAndSwapState moves the entity to newState if its version still
	// equals expected, returning the new version. A stale version yields
	// CONCURRENT_MODIFICATION.
	CompareAndSwapState(ctx context.Context, key EntityKey, expected int64, newState string, deleted bool, now time.Time) (int64, error)
	UpsertFieldValues(ctx context.Context, values []schema.DynamicFieldValue) error
	// AppendHistory assigns the next contiguous per-entity sequence.
	AppendHistory(ctx context.Context, h *schema.HistoryEntry) error
	EnqueueOutbox(ctx context.Context, r *schema.OutboxRecord) error
	AppendAudit(ctx context.Context, e *schema.AuditEntry) error
	ClearApprovals(ctx context.Context, key EntityKey) error
}
