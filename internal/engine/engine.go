// Package engine implements the per-tenant entity workflow state machine:
// entity creation, validated field writes, the transition protocol,
// approvals and inbound event intake.
package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/entityflow/internal/actions"
	"github.com/rendis/entityflow/internal/audit"
	"github.com/rendis/entityflow/internal/conditions"
	"github.com/rendis/entityflow/internal/fields"
	"github.com/rendis/entityflow/internal/identity"
	"github.com/rendis/entityflow/internal/logging"
	"github.com/rendis/entityflow/internal/metrics"
	"github.com/rendis/entityflow/internal/store"
	"github.com/rendis/entityflow/internal/streaming"
	"github.com/rendis/entityflow/internal/tracing"
	"github.com/rendis/entityflow/pkg/schema"
)

// JobCanceller cancels undelivered notification jobs of a deleted entity.
// Satisfied by notify.Dispatcher.
type JobCanceller interface {
	CancelForEntity(ctx context.Context, key store.EntityKey) (int, error)
}

// Options configures an Engine. Store, Validator, Evaluator and Actions are required.
type Options struct {
	Store     store.Store
	Validator *fields.Validator
	Evaluator *conditions.Evaluator
	Roles     conditions.RoleChecker
	Actions   *actions.Executor
	Audit     *audit.Recorder
	Directory identity.Directory
	Hub       streaming.EventHub
	Canceller JobCanceller
	Metrics   *metrics.Metrics
	Tracer    *tracing.Tracer
	Logger    *slog.Logger
	Now       func() time.Time
	// SystemWriteRetries bounds retries of system field writes that lose a
	// version race. Defaults to 3.
	SystemWriteRetries int
}

// Engine is the entry point for entity mutations. Safe for concurrent use.
type Engine struct {
	store     store.Store
	validator *fields.Validator
	evaluator *conditions.Evaluator
	roles     conditions.RoleChecker
	actions   *actions.Executor
	audit     *audit.Recorder
	directory identity.Directory
	hub       streaming.EventHub
	canceller JobCanceller
	metrics   *metrics.Metrics
	tracer    *tracing.Tracer
	logger    *slog.Logger
	now       func() time.Time
	retries   int
}

// New creates an Engine.
func New(opts Options) (*Engine, error) {
	switch {
	case opts.Store == nil:
		return nil, schema.NewError(schema.ErrCodeInvalidDefinition, "engine: store is required")
	case opts.Validator == nil:
		return nil, schema.NewError(schema.ErrCodeInvalidDefinition, "engine: validator is required")
	case opts.Evaluator == nil:
		return nil, schema.NewError(schema.ErrCodeInvalidDefinition, "engine: evaluator is required")
	case opts.Actions == nil:
		return nil, schema.NewError(schema.ErrCodeInvalidDefinition, "engine: action executor is required")
	}
	logger := logging.OrDiscard(opts.Logger)
	e := &Engine{
		store:     opts.Store,
		validator: opts.Validator,
		evaluator: opts.Evaluator,
		roles:     opts.Roles,
		actions:   opts.Actions,
		audit:     opts.Audit,
		directory: opts.Directory,
		hub:       opts.Hub,
		canceller: opts.Canceller,
		metrics:   opts.Metrics,
		tracer:    opts.Tracer,
		logger:    logger.With("component", "engine"),
		now:       opts.Now,
		retries:   opts.SystemWriteRetries,
	}
	if e.audit == nil {
		e.audit = audit.NewRecorder(opts.Store, logger)
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	if e.retries <= 0 {
		e.retries = 3
	}
	return e, nil
}

// Actor identifies who requests a change.
type Actor struct {
	ID     string `json:"id"`
	Role   string `json:"role"`
	System bool   `json:"system,omitempty"`
}

// SystemActor returns the actor used for engine-initiated writes.
func SystemActor() Actor {
	return Actor{ID: identity.SystemActor, Role: identity.SystemActor, System: true}
}

// Entity is a snapshot of one entity.
type Entity struct {
	State  schema.EntityState `json:"state"`
	Values map[string]any     `json:"values"`
}

// resolveActor checks a human actor belongs to the tenant and fills in a
// missing role from the directory.
func (e *Engine) resolveActor(ctx context.Context, tenantID string, a Actor) (Actor, error) {
	if a.System || e.directory == nil || a.ID == "" {
		return a, nil
	}
	u, err := e.directory.User(ctx, tenantID, a.ID)
	if err != nil {
		if schema.HasCode(err, schema.ErrCodeNotFound) {
			return a, schema.NewErrorf(schema.ErrCodeTenantMismatch, "actor %q is not a member of tenant %q", a.ID, tenantID)
		}
		return a, err
	}
	if u.Inactive {
		return a, schema.NewErrorf(schema.ErrCodePermissionDenied, "actor %q is inactive", a.ID)
	}
	if a.Role == "" && len(u.Roles) > 0 {
		a.Role = u.Roles[0]
	}
	return a, nil
}

func validateKey(key store.EntityKey) error {
	if key.TenantID == "" || key.EntityType == "" || key.EntityID == "" {
		return schema.NewError(schema.ErrCodeValidation, "tenant_id, entity_type and entity_id are required")
	}
	return nil
}

// liveState loads the entity state and rejects soft-deleted entities.
func (e *Engine) liveState(ctx context.Context, key store.EntityKey) (*schema.EntityState, error) {
	st, err := e.store.GetEntityState(ctx, key)
	if err != nil {
		return nil, err
	}
	if st.Deleted {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "entity %s/%s is deleted", key.EntityType, key.EntityID)
	}
	return st, nil
}

func (e *Engine) currentValues(ctx context.Context, key store.EntityKey) (map[string]any, error) {
	vals, err := e.store.ListFieldValues(ctx, key)
	if err != nil {
		return nil, err
	}
	return schema.ValuesMap(vals), nil
}

// GetEntity returns the entity state and values. A non-empty role projects
// the values to the fields that role may view.
func (e *Engine) GetEntity(ctx context.Context, key store.EntityKey, role string) (*Entity, error) {
	st, err := e.liveState(ctx, key)
	if err != nil {
		return nil, err
	}
	values, err := e.currentValues(ctx, key)
	if err != nil {
		return nil, err
	}
	if role != "" {
		defs, err := e.validator.Fields(ctx, key.TenantID, key.EntityType)
		if err != nil {
			return nil, err
		}
		values = e.validator.Project(key.TenantID, role, defs, values)
	}
	return &Entity{State: *st, Values: values}, nil
}

// History lists the entity's history in sequence order.
func (e *Engine) History(ctx context.Context, key store.EntityKey) ([]schema.HistoryEntry, error) {
	return e.audit.History(ctx, key)
}

// VerifyHistory checks the entity's history against its current state.
func (e *Engine) VerifyHistory(ctx context.Context, key store.EntityKey) (*audit.Report, error) {
	return e.audit.Verify(ctx, key)
}

// snapshot returns values with the workflow state under the status key.
func snapshot(values map[string]any, state string) map[string]any {
	out := make(map[string]any, len(values)+1)
	maps.Copy(out, values)
	if state != "" {
		out[schema.StatusKey] = state
	}
	return out
}

// outboxEvent serializes ev into an event outbox record.
func outboxEvent(ev *schema.Event) (*schema.OutboxRecord, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "marshal outbox event").WithCause(err)
	}
	return &schema.OutboxRecord{
		ID:        uuid.NewString(),
		TenantID:  ev.TenantID,
		Kind:      schema.OutboxEvent,
		Payload:   payload,
		CreatedAt: ev.OccurredAt,
	}, nil
}

func (e *Engine) publish(ctx context.Context, eventType string, key store.EntityKey, payload any) {
	if e.hub == nil {
		return
	}
	err := e.hub.Publish(ctx, streaming.StreamEvent{
		TenantID:   key.TenantID,
		EntityType: key.EntityType,
		EntityID:   key.EntityID,
		EventType:  eventType,
		Payload:    payload,
		At:         e.now(),
	})
	if err != nil {
		logging.LogWith(ctx, e.logger).Debug("stream publish failed", "event_type", eventType, "error", err)
	}
}

// recordDegraded audits failed action outcomes and publishes them.
func (e *Engine) recordDegraded(ctx context.Context, dst audit.Appender, key store.EntityKey, refID string, outcomes []actions.Outcome) error {
	failed := actions.Degraded(outcomes)
	if len(failed) == 0 {
		return nil
	}
	entries := make([]audit.Degraded, 0, len(failed))
	for _, o := range failed {
		entries = append(entries, audit.Degraded{
			Phase:    string(o.Phase),
			Index:    o.Index,
			Type:     string(o.Type),
			Code:     o.Code,
			Error:    o.Error,
			Duration: o.Duration.Milliseconds(),
		})
	}
	return e.audit.RecordDegraded(ctx, dst, key, refID, entries)
}

// afterCommitDegraded audits post-commit failures; audit errors are logged
// because the commit already happened.
func (e *Engine) afterCommitDegraded(ctx context.Context, key store.EntityKey, refID string, outcomes []actions.Outcome) {
	if err := e.recordDegraded(ctx, nil, key, refID, outcomes); err != nil {
		logging.LogWith(ctx, e.logger).Error("audit degraded actions", "error", err)
	}
	e.publishDegraded(ctx, key, outcomes)
}

func (e *Engine) publishDegraded(ctx context.Context, key store.EntityKey, outcomes []actions.Outcome) {
	for _, o := range actions.Degraded(outcomes) {
		e.publish(ctx, streaming.EventActionDegraded, key, o.Describe())
	}
}
