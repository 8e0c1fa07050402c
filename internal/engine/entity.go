package engine

import (
	"context"
	"maps"
	"slices"

	"github.com/google/uuid"

	"github.com/rendis/entityflow/internal/actions"
	"github.com/rendis/entityflow/internal/fields"
	"github.com/rendis/entityflow/internal/logging"
	"github.com/rendis/entityflow/internal/store"
	"github.com/rendis/entityflow/internal/streaming"
	"github.com/rendis/entityflow/pkg/schema"
)

// CreateRequest creates an entity in its workflow's initial state.
type CreateRequest struct {
	Key     store.EntityKey `json:"key"`
	Actor   Actor           `json:"actor"`
	Values  map[string]any  `json:"values,omitempty"`
	EventID string          `json:"event_id,omitempty"`
}

// CreateResult is the committed creation.
type CreateResult struct {
	State  schema.EntityState `json:"state"`
	Values map[string]any     `json:"values"`
	// History is nil when the entity type has no active workflow.
	History  *schema.HistoryEntry `json:"history,omitempty"`
	EventID  string               `json:"event_id"`
	Outcomes []actions.Outcome    `json:"outcomes,omitempty"`
	Degraded []actions.Outcome    `json:"degraded,omitempty"`
}

// CreateEntity validates the initial values, assigns the initial state, and
// commits the values, the creation history entry and a created event together.
// The initial state's entry actions run after the commit. Without an active
// workflow the entity is created stateless: no history entry, but the created
// event is still emitted so notification rules see it.
func (e *Engine) CreateEntity(ctx context.Context, req CreateRequest) (res *CreateResult, err error) {
	key := req.Key
	if err := validateKey(key); err != nil {
		return nil, err
	}
	ctx = logging.WithEntity(ctx, key.TenantID, key.EntityID)
	ctx, span := e.tracer.Start(ctx, "entity.create", map[string]string{
		"tenant_id": key.TenantID, "entity_type": key.EntityType, "entity_id": key.EntityID,
	})
	defer func() { span.End(err) }()

	actor, err := e.resolveActor(ctx, key.TenantID, req.Actor)
	if err != nil {
		return nil, err
	}
	wf, err := e.store.ActiveWorkflow(ctx, key.TenantID, key.EntityType)
	switch {
	case schema.HasCode(err, schema.ErrCodeNoWorkflowConfigured):
		wf = nil
	case err != nil:
		return nil, err
	}

	vr, err := e.validator.Validate(ctx, fields.Submission{
		TenantID:   key.TenantID,
		EntityType: key.EntityType,
		EntityID:   key.EntityID,
		ActorRole:  actor.Role,
		Values:     withoutStatus(req.Values),
		System:     actor.System,
	})
	if err != nil {
		return nil, err
	}
	if !vr.Valid() {
		e.metrics.ObserveValidation(key.EntityType, vr.Failures)
		return nil, vr.Err()
	}

	now := e.now()
	st := schema.EntityState{
		TenantID:   key.TenantID,
		EntityType: key.EntityType,
		EntityID:   key.EntityID,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	var hist *schema.HistoryEntry
	if wf != nil {
		st.WorkflowID, st.CurrentState = wf.ID, wf.InitialState
		hist = &schema.HistoryEntry{
			ID:             uuid.NewString(),
			TenantID:       key.TenantID,
			WorkflowID:     wf.ID,
			EntityType:     key.EntityType,
			EntityID:       key.EntityID,
			ToState:        wf.InitialState,
			TransitionName: "created",
			PerformedBy:    actor.ID,
			PerformedAt:    now,
		}
	}
	ev := &schema.Event{
		ID:         req.EventID,
		TenantID:   key.TenantID,
		EntityType: key.EntityType,
		EntityID:   key.EntityID,
		Kind:       schema.EventCreated,
		ActorID:    actor.ID,
		ActorRole:  actor.Role,
		After:      snapshot(vr.Typed, st.CurrentState),
		System:     actor.System,
		OccurredAt: now,
	}
	rec, err := outboxEvent(ev)
	if err != nil {
		return nil, err
	}

	err = e.store.WithinTx(ctx, func(tx store.Tx) error {
		if err := tx.CreateEntityState(ctx, &st); err != nil {
			return err
		}
		if err := tx.UpsertFieldValues(ctx, vr.Values); err != nil {
			return err
		}
		if hist != nil {
			if err := e.audit.AppendHistory(ctx, tx, hist); err != nil {
				return err
			}
		}
		return tx.EnqueueOutbox(ctx, rec)
	})
	if err != nil {
		return nil, err
	}
	logging.LogWith(ctx, e.logger).Info("entity created", "state", st.CurrentState, "workflow_id", st.WorkflowID)
	e.publish(ctx, streaming.EventEntityCreated, key, map[string]any{"state": st.CurrentState, "event_id": ev.ID})

	res = &CreateResult{State: st, Values: vr.Typed, History: hist, EventID: ev.ID}
	if wf == nil {
		return res, nil
	}
	if initial, ok := wf.State(wf.InitialState); ok && len(initial.OnEnter) > 0 {
		res.Outcomes = e.actions.Run(ctx, actions.PhaseOnEnter, actions.Input{
			TenantID:   key.TenantID,
			EntityType: key.EntityType,
			EntityID:   key.EntityID,
			WorkflowID: wf.ID,
			ToState:    wf.InitialState,
			ActorID:    actor.ID,
			ActorRole:  actor.Role,
			EventID:    ev.ID,
			Values:     vr.Typed,
		}, initial.OnEnter)
		res.Degraded = actions.Degraded(res.Outcomes)
		e.afterCommitDegraded(ctx, key, hist.ID, res.Outcomes)
	}
	return res, nil
}

// UpdateRequest writes field values of an existing entity.
type UpdateRequest struct {
	Key     store.EntityKey `json:"key"`
	Actor   Actor           `json:"actor"`
	Values  map[string]any  `json:"values"`
	EventID string          `json:"event_id,omitempty"`
	// Cause is recorded on system writes (e.g. the action that issued them).
	Cause string `json:"cause,omitempty"`
}

// UpdateResult is the committed field write.
type UpdateResult struct {
	Version int64          `json:"version"`
	Values  map[string]any `json:"values"`
	Changed []string       `json:"changed"`
	EventID string         `json:"event_id,omitempty"`
}

// UpdateFields validates and writes field values. The write and its updated
// event commit together under the entity's version check. Submitting values
// equal to the stored ones is a no-op that emits no event.
func (e *Engine) UpdateFields(ctx context.Context, req UpdateRequest) (*UpdateResult, error) {
	key := req.Key
	if err := validateKey(key); err != nil {
		return nil, err
	}
	ctx = logging.WithEntity(ctx, key.TenantID, key.EntityID)

	actor, err := e.resolveActor(ctx, key.TenantID, req.Actor)
	if err != nil {
		return nil, err
	}
	st, err := e.liveState(ctx, key)
	if err != nil {
		return nil, err
	}
	current, err := e.currentValues(ctx, key)
	if err != nil {
		return nil, err
	}
	w, err := e.prepareWrite(ctx, st, actor, current, req.Values, req.EventID, req.Cause)
	if err != nil {
		return nil, err
	}
	if !w.changes() {
		return &UpdateResult{Version: st.Version, Values: w.typed}, nil
	}

	var version int64
	err = e.store.WithinTx(ctx, func(tx store.Tx) error {
		v, err := tx.CompareAndSwapState(ctx, key, st.Version, st.CurrentState, false, w.event.OccurredAt)
		if err != nil {
			return err
		}
		version = v
		return w.commit(ctx, tx)
	})
	if err != nil {
		return nil, err
	}
	e.afterWrite(ctx, key, w, version)
	return w.result(version), nil
}

// fieldWrite is a validated field write waiting for its commit.
type fieldWrite struct {
	values  []schema.DynamicFieldValue
	typed   map[string]any
	changed []string
	event   *schema.Event
	rec     *schema.OutboxRecord
}

func (w *fieldWrite) changes() bool { return len(w.changed) > 0 }

// commit writes the values and the updated event. The caller owns the
// version check.
func (w *fieldWrite) commit(ctx context.Context, tx store.Tx) error {
	if !w.changes() {
		return nil
	}
	if err := tx.UpsertFieldValues(ctx, w.values); err != nil {
		return err
	}
	return tx.EnqueueOutbox(ctx, w.rec)
}

func (w *fieldWrite) result(version int64) *UpdateResult {
	res := &UpdateResult{Version: version, Values: w.typed, Changed: w.changed}
	if w.changes() {
		res.EventID = w.event.ID
	}
	return res
}

// prepareWrite checks edit rights and validates values against current
// without writing anything. The result carries the merged values.
func (e *Engine) prepareWrite(ctx context.Context, st *schema.EntityState, actor Actor, current, values map[string]any, eventID, cause string) (*fieldWrite, error) {
	if !actor.System {
		if err := e.checkStateEdit(ctx, st, actor); err != nil {
			return nil, err
		}
	}
	vr, err := e.validator.Validate(ctx, fields.Submission{
		TenantID:   st.TenantID,
		EntityType: st.EntityType,
		EntityID:   st.EntityID,
		ActorRole:  actor.Role,
		Values:     withoutStatus(values),
		Current:    current,
		System:     actor.System,
	})
	if err != nil {
		return nil, err
	}
	if !vr.Valid() {
		e.metrics.ObserveValidation(st.EntityType, vr.Failures)
		return nil, vr.Err()
	}

	ev := &schema.Event{
		ID:         eventID,
		TenantID:   st.TenantID,
		EntityType: st.EntityType,
		EntityID:   st.EntityID,
		Kind:       schema.EventUpdated,
		ActorID:    actor.ID,
		ActorRole:  actor.Role,
		Before:     snapshot(current, st.CurrentState),
		After:      snapshot(vr.Typed, st.CurrentState),
		Comment:    cause,
		System:     actor.System,
		OccurredAt: e.now(),
	}
	w := &fieldWrite{values: vr.Values, typed: vr.Typed, event: ev}
	w.changed = ev.ChangedKeys()
	slices.Sort(w.changed)
	if !w.changes() {
		return w, nil
	}
	if w.rec, err = outboxEvent(ev); err != nil {
		return nil, err
	}
	return w, nil
}

func (e *Engine) afterWrite(ctx context.Context, key store.EntityKey, w *fieldWrite, version int64) {
	if !w.changes() {
		return
	}
	logging.LogWith(ctx, e.logger).Debug("fields updated", "changed", w.changed, "version", version)
	e.publish(ctx, streaming.EventEntityUpdated, key, map[string]any{"changed": w.changed, "event_id": w.event.ID})
}

// checkStateEdit enforces the current state's canEdit list.
func (e *Engine) checkStateEdit(ctx context.Context, st *schema.EntityState, actor Actor) error {
	wf, err := e.store.GetWorkflow(ctx, st.TenantID, st.WorkflowID)
	if err != nil {
		if schema.HasCode(err, schema.ErrCodeNotFound) {
			return nil
		}
		return err
	}
	ws, ok := wf.State(st.CurrentState)
	if !ok || e.roleAllowed(st.TenantID, actor.Role, ws.CanEdit) {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodePermissionDenied,
		"role %q cannot edit fields in state %q", actor.Role, st.CurrentState)
}

// WriteSystemFields applies a validated system write, retrying when a
// concurrent change bumps the entity version. Used by update_field actions.
func (e *Engine) WriteSystemFields(ctx context.Context, tenantID, entityType, entityID string, values map[string]any, cause string) error {
	req := UpdateRequest{
		Key:    store.EntityKey{TenantID: tenantID, EntityType: entityType, EntityID: entityID},
		Actor:  SystemActor(),
		Values: values,
		Cause:  cause,
	}
	var err error
	for range e.retries {
		if _, err = e.UpdateFields(ctx, req); !schema.HasCode(err, schema.ErrCodeConcurrentModification) {
			return err
		}
	}
	return err
}

// DeleteRequest soft-deletes an entity.
type DeleteRequest struct {
	Key     store.EntityKey `json:"key"`
	Actor   Actor           `json:"actor"`
	EventID string          `json:"event_id,omitempty"`
}

// DeleteResult is the committed soft delete.
type DeleteResult struct {
	EventID   string `json:"event_id"`
	Cancelled int    `json:"cancelled_jobs"`
}

// DeleteEntity soft-deletes the entity and emits a deleted event. Pending
// notification jobs for the entity are cancelled on a best-effort basis.
// Field values and history are kept.
func (e *Engine) DeleteEntity(ctx context.Context, req DeleteRequest) (*DeleteResult, error) {
	key := req.Key
	if err := validateKey(key); err != nil {
		return nil, err
	}
	ctx = logging.WithEntity(ctx, key.TenantID, key.EntityID)

	actor, err := e.resolveActor(ctx, key.TenantID, req.Actor)
	if err != nil {
		return nil, err
	}
	st, err := e.liveState(ctx, key)
	if err != nil {
		return nil, err
	}
	current, err := e.currentValues(ctx, key)
	if err != nil {
		return nil, err
	}
	ev := &schema.Event{
		ID:         req.EventID,
		TenantID:   key.TenantID,
		EntityType: key.EntityType,
		EntityID:   key.EntityID,
		Kind:       schema.EventDeleted,
		ActorID:    actor.ID,
		ActorRole:  actor.Role,
		Before:     snapshot(current, st.CurrentState),
		System:     actor.System,
		OccurredAt: e.now(),
	}
	rec, err := outboxEvent(ev)
	if err != nil {
		return nil, err
	}
	err = e.store.WithinTx(ctx, func(tx store.Tx) error {
		if _, err := tx.CompareAndSwapState(ctx, key, st.Version, st.CurrentState, true, ev.OccurredAt); err != nil {
			return err
		}
		return tx.EnqueueOutbox(ctx, rec)
	})
	if err != nil {
		return nil, err
	}
	res := &DeleteResult{EventID: ev.ID}
	logging.LogWith(ctx, e.logger).Info("entity deleted")
	e.publish(ctx, streaming.EventEntityDeleted, key, map[string]any{"event_id": ev.ID})

	n, err := e.cancelJobs(ctx, key)
	if err != nil {
		logging.LogWith(ctx, e.logger).Warn("cancel jobs of deleted entity", "error", err)
	}
	res.Cancelled = n
	return res, nil
}

func (e *Engine) cancelJobs(ctx context.Context, key store.EntityKey) (int, error) {
	if e.canceller != nil {
		return e.canceller.CancelForEntity(ctx, key)
	}
	return e.store.CancelDispatchJobs(ctx, store.JobFilter{
		TenantID: key.TenantID, EntityType: key.EntityType, EntityID: key.EntityID,
	}, e.now())
}

// withoutStatus drops the status key, which is not a field.
func withoutStatus(values map[string]any) map[string]any {
	if _, ok := values[schema.StatusKey]; !ok {
		return values
	}
	out := maps.Clone(values)
	delete(out, schema.StatusKey)
	return out
}
