package engine

import (
	"context"
	"maps"
	"slices"

	"github.com/google/uuid"

	"github.com/rendis/entityflow/internal/actions"
	"github.com/rendis/entityflow/internal/conditions"
	"github.com/rendis/entityflow/internal/logging"
	"github.com/rendis/entityflow/internal/store"
	"github.com/rendis/entityflow/internal/streaming"
	"github.com/rendis/entityflow/pkg/schema"
)

// TransitionRequest asks to move an entity, either by transition id or by
// target state.
type TransitionRequest struct {
	Key          store.EntityKey `json:"key"`
	TransitionID string          `json:"transition_id,omitempty"`
	ToState      string          `json:"to_state,omitempty"`
	Actor        Actor           `json:"actor"`
	Comment      string          `json:"comment,omitempty"`
	EventID      string          `json:"event_id,omitempty"`
	Metadata     map[string]any  `json:"metadata,omitempty"`
}

// TransitionResult is a committed transition. A non-empty Degraded marks a
// partial success: the state changed but some actions failed.
type TransitionResult struct {
	TransitionID   string              `json:"transition_id"`
	TransitionName string              `json:"transition_name"`
	FromState      string              `json:"from_state"`
	ToState        string              `json:"to_state"`
	Version        int64               `json:"version"`
	History        schema.HistoryEntry `json:"history"`
	EventID        string              `json:"event_id"`
	Ambiguous      []string            `json:"ambiguous,omitempty"`
	Outcomes       []actions.Outcome   `json:"outcomes,omitempty"`
	Degraded       []actions.Outcome   `json:"degraded,omitempty"`
}

// Availability is the eligibility of one transition for an actor.
type Availability struct {
	TransitionID string               `json:"transition_id"`
	Name         string               `json:"name"`
	Label        string               `json:"label,omitempty"`
	To           string               `json:"to"`
	Eligible     bool                 `json:"eligible"`
	Reason       string               `json:"reason,omitempty"`
	Failures     []conditions.Failure `json:"failures,omitempty"`

	RequireComment bool `json:"require_comment,omitempty"`
	index          int
	denied         bool
}

// Transition runs the transition protocol: select exactly one eligible
// transition, run the exit actions, commit the state change with its history
// entry and status_changed event, then run the entry and transition actions.
// Action failures never undo the commit.
//
// Notifications queued by exit actions commit with the state change and are
// dropped when it loses the version race. Other exit side effects are not
// rolled back: update_field writes are their own committed writes, and
// webhooks and tasks have already left the process.
func (e *Engine) Transition(ctx context.Context, req TransitionRequest) (*TransitionResult, error) {
	res, _, err := e.transition(ctx, req, nil)
	return res, err
}

// transition implements Transition. Non-empty changes are validated before
// anything runs and committed in the same transaction as the state change;
// conditions see the merged values.
func (e *Engine) transition(ctx context.Context, req TransitionRequest, changes map[string]any) (res *TransitionResult, upd *UpdateResult, err error) {
	key := req.Key
	if err := validateKey(key); err != nil {
		return nil, nil, err
	}
	ctx = logging.WithEntity(ctx, key.TenantID, key.EntityID)
	ctx, span := e.tracer.Start(ctx, "entity.transition", map[string]string{
		"tenant_id": key.TenantID, "entity_type": key.EntityType, "entity_id": key.EntityID,
		"transition_id": req.TransitionID, "to_state": req.ToState,
	})
	defer func() {
		e.metrics.ObserveTransition(key.EntityType, errorCode(err))
		span.End(err)
	}()

	actor, err := e.resolveActor(ctx, key.TenantID, req.Actor)
	if err != nil {
		return nil, nil, err
	}
	wf, err := e.store.ActiveWorkflow(ctx, key.TenantID, key.EntityType)
	if err != nil {
		return nil, nil, err
	}
	st, err := e.liveState(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	values, err := e.currentValues(ctx, key)
	if err != nil {
		return nil, nil, err
	}

	// The inbound event ID goes to the field write when there is one.
	eventID, writeID := req.EventID, req.EventID
	var write *fieldWrite
	if len(changes) > 0 {
		if write, err = e.prepareWrite(ctx, st, actor, values, changes, writeID, ""); err != nil {
			return nil, nil, err
		}
		values = write.typed
		if write.changes() {
			eventID = ""
		} else {
			writeID = ""
		}
	}
	if eventID == "" {
		eventID = uuid.NewString()
	}

	winner, ambiguous, err := e.selectTransition(ctx, wf, st, actor, values, req)
	if err != nil {
		return nil, nil, err
	}
	t := &wf.Transitions[winner.index]
	span.Set("transition_id", t.ID)
	if t.RequireComment && req.Comment == "" {
		return nil, nil, schema.NewErrorf(schema.ErrCodeCommentRequired, "transition %q requires a comment", t.ID)
	}

	from := st.CurrentState
	base := actions.Input{
		TenantID:     key.TenantID,
		EntityType:   key.EntityType,
		EntityID:     key.EntityID,
		WorkflowID:   wf.ID,
		TransitionID: t.ID,
		FromState:    from,
		ToState:      t.To,
		ActorID:      actor.ID,
		ActorRole:    actor.Role,
		EventID:      eventID,
		Values:       values,
	}

	var (
		exitOutcomes []actions.Outcome
		staged       []*schema.OutboxRecord
	)
	if ws, ok := wf.State(from); ok && len(ws.OnExit) > 0 {
		stage := &actions.Stage{}
		exitOutcomes = e.actions.Run(actions.WithStage(ctx, stage), actions.PhaseOnExit, base, ws.OnExit)
		staged = stage.Drain()
		// Exit actions may write fields and bump the version.
		if st, err = e.liveState(ctx, key); err != nil {
			return nil, nil, err
		}
		if st.CurrentState != from {
			return nil, nil, schema.NewErrorf(schema.ErrCodeConcurrentModification,
				"entity left state %q while exit actions ran", from)
		}
		if values, err = e.currentValues(ctx, key); err != nil {
			return nil, nil, err
		}
		if write != nil {
			if write, err = e.prepareWrite(ctx, st, actor, values, changes, writeID, ""); err != nil {
				return nil, nil, err
			}
			values = write.typed
		}
		base.Values = values
	}

	now := e.now()
	hist := schema.HistoryEntry{
		ID:             uuid.NewString(),
		TenantID:       key.TenantID,
		WorkflowID:     wf.ID,
		EntityType:     key.EntityType,
		EntityID:       key.EntityID,
		FromState:      from,
		ToState:        t.To,
		TransitionID:   t.ID,
		TransitionName: t.Name,
		PerformedBy:    actor.ID,
		PerformedAt:    now,
		Comment:        req.Comment,
		Metadata:       req.Metadata,
	}
	if len(ambiguous) > 0 {
		hist.Metadata = withAmbiguous(req.Metadata, ambiguous)
	}
	ev := &schema.Event{
		ID:           eventID,
		TenantID:     key.TenantID,
		EntityType:   key.EntityType,
		EntityID:     key.EntityID,
		Kind:         schema.EventStatusChanged,
		ActorID:      actor.ID,
		ActorRole:    actor.Role,
		Before:       snapshot(values, from),
		After:        snapshot(values, t.To),
		Comment:      req.Comment,
		TransitionID: t.ID,
		System:       actor.System,
		OccurredAt:   now,
	}
	rec, err := outboxEvent(ev)
	if err != nil {
		return nil, nil, err
	}

	var version int64
	err = e.store.WithinTx(ctx, func(tx store.Tx) error {
		v, err := tx.CompareAndSwapState(ctx, key, st.Version, t.To, false, now)
		if err != nil {
			return err
		}
		version = v
		if write != nil {
			if err := write.commit(ctx, tx); err != nil {
				return err
			}
		}
		if err := e.audit.AppendHistory(ctx, tx, &hist); err != nil {
			return err
		}
		if err := tx.EnqueueOutbox(ctx, rec); err != nil {
			return err
		}
		for _, r := range staged {
			if err := tx.EnqueueOutbox(ctx, r); err != nil {
				return err
			}
		}
		if err := tx.ClearApprovals(ctx, key); err != nil {
			return err
		}
		return e.recordDegraded(ctx, tx, key, hist.ID, exitOutcomes)
	})
	if err != nil {
		if len(staged) > 0 {
			logging.LogWith(ctx, e.logger).Warn("transition not committed, dropping exit notifications",
				"transition_id", t.ID, "notifications", len(staged), "error", err)
		}
		return nil, nil, err
	}

	if write != nil {
		e.afterWrite(ctx, key, write, version)
		upd = write.result(version)
	}
	logging.LogWith(ctx, e.logger).Info("entity transitioned",
		"transition_id", t.ID, "from", from, "to", t.To, "version", version)
	e.publish(ctx, streaming.EventEntityTransitioned, key, map[string]any{
		"transition_id": t.ID, "from": from, "to": t.To, "event_id": ev.ID,
	})
	e.publishDegraded(ctx, key, exitOutcomes)

	var after []actions.Outcome
	if ws, ok := wf.State(t.To); ok && len(ws.OnEnter) > 0 {
		after = append(after, e.actions.Run(ctx, actions.PhaseOnEnter, base, ws.OnEnter)...)
	}
	if len(t.Actions) > 0 {
		after = append(after, e.actions.Run(ctx, actions.PhaseTransition, base, t.Actions)...)
	}
	e.afterCommitDegraded(ctx, key, hist.ID, after)

	outcomes := append(exitOutcomes, after...)
	return &TransitionResult{
		TransitionID:   t.ID,
		TransitionName: t.Name,
		FromState:      from,
		ToState:        t.To,
		Version:        version,
		History:        hist,
		EventID:        ev.ID,
		Ambiguous:      ambiguous,
		Outcomes:       outcomes,
		Degraded:       actions.Degraded(outcomes),
	}, upd, nil
}

// selectTransition narrows the requested transitions down to one winner.
func (e *Engine) selectTransition(ctx context.Context, wf *schema.Workflow, st *schema.EntityState, actor Actor, values map[string]any, req TransitionRequest) (*Availability, []string, error) {
	var requested []int
	switch {
	case req.TransitionID != "":
		_, idx, ok := wf.Transition(req.TransitionID)
		if !ok {
			return nil, nil, schema.NewErrorf(schema.ErrCodeTransitionNotFound,
				"transition %q is not declared in workflow %q", req.TransitionID, wf.ID)
		}
		requested = []int{idx}
	case req.ToState != "":
		for i, t := range wf.Transitions {
			if t.To == req.ToState {
				requested = append(requested, i)
			}
		}
		if len(requested) == 0 {
			return nil, nil, schema.NewErrorf(schema.ErrCodeTransitionNotFound,
				"no transition targets state %q", req.ToState)
		}
	default:
		return nil, nil, schema.NewError(schema.ErrCodeValidation, "transition_id or to_state is required")
	}

	var fromMatch []int
	for _, i := range requested {
		if from := wf.Transitions[i].From; from == st.CurrentState || schema.IsWildcardState(from) {
			fromMatch = append(fromMatch, i)
		}
	}
	if len(fromMatch) == 0 {
		return nil, nil, schema.NewErrorf(schema.ErrCodeNoEligibleTransition,
			"no requested transition leaves state %q", st.CurrentState).
			WithDetails(map[string]any{"current_state": st.CurrentState})
	}
	if !wf.AllowManualTransitions && !actor.System {
		return nil, nil, schema.NewErrorf(schema.ErrCodePermissionDenied,
			"workflow %q only allows system transitions", wf.ID)
	}

	var permitted []Availability
	for _, i := range fromMatch {
		if a := e.permission(wf, st, actor, i); !a.denied {
			permitted = append(permitted, a)
		}
	}
	if len(permitted) == 0 {
		return nil, nil, schema.NewErrorf(schema.ErrCodePermissionDenied,
			"role %q may not perform the requested transition from %q", actor.Role, st.CurrentState)
	}

	var eligible []Availability
	failures := make(map[string]any)
	for _, a := range permitted {
		a = e.checkConditions(ctx, wf, st, actor, values, a, req)
		if a.Eligible {
			eligible = append(eligible, a)
		} else {
			failures[a.TransitionID] = a.Failures
		}
	}
	if len(eligible) == 0 {
		return nil, nil, schema.NewErrorf(schema.ErrCodeNoEligibleTransition,
			"no transition from %q satisfies its conditions", st.CurrentState).
			WithDetails(map[string]any{"current_state": st.CurrentState, "failures": failures})
	}

	winner := eligible[0]
	if len(eligible) == 1 {
		return &winner, nil, nil
	}
	ids := make([]string, len(eligible))
	for i, a := range eligible {
		ids[i] = a.TransitionID
	}
	logging.LogWith(ctx, e.logger).Warn("ambiguous transition match, first declared wins",
		"candidates", ids, "winner", winner.TransitionID)
	e.audit.RecordConfig(ctx, schema.AuditAmbiguousMatch, st.TenantID, st.EntityType, st.EntityID, winner.TransitionID,
		map[string]any{"candidates": ids, "winner": winner.TransitionID, "state": st.CurrentState})
	return &winner, ids, nil
}

// permission applies the workflow's role gates to transition i.
func (e *Engine) permission(wf *schema.Workflow, st *schema.EntityState, actor Actor, i int) Availability {
	t := wf.Transitions[i]
	a := Availability{
		TransitionID:   t.ID,
		Name:           t.Name,
		Label:          t.Label,
		To:             t.To,
		RequireComment: t.RequireComment,
		index:          i,
	}
	if actor.System {
		return a
	}
	if !wf.AllowManualTransitions {
		a.denied, a.Reason = true, "manual transitions are disabled"
		return a
	}
	if !e.roleAllowed(st.TenantID, actor.Role, t.AllowedRoles) {
		a.denied, a.Reason = true, "role not in allowed roles"
		return a
	}
	if ws, ok := wf.State(st.CurrentState); ok && !e.roleAllowed(st.TenantID, actor.Role, ws.CanTransition) {
		a.denied, a.Reason = true, "role may not transition out of "+st.CurrentState
	}
	return a
}

// checkConditions evaluates the transition's conditions. Configuration
// problems are audited and make the condition false.
func (e *Engine) checkConditions(ctx context.Context, wf *schema.Workflow, st *schema.EntityState, actor Actor, values map[string]any, a Availability, req TransitionRequest) Availability {
	t := wf.Transitions[a.index]
	cc := &conditions.Context{
		TenantID:   st.TenantID,
		EntityType: st.EntityType,
		EntityID:   st.EntityID,
		State:      st.CurrentState,
		ActorID:    actor.ID,
		ActorRole:  actor.Role,
		Values:     values,
		Event: map[string]any{
			"kind":          string(schema.EventStatusChanged),
			"transition_id": t.ID,
			"comment":       req.Comment,
			"metadata":      req.Metadata,
		},
	}
	if needsApprovals(t.Conditions) {
		n, err := e.approvalCount(ctx, st, t.ID)
		if err != nil {
			a.Reason = err.Error()
			return a
		}
		cc.Approvals = n
	}
	report := e.evaluator.EvaluateTransition(ctx, t.Conditions, cc)
	for _, cerr := range report.ConfigErrors {
		e.audit.RecordConfig(ctx, schema.AuditConfigError, st.TenantID, st.EntityType, st.EntityID, t.ID,
			map[string]any{"transition_id": t.ID, "error": cerr.Error()})
	}
	a.Failures = report.Failures
	a.Eligible = report.Passed()
	if !a.Eligible {
		a.Reason = "conditions not met"
	}
	return a
}

func (e *Engine) approvalCount(ctx context.Context, st *schema.EntityState, transitionID string) (int, error) {
	list, err := e.store.ListApprovals(ctx, store.ApprovalFilter{
		Key:          store.EntityKey{TenantID: st.TenantID, EntityType: st.EntityType, EntityID: st.EntityID},
		TransitionID: transitionID,
		State:        st.CurrentState,
	})
	if err != nil {
		return 0, err
	}
	users := make(map[string]bool, len(list))
	for _, ap := range list {
		users[ap.UserID] = true
	}
	return len(users), nil
}

// AvailableTransitions lists every transition leaving the entity's current
// state with its eligibility for the actor.
func (e *Engine) AvailableTransitions(ctx context.Context, key store.EntityKey, actor Actor) ([]Availability, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	actor, err := e.resolveActor(ctx, key.TenantID, actor)
	if err != nil {
		return nil, err
	}
	wf, err := e.store.ActiveWorkflow(ctx, key.TenantID, key.EntityType)
	if err != nil {
		return nil, err
	}
	st, err := e.liveState(ctx, key)
	if err != nil {
		return nil, err
	}
	values, err := e.currentValues(ctx, key)
	if err != nil {
		return nil, err
	}
	out := make([]Availability, 0, len(wf.Transitions))
	for i, t := range wf.Transitions {
		if t.From != st.CurrentState && !schema.IsWildcardState(t.From) {
			continue
		}
		a := e.permission(wf, st, actor, i)
		if !a.denied {
			a = e.checkConditions(ctx, wf, st, actor, values, a, TransitionRequest{})
		}
		out = append(out, a)
	}
	return out, nil
}

// ApproveRequest records one user's approval of a pending transition.
type ApproveRequest struct {
	Key          store.EntityKey `json:"key"`
	TransitionID string          `json:"transition_id"`
	Actor        Actor           `json:"actor"`
}

// Approve records an approval for a transition leaving the entity's current
// state and returns the number of distinct approvers. Approving twice is a
// no-op. Approvals reset on the next committed transition.
func (e *Engine) Approve(ctx context.Context, req ApproveRequest) (int, error) {
	key := req.Key
	if err := validateKey(key); err != nil {
		return 0, err
	}
	if req.Actor.ID == "" || req.Actor.System {
		return 0, schema.NewError(schema.ErrCodeValidation, "approvals require a user actor")
	}
	ctx = logging.WithEntity(ctx, key.TenantID, key.EntityID)
	actor, err := e.resolveActor(ctx, key.TenantID, req.Actor)
	if err != nil {
		return 0, err
	}
	wf, err := e.store.ActiveWorkflow(ctx, key.TenantID, key.EntityType)
	if err != nil {
		return 0, err
	}
	st, err := e.liveState(ctx, key)
	if err != nil {
		return 0, err
	}
	t, _, ok := wf.Transition(req.TransitionID)
	if !ok {
		return 0, schema.NewErrorf(schema.ErrCodeTransitionNotFound,
			"transition %q is not declared in workflow %q", req.TransitionID, wf.ID)
	}
	if t.From != st.CurrentState && !schema.IsWildcardState(t.From) {
		return 0, schema.NewErrorf(schema.ErrCodeNoEligibleTransition,
			"transition %q does not leave state %q", t.ID, st.CurrentState)
	}
	if roles := approverRoles(t.Conditions); len(roles) > 0 && !e.roleAllowed(key.TenantID, actor.Role, roles) {
		return 0, schema.NewErrorf(schema.ErrCodePermissionDenied,
			"role %q may not approve transition %q", actor.Role, t.ID)
	}

	err = e.store.AddApproval(ctx, &schema.Approval{
		ID:           uuid.NewString(),
		TenantID:     key.TenantID,
		EntityType:   key.EntityType,
		EntityID:     key.EntityID,
		TransitionID: t.ID,
		State:        st.CurrentState,
		UserID:       actor.ID,
		ApprovedAt:   e.now(),
	})
	if err != nil {
		return 0, err
	}
	n, err := e.approvalCount(ctx, st, t.ID)
	if err != nil {
		return 0, err
	}
	logging.LogWith(ctx, e.logger).Info("transition approved", "transition_id", t.ID, "approver", actor.ID, "approvals", n)
	return n, nil
}

func needsApprovals(conds []schema.TransitionCondition) bool {
	return slices.ContainsFunc(conds, func(c schema.TransitionCondition) bool {
		return c.Type == schema.ConditionApproval
	})
}

// approverRoles collects the roles approval conditions require of approvers.
func approverRoles(conds []schema.TransitionCondition) []string {
	var roles []string
	for _, c := range conds {
		if c.Type != schema.ConditionApproval {
			continue
		}
		if c.RequiredRole != "" {
			roles = append(roles, c.RequiredRole)
		}
		roles = append(roles, c.Roles...)
	}
	return roles
}

func (e *Engine) roleAllowed(tenantID, role string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	if e.roles != nil {
		return e.roles.Allowed(tenantID, role, allowed)
	}
	return slices.Contains(allowed, "*") || slices.Contains(allowed, role)
}

func withAmbiguous(meta map[string]any, ids []string) map[string]any {
	out := make(map[string]any, len(meta)+1)
	maps.Copy(out, meta)
	out["ambiguous_candidates"] = ids
	return out
}

func errorCode(err error) string {
	if err == nil {
		return ""
	}
	if ee, ok := schema.AsEngineError(err); ok {
		return ee.Code
	}
	return schema.ErrCodeStore
}
