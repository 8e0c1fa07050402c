package engine

import (
	"context"
	"maps"

	"github.com/rendis/entityflow/internal/store"
	"github.com/rendis/entityflow/pkg/schema"
)

// EventResult reports what an inbound event caused.
type EventResult struct {
	Created    *CreateResult     `json:"created,omitempty"`
	Updated    *UpdateResult     `json:"updated,omitempty"`
	Transition *TransitionResult `json:"transition,omitempty"`
	Deleted    *DeleteResult     `json:"deleted,omitempty"`
}

// HandleEvent applies an inbound mutation event. An update that names a
// transition, or whose after snapshot carries a status different from the
// current state, commits its field changes together with the transition.
func (e *Engine) HandleEvent(ctx context.Context, ev schema.Event) (*EventResult, error) {
	key := store.EntityKey{TenantID: ev.TenantID, EntityType: ev.EntityType, EntityID: ev.EntityID}
	actor := Actor{ID: ev.ActorID, Role: ev.ActorRole, System: ev.System}

	switch ev.Kind {
	case schema.EventCreated:
		res, err := e.CreateEntity(ctx, CreateRequest{Key: key, Actor: actor, Values: ev.After, EventID: ev.ID})
		if err != nil {
			return nil, err
		}
		return &EventResult{Created: res}, nil

	case schema.EventDeleted:
		res, err := e.DeleteEntity(ctx, DeleteRequest{Key: key, Actor: actor, EventID: ev.ID})
		if err != nil {
			return nil, err
		}
		return &EventResult{Deleted: res}, nil

	case schema.EventUpdated, schema.EventStatusChanged:
		return e.handleUpdate(ctx, key, actor, ev)

	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown event kind %q", ev.Kind)
	}
}

func (e *Engine) handleUpdate(ctx context.Context, key store.EntityKey, actor Actor, ev schema.Event) (*EventResult, error) {
	st, err := e.liveState(ctx, key)
	if err != nil {
		return nil, err
	}
	changes := changedFields(ev)

	target, _ := ev.After[schema.StatusKey].(string)
	if ev.TransitionID == "" && (target == "" || target == st.CurrentState) {
		if len(changes) == 0 {
			return &EventResult{}, nil
		}
		res, err := e.UpdateFields(ctx, UpdateRequest{Key: key, Actor: actor, Values: changes, EventID: ev.ID})
		if err != nil {
			return nil, err
		}
		return &EventResult{Updated: res}, nil
	}

	req := TransitionRequest{
		Key:          key,
		TransitionID: ev.TransitionID,
		Actor:        actor,
		Comment:      ev.Comment,
		EventID:      ev.ID,
	}
	if ev.TransitionID == "" {
		req.ToState = target
	}
	// Field changes and the transition commit together or not at all.
	tr, upd, err := e.transition(ctx, req, changes)
	if err != nil {
		return nil, err
	}
	return &EventResult{Updated: upd, Transition: tr}, nil
}

// changedFields returns the non-status after values that differ from before.
// Without a before snapshot every after value counts as changed.
func changedFields(ev schema.Event) map[string]any {
	if len(ev.Before) == 0 {
		out := maps.Clone(ev.After)
		delete(out, schema.StatusKey)
		return out
	}
	out := make(map[string]any)
	for _, k := range ev.ChangedKeys() {
		if k == schema.StatusKey {
			continue
		}
		if v, ok := ev.After[k]; ok {
			out[k] = v
		} else {
			out[k] = nil
		}
	}
	return out
}
