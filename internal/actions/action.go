package actions

import (
	"context"
	"time"

	"github.com/rendis/entityflow/pkg/schema"
)

// Action executes one kind of workflow action.
type Action interface {
	Type() schema.ActionType
	Execute(ctx context.Context, in Input) (*Output, error)
}

// Phase names when an action runs relative to a state change.
type Phase string

const (
	PhaseOnExit     Phase = "on_exit"
	PhaseOnEnter    Phase = "on_enter"
	PhaseTransition Phase = "transition"
)

// Input is the data an action sees at execution time.
type Input struct {
	TenantID     string         `json:"tenant_id"`
	EntityType   string         `json:"entity_type"`
	EntityID     string         `json:"entity_id"`
	WorkflowID   string         `json:"workflow_id,omitempty"`
	TransitionID string         `json:"transition_id,omitempty"`
	FromState    string         `json:"from_state,omitempty"`
	ToState      string         `json:"to_state,omitempty"`
	ActorID      string         `json:"actor_id,omitempty"`
	ActorRole    string         `json:"actor_role,omitempty"`
	EventID      string         `json:"event_id,omitempty"`
	Values       map[string]any `json:"values,omitempty"`
	Phase        Phase          `json:"phase,omitempty"`

	Action schema.WorkflowAction `json:"-"`
}

// Data returns the template data for rendering action parameters.
func (in Input) Data() map[string]any {
	data := make(map[string]any, len(in.Values)+3)
	for k, v := range in.Values {
		data[k] = v
	}
	data["entity"] = map[string]any{
		"id": in.EntityID, "type": in.EntityType, "tenant_id": in.TenantID, "state": in.ToState,
	}
	data["transition"] = map[string]any{
		"id": in.TransitionID, "from": in.FromState, "to": in.ToState,
	}
	data["actor"] = map[string]any{"id": in.ActorID, "role": in.ActorRole}
	return data
}

// Output is the result of an action execution.
type Output struct {
	Data map[string]any `json:"data,omitempty"`
}

// Outcome records what happened to one action.
type Outcome struct {
	Index    int               `json:"index"`
	Phase    Phase             `json:"phase"`
	Type     schema.ActionType `json:"type"`
	OK       bool              `json:"ok"`
	Code     string            `json:"code,omitempty"`
	Error    string            `json:"error,omitempty"`
	Duration time.Duration     `json:"duration"`
	Data     map[string]any    `json:"data,omitempty"`
}

// Degraded filters the failed outcomes.
func Degraded(outcomes []Outcome) []Outcome {
	var out []Outcome
	for _, o := range outcomes {
		if !o.OK {
			out = append(out, o)
		}
	}
	return out
}
