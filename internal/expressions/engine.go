package expressions

import (
	"context"
	"fmt"
)

// Engine evaluates tenant-supplied scripts used by custom condition handlers
// and template placeholders. Implementations: CEL, Expr, GoJQ.
type Engine interface {
	Name() string
	// Compile checks an expression without evaluating it.
	Compile(expression string) error
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Scope is the data a custom script sees.
type Scope struct {
	Values    map[string]any // merged field values of the entity
	Actor     map[string]any // id, role
	Entity    map[string]any // id, type, tenant_id, state
	Event     map[string]any // kind, changed keys, before/after
	Approvals int
}

// scopeVars are the top-level variables exposed to every engine.
var scopeVars = []string{"values", "actor", "entity", "event"}

// Data flattens the scope into the variable map passed to Evaluate.
// Approvals are exposed as entity.approvals.
func (s Scope) Data() map[string]any {
	entity := make(map[string]any, len(s.Entity)+1)
	for k, v := range s.Entity {
		entity[k] = v
	}
	entity["approvals"] = s.Approvals
	return map[string]any{
		"values": orEmpty(s.Values),
		"actor":  orEmpty(s.Actor),
		"entity": entity,
		"event":  orEmpty(s.Event),
	}
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// EvaluateBool runs an expression and requires a boolean result.
func EvaluateBool(ctx context.Context, e Engine, expression string, data map[string]any) (bool, error) {
	out, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("%s expression %q returned %T, want bool", e.Name(), expression, out)
	}
	return b, nil
}
