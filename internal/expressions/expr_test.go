package expressions

import (
	"context"
	"testing"

	"github.com/rendis/entityflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewExprEngine(t *testing.T) {
	e := NewExprEngine()
	assert.Equal(t, "expr", e.Name())
}

func TestExpr_ScopeAccess(t *testing.T) {
	e := NewExprEngine()
	data := Scope{
		Values: map[string]any{
			"amount": 250.0,
			"tags":   []any{"vip", "priority"},
			"items":  []any{map[string]any{"qty": 2.0}, map[string]any{"qty": 5.0}},
		},
		Actor:     map[string]any{"role": "sales"},
		Approvals: 1,
	}.Data()

	tests := []struct {
		name string
		expr string
		want bool
	}{
		{"comparison", `values.amount < 500`, true},
		{"membership", `"vip" in values.tags`, true},
		{"array any", `any(values.items, .qty > 4)`, true},
		{"array all", `all(values.items, .qty > 4)`, false},
		{"nil coalescing", `(values.missing ?? 0) == 0`, true},
		{"approvals", `entity.approvals == 1 && actor.role == "sales"`, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := EvaluateBool(context.Background(), e, tc.expr, data)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestExpr_CompileError(t *testing.T) {
	e := NewExprEngine()
	err := e.Compile(`values.amount >`)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidDefinition))
	assert.Error(t, e.Compile(""))
}

func TestExpr_CacheReuse(t *testing.T) {
	e := NewExprEngine()
	require.NoError(t, e.Compile(`values.x == 1`))
	require.Equal(t, 1, e.programs.len())

	got, err := EvaluateBool(context.Background(), e, `values.x == 1`, Scope{Values: map[string]any{"x": 1}}.Data())
	require.NoError(t, err)
	assert.True(t, got)
	assert.Equal(t, 1, e.programs.len())
}
