package conditions

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/rendis/entityflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompare(t *testing.T) {
	tests := []struct {
		name     string
		actual   any
		op       schema.Operator
		expected any
		want     bool
	}{
		{"eq string", "open", schema.OpEquals, "open", true},
		{"eq numeric string", "10", schema.OpEquals, 10, true},
		{"eq float int", 10.0, schema.OpEquals, 10, true},
		{"eq bool", true, schema.OpEquals, true, true},
		{"neq", "a", schema.OpNotEquals, "b", true},
		{"gt", 1500.0, schema.OpGreater, 1000, true},
		{"gt numeric string", "5", schema.OpGreater, "10", false},
		{"lt", 3, schema.OpLess, 4.5, true},
		{"lt dates", "2024-01-01", schema.OpLess, "2024-02-01", true},
		{"contains substring", "hello world", schema.OpContains, "wor", true},
		{"contains list", []any{"a", "b"}, schema.OpContains, "b", true},
		{"contains list miss", []any{"a", "b"}, schema.OpContains, "c", false},
		{"contains nil", nil, schema.OpContains, "c", false},
		{"empty nil", nil, schema.OpEmpty, nil, true},
		{"empty blank", "  ", schema.OpEmpty, nil, true},
		{"empty list", []any{}, schema.OpEmpty, nil, true},
		{"not empty", "x", schema.OpNotEmpty, nil, true},
		{"not empty zero", 0.0, schema.OpNotEmpty, nil, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Compare(tc.actual, tc.op, tc.expected)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestCompare_TypeMismatch(t *testing.T) {
	_, err := Compare("abc", schema.OpGreater, 10)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeTypeMismatch))

	_, err = Compare(true, schema.OpLess, false)
	assert.True(t, schema.HasCode(err, schema.ErrCodeTypeMismatch))

	_, err = Compare(42.0, schema.OpContains, "4")
	assert.True(t, schema.HasCode(err, schema.ErrCodeTypeMismatch))

	_, err = Compare(1, schema.Operator("~="), 1)
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidDefinition))
}

func newEvaluator(t *testing.T, roles RoleChecker) (*Evaluator, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	e, err := NewEvaluator(roles, slog.New(slog.NewTextHandler(&buf, nil)))
	require.NoError(t, err)
	return e, &buf
}

func TestEvaluateRule_TypeMismatchLogsAndIsFalse(t *testing.T) {
	e, logs := newEvaluator(t, nil)

	ok := e.EvaluateRule(context.Background(),
		schema.ConditionalRule{Field: "name", Operator: schema.OpGreater, Value: 5},
		map[string]any{"name": "widget"})

	assert.False(t, ok)
	assert.Contains(t, logs.String(), "level=WARN")
	assert.Contains(t, logs.String(), "field=name")
}

func TestEvaluateRules_ReportsEveryFailure(t *testing.T) {
	e, _ := newEvaluator(t, nil)
	rules := []schema.ConditionalRule{
		{Field: "amount", Operator: schema.OpGreater, Value: 100},
		{Field: "stage", Operator: schema.OpEquals, Value: "won"},
		{Field: "owner", Operator: schema.OpNotEmpty},
	}

	r := e.EvaluateRules(context.Background(), rules, map[string]any{"amount": 50, "stage": "won"})
	assert.False(t, r.Passed())
	require.Len(t, r.Failures, 2)
	assert.Equal(t, 0, r.Failures[0].Index)
	assert.Equal(t, "owner", r.Failures[1].Field)

	r = e.EvaluateRules(context.Background(), nil, nil)
	assert.True(t, r.Passed())
}

type hierarchy map[string][]string

func (h hierarchy) Allowed(_, role string, allowed []string) bool {
	for _, a := range allowed {
		if a == role || a == "*" {
			return true
		}
		for _, inherited := range h[role] {
			if inherited == a {
				return true
			}
		}
	}
	return false
}

func TestEvaluateTransition_Kinds(t *testing.T) {
	e, _ := newEvaluator(t, hierarchy{"admin": {"manager"}})
	c := &Context{
		TenantID:  "t1",
		ActorRole: "admin",
		Values:    map[string]any{"amount": 2000.0},
		Approvals: 1,
	}

	conds := []schema.TransitionCondition{
		{Type: schema.ConditionFieldValue, Field: "amount", Operator: schema.OpGreater, Value: 1000},
		{Type: schema.ConditionRole, Roles: []string{"manager"}},
		{Type: schema.ConditionApproval, RequiredApprovals: 1},
	}
	r := e.EvaluateTransition(context.Background(), conds, c)
	assert.True(t, r.Passed(), "%+v", r.Failures)

	conds = append(conds, schema.TransitionCondition{Type: schema.ConditionApproval, RequiredApprovals: 2})
	r = e.EvaluateTransition(context.Background(), conds, c)
	require.Len(t, r.Failures, 1)
	assert.Equal(t, 3, r.Failures[0].Index)
	assert.Equal(t, "1 of 2 approvals", r.Failures[0].Reason)
}

func TestEvaluateTransition_RequiredRoleWithoutChecker(t *testing.T) {
	e, _ := newEvaluator(t, nil)
	conds := []schema.TransitionCondition{{Type: schema.ConditionRole, RequiredRole: "finance"}}

	finance := e.EvaluateTransition(context.Background(), conds, &Context{ActorRole: "finance"})
	assert.True(t, finance.Passed())
	sales := e.EvaluateTransition(context.Background(), conds, &Context{ActorRole: "sales"})
	assert.False(t, sales.Passed())

	r := e.EvaluateTransition(context.Background(), []schema.TransitionCondition{{Type: schema.ConditionRole}}, &Context{})
	assert.False(t, r.Passed())
	require.Len(t, r.ConfigErrors, 1)
}

func TestEvaluateTransition_UnregisteredHandler(t *testing.T) {
	e, _ := newEvaluator(t, nil)
	conds := []schema.TransitionCondition{{Type: schema.ConditionCustom, CustomScript: "credit_check"}}

	r := e.EvaluateTransition(context.Background(), conds, &Context{})
	assert.False(t, r.Passed())
	require.Len(t, r.ConfigErrors, 1)
	assert.True(t, schema.HasCode(r.ConfigErrors[0], schema.ErrCodeUnregisteredHandler))
	assert.True(t, schema.IsKind(r.ConfigErrors[0], schema.KindConfiguration))
}

func TestEvaluateTransition_CustomHandlers(t *testing.T) {
	e, _ := newEvaluator(t, nil)
	require.NoError(t, e.Register("always", func(context.Context, schema.TransitionCondition, *Context) (bool, error) {
		return true, nil
	}))
	require.NoError(t, e.Register("broken", func(context.Context, schema.TransitionCondition, *Context) (bool, error) {
		return false, errors.New("upstream down")
	}))
	require.NoError(t, e.RegisterExpr("big_deal", `values.amount > 1000 && actor.role == "sales"`))
	require.NoError(t, e.RegisterCEL("has_approvals", `entity.approvals >= 2`))

	err := e.Register("always", func(context.Context, schema.TransitionCondition, *Context) (bool, error) { return true, nil })
	assert.True(t, schema.HasCode(err, schema.ErrCodeAmbiguousConfiguration))
	assert.Error(t, e.RegisterCEL("bad", `values.amount >`))
	assert.False(t, e.HasHandler("bad"))
	assert.True(t, e.HasHandler("big_deal"))

	c := &Context{ActorRole: "sales", Values: map[string]any{"amount": 5000.0}, Approvals: 1}
	custom := func(name string) []schema.TransitionCondition {
		return []schema.TransitionCondition{{Type: schema.ConditionCustom, CustomScript: name}}
	}

	always := e.EvaluateTransition(context.Background(), custom("always"), c)
	assert.True(t, always.Passed())
	bigDeal := e.EvaluateTransition(context.Background(), custom("big_deal"), c)
	assert.True(t, bigDeal.Passed())
	hasApprovals := e.EvaluateTransition(context.Background(), custom("has_approvals"), c)
	assert.False(t, hasApprovals.Passed())

	r := e.EvaluateTransition(context.Background(), custom("broken"), c)
	require.Len(t, r.Failures, 1)
	assert.Equal(t, "upstream down", r.Failures[0].Reason)
	assert.Empty(t, r.ConfigErrors)
}

func TestEvaluateTransition_PanickingHandlerFails(t *testing.T) {
	e, _ := newEvaluator(t, nil)
	require.NoError(t, e.Register("nil_map", func(_ context.Context, _ schema.TransitionCondition, c *Context) (bool, error) {
		var limits map[string]float64
		limits["credit"] = c.Values["amount"].(float64)
		return true, nil
	}))
	conds := []schema.TransitionCondition{
		{Type: schema.ConditionCustom, CustomScript: "nil_map"},
		{Type: schema.ConditionFieldValue, Field: "amount", Operator: schema.OpGreater, Value: 1},
	}

	var r Report
	require.NotPanics(t, func() {
		r = e.EvaluateTransition(context.Background(), conds, &Context{Values: map[string]any{"amount": 5.0}})
	})
	assert.False(t, r.Passed())
	require.Len(t, r.Failures, 1, "the other conditions still evaluate")
	assert.Equal(t, 0, r.Failures[0].Index)
	assert.Contains(t, r.Failures[0].Reason, "panicked")
	assert.Empty(t, r.ConfigErrors)
}
