package actions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/entityflow/pkg/schema"
)

// stubAction is a configurable Action for tests.
type stubAction struct {
	kind schema.ActionType
	fn   func(ctx context.Context, in Input) (*Output, error)
}

func (s *stubAction) Type() schema.ActionType { return s.kind }

func (s *stubAction) Execute(ctx context.Context, in Input) (*Output, error) {
	if s.fn == nil {
		return &Output{}, nil
	}
	return s.fn(ctx, in)
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	reg := NewRegistry()
	a := &stubAction{kind: schema.ActionWebhook}

	require.NoError(t, reg.Register(a))
	got, err := reg.Get(schema.ActionWebhook)
	require.NoError(t, err)
	assert.Same(t, a, got)
	assert.True(t, reg.Has(schema.ActionWebhook))
	assert.False(t, reg.Has(schema.ActionCustom))
}

func TestRegistry_Errors(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubAction{kind: schema.ActionWebhook}))

	err := reg.Register(&stubAction{kind: schema.ActionWebhook})
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))

	err = reg.Register(nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidDefinition))

	err = reg.Register(&stubAction{})
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidDefinition))

	_, err = reg.Get(schema.ActionCreateTask)
	assert.True(t, schema.HasCode(err, schema.ErrCodeUnregisteredHandler))
}

func TestRegistry_Custom(t *testing.T) {
	reg := NewRegistry()
	h := func(context.Context, Input) (map[string]any, error) { return nil, nil }

	require.NoError(t, reg.RegisterCustom("score", h))
	assert.True(t, reg.HasCustom("score"))
	assert.True(t, schema.HasCode(reg.RegisterCustom("score", h), schema.ErrCodeConflict))
	assert.True(t, schema.HasCode(reg.RegisterCustom("", h), schema.ErrCodeInvalidDefinition))

	_, err := reg.Custom("missing")
	assert.True(t, schema.HasCode(err, schema.ErrCodeUnregisteredHandler))
}

func TestRegistry_Kinds(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, RegisterBuiltins(reg, Deps{}))
	assert.Equal(t, []schema.ActionType{
		schema.ActionCreateTask,
		schema.ActionCustom,
		schema.ActionSendNotification,
		schema.ActionUpdateField,
		schema.ActionWebhook,
	}, reg.Kinds())
}
