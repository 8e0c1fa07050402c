package actions

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/entityflow/pkg/schema"
)

type recordingObserver struct {
	mu   sync.Mutex
	seen []bool
}

func (r *recordingObserver) ObserveAction(_ schema.ActionType, ok bool, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, ok)
}

func TestExecutor_RunsInOrderAndCollectsOutcomes(t *testing.T) {
	reg := NewRegistry()
	var order []string
	require.NoError(t, reg.RegisterCustom("first", func(_ context.Context, in Input) (map[string]any, error) {
		order = append(order, "first:"+string(in.Phase))
		return map[string]any{"n": 1}, nil
	}))
	require.NoError(t, reg.RegisterCustom("second", func(context.Context, Input) (map[string]any, error) {
		order = append(order, "second")
		return nil, errors.New("boom")
	}))
	require.NoError(t, reg.RegisterCustom("third", func(context.Context, Input) (map[string]any, error) {
		order = append(order, "third")
		return nil, nil
	}))
	require.NoError(t, RegisterBuiltins(reg, Deps{}))

	obs := &recordingObserver{}
	exec := NewExecutor(reg, nil, WithObserver(obs))
	outcomes := exec.Run(context.Background(), PhaseOnEnter, Input{TenantID: "acme"}, []schema.WorkflowAction{
		{Type: schema.ActionCustom, CustomScript: "first"},
		{Type: schema.ActionCustom, CustomScript: "second"},
		{Type: schema.ActionCustom, CustomScript: "third"},
	})

	require.Len(t, outcomes, 3)
	assert.Equal(t, []string{"first:on_enter", "second", "third"}, order)
	assert.True(t, outcomes[0].OK)
	assert.Equal(t, map[string]any{"n": 1}, outcomes[0].Data)
	assert.False(t, outcomes[1].OK)
	assert.Equal(t, schema.ErrCodeActionFailed, outcomes[1].Code)
	assert.Equal(t, 1, outcomes[1].Index)
	assert.True(t, outcomes[2].OK)
	assert.Equal(t, []bool{true, false, true}, obs.seen)

	degraded := Degraded(outcomes)
	require.Len(t, degraded, 1)
	assert.Equal(t, PhaseOnEnter, degraded[0].Phase)
}

func TestExecutor_UnregisteredCustom(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, RegisterBuiltins(reg, Deps{}))

	outcomes := NewExecutor(reg, nil).Run(context.Background(), PhaseTransition, Input{},
		[]schema.WorkflowAction{{Type: schema.ActionCustom, CustomScript: "nope"}})
	require.Len(t, outcomes, 1)
	assert.False(t, outcomes[0].OK)
	assert.Equal(t, schema.ErrCodeUnregisteredHandler, outcomes[0].Code)
}

func TestExecutor_UnknownKind(t *testing.T) {
	outcomes := NewExecutor(NewRegistry(), nil).Run(context.Background(), PhaseTransition, Input{},
		[]schema.WorkflowAction{{Type: "teleport"}})
	require.Len(t, outcomes, 1)
	assert.Equal(t, schema.ErrCodeUnregisteredHandler, outcomes[0].Code)
}

func TestExecutor_Timeout(t *testing.T) {
	reg := NewRegistry()
	release := make(chan struct{})
	defer close(release)
	require.NoError(t, reg.RegisterCustom("stuck", func(context.Context, Input) (map[string]any, error) {
		<-release // ignores ctx on purpose
		return nil, nil
	}))
	require.NoError(t, reg.RegisterCustom("slow", func(ctx context.Context, _ Input) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	require.NoError(t, RegisterBuiltins(reg, Deps{}))

	exec := NewExecutor(reg, nil, WithDefaultTimeout(20*time.Millisecond))
	start := time.Now()
	outcomes := exec.Run(context.Background(), PhaseOnExit, Input{}, []schema.WorkflowAction{
		{Type: schema.ActionCustom, CustomScript: "stuck"},
		{Type: schema.ActionCustom, CustomScript: "slow", Timeout: "30ms"},
	})
	assert.Less(t, time.Since(start), 2*time.Second)
	require.Len(t, outcomes, 2)
	assert.Equal(t, schema.ErrCodeTimeout, outcomes[0].Code)
	assert.Equal(t, schema.ErrCodeTimeout, outcomes[1].Code)
}

func TestExecutor_InvalidTimeout(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, RegisterBuiltins(reg, Deps{}))
	outcomes := NewExecutor(reg, nil).Run(context.Background(), PhaseOnEnter, Input{},
		[]schema.WorkflowAction{{Type: schema.ActionCustom, CustomScript: "x", Timeout: "soon"}})
	assert.Equal(t, schema.ErrCodeInvalidDefinition, outcomes[0].Code)
}

func TestExecutor_RecoversPanics(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.RegisterCustom("panics", func(context.Context, Input) (map[string]any, error) {
		panic("kaboom")
	}))
	require.NoError(t, RegisterBuiltins(reg, Deps{}))

	outcomes := NewExecutor(reg, nil).Run(context.Background(), PhaseOnEnter, Input{},
		[]schema.WorkflowAction{{Type: schema.ActionCustom, CustomScript: "panics"}})
	assert.Equal(t, schema.ErrCodeActionFailed, outcomes[0].Code)
	assert.Contains(t, outcomes[0].Error, "kaboom")
}

func TestExecutor_EmptyList(t *testing.T) {
	assert.Nil(t, NewExecutor(NewRegistry(), nil).Run(context.Background(), PhaseOnEnter, Input{}, nil))
}
