package expressions

import (
	"context"
	"testing"

	"github.com/rendis/entityflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoJQ_Evaluate(t *testing.T) {
	e := NewGoJQEngine()
	assert.Equal(t, "jq", e.Name())

	data := map[string]any{
		"values": map[string]any{"tags": []string{"a", "b"}, "count": 3},
	}

	out, err := e.Evaluate(context.Background(), `.values.tags | join(", ")`, data)
	require.NoError(t, err)
	assert.Equal(t, "a, b", out)

	out, err = e.Evaluate(context.Background(), `.values.count + 1`, data)
	require.NoError(t, err)
	assert.Equal(t, 4.0, out)

	out, err = e.Evaluate(context.Background(), `.values.tags[]`, data)
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, out)

	out, err = e.Evaluate(context.Background(), `empty`, data)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestGoJQ_Errors(t *testing.T) {
	e := NewGoJQEngine()

	err := e.Compile(`.values |||`)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidDefinition))

	_, err = e.Evaluate(context.Background(), `.values.count | ascii_downcase`, map[string]any{"values": map[string]any{"count": 1}})
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeRender))
}

func TestGoJQ_NoEnvAccess(t *testing.T) {
	e := NewGoJQEngine()
	out, err := e.Evaluate(context.Background(), `$ENV | length`, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, 0, out)
}
