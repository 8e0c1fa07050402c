package diagram

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/entityflow/pkg/schema"
)

func TestRenderASCII(t *testing.T) {
	model, err := Build(dealWorkflow(), nil, nil)
	require.NoError(t, err)

	output := RenderASCII(model)

	assert.Contains(t, output, "=== Deal pipeline ===")
	assert.Contains(t, output, "┌")
	assert.Contains(t, output, "│ Draft │")
	assert.Contains(t, output, "▼")
	assert.Contains(t, output, "--- transitions ---")
	assert.Contains(t, output, "draft ─→ review  (Submit [sales])")
	assert.NotContains(t, output, "[NOW]")
}

func TestRenderASCIIWithOverlay(t *testing.T) {
	state := &schema.EntityState{CurrentState: "review"}
	history := []schema.HistoryEntry{
		{ToState: "draft"},
		{FromState: "draft", ToState: "review", TransitionID: "submit"},
	}
	model, err := Build(dealWorkflow(), state, history)
	require.NoError(t, err)

	output := RenderASCII(model)

	assert.Contains(t, output, "[NOW]")
	assert.Contains(t, output, "[SEEN x1]")
	assert.Contains(t, output, "taken x1")
}

func TestRenderASCIITerminalStates(t *testing.T) {
	wf := dealWorkflow()
	wf.Transitions = wf.Transitions[:3] // drop the wildcard reopen
	model, err := Build(wf, nil, nil)
	require.NoError(t, err)

	assert.Equal(t, NodeKindTerminal, model.node("won").Kind)
	assert.Contains(t, RenderASCII(model), "(end)")
	assert.Contains(t, RenderMermaid(model), "won --> [*]")
}

func TestMakeBox(t *testing.T) {
	box := makeBox(&Node{ID: "won", Label: "Won", Kind: NodeKindTerminal})
	require.Len(t, box.lines, 4)
	assert.Equal(t, 9, box.width)
	assert.True(t, strings.HasPrefix(box.lines[0], "┌"))
	assert.Equal(t, "│ Won   │", box.lines[1])
	assert.Equal(t, "│ (end) │", box.lines[2])
}
