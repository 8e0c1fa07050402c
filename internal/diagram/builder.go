package diagram

import (
	"fmt"
	"strings"

	"github.com/rendis/entityflow/pkg/schema"
)

// Build constructs a DiagramModel from a workflow. When state is non-nil the
// entity's current state and the transitions recorded in history are
// overlaid on the graph.
func Build(wf *schema.Workflow, state *schema.EntityState, history []schema.HistoryEntry) (*DiagramModel, error) {
	if wf == nil {
		return nil, fmt.Errorf("diagram: workflow is nil")
	}
	if _, ok := wf.State(wf.InitialState); !ok {
		return nil, fmt.Errorf("diagram: initial state %q is not declared", wf.InitialState)
	}

	nodes := make([]*Node, 0, len(wf.States)+1)
	nodes = append(nodes, &Node{ID: StartID, Label: "Start", Kind: NodeKindStart})
	for _, s := range wf.States {
		kind := NodeKindState
		if wf.IsTerminal(s.Name) {
			kind = NodeKindTerminal
		}
		label := s.Label
		if label == "" {
			label = s.Name
		}
		nodes = append(nodes, &Node{ID: s.Name, Label: label, Kind: kind, Color: s.Color})
	}

	model := &DiagramModel{
		Title: wf.Name,
		Nodes: nodes,
		Edges: buildEdges(wf),
	}
	if model.Title == "" {
		model.Title = wf.EntityType
	}
	model.Levels = buildLevels(model, wf.InitialState)
	if state != nil {
		overlay(model, state, history)
	}
	return model, nil
}

func buildEdges(wf *schema.Workflow) []Edge {
	edges := []Edge{{From: StartID, To: wf.InitialState}}
	for _, t := range wf.Transitions {
		e := Edge{
			ID:      t.ID,
			To:      t.To,
			Label:   edgeLabel(t),
			Guarded: len(t.Conditions) > 0 || len(t.AllowedRoles) > 0,
		}
		if !schema.IsWildcardState(t.From) {
			e.From = t.From
			edges = append(edges, e)
			continue
		}
		e.Wildcard = true
		for _, s := range wf.States {
			if s.Name == t.To {
				continue
			}
			e.From = s.Name
			edges = append(edges, e)
		}
	}
	return edges
}

// edgeLabel names the transition and marks its gates: a trailing "*" for
// conditions and the allowed roles in brackets.
func edgeLabel(t schema.WorkflowTransition) string {
	label := t.Label
	if label == "" {
		label = t.Name
	}
	if label == "" {
		label = t.ID
	}
	if len(t.Conditions) > 0 {
		label += " *"
	}
	if len(t.AllowedRoles) > 0 {
		label += " [" + strings.Join(t.AllowedRoles, ",") + "]"
	}
	return label
}

// buildLevels assigns every state a level by breadth-first distance from the
// initial state. Unreachable states go on a final level of their own.
func buildLevels(m *DiagramModel, initial string) [][]string {
	adj := make(map[string][]string)
	for _, e := range m.Edges {
		if e.From != StartID {
			adj[e.From] = append(adj[e.From], e.To)
		}
	}

	levels := [][]string{{StartID}}
	seen := map[string]bool{StartID: true, initial: true}
	frontier := []string{initial}
	for len(frontier) > 0 {
		levels = append(levels, frontier)
		var next []string
		for _, id := range frontier {
			for _, to := range adj[id] {
				if !seen[to] {
					seen[to] = true
					next = append(next, to)
				}
			}
		}
		frontier = next
	}

	var orphans []string
	for _, n := range m.Nodes {
		if !seen[n.ID] {
			orphans = append(orphans, n.ID)
		}
	}
	if len(orphans) > 0 {
		levels = append(levels, orphans)
	}
	return levels
}

// overlay marks the current state, counts state visits and counts how often
// each transition was taken according to history.
func overlay(m *DiagramModel, state *schema.EntityState, history []schema.HistoryEntry) {
	for _, h := range history {
		if n := m.node(h.ToState); n != nil {
			statusOf(n).Visits++
		}
		for i := range m.Edges {
			e := &m.Edges[i]
			if e.From == h.FromState && e.To == h.ToState && (h.TransitionID == "" || e.ID == h.TransitionID) {
				e.Taken++
				break
			}
		}
	}
	if n := m.node(state.CurrentState); n != nil {
		statusOf(n).Current = true
	}
}

func statusOf(n *Node) *StatusOverlay {
	if n.Status == nil {
		n.Status = &StatusOverlay{}
	}
	return n.Status
}
