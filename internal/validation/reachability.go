package validation

import (
	"fmt"

	"github.com/rendis/entityflow/pkg/schema"
)

// checkReachability walks the transition graph breadth-first from the
// initial state. Unreachable states and states with no way out that are
// not terminal by design produce warnings. Cycles are legal: workflows may
// reopen entities.
func checkReachability(wf *schema.Workflow, path string) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	adj := make(map[string][]string, len(wf.States))
	var wildcardTargets []string
	for _, t := range wf.Transitions {
		if schema.IsWildcardState(t.From) {
			wildcardTargets = append(wildcardTargets, t.To)
			continue
		}
		adj[t.From] = append(adj[t.From], t.To)
	}

	visited := map[string]bool{wf.InitialState: true}
	queue := []string{wf.InitialState}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		next := append(append([]string(nil), adj[cur]...), wildcardTargets...)
		for _, to := range next {
			if !visited[to] {
				visited[to] = true
				queue = append(queue, to)
			}
		}
	}

	for i, s := range wf.States {
		if !visited[s.Name] {
			result.AddWarning(fmt.Sprintf("%s/states/%d", path, i), schema.ErrCodeInvalidDefinition,
				fmt.Sprintf("state %q is unreachable from %q", s.Name, wf.InitialState))
		}
	}
	if len(wf.States) > 1 && wf.IsTerminal(wf.InitialState) {
		result.AddWarning(path+"/initial_state", schema.ErrCodeInvalidDefinition,
			fmt.Sprintf("initial state %q has no outgoing transitions", wf.InitialState))
	}
	return result
}
