package engine

import (
	"context"

	"github.com/rendis/entityflow/internal/diagram"
	"github.com/rendis/entityflow/internal/store"
	"github.com/rendis/entityflow/pkg/schema"
)

// Diagram builds the state diagram of an entity type's active workflow. With
// a non-empty entity ID the diagram uses the workflow the entity runs under
// and overlays its current state and history.
func (e *Engine) Diagram(ctx context.Context, key store.EntityKey) (*diagram.DiagramModel, error) {
	if key.EntityID == "" {
		wf, err := e.store.ActiveWorkflow(ctx, key.TenantID, key.EntityType)
		if err != nil {
			return nil, err
		}
		return buildDiagram(wf, nil, nil)
	}

	st, err := e.liveState(ctx, key)
	if err != nil {
		return nil, err
	}
	wf, err := e.store.GetWorkflow(ctx, key.TenantID, st.WorkflowID)
	if err != nil {
		return nil, err
	}
	history, err := e.History(ctx, key)
	if err != nil {
		return nil, err
	}
	return buildDiagram(wf, st, history)
}

func buildDiagram(wf *schema.Workflow, st *schema.EntityState, history []schema.HistoryEntry) (*diagram.DiagramModel, error) {
	m, err := diagram.Build(wf, st, history)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeInvalidDefinition, err.Error()).WithCause(err)
	}
	return m, nil
}
