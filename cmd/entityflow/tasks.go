package main

import (
	"context"

	"github.com/google/uuid"

	"github.com/rendis/entityflow/internal/actions"
	"github.com/rendis/entityflow/internal/streaming"
	"github.com/rendis/entityflow/pkg/schema"
)

// hubTasks hands create_task requests to the external task subsystem by
// publishing them on the event hub.
type hubTasks struct {
	hub streaming.EventHub
}

func (h hubTasks) CreateTask(ctx context.Context, task actions.Task) (string, error) {
	id := uuid.NewString()
	err := h.hub.Publish(ctx, streaming.StreamEvent{
		TenantID:   task.TenantID,
		EntityType: task.EntityType,
		EntityID:   task.EntityID,
		EventType:  streaming.EventTaskRequested,
		Payload:    map[string]any{"task_id": id, "task": task},
	})
	if err != nil {
		return "", schema.NewError(schema.ErrCodeDeliveryFailed, "publish task request").WithCause(err)
	}
	return id, nil
}

var _ actions.TaskCreator = hubTasks{}
