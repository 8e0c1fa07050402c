// Package streaming publishes committed entity and dispatch events to
// in-process subscribers such as the MCP operator surface.
package streaming

import (
	"context"
	"time"
)

// Stream event types.
const (
	EventEntityCreated      = "entity.created"
	EventEntityUpdated      = "entity.updated"
	EventEntityDeleted      = "entity.deleted"
	EventEntityTransitioned = "entity.transitioned"
	EventActionDegraded     = "action.degraded"
	EventDispatchSent       = "dispatch.sent"
	EventDispatchFailed     = "dispatch.failed"
	EventDispatchCancelled  = "dispatch.cancelled"
	EventInAppNotification  = "notification.in_app"
	EventTaskRequested      = "task.requested"
)

// StreamEvent is a real-time event emitted after a commit.
type StreamEvent struct {
	TenantID   string    `json:"tenant_id"`
	EntityType string    `json:"entity_type,omitempty"`
	EntityID   string    `json:"entity_id,omitempty"`
	EventType  string    `json:"event_type"`
	Payload    any       `json:"payload,omitempty"`
	At         time.Time `json:"at"`
}

// EventFilter specifies which events a subscriber wants to receive.
// Zero fields do not filter.
type EventFilter struct {
	TenantID   string   `json:"tenant_id,omitempty"`
	EntityType string   `json:"entity_type,omitempty"`
	EntityID   string   `json:"entity_id,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for real-time events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
