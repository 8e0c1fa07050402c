package schema

import (
	"encoding/json"
	"time"
)

// EventKind is the kind of committed entity mutation.
type EventKind string

const (
	EventCreated       EventKind = "created"
	EventUpdated       EventKind = "updated"
	EventDeleted       EventKind = "deleted"
	EventStatusChanged EventKind = "status_changed"
)

// StatusKey is the snapshot key that carries the workflow state.
const StatusKey = "status"

// Event is the inbound mutation contract. Before/After are flat field
// snapshots; After may carry a requested status for transition requests.
type Event struct {
	ID           string         `json:"id"`
	TenantID     string         `json:"tenant_id"`
	EntityType   string         `json:"entity_type"`
	EntityID     string         `json:"entity_id"`
	Kind         EventKind      `json:"kind"`
	ActorID      string         `json:"actor_id"`
	ActorRole    string         `json:"actor_role"`
	Before       map[string]any `json:"before,omitempty"`
	After        map[string]any `json:"after,omitempty"`
	Comment      string         `json:"comment,omitempty"`
	TransitionID string         `json:"transition_id,omitempty"`
	System       bool           `json:"system,omitempty"`
	OccurredAt   time.Time      `json:"occurred_at"`
}

// ChangedKeys returns keys whose value differs between Before and After.
func (e *Event) ChangedKeys() []string {
	var keys []string
	seen := make(map[string]bool)
	for k, v := range e.After {
		seen[k] = true
		if old, ok := e.Before[k]; !ok || !equalJSON(old, v) {
			keys = append(keys, k)
		}
	}
	for k := range e.Before {
		if !seen[k] {
			keys = append(keys, k)
		}
	}
	return keys
}

func equalJSON(a, b any) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ja) == string(jb)
}

// OutboxKind distinguishes outbox payloads.
type OutboxKind string

const (
	OutboxEvent        OutboxKind = "event"
	OutboxNotification OutboxKind = "notification"
)

// OutboxRecord is written in the same transaction as the mutation it describes.
type OutboxRecord struct {
	ID          string          `json:"id"`
	TenantID    string          `json:"tenant_id"`
	Kind        OutboxKind      `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
	CreatedAt   time.Time       `json:"created_at"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
}

// DirectNotification is the outbox payload of a send_notification action.
type DirectNotification struct {
	EventID    string         `json:"event_id"`
	TenantID   string         `json:"tenant_id"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Channel    ChannelType    `json:"channel"`
	Subject    string         `json:"subject,omitempty"`
	Body       string         `json:"body"`
	Recipients []Recipient    `json:"recipients"`
	Snapshot   map[string]any `json:"snapshot,omitempty"`
}

// AuditKind enumerates non-history audit entries.
type AuditKind string

const (
	AuditDegradedAction    AuditKind = "degraded_action"
	AuditDispatchSent      AuditKind = "dispatch_sent"
	AuditDispatchFailed    AuditKind = "dispatch_failed"
	AuditDispatchCancelled AuditKind = "dispatch_cancelled"
	AuditConfigError       AuditKind = "config_error"
	AuditAmbiguousMatch    AuditKind = "ambiguous_match"
)

// AuditEntry is an append-only operational record.
type AuditEntry struct {
	ID         string          `json:"id"`
	TenantID   string          `json:"tenant_id"`
	EntityType string          `json:"entity_type,omitempty"`
	EntityID   string          `json:"entity_id,omitempty"`
	Kind       AuditKind       `json:"kind"`
	RefID      string          `json:"ref_id,omitempty"`
	Detail     json.RawMessage `json:"detail,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}
