package actions

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/rendis/entityflow/internal/expressions"
	"github.com/rendis/entityflow/internal/store"
	"github.com/rendis/entityflow/pkg/schema"
)

// FieldWriter applies validated system writes to entity fields.
// Satisfied by engine.Engine.
type FieldWriter interface {
	WriteSystemFields(ctx context.Context, tenantID, entityType, entityID string, values map[string]any, cause string) error
}

// FieldWriterFunc adapts a function to FieldWriter.
type FieldWriterFunc func(ctx context.Context, tenantID, entityType, entityID string, values map[string]any, cause string) error

// WriteSystemFields calls f.
func (f FieldWriterFunc) WriteSystemFields(ctx context.Context, tenantID, entityType, entityID string, values map[string]any, cause string) error {
	return f(ctx, tenantID, entityType, entityID, values, cause)
}

// Outbox writes records atomically. Satisfied by store.Store.
type Outbox interface {
	WithinTx(ctx context.Context, fn func(tx store.Tx) error) error
}

// Task is a follow-up work item requested by a create_task action.
type Task struct {
	TenantID   string         `json:"tenant_id"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Template   string         `json:"template"`
	Title      string         `json:"title"`
	AssignTo   string         `json:"assign_to,omitempty"`
	Values     map[string]any `json:"values,omitempty"`
}

// TaskCreator is the external task subsystem.
type TaskCreator interface {
	CreateTask(ctx context.Context, task Task) (string, error)
}

// Deps are the collaborators of the built-in actions. Nil collaborators make
// the corresponding action fail with UNREGISTERED_HANDLER.
type Deps struct {
	Fields   FieldWriter
	Outbox   Outbox
	Tasks    TaskCreator
	Renderer *expressions.Renderer
	Signer   Signer
	Webhook  WebhookConfig
}

// RegisterBuiltins registers every built-in action kind.
func RegisterBuiltins(reg *Registry, deps Deps) error {
	builtins := []Action{
		&updateFieldAction{fields: deps.Fields, renderer: deps.Renderer},
		&sendNotificationAction{outbox: deps.Outbox},
		&createTaskAction{tasks: deps.Tasks, renderer: deps.Renderer},
		NewWebhookAction(deps.Webhook, deps.Renderer, deps.Signer),
		&customAction{registry: reg},
	}
	for _, a := range builtins {
		if err := reg.Register(a); err != nil {
			return err
		}
	}
	return nil
}

func unavailable(kind schema.ActionType, what string) error {
	return schema.NewErrorf(schema.ErrCodeUnregisteredHandler, "%s action has no %s configured", kind, what)
}

// renderValue expands placeholders in string values and leaves other values untouched.
func renderValue(ctx context.Context, r *expressions.Renderer, tenantID string, v any, data map[string]any) (any, error) {
	s, ok := v.(string)
	if !ok || r == nil || !strings.Contains(s, "{{") {
		return v, nil
	}
	return r.Render(ctx, tenantID, s, data)
}

// --- update_field ---

type updateFieldAction struct {
	fields   FieldWriter
	renderer *expressions.Renderer
}

func (a *updateFieldAction) Type() schema.ActionType { return schema.ActionUpdateField }

func (a *updateFieldAction) Execute(ctx context.Context, in Input) (*Output, error) {
	if a.fields == nil {
		return nil, unavailable(a.Type(), "field writer")
	}
	if in.Action.Field == "" {
		return nil, schema.NewError(schema.ErrCodeInvalidDefinition, "update_field: missing field")
	}
	value, err := renderValue(ctx, a.renderer, in.TenantID, in.Action.Value, in.Data())
	if err != nil {
		return nil, err
	}
	cause := string(in.Phase)
	if in.TransitionID != "" {
		cause += ":" + in.TransitionID
	}
	err = a.fields.WriteSystemFields(ctx, in.TenantID, in.EntityType, in.EntityID,
		map[string]any{in.Action.Field: value}, cause)
	if err != nil {
		return nil, err
	}
	return &Output{Data: map[string]any{"field": in.Action.Field, "value": value}}, nil
}

// --- send_notification ---

type sendNotificationAction struct {
	outbox Outbox
}

func (a *sendNotificationAction) Type() schema.ActionType { return schema.ActionSendNotification }

func (a *sendNotificationAction) Execute(ctx context.Context, in Input) (*Output, error) {
	act := in.Action
	if act.NotificationTemplate == "" {
		return nil, schema.NewError(schema.ErrCodeInvalidDefinition, "send_notification: missing template")
	}
	if len(act.Recipients) == 0 {
		return nil, schema.NewError(schema.ErrCodeInvalidDefinition, "send_notification: no recipients")
	}
	channel := act.Channel
	if channel == "" {
		channel = schema.ChannelInApp
	}
	note := schema.DirectNotification{
		EventID:    in.EventID,
		TenantID:   in.TenantID,
		EntityType: in.EntityType,
		EntityID:   in.EntityID,
		Channel:    channel,
		Subject:    act.NotificationSubject,
		Body:       act.NotificationTemplate,
		Recipients: act.Recipients,
		Snapshot:   in.Values,
	}
	payload, err := json.Marshal(note)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeActionFailed, "send_notification: marshal payload").WithCause(err)
	}
	rec := &schema.OutboxRecord{
		ID:       uuid.NewString(),
		TenantID: in.TenantID,
		Kind:     schema.OutboxNotification,
		Payload:  payload,
	}
	data := map[string]any{"outbox_id": rec.ID, "recipients": len(act.Recipients)}
	if stage := stageFrom(ctx); stage != nil {
		if err := stage.add(rec); err != nil {
			return nil, err
		}
		data["staged"] = true
		return &Output{Data: data}, nil
	}
	if a.outbox == nil {
		return nil, unavailable(a.Type(), "outbox")
	}
	if err := a.outbox.WithinTx(ctx, func(tx store.Tx) error { return tx.EnqueueOutbox(ctx, rec) }); err != nil {
		return nil, err
	}
	return &Output{Data: data}, nil
}

// --- create_task ---

type createTaskAction struct {
	tasks    TaskCreator
	renderer *expressions.Renderer
}

func (a *createTaskAction) Type() schema.ActionType { return schema.ActionCreateTask }

func (a *createTaskAction) Execute(ctx context.Context, in Input) (*Output, error) {
	if a.tasks == nil {
		return nil, unavailable(a.Type(), "task creator")
	}
	title, err := renderValue(ctx, a.renderer, in.TenantID, in.Action.TaskTemplate, in.Data())
	if err != nil {
		return nil, err
	}
	assignee, err := renderValue(ctx, a.renderer, in.TenantID, in.Action.AssignTo, in.Data())
	if err != nil {
		return nil, err
	}
	task := Task{
		TenantID:   in.TenantID,
		EntityType: in.EntityType,
		EntityID:   in.EntityID,
		Template:   in.Action.TaskTemplate,
		Title:      title.(string),
		AssignTo:   assignee.(string),
		Values:     in.Values,
	}
	id, err := a.tasks.CreateTask(ctx, task)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeActionFailed, "create_task: %s", err.Error()).WithCause(err)
	}
	return &Output{Data: map[string]any{"task_id": id}}, nil
}

// --- custom ---

type customAction struct {
	registry *Registry
}

func (a *customAction) Type() schema.ActionType { return schema.ActionCustom }

func (a *customAction) Execute(ctx context.Context, in Input) (*Output, error) {
	h, err := a.registry.Custom(in.Action.CustomScript)
	if err != nil {
		return nil, err
	}
	data, err := h(ctx, in)
	if err != nil {
		return nil, err
	}
	return &Output{Data: data}, nil
}
