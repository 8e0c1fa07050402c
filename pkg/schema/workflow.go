package schema

import "time"

// Wildcard source states: a transition from "*" (or "any") applies in every state.
const (
	WildcardState    = "*"
	WildcardStateAny = "any"
)

// IsWildcardState reports whether a transition source matches every state.
func IsWildcardState(s string) bool {
	return s == WildcardState || s == WildcardStateAny
}

// Workflow is a tenant's state machine for one entity type.
type Workflow struct {
	ID                     string               `json:"id"`
	TenantID               string               `json:"tenant_id"`
	EntityType             string               `json:"entity_type"`
	Name                   string               `json:"name"`
	Description            string               `json:"description,omitempty"`
	States                 []WorkflowState      `json:"states"`
	Transitions            []WorkflowTransition `json:"transitions"`
	InitialState           string               `json:"initial_state"`
	AllowManualTransitions bool                 `json:"allow_manual_transitions"`
	IsActive               bool                 `json:"is_active"`
	CreatedAt              time.Time            `json:"created_at"`
	UpdatedAt              time.Time            `json:"updated_at"`
}

// State returns the declared state with the given name.
func (w *Workflow) State(name string) (*WorkflowState, bool) {
	for i := range w.States {
		if w.States[i].Name == name {
			return &w.States[i], true
		}
	}
	return nil, false
}

// Transition returns the declared transition with the given id along with its declaration index.
func (w *Workflow) Transition(id string) (*WorkflowTransition, int, bool) {
	for i := range w.Transitions {
		if w.Transitions[i].ID == id {
			return &w.Transitions[i], i, true
		}
	}
	return nil, -1, false
}

// IsTerminal reports whether no transition leaves the given state.
func (w *Workflow) IsTerminal(state string) bool {
	for _, t := range w.Transitions {
		if t.From == state || IsWildcardState(t.From) {
			return false
		}
	}
	return true
}

// WorkflowState is a named state with entry/exit actions.
type WorkflowState struct {
	ID            string           `json:"id,omitempty"`
	Name          string           `json:"name"`
	Label         string           `json:"label,omitempty"`
	Color         string           `json:"color,omitempty"`
	OnEnter       []WorkflowAction `json:"on_enter,omitempty"`
	OnExit        []WorkflowAction `json:"on_exit,omitempty"`
	CanEdit       []string         `json:"can_edit,omitempty"`       // roles allowed to edit fields while in this state
	CanTransition []string         `json:"can_transition,omitempty"` // roles allowed to move entities out of this state
}

// WorkflowTransition is a declared move between two states.
type WorkflowTransition struct {
	ID             string                `json:"id"`
	Name           string                `json:"name"`
	Label          string                `json:"label,omitempty"`
	From           string                `json:"from"`
	To             string                `json:"to"`
	Conditions     []TransitionCondition `json:"conditions,omitempty"`
	Actions        []WorkflowAction      `json:"actions,omitempty"`
	AllowedRoles   []string              `json:"allowed_roles,omitempty"` // empty = all roles
	RequireComment bool                  `json:"require_comment,omitempty"`
}

// ConditionType enumerates transition condition kinds.
type ConditionType string

const (
	ConditionFieldValue ConditionType = "field_value"
	ConditionRole       ConditionType = "role"
	ConditionApproval   ConditionType = "approval"
	ConditionCustom     ConditionType = "custom"
)

// TransitionCondition gates a transition. All conditions of a transition are AND-combined.
type TransitionCondition struct {
	Type              ConditionType `json:"type"`
	Field             string        `json:"field,omitempty"`
	Operator          Operator      `json:"operator,omitempty"`
	Value             any           `json:"value,omitempty"`
	Roles             []string      `json:"roles,omitempty"`
	RequiredRole      string        `json:"required_role,omitempty"`
	RequiredApprovals int           `json:"required_approvals,omitempty"`
	CustomScript      string        `json:"custom_script,omitempty"` // registered handler name
}

// ActionType enumerates side-effecting workflow actions.
type ActionType string

const (
	ActionUpdateField      ActionType = "update_field"
	ActionSendNotification ActionType = "send_notification"
	ActionCreateTask       ActionType = "create_task"
	ActionWebhook          ActionType = "webhook"
	ActionCustom           ActionType = "custom"
)

// WorkflowAction is a side effect run on state entry/exit or on a transition.
type WorkflowAction struct {
	Type                 ActionType  `json:"type"`
	Field                string      `json:"field,omitempty"`
	Value                any         `json:"value,omitempty"`
	NotificationSubject  string      `json:"notification_subject,omitempty"`
	NotificationTemplate string      `json:"notification_template,omitempty"`
	Channel              ChannelType `json:"channel,omitempty"`
	Recipients           []Recipient `json:"recipients,omitempty"`
	TaskTemplate         string      `json:"task_template,omitempty"`
	AssignTo             string      `json:"assign_to,omitempty"`
	WebhookURL           string      `json:"webhook_url,omitempty"`
	WebhookMethod        string      `json:"webhook_method,omitempty"` // GET | POST (default: POST)
	CustomScript         string      `json:"custom_script,omitempty"`
	Timeout              string      `json:"timeout,omitempty"`
}

// HistoryEntry is an immutable record of one committed state change.
type HistoryEntry struct {
	ID             string         `json:"id"`
	TenantID       string         `json:"tenant_id"`
	WorkflowID     string         `json:"workflow_id"`
	EntityType     string         `json:"entity_type"`
	EntityID       string         `json:"entity_id"`
	Sequence       int64          `json:"sequence"`
	FromState      string         `json:"from_state"`
	ToState        string         `json:"to_state"`
	TransitionID   string         `json:"transition_id,omitempty"`
	TransitionName string         `json:"transition_name,omitempty"`
	PerformedBy    string         `json:"performed_by"`
	PerformedAt    time.Time      `json:"performed_at"`
	Comment        string         `json:"comment,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// EntityState is the workflow position of one entity, versioned for optimistic locking.
type EntityState struct {
	TenantID     string    `json:"tenant_id"`
	EntityType   string    `json:"entity_type"`
	EntityID     string    `json:"entity_id"`
	WorkflowID   string    `json:"workflow_id"`
	CurrentState string    `json:"current_state"`
	Version      int64     `json:"version"`
	Deleted      bool      `json:"deleted"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Approval is one user's sign-off on a pending transition.
type Approval struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenant_id"`
	EntityType   string    `json:"entity_type"`
	EntityID     string    `json:"entity_id"`
	TransitionID string    `json:"transition_id"`
	State        string    `json:"state"`
	UserID       string    `json:"user_id"`
	ApprovedAt   time.Time `json:"approved_at"`
}

// RetryPolicy configures backoff between delivery attempts.
type RetryPolicy struct {
	Max      int    `json:"max" yaml:"max"`
	Backoff  string `json:"backoff,omitempty" yaml:"backoff"` // none | linear | exponential | constant
	Delay    string `json:"delay,omitempty" yaml:"delay"`
	MaxDelay string `json:"max_delay,omitempty" yaml:"max_delay"`
}
