package validation

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/rendis/entityflow/internal/store"
	"github.com/rendis/entityflow/pkg/schema"
)

const validBundle = `
tenant_id: acme
fields:
  - entity_type: deal
    key: name
    label: Name
    type: text
    required: true
    config:
      max_length: 120
  - entity_type: deal
    key: amount
    label: Amount
    type: currency
    config:
      min: 0
      prefix: "$"
  - entity_type: deal
    key: stage
    label: Stage
    type: select
    config:
      options:
        - {label: Small, value: small}
        - {label: Large, value: large}
  - entity_type: deal
    key: owner_email
    label: Owner email
    type: email
workflows:
  - entity_type: deal
    name: Sales pipeline
    initial_state: draft
    states:
      - name: draft
      - name: review
        on_enter:
          - type: webhook
            webhook_url: "https://hooks.example.test/review/{{entity.id}}"
      - name: won
      - name: lost
    transitions:
      - {id: submit, name: Submit, from: draft, to: review}
      - id: approve
        name: Approve
        from: review
        to: won
        conditions:
          - {type: field_value, field: amount, operator: ">", value: 0}
        actions:
          - {type: update_field, field: stage, value: large}
      - {id: drop, name: Drop, from: "*", to: lost, require_comment: true}
rules:
  - id: deal-won
    entity_type: deal
    name: Deal won
    trigger_type: status_changed
    trigger_conditions:
      - {field: status, operator: "==", value: won}
    channels:
      - type: email
        email_subject: "Won: {{name}}"
      - type: in_app
    template_body: "{{name}} closed at {{amount}}"
    recipients:
      - {type: role, value: sales}
      - {type: field, value: owner_email}
  - id: weekly-digest
    entity_type: deal
    name: Weekly digest
    trigger_type: updated
    channels:
      - {type: webhook, webhook_url: "https://hooks.example.test/digest"}
    template_body: "{{name}} updated"
    schedule: {type: weekly, day_of_week: 1}
users:
  - {id: u-ana, name: Ana, email: ana@acme.test, roles: [sales]}
`

type handlerSet map[string]bool

func (h handlerSet) HasHandler(name string) bool { return h[name] }
func (h handlerSet) HasCustom(name string) bool  { return h[name] }

func newLoader(t *testing.T) *Loader {
	t.Helper()
	l, err := NewLoader(LoaderOptions{})
	require.NoError(t, err)
	return l
}

// mutate decodes validBundle, applies fn and re-encodes the document as JSON.
func mutate(t *testing.T, fn func(doc map[string]any)) []byte {
	t.Helper()
	var doc map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(validBundle), &doc))
	fn(doc)
	out, err := json.Marshal(doc)
	require.NoError(t, err)
	return out
}

func item(doc map[string]any, section string, idx int) map[string]any {
	return doc[section].([]any)[idx].(map[string]any)
}

func hasIssue(issues []schema.ValidationIssue, pathPrefix, code string) bool {
	for _, is := range issues {
		if strings.HasPrefix(is.Path, pathPrefix) && (code == "" || is.Code == code) {
			return true
		}
	}
	return false
}

func TestLoad_ValidBundle(t *testing.T) {
	b, res, err := newLoader(t).Load([]byte(validBundle))
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Empty(t, res.Errors)
	assert.Empty(t, res.Warnings)

	assert.Equal(t, "acme", b.TenantID)
	require.Len(t, b.Fields, 4)
	require.Len(t, b.Workflows, 1)
	require.Len(t, b.Rules, 2)
	require.Len(t, b.Users, 1)

	assert.Equal(t, "acme", b.Fields[0].TenantID)
	assert.True(t, b.Fields[0].IsActive)
	assert.NotEmpty(t, b.Fields[0].ID)
	require.NotNil(t, b.Fields[1].Config.Min)
	assert.Equal(t, 0.0, *b.Fields[1].Config.Min)
	assert.Len(t, b.Fields[2].Config.Options, 2)

	wf := b.Workflows[0]
	assert.True(t, wf.IsActive)
	assert.Equal(t, "acme", wf.TenantID)
	assert.Equal(t, "POST", wf.States[1].OnEnter[0].WebhookMethod)

	assert.True(t, b.Rules[0].IsActive)
	require.NotNil(t, b.Rules[1].Schedule)
	assert.Equal(t, DefaultScheduleTime, b.Rules[1].Schedule.Time)
	assert.Equal(t, "acme", b.Users[0].TenantID)
}

func TestLoad_DeterministicIDs(t *testing.T) {
	l := newLoader(t)
	a, _, err := l.Load([]byte(validBundle))
	require.NoError(t, err)
	b, _, err := l.Load([]byte(validBundle))
	require.NoError(t, err)

	assert.Equal(t, a.Workflows[0].ID, b.Workflows[0].ID)
	assert.Equal(t, a.Fields[2].ID, b.Fields[2].ID)
	assert.NotEqual(t, a.Fields[0].ID, a.Fields[1].ID)
}

func TestLoad_ExplicitInactiveKept(t *testing.T) {
	data := mutate(t, func(doc map[string]any) {
		item(doc, "rules", 0)["is_active"] = false
	})
	b, _, err := newLoader(t).Load(data)
	require.NoError(t, err)
	assert.False(t, b.Rules[0].IsActive)
	assert.True(t, b.Rules[1].IsActive)
}

func TestLoad_ParseErrors(t *testing.T) {
	l := newLoader(t)

	_, res, err := l.Load([]byte("tenant_id: [unclosed"))
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidDefinition))
	assert.False(t, res.Valid())

	_, _, err = l.Load([]byte("- just\n- a list\n"))
	require.Error(t, err)
}

func TestLoad_Structural(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(doc map[string]any)
		path   string
	}{
		{
			name:   "unknown top-level key",
			mutate: func(doc map[string]any) { doc["extras"] = true },
			path:   "/",
		},
		{
			name:   "missing tenant",
			mutate: func(doc map[string]any) { delete(doc, "tenant_id") },
			path:   "/",
		},
		{
			name: "numeric field rejects options",
			mutate: func(doc map[string]any) {
				item(doc, "fields", 1)["config"].(map[string]any)["options"] = []any{map[string]any{"label": "x", "value": "x"}}
			},
			path: "/fields/1",
		},
		{
			name:   "select field without options",
			mutate: func(doc map[string]any) { delete(item(doc, "fields", 2), "config") },
			path:   "/fields/2",
		},
		{
			name:   "unknown field type",
			mutate: func(doc map[string]any) { item(doc, "fields", 0)["type"] = "hologram" },
			path:   "/fields/0",
		},
		{
			name: "webhook channel without url",
			mutate: func(doc map[string]any) {
				item(doc, "rules", 1)["channels"] = []any{map[string]any{"type": "webhook"}}
			},
			path: "/rules/1/channels/0",
		},
		{
			name: "sms channel with email keys",
			mutate: func(doc map[string]any) {
				item(doc, "rules", 0)["channels"] = []any{map[string]any{"type": "sms", "email_subject": "hi"}}
			},
			path: "/rules/0/channels/0",
		},
		{
			name:   "bad schedule time",
			mutate: func(doc map[string]any) { item(doc, "rules", 1)["schedule"].(map[string]any)["time"] = "25:00" },
			path:   "/rules/1/schedule",
		},
		{
			name:   "weekly schedule without day",
			mutate: func(doc map[string]any) { delete(item(doc, "rules", 1)["schedule"].(map[string]any), "day_of_week") },
			path:   "/rules/1/schedule",
		},
		{
			name: "approval condition without count",
			mutate: func(doc map[string]any) {
				tr := item(doc, "workflows", 0)["transitions"].([]any)[1].(map[string]any)
				tr["conditions"] = []any{map[string]any{"type": "approval"}}
			},
			path: "/workflows/0/transitions/1/conditions/0",
		},
		{
			name: "action with foreign key",
			mutate: func(doc map[string]any) {
				tr := item(doc, "workflows", 0)["transitions"].([]any)[1].(map[string]any)
				tr["actions"] = []any{map[string]any{"type": "update_field", "field": "stage", "webhook_url": "http://x"}}
			},
			path: "/workflows/0/transitions/1/actions/0",
		},
		{
			name:   "invalid user email",
			mutate: func(doc map[string]any) { item(doc, "users", 0)["email"] = "not-an-email" },
			path:   "/users/0",
		},
	}

	l := newLoader(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, res, err := l.Load(mutate(t, tt.mutate))
			require.Error(t, err)
			assert.Nil(t, b)
			assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidDefinition))
			assert.True(t, hasIssue(res.Errors, tt.path, schema.ErrCodeInvalidDefinition), "errors: %+v", res.Errors)
		})
	}
}

func TestLoad_Semantic(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(doc map[string]any)
		path   string
		code   string
	}{
		{
			name: "duplicate field key",
			mutate: func(doc map[string]any) {
				doc["fields"] = append(doc["fields"].([]any), map[string]any{
					"entity_type": "deal", "key": "name", "label": "Again", "type": "text",
				})
			},
			path: "/fields/4/key",
			code: schema.ErrCodeInvalidDefinition,
		},
		{
			name: "reserved status key",
			mutate: func(doc map[string]any) {
				item(doc, "fields", 0)["key"] = "status"
			},
			path: "/fields/0/key",
			code: schema.ErrCodeInvalidDefinition,
		},
		{
			name:   "min above max",
			mutate: func(doc map[string]any) { item(doc, "fields", 1)["config"].(map[string]any)["max"] = -5 },
			path:   "/fields/1/config",
			code:   schema.ErrCodeInvalidDefinition,
		},
		{
			name:   "undeclared initial state",
			mutate: func(doc map[string]any) { item(doc, "workflows", 0)["initial_state"] = "limbo" },
			path:   "/workflows/0/initial_state",
			code:   schema.ErrCodeInvalidDefinition,
		},
		{
			name: "transition to unknown state",
			mutate: func(doc map[string]any) {
				item(doc, "workflows", 0)["transitions"].([]any)[0].(map[string]any)["to"] = "nowhere"
			},
			path: "/workflows/0/transitions/0/to",
			code: schema.ErrCodeInvalidDefinition,
		},
		{
			name: "duplicate transition id",
			mutate: func(doc map[string]any) {
				item(doc, "workflows", 0)["transitions"].([]any)[1].(map[string]any)["id"] = "submit"
			},
			path: "/workflows/0/transitions/1/id",
			code: schema.ErrCodeInvalidDefinition,
		},
		{
			name: "update of undeclared field",
			mutate: func(doc map[string]any) {
				tr := item(doc, "workflows", 0)["transitions"].([]any)[1].(map[string]any)
				tr["actions"] = []any{map[string]any{"type": "update_field", "field": "ghost"}}
			},
			path: "/workflows/0/transitions/1/actions/0/field",
			code: schema.ErrCodeInvalidDefinition,
		},
		{
			name: "two active workflows",
			mutate: func(doc map[string]any) {
				doc["workflows"] = append(doc["workflows"].([]any), map[string]any{
					"entity_type":   "deal",
					"name":          "Second pipeline",
					"initial_state": "open",
					"states":        []any{map[string]any{"name": "open"}},
					"transitions":   []any{},
				})
			},
			path: "/workflows/1/is_active",
			code: schema.ErrCodeAmbiguousConfiguration,
		},
		{
			name: "delay with schedule",
			mutate: func(doc map[string]any) {
				item(doc, "rules", 1)["trigger_delay"] = 60
			},
			path: "/rules/1",
			code: schema.ErrCodeAmbiguousConfiguration,
		},
		{
			name:   "duplicate rule id",
			mutate: func(doc map[string]any) { item(doc, "rules", 1)["id"] = "deal-won" },
			path:   "/rules/1/id",
			code:   schema.ErrCodeInvalidDefinition,
		},
		{
			name:   "unclosed placeholder",
			mutate: func(doc map[string]any) { item(doc, "rules", 0)["template_body"] = "{{name closed" },
			path:   "/rules/0/template_body",
			code:   schema.ErrCodeInvalidDefinition,
		},
		{
			name:   "email rule without recipients",
			mutate: func(doc map[string]any) { delete(item(doc, "rules", 0), "recipients") },
			path:   "/rules/0/recipients",
			code:   schema.ErrCodeInvalidDefinition,
		},
		{
			name: "duplicate user",
			mutate: func(doc map[string]any) {
				doc["users"] = append(doc["users"].([]any), map[string]any{"id": "u-ana"})
			},
			path: "/users/1/id",
			code: schema.ErrCodeInvalidDefinition,
		},
	}

	l := newLoader(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, res, err := l.Load(mutate(t, tt.mutate))
			require.Error(t, err)
			assert.True(t, hasIssue(res.Errors, tt.path, tt.code), "errors: %+v", res.Errors)
		})
	}
}

func TestLoad_UnregisteredHandlers(t *testing.T) {
	data := mutate(t, func(doc map[string]any) {
		tr := item(doc, "workflows", 0)["transitions"].([]any)[1].(map[string]any)
		tr["conditions"] = []any{map[string]any{"type": "custom", "custom_script": "credit_ok"}}
		tr["actions"] = []any{map[string]any{"type": "custom", "custom_script": "sync_crm"}}
	})

	// Without lookups the names are not checked.
	_, _, err := newLoader(t).Load(data)
	require.NoError(t, err)

	l, err := NewLoader(LoaderOptions{Conditions: handlerSet{}, Actions: handlerSet{}})
	require.NoError(t, err)
	_, res, err := l.Load(data)
	require.Error(t, err)
	assert.True(t, hasIssue(res.Errors, "/workflows/0/transitions/1/conditions/0/custom_script", schema.ErrCodeUnregisteredHandler))
	assert.True(t, hasIssue(res.Errors, "/workflows/0/transitions/1/actions/0/custom_script", schema.ErrCodeUnregisteredHandler))

	registered := handlerSet{"credit_ok": true, "sync_crm": true}
	l, err = NewLoader(LoaderOptions{Conditions: registered, Actions: registered})
	require.NoError(t, err)
	_, _, err = l.Load(data)
	require.NoError(t, err)
}

func TestLoad_Warnings(t *testing.T) {
	data := mutate(t, func(doc map[string]any) {
		wf := item(doc, "workflows", 0)
		wf["states"] = append(wf["states"].([]any), map[string]any{"name": "archived"})
		item(doc, "rules", 0)["recipients"] = []any{map[string]any{"type": "field", "value": "manager_email"}}
	})

	b, res, err := newLoader(t).Load(data)
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.True(t, hasIssue(res.Warnings, "/workflows/0/states/4", ""))
	assert.True(t, hasIssue(res.Warnings, "/rules/0/recipients/0/value", ""))
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "acme.json")
	require.NoError(t, os.WriteFile(path, mutate(t, func(map[string]any) {}), 0o600))

	b, _, err := newLoader(t).LoadFile(path)
	require.NoError(t, err)
	assert.Len(t, b.Rules, 2)

	_, _, err = newLoader(t).LoadFile(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
}

func TestInstall(t *testing.T) {
	b, _, err := newLoader(t).Load([]byte(validBundle))
	require.NoError(t, err)

	ms := store.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, Install(ctx, ms, b))

	fields, err := ms.ListFields(ctx, "acme", "deal", false)
	require.NoError(t, err)
	assert.Len(t, fields, 4)

	wf, err := ms.ActiveWorkflow(ctx, "acme", "deal")
	require.NoError(t, err)
	assert.Equal(t, "Sales pipeline", wf.Name)

	rules, err := ms.ListRules(ctx, store.RuleFilter{TenantID: "acme", ActiveOnly: true})
	require.NoError(t, err)
	assert.Len(t, rules, 2)

	// Reinstalling the same bundle is idempotent.
	require.NoError(t, Install(ctx, ms, b))
}
