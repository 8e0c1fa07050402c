// Package validation loads definitions bundles (fields, workflows,
// notification rules and directory users) from YAML or JSON and checks them
// in three stages: structural JSON Schema, semantic cross-references, and
// workflow state reachability.
package validation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/rendis/entityflow/internal/identity"
	"github.com/rendis/entityflow/internal/logging"
	"github.com/rendis/entityflow/pkg/schema"
)

// DefaultScheduleTime is the send time of calendar schedules that omit one.
const DefaultScheduleTime = "09:00"

// Bundle is one tenant's set of definitions.
type Bundle struct {
	TenantID  string                    `json:"tenant_id"`
	Fields    []schema.DynamicField     `json:"fields,omitempty"`
	Workflows []schema.Workflow         `json:"workflows,omitempty"`
	Rules     []schema.NotificationRule `json:"rules,omitempty"`
	Users     []identity.User           `json:"users,omitempty"`
}

// ConditionHandlers reports registered custom condition handlers.
// Satisfied by *conditions.Evaluator.
type ConditionHandlers interface {
	HasHandler(name string) bool
}

// ActionHandlers reports registered custom action handlers.
// Satisfied by *actions.Registry.
type ActionHandlers interface {
	HasCustom(name string) bool
}

// LoaderOptions configures a Loader. Nil handler lookups skip the
// registration checks for custom scripts.
type LoaderOptions struct {
	Conditions ConditionHandlers
	Actions    ActionHandlers
	Logger     *slog.Logger
}

// Loader runs the bundle validation pipeline.
type Loader struct {
	structural *JSONSchemaValidator
	conditions ConditionHandlers
	actions    ActionHandlers
	logger     *slog.Logger
}

// NewLoader compiles the bundle schema and returns a Loader.
func NewLoader(opts LoaderOptions) (*Loader, error) {
	sv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, fmt.Errorf("create JSON schema validator: %w", err)
	}
	return &Loader{
		structural: sv,
		conditions: opts.Conditions,
		actions:    opts.Actions,
		logger:     logging.OrDiscard(opts.Logger).With("component", "validation"),
	}, nil
}

// LoadFile reads and validates a bundle file. Both .yaml/.yml and .json
// files are accepted; JSON is a subset of YAML.
func (l *Loader) LoadFile(path string) (*Bundle, *schema.ValidationResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read bundle %s: %w", filepath.Base(path), err)
	}
	return l.Load(data)
}

// Load decodes and validates a bundle. A non-nil error means the bundle was
// rejected; the result then carries every issue found. Warnings never reject.
// Stages short-circuit: semantic checks only run on a structurally valid
// bundle.
func (l *Loader) Load(data []byte) (*Bundle, *schema.ValidationResult, error) {
	result := &schema.ValidationResult{}

	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		result.AddError("/", schema.ErrCodeInvalidDefinition, "parse bundle: "+err.Error())
		return nil, result, result.ToError()
	}
	root, ok := doc.(map[string]any)
	if !ok {
		result.AddError("/", schema.ErrCodeInvalidDefinition, "bundle must be a mapping")
		return nil, result, result.ToError()
	}

	// Stage 1: structural.
	result.Merge(l.structural.Validate(root))
	if !result.Valid() {
		return nil, result, result.ToError()
	}

	bundle, err := decodeStrict(root)
	if err != nil {
		result.AddError("/", schema.ErrCodeInvalidDefinition, err.Error())
		return nil, result, result.ToError()
	}
	applyDefaults(bundle, root)

	// Stage 2: semantic.
	result.Merge(l.semantic(bundle))
	if !result.Valid() {
		return nil, result, result.ToError()
	}

	// Stage 3: reachability. Warnings only.
	for i := range bundle.Workflows {
		result.Merge(checkReachability(&bundle.Workflows[i], fmt.Sprintf("/workflows/%d", i)))
	}

	for _, w := range result.Warnings {
		l.logger.Warn("definition warning", "tenant_id", bundle.TenantID, "path", w.Path, "message", w.Message)
	}
	return bundle, result, nil
}

// decodeStrict converts the YAML tree to JSON and decodes it into a Bundle,
// rejecting unknown keys.
func decodeStrict(root map[string]any) (*Bundle, error) {
	raw, err := json.Marshal(root)
	if err != nil {
		return nil, fmt.Errorf("encode bundle: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var b Bundle
	if err := dec.Decode(&b); err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	return &b, nil
}

// applyDefaults fills tenant IDs, deterministic definition IDs, is_active
// (true unless explicitly false), webhook methods and schedule times.
func applyDefaults(b *Bundle, root map[string]any) {
	for i := range b.Fields {
		f := &b.Fields[i]
		f.TenantID = b.TenantID
		if f.ID == "" {
			f.ID = definitionID(b.TenantID, "field", f.EntityType, f.Key)
		}
		f.IsActive = activeFlag(root, "fields", i)
	}
	for i := range b.Workflows {
		wf := &b.Workflows[i]
		wf.TenantID = b.TenantID
		if wf.ID == "" {
			wf.ID = definitionID(b.TenantID, "workflow", wf.EntityType, wf.Name)
		}
		wf.IsActive = activeFlag(root, "workflows", i)
		for s := range wf.States {
			defaultActions(wf.States[s].OnEnter)
			defaultActions(wf.States[s].OnExit)
		}
		for t := range wf.Transitions {
			defaultActions(wf.Transitions[t].Actions)
		}
	}
	for i := range b.Rules {
		r := &b.Rules[i]
		r.TenantID = b.TenantID
		r.IsActive = activeFlag(root, "rules", i)
		if !r.Schedule.IsImmediate() && r.Schedule.Time == "" {
			r.Schedule.Time = DefaultScheduleTime
		}
	}
	for i := range b.Users {
		b.Users[i].TenantID = b.TenantID
	}
}

func defaultActions(actions []schema.WorkflowAction) {
	for i := range actions {
		if actions[i].Type == schema.ActionWebhook && actions[i].WebhookMethod == "" {
			actions[i].WebhookMethod = "POST"
		}
	}
}

// activeFlag reads is_active from the raw document so an omitted flag means
// active while an explicit false is kept.
func activeFlag(root map[string]any, section string, idx int) bool {
	items, _ := root[section].([]any)
	if idx >= len(items) {
		return true
	}
	item, _ := items[idx].(map[string]any)
	v, ok := item["is_active"].(bool)
	return !ok || v
}

func definitionID(parts ...string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(strings.Join(parts, "\x00"))).String()
}

// DefinitionStore is the persistence needed to install a bundle.
// Satisfied by store.Store.
type DefinitionStore interface {
	SaveField(ctx context.Context, f *schema.DynamicField) error
	SaveWorkflow(ctx context.Context, wf *schema.Workflow) error
	SaveRule(ctx context.Context, r *schema.NotificationRule) error
}

// Install saves every definition of a validated bundle. Workflows are saved
// inactive-first so that swapping the active workflow of an entity type
// inside one bundle does not trip the single-active constraint.
func Install(ctx context.Context, s DefinitionStore, b *Bundle) error {
	for i := range b.Fields {
		if err := s.SaveField(ctx, &b.Fields[i]); err != nil {
			return fmt.Errorf("save field %s.%s: %w", b.Fields[i].EntityType, b.Fields[i].Key, err)
		}
	}
	for _, active := range []bool{false, true} {
		for i := range b.Workflows {
			if b.Workflows[i].IsActive != active {
				continue
			}
			if err := s.SaveWorkflow(ctx, &b.Workflows[i]); err != nil {
				return fmt.Errorf("save workflow %q: %w", b.Workflows[i].Name, err)
			}
		}
	}
	for i := range b.Rules {
		if err := s.SaveRule(ctx, &b.Rules[i]); err != nil {
			return fmt.Errorf("save rule %q: %w", b.Rules[i].ID, err)
		}
	}
	return nil
}
