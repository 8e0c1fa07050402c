package validation

import (
	"fmt"
	"regexp"

	"github.com/rendis/entityflow/internal/expressions"
	"github.com/rendis/entityflow/internal/notify"
	"github.com/rendis/entityflow/pkg/schema"
)

// semantic checks the cross-references JSON Schema cannot express.
func (l *Loader) semantic(b *Bundle) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	known := l.checkFields(b, result)
	l.checkWorkflows(b, known, result)
	l.checkRules(b, known, result)
	checkUsers(b, result)
	return result
}

// checkFields returns the declared field keys per entity type.
func (l *Loader) checkFields(b *Bundle, result *schema.ValidationResult) map[string]map[string]bool {
	known := map[string]map[string]bool{}
	for i := range b.Fields {
		f := &b.Fields[i]
		path := fmt.Sprintf("/fields/%d", i)

		if known[f.EntityType] == nil {
			known[f.EntityType] = map[string]bool{}
		}
		if known[f.EntityType][f.Key] {
			result.AddError(path+"/key", schema.ErrCodeInvalidDefinition,
				fmt.Sprintf("duplicate field key %q for entity type %q", f.Key, f.EntityType))
		}
		known[f.EntityType][f.Key] = true

		if f.Key == schema.StatusKey {
			result.AddError(path+"/key", schema.ErrCodeInvalidDefinition,
				fmt.Sprintf("field key %q is reserved for the workflow state", schema.StatusKey))
		}
		cfg := f.Config
		if cfg.Min != nil && cfg.Max != nil && *cfg.Min > *cfg.Max {
			result.AddError(path+"/config", schema.ErrCodeInvalidDefinition, "config min exceeds max")
		}
		if cfg.MinLength != nil && cfg.MaxLength != nil && *cfg.MinLength > *cfg.MaxLength {
			result.AddError(path+"/config", schema.ErrCodeInvalidDefinition, "config min_length exceeds max_length")
		}
		if cfg.Pattern != "" {
			if _, err := regexp.Compile(cfg.Pattern); err != nil {
				result.AddError(path+"/config/pattern", schema.ErrCodeInvalidDefinition, "invalid pattern: "+err.Error())
			}
		}
		if len(cfg.Options) > 0 {
			seen := map[string]bool{}
			for j, opt := range cfg.Options {
				if seen[opt.Value] {
					result.AddError(fmt.Sprintf("%s/config/options/%d", path, j), schema.ErrCodeInvalidDefinition,
						fmt.Sprintf("duplicate option value %q", opt.Value))
				}
				seen[opt.Value] = true
			}
		}
		for j, vr := range f.ValidationRules {
			if vr.Type == schema.RulePattern {
				if expr, ok := vr.Value.(string); ok {
					if _, err := regexp.Compile(expr); err != nil {
						result.AddError(fmt.Sprintf("%s/validation_rules/%d", path, j), schema.ErrCodeInvalidDefinition,
							"invalid pattern: "+err.Error())
					}
				}
			}
		}
	}

	// Conditional logic may only reference fields of the same entity type.
	for i := range b.Fields {
		f := &b.Fields[i]
		for j, cr := range f.ConditionalLogic {
			path := fmt.Sprintf("/fields/%d/conditional_logic/%d/field", i, j)
			if cr.Field == f.Key {
				result.AddError(path, schema.ErrCodeInvalidDefinition, "conditional logic cannot reference its own field")
				continue
			}
			if !known[f.EntityType][cr.Field] && cr.Field != schema.StatusKey {
				result.AddError(path, schema.ErrCodeInvalidDefinition,
					fmt.Sprintf("unknown field %q", cr.Field))
			}
		}
	}
	return known
}

func (l *Loader) checkWorkflows(b *Bundle, known map[string]map[string]bool, result *schema.ValidationResult) {
	ids := map[string]bool{}
	activeByType := map[string]string{}
	for i := range b.Workflows {
		wf := &b.Workflows[i]
		path := fmt.Sprintf("/workflows/%d", i)

		if ids[wf.ID] {
			result.AddError(path+"/id", schema.ErrCodeInvalidDefinition, fmt.Sprintf("duplicate workflow id %q", wf.ID))
		}
		ids[wf.ID] = true
		if wf.IsActive {
			if other, ok := activeByType[wf.EntityType]; ok {
				result.AddError(path+"/is_active", schema.ErrCodeAmbiguousConfiguration,
					fmt.Sprintf("entity type %q already has active workflow %q", wf.EntityType, other))
			} else {
				activeByType[wf.EntityType] = wf.Name
			}
		}

		states := map[string]bool{}
		for j, s := range wf.States {
			if schema.IsWildcardState(s.Name) {
				result.AddError(fmt.Sprintf("%s/states/%d/name", path, j), schema.ErrCodeInvalidDefinition,
					fmt.Sprintf("state name %q is reserved", s.Name))
			}
			if states[s.Name] {
				result.AddError(fmt.Sprintf("%s/states/%d/name", path, j), schema.ErrCodeInvalidDefinition,
					fmt.Sprintf("duplicate state %q", s.Name))
			}
			states[s.Name] = true
			l.checkActions(s.OnEnter, fmt.Sprintf("%s/states/%d/on_enter", path, j), known[wf.EntityType], result)
			l.checkActions(s.OnExit, fmt.Sprintf("%s/states/%d/on_exit", path, j), known[wf.EntityType], result)
		}
		if !states[wf.InitialState] {
			result.AddError(path+"/initial_state", schema.ErrCodeInvalidDefinition,
				fmt.Sprintf("initial state %q is not declared", wf.InitialState))
		}

		transitions := map[string]bool{}
		for j, t := range wf.Transitions {
			tp := fmt.Sprintf("%s/transitions/%d", path, j)
			if transitions[t.ID] {
				result.AddError(tp+"/id", schema.ErrCodeInvalidDefinition, fmt.Sprintf("duplicate transition id %q", t.ID))
			}
			transitions[t.ID] = true
			if !schema.IsWildcardState(t.From) && !states[t.From] {
				result.AddError(tp+"/from", schema.ErrCodeInvalidDefinition, fmt.Sprintf("unknown state %q", t.From))
			}
			if !states[t.To] {
				result.AddError(tp+"/to", schema.ErrCodeInvalidDefinition, fmt.Sprintf("unknown state %q", t.To))
			}
			for k, c := range t.Conditions {
				cp := fmt.Sprintf("%s/conditions/%d", tp, k)
				switch c.Type {
				case schema.ConditionFieldValue:
					if c.Field != schema.StatusKey && !known[wf.EntityType][c.Field] {
						result.AddWarning(cp+"/field", schema.ErrCodeInvalidDefinition,
							fmt.Sprintf("condition references undeclared field %q", c.Field))
					}
				case schema.ConditionCustom:
					if l.conditions != nil && !l.conditions.HasHandler(c.CustomScript) {
						result.AddError(cp+"/custom_script", schema.ErrCodeUnregisteredHandler,
							fmt.Sprintf("condition handler %q is not registered", c.CustomScript))
					}
				}
			}
			l.checkActions(t.Actions, tp+"/actions", known[wf.EntityType], result)
		}
	}
}

func (l *Loader) checkActions(actions []schema.WorkflowAction, path string, fields map[string]bool, result *schema.ValidationResult) {
	for i, a := range actions {
		ap := fmt.Sprintf("%s/%d", path, i)
		switch a.Type {
		case schema.ActionUpdateField:
			if !fields[a.Field] {
				result.AddError(ap+"/field", schema.ErrCodeInvalidDefinition,
					fmt.Sprintf("update_field targets undeclared field %q", a.Field))
			}
		case schema.ActionSendNotification:
			checkTemplate(a.NotificationSubject, ap+"/notification_subject", result)
			checkTemplate(a.NotificationTemplate, ap+"/notification_template", result)
			checkRecipients(a.Recipients, ap+"/recipients", fields, result)
		case schema.ActionWebhook:
			checkTemplate(a.WebhookURL, ap+"/webhook_url", result)
		case schema.ActionCustom:
			if l.actions != nil && !l.actions.HasCustom(a.CustomScript) {
				result.AddError(ap+"/custom_script", schema.ErrCodeUnregisteredHandler,
					fmt.Sprintf("action handler %q is not registered", a.CustomScript))
			}
		}
	}
}

func (l *Loader) checkRules(b *Bundle, known map[string]map[string]bool, result *schema.ValidationResult) {
	workflowTypes := map[string]bool{}
	for _, wf := range b.Workflows {
		workflowTypes[wf.EntityType] = true
	}
	ids := map[string]bool{}
	for i := range b.Rules {
		r := &b.Rules[i]
		path := fmt.Sprintf("/rules/%d", i)

		if ids[r.ID] {
			result.AddError(path+"/id", schema.ErrCodeInvalidDefinition, fmt.Sprintf("duplicate rule id %q", r.ID))
		}
		ids[r.ID] = true
		if err := notify.ValidateTiming(r); err != nil {
			code := schema.ErrCodeInvalidDefinition
			if ee, ok := schema.AsEngineError(err); ok {
				code = ee.Code
			}
			result.AddError(path, code, err.Error())
		}
		if r.TriggerType == schema.TriggerStatusChanged && !workflowTypes[r.EntityType] {
			result.AddWarning(path+"/trigger_type", schema.ErrCodeInvalidDefinition,
				fmt.Sprintf("no workflow in this bundle for entity type %q", r.EntityType))
		}
		for j, cr := range r.TriggerConditions {
			if cr.Field != schema.StatusKey && !known[r.EntityType][cr.Field] {
				result.AddWarning(fmt.Sprintf("%s/trigger_conditions/%d/field", path, j), schema.ErrCodeInvalidDefinition,
					fmt.Sprintf("trigger condition references undeclared field %q", cr.Field))
			}
		}

		needsRecipients := false
		for j, ch := range r.Channels {
			cp := fmt.Sprintf("%s/channels/%d", path, j)
			checkTemplate(ch.EmailSubject, cp+"/email_subject", result)
			checkTemplate(ch.EmailTemplate, cp+"/email_template", result)
			checkTemplate(ch.SMSTemplate, cp+"/sms_template", result)
			checkTemplate(ch.WebhookURL, cp+"/webhook_url", result)
			if ch.Type != schema.ChannelWebhook {
				needsRecipients = true
			}
		}
		if needsRecipients && len(r.Recipients) == 0 {
			result.AddError(path+"/recipients", schema.ErrCodeInvalidDefinition,
				"rule with non-webhook channels needs at least one recipient")
		}
		checkTemplate(r.TemplateSubject, path+"/template_subject", result)
		checkTemplate(r.TemplateBody, path+"/template_body", result)
		checkRecipients(r.Recipients, path+"/recipients", known[r.EntityType], result)
	}
}

func checkUsers(b *Bundle, result *schema.ValidationResult) {
	seen := map[string]bool{}
	for i, u := range b.Users {
		if seen[u.ID] {
			result.AddError(fmt.Sprintf("/users/%d/id", i), schema.ErrCodeInvalidDefinition,
				fmt.Sprintf("duplicate user id %q", u.ID))
		}
		seen[u.ID] = true
	}
}

func checkTemplate(tmpl, path string, result *schema.ValidationResult) {
	if tmpl == "" {
		return
	}
	if _, err := expressions.Placeholders(tmpl); err != nil {
		result.AddError(path, schema.ErrCodeInvalidDefinition, "invalid template: "+err.Error())
	}
}

func checkRecipients(recipients []schema.Recipient, path string, fields map[string]bool, result *schema.ValidationResult) {
	for i, r := range recipients {
		if r.Type == schema.RecipientField && !fields[r.Value] {
			result.AddWarning(fmt.Sprintf("%s/%d/value", path, i), schema.ErrCodeInvalidDefinition,
				fmt.Sprintf("recipient field %q is not declared", r.Value))
		}
	}
}
