package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/entityflow/pkg/schema"
)

const bundleSchemaURL = "https://entityflow.dev/schemas/bundle.json"

// bundleSchemaJSON describes a definitions bundle. Field configs, transition
// conditions, actions and channels are tagged variants: each tag admits only
// its own keys.
const bundleSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://entityflow.dev/schemas/bundle.json",
  "type": "object",
  "required": ["tenant_id"],
  "properties": {
    "tenant_id": { "type": "string", "minLength": 1 },
    "fields": { "type": "array", "items": { "$ref": "#/$defs/field" } },
    "workflows": { "type": "array", "items": { "$ref": "#/$defs/workflow" } },
    "rules": { "type": "array", "items": { "$ref": "#/$defs/rule" } },
    "users": { "type": "array", "items": { "$ref": "#/$defs/user" } }
  },
  "additionalProperties": false,
  "$defs": {
    "name": { "type": "string", "pattern": "^[a-zA-Z][a-zA-Z0-9_.-]*$" },
    "roles": { "type": "array", "items": { "type": "string", "minLength": 1 } },
    "duration": { "type": "string", "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$" },
    "operator": { "type": "string", "enum": ["==", "!=", ">", "<", "contains", "empty", "not_empty"] },

    "field": {
      "type": "object",
      "required": ["entity_type", "key", "label", "type"],
      "properties": {
        "id": { "type": "string" },
        "tenant_id": { "type": "string" },
        "entity_type": { "$ref": "#/$defs/name" },
        "key": { "$ref": "#/$defs/name" },
        "label": { "type": "string", "minLength": 1 },
        "type": {
          "type": "string",
          "enum": ["text", "textarea", "rich_text", "number", "decimal", "currency", "date", "datetime",
                   "time", "select", "multiselect", "radio", "checkbox", "boolean", "file", "image", "url",
                   "email", "phone", "color", "json"]
        },
        "config": { "type": "object" },
        "required": { "type": "boolean" },
        "validation_rules": { "type": "array", "items": { "$ref": "#/$defs/validation_rule" } },
        "sort_order": { "type": "integer" },
        "field_group": { "type": "string" },
        "conditional_logic": { "type": "array", "items": { "$ref": "#/$defs/conditional_rule" } },
        "can_view": { "$ref": "#/$defs/roles" },
        "can_edit": { "$ref": "#/$defs/roles" },
        "is_active": { "type": "boolean" }
      },
      "additionalProperties": false,
      "allOf": [
        { "if": { "$ref": "#/$defs/is_options_type" }, "then": { "properties": { "config": { "$ref": "#/$defs/config_options" } }, "required": ["config"] } },
        { "if": { "$ref": "#/$defs/is_numeric_type" }, "then": { "properties": { "config": { "$ref": "#/$defs/config_numeric" } } } },
        { "if": { "$ref": "#/$defs/is_text_type" }, "then": { "properties": { "config": { "$ref": "#/$defs/config_text" } } } },
        { "if": { "$ref": "#/$defs/is_rich_text_type" }, "then": { "properties": { "config": { "$ref": "#/$defs/config_rich_text" } } } },
        { "if": { "$ref": "#/$defs/is_file_type" }, "then": { "properties": { "config": { "$ref": "#/$defs/config_file" } } } },
        { "if": { "$ref": "#/$defs/is_date_type" }, "then": { "properties": { "config": { "$ref": "#/$defs/config_date" } } } },
        { "if": { "$ref": "#/$defs/is_plain_type" }, "then": { "properties": { "config": { "$ref": "#/$defs/config_common" } } } }
      ]
    },

    "is_options_type": { "required": ["type"], "properties": { "type": { "enum": ["select", "multiselect", "radio"] } } },
    "is_numeric_type": { "required": ["type"], "properties": { "type": { "enum": ["number", "decimal", "currency"] } } },
    "is_text_type": { "required": ["type"], "properties": { "type": { "enum": ["text", "textarea", "url", "email", "phone"] } } },
    "is_rich_text_type": { "required": ["type"], "properties": { "type": { "const": "rich_text" } } },
    "is_file_type": { "required": ["type"], "properties": { "type": { "enum": ["file", "image"] } } },
    "is_date_type": { "required": ["type"], "properties": { "type": { "enum": ["date", "datetime"] } } },
    "is_plain_type": { "required": ["type"], "properties": { "type": { "enum": ["time", "checkbox", "boolean", "color", "json"] } } },

    "config_common": {
      "type": "object",
      "properties": {
        "placeholder": { "type": "string" },
        "help_text": { "type": "string" },
        "default_value": {}
      },
      "additionalProperties": false
    },
    "config_options": {
      "type": "object",
      "required": ["options"],
      "properties": {
        "placeholder": { "type": "string" },
        "help_text": { "type": "string" },
        "default_value": {},
        "options": {
          "type": "array",
          "minItems": 1,
          "items": {
            "type": "object",
            "required": ["label", "value"],
            "properties": {
              "label": { "type": "string" },
              "value": { "type": "string" },
              "color": { "type": "string" }
            },
            "additionalProperties": false
          }
        }
      },
      "additionalProperties": false
    },
    "config_numeric": {
      "type": "object",
      "properties": {
        "placeholder": { "type": "string" },
        "help_text": { "type": "string" },
        "default_value": {},
        "min": { "type": "number" },
        "max": { "type": "number" },
        "step": { "type": "number", "exclusiveMinimum": 0 },
        "prefix": { "type": "string" },
        "suffix": { "type": "string" }
      },
      "additionalProperties": false
    },
    "config_text": {
      "type": "object",
      "properties": {
        "placeholder": { "type": "string" },
        "help_text": { "type": "string" },
        "default_value": {},
        "min_length": { "type": "integer", "minimum": 0 },
        "max_length": { "type": "integer", "minimum": 0 },
        "pattern": { "type": "string", "format": "regex" }
      },
      "additionalProperties": false
    },
    "config_rich_text": {
      "type": "object",
      "properties": {
        "placeholder": { "type": "string" },
        "help_text": { "type": "string" },
        "default_value": {},
        "min_length": { "type": "integer", "minimum": 0 },
        "max_length": { "type": "integer", "minimum": 0 },
        "toolbar_options": { "type": "array", "items": { "type": "string" } }
      },
      "additionalProperties": false
    },
    "config_file": {
      "type": "object",
      "properties": {
        "placeholder": { "type": "string" },
        "help_text": { "type": "string" },
        "default_value": {},
        "max_size": { "type": "integer", "minimum": 1 },
        "allowed_types": { "type": "array", "items": { "type": "string" } },
        "multiple": { "type": "boolean" }
      },
      "additionalProperties": false
    },
    "config_date": {
      "type": "object",
      "properties": {
        "placeholder": { "type": "string" },
        "help_text": { "type": "string" },
        "default_value": {},
        "min_date": { "type": "string" },
        "max_date": { "type": "string" }
      },
      "additionalProperties": false
    },

    "validation_rule": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "type": { "type": "string", "enum": ["required", "min", "max", "pattern", "email", "url", "custom"] },
        "value": {},
        "message": { "type": "string" }
      },
      "additionalProperties": false,
      "allOf": [
        { "if": { "properties": { "type": { "enum": ["min", "max"] } } }, "then": { "required": ["value"], "properties": { "value": { "type": "number" } } } },
        { "if": { "properties": { "type": { "const": "pattern" } } }, "then": { "required": ["value"], "properties": { "value": { "type": "string", "format": "regex" } } } },
        { "if": { "properties": { "type": { "const": "custom" } } }, "then": { "required": ["value"], "properties": { "value": { "type": "string", "minLength": 1 } } } }
      ]
    },

    "conditional_rule": {
      "type": "object",
      "required": ["field", "operator"],
      "properties": {
        "field": { "type": "string", "minLength": 1 },
        "operator": { "$ref": "#/$defs/operator" },
        "value": {},
        "action": { "type": "string", "enum": ["show", "hide", "require", "disable"] }
      },
      "additionalProperties": false
    },

    "workflow": {
      "type": "object",
      "required": ["entity_type", "name", "states", "transitions", "initial_state"],
      "properties": {
        "id": { "type": "string" },
        "tenant_id": { "type": "string" },
        "entity_type": { "$ref": "#/$defs/name" },
        "name": { "type": "string", "minLength": 1 },
        "description": { "type": "string" },
        "states": { "type": "array", "minItems": 1, "items": { "$ref": "#/$defs/state" } },
        "transitions": { "type": "array", "items": { "$ref": "#/$defs/transition" } },
        "initial_state": { "type": "string", "minLength": 1 },
        "allow_manual_transitions": { "type": "boolean" },
        "is_active": { "type": "boolean" }
      },
      "additionalProperties": false
    },
    "state": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "id": { "type": "string" },
        "name": { "type": "string", "minLength": 1 },
        "label": { "type": "string" },
        "color": { "type": "string" },
        "on_enter": { "type": "array", "items": { "$ref": "#/$defs/action" } },
        "on_exit": { "type": "array", "items": { "$ref": "#/$defs/action" } },
        "can_edit": { "$ref": "#/$defs/roles" },
        "can_transition": { "$ref": "#/$defs/roles" }
      },
      "additionalProperties": false
    },
    "transition": {
      "type": "object",
      "required": ["id", "name", "from", "to"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "name": { "type": "string", "minLength": 1 },
        "label": { "type": "string" },
        "from": { "type": "string", "minLength": 1 },
        "to": { "type": "string", "minLength": 1 },
        "conditions": { "type": "array", "items": { "$ref": "#/$defs/condition" } },
        "actions": { "type": "array", "items": { "$ref": "#/$defs/action" } },
        "allowed_roles": { "$ref": "#/$defs/roles" },
        "require_comment": { "type": "boolean" }
      },
      "additionalProperties": false
    },

    "condition": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "type": { "type": "string", "enum": ["field_value", "role", "approval", "custom"] }
      },
      "allOf": [
        { "if": { "properties": { "type": { "const": "field_value" } } }, "then": {
          "required": ["field", "operator"],
          "properties": { "type": {}, "field": { "type": "string", "minLength": 1 }, "operator": { "$ref": "#/$defs/operator" }, "value": {} },
          "additionalProperties": false } },
        { "if": { "properties": { "type": { "const": "role" } } }, "then": {
          "anyOf": [ { "required": ["roles"] }, { "required": ["required_role"] } ],
          "properties": { "type": {}, "roles": { "$ref": "#/$defs/roles" }, "required_role": { "type": "string", "minLength": 1 } },
          "additionalProperties": false } },
        { "if": { "properties": { "type": { "const": "approval" } } }, "then": {
          "required": ["required_approvals"],
          "properties": { "type": {}, "required_approvals": { "type": "integer", "minimum": 1 }, "required_role": { "type": "string" }, "roles": { "$ref": "#/$defs/roles" } },
          "additionalProperties": false } },
        { "if": { "properties": { "type": { "const": "custom" } } }, "then": {
          "required": ["custom_script"],
          "properties": { "type": {}, "custom_script": { "type": "string", "minLength": 1 }, "field": { "type": "string" }, "value": {} },
          "additionalProperties": false } }
      ]
    },

    "action": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "type": { "type": "string", "enum": ["update_field", "send_notification", "create_task", "webhook", "custom"] }
      },
      "allOf": [
        { "if": { "properties": { "type": { "const": "update_field" } } }, "then": {
          "required": ["field"],
          "properties": { "type": {}, "field": { "type": "string", "minLength": 1 }, "value": {}, "timeout": { "$ref": "#/$defs/duration" } },
          "additionalProperties": false } },
        { "if": { "properties": { "type": { "const": "send_notification" } } }, "then": {
          "required": ["channel", "recipients", "notification_template"],
          "properties": {
            "type": {},
            "channel": { "$ref": "#/$defs/channel_type" },
            "recipients": { "type": "array", "minItems": 1, "items": { "$ref": "#/$defs/recipient" } },
            "notification_subject": { "type": "string" },
            "notification_template": { "type": "string", "minLength": 1 },
            "timeout": { "$ref": "#/$defs/duration" }
          },
          "additionalProperties": false } },
        { "if": { "properties": { "type": { "const": "create_task" } } }, "then": {
          "required": ["task_template"],
          "properties": { "type": {}, "task_template": { "type": "string", "minLength": 1 }, "assign_to": { "type": "string" }, "timeout": { "$ref": "#/$defs/duration" } },
          "additionalProperties": false } },
        { "if": { "properties": { "type": { "const": "webhook" } } }, "then": {
          "required": ["webhook_url"],
          "properties": {
            "type": {},
            "webhook_url": { "type": "string", "minLength": 1 },
            "webhook_method": { "type": "string", "enum": ["GET", "POST"] },
            "value": {},
            "timeout": { "$ref": "#/$defs/duration" }
          },
          "additionalProperties": false } },
        { "if": { "properties": { "type": { "const": "custom" } } }, "then": {
          "required": ["custom_script"],
          "properties": { "type": {}, "custom_script": { "type": "string", "minLength": 1 }, "value": {}, "timeout": { "$ref": "#/$defs/duration" } },
          "additionalProperties": false } }
      ]
    },

    "channel_type": { "type": "string", "enum": ["email", "sms", "in_app", "webhook"] },
    "recipient": {
      "type": "object",
      "required": ["type", "value"],
      "properties": {
        "type": { "type": "string", "enum": ["user", "role", "field", "email"] },
        "value": { "type": "string", "minLength": 1 }
      },
      "additionalProperties": false
    },

    "rule": {
      "type": "object",
      "required": ["id", "entity_type", "name", "trigger_type", "channels", "template_body"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "tenant_id": { "type": "string" },
        "entity_type": { "$ref": "#/$defs/name" },
        "name": { "type": "string", "minLength": 1 },
        "description": { "type": "string" },
        "trigger_type": { "type": "string", "enum": ["created", "updated", "deleted", "status_changed", "field_changed", "scheduled"] },
        "trigger_conditions": { "type": "array", "items": { "$ref": "#/$defs/conditional_rule" } },
        "trigger_delay": { "type": "integer", "minimum": 0 },
        "channels": { "type": "array", "minItems": 1, "items": { "$ref": "#/$defs/channel" } },
        "template_subject": { "type": "string" },
        "template_body": { "type": "string", "minLength": 1 },
        "recipients": { "type": "array", "items": { "$ref": "#/$defs/recipient" } },
        "schedule": { "$ref": "#/$defs/schedule" },
        "is_active": { "type": "boolean" }
      },
      "additionalProperties": false
    },
    "channel": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "type": { "$ref": "#/$defs/channel_type" },
        "email_subject": { "type": "string" },
        "email_template": { "type": "string" },
        "sms_template": { "type": "string" },
        "webhook_url": { "type": "string", "minLength": 1 }
      },
      "additionalProperties": false,
      "allOf": [
        { "if": { "properties": { "type": { "const": "webhook" } } }, "then": { "required": ["webhook_url"] } },
        { "if": { "properties": { "type": { "const": "email" } } }, "then": { "not": { "anyOf": [ { "required": ["sms_template"] }, { "required": ["webhook_url"] } ] } } },
        { "if": { "properties": { "type": { "const": "sms" } } }, "then": { "not": { "anyOf": [ { "required": ["email_subject"] }, { "required": ["email_template"] }, { "required": ["webhook_url"] } ] } } }
      ]
    },
    "schedule": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "type": { "type": "string", "enum": ["immediate", "daily", "weekly", "monthly"] },
        "time": { "type": "string", "pattern": "^([01][0-9]|2[0-3]):[0-5][0-9]$" },
        "day_of_week": { "type": "integer", "minimum": 0, "maximum": 6 },
        "day_of_month": { "type": "integer", "minimum": 1, "maximum": 31 }
      },
      "additionalProperties": false,
      "allOf": [
        { "if": { "properties": { "type": { "const": "weekly" } } }, "then": { "required": ["day_of_week"] } },
        { "if": { "properties": { "type": { "const": "monthly" } } }, "then": { "required": ["day_of_month"] } }
      ]
    },

    "user": {
      "type": "object",
      "required": ["id"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "tenant_id": { "type": "string" },
        "name": { "type": "string" },
        "email": { "type": "string", "format": "email" },
        "phone": { "type": "string" },
        "roles": { "$ref": "#/$defs/roles" },
        "inactive": { "type": "boolean" }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator checks the structure of definitions bundles against the
// embedded JSON Schema (draft 2020-12). It is safe for concurrent use.
type JSONSchemaValidator struct {
	bundle *jsonschema.Schema
}

// NewJSONSchemaValidator compiles the bundle schema.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(bundleSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal bundle schema: %w", err)
	}
	if err := c.AddResource(bundleSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add bundle schema resource: %w", err)
	}
	compiled, err := c.Compile(bundleSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile bundle schema: %w", err)
	}
	return &JSONSchemaValidator{bundle: compiled}, nil
}

// Validate checks a decoded bundle document. Each violation becomes one
// error issue located by its JSON pointer.
func (v *JSONSchemaValidator) Validate(doc any) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	value, err := toJSONValue(doc)
	if err != nil {
		result.AddError("/", schema.ErrCodeInvalidDefinition, "bundle is not JSON-compatible: "+err.Error())
		return result
	}
	if err := v.bundle.Validate(value); err != nil {
		verr, ok := err.(*jsonschema.ValidationError)
		if !ok {
			result.AddError("/", schema.ErrCodeInvalidDefinition, err.Error())
			return result
		}
		for _, viol := range collectViolations(verr) {
			result.AddError(viol.path, schema.ErrCodeInvalidDefinition, viol.message)
		}
	}
	return result
}

// toJSONValue round-trips a Go value through JSON so numbers become
// json.Number, as the jsonschema library expects.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

type violation struct {
	path    string
	message string
}

// collectViolations walks a ValidationError tree and keeps its leaves.
func collectViolations(verr *jsonschema.ValidationError) []violation {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []violation{{path: loc, message: fmt.Sprintf("%s: %s", loc, verr.Error())}}
	}
	var out []violation
	for _, cause := range verr.Causes {
		out = append(out, collectViolations(cause)...)
	}
	return out
}
