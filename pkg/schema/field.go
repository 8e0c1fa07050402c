package schema

import (
	"encoding/json"
	"time"
)

// FieldType enumerates the dynamic field types a tenant can declare.
type FieldType string

const (
	FieldText        FieldType = "text"
	FieldTextarea    FieldType = "textarea"
	FieldRichText    FieldType = "rich_text"
	FieldNumber      FieldType = "number"
	FieldDecimal     FieldType = "decimal"
	FieldCurrency    FieldType = "currency"
	FieldDate        FieldType = "date"
	FieldDatetime    FieldType = "datetime"
	FieldTime        FieldType = "time"
	FieldSelect      FieldType = "select"
	FieldMultiselect FieldType = "multiselect"
	FieldRadio       FieldType = "radio"
	FieldCheckbox    FieldType = "checkbox"
	FieldBoolean     FieldType = "boolean"
	FieldFile        FieldType = "file"
	FieldImage       FieldType = "image"
	FieldURL         FieldType = "url"
	FieldEmail       FieldType = "email"
	FieldPhone       FieldType = "phone"
	FieldColor       FieldType = "color"
	FieldJSON        FieldType = "json"
)

// AllFieldTypes lists every supported field type in declaration order.
var AllFieldTypes = []FieldType{
	FieldText, FieldTextarea, FieldRichText, FieldNumber, FieldDecimal, FieldCurrency,
	FieldDate, FieldDatetime, FieldTime, FieldSelect, FieldMultiselect, FieldRadio,
	FieldCheckbox, FieldBoolean, FieldFile, FieldImage, FieldURL, FieldEmail,
	FieldPhone, FieldColor, FieldJSON,
}

// ValueKind names the typed storage slot of a DynamicFieldValue.
type ValueKind string

const (
	ValueText     ValueKind = "text"
	ValueNumber   ValueKind = "number"
	ValueBoolean  ValueKind = "boolean"
	ValueDate     ValueKind = "date"
	ValueDatetime ValueKind = "datetime"
	ValueJSON     ValueKind = "json"
)

// DateLayout is the wire format of date-only values.
const DateLayout = "2006-01-02"

// Slot returns the storage slot for a field type.
func (t FieldType) Slot() ValueKind {
	switch t {
	case FieldNumber, FieldDecimal, FieldCurrency:
		return ValueNumber
	case FieldBoolean, FieldCheckbox:
		return ValueBoolean
	case FieldDate:
		return ValueDate
	case FieldDatetime:
		return ValueDatetime
	case FieldMultiselect, FieldFile, FieldImage, FieldJSON:
		return ValueJSON
	default:
		return ValueText
	}
}

// Valid reports whether t is a known field type.
func (t FieldType) Valid() bool {
	for _, ft := range AllFieldTypes {
		if ft == t {
			return true
		}
	}
	return false
}

// FieldOption is one choice of a select, multiselect or radio field.
type FieldOption struct {
	Label string `json:"label"`
	Value string `json:"value"`
	Color string `json:"color,omitempty"`
}

// FieldConfig holds type-specific configuration. Which keys are admitted for a
// given FieldType is enforced when definitions are loaded.
type FieldConfig struct {
	Options []FieldOption `json:"options,omitempty"`

	Min    *float64 `json:"min,omitempty"`
	Max    *float64 `json:"max,omitempty"`
	Step   *float64 `json:"step,omitempty"`
	Prefix string   `json:"prefix,omitempty"`
	Suffix string   `json:"suffix,omitempty"`

	MinLength *int   `json:"min_length,omitempty"`
	MaxLength *int   `json:"max_length,omitempty"`
	Pattern   string `json:"pattern,omitempty"`

	MaxSize      *int64   `json:"max_size,omitempty"`
	AllowedTypes []string `json:"allowed_types,omitempty"`
	Multiple     bool     `json:"multiple,omitempty"`

	ToolbarOptions []string `json:"toolbar_options,omitempty"`

	MinDate string `json:"min_date,omitempty"`
	MaxDate string `json:"max_date,omitempty"`

	Placeholder  string `json:"placeholder,omitempty"`
	HelpText     string `json:"help_text,omitempty"`
	DefaultValue any    `json:"default_value,omitempty"`
}

// ValidationRuleType enumerates declarative value checks.
type ValidationRuleType string

const (
	RuleRequired ValidationRuleType = "required"
	RuleMin      ValidationRuleType = "min"
	RuleMax      ValidationRuleType = "max"
	RulePattern  ValidationRuleType = "pattern"
	RuleEmail    ValidationRuleType = "email"
	RuleURL      ValidationRuleType = "url"
	RuleCustom   ValidationRuleType = "custom"
)

// ValidationRule is a single declarative check on a field value.
type ValidationRule struct {
	Type    ValidationRuleType `json:"type"`
	Value   any                `json:"value,omitempty"` // bound for min/max, regex for pattern, handler name for custom
	Message string             `json:"message,omitempty"`
}

// ConditionalAction is what a satisfied ConditionalRule does to its field.
type ConditionalAction string

const (
	ActionShow    ConditionalAction = "show"
	ActionHide    ConditionalAction = "hide"
	ActionRequire ConditionalAction = "require"
	ActionDisable ConditionalAction = "disable"
)

// Operator is a comparison operator used by conditions.
type Operator string

const (
	OpEquals    Operator = "=="
	OpNotEquals Operator = "!="
	OpGreater   Operator = ">"
	OpLess      Operator = "<"
	OpContains  Operator = "contains"
	OpEmpty     Operator = "empty"
	OpNotEmpty  Operator = "not_empty"
)

// AllOperators lists every supported comparison operator.
var AllOperators = []Operator{OpEquals, OpNotEquals, OpGreater, OpLess, OpContains, OpEmpty, OpNotEmpty}

// ConditionalRule compares another field's value and, when true, applies Action.
type ConditionalRule struct {
	Field    string            `json:"field"`
	Operator Operator          `json:"operator"`
	Value    any               `json:"value,omitempty"`
	Action   ConditionalAction `json:"action,omitempty"`
}

// DynamicField is a tenant-defined field attached to an entity type.
type DynamicField struct {
	ID               string            `json:"id"`
	TenantID         string            `json:"tenant_id"`
	EntityType       string            `json:"entity_type"`
	Key              string            `json:"key"`
	Label            string            `json:"label"`
	Type             FieldType         `json:"type"`
	Config           FieldConfig       `json:"config"`
	Required         bool              `json:"required"`
	ValidationRules  []ValidationRule  `json:"validation_rules,omitempty"`
	SortOrder        int               `json:"sort_order"`
	FieldGroup       string            `json:"field_group,omitempty"`
	ConditionalLogic []ConditionalRule `json:"conditional_logic,omitempty"`
	CanView          []string          `json:"can_view,omitempty"` // empty = all roles
	CanEdit          []string          `json:"can_edit,omitempty"` // empty = all roles
	IsActive         bool              `json:"is_active"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// DynamicFieldValue is the stored value of one field on one entity.
// Exactly one slot matching Kind is populated.
type DynamicFieldValue struct {
	TenantID   string          `json:"tenant_id"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	FieldID    string          `json:"field_id"`
	FieldKey   string          `json:"field_key"`
	Kind       ValueKind       `json:"kind"`
	Text       *string         `json:"value_text,omitempty"`
	Number     *float64        `json:"value_number,omitempty"`
	Boolean    *bool           `json:"value_boolean,omitempty"`
	Date       *time.Time      `json:"value_date,omitempty"`
	Datetime   *time.Time      `json:"value_datetime,omitempty"`
	JSON       json.RawMessage `json:"value_json,omitempty"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Value returns the plain value held by the populated slot. Dates and
// datetimes come back in their wire formats; JSON is decoded.
func (v *DynamicFieldValue) Value() any {
	switch v.Kind {
	case ValueText:
		if v.Text != nil {
			return *v.Text
		}
	case ValueNumber:
		if v.Number != nil {
			return *v.Number
		}
	case ValueBoolean:
		if v.Boolean != nil {
			return *v.Boolean
		}
	case ValueDate:
		if v.Date != nil {
			return v.Date.Format(DateLayout)
		}
	case ValueDatetime:
		if v.Datetime != nil {
			return v.Datetime.UTC().Format(time.RFC3339)
		}
	case ValueJSON:
		if len(v.JSON) > 0 {
			var out any
			if err := json.Unmarshal(v.JSON, &out); err == nil {
				return out
			}
		}
	}
	return nil
}

// ValuesMap flattens stored values into a key to plain value map.
func ValuesMap(values []DynamicFieldValue) map[string]any {
	out := make(map[string]any, len(values))
	for i := range values {
		out[values[i].FieldKey] = values[i].Value()
	}
	return out
}
