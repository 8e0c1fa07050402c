package fields

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"path"
	"regexp"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rendis/entityflow/internal/conditions"
	"github.com/rendis/entityflow/internal/logging"
	"github.com/rendis/entityflow/pkg/schema"
)

// Source lists field definitions. Satisfied by store.Store.
type Source interface {
	ListFields(ctx context.Context, tenantID, entityType string, includeInactive bool) ([]schema.DynamicField, error)
}

// CustomRule is a named validation handler referenced by custom validation rules.
type CustomRule func(ctx context.Context, field schema.DynamicField, value any) error

// Submission is a set of raw field values proposed for one entity.
type Submission struct {
	TenantID   string
	EntityType string
	EntityID   string
	ActorRole  string
	Values     map[string]any
	// Current holds the entity's stored values; conditional logic and
	// required checks see Current overlaid with Values.
	Current map[string]any
	// System writes skip role and visibility permission checks.
	System bool
}

// Result is the outcome of validating a submission. Values is only
// populated when the submission passed.
type Result struct {
	Values   []schema.DynamicFieldValue
	Typed    map[string]any
	Failures []schema.FieldFailure
}

// Valid reports whether no check failed.
func (r *Result) Valid() bool { return len(r.Failures) == 0 }

// Err returns the failures as a VALIDATION_FAILED or PERMISSION_DENIED error.
func (r *Result) Err() error { return schema.FieldFailuresError(r.Failures) }

func (r *Result) fail(key, rule, format string, args ...any) {
	r.Failures = append(r.Failures, schema.FieldFailure{FieldKey: key, RuleType: rule, Message: fmt.Sprintf(format, args...)})
}

// FieldState is the outcome of applying a field's conditional logic.
type FieldState struct {
	Hidden   bool
	Disabled bool
	Required bool
}

// Validator validates dynamic field submissions. Safe for concurrent use.
type Validator struct {
	source    Source
	evaluator *conditions.Evaluator
	roles     conditions.RoleChecker
	logger    *slog.Logger

	mu       sync.RWMutex
	custom   map[string]CustomRule
	patterns map[string]*regexp.Regexp
}

// NewValidator creates a Validator. roles may be nil for exact role matching.
func NewValidator(source Source, evaluator *conditions.Evaluator, roles conditions.RoleChecker, logger *slog.Logger) *Validator {
	return &Validator{
		source:    source,
		evaluator: evaluator,
		roles:     roles,
		logger:    logging.OrDiscard(logger),
		custom:    make(map[string]CustomRule),
		patterns:  make(map[string]*regexp.Regexp),
	}
}

// RegisterRule adds a named custom validation rule.
func (v *Validator) RegisterRule(name string, rule CustomRule) error {
	if name == "" || rule == nil {
		return schema.NewError(schema.ErrCodeInvalidDefinition, "custom rule name and func are required")
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, exists := v.custom[name]; exists {
		return schema.NewErrorf(schema.ErrCodeAmbiguousConfiguration, "custom rule %q already registered", name)
	}
	v.custom[name] = rule
	return nil
}

// Fields returns the active fields of an entity type in display order.
func (v *Validator) Fields(ctx context.Context, tenantID, entityType string) ([]schema.DynamicField, error) {
	fields, err := v.source.ListFields(ctx, tenantID, entityType, false)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(fields, func(i, j int) bool {
		if fields[i].SortOrder != fields[j].SortOrder {
			return fields[i].SortOrder < fields[j].SortOrder
		}
		return fields[i].Key < fields[j].Key
	})
	return fields, nil
}

// Validate checks a submission against the active field definitions. The
// result is all-or-nothing: when any failure is present no typed values are returned.
func (v *Validator) Validate(ctx context.Context, sub Submission) (*Result, error) {
	fields, err := v.Fields(ctx, sub.TenantID, sub.EntityType)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithEntity(ctx, sub.TenantID, sub.EntityID)

	res := &Result{}
	known := make(map[string]bool, len(fields))
	for _, f := range fields {
		known[f.Key] = true
	}
	for _, key := range slices.Sorted(maps.Keys(sub.Values)) {
		if !known[key] {
			res.fail(key, schema.RuleUnknownField, "field %q is not defined for %s", key, sub.EntityType)
		}
	}

	merged := make(map[string]any, len(sub.Current)+len(sub.Values))
	maps.Copy(merged, sub.Current)
	maps.Copy(merged, sub.Values)

	typed := make(map[string]any, len(merged))
	maps.Copy(typed, sub.Current)
	var values []schema.DynamicFieldValue

	for i := range fields {
		f := &fields[i]
		state := v.State(ctx, f, merged)
		raw, submitted := sub.Values[f.Key]

		if submitted && !sub.System {
			switch {
			case state.Hidden:
				res.fail(f.Key, schema.RulePermission, "field %q is hidden", f.Key)
				continue
			case state.Disabled:
				res.fail(f.Key, schema.RulePermission, "field %q is disabled", f.Key)
				continue
			case !v.roleAllowed(sub.TenantID, sub.ActorRole, f.CanEdit):
				res.fail(f.Key, schema.RulePermission, "role %q cannot edit field %q", sub.ActorRole, f.Key)
				continue
			}
		}

		effective := merged[f.Key]
		if state.Required && conditions.IsEmpty(effective) {
			res.fail(f.Key, string(schema.RuleRequired), "%s is required", labelOf(f))
			continue
		}
		if !submitted {
			continue
		}

		val, dv, err := coerce(f, raw)
		if err != nil {
			res.fail(f.Key, schema.RuleType, "%s: %s", labelOf(f), err.Error())
			continue
		}
		if val != nil {
			before := len(res.Failures)
			v.checkRules(ctx, res, f, val)
			v.checkConfig(res, f, val)
			if len(res.Failures) > before {
				continue
			}
		}
		dv.TenantID, dv.EntityType, dv.EntityID = sub.TenantID, sub.EntityType, sub.EntityID
		values = append(values, dv)
		typed[f.Key] = dv.Value()
	}

	if !res.Valid() {
		return res, nil
	}
	res.Values = values
	res.Typed = typed
	return res, nil
}

// State applies a field's conditional logic against the given values.
// Hidden and disabled fields are never required.
func (v *Validator) State(ctx context.Context, f *schema.DynamicField, values map[string]any) FieldState {
	st := FieldState{Required: f.Required}
	for _, rule := range f.ConditionalLogic {
		holds := v.evaluator.EvaluateRule(ctx, rule, values)
		switch rule.Action {
		case schema.ActionHide:
			st.Hidden = st.Hidden || holds
		case schema.ActionShow:
			st.Hidden = st.Hidden || !holds
		case schema.ActionDisable:
			st.Disabled = st.Disabled || holds
		case schema.ActionRequire:
			st.Required = st.Required || holds
		}
	}
	if st.Hidden || st.Disabled {
		st.Required = false
	}
	return st
}

// Visible returns the fields the role may view.
func (v *Validator) Visible(tenantID, role string, fields []schema.DynamicField) []schema.DynamicField {
	var out []schema.DynamicField
	for _, f := range fields {
		if v.roleAllowed(tenantID, role, f.CanView) {
			out = append(out, f)
		}
	}
	return out
}

// Project returns only the values of fields the role may view.
func (v *Validator) Project(tenantID, role string, fields []schema.DynamicField, values map[string]any) map[string]any {
	out := make(map[string]any)
	for _, f := range v.Visible(tenantID, role, fields) {
		if val, ok := values[f.Key]; ok {
			out[f.Key] = val
		}
	}
	return out
}

func (v *Validator) roleAllowed(tenantID, role string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	if v.roles != nil {
		return v.roles.Allowed(tenantID, role, allowed)
	}
	return slices.Contains(allowed, "*") || slices.Contains(allowed, role)
}

func (v *Validator) checkRules(ctx context.Context, res *Result, f *schema.DynamicField, val any) {
	for _, rule := range f.ValidationRules {
		msg := rule.Message
		failed := false
		switch rule.Type {
		case schema.RuleRequired:
			failed = conditions.IsEmpty(val)
			if msg == "" {
				msg = labelOf(f) + " is required"
			}
		case schema.RuleMin, schema.RuleMax:
			bound, ok := conditions.ToNumber(rule.Value)
			if !ok {
				res.fail(f.Key, string(rule.Type), "%s rule has a non-numeric bound %v", rule.Type, rule.Value)
				continue
			}
			size, label := magnitude(val)
			if rule.Type == schema.RuleMin {
				failed = size < bound
				if msg == "" {
					msg = fmt.Sprintf("%s must be at least %v%s", labelOf(f), bound, label)
				}
			} else {
				failed = size > bound
				if msg == "" {
					msg = fmt.Sprintf("%s must be at most %v%s", labelOf(f), bound, label)
				}
			}
		case schema.RulePattern:
			pattern, _ := rule.Value.(string)
			re, err := v.pattern(pattern)
			if err != nil {
				res.fail(f.Key, string(rule.Type), "invalid pattern %q", pattern)
				continue
			}
			s, isString := val.(string)
			failed = !isString || !re.MatchString(s)
			if msg == "" {
				msg = fmt.Sprintf("%s does not match %s", labelOf(f), pattern)
			}
		case schema.RuleEmail:
			s, isString := val.(string)
			failed = !isString || !isEmail(s)
			if msg == "" {
				msg = labelOf(f) + " must be a valid email address"
			}
		case schema.RuleURL:
			s, isString := val.(string)
			failed = !isString || !isURL(s)
			if msg == "" {
				msg = labelOf(f) + " must be a valid URL"
			}
		case schema.RuleCustom:
			name, _ := rule.Value.(string)
			v.mu.RLock()
			handler, ok := v.custom[name]
			v.mu.RUnlock()
			if !ok {
				v.logger.WarnContext(ctx, "unregistered custom validation rule", slog.String("rule", name))
				res.fail(f.Key, string(rule.Type), "custom rule %q is not registered", name)
				continue
			}
			if err := handler(ctx, *f, val); err != nil {
				failed = true
				if msg == "" {
					msg = err.Error()
				}
			}
		default:
			res.fail(f.Key, string(rule.Type), "unknown validation rule %q", rule.Type)
			continue
		}
		if failed {
			res.Failures = append(res.Failures, schema.FieldFailure{FieldKey: f.Key, RuleType: string(rule.Type), Message: msg})
		}
	}
}

func (v *Validator) checkConfig(res *Result, f *schema.DynamicField, val any) {
	cfg := f.Config
	switch x := val.(type) {
	case float64:
		if cfg.Min != nil && x < *cfg.Min {
			res.fail(f.Key, schema.RuleConfig, "%s must be at least %v", labelOf(f), *cfg.Min)
		}
		if cfg.Max != nil && x > *cfg.Max {
			res.fail(f.Key, schema.RuleConfig, "%s must be at most %v", labelOf(f), *cfg.Max)
		}

	case string:
		n := utf8.RuneCountInString(x)
		if cfg.MinLength != nil && n < *cfg.MinLength {
			res.fail(f.Key, schema.RuleConfig, "%s must have at least %d characters", labelOf(f), *cfg.MinLength)
		}
		if cfg.MaxLength != nil && n > *cfg.MaxLength {
			res.fail(f.Key, schema.RuleConfig, "%s must have at most %d characters", labelOf(f), *cfg.MaxLength)
		}
		if cfg.Pattern != "" {
			re, err := v.pattern(cfg.Pattern)
			if err != nil || !re.MatchString(x) {
				res.fail(f.Key, schema.RuleConfig, "%s does not match %s", labelOf(f), cfg.Pattern)
			}
		}
		if len(cfg.Options) > 0 && !hasOption(cfg.Options, x) {
			res.fail(f.Key, schema.RuleConfig, "%q is not an option of %s", x, labelOf(f))
		}

	case []string:
		for _, item := range x {
			if len(cfg.Options) > 0 && !hasOption(cfg.Options, item) {
				res.fail(f.Key, schema.RuleConfig, "%q is not an option of %s", item, labelOf(f))
			}
		}

	case time.Time:
		if cfg.MinDate != "" {
			if lo, ok := conditions.ToTime(cfg.MinDate); ok && x.Before(lo) {
				res.fail(f.Key, schema.RuleConfig, "%s must not be before %s", labelOf(f), cfg.MinDate)
			}
		}
		if cfg.MaxDate != "" {
			if hi, ok := conditions.ToTime(cfg.MaxDate); ok && x.After(hi) {
				res.fail(f.Key, schema.RuleConfig, "%s must not be after %s", labelOf(f), cfg.MaxDate)
			}
		}

	case []map[string]any:
		if len(x) > 1 && !cfg.Multiple {
			res.fail(f.Key, schema.RuleConfig, "%s accepts a single file", labelOf(f))
		}
		for _, file := range x {
			name, _ := file["name"].(string)
			if cfg.MaxSize != nil {
				if size, ok := conditions.ToNumber(file["size"]); ok && size > float64(*cfg.MaxSize) {
					res.fail(f.Key, schema.RuleConfig, "file %q exceeds %d bytes", name, *cfg.MaxSize)
				}
			}
			if len(cfg.AllowedTypes) > 0 && !allowedType(cfg.AllowedTypes, file) {
				res.fail(f.Key, schema.RuleConfig, "file %q has a type not in %v", name, cfg.AllowedTypes)
			}
		}
	}
}

func (v *Validator) pattern(expr string) (*regexp.Regexp, error) {
	v.mu.RLock()
	re, ok := v.patterns[expr]
	v.mu.RUnlock()
	if ok {
		return re, nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if re, ok := v.patterns[expr]; ok {
		return re, nil
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, err
	}
	v.patterns[expr] = re
	return re, nil
}

// magnitude measures a value for min/max rules: numbers by value, text by
// length, lists by item count.
func magnitude(val any) (float64, string) {
	switch x := val.(type) {
	case float64:
		return x, ""
	case string:
		return float64(utf8.RuneCountInString(x)), " characters"
	case []string:
		return float64(len(x)), " items"
	case []map[string]any:
		return float64(len(x)), " files"
	case time.Time:
		return float64(x.Unix()), ""
	}
	return 0, ""
}

func hasOption(options []schema.FieldOption, value string) bool {
	for _, o := range options {
		if o.Value == value {
			return true
		}
	}
	return false
}

// allowedType matches a file's MIME type or extension against patterns such
// as "image/*", "application/pdf" or ".csv".
func allowedType(allowed []string, file map[string]any) bool {
	mime, _ := file["type"].(string)
	if mime == "" {
		mime, _ = file["mime_type"].(string)
	}
	name, _ := file["name"].(string)
	ext := strings.ToLower(path.Ext(name))
	for _, a := range allowed {
		a = strings.ToLower(a)
		if strings.HasPrefix(a, ".") {
			if ext == a {
				return true
			}
			continue
		}
		if ok, _ := path.Match(a, strings.ToLower(mime)); ok {
			return true
		}
	}
	return false
}

func labelOf(f *schema.DynamicField) string {
	if f.Label != "" {
		return f.Label
	}
	return f.Key
}
