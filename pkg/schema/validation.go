package schema

import "fmt"

// ValidationSeverity indicates whether an issue is an error or warning.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue is a single definition problem with location context.
type ValidationIssue struct {
	Path     string             `json:"path"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

// ValidationResult aggregates all issues from the definition loading pipeline.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

// Valid returns true if there are no errors (warnings are acceptable).
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

// AddError appends an error-severity issue.
func (r *ValidationResult) AddError(path, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{
		Path: path, Code: code, Message: message, Severity: SeverityError,
	})
}

// AddWarning appends a warning-severity issue.
func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{
		Path: path, Code: code, Message: message, Severity: SeverityWarning,
	})
}

// Merge combines another ValidationResult into this one.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// ToError converts the result to a configuration error if invalid, nil if valid.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	msg := r.Errors[0].Message
	if len(r.Errors) > 1 {
		msg = fmt.Sprintf("definition invalid with %d errors", len(r.Errors))
	}

	return NewError(ErrCodeInvalidDefinition, msg).
		WithDetails(map[string]any{
			"error_count":   len(r.Errors),
			"warning_count": len(r.Warnings),
			"errors":        r.Errors,
			"warnings":      r.Warnings,
		})
}

// FieldFailure is one failed check during field value validation.
type FieldFailure struct {
	FieldKey string `json:"field_key"`
	RuleType string `json:"rule_type"`
	Message  string `json:"message"`
}

// Rule types reported in FieldFailure beyond the declared ValidationRule types.
const (
	RuleUnknownField = "unknown_field"
	RulePermission   = "permission"
	RuleType         = "type"
	RuleConfig       = "config"
)

// FieldFailuresError wraps field failures into a validation error.
func FieldFailuresError(failures []FieldFailure) error {
	if len(failures) == 0 {
		return nil
	}
	code := ErrCodeValidation
	for _, f := range failures {
		if f.RuleType == RulePermission {
			code = ErrCodePermissionDenied
			break
		}
	}
	msg := failures[0].Message
	if len(failures) > 1 {
		msg = fmt.Sprintf("%d field checks failed", len(failures))
	}
	e := NewError(code, msg).WithDetails(map[string]any{"failures": failures})
	e.Kind = KindValidation
	return e
}
