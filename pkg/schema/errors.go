package schema

import (
	"errors"
	"fmt"
)

// ErrorKind groups error codes into the engine's error taxonomy.
type ErrorKind string

const (
	KindConfiguration   ErrorKind = "configuration"
	KindValidation      ErrorKind = "validation"
	KindTransition      ErrorKind = "transition"
	KindActionExecution ErrorKind = "action_execution"
	KindDelivery        ErrorKind = "delivery"
	KindStore           ErrorKind = "store"
)

// Error codes for structured error reporting.
const (
	ErrCodeNoWorkflowConfigured   = "NO_WORKFLOW_CONFIGURED"
	ErrCodeAmbiguousConfiguration = "AMBIGUOUS_CONFIGURATION"
	ErrCodeUnregisteredHandler    = "UNREGISTERED_HANDLER"
	ErrCodeInvalidDefinition      = "INVALID_DEFINITION"

	ErrCodeValidation       = "VALIDATION_FAILED"
	ErrCodePermissionDenied = "PERMISSION_DENIED"
	ErrCodeTypeMismatch     = "TYPE_MISMATCH"
	ErrCodeTenantMismatch   = "TENANT_MISMATCH"

	ErrCodeNoEligibleTransition   = "NO_ELIGIBLE_TRANSITION"
	ErrCodeTransitionNotFound     = "TRANSITION_NOT_FOUND"
	ErrCodeCommentRequired        = "COMMENT_REQUIRED"
	ErrCodeConcurrentModification = "CONCURRENT_MODIFICATION"

	ErrCodeActionFailed = "ACTION_FAILED"
	ErrCodeTimeout      = "TIMEOUT"

	ErrCodeDeliveryFailed = "DELIVERY_FAILED"
	ErrCodeRender         = "RENDER_FAILED"
	ErrCodeCircuitOpen    = "CIRCUIT_OPEN"

	ErrCodeNotFound = "NOT_FOUND"
	ErrCodeConflict = "CONFLICT"
	ErrCodeStore    = "STORE_ERROR"
	ErrCodeVault    = "VAULT_ERROR"
)

var codeKinds = map[string]ErrorKind{
	ErrCodeNoWorkflowConfigured:   KindConfiguration,
	ErrCodeAmbiguousConfiguration: KindConfiguration,
	ErrCodeUnregisteredHandler:    KindConfiguration,
	ErrCodeInvalidDefinition:      KindConfiguration,

	ErrCodeValidation:       KindValidation,
	ErrCodeTypeMismatch:     KindValidation,
	ErrCodeTenantMismatch:   KindValidation,
	ErrCodePermissionDenied: KindTransition,

	ErrCodeNoEligibleTransition:   KindTransition,
	ErrCodeTransitionNotFound:     KindTransition,
	ErrCodeCommentRequired:        KindTransition,
	ErrCodeConcurrentModification: KindTransition,

	ErrCodeActionFailed: KindActionExecution,
	ErrCodeTimeout:      KindActionExecution,

	ErrCodeDeliveryFailed: KindDelivery,
	ErrCodeRender:         KindDelivery,
	ErrCodeCircuitOpen:    KindDelivery,

	ErrCodeNotFound: KindStore,
	ErrCodeConflict: KindStore,
	ErrCodeStore:    KindStore,
	ErrCodeVault:    KindStore,
}

// KindOf returns the taxonomy kind for an error code.
func KindOf(code string) ErrorKind {
	if k, ok := codeKinds[code]; ok {
		return k
	}
	return KindStore
}

// EngineError is the structured error type returned by every engine operation.
type EngineError struct {
	Kind    ErrorKind      `json:"kind"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Cause   error          `json:"-"`
}

func (e *EngineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *EngineError) Unwrap() error {
	return e.Cause
}

// NewError creates a new EngineError. The kind is derived from the code.
func NewError(code, message string) *EngineError {
	return &EngineError{Kind: KindOf(code), Code: code, Message: message}
}

// NewErrorf creates a new EngineError with a formatted message.
func NewErrorf(code, format string, args ...any) *EngineError {
	return &EngineError{Kind: KindOf(code), Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause attaches an underlying cause.
func (e *EngineError) WithCause(err error) *EngineError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details, merging with existing ones.
func (e *EngineError) WithDetails(details map[string]any) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]any, len(details))
	}
	for k, v := range details {
		e.Details[k] = v
	}
	return e
}

// AsEngineError unwraps err into an *EngineError if possible.
func AsEngineError(err error) (*EngineError, bool) {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee, true
	}
	return nil, false
}

// HasCode reports whether err is (or wraps) an EngineError with the given code.
func HasCode(err error, code string) bool {
	ee, ok := AsEngineError(err)
	return ok && ee.Code == code
}

// IsKind reports whether err is (or wraps) an EngineError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	ee, ok := AsEngineError(err)
	return ok && ee.Kind == kind
}

// IsRetryable reports whether an engine error code describes a transient failure.
func IsRetryable(code string) bool {
	switch code {
	case ErrCodeActionFailed, ErrCodeTimeout, ErrCodeDeliveryFailed, ErrCodeStore, ErrCodeConcurrentModification:
		return true
	default:
		return false
	}
}
