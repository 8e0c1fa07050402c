package conditions

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/rendis/entityflow/internal/expressions"
	"github.com/rendis/entityflow/internal/logging"
	"github.com/rendis/entityflow/pkg/schema"
)

// RoleChecker decides whether an actor role satisfies an allow-list.
// Satisfied by authz.Enforcer.
type RoleChecker interface {
	Allowed(tenantID, role string, allowed []string) bool
}

// Context is the input to transition condition evaluation.
type Context struct {
	TenantID   string
	EntityType string
	EntityID   string
	State      string
	ActorID    string
	ActorRole  string
	Values     map[string]any
	Approvals  int
	Event      map[string]any
}

func (c *Context) scope() expressions.Scope {
	return expressions.Scope{
		Values: c.Values,
		Actor:  map[string]any{"id": c.ActorID, "role": c.ActorRole},
		Entity: map[string]any{
			"id": c.EntityID, "type": c.EntityType, "tenant_id": c.TenantID, "state": c.State,
		},
		Event:     c.Event,
		Approvals: c.Approvals,
	}
}

// Handler is a named custom condition.
type Handler func(ctx context.Context, cond schema.TransitionCondition, c *Context) (bool, error)

// Failure describes one condition that evaluated to false.
type Failure struct {
	Index  int    `json:"index"`
	Kind   string `json:"kind"`
	Field  string `json:"field,omitempty"`
	Reason string `json:"reason"`
}

// Report is the outcome of evaluating an AND-combined condition list.
type Report struct {
	Failures     []Failure `json:"failures,omitempty"`
	ConfigErrors []error   `json:"-"`
}

// Passed reports whether every condition held.
func (r *Report) Passed() bool { return len(r.Failures) == 0 }

func (r *Report) fail(idx int, kind, field, reason string) {
	r.Failures = append(r.Failures, Failure{Index: idx, Kind: kind, Field: field, Reason: reason})
}

// Evaluator evaluates conditional rules and transition conditions. It holds
// no per-entity state and is safe for concurrent use.
type Evaluator struct {
	roles  RoleChecker
	logger *slog.Logger
	cel    *expressions.CELEngine
	expr   *expressions.ExprEngine

	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewEvaluator creates an Evaluator. roles may be nil, in which case role
// checks use exact membership.
func NewEvaluator(roles RoleChecker, logger *slog.Logger) (*Evaluator, error) {
	celEngine, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Evaluator{
		roles:    roles,
		logger:   logging.OrDiscard(logger),
		cel:      celEngine,
		expr:     expressions.NewExprEngine(),
		handlers: make(map[string]Handler),
	}, nil
}

// Register adds a Go custom handler. Names are unique.
func (e *Evaluator) Register(name string, h Handler) error {
	if name == "" || h == nil {
		return schema.NewError(schema.ErrCodeInvalidDefinition, "handler name and func are required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.handlers[name]; exists {
		return schema.NewErrorf(schema.ErrCodeAmbiguousConfiguration, "handler %q already registered", name)
	}
	e.handlers[name] = h
	return nil
}

// RegisterExpr registers a custom handler backed by an expr-lang script.
func (e *Evaluator) RegisterExpr(name, expression string) error {
	return e.registerScript(name, expression, e.expr)
}

// RegisterCEL registers a custom handler backed by a CEL expression.
func (e *Evaluator) RegisterCEL(name, expression string) error {
	return e.registerScript(name, expression, e.cel)
}

func (e *Evaluator) registerScript(name, expression string, engine expressions.Engine) error {
	if err := engine.Compile(expression); err != nil {
		return err
	}
	return e.Register(name, func(ctx context.Context, _ schema.TransitionCondition, c *Context) (bool, error) {
		return expressions.EvaluateBool(ctx, engine, expression, c.scope().Data())
	})
}

// HasHandler reports whether a custom handler is registered under name.
func (e *Evaluator) HasHandler(name string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.handlers[name]
	return ok
}

func (e *Evaluator) handler(name string) (Handler, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	h, ok := e.handlers[name]
	return h, ok
}

// EvaluateRule evaluates one conditional rule against field values. A type
// mismatch logs a warning and evaluates to false.
func (e *Evaluator) EvaluateRule(ctx context.Context, rule schema.ConditionalRule, values map[string]any) bool {
	ok, err := Compare(values[rule.Field], rule.Operator, rule.Value)
	if err != nil {
		e.logger.WarnContext(ctx, "condition evaluated false",
			slog.String("field", rule.Field),
			slog.String("operator", string(rule.Operator)),
			slog.String("error", err.Error()))
		return false
	}
	return ok
}

// EvaluateRules AND-combines a list of conditional rules.
func (e *Evaluator) EvaluateRules(ctx context.Context, rules []schema.ConditionalRule, values map[string]any) Report {
	var r Report
	for i, rule := range rules {
		if !e.EvaluateRule(ctx, rule, values) {
			r.fail(i, string(schema.ConditionFieldValue), rule.Field,
				fmt.Sprintf("%s %s %v is false", rule.Field, rule.Operator, rule.Value))
		}
	}
	return r
}

// EvaluateTransition AND-combines transition conditions. Every failing
// condition is reported; configuration problems are collected separately.
func (e *Evaluator) EvaluateTransition(ctx context.Context, conds []schema.TransitionCondition, c *Context) Report {
	var r Report
	for i, cond := range conds {
		switch cond.Type {
		case schema.ConditionFieldValue, "":
			rule := schema.ConditionalRule{Field: cond.Field, Operator: cond.Operator, Value: cond.Value}
			if !e.EvaluateRule(ctx, rule, c.Values) {
				r.fail(i, string(schema.ConditionFieldValue), cond.Field,
					fmt.Sprintf("%s %s %v is false", cond.Field, cond.Operator, cond.Value))
			}

		case schema.ConditionRole:
			allowed := cond.Roles
			if cond.RequiredRole != "" {
				allowed = append(slices.Clone(allowed), cond.RequiredRole)
			}
			if len(allowed) == 0 {
				r.ConfigErrors = append(r.ConfigErrors,
					schema.NewErrorf(schema.ErrCodeInvalidDefinition, "role condition %d lists no roles", i))
				r.fail(i, string(cond.Type), "", "role condition lists no roles")
				continue
			}
			if !e.roleAllowed(c.TenantID, c.ActorRole, allowed) {
				r.fail(i, string(cond.Type), "", fmt.Sprintf("role %q not in %v", c.ActorRole, allowed))
			}

		case schema.ConditionApproval:
			need := max(cond.RequiredApprovals, 1)
			if c.Approvals < need {
				r.fail(i, string(cond.Type), "", fmt.Sprintf("%d of %d approvals", c.Approvals, need))
			}

		case schema.ConditionCustom:
			h, ok := e.handler(cond.CustomScript)
			if !ok {
				err := schema.NewErrorf(schema.ErrCodeUnregisteredHandler,
					"custom condition handler %q is not registered", cond.CustomScript)
				r.ConfigErrors = append(r.ConfigErrors, err)
				r.fail(i, string(cond.Type), "", err.Message)
				e.logger.WarnContext(ctx, "unregistered condition handler", slog.String("handler", cond.CustomScript))
				continue
			}
			passed, err := callHandler(ctx, h, cond, c)
			if err != nil {
				e.logger.WarnContext(ctx, "custom condition failed",
					slog.String("handler", cond.CustomScript), slog.String("error", err.Error()))
				r.fail(i, string(cond.Type), "", err.Error())
				continue
			}
			if !passed {
				r.fail(i, string(cond.Type), "", fmt.Sprintf("handler %q returned false", cond.CustomScript))
			}

		default:
			err := schema.NewErrorf(schema.ErrCodeInvalidDefinition, "unknown condition type %q", cond.Type)
			r.ConfigErrors = append(r.ConfigErrors, err)
			r.fail(i, string(cond.Type), "", err.Message)
		}
	}
	return r
}

// callHandler runs h and turns a panic into an ACTION_FAILED error.
func callHandler(ctx context.Context, h Handler, cond schema.TransitionCondition, c *Context) (passed bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			passed = false
			err = schema.NewErrorf(schema.ErrCodeActionFailed, "condition handler %q panicked: %v", cond.CustomScript, r)
		}
	}()
	return h(ctx, cond, c)
}

func (e *Evaluator) roleAllowed(tenantID, role string, allowed []string) bool {
	if e.roles != nil {
		return e.roles.Allowed(tenantID, role, allowed)
	}
	return slices.Contains(allowed, role)
}
