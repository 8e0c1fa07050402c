package actions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rendis/entityflow/internal/logging"
	"github.com/rendis/entityflow/pkg/schema"
)

// DefaultActionTimeout bounds an action that declares no timeout.
const DefaultActionTimeout = 10 * time.Second

// Observer receives every action outcome. Satisfied by metrics.Metrics.
type Observer interface {
	ObserveAction(kind schema.ActionType, ok bool, d time.Duration)
}

// Executor runs workflow action lists. Failures are captured as outcomes and
// never returned to the caller.
type Executor struct {
	registry       *Registry
	defaultTimeout time.Duration
	observer       Observer
	logger         *slog.Logger
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithDefaultTimeout sets the timeout for actions that declare none.
func WithDefaultTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.defaultTimeout = d
		}
	}
}

// WithObserver reports outcomes to o.
func WithObserver(o Observer) ExecutorOption {
	return func(e *Executor) { e.observer = o }
}

// NewExecutor creates an Executor over the registry.
func NewExecutor(reg *Registry, logger *slog.Logger, opts ...ExecutorOption) *Executor {
	e := &Executor{
		registry:       reg,
		defaultTimeout: DefaultActionTimeout,
		logger:         logging.OrDiscard(logger),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes list in order. Each action sees base with its own definition
// and the phase filled in.
func (e *Executor) Run(ctx context.Context, phase Phase, base Input, list []schema.WorkflowAction) []Outcome {
	if len(list) == 0 {
		return nil
	}
	outcomes := make([]Outcome, 0, len(list))
	for i, def := range list {
		in := base
		in.Phase = phase
		in.Action = def
		o := e.runOne(ctx, in)
		o.Index = i
		outcomes = append(outcomes, o)

		if e.observer != nil {
			e.observer.ObserveAction(def.Type, o.OK, o.Duration)
		}
		if !o.OK {
			logging.LogWith(ctx, e.logger).Warn("action degraded",
				"phase", phase, "index", i, "type", def.Type, "code", o.Code, "error", o.Error)
		}
	}
	return outcomes
}

type result struct {
	out *Output
	err error
}

func (e *Executor) runOne(ctx context.Context, in Input) Outcome {
	o := Outcome{Phase: in.Phase, Type: in.Action.Type}
	start := time.Now()

	action, err := e.registry.Get(in.Action.Type)
	if err != nil {
		return fail(o, err, start)
	}

	timeout := e.defaultTimeout
	if in.Action.Timeout != "" {
		d, perr := time.ParseDuration(in.Action.Timeout)
		if perr != nil || d <= 0 {
			return fail(o, schema.NewErrorf(schema.ErrCodeInvalidDefinition,
				"invalid action timeout %q", in.Action.Timeout), start)
		}
		timeout = d
	}

	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Handlers that ignore ctx still cannot hold the caller past the timeout.
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: schema.NewErrorf(schema.ErrCodeActionFailed, "action panicked: %v", r)}
			}
		}()
		out, err := action.Execute(actx, in)
		done <- result{out: out, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			if errors.Is(actx.Err(), context.DeadlineExceeded) && !schema.HasCode(r.err, schema.ErrCodeTimeout) {
				r.err = schema.NewErrorf(schema.ErrCodeTimeout, "action timed out after %s", timeout).WithCause(r.err)
			}
			return fail(o, r.err, start)
		}
		o.OK = true
		if r.out != nil {
			o.Data = r.out.Data
		}
		o.Duration = time.Since(start)
		return o
	case <-actx.Done():
		if errors.Is(actx.Err(), context.DeadlineExceeded) {
			return fail(o, schema.NewErrorf(schema.ErrCodeTimeout, "action timed out after %s", timeout), start)
		}
		return fail(o, schema.NewError(schema.ErrCodeActionFailed, "action cancelled").WithCause(actx.Err()), start)
	}
}

func fail(o Outcome, err error, start time.Time) Outcome {
	o.OK = false
	o.Code = schema.ErrCodeActionFailed
	if ee, ok := schema.AsEngineError(err); ok {
		o.Code = ee.Code
	}
	o.Error = err.Error()
	o.Duration = time.Since(start)
	return o
}

// Describe formats an outcome for audit details.
func (o Outcome) Describe() map[string]any {
	return map[string]any{
		"index":       o.Index,
		"phase":       string(o.Phase),
		"type":        string(o.Type),
		"code":        o.Code,
		"error":       o.Error,
		"duration_ms": o.Duration.Milliseconds(),
	}
}

func (o Outcome) String() string {
	if o.OK {
		return fmt.Sprintf("%s[%d] %s ok", o.Phase, o.Index, o.Type)
	}
	return fmt.Sprintf("%s[%d] %s %s: %s", o.Phase, o.Index, o.Type, o.Code, o.Error)
}
