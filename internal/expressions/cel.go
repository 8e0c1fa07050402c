package expressions

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/rendis/entityflow/pkg/schema"
)

// CELEngine evaluates Common Expression Language scripts. The environment
// declares values, actor, entity and event as map(string, dyn).
type CELEngine struct {
	env      *cel.Env
	programs *programCache[cel.Program]
}

// NewCELEngine builds the CEL environment for custom condition handlers.
func NewCELEngine() (*CELEngine, error) {
	dyn := cel.MapType(cel.StringType, cel.DynType)
	opts := []cel.EnvOption{cel.CrossTypeNumericComparisons(true)}
	for _, name := range scopeVars {
		opts = append(opts, cel.Variable(name, dyn))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &CELEngine{env: env, programs: newProgramCache[cel.Program]()}, nil
}

func (e *CELEngine) Name() string { return "cel" }

// Compile type-checks the expression against the scope declarations.
func (e *CELEngine) Compile(expression string) error {
	if expression == "" {
		return emptyExpression("CEL")
	}
	_, err := e.programs.get(expression, e.compile)
	return err
}

func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, emptyExpression("CEL")
	}
	prg, err := e.programs.get(expression, e.compile)
	if err != nil {
		return nil, err
	}
	vars := scopeDefaults(nil)
	for _, k := range scopeVars {
		if v, ok := data[k]; ok && v != nil {
			vars[k] = v
		}
	}
	out, _, err := prg.ContextEval(ctx, vars)
	if err != nil {
		return nil, runtimeError(schema.ErrCodeActionFailed, "CEL", expression, err)
	}
	return out.Value(), nil
}

func (e *CELEngine) compile(expression string) (cel.Program, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, compileError("CEL", expression, issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, compileError("CEL", expression, err)
	}
	return prg, nil
}

var _ Engine = (*CELEngine)(nil)
