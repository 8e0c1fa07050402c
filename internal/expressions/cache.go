package expressions

import (
	"sync"

	"github.com/rendis/entityflow/pkg/schema"
)

// programCache memoizes compiled programs by source text. Safe for
// concurrent use; a program is compiled at most once per successful key.
type programCache[P any] struct {
	mu    sync.RWMutex
	progs map[string]P
}

func newProgramCache[P any]() *programCache[P] {
	return &programCache[P]{progs: make(map[string]P)}
}

func (c *programCache[P]) get(src string, compile func(string) (P, error)) (P, error) {
	c.mu.RLock()
	p, ok := c.progs[src]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.progs[src]; ok {
		return p, nil
	}
	p, err := compile(src)
	if err != nil {
		return p, err
	}
	c.progs[src] = p
	return p, nil
}

func (c *programCache[P]) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.progs)
}

func emptyExpression(engine string) error {
	return schema.NewErrorf(schema.ErrCodeInvalidDefinition, "empty %s expression", engine)
}

// compileError reports a script that cannot be parsed or checked.
func compileError(engine, expression string, err error) error {
	return schema.NewErrorf(schema.ErrCodeInvalidDefinition, "%s compile error in %q: %s", engine, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"engine": engine, "expression": expression})
}

// runtimeError reports a script that compiled but failed on the given data.
func runtimeError(code, engine, expression string, err error) error {
	return schema.NewErrorf(code, "%s evaluation failed for %q: %s", engine, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"engine": engine, "expression": expression})
}

// scopeDefaults returns the scope variables with absent namespaces filled by
// empty maps, so scripts can reference values.x before any value exists.
func scopeDefaults(data map[string]any) map[string]any {
	out := make(map[string]any, len(scopeVars)+len(data))
	for _, k := range scopeVars {
		out[k] = map[string]any{}
	}
	for k, v := range data {
		if v != nil {
			out[k] = v
		}
	}
	return out
}
