package expressions

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/rendis/entityflow/pkg/schema"
)

// SecretResolver resolves {{secrets.KEY}} placeholders for a tenant.
// Satisfied by secrets.Vault.
type SecretResolver interface {
	Resolve(ctx context.Context, tenantID, key string) ([]byte, error)
}

// Renderer expands {{path}} placeholders in notification and action templates.
// A path is a dot-delimited lookup into the data map; a placeholder starting
// with "." is a jq query and secrets.KEY reads the tenant vault. Any
// placeholder that cannot be resolved fails the whole render. Substituted
// values are never rescanned, so field values cannot inject placeholders.
type Renderer struct {
	jq      *GoJQEngine
	secrets SecretResolver
}

// NewRenderer creates a Renderer. secrets may be nil, in which case secret
// placeholders fail to render.
func NewRenderer(secrets SecretResolver) *Renderer {
	return &Renderer{jq: NewGoJQEngine(), secrets: secrets}
}

// Render expands every placeholder in tmpl for the given tenant.
func (r *Renderer) Render(ctx context.Context, tenantID, tmpl string, data map[string]any) (string, error) {
	if !strings.Contains(tmpl, "{{") {
		return tmpl, nil
	}
	return r.pass(ctx, tenantID, tmpl, data)
}

// Placeholders lists the distinct placeholder expressions in tmpl.
func Placeholders(tmpl string) ([]string, error) {
	var found []string
	seen := map[string]bool{}
	err := scan(tmpl, func(_, expr string) error {
		if expr != "" && !seen[expr] {
			seen[expr] = true
			found = append(found, expr)
		}
		return nil
	})
	return found, err
}

func (r *Renderer) pass(ctx context.Context, tenantID, input string, data map[string]any) (string, error) {
	var result strings.Builder
	result.Grow(len(input))

	err := scan(input, func(literal, expr string) error {
		result.WriteString(literal)
		if expr == "" {
			return nil
		}
		var (
			val any
			err error
		)
		if strings.HasPrefix(expr, "secrets.") {
			val, err = r.resolveSecret(ctx, tenantID, expr)
		} else {
			val, err = r.resolve(ctx, expr, data)
		}
		if err != nil {
			return err
		}
		result.WriteString(stringify(val))
		return nil
	})
	if err != nil {
		return "", err
	}
	return result.String(), nil
}

// scan walks input calling fn with each literal run and the placeholder that
// follows it (expr is "" for the trailing literal).
func scan(input string, fn func(literal, expr string) error) error {
	i := 0
	for i < len(input) {
		idx := strings.Index(input[i:], "{{")
		if idx == -1 {
			return fn(input[i:], "")
		}
		start := i + idx + 2
		end := strings.Index(input[start:], "}}")
		if end == -1 {
			return schema.NewError(schema.ErrCodeRender, "unclosed {{ placeholder")
		}
		end += start

		expr := strings.TrimSpace(input[start:end])
		if strings.Contains(expr, "{{") {
			return schema.NewError(schema.ErrCodeRender, "nested placeholders are not allowed")
		}
		if expr == "" {
			return schema.NewError(schema.ErrCodeRender, "empty placeholder {{ }}")
		}
		if err := fn(input[i:i+idx], expr); err != nil {
			return err
		}
		i = end + 2
	}
	return nil
}

func (r *Renderer) resolve(ctx context.Context, expr string, data map[string]any) (any, error) {
	if strings.HasPrefix(expr, ".") {
		val, err := r.jq.Evaluate(ctx, expr, data)
		if err != nil {
			return nil, err
		}
		if val == nil {
			return nil, schema.NewErrorf(schema.ErrCodeRender, "placeholder {{%s}} resolved to nothing", expr).
				WithDetails(map[string]any{"expression": expr})
		}
		return val, nil
	}

	// Direct key lookup first, so field keys containing dots still resolve.
	if val, ok := data[expr]; ok && val != nil {
		return val, nil
	}
	return traversePath(data, expr)
}

func (r *Renderer) resolveSecret(ctx context.Context, tenantID, expr string) (any, error) {
	key := strings.TrimPrefix(expr, "secrets.")
	if key == "" {
		return nil, schema.NewErrorf(schema.ErrCodeRender, "invalid secret reference %q", expr)
	}
	if r.secrets == nil {
		return nil, schema.NewErrorf(schema.ErrCodeRender,
			"cannot resolve secret %q: no vault configured", key)
	}
	val, err := r.secrets.Resolve(ctx, tenantID, key)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeRender, "failed to resolve secret %q", key).WithCause(err)
	}
	return string(val), nil
}

// traversePath navigates nested maps and slices using a dot-delimited path.
func traversePath(root map[string]any, path string) (any, error) {
	var current any = root
	for i, seg := range strings.Split(path, ".") {
		if seg == "" {
			return nil, schema.NewErrorf(schema.ErrCodeRender,
				"empty segment in {{%s}} at position %d", path, i)
		}
		switch v := current.(type) {
		case map[string]any:
			val, ok := v[seg]
			if !ok || val == nil {
				keys := mapKeys(v)
				return nil, schema.NewErrorf(schema.ErrCodeRender,
					"unresolved placeholder {{%s}}: %q not found; available: [%s]", path, seg, strings.Join(keys, ", ")).
					WithDetails(map[string]any{"expression": path, "available_fields": keys})
			}
			current = val
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, schema.NewErrorf(schema.ErrCodeRender,
					"unresolved placeholder {{%s}}: index %q out of range", path, seg)
			}
			current = v[idx]
		default:
			return nil, schema.NewErrorf(schema.ErrCodeRender,
				"unresolved placeholder {{%s}}: cannot traverse into %T at %q", path, current, seg)
		}
	}
	return current, nil
}

// stringify renders a resolved value for inclusion in text.
func stringify(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return ""
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case fmt.Stringer:
		return v.String()
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

func mapKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
