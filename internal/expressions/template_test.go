package expressions

import (
	"context"
	"errors"
	"testing"

	"github.com/rendis/entityflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapSecrets map[string]string

func (m mapSecrets) Resolve(_ context.Context, tenantID, key string) ([]byte, error) {
	v, ok := m[tenantID+"/"+key]
	if !ok {
		return nil, errors.New("not found")
	}
	return []byte(v), nil
}

func TestRenderer_Render(t *testing.T) {
	r := NewRenderer(mapSecrets{"t1/token": "s3cr3t"})
	data := map[string]any{
		"title":     "Big deal",
		"amount":    1500.0,
		"entity":    map[string]any{"id": "deal-1", "type": "deal"},
		"recipient": map[string]any{"name": "Ana"},
		"tags":      []any{"vip", "new"},
		"a.b":       "dotted",
	}

	tests := []struct {
		name string
		tmpl string
		want string
	}{
		{"no placeholders", "hello", "hello"},
		{"simple", "Deal {{title}} worth {{ amount }}", "Deal Big deal worth 1500"},
		{"nested", "Hi {{recipient.name}}, see {{entity.id}}", "Hi Ana, see deal-1"},
		{"index", "first tag {{tags.0}}", "first tag vip"},
		{"dotted key", "{{a.b}}", "dotted"},
		{"json value", "{{tags}}", `["vip","new"]`},
		{"jq", `{{ .tags | join("/") }}`, "vip/new"},
		{"secret", "token={{secrets.token}}", "token=s3cr3t"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := r.Render(context.Background(), "t1", tc.tmpl, data)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestRenderer_Failures(t *testing.T) {
	r := NewRenderer(nil)
	data := map[string]any{"title": "x", "entity": map[string]any{"id": "1"}}

	for _, tmpl := range []string{
		"{{missing}}",
		"{{entity.owner}}",
		"{{title.sub}}",
		"{{ .nothing }}",
		"unclosed {{title",
		"{{ }}",
		"{{secrets.token}}",
	} {
		_, err := r.Render(context.Background(), "t1", tmpl, data)
		require.Error(t, err, tmpl)
		assert.True(t, schema.HasCode(err, schema.ErrCodeRender), tmpl)
	}
}

func TestRenderer_ValuesAreNotRescanned(t *testing.T) {
	r := NewRenderer(mapSecrets{"t1/token": "s3cr3t"})
	out, err := r.Render(context.Background(), "t1", "note: {{note}}", map[string]any{"note": "{{secrets.token}}"})
	require.NoError(t, err)
	assert.Equal(t, "note: {{secrets.token}}", out)
}

func TestPlaceholders(t *testing.T) {
	got, err := Placeholders("{{a}} and {{ b.c }} and {{a}}")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b.c"}, got)

	_, err = Placeholders("{{a")
	assert.Error(t, err)
}
