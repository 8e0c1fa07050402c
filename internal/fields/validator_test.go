package fields

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/entityflow/internal/conditions"
	"github.com/rendis/entityflow/pkg/schema"
)

type staticSource []schema.DynamicField

func (s staticSource) ListFields(_ context.Context, tenantID, entityType string, includeInactive bool) ([]schema.DynamicField, error) {
	var out []schema.DynamicField
	for _, f := range s {
		if f.TenantID == tenantID && f.EntityType == entityType && (includeInactive || f.IsActive) {
			out = append(out, f)
		}
	}
	return out, nil
}

func ptr[T any](v T) *T { return &v }

func field(key string, t schema.FieldType, order int) schema.DynamicField {
	return schema.DynamicField{
		ID: "f-" + key, TenantID: "acme", EntityType: "deal", Key: key, Label: key,
		Type: t, SortOrder: order, IsActive: true,
	}
}

func newValidator(t *testing.T, fields ...schema.DynamicField) *Validator {
	t.Helper()
	ev, err := conditions.NewEvaluator(nil, nil)
	require.NoError(t, err)
	return NewValidator(staticSource(fields), ev, nil, nil)
}

func submit(values map[string]any) Submission {
	return Submission{TenantID: "acme", EntityType: "deal", EntityID: "d1", ActorRole: "sales", Values: values}
}

func failureKeys(res *Result) []string {
	var out []string
	for _, f := range res.Failures {
		out = append(out, f.FieldKey+":"+f.RuleType)
	}
	return out
}

func TestValidate_TypedValues(t *testing.T) {
	v := newValidator(t,
		field("name", schema.FieldText, 1),
		field("amount", schema.FieldCurrency, 2),
		field("vip", schema.FieldCheckbox, 3),
		field("close", schema.FieldDate, 4),
		field("call", schema.FieldDatetime, 5),
		field("tags", schema.FieldMultiselect, 6),
	)

	res, err := v.Validate(context.Background(), submit(map[string]any{
		"name":   "Renewal",
		"amount": "1250.50",
		"vip":    true,
		"close":  "2026-03-01",
		"call":   "2026-03-01T10:00:00+02:00",
		"tags":   []any{"a", "b"},
	}))
	require.NoError(t, err)
	require.True(t, res.Valid(), "%v", res.Failures)
	require.Len(t, res.Values, 6)

	assert.Equal(t, "Renewal", res.Typed["name"])
	assert.Equal(t, 1250.5, res.Typed["amount"])
	assert.Equal(t, true, res.Typed["vip"])
	assert.Equal(t, "2026-03-01", res.Typed["close"])
	assert.Equal(t, "2026-03-01T08:00:00Z", res.Typed["call"])
	assert.Equal(t, []any{"a", "b"}, res.Typed["tags"])

	for _, dv := range res.Values {
		assert.Equal(t, "d1", dv.EntityID)
		if dv.FieldKey == "amount" {
			assert.Equal(t, schema.ValueNumber, dv.Kind)
			require.NotNil(t, dv.Number)
			assert.Nil(t, dv.Text)
		}
	}
}

func TestValidate_TypeFailures(t *testing.T) {
	v := newValidator(t,
		field("amount", schema.FieldNumber, 1),
		field("email", schema.FieldEmail, 2),
		field("close", schema.FieldDate, 3),
		field("color", schema.FieldColor, 4),
		field("at", schema.FieldTime, 5),
	)
	res, err := v.Validate(context.Background(), submit(map[string]any{
		"amount": "lots",
		"email":  "not-an-email",
		"close":  "03/01/2026",
		"color":  "red",
		"at":     "25:99",
	}))
	require.NoError(t, err)
	assert.Equal(t, []string{"amount:type", "email:type", "close:type", "color:type", "at:type"}, failureKeys(res))
	assert.Nil(t, res.Values, "no partial writes")
	assert.True(t, schema.HasCode(res.Err(), schema.ErrCodeValidation))
}

func TestValidate_UnknownAndInactive(t *testing.T) {
	legacy := field("legacy", schema.FieldText, 9)
	legacy.IsActive = false
	v := newValidator(t, field("name", schema.FieldText, 1), legacy)

	res, err := v.Validate(context.Background(), submit(map[string]any{"name": "x", "legacy": "y", "bogus": 1}))
	require.NoError(t, err)
	assert.Equal(t, []string{"bogus:unknown_field", "legacy:unknown_field"}, failureKeys(res))
}

func TestValidate_Required(t *testing.T) {
	name := field("name", schema.FieldText, 1)
	name.Required = true
	v := newValidator(t, name, field("notes", schema.FieldTextarea, 2))

	res, err := v.Validate(context.Background(), submit(map[string]any{"notes": "hi"}))
	require.NoError(t, err)
	assert.Equal(t, []string{"name:required"}, failureKeys(res))

	// An update that omits a required field already stored is fine.
	sub := submit(map[string]any{"notes": "hi"})
	sub.Current = map[string]any{"name": "stored"}
	res, err = v.Validate(context.Background(), sub)
	require.NoError(t, err)
	assert.True(t, res.Valid())
	require.Len(t, res.Values, 1)
	assert.Equal(t, "stored", res.Typed["name"])
}

func TestValidate_ConditionalLogic(t *testing.T) {
	reason := field("lost_reason", schema.FieldText, 2)
	reason.ConditionalLogic = []schema.ConditionalRule{
		{Field: "stage", Operator: schema.OpEquals, Value: "lost", Action: schema.ActionShow},
		{Field: "stage", Operator: schema.OpEquals, Value: "lost", Action: schema.ActionRequire},
	}
	discount := field("discount", schema.FieldNumber, 3)
	discount.Required = true
	discount.ConditionalLogic = []schema.ConditionalRule{
		{Field: "locked", Operator: schema.OpEquals, Value: true, Action: schema.ActionDisable},
	}
	v := newValidator(t, field("stage", schema.FieldSelect, 1), reason, discount, field("locked", schema.FieldBoolean, 4))
	ctx := context.Background()

	t.Run("shown and required when lost", func(t *testing.T) {
		res, err := v.Validate(ctx, submit(map[string]any{"stage": "lost", "discount": 5}))
		require.NoError(t, err)
		assert.Equal(t, []string{"lost_reason:required"}, failureKeys(res))
	})

	t.Run("hidden field rejects writes", func(t *testing.T) {
		res, err := v.Validate(ctx, submit(map[string]any{"stage": "open", "lost_reason": "price", "discount": 5}))
		require.NoError(t, err)
		assert.Equal(t, []string{"lost_reason:permission"}, failureKeys(res))
		assert.True(t, schema.HasCode(res.Err(), schema.ErrCodePermissionDenied))
	})

	t.Run("disabled field loses required", func(t *testing.T) {
		res, err := v.Validate(ctx, submit(map[string]any{"stage": "open", "locked": true}))
		require.NoError(t, err)
		assert.True(t, res.Valid(), "%v", res.Failures)
	})

	t.Run("system writes bypass visibility", func(t *testing.T) {
		sub := submit(map[string]any{"lost_reason": "price", "discount": 1})
		sub.System = true
		res, err := v.Validate(ctx, sub)
		require.NoError(t, err)
		assert.True(t, res.Valid(), "%v", res.Failures)
	})
}

func TestValidate_CanEdit(t *testing.T) {
	amount := field("amount", schema.FieldNumber, 1)
	amount.CanEdit = []string{"manager"}
	v := newValidator(t, amount)

	res, err := v.Validate(context.Background(), submit(map[string]any{"amount": 10}))
	require.NoError(t, err)
	assert.Equal(t, []string{"amount:permission"}, failureKeys(res))

	sub := submit(map[string]any{"amount": 10})
	sub.ActorRole = "manager"
	res, err = v.Validate(context.Background(), sub)
	require.NoError(t, err)
	assert.True(t, res.Valid())
}

func TestValidate_RulesInDeclarationOrder(t *testing.T) {
	code := field("code", schema.FieldText, 1)
	code.ValidationRules = []schema.ValidationRule{
		{Type: schema.RuleMin, Value: 5},
		{Type: schema.RulePattern, Value: `^[A-Z]+$`, Message: "uppercase only"},
	}
	v := newValidator(t, code)

	res, err := v.Validate(context.Background(), submit(map[string]any{"code": "ab"}))
	require.NoError(t, err)
	require.Len(t, res.Failures, 2)
	assert.Equal(t, "min", res.Failures[0].RuleType)
	assert.Equal(t, "pattern", res.Failures[1].RuleType)
	assert.Equal(t, "uppercase only", res.Failures[1].Message)
}

func TestValidate_CustomRule(t *testing.T) {
	vat := field("vat", schema.FieldText, 1)
	vat.ValidationRules = []schema.ValidationRule{{Type: schema.RuleCustom, Value: "vat_number"}}
	other := field("other", schema.FieldText, 2)
	other.ValidationRules = []schema.ValidationRule{{Type: schema.RuleCustom, Value: "missing"}}
	v := newValidator(t, vat, other)
	require.NoError(t, v.RegisterRule("vat_number", func(_ context.Context, _ schema.DynamicField, value any) error {
		if value != "DE123" {
			return errors.New("unknown VAT number")
		}
		return nil
	}))
	require.Error(t, v.RegisterRule("vat_number", func(context.Context, schema.DynamicField, any) error { return nil }))

	res, err := v.Validate(context.Background(), submit(map[string]any{"vat": "XX", "other": "x"}))
	require.NoError(t, err)
	require.Len(t, res.Failures, 2)
	assert.Equal(t, "unknown VAT number", res.Failures[0].Message)
	assert.Contains(t, res.Failures[1].Message, "not registered")
}

func TestValidate_ConfigConstraints(t *testing.T) {
	stage := field("stage", schema.FieldSelect, 1)
	stage.Config.Options = []schema.FieldOption{{Label: "Open", Value: "open"}, {Label: "Won", Value: "won"}}
	amount := field("amount", schema.FieldNumber, 2)
	amount.Config.Min = ptr(0.0)
	amount.Config.Max = ptr(1000.0)
	title := field("title", schema.FieldText, 3)
	title.Config.MaxLength = ptr(5)
	due := field("due", schema.FieldDate, 4)
	due.Config.MinDate = "2026-01-01"
	doc := field("doc", schema.FieldFile, 5)
	doc.Config.MaxSize = ptr(int64(1024))
	doc.Config.AllowedTypes = []string{"application/pdf"}

	v := newValidator(t, stage, amount, title, due, doc)
	res, err := v.Validate(context.Background(), submit(map[string]any{
		"stage":  "lost",
		"amount": 5000,
		"title":  "too long title",
		"due":    "2025-12-31",
		"doc":    map[string]any{"name": "a.png", "type": "image/png", "size": 4096},
	}))
	require.NoError(t, err)
	assert.Equal(t, []string{
		"stage:config", "amount:config", "title:config", "due:config", "doc:config", "doc:config",
	}, failureKeys(res))

	res, err = v.Validate(context.Background(), submit(map[string]any{
		"stage": "won",
		"doc":   map[string]any{"name": "a.pdf", "type": "application/pdf", "size": 10},
	}))
	require.NoError(t, err)
	assert.True(t, res.Valid(), "%v", res.Failures)
}

func TestVisibleAndProject(t *testing.T) {
	secret := field("margin", schema.FieldNumber, 2)
	secret.CanView = []string{"manager"}
	v := newValidator(t)
	fields := []schema.DynamicField{field("name", schema.FieldText, 1), secret}

	assert.Len(t, v.Visible("acme", "sales", fields), 1)
	assert.Len(t, v.Visible("acme", "manager", fields), 2)

	projected := v.Project("acme", "sales", fields, map[string]any{"name": "x", "margin": 0.3})
	assert.Equal(t, map[string]any{"name": "x"}, projected)
}
