package fields

import (
	"encoding/json"
	"fmt"
	"net/mail"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/rendis/entityflow/internal/conditions"
	"github.com/rendis/entityflow/pkg/schema"
)

var (
	colorPattern = regexp.MustCompile(`^#(?:[0-9a-fA-F]{3}|[0-9a-fA-F]{6}|[0-9a-fA-F]{8})$`)
	timeLayouts  = []string{"15:04", "15:04:05"}
)

// coerce converts a submitted value into the typed form of the field and the
// storage slot it lands in. Empty submissions clear the slot.
func coerce(f *schema.DynamicField, raw any) (any, schema.DynamicFieldValue, error) {
	dv := schema.DynamicFieldValue{FieldID: f.ID, FieldKey: f.Key, Kind: f.Type.Slot()}
	if conditions.IsEmpty(raw) {
		return nil, dv, nil
	}

	switch dv.Kind {
	case schema.ValueNumber:
		if _, isBool := raw.(bool); isBool {
			return nil, dv, fmt.Errorf("expected a number, got boolean")
		}
		n, ok := conditions.ToNumber(raw)
		if !ok {
			return nil, dv, fmt.Errorf("expected a number, got %T", raw)
		}
		dv.Number = &n
		return n, dv, nil

	case schema.ValueBoolean:
		var b bool
		switch x := raw.(type) {
		case bool:
			b = x
		case string:
			switch strings.ToLower(strings.TrimSpace(x)) {
			case "true":
				b = true
			case "false":
				b = false
			default:
				return nil, dv, fmt.Errorf("expected a boolean, got %q", x)
			}
		default:
			return nil, dv, fmt.Errorf("expected a boolean, got %T", raw)
		}
		dv.Boolean = &b
		return b, dv, nil

	case schema.ValueDate:
		t, err := parseDate(raw)
		if err != nil {
			return nil, dv, err
		}
		dv.Date = &t
		return t, dv, nil

	case schema.ValueDatetime:
		t, err := parseDatetime(raw)
		if err != nil {
			return nil, dv, err
		}
		dv.Datetime = &t
		return t, dv, nil

	case schema.ValueJSON:
		v, err := coerceJSON(f.Type, raw)
		if err != nil {
			return nil, dv, err
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, dv, fmt.Errorf("value is not JSON serializable: %w", err)
		}
		dv.JSON = b
		return v, dv, nil
	}

	s, ok := raw.(string)
	if !ok {
		return nil, dv, fmt.Errorf("expected a string, got %T", raw)
	}
	if err := checkTextFormat(f.Type, s); err != nil {
		return nil, dv, err
	}
	dv.Text = &s
	return s, dv, nil
}

func checkTextFormat(t schema.FieldType, s string) error {
	switch t {
	case schema.FieldEmail:
		if !isEmail(s) {
			return fmt.Errorf("%q is not a valid email address", s)
		}
	case schema.FieldURL:
		if !isURL(s) {
			return fmt.Errorf("%q is not a valid URL", s)
		}
	case schema.FieldColor:
		if !colorPattern.MatchString(s) {
			return fmt.Errorf("%q is not a hex color", s)
		}
	case schema.FieldTime:
		for _, layout := range timeLayouts {
			if _, err := time.Parse(layout, s); err == nil {
				return nil
			}
		}
		return fmt.Errorf("%q is not a time of day (HH:MM)", s)
	}
	return nil
}

func parseDate(raw any) (time.Time, error) {
	switch x := raw.(type) {
	case time.Time:
		y, m, d := x.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
	case string:
		if t, err := time.Parse(schema.DateLayout, x); err == nil {
			return t, nil
		}
		if t, err := time.Parse(time.RFC3339, x); err == nil {
			y, m, d := t.Date()
			return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
		}
		return time.Time{}, fmt.Errorf("%q is not a date (YYYY-MM-DD)", x)
	}
	return time.Time{}, fmt.Errorf("expected a date, got %T", raw)
}

func parseDatetime(raw any) (time.Time, error) {
	switch x := raw.(type) {
	case time.Time:
		return x.UTC(), nil
	case string:
		t, err := time.Parse(time.RFC3339, x)
		if err != nil {
			return time.Time{}, fmt.Errorf("%q is not an RFC 3339 datetime", x)
		}
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("expected a datetime, got %T", raw)
}

func coerceJSON(t schema.FieldType, raw any) (any, error) {
	switch t {
	case schema.FieldMultiselect:
		items, ok := stringList(raw)
		if !ok {
			return nil, fmt.Errorf("expected a list of strings, got %T", raw)
		}
		return items, nil
	case schema.FieldFile, schema.FieldImage:
		files, ok := fileList(raw)
		if !ok {
			return nil, fmt.Errorf("expected a file object or list of file objects, got %T", raw)
		}
		return files, nil
	}
	return raw, nil
}

func stringList(raw any) ([]string, bool) {
	switch x := raw.(type) {
	case []string:
		return x, true
	case []any:
		out := make([]string, 0, len(x))
		for _, item := range x {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}

func fileList(raw any) ([]map[string]any, bool) {
	switch x := raw.(type) {
	case map[string]any:
		return []map[string]any{x}, true
	case []map[string]any:
		return x, true
	case []any:
		out := make([]map[string]any, 0, len(x))
		for _, item := range x {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, false
			}
			out = append(out, m)
		}
		return out, true
	}
	return nil, false
}

func isEmail(s string) bool {
	addr, err := mail.ParseAddress(s)
	return err == nil && addr.Address == s
}

func isURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
