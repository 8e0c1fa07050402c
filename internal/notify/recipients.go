package notify

import (
	"context"
	"fmt"
	"net/mail"
	"net/url"
	"regexp"
	"strings"

	"github.com/rendis/entityflow/internal/identity"
	"github.com/rendis/entityflow/pkg/schema"
)

// Target is one resolved recipient on one channel.
type Target struct {
	UserID  string `json:"user_id,omitempty"`
	Name    string `json:"name,omitempty"`
	Address string `json:"address"`
}

// Resolver turns recipient references into channel addresses through the
// identity directory. It never writes.
type Resolver struct {
	dir identity.Directory
}

// NewResolver creates a Resolver. A nil directory resolves only literal
// addresses and field values.
func NewResolver(dir identity.Directory) *Resolver {
	return &Resolver{dir: dir}
}

// Resolve returns the distinct targets for recipients on channel ch, along
// with the references that could not be resolved.
func (r *Resolver) Resolve(ctx context.Context, tenantID string, snapshot map[string]any, recipients []schema.Recipient, ch schema.ChannelType) ([]Target, []error) {
	var (
		out      []Target
		problems []error
		seen     = make(map[string]bool)
	)
	add := func(t Target) {
		if t.Address == "" || seen[t.Address] {
			return
		}
		seen[t.Address] = true
		out = append(out, t)
	}

	for _, rc := range recipients {
		switch rc.Type {
		case schema.RecipientUser:
			t, err := r.user(ctx, tenantID, rc.Value, ch)
			if err != nil {
				problems = append(problems, err)
				continue
			}
			add(t)

		case schema.RecipientRole:
			if r.dir == nil {
				problems = append(problems, fmt.Errorf("role %q: no directory configured", rc.Value))
				continue
			}
			users, err := r.dir.UsersWithRole(ctx, tenantID, rc.Value)
			if err != nil {
				problems = append(problems, fmt.Errorf("role %q: %w", rc.Value, err))
				continue
			}
			for i := range users {
				add(Target{UserID: users[i].ID, Name: users[i].Name, Address: users[i].Address(ch)})
			}

		case schema.RecipientField:
			for _, v := range fieldRefs(snapshot[rc.Value]) {
				// A field holds either a user id or a literal address.
				t, err := r.user(ctx, tenantID, v, ch)
				switch {
				case err == nil:
					add(t)
				case literalAddress(ch, v):
					add(Target{Address: v})
				default:
					problems = append(problems, fmt.Errorf("field %q: %w", rc.Value, err))
				}
			}

		case schema.RecipientEmail:
			add(Target{Address: strings.TrimSpace(rc.Value)})

		default:
			problems = append(problems, fmt.Errorf("unknown recipient type %q", rc.Type))
		}
	}
	return out, problems
}

func (r *Resolver) user(ctx context.Context, tenantID, id string, ch schema.ChannelType) (Target, error) {
	if r.dir == nil {
		return Target{}, fmt.Errorf("user %q: no directory configured", id)
	}
	u, err := r.dir.User(ctx, tenantID, id)
	if err != nil {
		return Target{}, fmt.Errorf("user %q: %w", id, err)
	}
	if u.Inactive {
		return Target{}, fmt.Errorf("user %q is inactive", id)
	}
	addr := u.Address(ch)
	if addr == "" {
		return Target{}, fmt.Errorf("user %q has no %s address", id, ch)
	}
	return Target{UserID: u.ID, Name: u.Name, Address: addr}, nil
}

// fieldRefs reads a field value as one or more recipient strings.
func fieldRefs(v any) []string {
	switch x := v.(type) {
	case string:
		if s := strings.TrimSpace(x); s != "" {
			return []string{s}
		}
	case []string:
		return x
	case []any:
		var out []string
		for _, item := range x {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
		return out
	}
	return nil
}

var phonePattern = regexp.MustCompile(`^\+[1-9][0-9]{6,14}$`)

// literalAddress reports whether s is usable as-is on ch. In-app delivery
// only knows directory users.
func literalAddress(ch schema.ChannelType, s string) bool {
	switch ch {
	case schema.ChannelEmail:
		addr, err := mail.ParseAddress(s)
		return err == nil && addr.Address == s
	case schema.ChannelSMS:
		return phonePattern.MatchString(s)
	case schema.ChannelWebhook:
		u, err := url.Parse(s)
		return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
	default:
		return false
	}
}
