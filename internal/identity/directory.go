package identity

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/rendis/entityflow/pkg/schema"
)

// SystemActor is the actor ID recorded for engine-initiated changes.
const SystemActor = "system"

// User is a tenant member that notifications can be addressed to.
type User struct {
	ID       string   `json:"id" yaml:"id"`
	TenantID string   `json:"tenant_id" yaml:"tenant_id"`
	Name     string   `json:"name" yaml:"name"`
	Email    string   `json:"email,omitempty" yaml:"email"`
	Phone    string   `json:"phone,omitempty" yaml:"phone"`
	Roles    []string `json:"roles,omitempty" yaml:"roles"`
	Inactive bool     `json:"inactive,omitempty" yaml:"inactive"`
}

// Address returns the user's address on a channel, or "" when the user has none.
func (u *User) Address(ch schema.ChannelType) string {
	switch ch {
	case schema.ChannelEmail:
		return u.Email
	case schema.ChannelSMS:
		return u.Phone
	case schema.ChannelInApp:
		return u.ID
	default:
		return ""
	}
}

// Directory is the identity subsystem as seen by the engine. The engine reads
// users and role memberships; it never writes them.
type Directory interface {
	User(ctx context.Context, tenantID, userID string) (*User, error)
	UsersWithRole(ctx context.Context, tenantID, role string) ([]User, error)
}

// ValidateUser checks required fields on a User.
func ValidateUser(u *User) error {
	if u.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "user id is required")
	}
	if u.TenantID == "" {
		return schema.NewError(schema.ErrCodeValidation, "user tenant_id is required")
	}
	return nil
}

// MemoryDirectory is an in-process Directory for embedding and tests.
type MemoryDirectory struct {
	mu    sync.RWMutex
	users map[string]map[string]User // tenant -> user id -> user
}

// NewMemoryDirectory creates a directory seeded with users.
func NewMemoryDirectory(users ...User) (*MemoryDirectory, error) {
	d := &MemoryDirectory{users: make(map[string]map[string]User)}
	for _, u := range users {
		if err := d.Put(u); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Put adds or replaces a user.
func (d *MemoryDirectory) Put(u User) error {
	if err := ValidateUser(&u); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.users[u.TenantID] == nil {
		d.users[u.TenantID] = make(map[string]User)
	}
	u.Roles = slices.Clone(u.Roles)
	d.users[u.TenantID][u.ID] = u
	return nil
}

func (d *MemoryDirectory) User(_ context.Context, tenantID, userID string) (*User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[tenantID][userID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "user %q not found", userID)
	}
	return &u, nil
}

// UsersWithRole returns active users holding role, ordered by ID.
func (d *MemoryDirectory) UsersWithRole(_ context.Context, tenantID, role string) ([]User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []User
	for _, u := range d.users[tenantID] {
		if u.Inactive {
			continue
		}
		for _, r := range u.Roles {
			if strings.EqualFold(r, role) {
				out = append(out, u)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

var _ Directory = (*MemoryDirectory)(nil)
