package authz

import (
	"fmt"
	"slices"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
)

// GlobalDomain holds role inheritance and grants shared by every tenant.
const GlobalDomain = "*"

// Wildcard in an allow-list admits every role.
const Wildcard = "*"

const rbacModel = `
[request_definition]
r = sub, dom, obj, act

[policy_definition]
p = sub, dom, obj, act

[role_definition]
g = _, _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = (g(r.sub, p.sub, r.dom) || g(r.sub, p.sub, "*")) && (p.dom == r.dom || p.dom == "*") && r.obj == p.obj && r.act == p.act
`

// Enforcer answers role questions for workflow permissions: role hierarchies
// per tenant (with a global layer) and object/action grants for operator
// surfaces. Backed by a synchronized casbin enforcer.
type Enforcer struct {
	e *casbin.SyncedEnforcer
}

// New creates an Enforcer with no inheritance and no grants.
func New() (*Enforcer, error) {
	m, err := model.NewModelFromString(rbacModel)
	if err != nil {
		return nil, fmt.Errorf("authz model: %w", err)
	}
	e, err := casbin.NewSyncedEnforcer(m)
	if err != nil {
		return nil, fmt.Errorf("authz enforcer: %w", err)
	}
	return &Enforcer{e: e}, nil
}

// SubjectFromRole normalizes a role name into a casbin subject.
func SubjectFromRole(role string) string {
	role = strings.TrimSpace(strings.ToLower(role))
	if role == "" {
		role = "anonymous"
	}
	return "role:" + role
}

// DomainFromTenantID normalizes a tenant ID into a casbin domain. An empty
// tenant maps to the global domain.
func DomainFromTenantID(tenantID string) string {
	d := strings.ToLower(strings.TrimSpace(tenantID))
	if d == "" {
		return GlobalDomain
	}
	return d
}

// AddInheritance makes role inherit every permission of parent within the
// tenant (or globally when tenantID is empty).
func (a *Enforcer) AddInheritance(tenantID, role, parent string) error {
	_, err := a.e.AddGroupingPolicy(SubjectFromRole(role), SubjectFromRole(parent), DomainFromTenantID(tenantID))
	return err
}

// Grant allows role to perform action on object within the tenant (or
// globally when tenantID is empty).
func (a *Enforcer) Grant(tenantID, role, object, action string) error {
	_, err := a.e.AddPolicy(SubjectFromRole(role), DomainFromTenantID(tenantID), object, action)
	return err
}

// Can reports whether role may perform action on object in the tenant.
func (a *Enforcer) Can(tenantID, role, object, action string) (bool, error) {
	return a.e.Enforce(SubjectFromRole(role), DomainFromTenantID(tenantID), object, action)
}

// Roles returns role plus every role it inherits in the tenant and globally.
func (a *Enforcer) Roles(tenantID, role string) []string {
	sub := SubjectFromRole(role)
	out := []string{strings.TrimPrefix(sub, "role:")}
	for _, dom := range []string{DomainFromTenantID(tenantID), GlobalDomain} {
		inherited, err := a.e.GetImplicitRolesForUser(sub, dom)
		if err != nil {
			continue
		}
		for _, r := range inherited {
			name := strings.TrimPrefix(r, "role:")
			if !slices.Contains(out, name) {
				out = append(out, name)
			}
		}
	}
	return out
}

// Allowed reports whether role satisfies an allow-list. An empty list or a
// "*" entry admits everyone; otherwise the role or one it inherits must be listed.
func (a *Enforcer) Allowed(tenantID, role string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	normalized := make([]string, 0, len(allowed))
	for _, r := range allowed {
		r = strings.TrimSpace(strings.ToLower(r))
		if r == Wildcard {
			return true
		}
		normalized = append(normalized, r)
	}
	for _, r := range a.Roles(tenantID, role) {
		if slices.Contains(normalized, r) {
			return true
		}
	}
	return false
}
