package authz

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEnforcer(t *testing.T) *Enforcer {
	t.Helper()
	a, err := New()
	require.NoError(t, err)
	return a
}

func TestSubjectAndDomain(t *testing.T) {
	assert.Equal(t, "role:admin", SubjectFromRole(" Admin "))
	assert.Equal(t, "role:anonymous", SubjectFromRole(""))
	assert.Equal(t, "acme", DomainFromTenantID(" ACME "))
	assert.Equal(t, GlobalDomain, DomainFromTenantID(""))
}

func TestAllowed_EmptyAndWildcard(t *testing.T) {
	a := newEnforcer(t)
	assert.True(t, a.Allowed("t1", "anyone", nil))
	assert.True(t, a.Allowed("t1", "anyone", []string{"manager", "*"}))
	assert.True(t, a.Allowed("t1", "Manager", []string{"manager"}))
	assert.False(t, a.Allowed("t1", "sales", []string{"manager"}))
}

func TestAllowed_TenantInheritance(t *testing.T) {
	a := newEnforcer(t)
	require.NoError(t, a.AddInheritance("t1", "admin", "manager"))
	require.NoError(t, a.AddInheritance("t1", "manager", "sales"))

	assert.True(t, a.Allowed("t1", "admin", []string{"sales"}), "transitive inheritance")
	assert.False(t, a.Allowed("t2", "admin", []string{"manager"}), "inheritance is tenant scoped")
	assert.False(t, a.Allowed("t1", "sales", []string{"admin"}), "inheritance is one-way")
	assert.ElementsMatch(t, []string{"admin", "manager", "sales"}, a.Roles("t1", "admin"))
}

func TestAllowed_GlobalInheritance(t *testing.T) {
	a := newEnforcer(t)
	require.NoError(t, a.AddInheritance("", "owner", "admin"))

	assert.True(t, a.Allowed("t1", "owner", []string{"admin"}))
	assert.True(t, a.Allowed("t9", "owner", []string{"admin"}))
}

func TestCan(t *testing.T) {
	a := newEnforcer(t)
	require.NoError(t, a.Grant("t1", "operator", "dispatch_job", "requeue"))
	require.NoError(t, a.Grant("", "auditor", "history", "read"))
	require.NoError(t, a.AddInheritance("t1", "admin", "operator"))

	ok, err := a.Can("t1", "operator", "dispatch_job", "requeue")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = a.Can("t1", "admin", "dispatch_job", "requeue")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = a.Can("t2", "operator", "dispatch_job", "requeue")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = a.Can("t5", "auditor", "history", "read")
	require.NoError(t, err)
	assert.True(t, ok)
}
