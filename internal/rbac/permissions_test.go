package rbac

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/kdp-orchestrator/internal/apperr"
)

func fixture() Snapshot {
	return Snapshot{
		Assignments: map[uint][]string{
			1: {"admin"},
			2: {"service-operator"},
			3: {"viewer", "kafka-only"},
		},
		Roles: map[string][]string{
			"admin":            DefaultPermissions,
			"service-operator": DefaultRoles["service-operator"],
			"viewer":           {PermK8sRead},
			"kafka-only":       {PermKafkaDeploy},
		},
	}
}

func TestResolveUnionOfRoles(t *testing.T) {
	set := Resolve(fixture(), 3)
	assert.Equal(t, []string{PermK8sRead, PermKafkaDeploy}, set.Names())
	assert.False(t, set.Wildcard())
	assert.True(t, set.Has(PermKafkaDeploy))
	assert.False(t, set.Has(PermSparkDeploy))
}

func TestResolveUnknownUser(t *testing.T) {
	set := Resolve(fixture(), 99)
	assert.Zero(t, set.Len())
	assert.False(t, set.Has(PermK8sRead))
}

func TestAdminRoleIsWildcard(t *testing.T) {
	set := Resolve(fixture(), 1)
	assert.True(t, set.Wildcard())
	assert.Contains(t, set.Names(), AdminAll)

	for _, name := range []string{PermSparkDeploy, "made.up.permission", ""} {
		assert.True(t, set.Has(name), name)
		assert.NoError(t, RequirePermission(set, name))
	}
	assert.NoError(t, RequireAnyPermission(set, "a", "b"))
}

func TestRequirePermission(t *testing.T) {
	set := Resolve(fixture(), 2)

	require.NoError(t, RequirePermission(set, PermSparkDeploy))

	err := RequirePermission(set, PermK8sWrite)
	require.ErrorIs(t, err, apperr.ErrPermissionDenied)
	assert.Contains(t, err.Error(), PermK8sWrite)

	assert.NoError(t, RequireAnyPermission(set, PermK8sWrite, PermKafkaDeploy))
	assert.ErrorIs(t, RequireAnyPermission(set, PermK8sWrite, PermAdminRBACRead), apperr.ErrPermissionDenied)
}

func TestNewPermissionSetWildcard(t *testing.T) {
	assert.True(t, NewPermissionSet(AdminAll).Has(PermAlertsManage))
	assert.False(t, NewPermissionSet(PermK8sRead).Has(PermAlertsManage))
}
