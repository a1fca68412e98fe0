package rbac_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/kdp-orchestrator/internal/apperr"
	"github.com/example/kdp-orchestrator/internal/db/dbtest"
	"github.com/example/kdp-orchestrator/internal/models"
	"github.com/example/kdp-orchestrator/internal/rbac"
)

func TestSeedIsIdempotentAndAdminResolvesWildcard(t *testing.T) {
	conn := dbtest.New(t)
	ctx := context.Background()
	admin := rbac.NewAdmin(conn)

	require.NoError(t, admin.Seed(ctx, "$2a$10$hash"))
	require.NoError(t, admin.Seed(ctx, "$2a$10$hash"))

	var perms, roles, users int64
	conn.Model(&models.Permission{}).Count(&perms)
	conn.Model(&models.Role{}).Count(&roles)
	conn.Model(&models.User{}).Count(&users)
	assert.EqualValues(t, len(rbac.DefaultPermissions), perms)
	assert.EqualValues(t, len(rbac.DefaultRoles), roles)
	assert.EqualValues(t, 1, users)

	var u models.User
	require.NoError(t, conn.Where("username = ?", "admin").First(&u).Error)
	assert.True(t, u.Active)

	set, err := rbac.NewResolver(conn).Resolve(ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, set.Wildcard())
	assert.Contains(t, set.Names(), rbac.AdminAll)
	assert.NoError(t, rbac.RequirePermission(set, rbac.PermKafkaDeploy))
}

func TestCreateUserAndBindRole(t *testing.T) {
	conn := dbtest.New(t)
	ctx := context.Background()
	admin := rbac.NewAdmin(conn)
	require.NoError(t, admin.Seed(ctx, ""))

	u, err := admin.CreateUser(ctx, 0, rbac.CreateUserInput{Username: "ana", Email: "ana@example.local", Roles: []string{"viewer"}}, "")
	require.NoError(t, err)

	_, err = admin.CreateUser(ctx, 0, rbac.CreateUserInput{Username: "ana"}, "")
	assert.ErrorIs(t, err, apperr.ErrConflict)

	_, err = admin.CreateUser(ctx, 0, rbac.CreateUserInput{Username: "bob", Roles: []string{"nope"}}, "")
	assert.ErrorIs(t, err, apperr.ErrValidation)

	resolver := rbac.NewResolver(conn)
	set, err := resolver.Resolve(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{rbac.PermK8sRead}, set.Names())

	var op models.Role
	require.NoError(t, conn.Where("name = ?", "service-operator").First(&op).Error)
	require.NoError(t, admin.BindRole(ctx, 0, u.ID, op.ID, "127.0.0.1"))
	require.NoError(t, admin.BindRole(ctx, 0, u.ID, op.ID, "127.0.0.1"))

	set, err = resolver.Resolve(ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, set.Has(rbac.PermSparkDeploy))
	assert.False(t, set.Has(rbac.PermK8sWrite))

	assert.ErrorIs(t, admin.BindRole(ctx, 0, 999, op.ID, ""), apperr.ErrNotFound)

	off, err := admin.SetUserActive(ctx, 0, u.ID, false, "")
	require.NoError(t, err)
	assert.False(t, off.Active)
}

func TestPutScopeUpserts(t *testing.T) {
	conn := dbtest.New(t)
	ctx := context.Background()
	admin := rbac.NewAdmin(conn)

	_, err := admin.PutScope(ctx, 1, rbac.ScopeInput{UserID: 3, ClusterID: 1, Namespace: "etl", AllowedActions: []string{rbac.ActionScale}}, "")
	require.NoError(t, err)
	s, err := admin.PutScope(ctx, 1, rbac.ScopeInput{UserID: 3, ClusterID: 1, Namespace: "etl", DeniedActions: []string{rbac.ActionScale}}, "")
	require.NoError(t, err)
	assert.True(t, s.Denies(rbac.ActionScale))
	assert.False(t, s.Allows(rbac.ActionScale))

	scopes, err := admin.ListScopes(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, scopes, 1)

	_, err = admin.PutScope(ctx, 1, rbac.ScopeInput{UserID: 3, ClusterID: 1, Namespace: "etl",
		AllowedActions: []string{rbac.ActionScale}, DeniedActions: []string{rbac.ActionScale}}, "")
	assert.ErrorIs(t, err, apperr.ErrValidation)
}
