package orchestration_test

import (
	"context"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/example/kdp-orchestrator/internal/db/dbtest"
	"github.com/example/kdp-orchestrator/internal/models"
	"github.com/example/kdp-orchestrator/internal/queue"
	"github.com/example/kdp-orchestrator/internal/rbac"
)

type recordingDispatcher struct {
	mu    sync.Mutex
	tasks []queue.ApplyTask
	err   error
}

func (d *recordingDispatcher) EnqueueApply(_ context.Context, _ *gorm.DB, task queue.ApplyTask) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.tasks = append(d.tasks, task)
	return nil
}

type applyCall struct {
	Kubeconfig string
	Namespace  string
	Manifest   map[string]any
}

type fakeApplier struct {
	mu    sync.Mutex
	calls []applyCall
	errs  []error
}

func (f *fakeApplier) Apply(_ context.Context, kubeconfig []byte, namespace string, manifest map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, applyCall{Kubeconfig: string(kubeconfig), Namespace: namespace, Manifest: manifest})
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return err
	}
	return nil
}

func (f *fakeApplier) Calls() []applyCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]applyCall(nil), f.calls...)
}

type fakeCredentials struct {
	err error
}

func (f fakeCredentials) Kubeconfig(_ context.Context, clusterID uint) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []byte("kubeconfig-for-cluster"), nil
}

type env struct {
	db      *gorm.DB
	cluster models.Cluster
}

func newEnv(t *testing.T) *env {
	t.Helper()
	return newEnvOn(t, dbtest.New(t))
}

func newEnvOn(t *testing.T, conn *gorm.DB) *env {
	t.Helper()
	require.NoError(t, rbac.NewAdmin(conn).Seed(context.Background(), ""))
	cluster := models.Cluster{Name: "prod", Status: models.ClusterRegistered}
	require.NoError(t, conn.Create(&cluster).Error)
	return &env{db: conn, cluster: cluster}
}

// user creates an active user holding a dedicated role with perms.
func (e *env) user(t *testing.T, name string, perms ...string) uint {
	t.Helper()
	var ps []models.Permission
	require.NoError(t, e.db.Where("name IN ?", perms).Find(&ps).Error)
	require.Len(t, ps, len(perms))
	role := models.Role{Name: name + "-role", Permissions: ps}
	require.NoError(t, e.db.Create(&role).Error)
	u := models.User{Username: name, Active: true, Roles: []models.Role{role}}
	require.NoError(t, e.db.Create(&u).Error)
	return u.ID
}

func (e *env) scope(t *testing.T, userID uint, ns string, allowed, denied []string) {
	t.Helper()
	require.NoError(t, e.db.Create(&models.NamespaceScope{
		UserID:         userID,
		ClusterID:      e.cluster.ID,
		Namespace:      ns,
		AllowedActions: allowed,
		DeniedActions:  denied,
	}).Error)
}

func (e *env) audits(t *testing.T, action string) []models.AuditLog {
	t.Helper()
	var rows []models.AuditLog
	require.NoError(t, e.db.Where("action = ?", action).Order("id").Find(&rows).Error)
	return rows
}

func jsonUint(v uint) string {
	return strconv.FormatUint(uint64(v), 10)
}
