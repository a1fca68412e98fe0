// Package rbac resolves global role permissions and per-namespace scopes.
package rbac

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"gorm.io/gorm"

	"github.com/example/kdp-orchestrator/internal/apperr"
	"github.com/example/kdp-orchestrator/internal/models"
)

// AdminAll grants every permission gate.
const AdminAll = "admin.all"

// Permission names.
const (
	PermAdminUsersWrite = "admin.users.write"
	PermAdminRBACRead   = "admin.rbac.read"
	PermAdminRBACWrite  = "admin.rbac.write"
	PermAdminAuditRead  = "admin.audit.read"
	PermK8sRead         = "k8s.read"
	PermK8sWrite        = "k8s.write"
	PermSparkDeploy     = "spark.deploy"
	PermKafkaDeploy     = "kafka.deploy"
	PermAlertsManage    = "alerts.manage"
	PermAIUse           = "ai.use"
)

// PermissionSet is a set of permission names. AdminAll is kept as a
// wildcard flag rather than expanded.
type PermissionSet struct {
	names    map[string]struct{}
	wildcard bool
}

func NewPermissionSet(names ...string) PermissionSet {
	p := PermissionSet{names: make(map[string]struct{}, len(names))}
	for _, n := range names {
		p.add(n)
	}
	return p
}

func (p *PermissionSet) add(name string) {
	if name == AdminAll {
		p.wildcard = true
	}
	if p.names == nil {
		p.names = map[string]struct{}{}
	}
	p.names[name] = struct{}{}
}

// Wildcard reports whether the set carries admin.all.
func (p PermissionSet) Wildcard() bool { return p.wildcard }

// Has reports whether name is granted, directly or through the wildcard.
func (p PermissionSet) Has(name string) bool {
	if p.wildcard {
		return true
	}
	_, ok := p.names[name]
	return ok
}

// HasAny reports whether at least one of names is granted.
func (p PermissionSet) HasAny(names ...string) bool {
	if p.wildcard {
		return true
	}
	for _, n := range names {
		if _, ok := p.names[n]; ok {
			return true
		}
	}
	return false
}

// Names returns the granted names in sorted order, admin.all included.
func (p PermissionSet) Names() []string {
	out := make([]string, 0, len(p.names))
	for n := range p.names {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (p PermissionSet) Len() int { return len(p.names) }

// Snapshot is the role data needed to resolve one or more users.
type Snapshot struct {
	// Assignments maps user id to bound role names.
	Assignments map[uint][]string
	// Roles maps role name to its permission names.
	Roles map[string][]string
}

// Resolve returns the union of permissions over the user's roles.
func Resolve(s Snapshot, userID uint) PermissionSet {
	set := NewPermissionSet()
	for _, role := range s.Assignments[userID] {
		for _, perm := range s.Roles[role] {
			set.add(perm)
		}
	}
	return set
}

// LoadSnapshot reads the roles and permissions bound to userID.
func LoadSnapshot(ctx context.Context, db *gorm.DB, userID uint) (Snapshot, error) {
	snap := Snapshot{Assignments: map[uint][]string{}, Roles: map[string][]string{}}

	var user models.User
	err := db.WithContext(ctx).Preload("Roles.Permissions").First(&user, userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return snap, nil
	}
	if err != nil {
		return snap, fmt.Errorf("load roles for user %d: %w", userID, err)
	}

	for _, role := range user.Roles {
		snap.Assignments[userID] = append(snap.Assignments[userID], role.Name)
		perms := make([]string, 0, len(role.Permissions))
		for _, p := range role.Permissions {
			perms = append(perms, p.Name)
		}
		snap.Roles[role.Name] = perms
	}
	return snap, nil
}

// Resolver loads a fresh snapshot per decision. Nothing is cached.
type Resolver struct {
	db *gorm.DB
}

func NewResolver(db *gorm.DB) *Resolver {
	return &Resolver{db: db}
}

func (r *Resolver) Resolve(ctx context.Context, userID uint) (PermissionSet, error) {
	snap, err := LoadSnapshot(ctx, r.db, userID)
	if err != nil {
		return PermissionSet{}, err
	}
	return Resolve(snap, userID), nil
}

// RequirePermission fails unless set grants name.
func RequirePermission(set PermissionSet, name string) error {
	if set.Has(name) {
		return nil
	}
	return fmt.Errorf("missing permission %s: %w", name, apperr.ErrPermissionDenied)
}

// RequireAnyPermission fails unless set grants at least one of names.
func RequireAnyPermission(set PermissionSet, names ...string) error {
	if set.HasAny(names...) {
		return nil
	}
	return fmt.Errorf("missing any of %s: %w", strings.Join(names, ", "), apperr.ErrPermissionDenied)
}
