package rbac

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/example/kdp-orchestrator/internal/apperr"
	"github.com/example/kdp-orchestrator/internal/audit"
	"github.com/example/kdp-orchestrator/internal/models"
)

// DefaultPermissions is every permission known to the platform.
var DefaultPermissions = []string{
	AdminAll,
	PermAdminUsersWrite,
	PermAdminRBACRead,
	PermAdminRBACWrite,
	PermAdminAuditRead,
	PermK8sRead,
	PermK8sWrite,
	PermSparkDeploy,
	PermKafkaDeploy,
	PermAlertsManage,
	PermAIUse,
}

// DefaultRoles maps the built-in roles to their permissions.
var DefaultRoles = map[string][]string{
	"admin":             DefaultPermissions,
	"platform-operator": {PermK8sRead, PermK8sWrite, PermSparkDeploy, PermKafkaDeploy, PermAlertsManage, PermAIUse},
	"service-operator":  {PermK8sRead, PermSparkDeploy, PermKafkaDeploy, PermAlertsManage},
	"viewer":            {PermK8sRead},
}

// Admin manages users, role bindings and namespace scopes.
type Admin struct {
	db *gorm.DB
}

func NewAdmin(db *gorm.DB) *Admin {
	return &Admin{db: db}
}

// Seed creates the default permissions and roles and, when adminHash is
// set, an active "admin" user bound to the admin role. It is idempotent.
func (a *Admin) Seed(ctx context.Context, adminHash string) error {
	return a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		perms := map[string]models.Permission{}
		for _, name := range DefaultPermissions {
			p := models.Permission{Name: name}
			if err := tx.Where(models.Permission{Name: name}).Attrs(models.Permission{Description: name}).FirstOrCreate(&p).Error; err != nil {
				return fmt.Errorf("seed permission %s: %w", name, err)
			}
			perms[name] = p
		}

		for roleName, names := range DefaultRoles {
			role := models.Role{Name: roleName}
			if err := tx.Where(models.Role{Name: roleName}).Attrs(models.Role{Description: roleName}).FirstOrCreate(&role).Error; err != nil {
				return fmt.Errorf("seed role %s: %w", roleName, err)
			}
			link := make([]models.Permission, 0, len(names))
			for _, n := range names {
				link = append(link, perms[n])
			}
			if err := tx.Model(&role).Association("Permissions").Append(link); err != nil {
				return fmt.Errorf("seed role %s permissions: %w", roleName, err)
			}
		}

		if adminHash == "" {
			return nil
		}
		admin := models.User{Username: "admin"}
		err := tx.Where(models.User{Username: "admin"}).
			Attrs(models.User{Email: "admin@example.local", PasswordHash: adminHash, DisplayName: "Administrator", Active: true}).
			FirstOrCreate(&admin).Error
		if err != nil {
			return fmt.Errorf("seed admin user: %w", err)
		}
		var adminRole models.Role
		if err := tx.Where("name = ?", "admin").First(&adminRole).Error; err != nil {
			return err
		}
		return tx.Model(&admin).Association("Roles").Append(&adminRole)
	})
}

func (a *Admin) ListRoles(ctx context.Context) ([]models.Role, error) {
	var roles []models.Role
	err := a.db.WithContext(ctx).Preload("Permissions").Order("name").Find(&roles).Error
	return roles, err
}

func (a *Admin) ListPermissions(ctx context.Context) ([]models.Permission, error) {
	var perms []models.Permission
	err := a.db.WithContext(ctx).Order("name").Find(&perms).Error
	return perms, err
}

// BindRole adds roleID to userID. Binding twice is a no-op.
func (a *Admin) BindRole(ctx context.Context, actorID, userID, roleID uint, ip string) error {
	return a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user models.User
		if err := tx.First(&user, userID).Error; err != nil {
			return notFound("user", userID, err)
		}
		var role models.Role
		if err := tx.First(&role, roleID).Error; err != nil {
			return notFound("role", roleID, err)
		}
		if err := tx.Model(&user).Association("Roles").Append(&role); err != nil {
			return fmt.Errorf("bind role: %w", err)
		}
		return audit.Append(ctx, tx, audit.Entry{
			ActorID:      audit.Actor(actorID),
			Action:       "rbac.bind_role",
			ResourceKind: "user_role",
			ResourceID:   fmt.Sprintf("%d:%d", userID, roleID),
			Diff:         map[string]uint{"user_id": userID, "role_id": roleID},
			Outcome:      audit.OutcomeSuccess,
			IP:           ip,
		})
	})
}

type CreateUserInput struct {
	Username     string
	Email        string
	DisplayName  string
	PasswordHash string
	Roles        []string
}

func (a *Admin) CreateUser(ctx context.Context, actorID uint, in CreateUserInput, ip string) (*models.User, error) {
	if strings.TrimSpace(in.Username) == "" {
		return nil, fmt.Errorf("username is required: %w", apperr.ErrValidation)
	}
	user := models.User{
		Username:     in.Username,
		Email:        in.Email,
		DisplayName:  in.DisplayName,
		PasswordHash: in.PasswordHash,
		Active:       true,
	}
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&user).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return fmt.Errorf("user %s exists: %w", in.Username, apperr.ErrConflict)
			}
			return err
		}
		if len(in.Roles) > 0 {
			var roles []models.Role
			if err := tx.Where("name IN ?", in.Roles).Find(&roles).Error; err != nil {
				return err
			}
			if len(roles) != len(in.Roles) {
				return fmt.Errorf("unknown role in %v: %w", in.Roles, apperr.ErrValidation)
			}
			if err := tx.Model(&user).Association("Roles").Append(roles); err != nil {
				return err
			}
		}
		return audit.Append(ctx, tx, audit.Entry{
			ActorID:      audit.Actor(actorID),
			Action:       "admin.user.create",
			ResourceKind: "user",
			ResourceID:   fmt.Sprint(user.ID),
			Diff:         map[string]any{"username": user.Username, "roles": in.Roles},
			Outcome:      audit.OutcomeSuccess,
			IP:           ip,
		})
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (a *Admin) ListUsers(ctx context.Context) ([]models.User, error) {
	var users []models.User
	err := a.db.WithContext(ctx).Preload("Roles").Order("username").Find(&users).Error
	return users, err
}

// SetUserActive toggles the only mutable identity field.
func (a *Admin) SetUserActive(ctx context.Context, actorID, userID uint, active bool, ip string) (*models.User, error) {
	var user models.User
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&user, userID).Error; err != nil {
			return notFound("user", userID, err)
		}
		if err := tx.Model(&user).Update("active", active).Error; err != nil {
			return err
		}
		return audit.Append(ctx, tx, audit.Entry{
			ActorID:      audit.Actor(actorID),
			Action:       "admin.user.active",
			ResourceKind: "user",
			ResourceID:   fmt.Sprint(userID),
			Diff:         map[string]bool{"active": active},
			Outcome:      audit.OutcomeSuccess,
			IP:           ip,
		})
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

type ScopeInput struct {
	UserID         uint
	ClusterID      uint
	Namespace      string
	AllowedActions []string
	DeniedActions  []string
}

// PutScope creates or replaces the scope for (user, cluster, namespace).
func (a *Admin) PutScope(ctx context.Context, actorID uint, in ScopeInput, ip string) (*models.NamespaceScope, error) {
	if in.UserID == 0 || in.ClusterID == 0 || in.Namespace == "" {
		return nil, fmt.Errorf("user, cluster and namespace are required: %w", apperr.ErrValidation)
	}
	for _, act := range in.AllowedActions {
		for _, denied := range in.DeniedActions {
			if act == denied {
				return nil, fmt.Errorf("action %s is both allowed and denied: %w", act, apperr.ErrValidation)
			}
		}
	}

	scope := models.NamespaceScope{
		UserID:         in.UserID,
		ClusterID:      in.ClusterID,
		Namespace:      in.Namespace,
		AllowedActions: in.AllowedActions,
		DeniedActions:  in.DeniedActions,
	}
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "cluster_id"}, {Name: "namespace"}},
			DoUpdates: clause.AssignmentColumns([]string{"allowed_actions", "denied_actions", "updated_at"}),
		}).Create(&scope).Error
		if err != nil {
			return fmt.Errorf("upsert scope: %w", err)
		}
		var saved models.NamespaceScope
		if err := tx.Where("user_id = ? AND cluster_id = ? AND namespace = ?", in.UserID, in.ClusterID, in.Namespace).
			First(&saved).Error; err != nil {
			return err
		}
		scope = saved
		return audit.Append(ctx, tx, audit.Entry{
			ActorID:      audit.Actor(actorID),
			Action:       "rbac.namespace_scope.put",
			ResourceKind: "namespace_scope",
			ResourceID:   fmt.Sprintf("%d:%d:%s", in.UserID, in.ClusterID, in.Namespace),
			Diff:         map[string]any{"allowed": in.AllowedActions, "denied": in.DeniedActions},
			Outcome:      audit.OutcomeSuccess,
			IP:           ip,
		})
	})
	if err != nil {
		return nil, err
	}
	return &scope, nil
}

func (a *Admin) ListScopes(ctx context.Context, clusterID uint) ([]models.NamespaceScope, error) {
	var scopes []models.NamespaceScope
	err := a.db.WithContext(ctx).Where("cluster_id = ?", clusterID).Order("namespace, user_id").Find(&scopes).Error
	return scopes, err
}

func notFound(kind string, id uint, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s %d: %w", kind, id, apperr.ErrNotFound)
	}
	return err
}
