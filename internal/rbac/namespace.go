package rbac

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/kdp-orchestrator/internal/apperr"
	"github.com/example/kdp-orchestrator/internal/logger"
	"github.com/example/kdp-orchestrator/internal/models"
)

// Namespace actions checked against scopes.
const (
	ActionScale          = "k8s.scale"
	ActionRolloutRestart = "k8s.rollout_restart"
	ActionDeletePod      = "k8s.delete_pod"
)

const (
	ReasonNoScope    = "no namespace scope"
	ReasonDenied     = "namespace action denied"
	ReasonAllowed    = "namespace action allowed"
	ReasonNotAllowed = "namespace action not allowed"
)

type Decision struct {
	Allowed bool
	Reason  string
}

// Decide applies the scope rules in order: no scopes allows, any deny
// wins, then any allow, otherwise deny.
func Decide(scopes []models.NamespaceScope, action string) Decision {
	if len(scopes) == 0 {
		return Decision{Allowed: true, Reason: ReasonNoScope}
	}
	for _, s := range scopes {
		if s.Denies(action) {
			return Decision{Allowed: false, Reason: ReasonDenied}
		}
	}
	for _, s := range scopes {
		if s.Allows(action) {
			return Decision{Allowed: true, Reason: ReasonAllowed}
		}
	}
	return Decision{Allowed: false, Reason: ReasonNotAllowed}
}

// Enforcer evaluates namespace scopes stored in the database.
type Enforcer struct {
	db *gorm.DB
}

func NewEnforcer(db *gorm.DB) *Enforcer {
	return &Enforcer{db: db}
}

// Check decides whether userID may perform action in namespace. The global
// set never overrides a scope, admin.all included.
func (e *Enforcer) Check(ctx context.Context, userID, clusterID uint, namespace, action string, global PermissionSet) (Decision, error) {
	var scopes []models.NamespaceScope
	err := e.db.WithContext(ctx).
		Where("user_id = ? AND cluster_id = ? AND namespace = ?", userID, clusterID, namespace).
		Find(&scopes).Error
	if err != nil {
		return Decision{}, fmt.Errorf("load namespace scopes: %w", err)
	}

	d := Decide(scopes, action)
	logger.Debug("namespace access decision",
		zap.Uint("user_id", userID),
		zap.Uint("cluster_id", clusterID),
		zap.String("namespace", namespace),
		zap.String("action", action),
		zap.Bool("wildcard", global.Wildcard()),
		zap.Bool("allowed", d.Allowed),
		zap.String("reason", d.Reason),
	)
	return d, nil
}

// Enforce is Check returning ErrPermissionDenied on Deny.
func (e *Enforcer) Enforce(ctx context.Context, userID, clusterID uint, namespace, action string, global PermissionSet) error {
	d, err := e.Check(ctx, userID, clusterID, namespace, action, global)
	if err != nil {
		return err
	}
	if !d.Allowed {
		return fmt.Errorf("%s %s in %s: %w", d.Reason, action, namespace, apperr.ErrPermissionDenied)
	}
	return nil
}
