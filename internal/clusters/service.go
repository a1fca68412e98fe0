// Package clusters registers Kubernetes clusters, guards their credentials
// and runs the day-2 actions exposed to operators.
package clusters

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"k8s.io/client-go/kubernetes"

	"github.com/example/kdp-orchestrator/internal/apperr"
	"github.com/example/kdp-orchestrator/internal/audit"
	"github.com/example/kdp-orchestrator/internal/crypto"
	"github.com/example/kdp-orchestrator/internal/k8s"
	"github.com/example/kdp-orchestrator/internal/logger"
	"github.com/example/kdp-orchestrator/internal/models"
	"github.com/example/kdp-orchestrator/internal/rbac"
)

// ClientFactory builds a typed client from a plaintext kubeconfig.
type ClientFactory func(kubeconfig []byte) (kubernetes.Interface, error)

func defaultClientFactory(kubeconfig []byte) (kubernetes.Interface, error) {
	return k8s.NewClient(kubeconfig)
}

type Service struct {
	db        *gorm.DB
	sealer    *crypto.Sealer
	resolver  *rbac.Resolver
	enforcer  *rbac.Enforcer
	newClient ClientFactory
}

func NewService(db *gorm.DB, sealer *crypto.Sealer) *Service {
	return &Service{
		db:        db,
		sealer:    sealer,
		resolver:  rbac.NewResolver(db),
		enforcer:  rbac.NewEnforcer(db),
		newClient: defaultClientFactory,
	}
}

// WithClientFactory replaces how typed clients are built.
func (s *Service) WithClientFactory(f ClientFactory) *Service {
	s.newClient = f
	return s
}

type RegisterInput struct {
	Name                   string
	Description            string
	KubeconfigBase64       string
	Labels                 map[string]string
	DefaultNamespacePolicy map[string]any
}

// Register validates and encrypts the kubeconfig and stores the cluster.
func (s *Service) Register(ctx context.Context, actorID uint, in RegisterInput, ip string) (*models.Cluster, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, fmt.Errorf("name is required: %w", apperr.ErrValidation)
	}
	raw, err := base64.StdEncoding.DecodeString(in.KubeconfigBase64)
	if err != nil {
		return nil, fmt.Errorf("kubeconfig is not valid base64: %w", apperr.ErrValidation)
	}
	if err := k8s.ValidateKubeconfig(raw); err != nil {
		return nil, fmt.Errorf("%v: %w", err, apperr.ErrValidation)
	}
	sealed, err := s.sealer.Seal(name, raw)
	if err != nil {
		return nil, fmt.Errorf("encrypt kubeconfig: %w", err)
	}

	cluster := models.Cluster{
		Name:                   name,
		Description:            in.Description,
		EncryptedKubeconfig:    sealed,
		DefaultNamespacePolicy: models.JSON(in.DefaultNamespacePolicy),
		Labels:                 models.JSON(in.Labels),
		Status:                 models.ClusterRegistered,
		CreatedBy:              actorID,
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&cluster).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return fmt.Errorf("cluster %q already exists: %w", name, apperr.ErrConflict)
			}
			return err
		}
		return audit.Append(ctx, tx, audit.Entry{
			ActorID:      audit.Actor(actorID),
			Action:       "cluster.create",
			ResourceKind: "cluster",
			ResourceID:   fmt.Sprint(cluster.ID),
			Diff:         map[string]any{"name": cluster.Name},
			Outcome:      audit.OutcomeSuccess,
			IP:           ip,
		})
	})
	if err != nil {
		return nil, err
	}
	logger.Info("cluster registered", zap.Uint("cluster_id", cluster.ID), zap.String("name", cluster.Name))
	return &cluster, nil
}

func (s *Service) List(ctx context.Context) ([]models.Cluster, error) {
	var out []models.Cluster
	err := s.db.WithContext(ctx).Order("name").Find(&out).Error
	return out, err
}

func (s *Service) Get(ctx context.Context, id uint) (*models.Cluster, error) {
	var c models.Cluster
	err := s.db.WithContext(ctx).First(&c, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("cluster %d: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Kubeconfig returns the decrypted kubeconfig of a cluster.
func (s *Service) Kubeconfig(ctx context.Context, clusterID uint) ([]byte, error) {
	c, err := s.Get(ctx, clusterID)
	if err != nil {
		return nil, err
	}
	raw, err := s.sealer.Open(c.Name, c.EncryptedKubeconfig)
	if err != nil {
		return nil, fmt.Errorf("decrypt kubeconfig for cluster %d: %w", clusterID, err)
	}
	return raw, nil
}

// Client returns a typed client for a cluster.
func (s *Service) Client(ctx context.Context, clusterID uint) (kubernetes.Interface, error) {
	raw, err := s.Kubeconfig(ctx, clusterID)
	if err != nil {
		return nil, err
	}
	return s.newClient(raw)
}

// Probe lists namespaces and records whether the cluster answered.
func (s *Service) Probe(ctx context.Context, clusterID uint) (string, error) {
	client, err := s.Client(ctx, clusterID)
	if err != nil {
		return "", err
	}
	status := models.ClusterReachable
	if _, err := k8s.ListNamespaces(ctx, client); err != nil {
		logger.Warn("cluster probe failed", zap.Uint("cluster_id", clusterID), zap.Error(err))
		status = models.ClusterUnreachable
	}
	err = s.db.WithContext(ctx).Model(&models.Cluster{}).Where("id = ?", clusterID).Update("status", status).Error
	return status, err
}

func (s *Service) Namespaces(ctx context.Context, clusterID uint) ([]string, error) {
	client, err := s.Client(ctx, clusterID)
	if err != nil {
		return nil, err
	}
	return k8s.ListNamespaces(ctx, client)
}

func (s *Service) Workloads(ctx context.Context, clusterID uint, namespace string) ([]k8s.Workload, error) {
	client, err := s.Client(ctx, clusterID)
	if err != nil {
		return nil, err
	}
	return k8s.ListWorkloads(ctx, client, namespace)
}

func (s *Service) Pods(ctx context.Context, clusterID uint, namespace string) ([]k8s.PodSummary, error) {
	client, err := s.Client(ctx, clusterID)
	if err != nil {
		return nil, err
	}
	return k8s.ListPods(ctx, client, namespace)
}

func (s *Service) Events(ctx context.Context, clusterID uint, namespace string) ([]k8s.Event, error) {
	client, err := s.Client(ctx, clusterID)
	if err != nil {
		return nil, err
	}
	return k8s.ListEvents(ctx, client, namespace)
}

// Topology returns the ownership graph of one namespace.
func (s *Service) Topology(ctx context.Context, clusterID uint, namespace string) (*k8s.Topology, error) {
	client, err := s.Client(ctx, clusterID)
	if err != nil {
		return nil, err
	}
	return k8s.NamespaceTopology(ctx, client, namespace)
}

func (s *Service) PodLogs(ctx context.Context, clusterID uint, namespace, pod, container string, tail int64) ([]string, error) {
	client, err := s.Client(ctx, clusterID)
	if err != nil {
		return nil, err
	}
	return k8s.GetPodLogs(ctx, client, namespace, pod, container, tail)
}

func (s *Service) ResourceYAML(ctx context.Context, clusterID uint, namespace, kind, name string) (string, error) {
	client, err := s.Client(ctx, clusterID)
	if err != nil {
		return "", err
	}
	return k8s.GetResourceYAML(ctx, client, namespace, kind, name)
}

// Target names the object a day-2 action acts on.
type Target struct {
	ClusterID uint
	Namespace string
	Name      string
}

func (s *Service) Scale(ctx context.Context, actorID uint, t Target, replicas int32, ip string) error {
	if replicas < 0 {
		return fmt.Errorf("replicas must be >= 0: %w", apperr.ErrValidation)
	}
	return s.mutate(ctx, actorID, t, rbac.ActionScale, "k8s.deployment.scale", ip,
		map[string]any{"replicas": replicas},
		func(client kubernetes.Interface) error {
			return k8s.ScaleDeployment(ctx, client, t.Namespace, t.Name, replicas)
		})
}

func (s *Service) RolloutRestart(ctx context.Context, actorID uint, t Target, ip string) error {
	return s.mutate(ctx, actorID, t, rbac.ActionRolloutRestart, "k8s.deployment.rollout_restart", ip, nil,
		func(client kubernetes.Interface) error {
			return k8s.RolloutRestart(ctx, client, t.Namespace, t.Name)
		})
}

func (s *Service) DeletePod(ctx context.Context, actorID uint, t Target, ip string) error {
	return s.mutate(ctx, actorID, t, rbac.ActionDeletePod, "k8s.pod.delete", ip, nil,
		func(client kubernetes.Interface) error {
			return k8s.DeletePod(ctx, client, t.Namespace, t.Name)
		})
}

// mutate gates a write on k8s.write and the namespace action, runs it and
// audits the outcome.
func (s *Service) mutate(ctx context.Context, actorID uint, t Target, action, auditAction, ip string, diff map[string]any, do func(kubernetes.Interface) error) error {
	if diff == nil {
		diff = map[string]any{}
	}
	diff["namespace"] = t.Namespace
	diff["name"] = t.Name
	entry := audit.Entry{
		ActorID:      audit.Actor(actorID),
		Action:       auditAction,
		ResourceKind: "cluster",
		ResourceID:   fmt.Sprint(t.ClusterID),
		Diff:         diff,
		IP:           ip,
	}
	record := func(outcome string) {
		entry.Outcome = outcome
		if err := audit.Append(ctx, s.db, entry); err != nil {
			logger.Error("audit k8s action", zap.String("action", auditAction), zap.Error(err))
		}
	}

	if _, err := s.Get(ctx, t.ClusterID); err != nil {
		return err
	}
	global, err := s.resolver.Resolve(ctx, actorID)
	if err != nil {
		return err
	}
	if err := rbac.RequirePermission(global, rbac.PermK8sWrite); err != nil {
		record(audit.OutcomeDenied)
		return err
	}
	if err := s.enforcer.Enforce(ctx, actorID, t.ClusterID, t.Namespace, action, global); err != nil {
		if errors.Is(err, apperr.ErrPermissionDenied) {
			record(audit.OutcomeDenied)
		}
		return err
	}

	client, err := s.Client(ctx, t.ClusterID)
	if err != nil {
		record(audit.OutcomeFailure)
		return err
	}
	if err := do(client); err != nil {
		diff["error"] = err.Error()
		record(audit.OutcomeFailure)
		return err
	}
	record(audit.OutcomeSuccess)
	return nil
}
