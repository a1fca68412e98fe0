package clusters

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"k8s.io/client-go/kubernetes"

	"github.com/example/kdp-orchestrator/internal/apperr"
	"github.com/example/kdp-orchestrator/internal/audit"
	"github.com/example/kdp-orchestrator/internal/k8s"
	"github.com/example/kdp-orchestrator/internal/logger"
	"github.com/example/kdp-orchestrator/internal/rbac"
)

const (
	AuditNodeCordon   = "k8s.node.cordon"
	AuditNodeUncordon = "k8s.node.uncordon"
	AuditNodeDrain    = "k8s.node.drain"
)

// Cordon marks node unschedulable. Node actions are cluster wide and need
// admin.all.
func (s *Service) Cordon(ctx context.Context, actorID, clusterID uint, node, ip string) error {
	return s.nodeAction(ctx, actorID, clusterID, node, AuditNodeCordon, ip,
		func(client kubernetes.Interface, diff map[string]any) error {
			return k8s.SetUnschedulable(ctx, client, node, true)
		})
}

func (s *Service) Uncordon(ctx context.Context, actorID, clusterID uint, node, ip string) error {
	return s.nodeAction(ctx, actorID, clusterID, node, AuditNodeUncordon, ip,
		func(client kubernetes.Interface, diff map[string]any) error {
			return k8s.SetUnschedulable(ctx, client, node, false)
		})
}

// Drain cordons node and evicts its pods. Pods that could not be evicted are
// listed in the result and make the audit outcome a failure.
func (s *Service) Drain(ctx context.Context, actorID, clusterID uint, node, ip string) (*k8s.DrainResult, error) {
	var res *k8s.DrainResult
	err := s.nodeAction(ctx, actorID, clusterID, node, AuditNodeDrain, ip,
		func(client kubernetes.Interface, diff map[string]any) error {
			var err error
			res, err = k8s.DrainNode(ctx, client, node)
			if err != nil {
				return err
			}
			diff["evicted"] = len(res.Evicted)
			diff["skipped"] = len(res.Skipped)
			diff["failed"] = len(res.Failed)
			if len(res.Failed) > 0 {
				return errPartialDrain
			}
			return nil
		})
	if err != nil && !errors.Is(err, errPartialDrain) {
		return nil, err
	}
	return res, nil
}

var errPartialDrain = errors.New("some pods were not evicted")

func (s *Service) nodeAction(ctx context.Context, actorID, clusterID uint, node, auditAction, ip string, do func(kubernetes.Interface, map[string]any) error) error {
	node = strings.TrimSpace(node)
	if node == "" {
		return fmt.Errorf("node name is required: %w", apperr.ErrValidation)
	}
	diff := map[string]any{"node": node}
	entry := audit.Entry{
		ActorID:      audit.Actor(actorID),
		Action:       auditAction,
		ResourceKind: "cluster",
		ResourceID:   fmt.Sprint(clusterID),
		Diff:         diff,
		IP:           ip,
	}
	record := func(outcome string) {
		entry.Outcome = outcome
		if err := audit.Append(ctx, s.db, entry); err != nil {
			logger.Error("audit node action", zap.String("action", auditAction), zap.Error(err))
		}
	}

	if _, err := s.Get(ctx, clusterID); err != nil {
		return err
	}
	global, err := s.resolver.Resolve(ctx, actorID)
	if err != nil {
		return err
	}
	if err := rbac.RequirePermission(global, rbac.AdminAll); err != nil {
		record(audit.OutcomeDenied)
		return err
	}
	client, err := s.Client(ctx, clusterID)
	if err != nil {
		record(audit.OutcomeFailure)
		return err
	}
	if err := do(client, diff); err != nil {
		diff["error"] = err.Error()
		record(audit.OutcomeFailure)
		return err
	}
	record(audit.OutcomeSuccess)
	return nil
}
