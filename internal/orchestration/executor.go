package orchestration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/kdp-orchestrator/internal/audit"
	"github.com/example/kdp-orchestrator/internal/logger"
	"github.com/example/kdp-orchestrator/internal/models"
	"github.com/example/kdp-orchestrator/internal/queue"
)

// ErrRunNotVisible means a first delivery could not read its run, for
// example from a replica behind the primary. It is retried.
var ErrRunNotVisible = errors.New("run not visible yet")

// errSkipDelivery rolls back a claim that must not proceed. The delivery
// then completes as a no-op.
var errSkipDelivery = errors.New("skip delivery")

const maxLogsRef = 255

// ClusterApplier applies a rendered manifest to a cluster.
type ClusterApplier interface {
	Apply(ctx context.Context, kubeconfig []byte, namespace string, manifest map[string]any) error
}

// CredentialSource returns the decrypted kubeconfig for a cluster.
type CredentialSource interface {
	Kubeconfig(ctx context.Context, clusterID uint) ([]byte, error)
}

type Executor struct {
	db          *gorm.DB
	applier     ClusterApplier
	credentials CredentialSource
}

func NewExecutor(db *gorm.DB, applier ClusterApplier, credentials CredentialSource) *Executor {
	return &Executor{db: db, applier: applier, credentials: credentials}
}

// Handle adapts Execute to queue.ApplyHandler.
func (e *Executor) Handle() queue.ApplyHandler {
	return e.Execute
}

// Execute runs one delivery of task. Duplicate and stale deliveries are
// no-ops, so the queue may deliver a task more than once.
func (e *Executor) Execute(ctx context.Context, task queue.ApplyTask, attempt int) error {
	intent, claimed, err := e.claim(ctx, task, attempt)
	if err != nil || !claimed {
		return err
	}

	applyErr := e.apply(ctx, intent)
	if err := e.complete(ctx, task, intent, applyErr); err != nil {
		logger.Error("record run completion",
			zap.Uint("run_id", task.RunID),
			zap.Error(err),
		)
		if applyErr == nil {
			return err
		}
	}
	return applyErr
}

func (e *Executor) claim(ctx context.Context, task queue.ApplyTask, attempt int) (*models.ResourceIntent, bool, error) {
	var intent models.ResourceIntent
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var run models.ResourceRun
		err := tx.First(&run, task.RunID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if attempt <= 1 {
				return ErrRunNotVisible
			}
			// Runs are handed off after they commit, so a run that is gone
			// on a redelivery was deleted with its intent.
			logger.Warn("apply task for deleted run ignored", zap.Uint("run_id", task.RunID))
			return errSkipDelivery
		}
		if err != nil {
			return err
		}
		if run.IntentID != task.IntentID {
			return skip(run, attempt, "run belongs to another intent")
		}
		if err := tx.First(&intent, run.IntentID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return skip(run, attempt, "intent deleted")
			}
			return err
		}

		reason, err := skipReason(tx, run, &intent)
		if err != nil {
			return err
		}
		if reason != "" {
			return skip(run, attempt, reason)
		}

		res := tx.Model(&models.ResourceRun{}).
			Where("id = ? AND (result = ? OR (result IN ? AND retry_count < ?))",
				run.ID, models.RunQueued, []string{models.RunRunning, models.RunFailed}, attempt-1).
			Updates(map[string]any{
				"result":      models.RunRunning,
				"retry_count": attempt - 1,
				"started_at":  time.Now().UTC(),
				"ended_at":    nil,
			})
		if res.Error != nil {
			if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
				return skip(run, attempt, "another run is in flight")
			}
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errSkipDelivery
		}
		return tx.Model(&intent).Update("status", models.IntentRunning).Error
	})
	if errors.Is(err, errSkipDelivery) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &intent, true, nil
}

func skip(run models.ResourceRun, attempt int, reason string) error {
	logger.Info("apply task skipped",
		zap.Uint("run_id", run.ID),
		zap.Int("attempt", attempt),
		zap.String("reason", reason),
	)
	return errSkipDelivery
}

// skipReason reports why a delivery must not claim run, or "" to proceed.
func skipReason(tx *gorm.DB, run models.ResourceRun, intent *models.ResourceIntent) (string, error) {
	if run.Result == models.RunSuccess {
		return "run already succeeded", nil
	}
	switch intent.Status {
	case models.IntentQueued, models.IntentRunning, models.IntentFailed:
	default:
		return "intent changed after the run was queued", nil
	}
	var others int64
	err := tx.Model(&models.ResourceRun{}).
		Where("intent_id = ? AND id <> ? AND (result IN ? OR id > ?)",
			run.IntentID, run.ID, []string{models.RunQueued, models.RunRunning}, run.ID).
		Count(&others).Error
	if err != nil {
		return "", err
	}
	if others > 0 {
		return "superseded by another run", nil
	}
	return "", nil
}

// apply talks to the cluster. Credential and manifest errors are permanent.
func (e *Executor) apply(ctx context.Context, intent *models.ResourceIntent) error {
	manifest, err := Manifest(intent)
	if err != nil {
		return queue.Permanent(fmt.Errorf("render manifest: %w", err))
	}
	kubeconfig, err := e.credentials.Kubeconfig(ctx, intent.ClusterID)
	if err != nil {
		return queue.Permanent(fmt.Errorf("cluster credentials: %w", err))
	}
	if err := e.applier.Apply(ctx, kubeconfig, intent.Namespace, manifest); err != nil {
		return fmt.Errorf("apply %s/%s: %w", intent.Namespace, intent.Name, err)
	}
	return nil
}

func (e *Executor) complete(ctx context.Context, task queue.ApplyTask, intent *models.ResourceIntent, applyErr error) error {
	now := time.Now().UTC()
	result, status, outcome, logsRef := models.RunSuccess, models.IntentApplied, audit.OutcomeSuccess, ""
	if applyErr != nil {
		result, status, outcome = models.RunFailed, models.IntentFailed, audit.OutcomeFailure
		logsRef = truncate(applyErr.Error(), maxLogsRef)
	}

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.ResourceRun{}).
			Where("id = ? AND result = ?", task.RunID, models.RunRunning).
			Updates(map[string]any{
				"result":   result,
				"ended_at": now,
				"logs_ref": logsRef,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		if err := tx.Model(&models.ResourceIntent{}).Where("id = ?", intent.ID).
			Update("status", status).Error; err != nil {
			return err
		}
		diff := map[string]any{"run_id": task.RunID, "resource_type": intent.ResourceType, "result": result}
		if logsRef != "" {
			diff["error"] = logsRef
		}
		return audit.Append(ctx, tx, audit.Entry{
			Action:       AuditRunComplete,
			ResourceKind: "resource_run",
			ResourceID:   fmt.Sprint(task.RunID),
			Diff:         diff,
			Outcome:      outcome,
		})
	})
	if err != nil {
		return err
	}

	fields := []zap.Field{
		zap.Uint("intent_id", intent.ID),
		zap.Uint("run_id", task.RunID),
		zap.String("result", result),
	}
	if applyErr != nil {
		logger.Warn("intent apply failed", append(fields, zap.Error(applyErr))...)
	} else {
		logger.Info("intent applied", fields...)
	}
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
