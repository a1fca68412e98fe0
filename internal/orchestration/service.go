// Package orchestration owns resource intents and their runs: creation,
// permission-checked apply, and the asynchronous execution of each run.
package orchestration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/example/kdp-orchestrator/internal/apperr"
	"github.com/example/kdp-orchestrator/internal/audit"
	"github.com/example/kdp-orchestrator/internal/logger"
	"github.com/example/kdp-orchestrator/internal/models"
	"github.com/example/kdp-orchestrator/internal/queue"
	"github.com/example/kdp-orchestrator/internal/rbac"
)

const (
	ActionApply = "apply"

	AuditApply       = "orchestration.intent.apply"
	AuditRunComplete = "orchestration.run.complete"
)

// ErrApplyInFlight is returned while an intent has a queued or running run.
var ErrApplyInFlight = fmt.Errorf("apply already in flight: %w", apperr.ErrConflict)

// Caller identifies who performs an operation.
type Caller struct {
	UserID uint
	IP     string
}

type Service struct {
	db         *gorm.DB
	resolver   *rbac.Resolver
	enforcer   *rbac.Enforcer
	dispatcher queue.Dispatcher
}

func NewService(db *gorm.DB, dispatcher queue.Dispatcher) *Service {
	return &Service{
		db:         db,
		resolver:   rbac.NewResolver(db),
		enforcer:   rbac.NewEnforcer(db),
		dispatcher: dispatcher,
	}
}

// SetDispatcher swaps the dispatcher, used when the queue is built after the service.
func (s *Service) SetDispatcher(d queue.Dispatcher) { s.dispatcher = d }

// Apply validates the caller and queues a run for intentID. The run,
// the intent transition and the audit record commit together with the
// task, or before it for a PostCommitDispatcher.
func (s *Service) Apply(ctx context.Context, caller Caller, intentID uint) (*models.ResourceRun, error) {
	intent, err := s.loadIntent(ctx, s.db, intentID, "")
	if err != nil {
		return nil, err
	}

	perm := RequiredPermission(intent.ResourceType)
	action := RequiredNamespaceAction(intent.ResourceType)
	global, err := s.resolver.Resolve(ctx, caller.UserID)
	if err != nil {
		return nil, err
	}
	if err := rbac.RequirePermission(global, perm); err != nil {
		return nil, s.denied(ctx, caller, intent, err)
	}
	if err := s.enforcer.Enforce(ctx, caller.UserID, intent.ClusterID, intent.Namespace, action, global); err != nil {
		if errors.Is(err, apperr.ErrPermissionDenied) {
			return nil, s.denied(ctx, caller, intent, err)
		}
		return nil, err
	}

	run := models.ResourceRun{
		IntentID:  intent.ID,
		Action:    ActionApply,
		StartedAt: time.Now().UTC(),
		Result:    models.RunQueued,
	}
	var task queue.ApplyTask
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var inflight int64
		if err := tx.Model(&models.ResourceRun{}).
			Where("intent_id = ? AND result IN ?", intent.ID, []string{models.RunQueued, models.RunRunning}).
			Count(&inflight).Error; err != nil {
			return err
		}
		if inflight > 0 {
			return ErrApplyInFlight
		}
		if err := tx.Create(&run).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrApplyInFlight
			}
			return fmt.Errorf("create run: %w", err)
		}
		if err := tx.Model(&models.ResourceIntent{}).Where("id = ?", intent.ID).
			Update("status", models.IntentQueued).Error; err != nil {
			return err
		}
		task = queue.ApplyTask{IntentID: intent.ID, RunID: run.ID, Action: ActionApply}
		if err := s.dispatcher.EnqueueApply(ctx, tx, task); err != nil {
			return fmt.Errorf("dispatch apply: %w", err)
		}
		return audit.Append(ctx, tx, audit.Entry{
			ActorID:      audit.Actor(caller.UserID),
			Action:       AuditApply,
			ResourceKind: "resource_intent",
			ResourceID:   fmt.Sprint(intent.ID),
			Diff:         map[string]any{"run_id": run.ID, "resource_type": intent.ResourceType},
			Outcome:      audit.OutcomeQueued,
			IP:           caller.IP,
		})
	})
	if err != nil {
		return nil, err
	}
	if pc, ok := s.dispatcher.(queue.PostCommitDispatcher); ok {
		if err := pc.HandOff(ctx, task); err != nil {
			s.abandon(ctx, &run, intent, err)
			return nil, fmt.Errorf("dispatch apply: %w", err)
		}
	}

	logger.Info("intent apply queued",
		zap.Uint("intent_id", intent.ID),
		zap.Uint("run_id", run.ID),
		zap.String("resource_type", intent.ResourceType),
		zap.Uint("user_id", caller.UserID),
	)
	return &run, nil
}

// abandon fails a committed run whose task never reached a worker, so the
// intent does not stay queued and can be applied again.
func (s *Service) abandon(ctx context.Context, run *models.ResourceRun, intent *models.ResourceIntent, cause error) {
	now := time.Now().UTC()
	logsRef := truncate("dispatch: "+cause.Error(), maxLogsRef)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.ResourceRun{}).
			Where("id = ? AND result = ?", run.ID, models.RunQueued).
			Updates(map[string]any{"result": models.RunFailed, "ended_at": now, "logs_ref": logsRef})
		if res.Error != nil || res.RowsAffected == 0 {
			return res.Error
		}
		if err := tx.Model(&models.ResourceIntent{}).Where("id = ?", intent.ID).
			Update("status", models.IntentFailed).Error; err != nil {
			return err
		}
		return audit.Append(ctx, tx, audit.Entry{
			Action:       AuditRunComplete,
			ResourceKind: "resource_run",
			ResourceID:   fmt.Sprint(run.ID),
			Diff:         map[string]any{"run_id": run.ID, "resource_type": intent.ResourceType, "result": models.RunFailed, "error": logsRef},
			Outcome:      audit.OutcomeFailure,
		})
	})
	if err != nil {
		logger.Error("abandon undispatched run", zap.Uint("run_id", run.ID), zap.Error(err))
	}
}

// denied records a rejected apply and returns cause.
func (s *Service) denied(ctx context.Context, caller Caller, intent *models.ResourceIntent, cause error) error {
	err := audit.Append(ctx, s.db, audit.Entry{
		ActorID:      audit.Actor(caller.UserID),
		Action:       AuditApply,
		ResourceKind: "resource_intent",
		ResourceID:   fmt.Sprint(intent.ID),
		Diff:         map[string]any{"resource_type": intent.ResourceType, "reason": cause.Error()},
		Outcome:      audit.OutcomeDenied,
		IP:           caller.IP,
	})
	if err != nil {
		logger.Error("audit denied apply", zap.Uint("intent_id", intent.ID), zap.Error(err))
	}
	return cause
}

type SparkIntentInput struct {
	ClusterID uint
	Namespace string
	Spec      map[string]any
}

type KafkaIntentInput struct {
	ClusterID      uint
	Namespace      string
	Mode           string
	KafkaVersion   string
	StrimziVersion string
	Spec           map[string]any
}

// IntentInput creates an intent of any type. Spec for types other than
// Spark and Kafka must be a complete manifest.
type IntentInput struct {
	ResourceType string
	Mode         string
	ClusterID    uint
	Namespace    string
	Spec         map[string]any
}

func (s *Service) CreateSparkIntent(ctx context.Context, caller Caller, in SparkIntentInput) (*models.ResourceIntent, error) {
	intent, err := s.sparkIntent(in)
	if err != nil {
		return nil, err
	}
	return s.create(ctx, caller, intent, "spark.intent.create",
		map[string]any{"cluster_id": in.ClusterID, "namespace": in.Namespace})
}

func (s *Service) CreateKafkaIntent(ctx context.Context, caller Caller, in KafkaIntentInput) (*models.ResourceIntent, error) {
	intent, err := s.kafkaIntent(in)
	if err != nil {
		return nil, err
	}
	return s.create(ctx, caller, intent, "kafka.intent.create",
		map[string]any{"kafka_mode": in.Mode, "kafka_version": in.KafkaVersion})
}

func (s *Service) CreateIntent(ctx context.Context, caller Caller, in IntentInput) (*models.ResourceIntent, error) {
	switch in.ResourceType {
	case models.ResourceSpark:
		return s.CreateSparkIntent(ctx, caller, SparkIntentInput{ClusterID: in.ClusterID, Namespace: in.Namespace, Spec: in.Spec})
	case models.ResourceKafka:
		return s.CreateKafkaIntent(ctx, caller, kafkaInputFromSpec(in))
	}
	intent, err := s.genericIntent(in)
	if err != nil {
		return nil, err
	}
	return s.create(ctx, caller, intent, "orchestration.intent.create",
		map[string]any{"resource_type": in.ResourceType, "cluster_id": in.ClusterID, "namespace": in.Namespace})
}

func (s *Service) create(ctx context.Context, caller Caller, intent *models.ResourceIntent, action string, diff map[string]any) (*models.ResourceIntent, error) {
	if err := s.authorize(ctx, caller, intent); err != nil {
		return nil, err
	}
	intent.CreatedBy = caller.UserID
	intent.Status = models.IntentPending

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(intent).Error; err != nil {
			return fmt.Errorf("create intent: %w", err)
		}
		return audit.Append(ctx, tx, audit.Entry{
			ActorID:      audit.Actor(caller.UserID),
			Action:       action,
			ResourceKind: intent.ResourceType,
			ResourceID:   fmt.Sprint(intent.ID),
			Diff:         diff,
			Outcome:      audit.OutcomeSuccess,
			IP:           caller.IP,
		})
	})
	if err != nil {
		return nil, err
	}
	return intent, nil
}

type UpdateIntentInput struct {
	ClusterID      uint
	Namespace      string
	Mode           string
	KafkaVersion   string
	StrimziVersion string
	Spec           map[string]any
}

// UpdateIntent replaces target and spec and resets the intent to pending.
func (s *Service) UpdateIntent(ctx context.Context, caller Caller, id uint, resourceType string, in UpdateIntentInput) (*models.ResourceIntent, error) {
	current, err := s.loadIntent(ctx, s.db, id, resourceType)
	if err != nil {
		return nil, err
	}

	var next *models.ResourceIntent
	switch current.ResourceType {
	case models.ResourceSpark:
		next, err = s.sparkIntent(SparkIntentInput{ClusterID: in.ClusterID, Namespace: in.Namespace, Spec: in.Spec})
	case models.ResourceKafka:
		next, err = s.kafkaIntent(KafkaIntentInput{
			ClusterID: in.ClusterID, Namespace: in.Namespace, Mode: in.Mode,
			KafkaVersion: in.KafkaVersion, StrimziVersion: in.StrimziVersion, Spec: in.Spec,
		})
	default:
		next, err = s.genericIntent(IntentInput{
			ResourceType: current.ResourceType, Mode: in.Mode, ClusterID: in.ClusterID, Namespace: in.Namespace, Spec: in.Spec,
		})
	}
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, caller, next); err != nil {
		return nil, err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := rejectInflight(tx, id); err != nil {
			return err
		}
		err := tx.Model(&models.ResourceIntent{}).Where("id = ?", id).Updates(map[string]any{
			"name":       next.Name,
			"mode":       next.Mode,
			"cluster_id": next.ClusterID,
			"namespace":  next.Namespace,
			"spec":       next.Spec,
			"status":     models.IntentPending,
		}).Error
		if err != nil {
			return err
		}
		return audit.Append(ctx, tx, audit.Entry{
			ActorID:      audit.Actor(caller.UserID),
			Action:       auditPrefix(current.ResourceType) + ".intent.update",
			ResourceKind: current.ResourceType,
			ResourceID:   fmt.Sprint(id),
			Diff:         map[string]any{"mode": next.Mode, "cluster_id": next.ClusterID, "namespace": next.Namespace},
			Outcome:      audit.OutcomeSuccess,
			IP:           caller.IP,
		})
	})
	if err != nil {
		return nil, err
	}
	return s.loadIntent(ctx, s.db, id, "")
}

// DeleteIntent hard deletes an intent and its runs.
func (s *Service) DeleteIntent(ctx context.Context, caller Caller, id uint, resourceType string) error {
	intent, err := s.loadIntent(ctx, s.db, id, resourceType)
	if err != nil {
		return err
	}
	if err := s.authorize(ctx, caller, intent); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := rejectInflight(tx, id); err != nil {
			return err
		}
		if err := tx.Where("intent_id = ?", id).Delete(&models.ResourceRun{}).Error; err != nil {
			return err
		}
		if err := tx.Delete(&models.ResourceIntent{}, id).Error; err != nil {
			return err
		}
		return audit.Append(ctx, tx, audit.Entry{
			ActorID:      audit.Actor(caller.UserID),
			Action:       auditPrefix(intent.ResourceType) + ".intent.delete",
			ResourceKind: intent.ResourceType,
			ResourceID:   fmt.Sprint(id),
			Outcome:      audit.OutcomeSuccess,
			IP:           caller.IP,
		})
	})
}

// GetIntent loads an intent. A non-empty resourceType must match.
func (s *Service) GetIntent(ctx context.Context, id uint, resourceType string) (*models.ResourceIntent, error) {
	return s.loadIntent(ctx, s.db, id, resourceType)
}

func (s *Service) ListIntents(ctx context.Context, resourceType string) ([]models.ResourceIntent, error) {
	q := s.db.WithContext(ctx).Order("id DESC")
	if resourceType != "" {
		q = q.Where("resource_type = ?", resourceType)
	}
	var out []models.ResourceIntent
	return out, q.Find(&out).Error
}

func (s *Service) ListRuns(ctx context.Context, intentID uint) ([]models.ResourceRun, error) {
	if _, err := s.loadIntent(ctx, s.db, intentID, ""); err != nil {
		return nil, err
	}
	var runs []models.ResourceRun
	err := s.db.WithContext(ctx).Where("intent_id = ?", intentID).Order("id DESC").Find(&runs).Error
	return runs, err
}

func (s *Service) GetRun(ctx context.Context, runID uint) (*models.ResourceRun, error) {
	var run models.ResourceRun
	err := s.db.WithContext(ctx).First(&run, runID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("run %d: %w", runID, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// Status is the desired and observed view of an intent.
type Status struct {
	IntentID     uint                `json:"intent_id"`
	IntentStatus string              `json:"intent_status"`
	LastRun      *models.ResourceRun `json:"last_run,omitempty"`
	Observed     datatypes.JSON      `json:"observed_status"`
	ObservedAt   *time.Time          `json:"observed_at,omitempty"`
}

func (s *Service) IntentStatus(ctx context.Context, id uint, resourceType string) (*Status, error) {
	intent, err := s.loadIntent(ctx, s.db, id, resourceType)
	if err != nil {
		return nil, err
	}
	st := &Status{IntentID: intent.ID, IntentStatus: intent.Status}

	var run models.ResourceRun
	err = s.db.WithContext(ctx).Where("intent_id = ?", id).Order("id DESC").Limit(1).Find(&run).Error
	if err != nil {
		return nil, err
	}
	if run.ID != 0 {
		st.LastRun = &run
	}

	if ref, err := Ref(intent); err == nil {
		var obs models.ObservedResource
		err := s.db.WithContext(ctx).Where(
			"cluster_id = ? AND namespace = ? AND resource_type = ? AND resource_name = ?",
			intent.ClusterID, intent.Namespace, intent.ResourceType, ref.Name,
		).Limit(1).Find(&obs).Error
		if err != nil {
			return nil, err
		}
		if obs.ID != 0 {
			st.Observed = obs.Observed
			st.ObservedAt = &obs.ObservedAt
		}
	}
	return st, nil
}

// RenderManifest returns the YAML that an apply would send.
func (s *Service) RenderManifest(ctx context.Context, id uint) (string, error) {
	intent, err := s.loadIntent(ctx, s.db, id, "")
	if err != nil {
		return "", err
	}
	m, err := Manifest(intent)
	if err != nil {
		return "", err
	}
	return RenderYAML(m)
}

// authorize checks the global permission and namespace action for the intent's target.
func (s *Service) authorize(ctx context.Context, caller Caller, intent *models.ResourceIntent) error {
	var cluster models.Cluster
	err := s.db.WithContext(ctx).Select("id").First(&cluster, intent.ClusterID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("cluster %d: %w", intent.ClusterID, apperr.ErrNotFound)
	}
	if err != nil {
		return err
	}

	global, err := s.resolver.Resolve(ctx, caller.UserID)
	if err != nil {
		return err
	}
	if err := rbac.RequirePermission(global, RequiredPermission(intent.ResourceType)); err != nil {
		return err
	}
	return s.enforcer.Enforce(ctx, caller.UserID, intent.ClusterID, intent.Namespace,
		RequiredNamespaceAction(intent.ResourceType), global)
}

func (s *Service) sparkIntent(in SparkIntentInput) (*models.ResourceIntent, error) {
	if err := validateTarget(in.ClusterID, in.Namespace); err != nil {
		return nil, err
	}
	spec := in.Spec
	if spec == nil {
		spec = map[string]any{}
	}
	name := ResourceName(models.ResourceSpark, spec)
	return &models.ResourceIntent{
		ResourceType: models.ResourceSpark,
		Name:         name,
		Mode:         "operator",
		ClusterID:    in.ClusterID,
		Namespace:    in.Namespace,
		Spec:         models.JSON(BuildSparkApplication(name, in.Namespace, spec)),
	}, nil
}

func (s *Service) kafkaIntent(in KafkaIntentInput) (*models.ResourceIntent, error) {
	if err := validateTarget(in.ClusterID, in.Namespace); err != nil {
		return nil, err
	}
	if err := ValidateKafkaMode(in.Mode, in.KafkaVersion, in.StrimziVersion); err != nil {
		return nil, err
	}
	spec := make(map[string]any, len(in.Spec)+3)
	for k, v := range in.Spec {
		spec[k] = v
	}
	spec["kafka_version"] = in.KafkaVersion
	spec["strimzi_version"] = in.StrimziVersion
	spec["kafka_mode"] = in.Mode
	return &models.ResourceIntent{
		ResourceType: models.ResourceKafka,
		Name:         ResourceName(models.ResourceKafka, spec),
		Mode:         in.Mode,
		ClusterID:    in.ClusterID,
		Namespace:    in.Namespace,
		Spec:         models.JSON(spec),
	}, nil
}

func (s *Service) genericIntent(in IntentInput) (*models.ResourceIntent, error) {
	if in.ResourceType == "" {
		return nil, fmt.Errorf("resource_type is required: %w", apperr.ErrValidation)
	}
	if err := validateTarget(in.ClusterID, in.Namespace); err != nil {
		return nil, err
	}
	intent := &models.ResourceIntent{
		ResourceType: in.ResourceType,
		Name:         ResourceName(in.ResourceType, in.Spec),
		Mode:         in.Mode,
		ClusterID:    in.ClusterID,
		Namespace:    in.Namespace,
		Spec:         models.JSON(in.Spec),
	}
	if _, err := Manifest(intent); err != nil {
		return nil, err
	}
	return intent, nil
}

func (s *Service) loadIntent(ctx context.Context, db *gorm.DB, id uint, resourceType string) (*models.ResourceIntent, error) {
	var intent models.ResourceIntent
	q := db.WithContext(ctx).Where("id = ?", id)
	if resourceType != "" {
		q = q.Where("resource_type = ?", resourceType)
	}
	err := q.First(&intent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("intent %d: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &intent, nil
}

func rejectInflight(tx *gorm.DB, intentID uint) error {
	var n int64
	if err := tx.Model(&models.ResourceRun{}).
		Where("intent_id = ? AND result IN ?", intentID, []string{models.RunQueued, models.RunRunning}).
		Count(&n).Error; err != nil {
		return err
	}
	if n > 0 {
		return ErrApplyInFlight
	}
	return nil
}

func validateTarget(clusterID uint, namespace string) error {
	if clusterID == 0 {
		return fmt.Errorf("cluster_id is required: %w", apperr.ErrValidation)
	}
	if namespace == "" {
		return fmt.Errorf("namespace is required: %w", apperr.ErrValidation)
	}
	return nil
}

func kafkaInputFromSpec(in IntentInput) KafkaIntentInput {
	str := func(k string) string {
		v, _ := in.Spec[k].(string)
		return v
	}
	mode := in.Mode
	if mode == "" {
		mode = str("kafka_mode")
	}
	return KafkaIntentInput{
		ClusterID:      in.ClusterID,
		Namespace:      in.Namespace,
		Mode:           mode,
		KafkaVersion:   str("kafka_version"),
		StrimziVersion: str("strimzi_version"),
		Spec:           in.Spec,
	}
}

func auditPrefix(resourceType string) string {
	switch resourceType {
	case models.ResourceSpark:
		return "spark"
	case models.ResourceKafka:
		return "kafka"
	}
	return "orchestration"
}

