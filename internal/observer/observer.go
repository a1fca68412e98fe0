// Package observer reads applied resources back from their clusters and
// stores the live status next to the intent.
package observer

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/example/kdp-orchestrator/internal/logger"
	"github.com/example/kdp-orchestrator/internal/models"
	"github.com/example/kdp-orchestrator/internal/orchestration"
	"github.com/example/kdp-orchestrator/internal/queue"
)

const JobObserve = "observe_resources"

// Getter reads one live object.
type Getter interface {
	Get(ctx context.Context, kubeconfig []byte, apiVersion, kind, namespace, name string) (*unstructured.Unstructured, error)
}

type Observer struct {
	db          *gorm.DB
	getter      Getter
	credentials orchestration.CredentialSource
}

func New(db *gorm.DB, getter Getter, credentials orchestration.CredentialSource) *Observer {
	return &Observer{db: db, getter: getter, credentials: credentials}
}

// Sync refreshes the observed state of every applied intent and returns
// how many were stored. Failures are logged per intent.
func (o *Observer) Sync(ctx context.Context) (int, error) {
	var intents []models.ResourceIntent
	if err := o.db.WithContext(ctx).Where("status = ?", models.IntentApplied).Find(&intents).Error; err != nil {
		return 0, err
	}

	stored := 0
	for i := range intents {
		intent := &intents[i]
		if err := o.observe(ctx, intent); err != nil {
			logger.Warn("observe resource failed", zap.Uint("intent_id", intent.ID), zap.Error(err))
			continue
		}
		stored++
	}
	return stored, nil
}

func (o *Observer) observe(ctx context.Context, intent *models.ResourceIntent) error {
	ref, err := orchestration.Ref(intent)
	if err != nil {
		return err
	}
	kubeconfig, err := o.credentials.Kubeconfig(ctx, intent.ClusterID)
	if err != nil {
		return err
	}
	obj, err := o.getter.Get(ctx, kubeconfig, ref.APIVersion, ref.Kind, ref.Namespace, ref.Name)
	if err != nil {
		return err
	}

	status, _, _ := unstructured.NestedMap(obj.Object, "status")
	row := models.ObservedResource{
		ClusterID:    intent.ClusterID,
		Namespace:    intent.Namespace,
		ResourceType: intent.ResourceType,
		ResourceName: ref.Name,
		Observed: models.JSON(map[string]any{
			"kind":            ref.Kind,
			"generation":      obj.GetGeneration(),
			"resourceVersion": obj.GetResourceVersion(),
			"status":          status,
		}),
		ObservedAt: time.Now().UTC(),
	}
	return o.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "cluster_id"}, {Name: "namespace"}, {Name: "resource_type"}, {Name: "resource_name"}},
		DoUpdates: clause.AssignmentColumns([]string{"observed", "observed_at"}),
	}).Create(&row).Error
}

func (o *Observer) PeriodicJob(interval time.Duration) queue.PeriodicJob {
	return queue.PeriodicJob{
		Name:     JobObserve,
		Interval: interval,
		Run: func(ctx context.Context) error {
			_, err := o.Sync(ctx)
			return err
		},
	}
}
