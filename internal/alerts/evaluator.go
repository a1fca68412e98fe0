// Package alerts evaluates PromQL alert rules and manages the incidents
// they open.
package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/kdp-orchestrator/internal/logger"
	"github.com/example/kdp-orchestrator/internal/models"
	"github.com/example/kdp-orchestrator/internal/notify"
	"github.com/example/kdp-orchestrator/internal/queue"
)

const JobEvaluate = "evaluate_alerts"

// Querier runs an instant query and returns its first sample value.
type Querier interface {
	Query(ctx context.Context, expr string) (float64, json.RawMessage, error)
}

// Notifier fans an alert out to its channels.
type Notifier interface {
	Dispatch(ctx context.Context, a notify.Alert, channels []string) map[string]error
}

// Summary counts one evaluation pass.
type Summary struct {
	Evaluated int `json:"evaluated"`
	Fired     int `json:"fired"`
	Failed    int `json:"failed"`
}

type Evaluator struct {
	db       *gorm.DB
	prom     Querier
	notifier Notifier
	now      func() time.Time
}

func NewEvaluator(db *gorm.DB, prom Querier, notifier Notifier) *Evaluator {
	return &Evaluator{
		db:       db,
		prom:     prom,
		notifier: notifier,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Tick evaluates every enabled rule once. A rule that fails is counted and
// skipped; only loading the rules can fail the whole pass.
func (e *Evaluator) Tick(ctx context.Context) (Summary, error) {
	var rules []models.AlertRule
	if err := e.db.WithContext(ctx).Where("enabled = ?", true).Order("id").Find(&rules).Error; err != nil {
		return Summary{}, fmt.Errorf("load alert rules: %w", err)
	}

	var sum Summary
	for _, rule := range rules {
		sum.Evaluated++
		fired, err := e.evaluate(ctx, rule)
		if err != nil {
			sum.Failed++
			logger.Warn("alert rule evaluation failed",
				zap.Uint("rule_id", rule.ID),
				zap.String("rule", rule.Name),
				zap.Error(err),
			)
			continue
		}
		if fired {
			sum.Fired++
		}
	}

	logger.Info("alert evaluation finished",
		zap.Int("evaluated", sum.Evaluated),
		zap.Int("fired", sum.Fired),
		zap.Int("failed", sum.Failed),
	)
	return sum, nil
}

func (e *Evaluator) evaluate(ctx context.Context, rule models.AlertRule) (bool, error) {
	value, payload, err := e.prom.Query(ctx, rule.Query)
	if err != nil {
		return false, fmt.Errorf("query prometheus: %w", err)
	}
	if value < rule.Threshold {
		return false, nil
	}

	now := e.now()
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	evidence := models.JSON(map[string]any{
		"rule":        rule.Name,
		"value":       value,
		"threshold":   rule.Threshold,
		"prometheus":  payload,
		"captured_at": now.Format(time.RFC3339),
	})

	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		firing := models.AlertFiring{RuleID: rule.ID, Value: value, Evidence: evidence, FiredAt: now}
		if err := tx.Create(&firing).Error; err != nil {
			return err
		}
		return tx.Create(&models.Incident{
			RuleID:    rule.ID,
			FiringID:  firing.ID,
			Severity:  rule.Severity,
			State:     models.IncidentOpen,
			Evidence:  evidence,
			CreatedAt: now,
		}).Error
	})
	if err != nil {
		return false, fmt.Errorf("record firing: %w", err)
	}

	logger.Info("alert fired",
		zap.Uint("rule_id", rule.ID),
		zap.String("rule", rule.Name),
		zap.Float64("value", value),
		zap.Float64("threshold", rule.Threshold),
	)
	e.notifier.Dispatch(ctx, notify.Alert{
		RuleID:    rule.ID,
		Rule:      rule.Name,
		Value:     value,
		Threshold: rule.Threshold,
		Severity:  rule.Severity,
		FiredAt:   now,
	}, rule.Channels)
	return true, nil
}

// PeriodicJob schedules Tick on the worker queue.
func (e *Evaluator) PeriodicJob(interval time.Duration) queue.PeriodicJob {
	return queue.PeriodicJob{
		Name:     JobEvaluate,
		Interval: interval,
		Run: func(ctx context.Context) error {
			_, err := e.Tick(ctx)
			return err
		},
	}
}
