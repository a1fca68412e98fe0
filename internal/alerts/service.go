package alerts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/example/kdp-orchestrator/internal/apperr"
	"github.com/example/kdp-orchestrator/internal/audit"
	"github.com/example/kdp-orchestrator/internal/models"
)

const defaultSeverity = "warning"

type Service struct {
	db *gorm.DB
}

func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

type RuleInput struct {
	Name        string
	Query       string
	Threshold   float64
	Severity    string
	IntervalSec int
	Channels    []string
	Scope       map[string]any
	Enabled     *bool
}

func (s *Service) CreateRule(ctx context.Context, actorID uint, in RuleInput, ip string) (*models.AlertRule, error) {
	if strings.TrimSpace(in.Name) == "" || strings.TrimSpace(in.Query) == "" {
		return nil, fmt.Errorf("name and promql are required: %w", apperr.ErrValidation)
	}
	rule := models.AlertRule{
		Name:        strings.TrimSpace(in.Name),
		Scope:       models.JSON(in.Scope),
		Query:       in.Query,
		IntervalSec: in.IntervalSec,
		Threshold:   in.Threshold,
		Severity:    in.Severity,
		Channels:    in.Channels,
		Enabled:     true,
		CreatedBy:   actorID,
	}
	if rule.Severity == "" {
		rule.Severity = defaultSeverity
	}
	if rule.IntervalSec <= 0 {
		rule.IntervalSec = 60
	}
	if in.Enabled != nil {
		rule.Enabled = *in.Enabled
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&rule).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return fmt.Errorf("alert rule %q already exists: %w", rule.Name, apperr.ErrConflict)
			}
			return err
		}
		return audit.Append(ctx, tx, audit.Entry{
			ActorID:      audit.Actor(actorID),
			Action:       "alerts.rule.create",
			ResourceKind: "alert_rule",
			ResourceID:   fmt.Sprint(rule.ID),
			Diff:         map[string]any{"name": rule.Name, "threshold": rule.Threshold, "severity": rule.Severity},
			Outcome:      audit.OutcomeSuccess,
			IP:           ip,
		})
	})
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

func (s *Service) ListRules(ctx context.Context) ([]models.AlertRule, error) {
	var rules []models.AlertRule
	err := s.db.WithContext(ctx).Order("id").Find(&rules).Error
	return rules, err
}

func (s *Service) SetRuleEnabled(ctx context.Context, actorID, id uint, enabled bool, ip string) (*models.AlertRule, error) {
	var rule models.AlertRule
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&rule, id).Error; err != nil {
			return notFound("alert rule", id, err)
		}
		if err := tx.Model(&rule).Update("enabled", enabled).Error; err != nil {
			return err
		}
		rule.Enabled = enabled
		return audit.Append(ctx, tx, audit.Entry{
			ActorID:      audit.Actor(actorID),
			Action:       "alerts.rule.enable",
			ResourceKind: "alert_rule",
			ResourceID:   fmt.Sprint(id),
			Diff:         map[string]bool{"enabled": enabled},
			Outcome:      audit.OutcomeSuccess,
			IP:           ip,
		})
	})
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

// ListIncidents returns incidents newest first, optionally filtered by state.
func (s *Service) ListIncidents(ctx context.Context, state string) ([]models.Incident, error) {
	q := s.db.WithContext(ctx).Order("id DESC")
	if state != "" {
		q = q.Where("state = ?", state)
	}
	var out []models.Incident
	return out, q.Find(&out).Error
}

// Acknowledge moves an open incident to acknowledged. Acknowledging twice
// returns the incident unchanged.
func (s *Service) Acknowledge(ctx context.Context, actorID, id uint, ip string) (*models.Incident, error) {
	var inc models.Incident
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&inc, id).Error; err != nil {
			return notFound("incident", id, err)
		}
		if inc.State == models.IncidentAcknowledged {
			return nil
		}
		now := time.Now().UTC()
		res := tx.Model(&models.Incident{}).
			Where("id = ? AND state = ?", id, models.IncidentOpen).
			Updates(map[string]any{
				"state":           models.IncidentAcknowledged,
				"acknowledged_at": now,
				"acknowledged_by": audit.Actor(actorID),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return tx.First(&inc, id).Error
		}
		inc.State = models.IncidentAcknowledged
		inc.AcknowledgedAt = &now
		inc.AcknowledgedBy = audit.Actor(actorID)
		return audit.Append(ctx, tx, audit.Entry{
			ActorID:      audit.Actor(actorID),
			Action:       "alerts.incident.ack",
			ResourceKind: "incident",
			ResourceID:   fmt.Sprint(id),
			Diff:         map[string]string{"state": models.IncidentAcknowledged},
			Outcome:      audit.OutcomeSuccess,
			IP:           ip,
		})
	})
	if err != nil {
		return nil, err
	}
	return &inc, nil
}

func notFound(kind string, id uint, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s %d: %w", kind, id, apperr.ErrNotFound)
	}
	return err
}
