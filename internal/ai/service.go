package ai

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/example/kdp-orchestrator/internal/apperr"
	"github.com/example/kdp-orchestrator/internal/audit"
	"github.com/example/kdp-orchestrator/internal/logger"
	"github.com/example/kdp-orchestrator/internal/models"
)

const (
	FeatureIncidentSummary = "incident_summary"
	AuditAnalyze           = "ai.incident.analyze"
	AuditPricing           = "ai.pricing.set"

	usageLimit = 200
)

type Service struct {
	db         *gorm.DB
	summarizer Summarizer
}

// NewService builds the AI service. A nil summarizer makes every analysis
// return ErrNotConfigured while usage reports keep working.
func NewService(db *gorm.DB, summarizer Summarizer) *Service {
	return &Service{db: db, summarizer: summarizer}
}

type Analysis struct {
	IncidentID   uint    `json:"incidentId"`
	RequestID    uint    `json:"requestId"`
	AISummaryRef string  `json:"aiSummaryRef"`
	Summary      string  `json:"summary"`
	Model        string  `json:"model"`
	TotalTokens  int     `json:"totalTokens"`
	TotalCost    float64 `json:"totalCost"`
}

// AnalyzeIncident asks the summarizer about an incident, stores the request
// with its cost and points the incident's ai_summary_ref at it.
func (s *Service) AnalyzeIncident(ctx context.Context, actorID, incidentID uint, ip string) (*Analysis, error) {
	var inc models.Incident
	if err := s.db.WithContext(ctx).First(&inc, incidentID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("incident %d: %w", incidentID, apperr.ErrNotFound)
		}
		return nil, err
	}
	if s.summarizer == nil {
		return nil, ErrNotConfigured
	}

	var rule models.AlertRule
	if err := s.db.WithContext(ctx).First(&rule, inc.RuleID).Error; err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	prompt := incidentPrompt(&inc, &rule)

	comp, err := s.summarizer.Summarize(ctx, prompt)
	if err != nil {
		s.auditFailure(ctx, actorID, incidentID, ip, err)
		return nil, fmt.Errorf("summarize incident %d: %w", incidentID, err)
	}

	price, err := s.pricing(ctx, comp.Model)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256([]byte(prompt))
	req := models.AIRequest{
		UserID:           audit.Actor(actorID),
		Feature:          FeatureIncidentSummary,
		Model:            comp.Model,
		PromptTokens:     comp.PromptTokens,
		CompletionTokens: comp.CompletionTokens,
		TotalTokens:      comp.PromptTokens + comp.CompletionTokens,
		TotalCost:        cost(price, comp),
		UnitCosts: models.JSON(map[string]float64{
			"promptPer1k":     price.PromptPer1K,
			"completionPer1k": price.CompletionPer1K,
		}),
		InputHash: hex.EncodeToString(sum[:]),
		OutputRef: fmt.Sprintf("incident:%d", incidentID),
		Output:    comp.Text,
		Ts:        time.Now().UTC(),
	}

	var ref string
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&req).Error; err != nil {
			return fmt.Errorf("record ai request: %w", err)
		}
		ref = fmt.Sprintf("ai_request:%d", req.ID)
		res := tx.Model(&models.Incident{}).Where("id = ?", incidentID).Update("ai_summary_ref", ref)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("incident %d: %w", incidentID, apperr.ErrNotFound)
		}
		return audit.Append(ctx, tx, audit.Entry{
			ActorID:      audit.Actor(actorID),
			Action:       AuditAnalyze,
			ResourceKind: "incident",
			ResourceID:   fmt.Sprint(incidentID),
			Diff:         map[string]any{"aiSummaryRef": ref, "model": req.Model, "totalCost": req.TotalCost},
			Outcome:      audit.OutcomeSuccess,
			IP:           ip,
		})
	})
	if err != nil {
		return nil, err
	}
	return &Analysis{
		IncidentID:   incidentID,
		RequestID:    req.ID,
		AISummaryRef: ref,
		Summary:      comp.Text,
		Model:        req.Model,
		TotalTokens:  req.TotalTokens,
		TotalCost:    req.TotalCost,
	}, nil
}

func (s *Service) auditFailure(ctx context.Context, actorID, incidentID uint, ip string, cause error) {
	err := audit.Append(ctx, s.db, audit.Entry{
		ActorID:      audit.Actor(actorID),
		Action:       AuditAnalyze,
		ResourceKind: "incident",
		ResourceID:   fmt.Sprint(incidentID),
		Diff:         map[string]string{"error": cause.Error()},
		Outcome:      audit.OutcomeFailure,
		IP:           ip,
	})
	if err != nil {
		logger.Error("audit failed analysis", zap.Uint("incident_id", incidentID), zap.Error(err))
	}
}

// pricing finds the price for model. Dated snapshots such as
// gpt-4.1-mini-2025-04-14 match the longest configured prefix. Unknown
// models cost zero.
func (s *Service) pricing(ctx context.Context, model string) (models.AIPricing, error) {
	var p models.AIPricing
	err := s.db.WithContext(ctx).
		Where("model = ? OR ? LIKE model || '-%'", model, model).
		Order("LENGTH(model) DESC").
		First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.AIPricing{Model: model}, nil
	}
	if err != nil {
		return models.AIPricing{}, fmt.Errorf("load ai pricing: %w", err)
	}
	return p, nil
}

func cost(p models.AIPricing, c *Completion) float64 {
	return float64(c.PromptTokens)/1000*p.PromptPer1K + float64(c.CompletionTokens)/1000*p.CompletionPer1K
}

// SetPricing creates or replaces the price of model.
func (s *Service) SetPricing(ctx context.Context, actorID uint, p models.AIPricing, ip string) (*models.AIPricing, error) {
	p.Model = strings.TrimSpace(p.Model)
	if p.Model == "" || p.PromptPer1K < 0 || p.CompletionPer1K < 0 {
		return nil, fmt.Errorf("model and non-negative prices are required: %w", apperr.ErrValidation)
	}
	p.ID = 0
	p.UpdatedAt = time.Now().UTC()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "model"}},
			DoUpdates: clause.AssignmentColumns([]string{"prompt_per_1k", "completion_per_1k", "updated_at"}),
		}).Create(&p).Error
		if err != nil {
			return err
		}
		var stored models.AIPricing
		if err := tx.Where("model = ?", p.Model).First(&stored).Error; err != nil {
			return err
		}
		p = stored
		return audit.Append(ctx, tx, audit.Entry{
			ActorID:      audit.Actor(actorID),
			Action:       AuditPricing,
			ResourceKind: "ai_pricing",
			ResourceID:   p.Model,
			Diff:         map[string]float64{"promptPer1k": p.PromptPer1K, "completionPer1k": p.CompletionPer1K},
			Outcome:      audit.OutcomeSuccess,
			IP:           ip,
		})
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

type Usage struct {
	Requests    []models.AIRequest `json:"requests"`
	TotalTokens int                `json:"totalTokens"`
	TotalCost   float64            `json:"totalCost"`
}

// Usage returns the newest requests. Totals cover the returned rows.
func (s *Service) Usage(ctx context.Context) (*Usage, error) {
	var rows []models.AIRequest
	if err := s.db.WithContext(ctx).Order("ts DESC, id DESC").Limit(usageLimit).Find(&rows).Error; err != nil {
		return nil, err
	}
	u := &Usage{Requests: rows}
	for _, r := range rows {
		u.TotalTokens += r.TotalTokens
		u.TotalCost += r.TotalCost
	}
	return u, nil
}

type CostReport struct {
	Model            string  `json:"model"`
	Requests         int64   `json:"requests"`
	PromptTokens     int64   `json:"promptTokens"`
	CompletionTokens int64   `json:"completionTokens"`
	TotalCost        float64 `json:"totalCost"`
}

// CostReports aggregates every recorded request by model, most expensive
// first.
func (s *Service) CostReports(ctx context.Context) ([]CostReport, error) {
	var out []CostReport
	err := s.db.WithContext(ctx).Model(&models.AIRequest{}).
		Select("model, COUNT(*) AS requests, " +
			"COALESCE(SUM(prompt_tokens), 0) AS prompt_tokens, " +
			"COALESCE(SUM(completion_tokens), 0) AS completion_tokens, " +
			"COALESCE(SUM(total_cost), 0) AS total_cost").
		Group("model").
		Order("total_cost DESC, model").
		Scan(&out).Error
	return out, err
}

func incidentPrompt(inc *models.Incident, rule *models.AlertRule) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Incident %d (severity %s, state %s, opened %s)\n",
		inc.ID, inc.Severity, inc.State, inc.CreatedAt.UTC().Format(time.RFC3339))
	if rule.ID != 0 {
		fmt.Fprintf(&b, "Alert rule %q: %s > %g\n", rule.Name, rule.Query, rule.Threshold)
	}
	if len(inc.Evidence) > 0 {
		fmt.Fprintf(&b, "Evidence: %s\n", inc.Evidence)
	}
	return b.String()
}
