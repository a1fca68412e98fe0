package ai

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/example/kdp-orchestrator/internal/apperr"
	"github.com/example/kdp-orchestrator/internal/db/dbtest"
	"github.com/example/kdp-orchestrator/internal/models"
)

type fakeSummarizer struct {
	mu      sync.Mutex
	prompts []string
	comp    Completion
	err     error
}

func (f *fakeSummarizer) Summarize(_ context.Context, prompt string) (*Completion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, prompt)
	if f.err != nil {
		return nil, f.err
	}
	c := f.comp
	return &c, nil
}

func seedIncident(t *testing.T, conn *gorm.DB) models.Incident {
	t.Helper()
	rule := models.AlertRule{Name: "disk-full", Query: "kafka_disk_used_ratio", Threshold: 0.9, Severity: "critical", Enabled: true}
	require.NoError(t, conn.Create(&rule).Error)
	inc := models.Incident{
		RuleID:   rule.ID,
		Severity: "critical",
		State:    models.IncidentOpen,
		Evidence: models.JSON(map[string]any{"value": 0.97}),
	}
	require.NoError(t, conn.Create(&inc).Error)
	return inc
}

func TestAnalyzeIncident(t *testing.T) {
	ctx := context.Background()
	conn := dbtest.New(t)
	inc := seedIncident(t, conn)
	fake := &fakeSummarizer{comp: Completion{
		Text: "Broker disk nearly full.", Model: "gpt-4.1-mini-2025-04-14", PromptTokens: 2000, CompletionTokens: 500,
	}}
	svc := NewService(conn, fake)

	_, err := svc.SetPricing(ctx, 1, models.AIPricing{Model: "gpt-4.1-mini", PromptPer1K: 0.4, CompletionPer1K: 1.6}, "")
	require.NoError(t, err)

	a, err := svc.AnalyzeIncident(ctx, 1, inc.ID, "10.0.0.9")
	require.NoError(t, err)
	assert.Equal(t, "Broker disk nearly full.", a.Summary)
	assert.Equal(t, 2500, a.TotalTokens)
	assert.InDelta(t, 2*0.4+0.5*1.6, a.TotalCost, 1e-9)

	require.Len(t, fake.prompts, 1)
	assert.Contains(t, fake.prompts[0], "disk-full")
	assert.Contains(t, fake.prompts[0], "0.97")

	var got models.Incident
	require.NoError(t, conn.First(&got, inc.ID).Error)
	assert.Equal(t, a.AISummaryRef, got.AISummaryRef)
	assert.Equal(t, "ai_request:"+uintString(a.RequestID), got.AISummaryRef)

	var req models.AIRequest
	require.NoError(t, conn.First(&req, a.RequestID).Error)
	assert.Equal(t, FeatureIncidentSummary, req.Feature)
	assert.Len(t, req.InputHash, 64)
	require.NotNil(t, req.UserID)
	assert.EqualValues(t, 1, *req.UserID)

	var logs []models.AuditLog
	require.NoError(t, conn.Where("action = ?", AuditAnalyze).Find(&logs).Error)
	require.Len(t, logs, 1)
	assert.Equal(t, "success", logs[0].Outcome)
	assert.Equal(t, "10.0.0.9", logs[0].IP)
}

func TestAnalyzeIncidentNotConfigured(t *testing.T) {
	ctx := context.Background()
	conn := dbtest.New(t)
	inc := seedIncident(t, conn)
	svc := NewService(conn, nil)

	_, err := svc.AnalyzeIncident(ctx, 1, inc.ID, "")
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.ErrorIs(t, err, apperr.ErrUnavailable)

	_, err = svc.AnalyzeIncident(ctx, 1, 999, "")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	var n int64
	require.NoError(t, conn.Model(&models.AIRequest{}).Count(&n).Error)
	assert.Zero(t, n)
}

func TestAnalyzeIncidentFailureIsAudited(t *testing.T) {
	ctx := context.Background()
	conn := dbtest.New(t)
	inc := seedIncident(t, conn)
	svc := NewService(conn, &fakeSummarizer{err: errors.New("rate limited")})

	_, err := svc.AnalyzeIncident(ctx, 1, inc.ID, "")
	assert.ErrorContains(t, err, "rate limited")

	var got models.Incident
	require.NoError(t, conn.First(&got, inc.ID).Error)
	assert.Empty(t, got.AISummaryRef)

	var logs []models.AuditLog
	require.NoError(t, conn.Where("action = ?", AuditAnalyze).Find(&logs).Error)
	require.Len(t, logs, 1)
	assert.Equal(t, "failure", logs[0].Outcome)
}

func TestUsageAndCostReports(t *testing.T) {
	ctx := context.Background()
	conn := dbtest.New(t)
	inc := seedIncident(t, conn)
	fake := &fakeSummarizer{comp: Completion{Text: "a", Model: "gpt-4.1-mini", PromptTokens: 1000, CompletionTokens: 1000}}
	svc := NewService(conn, fake)
	_, err := svc.SetPricing(ctx, 1, models.AIPricing{Model: "gpt-4.1-mini", PromptPer1K: 1, CompletionPer1K: 2}, "")
	require.NoError(t, err)

	for range 2 {
		_, err := svc.AnalyzeIncident(ctx, 1, inc.ID, "")
		require.NoError(t, err)
	}
	fake.comp = Completion{Text: "b", Model: "other-model", PromptTokens: 10, CompletionTokens: 10}
	_, err = svc.AnalyzeIncident(ctx, 1, inc.ID, "")
	require.NoError(t, err)

	u, err := svc.Usage(ctx)
	require.NoError(t, err)
	assert.Len(t, u.Requests, 3)
	assert.Equal(t, "other-model", u.Requests[0].Model)
	assert.InDelta(t, 6.0, u.TotalCost, 1e-9)
	assert.Equal(t, 4020, u.TotalTokens)

	reports, err := svc.CostReports(ctx)
	require.NoError(t, err)
	require.Len(t, reports, 2)
	assert.Equal(t, "gpt-4.1-mini", reports[0].Model)
	assert.EqualValues(t, 2, reports[0].Requests)
	assert.InDelta(t, 6.0, reports[0].TotalCost, 1e-9)
	assert.Equal(t, "other-model", reports[1].Model)
	assert.Zero(t, reports[1].TotalCost)
}

func TestSetPricingReplaces(t *testing.T) {
	ctx := context.Background()
	svc := NewService(dbtest.New(t), nil)

	_, err := svc.SetPricing(ctx, 1, models.AIPricing{Model: " "}, "")
	assert.ErrorIs(t, err, apperr.ErrValidation)

	first, err := svc.SetPricing(ctx, 1, models.AIPricing{Model: "gpt-4.1-mini", PromptPer1K: 1, CompletionPer1K: 2}, "")
	require.NoError(t, err)
	second, err := svc.SetPricing(ctx, 1, models.AIPricing{Model: "gpt-4.1-mini", PromptPer1K: 3, CompletionPer1K: 4}, "")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 3.0, second.PromptPer1K)
}

func uintString(v uint) string {
	return strconv.FormatUint(uint64(v), 10)
}
