package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/example/kdp-orchestrator/internal/alerts"
)

type ruleRequest struct {
	Name        string         `json:"name" binding:"required"`
	PromQL      string         `json:"promql" binding:"required"`
	Threshold   float64        `json:"threshold"`
	Severity    string         `json:"severity"`
	IntervalSec int            `json:"intervalSec"`
	Channels    []string       `json:"channels"`
	Scope       map[string]any `json:"scope"`
	Enabled     *bool          `json:"enabled"`
}

type enabledRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

func (h *Handler) listRules(c *gin.Context) {
	rules, err := h.Alerts.ListRules(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rules)
}

func (h *Handler) createRule(c *gin.Context) {
	var req ruleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid payload")
		return
	}
	rule, err := h.Alerts.CreateRule(c.Request.Context(), principal(c).UserID, alerts.RuleInput{
		Name:        req.Name,
		Query:       req.PromQL,
		Threshold:   req.Threshold,
		Severity:    req.Severity,
		IntervalSec: req.IntervalSec,
		Channels:    req.Channels,
		Scope:       req.Scope,
		Enabled:     req.Enabled,
	}, c.ClientIP())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rule)
}

func (h *Handler) setRuleEnabled(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	var req enabledRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "enabled is required")
		return
	}
	rule, err := h.Alerts.SetRuleEnabled(c.Request.Context(), principal(c).UserID, id, *req.Enabled, c.ClientIP())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

func (h *Handler) listIncidents(c *gin.Context) {
	list, err := h.Alerts.ListIncidents(c.Request.Context(), c.Query("state"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (h *Handler) ackIncident(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	inc, err := h.Alerts.Acknowledge(c.Request.Context(), principal(c).UserID, id, c.ClientIP())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, inc)
}

func (h *Handler) evaluateAlerts(c *gin.Context) {
	sum, err := h.Evaluator.Tick(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}
