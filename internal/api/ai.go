package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/example/kdp-orchestrator/internal/models"
)

func (h *Handler) analyzeIncident(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	a, err := h.AI.AnalyzeIncident(c.Request.Context(), principal(c).UserID, id, c.ClientIP())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (h *Handler) aiUsage(c *gin.Context) {
	u, err := h.AI.Usage(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, u)
}

func (h *Handler) aiCostReports(c *gin.Context) {
	reports, err := h.AI.CostReports(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reports": reports})
}

type pricingRequest struct {
	Model           string   `json:"model" binding:"required"`
	PromptPer1K     *float64 `json:"promptPer1k" binding:"required"`
	CompletionPer1K *float64 `json:"completionPer1k" binding:"required"`
}

func (h *Handler) setAIPricing(c *gin.Context) {
	var req pricingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "model, promptPer1k and completionPer1k are required")
		return
	}
	p, err := h.AI.SetPricing(c.Request.Context(), principal(c).UserID, models.AIPricing{
		Model:           req.Model,
		PromptPer1K:     *req.PromptPer1K,
		CompletionPer1K: *req.CompletionPer1K,
	}, c.ClientIP())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}
