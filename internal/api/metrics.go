package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/example/kdp-orchestrator/internal/metrics"
)

type promQueryRequest struct {
	Query string `json:"query" binding:"required"`
}

type promRangeRequest struct {
	Query string `json:"query" binding:"required"`
	Start string `json:"start"`
	End   string `json:"end"`
	Step  string `json:"step"`
}

func (h *Handler) promQuery(c *gin.Context) {
	var req promQueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "query is required")
		return
	}
	_, payload, err := h.Prometheus.Query(c.Request.Context(), req.Query)
	if err != nil {
		promError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json", payload)
}

// promRange defaults to the last hour at a 60s step.
func (h *Handler) promRange(c *gin.Context) {
	var req promRangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "query is required")
		return
	}
	now := time.Now()
	if req.End == "" {
		req.End = strconv.FormatInt(now.Unix(), 10)
	}
	if req.Start == "" {
		req.Start = strconv.FormatInt(now.Add(-time.Hour).Unix(), 10)
	}
	if req.Step == "" {
		req.Step = "60"
	}
	payload, err := h.Prometheus.QueryRange(c.Request.Context(), req.Query, req.Start, req.End, req.Step)
	if err != nil {
		promError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json", payload)
}

func promError(c *gin.Context, err error) {
	if errors.Is(err, metrics.ErrNotConfigured) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	if errors.Is(err, metrics.ErrUnknownDashboard) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
}

func (h *Handler) dashboard(name string) gin.HandlerFunc {
	return func(c *gin.Context) {
		d, err := h.Prometheus.Dashboard(c.Request.Context(), name)
		if err != nil {
			promError(c, err)
			return
		}
		c.JSON(http.StatusOK, d)
	}
}
