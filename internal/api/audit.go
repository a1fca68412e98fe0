package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/example/kdp-orchestrator/internal/audit"
)

type auditQuery struct {
	Action  string `form:"action"`
	ActorID uint   `form:"actorId"`
	Limit   int    `form:"limit"`
}

// auditLogs returns the newest audit entries, optionally filtered by action or actor.
func (h *Handler) auditLogs(c *gin.Context) {
	var q auditQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		badRequest(c, "invalid query")
		return
	}
	rows, err := audit.List(c.Request.Context(), h.DB, audit.Filter{Action: q.Action, ActorID: q.ActorID, Limit: q.Limit})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rows)
}
