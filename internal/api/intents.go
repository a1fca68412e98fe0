package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/example/kdp-orchestrator/internal/models"
	"github.com/example/kdp-orchestrator/internal/orchestration"
)

type intentRequest struct {
	ResourceType   string         `json:"resourceType"`
	ClusterID      uint           `json:"clusterId" binding:"required"`
	Namespace      string         `json:"namespace" binding:"required"`
	Mode           string         `json:"mode"`
	KafkaMode      string         `json:"kafkaMode"`
	KafkaVersion   string         `json:"kafkaVersion"`
	StrimziVersion string         `json:"strimziVersion"`
	Spec           map[string]any `json:"spec"`
}

func (r intentRequest) mode() string {
	if r.KafkaMode != "" {
		return r.KafkaMode
	}
	return r.Mode
}

func (h *Handler) createTypedIntent(resourceType string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req intentRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid payload")
			return
		}
		ctx := c.Request.Context()
		var (
			intent *models.ResourceIntent
			err    error
		)
		switch resourceType {
		case models.ResourceKafka:
			intent, err = h.Orchestration.CreateKafkaIntent(ctx, caller(c), orchestration.KafkaIntentInput{
				ClusterID:      req.ClusterID,
				Namespace:      req.Namespace,
				Mode:           req.mode(),
				KafkaVersion:   req.KafkaVersion,
				StrimziVersion: req.StrimziVersion,
				Spec:           req.Spec,
			})
		default:
			intent, err = h.Orchestration.CreateSparkIntent(ctx, caller(c), orchestration.SparkIntentInput{
				ClusterID: req.ClusterID,
				Namespace: req.Namespace,
				Spec:      req.Spec,
			})
		}
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, intent)
	}
}

func (h *Handler) createIntent(c *gin.Context) {
	var req intentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid payload")
		return
	}
	intent, err := h.Orchestration.CreateIntent(c.Request.Context(), caller(c), orchestration.IntentInput{
		ResourceType: req.ResourceType,
		Mode:         req.mode(),
		ClusterID:    req.ClusterID,
		Namespace:    req.Namespace,
		Spec:         withVersions(req),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, intent)
}

// withVersions folds top-level Kafka fields into the intent spec for the generic endpoint.
func withVersions(req intentRequest) map[string]any {
	spec := map[string]any{}
	for k, v := range req.Spec {
		spec[k] = v
	}
	if req.KafkaVersion != "" {
		spec["kafka_version"] = req.KafkaVersion
	}
	if req.StrimziVersion != "" {
		spec["strimzi_version"] = req.StrimziVersion
	}
	return spec
}

func (h *Handler) listIntents(resourceType string) gin.HandlerFunc {
	return func(c *gin.Context) {
		rt := resourceType
		if rt == "" {
			rt = c.Query("resourceType")
		}
		list, err := h.Orchestration.ListIntents(c.Request.Context(), rt)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, list)
	}
}

func (h *Handler) getIntent(resourceType string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := uintParam(c, "id")
		if !ok {
			return
		}
		intent, err := h.Orchestration.GetIntent(c.Request.Context(), id, resourceType)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, intent)
	}
}

func (h *Handler) updateIntent(resourceType string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := uintParam(c, "id")
		if !ok {
			return
		}
		var req intentRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid payload")
			return
		}
		intent, err := h.Orchestration.UpdateIntent(c.Request.Context(), caller(c), id, resourceType, orchestration.UpdateIntentInput{
			ClusterID:      req.ClusterID,
			Namespace:      req.Namespace,
			Mode:           req.mode(),
			KafkaVersion:   req.KafkaVersion,
			StrimziVersion: req.StrimziVersion,
			Spec:           req.Spec,
		})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, intent)
	}
}

func (h *Handler) deleteIntent(resourceType string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := uintParam(c, "id")
		if !ok {
			return
		}
		if err := h.Orchestration.DeleteIntent(c.Request.Context(), caller(c), id, resourceType); err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func (h *Handler) intentStatus(resourceType string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := uintParam(c, "id")
		if !ok {
			return
		}
		st, err := h.Orchestration.IntentStatus(c.Request.Context(), id, resourceType)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, st)
	}
}

// applyIntent queues a run. A non-empty resourceType must match the intent.
func (h *Handler) applyIntent(resourceType string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := uintParam(c, "id")
		if !ok {
			return
		}
		if resourceType != "" {
			if _, err := h.Orchestration.GetIntent(c.Request.Context(), id, resourceType); err != nil {
				writeError(c, err)
				return
			}
		}
		run, err := h.Orchestration.Apply(c.Request.Context(), caller(c), id)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": models.RunQueued, "intent_id": id, "run_id": run.ID})
	}
}

func (h *Handler) listRuns(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	runs, err := h.Orchestration.ListRuns(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, runs)
}

func (h *Handler) getRun(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	run, err := h.Orchestration.GetRun(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

func (h *Handler) renderManifest(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	out, err := h.Orchestration.RenderManifest(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/yaml", []byte(out))
}

// =================================================================================
// TEMPLATES & KAFKA MIGRATION
// =================================================================================

func (h *Handler) sparkTemplates(c *gin.Context) {
	c.JSON(http.StatusOK, orchestration.SparkTemplates())
}

func (h *Handler) kafkaTemplates(c *gin.Context) {
	c.JSON(http.StatusOK, orchestration.KafkaTemplates())
}

type precheckRequest struct {
	ClusterID uint   `json:"clusterId" binding:"required"`
	Namespace string `json:"namespace" binding:"required"`
}

func (h *Handler) kafkaMigrationPrecheck(c *gin.Context) {
	var req precheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid payload")
		return
	}
	name, err := h.clusterName(c, req.ClusterID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, orchestration.MigrationPrecheck(name, req.Namespace))
}
