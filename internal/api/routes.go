package api

import (
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/example/kdp-orchestrator/internal/ai"
	"github.com/example/kdp-orchestrator/internal/alerts"
	"github.com/example/kdp-orchestrator/internal/auth"
	"github.com/example/kdp-orchestrator/internal/clusters"
	"github.com/example/kdp-orchestrator/internal/config"
	"github.com/example/kdp-orchestrator/internal/metrics"
	"github.com/example/kdp-orchestrator/internal/models"
	"github.com/example/kdp-orchestrator/internal/orchestration"
	"github.com/example/kdp-orchestrator/internal/rbac"
)

// Deps are the services the HTTP layer calls.
type Deps struct {
	Config        *config.Config
	DB            *gorm.DB
	Auth          *auth.Authenticator
	Resolver      *rbac.Resolver
	Admin         *rbac.Admin
	Clusters      *clusters.Service
	Orchestration *orchestration.Service
	Alerts        *alerts.Service
	Evaluator     *alerts.Evaluator
	Prometheus    *metrics.PrometheusClient
	AI            *ai.Service
}

type Handler struct {
	Deps
}

// RegisterRoutes registers every /api/v1 route plus the health probes.
func RegisterRoutes(r *gin.Engine, d Deps) {
	h := &Handler{Deps: d}
	need := auth.RequirePermission
	api := r.Group("/api/v1")

	authGroup := api.Group("/auth")
	{
		authGroup.POST("/login", h.login)
		authGroup.POST("/refresh", h.refresh)
	}

	secured := api.Group("")
	secured.Use(auth.AuthMiddleware(d.Config, d.DB, d.Resolver))
	secured.GET("/auth/me", h.me)
	secured.POST("/auth/logout", h.logout)

	clusterGroup := secured.Group("/clusters")
	{
		clusterGroup.GET("", need(rbac.PermK8sRead), h.listClusters)
		clusterGroup.POST("", need(rbac.PermK8sWrite), h.createCluster)
		clusterGroup.GET("/:id", need(rbac.PermK8sRead), h.getCluster)
		clusterGroup.POST("/:id/probe", need(rbac.PermK8sRead), h.probeCluster)
		clusterGroup.GET("/:id/namespaces", need(rbac.PermK8sRead), h.listNamespaces)
		clusterGroup.GET("/:id/workloads", need(rbac.PermK8sRead), h.listWorkloads)
		clusterGroup.GET("/:id/topology/:namespace", need(rbac.PermK8sRead), h.topology)
		clusterGroup.GET("/:id/scopes", need(rbac.PermAdminRBACRead), h.listScopes)
		clusterGroup.PUT("/:id/scopes", need(rbac.PermAdminRBACWrite), h.putScope)
	}

	rbacGroup := secured.Group("/rbac")
	{
		rbacGroup.GET("/roles", need(rbac.PermAdminRBACRead), h.listRoles)
		rbacGroup.GET("/permissions", need(rbac.PermAdminRBACRead), h.listPermissions)
		rbacGroup.POST("/users/:userID/roles/:roleID", need(rbac.PermAdminRBACWrite), h.bindRole)
	}

	adminGroup := secured.Group("/admin", need(rbac.PermAdminUsersWrite))
	{
		adminGroup.GET("/users", h.listUsers)
		adminGroup.POST("/users", h.createUser)
		adminGroup.PATCH("/users/:id/active", h.setUserActive)
	}

	// Writes are gated inside the cluster service so denials are audited.
	k8sGroup := secured.Group("/k8s/:clusterID")
	{
		k8sGroup.POST("/deployments/:namespace/:name/scale", h.scaleDeployment)
		k8sGroup.POST("/deployments/:namespace/:name/rollout-restart", h.rolloutRestart)
		k8sGroup.DELETE("/pods/:namespace/:name", h.deletePod)
		k8sGroup.GET("/pods", need(rbac.PermK8sRead), h.listPods)
		k8sGroup.GET("/events", need(rbac.PermK8sRead), h.listEvents)
		k8sGroup.GET("/pods/:namespace/:name/logs", need(rbac.PermK8sRead), h.podLogs)
		k8sGroup.GET("/resources/:namespace/:kind/:name", need(rbac.PermK8sRead), h.resourceYAML)
		k8sGroup.POST("/nodes/:name/cordon", h.cordonNode(true))
		k8sGroup.POST("/nodes/:name/uncordon", h.cordonNode(false))
		k8sGroup.POST("/nodes/:name/drain", h.drainNode)
	}

	spark := secured.Group("/services/spark")
	{
		spark.GET("/templates", need(rbac.PermK8sRead), h.sparkTemplates)
		h.intentRoutes(spark, models.ResourceSpark)
	}

	kafka := secured.Group("/services/kafka")
	{
		kafka.GET("/templates", need(rbac.PermK8sRead), h.kafkaTemplates)
		kafka.POST("/migration/precheck", need(rbac.PermKafkaDeploy), h.kafkaMigrationPrecheck)
		h.intentRoutes(kafka, models.ResourceKafka)
	}

	orch := secured.Group("/orchestration")
	{
		orch.GET("/intents", need(rbac.PermK8sRead), h.listIntents(""))
		orch.POST("/intents", h.createIntent)
		orch.GET("/intents/:id", need(rbac.PermK8sRead), h.getIntent(""))
		orch.POST("/intents/:id/apply", h.applyIntent(""))
		orch.GET("/intents/:id/runs", need(rbac.PermK8sRead), h.listRuns)
		orch.GET("/intents/:id/manifest", need(rbac.PermK8sRead), h.renderManifest)
		orch.GET("/runs/:id", need(rbac.PermK8sRead), h.getRun)
		orch.GET("/runs/:id/watch", need(rbac.PermK8sRead), h.watchRun)
	}

	metricsGroup := secured.Group("/metrics", need(rbac.PermK8sRead))
	{
		metricsGroup.POST("/query", h.promQuery)
		metricsGroup.POST("/range", h.promRange)
		for _, name := range metrics.DashboardNames() {
			metricsGroup.GET("/dashboards/"+name, h.dashboard(name))
		}
	}

	alertGroup := secured.Group("/alerts")
	{
		alertGroup.GET("/rules", need(rbac.PermK8sRead), h.listRules)
		alertGroup.POST("/rules", need(rbac.PermAlertsManage), h.createRule)
		alertGroup.PATCH("/rules/:id", need(rbac.PermAlertsManage), h.setRuleEnabled)
		alertGroup.GET("/incidents", need(rbac.PermK8sRead), h.listIncidents)
		alertGroup.POST("/incidents/:id/ack", need(rbac.PermAlertsManage), h.ackIncident)
		alertGroup.POST("/evaluate", need(rbac.PermAlertsManage), h.evaluateAlerts)
	}

	aiGroup := secured.Group("/ai", need(rbac.PermAIUse))
	{
		aiGroup.POST("/incidents/:id/analyze", h.analyzeIncident)
		aiGroup.GET("/usage", h.aiUsage)
		aiGroup.GET("/cost-reports", h.aiCostReports)
		aiGroup.PUT("/pricing", need(rbac.AdminAll), h.setAIPricing)
	}

	secured.GET("/audit/logs", need(rbac.PermAdminAuditRead), h.auditLogs)

	r.GET("/healthz", h.healthz)
	r.GET("/readyz", h.readyz)
}

// intentRoutes mounts intent CRUD for one resource type. Apply and
// mutations are authorized by the orchestration service.
func (h *Handler) intentRoutes(g *gin.RouterGroup, resourceType string) {
	g.GET("/intents", auth.RequirePermission(rbac.PermK8sRead), h.listIntents(resourceType))
	g.POST("/intents", h.createTypedIntent(resourceType))
	g.GET("/intents/:id", auth.RequirePermission(rbac.PermK8sRead), h.getIntent(resourceType))
	g.PUT("/intents/:id", h.updateIntent(resourceType))
	g.DELETE("/intents/:id", h.deleteIntent(resourceType))
	g.GET("/intents/:id/status", auth.RequirePermission(rbac.PermK8sRead), h.intentStatus(resourceType))
	g.POST("/intents/:id/apply", h.applyIntent(resourceType))
}
