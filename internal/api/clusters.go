package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/example/kdp-orchestrator/internal/clusters"
	"github.com/example/kdp-orchestrator/internal/rbac"
)

type createClusterRequest struct {
	Name                   string            `json:"name" binding:"required"`
	Description            string            `json:"description"`
	KubeconfigBase64       string            `json:"kubeconfigBase64" binding:"required"`
	Labels                 map[string]string `json:"labels"`
	DefaultNamespacePolicy map[string]any    `json:"defaultNamespacePolicy"`
}

func (h *Handler) listClusters(c *gin.Context) {
	list, err := h.Clusters.List(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (h *Handler) createCluster(c *gin.Context) {
	var req createClusterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid payload")
		return
	}
	cl, err := h.Clusters.Register(c.Request.Context(), principal(c).UserID, clusters.RegisterInput{
		Name:                   req.Name,
		Description:            req.Description,
		KubeconfigBase64:       req.KubeconfigBase64,
		Labels:                 req.Labels,
		DefaultNamespacePolicy: req.DefaultNamespacePolicy,
	}, c.ClientIP())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, cl)
}

func (h *Handler) getCluster(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	cl, err := h.Clusters.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, cl)
}

func (h *Handler) probeCluster(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	status, err := h.Clusters.Probe(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": status})
}

func (h *Handler) listNamespaces(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	nss, err := h.Clusters.Namespaces(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"namespaces": nss})
}

func (h *Handler) listWorkloads(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	ns := c.Query("namespace")
	if ns == "" {
		badRequest(c, "namespace is required")
		return
	}
	wls, err := h.Clusters.Workloads(c.Request.Context(), id, ns)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, wls)
}

func (h *Handler) topology(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	topo, err := h.Clusters.Topology(c.Request.Context(), id, c.Param("namespace"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, topo)
}

// =================================================================================
// NAMESPACE SCOPES
// =================================================================================

type scopeRequest struct {
	UserID         uint     `json:"userId" binding:"required"`
	Namespace      string   `json:"namespace" binding:"required"`
	AllowedActions []string `json:"allowedActions"`
	DeniedActions  []string `json:"deniedActions"`
}

func (h *Handler) listScopes(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	scopes, err := h.Admin.ListScopes(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, scopes)
}

func (h *Handler) putScope(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	var req scopeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid payload")
		return
	}
	scope, err := h.Admin.PutScope(c.Request.Context(), principal(c).UserID, rbac.ScopeInput{
		UserID:         req.UserID,
		ClusterID:      id,
		Namespace:      req.Namespace,
		AllowedActions: req.AllowedActions,
		DeniedActions:  req.DeniedActions,
	}, c.ClientIP())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, scope)
}

// =================================================================================
// KUBERNETES ACTIONS
// =================================================================================

func target(c *gin.Context) (clusters.Target, bool) {
	id, ok := uintParam(c, "clusterID")
	if !ok {
		return clusters.Target{}, false
	}
	return clusters.Target{ClusterID: id, Namespace: c.Param("namespace"), Name: c.Param("name")}, true
}

type scaleRequest struct {
	Replicas *int32 `json:"replicas" binding:"required"`
}

func (h *Handler) scaleDeployment(c *gin.Context) {
	t, ok := target(c)
	if !ok {
		return
	}
	var req scaleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "replicas is required")
		return
	}
	if err := h.Clusters.Scale(c.Request.Context(), principal(c).UserID, t, *req.Replicas, c.ClientIP()); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "scaled", "replicas": *req.Replicas})
}

func (h *Handler) rolloutRestart(c *gin.Context) {
	t, ok := target(c)
	if !ok {
		return
	}
	if err := h.Clusters.RolloutRestart(c.Request.Context(), principal(c).UserID, t, c.ClientIP()); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "restarted"})
}

func (h *Handler) deletePod(c *gin.Context) {
	t, ok := target(c)
	if !ok {
		return
	}
	if err := h.Clusters.DeletePod(c.Request.Context(), principal(c).UserID, t, c.ClientIP()); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) podLogs(c *gin.Context) {
	t, ok := target(c)
	if !ok {
		return
	}
	tail := int64(100)
	if v := c.Query("tail"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			tail = n
		}
	}
	lines, err := h.Clusters.PodLogs(c.Request.Context(), t.ClusterID, t.Namespace, t.Name, c.Query("container"), tail)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"lines": lines})
}

func (h *Handler) resourceYAML(c *gin.Context) {
	t, ok := target(c)
	if !ok {
		return
	}
	out, err := h.Clusters.ResourceYAML(c.Request.Context(), t.ClusterID, t.Namespace, c.Param("kind"), t.Name)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"yaml": out})
}

// clusterName is used by the Kafka migration assistant.
func (h *Handler) clusterName(c *gin.Context, id uint) (string, error) {
	cl, err := h.Clusters.Get(c.Request.Context(), id)
	if err != nil {
		return "", err
	}
	return cl.Name, nil
}

func namespaceQuery(c *gin.Context) (uint, string, bool) {
	id, ok := uintParam(c, "clusterID")
	if !ok {
		return 0, "", false
	}
	ns := c.Query("namespace")
	if ns == "" {
		badRequest(c, "namespace is required")
		return 0, "", false
	}
	return id, ns, true
}

func (h *Handler) listPods(c *gin.Context) {
	id, ns, ok := namespaceQuery(c)
	if !ok {
		return
	}
	pods, err := h.Clusters.Pods(c.Request.Context(), id, ns)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, pods)
}

func (h *Handler) listEvents(c *gin.Context) {
	id, ns, ok := namespaceQuery(c)
	if !ok {
		return
	}
	events, err := h.Clusters.Events(c.Request.Context(), id, ns)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, events)
}

func (h *Handler) cordonNode(unschedulable bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := uintParam(c, "clusterID")
		if !ok {
			return
		}
		node := c.Param("name")
		ctx := c.Request.Context()
		var err error
		if unschedulable {
			err = h.Clusters.Cordon(ctx, principal(c).UserID, id, node, c.ClientIP())
		} else {
			err = h.Clusters.Uncordon(ctx, principal(c).UserID, id, node, c.ClientIP())
		}
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"node": node, "unschedulable": unschedulable})
	}
}

func (h *Handler) drainNode(c *gin.Context) {
	id, ok := uintParam(c, "clusterID")
	if !ok {
		return
	}
	res, err := h.Clusters.Drain(c.Request.Context(), principal(c).UserID, id, c.Param("name"), c.ClientIP())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
