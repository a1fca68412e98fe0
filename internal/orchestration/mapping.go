package orchestration

import (
	"github.com/example/kdp-orchestrator/internal/models"
	"github.com/example/kdp-orchestrator/internal/rbac"
)

var permissionByResourceType = map[string]string{
	models.ResourceSpark: rbac.PermSparkDeploy,
	models.ResourceKafka: rbac.PermKafkaDeploy,
}

var namespaceActionByResourceType = map[string]string{
	models.ResourceSpark: rbac.PermSparkDeploy,
	models.ResourceKafka: rbac.PermKafkaDeploy,
}

// RequiredPermission is the global permission needed to deploy resourceType.
func RequiredPermission(resourceType string) string {
	if p, ok := permissionByResourceType[resourceType]; ok {
		return p
	}
	return rbac.PermK8sWrite
}

// RequiredNamespaceAction is the namespace scope action checked for resourceType.
func RequiredNamespaceAction(resourceType string) string {
	if a, ok := namespaceActionByResourceType[resourceType]; ok {
		return a
	}
	return rbac.PermK8sWrite
}
