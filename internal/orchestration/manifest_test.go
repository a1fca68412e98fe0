package orchestration

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/kdp-orchestrator/internal/apperr"
	"github.com/example/kdp-orchestrator/internal/models"
)

func TestManifestKafkaKRaft(t *testing.T) {
	intent := &models.ResourceIntent{
		ID:           7,
		ResourceType: models.ResourceKafka,
		Namespace:    "streaming",
		Spec:         models.JSON(map[string]any{"name": "events", "kafka_mode": ModeKRaft, "kafka_version": "4.0.0"}),
	}
	m, err := Manifest(intent)
	require.NoError(t, err)

	assert.Equal(t, "kafka.strimzi.io/v1beta2", m["apiVersion"])
	assert.Equal(t, "Kafka", m["kind"])
	meta := m["metadata"].(map[string]any)
	assert.Equal(t, "events", meta["name"])
	assert.Equal(t, "streaming", meta["namespace"])
	assert.Equal(t, "enabled", meta["annotations"].(map[string]any)["strimzi.io/kraft"])
	assert.Equal(t, "7", meta["labels"].(map[string]any)["kdp.io/intent-id"])

	spec := m["spec"].(map[string]any)
	assert.NotContains(t, spec, "zookeeper")
	assert.Equal(t, "4.0.0", spec["kafka"].(map[string]any)["version"])
}

func TestManifestKafkaLegacy(t *testing.T) {
	intent := &models.ResourceIntent{
		ResourceType: models.ResourceKafka,
		Namespace:    "legacy",
		Spec:         models.JSON(map[string]any{"kafka_mode": ModeLegacyZooKeeper, "kafka_version": "3.8.1"}),
	}
	m, err := Manifest(intent)
	require.NoError(t, err)

	meta := m["metadata"].(map[string]any)
	assert.Equal(t, "kafka-cluster", meta["name"])
	assert.NotContains(t, meta, "annotations")
	spec := m["spec"].(map[string]any)
	assert.Contains(t, spec, "zookeeper")
	assert.Equal(t, 3, spec["kafka"].(map[string]any)["replicas"])
}

func TestManifestSparkAndGeneric(t *testing.T) {
	spark := &models.ResourceIntent{
		ResourceType: models.ResourceSpark,
		Namespace:    "batch",
		Spec:         models.JSON(BuildSparkApplication("etl", "batch", map[string]any{"image": "spark:custom"})),
	}
	m, err := Manifest(spark)
	require.NoError(t, err)
	assert.Equal(t, "sparkoperator.k8s.io/v1beta2", m["apiVersion"])
	assert.Equal(t, "spark:custom", m["spec"].(map[string]any)["image"])

	ref, err := Ref(spark)
	require.NoError(t, err)
	assert.Equal(t, ObjectRef{APIVersion: "sparkoperator.k8s.io/v1beta2", Kind: "SparkApplication", Namespace: "batch", Name: "etl"}, ref)

	generic := &models.ResourceIntent{
		ResourceType: "configmap",
		Namespace:    "apps",
		Spec:         models.JSON(map[string]any{"apiVersion": "v1", "kind": "ConfigMap", "metadata": map[string]any{"name": "settings", "namespace": "other"}}),
	}
	m, err = Manifest(generic)
	require.NoError(t, err)
	assert.Equal(t, "apps", m["metadata"].(map[string]any)["namespace"])

	out, err := RenderYAML(m)
	require.NoError(t, err)
	assert.Contains(t, out, "kind: ConfigMap")
}

func TestManifestRejectsIncompleteSpecs(t *testing.T) {
	_, err := Manifest(&models.ResourceIntent{ResourceType: "configmap", Spec: models.JSON(map[string]any{"kind": "ConfigMap"})})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = Manifest(&models.ResourceIntent{ResourceType: "configmap", Spec: models.JSON(map[string]any{"apiVersion": "v1", "kind": "ConfigMap"})})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Len(t, truncate(string(make([]byte, 300)), maxLogsRef), maxLogsRef)
}
