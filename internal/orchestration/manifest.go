package orchestration

import (
	"encoding/json"
	"fmt"

	"sigs.k8s.io/yaml"

	"github.com/example/kdp-orchestrator/internal/apperr"
	"github.com/example/kdp-orchestrator/internal/models"
)

const (
	sparkAPIVersion = "sparkoperator.k8s.io/v1beta2"
	sparkKind       = "SparkApplication"
	kafkaAPIVersion = "kafka.strimzi.io/v1beta2"
	kafkaKind       = "Kafka"

	defaultSparkImage = "ghcr.io/spark:4.0.0"
	defaultSparkName  = "spark-app"
	defaultKafkaName  = "kafka-cluster"
)

// BuildSparkApplication renders a SparkApplication, filling unset fields with defaults.
func BuildSparkApplication(name, namespace string, spec map[string]any) map[string]any {
	return map[string]any{
		"apiVersion": sparkAPIVersion,
		"kind":       sparkKind,
		"metadata":   map[string]any{"name": name, "namespace": namespace},
		"spec": map[string]any{
			"type":                orDefault(spec, "type", "Scala"),
			"mode":                "cluster",
			"image":               orDefault(spec, "image", defaultSparkImage),
			"mainClass":           orDefault(spec, "mainClass", "org.example.Main"),
			"mainApplicationFile": orDefault(spec, "mainApplicationFile", "local:///opt/spark/app.jar"),
			"driver":              orDefault(spec, "driver", map[string]any{"cores": 1, "memory": "1g", "serviceAccount": "default"}),
			"executor":            orDefault(spec, "executor", map[string]any{"cores": 1, "instances": 2, "memory": "2g"}),
			"dynamicAllocation":   orDefault(spec, "dynamicAllocation", map[string]any{"enabled": true}),
		},
	}
}

// BuildKafka renders a Strimzi Kafka resource for the intent's mode.
func BuildKafka(name, namespace string, spec map[string]any) map[string]any {
	mode, _ := spec["kafka_mode"].(string)
	replicas := orDefault(spec, "replicas", 3)
	kafka := map[string]any{
		"version": orDefault(spec, "kafka_version", "4.0.0"),
		"listeners": []any{
			map[string]any{"name": "plain", "port": 9092, "type": "internal", "tls": false},
			map[string]any{"name": "tls", "port": 9093, "type": "internal", "tls": true},
		},
		"config": orDefault(spec, "config", map[string]any{
			"offsets.topic.replication.factor":         3,
			"transaction.state.log.replication.factor": 3,
			"transaction.state.log.min.isr":            2,
			"default.replication.factor":               3,
			"min.insync.replicas":                      2,
		}),
	}
	metadata := map[string]any{"name": name, "namespace": namespace}
	body := map[string]any{
		"kafka":          kafka,
		"entityOperator": map[string]any{"topicOperator": map[string]any{}, "userOperator": map[string]any{}},
	}

	if mode == ModeLegacyZooKeeper {
		kafka["replicas"] = replicas
		kafka["storage"] = orDefault(spec, "storage", map[string]any{"type": "ephemeral"})
		body["zookeeper"] = map[string]any{
			"replicas": orDefault(spec, "zookeeper_replicas", 3),
			"storage":  map[string]any{"type": "ephemeral"},
		}
	} else {
		metadata["annotations"] = map[string]any{
			"strimzi.io/kraft":      "enabled",
			"strimzi.io/node-pools": "enabled",
		}
		kafka["metadataVersion"] = orDefault(spec, "metadata_version", "4.0-IV3")
	}

	return map[string]any{
		"apiVersion": kafkaAPIVersion,
		"kind":       kafkaKind,
		"metadata":   metadata,
		"spec":       body,
	}
}

// Manifest returns the object applied for intent. Spark intents store the
// rendered SparkApplication; Kafka intents store inputs rendered here;
// other types store a complete manifest.
func Manifest(intent *models.ResourceIntent) (map[string]any, error) {
	spec := map[string]any{}
	if len(intent.Spec) > 0 {
		if err := json.Unmarshal(intent.Spec, &spec); err != nil {
			return nil, fmt.Errorf("decode intent spec: %v: %w", err, apperr.ErrValidation)
		}
	}

	var m map[string]any
	switch intent.ResourceType {
	case models.ResourceKafka:
		m = BuildKafka(ResourceName(intent.ResourceType, spec), intent.Namespace, spec)
	default:
		if _, ok := spec["apiVersion"].(string); !ok {
			return nil, fmt.Errorf("spec for %s has no apiVersion: %w", intent.ResourceType, apperr.ErrValidation)
		}
		if _, ok := spec["kind"].(string); !ok {
			return nil, fmt.Errorf("spec for %s has no kind: %w", intent.ResourceType, apperr.ErrValidation)
		}
		m = spec
	}

	meta, _ := m["metadata"].(map[string]any)
	if meta == nil {
		meta = map[string]any{}
		m["metadata"] = meta
	}
	if name, _ := meta["name"].(string); name == "" {
		return nil, fmt.Errorf("manifest has no metadata.name: %w", apperr.ErrValidation)
	}
	meta["namespace"] = intent.Namespace
	labels, _ := meta["labels"].(map[string]any)
	if labels == nil {
		labels = map[string]any{}
	}
	labels["app.kubernetes.io/managed-by"] = "kdp-orchestrator"
	labels["kdp.io/intent-id"] = fmt.Sprint(intent.ID)
	meta["labels"] = labels
	return m, nil
}

// ResourceName is the Kubernetes name for an intent spec.
func ResourceName(resourceType string, spec map[string]any) string {
	if meta, ok := spec["metadata"].(map[string]any); ok {
		if name, _ := meta["name"].(string); name != "" {
			return name
		}
	}
	if name, _ := spec["name"].(string); name != "" {
		return name
	}
	switch resourceType {
	case models.ResourceKafka:
		return defaultKafkaName
	case models.ResourceSpark:
		return defaultSparkName
	}
	return ""
}

// ObjectRef identifies the live object for an intent.
type ObjectRef struct {
	APIVersion string
	Kind       string
	Namespace  string
	Name       string
}

// Ref resolves the object an intent applies.
func Ref(intent *models.ResourceIntent) (ObjectRef, error) {
	m, err := Manifest(intent)
	if err != nil {
		return ObjectRef{}, err
	}
	meta := m["metadata"].(map[string]any)
	return ObjectRef{
		APIVersion: m["apiVersion"].(string),
		Kind:       m["kind"].(string),
		Namespace:  intent.Namespace,
		Name:       meta["name"].(string),
	}, nil
}

// RenderYAML renders a manifest for preview.
func RenderYAML(manifest map[string]any) (string, error) {
	out, err := yaml.Marshal(manifest)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func orDefault(spec map[string]any, key string, def any) any {
	if v, ok := spec[key]; ok && v != nil {
		return v
	}
	return def
}
