package k8s

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	autoscalingv1 "k8s.io/api/autoscaling/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
	"sigs.k8s.io/yaml"
)

// podDeleteGrace is the grace period used by DeletePod.
const podDeleteGrace int64 = 20

// Workload is the summary returned for deployment listings.
type Workload struct {
	Name      string `json:"name"`
	Namespace string `json:"namespace"`
	Replicas  int32  `json:"replicas"`
	Ready     int32  `json:"ready"`
	Available int32  `json:"available"`
}

func ListNamespaces(ctx context.Context, client kubernetes.Interface) ([]string, error) {
	list, err := client.CoreV1().Namespaces().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list namespaces: %w", err)
	}
	out := make([]string, 0, len(list.Items))
	for _, ns := range list.Items {
		out = append(out, ns.Name)
	}
	return out, nil
}

func ListWorkloads(ctx context.Context, client kubernetes.Interface, ns string) ([]Workload, error) {
	list, err := client.AppsV1().Deployments(ns).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	out := make([]Workload, 0, len(list.Items))
	for _, d := range list.Items {
		var replicas int32
		if d.Spec.Replicas != nil {
			replicas = *d.Spec.Replicas
		}
		out = append(out, Workload{
			Name:      d.Name,
			Namespace: d.Namespace,
			Replicas:  replicas,
			Ready:     d.Status.ReadyReplicas,
			Available: d.Status.AvailableReplicas,
		})
	}
	return out, nil
}

// ScaleDeployment sets spec.replicas through the scale subresource.
func ScaleDeployment(ctx context.Context, client kubernetes.Interface, ns, name string, replicas int32) error {
	scale := &autoscalingv1.Scale{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: ns},
		Spec:       autoscalingv1.ScaleSpec{Replicas: replicas},
	}
	if _, err := client.AppsV1().Deployments(ns).UpdateScale(ctx, name, scale, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("scale deployment %s/%s: %w", ns, name, err)
	}
	return nil
}

// RolloutRestart bumps the restartedAt annotation on the pod template, like kubectl.
func RolloutRestart(ctx context.Context, client kubernetes.Interface, ns, name string) error {
	patch := fmt.Sprintf(
		`{"spec":{"template":{"metadata":{"annotations":{"kubectl.kubernetes.io/restartedAt":%q}}}}}`,
		time.Now().UTC().Format(time.RFC3339),
	)
	_, err := client.AppsV1().Deployments(ns).Patch(ctx, name, types.StrategicMergePatchType, []byte(patch), metav1.PatchOptions{})
	if err != nil {
		return fmt.Errorf("rollout restart %s/%s: %w", ns, name, err)
	}
	return nil
}

func DeletePod(ctx context.Context, client kubernetes.Interface, ns, name string) error {
	grace := podDeleteGrace
	if err := client.CoreV1().Pods(ns).Delete(ctx, name, metav1.DeleteOptions{GracePeriodSeconds: &grace}); err != nil {
		return fmt.Errorf("delete pod %s/%s: %w", ns, name, err)
	}
	return nil
}

// GetResourceYAML fetches a built-in object and renders it as YAML without managedFields.
func GetResourceYAML(ctx context.Context, client kubernetes.Interface, ns, kind, name string) (string, error) {
	var obj metav1.Object
	var err error

	switch kind {
	case "Pod":
		obj, err = client.CoreV1().Pods(ns).Get(ctx, name, metav1.GetOptions{})
	case "Service":
		obj, err = client.CoreV1().Services(ns).Get(ctx, name, metav1.GetOptions{})
	case "ConfigMap":
		obj, err = client.CoreV1().ConfigMaps(ns).Get(ctx, name, metav1.GetOptions{})
	case "Deployment":
		obj, err = client.AppsV1().Deployments(ns).Get(ctx, name, metav1.GetOptions{})
	case "StatefulSet":
		obj, err = client.AppsV1().StatefulSets(ns).Get(ctx, name, metav1.GetOptions{})
	default:
		return "", fmt.Errorf("unsupported kind for YAML view: %s", kind)
	}
	if err != nil {
		return "", err
	}
	obj.SetManagedFields(nil)

	y, err := yaml.Marshal(obj)
	if err != nil {
		return "", fmt.Errorf("marshal yaml: %w", err)
	}
	return string(y), nil
}

// GetPodLogs returns the last tailLines lines of a pod (and optional container).
func GetPodLogs(ctx context.Context, client kubernetes.Interface, ns, name, container string, tailLines int64) ([]string, error) {
	opts := &corev1.PodLogOptions{TailLines: &tailLines}
	if container != "" {
		opts.Container = container
	}

	stream, err := client.CoreV1().Pods(ns).GetLogs(name, opts).Stream(ctx)
	if err != nil {
		return nil, fmt.Errorf("open log stream: %w", err)
	}
	defer stream.Close()

	buf := new(bytes.Buffer)
	if _, err := io.Copy(buf, stream); err != nil {
		return nil, fmt.Errorf("read logs: %w", err)
	}
	raw := strings.TrimRight(buf.String(), "\n")
	if raw == "" {
		return []string{}, nil
	}
	return strings.Split(raw, "\n"), nil
}
