package k8s

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	policyv1 "k8s.io/api/policy/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
)

const mirrorPodAnnotation = "kubernetes.io/config.mirror"

// SetUnschedulable cordons (true) or uncordons (false) a node.
func SetUnschedulable(ctx context.Context, client kubernetes.Interface, node string, unschedulable bool) error {
	patch := fmt.Sprintf(`{"spec":{"unschedulable":%t}}`, unschedulable)
	_, err := client.CoreV1().Nodes().Patch(ctx, node, types.StrategicMergePatchType, []byte(patch), metav1.PatchOptions{})
	if err != nil {
		return fmt.Errorf("set node %s unschedulable=%t: %w", node, unschedulable, err)
	}
	return nil
}

type DrainPod struct {
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
	Reason    string `json:"reason,omitempty"`
}

type DrainResult struct {
	Node    string     `json:"node"`
	Evicted []DrainPod `json:"evicted"`
	Skipped []DrainPod `json:"skipped"`
	Failed  []DrainPod `json:"failed"`
}

// DrainNode cordons node and requests an eviction for every pod on it.
// DaemonSet, mirror and finished pods are skipped. Evictions blocked by a
// disruption budget are reported in Failed; the node stays cordoned.
func DrainNode(ctx context.Context, client kubernetes.Interface, node string) (*DrainResult, error) {
	if err := SetUnschedulable(ctx, client, node, true); err != nil {
		return nil, err
	}
	list, err := client.CoreV1().Pods(metav1.NamespaceAll).List(ctx, metav1.ListOptions{
		FieldSelector: fields.OneTermEqualSelector("spec.nodeName", node).String(),
	})
	if err != nil {
		return nil, fmt.Errorf("list pods on node %s: %w", node, err)
	}

	res := &DrainResult{Node: node, Evicted: []DrainPod{}, Skipped: []DrainPod{}, Failed: []DrainPod{}}
	for i := range list.Items {
		p := &list.Items[i]
		if p.Spec.NodeName != node {
			continue
		}
		dp := DrainPod{Namespace: p.Namespace, Name: p.Name}
		if reason := drainSkipReason(p); reason != "" {
			dp.Reason = reason
			res.Skipped = append(res.Skipped, dp)
			continue
		}
		err := client.PolicyV1().Evictions(p.Namespace).Evict(ctx, &policyv1.Eviction{
			ObjectMeta: metav1.ObjectMeta{Name: p.Name, Namespace: p.Namespace},
		})
		if err != nil {
			dp.Reason = err.Error()
			res.Failed = append(res.Failed, dp)
			continue
		}
		res.Evicted = append(res.Evicted, dp)
	}
	return res, nil
}

func drainSkipReason(p *corev1.Pod) string {
	if _, ok := p.Annotations[mirrorPodAnnotation]; ok {
		return "mirror pod"
	}
	if p.Status.Phase == corev1.PodSucceeded || p.Status.Phase == corev1.PodFailed {
		return "finished"
	}
	if ref := metav1.GetControllerOf(p); ref != nil && ref.Kind == "DaemonSet" {
		return "daemonset"
	}
	return ""
}
