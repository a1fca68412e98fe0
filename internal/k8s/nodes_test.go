package k8s

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	policyv1 "k8s.io/api/policy/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"
)

func nodePod(ns, name, node string, mutate ...func(*corev1.Pod)) *corev1.Pod {
	p := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: ns},
		Spec:       corev1.PodSpec{NodeName: node},
		Status:     corev1.PodStatus{Phase: corev1.PodRunning},
	}
	for _, m := range mutate {
		m(p)
	}
	return p
}

func TestSetUnschedulable(t *testing.T) {
	ctx := context.Background()
	client := fake.NewSimpleClientset(&corev1.Node{ObjectMeta: metav1.ObjectMeta{Name: "worker-1"}})

	require.NoError(t, SetUnschedulable(ctx, client, "worker-1", true))
	n, err := client.CoreV1().Nodes().Get(ctx, "worker-1", metav1.GetOptions{})
	require.NoError(t, err)
	assert.True(t, n.Spec.Unschedulable)

	require.NoError(t, SetUnschedulable(ctx, client, "worker-1", false))
	n, err = client.CoreV1().Nodes().Get(ctx, "worker-1", metav1.GetOptions{})
	require.NoError(t, err)
	assert.False(t, n.Spec.Unschedulable)

	assert.Error(t, SetUnschedulable(ctx, client, "missing", true))
}

func TestDrainNode(t *testing.T) {
	ctx := context.Background()
	isController := true
	client := fake.NewSimpleClientset(
		&corev1.Node{ObjectMeta: metav1.ObjectMeta{Name: "worker-1"}},
		nodePod("spark", "driver", "worker-1"),
		nodePod("kafka", "broker-0", "worker-1"),
		nodePod("kube-system", "fluent-bit", "worker-1", func(p *corev1.Pod) {
			p.OwnerReferences = []metav1.OwnerReference{{Kind: "DaemonSet", Name: "fluent-bit", Controller: &isController}}
		}),
		nodePod("kube-system", "etcd-worker-1", "worker-1", func(p *corev1.Pod) {
			p.Annotations = map[string]string{mirrorPodAnnotation: "abc"}
		}),
		nodePod("spark", "job-done", "worker-1", func(p *corev1.Pod) { p.Status.Phase = corev1.PodSucceeded }),
		nodePod("spark", "elsewhere", "worker-2"),
	)

	var evicted []string
	client.PrependReactor("create", "pods", func(action k8stesting.Action) (bool, runtime.Object, error) {
		if action.GetSubresource() != "eviction" {
			return false, nil, nil
		}
		ev := action.(k8stesting.CreateAction).GetObject().(*policyv1.Eviction)
		if ev.Name == "broker-0" {
			return true, nil, apierrors.NewTooManyRequests("Cannot evict pod as it would violate the pod's disruption budget.", 10)
		}
		evicted = append(evicted, ev.Namespace+"/"+ev.Name)
		return true, nil, nil
	})

	res, err := DrainNode(ctx, client, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"spark/driver"}, evicted)
	assert.Equal(t, []DrainPod{{Namespace: "spark", Name: "driver"}}, res.Evicted)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "broker-0", res.Failed[0].Name)
	assert.Contains(t, res.Failed[0].Reason, "disruption budget")

	reasons := map[string]string{}
	for _, p := range res.Skipped {
		reasons[p.Name] = p.Reason
	}
	assert.Equal(t, map[string]string{
		"fluent-bit":    "daemonset",
		"etcd-worker-1": "mirror pod",
		"job-done":      "finished",
	}, reasons)

	n, err := client.CoreV1().Nodes().Get(ctx, "worker-1", metav1.GetOptions{})
	require.NoError(t, err)
	assert.True(t, n.Spec.Unschedulable)
}

func TestDrainMissingNode(t *testing.T) {
	_, err := DrainNode(context.Background(), fake.NewSimpleClientset(), "ghost")
	assert.Error(t, err)
}
