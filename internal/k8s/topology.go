package k8s

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
	appsv1 "k8s.io/api/apps/v1"
	autoscalingv2 "k8s.io/api/autoscaling/v2"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/kubernetes"
)

const topologyTimeout = 20 * time.Second

// TopologyNode is one object in a namespace topology.
type TopologyNode struct {
	ID     string            `json:"id"`
	Kind   string            `json:"kind"`
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels,omitempty"`
}

// TopologyEdge links an owner, selector or scaler to its target.
type TopologyEdge struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Kind   string `json:"kind"`
}

type Topology struct {
	Namespace string         `json:"namespace"`
	Nodes     []TopologyNode `json:"nodes"`
	Edges     []TopologyEdge `json:"edges"`
}

const (
	EdgeOwns    = "owns"
	EdgeSelects = "selects"
	EdgeScales  = "scales"
)

func nodeID(kind, name string) string { return kind + "/" + name }

// NamespaceTopology lists the workload objects of ns and connects them by
// owner references, service selectors and HPA scale targets. Owners of
// kinds that are not listed, such as operator custom resources, are
// left out of the graph.
func NamespaceTopology(ctx context.Context, client kubernetes.Interface, ns string) (*Topology, error) {
	ctx, cancel := context.WithTimeout(ctx, topologyTimeout)
	defer cancel()

	var (
		deps *appsv1.DeploymentList
		sts  *appsv1.StatefulSetList
		rss  *appsv1.ReplicaSetList
		pods *corev1.PodList
		svcs *corev1.ServiceList
		hpas *autoscalingv2.HorizontalPodAutoscalerList
	)
	opts := metav1.ListOptions{}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		deps, err = client.AppsV1().Deployments(ns).List(gctx, opts)
		return
	})
	g.Go(func() (err error) {
		sts, err = client.AppsV1().StatefulSets(ns).List(gctx, opts)
		return
	})
	g.Go(func() (err error) {
		rss, err = client.AppsV1().ReplicaSets(ns).List(gctx, opts)
		return
	})
	g.Go(func() (err error) {
		pods, err = client.CoreV1().Pods(ns).List(gctx, opts)
		return
	})
	g.Go(func() (err error) {
		svcs, err = client.CoreV1().Services(ns).List(gctx, opts)
		return
	})
	g.Go(func() (err error) {
		hpas, err = client.AutoscalingV2().HorizontalPodAutoscalers(ns).List(gctx, opts)
		return
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("list namespace %s: %w", ns, err)
	}

	t := &Topology{Namespace: ns, Nodes: []TopologyNode{}, Edges: []TopologyEdge{}}
	known := map[string]bool{}
	add := func(kind string, meta metav1.Object) {
		id := nodeID(kind, meta.GetName())
		known[id] = true
		t.Nodes = append(t.Nodes, TopologyNode{ID: id, Kind: kind, Name: meta.GetName(), Labels: meta.GetLabels()})
	}
	for i := range deps.Items {
		add("Deployment", &deps.Items[i])
	}
	for i := range sts.Items {
		add("StatefulSet", &sts.Items[i])
	}
	for i := range rss.Items {
		add("ReplicaSet", &rss.Items[i])
	}
	for i := range pods.Items {
		add("Pod", &pods.Items[i])
	}
	for i := range svcs.Items {
		add("Service", &svcs.Items[i])
	}
	for i := range hpas.Items {
		add("HorizontalPodAutoscaler", &hpas.Items[i])
	}

	link := func(source, target, kind string) {
		if known[source] && known[target] {
			t.Edges = append(t.Edges, TopologyEdge{Source: source, Target: target, Kind: kind})
		}
	}
	owned := func(kind string, meta metav1.Object) {
		for _, ref := range meta.GetOwnerReferences() {
			link(nodeID(ref.Kind, ref.Name), nodeID(kind, meta.GetName()), EdgeOwns)
		}
	}
	for i := range rss.Items {
		owned("ReplicaSet", &rss.Items[i])
	}
	for i := range pods.Items {
		owned("Pod", &pods.Items[i])
	}

	for _, svc := range svcs.Items {
		if len(svc.Spec.Selector) == 0 {
			continue
		}
		sel := labels.SelectorFromSet(svc.Spec.Selector)
		for _, pod := range pods.Items {
			if sel.Matches(labels.Set(pod.Labels)) {
				link(nodeID("Service", svc.Name), nodeID("Pod", pod.Name), EdgeSelects)
			}
		}
	}
	for _, h := range hpas.Items {
		ref := h.Spec.ScaleTargetRef
		link(nodeID("HorizontalPodAutoscaler", h.Name), nodeID(ref.Kind, ref.Name), EdgeScales)
	}

	sort.Slice(t.Nodes, func(i, j int) bool { return t.Nodes[i].ID < t.Nodes[j].ID })
	return t, nil
}
