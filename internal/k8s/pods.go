package k8s

import (
	"context"
	"fmt"
	"sort"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

// PodSummary is one row of a pod listing.
type PodSummary struct {
	Name      string     `json:"name"`
	Namespace string     `json:"namespace"`
	Phase     string     `json:"phase"`
	Node      string     `json:"node"`
	Ready     string     `json:"ready"`
	Restarts  int32      `json:"restarts"`
	StartedAt *time.Time `json:"startedAt,omitempty"`
}

// Event is a namespace event, newest first in listings.
type Event struct {
	Type     string    `json:"type"`
	Reason   string    `json:"reason"`
	Message  string    `json:"message"`
	Object   string    `json:"object"`
	Count    int32     `json:"count"`
	LastSeen time.Time `json:"lastSeen"`
}

func ListPods(ctx context.Context, client kubernetes.Interface, ns string) ([]PodSummary, error) {
	list, err := client.CoreV1().Pods(ns).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list pods: %w", err)
	}
	out := make([]PodSummary, 0, len(list.Items))
	for i := range list.Items {
		out = append(out, summarizePod(&list.Items[i]))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func summarizePod(p *corev1.Pod) PodSummary {
	s := PodSummary{
		Name:      p.Name,
		Namespace: p.Namespace,
		Phase:     string(p.Status.Phase),
		Node:      p.Spec.NodeName,
	}
	ready := 0
	for _, cs := range p.Status.ContainerStatuses {
		if cs.Ready {
			ready++
		}
		s.Restarts += cs.RestartCount
	}
	s.Ready = fmt.Sprintf("%d/%d", ready, len(p.Spec.Containers))
	if p.Status.StartTime != nil {
		t := p.Status.StartTime.Time
		s.StartedAt = &t
	}
	return s
}

// ListEvents returns the events of ns ordered by last occurrence.
func ListEvents(ctx context.Context, client kubernetes.Interface, ns string) ([]Event, error) {
	list, err := client.CoreV1().Events(ns).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	out := make([]Event, 0, len(list.Items))
	for _, e := range list.Items {
		out = append(out, Event{
			Type:     e.Type,
			Reason:   e.Reason,
			Message:  e.Message,
			Object:   e.InvolvedObject.Kind + "/" + e.InvolvedObject.Name,
			Count:    e.Count,
			LastSeen: lastSeen(&e),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].LastSeen.After(out[j].LastSeen) })
	return out, nil
}

func lastSeen(e *corev1.Event) time.Time {
	switch {
	case !e.LastTimestamp.IsZero():
		return e.LastTimestamp.Time
	case !e.EventTime.IsZero():
		return e.EventTime.Time
	default:
		return e.CreationTimestamp.Time
	}
}
