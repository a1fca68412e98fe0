package k8s

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

func TestListPods(t *testing.T) {
	started := metav1.NewTime(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	client := fake.NewSimpleClientset(
		&corev1.Pod{
			ObjectMeta: metav1.ObjectMeta{Name: "broker-1", Namespace: "kafka"},
			Spec:       corev1.PodSpec{NodeName: "worker-2", Containers: []corev1.Container{{Name: "kafka"}, {Name: "exporter"}}},
			Status: corev1.PodStatus{
				Phase:     corev1.PodRunning,
				StartTime: &started,
				ContainerStatuses: []corev1.ContainerStatus{
					{Name: "kafka", Ready: true, RestartCount: 2},
					{Name: "exporter", Ready: false, RestartCount: 1},
				},
			},
		},
		&corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: "broker-0", Namespace: "kafka"}, Status: corev1.PodStatus{Phase: corev1.PodPending}},
		&corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: "driver", Namespace: "spark"}},
	)

	pods, err := ListPods(context.Background(), client, "kafka")
	require.NoError(t, err)
	require.Len(t, pods, 2)
	assert.Equal(t, "broker-0", pods[0].Name)
	assert.Equal(t, "Pending", pods[0].Phase)
	assert.Equal(t, "0/0", pods[0].Ready)
	assert.Nil(t, pods[0].StartedAt)

	assert.Equal(t, "worker-2", pods[1].Node)
	assert.Equal(t, "1/2", pods[1].Ready)
	assert.Equal(t, int32(3), pods[1].Restarts)
	require.NotNil(t, pods[1].StartedAt)
	assert.True(t, started.Time.Equal(*pods[1].StartedAt))
}

func TestListEventsNewestFirst(t *testing.T) {
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	client := fake.NewSimpleClientset(
		&corev1.Event{
			ObjectMeta:     metav1.ObjectMeta{Name: "e1", Namespace: "kafka"},
			InvolvedObject: corev1.ObjectReference{Kind: "Pod", Name: "broker-0"},
			Type:           corev1.EventTypeWarning,
			Reason:         "BackOff",
			Message:        "Back-off restarting failed container",
			Count:          4,
			LastTimestamp:  metav1.NewTime(base),
		},
		&corev1.Event{
			ObjectMeta:     metav1.ObjectMeta{Name: "e2", Namespace: "kafka"},
			InvolvedObject: corev1.ObjectReference{Kind: "Pod", Name: "broker-1"},
			Type:           corev1.EventTypeNormal,
			Reason:         "Scheduled",
			EventTime:      metav1.NewMicroTime(base.Add(time.Minute)),
		},
	)

	events, err := ListEvents(context.Background(), client, "kafka")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "Scheduled", events[0].Reason)
	assert.Equal(t, Event{
		Type:     "Warning",
		Reason:   "BackOff",
		Message:  "Back-off restarting failed container",
		Object:   "Pod/broker-0",
		Count:    4,
		LastSeen: base,
	}, events[1])
}
