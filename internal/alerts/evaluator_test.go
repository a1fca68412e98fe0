package alerts_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/kdp-orchestrator/internal/alerts"
	"github.com/example/kdp-orchestrator/internal/db/dbtest"
	"github.com/example/kdp-orchestrator/internal/metrics"
	"github.com/example/kdp-orchestrator/internal/models"
	"github.com/example/kdp-orchestrator/internal/notify"
)

type stubQuerier map[string]float64

func (q stubQuerier) Query(_ context.Context, expr string) (float64, json.RawMessage, error) {
	v, ok := q[expr]
	if !ok {
		return 0, nil, errors.New("bad_data: parse error")
	}
	return v, json.RawMessage(`{"status":"success"}`), nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []notify.Alert
	chans  [][]string
}

func (n *recordingNotifier) Dispatch(_ context.Context, a notify.Alert, channels []string) map[string]error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, a)
	n.chans = append(n.chans, channels)
	return map[string]error{notify.ChannelWebhook: nil}
}

func rule(t *testing.T, svc *alerts.Service, name, query string, threshold float64, channels ...string) *models.AlertRule {
	t.Helper()
	r, err := svc.CreateRule(context.Background(), 0, alerts.RuleInput{
		Name: name, Query: query, Threshold: threshold, Severity: "critical", Channels: channels,
	}, "")
	require.NoError(t, err)
	return r
}

func TestTickFiresAndIsolatesFailures(t *testing.T) {
	conn := dbtest.New(t)
	svc := alerts.NewService(conn)
	hot := rule(t, svc, "consumer-lag", "lag", 10, "slack")
	rule(t, svc, "quiet", "cpu", 0.9)
	rule(t, svc, "broken", "not a query", 1)
	off := false
	_, err := svc.CreateRule(context.Background(), 0, alerts.RuleInput{Name: "disabled", Query: "lag", Threshold: 1, Enabled: &off}, "")
	require.NoError(t, err)

	n := &recordingNotifier{}
	ev := alerts.NewEvaluator(conn, stubQuerier{"lag": 12, "cpu": 0.2}, n)

	sum, err := ev.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, alerts.Summary{Evaluated: 3, Fired: 1, Failed: 1}, sum)

	var firings []models.AlertFiring
	require.NoError(t, conn.Find(&firings).Error)
	require.Len(t, firings, 1)
	assert.Equal(t, hot.ID, firings[0].RuleID)
	assert.Equal(t, 12.0, firings[0].Value)

	var incidents []models.Incident
	require.NoError(t, conn.Find(&incidents).Error)
	require.Len(t, incidents, 1)
	assert.Equal(t, models.IncidentOpen, incidents[0].State)
	assert.Equal(t, "critical", incidents[0].Severity)
	assert.Equal(t, firings[0].ID, incidents[0].FiringID)
	assert.JSONEq(t, string(firings[0].Evidence), string(incidents[0].Evidence))

	var evidence map[string]any
	require.NoError(t, json.Unmarshal(incidents[0].Evidence, &evidence))
	assert.Equal(t, "consumer-lag", evidence["rule"])
	assert.Equal(t, 10.0, evidence["threshold"])
	assert.Contains(t, evidence, "prometheus")
	assert.Contains(t, evidence, "captured_at")

	require.Len(t, n.alerts, 1)
	assert.Equal(t, []string{"slack"}, n.chans[0])

	// no dedup: a second tick fires again
	sum, err = ev.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Fired)
	var count int64
	conn.Model(&models.Incident{}).Count(&count)
	assert.EqualValues(t, 2, count)
}

func TestTickAgainstPrometheusAndWebhook(t *testing.T) {
	prom := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/query", r.URL.Path)
		_, _ = w.Write([]byte(`{"status":"success","data":{"resultType":"vector","result":[{"metric":{},"value":[1700000000,"5"]}]}}`))
	}))
	defer prom.Close()

	var mu sync.Mutex
	var delivered []map[string]any
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		delivered = append(delivered, body)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	conn := dbtest.New(t)
	rule(t, alerts.NewService(conn), "pods-pending", "sum(kube_pod_status_phase{phase=\"Pending\"})", 5)

	ev := alerts.NewEvaluator(conn,
		metrics.NewPrometheusClient(prom.URL, time.Second),
		notify.New(notify.Options{WebhookURL: hook.URL}),
	)
	sum, err := ev.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Fired)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, delivered, 1)
	assert.Equal(t, "pods-pending", delivered[0]["rule"])
	assert.Equal(t, 5.0, delivered[0]["value"])
}

func TestPeriodicJob(t *testing.T) {
	conn := dbtest.New(t)
	ev := alerts.NewEvaluator(conn, stubQuerier{}, &recordingNotifier{})
	job := ev.PeriodicJob(time.Minute)
	assert.Equal(t, alerts.JobEvaluate, job.Name)
	assert.Equal(t, time.Minute, job.Interval)
	assert.NoError(t, job.Run(context.Background()))
}
