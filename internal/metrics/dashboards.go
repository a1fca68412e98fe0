package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ErrUnknownDashboard is returned for a dashboard name with no panels.
var ErrUnknownDashboard = errors.New("unknown dashboard")

type Panel struct {
	Name  string
	Query string
}

var dashboards = map[string][]Panel{
	"cluster-overview": {
		{Name: "cpu", Query: `sum(rate(container_cpu_usage_seconds_total{container!=""}[5m]))`},
		{Name: "memory", Query: `sum(container_memory_working_set_bytes{container!=""})`},
		{Name: "restarts", Query: `sum(kube_pod_container_status_restarts_total)`},
	},
	"kafka-overview": {
		{Name: "underReplicatedPartitions", Query: `sum(kafka_server_replicamanager_underreplicatedpartitions)`},
		{Name: "requestLatencyP95", Query: `histogram_quantile(0.95, sum(rate(kafka_network_requestmetrics_totaltimems_bucket[5m])) by (le))`},
	},
}

// DashboardNames lists the predefined dashboards.
func DashboardNames() []string {
	out := make([]string, 0, len(dashboards))
	for name := range dashboards {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

type PanelResult struct {
	Query  string          `json:"query"`
	Value  float64         `json:"value"`
	Result json.RawMessage `json:"result"`
}

type Dashboard struct {
	Name   string                 `json:"name"`
	Panels map[string]PanelResult `json:"panels"`
}

// Dashboard runs every panel of name concurrently. The first failing panel
// fails the whole dashboard.
func (c *PrometheusClient) Dashboard(ctx context.Context, name string) (*Dashboard, error) {
	panels, ok := dashboards[name]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownDashboard, name)
	}
	out := &Dashboard{Name: name, Panels: make(map[string]PanelResult, len(panels))}
	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	for _, p := range panels {
		g.Go(func() error {
			value, payload, err := c.Query(ctx, p.Query)
			if err != nil {
				return fmt.Errorf("panel %s: %w", p.Name, err)
			}
			mu.Lock()
			out.Panels[p.Name] = PanelResult{Query: p.Query, Value: value, Result: payload}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
