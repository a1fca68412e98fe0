package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrNotConfigured is returned when no Prometheus URL is set.
var ErrNotConfigured = errors.New("prometheus URL not configured")

// PrometheusClient queries the Prometheus HTTP API with a fixed per-request timeout.
type PrometheusClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewPrometheusClient(baseURL string, timeout time.Duration) *PrometheusClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &PrometheusClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// PrometheusResponse is the API envelope. Result stays raw because its
// shape depends on ResultType.
type PrometheusResponse struct {
	Status    string `json:"status"`
	ErrorType string `json:"errorType,omitempty"`
	Error     string `json:"error,omitempty"`
	Data      struct {
		ResultType string          `json:"resultType"`
		Result     json.RawMessage `json:"result"`
	} `json:"data"`
}

// Query runs an instant query and returns the first sample value (0 when
// the result is empty) together with the full response payload.
func (c *PrometheusClient) Query(ctx context.Context, expr string) (float64, json.RawMessage, error) {
	payload, err := c.Raw(ctx, "/api/v1/query", url.Values{"query": {expr}})
	if err != nil {
		return 0, nil, err
	}
	value, err := FirstValue(payload)
	if err != nil {
		return 0, payload, err
	}
	return value, payload, nil
}

// QueryRange proxies /api/v1/query_range.
func (c *PrometheusClient) QueryRange(ctx context.Context, expr, start, end, step string) (json.RawMessage, error) {
	return c.Raw(ctx, "/api/v1/query_range", url.Values{
		"query": {expr},
		"start": {start},
		"end":   {end},
		"step":  {step},
	})
}

// Raw performs a GET against path and returns the body of a successful response.
func (c *PrometheusClient) Raw(ctx context.Context, path string, params url.Values) (json.RawMessage, error) {
	if c.baseURL == "" {
		return nil, ErrNotConfigured
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("prometheus query failed: %s - %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var env PrometheusResponse
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode prometheus response: %w", err)
	}
	if env.Status != "success" {
		return nil, fmt.Errorf("prometheus query failed: %s %s", env.ErrorType, env.Error)
	}
	return body, nil
}

// FirstValue extracts the first scalar from a query payload. Vector results
// use result[0].value[1]; scalar results use result[1].
func FirstValue(payload []byte) (float64, error) {
	var env PrometheusResponse
	if err := json.Unmarshal(payload, &env); err != nil {
		return 0, fmt.Errorf("decode prometheus response: %w", err)
	}
	if len(env.Data.Result) == 0 || string(env.Data.Result) == "null" {
		return 0, nil
	}

	switch env.Data.ResultType {
	case "scalar", "string":
		var sample []any
		if err := json.Unmarshal(env.Data.Result, &sample); err != nil {
			return 0, fmt.Errorf("decode scalar result: %w", err)
		}
		return sampleValue(sample)
	default:
		var series []struct {
			Value []any `json:"value"`
		}
		if err := json.Unmarshal(env.Data.Result, &series); err != nil {
			return 0, fmt.Errorf("decode vector result: %w", err)
		}
		if len(series) == 0 {
			return 0, nil
		}
		return sampleValue(series[0].Value)
	}
}

func sampleValue(sample []any) (float64, error) {
	if len(sample) < 2 {
		return 0, fmt.Errorf("malformed sample %v", sample)
	}
	switch v := sample[1].(type) {
	case string:
		return strconv.ParseFloat(v, 64)
	case float64:
		return v, nil
	default:
		return 0, fmt.Errorf("unexpected sample value type %T", v)
	}
}
