package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/example/kdp-orchestrator/internal/ai"
	"github.com/example/kdp-orchestrator/internal/alerts"
	"github.com/example/kdp-orchestrator/internal/auth"
	"github.com/example/kdp-orchestrator/internal/clusters"
	"github.com/example/kdp-orchestrator/internal/config"
	"github.com/example/kdp-orchestrator/internal/crypto"
	"github.com/example/kdp-orchestrator/internal/db/dbtest"
	"github.com/example/kdp-orchestrator/internal/metrics"
	"github.com/example/kdp-orchestrator/internal/models"
	"github.com/example/kdp-orchestrator/internal/notify"
	"github.com/example/kdp-orchestrator/internal/orchestration"
	"github.com/example/kdp-orchestrator/internal/queue"
	"github.com/example/kdp-orchestrator/internal/rbac"
)

type recordingDispatcher struct {
	mu    sync.Mutex
	tasks []queue.ApplyTask
}

func (d *recordingDispatcher) EnqueueApply(_ context.Context, _ *gorm.DB, task queue.ApplyTask) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tasks = append(d.tasks, task)
	return nil
}

type testServer struct {
	t          *testing.T
	db         *gorm.DB
	router     *gin.Engine
	dispatcher *recordingDispatcher
	cluster    models.Cluster
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	return newTestServerWith(t, nil)
}

// newTestServerWith lets a test replace dependencies before routes are
// registered.
func newTestServerWith(t *testing.T, override func(*Deps)) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		JWTSecret:       "test-secret",
		JWTExpMinutes:   15,
		JWTRefreshHours: 1,
		AESKey:          []byte("0123456789abcdef0123456789abcdef"),
		AuthMode:        "local",
		AllowedOrigins:  []string{"https://console.example.com"},
	}
	conn := dbtest.New(t)
	hash, err := auth.HashPassword("admin-pass")
	require.NoError(t, err)
	admin := rbac.NewAdmin(conn)
	require.NoError(t, admin.Seed(context.Background(), hash))

	cluster := models.Cluster{Name: "prod", Status: models.ClusterRegistered}
	require.NoError(t, conn.Create(&cluster).Error)

	dispatcher := &recordingDispatcher{}
	prom := metrics.NewPrometheusClient("", time.Second)
	sealer, err := crypto.NewSealer(cfg.AESKey)
	require.NoError(t, err)
	deps := Deps{
		Config:        cfg,
		DB:            conn,
		Auth:          auth.NewAuthenticator(conn, cfg),
		Resolver:      rbac.NewResolver(conn),
		Admin:         admin,
		Clusters:      clusters.NewService(conn, sealer),
		Orchestration: orchestration.NewService(conn, dispatcher),
		Alerts:        alerts.NewService(conn),
		Evaluator:     alerts.NewEvaluator(conn, prom, notify.New(notify.Options{})),
		Prometheus:    prom,
		AI:            ai.NewService(conn, nil),
	}
	if override != nil {
		override(&deps)
	}
	r := gin.New()
	RegisterRoutes(r, deps)
	return &testServer{t: t, db: conn, router: r, dispatcher: dispatcher, cluster: cluster}
}

func (s *testServer) do(method, path, token string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) login(username, password string) string {
	s.t.Helper()
	w := s.do(http.MethodPost, "/api/v1/auth/login", "", gin.H{"username": username, "password": password})
	require.Equal(s.t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		AccessToken string `json:"accessToken"`
	}
	require.NoError(s.t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(s.t, resp.AccessToken)
	return resp.AccessToken
}

// viewer creates a user holding only the viewer role and logs in.
func (s *testServer) viewer() string {
	s.t.Helper()
	hash, err := auth.HashPassword("viewer-pass")
	require.NoError(s.t, err)
	_, err = rbac.NewAdmin(s.db).CreateUser(context.Background(), 0, rbac.CreateUserInput{
		Username: "val", PasswordHash: hash, Roles: []string{"viewer"},
	}, "")
	require.NoError(s.t, err)
	return s.login("val", "viewer-pass")
}

func (s *testServer) createSparkIntent(token string) models.ResourceIntent {
	s.t.Helper()
	w := s.do(http.MethodPost, "/api/v1/services/spark/intents", token, gin.H{
		"clusterId": s.cluster.ID,
		"namespace": "analytics",
		"spec":      gin.H{"name": "nightly-etl", "image": "spark:3.5.1"},
	})
	require.Equal(s.t, http.StatusCreated, w.Code, w.Body.String())
	var intent models.ResourceIntent
	require.NoError(s.t, json.Unmarshal(w.Body.Bytes(), &intent))
	return intent
}

func TestHealthProbes(t *testing.T) {
	s := newTestServer(t)
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/healthz", "", nil).Code)
	w := s.do(http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ready")
}

func TestLoginAndMe(t *testing.T) {
	s := newTestServer(t)

	w := s.do(http.MethodPost, "/api/v1/auth/login", "", gin.H{"username": "admin", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	assert.Equal(t, http.StatusUnauthorized, s.do(http.MethodGet, "/api/v1/auth/me", "", nil).Code)

	token := s.login("admin", "admin-pass")
	w = s.do(http.MethodGet, "/api/v1/auth/me", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var me struct {
		Username    string   `json:"username"`
		Permissions []string `json:"permissions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &me))
	assert.Equal(t, "admin", me.Username)
	assert.Contains(t, me.Permissions, rbac.AdminAll)
}

func TestRefreshIssuesNewPair(t *testing.T) {
	s := newTestServer(t)
	w := s.do(http.MethodPost, "/api/v1/auth/login", "", gin.H{"username": "admin", "password": "admin-pass"})
	require.Equal(t, http.StatusOK, w.Code)
	var pair auth.TokenPair
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &pair))

	w = s.do(http.MethodPost, "/api/v1/auth/refresh", "", gin.H{"refreshToken": pair.RefreshToken})
	assert.Equal(t, http.StatusOK, w.Code)

	// an access token is not accepted as a refresh token
	w = s.do(http.MethodPost, "/api/v1/auth/refresh", "", gin.H{"refreshToken": pair.AccessToken})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestApplyQueuesThenConflicts(t *testing.T) {
	s := newTestServer(t)
	token := s.login("admin", "admin-pass")
	intent := s.createSparkIntent(token)
	path := "/api/v1/services/spark/intents/" + strconv.FormatUint(uint64(intent.ID), 10) + "/apply"

	w := s.do(http.MethodPost, path, token, nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var resp struct {
		Status string `json:"status"`
		RunID  uint   `json:"run_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, models.RunQueued, resp.Status)
	assert.NotZero(t, resp.RunID)
	require.Len(t, s.dispatcher.tasks, 1)
	assert.Equal(t, resp.RunID, s.dispatcher.tasks[0].RunID)

	w = s.do(http.MethodPost, path, token, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Len(t, s.dispatcher.tasks, 1)
}

func TestApplyWrongTypeOrMissingIsNotFound(t *testing.T) {
	s := newTestServer(t)
	token := s.login("admin", "admin-pass")
	intent := s.createSparkIntent(token)
	id := strconv.FormatUint(uint64(intent.ID), 10)

	assert.Equal(t, http.StatusNotFound, s.do(http.MethodPost, "/api/v1/services/kafka/intents/"+id+"/apply", token, nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodPost, "/api/v1/orchestration/intents/9999/apply", token, nil).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodPost, "/api/v1/orchestration/intents/abc/apply", token, nil).Code)
	assert.Empty(t, s.dispatcher.tasks)
}

func TestViewerCannotApplyAndDenialIsAudited(t *testing.T) {
	s := newTestServer(t)
	adminToken := s.login("admin", "admin-pass")
	intent := s.createSparkIntent(adminToken)
	viewerToken := s.viewer()

	w := s.do(http.MethodPost, "/api/v1/orchestration/intents/"+strconv.FormatUint(uint64(intent.ID), 10)+"/apply", viewerToken, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Empty(t, s.dispatcher.tasks)

	// viewers lack admin.audit.read
	assert.Equal(t, http.StatusForbidden, s.do(http.MethodGet, "/api/v1/audit/logs", viewerToken, nil).Code)

	w = s.do(http.MethodGet, "/api/v1/audit/logs?action="+orchestration.AuditApply, adminToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var logs []models.AuditLog
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &logs))
	require.Len(t, logs, 1)
	assert.Equal(t, "denied", logs[0].Outcome)
}

func TestViewerCanReadButNotCreate(t *testing.T) {
	s := newTestServer(t)
	token := s.viewer()

	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/api/v1/services/spark/intents", token, nil).Code)
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/api/v1/services/kafka/templates", token, nil).Code)

	w := s.do(http.MethodPost, "/api/v1/services/spark/intents", token, gin.H{
		"clusterId": s.cluster.ID,
		"namespace": "analytics",
	})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, http.StatusForbidden, s.do(http.MethodPost, "/api/v1/alerts/rules", token, gin.H{"name": "x", "promql": "up"}).Code)
}

func TestKafkaIntentValidation(t *testing.T) {
	s := newTestServer(t)
	token := s.login("admin", "admin-pass")

	w := s.do(http.MethodPost, "/api/v1/services/kafka/intents", token, gin.H{
		"clusterId":      s.cluster.ID,
		"namespace":      "streaming",
		"kafkaMode":      "kraft",
		"kafkaVersion":   "3.9.0",
		"strimziVersion": "0.46.0",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())

	w = s.do(http.MethodPost, "/api/v1/services/kafka/intents", token, gin.H{
		"clusterId":      s.cluster.ID,
		"namespace":      "streaming",
		"kafkaMode":      "legacy_zookeeper",
		"kafkaVersion":   "3.8.1",
		"strimziVersion": "0.45.0",
	})
	assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func TestRenderManifestReturnsYAML(t *testing.T) {
	s := newTestServer(t)
	token := s.login("admin", "admin-pass")
	intent := s.createSparkIntent(token)

	w := s.do(http.MethodGet, "/api/v1/orchestration/intents/"+strconv.FormatUint(uint64(intent.ID), 10)+"/manifest", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "kind: SparkApplication")
	assert.Contains(t, w.Body.String(), "spark:3.5.1")
}

func TestAlertRuleLifecycle(t *testing.T) {
	s := newTestServer(t)
	token := s.login("admin", "admin-pass")

	w := s.do(http.MethodPost, "/api/v1/alerts/rules", token, gin.H{"name": "high-lag", "promql": "kafka_lag", "threshold": 100})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var rule models.AlertRule
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rule))
	assert.True(t, rule.Enabled)

	w = s.do(http.MethodPatch, "/api/v1/alerts/rules/"+strconv.FormatUint(uint64(rule.ID), 10), token, gin.H{"enabled": false})
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rule))
	assert.False(t, rule.Enabled)

	// disabled rules are skipped, so an unconfigured Prometheus is never queried
	w = s.do(http.MethodPost, "/api/v1/alerts/evaluate", token, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var sum alerts.Summary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sum))
	assert.Zero(t, sum.Evaluated)
}

func TestPrometheusNotConfigured(t *testing.T) {
	s := newTestServer(t)
	token := s.login("admin", "admin-pass")
	w := s.do(http.MethodPost, "/api/v1/metrics/query", token, gin.H{"query": "up"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestWatchRunStreamsUntilTerminal(t *testing.T) {
	watchPollInterval = 10 * time.Millisecond
	t.Cleanup(func() { watchPollInterval = time.Second })

	s := newTestServer(t)
	token := s.login("admin", "admin-pass")
	intent := s.createSparkIntent(token)
	run := models.ResourceRun{IntentID: intent.ID, Action: orchestration.ActionApply, Result: models.RunQueued, StartedAt: time.Now()}
	require.NoError(t, s.db.Create(&run).Error)

	srv := httptest.NewServer(s.router)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") +
		"/api/v1/orchestration/runs/" + strconv.FormatUint(uint64(run.ID), 10) + "/watch?access_token=" + token

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var ev runEvent
	require.NoError(t, conn.ReadJSON(&ev))
	require.NotNil(t, ev.Run)
	assert.Equal(t, models.RunQueued, ev.Run.Result)

	require.NoError(t, s.db.Model(&run).Update("result", models.RunSuccess).Error)

	require.NoError(t, conn.ReadJSON(&ev))
	require.NotNil(t, ev.Run)
	assert.Equal(t, models.RunSuccess, ev.Run.Result)

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestLogoutRevokesSession(t *testing.T) {
	s := newTestServer(t)
	w := s.do(http.MethodPost, "/api/v1/auth/login", "", gin.H{"username": "admin", "password": "admin-pass"})
	require.Equal(t, http.StatusOK, w.Code)
	var pair auth.TokenPair
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &pair))

	assert.Equal(t, http.StatusUnauthorized, s.do(http.MethodPost, "/api/v1/auth/logout", "", nil).Code)

	w = s.do(http.MethodPost, "/api/v1/auth/logout", pair.AccessToken, gin.H{"refreshToken": pair.RefreshToken})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())

	assert.Equal(t, http.StatusUnauthorized, s.do(http.MethodGet, "/api/v1/auth/me", pair.AccessToken, nil).Code)
	w = s.do(http.MethodPost, "/api/v1/auth/refresh", "", gin.H{"refreshToken": pair.RefreshToken})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// a new login is unaffected
	token := s.login("admin", "admin-pass")
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/api/v1/auth/me", token, nil).Code)
	assert.Equal(t, http.StatusOK, s.do(http.MethodPost, "/api/v1/auth/logout", token, nil).Code)

	w = s.do(http.MethodGet, "/api/v1/audit/logs?action="+auth.AuditLogout, s.login("admin", "admin-pass"), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var logs []models.AuditLog
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &logs))
	assert.Len(t, logs, 2)
}

func TestWatchChecksOrigin(t *testing.T) {
	s := newTestServer(t)
	token := s.login("admin", "admin-pass")
	intent := s.createSparkIntent(token)
	run := models.ResourceRun{IntentID: intent.ID, Action: orchestration.ActionApply, Result: models.RunSuccess, StartedAt: time.Now()}
	require.NoError(t, s.db.Create(&run).Error)

	srv := httptest.NewServer(s.router)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") +
		"/api/v1/orchestration/runs/" + strconv.FormatUint(uint64(run.ID), 10) + "/watch?access_token=" + token

	dial := func(origin string) (*http.Response, error) {
		header := http.Header{}
		if origin != "" {
			header.Set("Origin", origin)
		}
		conn, resp, err := websocket.DefaultDialer.Dial(url, header)
		if conn != nil {
			conn.Close()
		}
		return resp, err
	}

	resp, err := dial("https://evil.example.com")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	_, err = dial("https://console.example.com")
	assert.NoError(t, err)
	_, err = dial(srv.URL)
	assert.NoError(t, err)
	_, err = dial("")
	assert.NoError(t, err)
}
