package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cuongbtq/campaign-worker/internal/api/handler"
	"github.com/cuongbtq/campaign-worker/shared/rabbitmq"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubBroker struct {
	state rabbitmq.State
}

func (b stubBroker) State() rabbitmq.State { return b.state }
func (b stubBroker) IsConnected() bool    { return b.state == rabbitmq.StateConnected }

type stubDatabase struct {
	err error
}

func (d stubDatabase) HealthCheck(context.Context) error { return d.err }

type stubDeadLetters struct {
	count int
}

func (s stubDeadLetters) CountDeadLetters(context.Context) (int, error) { return s.count, nil }

func newDeps(state rabbitmq.State) *handler.Dependencies {
	return &handler.Dependencies{
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		ServiceName: "campaign-worker",
		WorkerID:    "worker-1",
		Broker:      stubBroker{state: state},
		Gatherer:    prometheus.NewRegistry(),
	}
}

func get(t *testing.T, r http.Handler, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	r.ServeHTTP(w, req)

	var body map[string]any
	if w.Header().Get("Content-Type") == "application/json; charset=utf-8" {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	}
	return w, body
}

func TestHealth_BrokerState(t *testing.T) {
	tests := []struct {
		name       string
		state      rabbitmq.State
		wantStatus int
		wantBody   string
	}{
		{name: "connected", state: rabbitmq.StateConnected, wantStatus: http.StatusOK, wantBody: "healthy"},
		{name: "degraded", state: rabbitmq.StateDegraded, wantStatus: http.StatusServiceUnavailable, wantBody: "unhealthy"},
		{name: "reconnecting", state: rabbitmq.StateReconnecting, wantStatus: http.StatusServiceUnavailable, wantBody: "unhealthy"},
		{name: "disconnected", state: rabbitmq.StateDisconnected, wantStatus: http.StatusServiceUnavailable, wantBody: "unhealthy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := SetupRouter(newDeps(tt.state))

			w, body := get(t, r, "/health")

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.wantBody, body["status"])
			assert.Equal(t, string(tt.state), body["state"])
			assert.Equal(t, "worker-1", body["worker_id"])
			assert.NotContains(t, body, "database")
		})
	}
}

func TestHealth_DeadLetterDatabase(t *testing.T) {
	tests := []struct {
		name       string
		dbErr      error
		wantStatus int
		wantDB     string
	}{
		{name: "database healthy", wantStatus: http.StatusOK, wantDB: "healthy"},
		{name: "database down", dbErr: errors.New("connection refused"), wantStatus: http.StatusServiceUnavailable, wantDB: "unhealthy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := newDeps(rabbitmq.StateConnected)
			deps.Database = stubDatabase{err: tt.dbErr}
			deps.DeadLetters = stubDeadLetters{count: 2}
			r := SetupRouter(deps)

			w, body := get(t, r, "/health")

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.wantDB, body["database"])
			assert.Equal(t, float64(2), body["dead_letters"])
		})
	}
}

func TestLive(t *testing.T) {
	r := SetupRouter(newDeps(rabbitmq.StateDisconnected))

	w, body := get(t, r, "/live")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alive", body["status"])
}

func TestMetrics(t *testing.T) {
	deps := newDeps(rabbitmq.StateConnected)
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "campaign_worker_test_total",
		Help: "test counter",
	})
	reg.MustRegister(counter)
	counter.Add(3)
	deps.Gatherer = reg
	r := SetupRouter(deps)

	w, _ := get(t, r, "/metrics")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "campaign_worker_test_total 3")
}

func TestLoggerMiddleware_QuietPaths(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	r := gin.New()
	r.Use(LoggerMiddleware(logger, "/health"))
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/other", func(c *gin.Context) { c.Status(http.StatusOK) })

	get(t, r, "/health")
	assert.Empty(t, buf.String(), "successful health check should log at debug")

	get(t, r, "/other")
	assert.Contains(t, buf.String(), `"path":"/other"`)
	assert.Contains(t, buf.String(), `"status":200`)
}
