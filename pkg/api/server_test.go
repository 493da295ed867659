package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/taskmcp/taskmcp/internal/cache"
	"github.com/taskmcp/taskmcp/internal/circuit"
	"github.com/taskmcp/taskmcp/internal/metrics"
	"github.com/taskmcp/taskmcp/internal/store"
	"github.com/taskmcp/taskmcp/internal/tools"
	"github.com/taskmcp/taskmcp/pkg/errors"
	"github.com/taskmcp/taskmcp/pkg/health"
	"github.com/taskmcp/taskmcp/pkg/memmon"
	"github.com/taskmcp/taskmcp/pkg/utils"
)

const testStoreComponent = "store"

type testEnv struct {
	server  *Server
	cache   *cache.Cache
	health  *health.Tracker
	metrics *metrics.Collector
}

func newTestEnv(t *testing.T, config ServerConfig) *testEnv {
	t.Helper()

	c := cache.New(cache.Config{
		DefaultTTL: time.Minute,
		MaxEntries: 100,
		Pressure:   cache.StaticPressure(0),
	}, utils.NopLogger())
	t.Cleanup(func() { _ = c.Close() })

	tracker := health.NewTracker(health.TrackerConfig{Logger: utils.NopLogger()})
	tracker.RegisterComponent(testStoreComponent)

	mc := metrics.DefaultConfig()
	mc.RuntimeMetrics = false
	collector, err := metrics.NewCollector(mc)
	if err != nil {
		t.Fatalf("NewCollector() error = %v", err)
	}
	if err := collector.RegisterCache("tools", c); err != nil {
		t.Fatalf("RegisterCache() error = %v", err)
	}

	registry := tools.NewRegistry(tools.Options{
		Health:    tracker,
		Observer:  collector,
		Logger:    utils.NopLogger(),
		WriteGate: testStoreComponent,
	})
	if err := tools.NewTaskTools(store.NewMemoryStore(), c, utils.NopLogger()).Register(registry); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	server := NewServer(config, Dependencies{
		Tools:   registry,
		Cache:   c,
		Health:  tracker,
		Metrics: collector,
		Breaker: circuit.New("store", circuit.Config{}),
		Logger:  utils.NopLogger(),
	})
	return &testEnv{server: server, cache: c, health: tracker, metrics: collector}
}

func testServerConfig() ServerConfig {
	config := DefaultServerConfig()
	config.RateLimitRPS = 0
	return config
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return out
}

func errorCode(t *testing.T, body map[string]interface{}) string {
	t.Helper()
	e, ok := body["error"].(map[string]interface{})
	if !ok {
		t.Fatalf("response has no error object: %v", body)
	}
	code, _ := e["code"].(string)
	return code
}

func TestNewServer(t *testing.T) {
	env := newTestEnv(t, DefaultServerConfig())

	if env.server.httpServer == nil {
		t.Error("HTTP server not initialized")
	}
	if env.server.limiter == nil {
		t.Error("default config should enable rate limiting")
	}
	if env.server.config.MaxBodyBytes != 1<<20 {
		t.Errorf("MaxBodyBytes = %d, want %d", env.server.config.MaxBodyBytes, 1<<20)
	}
}

func TestToolCall_CreateThenGet(t *testing.T) {
	env := newTestEnv(t, testServerConfig())

	w := env.do(t, http.MethodPost, "/tools/create_task", `{"title":"write docs","priority":"high"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("create status = %d, body = %s", w.Code, w.Body.String())
	}
	created := decodeBody(t, w)
	if created["tool"] != "create_task" {
		t.Errorf("tool = %v, want create_task", created["tool"])
	}
	task := created["result"].(map[string]interface{})
	id, _ := task["id"].(string)
	if id == "" {
		t.Fatal("created task has no id")
	}

	for i := 0; i < 2; i++ {
		w = env.do(t, http.MethodPost, "/tools/get_task", fmt.Sprintf(`{"id":%q}`, id))
		if w.Code != http.StatusOK {
			t.Fatalf("get status = %d, body = %s", w.Code, w.Body.String())
		}
		got := decodeBody(t, w)["result"].(map[string]interface{})
		if got["title"] != "write docs" {
			t.Errorf("title = %v, want %q", got["title"], "write docs")
		}
	}

	m := env.cache.Recorder().Operation("get_task")
	if m.Hits != 1 || m.Misses != 1 {
		t.Errorf("get_task hits/misses = %d/%d, want 1/1", m.Hits, m.Misses)
	}
}

func TestToolCall_ErrorMapping(t *testing.T) {
	env := newTestEnv(t, testServerConfig())

	tests := []struct {
		name       string
		path       string
		body       string
		wantStatus int
		wantCode   errors.ErrorCode
	}{
		{"unknown tool", "/tools/nope", "", http.StatusNotFound, errors.ErrCodeToolNotFound},
		{"missing task", "/tools/get_task", `{"id":"missing"}`, http.StatusNotFound, errors.ErrCodeTaskNotFound},
		{"missing argument", "/tools/get_task", `{}`, http.StatusBadRequest, errors.ErrCodeInvalidArguments},
		{"malformed json", "/tools/get_task", `{"id":`, http.StatusBadRequest, errors.ErrCodeInvalidArguments},
		{"unknown field", "/tools/list_tasks", `{"colour":"red"}`, http.StatusBadRequest, errors.ErrCodeInvalidArguments},
		{"validation", "/tools/create_task", `{"title":"  "}`, http.StatusBadRequest, errors.ErrCodeValidationFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, tt.path, tt.body)
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.wantStatus, w.Body.String())
			}
			if got := errorCode(t, decodeBody(t, w)); got != string(tt.wantCode) {
				t.Errorf("code = %s, want %s", got, tt.wantCode)
			}
		})
	}
}

func TestToolCall_BodyTooLarge(t *testing.T) {
	config := testServerConfig()
	config.MaxBodyBytes = 16
	env := newTestEnv(t, config)

	w := env.do(t, http.MethodPost, "/tools/create_task", `{"title":"`+strings.Repeat("x", 64)+`"}`)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusRequestEntityTooLarge)
	}
}

func TestToolCall_MethodNotAllowed(t *testing.T) {
	env := newTestEnv(t, testServerConfig())

	w := env.do(t, http.MethodGet, "/tools/get_task", "")
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", w.Code, http.StatusMethodNotAllowed)
	}
}

func TestListTools(t *testing.T) {
	env := newTestEnv(t, testServerConfig())

	w := env.do(t, http.MethodGet, "/tools", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["count"] != float64(12) {
		t.Errorf("count = %v, want 12", body["count"])
	}
}

func TestRateLimit(t *testing.T) {
	config := testServerConfig()
	config.RateLimitRPS = 0.001
	config.RateLimitBurst = 2
	env := newTestEnv(t, config)

	for i := 0; i < 2; i++ {
		if w := env.do(t, http.MethodGet, "/tools", ""); w.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i, w.Code)
		}
	}

	w := env.do(t, http.MethodPost, "/tools/list_tasks", "")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
	if got := errorCode(t, decodeBody(t, w)); got != string(errors.ErrCodeRateLimited) {
		t.Errorf("code = %s, want %s", got, errors.ErrCodeRateLimited)
	}

	// Probes are not limited.
	if w := env.do(t, http.MethodGet, "/health/live", ""); w.Code != http.StatusOK {
		t.Errorf("liveness status = %d, want 200", w.Code)
	}
}

func TestHandleHealth(t *testing.T) {
	env := newTestEnv(t, testServerConfig())

	w := env.do(t, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if got := decodeBody(t, w)["status"]; got != "healthy" {
		t.Errorf("Expected status=healthy, got %v", got)
	}
}

func TestHandleHealthDegraded(t *testing.T) {
	env := newTestEnv(t, testServerConfig())

	for i := 0; i < 3; i++ {
		env.health.RecordError(tools.HealthComponent, fmt.Errorf("test error"))
	}

	w := env.do(t, http.MethodGet, "/health", "")
	if w.Code != http.StatusPartialContent {
		t.Errorf("Expected status 206, got %d", w.Code)
	}
	if got := decodeBody(t, w)["status"]; got != "degraded" {
		t.Errorf("Expected status=degraded, got %v", got)
	}
}

func TestHandleReadinessUnavailable(t *testing.T) {
	env := newTestEnv(t, testServerConfig())

	for i := 0; i < 10; i++ {
		env.health.RecordError(tools.HealthComponent, fmt.Errorf("test error"))
	}

	w := env.do(t, http.MethodGet, "/health/ready", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", w.Code)
	}
	body := decodeBody(t, w)
	if got := body["ready"]; got != false {
		t.Errorf("Expected ready=false, got %v", got)
	}
	if got, _ := body["unavailable"].([]interface{}); len(got) != 1 || got[0] != tools.HealthComponent {
		t.Errorf("unavailable = %v, want [%s]", body["unavailable"], tools.HealthComponent)
	}
}

func TestHandleHealthComponents(t *testing.T) {
	env := newTestEnv(t, testServerConfig())

	w := env.do(t, http.MethodGet, "/health/components", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var components []health.ComponentHealth
	if err := json.NewDecoder(w.Body).Decode(&components); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(components) != 2 || components[0].Name != testStoreComponent || components[1].Name != tools.HealthComponent {
		t.Fatalf("components = %+v, want %s and %s", components, testStoreComponent, tools.HealthComponent)
	}
	for _, c := range components {
		if c.State != health.StateHealthy {
			t.Errorf("%s state = %v, want healthy", c.Name, c.State)
		}
	}
}

func TestHandleReadinessReadOnlyStore(t *testing.T) {
	env := newTestEnv(t, testServerConfig())

	for i := 0; i < 3; i++ {
		env.health.RecordError(testStoreComponent, errors.NewError(errors.ErrCodeStorageWrite, "bucket locked"))
	}

	w := env.do(t, http.MethodGet, "/health/ready", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["ready"] != true {
		t.Errorf("Expected ready=true, got %v", body["ready"])
	}
	readOnly, _ := body["read_only"].([]interface{})
	if len(readOnly) != 1 || readOnly[0] != testStoreComponent {
		t.Errorf("read_only = %v, want [%s]", body["read_only"], testStoreComponent)
	}

	w = env.do(t, http.MethodPost, "/tools/create_task", `{"title":"blocked"}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("create_task status = %d, want 503", w.Code)
	}
	if got := errorCode(t, decodeBody(t, w)); got != string(errors.ErrCodeServiceUnavailable) {
		t.Errorf("code = %s, want %s", got, errors.ErrCodeServiceUnavailable)
	}

	w = env.do(t, http.MethodPost, "/tools/list_tasks", "")
	if w.Code != http.StatusOK {
		t.Errorf("list_tasks status = %d, want 200", w.Code)
	}
}

func TestHandleStatus(t *testing.T) {
	env := newTestEnv(t, testServerConfig())

	env.do(t, http.MethodPost, "/tools/create_task", `{"title":"a"}`)
	env.do(t, http.MethodPost, "/tools/list_tasks", "")
	env.do(t, http.MethodPost, "/tools/list_tasks", "")

	w := env.do(t, http.MethodGet, "/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var resp StatusResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Service != "taskmcp" || resp.Version != "dev" {
		t.Errorf("service/version = %s/%s", resp.Service, resp.Version)
	}
	if resp.Cache == nil {
		t.Fatal("cache section missing")
	}
	if resp.Cache.Entries != "1" {
		t.Errorf("entries = %q, want %q", resp.Cache.Entries, "1")
	}
	if resp.Cache.MaxEntries != "100" {
		t.Errorf("max entries = %q, want %q", resp.Cache.MaxEntries, "100")
	}
	if resp.Cache.HitRatio != "50.00%" {
		t.Errorf("hit ratio = %q, want %q", resp.Cache.HitRatio, "50.00%")
	}
	if resp.Cache.Summary.TotalHits != 1 {
		t.Errorf("total hits = %d, want 1", resp.Cache.Summary.TotalHits)
	}
	if resp.Memory.HeapAlloc == "" || resp.Memory.Goroutines == 0 {
		t.Errorf("memory section not filled: %+v", resp.Memory)
	}
	if resp.Store == nil || resp.Store.State != circuit.StateClosed {
		t.Errorf("store breaker = %+v, want closed", resp.Store)
	}
}

func TestHandleInfo(t *testing.T) {
	env := newTestEnv(t, testServerConfig())

	w := env.do(t, http.MethodGet, "/info", "")
	body := decodeBody(t, w)
	endpoints, ok := body["endpoints"].([]interface{})
	if !ok {
		t.Fatal("endpoints missing")
	}
	found := false
	for _, e := range endpoints {
		if e == "GET /metrics" {
			found = true
		}
	}
	if !found {
		t.Errorf("endpoints %v do not list /metrics", endpoints)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, testServerConfig())

	env.do(t, http.MethodPost, "/tools/list_tasks", "")

	w := env.do(t, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := w.Body.String()
	for _, want := range []string{
		`taskmcp_tools_calls_total{code="ok",tool="list_tasks"} 1`,
		`taskmcp_cache_misses_total{cache="tools",operation="list_tasks"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}

func TestMetricsDisabled(t *testing.T) {
	config := testServerConfig()
	config.EnableMetrics = false
	env := newTestEnv(t, config)

	if w := env.do(t, http.MethodGet, "/metrics", ""); w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestCORSMiddleware(t *testing.T) {
	config := testServerConfig()
	config.EnableCORS = true
	env := newTestEnv(t, config)

	w := env.do(t, http.MethodOptions, "/tools/get_task", "")
	if w.Code != http.StatusOK {
		t.Errorf("preflight status = %d, want 200", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("CORS header not set")
	}
}

func TestTracingContinuesRemoteParent(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	env := newTestEnv(t, testServerConfig())
	server := NewServer(testServerConfig(), Dependencies{
		Tools:  env.server.deps.Tools,
		Tracer: tp.Tracer("test"),
		Logger: utils.NopLogger(),
	})

	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	req := httptest.NewRequest(http.MethodGet, "/tools", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
	server.Handler().ServeHTTP(httptest.NewRecorder(), req)

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("ended spans = %d, want 1", len(spans))
	}
	if got := spans[0].SpanContext().TraceID().String(); got != traceID {
		t.Errorf("trace id = %s, want %s", got, traceID)
	}
	if !spans[0].Parent().IsRemote() {
		t.Error("span parent should be the remote caller")
	}
}

func TestServerLifecycle(t *testing.T) {
	env := newTestEnv(t, testServerConfig())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- env.server.Serve(ln) }()

	url := "http://" + ln.Addr().String() + "/tools/create_task"
	resp, err := http.Post(url, "application/json", bytes.NewBufferString(`{"title":"over the wire"}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := env.server.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if err := <-done; err != nil {
		t.Errorf("Serve() returned %v after shutdown", err)
	}
}

func TestRecentAlerts(t *testing.T) {
	now := time.Now()
	var alerts []memmon.MemoryAlert
	for i := 0; i < 7; i++ {
		alerts = append(alerts, memmon.MemoryAlert{
			Timestamp: now.Add(time.Duration(i) * time.Second),
			AlertType: memmon.AlertTypeHeapGrowth,
			Message:   fmt.Sprintf("alert %d", i),
			GrowthPct: float64(i),
		})
	}

	got := recentAlerts(alerts, maxStatusAlerts)
	if len(got) != maxStatusAlerts {
		t.Fatalf("len = %d, want %d", len(got), maxStatusAlerts)
	}
	if got[0].Message != "alert 6" || got[len(got)-1].Message != "alert 2" {
		t.Errorf("alerts not newest first: %+v", got)
	}
	if got[0].Type != "heap_growth" {
		t.Errorf("type = %s", got[0].Type)
	}

	if recentAlerts(nil, maxStatusAlerts) != nil {
		t.Error("no alerts should render as nil")
	}
}
