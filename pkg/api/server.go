// Package api serves tool calls and monitoring endpoints over HTTP
package api

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/time/rate"

	"github.com/taskmcp/taskmcp/internal/cache"
	"github.com/taskmcp/taskmcp/internal/circuit"
	"github.com/taskmcp/taskmcp/internal/metrics"
	"github.com/taskmcp/taskmcp/internal/tools"
	"github.com/taskmcp/taskmcp/internal/tracing"
	"github.com/taskmcp/taskmcp/pkg/errors"
	"github.com/taskmcp/taskmcp/pkg/health"
	"github.com/taskmcp/taskmcp/pkg/memmon"
	"github.com/taskmcp/taskmcp/pkg/utils"
)

// Server exposes the tool registry and monitoring endpoints
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	config     ServerConfig
	deps       Dependencies
	limiter    *rate.Limiter
	tracer     trace.Tracer
	logger     *utils.StructuredLogger
	started    time.Time
}

// ServerConfig configures the API server
type ServerConfig struct {
	// Address to bind the server to (e.g., "localhost:8080")
	Address string `yaml:"address" json:"address"`

	// ReadTimeout is the maximum duration for reading the entire request
	ReadTimeout time.Duration `yaml:"read_timeout" json:"read_timeout"`

	// WriteTimeout is the maximum duration for writing the response
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`

	// IdleTimeout is the maximum duration to wait for the next request
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout"`

	// EnableCORS enables Cross-Origin Resource Sharing
	EnableCORS bool `yaml:"enable_cors" json:"enable_cors"`

	// EnableMetrics mounts the Prometheus handler
	EnableMetrics bool `yaml:"enable_metrics" json:"enable_metrics"`

	// RateLimitRPS and RateLimitBurst shape the token bucket in front of tool
	// routes. Zero RPS disables limiting.
	RateLimitRPS   float64 `yaml:"rate_limit_rps" json:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst" json:"rate_limit_burst"`

	// MaxBodyBytes caps tool argument payloads
	MaxBodyBytes int64 `yaml:"max_body_bytes" json:"max_body_bytes"`

	Version string `yaml:"-" json:"version"`
}

// Dependencies are the components the server reports on. Tools is required.
type Dependencies struct {
	Tools   *tools.Registry
	Cache   *cache.Cache
	Health  *health.Tracker
	Memory  *memmon.MemoryMonitor
	Metrics *metrics.Collector
	Breaker *circuit.Breaker
	Tracer  trace.Tracer
	Logger  *utils.StructuredLogger
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:        "localhost:8080",
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    60 * time.Second,
		EnableMetrics:  true,
		RateLimitRPS:   50,
		RateLimitBurst: 100,
		MaxBodyBytes:   1 << 20,
		Version:        "dev",
	}
}

// NewServer creates a new API server
func NewServer(config ServerConfig, deps Dependencies) *Server {
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = DefaultServerConfig().MaxBodyBytes
	}

	s := &Server{
		config:  config,
		deps:    deps,
		tracer:  deps.Tracer,
		logger:  utils.OrDefault(deps.Logger).WithComponent("api"),
		started: time.Now(),
	}
	if s.tracer == nil {
		s.tracer = noop.NewTracerProvider().Tracer(tracing.InstrumentationName)
	}
	if config.RateLimitRPS > 0 {
		burst := config.RateLimitBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(config.RateLimitRPS), burst)
	}

	mux := http.NewServeMux()

	// Tool endpoints
	mux.Handle("GET /tools", s.rateLimitMiddleware(http.HandlerFunc(s.handleListTools)))
	mux.Handle("POST /tools/{name}", s.rateLimitMiddleware(http.HandlerFunc(s.handleToolCall)))

	// Health endpoints
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/components", s.handleHealthComponents)
	mux.HandleFunc("GET /health/live", s.handleLiveness)
	mux.HandleFunc("GET /health/ready", s.handleReadiness)

	// Status endpoints
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /info", s.handleInfo)

	if s.metricsEnabled() {
		mux.Handle("GET "+deps.Metrics.Path(), deps.Metrics.Handler())
	}

	// Apply middleware
	handler := s.loggingMiddleware(mux)
	handler = s.tracingMiddleware(handler)
	if config.EnableCORS {
		handler = s.corsMiddleware(handler)
	}
	s.handler = handler

	s.httpServer = &http.Server{
		Addr:         config.Address,
		Handler:      handler,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}

	return s
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeConnectionFailed, "failed to listen").
			WithComponent("api").
			WithDetail("address", s.config.Address)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("API server listening", map[string]interface{}{
		"address": ln.Addr().String(),
	})
	if err := s.httpServer.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// StartBackground starts the server in a goroutine. The returned channel
// yields the serve error, or nil after a clean shutdown, then closes.
func (s *Server) StartBackground() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := s.Start(); err != nil {
			s.logger.Error("API server error", map[string]interface{}{"error": err})
			errCh <- err
		}
	}()
	return errCh
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) metricsEnabled() bool {
	return s.config.EnableMetrics && s.deps.Metrics != nil && s.deps.Metrics.Registry() != nil
}

// Tool endpoint handlers

type toolResponse struct {
	Tool   string `json:"tool"`
	Result any    `json:"result"`
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	list := s.deps.Tools.List()
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"tools": list,
		"count": len(list),
	})
}

func (s *Server) handleToolCall(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			te := errors.Wrap(err, errors.ErrCodeInvalidArguments, "request body too large").
				WithComponent("api").
				WithDetail("limit", humanize.IBytes(uint64(tooLarge.Limit)))
			te.HTTPStatus = http.StatusRequestEntityTooLarge
			s.respondTaskError(w, te)
			return
		}
		s.respondTaskError(w, errors.Wrap(err, errors.ErrCodeInvalidArguments, "failed to read request body").
			WithComponent("api"))
		return
	}

	var args json.RawMessage
	if trimmed := bytes.TrimSpace(body); len(trimmed) > 0 {
		args = trimmed
	}

	result, err := s.deps.Tools.Invoke(r.Context(), name, args)
	if err != nil {
		s.respondTaskError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, toolResponse{Tool: name, Result: result})
}

// Health endpoint handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health == nil {
		s.respondJSON(w, http.StatusOK, map[string]interface{}{
			"status": "healthy",
			"note":   "Health tracking not configured",
		})
		return
	}

	overallHealth := s.deps.Health.GetOverallHealth()
	components := s.deps.Health.GetAllComponents()

	response := map[string]interface{}{
		"status":     overallHealth.String(),
		"timestamp":  time.Now(),
		"components": len(components),
	}

	statusCode := http.StatusOK
	switch overallHealth {
	case health.StateUnavailable:
		statusCode = http.StatusServiceUnavailable
	case health.StateDegraded, health.StateReadOnly:
		statusCode = http.StatusPartialContent
	}

	s.respondJSON(w, statusCode, response)
}

func (s *Server) handleHealthComponents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health == nil {
		s.respondError(w, http.StatusServiceUnavailable, "Health tracking not configured")
		return
	}

	s.respondJSON(w, http.StatusOK, s.deps.Health.GetAllComponents())
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"alive":     true,
		"timestamp": time.Now(),
	})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health == nil {
		s.respondJSON(w, http.StatusOK, map[string]interface{}{
			"ready":     true,
			"timestamp": time.Now(),
			"note":      "Health tracking not configured",
		})
		return
	}

	overallHealth := s.deps.Health.GetOverallHealth()
	unavailable := []string{}
	readOnly := []string{}
	for _, c := range s.deps.Health.GetAllComponents() {
		switch {
		case !s.deps.Health.CanRead(c.Name):
			unavailable = append(unavailable, c.Name)
		case !s.deps.Health.CanWrite(c.Name):
			readOnly = append(readOnly, c.Name)
		}
	}
	ready := len(unavailable) == 0

	statusCode := http.StatusOK
	if !ready {
		statusCode = http.StatusServiceUnavailable
	}

	s.respondJSON(w, statusCode, map[string]interface{}{
		"ready":       ready,
		"status":      overallHealth.String(),
		"unavailable": unavailable,
		"read_only":   readOnly,
		"timestamp":   time.Now(),
	})
}

// Status endpoint handlers

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Service   string         `json:"service"`
	Version   string         `json:"version"`
	Uptime    string         `json:"uptime"`
	StartedAt time.Time      `json:"started_at"`
	Health    string         `json:"health,omitempty"`
	Cache     *CacheStatus   `json:"cache,omitempty"`
	Memory    MemoryStatus   `json:"memory"`
	Store     *BreakerStatus `json:"store,omitempty"`
}

// CacheStatus summarizes the cache with human-readable sizes.
type CacheStatus struct {
	Entries     string        `json:"entries"`
	MaxEntries  string        `json:"max_entries"`
	MemoryUsage string        `json:"memory_usage"`
	MemoryLimit string        `json:"memory_limit"`
	HitRatio    string        `json:"hit_ratio"`
	OldestEntry string        `json:"oldest_entry,omitempty"`
	Stats       cache.Stats   `json:"stats"`
	Summary     cache.Summary `json:"summary"`
}

// MemoryStatus reports the latest runtime memory sample.
type MemoryStatus struct {
	HeapAlloc  string  `json:"heap_alloc"`
	HeapInuse  string  `json:"heap_inuse"`
	HeapSys    string  `json:"heap_sys"`
	Sys        string  `json:"sys"`
	NumGC      uint32  `json:"num_gc"`
	Goroutines int     `json:"goroutines"`
	GrowthPct  float64 `json:"growth_since_baseline_pct"`
	AlertCount int     `json:"alert_count"`
	SampledAt  string  `json:"sampled"`

	RecentAlerts []AlertStatus `json:"recent_alerts,omitempty"`
}

// AlertStatus is one memory alert as shown by GET /status.
type AlertStatus struct {
	Type      string  `json:"type"`
	Message   string  `json:"message"`
	GrowthPct float64 `json:"growth_pct"`
	Raised    string  `json:"raised"`
}

// maxStatusAlerts bounds the alerts listed by GET /status.
const maxStatusAlerts = 5

// BreakerStatus reports the circuit breaker guarding the store.
type BreakerStatus struct {
	Breaker string         `json:"breaker"`
	State   circuit.State  `json:"state"`
	Counts  circuit.Counts `json:"counts"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	resp := StatusResponse{
		Service:   "taskmcp",
		Version:   s.config.Version,
		Uptime:    now.Sub(s.started).Round(time.Second).String(),
		StartedAt: s.started,
		Memory:    s.memoryStatus(),
	}

	if s.deps.Health != nil {
		resp.Health = s.deps.Health.GetOverallHealth().String()
	}

	if c := s.deps.Cache; c != nil {
		stats := c.Stats()
		summary := c.Recorder().Summary()
		cfg := c.Config()
		cs := &CacheStatus{
			Entries:     humanize.Comma(int64(stats.TotalEntries)),
			MaxEntries:  humanize.Comma(int64(cfg.MaxEntries)),
			MemoryUsage: humanize.IBytes(mbToBytes(stats.MemoryUsageMB)),
			MemoryLimit: humanize.IBytes(mbToBytes(cfg.MaxMemoryMB)),
			HitRatio:    humanize.FormatFloat("#,###.##", summary.HitRatio*100) + "%",
			Stats:       stats,
			Summary:     summary,
		}
		if stats.TotalEntries > 0 {
			cs.OldestEntry = humanize.RelTime(now.Add(-stats.OldestEntryAge), now, "ago", "from now")
		}
		resp.Cache = cs
	}

	if b := s.deps.Breaker; b != nil {
		resp.Store = &BreakerStatus{Breaker: b.Name(), State: b.State(), Counts: b.Counts()}
	}

	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) memoryStatus() MemoryStatus {
	var (
		sample memmon.MemorySample
		growth float64
		alerts int
		recent []AlertStatus
	)
	if s.deps.Memory != nil {
		stats := s.deps.Memory.GetStats()
		sample, growth, alerts = stats.CurrentSample, stats.GrowthSinceBaseline, stats.AlertCount
		recent = recentAlerts(s.deps.Memory.GetAlerts(), maxStatusAlerts)
	}
	if sample.Timestamp.IsZero() {
		sample = memmon.ReadSample()
	}

	return MemoryStatus{
		HeapAlloc:  humanize.IBytes(sample.HeapAlloc),
		HeapInuse:  humanize.IBytes(sample.HeapInuse),
		HeapSys:    humanize.IBytes(sample.HeapSys),
		Sys:        humanize.IBytes(sample.Sys),
		NumGC:      sample.NumGC,
		Goroutines: sample.NumGoroutine,
		GrowthPct:  growth,
		AlertCount: alerts,
		SampledAt:  humanize.Time(sample.Timestamp),

		RecentAlerts: recent,
	}
}

// recentAlerts returns up to limit alerts, newest first.
func recentAlerts(alerts []memmon.MemoryAlert, limit int) []AlertStatus {
	if len(alerts) == 0 {
		return nil
	}
	out := make([]AlertStatus, 0, min(len(alerts), limit))
	for i := len(alerts) - 1; i >= 0 && len(out) < limit; i-- {
		a := alerts[i]
		out = append(out, AlertStatus{
			Type:      a.AlertType.String(),
			Message:   a.Message,
			GrowthPct: a.GrowthPct,
			Raised:    humanize.Time(a.Timestamp),
		})
	}
	return out
}

func mbToBytes(mb float64) uint64 {
	if mb <= 0 {
		return 0
	}
	return uint64(mb * 1024 * 1024)
}

// Info endpoint

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	endpoints := []string{
		"GET /tools",
		"POST /tools/{name}",
		"GET /health",
		"GET /health/components",
		"GET /health/live",
		"GET /health/ready",
		"GET /status",
		"GET /info",
	}
	if s.metricsEnabled() {
		endpoints = append(endpoints, "GET "+s.deps.Metrics.Path())
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"service":   "taskmcp",
		"version":   s.config.Version,
		"timestamp": time.Now(),
		"endpoints": endpoints,
	})
}

// Middleware

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("API request", map[string]interface{}{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": time.Since(start).String(),
		})
	})
}

// tracingMiddleware continues any W3C trace context carried by the request
// and wraps the request in a server span.
func (s *Server) tracingMiddleware(next http.Handler) http.Handler {
	propagator := tracing.Propagator()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := s.tracer.Start(ctx, r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.request.method", r.Method),
				attribute.String("url.path", r.URL.Path),
			))
		defer span.End()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))
		span.SetAttributes(attribute.Int("http.response.status_code", rec.status))
	})
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			s.respondTaskError(w, errors.NewError(errors.ErrCodeRateLimited, "rate limit exceeded").
				WithComponent("api"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, traceparent, tracestate")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Helper methods

// ErrorBody is the JSON shape of a failed request.
type ErrorBody struct {
	Code      errors.ErrorCode       `json:"code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
	Timestamp time.Time              `json:"timestamp"`
}

func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("Error encoding JSON response", map[string]interface{}{"error": err})
	}
}

func (s *Server) respondError(w http.ResponseWriter, statusCode int, message string) {
	s.respondJSON(w, statusCode, map[string]interface{}{
		"error":     message,
		"timestamp": time.Now(),
	})
}

// respondTaskError maps err to its HTTP status. Messages of errors that are
// not user facing are replaced with a generic one.
func (s *Server) respondTaskError(w http.ResponseWriter, err error) {
	body := ErrorBody{
		Code:      errors.CodeOf(err),
		Message:   "An internal error occurred. Please retry or check the server logs.",
		Timestamp: time.Now(),
	}

	var te *errors.TaskError
	if stderrors.As(err, &te) {
		body.Message = te.UserFacingMessage()
		body.Retryable = te.Retryable
		if te.UserFacing {
			body.Details = te.Details
		}
	}

	status := errors.HTTPStatusOf(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", map[string]interface{}{
			"code":  string(body.Code),
			"error": err,
		})
	}
	s.respondJSON(w, status, map[string]interface{}{"error": body})
}
