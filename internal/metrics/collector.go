package metrics

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/taskmcp/taskmcp/internal/cache"
	"github.com/taskmcp/taskmcp/pkg/errors"
)

// Config represents metrics configuration
type Config struct {
	Enabled   bool              `yaml:"enabled"`
	Path      string            `yaml:"path"`
	Namespace string            `yaml:"namespace"`
	Labels    map[string]string `yaml:"labels"`

	// RuntimeMetrics adds the Go runtime and process collectors.
	RuntimeMetrics bool `yaml:"runtime_metrics"`
}

// DefaultConfig returns the default metrics configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:        true,
		Path:           "/metrics",
		Namespace:      "taskmcp",
		RuntimeMetrics: true,
	}
}

// Collector owns the private registry behind /metrics. Cache figures are
// read at scrape time; tool calls are pushed through ObserveTool.
type Collector struct {
	config   Config
	registry *prometheus.Registry

	toolCalls    *prometheus.CounterVec
	toolDuration *prometheus.HistogramVec

	mu     sync.Mutex
	caches []string
}

// NewCollector creates a collector. A disabled config yields a collector whose
// methods are no-ops.
func NewCollector(config Config) (*Collector, error) {
	if config.Namespace == "" {
		config.Namespace = "taskmcp"
	}
	if config.Path == "" {
		config.Path = "/metrics"
	}

	c := &Collector{config: config}
	if !config.Enabled {
		return c, nil
	}

	c.registry = prometheus.NewRegistry()
	c.initMetrics()

	if err := c.registerMetrics(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Collector) initMetrics() {
	c.toolCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   "tools",
			Name:        "calls_total",
			Help:        "Tool invocations by tool and result code",
			ConstLabels: c.config.Labels,
		},
		[]string{"tool", "code"},
	)

	c.toolDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   "tools",
			Name:        "call_duration_seconds",
			Help:        "Tool invocation latency",
			Buckets:     []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			ConstLabels: c.config.Labels,
		},
		[]string{"tool"},
	)
}

func (c *Collector) registerMetrics() error {
	cs := []prometheus.Collector{c.toolCalls, c.toolDuration}
	if c.config.RuntimeMetrics {
		cs = append(cs,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	for _, col := range cs {
		if err := c.registry.Register(col); err != nil {
			return errors.Wrap(err, errors.ErrCodeInvalidConfig, "failed to register metric").
				WithComponent("metrics")
		}
	}
	return nil
}

// RegisterCache exposes a cache's stats and hit/miss recorder under the
// given name, which becomes the "cache" label.
func (c *Collector) RegisterCache(name string, source *cache.Cache) error {
	if c.registry == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.caches {
		if existing == name {
			return errors.NewError(errors.ErrCodeInvalidConfig, "cache "+name+" already registered").
				WithComponent("metrics")
		}
	}

	if err := c.registry.Register(newCacheCollector(c.config.Namespace, name, c.config.Labels, source)); err != nil {
		return errors.Wrap(err, errors.ErrCodeInvalidConfig, "failed to register cache collector").
			WithComponent("metrics").
			WithDetail("cache", name)
	}
	c.caches = append(c.caches, name)
	return nil
}

// ObserveTool records one tool invocation.
func (c *Collector) ObserveTool(tool string, elapsed time.Duration, err error) {
	if c.registry == nil {
		return
	}

	c.toolCalls.WithLabelValues(tool, resultCode(err)).Inc()
	c.toolDuration.WithLabelValues(tool).Observe(elapsed.Seconds())
}

// Registry returns the private registry, nil when disabled.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Path is where the handler should be mounted.
func (c *Collector) Path() string {
	return c.config.Path
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

func resultCode(err error) string {
	if err == nil {
		return "ok"
	}
	return strings.ToLower(string(errors.CodeOf(err)))
}
