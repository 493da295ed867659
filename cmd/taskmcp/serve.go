package main

import (
	"context"
	stderrors "errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/taskmcp/taskmcp/internal/cache"
	"github.com/taskmcp/taskmcp/internal/circuit"
	"github.com/taskmcp/taskmcp/internal/config"
	"github.com/taskmcp/taskmcp/internal/metrics"
	"github.com/taskmcp/taskmcp/internal/store"
	"github.com/taskmcp/taskmcp/internal/tools"
	"github.com/taskmcp/taskmcp/internal/tracing"
	"github.com/taskmcp/taskmcp/pkg/api"
	"github.com/taskmcp/taskmcp/pkg/health"
	"github.com/taskmcp/taskmcp/pkg/memmon"
	"github.com/taskmcp/taskmcp/pkg/utils"
)

// storeComponent is the health component the periodic store ping reports to.
const storeComponent = "store"

func newServeCmd() *cobra.Command {
	var address string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the task tools over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if address != "" {
				cfg.Server.Address = address
			}
			logger, err := cfg.Logger()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			runErr := a.run(ctx)

			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			return stderrors.Join(runErr, a.close(shutdownCtx))
		},
	}
	cmd.Flags().StringVar(&address, "address", "", "override the listen address")
	return cmd
}

// app holds every component of a running server.
type app struct {
	config  *config.Configuration
	logger  *utils.StructuredLogger
	monitor *memmon.MemoryMonitor
	cache   *cache.Cache
	store   store.Store
	health  *health.Tracker
	tracing *tracing.Provider
	metrics *metrics.Collector
	tools   *tools.Registry
	server  *api.Server
}

func newApp(ctx context.Context, cfg *config.Configuration, logger *utils.StructuredLogger) (*app, error) {
	a := &app{config: cfg, logger: logger}

	a.monitor = memmon.NewMemoryMonitor(memmon.MonitorConfig{
		SampleInterval: cfg.Cache.MonitorInterval,
		Logger:         logger,
	})

	cacheConfig := cfg.CacheOptions()
	cacheConfig.Pressure = cache.MonitorPressure(a.monitor)
	a.cache = cache.New(cacheConfig, logger)

	s, err := cfg.OpenStore(ctx, logger)
	if err != nil {
		_ = a.cache.Close()
		return nil, err
	}
	a.store = s

	a.health = health.NewTracker(health.TrackerConfig{Logger: logger})
	a.health.RegisterComponent(storeComponent)
	a.health.OnStateChange(func(component string, from, to health.HealthState, err error) {
		fields := map[string]interface{}{
			"component": component,
			"from":      from.String(),
			"to":        to.String(),
		}
		if err != nil {
			fields["error"] = err
		}
		logger.Warn("health state changed", fields)
	})

	a.tracing, err = tracing.New(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		PrettyPrint: cfg.Tracing.PrettyPrint,
		ServiceName: cfg.Tracing.ServiceName,
	})
	if err != nil {
		_ = a.cache.Close()
		_ = a.store.Close()
		return nil, err
	}
	a.tracing.SetGlobal()

	metricsConfig := metrics.DefaultConfig()
	metricsConfig.Enabled = cfg.Server.MetricsEnabled
	metricsConfig.Path = cfg.Server.MetricsPath
	a.metrics, err = metrics.NewCollector(metricsConfig)
	if err == nil {
		err = a.metrics.RegisterCache("tools", a.cache)
	}
	if err != nil {
		_ = a.close(ctx)
		return nil, err
	}

	a.tools = tools.NewRegistry(tools.Options{
		Tracer:    a.tracing.Tracer(),
		Health:    a.health,
		Observer:  a.metrics,
		Logger:    logger,
		WriteGate: storeComponent,
	})
	if err := tools.NewTaskTools(a.store, a.cache, logger).Register(a.tools); err != nil {
		_ = a.close(ctx)
		return nil, err
	}

	var breaker *circuit.Breaker
	if guarded, ok := a.store.(*store.Guarded); ok {
		breaker = guarded.Breaker()
	}

	a.server = api.NewServer(api.ServerConfig{
		Address:        cfg.Server.Address,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		IdleTimeout:    api.DefaultServerConfig().IdleTimeout,
		EnableMetrics:  cfg.Server.MetricsEnabled,
		RateLimitRPS:   cfg.Server.RateLimitRPS,
		RateLimitBurst: cfg.Server.RateLimitBurst,
		MaxBodyBytes:   api.DefaultServerConfig().MaxBodyBytes,
		Version:        Version,
	}, api.Dependencies{
		Tools:   a.tools,
		Cache:   a.cache,
		Health:  a.health,
		Memory:  a.monitor,
		Metrics: a.metrics,
		Breaker: breaker,
		Tracer:  a.tracing.Tracer(),
		Logger:  logger,
	})

	return a, nil
}

// checkComponent is the periodic health probe.
func (a *app) checkComponent(ctx context.Context, component string) error {
	if component == storeComponent {
		return a.store.Ping(ctx)
	}
	return nil
}

// run serves until ctx is done or the listener fails.
func (a *app) run(ctx context.Context) error {
	if err := a.monitor.Start(ctx); err != nil {
		return err
	}
	a.health.CheckNow(ctx, a.checkComponent)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.health.StartHealthChecks(gctx, a.checkComponent)
		return nil
	})
	g.Go(func() error {
		select {
		case err, ok := <-a.server.StartBackground():
			if ok && err != nil {
				return err
			}
			return nil
		case <-gctx.Done():
			return nil
		}
	})

	a.logger.Info("taskmcp serving", map[string]interface{}{
		"address":   a.config.Server.Address,
		"backend":   a.config.Store.Backend,
		"log_level": a.logger.GetLevel().String(),
		"version":   Version,
	})
	return g.Wait()
}

// close releases components in reverse order of construction.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.server != nil {
		errs = append(errs, a.server.Shutdown(ctx))
	}
	if a.tracing != nil {
		errs = append(errs, a.tracing.Shutdown(ctx))
	}
	errs = append(errs, a.monitor.Stop(), a.cache.Close(), a.store.Close())
	return stderrors.Join(errs...)
}
