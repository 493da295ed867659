/*
Package metrics exports taskmcp figures in the Prometheus format.

The Collector owns a private registry rather than the global default, so
several servers can run in one process (tests do this). Two kinds of data
feed it:

  - cache figures, read from cache.Stats and the hit/miss recorder each time
    the registry is scraped, through a prometheus.Collector registered with
    RegisterCache
  - tool invocations, pushed by the tool registry through ObserveTool

Usage:

	collector, err := metrics.NewCollector(metrics.DefaultConfig())
	if err != nil {
		return err
	}
	if err := collector.RegisterCache("tools", c); err != nil {
		return err
	}
	mux.Handle(collector.Path(), collector.Handler())

Exported series, with the default namespace:

	taskmcp_cache_entries{cache}
	taskmcp_cache_memory_usage_mb{cache}
	taskmcp_cache_expired_entries{cache}
	taskmcp_cache_oldest_entry_age_seconds{cache}
	taskmcp_cache_average_access_count{cache}
	taskmcp_cache_evictions_total{cache,reason}
	taskmcp_cache_hits_total{cache,operation}
	taskmcp_cache_misses_total{cache,operation}
	taskmcp_cache_estimated_cost_saved_total{cache,operation}
	taskmcp_cache_hit_ratio{cache}
	taskmcp_tools_calls_total{tool,code}
	taskmcp_tools_call_duration_seconds{tool}

The code label is "ok" for successful calls and the lower-cased error code
otherwise.
*/
package metrics
