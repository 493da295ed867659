/*
Package config provides configuration management for taskmcp.

Configuration is layered, later sources overriding earlier ones:

	┌─────────────────────────────────────────────┐
	│        Environment Variables                │ ← Highest Priority
	│           (TASKMCP_*)                       │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│         Configuration File                  │
	│            (YAML format)                    │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│           Default Values                    │ ← Lowest Priority
	│        (NewDefault)                         │
	└─────────────────────────────────────────────┘

# Sections

	global:   log level and format
	cache:    TTLs, capacity, memory ceiling, sweep and monitor intervals
	store:    backend (memory or s3), S3 location and credentials, retry
	server:   listen address, timeouts, rate limit, metrics endpoint
	tracing:  OpenTelemetry stdout exporter

# Environment Variables

Each section maps to a prefix, for example:

	TASKMCP_LOG_LEVEL=debug
	TASKMCP_CACHE_DEFAULT_TTL=10m
	TASKMCP_CACHE_MAX_ENTRIES=5000
	TASKMCP_STORE_BACKEND=s3
	TASKMCP_STORE_S3_BUCKET=tasks
	TASKMCP_SERVER_RATE_LIMIT_RPS=50
	TASKMCP_TRACING_ENABLED=true

Per-operation TTL overrides are only read from the file:

	cache:
	  operation_ttls:
	    list_tasks: 30s
	    get_research: 1h

# Usage

	cfg, err := config.Load("/etc/taskmcp/config.yaml")
	if err != nil {
		return err
	}
	c := cache.New(cfg.CacheOptions(), logger)
*/
package config
