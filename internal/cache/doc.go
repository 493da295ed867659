/*
Package cache provides the adaptive TTL cache that sits between taskmcp tool
handlers and the record store.

The cache keeps arbitrary values under string keys, each with its own
time-to-live, and bounds itself two ways: a hard cap on the number of entries
and a soft cap on memory that is checked against a pluggable pressure signal.

# Cache Architecture

	┌─────────────────────────────────────────────┐
	│              Tool handlers                  │
	│   GenerateKey → Preload / Get / Set         │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│                 Cache                       │  ← This Package
	│  • per-entry TTL, lazy + swept expiry       │
	│  • LRU capacity eviction                    │
	│  • memory-pressure bulk eviction            │
	│  • single-flight read-through loads         │
	│  • per-operation hit/miss Recorder          │
	└─────────────────────────────────────────────┘
	                      │ loader closures only
	┌─────────────────────────────────────────────┐
	│           Record store (slow)               │
	└─────────────────────────────────────────────┘

# Expiry

An entry is expired once more than its TTL has elapsed since it was stored.
Expired entries are never returned: Get deletes them on sight, and a background
sweep started by New removes the rest every CleanupInterval. Close stops the
sweep; it is safe to call more than once.

# Eviction

Set evicts the single least recently accessed entry when a new key would push
the cache past MaxEntries. After each insert the pressure signal is consulted;
when it reports more than MaxMemoryMB the cache drops its least recently
accessed entries until it holds 75% of what it held before. The default signal
is process heap usage, so this is a coarse hedge and not a precise bound.

# Usage

	c := cache.New(cache.DefaultConfig(), logger)
	defer c.Close()

	key := cache.GenerateKey("get_task", map[string]any{"id": id})
	v, err := c.Preload(ctx, key, func(ctx context.Context) (any, error) {
		return store.GetTask(ctx, id)
	}, c.TTLForOperation("get_task"))

# Metrics

Every Get that names an operation is counted by the cache's Recorder, together
with an estimate of the downstream cost saved on hits (serialized size / 4).
*/
package cache
