package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/taskmcp/taskmcp/internal/cache"
)

// cacheCollector reads a cache at scrape time so the exported figures never
// drift from Stats and the recorder.
type cacheCollector struct {
	source *cache.Cache

	entries        *prometheus.Desc
	memory         *prometheus.Desc
	expired        *prometheus.Desc
	oldestAge      *prometheus.Desc
	evictions      *prometheus.Desc
	hits           *prometheus.Desc
	misses         *prometheus.Desc
	costSaved      *prometheus.Desc
	hitRatio       *prometheus.Desc
	avgAccessCount *prometheus.Desc
}

func newCacheCollector(namespace, name string, labels map[string]string, source *cache.Cache) *cacheCollector {
	constLabels := prometheus.Labels{"cache": name}
	for k, v := range labels {
		constLabels[k] = v
	}
	desc := func(metric, help string, variable ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "cache", metric), help, variable, constLabels)
	}

	return &cacheCollector{
		source:         source,
		entries:        desc("entries", "Entries currently held, expired ones included until swept"),
		memory:         desc("memory_usage_mb", "Estimated size of held values in megabytes"),
		expired:        desc("expired_entries", "Entries past their TTL that have not been swept"),
		oldestAge:      desc("oldest_entry_age_seconds", "Age of the oldest entry"),
		evictions:      desc("evictions_total", "Entries removed by eviction or sweeping", "reason"),
		hits:           desc("hits_total", "Cache hits by operation", "operation"),
		misses:         desc("misses_total", "Cache misses by operation", "operation"),
		costSaved:      desc("estimated_cost_saved_total", "Estimated cost units saved by hits", "operation"),
		hitRatio:       desc("hit_ratio", "Hits over lookups across every operation"),
		avgAccessCount: desc("average_access_count", "Mean access count of held entries"),
	}
}

// Describe implements prometheus.Collector.
func (c *cacheCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.entries
	ch <- c.memory
	ch <- c.expired
	ch <- c.oldestAge
	ch <- c.evictions
	ch <- c.hits
	ch <- c.misses
	ch <- c.costSaved
	ch <- c.hitRatio
	ch <- c.avgAccessCount
}

// Collect implements prometheus.Collector.
func (c *cacheCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.source.Stats()
	ch <- prometheus.MustNewConstMetric(c.entries, prometheus.GaugeValue, float64(stats.TotalEntries))
	ch <- prometheus.MustNewConstMetric(c.memory, prometheus.GaugeValue, stats.MemoryUsageMB)
	ch <- prometheus.MustNewConstMetric(c.expired, prometheus.GaugeValue, float64(stats.ExpiredEntries))
	ch <- prometheus.MustNewConstMetric(c.oldestAge, prometheus.GaugeValue, stats.OldestEntryAge.Seconds())
	ch <- prometheus.MustNewConstMetric(c.avgAccessCount, prometheus.GaugeValue, stats.AverageAccessCount)
	ch <- prometheus.MustNewConstMetric(c.evictions, prometheus.CounterValue, float64(stats.CapacityEvictions), "capacity")
	ch <- prometheus.MustNewConstMetric(c.evictions, prometheus.CounterValue, float64(stats.PressureEvictions), "pressure")
	ch <- prometheus.MustNewConstMetric(c.evictions, prometheus.CounterValue, float64(stats.ExpiredRemovals), "expired")

	recorder := c.source.Recorder()
	for op, m := range recorder.Snapshot() {
		ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(m.Hits), op)
		ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, float64(m.Misses), op)
		ch <- prometheus.MustNewConstMetric(c.costSaved, prometheus.CounterValue, float64(m.EstimatedCostSaved), op)
	}
	ch <- prometheus.MustNewConstMetric(c.hitRatio, prometheus.GaugeValue, recorder.Summary().HitRatio)
}
