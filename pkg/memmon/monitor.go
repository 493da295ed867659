// Package memmon samples Go runtime memory statistics and supplies the
// heap-usage signal that drives cache memory-pressure eviction.
package memmon

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/taskmcp/taskmcp/pkg/utils"
)

const bytesPerMB = 1024 * 1024

// MonitorConfig configures memory monitoring behavior
type MonitorConfig struct {
	// SampleInterval is how often to collect memory stats
	SampleInterval time.Duration

	// AlertThreshold is the percentage of heap growth over the baseline that
	// triggers an alert
	AlertThreshold float64

	// MaxSamples is the number of samples to keep in history
	MaxSamples int

	// Logger for monitoring events
	Logger *utils.StructuredLogger
}

// DefaultMonitorConfig returns sensible defaults
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		SampleInterval: 5 * time.Second,
		AlertThreshold: 50.0,
		MaxSamples:     120,
	}
}

// MemorySample represents a memory usage sample
type MemorySample struct {
	Timestamp    time.Time `json:"timestamp"`
	HeapAlloc    uint64    `json:"heap_alloc"`
	HeapSys      uint64    `json:"heap_sys"`
	HeapInuse    uint64    `json:"heap_inuse"`
	Sys          uint64    `json:"sys"`
	NumGC        uint32    `json:"num_gc"`
	NumGoroutine int       `json:"num_goroutine"`
}

// HeapAllocMB returns HeapAlloc in megabytes.
func (s MemorySample) HeapAllocMB() float64 {
	return float64(s.HeapAlloc) / bytesPerMB
}

// AlertType represents the type of memory alert
type AlertType int

const (
	AlertTypeHeapGrowth AlertType = iota
	AlertTypeGoroutineLeak
)

// String returns the string representation of alert type
func (t AlertType) String() string {
	switch t {
	case AlertTypeHeapGrowth:
		return "heap_growth"
	case AlertTypeGoroutineLeak:
		return "goroutine_leak"
	default:
		return "unknown"
	}
}

// MemoryAlert represents a memory alert
type MemoryAlert struct {
	Timestamp time.Time `json:"timestamp"`
	AlertType AlertType `json:"type"`
	Message   string    `json:"message"`
	GrowthPct float64   `json:"growth_pct"`
}

// MemoryStats provides memory statistics
type MemoryStats struct {
	CurrentSample       MemorySample `json:"current"`
	BaselineSample      MemorySample `json:"baseline"`
	SampleCount         int          `json:"sample_count"`
	AlertCount          int          `json:"alert_count"`
	GrowthSinceBaseline float64      `json:"growth_since_baseline_pct"`
}

// MemoryMonitor samples runtime memory statistics on an interval.
type MemoryMonitor struct {
	config MonitorConfig
	logger *utils.StructuredLogger

	mu             sync.RWMutex
	samples        []MemorySample
	baselineSet    bool
	baselineSample MemorySample
	currentSample  MemorySample
	alerts         []MemoryAlert

	stopCh chan struct{}
	wg     sync.WaitGroup
	active int32
}

// NewMemoryMonitor creates a new memory monitor
func NewMemoryMonitor(config MonitorConfig) *MemoryMonitor {
	def := DefaultMonitorConfig()
	if config.SampleInterval <= 0 {
		config.SampleInterval = def.SampleInterval
	}
	if config.MaxSamples <= 0 {
		config.MaxSamples = def.MaxSamples
	}
	if config.AlertThreshold <= 0 {
		config.AlertThreshold = def.AlertThreshold
	}

	return &MemoryMonitor{
		config:  config,
		logger:  utils.OrDefault(config.Logger).WithComponent("memmon"),
		samples: make([]MemorySample, 0, config.MaxSamples),
		stopCh:  make(chan struct{}),
	}
}

// Start takes a baseline sample and begins periodic sampling.
func (mm *MemoryMonitor) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&mm.active, 0, 1) {
		return fmt.Errorf("monitor already running")
	}

	mm.logger.Info("Starting memory monitor", map[string]interface{}{
		"sample_interval": mm.config.SampleInterval,
		"alert_threshold": mm.config.AlertThreshold,
	})

	mm.TakeSample()

	mm.wg.Add(1)
	go mm.monitorLoop(ctx)

	return nil
}

// Stop stops memory monitoring
func (mm *MemoryMonitor) Stop() error {
	if !atomic.CompareAndSwapInt32(&mm.active, 1, 0) {
		return nil
	}

	mm.logger.Info("Stopping memory monitor")
	close(mm.stopCh)
	mm.wg.Wait()

	return nil
}

func (mm *MemoryMonitor) monitorLoop(ctx context.Context) {
	defer mm.wg.Done()

	ticker := time.NewTicker(mm.config.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-mm.stopCh:
			return
		case <-ticker.C:
			mm.TakeSample()
		}
	}
}

// ReadSample reads the runtime's current memory statistics.
func ReadSample() MemorySample {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return MemorySample{
		Timestamp:    time.Now(),
		HeapAlloc:    memStats.HeapAlloc,
		HeapSys:      memStats.HeapSys,
		HeapInuse:    memStats.HeapInuse,
		Sys:          memStats.Sys,
		NumGC:        memStats.NumGC,
		NumGoroutine: runtime.NumGoroutine(),
	}
}

// ReadHeapAllocMB reads the live heap size in megabytes.
func ReadHeapAllocMB() float64 {
	return ReadSample().HeapAllocMB()
}

// TakeSample records a sample and checks it against the baseline.
func (mm *MemoryMonitor) TakeSample() MemorySample {
	sample := ReadSample()

	mm.mu.Lock()
	defer mm.mu.Unlock()

	if !mm.baselineSet {
		mm.baselineSample = sample
		mm.baselineSet = true
	}
	mm.currentSample = sample

	mm.samples = append(mm.samples, sample)
	if len(mm.samples) > mm.config.MaxSamples {
		mm.samples = mm.samples[1:]
	}

	mm.analyzeLocked()
	return sample
}

// analyzeLocked must be called with mu held.
func (mm *MemoryMonitor) analyzeLocked() {
	if len(mm.samples) < 2 {
		return
	}
	baseline, current := mm.baselineSample, mm.currentSample

	if baseline.HeapAlloc > 0 {
		growth := (float64(current.HeapAlloc) - float64(baseline.HeapAlloc)) / float64(baseline.HeapAlloc) * 100
		if growth > mm.config.AlertThreshold {
			mm.alertLocked(AlertTypeHeapGrowth, fmt.Sprintf(
				"Heap grew by %.2f%% (from %d to %d bytes)",
				growth, baseline.HeapAlloc, current.HeapAlloc,
			), growth)
		}
	}

	if baseline.NumGoroutine > 0 {
		growth := (float64(current.NumGoroutine) - float64(baseline.NumGoroutine)) / float64(baseline.NumGoroutine) * 100
		if growth > 50 {
			mm.alertLocked(AlertTypeGoroutineLeak, fmt.Sprintf(
				"Goroutine count increased by %.2f%% (from %d to %d)",
				growth, baseline.NumGoroutine, current.NumGoroutine,
			), growth)
		}
	}
}

func (mm *MemoryMonitor) alertLocked(alertType AlertType, message string, growthPct float64) {
	mm.alerts = append(mm.alerts, MemoryAlert{
		Timestamp: time.Now(),
		AlertType: alertType,
		Message:   message,
		GrowthPct: growthPct,
	})
	if len(mm.alerts) > mm.config.MaxSamples {
		mm.alerts = mm.alerts[1:]
	}

	mm.logger.Warn("Memory alert", map[string]interface{}{
		"type":       alertType.String(),
		"message":    message,
		"growth_pct": growthPct,
	})
}

// HeapAllocMB returns the heap size from the latest sample, reading the
// runtime directly when no sample has been taken yet.
func (mm *MemoryMonitor) HeapAllocMB() float64 {
	mm.mu.RLock()
	set, current := mm.baselineSet, mm.currentSample
	mm.mu.RUnlock()

	if !set {
		return ReadHeapAllocMB()
	}
	return current.HeapAllocMB()
}

// GetStats returns current memory statistics
func (mm *MemoryMonitor) GetStats() MemoryStats {
	mm.mu.RLock()
	defer mm.mu.RUnlock()

	stats := MemoryStats{
		CurrentSample:  mm.currentSample,
		BaselineSample: mm.baselineSample,
		SampleCount:    len(mm.samples),
		AlertCount:     len(mm.alerts),
	}

	if mm.baselineSet && mm.baselineSample.HeapAlloc > 0 {
		stats.GrowthSinceBaseline = (float64(mm.currentSample.HeapAlloc) - float64(mm.baselineSample.HeapAlloc)) / float64(mm.baselineSample.HeapAlloc) * 100
	}

	return stats
}

// GetAlerts returns all memory alerts
func (mm *MemoryMonitor) GetAlerts() []MemoryAlert {
	mm.mu.RLock()
	defer mm.mu.RUnlock()

	alerts := make([]MemoryAlert, len(mm.alerts))
	copy(alerts, mm.alerts)
	return alerts
}
