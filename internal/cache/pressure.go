package cache

import (
	"sync"
	"time"

	"github.com/taskmcp/taskmcp/pkg/memmon"
)

// PressureFunc reports approximate memory usage in megabytes. It is called
// with the cache lock held and must not call back into the cache.
type PressureFunc func() float64

// NewHeapPressure returns a PressureFunc reading the Go heap size, refreshed
// at most once per interval since reading runtime stats stops the world.
func NewHeapPressure(interval time.Duration) PressureFunc {
	var (
		mu     sync.Mutex
		last   float64
		readAt time.Time
	)
	return func() float64 {
		mu.Lock()
		defer mu.Unlock()
		if readAt.IsZero() || time.Since(readAt) >= interval {
			last = memmon.ReadHeapAllocMB()
			readAt = time.Now()
		}
		return last
	}
}

// MonitorPressure uses the latest sample of a running memory monitor.
func MonitorPressure(m *memmon.MemoryMonitor) PressureFunc {
	return m.HeapAllocMB
}

// StaticPressure always reports mb.
func StaticPressure(mb float64) PressureFunc {
	return func() float64 { return mb }
}
