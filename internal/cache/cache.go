package cache

import (
	"container/list"
	"context"
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/taskmcp/taskmcp/pkg/utils"
)

// Config holds cache configuration. A zero DefaultTTL, MaxEntries or
// Pressure falls back to DefaultConfig. The remaining fields switch features
// off when zero: CleanupInterval disables the background sweep, MaxMemoryMB
// disables pressure eviction and DedupeLoads=false lets concurrent Preload
// misses each run their loader. DefaultConfig turns all three on.
type Config struct {
	DefaultTTL      time.Duration            `yaml:"default_ttl"`
	MaxEntries      int                      `yaml:"max_entries"`
	MaxMemoryMB     float64                  `yaml:"max_memory_mb"`
	CleanupInterval time.Duration            `yaml:"cleanup_interval"`
	DedupeLoads     bool                     `yaml:"dedupe_loads"`
	OperationTTLs   map[string]time.Duration `yaml:"operation_ttls,omitempty"`

	// Pressure reports approximate memory usage in MB. Nil selects the
	// throttled heap reader from NewHeapPressure.
	Pressure PressureFunc `yaml:"-"`
}

// DefaultConfig returns the default cache configuration.
func DefaultConfig() Config {
	return Config{
		DefaultTTL:      5 * time.Minute,
		MaxEntries:      1000,
		MaxMemoryMB:     100,
		CleanupInterval: time.Minute,
		DedupeLoads:     true,
	}
}

// Loader produces a value for Preload on a miss.
type Loader func(ctx context.Context) (any, error)

// Stats is a point-in-time snapshot of the cache.
type Stats struct {
	TotalEntries       int           `json:"total_entries"`
	MemoryUsageMB      float64       `json:"memory_usage_mb"`
	ExpiredEntries     int           `json:"expired_entries"`
	AverageAccessCount float64       `json:"average_access_count"`
	OldestEntryAge     time.Duration `json:"oldest_entry_age"`
	NewestEntryAge     time.Duration `json:"newest_entry_age"`

	CapacityEvictions int64 `json:"capacity_evictions"`
	PressureEvictions int64 `json:"pressure_evictions"`
	ExpiredRemovals   int64 `json:"expired_removals"`
}

type entry struct {
	key            string
	value          any
	createdAt      time.Time
	ttl            time.Duration
	accessCount    int64
	lastAccessedAt time.Time
	element        *list.Element
}

// Cache is a concurrency-safe TTL cache with LRU and memory-pressure eviction.
type Cache struct {
	mu sync.Mutex
	// front is most recently accessed
	entries   map[string]*entry
	evictList *list.List

	config   Config
	ttls     map[string]time.Duration
	pressure PressureFunc
	recorder *Recorder
	logger   *utils.StructuredLogger
	loads    singleflight.Group
	now      func() time.Time

	capacityEvictions atomic.Int64
	pressureEvictions atomic.Int64
	expiredRemovals   atomic.Int64

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closed    atomic.Bool
	closeOnce sync.Once
}

// New creates a cache and starts its background sweep.
func New(config Config, logger *utils.StructuredLogger) *Cache {
	def := DefaultConfig()
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = def.DefaultTTL
	}
	if config.MaxEntries <= 0 {
		config.MaxEntries = def.MaxEntries
	}
	if config.Pressure == nil {
		config.Pressure = NewHeapPressure(time.Second)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Cache{
		entries:   make(map[string]*entry),
		evictList: list.New(),
		config:    config,
		ttls:      operationTTLs(config.OperationTTLs),
		pressure:  config.Pressure,
		recorder:  NewRecorder(),
		logger:    utils.OrDefault(logger).WithComponent("cache"),
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
	}

	if config.CleanupInterval > 0 {
		c.wg.Add(1)
		go c.sweepLoop(config.CleanupInterval)
	}

	return c
}

// Recorder returns the recorder that Get reports to.
func (c *Cache) Recorder() *Recorder {
	return c.recorder
}

// Config returns the effective configuration.
func (c *Cache) Config() Config {
	return c.config
}

// Get returns the value stored under key. An absent or expired key is a miss;
// an expired entry is removed. When operation is given, the hit or miss is
// recorded against it.
func (c *Cache) Get(key string, operation ...string) (any, bool) {
	op := ""
	if len(operation) > 0 {
		op = operation[0]
	}

	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		c.recordMiss(op)
		return nil, false
	}

	now := c.now()
	if c.isExpired(e, now) {
		c.removeEntry(e)
		c.mu.Unlock()
		c.expiredRemovals.Add(1)
		c.recordMiss(op)
		return nil, false
	}

	e.accessCount++
	e.lastAccessedAt = now
	c.evictList.MoveToFront(e.element)
	value := e.value
	c.mu.Unlock()

	if op != "" {
		c.recorder.RecordHit(op, EstimateCost(value))
	}
	return value, true
}

// Set stores value under key with the given TTL, or DefaultTTL when none is
// given. A ttl of zero or less also selects DefaultTTL, so an entry can never
// be stored already expired. Set on a closed cache does nothing.
func (c *Cache) Set(key string, value any, ttl ...time.Duration) {
	if c.closed.Load() {
		return
	}

	d := c.config.DefaultTTL
	if len(ttl) > 0 && ttl[0] > 0 {
		d = ttl[0]
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if e, ok := c.entries[key]; ok {
		e.value = value
		e.createdAt = now
		e.ttl = d
		e.accessCount = 0
		e.lastAccessedAt = now
		c.evictList.MoveToFront(e.element)
	} else {
		if len(c.entries) >= c.config.MaxEntries {
			c.evictOldest()
		}
		e := &entry{
			key:            key,
			value:          value,
			createdAt:      now,
			ttl:            d,
			lastAccessedAt: now,
		}
		e.element = c.evictList.PushFront(e)
		c.entries[key] = e
	}

	c.evictForPressure(key)
}

// Delete removes key and reports whether it was present.
func (c *Cache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return false
	}
	c.removeEntry(e)
	return true
}

// Preload returns the fresh cached value for key, or runs loader, stores its
// result and returns it. Loader errors are returned unchanged and nothing is
// stored. With DedupeLoads, concurrent misses on one key share a single
// loader call. The shared call runs detached from any one caller's
// cancellation; each caller stops waiting when its own ctx is done and the
// load still completes and is stored for the others.
func (c *Cache) Preload(ctx context.Context, key string, loader Loader, ttl ...time.Duration) (any, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	load := func(ctx context.Context) (any, error) {
		v, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		c.Set(key, v, ttl...)
		return v, nil
	}

	if !c.config.DedupeLoads {
		return load(ctx)
	}

	flightCtx := context.WithoutCancel(ctx)
	ch := c.loads.DoChan(key, func() (any, error) {
		// another flight may have stored the key between our miss and now
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		return load(flightCtx)
	})

	select {
	case res := <-ch:
		if res.Shared {
			c.logger.Trace("shared in-flight load", map[string]interface{}{"key": key})
		}
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Clear removes every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*entry)
	c.evictList.Init()
}

// Len returns the number of stored entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Keys returns the stored keys in sorted order.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	c.mu.Unlock()

	sort.Strings(keys)
	return keys
}

// Cleanup removes every expired entry and returns how many were removed.
func (c *Cache) Cleanup() int {
	c.mu.Lock()
	now := c.now()
	removed := 0
	for _, e := range c.entries {
		if c.isExpired(e, now) {
			c.removeEntry(e)
			removed++
		}
	}
	c.mu.Unlock()

	if removed > 0 {
		c.expiredRemovals.Add(int64(removed))
	}
	return removed
}

// Stats returns a snapshot of the cache. It does not modify any entry.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	now := c.now()
	stats := Stats{TotalEntries: len(c.entries)}

	var totalAccess int64
	var oldest, newest time.Time
	for _, e := range c.entries {
		if c.isExpired(e, now) {
			stats.ExpiredEntries++
		}
		totalAccess += e.accessCount
		if oldest.IsZero() || e.createdAt.Before(oldest) {
			oldest = e.createdAt
		}
		if newest.IsZero() || e.createdAt.After(newest) {
			newest = e.createdAt
		}
	}
	c.mu.Unlock()

	if stats.TotalEntries > 0 {
		stats.AverageAccessCount = float64(totalAccess) / float64(stats.TotalEntries)
		stats.OldestEntryAge = now.Sub(oldest)
		stats.NewestEntryAge = now.Sub(newest)
	}
	stats.MemoryUsageMB = c.pressure()
	stats.CapacityEvictions = c.capacityEvictions.Load()
	stats.PressureEvictions = c.pressureEvictions.Load()
	stats.ExpiredRemovals = c.expiredRemovals.Load()
	return stats
}

// Close stops the background sweep and waits for it to exit. Reads keep
// working afterwards; writes are ignored.
func (c *Cache) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.cancel()
		c.wg.Wait()
		c.logger.Debug("cache closed", map[string]interface{}{"entries": c.Len()})
	})
	return nil
}

func (c *Cache) sweepLoop(interval time.Duration) {
	defer c.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if n := c.Cleanup(); n > 0 {
				c.logger.Debug("swept expired entries", map[string]interface{}{"removed": n})
			}
		}
	}
}

func (c *Cache) isExpired(e *entry, now time.Time) bool {
	return now.Sub(e.createdAt) > e.ttl
}

// removeEntry must be called with mu held.
func (c *Cache) removeEntry(e *entry) {
	if cur, ok := c.entries[e.key]; !ok || cur != e {
		return
	}
	delete(c.entries, e.key)
	c.evictList.Remove(e.element)
}

// evictOldest must be called with mu held.
func (c *Cache) evictOldest() {
	el := c.evictList.Back()
	if el == nil {
		return
	}
	e := el.Value.(*entry)
	c.removeEntry(e)
	c.capacityEvictions.Add(1)
	c.logger.Trace("capacity eviction", map[string]interface{}{"key": e.key})
}

// evictForPressure must be called with mu held. The entry under keep is the
// one just written and is never dropped.
func (c *Cache) evictForPressure(keep string) {
	if c.config.MaxMemoryMB <= 0 {
		return
	}
	usage := c.pressure()
	if usage <= c.config.MaxMemoryMB {
		return
	}

	before := len(c.entries)
	target := before * 3 / 4
	el := c.evictList.Back()
	for len(c.entries) > target && el != nil {
		prev := el.Prev()
		e := el.Value.(*entry)
		if e.key != keep {
			c.removeEntry(e)
		}
		el = prev
	}

	removed := before - len(c.entries)
	c.pressureEvictions.Add(int64(removed))
	c.logger.Warn("memory pressure eviction", map[string]interface{}{
		"usage_mb":  usage,
		"limit_mb":  c.config.MaxMemoryMB,
		"removed":   removed,
		"remaining": len(c.entries),
	})
}

func (c *Cache) recordMiss(op string) {
	if op != "" {
		c.recorder.RecordMiss(op)
	}
}

// EstimateCost approximates the downstream cost avoided by serving value from
// cache: its JSON size divided by four. Values that cannot be serialized cost
// zero.
func EstimateCost(value any) int64 {
	data, err := json.Marshal(value)
	if err != nil {
		return 0
	}
	return int64(len(data) / 4)
}
