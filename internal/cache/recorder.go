package cache

import (
	"sort"
	"sync"
	"sync/atomic"
)

// CallsAvoidedPerHit is the assumed number of downstream calls one hit saves.
const CallsAvoidedPerHit = 3

// OperationMetrics holds counters for one operation name.
type OperationMetrics struct {
	Hits               int64 `json:"hits"`
	Misses             int64 `json:"misses"`
	EstimatedCostSaved int64 `json:"estimated_cost_saved"`
}

// Summary aggregates every operation.
type Summary struct {
	TotalHits          int64   `json:"total_hits"`
	TotalMisses        int64   `json:"total_misses"`
	HitRatio           float64 `json:"hit_ratio"`
	EstimatedCostSaved int64   `json:"estimated_cost_saved"`
	CallsAvoided       int64   `json:"calls_avoided"`
	Operations         int     `json:"operations"`
}

type opCounters struct {
	hits   atomic.Int64
	misses atomic.Int64
	cost   atomic.Int64
}

// Recorder tracks hits, misses and estimated cost saved per operation.
// Counters are updated atomically and may be read while being written.
type Recorder struct {
	mu  sync.RWMutex
	ops map[string]*opCounters
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{ops: make(map[string]*opCounters)}
}

func (r *Recorder) counters(op string) *opCounters {
	r.mu.RLock()
	c, ok := r.ops[op]
	r.mu.RUnlock()
	if ok {
		return c
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok = r.ops[op]; !ok {
		c = &opCounters{}
		r.ops[op] = c
	}
	return c
}

// RecordHit counts a hit for op and adds cost to its saved total.
func (r *Recorder) RecordHit(op string, cost int64) {
	c := r.counters(op)
	c.hits.Add(1)
	if cost > 0 {
		c.cost.Add(cost)
	}
}

// RecordMiss counts a miss for op.
func (r *Recorder) RecordMiss(op string) {
	r.counters(op).misses.Add(1)
}

// Operation returns the counters for op; unknown names read as zero.
func (r *Recorder) Operation(op string) OperationMetrics {
	r.mu.RLock()
	c, ok := r.ops[op]
	r.mu.RUnlock()
	if !ok {
		return OperationMetrics{}
	}
	return c.load()
}

func (c *opCounters) load() OperationMetrics {
	return OperationMetrics{
		Hits:               c.hits.Load(),
		Misses:             c.misses.Load(),
		EstimatedCostSaved: c.cost.Load(),
	}
}

// Snapshot returns a copy of every operation's counters.
func (r *Recorder) Snapshot() map[string]OperationMetrics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]OperationMetrics, len(r.ops))
	for name, c := range r.ops {
		out[name] = c.load()
	}
	return out
}

// OperationNames returns recorded operation names in sorted order.
func (r *Recorder) OperationNames() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.ops))
	for name := range r.ops {
		names = append(names, name)
	}
	r.mu.RUnlock()

	sort.Strings(names)
	return names
}

// Summary aggregates the counters. HitRatio is zero when nothing was recorded.
func (r *Recorder) Summary() Summary {
	var s Summary
	snap := r.Snapshot()
	for _, m := range snap {
		s.TotalHits += m.Hits
		s.TotalMisses += m.Misses
		s.EstimatedCostSaved += m.EstimatedCostSaved
	}
	s.Operations = len(snap)
	if total := s.TotalHits + s.TotalMisses; total > 0 {
		s.HitRatio = float64(s.TotalHits) / float64(total)
	}
	s.CallsAvoided = s.TotalHits * CallsAvoidedPerHit
	return s
}

// Reset drops all counters.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = make(map[string]*opCounters)
}
