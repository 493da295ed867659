// Package health tracks per-component health for taskmcp and derives an
// overall service state from the worst component.
package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/taskmcp/taskmcp/pkg/errors"
	"github.com/taskmcp/taskmcp/pkg/utils"
)

// HealthState represents the overall health state of a service
type HealthState int

const (
	// StateHealthy indicates the component is fully operational
	StateHealthy HealthState = iota

	// StateDegraded indicates recent failures but continued operation
	StateDegraded

	// StateReadOnly indicates writes are failing while reads may still work
	StateReadOnly

	// StateUnavailable indicates the component is not operational
	StateUnavailable
)

// String returns the string representation of a health state
func (s HealthState) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateReadOnly:
		return "read-only"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON and YAML.
func (s HealthState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name.
func (s *HealthState) UnmarshalText(text []byte) error {
	for _, state := range []HealthState{StateHealthy, StateDegraded, StateReadOnly, StateUnavailable} {
		if state.String() == string(text) {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("unknown health state %q", text)
}

// ComponentHealth tracks the health of a specific component
type ComponentHealth struct {
	Name              string      `json:"name"`
	State             HealthState `json:"state"`
	LastStateChange   time.Time   `json:"last_state_change"`
	LastHealthCheck   time.Time   `json:"last_health_check"`
	ConsecutiveErrors int         `json:"consecutive_errors"`
	TotalSuccesses    int64       `json:"total_successes"`
	TotalErrors       int64       `json:"total_errors"`
	LastErrorMessage  string      `json:"last_error_message,omitempty"`
}

// TrackerConfig configures health tracking behavior
type TrackerConfig struct {
	// ErrorThreshold is the number of consecutive errors before marking a component degraded
	ErrorThreshold int `yaml:"error_threshold" json:"error_threshold"`

	// UnavailableThreshold is the number of consecutive errors before marking unavailable
	UnavailableThreshold int `yaml:"unavailable_threshold" json:"unavailable_threshold"`

	// HealthCheckInterval is the interval for periodic checks
	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"health_check_interval"`

	Logger *utils.StructuredLogger `yaml:"-" json:"-"`
}

// StateChangeCallback is called when a component's health state changes
type StateChangeCallback func(component string, oldState, newState HealthState, err error)

// DefaultConfig returns a default tracker configuration
func DefaultConfig() TrackerConfig {
	return TrackerConfig{
		ErrorThreshold:       3,
		UnavailableThreshold: 10,
		HealthCheckInterval:  30 * time.Second,
	}
}

// Tracker tracks the health of multiple components
type Tracker struct {
	mu         sync.RWMutex
	components map[string]*ComponentHealth
	config     TrackerConfig
	logger     *utils.StructuredLogger
	callbacks  []StateChangeCallback
}

// NewTracker creates a new health tracker
func NewTracker(config TrackerConfig) *Tracker {
	def := DefaultConfig()
	if config.ErrorThreshold <= 0 {
		config.ErrorThreshold = def.ErrorThreshold
	}
	if config.UnavailableThreshold <= config.ErrorThreshold {
		config.UnavailableThreshold = config.ErrorThreshold + def.UnavailableThreshold - def.ErrorThreshold
	}
	if config.HealthCheckInterval <= 0 {
		config.HealthCheckInterval = def.HealthCheckInterval
	}

	return &Tracker{
		components: make(map[string]*ComponentHealth),
		config:     config,
		logger:     utils.OrDefault(config.Logger).WithComponent("health"),
	}
}

// RegisterComponent registers a new component for health tracking
func (t *Tracker) RegisterComponent(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.components[name]; !exists {
		now := time.Now()
		t.components[name] = &ComponentHealth{
			Name:            name,
			State:           StateHealthy,
			LastStateChange: now,
			LastHealthCheck: now,
		}
	}
}

// OnStateChange registers a callback run synchronously after each transition
func (t *Tracker) OnStateChange(cb StateChangeCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callbacks = append(t.callbacks, cb)
}

// RecordSuccess records a successful operation. Each success pays down one
// consecutive error; the component is healthy again once none remain.
func (t *Tracker) RecordSuccess(component string) {
	t.mu.Lock()
	h, exists := t.components[component]
	if !exists {
		t.mu.Unlock()
		return
	}

	oldState := h.State
	h.LastHealthCheck = time.Now()
	h.TotalSuccesses++
	if h.ConsecutiveErrors > 0 {
		h.ConsecutiveErrors--
		if h.ConsecutiveErrors == 0 && h.State != StateHealthy {
			t.transitionLocked(h, StateHealthy)
		}
	}
	newState := h.State
	callbacks := t.callbacks
	t.mu.Unlock()

	if oldState != newState {
		t.notify(callbacks, component, oldState, newState, nil)
	}
}

// RecordError records a failed operation for a component
func (t *Tracker) RecordError(component string, err error) {
	t.mu.Lock()
	h, exists := t.components[component]
	if !exists {
		t.mu.Unlock()
		return
	}

	oldState := h.State
	h.LastHealthCheck = time.Now()
	h.ConsecutiveErrors++
	h.TotalErrors++
	if err != nil {
		h.LastErrorMessage = err.Error()
	}

	switch {
	case h.ConsecutiveErrors >= t.config.UnavailableThreshold:
		t.transitionLocked(h, StateUnavailable)
	case h.ConsecutiveErrors >= t.config.ErrorThreshold:
		if isWriteError(err) {
			t.transitionLocked(h, StateReadOnly)
		} else {
			t.transitionLocked(h, StateDegraded)
		}
	}
	newState := h.State
	callbacks := t.callbacks
	t.mu.Unlock()

	if oldState != newState {
		t.notify(callbacks, component, oldState, newState, err)
	}
}

// GetState returns the component state; unknown components are unavailable
func (t *Tracker) GetState(component string) HealthState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if h, exists := t.components[component]; exists {
		return h.State
	}
	return StateUnavailable
}

// GetComponentHealth returns a copy of the health information for a component
func (t *Tracker) GetComponentHealth(component string) (ComponentHealth, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	h, exists := t.components[component]
	if !exists {
		return ComponentHealth{}, fmt.Errorf("component %s not registered", component)
	}
	return *h, nil
}

// GetAllComponents returns copies of every component, sorted by name
func (t *Tracker) GetAllComponents() []ComponentHealth {
	t.mu.RLock()
	out := make([]ComponentHealth, 0, len(t.components))
	for _, h := range t.components {
		out = append(out, *h)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// GetOverallHealth returns the worst component state
func (t *Tracker) GetOverallHealth() HealthState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	overall := StateHealthy
	for _, h := range t.components {
		if h.State > overall {
			overall = h.State
		}
	}
	return overall
}

// CanRead returns true if the component can serve reads
func (t *Tracker) CanRead(component string) bool {
	return t.GetState(component) != StateUnavailable
}

// CanWrite returns true if the component can accept writes
func (t *Tracker) CanWrite(component string) bool {
	state := t.GetState(component)
	return state == StateHealthy || state == StateDegraded
}

// StartHealthChecks runs checkFn for every component on each interval until
// ctx is done.
func (t *Tracker) StartHealthChecks(ctx context.Context, checkFn func(ctx context.Context, component string) error) {
	ticker := time.NewTicker(t.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.CheckNow(ctx, checkFn)
		}
	}
}

// CheckNow runs checkFn once for every registered component.
func (t *Tracker) CheckNow(ctx context.Context, checkFn func(ctx context.Context, component string) error) {
	for _, h := range t.GetAllComponents() {
		if err := checkFn(ctx, h.Name); err != nil {
			t.RecordError(h.Name, err)
		} else {
			t.RecordSuccess(h.Name)
		}
	}
}

// transitionLocked must be called with mu held.
func (t *Tracker) transitionLocked(h *ComponentHealth, newState HealthState) {
	if h.State == newState {
		return
	}
	h.State = newState
	h.LastStateChange = time.Now()
	if newState == StateHealthy {
		h.ConsecutiveErrors = 0
		h.LastErrorMessage = ""
	}
}

func (t *Tracker) notify(callbacks []StateChangeCallback, component string, oldState, newState HealthState, err error) {
	fields := map[string]interface{}{
		"target": component,
		"from":   oldState.String(),
		"to":     newState.String(),
	}
	if err != nil {
		fields["error"] = err
	}
	if newState == StateHealthy {
		t.logger.Info("component recovered", fields)
	} else {
		t.logger.Warn("component health changed", fields)
	}

	for _, cb := range callbacks {
		cb(component, oldState, newState, err)
	}
}

// isWriteError reports failures that leave reads usable
func isWriteError(err error) bool {
	if err == nil {
		return false
	}
	switch errors.CodeOf(err) {
	case errors.ErrCodeStorageWrite, errors.ErrCodeAccessDenied:
		return true
	}
	return false
}
