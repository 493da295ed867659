// Package tools exposes task operations as named tools that take JSON
// arguments and return JSON-serializable results. Reads go through the
// adaptive cache; writes invalidate the cache entries they make stale.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/taskmcp/taskmcp/internal/store"
	"github.com/taskmcp/taskmcp/internal/tracing"
	"github.com/taskmcp/taskmcp/pkg/errors"
	"github.com/taskmcp/taskmcp/pkg/health"
	"github.com/taskmcp/taskmcp/pkg/utils"
)

// HealthComponent is the name tool outcomes are reported under.
const HealthComponent = "tools"

// Handler runs a tool with its raw JSON arguments.
type Handler func(ctx context.Context, args json.RawMessage) (any, error)

// Tool is a named operation.
type Tool struct {
	Name        string
	Description string
	ReadOnly    bool
	Handler     Handler
}

// Info describes a registered tool.
type Info struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	ReadOnly    bool   `json:"read_only"`
}

// Observer receives the outcome of every tool call.
type Observer interface {
	ObserveTool(tool string, elapsed time.Duration, err error)
}

// Options configures a Registry. Every field is optional.
type Options struct {
	Tracer   trace.Tracer
	Health   *health.Tracker
	Observer Observer
	Logger   *utils.StructuredLogger

	// WriteGate names the health component that must accept writes before a
	// tool that is not ReadOnly runs. Empty never gates.
	WriteGate string
}

// Registry dispatches tool calls by name.
type Registry struct {
	mu        sync.RWMutex
	tools     map[string]Tool
	tracer    trace.Tracer
	health    *health.Tracker
	observer  Observer
	logger    *utils.StructuredLogger
	writeGate string
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	tracer := opts.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer(tracing.InstrumentationName)
	}
	if opts.Health != nil {
		opts.Health.RegisterComponent(HealthComponent)
	}
	return &Registry{
		tools:     make(map[string]Tool),
		tracer:    tracer,
		health:    opts.Health,
		observer:  opts.Observer,
		logger:    utils.OrDefault(opts.Logger).WithComponent("tools"),
		writeGate: opts.WriteGate,
	}
}

// Register adds tools. Names must be unique and handlers non-nil.
func (r *Registry) Register(tools ...Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, tool := range tools {
		if tool.Name == "" || tool.Handler == nil {
			return errors.NewError(errors.ErrCodeInvalidConfig, "tool needs a name and a handler").
				WithComponent("tools")
		}
		if _, exists := r.tools[tool.Name]; exists {
			return errors.NewError(errors.ErrCodeInvalidConfig, fmt.Sprintf("tool %s already registered", tool.Name)).
				WithComponent("tools")
		}
		r.tools[tool.Name] = tool
	}
	return nil
}

// List returns registered tools sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.tools))
	for _, tool := range r.tools {
		out = append(out, Info{Name: tool.Name, Description: tool.Description, ReadOnly: tool.ReadOnly})
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Invoke runs the named tool inside a span. Backend faults count against
// the tools health component; request errors such as bad arguments or
// missing records do not. A panicking handler yields PANIC_RECOVERED.
// Write tools are refused with SERVICE_UNAVAILABLE while the WriteGate
// component cannot accept writes.
func (r *Registry) Invoke(ctx context.Context, name string, args json.RawMessage) (result any, err error) {
	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.NewError(errors.ErrCodeToolNotFound, fmt.Sprintf("unknown tool: %s", name)).
			WithComponent("tools").
			WithDetail("tool", name)
	}

	if err := r.checkWritable(tool); err != nil {
		if r.observer != nil {
			r.observer.ObserveTool(name, 0, err)
		}
		r.logger.Debug("write tool refused", map[string]interface{}{"tool": name, "gate": r.writeGate})
		return nil, err
	}

	ctx, span := r.tracer.Start(ctx, "tool."+name, trace.WithAttributes(
		attribute.String("tool.name", name),
		attribute.Bool("tool.read_only", tool.ReadOnly),
	))
	start := time.Now()

	defer func() {
		if p := recover(); p != nil {
			err = errors.NewError(errors.ErrCodePanicRecovered, fmt.Sprintf("tool %s panicked: %v", name, p)).
				WithComponent("tools").
				WithOperation(name).
				WithStack()
			result = nil
		}
		tracing.RecordResult(span, err)
		span.End()
		r.record(name, time.Since(start), err)
	}()

	return tool.Handler(ctx, args)
}

func (r *Registry) checkWritable(tool Tool) error {
	if tool.ReadOnly || r.health == nil || r.writeGate == "" || r.health.CanWrite(r.writeGate) {
		return nil
	}

	terr := errors.NewError(errors.ErrCodeServiceUnavailable, fmt.Sprintf("%s is not accepting writes", r.writeGate)).
		WithComponent("tools").
		WithOperation(tool.Name).
		WithDetail("state", r.health.GetState(r.writeGate).String())
	if h, err := r.health.GetComponentHealth(r.writeGate); err == nil && h.LastErrorMessage != "" {
		terr = terr.WithDetail("last_error", h.LastErrorMessage)
	}
	return terr
}

func (r *Registry) record(name string, elapsed time.Duration, err error) {
	if r.observer != nil {
		r.observer.ObserveTool(name, elapsed, err)
	}

	fields := map[string]interface{}{
		"tool":     name,
		"duration": elapsed.String(),
	}

	if err == nil {
		r.logger.Debug("tool call", fields)
		if r.health != nil {
			r.health.RecordSuccess(HealthComponent)
		}
		return
	}

	fields["error"] = err
	fields["code"] = string(errors.CodeOf(err))
	if !store.IsBackendFault(err) {
		r.logger.Debug("tool call rejected", fields)
		if r.health != nil {
			r.health.RecordSuccess(HealthComponent)
		}
		return
	}

	r.logger.Warn("tool call failed", fields)
	if r.health != nil {
		r.health.RecordError(HealthComponent, err)
	}
}

// decodeArgs parses raw into T. Empty input decodes to the zero value and
// unknown fields are rejected.
func decodeArgs[T any](tool string, raw json.RawMessage) (T, error) {
	var args T
	if len(raw) == 0 || string(raw) == "null" {
		return args, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&args); err != nil {
		return args, errors.Wrap(err, errors.ErrCodeInvalidArguments, fmt.Sprintf("invalid arguments for %s", tool)).
			WithComponent("tools").
			WithDetail("tool", tool)
	}
	return args, nil
}

func missingArg(tool, field string) error {
	return errors.NewError(errors.ErrCodeInvalidArguments, fmt.Sprintf("%s requires %s", tool, field)).
		WithComponent("tools").
		WithDetail("tool", tool).
		WithDetail("field", field)
}
