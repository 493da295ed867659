package store

import (
	"context"

	"github.com/taskmcp/taskmcp/internal/circuit"
	"github.com/taskmcp/taskmcp/pkg/errors"
)

// Guarded routes every call through a circuit breaker so a failing backend
// is shed quickly instead of stalling each tool call through its retries.
type Guarded struct {
	inner   Store
	breaker *circuit.Breaker
}

// NewGuarded wraps s. When config.IsFailure is nil, only backend faults
// trip the breaker; validation and not-found results do not.
func NewGuarded(s Store, config circuit.Config) *Guarded {
	if config.IsFailure == nil {
		config.IsFailure = IsBackendFault
	}
	return &Guarded{inner: s, breaker: circuit.New("store", config)}
}

// Breaker exposes the breaker for status reporting.
func (g *Guarded) Breaker() *circuit.Breaker {
	return g.breaker
}

// IsBackendFault reports errors that say something about the backend's
// health rather than about the request.
func IsBackendFault(err error) bool {
	if err == nil || errors.IsNotFound(err) {
		return false
	}
	switch errors.CodeOf(err) {
	case errors.ErrCodeValidationFailed, errors.ErrCodeInvalidArguments, errors.ErrCodeOperationCanceled:
		return false
	}
	return true
}

func (g *Guarded) do(ctx context.Context, fn func(ctx context.Context) error) error {
	return g.breaker.Execute(ctx, fn)
}

func (g *Guarded) CreateTask(ctx context.Context, task Task) (out Task, err error) {
	err = g.do(ctx, func(ctx context.Context) error {
		out, err = g.inner.CreateTask(ctx, task)
		return err
	})
	return out, err
}

func (g *Guarded) GetTask(ctx context.Context, id string) (out Task, err error) {
	err = g.do(ctx, func(ctx context.Context) error {
		out, err = g.inner.GetTask(ctx, id)
		return err
	})
	return out, err
}

func (g *Guarded) ListTasks(ctx context.Context, filter TaskFilter) (out []Task, err error) {
	err = g.do(ctx, func(ctx context.Context) error {
		out, err = g.inner.ListTasks(ctx, filter)
		return err
	})
	return out, err
}

func (g *Guarded) UpdateTask(ctx context.Context, id string, update TaskUpdate) (out Task, err error) {
	err = g.do(ctx, func(ctx context.Context) error {
		out, err = g.inner.UpdateTask(ctx, id, update)
		return err
	})
	return out, err
}

func (g *Guarded) DeleteTask(ctx context.Context, id string) error {
	return g.do(ctx, func(ctx context.Context) error {
		return g.inner.DeleteTask(ctx, id)
	})
}

func (g *Guarded) SavePlan(ctx context.Context, taskID, content string) (out Plan, err error) {
	err = g.do(ctx, func(ctx context.Context) error {
		out, err = g.inner.SavePlan(ctx, taskID, content)
		return err
	})
	return out, err
}

func (g *Guarded) GetLatestPlan(ctx context.Context, taskID string) (out Plan, err error) {
	err = g.do(ctx, func(ctx context.Context) error {
		out, err = g.inner.GetLatestPlan(ctx, taskID)
		return err
	})
	return out, err
}

func (g *Guarded) CreateSubtask(ctx context.Context, subtask Subtask) (out Subtask, err error) {
	err = g.do(ctx, func(ctx context.Context) error {
		out, err = g.inner.CreateSubtask(ctx, subtask)
		return err
	})
	return out, err
}

func (g *Guarded) UpdateSubtask(ctx context.Context, taskID, id string, update SubtaskUpdate) (out Subtask, err error) {
	err = g.do(ctx, func(ctx context.Context) error {
		out, err = g.inner.UpdateSubtask(ctx, taskID, id, update)
		return err
	})
	return out, err
}

func (g *Guarded) ListSubtasks(ctx context.Context, taskID string) (out []Subtask, err error) {
	err = g.do(ctx, func(ctx context.Context) error {
		out, err = g.inner.ListSubtasks(ctx, taskID)
		return err
	})
	return out, err
}

// Ping bypasses the breaker so health checks see the backend directly.
func (g *Guarded) Ping(ctx context.Context) error {
	return g.inner.Ping(ctx)
}

func (g *Guarded) Close() error {
	return g.inner.Close()
}
