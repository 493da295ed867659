package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmcp/taskmcp/internal/circuit"
	"github.com/taskmcp/taskmcp/pkg/errors"
)

func TestGuardedStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		return NewGuarded(newTestMemoryStore(t), circuit.Config{})
	})
}

func TestGuarded_TripsOnBackendFaults(t *testing.T) {
	ctx := context.Background()
	api := newFakeObjectAPI()
	s3store := newTestS3Store(t, api)
	g := NewGuarded(s3store, circuit.Config{FailureThreshold: 2, Timeout: time.Hour})

	throttle := func() { api.failNext("GetObject", slowDown(), slowDown(), slowDown()) }

	throttle()
	_, err := g.GetTask(ctx, "a")
	assert.Equal(t, errors.ErrCodeStorageRead, errors.CodeOf(err))
	throttle()
	_, err = g.GetTask(ctx, "a")
	assert.Equal(t, errors.ErrCodeStorageRead, errors.CodeOf(err))

	assert.Equal(t, circuit.StateOpen, g.Breaker().State())

	calls := api.callCount("GetObject")
	_, err = g.GetTask(ctx, "a")
	assert.Equal(t, errors.ErrCodeServiceUnavailable, errors.CodeOf(err))
	assert.Equal(t, calls, api.callCount("GetObject"), "open breaker must not reach the backend")

	require.NoError(t, g.Ping(ctx))
}

func TestGuarded_IgnoresRequestErrors(t *testing.T) {
	ctx := context.Background()
	g := NewGuarded(NewMemoryStore(), circuit.Config{FailureThreshold: 1})

	_, err := g.GetTask(ctx, "missing")
	assert.True(t, errors.IsNotFound(err))
	_, err = g.CreateTask(ctx, Task{})
	assert.Equal(t, errors.ErrCodeValidationFailed, errors.CodeOf(err))

	assert.Equal(t, circuit.StateClosed, g.Breaker().State())
}

func TestIsBackendFault(t *testing.T) {
	assert.False(t, IsBackendFault(nil))
	assert.False(t, IsBackendFault(errors.NewError(errors.ErrCodePlanNotFound, "")))
	assert.False(t, IsBackendFault(errors.NewError(errors.ErrCodeValidationFailed, "")))
	assert.True(t, IsBackendFault(errors.NewError(errors.ErrCodeStorageWrite, "")))
	assert.True(t, IsBackendFault(errors.NewError(errors.ErrCodeConnectionFailed, "")))
}
