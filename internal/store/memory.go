package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskmcp/taskmcp/pkg/errors"
)

// MemoryStore keeps every record in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	tasks    map[string]Task
	plans    map[string][]Plan
	subtasks map[string]map[string]Subtask
	closed   bool

	now func() time.Time
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:    make(map[string]Task),
		plans:    make(map[string][]Plan),
		subtasks: make(map[string]map[string]Subtask),
		now:      time.Now,
	}
}

func (m *MemoryStore) checkOpen() error {
	if m.closed {
		return errors.NewError(errors.ErrCodeComponentStopped, "store is closed").WithComponent("store")
	}
	return nil
}

// CreateTask implements Store.
func (m *MemoryStore) CreateTask(_ context.Context, task Task) (Task, error) {
	if err := normalizeTask(&task); err != nil {
		return Task{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return Task{}, err
	}

	now := m.now()
	task.ID = uuid.NewString()
	task.CreatedAt = now
	task.UpdatedAt = now
	m.tasks[task.ID] = task
	return task, nil
}

// GetTask implements Store.
func (m *MemoryStore) GetTask(_ context.Context, id string) (Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return Task{}, err
	}

	task, ok := m.tasks[id]
	if !ok {
		return Task{}, taskNotFound(id)
	}
	return task, nil
}

// ListTasks implements Store.
func (m *MemoryStore) ListTasks(_ context.Context, filter TaskFilter) ([]Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	all := make([]Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		all = append(all, t)
	}
	return filterTasks(all, filter), nil
}

// UpdateTask implements Store.
func (m *MemoryStore) UpdateTask(_ context.Context, id string, update TaskUpdate) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return Task{}, err
	}

	task, ok := m.tasks[id]
	if !ok {
		return Task{}, taskNotFound(id)
	}
	if err := update.Apply(&task); err != nil {
		return Task{}, err
	}
	task.UpdatedAt = m.now()
	m.tasks[id] = task
	return task, nil
}

// DeleteTask implements Store.
func (m *MemoryStore) DeleteTask(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}

	if _, ok := m.tasks[id]; !ok {
		return taskNotFound(id)
	}
	delete(m.tasks, id)
	delete(m.plans, id)
	delete(m.subtasks, id)
	return nil
}

// SavePlan implements Store.
func (m *MemoryStore) SavePlan(_ context.Context, taskID, content string) (Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return Plan{}, err
	}

	if _, ok := m.tasks[taskID]; !ok {
		return Plan{}, taskNotFound(taskID)
	}

	now := m.now()
	versions := m.plans[taskID]
	plan := Plan{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		Content:   content,
		Version:   len(versions) + 1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.plans[taskID] = append(versions, plan)
	return plan, nil
}

// GetLatestPlan implements Store.
func (m *MemoryStore) GetLatestPlan(_ context.Context, taskID string) (Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return Plan{}, err
	}

	if _, ok := m.tasks[taskID]; !ok {
		return Plan{}, taskNotFound(taskID)
	}
	versions := m.plans[taskID]
	if len(versions) == 0 {
		return Plan{}, planNotFound(taskID)
	}
	return versions[len(versions)-1], nil
}

// CreateSubtask implements Store. A zero Sequence appends after the last
// existing subtask.
func (m *MemoryStore) CreateSubtask(_ context.Context, subtask Subtask) (Subtask, error) {
	if err := normalizeSubtask(&subtask); err != nil {
		return Subtask{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return Subtask{}, err
	}

	if _, ok := m.tasks[subtask.TaskID]; !ok {
		return Subtask{}, taskNotFound(subtask.TaskID)
	}

	existing := m.subtasks[subtask.TaskID]
	if existing == nil {
		existing = make(map[string]Subtask)
		m.subtasks[subtask.TaskID] = existing
	}
	if subtask.Sequence == 0 {
		subtask.Sequence = nextSequence(existing)
	}

	now := m.now()
	subtask.ID = uuid.NewString()
	subtask.CreatedAt = now
	subtask.UpdatedAt = now
	existing[subtask.ID] = subtask
	return subtask, nil
}

// UpdateSubtask implements Store.
func (m *MemoryStore) UpdateSubtask(_ context.Context, taskID, id string, update SubtaskUpdate) (Subtask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return Subtask{}, err
	}

	subtask, ok := m.subtasks[taskID][id]
	if !ok {
		return Subtask{}, subtaskNotFound(taskID, id)
	}
	if err := update.Apply(&subtask); err != nil {
		return Subtask{}, err
	}
	subtask.UpdatedAt = m.now()
	m.subtasks[taskID][id] = subtask
	return subtask, nil
}

// ListSubtasks implements Store.
func (m *MemoryStore) ListSubtasks(_ context.Context, taskID string) ([]Subtask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	if _, ok := m.tasks[taskID]; !ok {
		return nil, taskNotFound(taskID)
	}
	out := make([]Subtask, 0, len(m.subtasks[taskID]))
	for _, s := range m.subtasks[taskID] {
		out = append(out, s)
	}
	sortSubtasks(out)
	return out, nil
}

// Ping implements Store.
func (m *MemoryStore) Ping(context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.checkOpen()
}

// Close implements Store. Further calls fail with COMPONENT_STOPPED.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func nextSequence(existing map[string]Subtask) int {
	max := 0
	for _, s := range existing {
		if s.Sequence > max {
			max = s.Sequence
		}
	}
	return max + 1
}
