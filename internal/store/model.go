package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/taskmcp/taskmcp/pkg/errors"
)

// Status is the lifecycle state shared by tasks and subtasks.
type Status string

const (
	StatusTodo       Status = "todo"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
	StatusBlocked    Status = "blocked"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusTodo, StatusInProgress, StatusDone, StatusBlocked:
		return true
	}
	return false
}

// Priority of a task.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

// Task is a unit of work.
type Task struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Status      Status    `json:"status"`
	Priority    Priority  `json:"priority"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Plan is a versioned implementation plan for a task. Saving a plan never
// overwrites an earlier version.
type Plan struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	Content   string    `json:"content"`
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Subtask is an ordered step of a task, optionally tied to a plan version.
type Subtask struct {
	ID          string    `json:"id"`
	TaskID      string    `json:"task_id"`
	PlanID      string    `json:"plan_id,omitempty"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Status      Status    `json:"status"`
	Sequence    int       `json:"sequence"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Progress summarises subtask completion.
type Progress struct {
	Total      int     `json:"total"`
	Completed  int     `json:"completed"`
	Percentage float64 `json:"percentage"`
}

// TaskContext is a task with its latest plan and ordered subtasks.
type TaskContext struct {
	Task     Task      `json:"task"`
	Plan     *Plan     `json:"plan,omitempty"`
	Subtasks []Subtask `json:"subtasks"`
	Progress Progress  `json:"progress"`
}

// TaskFilter narrows ListTasks. Zero fields match everything.
type TaskFilter struct {
	Status   Status   `json:"status,omitempty"`
	Priority Priority `json:"priority,omitempty"`
	Limit    int      `json:"limit,omitempty"`
}

// Matches reports whether t passes the filter.
func (f TaskFilter) Matches(t Task) bool {
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.Priority != "" && t.Priority != f.Priority {
		return false
	}
	return true
}

// TaskUpdate carries the fields to change; nil fields are left alone.
type TaskUpdate struct {
	Title       *string   `json:"title,omitempty"`
	Description *string   `json:"description,omitempty"`
	Status      *Status   `json:"status,omitempty"`
	Priority    *Priority `json:"priority,omitempty"`
}

// SubtaskUpdate carries the fields to change; nil fields are left alone.
type SubtaskUpdate struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Status      *Status `json:"status,omitempty"`
	Sequence    *int    `json:"sequence,omitempty"`
}

func validationError(format string, args ...interface{}) error {
	return errors.NewError(errors.ErrCodeValidationFailed, fmt.Sprintf(format, args...)).
		WithComponent("store")
}

// normalizeTask fills defaults and validates a task before it is created.
func normalizeTask(t *Task) error {
	t.Title = strings.TrimSpace(t.Title)
	if t.Title == "" {
		return validationError("title is required")
	}
	if t.Status == "" {
		t.Status = StatusTodo
	}
	if !t.Status.Valid() {
		return validationError("invalid status: %s", t.Status)
	}
	if t.Priority == "" {
		t.Priority = PriorityMedium
	}
	if !t.Priority.Valid() {
		return validationError("invalid priority: %s", t.Priority)
	}
	return nil
}

// Apply validates u and applies it to t.
func (u TaskUpdate) Apply(t *Task) error {
	if u.Title != nil {
		title := strings.TrimSpace(*u.Title)
		if title == "" {
			return validationError("title cannot be empty")
		}
		t.Title = title
	}
	if u.Description != nil {
		t.Description = *u.Description
	}
	if u.Status != nil {
		if !u.Status.Valid() {
			return validationError("invalid status: %s", *u.Status)
		}
		t.Status = *u.Status
	}
	if u.Priority != nil {
		if !u.Priority.Valid() {
			return validationError("invalid priority: %s", *u.Priority)
		}
		t.Priority = *u.Priority
	}
	return nil
}

func normalizeSubtask(s *Subtask) error {
	if s.TaskID == "" {
		return validationError("task_id is required")
	}
	s.Title = strings.TrimSpace(s.Title)
	if s.Title == "" {
		return validationError("title is required")
	}
	if s.Status == "" {
		s.Status = StatusTodo
	}
	if !s.Status.Valid() {
		return validationError("invalid status: %s", s.Status)
	}
	if s.Sequence < 0 {
		return validationError("sequence cannot be negative")
	}
	return nil
}

// Apply validates u and applies it to s.
func (u SubtaskUpdate) Apply(s *Subtask) error {
	if u.Title != nil {
		title := strings.TrimSpace(*u.Title)
		if title == "" {
			return validationError("title cannot be empty")
		}
		s.Title = title
	}
	if u.Description != nil {
		s.Description = *u.Description
	}
	if u.Status != nil {
		if !u.Status.Valid() {
			return validationError("invalid status: %s", *u.Status)
		}
		s.Status = *u.Status
	}
	if u.Sequence != nil {
		if *u.Sequence < 0 {
			return validationError("sequence cannot be negative")
		}
		s.Sequence = *u.Sequence
	}
	return nil
}

// ComputeProgress counts completed subtasks.
func ComputeProgress(subtasks []Subtask) Progress {
	p := Progress{Total: len(subtasks)}
	for _, s := range subtasks {
		if s.Status == StatusDone {
			p.Completed++
		}
	}
	if p.Total > 0 {
		p.Percentage = float64(p.Completed) / float64(p.Total) * 100
	}
	return p
}

func taskNotFound(id string) error {
	return errors.NewError(errors.ErrCodeTaskNotFound, fmt.Sprintf("task %s not found", id)).
		WithComponent("store").
		WithDetail("task_id", id)
}

func planNotFound(taskID string) error {
	return errors.NewError(errors.ErrCodePlanNotFound, fmt.Sprintf("no plan for task %s", taskID)).
		WithComponent("store").
		WithDetail("task_id", taskID)
}

func subtaskNotFound(taskID, id string) error {
	return errors.NewError(errors.ErrCodeSubtaskNotFound, fmt.Sprintf("subtask %s not found", id)).
		WithComponent("store").
		WithDetail("task_id", taskID).
		WithDetail("subtask_id", id)
}
