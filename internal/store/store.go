// Package store is the record layer behind the task tools: tasks, versioned
// plans and subtasks, kept in memory or as JSON objects in S3.
package store

import (
	"context"
	"sort"

	"github.com/taskmcp/taskmcp/pkg/errors"
)

// Store persists tasks, plans and subtasks.
type Store interface {
	CreateTask(ctx context.Context, task Task) (Task, error)
	GetTask(ctx context.Context, id string) (Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]Task, error)
	UpdateTask(ctx context.Context, id string, update TaskUpdate) (Task, error)
	// DeleteTask removes the task with its plans and subtasks.
	DeleteTask(ctx context.Context, id string) error

	// SavePlan stores content as the next plan version of the task.
	SavePlan(ctx context.Context, taskID, content string) (Plan, error)
	GetLatestPlan(ctx context.Context, taskID string) (Plan, error)

	CreateSubtask(ctx context.Context, subtask Subtask) (Subtask, error)
	UpdateSubtask(ctx context.Context, taskID, id string, update SubtaskUpdate) (Subtask, error)
	// ListSubtasks returns the task's subtasks ordered by sequence.
	ListSubtasks(ctx context.Context, taskID string) ([]Subtask, error)

	Ping(ctx context.Context) error
	Close() error
}

// LoadTaskContext assembles a task with its latest plan, subtasks and
// progress. A task without a plan yields a nil Plan.
func LoadTaskContext(ctx context.Context, s Store, taskID string) (TaskContext, error) {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return TaskContext{}, err
	}

	tc := TaskContext{Task: task}

	plan, err := s.GetLatestPlan(ctx, taskID)
	switch {
	case err == nil:
		tc.Plan = &plan
	case errors.CodeOf(err) != errors.ErrCodePlanNotFound:
		return TaskContext{}, err
	}

	subtasks, err := s.ListSubtasks(ctx, taskID)
	if err != nil {
		return TaskContext{}, err
	}
	tc.Subtasks = subtasks
	tc.Progress = ComputeProgress(subtasks)
	return tc, nil
}

func sortTasks(tasks []Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
}

func sortSubtasks(subtasks []Subtask) {
	sort.Slice(subtasks, func(i, j int) bool {
		if subtasks[i].Sequence != subtasks[j].Sequence {
			return subtasks[i].Sequence < subtasks[j].Sequence
		}
		return subtasks[i].CreatedAt.Before(subtasks[j].CreatedAt)
	})
}

func filterTasks(tasks []Task, filter TaskFilter) []Task {
	out := make([]Task, 0, len(tasks))
	for _, t := range tasks {
		if filter.Matches(t) {
			out = append(out, t)
		}
	}
	sortTasks(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}
