package tools

import (
	"context"
	"encoding/json"

	"github.com/taskmcp/taskmcp/internal/cache"
	"github.com/taskmcp/taskmcp/internal/store"
	"github.com/taskmcp/taskmcp/pkg/utils"
)

// listTasksPattern matches every cached list_tasks result.
const listTasksPattern = "list_tasks:*"

// TaskTools implements the task, plan and subtask tools over a store with
// the cache in front of every read.
type TaskTools struct {
	store  store.Store
	cache  *cache.Cache
	logger *utils.StructuredLogger
}

// NewTaskTools wires tools to s and c.
func NewTaskTools(s store.Store, c *cache.Cache, logger *utils.StructuredLogger) *TaskTools {
	return &TaskTools{
		store:  s,
		cache:  c,
		logger: utils.OrDefault(logger).WithComponent("tools"),
	}
}

// Register adds every task tool to r.
func (t *TaskTools) Register(r *Registry) error {
	return r.Register(t.Tools()...)
}

// Tools returns the task tool set.
func (t *TaskTools) Tools() []Tool {
	return []Tool{
		{Name: "create_task", Description: "Create a task", Handler: t.createTask},
		{Name: "get_task", Description: "Fetch a task by id", ReadOnly: true, Handler: t.getTask},
		{Name: "list_tasks", Description: "List tasks filtered by status or priority", ReadOnly: true, Handler: t.listTasks},
		{Name: "update_task", Description: "Update task fields", Handler: t.updateTask},
		{Name: "delete_task", Description: "Delete a task with its plans and subtasks", Handler: t.deleteTask},
		{Name: "save_plan", Description: "Store a new plan version for a task", Handler: t.savePlan},
		{Name: "get_plan", Description: "Fetch the latest plan of a task", ReadOnly: true, Handler: t.getPlan},
		{Name: "create_subtask", Description: "Add a subtask to a task", Handler: t.createSubtask},
		{Name: "update_subtask", Description: "Update subtask fields", Handler: t.updateSubtask},
		{Name: "list_subtasks", Description: "List a task's subtasks in order", ReadOnly: true, Handler: t.listSubtasks},
		{Name: "get_task_context", Description: "Fetch a task with its latest plan, subtasks and progress", ReadOnly: true, Handler: t.getTaskContext},
		{Name: "cache_status", Description: "Report cache statistics and hit rates", ReadOnly: true, Handler: t.cacheStatus},
	}
}

// cached serves op from the cache, loading and storing on a miss with the
// operation's TTL. Task-scoped namespaces carry the task id so InvalidateTask
// finds them.
func (t *TaskTools) cached(ctx context.Context, op, namespace string, params map[string]any, load cache.Loader) (any, error) {
	key := cache.GenerateKey(namespace, params)
	if v, ok := t.cache.Get(key, op); ok {
		return v, nil
	}
	return t.cache.Preload(ctx, key, load, t.cache.TTLForOperation(op))
}

func (t *TaskTools) invalidateTask(taskID string, lists bool) {
	removed := t.cache.InvalidateTask(taskID)
	if lists {
		removed += t.cache.InvalidatePattern(listTasksPattern)
	}
	t.logger.Trace("invalidated after write", map[string]interface{}{
		"task_id": taskID,
		"removed": removed,
	})
}

type taskIDArgs struct {
	ID string `json:"id"`
}

type taskScopeArgs struct {
	TaskID string `json:"task_id"`
}

type createTaskArgs struct {
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Status      store.Status   `json:"status"`
	Priority    store.Priority `json:"priority"`
}

func (t *TaskTools) createTask(ctx context.Context, raw json.RawMessage) (any, error) {
	args, err := decodeArgs[createTaskArgs]("create_task", raw)
	if err != nil {
		return nil, err
	}

	task, err := t.store.CreateTask(ctx, store.Task{
		Title:       args.Title,
		Description: args.Description,
		Status:      args.Status,
		Priority:    args.Priority,
	})
	if err != nil {
		return nil, err
	}
	t.cache.InvalidatePattern(listTasksPattern)
	return task, nil
}

func (t *TaskTools) getTask(ctx context.Context, raw json.RawMessage) (any, error) {
	args, err := decodeArgs[taskIDArgs]("get_task", raw)
	if err != nil {
		return nil, err
	}
	if args.ID == "" {
		return nil, missingArg("get_task", "id")
	}

	return t.cached(ctx, "get_task", "get_task:"+args.ID, map[string]any{"id": args.ID},
		func(ctx context.Context) (any, error) {
			return t.store.GetTask(ctx, args.ID)
		})
}

func (t *TaskTools) listTasks(ctx context.Context, raw json.RawMessage) (any, error) {
	filter, err := decodeArgs[store.TaskFilter]("list_tasks", raw)
	if err != nil {
		return nil, err
	}

	params := map[string]any{
		"status":   string(filter.Status),
		"priority": string(filter.Priority),
		"limit":    filter.Limit,
	}
	return t.cached(ctx, "list_tasks", "list_tasks", params, func(ctx context.Context) (any, error) {
		return t.store.ListTasks(ctx, filter)
	})
}

type updateTaskArgs struct {
	ID string `json:"id"`
	store.TaskUpdate
}

func (t *TaskTools) updateTask(ctx context.Context, raw json.RawMessage) (any, error) {
	args, err := decodeArgs[updateTaskArgs]("update_task", raw)
	if err != nil {
		return nil, err
	}
	if args.ID == "" {
		return nil, missingArg("update_task", "id")
	}

	task, err := t.store.UpdateTask(ctx, args.ID, args.TaskUpdate)
	if err != nil {
		return nil, err
	}
	t.invalidateTask(args.ID, true)
	return task, nil
}

type deleteResult struct {
	ID      string `json:"id"`
	Deleted bool   `json:"deleted"`
}

func (t *TaskTools) deleteTask(ctx context.Context, raw json.RawMessage) (any, error) {
	args, err := decodeArgs[taskIDArgs]("delete_task", raw)
	if err != nil {
		return nil, err
	}
	if args.ID == "" {
		return nil, missingArg("delete_task", "id")
	}

	if err := t.store.DeleteTask(ctx, args.ID); err != nil {
		return nil, err
	}
	t.invalidateTask(args.ID, true)
	return deleteResult{ID: args.ID, Deleted: true}, nil
}

type savePlanArgs struct {
	TaskID  string `json:"task_id"`
	Content string `json:"content"`
}

func (t *TaskTools) savePlan(ctx context.Context, raw json.RawMessage) (any, error) {
	args, err := decodeArgs[savePlanArgs]("save_plan", raw)
	if err != nil {
		return nil, err
	}
	if args.TaskID == "" {
		return nil, missingArg("save_plan", "task_id")
	}
	if args.Content == "" {
		return nil, missingArg("save_plan", "content")
	}

	plan, err := t.store.SavePlan(ctx, args.TaskID, args.Content)
	if err != nil {
		return nil, err
	}
	t.invalidateTask(args.TaskID, false)
	return plan, nil
}

func (t *TaskTools) getPlan(ctx context.Context, raw json.RawMessage) (any, error) {
	args, err := decodeArgs[taskScopeArgs]("get_plan", raw)
	if err != nil {
		return nil, err
	}
	if args.TaskID == "" {
		return nil, missingArg("get_plan", "task_id")
	}

	return t.cached(ctx, "get_plan", "get_plan:"+args.TaskID, map[string]any{"task_id": args.TaskID},
		func(ctx context.Context) (any, error) {
			return t.store.GetLatestPlan(ctx, args.TaskID)
		})
}

type createSubtaskArgs struct {
	TaskID      string       `json:"task_id"`
	PlanID      string       `json:"plan_id"`
	Title       string       `json:"title"`
	Description string       `json:"description"`
	Status      store.Status `json:"status"`
	Sequence    int          `json:"sequence"`
}

func (t *TaskTools) createSubtask(ctx context.Context, raw json.RawMessage) (any, error) {
	args, err := decodeArgs[createSubtaskArgs]("create_subtask", raw)
	if err != nil {
		return nil, err
	}
	if args.TaskID == "" {
		return nil, missingArg("create_subtask", "task_id")
	}

	subtask, err := t.store.CreateSubtask(ctx, store.Subtask{
		TaskID:      args.TaskID,
		PlanID:      args.PlanID,
		Title:       args.Title,
		Description: args.Description,
		Status:      args.Status,
		Sequence:    args.Sequence,
	})
	if err != nil {
		return nil, err
	}
	t.invalidateTask(args.TaskID, false)
	return subtask, nil
}

type updateSubtaskArgs struct {
	TaskID string `json:"task_id"`
	ID     string `json:"id"`
	store.SubtaskUpdate
}

func (t *TaskTools) updateSubtask(ctx context.Context, raw json.RawMessage) (any, error) {
	args, err := decodeArgs[updateSubtaskArgs]("update_subtask", raw)
	if err != nil {
		return nil, err
	}
	if args.TaskID == "" {
		return nil, missingArg("update_subtask", "task_id")
	}
	if args.ID == "" {
		return nil, missingArg("update_subtask", "id")
	}

	subtask, err := t.store.UpdateSubtask(ctx, args.TaskID, args.ID, args.SubtaskUpdate)
	if err != nil {
		return nil, err
	}
	t.invalidateTask(args.TaskID, false)
	return subtask, nil
}

func (t *TaskTools) listSubtasks(ctx context.Context, raw json.RawMessage) (any, error) {
	args, err := decodeArgs[taskScopeArgs]("list_subtasks", raw)
	if err != nil {
		return nil, err
	}
	if args.TaskID == "" {
		return nil, missingArg("list_subtasks", "task_id")
	}

	return t.cached(ctx, "list_subtasks", "list_subtasks:"+args.TaskID, map[string]any{"task_id": args.TaskID},
		func(ctx context.Context) (any, error) {
			return t.store.ListSubtasks(ctx, args.TaskID)
		})
}

func (t *TaskTools) getTaskContext(ctx context.Context, raw json.RawMessage) (any, error) {
	args, err := decodeArgs[taskScopeArgs]("get_task_context", raw)
	if err != nil {
		return nil, err
	}
	if args.TaskID == "" {
		return nil, missingArg("get_task_context", "task_id")
	}

	return t.cached(ctx, "get_task_context", "get_task_context:"+args.TaskID, map[string]any{"task_id": args.TaskID},
		func(ctx context.Context) (any, error) {
			return store.LoadTaskContext(ctx, t.store, args.TaskID)
		})
}

// CacheStatus is the cache_status result.
type CacheStatus struct {
	Stats       cache.Stats                       `json:"stats"`
	Summary     cache.Summary                     `json:"summary"`
	Config      CacheStatusConfig                 `json:"config"`
	TTLs        map[string]string                 `json:"ttls"`
	ByOperation map[string]cache.OperationMetrics `json:"by_operation"`
}

// CacheStatusConfig echoes the limits the cache runs with.
type CacheStatusConfig struct {
	DefaultTTL  string  `json:"default_ttl"`
	MaxEntries  int     `json:"max_entries"`
	MaxMemoryMB float64 `json:"max_memory_mb"`
}

func (t *TaskTools) cacheStatus(_ context.Context, raw json.RawMessage) (any, error) {
	if _, err := decodeArgs[struct{}]("cache_status", raw); err != nil {
		return nil, err
	}

	cfg := t.cache.Config()
	ttls := make(map[string]string)
	for op := range cache.DefaultOperationTTLs() {
		ttls[op] = t.cache.TTLForOperation(op).String()
	}
	for op := range cfg.OperationTTLs {
		ttls[op] = t.cache.TTLForOperation(op).String()
	}

	recorder := t.cache.Recorder()
	return CacheStatus{
		Stats:   t.cache.Stats(),
		Summary: recorder.Summary(),
		Config: CacheStatusConfig{
			DefaultTTL:  cfg.DefaultTTL.String(),
			MaxEntries:  cfg.MaxEntries,
			MaxMemoryMB: cfg.MaxMemoryMB,
		},
		TTLs:        ttls,
		ByOperation: recorder.Snapshot(),
	}, nil
}
