package cache

import "time"

// Operation TTLs. Lists and progress views change with every write and stay
// short; plans and research artifacts are rewritten rarely and stay long.
var defaultOperationTTLs = map[string]time.Duration{
	"list_tasks":       1 * time.Minute,
	"list_subtasks":    1 * time.Minute,
	"get_task_context": 2 * time.Minute,
	"get_task":         5 * time.Minute,
	"get_subtask":      5 * time.Minute,
	"get_plan":         10 * time.Minute,
	"task_analytics":   15 * time.Minute,
	"get_research":     30 * time.Minute,
	"research_summary": 30 * time.Minute,
}

// DefaultOperationTTLs returns a copy of the built-in TTL table.
func DefaultOperationTTLs() map[string]time.Duration {
	out := make(map[string]time.Duration, len(defaultOperationTTLs))
	for k, v := range defaultOperationTTLs {
		out[k] = v
	}
	return out
}

func operationTTLs(overrides map[string]time.Duration) map[string]time.Duration {
	table := DefaultOperationTTLs()
	for k, v := range overrides {
		if v > 0 {
			table[k] = v
		}
	}
	return table
}

// TTLForOperation returns the tuned TTL for an operation name, or DefaultTTL
// for names the table does not know.
func (c *Cache) TTLForOperation(name string) time.Duration {
	if d, ok := c.ttls[name]; ok {
		return d
	}
	return c.config.DefaultTTL
}
