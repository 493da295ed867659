package cache

import (
	"fmt"
	"regexp"
	"strings"
)

// compilePattern turns a wildcard pattern into an anchored regexp. '*' matches
// any run of characters; everything else is literal.
func compilePattern(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, fmt.Errorf("empty pattern")
	}
	parts := strings.Split(pattern, "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	return regexp.Compile("^" + strings.Join(parts, ".*") + "$")
}

// InvalidatePattern deletes every key matching pattern and returns the count.
// A pattern that cannot be compiled matches nothing and is logged.
func (c *Cache) InvalidatePattern(pattern string) int {
	re, err := compilePattern(pattern)
	if err != nil {
		c.logger.Warn("invalid invalidation pattern", map[string]interface{}{
			"pattern": pattern,
			"error":   err,
		})
		return 0
	}
	return c.invalidateWhere(re.MatchString)
}

// InvalidateTask deletes every key that names taskID as one of its
// colon-separated segments, e.g. "get_task_context:<id>:<hash>".
func (c *Cache) InvalidateTask(taskID string) int {
	if taskID == "" {
		return 0
	}
	return c.invalidateWhere(func(key string) bool {
		for _, seg := range strings.Split(key, ":") {
			if seg == taskID {
				return true
			}
		}
		return false
	})
}

func (c *Cache) invalidateWhere(match func(string) bool) int {
	c.mu.Lock()
	removed := 0
	for key, e := range c.entries {
		if match(key) {
			c.removeEntry(e)
			removed++
		}
	}
	c.mu.Unlock()

	if removed > 0 {
		c.logger.Debug("invalidated entries", map[string]interface{}{"removed": removed})
	}
	return removed
}
