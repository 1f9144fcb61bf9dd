package tools

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// ToolkitCache holds credentialed toolkits per job so that the integration
// key is fetched once per job and slug. Concurrent misses for the same key
// share one factory call.
type ToolkitCache struct {
	mu      sync.Mutex
	entries map[string]map[string][]Tool
	group   singleflight.Group
}

// NewToolkitCache creates an empty cache.
func NewToolkitCache() *ToolkitCache {
	return &ToolkitCache{entries: make(map[string]map[string][]Tool)}
}

// GetOrCreate returns the cached toolkit for (jobID, slug) or builds it with
// create. Failed builds are not cached.
func (c *ToolkitCache) GetOrCreate(ctx context.Context, jobID, slug string, create func(context.Context) ([]Tool, error)) ([]Tool, error) {
	if tools, ok := c.get(jobID, slug); ok {
		return tools, nil
	}

	v, err, _ := c.group.Do(jobID+"\x00"+slug, func() (any, error) {
		if tools, ok := c.get(jobID, slug); ok {
			return tools, nil
		}
		tools, err := create(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		if c.entries[jobID] == nil {
			c.entries[jobID] = make(map[string][]Tool)
		}
		c.entries[jobID][slug] = tools
		c.mu.Unlock()
		return tools, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]Tool), nil
}

func (c *ToolkitCache) get(jobID, slug string) ([]Tool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tools, ok := c.entries[jobID][slug]
	return tools, ok
}

// Evict drops every toolkit cached for jobID.
func (c *ToolkitCache) Evict(jobID string) {
	c.mu.Lock()
	delete(c.entries, jobID)
	c.mu.Unlock()
}

// Len returns the number of jobs with cached toolkits.
func (c *ToolkitCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
