package mesh

import "sync"

// seenCache 记录最近转发过的消息 ID，容量满后按先进先出淘汰。
type seenCache struct {
	mu    sync.Mutex
	index map[string]struct{}
	ring  []string
	next  int
}

func newSeenCache(size int) *seenCache {
	if size <= 0 {
		size = 4096
	}
	return &seenCache{index: make(map[string]struct{}, size), ring: make([]string, size)}
}

// Mark 记录 id，返回此前是否已经见过。
func (c *seenCache) Mark(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.index[id]; ok {
		return true
	}
	if evicted := c.ring[c.next]; evicted != "" {
		delete(c.index, evicted)
	}
	c.ring[c.next] = id
	c.index[id] = struct{}{}
	c.next = (c.next + 1) % len(c.ring)
	return false
}
