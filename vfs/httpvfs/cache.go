package httpvfs

import (
	"container/list"
	"sync"
)

// pageCache keeps the most recently used pages of one file.
type pageCache struct {
	mu    sync.Mutex
	limit int
	order *list.List
	pages map[int64]*list.Element
}

type cachedPage struct {
	idx  int64
	data []byte
}

func newPageCache(limit int) *pageCache {
	return &pageCache{limit: limit, order: list.New(), pages: make(map[int64]*list.Element)}
}

func (c *pageCache) get(idx int64) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.pages[idx]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(e)
	return e.Value.(*cachedPage).data, true
}

func (c *pageCache) put(idx int64, data []byte) {
	if c.limit <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.pages[idx]; ok {
		e.Value.(*cachedPage).data = data
		c.order.MoveToFront(e)
		return
	}
	c.pages[idx] = c.order.PushFront(&cachedPage{idx: idx, data: data})
	for c.order.Len() > c.limit {
		last := c.order.Back()
		c.order.Remove(last)
		delete(c.pages, last.Value.(*cachedPage).idx)
	}
}

func (c *pageCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *pageCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	clear(c.pages)
}
