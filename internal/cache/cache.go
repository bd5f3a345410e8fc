package cache

import (
	"context"
	"sync"

	"hlsfetch/internal/logger"
)

// Loader produces the value for a key on a cache miss.
type Loader func(ctx context.Context) ([]byte, error)

type entry struct {
	done chan struct{}
	data []byte
	err  error
}

// Cache is a per-stream, thread-safe store that runs each key's loader at most once.
// Failed loads are cached as well, so a broken resource is never requested twice.
type Cache struct {
	mutex   sync.Mutex
	entries map[string]*entry
	logger  logger.Logger
	name    string
}

// New creates an empty cache. name only appears in log lines.
func New(log logger.Logger, name string) *Cache {
	return &Cache{
		entries: make(map[string]*entry),
		logger:  log,
		name:    name,
	}
}

// GetOrLoad returns the cached result for key, calling load if this is the first request.
// Concurrent callers for the same key wait for the single in-flight load. The loaded flag
// reports whether this call ran the loader, letting callers log a failure exactly once.
func (c *Cache) GetOrLoad(ctx context.Context, key string, load Loader) (data []byte, loaded bool, err error) {
	c.mutex.Lock()
	e, found := c.entries[key]
	if !found {
		e = &entry{done: make(chan struct{})}
		c.entries[key] = e
	}
	c.mutex.Unlock()

	if found {
		select {
		case <-e.done:
			return e.data, false, e.err
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}

	e.data, e.err = load(ctx)
	close(e.done)
	if e.err == nil {
		c.logger.Debugf("Cached %s: %s, size: %d bytes", c.name, key, len(e.data))
	}
	return e.data, true, e.err
}

// Len returns the number of entries, including failed ones.
func (c *Cache) Len() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.entries)
}
