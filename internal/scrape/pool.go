package scrape

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"
)

// DefaultPoolSize bounds the number of targets cached in multi-target mode.
const DefaultPoolSize = 64

// Pool keeps one coordinator per key, evicting the least recently used
// coordinator once the pool is full.
type Pool struct {
	mu      sync.Mutex
	cache   *lru.Cache
	logger  *zap.Logger
	evicted func(*Coordinator)
}

// NewPool creates a pool holding at most size coordinators.
func NewPool(size int, logger *zap.Logger) (*Pool, error) {
	if size <= 0 {
		size = DefaultPoolSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Pool{logger: logger}
	cache, err := lru.NewWithEvict(size, p.onEvict)
	if err != nil {
		return nil, fmt.Errorf("failed to create coordinator pool: %w", err)
	}
	p.cache = cache
	return p, nil
}

// Get returns the coordinator stored under key, calling create to build it
// on first use. Creation is serialized so each key maps to one coordinator.
func (p *Pool) Get(key string, create func() (*Coordinator, error)) (*Coordinator, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if v, ok := p.cache.Get(key); ok {
		return v.(*Coordinator), nil
	}

	c, err := create()
	if err != nil {
		return nil, err
	}
	p.cache.Add(key, c)
	p.logger.Debug("Created coordinator", zap.String("target", c.Target()), zap.Int("pool_size", p.cache.Len()))
	return c, nil
}

// OnEvict registers fn to run after a coordinator is evicted and closed. A
// coordinator evicted during a source call closes its source once the call
// returns.
// fn runs with the pool locked and must not call back into the pool.
func (p *Pool) OnEvict(fn func(*Coordinator)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.evicted = fn
}

// Len returns the number of cached coordinators.
func (p *Pool) Len() int {
	return p.cache.Len()
}

// Purge closes and removes every coordinator.
func (p *Pool) Purge() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache.Purge()
}

func (p *Pool) onEvict(_ interface{}, value interface{}) {
	c, ok := value.(*Coordinator)
	if !ok {
		return
	}
	if err := c.Close(); err != nil {
		p.logger.Warn("Failed to close evicted coordinator", zap.String("target", c.Target()), zap.Error(err))
	}
	if p.evicted != nil {
		p.evicted(c)
	}
}
