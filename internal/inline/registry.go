package inline

import (
	"sync"

	"crawlsched/internal/task"
)

// Registry tracks suspended chains by their originating top-level task.
// Keys are task pointers: two tasks with the same name are different chains.
type Registry struct {
	mu     sync.Mutex
	chains map[*task.Task]*Chain
}

func NewRegistry() *Registry {
	return &Registry{chains: map[*task.Task]*Chain{}}
}

func (r *Registry) Put(c *Chain) {
	if c == nil || c.origin == nil {
		return
	}
	r.mu.Lock()
	r.chains[c.origin] = c
	r.mu.Unlock()
}

func (r *Registry) Get(origin *task.Task) (*Chain, bool) {
	if origin == nil {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.chains[origin]
	return c, ok
}

func (r *Registry) Delete(origin *task.Task) {
	r.mu.Lock()
	delete(r.chains, origin)
	r.mu.Unlock()
}

// Discard removes the chain of origin and discards it.
func (r *Registry) Discard(origin *task.Task) bool {
	r.mu.Lock()
	c, ok := r.chains[origin]
	delete(r.chains, origin)
	r.mu.Unlock()
	if ok {
		c.Discard()
	}
	return ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.chains)
}

// DiscardAll discards every tracked chain.
func (r *Registry) DiscardAll() int {
	r.mu.Lock()
	chains := r.chains
	r.chains = map[*task.Task]*Chain{}
	r.mu.Unlock()
	for _, c := range chains {
		c.Discard()
	}
	return len(chains)
}
