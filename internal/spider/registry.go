package spider

import (
	"fmt"
	"strings"
	"sync"

	"crawlsched/internal/fetch"
	"crawlsched/internal/task"
)

// InlineHandler handles a task and may wait for the results of tasks it
// yields through in.
type InlineHandler func(in *Inline, resp *fetch.Response, t *task.Task) error

// Registry maps task names to handlers.
type Registry struct {
	mu        sync.RWMutex
	handlers  map[string]task.Handler
	inline    map[string]InlineHandler
	fallbacks map[string]task.FallbackHandler
}

func NewRegistry() *Registry {
	return &Registry{
		handlers:  map[string]task.Handler{},
		inline:    map[string]InlineHandler{},
		fallbacks: map[string]task.FallbackHandler{},
	}
}

func checkName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		panic("spider: empty handler name")
	}
	if name == task.ReservedName {
		panic(fmt.Sprintf("spider: handler name %q is reserved", name))
	}
	return name
}

// Handle registers h for tasks named name. It panics on an empty or reserved
// name, or when name already has an inline handler.
func (r *Registry) Handle(name string, h task.Handler) *Registry {
	name = checkName(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.inline[name]; dup {
		panic(fmt.Sprintf("spider: %q already has an inline handler", name))
	}
	r.handlers[name] = h
	return r
}

// HandleInline registers a suspendable handler for tasks named name.
func (r *Registry) HandleInline(name string, h InlineHandler) *Registry {
	name = checkName(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.handlers[name]; dup {
		panic(fmt.Sprintf("spider: %q already has a handler", name))
	}
	r.inline[name] = h
	return r
}

// Fallback registers a fallback handler. Tasks reach it through their
// FallbackName or as "<task name>_fallback".
func (r *Registry) Fallback(name string, h task.FallbackHandler) *Registry {
	name = strings.TrimSpace(name)
	if name == "" {
		panic("spider: empty fallback name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallbacks[name] = h
	return r
}

func (r *Registry) LookupFallback(name string) (task.FallbackHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.fallbacks[name]
	return h, ok && h != nil
}

func (r *Registry) lookup(name string) (task.Handler, InlineHandler) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[name], r.inline[name]
}

// Names lists registered handler names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers)+len(r.inline))
	for n := range r.handlers {
		out = append(out, n)
	}
	for n := range r.inline {
		out = append(out, n)
	}
	return out
}
