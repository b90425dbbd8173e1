package task

import (
	"crawlsched/internal/fetch"
	logx "crawlsched/pkg/logx"
)

// Scope is the view of the running spider handed to handlers.
type Scope interface {
	AddTask(t *Task) error
	Logger() logx.Logger
}

// Handler consumes the network result of a task.
type Handler func(sc Scope, resp *fetch.Response, t *Task) error

// ErrorHandler is invoked once when a task is abandoned after its network
// tries are exhausted.
type ErrorHandler func(sc Scope, t *Task, err error)

// FallbackHandler is invoked once when the spider gives up on a task and
// the task has no ErrorHandler.
type FallbackHandler func(sc Scope, t *Task, err error)

// FallbackResolver looks fallback handlers up by name.
type FallbackResolver interface {
	LookupFallback(name string) (FallbackHandler, bool)
}

// RequestBuilder is a higher-level request object that can be snapshotted
// into a request configuration.
type RequestBuilder interface {
	DumpConfig() *fetch.Config
}
