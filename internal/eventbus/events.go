package eventbus

import "time"

// Event types published by the spider.
const (
	TaskAdded      = "task.added"
	TaskRejected   = "task.rejected"
	TaskDispatched = "task.dispatched"
	TaskRetry      = "task.retry"
	TaskAbandoned  = "task.abandoned"
	TaskFailed     = "task.failed"
	ChainSuspended = "chain.suspended"
	ChainFinished  = "chain.finished"
	SeedRun        = "seed.run"
)

// TaskInfo is the payload of task.* events.
type TaskInfo struct {
	ID              string        `json:"id"`
	Name            string        `json:"name"`
	URL             string        `json:"url"`
	Priority        int           `json:"priority"`
	NetworkTryCount int           `json:"network_try_count"`
	TaskTryCount    int           `json:"task_try_count"`
	Status          int           `json:"status,omitempty"`
	Delay           time.Duration `json:"delay,omitempty"`
	Reason          string        `json:"reason,omitempty"`
}

// ChainInfo is the payload of chain.* events.
type ChainInfo struct {
	OriginID string `json:"origin_id"`
	Depth    int    `json:"depth"`
	Resumes  uint64 `json:"resumes"`
	Err      string `json:"err,omitempty"`
}

// Emit publishes on b when b is non-nil.
func Emit(b Bus, typ string, data any) {
	if b == nil {
		return
	}
	b.Publish(Event{Type: typ, Data: data})
}
