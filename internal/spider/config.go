package spider

import (
	"time"

	"crawlsched/internal/task/priority"
)

const (
	defaultWorkers         = 4
	defaultNetworkTryLimit = 10
	defaultTaskTryLimit    = 10
	defaultHistorySize     = 200
)

// Config controls a Spider.
//
// Zero values pick defaults: 4 workers, 10 network tries, 10 task tries and
// a 200 entry history.
type Config struct {
	Workers         int
	NetworkTryLimit int
	TaskTryLimit    int

	// BaseURL resolves relative task URLs.
	BaseURL string

	HistorySize int

	// HostConcurrency caps in-flight tasks per host; 0 means unlimited.
	HostConcurrency int

	// SeenTTL turns on request dedup through the store. Tasks whose request
	// was added within SeenTTL are rejected with queue.ErrDuplicate.
	SeenTTL time.Duration

	// KeepAlive keeps Run going after the queue drains, for scheduled seeding.
	KeepAlive bool

	Priority priority.Config
	Retry    RetryPolicy
	Circuit  CircuitPolicy
}

// RetryPolicy shapes the delay before a network retry.
type RetryPolicy struct {
	Base     time.Duration // default 500ms
	MaxDelay time.Duration // default 15s
	Jitter   *float64      // fraction in [0,1]; nil means 0.2, 0 disables
}

// CircuitPolicy trips a per-host breaker after consecutive network failures.
// Tasks for an open host wait in the queue until the cooldown passes.
type CircuitPolicy struct {
	TripFailures int           // 0 disables
	BaseDelay    time.Duration // default 5s
	MaxDelay     time.Duration // default 2m
	ResetAfter   time.Duration // default 5m
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.NetworkTryLimit <= 0 {
		c.NetworkTryLimit = defaultNetworkTryLimit
	}
	if c.TaskTryLimit <= 0 {
		c.TaskTryLimit = defaultTaskTryLimit
	}
	if c.HistorySize <= 0 {
		c.HistorySize = defaultHistorySize
	}
	if c.Retry.Base <= 0 {
		c.Retry.Base = 500 * time.Millisecond
	}
	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = 15 * time.Second
	}
	j := 0.2
	if c.Retry.Jitter != nil {
		j = min(max(*c.Retry.Jitter, 0), 1)
	}
	c.Retry.Jitter = &j
	if c.Circuit.BaseDelay <= 0 {
		c.Circuit.BaseDelay = 5 * time.Second
	}
	if c.Circuit.MaxDelay <= 0 {
		c.Circuit.MaxDelay = 2 * time.Minute
	}
	if c.Circuit.ResetAfter <= 0 {
		c.Circuit.ResetAfter = 5 * time.Minute
	}
	return c
}
