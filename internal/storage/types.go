package storage

import (
	"errors"
	"net/http"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": file backend (jsonl + snapshot + cache directory)
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// CacheEntry is a stored response.
type CacheEntry struct {
	Key      string      `json:"key"`
	URL      string      `json:"url"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header,omitempty"`
	Body     []byte      `json:"body,omitempty"`
	StoredAt time.Time   `json:"stored_at"`
}

// Age is the time since the entry was stored.
func (e CacheEntry) Age(now time.Time) time.Duration {
	return now.Sub(e.StoredAt)
}

// Journal outcomes.
const (
	OutcomeDone      = "done"
	OutcomeRetry     = "retry"
	OutcomeAbandoned = "abandoned"
	OutcomeFailed    = "failed"
	OutcomeRejected  = "rejected"
)

// JournalEntry records what happened to one task execution.
// Keep it compact and schema-stable.
type JournalEntry struct {
	At              time.Time `json:"at"`
	TaskID          string    `json:"task_id"`
	Name            string    `json:"name"`
	URL             string    `json:"url"`
	Outcome         string    `json:"outcome"`
	Status          int       `json:"status,omitempty"`
	NetworkTryCount int       `json:"network_try_count"`
	TaskTryCount    int       `json:"task_try_count"`
	FromCache       bool      `json:"from_cache,omitempty"`
	Error           string    `json:"error,omitempty"`
	TookMS          int64     `json:"took_ms"`
}
