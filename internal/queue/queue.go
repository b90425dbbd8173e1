// Package queue defines the task queue contract used by the spider and an
// in-memory implementation.
//
// Contract:
//   - Pop returns the ready task with the lowest priority value; ties are
//     released in insertion order.
//   - A task whose ScheduleTime is in the future is not ready and is never
//     returned early.
//   - Pop is atomic: a pushed task is returned to exactly one caller.
//   - Tasks must carry a priority before Push (the spider assigns one);
//     tasks without one are ordered after every prioritized task.
//   - Close drops queued tasks; afterwards Push and Pop return ErrClosed.
package queue

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"

	"crawlsched/internal/task"
)

var (
	ErrClosed = errors.New("task queue closed")
	// ErrDuplicate rejects a task whose request was already queued within
	// the dedup window.
	ErrDuplicate = errors.New("duplicate task request")
)

// Queue stores tasks ordered by priority and schedule time.
type Queue interface {
	Push(t *task.Task) error
	// Pop blocks until a ready task is available, ctx ends or the queue is closed.
	Pop(ctx context.Context) (*task.Task, error)
	// Len counts queued tasks, delayed ones included.
	Len() int
	// Close drops queued tasks and wakes blocked Pop callers.
	Close()
}

// DedupKey identifies the request a task makes: method, URL and body.
func DedupKey(t *task.Task) string {
	cfg := t.RequestConfig()
	h := sha1.New()
	h.Write([]byte(cfg.EffectiveMethod()))
	h.Write([]byte{0})
	h.Write([]byte(cfg.URL))
	h.Write([]byte{0})
	h.Write(cfg.Body)
	return hex.EncodeToString(h.Sum(nil))
}
