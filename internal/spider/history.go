package spider

import (
	"time"

	rtsup "crawlsched/internal/runtime/supervisor"
	"crawlsched/internal/storage"
	"crawlsched/internal/task"
)

// HistoryItem is the outcome of one task execution.
type HistoryItem struct {
	ID              string        `json:"id"`
	Name            string        `json:"name"`
	URL             string        `json:"url"`
	Started         time.Time     `json:"started"`
	Duration        time.Duration `json:"duration"`
	Outcome         string        `json:"outcome"`
	Status          int           `json:"status,omitempty"`
	NetworkTryCount int           `json:"network_try_count"`
	FromCache       bool          `json:"from_cache,omitempty"`
	Error           string        `json:"error,omitempty"`
}

// Counters are cumulative since New.
type Counters struct {
	Added      uint64 `json:"added"`
	Rejected   uint64 `json:"rejected"`
	Duplicates uint64 `json:"duplicates"`
	Dispatched uint64 `json:"dispatched"`
	Retried    uint64 `json:"retried"`
	Abandoned  uint64 `json:"abandoned"`
	Failed     uint64 `json:"failed"`
	CacheHits  uint64 `json:"cache_hits"`
	Deferred   uint64 `json:"deferred"`
}

// Snapshot is a point-in-time view for status output.
type Snapshot struct {
	Counters     Counters       `json:"counters"`
	Pending      int64          `json:"pending"`
	Queued       int            `json:"queued"`
	InFlight     int32          `json:"in_flight"`
	Chains       int            `json:"chains"`
	CircuitHosts int            `json:"circuit_hosts"`
	CircuitOpen  int            `json:"circuit_open"`
	Workers      rtsup.Counters `json:"workers"`
	History      []HistoryItem  `json:"history"`
}

func (s *Spider) record(t *task.Task, start time.Time, outcome string, status int, fromCache bool, err error) {
	item := HistoryItem{
		ID:              t.ID,
		Name:            t.Name,
		URL:             t.URL,
		Started:         start,
		Duration:        time.Since(start),
		Outcome:         outcome,
		Status:          status,
		NetworkTryCount: t.NetworkTryCount,
		FromCache:       fromCache,
	}
	if err != nil {
		item.Error = err.Error()
	}

	s.hmu.Lock()
	s.history = append(s.history, item)
	if n := s.config().HistorySize; len(s.history) > n {
		s.history = s.history[len(s.history)-n:]
	}
	s.hmu.Unlock()

	s.journal(storage.JournalEntry{
		At:              start,
		TaskID:          t.ID,
		Name:            t.Name,
		URL:             t.URL,
		Outcome:         outcome,
		Status:          status,
		NetworkTryCount: t.NetworkTryCount,
		TaskTryCount:    t.TaskTryCount,
		FromCache:       fromCache,
		Error:           item.Error,
		TookMS:          item.Duration.Milliseconds(),
	})
}

func (s *Spider) Snapshot() Snapshot {
	now := time.Now()
	total, open := s.circuits.snapshot(now)
	snap := Snapshot{
		Counters: Counters{
			Added:      s.added.Load(),
			Rejected:   s.rejected.Load(),
			Duplicates: s.duplicates.Load(),
			Dispatched: s.dispatched.Load(),
			Retried:    s.retried.Load(),
			Abandoned:  s.abandoned.Load(),
			Failed:     s.failed.Load(),
			CacheHits:  s.cacheHits.Load(),
			Deferred:   s.deferred.Load(),
		},
		Pending:      s.pending.Load(),
		Queued:       s.q.Len(),
		InFlight:     s.inFlight.Load(),
		Chains:       s.chains.Len(),
		CircuitHosts: total,
		CircuitOpen:  open,
	}
	s.mu.Lock()
	if s.sup != nil {
		snap.Workers = s.sup.Counters()
	}
	s.mu.Unlock()

	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}
