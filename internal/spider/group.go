package spider

import "sync"

// hostSemaphore caps concurrent tasks for one host. Tokens are pre-filled.
type hostSemaphore struct {
	ch chan struct{}
}

func newHostSemaphore(limit int) *hostSemaphore {
	if limit <= 0 {
		limit = 1
	}
	hs := &hostSemaphore{ch: make(chan struct{}, limit)}
	for i := 0; i < limit; i++ {
		hs.ch <- struct{}{}
	}
	return hs
}

func (h *hostSemaphore) tryAcquire() bool {
	select {
	case <-h.ch:
		return true
	default:
		return false
	}
}

func (h *hostSemaphore) release() {
	select {
	case h.ch <- struct{}{}:
	default:
	}
}

// hostLimiter holds one semaphore per host. A host keeps the limit it was
// first seen with.
type hostLimiter struct {
	mu    sync.Mutex
	hosts map[string]*hostSemaphore
}

func (l *hostLimiter) get(host string, limit int) *hostSemaphore {
	if limit <= 0 || host == "" {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.hosts == nil {
		l.hosts = make(map[string]*hostSemaphore)
	}
	hs := l.hosts[host]
	if hs == nil {
		hs = newHostSemaphore(limit)
		l.hosts[host] = hs
	}
	return hs
}
