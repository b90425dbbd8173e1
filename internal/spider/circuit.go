package spider

import (
	"sync"
	"time"
)

// circuitState tracks consecutive network failures for one host.
//   - On success: failures reset and the circuit closes.
//   - On failure: once failures >= trip, the circuit opens for an
//     exponentially growing cooldown.
type circuitState struct {
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

type circuitStore struct {
	mu sync.Mutex
	m  map[string]*circuitState
}

// getLocked must be called with mu held.
func (s *circuitStore) getLocked(host string) *circuitState {
	if s.m == nil {
		s.m = make(map[string]*circuitState)
	}
	st := s.m[host]
	if st == nil {
		st = &circuitState{}
		s.m[host] = st
	}
	return st
}

func (st *circuitState) maybeReset(now time.Time, p CircuitPolicy) {
	if !st.lastFailure.IsZero() && p.ResetAfter > 0 && now.Sub(st.lastFailure) > p.ResetAfter {
		st.fails = 0
		st.openUntil = time.Time{}
	}
}

// isOpen reports whether host is cooling down and until when.
func (s *circuitStore) isOpen(now time.Time, host string, p CircuitPolicy) (bool, time.Time) {
	if p.TripFailures <= 0 || host == "" {
		return false, time.Time{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.getLocked(host)
	st.maybeReset(now, p)
	if !st.openUntil.IsZero() && now.Before(st.openUntil) {
		return true, st.openUntil
	}
	return false, time.Time{}
}

// record notes the outcome of a network try against host. It reports
// whether this failure tripped the circuit.
func (s *circuitStore) record(now time.Time, host string, p CircuitPolicy, failed bool) bool {
	if p.TripFailures <= 0 || host == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.getLocked(host)
	st.maybeReset(now, p)

	if !failed {
		st.fails = 0
		st.openUntil = time.Time{}
		st.lastFailure = time.Time{}
		return false
	}

	st.fails++
	st.lastFailure = now
	if st.fails < p.TripFailures {
		return false
	}
	d := p.BaseDelay
	for i := 0; i < st.fails-p.TripFailures && d < p.MaxDelay; i++ {
		d *= 2
	}
	st.openUntil = now.Add(min(d, p.MaxDelay))
	return true
}

func (s *circuitStore) snapshot(now time.Time) (total, open int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total = len(s.m)
	for _, st := range s.m {
		if !st.openUntil.IsZero() && now.Before(st.openUntil) {
			open++
		}
	}
	return total, open
}
