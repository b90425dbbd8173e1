package spider

import (
	"errors"
	"fmt"
)

var (
	ErrStopped      = errors.New("spider stopped")
	ErrRunning      = errors.New("spider already running")
	ErrTaskTryLimit = errors.New("task try limit reached")
	ErrInvalidURL   = errors.New("invalid task url")
)

// NetworkError is passed to fallback and error callbacks when a task runs
// out of network tries.
type NetworkError struct {
	URL    string
	Tries  int
	Status int // 0 for transport failures
	Err    error
}

func (e *NetworkError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: invalid status %d after %d tries", e.URL, e.Status, e.Tries)
	}
	return fmt.Sprintf("%s: network error after %d tries: %v", e.URL, e.Tries, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }
