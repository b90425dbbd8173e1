package task

import (
	"errors"
	"fmt"
)

var (
	// ErrMisuse is matched (errors.Is) by every MisuseError.
	ErrMisuse = errors.New("spider misuse")
	// ErrNoHandler is matched by every NoHandlerError.
	ErrNoHandler = errors.New("no task handler")
)

// MisuseError reports a violated precondition: conflicting constructor
// arguments, a reserved name, raw combined with an error callback, or an
// invalid scheduler setting. It is always returned synchronously and is
// never retried.
type MisuseError struct {
	Msg string
}

func (e *MisuseError) Error() string        { return "spider misuse: " + e.Msg }
func (e *MisuseError) Is(target error) bool { return target == ErrMisuse }

// Misusef builds a MisuseError.
func Misusef(format string, args ...any) error {
	return &MisuseError{Msg: fmt.Sprintf(format, args...)}
}

// NoHandlerError is returned when a task that is neither raw-with-callback nor
// callback-driven has no handler registered under its name. It is fatal for
// the task and points at a configuration gap.
type NoHandlerError struct {
	Name string
}

func (e *NoHandlerError) Error() string {
	name := e.Name
	if name == "" {
		name = "<anonymous>"
	}
	return fmt.Sprintf("no handler for task %q", name)
}

func (e *NoHandlerError) Is(target error) bool { return target == ErrNoHandler }
