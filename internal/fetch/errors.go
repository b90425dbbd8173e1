package fetch

import (
	"errors"
	"fmt"
)

var (
	// ErrTransport marks failures below HTTP (dial, TLS, timeout, reset).
	ErrTransport = errors.New("transport error")
	ErrNoProxy   = errors.New("proxylist is empty")
)

// StatusError reports a response whose status code was not accepted.
type StatusError struct {
	URL    string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d for %s", e.Status, e.URL)
}

// IsStatus reports whether err is a StatusError carrying code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Status == code
}
