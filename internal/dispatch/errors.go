package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrInvalidTaskKind is returned before any request is sent when the
	// identifier does not resolve to a registered task kind, and after the
	// round trip when the endpoint reports invalid_callback.
	ErrInvalidTaskKind = errors.New("invalid task kind")

	// ErrRejected is returned when the endpoint refuses the request.
	// The endpoint never says which check failed.
	ErrRejected = errors.New("dispatch rejected by endpoint")
)

// TransportError is a network-level failure of a dispatch, distinct from a
// failure reported by the task itself.
type TransportError struct {
	Op         string // "send", "read" or "decode"
	URL        string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("dispatch %s %s (status %d): %v", e.Op, e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("dispatch %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the failure was caused by a deadline.
func (e *TransportError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(e.Err, &ne) && ne.Timeout()
}
