package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed means no further I/O is possible on the transport.
	ErrClosed = errors.New("transport closed")
	// ErrTimeout means the operation could not make progress before its timeout.
	ErrTimeout = errors.New("i/o timeout")
	// ErrInvalidTimeouts is returned by Timeouts.Validate.
	ErrInvalidTimeouts = errors.New("transport: timeouts must be finite and >= 0")
)

// OpError describes a failed transport operation.
type OpError struct {
	Op  string // "read", "write", "open", ...
	Err error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// Timeout reports whether the failure was a timeout.
func (e *OpError) Timeout() bool { return errors.Is(e.Err, ErrTimeout) }

func closedErr(op string, cause error) error {
	if cause == nil {
		return &OpError{Op: op, Err: ErrClosed}
	}
	return &OpError{Op: op, Err: fmt.Errorf("%w: %v", ErrClosed, cause)}
}

func timeoutErr(op string) error {
	return &OpError{Op: op, Err: ErrTimeout}
}
