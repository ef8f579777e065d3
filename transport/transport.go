// Package transport defines the byte channel used to reach a target device or
// emulator, and the backends and wrappers built on it.
//
// A Transport moves raw bytes with bounded waits. Read returns at least one
// byte or fails; it never reports an empty read. Write reports how many bytes
// the channel accepted, which may be fewer than requested, and never 0 on a
// live channel.
//
// Timeouts follow one convention throughout the package:
//
//	timeout < 0   block until data or capacity is available (NoTimeout)
//	timeout == 0  a single non-blocking attempt
//	timeout > 0   bound the wait; exceeding it fails with ErrTimeout
//
// Failures wrap one of two sentinels. ErrClosed is terminal for the session:
// the caller should close and reopen. ErrTimeout is transient: the caller may
// retry with the same or a larger timeout.
package transport

import (
	"math"
	"time"
)

// NoTimeout blocks indefinitely.
const NoTimeout time.Duration = -1

// Transport is a bidirectional byte channel with timeout-bounded I/O.
type Transport interface {
	// Read returns between 1 and n bytes.
	Read(n int, timeout time.Duration) ([]byte, error)
	// Write sends a prefix of data and returns its length.
	Write(data []byte, timeout time.Duration) (int, error)
	// Close releases the channel. Closing twice is not an error.
	Close() error
}

// Timeouts are the session timeouts negotiated when a transport is connected.
// Every value is >= 0 and 0 disables the corresponding timer.
type Timeouts struct {
	// SessionStartRetryTimeoutSec is how long to wait for a session start reply
	// before sending another session start request.
	SessionStartRetryTimeoutSec float64 `json:"session_start_retry_timeout_sec" toml:"session_start_retry_timeout_sec"`
	// SessionStartTimeoutSec bounds the total time spent establishing a session.
	SessionStartTimeoutSec float64 `json:"session_start_timeout_sec" toml:"session_start_timeout_sec"`
	// SessionEstablishedTimeoutSec is how long to wait for a reply once the
	// session is up.
	SessionEstablishedTimeoutSec float64 `json:"session_established_timeout_sec" toml:"session_established_timeout_sec"`
}

// Validate reports ErrInvalidTimeouts if any value is negative or not a number.
func (t Timeouts) Validate() error {
	for _, v := range []float64{t.SessionStartRetryTimeoutSec, t.SessionStartTimeoutSec, t.SessionEstablishedTimeoutSec} {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return ErrInvalidTimeouts
		}
	}
	return nil
}

// FromSeconds converts a wire timeout in seconds into the package convention.
// nil maps to NoTimeout. Values beyond the range of time.Duration saturate.
func FromSeconds(sec *float64) time.Duration {
	if sec == nil {
		return NoTimeout
	}
	if *sec <= 0 {
		return 0
	}
	ns := *sec * float64(time.Second)
	if ns >= math.MaxInt64 || math.IsNaN(ns) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(ns)
}

// ToSeconds is the inverse of FromSeconds.
func ToSeconds(timeout time.Duration) *float64 {
	if timeout < 0 {
		return nil
	}
	sec := timeout.Seconds()
	return &sec
}
