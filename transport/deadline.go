package transport

import "time"

// Deadline is an absolute point on the monotonic clock, or none.
type Deadline struct {
	at  time.Time
	set bool
}

// DeadlineAfter converts a relative timeout into a Deadline. A negative
// timeout yields no deadline.
func DeadlineAfter(timeout time.Duration) Deadline {
	if timeout < 0 {
		return Deadline{}
	}
	return Deadline{at: time.Now().Add(timeout), set: true}
}

// DeadlineAt returns a Deadline at t.
func DeadlineAt(t time.Time) Deadline {
	return Deadline{at: t, set: true}
}

// IsSet reports whether the deadline bounds the wait at all.
func (d Deadline) IsSet() bool { return d.set }

// Remaining returns max(0, deadline-now), or NoTimeout when unset.
func (d Deadline) Remaining() time.Duration {
	if !d.set {
		return NoTimeout
	}
	rem := time.Until(d.at)
	if rem < 0 {
		return 0
	}
	return rem
}

// Expired reports whether a set deadline has passed.
func (d Deadline) Expired() bool {
	return d.set && !time.Now().Before(d.at)
}

// pollMillis converts the remaining time into a poll(2) timeout. Partial
// milliseconds round up so a wait never ends before the deadline.
func (d Deadline) pollMillis() int {
	rem := d.Remaining()
	if rem < 0 {
		return -1
	}
	ms := rem / time.Millisecond
	if rem%time.Millisecond != 0 {
		ms++
	}
	return int(ms)
}
