//go:build linux || darwin

package transport

import (
	"errors"

	"golang.org/x/sys/unix"
)

// Readiness reports which descriptors AwaitReady found ready. Descriptors in
// an error or hang-up state count as ready so that the following read or
// write observes the condition.
type Readiness struct {
	Readable []int
	Writable []int
}

// AwaitReady blocks until at least one of rfds is readable or one of wfds is
// writable, or the deadline passes. On expiry it returns ErrTimeout. A zero
// remaining time polls once without blocking. POLLNVAL on any descriptor
// yields ErrClosed.
func AwaitReady(rfds, wfds []int, d Deadline) (Readiness, error) {
	return awaitReady(rfds, wfds, -1, d)
}

// awaitReady is AwaitReady with an extra wake descriptor. When wake becomes
// readable the wait ends with ErrClosed. A negative wake is ignored.
func awaitReady(rfds, wfds []int, wake int, d Deadline) (Readiness, error) {
	fds := make([]unix.PollFd, 0, len(rfds)+len(wfds)+1)
	for _, fd := range rfds {
		fds = append(fds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
	}
	for _, fd := range wfds {
		fds = append(fds, unix.PollFd{Fd: int32(fd), Events: unix.POLLOUT})
	}
	nfds := len(fds)
	if wake >= 0 {
		fds = append(fds, unix.PollFd{Fd: int32(wake), Events: unix.POLLIN})
	}

	for {
		n, err := unix.Poll(fds, d.pollMillis())
		if errors.Is(err, unix.EINTR) {
			if d.Expired() {
				return Readiness{}, timeoutErr("poll")
			}
			continue
		}
		if err != nil {
			return Readiness{}, closedErr("poll", err)
		}
		if n == 0 {
			return Readiness{}, timeoutErr("poll")
		}
		break
	}

	if wake >= 0 && fds[nfds].Revents != 0 {
		return Readiness{}, closedErr("poll", nil)
	}

	var r Readiness
	for i, pfd := range fds[:nfds] {
		if pfd.Revents&unix.POLLNVAL != 0 {
			return Readiness{}, closedErr("poll", unix.EBADF)
		}
		if pfd.Revents == 0 {
			continue
		}
		if i < len(rfds) {
			r.Readable = append(r.Readable, int(pfd.Fd))
		} else {
			r.Writable = append(r.Writable, int(pfd.Fd))
		}
	}
	return r, nil
}
