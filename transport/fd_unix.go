//go:build linux || darwin

package transport

import (
	"errors"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// MaxReadChunk bounds the buffer a single FdTransport.Read allocates. Larger
// requests return at most this many bytes.
const MaxReadChunk = 64 << 10

// FdTransport is a Transport over a pair of non-blocking file descriptors,
// such as a subprocess's stdout/stdin pipes or the two halves of a FIFO pair.
// The read and write descriptors may be the same (a serial port).
//
// Close wakes any Read or Write blocked in poll through an internal pipe, and
// the descriptors are only released once no call is using them.
type FdTransport struct {
	mu      sync.Mutex
	io      sync.RWMutex
	rfile   *os.File
	wfile   *os.File
	rfd     int
	wfd     int
	wake    [2]int
	closed  bool
	onClose func()
}

// NewFdTransport takes ownership of r and w and switches their descriptors to
// non-blocking mode. r and w may be the same file.
func NewFdTransport(r, w *os.File) (*FdTransport, error) {
	rfd := int(r.Fd())
	wfd := int(w.Fd())
	if err := unix.SetNonblock(rfd, true); err != nil {
		return nil, &OpError{Op: "open", Err: err}
	}
	if wfd != rfd {
		if err := unix.SetNonblock(wfd, true); err != nil {
			return nil, &OpError{Op: "open", Err: err}
		}
	}
	var wake [2]int
	if err := unix.Pipe(wake[:]); err != nil {
		return nil, &OpError{Op: "open", Err: err}
	}
	for _, fd := range wake {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			_ = unix.Close(wake[0])
			_ = unix.Close(wake[1])
			return nil, &OpError{Op: "open", Err: err}
		}
	}
	return &FdTransport{rfile: r, wfile: w, rfd: rfd, wfd: wfd, wake: wake}, nil
}

// OnClose registers fn to run once after the descriptors are closed.
func (t *FdTransport) OnClose(fn func()) {
	t.mu.Lock()
	t.onClose = fn
	t.mu.Unlock()
}

func (t *FdTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Read waits for the read descriptor to become readable and returns what a
// single read(2) yields, at most MaxReadChunk bytes. End of stream closes the
// transport.
func (t *FdTransport) Read(n int, timeout time.Duration) ([]byte, error) {
	if n <= 0 {
		return nil, &OpError{Op: "read", Err: errors.New("read size must be positive")}
	}
	t.io.RLock()
	data, shutdown, err := t.read(min(n, MaxReadChunk), DeadlineAfter(timeout))
	t.io.RUnlock()
	if shutdown {
		_ = t.Close()
	}
	return data, err
}

func (t *FdTransport) read(n int, d Deadline) ([]byte, bool, error) {
	buf := make([]byte, n)
	for {
		if t.isClosed() {
			return nil, false, closedErr("read", nil)
		}
		if _, err := awaitReady([]int{t.rfd}, nil, t.wake[0], d); err != nil {
			return nil, false, err
		}
		got, err := unix.Read(t.rfd, buf)
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			if d.Expired() {
				return nil, false, timeoutErr("read")
			}
			continue
		}
		if err != nil {
			return nil, true, closedErr("read", err)
		}
		if got == 0 {
			return nil, true, closedErr("read", nil)
		}
		return buf[:got], false, nil
	}
}

// Write writes data until all of it is accepted or the deadline passes. If
// the deadline passes after some bytes were accepted, the partial count is
// returned without error.
func (t *FdTransport) Write(data []byte, timeout time.Duration) (int, error) {
	t.io.RLock()
	n, shutdown, err := t.write(data, DeadlineAfter(timeout))
	t.io.RUnlock()
	if shutdown {
		_ = t.Close()
	}
	return n, err
}

func (t *FdTransport) write(data []byte, d Deadline) (int, bool, error) {
	written := 0
	for written < len(data) {
		if t.isClosed() {
			return written, false, closedErr("write", nil)
		}
		if _, err := awaitReady(nil, []int{t.wfd}, t.wake[0], d); err != nil {
			if written > 0 && errors.Is(err, ErrTimeout) {
				return written, false, nil
			}
			return written, false, err
		}
		n, err := unix.Write(t.wfd, data[written:])
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			if d.Expired() {
				if written > 0 {
					return written, false, nil
				}
				return 0, false, timeoutErr("write")
			}
			continue
		}
		if err != nil {
			return written, true, closedErr("write", err)
		}
		if n == 0 {
			return written, true, closedErr("write", nil)
		}
		written += n
	}
	return written, false, nil
}

// Close closes both descriptors, failing any blocked Read or Write with
// ErrClosed. It is safe to call more than once and from any goroutine.
func (t *FdTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	onClose := t.onClose
	t.mu.Unlock()

	_, _ = unix.Write(t.wake[1], []byte{0})

	// Wait for in-flight calls to leave poll before the descriptor numbers
	// can be reused.
	t.io.Lock()
	err := t.rfile.Close()
	if t.wfile != t.rfile {
		if werr := t.wfile.Close(); err == nil {
			err = werr
		}
	}
	_ = unix.Close(t.wake[0])
	_ = unix.Close(t.wake[1])
	t.io.Unlock()

	if onClose != nil {
		onClose()
	}
	return err
}

var _ Transport = (*FdTransport)(nil)
