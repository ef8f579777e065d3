package transport

import (
	"bytes"
	"errors"
	"time"
)

// ErrEmptyMarker is returned by NewWakeupTransport for a zero-length marker.
var ErrEmptyMarker = errors.New("transport: wakeup marker must not be empty")

// WakeupTransport discards bytes from its child until a marker sequence has
// been read once, then passes everything through. Targets emit the marker
// when their firmware is ready, which lets a session skip boot banners and
// emulator noise.
type WakeupTransport struct {
	child  Transport
	marker []byte

	synced  bool
	window  []byte // trailing bytes seen while searching, < len(marker)
	pending []byte // bytes read past the marker, returned before new reads
}

// NewWakeupTransport wraps child and waits for marker before the first I/O.
func NewWakeupTransport(child Transport, marker []byte) (*WakeupTransport, error) {
	if len(marker) == 0 {
		return nil, ErrEmptyMarker
	}
	return &WakeupTransport{child: child, marker: append([]byte(nil), marker...)}, nil
}

// Child returns the wrapped transport.
func (t *WakeupTransport) Child() Transport { return t.child }

// Synced reports whether the marker has been observed.
func (t *WakeupTransport) Synced() bool { return t.synced }

// sync reads until the marker is seen or d expires, even while the child
// keeps delivering banner bytes. The search state survives
// a timeout, so a marker split across calls is still recognized.
func (t *WakeupTransport) sync(d Deadline) error {
	for !t.synced {
		chunk, err := t.child.Read(len(t.marker), d.Remaining())
		if err != nil {
			return err
		}
		buf := append(t.window, chunk...)
		if i := bytes.Index(buf, t.marker); i >= 0 {
			t.synced = true
			t.window = nil
			if rest := buf[i+len(t.marker):]; len(rest) > 0 {
				t.pending = append([]byte(nil), rest...)
			}
			return nil
		}
		keep := len(t.marker) - 1
		if len(buf) > keep {
			buf = buf[len(buf)-keep:]
		}
		t.window = append([]byte(nil), buf...)
		if d.Expired() {
			return timeoutErr("read")
		}
	}
	return nil
}

// Read synchronizes if needed, then returns pending bytes or reads from the
// child. The timeout covers both phases.
func (t *WakeupTransport) Read(n int, timeout time.Duration) ([]byte, error) {
	d := DeadlineAfter(timeout)
	if err := t.sync(d); err != nil {
		return nil, err
	}
	if len(t.pending) > 0 {
		k := min(n, len(t.pending))
		out := t.pending[:k:k]
		t.pending = t.pending[k:]
		if len(t.pending) == 0 {
			t.pending = nil
		}
		return out, nil
	}
	return t.child.Read(n, d.Remaining())
}

// Write synchronizes if needed, then writes to the child.
func (t *WakeupTransport) Write(data []byte, timeout time.Duration) (int, error) {
	d := DeadlineAfter(timeout)
	if err := t.sync(d); err != nil {
		return 0, err
	}
	return t.child.Write(data, d.Remaining())
}

func (t *WakeupTransport) Close() error { return t.child.Close() }

var _ Transport = (*WakeupTransport)(nil)
