package transport

import "time"

// DefaultEscapeByte is the byte QEMU's character device multiplexer treats as
// the monitor prefix (Ctrl-A).
const DefaultEscapeByte byte = 0x01

// EscapeTransport stuffs a reserved control byte on the way out so that it
// can share a channel with an in-band command mode. Every occurrence of the
// escape byte is doubled; reads pass through unchanged.
type EscapeTransport struct {
	child  Transport
	escape byte
}

// NewEscapeTransport wraps child, reserving escape.
func NewEscapeTransport(child Transport, escape byte) *EscapeTransport {
	return &EscapeTransport{child: child, escape: escape}
}

// Child returns the wrapped transport.
func (t *EscapeTransport) Child() Transport { return t.child }

func (t *EscapeTransport) Read(n int, timeout time.Duration) ([]byte, error) {
	return t.child.Read(n, timeout)
}

// Write sends the stuffed form of data and returns the number of logical
// bytes consumed: the physical count minus one for every escape prefix that
// lies below it. A physical write that ends between a prefix and the byte it
// escapes is completed before returning, because a lone prefix would switch
// the peer into command mode.
func (t *EscapeTransport) Write(data []byte, timeout time.Duration) (int, error) {
	stuffed, prefixes := stuff(data, t.escape)
	d := DeadlineAfter(timeout)

	physical, err := t.child.Write(stuffed, timeout)
	if err != nil && physical == 0 {
		return 0, err
	}
	if physical > 0 && endsOnPrefix(prefixes, physical) {
		n, cerr := writeFull(t.child, stuffed[physical:physical+1], d)
		physical += n
		if cerr != nil && err == nil {
			err = cerr
		}
	}
	return logicalCount(prefixes, physical), err
}

// WriteControlSequence sends the escape byte followed by cmd without
// stuffing, e.g. 'x' to ask QEMU to quit.
func (t *EscapeTransport) WriteControlSequence(cmd byte, timeout time.Duration) error {
	_, err := writeFull(t.child, []byte{t.escape, cmd}, DeadlineAfter(timeout))
	return err
}

func (t *EscapeTransport) Close() error { return t.child.Close() }

// stuff returns data with every escape byte doubled, and the positions of the
// inserted prefixes within the stuffed buffer.
func stuff(data []byte, escape byte) ([]byte, []int) {
	out := make([]byte, 0, len(data)+4)
	var prefixes []int
	for _, b := range data {
		if b == escape {
			prefixes = append(prefixes, len(out))
			out = append(out, b)
		}
		out = append(out, b)
	}
	return out, prefixes
}

func logicalCount(prefixes []int, physical int) int {
	n := physical
	for _, p := range prefixes {
		if p >= physical {
			break
		}
		n--
	}
	return n
}

func endsOnPrefix(prefixes []int, physical int) bool {
	for _, p := range prefixes {
		if p == physical-1 {
			return true
		}
		if p >= physical {
			return false
		}
	}
	return false
}

// writeFull loops until all of data is written or d expires.
func writeFull(t Transport, data []byte, d Deadline) (int, error) {
	written := 0
	for written < len(data) {
		n, err := t.Write(data[written:], d.Remaining())
		written += n
		if err != nil {
			return written, err
		}
		if n == 0 {
			return written, closedErr("write", nil)
		}
	}
	return written, nil
}

var _ Transport = (*EscapeTransport)(nil)
