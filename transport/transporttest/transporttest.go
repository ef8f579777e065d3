// Package transporttest provides an in-memory transport.Transport for tests.
package transporttest

import (
	"sync"
	"time"

	"github.com/ggoodman/projectapi-go/transport"
)

// Scripted is a Transport whose reads are served from a queue of chunks, one
// physical read per call, and whose writes are recorded. When the queue is
// empty a read times out, or reports closure once EOF has been set.
type Scripted struct {
	mu      sync.Mutex
	chunks  [][]byte
	eof     bool
	closed  bool
	written []byte
	accept  []int
	reads   int

	// CloseCount counts Close calls.
	CloseCount int
}

// NewScripted returns a Scripted transport that will deliver chunks in order.
func NewScripted(chunks ...[]byte) *Scripted {
	s := &Scripted{}
	for _, c := range chunks {
		s.Push(c)
	}
	return s
}

// Push queues another chunk of incoming data.
func (s *Scripted) Push(chunk []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, append([]byte(nil), chunk...))
}

// SetEOF makes reads from an empty queue report closure instead of timing out.
func (s *Scripted) SetEOF() {
	s.mu.Lock()
	s.eof = true
	s.mu.Unlock()
}

// LimitWrites makes the next writes accept at most the given byte counts, one
// entry per call. Calls beyond the list accept everything.
func (s *Scripted) LimitWrites(counts ...int) {
	s.mu.Lock()
	s.accept = append(s.accept, counts...)
	s.mu.Unlock()
}

// Written returns everything written so far.
func (s *Scripted) Written() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.written...)
}

// Reads returns the number of successful physical reads.
func (s *Scripted) Reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

func (s *Scripted) Read(n int, timeout time.Duration) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, &transport.OpError{Op: "read", Err: transport.ErrClosed}
	}
	if len(s.chunks) == 0 {
		if s.eof {
			return nil, &transport.OpError{Op: "read", Err: transport.ErrClosed}
		}
		return nil, &transport.OpError{Op: "read", Err: transport.ErrTimeout}
	}
	chunk := s.chunks[0]
	k := min(n, len(chunk))
	out := chunk[:k:k]
	if k == len(chunk) {
		s.chunks = s.chunks[1:]
	} else {
		s.chunks[0] = chunk[k:]
	}
	s.reads++
	return out, nil
}

func (s *Scripted) Write(data []byte, timeout time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, &transport.OpError{Op: "write", Err: transport.ErrClosed}
	}
	n := len(data)
	if len(s.accept) > 0 {
		n = min(n, s.accept[0])
		s.accept = s.accept[1:]
	}
	if n == 0 && len(data) > 0 {
		return 0, &transport.OpError{Op: "write", Err: transport.ErrTimeout}
	}
	s.written = append(s.written, data[:n]...)
	return n, nil
}

func (s *Scripted) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.CloseCount++
	return nil
}

var _ transport.Transport = (*Scripted)(nil)
