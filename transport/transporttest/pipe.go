package transporttest

import (
	"sync"
	"time"

	"github.com/ggoodman/projectapi-go/transport"
)

// Pipe returns two connected in-memory transports. Bytes written to one are
// read from the other, and timeouts are honored on both sides. Closing either
// end closes both.
func Pipe() (*PipeEnd, *PipeEnd) {
	shared := &pipeState{done: make(chan struct{})}
	ab := make(chan []byte, 16)
	ba := make(chan []byte, 16)
	return &PipeEnd{state: shared, in: ba, out: ab}, &PipeEnd{state: shared, in: ab, out: ba}
}

type pipeState struct {
	once sync.Once
	done chan struct{}
}

// PipeEnd is one side of a Pipe.
type PipeEnd struct {
	state   *pipeState
	in      <-chan []byte
	out     chan<- []byte
	pending []byte
}

func after(timeout time.Duration) (<-chan time.Time, func()) {
	if timeout < 0 {
		return nil, func() {}
	}
	t := time.NewTimer(timeout)
	return t.C, func() { t.Stop() }
}

func (p *PipeEnd) Read(n int, timeout time.Duration) ([]byte, error) {
	if len(p.pending) == 0 {
		select {
		case <-p.state.done:
			return nil, &transport.OpError{Op: "read", Err: transport.ErrClosed}
		case chunk := <-p.in:
			p.pending = chunk
		default:
		}
	}
	if len(p.pending) == 0 {
		expired, stop := after(timeout)
		defer stop()
		select {
		case chunk := <-p.in:
			p.pending = chunk
		case <-p.state.done:
			return nil, &transport.OpError{Op: "read", Err: transport.ErrClosed}
		case <-expired:
			return nil, &transport.OpError{Op: "read", Err: transport.ErrTimeout}
		}
	}
	k := min(n, len(p.pending))
	out := p.pending[:k:k]
	p.pending = p.pending[k:]
	return out, nil
}

func (p *PipeEnd) Write(data []byte, timeout time.Duration) (int, error) {
	select {
	case <-p.state.done:
		return 0, &transport.OpError{Op: "write", Err: transport.ErrClosed}
	default:
	}
	if len(data) == 0 {
		return 0, nil
	}
	msg := append([]byte(nil), data...)
	select {
	case p.out <- msg:
		return len(data), nil
	default:
	}
	expired, stop := after(timeout)
	defer stop()
	select {
	case p.out <- msg:
		return len(data), nil
	case <-p.state.done:
		return 0, &transport.OpError{Op: "write", Err: transport.ErrClosed}
	case <-expired:
		return 0, &transport.OpError{Op: "write", Err: transport.ErrTimeout}
	}
}

func (p *PipeEnd) Close() error {
	p.state.once.Do(func() { close(p.state.done) })
	return nil
}

var _ transport.Transport = (*PipeEnd)(nil)
