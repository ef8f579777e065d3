// Package wstransport carries a transport.Transport over a websocket, so a
// board attached to another machine can be driven as if it were local.
//
// Each websocket binary message holds an arbitrary run of channel bytes;
// message boundaries carry no meaning. Conn is the client half; Bridge is an
// http.Handler that exposes a local transport to one websocket peer at a time.
package wstransport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ggoodman/projectapi-go/transport"
)

const (
	defaultHandshakeTimeout = 15 * time.Second
	closeGrace              = time.Second
)

// Conn is a transport.Transport backed by a websocket connection. A reader
// goroutine drains incoming messages and a writer goroutine sends outgoing
// ones, so that a timed-out Read or Write leaves the connection usable.
type Conn struct {
	ws *websocket.Conn

	incoming chan []byte
	outgoing chan []byte
	done     chan struct{}

	pending []byte

	errMu sync.Mutex
	err   error

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Dial connects to a Bridge (or any peer speaking the same framing) at url.
func Dial(ctx context.Context, url string) (*Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: defaultHandshakeTimeout}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, &transport.OpError{Op: "open", Err: fmt.Errorf("dial %s: %w", url, err)}
	}
	return New(ws), nil
}

// New wraps an established websocket connection.
func New(ws *websocket.Conn) *Conn {
	c := &Conn{
		ws:       ws,
		incoming: make(chan []byte, 64),
		outgoing: make(chan []byte, 1),
		done:     make(chan struct{}),
	}
	c.wg.Add(2)
	go c.readLoop()
	go c.writeLoop()
	return c
}

func (c *Conn) fail(err error) {
	c.errMu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.errMu.Unlock()
	c.shutdown()
}

func (c *Conn) closedErr(op string) error {
	c.errMu.Lock()
	err := c.err
	c.errMu.Unlock()
	if err == nil {
		return &transport.OpError{Op: op, Err: transport.ErrClosed}
	}
	return &transport.OpError{Op: op, Err: fmt.Errorf("%w: %v", transport.ErrClosed, err)}
}

func (c *Conn) readLoop() {
	defer c.wg.Done()
	defer close(c.incoming)
	for {
		mt, msg, err := c.ws.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}
		if mt != websocket.BinaryMessage || len(msg) == 0 {
			continue
		}
		select {
		case c.incoming <- msg:
		case <-c.done:
			return
		}
	}
}

func (c *Conn) writeLoop() {
	defer c.wg.Done()
	for {
		select {
		case msg := <-c.outgoing:
			if err := c.ws.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				c.fail(err)
				return
			}
		case <-c.done:
			return
		}
	}
}

// Read returns buffered bytes from the last message, or waits for the next one.
func (c *Conn) Read(n int, timeout time.Duration) ([]byte, error) {
	if len(c.pending) == 0 {
		msg, err := c.next(timeout)
		if err != nil {
			return nil, err
		}
		c.pending = msg
	}
	k := min(n, len(c.pending))
	out := c.pending[:k:k]
	c.pending = c.pending[k:]
	return out, nil
}

func (c *Conn) next(timeout time.Duration) ([]byte, error) {
	recv := func(msg []byte, ok bool) ([]byte, error) {
		if !ok {
			return nil, c.closedErr("read")
		}
		return msg, nil
	}
	switch {
	case timeout < 0:
		msg, ok := <-c.incoming
		return recv(msg, ok)
	case timeout == 0:
		select {
		case msg, ok := <-c.incoming:
			return recv(msg, ok)
		default:
			return nil, &transport.OpError{Op: "read", Err: transport.ErrTimeout}
		}
	default:
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case msg, ok := <-c.incoming:
			return recv(msg, ok)
		case <-timer.C:
			return nil, &transport.OpError{Op: "read", Err: transport.ErrTimeout}
		}
	}
}

// Write queues data as one message. It times out only while the previous
// message is still being sent.
func (c *Conn) Write(data []byte, timeout time.Duration) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}
	select {
	case <-c.done:
		return 0, c.closedErr("write")
	default:
	}
	msg := append([]byte(nil), data...)

	var expired <-chan time.Time
	switch {
	case timeout == 0:
		select {
		case c.outgoing <- msg:
			return len(data), nil
		case <-c.done:
			return 0, c.closedErr("write")
		default:
			return 0, &transport.OpError{Op: "write", Err: transport.ErrTimeout}
		}
	case timeout > 0:
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case c.outgoing <- msg:
		return len(data), nil
	case <-c.done:
		return 0, c.closedErr("write")
	case <-expired:
		return 0, &transport.OpError{Op: "write", Err: transport.ErrTimeout}
	}
}

func (c *Conn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeGrace))
		_ = c.ws.Close()
	})
}

// Close sends a close frame and tears down the connection. It is safe to
// call more than once.
func (c *Conn) Close() error {
	c.shutdown()
	c.wg.Wait()
	return nil
}

var _ transport.Transport = (*Conn)(nil)
