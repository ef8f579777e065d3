package projectapi

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ggoodman/projectapi-go/transport"
)

// ErrTransportNotOpen is returned by Transport.Timeouts before Open.
var ErrTransportNotOpen = errors.New("projectapi: transport not open")

// Transport tunnels a device channel through a Client's connect, read, write
// and disconnect calls. It implements transport.Transport.
type Transport struct {
	client  *Client
	options Options

	mu       sync.Mutex
	timeouts *TransportTimeouts
}

// NewTransport returns a Transport that connects with the given options.
func NewTransport(c *Client, opts Options) *Transport {
	return &Transport{client: c, options: opts}
}

// Open connects the remote transport and caches the negotiated timeouts.
func (t *Transport) Open(ctx context.Context) (TransportTimeouts, error) {
	timeouts, err := t.client.ConnectTransport(ctx, t.options)
	if err != nil {
		return TransportTimeouts{}, err
	}
	t.mu.Lock()
	t.timeouts = &timeouts
	t.mu.Unlock()
	return timeouts, nil
}

// Timeouts returns the timeouts negotiated by Open.
func (t *Transport) Timeouts() (TransportTimeouts, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timeouts == nil {
		return TransportTimeouts{}, ErrTransportNotOpen
	}
	return *t.timeouts, nil
}

func (t *Transport) Read(n int, timeout time.Duration) ([]byte, error) {
	data, err := t.client.ReadTransport(context.Background(), n, timeout)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, &transport.OpError{Op: "read", Err: transport.ErrClosed}
	}
	return data, nil
}

func (t *Transport) Write(data []byte, timeout time.Duration) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}
	n, err := t.client.WriteTransport(context.Background(), data, timeout)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, &transport.OpError{Op: "write", Err: transport.ErrClosed}
	}
	return n, nil
}

// Close disconnects the remote transport. It does nothing if Open has not
// succeeded since the last Close.
func (t *Transport) Close() error {
	t.mu.Lock()
	open := t.timeouts != nil
	t.timeouts = nil
	t.mu.Unlock()
	if !open {
		return nil
	}
	return t.client.DisconnectTransport(context.Background())
}

var _ transport.Transport = (*Transport)(nil)
