// Package projectapitest provides helpers for testing Project API handlers
// and clients.
package projectapitest

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ggoodman/projectapi-go/projectapi"
)

// BaseHandler implements projectapi.Handler. Every method fails with
// projectapi.ErrNotImplemented except ServerInfoQuery, which returns Info, and
// DisconnectTransport, which succeeds. Embed it to override a subset.
type BaseHandler struct {
	Info projectapi.ServerInfo
}

func (b *BaseHandler) ServerInfoQuery(context.Context) (projectapi.ServerInfo, error) {
	return b.Info, nil
}

func (*BaseHandler) GenerateProject(context.Context, string, string, string, projectapi.Options) error {
	return projectapi.ErrNotImplemented
}

func (*BaseHandler) Build(context.Context, projectapi.Options) error {
	return projectapi.ErrNotImplemented
}

func (*BaseHandler) Flash(context.Context, projectapi.Options) error {
	return projectapi.ErrNotImplemented
}

func (*BaseHandler) ConnectTransport(context.Context, projectapi.Options) (projectapi.TransportTimeouts, error) {
	return projectapi.TransportTimeouts{}, projectapi.ErrNotImplemented
}

func (*BaseHandler) DisconnectTransport(context.Context) error { return nil }

func (*BaseHandler) ReadTransport(context.Context, int, time.Duration) ([]byte, error) {
	return nil, projectapi.ErrNotImplemented
}

func (*BaseHandler) WriteTransport(context.Context, []byte, time.Duration) (int, error) {
	return 0, projectapi.ErrNotImplemented
}

var _ projectapi.Handler = (*BaseHandler)(nil)

// Conn is the client side of a served pipe pair.
type Conn struct {
	// W carries request lines to the server.
	W io.WriteCloser
	// R carries reply lines from the server.
	R *bufio.Reader
	// Done receives Serve's return value once it exits.
	Done <-chan error
}

// Serve runs a Server for h over a pair of in-memory pipes. The pipes are
// closed and the server awaited during test cleanup.
func Serve(t *testing.T, h projectapi.Handler, opts ...projectapi.ServerOption) *Conn {
	t.Helper()

	reqR, reqW := io.Pipe()
	repR, repW := io.Pipe()

	opts = append([]projectapi.ServerOption{
		projectapi.WithIO(reqR, repW),
		projectapi.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	srv := projectapi.NewServer(h, opts...)

	done := make(chan error, 1)
	go func() {
		err := srv.Serve(context.Background())
		_ = repW.Close()
		done <- err
	}()

	conn := &Conn{W: reqW, R: bufio.NewReader(repR), Done: done}
	t.Cleanup(func() {
		_ = reqW.Close()
		_ = repR.Close()
	})
	return conn
}

// NewClient serves h and returns a client connected to it.
func NewClient(t *testing.T, h projectapi.Handler, opts ...projectapi.ClientOption) *projectapi.Client {
	t.Helper()
	conn := Serve(t, h)
	return projectapi.NewClient(conn.R, conn.W, opts...)
}

// Send writes one raw request line; a trailing newline is added.
func (c *Conn) Send(t *testing.T, line string) {
	t.Helper()
	if _, err := io.WriteString(c.W, line+"\n"); err != nil {
		t.Fatalf("Send() failed: %v", err)
	}
}

// Recv reads one raw reply line without its newline.
func (c *Conn) Recv(t *testing.T) string {
	t.Helper()
	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := c.R.ReadString('\n')
		ch <- result{line, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			t.Fatalf("Recv() failed: %v", r.err)
		}
		return r.line[:len(r.line)-1]
	case <-time.After(5 * time.Second):
		t.Fatal("Recv() timed out")
		return ""
	}
}

// Wait returns Serve's result, failing the test if it does not exit in time.
func (c *Conn) Wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-c.Done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Serve() did not exit")
		return nil
	}
}
