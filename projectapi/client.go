package projectapi

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/projectapi-go/internal/jsonrpc"
	"github.com/ggoodman/projectapi-go/transport"
)

// Client issues requests to a Server over a pair of streams. Calls are
// strictly sequential: each blocks until its reply line has been read.
// Client implements Handler, so a remote agent can stand in for a local one.
type Client struct {
	mu     sync.Mutex
	br     *bufio.Reader
	bw     *bufio.Writer
	nextID int64
	kinds  map[string]error
	log    *slog.Logger
	broken error
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithClientLogger overrides the logger. Defaults to slog.Default().
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// WithErrorKinds registers additional error kinds. A RemoteError whose kind
// is registered unwraps to the given sentinel.
func WithErrorKinds(kinds map[string]error) ClientOption {
	return func(c *Client) {
		for k, v := range kinds {
			c.kinds[k] = v
		}
	}
}

// NewClient returns a Client that writes requests to w and reads replies
// from r.
func NewClient(r io.Reader, w io.Writer, opts ...ClientOption) *Client {
	c := &Client{
		br:    bufio.NewReader(r),
		bw:    bufio.NewWriter(w),
		kinds: defaultKinds(),
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type readResult struct {
	line []byte
	err  error
}

// Call sends one request and decodes its result into result, which may be
// nil. A nil params is sent as an empty object.
//
// If ctx is done while waiting for the reply, Call returns ctx.Err() and the
// Client is no longer usable: the late reply would desynchronize the stream.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.broken != nil {
		return fmt.Errorf("%w: %v", ErrClientClosed, c.broken)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.nextID++
	id := jsonrpc.NewRequestID(c.nextID)

	rawParams := json.RawMessage("{}")
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("projectapi: %s: marshal params: %w", method, err)
		}
		rawParams = b
	}
	b, err := json.Marshal(&jsonrpc.Request{
		JSONRPCVersion: jsonrpc.ProtocolVersion,
		Method:         method,
		Params:         rawParams,
		ID:             id,
	})
	if err != nil {
		return fmt.Errorf("projectapi: %s: marshal request: %w", method, err)
	}
	c.log.DebugContext(ctx, "projectapi: send request", slog.String("line", string(b)))
	b = append(b, '\n')
	if _, err := c.bw.Write(b); err != nil {
		return c.fail(fmt.Errorf("projectapi: %s: write request: %w", method, err))
	}
	if err := c.bw.Flush(); err != nil {
		return c.fail(fmt.Errorf("projectapi: %s: write request: %w", method, err))
	}

	done := make(chan readResult, 1)
	go func() {
		line, err := c.br.ReadBytes('\n')
		done <- readResult{line, err}
	}()

	var rr readResult
	select {
	case rr = <-done:
	case <-ctx.Done():
		c.broken = ctx.Err()
		return ctx.Err()
	}
	if len(rr.line) == 0 && rr.err != nil {
		return c.fail(fmt.Errorf("projectapi: %s: read reply: %w", method, rr.err))
	}
	c.log.DebugContext(ctx, "projectapi: read reply", slog.String("line", string(rr.line)))

	resp, err := jsonrpc.ParseResponse(rr.line)
	if err != nil {
		return c.fail(fmt.Errorf("%w: %s: %v", ErrMalformedReply, method, err))
	}
	if !resp.ID.Equal(id) {
		return c.fail(fmt.Errorf("%w: %s: sent %s, got %s", ErrMismatchedID, method, id, resp.ID))
	}
	if resp.Error != nil {
		return newRemoteError(method, resp.Error, c.kinds)
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Result, result); err != nil {
		return fmt.Errorf("%w: %s: decode result: %v", ErrMalformedReply, method, err)
	}
	return nil
}

func (c *Client) fail(err error) error {
	c.broken = err
	return err
}

func orEmpty(opts Options) Options {
	if opts == nil {
		return Options{}
	}
	return opts
}

func (c *Client) ServerInfoQuery(ctx context.Context) (ServerInfo, error) {
	var info ServerInfo
	err := c.Call(ctx, MethodServerInfoQuery, ServerInfoQueryParams{}, &info)
	return info, err
}

func (c *Client) GenerateProject(ctx context.Context, modelLibraryFormatPath, standaloneCRTDir, projectDir string, opts Options) error {
	return c.Call(ctx, MethodGenerateProject, GenerateProjectParams{
		ModelLibraryFormatPath: modelLibraryFormatPath,
		StandaloneCRTDir:       standaloneCRTDir,
		ProjectDir:             projectDir,
		Options:                orEmpty(opts),
	}, nil)
}

func (c *Client) Build(ctx context.Context, opts Options) error {
	return c.Call(ctx, MethodBuild, BuildParams{Options: orEmpty(opts)}, nil)
}

func (c *Client) Flash(ctx context.Context, opts Options) error {
	return c.Call(ctx, MethodFlash, FlashParams{Options: orEmpty(opts)}, nil)
}

func (c *Client) ConnectTransport(ctx context.Context, opts Options) (TransportTimeouts, error) {
	var res ConnectTransportResult
	if err := c.Call(ctx, MethodConnectTransport, ConnectTransportParams{Options: orEmpty(opts)}, &res); err != nil {
		return TransportTimeouts{}, err
	}
	if err := res.Timeouts.Validate(); err != nil {
		return TransportTimeouts{}, fmt.Errorf("%w: %s: %v", ErrMalformedReply, MethodConnectTransport, err)
	}
	return res.Timeouts, nil
}

func (c *Client) DisconnectTransport(ctx context.Context) error {
	return c.Call(ctx, MethodDisconnectTransport, DisconnectTransportParams{}, nil)
}

func (c *Client) ReadTransport(ctx context.Context, n int, timeout time.Duration) ([]byte, error) {
	var res ReadTransportResult
	err := c.Call(ctx, MethodReadTransport, ReadTransportParams{N: n, TimeoutSec: transport.ToSeconds(timeout)}, &res)
	return res.Data, err
}

func (c *Client) WriteTransport(ctx context.Context, data []byte, timeout time.Duration) (int, error) {
	var res WriteTransportResult
	err := c.Call(ctx, MethodWriteTransport, WriteTransportParams{Data: data, TimeoutSec: transport.ToSeconds(timeout)}, &res)
	return res.BytesWritten, err
}

var _ Handler = (*Client)(nil)
