package projectapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime/debug"

	"github.com/ggoodman/projectapi-go/internal/jsonrpc"
	"github.com/ggoodman/projectapi-go/internal/logctx"
)

// ErrDesync is returned by Serve when a request line could not be trusted
// and the stream was abandoned.
var ErrDesync = errors.New("projectapi: request stream desynchronized")

// Server reads line-delimited JSON-RPC requests, dispatches them to a Handler
// one at a time and writes one reply line per request.
type Server struct {
	handler Handler
	r       io.Reader
	w       io.Writer
	log     *slog.Logger

	br *bufio.Reader
	bw *bufio.Writer
}

// ServerOption customizes a Server.
type ServerOption func(*Server)

// WithIO sets the request reader and the reply writer. Defaults are os.Stdin
// and os.Stdout.
func WithIO(r io.Reader, w io.Writer) ServerOption {
	return func(s *Server) {
		if r != nil {
			s.r = r
		}
		if w != nil {
			s.w = w
		}
	}
}

// WithLogger overrides the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// NewServer constructs a Server for h and applies options.
func NewServer(h Handler, opts ...ServerOption) *Server {
	s := &Server{
		handler: h,
		r:       os.Stdin,
		w:       os.Stdout,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.br = bufio.NewReader(s.r)
	s.bw = bufio.NewWriter(s.w)
	return s
}

// Serve handles requests until the reader reaches EOF, which returns nil.
// A request that cannot be parsed, or whose envelope is invalid, ends the
// loop with an error wrapping ErrDesync. Handler failures do not end the loop.
// The context is checked between requests and passed to every handler call.
func (s *Server) Serve(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		more, err := s.ServeOne(ctx)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
}

// ServeOne reads, dispatches and replies to a single request. It reports
// whether more requests may follow.
func (s *Server) ServeOne(ctx context.Context) (bool, error) {
	line, readErr := s.br.ReadBytes('\n')
	if len(line) == 0 {
		if readErr == nil || errors.Is(readErr, io.EOF) {
			s.log.DebugContext(ctx, "projectapi: end of request stream")
			return false, nil
		}
		return false, fmt.Errorf("projectapi: read request: %w", readErr)
	}
	s.log.DebugContext(ctx, "projectapi: read request", slog.String("line", string(line)))

	env, err := jsonrpc.ParseEnvelope(line)
	if err != nil {
		s.log.ErrorContext(ctx, "projectapi: caught error reading request", slog.String("err", err.Error()))
		return false, fmt.Errorf("%w: %v", ErrDesync, err)
	}
	id, err := env.ID()
	if err != nil {
		// No usable id to reply to.
		s.log.ErrorContext(ctx, "projectapi: request id unusable", slog.String("err", err.Error()))
		return false, fmt.Errorf("%w: %v", ErrDesync, err)
	}

	req, rpcErr := env.Request()
	if rpcErr != nil {
		s.log.ErrorContext(ctx, "projectapi: invalid request", slog.String("err", rpcErr.Message))
		if err := s.reply(ctx, jsonrpc.NewErrorResponse(id, rpcErr)); err != nil {
			return false, err
		}
		return false, fmt.Errorf("%w: %s", ErrDesync, rpcErr.Message)
	}

	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: req.Method, ID: req.ID.String()})
	resp := s.dispatch(ctx, req)
	if err := s.reply(ctx, resp); err != nil {
		return false, err
	}
	// A partial final line is still served; the next read sees EOF.
	return readErr == nil, nil
}

func (s *Server) dispatch(ctx context.Context, req *jsonrpc.Request) (resp *jsonrpc.Response) {
	m, ok := methodsByName[req.Method]
	if !ok {
		s.log.WarnContext(ctx, "projectapi: no such method")
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.Errorf(jsonrpc.ErrorCodeMethodNotFound, "%s: no such method", req.Method))
	}

	defer func() {
		if p := recover(); p != nil {
			err := fmt.Errorf("panic calling method %s: %v", req.Method, p)
			s.log.ErrorContext(ctx, "projectapi: handler panicked", slog.String("err", err.Error()))
			resp = jsonrpc.NewErrorResponse(req.ID, serverError(KindServerError, err, captureStack()))
		}
	}()

	result, err := m.call(ctx, s.handler, req.Params)
	if err != nil {
		var pErr *paramError
		if errors.As(err, &pErr) {
			s.log.WarnContext(ctx, "projectapi: invalid params", slog.String("err", pErr.msg))
			return jsonrpc.NewErrorResponse(req.ID, invalidParams(pErr))
		}
		kind := KindOf(err)
		s.log.WarnContext(ctx, "projectapi: method failed", slog.String("kind", kind), slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, serverError(kind, err, captureStack()))
	}

	resp, err = jsonrpc.NewResultResponse(req.ID, result)
	if err != nil {
		return jsonrpc.NewErrorResponse(req.ID, serverError(KindServerError, err, captureStack()))
	}
	return resp
}

func captureStack() []byte { return debug.Stack() }

func serverError(kind string, err error, stack []byte) *jsonrpc.Error {
	return &jsonrpc.Error{
		Code:    jsonrpc.ErrorCodeServerError,
		Message: kind,
		Data: map[string]any{
			"traceback": formatTraceback(stack, kind+": "+err.Error()),
			"error":     err.Error(),
		},
	}
}

func (s *Server) reply(ctx context.Context, resp *jsonrpc.Response) error {
	b, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("projectapi: encode reply: %w", err)
	}
	s.log.DebugContext(ctx, "projectapi: write reply", slog.String("line", string(b)))
	b = append(b, '\n')
	if _, err := s.bw.Write(b); err != nil {
		return fmt.Errorf("projectapi: write reply: %w", err)
	}
	if err := s.bw.Flush(); err != nil {
		return fmt.Errorf("projectapi: write reply: %w", err)
	}
	return nil
}
