package projectapi

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ggoodman/projectapi-go/internal/jsonrpc"
	"github.com/ggoodman/projectapi-go/transport"
)

// Error kinds carried in the message member of a -32000 error reply.
const (
	KindTransportClosed = "TransportClosedError"
	KindIoTimeout       = "IoTimeoutError"
	KindNotImplemented  = "NotImplementedError"
	KindInvalidOption   = "InvalidOptionError"
	KindServerError     = "ServerError"
)

var (
	// ErrNotImplemented is returned by handlers for methods their platform
	// does not support.
	ErrNotImplemented = errors.New("projectapi: not implemented")
	// ErrInvalidOption is returned when a caller passes an option the handler
	// does not declare, or a declared option with an unusable value.
	ErrInvalidOption = errors.New("projectapi: invalid option")

	// ErrMalformedReply means a reply line could not be parsed or violated the
	// envelope rules. The client is unusable afterwards.
	ErrMalformedReply = errors.New("projectapi: malformed reply")
	// ErrMismatchedID means a reply did not carry the id of the outstanding
	// request.
	ErrMismatchedID = errors.New("projectapi: reply id does not match request")
	// ErrClientClosed is returned by calls on a closed Client.
	ErrClientClosed = errors.New("projectapi: client closed")

	// Protocol-level rejections reported by a server.
	ErrInvalidRequest = errors.New("projectapi: invalid request")
	ErrMethodNotFound = errors.New("projectapi: method not found")
	ErrInvalidParams  = errors.New("projectapi: invalid params")
)

// builtinKinds maps sentinel errors to their wire kind. A failure is reported
// under the first entry it matches.
var builtinKinds = []struct {
	kind string
	err  error
}{
	{KindTransportClosed, transport.ErrClosed},
	{KindIoTimeout, transport.ErrTimeout},
	{KindNotImplemented, ErrNotImplemented},
	{KindInvalidOption, ErrInvalidOption},
}

// KindError attaches a platform-specific kind to an error.
type KindError struct {
	Kind string
	Err  error
}

// Errorf returns a *KindError with a formatted message. %w is honored.
func Errorf(kind, format string, args ...any) error {
	return &KindError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

func (e *KindError) Error() string { return e.Err.Error() }

func (e *KindError) Unwrap() error { return e.Err }

// ErrorKind implements the interface consulted by KindOf.
func (e *KindError) ErrorKind() string { return e.Kind }

// KindOf returns the wire kind for err.
func KindOf(err error) string {
	for _, k := range builtinKinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	var kinded interface{ ErrorKind() string }
	if errors.As(err, &kinded) {
		if kind := kinded.ErrorKind(); kind != "" {
			return kind
		}
	}
	return KindServerError
}

// RemoteError is a failure reported by the server in an error reply.
type RemoteError struct {
	Method string
	Code   int
	// Kind is the message member of the reply. For -32000 replies it names
	// the failure kind.
	Kind string
	Data map[string]any

	sentinel error
}

func (e *RemoteError) Error() string {
	if msg := e.Message(); msg != "" {
		return fmt.Sprintf("%s: remote %s: %s", e.Method, e.Kind, msg)
	}
	return fmt.Sprintf("%s: remote %s (code %d)", e.Method, e.Kind, e.Code)
}

// Unwrap returns the local sentinel registered for Kind, if any, so that
// errors.Is matches remote failures the same way as local ones.
func (e *RemoteError) Unwrap() error { return e.sentinel }

// ErrorKind preserves the remote kind when the error is reported again.
func (e *RemoteError) ErrorKind() string {
	if e.Code != int(jsonrpc.ErrorCodeServerError) {
		return ""
	}
	return e.Kind
}

// Message returns the remote error text, if the server sent one.
func (e *RemoteError) Message() string {
	s, _ := e.Data["error"].(string)
	return s
}

// Traceback returns the server-side stack, if the server sent one.
func (e *RemoteError) Traceback() string {
	s, _ := e.Data["traceback"].(string)
	return s
}

func newRemoteError(method string, rpcErr *jsonrpc.Error, kinds map[string]error) *RemoteError {
	re := &RemoteError{
		Method: method,
		Code:   int(rpcErr.Code),
		Kind:   rpcErr.Message,
		Data:   rpcErr.Data,
	}
	switch rpcErr.Code {
	case jsonrpc.ErrorCodeServerError:
		re.sentinel = kinds[rpcErr.Message]
	case jsonrpc.ErrorCodeInvalidRequest:
		re.sentinel = ErrInvalidRequest
	case jsonrpc.ErrorCodeMethodNotFound:
		re.sentinel = ErrMethodNotFound
	case jsonrpc.ErrorCodeInvalidParams:
		re.sentinel = ErrInvalidParams
	}
	return re
}

func defaultKinds() map[string]error {
	kinds := make(map[string]error, len(builtinKinds))
	for _, k := range builtinKinds {
		kinds[k.kind] = k.err
	}
	return kinds
}

// ValidateOptions fails with ErrInvalidOption when opts names an option not
// in declared.
func ValidateOptions(declared []ProjectOption, opts Options) error {
	known := make(map[string]struct{}, len(declared))
	for _, o := range declared {
		known[o.Name] = struct{}{}
	}
	var unknown []string
	for name := range opts {
		if _, ok := known[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) == 0 {
		return nil
	}
	sort.Strings(unknown)
	return fmt.Errorf("%w: unknown options: %s", ErrInvalidOption, strings.Join(unknown, ", "))
}

// MergeOptions returns a new Options holding defaults overlaid by opts.
func MergeOptions(defaults, opts Options) Options {
	out := make(Options, len(defaults)+len(opts))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range opts {
		out[k] = v
	}
	return out
}
