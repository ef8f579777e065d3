package jsonrpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"unicode/utf8"
)

// ProtocolVersion is the supported JSON-RPC protocol version.
const ProtocolVersion = "2.0"

var (
	// ErrNotObject indicates a message line did not hold a JSON object.
	ErrNotObject = errors.New("jsonrpc: message is not a JSON object")
	// ErrInvalidUTF8 indicates a message line was not valid UTF-8.
	ErrInvalidUTF8 = errors.New("jsonrpc: message is not valid UTF-8")
	// ErrUnusableID indicates the id member was neither a string, a number nor null.
	ErrUnusableID = errors.New("jsonrpc: unusable request id")
)

// ValidMethodName matches the method names a server will consider dispatching.
var ValidMethodName = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// Request represents a JSON-RPC request. Params is always an object.
type Request struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Method         string          `json:"method"`
	Params         json.RawMessage `json:"params"`
	ID             RequestID       `json:"id"`
}

// Response represents a JSON-RPC response. Exactly one of Result and Error is
// set on a well-formed response.
type Response struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	ID             RequestID       `json:"id"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`
}

// NewResultResponse builds a successful JSON-RPC response object. A nil result
// is encoded as JSON null.
func NewResultResponse(id RequestID, result any) (*Response, error) {
	resultBytes, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}

	return &Response{
		JSONRPCVersion: ProtocolVersion,
		Result:         resultBytes,
		ID:             id,
	}, nil
}

// NewErrorResponse builds an error JSON-RPC response.
func NewErrorResponse(id RequestID, rpcErr *Error) *Response {
	return &Response{
		JSONRPCVersion: ProtocolVersion,
		Error:          rpcErr,
		ID:             id,
	}
}

// Envelope is a decoded message object whose members have not been validated.
type Envelope map[string]json.RawMessage

// ParseEnvelope decodes a single message line. Failures here mean the stream
// can no longer be trusted.
func ParseEnvelope(line []byte) (Envelope, error) {
	if !utf8.Valid(line) {
		return nil, ErrInvalidUTF8
	}
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, ErrNotObject
	}
	var env Envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	return env, nil
}

// ID returns the envelope id. A missing id is the null id.
func (e Envelope) ID() (RequestID, error) {
	raw, ok := e["id"]
	if !ok {
		return RequestID{}, nil
	}
	var id RequestID
	if err := json.Unmarshal(raw, &id); err != nil {
		return RequestID{}, fmt.Errorf("%w: %v", ErrUnusableID, err)
	}
	return id, nil
}

// Request validates the envelope shape as a request. The returned *Error
// carries ErrorCodeInvalidRequest.
func (e Envelope) Request() (*Request, *Error) {
	id, err := e.ID()
	if err != nil {
		return nil, Errorf(ErrorCodeInvalidRequest, `request["id"]: want str, number, null, got: %s`, string(e["id"]))
	}

	var version string
	if raw, ok := e["jsonrpc"]; !ok || json.Unmarshal(raw, &version) != nil || version != ProtocolVersion {
		return nil, Errorf(ErrorCodeInvalidRequest, `request["jsonrpc"]: want "2.0", got %s`, rawOrMissing(e["jsonrpc"]))
	}

	var method string
	if raw, ok := e["method"]; !ok || json.Unmarshal(raw, &method) != nil {
		return nil, Errorf(ErrorCodeInvalidRequest, `request["method"]: want str, got %s`, rawOrMissing(e["method"]))
	}
	if !ValidMethodName.MatchString(method) {
		return nil, Errorf(ErrorCodeInvalidRequest, `request["method"]: should match regex %s, got %q`, ValidMethodName.String(), method)
	}

	params := bytes.TrimSpace(e["params"])
	if len(params) == 0 || params[0] != '{' {
		return nil, Errorf(ErrorCodeInvalidRequest, `request["params"]: want object, got %s`, rawOrMissing(e["params"]))
	}

	return &Request{
		JSONRPCVersion: version,
		Method:         method,
		Params:         params,
		ID:             id,
	}, nil
}

// ParseResponse decodes and validates a reply line: version, id presence and
// exactly one of result/error.
func ParseResponse(line []byte) (*Response, error) {
	env, err := ParseEnvelope(line)
	if err != nil {
		return nil, err
	}

	var version string
	if raw, ok := env["jsonrpc"]; !ok || json.Unmarshal(raw, &version) != nil || version != ProtocolVersion {
		return nil, fmt.Errorf(`reply should include "jsonrpc": "2.0"; saw jsonrpc=%s`, rawOrMissing(env["jsonrpc"]))
	}
	if _, ok := env["id"]; !ok {
		return nil, fmt.Errorf("reply has no id")
	}
	id, err := env.ID()
	if err != nil {
		return nil, err
	}

	result, hasResult := env["result"]
	rawErr, hasError := env["error"]
	if hasResult && hasError {
		return nil, fmt.Errorf("reply cannot have both result and error fields")
	}
	if !hasResult && !hasError {
		return nil, fmt.Errorf("reply must have either result or error field")
	}

	resp := &Response{JSONRPCVersion: version, ID: id}
	if hasResult {
		resp.Result = result
		return resp, nil
	}
	rawErr = bytes.TrimSpace(rawErr)
	if len(rawErr) == 0 || rawErr[0] != '{' {
		return nil, fmt.Errorf("reply error member must be an object, got %s", string(rawErr))
	}
	var rpcErr Error
	if err := json.Unmarshal(rawErr, &rpcErr); err != nil {
		return nil, fmt.Errorf("invalid error member: %w", err)
	}
	resp.Error = &rpcErr
	return resp, nil
}

func rawOrMissing(raw json.RawMessage) string {
	if raw == nil {
		return "<missing>"
	}
	return string(raw)
}
