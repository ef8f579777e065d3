package projectapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/invopop/jsonschema"

	"github.com/ggoodman/projectapi-go/internal/jsonrpc"
	"github.com/ggoodman/projectapi-go/transport"
)

// method is one entry of the closed dispatch table.
type method struct {
	name   string
	schema *jsonschema.Schema
	// declared lists every parameter name; all of them are required.
	declared []string
	call     func(ctx context.Context, h Handler, params json.RawMessage) (any, error)
}

// paramError is a parameter rejection, reported as INVALID_PARAMS.
type paramError struct{ msg string }

func (e *paramError) Error() string { return e.msg }

func reflectParams[P any]() *jsonschema.Schema {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	return r.Reflect(new(P))
}

func defineMethod[P any](name string, call func(ctx context.Context, h Handler, p *P) (any, error)) method {
	s := reflectParams[P]()
	var declared []string
	if s.Properties != nil {
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			declared = append(declared, el.Key)
		}
	}
	m := method{name: name, schema: s, declared: declared}
	m.call = func(ctx context.Context, h Handler, raw json.RawMessage) (any, error) {
		var p P
		if err := m.decode(raw, &p); err != nil {
			return nil, err
		}
		return call(ctx, h, &p)
	}
	return m
}

// decode enforces the declared parameter set, then decodes raw into dst.
func (m method) decode(raw json.RawMessage, dst any) error {
	var given map[string]json.RawMessage
	if err := json.Unmarshal(raw, &given); err != nil {
		return &paramError{fmt.Sprintf("method %s: params: %v", m.name, err)}
	}
	required := m.schema.Required
	for _, name := range required {
		if _, ok := given[name]; !ok {
			return &paramError{fmt.Sprintf("method %s: parameter %s not given", m.name, name)}
		}
	}
	var extra []string
	for name := range given {
		if !m.isDeclared(name) {
			extra = append(extra, name)
		}
	}
	if len(extra) > 0 {
		sort.Strings(extra)
		return &paramError{fmt.Sprintf("%s: extra parameters: %s", m.name, strings.Join(extra, ", "))}
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return &paramError{fmt.Sprintf("method %s: parameter %s: want %s, got %s", m.name, typeErr.Field, typeErr.Type, typeErr.Value)}
		}
		return &paramError{fmt.Sprintf("method %s: params: %v", m.name, err)}
	}
	return nil
}

func (m method) isDeclared(name string) bool {
	for _, d := range m.declared {
		if d == name {
			return true
		}
	}
	return false
}

var methodTable = []method{
	defineMethod(MethodServerInfoQuery, func(ctx context.Context, h Handler, _ *ServerInfoQueryParams) (any, error) {
		info, err := h.ServerInfoQuery(ctx)
		if err != nil {
			return nil, err
		}
		info.ProtocolVersion = ProtocolVersion
		if info.ProjectOptions == nil {
			info.ProjectOptions = []ProjectOption{}
		}
		return info, nil
	}),
	defineMethod(MethodGenerateProject, func(ctx context.Context, h Handler, p *GenerateProjectParams) (any, error) {
		return nil, h.GenerateProject(ctx, p.ModelLibraryFormatPath, p.StandaloneCRTDir, p.ProjectDir, p.Options)
	}),
	defineMethod(MethodBuild, func(ctx context.Context, h Handler, p *BuildParams) (any, error) {
		return nil, h.Build(ctx, p.Options)
	}),
	defineMethod(MethodFlash, func(ctx context.Context, h Handler, p *FlashParams) (any, error) {
		return nil, h.Flash(ctx, p.Options)
	}),
	defineMethod(MethodConnectTransport, func(ctx context.Context, h Handler, p *ConnectTransportParams) (any, error) {
		timeouts, err := h.ConnectTransport(ctx, p.Options)
		if err != nil {
			return nil, err
		}
		return ConnectTransportResult{Timeouts: timeouts}, nil
	}),
	defineMethod(MethodDisconnectTransport, func(ctx context.Context, h Handler, _ *DisconnectTransportParams) (any, error) {
		return nil, h.DisconnectTransport(ctx)
	}),
	defineMethod(MethodReadTransport, func(ctx context.Context, h Handler, p *ReadTransportParams) (any, error) {
		if p.N < 1 {
			return nil, &paramError{fmt.Sprintf("method %s: parameter n: want >= 1, got %d", MethodReadTransport, p.N)}
		}
		data, err := h.ReadTransport(ctx, p.N, transport.FromSeconds(p.TimeoutSec))
		if err != nil {
			return nil, err
		}
		return ReadTransportResult{Data: data}, nil
	}),
	defineMethod(MethodWriteTransport, func(ctx context.Context, h Handler, p *WriteTransportParams) (any, error) {
		n, err := h.WriteTransport(ctx, p.Data, transport.FromSeconds(p.TimeoutSec))
		if err != nil {
			return nil, err
		}
		return WriteTransportResult{BytesWritten: n}, nil
	}),
}

var methodsByName = func() map[string]method {
	out := make(map[string]method, len(methodTable))
	for _, m := range methodTable {
		out[m.name] = m
	}
	return out
}()

// MethodSchema describes the parameters of one method.
type MethodSchema struct {
	Method string             `json:"method"`
	Params *jsonschema.Schema `json:"params"`
}

// Schemas returns the parameter schema of every recognized method, in
// dispatch table order.
func Schemas() []MethodSchema {
	out := make([]MethodSchema, 0, len(methodTable))
	for _, m := range methodTable {
		out = append(out, MethodSchema{Method: m.name, Params: m.schema})
	}
	return out
}

func invalidParams(err *paramError) *jsonrpc.Error {
	return jsonrpc.Errorf(jsonrpc.ErrorCodeInvalidParams, "%s", err.msg)
}
