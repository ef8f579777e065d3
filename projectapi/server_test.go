package projectapi_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/projectapi-go/projectapi"
	"github.com/ggoodman/projectapi-go/projectapi/projectapitest"
	"github.com/ggoodman/projectapi-go/transport"
)

var fooBarInfo = projectapi.ServerInfo{
	PlatformName:           "p",
	IsTemplate:             true,
	ModelLibraryFormatPath: "x",
	ProjectOptions: []projectapi.ProjectOption{
		{Name: "foo", Help: "Option foo"},
		{Name: "bar", Help: "Option bar"},
	},
}

// recordingHandler captures the arguments of transport calls.
type recordingHandler struct {
	projectapitest.BaseHandler

	buildErr    error
	panicOnShip bool

	gotTimeout  time.Duration
	gotData     []byte
	readData    []byte
	disconnects int
}

func (h *recordingHandler) Build(ctx context.Context, opts projectapi.Options) error {
	return h.buildErr
}

func (h *recordingHandler) Flash(ctx context.Context, opts projectapi.Options) error {
	if h.panicOnShip {
		panic("flash exploded")
	}
	return nil
}

func (h *recordingHandler) ConnectTransport(ctx context.Context, opts projectapi.Options) (projectapi.TransportTimeouts, error) {
	return projectapi.TransportTimeouts{SessionStartRetryTimeoutSec: 2, SessionStartTimeoutSec: 5, SessionEstablishedTimeoutSec: 5}, nil
}

func (h *recordingHandler) DisconnectTransport(ctx context.Context) error {
	h.disconnects++
	return nil
}

func (h *recordingHandler) ReadTransport(ctx context.Context, n int, timeout time.Duration) ([]byte, error) {
	h.gotTimeout = timeout
	if h.readData == nil {
		return nil, &transport.OpError{Op: "read", Err: transport.ErrTimeout}
	}
	return h.readData[:min(n, len(h.readData))], nil
}

func (h *recordingHandler) WriteTransport(ctx context.Context, data []byte, timeout time.Duration) (int, error) {
	h.gotTimeout = timeout
	h.gotData = append([]byte(nil), data...)
	return len(data), nil
}

type errorReply struct {
	ID    json.RawMessage `json:"id"`
	Error struct {
		Code    int            `json:"code"`
		Message string         `json:"message"`
		Data    map[string]any `json:"data"`
	} `json:"error"`
	Result json.RawMessage `json:"result"`
}

func decodeReply(t *testing.T, line string) errorReply {
	t.Helper()
	var r errorReply
	if err := json.Unmarshal([]byte(line), &r); err != nil {
		t.Fatalf("Unmarshal(%q) failed: %v", line, err)
	}
	return r
}

func TestServerInfoQueryWireFormat(t *testing.T) {
	conn := projectapitest.Serve(t, &projectapitest.BaseHandler{Info: fooBarInfo})

	conn.Send(t, `{"jsonrpc":"2.0","method":"server_info_query","params":{},"id":1}`)
	got := conn.Recv(t)
	want := `{"jsonrpc":"2.0","id":1,"result":{"platform_name":"p","is_template":true,"model_library_format_path":"x","project_options":[{"name":"foo","help":"Option foo"},{"name":"bar","help":"Option bar"}],"protocol_version":1}}`
	if got != want {
		t.Fatalf("reply mismatch\n got: %s\nwant: %s", got, want)
	}
}

func TestServerInfoQueryEmptyOptions(t *testing.T) {
	conn := projectapitest.Serve(t, &projectapitest.BaseHandler{})

	conn.Send(t, `{"jsonrpc":"2.0","method":"server_info_query","params":{},"id":"a"}`)
	got := conn.Recv(t)
	if !strings.Contains(got, `"project_options":[]`) || !strings.Contains(got, `"id":"a"`) {
		t.Fatalf("reply = %s", got)
	}
}

func TestServerRejectsBadCallsAndContinues(t *testing.T) {
	conn := projectapitest.Serve(t, &recordingHandler{})

	cases := []struct {
		name     string
		request  string
		wantCode int
		wantMsg  string
	}{
		{"unknown method", `{"jsonrpc":"2.0","method":"reboot","params":{},"id":1}`, -32601, "reboot: no such method"},
		{"missing param", `{"jsonrpc":"2.0","method":"build","params":{},"id":2}`, -32602, "parameter options not given"},
		{"extra param", `{"jsonrpc":"2.0","method":"build","params":{"options":{},"force":true},"id":3}`, -32602, "extra parameters: force"},
		{"wrong type", `{"jsonrpc":"2.0","method":"read_transport","params":{"n":"many","timeout_sec":0},"id":4}`, -32602, "parameter n"},
		{"bad base64", `{"jsonrpc":"2.0","method":"write_transport","params":{"data":"!!","timeout_sec":0},"id":5}`, -32602, "write_transport"},
		{"zero n", `{"jsonrpc":"2.0","method":"read_transport","params":{"n":0,"timeout_sec":0},"id":6}`, -32602, "want >= 1"},
	}
	for i, tc := range cases {
		conn.Send(t, tc.request)
		r := decodeReply(t, conn.Recv(t))
		if string(r.ID) != string(rune('1'+i)) {
			t.Fatalf("%s: id = %s", tc.name, r.ID)
		}
		if r.Error.Code != tc.wantCode {
			t.Fatalf("%s: code = %d, want %d", tc.name, r.Error.Code, tc.wantCode)
		}
		if !strings.Contains(r.Error.Message, tc.wantMsg) {
			t.Fatalf("%s: message = %q, want it to contain %q", tc.name, r.Error.Message, tc.wantMsg)
		}
		if r.Result != nil {
			t.Fatalf("%s: reply carries both result and error", tc.name)
		}
	}

	// The session is still usable.
	conn.Send(t, `{"jsonrpc":"2.0","method":"build","params":{"options":{}},"id":99}`)
	if got := conn.Recv(t); got != `{"jsonrpc":"2.0","id":99,"result":null}` {
		t.Fatalf("reply = %s", got)
	}

	_ = conn.W.Close()
	if err := conn.Wait(t); err != nil {
		t.Fatalf("Serve() after EOF = %v, want nil", err)
	}
}

func TestServerHandlerErrorKeepsServing(t *testing.T) {
	h := &recordingHandler{buildErr: projectapi.Errorf("BoardError", "board %q not attached", "nrf5340dk")}
	conn := projectapitest.Serve(t, h)

	conn.Send(t, `{"jsonrpc":"2.0","method":"build","params":{"options":{}},"id":10}`)
	r := decodeReply(t, conn.Recv(t))
	if r.Error.Code != -32000 || r.Error.Message != "BoardError" {
		t.Fatalf("error = %+v", r.Error)
	}
	if got := r.Error.Data["error"]; got != `board "nrf5340dk" not attached` {
		t.Fatalf("data.error = %v", got)
	}
	tb, _ := r.Error.Data["traceback"].(string)
	if !strings.Contains(tb, "# <--- Outermost server-side stack frame") {
		t.Fatalf("traceback is not annotated:\n%s", tb)
	}

	conn.Send(t, `{"jsonrpc":"2.0","method":"read_transport","params":{"n":4,"timeout_sec":0},"id":11}`)
	r = decodeReply(t, conn.Recv(t))
	if r.Error.Message != projectapi.KindIoTimeout {
		t.Fatalf("read error kind = %q, want %q", r.Error.Message, projectapi.KindIoTimeout)
	}
	if string(r.ID) != "11" {
		t.Fatalf("id = %s", r.ID)
	}
}

func TestServerRecoversHandlerPanic(t *testing.T) {
	conn := projectapitest.Serve(t, &recordingHandler{panicOnShip: true})

	conn.Send(t, `{"jsonrpc":"2.0","method":"flash","params":{"options":{}},"id":1}`)
	r := decodeReply(t, conn.Recv(t))
	if r.Error.Code != -32000 || r.Error.Message != projectapi.KindServerError {
		t.Fatalf("error = %+v", r.Error)
	}
	if msg, _ := r.Error.Data["error"].(string); !strings.Contains(msg, "flash exploded") {
		t.Fatalf("data.error = %q", msg)
	}

	conn.Send(t, `{"jsonrpc":"2.0","method":"disconnect_transport","params":{},"id":2}`)
	if got := conn.Recv(t); got != `{"jsonrpc":"2.0","id":2,"result":null}` {
		t.Fatalf("reply = %s", got)
	}
}

func TestServerInvalidEnvelopeStops(t *testing.T) {
	conn := projectapitest.Serve(t, &recordingHandler{})

	conn.Send(t, `{"jsonrpc":"1.0","method":"build","params":{"options":{}},"id":5}`)
	r := decodeReply(t, conn.Recv(t))
	if r.Error.Code != -32600 || string(r.ID) != "5" {
		t.Fatalf("reply = %+v", r)
	}
	if err := conn.Wait(t); !errors.Is(err, projectapi.ErrDesync) {
		t.Fatalf("Serve() = %v, want ErrDesync", err)
	}
}

func TestServerInvalidEnvelopeCases(t *testing.T) {
	cases := map[string]string{
		"bad method chars": `{"jsonrpc":"2.0","method":"build-it","params":{},"id":1}`,
		"method not str":   `{"jsonrpc":"2.0","method":7,"params":{},"id":1}`,
		"params list":      `{"jsonrpc":"2.0","method":"build","params":[],"id":1}`,
		"params missing":   `{"jsonrpc":"2.0","method":"build","id":1}`,
	}
	for name, line := range cases {
		t.Run(name, func(t *testing.T) {
			conn := projectapitest.Serve(t, &recordingHandler{})
			conn.Send(t, line)
			r := decodeReply(t, conn.Recv(t))
			if r.Error.Code != -32600 {
				t.Fatalf("code = %d, want -32600", r.Error.Code)
			}
			if err := conn.Wait(t); !errors.Is(err, projectapi.ErrDesync) {
				t.Fatalf("Serve() = %v, want ErrDesync", err)
			}
		})
	}
}

func TestServerUnparseableLineStopsWithoutReply(t *testing.T) {
	for name, line := range map[string]string{
		"garbage":   `this is not json`,
		"array":     `[1,2,3]`,
		"object id": `{"jsonrpc":"2.0","method":"build","params":{},"id":{"x":1}}`,
		"truncated": `{"jsonrpc":"2.0",`,
	} {
		t.Run(name, func(t *testing.T) {
			conn := projectapitest.Serve(t, &recordingHandler{})
			conn.Send(t, line)
			if err := conn.Wait(t); !errors.Is(err, projectapi.ErrDesync) {
				t.Fatalf("Serve() = %v, want ErrDesync", err)
			}
			if extra, err := conn.R.ReadString('\n'); err == nil {
				t.Fatalf("unexpected reply %q", extra)
			}
		})
	}
}

func TestServerTransportParams(t *testing.T) {
	h := &recordingHandler{readData: []byte{0x00, 0xff, 0x01}}
	conn := projectapitest.Serve(t, h)

	conn.Send(t, `{"jsonrpc":"2.0","method":"read_transport","params":{"n":8,"timeout_sec":null},"id":1}`)
	if got := conn.Recv(t); got != `{"jsonrpc":"2.0","id":1,"result":{"data":"AP8B"}}` {
		t.Fatalf("reply = %s", got)
	}
	if h.gotTimeout != transport.NoTimeout {
		t.Fatalf("timeout = %v, want NoTimeout", h.gotTimeout)
	}

	conn.Send(t, `{"jsonrpc":"2.0","method":"write_transport","params":{"data":"aGk=","timeout_sec":1.5},"id":2}`)
	if got := conn.Recv(t); got != `{"jsonrpc":"2.0","id":2,"result":{"bytes_written":2}}` {
		t.Fatalf("reply = %s", got)
	}
	if string(h.gotData) != "hi" || h.gotTimeout != 1500*time.Millisecond {
		t.Fatalf("handler got %q, %v", h.gotData, h.gotTimeout)
	}

	conn.Send(t, `{"jsonrpc":"2.0","method":"connect_transport","params":{"options":{}},"id":3}`)
	want := `{"jsonrpc":"2.0","id":3,"result":{"timeouts":{"session_start_retry_timeout_sec":2,"session_start_timeout_sec":5,"session_established_timeout_sec":5}}}`
	if got := conn.Recv(t); got != want {
		t.Fatalf("reply = %s", got)
	}
}

func TestServerMissingIDIsNull(t *testing.T) {
	conn := projectapitest.Serve(t, &recordingHandler{})
	conn.Send(t, `{"jsonrpc":"2.0","method":"disconnect_transport","params":{}}`)
	if got := conn.Recv(t); got != `{"jsonrpc":"2.0","id":null,"result":null}` {
		t.Fatalf("reply = %s", got)
	}
}

func TestSchemasDeclareEveryParameter(t *testing.T) {
	want := map[string][]string{
		projectapi.MethodServerInfoQuery:     nil,
		projectapi.MethodGenerateProject:     {"model_library_format_path", "standalone_crt_dir", "project_dir", "options"},
		projectapi.MethodBuild:               {"options"},
		projectapi.MethodFlash:               {"options"},
		projectapi.MethodConnectTransport:    {"options"},
		projectapi.MethodDisconnectTransport: nil,
		projectapi.MethodReadTransport:       {"n", "timeout_sec"},
		projectapi.MethodWriteTransport:      {"data", "timeout_sec"},
	}
	schemas := projectapi.Schemas()
	if len(schemas) != len(want) {
		t.Fatalf("Schemas() returned %d methods, want %d", len(schemas), len(want))
	}
	for _, s := range schemas {
		w, ok := want[s.Method]
		if !ok {
			t.Fatalf("unexpected method %q", s.Method)
		}
		if strings.Join(s.Params.Required, ",") != strings.Join(w, ",") {
			t.Fatalf("%s: required = %v, want %v", s.Method, s.Params.Required, w)
		}
	}
}
