package projectapi_test

import (
	"bufio"
	"context"
	"errors"
	"io"
	"reflect"
	"testing"
	"time"

	"github.com/ggoodman/projectapi-go/projectapi"
	"github.com/ggoodman/projectapi-go/projectapi/projectapitest"
	"github.com/ggoodman/projectapi-go/transport"
)

func TestClientServerInfoRoundTrip(t *testing.T) {
	c := projectapitest.NewClient(t, &projectapitest.BaseHandler{Info: fooBarInfo})

	info, err := c.ServerInfoQuery(context.Background())
	if err != nil {
		t.Fatalf("ServerInfoQuery() failed: %v", err)
	}
	want := fooBarInfo
	want.ProtocolVersion = 1
	if !reflect.DeepEqual(info, want) {
		t.Fatalf("ServerInfoQuery() = %+v, want %+v", info, want)
	}
}

func TestClientRemoteErrorKinds(t *testing.T) {
	errBoard := errors.New("board error")
	h := &recordingHandler{buildErr: projectapi.Errorf("BoardError", "no board")}
	c := projectapitest.NewClient(t, h, projectapi.WithErrorKinds(map[string]error{"BoardError": errBoard}))
	ctx := context.Background()

	err := c.Build(ctx, nil)
	var remote *projectapi.RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("Build() error = %v, want *RemoteError", err)
	}
	if remote.Kind != "BoardError" || remote.Method != "build" || remote.Code != -32000 {
		t.Fatalf("RemoteError = %+v", remote)
	}
	if !errors.Is(err, errBoard) {
		t.Fatalf("Build() error does not unwrap to the registered kind")
	}
	if remote.Message() != "no board" || remote.Traceback() == "" {
		t.Fatalf("RemoteError data = %v", remote.Data)
	}

	// Built-in kinds unwrap to the transport sentinels.
	_, err = c.ReadTransport(ctx, 4, 0)
	if !errors.Is(err, transport.ErrTimeout) {
		t.Fatalf("ReadTransport() error = %v, want ErrTimeout", err)
	}

	// Unsupported methods report NotImplementedError.
	err = c.GenerateProject(ctx, "m.tar", "crt", "out", nil)
	if !errors.Is(err, projectapi.ErrNotImplemented) {
		t.Fatalf("GenerateProject() error = %v, want ErrNotImplemented", err)
	}

	// The client is still usable after remote failures.
	if err := c.Flash(ctx, nil); err != nil {
		t.Fatalf("Flash() failed: %v", err)
	}
}

func TestClientUnknownKindStaysRemoteError(t *testing.T) {
	h := &recordingHandler{buildErr: projectapi.Errorf("FluxCapacitorError", "1.21 GW")}
	c := projectapitest.NewClient(t, h)

	err := c.Build(context.Background(), nil)
	var remote *projectapi.RemoteError
	if !errors.As(err, &remote) || remote.Kind != "FluxCapacitorError" {
		t.Fatalf("Build() error = %v", err)
	}
	if remote.Unwrap() != nil {
		t.Fatalf("Unwrap() = %v, want nil", remote.Unwrap())
	}
	if projectapi.KindOf(err) != "FluxCapacitorError" {
		t.Fatalf("KindOf() = %q", projectapi.KindOf(err))
	}
}

func TestClientDisconnectTwice(t *testing.T) {
	h := &recordingHandler{}
	c := projectapitest.NewClient(t, h)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := c.DisconnectTransport(ctx); err != nil {
			t.Fatalf("DisconnectTransport() #%d failed: %v", i+1, err)
		}
	}
	if h.disconnects != 2 {
		t.Fatalf("handler saw %d disconnects, want 2", h.disconnects)
	}
}

func TestClientProtocolRejection(t *testing.T) {
	c := projectapitest.NewClient(t, &recordingHandler{})

	err := c.Call(context.Background(), "reboot", nil, nil)
	if !errors.Is(err, projectapi.ErrMethodNotFound) {
		t.Fatalf("Call() error = %v, want ErrMethodNotFound", err)
	}
	err = c.Call(context.Background(), projectapi.MethodBuild, map[string]any{"options": map[string]any{}, "x": 1}, nil)
	if !errors.Is(err, projectapi.ErrInvalidParams) {
		t.Fatalf("Call() error = %v, want ErrInvalidParams", err)
	}
}

// fakeServer answers each request line with the next canned reply.
func fakeServer(t *testing.T, replies ...string) *projectapi.Client {
	t.Helper()
	reqR, reqW := io.Pipe()
	repR, repW := io.Pipe()
	go func() {
		br := bufio.NewReader(reqR)
		for _, reply := range replies {
			if _, err := br.ReadString('\n'); err != nil {
				return
			}
			if _, err := io.WriteString(repW, reply+"\n"); err != nil {
				return
			}
		}
		_ = repW.Close()
		_, _ = io.Copy(io.Discard, br)
	}()
	t.Cleanup(func() {
		_ = reqW.Close()
		_ = repR.Close()
	})
	return projectapi.NewClient(repR, reqW)
}

func TestClientMismatchedID(t *testing.T) {
	c := fakeServer(t, `{"jsonrpc":"2.0","id":42,"result":null}`)

	err := c.Build(context.Background(), nil)
	if !errors.Is(err, projectapi.ErrMismatchedID) {
		t.Fatalf("Build() error = %v, want ErrMismatchedID", err)
	}
	if err := c.Build(context.Background(), nil); !errors.Is(err, projectapi.ErrClientClosed) {
		t.Fatalf("second Build() error = %v, want ErrClientClosed", err)
	}
}

func TestClientMalformedReplies(t *testing.T) {
	cases := map[string]string{
		"not json":      `not json`,
		"no version":    `{"id":1,"result":null}`,
		"no id":         `{"jsonrpc":"2.0","result":null}`,
		"both":          `{"jsonrpc":"2.0","id":1,"result":null,"error":{"code":1,"message":"x","data":null}}`,
		"neither":       `{"jsonrpc":"2.0","id":1}`,
		"error not obj": `{"jsonrpc":"2.0","id":1,"error":null}`,
	}
	for name, reply := range cases {
		t.Run(name, func(t *testing.T) {
			c := fakeServer(t, reply)
			err := c.Build(context.Background(), nil)
			if !errors.Is(err, projectapi.ErrMalformedReply) {
				t.Fatalf("Build() error = %v, want ErrMalformedReply", err)
			}
			var remote *projectapi.RemoteError
			if errors.As(err, &remote) {
				t.Fatalf("malformed reply surfaced as remote error: %v", err)
			}
		})
	}
}

func TestClientIDsIncrement(t *testing.T) {
	c := fakeServer(t,
		`{"jsonrpc":"2.0","id":1,"result":null}`,
		`{"jsonrpc":"2.0","id":2,"result":null}`,
		`{"jsonrpc":"2.0","id":3,"result":null}`,
	)
	for i := 0; i < 3; i++ {
		if err := c.Build(context.Background(), nil); err != nil {
			t.Fatalf("Build() #%d failed: %v", i+1, err)
		}
	}
}

func TestClientServerGone(t *testing.T) {
	c := fakeServer(t)
	if err := c.Build(context.Background(), nil); err == nil {
		t.Fatal("Build() succeeded against a closed server")
	}
}

func TestClientContextCancelled(t *testing.T) {
	// The server reads the request but never answers.
	reqR, reqW := io.Pipe()
	repR, _ := io.Pipe()
	go func() { _, _ = io.Copy(io.Discard, reqR) }()
	t.Cleanup(func() {
		_ = reqW.Close()
		_ = repR.Close()
	})
	c := projectapi.NewClient(repR, reqW)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := c.Build(ctx, nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Build() error = %v, want DeadlineExceeded", err)
	}
	if err := c.Build(context.Background(), nil); !errors.Is(err, projectapi.ErrClientClosed) {
		t.Fatalf("Build() after cancel error = %v, want ErrClientClosed", err)
	}
}
