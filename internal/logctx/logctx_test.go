package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestHandlerAddsGroups(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(Handler{slog.NewJSONHandler(&buf, nil)}).With(slog.String("agent", "host"))

	ctx := WithRPCMessage(context.Background(), &RPCMessage{Method: "build", ID: "7"})
	ctx = WithSessionData(ctx, &SessionData{SessionID: "abc", Kind: "qemu"})
	log.InfoContext(ctx, "hello")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("Unmarshal() failed: %v", err)
	}
	if rec["agent"] != "host" {
		t.Fatalf("agent attr lost: %v", rec)
	}
	rpc, _ := rec["rpc"].(map[string]any)
	if rpc["method"] != "build" || rpc["id"] != "7" {
		t.Fatalf("rpc group = %v", rec["rpc"])
	}
	sess, _ := rec["session"].(map[string]any)
	if sess["id"] != "abc" || sess["kind"] != "qemu" {
		t.Fatalf("session group = %v", rec["session"])
	}
}

func TestHandlerWithoutContextData(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(Handler{slog.NewJSONHandler(&buf, nil)})
	log.InfoContext(context.Background(), "plain")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("Unmarshal() failed: %v", err)
	}
	if _, ok := rec["rpc"]; ok {
		t.Fatalf("unexpected rpc group: %v", rec)
	}
}
