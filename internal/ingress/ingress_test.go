package ingress

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/cmakafui/codelatch/internal/envelope"
)

func dialWriteAndRead(t *testing.T, socketPath string, e *envelope.HookEnvelope) *envelope.HookResponseEnvelope {
	t.Helper()
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	payload, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := writeFrame(conn, payload); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}

	if !e.Blocking || e.HookEventName != envelope.EventPermissionRequest {
		return nil
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	frame, err := readFrame(conn)
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	var resp envelope.HookResponseEnvelope
	if err := json.Unmarshal(frame, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	return &resp
}

func startTestServer(t *testing.T, handler Handler) (string, func()) {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "codelatch.sock")
	srv := New(socketPath, handler)
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go srv.Serve(ctx)
	return socketPath, func() {
		cancel()
		srv.Close()
	}
}

func TestBlockingPermissionRequestRoundTrip(t *testing.T) {
	// P4: the framed response decodes back with the same request_id.
	handler := func(ctx context.Context, e *envelope.HookEnvelope) *envelope.HookResponseEnvelope {
		return &envelope.HookResponseEnvelope{
			RequestID:  e.RequestID,
			HookOutput: envelope.AllowOutput(),
		}
	}
	socketPath, stop := startTestServer(t, handler)
	defer stop()

	e := &envelope.HookEnvelope{
		Version:       1,
		RequestID:     "R1",
		SessionID:     "S1",
		SessionName:   "demo",
		HookEventName: envelope.EventPermissionRequest,
		Blocking:      true,
		CWD:           "/w",
		Payload:       json.RawMessage(`{}`),
	}
	resp := dialWriteAndRead(t, socketPath, e)
	if resp == nil {
		t.Fatal("expected a response frame")
	}
	if resp.RequestID != "R1" {
		t.Errorf("RequestID = %q, want R1", resp.RequestID)
	}
}

func TestNonBlockingEventProducesNoResponseFrame(t *testing.T) {
	called := make(chan struct{}, 1)
	handler := func(ctx context.Context, e *envelope.HookEnvelope) *envelope.HookResponseEnvelope {
		called <- struct{}{}
		return nil
	}
	socketPath, stop := startTestServer(t, handler)
	defer stop()

	e := &envelope.HookEnvelope{
		Version:       1,
		RequestID:     "R2",
		SessionID:     "S1",
		SessionName:   "demo",
		HookEventName: envelope.EventSessionStart,
		Blocking:      false,
		CWD:           "/w",
		Payload:       json.RawMessage(`{}`),
	}
	dialWriteAndRead(t, socketPath, e)

	select {
	case <-called:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not invoked")
	}
}

func TestMultipleFramesOnOneConnection(t *testing.T) {
	var seen []string
	done := make(chan struct{}, 2)
	handler := func(ctx context.Context, e *envelope.HookEnvelope) *envelope.HookResponseEnvelope {
		seen = append(seen, e.RequestID)
		done <- struct{}{}
		return nil
	}
	socketPath, stop := startTestServer(t, handler)
	defer stop()

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	for _, id := range []string{"A", "B"} {
		e := &envelope.HookEnvelope{
			Version: 1, RequestID: id, SessionID: "S1", SessionName: "demo",
			HookEventName: envelope.EventSessionStart, Blocking: false, CWD: "/w",
			Payload: json.RawMessage(`{}`),
		}
		payload, _ := json.Marshal(e)
		if err := writeFrame(conn, payload); err != nil {
			t.Fatalf("writeFrame: %v", err)
		}
	}

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for frame processing")
		}
	}
	if len(seen) != 2 || seen[0] != "A" || seen[1] != "B" {
		t.Errorf("frames processed out of order: %v", seen)
	}
}

func TestMalformedFrameClosesConnection(t *testing.T) {
	handler := func(ctx context.Context, e *envelope.HookEnvelope) *envelope.HookResponseEnvelope {
		return nil
	}
	socketPath, stop := startTestServer(t, handler)
	defer stop()

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := writeFrame(conn, []byte("not json")); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	n, err := conn.Read(buf)
	if n != 0 || err == nil {
		t.Errorf("expected connection closed after malformed frame, got n=%d err=%v", n, err)
	}
}

func TestReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte(`{"hello":"world"}`)
	if err := writeFrame(&buf, payload); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}
	got, err := readFrame(&buf)
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	if string(got) != string(payload) {
		t.Errorf("got %q, want %q", got, payload)
	}
}
