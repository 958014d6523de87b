// Command codelatch-hook is the thin per-event client a hook runner
// invokes: it reads a JSON payload from stdin, frames it as a
// HookEnvelope, and sends it to the codelatchd daemon over the local
// socket. Blocking PermissionRequest events print the decision to
// stdout; everything else is fire-and-forget.
package main

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/google/uuid"

	"github.com/cmakafui/codelatch/internal/config"
	"github.com/cmakafui/codelatch/internal/envelope"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: codelatch-hook <hook-event-name>")
		os.Exit(2)
	}
	eventName := os.Args[1]

	if err := run(eventName); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(eventName string) error {
	payloadBytes, err := io.ReadAll(os.Stdin)
	if err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}
	payload := json.RawMessage(payloadBytes)
	if len(payloadBytes) == 0 || isBlank(payloadBytes) {
		payload = json.RawMessage("{}")
	}

	cfg, err := config.Load("")
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	socketPath := cfg.SocketPath
	if override := os.Getenv("CODELATCH_SOCKET"); override != "" {
		socketPath = override
	}

	blocking := eventName == envelope.EventPermissionRequest
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getwd: %w", err)
	}

	sessionID := os.Getenv("CODELATCH_SESSION_ID")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	sessionName := os.Getenv("CODELATCH_SESSION_NAME")
	if sessionName == "" {
		sessionName = "unmanaged-session"
	}
	var tmuxPane *string
	if p := os.Getenv("TMUX_PANE"); p != "" {
		tmuxPane = &p
	}

	e := envelope.HookEnvelope{
		Version:       1,
		RequestID:     uuid.NewString(),
		SessionID:     sessionID,
		SessionName:   sessionName,
		TmuxPane:      tmuxPane,
		HookEventName: eventName,
		Blocking:      blocking,
		CWD:           cwd,
		Payload:       payload,
	}

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		if blocking {
			fmt.Fprintln(os.Stderr, "Codelatch daemon unavailable — denied for safety")
			os.Exit(2)
		}
		return fmt.Errorf("daemon unavailable: %w", err)
	}
	defer conn.Close()

	frame, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := writeFrame(conn, frame); err != nil {
		return fmt.Errorf("send envelope: %w", err)
	}

	if !blocking {
		return nil
	}

	respFrame, err := readFrame(conn)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Codelatch daemon closed permission channel — denied for safety")
		os.Exit(2)
	}

	var resp envelope.HookResponseEnvelope
	if err := json.Unmarshal(respFrame, &resp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	fmt.Println(string(resp.HookOutput))
	return nil
}

func isBlank(b []byte) bool {
	for _, c := range b {
		if c != ' ' && c != '\n' && c != '\t' && c != '\r' {
			return false
		}
	}
	return true
}

func writeFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
