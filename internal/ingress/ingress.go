// Package ingress accepts length-delimited framed HookEnvelope
// messages on a local Unix domain socket and dispatches each to a
// handler. Blocking permission requests get a framed
// HookResponseEnvelope written back on the same connection; all other
// events produce no response frame.
package ingress

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"

	"github.com/cmakafui/codelatch/internal/codelatcherr"
	"github.com/cmakafui/codelatch/internal/envelope"
	"github.com/cmakafui/codelatch/pkg/logger"
)

const maxFrameBytes = 16 << 20 // 16 MiB, generous ceiling against malformed length prefixes

// Handler processes one HookEnvelope. For blocking permission
// requests it must return a non-nil HookResponseEnvelope; for every
// other event the returned envelope is ignored.
type Handler func(ctx context.Context, e *envelope.HookEnvelope) *envelope.HookResponseEnvelope

// Server binds a Unix domain socket and dispatches framed messages to
// a Handler, one goroutine per accepted connection.
type Server struct {
	socketPath string
	handler    Handler
	listener   net.Listener
}

// New prepares a Server bound to socketPath. Listen must be called to
// actually bind.
func New(socketPath string, handler Handler) *Server {
	return &Server{socketPath: socketPath, handler: handler}
}

// Listen ensures the parent directory exists, removes a stale socket
// file if present, and binds the listener.
func (s *Server) Listen() error {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o755); err != nil {
		return codelatcherr.Wrap(codelatcherr.DaemonLifecycle, "create socket directory", err)
	}
	if _, err := os.Stat(s.socketPath); err == nil {
		if err := os.Remove(s.socketPath); err != nil {
			return codelatcherr.Wrap(codelatcherr.DaemonLifecycle, "remove stale socket", err)
		}
	}
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return codelatcherr.Wrap(codelatcherr.DaemonLifecycle, "bind socket", err)
	}
	s.listener = ln
	return nil
}

// Close stops accepting connections and unlinks the socket file.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	err := s.listener.Close()
	os.Remove(s.socketPath)
	return err
}

// Serve accepts connections until ctx is cancelled or the listener is
// closed. Each accepted connection is handled in its own goroutine;
// already-running handlers run to completion.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && !netErr.Timeout() {
				return nil
			}
			continue
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	for {
		frame, err := readFrame(conn)
		if err != nil {
			if err != io.EOF {
				logger.WarnCF("ingress", "malformed frame, closing connection", map[string]interface{}{"error": err.Error()})
			}
			return
		}

		var e envelope.HookEnvelope
		if err := json.Unmarshal(frame, &e); err != nil {
			logger.WarnCF("ingress", "undecodable envelope, closing connection", map[string]interface{}{"error": err.Error()})
			return
		}

		resp := s.handler(ctx, &e)
		if e.Blocking && e.HookEventName == envelope.EventPermissionRequest {
			if resp == nil {
				resp = &envelope.HookResponseEnvelope{
					RequestID:  e.RequestID,
					HookOutput: envelope.DenyOutput("Denied because daemon waiter closed"),
				}
			}
			out, err := json.Marshal(resp)
			if err != nil {
				logger.WarnCF("ingress", "failed to encode response", map[string]interface{}{"error": err.Error()})
				return
			}
			if err := writeFrame(conn, out); err != nil {
				logger.WarnCF("ingress", "failed to write response frame", map[string]interface{}{"error": err.Error()})
				return
			}
		}
	}
}

// readFrame reads a 4-byte big-endian length prefix followed by that
// many bytes of payload.
func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameBytes {
		return nil, codelatcherr.Wrap(codelatcherr.Protocol, "readFrame", errors.New("frame too large"))
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// writeFrame writes a 4-byte big-endian length prefix followed by
// payload.
func writeFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}
