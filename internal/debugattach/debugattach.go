// Copyright 2026 The Nova Authors
// SPDX-License-Identifier: Apache-2.0

// Package debugattach implements C10: a local, debug-only Unix socket
// that streams one session's raw PTY bytes to a terminal viewer
// (cmd/nova-attach), entirely outside the JSON-RPC/WebSocket surface.
//
// The wire shape is CBOR-framed, in the idiom of lib/service's socket
// protocol, but unlike that package's one-request-one-response cycle
// a debug-attach connection stays open for the session's lifetime: one
// attach request, then a sequence of frames until the session ends or
// the viewer disconnects.
package debugattach

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/nova-run/nova/internal/model"
	"github.com/nova-run/nova/lib/codec"
)

// SocketName is the debug socket's conventional filename, joined onto
// the server's base path per spec §6 (<base>/nova.debug.sock).
const SocketName = "nova.debug.sock"

// requestTimeout bounds how long a connection has to send its attach
// request before the server gives up on it.
const requestTimeout = 10 * time.Second

// Request is the single message a client sends: attach to sessionID's
// raw output stream. It is the only action this socket supports; the
// field still carries a name so the wire shape can grow additional
// actions (e.g. "list") without a breaking change.
type Request struct {
	Action    string `cbor:"action"`
	SessionID string `cbor:"session_id"`
}

// FrameType enumerates the frames a server sends after accepting an
// attach request.
type FrameType string

const (
	// FrameChunk carries a slice of the session's raw PTY bytes.
	FrameChunk FrameType = "chunk"
	// FrameError terminates the stream: the request was invalid or
	// the session has no raw stream to offer.
	FrameError FrameType = "error"
	// FrameClosed terminates the stream normally: the session ended.
	FrameClosed FrameType = "closed"
)

// Frame is one message of the streamed response.
type Frame struct {
	Type  FrameType `cbor:"type"`
	Data  []byte    `cbor:"data,omitempty"`
	Error string    `cbor:"error,omitempty"`
}

// SessionSource is the subset of *registry.Registry the debug-attach
// server needs: raw-byte attach routing and a session lookup for a
// friendlier error when the id is simply unknown. Defined here, not
// imported from internal/registry, so this package stays testable
// against a stub and has no dependency on the registry's concrete
// type.
type SessionSource interface {
	AttachRaw(sessionID string) (chunks <-chan []byte, cancel func(), ok bool)
	GetSession(sessionID string) (*model.Session, bool)
}

// Server serves the debug-attach protocol on a Unix socket.
type Server struct {
	socketPath string
	sessions   SessionSource
	logger     *slog.Logger
}

// New constructs a debug-attach server for the given socket path.
func New(socketPath string, sessions SessionSource, logger *slog.Logger) *Server {
	return &Server{socketPath: socketPath, sessions: sessions, logger: logger}
}

// Serve listens on the Unix socket and streams raw bytes to every
// attach request until ctx is cancelled. Mirrors lib/service's
// SocketServer.Serve: stale socket cleanup, an Accept loop unblocked
// by ctx cancellation, and socket file removal on return.
func (s *Server) Serve(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale debug socket %s: %w", s.socketPath, err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.socketPath, err)
	}
	defer func() {
		listener.Close()
		os.Remove(s.socketPath)
	}()

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.logger.Info("debug-attach socket listening", "path", s.socketPath)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Error("debug-attach accept failed", "error", err)
			continue
		}
		go s.handleConnection(ctx, conn)
	}
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(requestTimeout))
	var req Request
	if err := codec.NewDecoder(conn).Decode(&req); err != nil {
		s.writeFrame(conn, Frame{Type: FrameError, Error: fmt.Sprintf("invalid attach request: %v", err)})
		return
	}
	conn.SetReadDeadline(time.Time{})

	if req.Action != "attach" {
		s.writeFrame(conn, Frame{Type: FrameError, Error: fmt.Sprintf("unknown action %q", req.Action)})
		return
	}
	if req.SessionID == "" {
		s.writeFrame(conn, Frame{Type: FrameError, Error: "missing session_id"})
		return
	}

	chunks, cancel, ok := s.sessions.AttachRaw(req.SessionID)
	if !ok {
		if _, exists := s.sessions.GetSession(req.SessionID); !exists {
			s.writeFrame(conn, Frame{Type: FrameError, Error: "session not found: " + req.SessionID})
		} else {
			s.writeFrame(conn, Frame{Type: FrameError, Error: "session has no raw stream to attach to: " + req.SessionID})
		}
		return
	}
	defer cancel()

	s.logger.Info("debug-attach connected", "session_id", req.SessionID)
	encoder := codec.NewEncoder(conn)
	for {
		select {
		case chunk, open := <-chunks:
			if !open {
				encoder.Encode(Frame{Type: FrameClosed})
				return
			}
			if err := encoder.Encode(Frame{Type: FrameChunk, Data: chunk}); err != nil {
				s.logger.Debug("debug-attach write failed, disconnecting", "session_id", req.SessionID, "error", err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) writeFrame(conn net.Conn, frame Frame) {
	conn.SetWriteDeadline(time.Now().Add(requestTimeout))
	if err := codec.NewEncoder(conn).Encode(frame); err != nil {
		s.logger.Debug("debug-attach failed to write frame", "error", err)
	}
}
