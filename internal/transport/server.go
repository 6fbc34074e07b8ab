// Copyright 2026 The Nova Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/nova-run/nova/internal/config"
	"github.com/nova-run/nova/internal/history"
	"github.com/nova-run/nova/internal/model"
	"github.com/nova-run/nova/internal/registry"
)

// WebSocketPath is the fixed upgrade path spec §6 names.
const WebSocketPath = "/nova"

// Server owns the shared TCP listener's HTTP handler: the WebSocket
// upgrade at WebSocketPath (C7) and the health/discovery sidecar
// (C8). Constructed once in cmd/nova-server and wired to the already-
// constructed registry and history service.
type Server struct {
	logger   *slog.Logger
	registry *registry.Registry
	history  *history.Service
	config   *config.Loader

	upgrader websocket.Upgrader

	mu          sync.Mutex
	connections map[*connection]struct{}
}

// New constructs a Server. Call Handler to obtain the http.Handler to
// bind to the shared listener.
func New(reg *registry.Registry, hist *history.Service, cfg *config.Loader, logger *slog.Logger) *Server {
	return &Server{
		logger:      logger,
		registry:    reg,
		history:     hist,
		config:      cfg,
		connections: map[*connection]struct{}{},
		upgrader: websocket.Upgrader{
			// Nova is a local developer tool; any origin is accepted,
			// matching the permissive CORS policy on the HTTP sidecar.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP handler to bind to the shared listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(WebSocketPath, s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/plugins", s.handlePlugins)
	mux.HandleFunc("/", s.handleCatchAll)
	return withCORS(mux)
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	id := newConnectionID()
	c := newConnection(id, conn, s, s.logger)

	s.mu.Lock()
	s.connections[c] = struct{}{}
	s.mu.Unlock()

	go c.writePump()
	go c.readPump(r.Context())
}

func (s *Server) detach(c *connection) {
	c.cancelAllSubscriptions()
	s.mu.Lock()
	delete(s.connections, c)
	s.mu.Unlock()
}

// ConnectionCount reports the number of live WebSocket connections,
// for the /health response.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.connections)
}

// Shutdown closes every connection's underlying socket and clears
// subscriptions. It does not touch the registry; cmd/nova-server
// calls registry.Shutdown separately, per the C9 boot/shutdown order.
func (s *Server) Shutdown() {
	s.mu.Lock()
	conns := make([]*connection, 0, len(s.connections))
	for c := range s.connections {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.cancelAllSubscriptions()
		c.closeDone()
		c.conn.Close()
	}
}

func newConnectionID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

// dispatch routes one decoded request to its handler and builds the
// response. Notifications (no id) still run their handler — a method
// with side effects should still happen — but the caller discards the
// result per P9.
//
// agent.invoke is special-cased: the response is enqueued here,
// before autoSubscribe registers the invoking connection's callback,
// so the reply always precedes any session.event notification for
// that session on this socket (ordering guarantee 4). The caller
// (readPump) must not enqueue this method's result a second time.
func (s *Server) dispatch(ctx context.Context, c *connection, req Request) (resp Response, alreadySent bool) {
	handler, ok := methodTable[req.Method]
	if !ok {
		return errorResponse(req.ID, codeMethodNotFound, "Method not found: "+req.Method), false
	}

	result, err := handler(ctx, s, c, req.Params)
	if err != nil {
		return errorResponse(req.ID, codeForError(err), err.Error()), false
	}
	resp = resultResponse(req.ID, result)

	if req.Method == "agent.invoke" {
		if !req.IsNotification() {
			c.enqueueJSON(resp)
		}
		if invoked, ok := result.(invokeResult); ok {
			autoSubscribe(s, c, invoked.SessionID)
		}
		return resp, true
	}
	return resp, false
}

func codeForError(err error) int {
	switch {
	case errors.Is(err, model.ErrPluginNotFound):
		return codePluginNotFound
	case errors.Is(err, model.ErrAgentNotFound):
		return codeAgentNotFound
	case errors.Is(err, model.ErrAgentDisabled):
		return codeAgentDisabled
	case errors.Is(err, model.ErrSessionNotFound), errors.Is(err, model.ErrTranscriptNotFound):
		return codeSessionNotFound
	case errors.Is(err, errInvalidParams):
		return codeInvalidParams
	default:
		return codeInternal
	}
}

var errInvalidParams = errors.New("invalid params")

// publishEvent marshals a session event as a session.event
// notification and enqueues it on c. Used as the callback passed to
// registry.Stream.
func (c *connection) publishEvent(event model.SessionEvent) {
	c.enqueueJSON(notification("session.event", event))
}
