// Copyright 2026 The Nova Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nova-run/nova/internal/config"
	"github.com/nova-run/nova/internal/history"
	"github.com/nova-run/nova/internal/model"
	"github.com/nova-run/nova/internal/plugin"
	"github.com/nova-run/nova/internal/registry"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakePlugin is a minimal plugin.Plugin stand-in: Invoke buffers one
// init event per session, and Stream replays the buffer before
// registering the callback for subsequent emits — mirroring
// ptysession.Session's replay contract so the transport's ordering
// behavior can be exercised without spawning a real subprocess.
type fakePlugin struct {
	name     string
	manifest model.Manifest
	agents   map[string]model.Agent

	mu          sync.Mutex
	sessions    map[string]*model.Session
	buffers     map[string][]model.SessionEvent
	subscribers map[string][]plugin.EventCallback
}

func newFakePlugin(name string) *fakePlugin {
	return &fakePlugin{
		name: name,
		manifest: model.Manifest{
			Name:    name,
			Version: "0.0.1",
			Type:    "agent",
			Source:  model.SourceLocal,
			Agents: []model.ManifestAgent{
				{ID: "echo", Name: "Echo Agent", Capabilities: []model.Capability{model.CapabilityChat}},
			},
		},
		agents: map[string]model.Agent{
			"echo": {PluginName: name, ID: "echo", Name: "Echo Agent", Capabilities: []model.Capability{model.CapabilityChat}, Enabled: true},
		},
		sessions:    map[string]*model.Session{},
		buffers:     map[string][]model.SessionEvent{},
		subscribers: map[string][]plugin.EventCallback{},
	}
}

func (f *fakePlugin) Name() string                  { return f.name }
func (f *fakePlugin) Manifest() model.Manifest       { return f.manifest }
func (f *fakePlugin) Initialize(ctx context.Context) error { return nil }
func (f *fakePlugin) Shutdown(ctx context.Context) error   { return nil }

func (f *fakePlugin) Agents() []model.Agent {
	agents := make([]model.Agent, 0, len(f.agents))
	for _, a := range f.agents {
		agents = append(agents, a)
	}
	return agents
}

func (f *fakePlugin) GetAgent(agentID string) (model.Agent, bool) {
	a, ok := f.agents[agentID]
	return a, ok
}

func (f *fakePlugin) Invoke(ctx context.Context, agentID string, opts plugin.InvokeOptions) (*model.Session, error) {
	if _, ok := f.agents[agentID]; !ok {
		return nil, model.ErrAgentNotFound
	}
	session := model.NewSession("sess-fake-1", agentID, f.name, opts.ProjectPath, opts.ResumeSessionID, time.Time{})
	session.CaptureUpstreamID("U-1")
	session.SetState(model.StateReady, time.Time{})

	f.mu.Lock()
	f.sessions[session.ID] = session
	f.buffers[session.ID] = []model.SessionEvent{model.NewInitEvent(session.ID, time.Time{}, "U-1")}
	f.mu.Unlock()

	return session, nil
}

func (f *fakePlugin) Message(ctx context.Context, sessionID string, text string) error {
	f.mu.Lock()
	_, ok := f.sessions[sessionID]
	f.mu.Unlock()
	if !ok {
		return model.ErrSessionNotFound
	}
	return nil
}

func (f *fakePlugin) Stream(sessionID string, callback plugin.EventCallback) (cancel func()) {
	f.mu.Lock()
	backlog := append([]model.SessionEvent{}, f.buffers[sessionID]...)
	f.subscribers[sessionID] = append(f.subscribers[sessionID], callback)
	f.mu.Unlock()

	for _, event := range backlog {
		callback(event)
	}
	return func() {}
}

func (f *fakePlugin) Stop(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, sessionID)
	return nil
}

func (f *fakePlugin) GetSession(sessionID string) (*model.Session, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	return s, ok
}

func (f *fakePlugin) GetSessions() []*model.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	sessions := make([]*model.Session, 0, len(f.sessions))
	for _, s := range f.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}

// newTestServer wires a Server against a fake plugin and a temp
// history root, returning an httptest.Server for a real WebSocket
// client to dial against.
func newTestServer(t *testing.T) (*httptest.Server, *Server) {
	t.Helper()
	logger := discardLogger()
	reg := registry.New(logger)
	reg.Register(newFakePlugin("fake"))

	hist := history.New(t.TempDir(), t.TempDir(), logger)
	cfg := config.NewLoader(t.TempDir()+"/nonexistent.json", logger)
	cfg.Load()

	srv := New(reg, hist, cfg, logger)
	httpServer := httptest.NewServer(srv.Handler())
	t.Cleanup(httpServer.Close)
	return httpServer, srv
}

func dialTestServer(t *testing.T, httpServer *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(httpServer.URL, "http") + WebSocketPath
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dialing test server: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) Response {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("reading frame: %v", err)
	}
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatalf("unmarshaling frame: %v, raw=%s", err, data)
	}
	return resp
}

// TestAgentInvokeOrdersResponseBeforeNotification verifies ordering
// guarantee 4: the agent.invoke response frame precedes any
// session.event notification for the newly created session on the
// same socket.
func TestAgentInvokeOrdersResponseBeforeNotification(t *testing.T) {
	t.Parallel()

	httpServer, _ := newTestServer(t)
	conn := dialTestServer(t, httpServer)

	req := Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`1`),
		Method:  "agent.invoke",
		Params:  json.RawMessage(`{"plugin":"fake","agent":"echo","projectPath":"/tmp/project"}`),
	}
	data, _ := json.Marshal(req)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("writing request: %v", err)
	}

	first := readFrame(t, conn)
	if first.Error != nil {
		t.Fatalf("invoke response carried an error: %+v", first.Error)
	}
	if string(first.ID) != "1" {
		t.Fatalf("first frame id = %s, want 1 (the invoke response)", first.ID)
	}
	if first.Method != "" {
		t.Fatalf("first frame looks like a notification (method=%q), want the invoke result", first.Method)
	}

	second := readFrame(t, conn)
	if second.Method != "session.event" {
		t.Fatalf("second frame method = %q, want session.event", second.Method)
	}
}

// TestAgentInvokeUnknownPluginMapsToErrorCode verifies the
// plugin-not-found JSON-RPC error code.
func TestAgentInvokeUnknownPluginMapsToErrorCode(t *testing.T) {
	t.Parallel()

	httpServer, _ := newTestServer(t)
	conn := dialTestServer(t, httpServer)

	req := Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`7`),
		Method:  "agent.invoke",
		Params:  json.RawMessage(`{"plugin":"missing","agent":"echo","projectPath":"/tmp/project"}`),
	}
	data, _ := json.Marshal(req)
	conn.WriteMessage(websocket.TextMessage, data)

	resp := readFrame(t, conn)
	if resp.Error == nil {
		t.Fatal("expected an error response for an unknown plugin")
	}
	if resp.Error.Code != codePluginNotFound {
		t.Fatalf("error code = %d, want %d", resp.Error.Code, codePluginNotFound)
	}
}

// TestSessionSubscribeReplaysBufferedInit verifies that an explicit
// session.subscribe call, issued after the session already exists,
// still receives the init event via replay (P2).
func TestSessionSubscribeReplaysBufferedInit(t *testing.T) {
	t.Parallel()

	httpServer, srv := newTestServer(t)
	session, err := srv.registry.Invoke(context.Background(), "fake", "echo", plugin.InvokeOptions{ProjectPath: "/tmp/project"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	conn := dialTestServer(t, httpServer)
	req := Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(`3`),
		Method:  "session.subscribe",
		Params:  json.RawMessage(`{"sessionId":"` + session.ID + `"}`),
	}
	data, _ := json.Marshal(req)
	conn.WriteMessage(websocket.TextMessage, data)

	// session.subscribe carries no same-socket ordering guarantee
	// (unlike agent.invoke): the replayed init notification and the
	// subscribe ack may arrive in either order. Both must arrive.
	first := readFrame(t, conn)
	second := readFrame(t, conn)

	sawAck := first.Error == nil && first.Method == "" || second.Error == nil && second.Method == ""
	sawNotification := first.Method == "session.event" || second.Method == "session.event"
	if !sawAck || !sawNotification {
		t.Fatalf("expected both a subscribe ack and a session.event notification, got %+v and %+v", first, second)
	}
}

// TestHandleHealthReportsCounts exercises the HTTP sidecar directly.
func TestHandleHealthReportsCounts(t *testing.T) {
	t.Parallel()

	httpServer, _ := newTestServer(t)
	resp, err := httpServer.Client().Get(httpServer.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()

	var health healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decoding /health response: %v", err)
	}
	if health.Status != "ok" {
		t.Fatalf("status = %q, want ok", health.Status)
	}
	if health.Plugins != 1 {
		t.Fatalf("plugins = %d, want 1", health.Plugins)
	}
}

// TestWithCORSHandlesOptions verifies the permissive preflight
// response spec §6 describes.
func TestWithCORSHandlesOptions(t *testing.T) {
	t.Parallel()

	httpServer, _ := newTestServer(t)
	req, err := http.NewRequest(http.MethodOptions, httpServer.URL+"/plugins", nil)
	if err != nil {
		t.Fatalf("building OPTIONS request: %v", err)
	}
	resp, err := httpServer.Client().Do(req)
	if err != nil {
		t.Fatalf("OPTIONS /plugins: %v", err)
	}
	defer resp.Body.Close()
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("missing permissive CORS header")
	}
}
