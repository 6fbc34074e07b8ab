// Copyright 2026 The Nova Authors
// SPDX-License-Identifier: Apache-2.0

// Package registry implements the central plugin broker (C3): it
// holds loaded plugins, maps session id to owning plugin, aggregates
// agent lists across plugins, and brokers invoke/message/stop/stream
// calls to the owning plugin.
//
// The session→plugin map is the single source of truth for routing.
// It is kept consistent with each plugin's own session map at every
// externally observable point: Invoke inserts into both before
// returning; Stop removes from both after the underlying session has
// actually stopped.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nova-run/nova/internal/model"
	"github.com/nova-run/nova/internal/plugin"
)

// Registry is the broker described in spec §4.3. All methods are
// safe for concurrent use. The register/unregister/invoke/stop
// "emits" language in §4.3 is satisfied by the structured log lines
// below, which name the same events; there is no separate pub/sub
// channel since nothing in this repo needs to observe registry
// lifecycle events apart from the process log.
type Registry struct {
	logger *slog.Logger

	mu              sync.RWMutex
	plugins         map[string]plugin.Plugin
	sessionToPlugin map[string]string // session id -> plugin name
}

// New creates an empty Registry.
func New(logger *slog.Logger) *Registry {
	return &Registry{
		logger:          logger,
		plugins:         map[string]plugin.Plugin{},
		sessionToPlugin: map[string]string{},
	}
}

// Register adds a plugin, replacing any existing plugin of the same
// name (idempotent-replace, with a warning on duplicate).
func (r *Registry) Register(p plugin.Plugin) {
	r.mu.Lock()
	name := p.Name()
	if _, exists := r.plugins[name]; exists {
		r.logger.Warn("replacing already-registered plugin", "name", name)
	}
	r.plugins[name] = p
	r.mu.Unlock()

	r.logger.Info("plugin registered", "name", name)
}

// Unregister shuts the named plugin down, removes every session→plugin
// entry that pointed at it, and emits plugin:unregistered. Errors
// from the plugin's Shutdown are logged, not propagated — shutdown is
// always best-effort.
func (r *Registry) Unregister(ctx context.Context, name string) {
	r.mu.Lock()
	p, ok := r.plugins[name]
	if !ok {
		r.mu.Unlock()
		r.logger.Warn("unregister: plugin not found", "name", name)
		return
	}
	delete(r.plugins, name)
	for sessionID, owner := range r.sessionToPlugin {
		if owner == name {
			delete(r.sessionToPlugin, sessionID)
		}
	}
	r.mu.Unlock()

	if err := p.Shutdown(ctx); err != nil {
		r.logger.Error("plugin shutdown error", "name", name, "error", err)
	}
	r.logger.Info("plugin unregistered", "name", name)
}

// UnregisterAll shuts down every plugin, for use by the loader's
// reload() and by process shutdown. Satisfies plugin.Registrar.
func (r *Registry) UnregisterAll(ctx context.Context) {
	r.mu.RLock()
	names := make([]string, 0, len(r.plugins))
	for name := range r.plugins {
		names = append(names, name)
	}
	r.mu.RUnlock()

	for _, name := range names {
		r.Unregister(ctx, name)
	}
}

// PluginView is the shape returned by plugin.list.
type PluginView struct {
	Name     string              `json:"name"`
	Type     string              `json:"type"`
	Source   model.Source        `json:"source"`
	Supports []model.Capability  `json:"supports"`
	Agents   []AgentView         `json:"agents"`
}

// AgentView is the shape of one agent within plugin.list/agent.list.
type AgentView struct {
	Plugin       string             `json:"plugin,omitempty"`
	ID           string             `json:"id"`
	Name         string             `json:"name"`
	Capabilities []model.Capability `json:"capabilities,omitempty"`
}

// Plugins returns a snapshot view of every registered plugin.
func (r *Registry) Plugins() []PluginView {
	r.mu.RLock()
	defer r.mu.RUnlock()

	views := make([]PluginView, 0, len(r.plugins))
	for _, p := range r.plugins {
		manifest := p.Manifest()
		agents := make([]AgentView, 0, len(manifest.Agents))
		for _, agent := range p.Agents() {
			if !agent.Enabled {
				continue
			}
			agents = append(agents, AgentView{ID: agent.ID, Name: agent.Name, Capabilities: agent.Capabilities})
		}
		views = append(views, PluginView{
			Name:     manifest.Name,
			Type:     manifest.Type,
			Source:   manifest.Source,
			Supports: manifest.Capabilities,
			Agents:   agents,
		})
	}
	return views
}

// Agents returns a snapshot of every enabled agent across every
// plugin.
func (r *Registry) Agents() []AgentView {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var views []AgentView
	for name, p := range r.plugins {
		for _, agent := range p.Agents() {
			if !agent.Enabled {
				continue
			}
			views = append(views, AgentView{Plugin: name, ID: agent.ID, Name: agent.Name, Capabilities: agent.Capabilities})
		}
	}
	return views
}

// Invoke starts a session on the named plugin/agent. On success it
// records session→plugin.
func (r *Registry) Invoke(ctx context.Context, pluginName, agentID string, opts plugin.InvokeOptions) (*model.Session, error) {
	r.mu.RLock()
	p, ok := r.plugins[pluginName]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrPluginNotFound, pluginName)
	}

	agent, ok := p.GetAgent(agentID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrAgentNotFound, agentID)
	}
	if !agent.Enabled {
		return nil, fmt.Errorf("%w: %s", model.ErrAgentDisabled, agentID)
	}

	session, err := p.Invoke(ctx, agentID, opts)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.sessionToPlugin[session.ID] = pluginName
	r.mu.Unlock()

	r.logger.Info("session created", "plugin", pluginName, "session_id", session.ID)
	return session, nil
}

// MessageResult is the shape of session.message's response.
type MessageResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Message delivers a follow-up to a running session.
func (r *Registry) Message(ctx context.Context, sessionID, text string) MessageResult {
	p, ok := r.ownerOf(sessionID)
	if !ok {
		return MessageResult{Success: false, Error: model.ErrSessionNotFound.Error()}
	}
	if err := p.Message(ctx, sessionID, text); err != nil {
		return MessageResult{Success: false, Error: err.Error()}
	}
	return MessageResult{Success: true}
}

// Stream registers callback for every subsequent event of sessionID
// and returns a cancel function. A no-op cancel is returned for an
// unknown session; multiple subscribers are permitted.
func (r *Registry) Stream(sessionID string, callback plugin.EventCallback) (cancel func()) {
	p, ok := r.ownerOf(sessionID)
	if !ok {
		return func() {}
	}
	return p.Stream(sessionID, callback)
}

// Stop requests termination of a session. Absent sessions log a
// warning rather than returning an error, per spec.
func (r *Registry) Stop(ctx context.Context, sessionID string) {
	p, ok := r.ownerOf(sessionID)
	if !ok {
		r.logger.Warn("stop: session not found", "session_id", sessionID)
		return
	}
	pluginName := r.pluginNameFor(sessionID)
	if err := p.Stop(ctx, sessionID); err != nil {
		r.logger.Error("session stop error", "session_id", sessionID, "error", err)
	}

	r.mu.Lock()
	delete(r.sessionToPlugin, sessionID)
	r.mu.Unlock()

	r.logger.Info("session ended", "plugin", pluginName, "session_id", sessionID)
}

// AttachRaw subscribes to sessionID's raw byte stream for the
// debug-attach socket (C10), if the owning plugin implements
// plugin.RawAttacher. ok is false for an unknown session or a plugin
// source with no raw stream to offer.
func (r *Registry) AttachRaw(sessionID string) (chunks <-chan []byte, cancel func(), ok bool) {
	p, ok := r.ownerOf(sessionID)
	if !ok {
		return nil, nil, false
	}
	attacher, ok := p.(plugin.RawAttacher)
	if !ok {
		return nil, nil, false
	}
	return attacher.AttachRaw(sessionID)
}

// GetSession looks up a session by id across every plugin.
func (r *Registry) GetSession(sessionID string) (*model.Session, bool) {
	p, ok := r.ownerOf(sessionID)
	if !ok {
		return nil, false
	}
	return p.GetSession(sessionID)
}

// Sessions returns a snapshot of every session across every plugin.
func (r *Registry) Sessions() []*model.Session {
	r.mu.RLock()
	names := make(map[string]struct{}, len(r.plugins))
	plugins := make([]plugin.Plugin, 0, len(r.plugins))
	for name, p := range r.plugins {
		names[name] = struct{}{}
		plugins = append(plugins, p)
	}
	r.mu.RUnlock()

	var sessions []*model.Session
	for _, p := range plugins {
		sessions = append(sessions, p.GetSessions()...)
	}
	return sessions
}

// SessionCount returns the number of live sessions, for the health
// endpoint.
func (r *Registry) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessionToPlugin)
}

// PluginCount returns the number of registered plugins, for the
// health endpoint.
func (r *Registry) PluginCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}

// Shutdown concurrently shuts down every plugin and clears all state
// regardless of per-plugin failure.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.RLock()
	plugins := make([]plugin.Plugin, 0, len(r.plugins))
	for _, p := range r.plugins {
		plugins = append(plugins, p)
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, p := range plugins {
		wg.Add(1)
		go func(p plugin.Plugin) {
			defer wg.Done()
			if err := p.Shutdown(ctx); err != nil {
				r.logger.Error("plugin shutdown error", "name", p.Name(), "error", err)
			}
		}(p)
	}
	wg.Wait()

	r.mu.Lock()
	r.plugins = map[string]plugin.Plugin{}
	r.sessionToPlugin = map[string]string{}
	r.mu.Unlock()
}

func (r *Registry) ownerOf(sessionID string) (plugin.Plugin, bool) {
	r.mu.RLock()
	name, ok := r.sessionToPlugin[sessionID]
	if !ok {
		r.mu.RUnlock()
		return nil, false
	}
	p, ok := r.plugins[name]
	r.mu.RUnlock()
	return p, ok
}

func (r *Registry) pluginNameFor(sessionID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessionToPlugin[sessionID]
}
