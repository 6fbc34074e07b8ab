// Copyright 2026 The Nova Authors
// SPDX-License-Identifier: Apache-2.0

// Package cliplugin implements C5: a thin adapter wrapping C4
// (package ptysession) for one concrete CLI. It advertises agents
// (model variants), creates/destroys PTY sessions, and translates
// [plugin.InvokeOptions] into the wrapped CLI's argument form.
package cliplugin

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nova-run/nova/internal/model"
	"github.com/nova-run/nova/internal/plugin"
	"github.com/nova-run/nova/internal/ptysession"
	"github.com/nova-run/nova/lib/clock"
)

// upstreamInitWindow is the 10-second window spec §5 gives a session
// to reach system/init before Invoke prefers to fail outright.
const upstreamInitWindow = 10 * time.Second

// binaryEnvVar names the environment variable that, if set, takes
// priority over the plugin's built-in candidate paths — mirroring
// Bureau's CLAUDE_BINARY override convention in cmd/bureau-agent-claude.
const binaryEnvVar = "NOVA_CLI_BINARY"

var sessionCounter atomic.Uint64

// Plugin implements plugin.Plugin for one CLI-backed manifest.
type Plugin struct {
	manifest   model.Manifest
	enablement plugin.Enablement
	logger     *slog.Logger
	clk        clock.Clock

	binaryName       string
	binaryCandidates []string

	mu       sync.RWMutex
	sessions map[string]*ptysession.Session
}

// New constructs a CLI plugin. It matches plugin.Factory's signature
// (modulo the extra logger/clock arguments, which cmd/nova-server
// supplies via a closure when calling loader.RegisterFactory).
func New(manifest model.Manifest, enablement plugin.Enablement, logger *slog.Logger, clk clock.Clock) (*Plugin, error) {
	options := enablement.PluginOptions(manifest.Name)

	binaryName, _ := options["binary"].(string)
	if binaryName == "" {
		binaryName = "claude"
	}

	var candidates []string
	if rawCandidates, ok := options["binaryCandidates"].([]any); ok {
		for _, c := range rawCandidates {
			if s, ok := c.(string); ok {
				candidates = append(candidates, s)
			}
		}
	}

	if clk == nil {
		clk = clock.Real()
	}

	return &Plugin{
		manifest:         manifest,
		enablement:       enablement,
		logger:           logger,
		clk:              clk,
		binaryName:       binaryName,
		binaryCandidates: candidates,
		sessions:         map[string]*ptysession.Session{},
	}, nil
}

func (p *Plugin) Name() string             { return p.manifest.Name }
func (p *Plugin) Manifest() model.Manifest { return p.manifest }

func (p *Plugin) Initialize(ctx context.Context) error { return nil }

func (p *Plugin) Shutdown(ctx context.Context) error {
	p.mu.RLock()
	sessions := make([]*ptysession.Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	p.mu.RUnlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *ptysession.Session) {
			defer wg.Done()
			_ = s.Stop(ctx)
		}(s)
	}
	wg.Wait()

	p.mu.Lock()
	p.sessions = map[string]*ptysession.Session{}
	p.mu.Unlock()
	return nil
}

func (p *Plugin) Agents() []model.Agent {
	agents := make([]model.Agent, 0, len(p.manifest.Agents))
	for _, decl := range p.manifest.Agents {
		agents = append(agents, model.Agent{
			PluginName:   p.manifest.Name,
			ID:           decl.ID,
			Name:         decl.Name,
			Capabilities: decl.Capabilities,
			Description:  decl.Description,
			Enabled:      p.enablement.IsAgentEnabled(p.manifest.Name, decl.ID),
		})
	}
	return agents
}

func (p *Plugin) GetAgent(agentID string) (model.Agent, bool) {
	for _, agent := range p.Agents() {
		if agent.ID == agentID {
			return agent, true
		}
	}
	return model.Agent{}, false
}

// Invoke constructs and spawns a PTY session for agentID, waits up
// to the 10-second upstream-init window, and returns the session.
// Per spec §5, a session that never reaches init within the window
// is terminated and Invoke fails with model.ErrUpstreamInitTimeout —
// the "prefer failure" branch the spec recommends, rather than
// resolving with a temporary id.
func (p *Plugin) Invoke(ctx context.Context, agentID string, opts plugin.InvokeOptions) (*model.Session, error) {
	sessionID := newSessionID()
	args := p.buildArgs(agentID, opts)

	candidates := p.binaryCandidatesWithEnvOverride()
	binaryPath, err := ptysession.ResolveBinary(candidates, p.binaryName)
	if err != nil {
		return nil, err
	}

	session, err := ptysession.Start(ctx, ptysession.Config{
		ID:               sessionID,
		AgentID:          agentID,
		PluginID:         p.manifest.Name,
		ResumeSessionID:  opts.ResumeSessionID,
		BinaryPath:       binaryPath,
		Args:             args,
		WorkingDirectory: opts.ProjectPath,
		Clock:            p.clk,
		Logger:           p.logger,
	})
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.sessions[sessionID] = session
	p.mu.Unlock()

	initCtx, cancel := context.WithTimeout(ctx, upstreamInitWindow)
	defer cancel()
	if err := session.WaitForInit(initCtx); err != nil {
		_ = session.Stop(context.Background())
		p.mu.Lock()
		delete(p.sessions, sessionID)
		p.mu.Unlock()
		return nil, err
	}

	return session.Session, nil
}

func (p *Plugin) Message(ctx context.Context, sessionID string, text string) error {
	session, ok := p.lookup(sessionID)
	if !ok {
		return model.ErrSessionNotFound
	}
	// The wrapped CLI runs single-prompt: once it has reached idle
	// (emitted its result) or stopped, there is no live stdin reader
	// on the other end, so a follow-up must become a new resumed
	// session rather than a stdin write (spec §4.4 "Follow-up
	// messages").
	switch session.State() {
	case model.StateIdle, model.StateStopped, model.StateError:
		return model.ErrSessionAlreadyEnded
	}
	session.IncrementMessageCount(p.clk.Now())
	if _, err := session.Stdin().Write([]byte(text + "\n")); err != nil {
		return fmt.Errorf("writing to session stdin: %w", err)
	}
	return nil
}

func (p *Plugin) Stream(sessionID string, callback plugin.EventCallback) (cancel func()) {
	session, ok := p.lookup(sessionID)
	if !ok {
		return func() {}
	}
	return session.Subscribe(callback)
}

func (p *Plugin) Stop(ctx context.Context, sessionID string) error {
	session, ok := p.lookup(sessionID)
	if !ok {
		return nil
	}
	err := session.Stop(ctx)

	p.mu.Lock()
	delete(p.sessions, sessionID)
	p.mu.Unlock()

	return err
}

func (p *Plugin) GetSession(sessionID string) (*model.Session, bool) {
	session, ok := p.lookup(sessionID)
	if !ok {
		return nil, false
	}
	return session.Session, true
}

func (p *Plugin) GetSessions() []*model.Session {
	p.mu.RLock()
	defer p.mu.RUnlock()
	sessions := make([]*model.Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s.Session)
	}
	return sessions
}

// AttachRaw implements plugin.RawAttacher: debug-attach (C10) tails a
// CLI session's raw PTY bytes without going through the JSON-RPC
// transport.
func (p *Plugin) AttachRaw(sessionID string) (<-chan []byte, func(), bool) {
	session, ok := p.lookup(sessionID)
	if !ok {
		return nil, nil, false
	}
	chunks, cancel := session.SubscribeRaw()
	return chunks, cancel, true
}

func (p *Plugin) lookup(sessionID string) (*ptysession.Session, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.sessions[sessionID]
	return s, ok
}

func (p *Plugin) binaryCandidatesWithEnvOverride() []string {
	return append([]string{os.Getenv(binaryEnvVar)}, p.binaryCandidates...)
}

func newSessionID() string {
	random := make([]byte, 6)
	_, _ = rand.Read(random)
	return fmt.Sprintf("sess-%d-%s", sessionCounter.Add(1), hex.EncodeToString(random))
}

// resolvePermissionMode implements spec §4.4's permission-mode
// mapping: an explicit PermissionMode always wins; otherwise an
// explicit legacy BypassMode=false maps to "default" (not the usual
// bypassPermissions default), and the absence of both yields the
// bypassPermissions default.
func resolvePermissionMode(opts plugin.InvokeOptions) string {
	if opts.PermissionMode != "" {
		return opts.PermissionMode
	}
	if opts.BypassMode != nil && !*opts.BypassMode {
		return "default"
	}
	return "bypassPermissions"
}

func (p *Plugin) buildArgs(agentID string, opts plugin.InvokeOptions) []string {
	args := []string{"--print", "--output-format", "stream-json", "--verbose"}
	if opts.PartialMessages {
		args = append(args, "--include-partial-messages")
	}
	args = append(args, "--model", agentID)
	args = append(args, "--permission-mode", resolvePermissionMode(opts))

	if opts.ResumeSessionID != "" {
		args = append(args, "--resume", opts.ResumeSessionID)
		if opts.ForkSession {
			args = append(args, "--fork-session")
		}
	}
	if len(opts.AllowTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(opts.AllowTools, ","))
	}
	if len(opts.DenyTools) > 0 {
		args = append(args, "--disallowedTools", strings.Join(opts.DenyTools, ","))
	}

	args = append(args, opts.Prompt)
	return args
}
