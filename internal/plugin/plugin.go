// Copyright 2026 The Nova Authors
// SPDX-License-Identifier: Apache-2.0

// Package plugin defines the plugin capability-set interface and the
// filesystem loader that discovers, validates, and instantiates
// plugins from a directory of manifests.
//
// Polymorphism without inheritance: the registry and transport depend
// only on the Plugin interface below, never on a concrete variant.
// Today only the "cli" source (package cliplugin) implements it; api,
// adk, local, and grpc are declared in the manifest schema but have
// no implementation.
package plugin

import (
	"context"

	"github.com/nova-run/nova/internal/model"
)

// InvokeOptions carries the client-supplied parameters for starting a
// session, translated by the concrete plugin into whatever its
// underlying runtime needs (for cliplugin, CLI arguments).
type InvokeOptions struct {
	ProjectPath     string
	Prompt          string
	ResumeSessionID string
	ForkSession     bool

	// PermissionMode is one of {default, acceptEdits,
	// bypassPermissions, dontAsk, plan}. Empty means "use the
	// plugin's default" (bypassPermissions for cliplugin).
	PermissionMode string

	// BypassMode is the legacy boolean form. nil means "not supplied"
	// (PermissionMode, or the bypassPermissions default, governs).
	// An explicit false maps to permission-mode "default" rather than
	// the bypassPermissions default — see cliplugin.resolvePermissionMode.
	BypassMode *bool

	AllowTools []string
	DenyTools  []string

	// PartialMessages requests incremental assistant-message
	// streaming from the subprocess, where supported.
	PartialMessages bool
}

// EventCallback receives session events pushed by Stream. Callbacks
// must not block; slow or panicking callbacks are the caller's
// problem to isolate (see registry.Stream and ptysession's recover
// wrapper).
type EventCallback func(model.SessionEvent)

// Plugin is the capability set every plugin variant must implement.
// The registry and transport layers call only these methods; they
// never inspect the concrete type.
type Plugin interface {
	// Name is the plugin's manifest name, used as the registry key.
	Name() string

	// Manifest returns the plugin's declarative manifest.
	Manifest() model.Manifest

	// Initialize prepares the plugin to serve invocations. Called
	// once after construction, before registration.
	Initialize(ctx context.Context) error

	// Shutdown releases plugin resources and stops every session it
	// owns. Called at most once; errors are logged by the caller, not
	// propagated further (the registry's shutdown is best-effort).
	Shutdown(ctx context.Context) error

	// Agents returns a snapshot of every agent this plugin declares,
	// including disabled ones; callers filter as needed.
	Agents() []model.Agent

	// GetAgent looks up one agent by id.
	GetAgent(agentID string) (model.Agent, bool)

	// Invoke starts a new session for the given agent and blocks until
	// it reaches upstream init or the init window elapses. It returns
	// only once the session is visible to both the plugin's own
	// session map and (via the registry's subsequent bookkeeping) the
	// session-to-plugin index, so no caller ever observes one without
	// the other.
	Invoke(ctx context.Context, agentID string, opts InvokeOptions) (*model.Session, error)

	// Message sends a follow-up to a running session. Returns
	// model.ErrSessionNotFound if unknown, model.ErrSessionAlreadyEnded
	// if the session has already completed.
	Message(ctx context.Context, sessionID string, text string) error

	// Stream registers callback to receive every subsequent event for
	// sessionID. Returns a cancel function; calling it more than once
	// is safe. A no-op cancel is returned if the session is unknown.
	Stream(sessionID string, callback EventCallback) (cancel func())

	// Stop requests termination of sessionID and waits for it to
	// complete (bounded by the two-phase kill grace window). Removes
	// the session from the plugin's map once stopped. Stopping an
	// unknown session is a no-op, not an error.
	Stop(ctx context.Context, sessionID string) error

	// GetSession looks up one session by id.
	GetSession(sessionID string) (*model.Session, bool)

	// GetSessions returns a snapshot of every session the plugin
	// currently owns.
	GetSessions() []*model.Session
}

// RawAttacher is an optional capability a Plugin may implement when
// its sessions have a raw byte stream worth tailing locally for
// debugging (cliplugin's PTY-backed sessions do; a future non-PTY
// plugin source need not). The transport never asserts this
// interface; the registry asserts it to route a raw attach for
// internal/debugattach.
type RawAttacher interface {
	// AttachRaw subscribes to sessionID's raw output from this point
	// forward. ok is false if the session is unknown to this plugin.
	AttachRaw(sessionID string) (chunks <-chan []byte, cancel func(), ok bool)
}

// Factory constructs a Plugin from its manifest and the enablement
// config loader. Factories are registered by entry point name (see
// Loader.RegisterFactory) rather than dynamically loaded from a
// shared object, which has no idiomatic Go equivalent — the manifest's
// EntryPoint field selects among in-process factories instead.
type Factory func(manifest model.Manifest, enablement Enablement) (Plugin, error)

// Enablement is the subset of the config loader a plugin factory
// needs: whether specific agents are enabled and what options the
// plugin was configured with. Defined here (rather than importing
// internal/config directly) to avoid a dependency from plugin back to
// config's concrete type and to keep the plugin package testable with
// a stub.
type Enablement interface {
	IsPluginEnabled(name string) bool
	IsAgentEnabled(pluginName, agentID string) bool
	PluginOptions(name string) map[string]any
}
