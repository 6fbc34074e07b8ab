// Copyright 2026 The Nova Authors
// SPDX-License-Identifier: Apache-2.0

// Package model defines the shared data types that flow between
// Nova's components: plugin manifests, agents, sessions, session
// events, and the project/transcript types served by the history
// service. This package depends on no other Nova package.
package model

import "fmt"

// Source is the closed set of plugin implementation strategies.
type Source string

const (
	SourceCLI   Source = "cli"
	SourceAPI   Source = "api"
	SourceADK   Source = "adk"
	SourceLocal Source = "local"
	SourceGRPC  Source = "grpc"
)

func (s Source) valid() bool {
	switch s {
	case SourceCLI, SourceAPI, SourceADK, SourceLocal, SourceGRPC:
		return true
	default:
		return false
	}
}

// Capability names a feature an agent or plugin supports.
type Capability string

const (
	CapabilityChat     Capability = "chat"
	CapabilityTools    Capability = "tools"
	CapabilityPlan     Capability = "plan"
	CapabilityCode     Capability = "code"
	CapabilityRealtime Capability = "realtime"
	CapabilityVision   Capability = "vision"
)

func (c Capability) valid() bool {
	switch c {
	case CapabilityChat, CapabilityTools, CapabilityPlan, CapabilityCode, CapabilityRealtime, CapabilityVision:
		return true
	default:
		return false
	}
}

// ManifestAgent is one agent declaration within a plugin manifest.
type ManifestAgent struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Capabilities []Capability `json:"capabilities,omitempty"`
	Description  string       `json:"description,omitempty"`
}

// Manifest is the declarative record parsed from a plugin directory's
// plugin.json. See [Validate] for the invariants a loaded manifest
// must satisfy.
type Manifest struct {
	Name         string          `json:"name"`
	Version      string          `json:"version"`
	Type         string          `json:"type"`
	Source       Source          `json:"source"`
	Capabilities []Capability    `json:"capabilities,omitempty"`
	EntryPoint   string          `json:"entryPoint"`
	Agents       []ManifestAgent `json:"agents"`
}

// Validate checks the manifest against the invariants spelled out in
// the plugin loader's contract: a known source, known capabilities,
// the required fields present, and no duplicate agent ids. It does
// not check cross-plugin uniqueness of Name — that is the loader's
// responsibility once it has seen every manifest.
func (m *Manifest) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("manifest: name is required")
	}
	if m.Version == "" {
		return fmt.Errorf("manifest: version is required")
	}
	if m.EntryPoint == "" {
		return fmt.Errorf("manifest: entryPoint is required")
	}
	if !m.Source.valid() {
		return fmt.Errorf("manifest %s: unknown source %q", m.Name, m.Source)
	}
	for _, capability := range m.Capabilities {
		if !capability.valid() {
			return fmt.Errorf("manifest %s: unknown capability %q", m.Name, capability)
		}
	}
	seen := make(map[string]bool, len(m.Agents))
	for _, agent := range m.Agents {
		if agent.ID == "" {
			return fmt.Errorf("manifest %s: agent missing id", m.Name)
		}
		if seen[agent.ID] {
			return fmt.Errorf("manifest %s: duplicate agent id %q", m.Name, agent.ID)
		}
		seen[agent.ID] = true
		for _, capability := range agent.Capabilities {
			if !capability.valid() {
				return fmt.Errorf("manifest %s: agent %s: unknown capability %q", m.Name, agent.ID, capability)
			}
		}
	}
	return nil
}

// Agent is a sub-identity exposed by a plugin, resolved from a
// manifest agent declaration cross-referenced with configuration.
// Agents are created during plugin initialization and never mutated
// afterward.
type Agent struct {
	PluginName   string       `json:"plugin"`
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Capabilities []Capability `json:"capabilities,omitempty"`
	Description  string       `json:"description,omitempty"`
	Enabled      bool         `json:"enabled"`
}
