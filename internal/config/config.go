// Copyright 2026 The Nova Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads Nova's JSON configuration file and answers
// the enablement questions the plugin loader and registry need:
// is a plugin enabled, is a specific agent within it enabled, and
// what options a plugin was given.
//
// The wire format is JSON (nova.config.json), not Bureau's usual
// YAML — a fixed requirement of the protocol this server implements,
// not a stylistic choice. Loading mechanics (a zero-value-safe
// default, a file merged over it, never failing startup on a
// malformed file) otherwise follow Bureau's config package.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
)

// PluginConfig is the per-plugin section of the config file.
type PluginConfig struct {
	// Enabled defaults to true when the plugin is unlisted; when the
	// plugin is listed, this field's value governs. nil and "unlisted"
	// are deliberately the same thing — IsPluginEnabled treats a
	// missing PluginConfig identically to an Enabled field absent from
	// JSON (both decode as the zero value, true after defaulting).
	Enabled *bool           `json:"enabled,omitempty"`
	Agents  map[string]bool `json:"agents,omitempty"`
	Options map[string]any  `json:"options,omitempty"`
}

// DefaultsConfig names the agent selected when a client does not
// specify one, in "plugin:agent" form.
type DefaultsConfig struct {
	Agent string `json:"agent,omitempty"`
}

// ServerConfig carries the listener bind settings.
type ServerConfig struct {
	Port int    `json:"port,omitempty"`
	Host string `json:"host,omitempty"`
}

// Config is the parsed contents of nova.config.json.
type Config struct {
	Plugins  map[string]PluginConfig `json:"plugins,omitempty"`
	Defaults DefaultsConfig          `json:"defaults,omitempty"`
	Server   ServerConfig            `json:"server,omitempty"`
}

// Default returns the built-in configuration used when no file is
// present and as the fallback when the file on disk fails to parse.
func Default() *Config {
	return &Config{
		Plugins: map[string]PluginConfig{},
		Server: ServerConfig{
			Port: 8080,
			Host: "0.0.0.0",
		},
	}
}

// Loader owns the current configuration and the path it was loaded
// from. Load and Reload never return an error to the caller: a
// malformed or missing file is logged and the loader falls back to
// (or keeps) the built-in default, per the config loader's "never
// throws at startup" contract.
type Loader struct {
	path   string
	logger *slog.Logger

	mu     sync.RWMutex
	config *Config
}

// NewLoader creates a Loader for the config file at path. The loader
// starts out holding the built-in default; call Load to read the
// file.
func NewLoader(path string, logger *slog.Logger) *Loader {
	return &Loader{
		path:   path,
		logger: logger,
		config: Default(),
	}
}

// Load reads and parses the config file, replacing the loader's
// current configuration on success. A missing file is not an error —
// it yields the built-in default silently. A malformed file is
// logged and the loader falls back to the built-in default rather
// than keeping a partially-applied previous config, so behavior is
// always traceable to either "the file on disk" or "the default."
func (l *Loader) Load() {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if !os.IsNotExist(err) {
			l.logger.Warn("reading config file, using defaults", "path", l.path, "error", err)
		}
		l.set(Default())
		return
	}

	var parsed Config
	if err := json.Unmarshal(data, &parsed); err != nil {
		l.logger.Warn("parsing config file, using defaults", "path", l.path, "error", err)
		l.set(Default())
		return
	}
	if parsed.Plugins == nil {
		parsed.Plugins = map[string]PluginConfig{}
	}
	if parsed.Server.Port == 0 {
		parsed.Server.Port = 8080
	}
	if parsed.Server.Host == "" {
		parsed.Server.Host = "0.0.0.0"
	}
	l.set(&parsed)
}

// Reload invalidates the cached configuration and re-reads the file.
// There is no hot-reload of already-running sessions — only future
// lookups (new plugin.list/agent.invoke calls) observe the change.
func (l *Loader) Reload() {
	l.Load()
}

func (l *Loader) set(c *Config) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.config = c
}

func (l *Loader) snapshot() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.config
}

// IsPluginEnabled reports whether a plugin should be loaded. Unlisted
// plugins default to enabled.
func (l *Loader) IsPluginEnabled(name string) bool {
	cfg := l.snapshot()
	plugin, ok := cfg.Plugins[name]
	if !ok || plugin.Enabled == nil {
		return true
	}
	return *plugin.Enabled
}

// IsAgentEnabled reports whether a specific agent within a plugin is
// enabled: false if the plugin itself is disabled; true if the
// plugin is enabled and the agent is unlisted; the listed boolean
// otherwise.
func (l *Loader) IsAgentEnabled(pluginName, agentID string) bool {
	if !l.IsPluginEnabled(pluginName) {
		return false
	}
	cfg := l.snapshot()
	plugin, ok := cfg.Plugins[pluginName]
	if !ok || plugin.Agents == nil {
		return true
	}
	enabled, listed := plugin.Agents[agentID]
	if !listed {
		return true
	}
	return enabled
}

// PluginOptions returns the options map configured for a plugin, or
// an empty (non-nil) map if none were configured.
func (l *Loader) PluginOptions(name string) map[string]any {
	cfg := l.snapshot()
	plugin, ok := cfg.Plugins[name]
	if !ok || plugin.Options == nil {
		return map[string]any{}
	}
	return plugin.Options
}

// DefaultAgent parses the defaults.agent field ("plugin:agent") and
// returns its two components. ok is false when no default is
// configured or the value is malformed.
func (l *Loader) DefaultAgent() (pluginName, agentID string, ok bool) {
	cfg := l.snapshot()
	value := cfg.Defaults.Agent
	for i := 0; i < len(value); i++ {
		if value[i] == ':' {
			return value[:i], value[i+1:], true
		}
	}
	return "", "", false
}

// Server returns the configured listener bind settings.
func (l *Loader) Server() ServerConfig {
	return l.snapshot().Server
}

// Validate is a narrow sanity check used by cmd/nova-server before
// binding the listener; it does not participate in the "never throws"
// load path, since by this point a concrete port/host are needed.
func (l *Loader) Validate() error {
	return l.snapshot().Validate()
}

// Validate reports whether c's server settings are usable as a
// listener address.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: invalid server port %d", c.Server.Port)
	}
	if c.Server.Host == "" {
		return fmt.Errorf("config: empty server host")
	}
	return nil
}
