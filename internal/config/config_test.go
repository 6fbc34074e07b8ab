// Copyright 2026 The Nova Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLoadMissingFileFallsBackToDefault(t *testing.T) {
	loader := NewLoader(filepath.Join(t.TempDir(), "nonexistent.json"), discardLogger())
	loader.Load()

	if !loader.IsPluginEnabled("anything") {
		t.Fatal("an unlisted plugin should default to enabled")
	}
	if loader.Server().Port != 8080 {
		t.Fatalf("default port = %d, want 8080", loader.Server().Port)
	}
}

func TestLoadMalformedFileFallsBackToDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nova.config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("writing malformed config: %v", err)
	}

	loader := NewLoader(path, discardLogger())
	loader.Load()

	if loader.Server().Port != 8080 {
		t.Fatalf("port after malformed config = %d, want the default 8080", loader.Server().Port)
	}
}

func TestIsPluginEnabledRespectsExplicitFalse(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nova.config.json")
	writeJSON(t, path, `{"plugins":{"disabled-one":{"enabled":false}}}`)

	loader := NewLoader(path, discardLogger())
	loader.Load()

	if loader.IsPluginEnabled("disabled-one") {
		t.Fatal("explicit enabled:false should disable the plugin")
	}
	if !loader.IsPluginEnabled("unlisted") {
		t.Fatal("an unlisted plugin should default to enabled")
	}
}

func TestIsAgentEnabledFollowsPluginThenAgentListing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nova.config.json")
	writeJSON(t, path, `{
		"plugins": {
			"p": {"agents": {"a1": false, "a2": true}},
			"disabled-plugin": {"enabled": false}
		}
	}`)

	loader := NewLoader(path, discardLogger())
	loader.Load()

	if loader.IsAgentEnabled("p", "a1") {
		t.Fatal("agent explicitly listed as false should be disabled")
	}
	if !loader.IsAgentEnabled("p", "a2") {
		t.Fatal("agent explicitly listed as true should be enabled")
	}
	if !loader.IsAgentEnabled("p", "unlisted-agent") {
		t.Fatal("an unlisted agent within an enabled plugin should default to enabled")
	}
	if loader.IsAgentEnabled("disabled-plugin", "any") {
		t.Fatal("any agent within a disabled plugin should be disabled")
	}
}

func TestPluginOptionsReturnsEmptyMapWhenUnconfigured(t *testing.T) {
	loader := NewLoader(filepath.Join(t.TempDir(), "nonexistent.json"), discardLogger())
	loader.Load()

	options := loader.PluginOptions("anything")
	if options == nil || len(options) != 0 {
		t.Fatalf("PluginOptions for an unconfigured plugin = %v, want an empty non-nil map", options)
	}
}

func TestDefaultAgentParsesPluginColonAgent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nova.config.json")
	writeJSON(t, path, `{"defaults":{"agent":"cli:claude-opus"}}`)

	loader := NewLoader(path, discardLogger())
	loader.Load()

	pluginName, agentID, ok := loader.DefaultAgent()
	if !ok {
		t.Fatal("DefaultAgent should report ok for a well-formed defaults.agent")
	}
	if pluginName != "cli" || agentID != "claude-opus" {
		t.Fatalf("DefaultAgent = (%q, %q), want (cli, claude-opus)", pluginName, agentID)
	}
}

func TestDefaultAgentMissingReturnsNotOK(t *testing.T) {
	loader := NewLoader(filepath.Join(t.TempDir(), "nonexistent.json"), discardLogger())
	loader.Load()

	if _, _, ok := loader.DefaultAgent(); ok {
		t.Fatal("DefaultAgent should report !ok when no default is configured")
	}
}

func TestReloadPicksUpFileChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nova.config.json")
	writeJSON(t, path, `{"plugins":{"p":{"enabled":true}}}`)

	loader := NewLoader(path, discardLogger())
	loader.Load()
	if !loader.IsPluginEnabled("p") {
		t.Fatal("plugin should start enabled")
	}

	writeJSON(t, path, `{"plugins":{"p":{"enabled":false}}}`)
	loader.Reload()
	if loader.IsPluginEnabled("p") {
		t.Fatal("Reload should observe the updated file contents")
	}
}

func TestValidateRejectsOutOfRangePort(t *testing.T) {
	cfg := Default()
	cfg.Server.Port = 70000
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate should reject a port outside 0-65535")
	}
}

func TestLoaderValidateReflectsLoadedConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nova.config.json")
	if err := os.WriteFile(path, []byte(`{"server":{"port":70000}}`), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	loader := NewLoader(path, discardLogger())
	loader.Load()

	if err := loader.Validate(); err == nil {
		t.Fatal("Loader.Validate should surface the loaded config's out-of-range port")
	}
}

func writeJSON(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("writing config file: %v", err)
	}
}
