// Copyright 2026 The Nova Authors
// SPDX-License-Identifier: Apache-2.0

package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/nova-run/nova/internal/model"
)

const manifestFileName = "plugin.json"

// Registrar is the subset of the registry a Loader needs: registering
// a successfully initialized plugin. Defined here to avoid a loader →
// registry → loader import cycle; internal/registry.Registry
// satisfies this interface.
type Registrar interface {
	Register(p Plugin)
	UnregisterAll(ctx context.Context)
}

// Loader discovers plugins under <base>/plugins/*, validates each
// manifest, instantiates the plugin via a registered Factory, and
// wires it into a Registrar.
type Loader struct {
	baseDir    string
	enablement Enablement
	registrar  Registrar
	logger     *slog.Logger

	factories map[string]Factory
}

// NewLoader creates a Loader that will scan <baseDir>/plugins.
func NewLoader(baseDir string, enablement Enablement, registrar Registrar, logger *slog.Logger) *Loader {
	return &Loader{
		baseDir:    baseDir,
		enablement: enablement,
		registrar:  registrar,
		logger:     logger,
		factories:  map[string]Factory{},
	}
}

// RegisterFactory associates an entry point name (the manifest's
// EntryPoint field) with an in-process constructor. cmd/nova-server
// calls this once per built-in plugin implementation before calling
// Discover.
func (l *Loader) RegisterFactory(entryPoint string, factory Factory) {
	l.factories[entryPoint] = factory
}

// Discover scans the plugins directory and loads every valid,
// enabled manifest found there. Per-plugin failures are logged and
// skipped; discovery never aborts because of one bad plugin.
// Ordering across plugin directories is unspecified (directory read
// order).
func (l *Loader) Discover(ctx context.Context) {
	pluginsDir := filepath.Join(l.baseDir, "plugins")
	entries, err := os.ReadDir(pluginsDir)
	if err != nil {
		if !os.IsNotExist(err) {
			l.logger.Warn("reading plugins directory", "path", pluginsDir, "error", err)
		}
		return
	}

	seenNames := map[string]bool{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		pluginDir := filepath.Join(pluginsDir, entry.Name())
		manifest, err := l.loadManifest(pluginDir)
		if err != nil {
			l.logger.Warn("skipping plugin", "dir", pluginDir, "error", err)
			continue
		}
		if seenNames[manifest.Name] {
			l.logger.Warn("skipping plugin: duplicate name", "dir", pluginDir, "name", manifest.Name)
			continue
		}
		if !l.enablement.IsPluginEnabled(manifest.Name) {
			l.logger.Info("plugin disabled by config", "name", manifest.Name)
			continue
		}

		factory, ok := l.factories[manifest.EntryPoint]
		if !ok {
			l.logger.Warn("skipping plugin: no factory for entry point", "name", manifest.Name, "entryPoint", manifest.EntryPoint)
			continue
		}

		instance, err := factory(*manifest, l.enablement)
		if err != nil {
			l.logger.Warn("skipping plugin: factory failed", "name", manifest.Name, "error", err)
			continue
		}
		if err := instance.Initialize(ctx); err != nil {
			l.logger.Warn("skipping plugin: initialize failed", "name", manifest.Name, "error", err)
			continue
		}

		seenNames[manifest.Name] = true
		l.registrar.Register(instance)
	}
}

func (l *Loader) loadManifest(pluginDir string) (*model.Manifest, error) {
	data, err := os.ReadFile(filepath.Join(pluginDir, manifestFileName))
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	var manifest model.Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	if err := manifest.Validate(); err != nil {
		return nil, err
	}
	return &manifest, nil
}

// Reload shuts down every registered plugin and re-runs discovery,
// per the loader's reload() contract.
func (l *Loader) Reload(ctx context.Context) {
	l.registrar.UnregisterAll(ctx)
	l.Discover(ctx)
}
