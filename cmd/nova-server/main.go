// Copyright 2026 The Nova Authors
// SPDX-License-Identifier: Apache-2.0

// nova-server is the process entry point for Nova's plugin
// orchestration core (C9). It loads configuration, wires the plugin
// loader to the registry, discovers plugins, and serves the
// JSON-RPC/WebSocket transport and HTTP sidecar on one listener plus
// the local debug-attach socket.
//
// Boot order follows spec §4.9: config, then registry, then plugin
// loader (wired to both), then transport (wired to registry and
// history), then discovery, then bind. SIGINT/SIGTERM trigger a
// graceful shutdown in the reverse order.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/nova-run/nova/internal/cliplugin"
	"github.com/nova-run/nova/internal/config"
	"github.com/nova-run/nova/internal/debugattach"
	"github.com/nova-run/nova/internal/history"
	"github.com/nova-run/nova/internal/model"
	"github.com/nova-run/nova/internal/plugin"
	"github.com/nova-run/nova/internal/registry"
	"github.com/nova-run/nova/internal/transport"
	"github.com/nova-run/nova/lib/clock"
	"github.com/nova-run/nova/lib/process"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var showVersion bool
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.Parse()

	if showVersion {
		fmt.Println("nova-server (development build)")
		return nil
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	basePath, err := resolveBasePath()
	if err != nil {
		return fmt.Errorf("resolving base path: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.NewLoader(filepath.Join(basePath, "nova.config.json"), logger)
	cfg.Load()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	reg := registry.New(logger)

	loader := plugin.NewLoader(basePath, cfg, reg, logger)
	// cliplugin.New takes a logger and clock beyond plugin.Factory's
	// signature, so those are closed over here rather than threaded
	// through the loader.
	loader.RegisterFactory("cli", func(manifest model.Manifest, enablement plugin.Enablement) (plugin.Plugin, error) {
		return cliplugin.New(manifest, enablement, logger, clock.Real())
	})

	home := homeDir()
	hist := history.New(filepath.Join(home, ".claude", "projects"), home, logger)
	srv := transport.New(reg, hist, cfg, logger)

	loader.Discover(ctx)

	debugSocketPath := filepath.Join(basePath, debugattach.SocketName)
	debugSrv := debugattach.New(debugSocketPath, reg, logger)
	go func() {
		if err := debugSrv.Serve(ctx); err != nil {
			logger.Error("debug-attach server stopped", "error", err)
		}
	}()

	listenAddr := net.JoinHostPort(cfg.Server().Host, strconv.Itoa(resolvePort(cfg.Server().Port)))
	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("binding %s: %w", listenAddr, err)
	}

	httpServer := &http.Server{Handler: srv.Handler()}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpServer.Serve(listener)
	}()
	logger.Info("nova-server listening", "addr", listenAddr, "base_path", basePath)

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("listener failed", "error", err)
		}
	}

	srv.Shutdown()
	reg.Shutdown(context.Background())
	httpServer.Close()
	return nil
}

func resolveBasePath() (string, error) {
	if base := os.Getenv("NOVA_BASE_PATH"); base != "" {
		return base, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Dir(cwd), nil
}

// resolvePort lets NOVA_PORT override the configured server.port, for
// the common case of running several instances side by side without
// editing nova.config.json.
func resolvePort(configured int) int {
	if raw := os.Getenv("NOVA_PORT"); raw != "" {
		if port, err := strconv.Atoi(raw); err == nil {
			return port
		}
	}
	return configured
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
