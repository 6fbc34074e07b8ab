// Copyright 2026 The Nova Authors
// SPDX-License-Identifier: Apache-2.0

// nova-attach connects to a running nova-server's debug socket and
// tails one session's raw PTY output in a local terminal, read-only.
// This is a supplemental debugging path (C10): it never goes through
// the JSON-RPC/WebSocket surface that ordinary clients use.
//
// Usage:
//
//	nova-attach --session <id> [--socket path]
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/nova-run/nova/internal/debugattach"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var socketPath, sessionID string

	flagSet := pflag.NewFlagSet("nova-attach", pflag.ContinueOnError)
	flagSet.StringVar(&socketPath, "socket", defaultSocketPath(), "path to the server's debug socket")
	flagSet.StringVar(&sessionID, "session", "", "session id to tail (required)")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}
	if sessionID == "" {
		printHelp(flagSet)
		return fmt.Errorf("--session is required")
	}

	client, err := debugattach.Dial(socketPath, sessionID)
	if err != nil {
		return err
	}
	defer client.Close()

	program := tea.NewProgram(newAttachModel(sessionID), tea.WithAltScreen())

	go pumpFrames(client, program)

	_, err = program.Run()
	return err
}

// pumpFrames reads frames from the debug socket and forwards them
// into the bubbletea program as messages until the stream ends.
func pumpFrames(client *debugattach.Client, program *tea.Program) {
	for {
		frame, err := client.Next()
		if err != nil {
			program.Send(streamEndedMsg{err: err})
			return
		}
		switch frame.Type {
		case debugattach.FrameChunk:
			program.Send(chunkMsg(frame.Data))
		case debugattach.FrameClosed:
			program.Send(streamEndedMsg{reason: "session ended"})
			return
		case debugattach.FrameError:
			program.Send(streamEndedMsg{reason: frame.Error})
			return
		}
	}
}

func defaultSocketPath() string {
	base := os.Getenv("NOVA_BASE_PATH")
	if base == "" {
		cwd, _ := os.Getwd()
		base = filepath.Dir(cwd)
	}
	return filepath.Join(base, debugattach.SocketName)
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `nova-attach — tail a live session's raw output for debugging.

Read-only, non-interactive: forwarded bytes are displayed, nothing is
sent back to the session. Press q to quit.

Usage:
  nova-attach --session <id> [flags]

Flags:
`)
	flagSet.SetOutput(os.Stderr)
	flagSet.PrintDefaults()
}
