// Copyright 2026 The Nova Authors
// SPDX-License-Identifier: Apache-2.0

package model

import "errors"

// Sentinel errors classified by the error-kind table. Components
// return these (optionally wrapped with fmt.Errorf("...: %w", err))
// so that callers can classify failures with errors.Is without the
// transport layer knowing about internal error types, and the
// transport layer maps them onto JSON-RPC error codes at its own
// boundary.
var (
	ErrPluginNotFound  = errors.New("plugin not found")
	ErrAgentNotFound   = errors.New("agent not found")
	ErrAgentDisabled   = errors.New("agent disabled")
	ErrSessionNotFound = errors.New("session not found")

	ErrBinaryNotFound        = errors.New("subprocess binary not found")
	ErrProjectPathMissing    = errors.New("project path does not exist")
	ErrSpawnFailure          = errors.New("failed to spawn subprocess")
	ErrUpstreamInitTimeout   = errors.New("timed out waiting for upstream init")
	ErrSessionAlreadyEnded   = errors.New("session already completed; create a new session with resume")
	ErrTranscriptNotFound    = errors.New("transcript not found")
)
