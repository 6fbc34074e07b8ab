// Copyright 2026 The Nova Authors
// SPDX-License-Identifier: Apache-2.0

package model

import (
	"encoding/json"
	"time"
)

// EventType enumerates the kinds of SessionEvent a PTY session emits.
type EventType string

const (
	EventTypeOutput             EventType = "output"
	EventTypeError              EventType = "error"
	EventTypeComplete           EventType = "complete"
	EventTypeStatus             EventType = "status"
	EventTypeInit               EventType = "init"
	EventTypeInteractivePrompt  EventType = "interactive-prompt"
)

// SessionEvent is the typed union broadcast to subscribers for a
// given session. Exactly one of the Data fields is populated,
// matching EventType. This mirrors the driver event envelope's
// tagged-union shape: a discriminant field plus one populated
// sub-struct per variant, rather than an interface-typed payload,
// so the event survives a JSON round-trip without a custom
// unmarshaler.
type SessionEvent struct {
	SessionID string    `json:"session_id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	Output             *OutputData             `json:"output,omitempty"`
	Error              *ErrorData              `json:"error,omitempty"`
	Complete           *CompleteData           `json:"complete,omitempty"`
	StatusChange       *StatusData             `json:"status,omitempty"`
	Init               *InitData               `json:"init,omitempty"`
	InteractivePrompt  *InteractivePromptData  `json:"interactive_prompt,omitempty"`
}

// OutputData carries a structured record forwarded from the
// subprocess, or a raw-text fallback when the line did not parse as
// JSON. Exactly one of Record/Raw is set.
type OutputData struct {
	Record json.RawMessage `json:"record,omitempty"`
	Raw    string          `json:"raw,omitempty"`
}

// ErrorData carries a human-readable error description.
type ErrorData struct {
	Message string `json:"message"`
}

// CompleteData carries the terminal outcome of a session. Emitted
// exactly once, as the last event of the session.
type CompleteData struct {
	ExitCode          int    `json:"exit_code"`
	UpstreamSessionID string `json:"upstream_session_id,omitempty"`
}

// StatusData carries a new coarsened status.
type StatusData struct {
	Status Status `json:"status"`
}

// InitData carries the upstream session id captured from the
// subprocess's first system/init record.
type InitData struct {
	UpstreamSessionID string `json:"upstream_session_id"`
}

// PromptKind enumerates the interactive prompt variants a subprocess
// can request.
type PromptKind string

const (
	PromptKindBypassConfirm PromptKind = "bypass-confirm"
	PromptKindToolApproval  PromptKind = "tool-approval"
	PromptKindFileEdit      PromptKind = "file-edit"
	PromptKindSelection     PromptKind = "selection"
)

// PromptOption is one choice offered to the client for an
// InteractivePrompt.
type PromptOption struct {
	Key       string `json:"key"`
	Label     string `json:"label"`
	IsDefault bool   `json:"is_default,omitempty"`
}

// InteractivePromptData describes a confirmation the subprocess is
// waiting on. Exactly one response is expected from the client.
type InteractivePromptData struct {
	Kind        PromptKind     `json:"kind"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Options     []PromptOption `json:"options"`
}

// NewOutputEvent builds an EventTypeOutput event carrying a parsed
// record.
func NewOutputEvent(sessionID string, now time.Time, record json.RawMessage) SessionEvent {
	return SessionEvent{
		SessionID: sessionID,
		Type:      EventTypeOutput,
		Timestamp: now,
		Output:    &OutputData{Record: record},
	}
}

// NewRawOutputEvent builds an EventTypeOutput event carrying
// unparsed text — used both for lines that failed to parse as JSON
// and for any residual partial line flushed at process exit.
func NewRawOutputEvent(sessionID string, now time.Time, raw string) SessionEvent {
	return SessionEvent{
		SessionID: sessionID,
		Type:      EventTypeOutput,
		Timestamp: now,
		Output:    &OutputData{Raw: raw},
	}
}

// NewInitEvent builds an EventTypeInit event.
func NewInitEvent(sessionID string, now time.Time, upstreamSessionID string) SessionEvent {
	return SessionEvent{
		SessionID: sessionID,
		Type:      EventTypeInit,
		Timestamp: now,
		Init:      &InitData{UpstreamSessionID: upstreamSessionID},
	}
}

// NewCompleteEvent builds the terminal EventTypeComplete event.
func NewCompleteEvent(sessionID string, now time.Time, exitCode int, upstreamSessionID string) SessionEvent {
	return SessionEvent{
		SessionID: sessionID,
		Type:      EventTypeComplete,
		Timestamp: now,
		Complete:  &CompleteData{ExitCode: exitCode, UpstreamSessionID: upstreamSessionID},
	}
}

// NewErrorEvent builds an EventTypeError event.
func NewErrorEvent(sessionID string, now time.Time, message string) SessionEvent {
	return SessionEvent{
		SessionID: sessionID,
		Type:      EventTypeError,
		Timestamp: now,
		Error:     &ErrorData{Message: message},
	}
}

// NewStatusEvent builds an EventTypeStatus event.
func NewStatusEvent(sessionID string, now time.Time, status Status) SessionEvent {
	return SessionEvent{
		SessionID:    sessionID,
		Type:         EventTypeStatus,
		Timestamp:    now,
		StatusChange: &StatusData{Status: status},
	}
}

// NewInteractivePromptEvent builds an EventTypeInteractivePrompt event.
func NewInteractivePromptEvent(sessionID string, now time.Time, prompt InteractivePromptData) SessionEvent {
	return SessionEvent{
		SessionID:         sessionID,
		Type:              EventTypeInteractivePrompt,
		Timestamp:         now,
		InteractivePrompt: &prompt,
	}
}
