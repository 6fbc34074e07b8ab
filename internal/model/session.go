// Copyright 2026 The Nova Authors
// SPDX-License-Identifier: Apache-2.0

package model

import (
	"sync"
	"time"
)

// State is the internal fine-grained session state machine. Status is
// the public coarsening exposed to clients; State is the source of
// truth a PTY session actually transitions through.
type State string

const (
	StateInitializing State = "initializing"
	StateReady         State = "ready"
	StateProcessing    State = "processing"
	StateIdle          State = "idle"
	StateError         State = "error"
	StateStopped       State = "stopped"
)

// Status is the coarsened session status reported to clients.
type Status string

const (
	StatusStarting         Status = "starting"
	StatusRunning          Status = "running"
	StatusWaitingForInput  Status = "waiting-for-input"
	StatusCompleted        Status = "completed"
	StatusError            Status = "error"
	StatusStopped          Status = "stopped"
)

// Coarsen maps an internal State onto the public Status enum.
func Coarsen(s State) Status {
	switch s {
	case StateInitializing:
		return StatusStarting
	case StateReady, StateProcessing:
		return StatusRunning
	case StateIdle:
		return StatusWaitingForInput
	case StateError:
		return StatusError
	case StateStopped:
		return StatusStopped
	default:
		return StatusError
	}
}

// Session is one live conversation/command-execution with an agent.
// Fields set at creation are immutable; mutable fields are guarded by
// mu so that concurrent readers (the transport's snapshot methods) and
// the owning PTY session's single writer goroutine never race.
type Session struct {
	ID              string
	AgentID         string
	PluginID        string
	ProjectPath     string
	ResumeSessionID string
	CreatedAt       time.Time

	mu                 sync.RWMutex
	upstreamSessionID  string
	state              State
	lastActivity       time.Time
	exitCode           *int
	messageCount       int
}

// NewSession constructs a session in the initializing state.
func NewSession(id, agentID, pluginID, projectPath, resumeSessionID string, now time.Time) *Session {
	return &Session{
		ID:              id,
		AgentID:         agentID,
		PluginID:        pluginID,
		ProjectPath:     projectPath,
		ResumeSessionID: resumeSessionID,
		CreatedAt:       now,
		state:           StateInitializing,
		lastActivity:    now,
	}
}

// SetState transitions the session's internal state and bumps
// LastActivity. Callers are responsible for only calling this from
// the session's single owning goroutine (the PTY session's event
// loop) so that state transitions are ordered.
func (s *Session) SetState(state State, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	s.lastActivity = now
}

// State returns the current internal state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Status returns the coarsened public status.
func (s *Session) Status() Status {
	return Coarsen(s.State())
}

// CaptureUpstreamID records the upstream session id if it has not
// already been captured. Once set, it is never overwritten — the
// second and later calls are no-ops, satisfying the "never
// overwritten" invariant.
func (s *Session) CaptureUpstreamID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upstreamSessionID == "" {
		s.upstreamSessionID = id
	}
}

// UpstreamSessionID returns the captured upstream id, or "" if none
// has arrived yet.
func (s *Session) UpstreamSessionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.upstreamSessionID
}

// SetExitCode records the subprocess exit code at termination.
func (s *Session) SetExitCode(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exitCode = &code
}

// ExitCode returns the recorded exit code, or nil if the session has
// not terminated yet.
func (s *Session) ExitCode() *int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.exitCode
}

// IncrementMessageCount bumps the message counter and last-activity
// timestamp; called once per inbound client message.
func (s *Session) IncrementMessageCount(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messageCount++
	s.lastActivity = now
}

// LastActivity returns the last-activity timestamp.
func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

// View is a point-in-time, JSON-serializable snapshot of a Session,
// safe to hand to the transport layer without exposing the mutex.
type View struct {
	ID                string  `json:"session_id"`
	AgentID           string  `json:"agent_id"`
	PluginID          string  `json:"plugin_id"`
	ProjectPath       string  `json:"project_path"`
	UpstreamSessionID string  `json:"upstream_session_id,omitempty"`
	Status            Status  `json:"status"`
	CreatedAt         time.Time `json:"created_at"`
	LastActivity      time.Time `json:"last_activity"`
	ExitCode          *int    `json:"exit_code,omitempty"`
	MessageCount      int     `json:"message_count"`
}

// Snapshot produces a View of the session's current state.
func (s *Session) Snapshot() View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return View{
		ID:                s.ID,
		AgentID:           s.AgentID,
		PluginID:          s.PluginID,
		ProjectPath:       s.ProjectPath,
		UpstreamSessionID: s.upstreamSessionID,
		Status:            Coarsen(s.state),
		CreatedAt:         s.CreatedAt,
		LastActivity:      s.lastActivity,
		ExitCode:          s.exitCode,
		MessageCount:      s.messageCount,
	}
}
