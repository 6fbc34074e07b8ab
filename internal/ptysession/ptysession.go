// Copyright 2026 The Nova Authors
// SPDX-License-Identifier: Apache-2.0

// Package ptysession implements C4: one subprocess running under a
// pseudo-terminal, parsing its line-delimited JSON output into typed
// [model.SessionEvent]s, and supporting graceful and forced
// termination.
//
// A Session owns two interior goroutines — a reader that consumes PTY
// bytes and an exit watcher — mirroring the producer/consumer split in
// Bureau's agentdriver.Run. Both publish events through the session's
// own fanout rather than a shared channel, since subscriber count is
// dynamic (the registry/transport attach and detach Stream callbacks
// for the session's whole lifetime).
package ptysession

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/nova-run/nova/internal/model"
	"github.com/nova-run/nova/lib/clock"
)

// Default PTY geometry, per the wrapped CLI's expected terminal size.
const (
	defaultCols = 200
	defaultRows = 50

	// maxLineBufferBytes bounds the retained partial-line residue.
	// The spec leaves this unbounded "in principle"; a concrete bound
	// is required by any faithful implementation (see spec.md Open
	// Questions). Exceeding it drops the buffer with a logged warning
	// rather than growing without limit.
	maxLineBufferBytes = 4 << 20 // 4 MiB

	// maxEventBufferLen bounds the replay backlog kept for late
	// subscribers (P2). Oldest events are dropped once the backlog
	// reaches this length.
	maxEventBufferLen = 4096

	// killGracePeriod is the SIGTERM-to-SIGKILL grace window.
	killGracePeriod = 5 * time.Second

	// rawSubscriberBuffer bounds how many undelivered chunks a raw
	// byte subscriber (the debug-attach socket, C10) may accumulate
	// before chunks are dropped for it. Debug attach is best-effort:
	// a slow or disconnected viewer must never slow down the reader
	// goroutine that also drives event parsing.
	rawSubscriberBuffer = 64
)

// Config configures a new Session.
type Config struct {
	ID               string
	AgentID          string
	PluginID         string
	ResumeSessionID  string
	BinaryPath       string
	Args             []string
	WorkingDirectory string
	ExtraEnv         []string
	Clock            clock.Clock
	Logger           *slog.Logger
}

// Session owns one subprocess under a PTY. It embeds *model.Session
// for the shared, transport-visible metadata and adds the process
// handle, subscriber fanout, and line buffer that are C4's own
// business.
type Session struct {
	*model.Session

	logger *slog.Logger
	clk    clock.Clock

	cmd  *exec.Cmd
	ptmx *os.File

	mu          sync.Mutex
	subscribers map[int]*subscriberEntry
	nextSubID   int
	buffer      []model.SessionEvent

	rawSubscribers map[int]*rawSub
	nextRawSubID   int

	initOnce   sync.Once
	initDone   chan struct{}
	initError  error

	completeOnce sync.Once
	doneCh       chan struct{} // closed once the exit watcher has finished

	stopOnce sync.Once
}

// Start resolves nothing on its own — BinaryPath must already be a
// validated absolute path (see ResolveBinary) — spawns the subprocess
// under a PTY at cwd=WorkingDirectory, and launches the reader and
// exit-watcher goroutines. It returns immediately after a successful
// spawn; callers that need to know whether the subprocess reached
// system/init should call WaitForInit.
//
// callerCtx is deliberately not wired into the subprocess's lifetime:
// it is typically a request-scoped context with a short deadline
// (transport's 30-second per-call timeout), while the subprocess
// legitimately outlives any single JSON-RPC call. The process is
// instead torn down only via Stop, or by exiting on its own.
func Start(callerCtx context.Context, cfg Config) (*Session, error) {
	if _, err := os.Stat(cfg.WorkingDirectory); err != nil {
		return nil, fmt.Errorf("%w: %s", model.ErrProjectPathMissing, cfg.WorkingDirectory)
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}

	cmd := exec.CommandContext(context.Background(), cfg.BinaryPath, cfg.Args...)
	cmd.Dir = cfg.WorkingDirectory
	cmd.Env = append(os.Environ(), append([]string{
		"TERM=xterm-256color",
		"NO_COLOR=1",
		"FORCE_COLOR=0",
	}, cfg.ExtraEnv...)...)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: defaultRows, Cols: defaultCols})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrSpawnFailure, err)
	}

	now := clk.Now()
	s := &Session{
		Session:        model.NewSession(cfg.ID, cfg.AgentID, cfg.PluginID, cfg.WorkingDirectory, cfg.ResumeSessionID, now),
		logger:         cfg.Logger,
		clk:            clk,
		cmd:            cmd,
		ptmx:           ptmx,
		subscribers:    map[int]*subscriberEntry{},
		rawSubscribers: map[int]*rawSub{},
		initDone:       make(chan struct{}),
		doneCh:         make(chan struct{}),
	}

	go s.readLoop()
	go s.exitWatch()

	return s, nil
}

// subscriberEntry mediates delivery to one Subscribe callback so that
// replay (Subscribe's backlog dump) and live delivery (emit) can
// never interleave out of order. While replaying is true, deliver
// queues events instead of calling the callback, so a live event that
// emit produces concurrently with Subscribe's backlog replay waits
// behind it rather than reaching the callback first.
type subscriberEntry struct {
	mu        sync.Mutex
	replaying bool
	pending   []model.SessionEvent
	callback  func(model.SessionEvent)
}

func (e *subscriberEntry) deliver(s *Session, event model.SessionEvent) {
	e.mu.Lock()
	if e.replaying {
		e.pending = append(e.pending, event)
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()
	s.safeCall(e.callback, event)
}

// Subscribe registers callback for every event from this point
// forward, then replays every event already emitted so a late
// subscriber still observes init first (P2) rather than whatever
// happened to be current when it attached. The subscriber is
// registered before the backlog is read, so no event emitted after
// that point is ever lost — but it also must not reach the callback
// ahead of the backlog replay, which is what subscriberEntry's
// replaying flag prevents: any event emit produces while Subscribe is
// still replaying is queued, then flushed in order immediately after,
// before direct delivery is enabled.
func (s *Session) Subscribe(callback func(model.SessionEvent)) (cancel func()) {
	entry := &subscriberEntry{replaying: true, callback: callback}

	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = entry
	backlog := make([]model.SessionEvent, len(s.buffer))
	copy(backlog, s.buffer)
	s.mu.Unlock()

	for _, event := range backlog {
		s.safeCall(callback, event)
	}

	for {
		entry.mu.Lock()
		queued := entry.pending
		entry.pending = nil
		if len(queued) == 0 {
			entry.replaying = false
			entry.mu.Unlock()
			break
		}
		entry.mu.Unlock()

		for _, event := range queued {
			s.safeCall(callback, event)
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subscribers, id)
			s.mu.Unlock()
		})
	}
}

// emit appends an event to the replay buffer and delivers it to every
// current subscriber. emit is called from the reader goroutine, the
// exit-watcher goroutine and WaitForInit's timeout path; events from
// one goroutine reach each subscriber in emit order, and each
// subscriberEntry preserves that order against a concurrent Subscribe
// (P2). Events emitted by different goroutines are not ordered against
// each other.
func (s *Session) emit(event model.SessionEvent) {
	s.mu.Lock()
	s.buffer = append(s.buffer, event)
	if len(s.buffer) > maxEventBufferLen {
		s.buffer = s.buffer[len(s.buffer)-maxEventBufferLen:]
	}
	entries := make([]*subscriberEntry, 0, len(s.subscribers))
	for _, entry := range s.subscribers {
		entries = append(entries, entry)
	}
	s.mu.Unlock()

	for _, entry := range entries {
		entry.deliver(s, event)
	}
}

// safeCall isolates a subscriber callback's panic so that one broken
// subscriber never disrupts fanout to its siblings.
func (s *Session) safeCall(cb func(model.SessionEvent), event model.SessionEvent) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("subscriber callback panicked", "session_id", s.ID, "panic", r)
		}
	}()
	cb(event)
}

// rawSub is one SubscribeRaw registration. Both exitWatch (on session
// end) and the subscriber's own cancel function can close ch; closing
// is routed through close, guarded by once, so whichever of the two
// runs first is the one that actually closes the channel and the
// other is a no-op instead of a double-close panic.
type rawSub struct {
	ch   chan []byte
	once sync.Once
}

func (rs *rawSub) close() {
	rs.once.Do(func() { close(rs.ch) })
}

// SubscribeRaw registers for every raw PTY byte chunk from this point
// forward, for the debug-attach socket (C10). Unlike Subscribe, there
// is no backlog replay: a raw attach only ever sees output emitted
// while it is attached, matching the spec's "tail a live session"
// framing rather than init-plus-history semantics. A full channel
// drops the chunk rather than blocking the reader goroutine.
func (s *Session) SubscribeRaw() (chunks <-chan []byte, cancel func()) {
	s.mu.Lock()
	id := s.nextRawSubID
	s.nextRawSubID++
	sub := &rawSub{ch: make(chan []byte, rawSubscriberBuffer)}
	s.rawSubscribers[id] = sub
	s.mu.Unlock()

	return sub.ch, func() {
		s.mu.Lock()
		delete(s.rawSubscribers, id)
		s.mu.Unlock()
		sub.close()
	}
}

// broadcastRaw fans a chunk of raw PTY bytes out to every raw
// subscriber. Called from the reader goroutine via rawTee, so, like
// emit, chunks reach subscribers in read order.
func (s *Session) broadcastRaw(chunk []byte) {
	s.mu.Lock()
	if len(s.rawSubscribers) == 0 {
		s.mu.Unlock()
		return
	}
	cp := append([]byte(nil), chunk...)
	subs := make([]*rawSub, 0, len(s.rawSubscribers))
	for _, sub := range s.rawSubscribers {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- cp:
		default:
			s.logger.Warn("raw attach subscriber too slow, dropping chunk", "session_id", s.ID)
		}
	}
}

// rawTee is an io.Writer that hands every write to broadcastRaw, used
// to tee the PTY master into the raw-byte fanout alongside the line
// scanner that drives event parsing.
type rawTee struct{ s *Session }

func (t rawTee) Write(p []byte) (int, error) {
	t.s.broadcastRaw(p)
	return len(p), nil
}

// WaitForInit blocks until the subprocess's first system/init record
// has been observed, the subprocess has exited without one, or ctx is
// done — whichever comes first. The caller (cliplugin.Invoke) applies
// the 10-second window from spec §5 by passing a context with that
// deadline.
func (s *Session) WaitForInit(ctx context.Context) error {
	select {
	case <-s.initDone:
		return s.initError
	case <-s.doneCh:
		return s.initError
	case <-ctx.Done():
		s.initOnce.Do(func() {
			now := s.clk.Now()
			s.initError = fmt.Errorf("%w", model.ErrUpstreamInitTimeout)
			s.transitionState(model.StateError, now)
			s.emit(model.NewErrorEvent(s.ID, now, s.initError.Error()))
			close(s.initDone)
		})
		return s.initError
	}
}

// readLoop is C4's reader goroutine: it consumes PTY bytes, splits
// them on newlines via a bufio.Scanner bounded at maxLineBufferBytes
// (spec §5's required concrete bound on otherwise-unbounded output
// buffering), and dispatches each complete line through the parser.
// It is the only goroutine that emits output, init and interactive
// prompt events and the processing/idle status transitions. When a
// line exceeds the bound, the buffered part is dropped with a warning
// and scanning resumes on the bytes that follow.
func (s *Session) readLoop() {
	reader := io.TeeReader(s.ptmx, rawTee{s})
	for {
		scanner := bufio.NewScanner(reader)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineBufferBytes)
		for scanner.Scan() {
			s.handleLine(strings.TrimRight(scanner.Text(), "\r"))
		}
		err := scanner.Err()
		if err != bufio.ErrTooLong {
			if err != nil {
				s.logger.Warn("pty read error", "session_id", s.ID, "error", err)
			}
			return
		}
		s.logger.Warn("pty line exceeded buffer, dropping residue", "session_id", s.ID, "limit_bytes", maxLineBufferBytes)
	}
}

func (s *Session) handleLine(line string) {
	if line == "" {
		return
	}
	now := s.clk.Now()

	trimmed := strings.TrimSpace(line)
	if len(trimmed) == 0 {
		return
	}

	var envelope partialEnvelope
	if err := json.Unmarshal([]byte(trimmed), &envelope); err != nil {
		s.emit(model.NewRawOutputEvent(s.ID, now, line))
		return
	}

	s.handleRecord(now, trimmed, envelope)
}

// partialEnvelope extracts just enough of a record to drive the
// state machine and capture the upstream session id, without fully
// typing every record shape the wrapped CLI can emit (see spec §6:
// "Records with type in {assistant,user,result,system} are
// recognized; others are forwarded opaquely").
type partialEnvelope struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`
}

func (s *Session) handleRecord(now time.Time, raw string, envelope partialEnvelope) {
	switch envelope.Type {
	case "system":
		if envelope.Subtype == "init" && envelope.SessionID != "" {
			s.captureInit(now, envelope.SessionID)
		}
		s.forwardOutput(now, raw)
	case "assistant":
		s.transitionState(model.StateProcessing, now)
		s.forwardOutput(now, raw)
	case "result":
		if envelope.SessionID != "" {
			s.CaptureUpstreamID(envelope.SessionID)
		}
		s.transitionState(model.StateIdle, now)
		s.forwardOutput(now, raw)
	case "user":
		s.forwardOutput(now, raw)
	case "control_request":
		s.emitInteractivePrompt(now, raw)
		s.forwardOutput(now, raw)
	default:
		// Unenumerated record types (e.g. --include-partial-messages
		// output) are forwarded opaquely rather than rejected, per
		// spec §9 Open Questions.
		s.forwardOutput(now, raw)
	}
}

// transitionState updates the session's internal state and, when the
// publicly-coarsened status actually changes as a result, emits a
// status event. Several internal states coarsen to the same status
// (ready and processing both report "running"), so not every
// transitionState call produces an event.
func (s *Session) transitionState(state model.State, now time.Time) {
	before := s.Status()
	s.SetState(state, now)
	if after := s.Status(); after != before {
		s.emit(model.NewStatusEvent(s.ID, now, after))
	}
}

// controlRequestRecord is the subset of a control_request record this
// session recognizes as an interactive confirmation. The wrapped CLI's
// exact field names for these are not pinned by spec; missing fields
// fall back to a generic tool-approval prompt with allow/deny options
// rather than being dropped.
type controlRequestRecord struct {
	Subtype     string               `json:"subtype"`
	ToolName    string               `json:"tool_name,omitempty"`
	Title       string               `json:"title,omitempty"`
	Description string               `json:"description,omitempty"`
	Options     []model.PromptOption `json:"options,omitempty"`
}

func (s *Session) emitInteractivePrompt(now time.Time, raw string) {
	var rec controlRequestRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		s.logger.Warn("control_request record did not parse, no interactive-prompt emitted", "session_id", s.ID, "error", err)
		return
	}

	title := rec.Title
	if title == "" {
		title = rec.ToolName
	}
	if title == "" {
		title = "confirmation required"
	}

	options := rec.Options
	if len(options) == 0 {
		options = []model.PromptOption{
			{Key: "allow", Label: "Allow", IsDefault: true},
			{Key: "deny", Label: "Deny"},
		}
	}

	s.emit(model.NewInteractivePromptEvent(s.ID, now, model.InteractivePromptData{
		Kind:        promptKindFor(rec.Subtype),
		Title:       title,
		Description: rec.Description,
		Options:     options,
	}))
}

func promptKindFor(subtype string) model.PromptKind {
	switch subtype {
	case "bypass_permissions_confirm":
		return model.PromptKindBypassConfirm
	case "file_edit":
		return model.PromptKindFileEdit
	case "selection":
		return model.PromptKindSelection
	default:
		return model.PromptKindToolApproval
	}
}

func (s *Session) captureInit(now time.Time, upstreamID string) {
	s.initOnce.Do(func() {
		s.CaptureUpstreamID(upstreamID)
		// SetState rather than transitionState: the dedicated init event
		// below already tells subscribers the session reached ready, and
		// init must be the first event a subscriber ever sees (P2), so no
		// separate status event precedes it.
		s.SetState(model.StateReady, now)
		s.emit(model.NewInitEvent(s.ID, now, upstreamID))
		close(s.initDone)
	})
}

func (s *Session) forwardOutput(now time.Time, raw string) {
	s.emit(model.NewOutputEvent(s.ID, now, json.RawMessage(raw)))
}

// exitWatch is C4's exit-watcher goroutine: it blocks on the
// subprocess exiting, closes the PTY master, transitions to
// stopped/error, and emits the single terminal complete event. The
// residual partial line is not flushed here: when the PTY read ends,
// readLoop's scanner passes a non-empty unterminated last line to
// handleLine.
func (s *Session) exitWatch() {
	waitErr := s.cmd.Wait()
	_ = s.ptmx.Close()
	now := s.clk.Now()

	exitCode := 0
	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}
	s.SetExitCode(exitCode)

	if exitCode == 0 {
		s.transitionState(model.StateStopped, now)
	} else {
		s.transitionState(model.StateError, now)
		s.emit(model.NewErrorEvent(s.ID, now, fmt.Sprintf("subprocess exited with code %d", exitCode)))
	}

	// Unblock any WaitForInit caller if the process exited before
	// system/init ever arrived.
	s.initOnce.Do(func() {
		s.initError = fmt.Errorf("%w: subprocess exited before init (exit code %d)", model.ErrUpstreamInitTimeout, exitCode)
		close(s.initDone)
	})

	s.completeOnce.Do(func() {
		s.emit(model.NewCompleteEvent(s.ID, now, exitCode, s.UpstreamSessionID()))
	})

	s.mu.Lock()
	s.subscribers = map[int]*subscriberEntry{}
	rawSubs := s.rawSubscribers
	s.rawSubscribers = map[int]*rawSub{}
	s.mu.Unlock()
	for _, sub := range rawSubs {
		sub.close()
	}

	close(s.doneCh)
}

// Stdin returns the PTY master for writing follow-up input. In the
// single-prompt launch mode this is unused by cliplugin (see
// ErrSessionAlreadyEnded), but is exposed for drivers that support
// interactive stdin, and for the debug-attach socket (C10).
func (s *Session) Stdin() io.Writer {
	return s.ptmx
}

// Done returns a channel closed once the session has fully
// terminated (subprocess exited, complete event emitted, PTY
// closed).
func (s *Session) Done() <-chan struct{} {
	return s.doneCh
}

// Stop performs the two-phase kill: SIGTERM, then SIGKILL after a
// 5-second grace window if the process has not exited. Both phases
// tolerate "already dead" (ESRCH-class) errors. Stop blocks until the
// process has exited or SIGKILL has been sent, matching spec §5's
// "stop is bounded" contract. Calling Stop more than once is safe;
// only the first call signals.
func (s *Session) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.signalGroup(syscall.SIGTERM)

		select {
		case <-s.doneCh:
			return
		case <-s.clk.After(killGracePeriod):
		case <-ctx.Done():
		}

		select {
		case <-s.doneCh:
			return
		default:
			s.signalGroup(syscall.SIGKILL)
		}
	})

	select {
	case <-s.doneCh:
	case <-ctx.Done():
	}
	s.SetState(model.StateStopped, s.clk.Now())
	return nil
}

// signalGroup signals the subprocess's process group so that any
// children it spawned are reached too, tolerating a process that has
// already exited.
func (s *Session) signalGroup(sig syscall.Signal) {
	if s.cmd.Process == nil {
		return
	}
	pgid := -s.cmd.Process.Pid
	if err := syscall.Kill(pgid, sig); err != nil && err != syscall.ESRCH {
		s.logger.Warn("signal delivery failed", "session_id", s.ID, "signal", sig, "error", err)
	}
}
