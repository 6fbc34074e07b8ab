// Copyright 2026 The Nova Authors
// SPDX-License-Identifier: Apache-2.0

package ptysession

import (
	"context"
	"log/slog"
	"io"
	"testing"
	"time"

	"github.com/nova-run/nova/internal/model"
	"github.com/nova-run/nova/lib/clock"
	"github.com/nova-run/nova/lib/testutil"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSessionEmitsInitOutputComplete(t *testing.T) {
	t.Parallel()

	script := `printf '{"type":"system","subtype":"init","session_id":"U-1"}\n'
printf '{"type":"result","subtype":"success","session_id":"U-1"}\n'
exit 0
`
	ctx := context.Background()
	session, err := Start(ctx, Config{
		ID:               "s-1",
		BinaryPath:       "/bin/sh",
		Args:             []string{"-c", script},
		WorkingDirectory: t.TempDir(),
		Clock:            clock.Real(),
		Logger:           discardLogger(),
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	events := make(chan model.SessionEvent, 16)
	cancel := session.Subscribe(func(e model.SessionEvent) { events <- e })
	defer cancel()

	if err := session.WaitForInit(context.Background()); err != nil {
		t.Fatalf("WaitForInit: %v", err)
	}
	if got := session.UpstreamSessionID(); got != "U-1" {
		t.Fatalf("UpstreamSessionID = %q, want U-1", got)
	}

	testutil.RequireClosed(t, session.Done(), 5*time.Second, "session should complete")

	first := testutil.RequireReceive(t, events, time.Second, "init event")
	if first.Type != model.EventTypeInit {
		t.Fatalf("first event type = %s, want init", first.Type)
	}

	var sawComplete bool
	var sawEventAfterComplete bool
	for {
		select {
		case e := <-events:
			if sawComplete {
				sawEventAfterComplete = true
			}
			if e.Type == model.EventTypeComplete {
				sawComplete = true
				if e.Complete.ExitCode != 0 {
					t.Fatalf("exit code = %d, want 0", e.Complete.ExitCode)
				}
				if e.Complete.UpstreamSessionID != "U-1" {
					t.Fatalf("complete upstream id = %q, want U-1", e.Complete.UpstreamSessionID)
				}
			}
		default:
			goto done
		}
	}
done:
	if !sawComplete {
		t.Fatal("never observed a complete event")
	}
	if sawEventAfterComplete {
		t.Fatal("observed an event after complete")
	}
}

func TestSessionStopTwoPhaseKill(t *testing.T) {
	t.Parallel()

	fakeClock := clock.Fake(time.Unix(0, 0))
	ctx := context.Background()
	session, err := Start(ctx, Config{
		ID:               "s-2",
		BinaryPath:       "/bin/sh",
		Args:             []string{"-c", "trap '' TERM; sleep 30"},
		WorkingDirectory: t.TempDir(),
		Clock:            fakeClock,
		Logger:           discardLogger(),
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	stopDone := make(chan struct{})
	go func() {
		_ = session.Stop(context.Background())
		close(stopDone)
	}()

	fakeClock.WaitForTimers(1)
	fakeClock.Advance(killGracePeriod)

	testutil.RequireClosed(t, session.Done(), 5*time.Second, "session should die from SIGKILL")
	testutil.RequireClosed(t, stopDone, 5*time.Second, "Stop should return")

	if code := session.ExitCode(); code == nil || *code == 0 {
		t.Fatalf("expected non-zero exit code after SIGKILL, got %v", code)
	}
}

// TestSubscribeRawChannelClosedExactlyOnceOnSessionExit exercises the
// real exitWatch path (not a stub) with a raw subscriber attached: the
// session exits, exitWatch closes the raw channel, and the
// subscriber's own cancel must then be a safe no-op rather than a
// double close.
func TestSubscribeRawChannelClosedExactlyOnceOnSessionExit(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	session, err := Start(ctx, Config{
		ID:               "s-3",
		BinaryPath:       "/bin/sh",
		Args:             []string{"-c", "printf hi; exit 0"},
		WorkingDirectory: t.TempDir(),
		Clock:            clock.Real(),
		Logger:           discardLogger(),
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	chunks, cancel := session.SubscribeRaw()

	testutil.RequireClosed(t, session.Done(), 5*time.Second, "session should complete")

	// Drain until exitWatch's close is observed.
	for range chunks {
	}

	// exitWatch has already closed chunks. Cancel must not panic with a
	// double close of the same channel.
	cancel()
}

func TestSessionEmitsStatusErrorAndInteractivePromptEvents(t *testing.T) {
	t.Parallel()

	script := `printf '{"type":"system","subtype":"init","session_id":"U-4"}\n'
printf '{"type":"control_request","subtype":"can_use_tool","tool_name":"Bash"}\n'
printf '{"type":"result","subtype":"success","session_id":"U-4"}\n'
exit 7
`
	ctx := context.Background()
	session, err := Start(ctx, Config{
		ID:               "s-4",
		BinaryPath:       "/bin/sh",
		Args:             []string{"-c", script},
		WorkingDirectory: t.TempDir(),
		Clock:            clock.Real(),
		Logger:           discardLogger(),
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	events := make(chan model.SessionEvent, 32)
	cancel := session.Subscribe(func(e model.SessionEvent) { events <- e })
	defer cancel()

	testutil.RequireClosed(t, session.Done(), 5*time.Second, "session should complete")

	var sawStatus, sawPrompt, sawError bool
	var promptKind model.PromptKind
	for {
		select {
		case e := <-events:
			switch e.Type {
			case model.EventTypeStatus:
				sawStatus = true
			case model.EventTypeInteractivePrompt:
				sawPrompt = true
				promptKind = e.InteractivePrompt.Kind
			case model.EventTypeError:
				sawError = true
			}
		default:
			goto done
		}
	}
done:
	if !sawStatus {
		t.Fatal("expected at least one status event from a coarsened status transition")
	}
	if !sawPrompt {
		t.Fatal("expected an interactive-prompt event from the control_request record")
	}
	if promptKind != model.PromptKindToolApproval {
		t.Fatalf("prompt kind = %q, want tool-approval", promptKind)
	}
	if !sawError {
		t.Fatal("expected an error event for the non-zero exit")
	}
}

func TestResolveBinary(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	missing := dir + "/does-not-exist"

	resolved, err := ResolveBinary([]string{missing}, "sh")
	if err != nil {
		t.Fatalf("ResolveBinary fell back to PATH lookup unexpectedly failed: %v", err)
	}
	if resolved == "" {
		t.Fatal("expected a resolved path")
	}

	if _, err := ResolveBinary([]string{missing}, "nova-definitely-not-a-real-binary"); err == nil {
		t.Fatal("expected ErrBinaryNotFound")
	}
}
