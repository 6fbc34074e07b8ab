// Copyright 2026 The Nova Authors
// SPDX-License-Identifier: Apache-2.0

package history

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// TestDecodeProjectPathPrefersLongestMatch builds a fake filesystem
// containing /Users/u/my_projects/demo and checks that the encoded id
// -Users-u-my-projects-demo decodes back to it, preferring the real
// directory "my_projects" over a shorter "my" match — P6 and spec
// scenario 6.
func TestDecodeProjectPathPrefersLongestMatch(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	real := filepath.Join(root, "Users", "u", "my_projects", "demo")
	if err := os.MkdirAll(real, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	// Plant a decoy "my" directory sibling so the greedy walk has a
	// shorter match available and must prefer the longer one.
	if err := os.MkdirAll(filepath.Join(root, "Users", "u", "my"), 0o755); err != nil {
		t.Fatalf("MkdirAll decoy: %v", err)
	}

	decoded := decodeProjectPathRooted(root, "-Users-u-my-projects-demo")
	want := filepath.Join(root, "Users", "u", "my_projects", "demo")
	if decoded != want {
		t.Fatalf("decoded = %q, want %q", decoded, want)
	}
}

func TestListSessionsSummarizesAndSorts(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	project := filepath.Join(root, "-tmp-demo")
	if err := os.MkdirAll(project, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	writeFile(t, filepath.Join(project, "a.jsonl"),
		`{"type":"user","message":{"content":"hello there, this is a long enough prompt to be truncated for sure yes"}}`+"\n"+
			`{"type":"assistant"}`+"\n")
	writeFile(t, filepath.Join(project, "b.jsonl"), `{"type":"user","message":{"content":"short"}}`+"\n")
	older := time.Now().Add(-time.Hour)
	if err := os.Chtimes(filepath.Join(project, "b.jsonl"), older, older); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	svc := New(root, "/home/u", discardLogger())
	sessions, err := svc.ListSessions("-tmp-demo")
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("got %d sessions, want 2", len(sessions))
	}
	if sessions[0].ID != "a" {
		t.Fatalf("sessions[0] = %q, want most recently modified %q first", sessions[0].ID, "a")
	}

	byID := map[string]int{}
	for i, s := range sessions {
		byID[s.ID] = i
	}
	a := sessions[byID["a"]]
	if a.RecordCount != 2 {
		t.Fatalf("a record count = %d, want 2", a.RecordCount)
	}
	if len(a.DisplayName) > displayNameMaxLen {
		t.Fatalf("display name too long: %q", a.DisplayName)
	}
}

func TestLoadHistorySkipsUnparseableLines(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	project := filepath.Join(root, "-tmp-demo")
	if err := os.MkdirAll(project, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	writeFile(t, filepath.Join(project, "s1.jsonl"),
		`{"type":"user"}`+"\n"+"not json at all"+"\n"+`{"type":"result"}`+"\n")

	svc := New(root, "/home/u", discardLogger())
	records, err := svc.LoadHistory("-tmp-demo", "s1")
	if err != nil {
		t.Fatalf("LoadHistory: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2 (bad line skipped)", len(records))
	}
}

func TestDeleteBulkPartitionsDeletedAndFailed(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	project := filepath.Join(root, "-tmp-demo")
	if err := os.MkdirAll(project, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	writeFile(t, filepath.Join(project, "a.jsonl"), `{}`+"\n")
	writeFile(t, filepath.Join(project, "b.jsonl"), `{}`+"\n")

	svc := New(root, "/home/u", discardLogger())
	result := svc.DeleteBulk("-tmp-demo", []string{"a", "c"})

	if len(result.Deleted) != 1 || result.Deleted[0] != "a" {
		t.Fatalf("deleted = %v, want [a]", result.Deleted)
	}
	if len(result.Failed) != 1 || result.Failed[0] != "c" {
		t.Fatalf("failed = %v, want [c]", result.Failed)
	}
	if _, err := os.Stat(filepath.Join(project, "b.jsonl")); err != nil {
		t.Fatalf("b.jsonl should still exist: %v", err)
	}
}

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile %s: %v", path, err)
	}
}
