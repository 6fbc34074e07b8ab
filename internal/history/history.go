// Copyright 2026 The Nova Authors
// SPDX-License-Identifier: Apache-2.0

// Package history implements C6: read-only and delete access to the
// wrapped CLI's transcript store, a directory of JSONL files keyed by
// an encoded project path. All operations here are blocking
// filesystem I/O — callers (package transport) MUST dispatch them on
// worker goroutines rather than the connection's read loop.
package history

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/nova-run/nova/internal/model"
)

// Service reads and mutates the transcript store rooted at root
// (typically ~/.claude/projects).
type Service struct {
	root    string
	homeDir string
	logger  *slog.Logger
}

// New constructs a history service rooted at root, reporting homeDir
// for the system.homeDirectory method.
func New(root, homeDir string, logger *slog.Logger) *Service {
	return &Service{root: root, homeDir: homeDir, logger: logger}
}

// decodeIterationCap bounds the greedy descent in decodeProjectPath so
// a pathological encoded name (or a filesystem that keeps producing
// partial matches) cannot loop indefinitely.
const decodeIterationCap = 256

// ListProjects enumerates the transcript root's subdirectories,
// decodes each to its source filesystem path, counts .jsonl files for
// session_count, and stats the directory for last_modified. Results
// are sorted by last_modified descending.
func (s *Service) ListProjects() ([]model.Project, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading transcript root: %w", err)
	}

	projects := make([]model.Project, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			s.logger.Warn("stat failed for project directory", "name", entry.Name(), "error", err)
			continue
		}

		dirPath := filepath.Join(s.root, entry.Name())
		sessionCount, err := countJSONL(dirPath)
		if err != nil {
			s.logger.Warn("counting sessions failed", "project", entry.Name(), "error", err)
		}

		decoded := decodeProjectPath(entry.Name())
		projects = append(projects, model.Project{
			ID:           entry.Name(),
			Name:         filepath.Base(decoded),
			Path:         decoded,
			LastModified: info.ModTime(),
			SessionCount: sessionCount,
		})
	}

	sort.Slice(projects, func(i, j int) bool {
		return projects[i].LastModified.After(projects[j].LastModified)
	})
	return projects, nil
}

// decodeProjectPath reverses the encoding in the transcript store's
// directory names: the source path's "/" is mapped to "-", which is
// lossy whenever a path segment itself contains "-" or "_". The
// decoder walks the real filesystem from "/" greedily: at each level
// it finds the child whose own name (with "_" substituted for "-")
// matches the longest run of the remaining encoded parts, consumes
// that many parts, and descends. Parts that match nothing real are
// joined back verbatim, so the result is always a complete path even
// against a filesystem that no longer has the original directories.
func decodeProjectPath(encoded string) string {
	return decodeProjectPathRooted("/", encoded)
}

// decodeProjectPathRooted is decodeProjectPath parameterized over the
// filesystem root it walks, so tests can exercise the greedy-match
// logic against a temp directory instead of the real "/".
func decodeProjectPathRooted(root, encoded string) string {
	parts := strings.Split(strings.TrimPrefix(encoded, "-"), "-")
	if len(parts) == 0 {
		return root
	}

	current := root
	remaining := parts

	for iteration := 0; iteration < decodeIterationCap && len(remaining) > 0; iteration++ {
		matchedName, matchedLen := bestChildMatch(current, remaining)
		if matchedLen == 0 {
			break
		}
		current = filepath.Join(current, matchedName)
		remaining = remaining[matchedLen:]
	}

	if len(remaining) > 0 {
		current = filepath.Join(current, strings.Join(remaining, "-"))
	}
	return current
}

// bestChildMatch finds the real child of dir whose own name, with "_"
// normalized to "-", equals the longest leading run of remaining
// joined with "-". It returns that child's actual on-disk name (so
// the caller descends into it, underscore intact) and how many
// elements of remaining it consumed. It prefers the longest match,
// per the spec's "my_projects over my" example.
func bestChildMatch(dir string, remaining []string) (name string, consumed int) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", 0
	}

	for _, entry := range entries {
		normalized := strings.ReplaceAll(entry.Name(), "_", "-")
		for length := len(remaining); length > consumed; length-- {
			if strings.Join(remaining[:length], "-") == normalized {
				name = entry.Name()
				consumed = length
				break
			}
		}
	}
	return name, consumed
}

func countJSONL(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".jsonl") {
			count++
		}
	}
	return count, nil
}

const displayNameMaxLen = 50

// ListSessions lists the .jsonl files in a project directory and
// summarizes each into a TranscriptSession: non-empty line count as a
// crude record count, the first record's text as a display name
// (truncated and newline-collapsed), and stat timestamps.
func (s *Service) ListSessions(projectID string) ([]model.TranscriptSession, error) {
	dir := filepath.Join(s.root, projectID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: project %s", model.ErrTranscriptNotFound, projectID)
		}
		return nil, fmt.Errorf("reading project directory: %w", err)
	}

	sessions := make([]model.TranscriptSession, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jsonl") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			s.logger.Warn("stat failed for session file", "path", path, "error", err)
			continue
		}

		recordCount, firstLine, err := summarizeJSONL(path)
		if err != nil {
			s.logger.Warn("summarizing session file failed", "path", path, "error", err)
		}

		sessions = append(sessions, model.TranscriptSession{
			ID:           strings.TrimSuffix(entry.Name(), ".jsonl"),
			ProjectID:    projectID,
			DisplayName:  displayNameFromRecord(firstLine),
			LastModified: info.ModTime(),
			RecordCount:  recordCount,
		})
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].LastModified.After(sessions[j].LastModified)
	})
	return sessions, nil
}

func summarizeJSONL(path string) (recordCount int, firstLine string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, "", err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		if recordCount == 0 {
			firstLine = line
		}
		recordCount++
	}
	return recordCount, firstLine, scanner.Err()
}

func displayNameFromRecord(rawLine string) string {
	if rawLine == "" {
		return ""
	}
	var record struct {
		Message struct {
			Content any `json:"content"`
		} `json:"message"`
	}
	text := rawLine
	if err := json.Unmarshal([]byte(rawLine), &record); err == nil {
		if s, ok := record.Message.Content.(string); ok && s != "" {
			text = s
		}
	}
	text = strings.Join(strings.Fields(text), " ")
	if len(text) > displayNameMaxLen {
		text = text[:displayNameMaxLen]
	}
	return text
}

// LoadHistory reads a session's transcript and parses each non-empty
// line as a standalone JSON value. Lines that fail to parse are
// skipped and logged; they do not abort the load.
func (s *Service) LoadHistory(projectID, sessionID string) ([]json.RawMessage, error) {
	path := filepath.Join(s.root, projectID, sessionID+".jsonl")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: session %s", model.ErrTranscriptNotFound, sessionID)
		}
		return nil, fmt.Errorf("opening transcript: %w", err)
	}
	defer f.Close()

	var records []json.RawMessage
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var probe json.RawMessage
		if err := json.Unmarshal([]byte(line), &probe); err != nil {
			s.logger.Warn("skipping unparseable transcript line", "path", path, "line", lineNo, "error", err)
			continue
		}
		records = append(records, probe)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading transcript: %w", err)
	}
	return records, nil
}

// Delete removes a single session's transcript file.
func (s *Service) Delete(projectID, sessionID string) error {
	path := filepath.Join(s.root, projectID, sessionID+".jsonl")
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: session %s", model.ErrTranscriptNotFound, sessionID)
		}
		return fmt.Errorf("deleting transcript: %w", err)
	}
	return nil
}

// DeleteBulk deletes each of sessionIDs from projectID, never
// aborting the batch on one failure. Per P8, deleted and failed
// partition the input exactly.
func (s *Service) DeleteBulk(projectID string, sessionIDs []string) model.DeleteResult {
	result := model.DeleteResult{}
	for _, id := range sessionIDs {
		if err := s.Delete(projectID, id); err != nil {
			s.logger.Warn("bulk delete failed for session", "project", projectID, "session", id, "error", err)
			result.Failed = append(result.Failed, id)
			continue
		}
		result.Deleted = append(result.Deleted, id)
	}
	return result
}

// HomeDirectory returns the user's home directory, exposed to clients
// via the system.homeDirectory method so they can construct default
// project paths.
func (s *Service) HomeDirectory() string {
	return s.homeDir
}
