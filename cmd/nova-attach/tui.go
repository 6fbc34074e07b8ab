// Copyright 2026 The Nova Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

// chunkMsg carries one raw byte chunk read from the debug socket.
type chunkMsg []byte

// streamEndedMsg signals that the debug socket closed the stream,
// either because the session ended normally or because of an error.
type streamEndedMsg struct {
	reason string
	err    error
}

// headerStyle renders the status line naming the attached session.
// NewRenderer with an explicit profile mirrors lib/ticketui's
// markdown renderer, which re-detects the color profile rather than
// trusting lipgloss's package-level default.
var headerStyle = lipgloss.NewRenderer(os.Stderr, termenv.WithProfile(termenv.ColorProfile())).
	NewStyle().Bold(true).Foreground(lipgloss.Color("212"))

var footerStyle = lipgloss.NewRenderer(os.Stderr, termenv.WithProfile(termenv.ColorProfile())).
	NewStyle().Faint(true)

// attachModel is the bubbletea model for nova-attach: a scrollable,
// read-only tail of one session's raw PTY output.
type attachModel struct {
	sessionID string
	viewport  viewport.Model
	content   strings.Builder
	ended     string
	ready     bool
}

func newAttachModel(sessionID string) attachModel {
	m := attachModel{sessionID: sessionID}

	// Pre-size before the first tea.WindowSizeMsg arrives, so the
	// first frame isn't drawn at 0x0.
	if cols, rows, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
		m.viewport.Width = cols
		m.viewport.Height = rows - 2
		m.ready = true
	}
	return m
}

func (m attachModel) Init() tea.Cmd {
	return nil
}

func (m attachModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.viewport.Width = msg.Width
		m.viewport.Height = msg.Height - 2
		m.ready = true
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}

	case chunkMsg:
		m.content.Write(msg)
		m.viewport.SetContent(m.content.String())
		m.viewport.GotoBottom()
		return m, nil

	case streamEndedMsg:
		if msg.err != nil {
			m.ended = fmt.Sprintf("disconnected: %v", msg.err)
		} else {
			m.ended = msg.reason
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m attachModel) View() string {
	if !m.ready {
		return "initializing…\n"
	}

	header := headerStyle.Render(fmt.Sprintf(" nova-attach — %s ", m.sessionID))
	footer := footerStyle.Render("q to quit, read-only")
	if m.ended != "" {
		footer = footerStyle.Render(m.ended + " — q to quit")
	}
	return header + "\n" + m.viewport.View() + "\n" + footer
}
