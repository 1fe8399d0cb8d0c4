// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// Tests for the RCON console input model.

package main

import (
	"testing"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
)

func TestLineReader_Remember(t *testing.T) {
	r := &lineReader{}
	r.remember("say hi")
	r.remember("say hi") // consecutive duplicate
	r.remember("")
	r.remember("list")

	if len(r.history) != 2 {
		t.Fatalf("history has %d entries, want 2: %v", len(r.history), r.history)
	}
	if r.history[0] != "say hi" || r.history[1] != "list" {
		t.Errorf("history = %v", r.history)
	}
}

func TestLineReader_RememberCapsHistory(t *testing.T) {
	r := &lineReader{}
	for i := 0; i < consoleHistorySize+10; i++ {
		r.remember(string(rune('a' + i%26)))
	}
	if len(r.history) > consoleHistorySize {
		t.Errorf("history grew to %d, cap is %d", len(r.history), consoleHistorySize)
	}
}

func newConsoleModel(history ...string) consoleInputModel {
	ti := textinput.New()
	ti.Focus()
	return consoleInputModel{input: ti, history: history, historyIndex: -1}
}

func press(m consoleInputModel, key tea.KeyType) consoleInputModel {
	next, _ := m.Update(tea.KeyMsg{Type: key})
	return next.(consoleInputModel)
}

func TestConsoleModel_HistoryNavigation(t *testing.T) {
	m := newConsoleModel("list", "say hi")
	m.input.SetValue("time se")

	m = press(m, tea.KeyUp)
	if got := m.input.Value(); got != "say hi" {
		t.Fatalf("first up got %q", got)
	}
	m = press(m, tea.KeyUp)
	if got := m.input.Value(); got != "list" {
		t.Fatalf("second up got %q", got)
	}
	// Down walks back to the draft that was being typed.
	m = press(m, tea.KeyDown)
	if got := m.input.Value(); got != "say hi" {
		t.Fatalf("down got %q", got)
	}
	m = press(m, tea.KeyDown)
	if got := m.input.Value(); got != "time se" {
		t.Fatalf("draft not restored, got %q", got)
	}
}

func TestConsoleModel_UpOnEmptyHistory(t *testing.T) {
	m := newConsoleModel()
	m.input.SetValue("stop")
	m = press(m, tea.KeyUp)
	if got := m.input.Value(); got != "stop" {
		t.Errorf("input changed to %q", got)
	}
}

func TestConsoleModel_CtrlDSignalsEOF(t *testing.T) {
	m := press(newConsoleModel(), tea.KeyCtrlD)
	if !m.eof {
		t.Error("Ctrl+D did not set eof")
	}
	if m.input.Value() != "" {
		t.Error("Ctrl+D left input text behind")
	}
}

func TestConsoleModel_CtrlCClearsLine(t *testing.T) {
	m := newConsoleModel()
	m.input.SetValue("ban someone")
	m = press(m, tea.KeyCtrlC)
	if m.eof {
		t.Error("Ctrl+C must not read as EOF")
	}
	if m.input.Value() != "" {
		t.Error("Ctrl+C left input text behind")
	}
}
