// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/ModWarden/pkg/ux"
	"github.com/AleutianAI/ModWarden/services/warden/rcon"
)

const consoleHistorySize = 50

// runConsole opens an RCON session against the configured server. With
// -c a single command runs and the output prints; without it an
// interactive prompt with history takes over until Ctrl+D or 'exit'.
func runConsole(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig()
	if err != nil {
		fail(err)
	}
	logger := newLogger(cfg, "console")
	defer logger.Close()

	console := rcon.NewConsole(rcon.Config{
		Host:     cfg.RCON.Host,
		Port:     cfg.RCON.Port,
		Password: cfg.RCON.Password(),
	}, logger.Slog())

	ctx := context.Background()
	if consoleOneShot != "" {
		out, err := console.Run(ctx, consoleOneShot)
		if err != nil {
			fail(err)
		}
		if out != "" {
			fmt.Println(out)
		}
		return
	}

	if !console.Available(ctx) {
		fail(fmt.Errorf("no RCON listener on %s:%d; is the server running?", cfg.RCON.Host, cfg.RCON.Port))
	}

	ux.Title("RCON console")
	ux.Muted("Ctrl+D or 'exit' to leave; up arrow recalls history")

	reader := newLineReader()
	for {
		line, err := reader.readLine()
		if err == io.EOF {
			break
		}
		if err != nil {
			fail(err)
		}
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			break
		}

		out, err := console.Run(ctx, line)
		if err != nil {
			ux.Error(err.Error())
			continue
		}
		if out != "" {
			fmt.Println(out)
		}
	}
	ux.Muted("console closed")
}

// lineReader reads prompted lines: bubbletea with history on a TTY,
// plain stdin otherwise so piped scripts still work.
type lineReader struct {
	interactive bool
	scanner     *bufio.Scanner
	history     []string
}

func newLineReader() *lineReader {
	if !isatty.IsTerminal(os.Stdin.Fd()) && !isatty.IsCygwinTerminal(os.Stdin.Fd()) {
		return &lineReader{scanner: bufio.NewScanner(os.Stdin)}
	}
	return &lineReader{interactive: true}
}

func (r *lineReader) readLine() (string, error) {
	if !r.interactive {
		if !r.scanner.Scan() {
			if err := r.scanner.Err(); err != nil {
				return "", err
			}
			return "", io.EOF
		}
		return strings.TrimSpace(r.scanner.Text()), nil
	}

	ti := textinput.New()
	ti.Prompt = "> "
	ti.Focus()
	ti.CharLimit = 1024
	ti.Width = 80

	p := tea.NewProgram(consoleInputModel{
		input:        ti,
		history:      r.history,
		historyIndex: -1,
	}, tea.WithOutput(os.Stderr))
	final, err := p.Run()
	if err != nil {
		return "", err
	}
	m, ok := final.(consoleInputModel)
	if !ok {
		return "", fmt.Errorf("unexpected model type: %T", final)
	}
	if m.eof {
		return "", io.EOF
	}

	line := strings.TrimSpace(m.input.Value())
	r.remember(line)
	return line, nil
}

func (r *lineReader) remember(line string) {
	if line == "" {
		return
	}
	if n := len(r.history); n > 0 && r.history[n-1] == line {
		return
	}
	r.history = append(r.history, line)
	if len(r.history) > consoleHistorySize {
		r.history = r.history[1:]
	}
}

// consoleInputModel is the bubbletea model behind one prompted line.
type consoleInputModel struct {
	input        textinput.Model
	history      []string
	historyIndex int
	pending      string
	eof          bool
}

func (m consoleInputModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m consoleInputModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if key, ok := msg.(tea.KeyMsg); ok {
		switch key.Type {
		case tea.KeyEnter:
			return m, tea.Quit

		case tea.KeyCtrlC:
			m.input.SetValue("")
			return m, tea.Quit

		case tea.KeyCtrlD:
			m.eof = true
			m.input.SetValue("")
			return m, tea.Quit

		case tea.KeyUp:
			if len(m.history) == 0 {
				return m, nil
			}
			if m.historyIndex == -1 {
				m.pending = m.input.Value()
				m.historyIndex = len(m.history) - 1
			} else if m.historyIndex > 0 {
				m.historyIndex--
			}
			m.input.SetValue(m.history[m.historyIndex])
			m.input.CursorEnd()
			return m, nil

		case tea.KeyDown:
			if m.historyIndex == -1 {
				return m, nil
			}
			if m.historyIndex < len(m.history)-1 {
				m.historyIndex++
				m.input.SetValue(m.history[m.historyIndex])
			} else {
				m.historyIndex = -1
				m.input.SetValue(m.pending)
			}
			m.input.CursorEnd()
			return m, nil
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m consoleInputModel) View() string {
	return m.input.View()
}
