// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package events

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"
)

// === Line parsing ===

// Server log line shapes. Vanilla and the big loaders all print these.
var (
	timestampPattern = regexp.MustCompile(`\[(\d{2}:\d{2}:\d{2})\]`)
	chatLinePattern  = regexp.MustCompile(`<(\w+)>\s+(.+)`)
	joinPattern      = regexp.MustCompile(`(\w+) joined the game`)
	leavePattern     = regexp.MustCompile(`(\w+) left the game`)
	deathPattern     = regexp.MustCompile(`(\w+)\s+(?:died|was slain|was shot|suffocated|drowned|fell|blew up|burned)`)
)

// LineEvent is the parse of one server log line. Type is empty when the
// line matched none of the known shapes.
type LineEvent struct {
	Raw       string
	Timestamp string
	Player    string
	Message   string
	Type      Kind
}

// ParseLine classifies a server log line. Chat is matched first, so an
// event phrase quoted inside a chat message still parses as chat.
func ParseLine(line string) LineEvent {
	ev := LineEvent{Raw: line}

	if m := timestampPattern.FindStringSubmatch(line); m != nil {
		ev.Timestamp = m[1]
	}

	if m := chatLinePattern.FindStringSubmatch(line); m != nil {
		ev.Player = m[1]
		ev.Message = m[2]
		ev.Type = KindPlayerChat
		return ev
	}
	if m := joinPattern.FindStringSubmatch(line); m != nil {
		ev.Player = m[1]
		ev.Type = KindPlayerJoin
		return ev
	}
	if m := leavePattern.FindStringSubmatch(line); m != nil {
		ev.Player = m[1]
		ev.Type = KindPlayerLeave
		return ev
	}
	if m := deathPattern.FindStringSubmatch(line); m != nil {
		ev.Player = m[1]
		ev.Type = KindPlayerDeath
		return ev
	}
	return ev
}

// === Hooks ===

// defaultDebounce is the trigger window when a hook does not set one.
const defaultDebounce = 5 * time.Second

// Hook turns matching log lines into timeline events. Match and Build are
// required. Key picks the debounce key per line; a nil Key or empty key
// debounces on the hook name alone. Reply, when set, produces an in-game
// chat response for the monitor's responder.
type Hook struct {
	Name     string
	Debounce time.Duration
	Match    func(LineEvent) bool
	Key      func(LineEvent) string
	Build    func(LineEvent) Event
	Reply    func(LineEvent) string
}

// NewChatPatternHook fires when a chat message contains pattern
// (case-insensitive) and replies with the given response. One trigger per
// pattern per ten seconds.
func NewChatPatternHook(pattern, response string) Hook {
	lowered := strings.ToLower(pattern)
	return Hook{
		Name:     "chat:" + lowered,
		Debounce: 10 * time.Second,
		Match: func(ev LineEvent) bool {
			return ev.Type == KindPlayerChat && strings.Contains(strings.ToLower(ev.Message), lowered)
		},
		Build: func(ev LineEvent) Event {
			return Event{
				Kind:    KindPlayerChat,
				Message: fmt.Sprintf("%s: %s", ev.Player, ev.Message),
				Fields:  map[string]string{"player": ev.Player, "pattern": lowered},
			}
		},
		Reply: func(LineEvent) string { return response },
	}
}

// DefaultHooks returns the standard hook set: join and leave tracking,
// death messages with a condolence reply, the in-game help commands, and
// the "download <n>" mod request.
func DefaultHooks() []Hook {
	hooks := []Hook{
		{
			Name:     "player-join",
			Debounce: 30 * time.Second,
			Match:    func(ev LineEvent) bool { return ev.Type == KindPlayerJoin },
			Key:      func(ev LineEvent) string { return ev.Player },
			Build: func(ev LineEvent) Event {
				return Event{
					Kind:    KindPlayerJoin,
					Message: ev.Player + " joined the game",
					Fields:  map[string]string{"player": ev.Player},
				}
			},
		},
		{
			Name:     "player-leave",
			Debounce: 30 * time.Second,
			Match:    func(ev LineEvent) bool { return ev.Type == KindPlayerLeave },
			Key:      func(ev LineEvent) string { return ev.Player },
			Build: func(ev LineEvent) Event {
				return Event{
					Kind:    KindPlayerLeave,
					Message: ev.Player + " left the game",
					Fields:  map[string]string{"player": ev.Player},
				}
			},
		},
		{
			Name:     "player-death",
			Debounce: 5 * time.Second,
			Match:    func(ev LineEvent) bool { return ev.Type == KindPlayerDeath },
			Build: func(ev LineEvent) Event {
				return Event{
					Kind:    KindPlayerDeath,
					Message: strings.TrimSpace(ev.Raw),
					Fields:  map[string]string{"player": ev.Player},
				}
			},
			Reply: func(LineEvent) string { return "RIP! Better luck next time." },
		},
		{
			Name:     "mod-download",
			Debounce: 5 * time.Second,
			Match: func(ev LineEvent) bool {
				return ev.Type == KindPlayerChat && strings.HasPrefix(strings.ToLower(ev.Message), "download ")
			},
			Key: func(ev LineEvent) string { return ev.Player },
			Build: func(ev LineEvent) Event {
				return Event{
					Kind:    KindModDownload,
					Message: ev.Player + " requested a mod download",
					Fields: map[string]string{
						"player":  ev.Player,
						"request": strings.TrimSpace(strings.ToLower(ev.Message)),
					},
				}
			},
		},
		NewChatPatternHook("!help", "Available commands: !help, !status, !tps"),
		NewChatPatternHook("!status", "Server is running. Check the dashboard for details."),
		NewChatPatternHook("!tps", "Run /forge tps for per-dimension tick times."),
	}
	return hooks
}

// === Monitor ===

// defaultPoll is how often the monitor checks the log for new lines.
const defaultPoll = time.Second

// Responder delivers an in-game chat message, normally backed by the
// RCON console.
type Responder func(ctx context.Context, message string) error

// MonitorConfig configures a log monitor.
type MonitorConfig struct {
	// LogPath is the live server log to tail.
	LogPath string

	// Poll is the tail interval. Zero picks one second.
	Poll time.Duration

	// Hooks is the hook set to run. Nil picks DefaultHooks.
	Hooks []Hook

	// Respond sends hook replies in-game. Nil disables replies.
	Respond Responder
}

// Monitor tails the live server log, runs each new line through its
// hooks, and appends triggered events to the timeline.
//
// Run owns the monitor; HandleLine exists for feeding lines directly and
// must not be called concurrently with Run.
type Monitor struct {
	cfg      MonitorConfig
	timeline *Timeline
	log      *slog.Logger

	offset int64
	last   map[string]time.Time
	now    func() time.Time
}

// NewMonitor wires a monitor to a timeline. A nil logger discards
// output.
func NewMonitor(cfg MonitorConfig, timeline *Timeline, log *slog.Logger) *Monitor {
	if cfg.Poll <= 0 {
		cfg.Poll = defaultPoll
	}
	if cfg.Hooks == nil {
		cfg.Hooks = DefaultHooks()
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Monitor{
		cfg:      cfg,
		timeline: timeline,
		log:      log,
		last:     make(map[string]time.Time),
		now:      time.Now,
	}
}

// Run tails the log until the context is cancelled. A missing log file
// is not an error; the monitor waits for it to appear.
func (m *Monitor) Run(ctx context.Context) error {
	m.log.Info("event monitor started", "path", m.cfg.LogPath, "hooks", len(m.cfg.Hooks))

	ticker := time.NewTicker(m.cfg.Poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.drain(ctx); err != nil {
				m.log.Warn("event monitor read failed", "path", m.cfg.LogPath, "error", err)
			}
		}
	}
}

// drain reads lines appended since the last pass. A partial line at EOF
// stays unconsumed until its newline lands. A shrunken file resets the
// offset, picking up the fresh log after a truncation.
func (m *Monitor) drain(ctx context.Context) error {
	info, err := os.Stat(m.cfg.LogPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.Size() < m.offset {
		m.offset = 0
	}
	if info.Size() == m.offset {
		return nil
	}

	f, err := os.Open(m.cfg.LogPath)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Seek(m.offset, io.SeekStart); err != nil {
		return err
	}

	r := bufio.NewReader(f)
	for {
		line, err := r.ReadString('\n')
		if err == nil {
			m.offset += int64(len(line))
			m.HandleLine(ctx, line)
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
}

// HandleLine parses one log line and runs the hook set over it.
func (m *Monitor) HandleLine(ctx context.Context, line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	ev := ParseLine(line)

	for i := range m.cfg.Hooks {
		h := &m.cfg.Hooks[i]
		if h.Match == nil || h.Build == nil || !h.Match(ev) {
			continue
		}

		key := h.Name
		if h.Key != nil {
			if k := h.Key(ev); k != "" {
				key = h.Name + "/" + k
			}
		}
		if !m.debounce(key, h.Debounce) {
			continue
		}

		m.timeline.Record(h.Build(ev))

		if h.Reply != nil && m.cfg.Respond != nil {
			if msg := h.Reply(ev); msg != "" {
				if err := m.cfg.Respond(ctx, msg); err != nil {
					m.log.Warn("hook reply failed", "hook", h.Name, "error", err)
				}
			}
		}
	}
}

// debounce reports whether the key may trigger now, recording the
// trigger time when it does.
func (m *Monitor) debounce(key string, window time.Duration) bool {
	if window <= 0 {
		window = defaultDebounce
	}
	now := m.now()
	if prev, ok := m.last[key]; ok && now.Sub(prev) < window {
		return false
	}
	m.last[key] = now
	return true
}
