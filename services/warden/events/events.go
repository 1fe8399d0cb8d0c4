// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package events keeps the warden's audit timeline and turns server log
// lines into typed events.
//
// The Timeline is a capped in-memory ring: every notable action (state
// change, crash, heal, quarantine, backup, player activity) lands here as
// one Event, oldest entries falling off past the cap. Subscribers receive
// a live feed for the dashboard WebSocket and optional telemetry export.
//
// The Monitor in hooks.go tails the server's live log and feeds parsed
// player events into the same timeline.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// === Event ===

// Kind labels an event for filtering and display.
type Kind string

const (
	// KindState marks a supervisor state transition.
	KindState Kind = "state"

	// KindCrash marks a diagnosed server crash.
	KindCrash Kind = "crash"

	// KindHeal marks a corrective action taken after a crash.
	KindHeal Kind = "heal"

	// KindQuarantine marks a mod moved into quarantine.
	KindQuarantine Kind = "quarantine"

	// KindRestore marks a mod restored from quarantine.
	KindRestore Kind = "restore"

	// KindBackup marks a world backup run.
	KindBackup Kind = "backup"

	// KindCurator marks a curator catalog refresh.
	KindCurator Kind = "curator"

	// KindPlayerJoin marks a player joining the game.
	KindPlayerJoin Kind = "player_join"

	// KindPlayerLeave marks a player leaving the game.
	KindPlayerLeave Kind = "player_leave"

	// KindPlayerDeath marks a player death message.
	KindPlayerDeath Kind = "player_death"

	// KindPlayerChat marks an in-game chat line.
	KindPlayerChat Kind = "player_chat"

	// KindModDownload marks an in-game mod download request.
	KindModDownload Kind = "mod_download"
)

// Event is one timeline entry.
type Event struct {
	ID      string            `json:"id"`
	At      time.Time         `json:"at"`
	Kind    Kind              `json:"kind"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// === Timeline ===

const (
	// defaultTimelineCap bounds the in-memory event ring.
	defaultTimelineCap = 256

	// subscriberBuffer is the per-subscriber channel depth. A subscriber
	// that falls further behind loses events rather than blocking the
	// producer.
	subscriberBuffer = 32
)

// Timeline is the capped, subscribable event ring.
//
// Appends never block: a full ring evicts its oldest entry and a slow
// subscriber misses events. Safe for concurrent use.
type Timeline struct {
	mu       sync.Mutex
	capacity int
	events   []Event
	subs     map[int]chan Event
	nextSub  int
	dropped  uint64

	log *slog.Logger

	now   func() time.Time
	newID func() string
}

// NewTimeline returns an empty timeline. A capacity of zero or less picks
// the default of 256 entries. A nil logger discards warnings.
func NewTimeline(capacity int, log *slog.Logger) *Timeline {
	if capacity <= 0 {
		capacity = defaultTimelineCap
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Timeline{
		capacity: capacity,
		subs:     make(map[int]chan Event),
		log:      log,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// Record stores an event and fans it out to subscribers. A zero ID or
// timestamp is filled in. Returns the stored event.
func (t *Timeline) Record(ev Event) Event {
	t.mu.Lock()
	defer t.mu.Unlock()

	if ev.ID == "" {
		ev.ID = t.newID()
	}
	if ev.At.IsZero() {
		ev.At = t.now()
	}

	t.events = append(t.events, ev)
	if len(t.events) > t.capacity {
		t.events = t.events[len(t.events)-t.capacity:]
	}

	for id, ch := range t.subs {
		select {
		case ch <- ev:
		default:
			t.dropped++
			t.log.Warn("event subscriber lagging, dropped event",
				"subscriber", id,
				"kind", ev.Kind)
		}
	}
	return ev
}

// Append records a new event built from its parts.
func (t *Timeline) Append(kind Kind, message string, fields map[string]string) Event {
	return t.Record(Event{Kind: kind, Message: message, Fields: fields})
}

// Recent returns up to n events, newest first. n of zero or less returns
// everything retained.
func (t *Timeline) Recent(n int) []Event {
	t.mu.Lock()
	defer t.mu.Unlock()

	if n <= 0 || n > len(t.events) {
		n = len(t.events)
	}
	out := make([]Event, 0, n)
	for i := len(t.events) - 1; i >= len(t.events)-n; i-- {
		out = append(out, t.events[i])
	}
	return out
}

// Snapshot returns a copy of the retained events, oldest first.
func (t *Timeline) Snapshot() []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Event, len(t.events))
	copy(out, t.events)
	return out
}

// Len reports how many events are retained.
func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.events)
}

// Dropped reports how many events were lost to lagging subscribers.
func (t *Timeline) Dropped() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dropped
}

// Subscribe returns a channel carrying every event recorded after the
// call, plus a cancel function that must be called to release the
// subscription. The channel is closed on cancel.
func (t *Timeline) Subscribe() (<-chan Event, func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.nextSub
	t.nextSub++
	ch := make(chan Event, subscriberBuffer)
	t.subs[id] = ch

	cancel := func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if sub, ok := t.subs[id]; ok {
			delete(t.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}
