// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package crash

import (
	"strings"
	"sync"
	"time"
)

const defaultHistoryCap = 50

// HistoryEntry is one recorded diagnosis.
type HistoryEntry struct {
	At   time.Time `json:"at"`
	Diag Diagnosis `json:"diagnosis"`
}

// History is the rolling record of diagnoses for one supervisor
// lifetime, plus the retry counters the heal rules consult. It is not
// persisted: a fresh supervisor starts with a clean slate, and the
// operator reset marker clears it mid-run.
type History struct {
	mu            sync.Mutex
	capacity      int
	entries       []HistoryEntry
	fetchAttempts map[string]int
	crashCounts   map[string]int
	now           func() time.Time
}

// NewHistory returns a History keeping at most capacity entries.
// Non-positive capacity selects the default of 50.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = defaultHistoryCap
	}
	return &History{
		capacity:      capacity,
		fetchAttempts: make(map[string]int),
		crashCounts:   make(map[string]int),
		now:           time.Now,
	}
}

// Append records a diagnosis, evicting the oldest entry past capacity.
func (h *History) Append(d Diagnosis) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, HistoryEntry{At: h.now(), Diag: d})
	if len(h.entries) > h.capacity {
		h.entries = h.entries[len(h.entries)-h.capacity:]
	}
}

// Len returns the number of recorded entries.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

// Snapshot returns the recorded entries, oldest first.
func (h *History) Snapshot() []HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]HistoryEntry, len(h.entries))
	copy(out, h.entries)
	return out
}

// RecentOfType returns up to n entries of type t, newest first.
func (h *History) RecentOfType(t Type, n int) []HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []HistoryEntry
	for i := len(h.entries) - 1; i >= 0 && len(out) < n; i-- {
		if h.entries[i].Diag.Type == t {
			out = append(out, h.entries[i])
		}
	}
	return out
}

// ConsecutiveUnknown counts the unbroken run of unknown diagnoses at
// the newest end of the record.
func (h *History) ConsecutiveUnknown() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	run := 0
	for i := len(h.entries) - 1; i >= 0; i-- {
		if h.entries[i].Diag.Type != TypeUnknown {
			break
		}
		run++
	}
	return run
}

// BumpFetchAttempt increments the fetch-attempt count for dep and
// returns the new count. Keys are case-insensitive.
func (h *History) BumpFetchAttempt(dep string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := strings.ToLower(strings.TrimSpace(dep))
	h.fetchAttempts[key]++
	return h.fetchAttempts[key]
}

// FetchAttempts returns the fetch-attempt count for dep.
func (h *History) FetchAttempts(dep string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fetchAttempts[strings.ToLower(strings.TrimSpace(dep))]
}

// BumpCrashCount increments the crash count for culprit and returns
// the new count. Keys are case-insensitive.
func (h *History) BumpCrashCount(culprit string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := strings.ToLower(strings.TrimSpace(culprit))
	h.crashCounts[key]++
	return h.crashCounts[key]
}

// CrashCount returns the crash count for culprit.
func (h *History) CrashCount(culprit string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.crashCounts[strings.ToLower(strings.TrimSpace(culprit))]
}

// Reset drops all entries and counters.
func (h *History) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = nil
	h.fetchAttempts = make(map[string]int)
	h.crashCounts = make(map[string]int)
}
