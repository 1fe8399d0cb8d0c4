// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package quarantine moves suspect mod archives out of the load path.
//
// A quarantined archive lands in the quarantine directory next to a
// plain-text sidecar, <archive>.reason.txt, recording when and why it
// was pulled. Sidecars are for the operator first; anything that can
// read key: value lines can parse them.
//
// Moves are plain renames, so quarantine and restore are cheap and
// reversible. Neither ever overwrites: an existing destination is a
// conflict surfaced to the caller, because silently clobbering a mod
// archive destroys the only copy of it.
package quarantine

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

var (
	// ErrConflict reports a move whose destination already exists.
	ErrConflict = errors.New("destination already exists")

	// ErrNotFound reports a restore of an archive the quarantine
	// directory does not hold.
	ErrNotFound = errors.New("archive not in quarantine")
)

// Record is the parsed sidecar of a quarantined archive.
type Record struct {
	Timestamp        time.Time
	Reason           string
	ModID            string
	DisplayName      string
	OriginalLocation string
}

// Entry pairs a quarantined archive with its sidecar, when present.
type Entry struct {
	Archive string
	Record  *Record
}

// Store manages one quarantine directory.
type Store struct {
	dir string
	log *slog.Logger
	now func() time.Time
}

// NewStore returns a Store over dir, creating nothing until the first
// quarantine.
func NewStore(dir string, log *slog.Logger) *Store {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Store{dir: dir, log: log, now: time.Now}
}

// Dir returns the quarantine directory path.
func (s *Store) Dir() string { return s.dir }

// Quarantine moves the archive at archivePath into the quarantine
// directory and writes its sidecar. Errors wrap ErrConflict when the
// destination exists.
func (s *Store) Quarantine(archivePath, modID, displayName, reason string) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("quarantine: %w", err)
	}

	name := filepath.Base(archivePath)
	dst := filepath.Join(s.dir, name)
	if _, err := os.Stat(dst); err == nil {
		return fmt.Errorf("quarantine %s: %w", name, ErrConflict)
	}
	if err := os.Rename(archivePath, dst); err != nil {
		return fmt.Errorf("quarantine %s: %w", name, err)
	}

	rec := Record{
		Timestamp:        s.now().UTC(),
		Reason:           reason,
		ModID:            modID,
		DisplayName:      displayName,
		OriginalLocation: archivePath,
	}
	if err := os.WriteFile(sidecarPath(dst), []byte(rec.encode()), 0644); err != nil {
		// The move already happened; a missing sidecar only loses the
		// why, not the archive.
		s.log.Warn("sidecar write failed", "archive", name, "error", err)
	}

	s.log.Info("quarantined mod",
		"archive", name, "mod_id", modID, "reason", reason)
	return nil
}

// Restore moves a quarantined archive back into destDir and removes
// its sidecar. Errors wrap ErrNotFound or ErrConflict.
func (s *Store) Restore(archiveName, destDir string) error {
	src := filepath.Join(s.dir, archiveName)
	if _, err := os.Stat(src); err != nil {
		return fmt.Errorf("restore %s: %w", archiveName, ErrNotFound)
	}
	dst := filepath.Join(destDir, archiveName)
	if _, err := os.Stat(dst); err == nil {
		return fmt.Errorf("restore %s: %w", archiveName, ErrConflict)
	}
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("restore %s: %w", archiveName, err)
	}
	if err := os.Remove(sidecarPath(src)); err != nil && !os.IsNotExist(err) {
		s.log.Warn("sidecar remove failed", "archive", archiveName, "error", err)
	}

	s.log.Info("restored mod", "archive", archiveName, "to", destDir)
	return nil
}

// List returns the quarantined archives sorted by name, each with its
// sidecar when one parses.
func (s *Store) List() ([]Entry, error) {
	files, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list quarantine: %w", err)
	}

	var entries []Entry
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".jar") {
			continue
		}
		e := Entry{Archive: f.Name()}
		if rec, err := s.ReadRecord(f.Name()); err == nil {
			e.Record = rec
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Archive < entries[j].Archive
	})
	return entries, nil
}

// ReadRecord parses the sidecar of a quarantined archive.
func (s *Store) ReadRecord(archiveName string) (*Record, error) {
	f, err := os.Open(sidecarPath(filepath.Join(s.dir, archiveName)))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	rec := &Record{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.TrimSpace(key) {
		case "timestamp":
			if ts, err := time.Parse(time.RFC3339, value); err == nil {
				rec.Timestamp = ts
			}
		case "reason":
			rec.Reason = value
		case "mod_id":
			rec.ModID = value
		case "display_name":
			rec.DisplayName = value
		case "original_location":
			rec.OriginalLocation = value
		}
	}
	return rec, scanner.Err()
}

func (r Record) encode() string {
	var b strings.Builder
	fmt.Fprintf(&b, "timestamp: %s\n", r.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(&b, "reason: %s\n", r.Reason)
	fmt.Fprintf(&b, "mod_id: %s\n", r.ModID)
	fmt.Fprintf(&b, "display_name: %s\n", r.DisplayName)
	fmt.Fprintf(&b, "original_location: %s\n", r.OriginalLocation)
	return b.String()
}

func sidecarPath(archivePath string) string {
	return archivePath + ".reason.txt"
}
