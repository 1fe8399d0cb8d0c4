// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package quarantine

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeArchive(t *testing.T, dir, name string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte("PK\x03\x04fake"), 0644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestQuarantine_MoveAndSidecar(t *testing.T) {
	root, err := os.MkdirTemp("", "quarantine-test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(root)

	modsDir := filepath.Join(root, "mods")
	if err := os.MkdirAll(modsDir, 0755); err != nil {
		t.Fatal(err)
	}
	src := writeArchive(t, modsDir, "badmod-1.2.jar")

	store := NewStore(filepath.Join(root, "quarantined"), nil)
	store.now = func() time.Time {
		return time.Date(2026, 8, 24, 10, 30, 0, 0, time.UTC)
	}

	if err := store.Quarantine(src, "badmod", "Bad Mod", "client-only class on server"); err != nil {
		t.Fatalf("Quarantine() error = %v", err)
	}

	moved := filepath.Join(root, "quarantined", "badmod-1.2.jar")
	if _, err := os.Stat(moved); err != nil {
		t.Fatalf("archive not moved: %v", err)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Error("source archive still present after quarantine")
	}

	data, err := os.ReadFile(moved + ".reason.txt")
	if err != nil {
		t.Fatalf("sidecar missing: %v", err)
	}
	content := string(data)
	for _, want := range []string{
		"timestamp: 2026-08-24T10:30:00Z",
		"reason: client-only class on server",
		"mod_id: badmod",
		"display_name: Bad Mod",
		"original_location: " + src,
	} {
		if !strings.Contains(content, want) {
			t.Errorf("sidecar missing line %q in:\n%s", want, content)
		}
	}
}

func TestQuarantine_ConflictNotOverwritten(t *testing.T) {
	root, err := os.MkdirTemp("", "quarantine-test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(root)

	modsDir := filepath.Join(root, "mods")
	quarDir := filepath.Join(root, "quarantined")
	for _, d := range []string{modsDir, quarDir} {
		if err := os.MkdirAll(d, 0755); err != nil {
			t.Fatal(err)
		}
	}
	src := writeArchive(t, modsDir, "dup.jar")
	writeArchive(t, quarDir, "dup.jar")

	store := NewStore(quarDir, nil)
	err = store.Quarantine(src, "dup", "", "test")
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("Quarantine() error = %v, want ErrConflict", err)
	}
	if _, statErr := os.Stat(src); statErr != nil {
		t.Error("source must stay in place on conflict")
	}
}

func TestRestore_RoundTrip(t *testing.T) {
	root, err := os.MkdirTemp("", "quarantine-test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(root)

	modsDir := filepath.Join(root, "mods")
	if err := os.MkdirAll(modsDir, 0755); err != nil {
		t.Fatal(err)
	}
	src := writeArchive(t, modsDir, "lib.jar")

	store := NewStore(filepath.Join(root, "quarantined"), nil)
	if err := store.Quarantine(src, "lib", "Lib", "suspected conflict"); err != nil {
		t.Fatal(err)
	}
	if err := store.Restore("lib.jar", modsDir); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}

	// Quarantine then restore puts the tree back exactly: archive home,
	// quarantine empty, sidecar gone.
	if _, err := os.Stat(src); err != nil {
		t.Errorf("archive not restored: %v", err)
	}
	entries, err := store.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("quarantine not empty after restore: %v", entries)
	}
	sidecar := filepath.Join(root, "quarantined", "lib.jar.reason.txt")
	if _, err := os.Stat(sidecar); !os.IsNotExist(err) {
		t.Error("sidecar not removed on restore")
	}
}

func TestRestore_Missing(t *testing.T) {
	root, err := os.MkdirTemp("", "quarantine-test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(root)

	store := NewStore(filepath.Join(root, "quarantined"), nil)
	err = store.Restore("ghost.jar", root)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Restore() error = %v, want ErrNotFound", err)
	}
}

func TestRestore_DestinationConflict(t *testing.T) {
	root, err := os.MkdirTemp("", "quarantine-test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(root)

	modsDir := filepath.Join(root, "mods")
	quarDir := filepath.Join(root, "quarantined")
	for _, d := range []string{modsDir, quarDir} {
		if err := os.MkdirAll(d, 0755); err != nil {
			t.Fatal(err)
		}
	}
	writeArchive(t, quarDir, "dup.jar")
	writeArchive(t, modsDir, "dup.jar")

	store := NewStore(quarDir, nil)
	err = store.Restore("dup.jar", modsDir)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("Restore() error = %v, want ErrConflict", err)
	}
}

func TestList_ParsesSidecars(t *testing.T) {
	root, err := os.MkdirTemp("", "quarantine-test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(root)

	modsDir := filepath.Join(root, "mods")
	if err := os.MkdirAll(modsDir, 0755); err != nil {
		t.Fatal(err)
	}
	store := NewStore(filepath.Join(root, "quarantined"), nil)

	a := writeArchive(t, modsDir, "zmod.jar")
	b := writeArchive(t, modsDir, "amod.jar")
	if err := store.Quarantine(a, "zmod", "Z Mod", "mod error threshold"); err != nil {
		t.Fatal(err)
	}
	if err := store.Quarantine(b, "amod", "A Mod", "missing dependency: corelib"); err != nil {
		t.Fatal(err)
	}
	// Stray non-jar files are ignored.
	if err := os.WriteFile(filepath.Join(store.Dir(), "notes.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	entries, err := store.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("List() len = %d, want 2", len(entries))
	}
	if entries[0].Archive != "amod.jar" || entries[1].Archive != "zmod.jar" {
		t.Errorf("List() not sorted: %v, %v", entries[0].Archive, entries[1].Archive)
	}
	rec := entries[0].Record
	if rec == nil {
		t.Fatal("amod.jar record not parsed")
	}
	// Reasons containing colons survive the key:value parse.
	if rec.Reason != "missing dependency: corelib" {
		t.Errorf("Reason = %q, want %q", rec.Reason, "missing dependency: corelib")
	}
	if rec.ModID != "amod" {
		t.Errorf("ModID = %q, want %q", rec.ModID, "amod")
	}
	if rec.Timestamp.IsZero() {
		t.Error("Timestamp not parsed")
	}
}
