// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package modindex

import (
	"archive/zip"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/AleutianAI/ModWarden/services/warden/manifest"
)

// Entry-name markers for side classification. A manifest declaration
// always wins over these.
var (
	clientMarkers = []string{"client", "screen", "render", "gui", "shader", "texture"}
	serverMarkers = []string{"command", "worldgen", "structure", "loot"}
)

// Classifier decides which side a mod archive belongs to and sorts
// client-only archives into the clientonly directory.
type Classifier struct {
	reader *manifest.Reader
	log    *slog.Logger
}

// NewClassifier returns a Classifier using reader for manifests.
func NewClassifier(reader *manifest.Reader, log *slog.Logger) *Classifier {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Classifier{reader: reader, log: log}
}

// ClassifySide determines the side of the archive at archivePath.
// A declared manifest side wins. Otherwise entry names are scanned:
// client markers with zero server markers mean client; every other
// combination, including no markers at all, means both. Ambiguity
// never classifies as client because mislabeling a shared mod as
// client-only breaks the server.
func (c *Classifier) ClassifySide(archivePath string) (manifest.Side, error) {
	if m, err := c.reader.Read(archivePath); err == nil && m.Side != manifest.SideUnknown {
		return m.Side, nil
	}

	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return manifest.SideUnknown, fmt.Errorf("classify %s: %w", archivePath, err)
	}
	defer zr.Close()

	var clientHits, serverHits int
	for _, f := range zr.File {
		name := strings.ToLower(f.Name)
		for _, marker := range clientMarkers {
			if strings.Contains(name, marker) {
				clientHits++
				break
			}
		}
		for _, marker := range serverMarkers {
			if strings.Contains(name, marker) {
				serverHits++
				break
			}
		}
	}

	if clientHits > 0 && serverHits == 0 {
		return manifest.SideClient, nil
	}
	return manifest.SideBoth, nil
}

// SortModsByType moves client-side archives from modsDir into
// clientonlyDir, creating it when needed. When both directories hold
// the same archive name the clientonly copy wins and the mods copy is
// removed, so a pass leaves no duplicates. Returns the moved archive
// names sorted.
func (c *Classifier) SortModsByType(modsDir, clientonlyDir string) ([]string, error) {
	entries, err := os.ReadDir(modsDir)
	if err != nil {
		return nil, fmt.Errorf("sort mods: %w", err)
	}
	if err := os.MkdirAll(clientonlyDir, 0755); err != nil {
		return nil, fmt.Errorf("sort mods: %w", err)
	}

	var moved []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jar") {
			continue
		}
		src := filepath.Join(modsDir, e.Name())
		side, err := c.ClassifySide(src)
		if err != nil {
			c.log.Warn("skipping unclassifiable archive", "archive", src, "error", err)
			continue
		}
		if side != manifest.SideClient {
			continue
		}

		dst := filepath.Join(clientonlyDir, e.Name())
		if _, err := os.Stat(dst); err == nil {
			if err := os.Remove(src); err != nil {
				return moved, fmt.Errorf("sort mods: dedupe %s: %w", e.Name(), err)
			}
			c.log.Info("removed duplicate, clientonly copy kept",
				"archive", e.Name())
			continue
		}
		if err := os.Rename(src, dst); err != nil {
			return moved, fmt.Errorf("sort mods: move %s: %w", e.Name(), err)
		}
		c.log.Info("moved client mod", "archive", e.Name())
		moved = append(moved, e.Name())
	}
	sort.Strings(moved)
	return moved, nil
}
