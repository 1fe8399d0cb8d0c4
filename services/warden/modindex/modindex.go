// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package modindex builds the installed-mod view of a server root.
//
// The index maps mod ids to the archives providing them across three
// directories: mods/, mods/clientonly/, and quarantined/. Ids arrive
// from manifests, from jar-in-jar archives, and from fabric "provides"
// aliases; an embedded id counts as installed for dependency
// satisfaction.
//
// Duplicate ids across archives are legal. Consumers needing a single
// archive use Canonical, which prefers a non-quarantined, non-embedded
// location and breaks remaining ties by smallest archive filename, so
// repeated runs always pick the same file.
package modindex

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/AleutianAI/ModWarden/services/warden/manifest"
)

// Location is one archive providing a mod id.
type Location struct {
	// Path is the archive path as walked.
	Path string

	// Quarantined marks archives found under the quarantine directory.
	Quarantined bool

	// Embedded marks ids provided indirectly: jar-in-jar archives and
	// fabric "provides" aliases. The archive at Path is the carrier,
	// not the mod's own file.
	Embedded bool

	// Manifest is nil for embedded-only ids and for archives whose
	// manifest failed to parse.
	Manifest *manifest.ModManifest
}

// Index is the installed-mod index. Ids are case-insensitive.
type Index struct {
	mods map[string][]Location
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{mods: make(map[string][]Location)}
}

// Add records loc as a provider of id.
func (ix *Index) Add(id string, loc Location) {
	id = strings.ToLower(strings.TrimSpace(id))
	if id == "" {
		return
	}
	ix.mods[id] = append(ix.mods[id], loc)
}

// Has reports whether any location provides id.
func (ix *Index) Has(id string) bool {
	_, ok := ix.mods[strings.ToLower(id)]
	return ok
}

// HasInstalled reports whether a non-quarantined location provides id.
func (ix *Index) HasInstalled(id string) bool {
	for _, loc := range ix.mods[strings.ToLower(id)] {
		if !loc.Quarantined {
			return true
		}
	}
	return false
}

// Locations returns all providers of id.
func (ix *Index) Locations(id string) []Location {
	return ix.mods[strings.ToLower(id)]
}

// Canonical returns the preferred provider of id: non-quarantined
// beats quarantined, a mod's own file beats an embedded carrier, and
// the lexicographically smallest archive filename settles the rest.
func (ix *Index) Canonical(id string) (Location, bool) {
	locs := ix.mods[strings.ToLower(id)]
	if len(locs) == 0 {
		return Location{}, false
	}
	best := locs[0]
	for _, loc := range locs[1:] {
		if preferLocation(loc, best) {
			best = loc
		}
	}
	return best, true
}

func preferLocation(a, b Location) bool {
	ra, rb := locationRank(a), locationRank(b)
	if ra != rb {
		return ra < rb
	}
	return filepath.Base(a.Path) < filepath.Base(b.Path)
}

func locationRank(loc Location) int {
	switch {
	case !loc.Quarantined && !loc.Embedded:
		return 0
	case !loc.Quarantined:
		return 1
	case !loc.Embedded:
		return 2
	default:
		return 3
	}
}

// IDs returns all indexed ids, sorted.
func (ix *Index) IDs() []string {
	ids := make([]string, 0, len(ix.mods))
	for id := range ix.mods {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of distinct ids.
func (ix *Index) Len() int {
	return len(ix.mods)
}

// Builder walks the mod directories and assembles an Index.
type Builder struct {
	reader *manifest.Reader
	log    *slog.Logger
}

// NewBuilder returns a Builder using reader for manifests.
func NewBuilder(reader *manifest.Reader, log *slog.Logger) *Builder {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Builder{reader: reader, log: log}
}

// Build indexes modsDir, clientonlyDir, and quarantineDir. Missing
// directories are skipped. Per-archive parse failures are logged and
// the archive is indexed under its bare filename stem so quarantine
// and deletion still have a handle on it.
func (b *Builder) Build(modsDir, clientonlyDir, quarantineDir string) (*Index, error) {
	ix := NewIndex()
	for _, dir := range []struct {
		path        string
		quarantined bool
	}{
		{modsDir, false},
		{clientonlyDir, false},
		{quarantineDir, true},
	} {
		if dir.path == "" {
			continue
		}
		if err := b.indexDir(ix, dir.path, dir.quarantined); err != nil {
			return nil, err
		}
	}
	return ix, nil
}

func (b *Builder) indexDir(ix *Index, dir string, quarantined bool) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jar") {
			continue
		}
		p := filepath.Join(dir, e.Name())
		m, err := b.reader.Read(p)
		if err != nil {
			b.log.Warn("indexing unparseable archive by filename",
				"archive", p, "error", err)
			stem := strings.TrimSuffix(e.Name(), ".jar")
			ix.Add(stem, Location{Path: p, Quarantined: quarantined})
			continue
		}
		ix.Add(m.ModID, Location{Path: p, Quarantined: quarantined, Manifest: m})
		for _, id := range m.Embedded {
			ix.Add(id, Location{Path: p, Quarantined: quarantined, Embedded: true, Manifest: m})
		}
		for _, id := range m.Provides {
			ix.Add(id, Location{Path: p, Quarantined: quarantined, Embedded: true, Manifest: m})
		}
	}
	return nil
}
