// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package manifest reads mod metadata out of mod archives.
//
// Two manifest dialects exist in the wild:
//
//   - TOML: META-INF/mods.toml or META-INF/neoforge.mods.toml
//     (Forge and NeoForge)
//   - JSON: fabric.mod.json (Fabric and Quilt)
//
// An archive may carry both when a mod ships a multi-loader build; the
// dialects are merged with TOML taking precedence on scalar fields and
// dependency sets unioned.
//
// Dependency attribution follows the owned-ids rule: a TOML dependency
// table is attributed to the archive only when it is keyed by a mod id
// the same archive declares. Config-injection packs ship dependency
// tables for foreign mods and must not pollute attribution.
//
// Archives embed other jars (jar-in-jar). Embedded archives are
// scanned recursively, bounded at depth 2, and their ids count as
// installed for dependency satisfaction.
package manifest

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
)

var (
	// ErrParseFailure reports an archive or manifest that could not be
	// read. Index builders tolerate it per file; resolvers treat the
	// archive as opaque.
	ErrParseFailure = errors.New("manifest parse failure")

	// ErrNoManifest reports an archive with neither dialect present.
	ErrNoManifest = errors.New("no mod manifest in archive")
)

// Loader identifies the mod loader a manifest targets.
type Loader string

const (
	LoaderNeoForge Loader = "neoforge"
	LoaderForge    Loader = "forge"
	LoaderFabric   Loader = "fabric"
	LoaderQuilt    Loader = "quilt"
	LoaderUnknown  Loader = "unknown"
)

// ParseLoader maps a config string to a Loader.
func ParseLoader(s string) Loader {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "neoforge":
		return LoaderNeoForge
	case "forge":
		return LoaderForge
	case "fabric":
		return LoaderFabric
	case "quilt":
		return LoaderQuilt
	default:
		return LoaderUnknown
	}
}

// loaderFamilies maps a server loader to the mod loaders it runs.
// NeoForge does not accept Forge mods despite the shared ancestry.
// The fabric family is symmetric: Quilt loads Fabric mods, and
// quilt-tagged builds of fabric mods load fine the other way.
var loaderFamilies = map[Loader][]Loader{
	LoaderNeoForge: {LoaderNeoForge},
	LoaderForge:    {LoaderForge},
	LoaderFabric:   {LoaderFabric, LoaderQuilt},
	LoaderQuilt:    {LoaderQuilt, LoaderFabric},
}

// LoaderCompatible reports whether a mod built for modLoader can run
// on a server running serverLoader. An unknown mod loader cannot be
// disproven and passes.
func LoaderCompatible(serverLoader, modLoader Loader) bool {
	if modLoader == LoaderUnknown || modLoader == "" {
		return true
	}
	for _, l := range loaderFamilies[serverLoader] {
		if l == modLoader {
			return true
		}
	}
	return false
}

// Side is the physical side a mod runs on.
type Side string

const (
	SideClient  Side = "client"
	SideServer  Side = "server"
	SideBoth    Side = "both"
	SideUnknown Side = "unknown"
)

// ModManifest is the parsed metadata of one mod archive.
type ModManifest struct {
	ModID       string
	DisplayName string
	Version     string

	Loader             Loader
	LoaderVersionRange string
	MCVersionRange     string

	// Side is the declared side only. Heuristic classification lives
	// in the index, not here.
	Side        Side
	Environment string

	// Required and Optional map dependency id to its version range.
	Required map[string]string
	Optional map[string]string

	// Embedded lists ids provided by jar-in-jar archives.
	Embedded []string

	// Provides lists alias ids this mod satisfies (fabric "provides").
	Provides []string

	LanguageProvider string
}

// platformIDs are loader and game pins. Their version ranges feed
// MCVersionRange and LoaderVersionRange; they are never fetchable
// dependencies.
var platformIDs = map[string]bool{
	"minecraft":     true,
	"forge":         true,
	"neoforge":      true,
	"fabricloader":  true,
	"fabric-loader": true,
	"quilt_loader":  true,
	"quiltloader":   true,
	"java":          true,
}

// IsPlatformID reports whether id is a loader or game pin rather than
// a real mod.
func IsPlatformID(id string) bool {
	return platformIDs[strings.ToLower(id)]
}

const maxEmbedDepth = 2

// Reader parses mod archives into ModManifests.
type Reader struct {
	log *slog.Logger
}

// NewReader returns a Reader logging through log. A nil log disables
// the warnings.
func NewReader(log *slog.Logger) *Reader {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Reader{log: log}
}

// Read parses the mod archive at archivePath. Errors wrap
// ErrParseFailure or ErrNoManifest.
func (r *Reader) Read(archivePath string) (*ModManifest, error) {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrParseFailure, archivePath, err)
	}
	defer zr.Close()
	return r.readArchive(&zr.Reader, path.Base(archivePath), 0)
}

// ReadBytes parses an in-memory archive, used for embedded jars and
// freshly downloaded files before they land in mods/.
func (r *Reader) ReadBytes(data []byte, name string) (*ModManifest, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrParseFailure, name, err)
	}
	return r.readArchive(zr, name, 0)
}

func (r *Reader) readArchive(zr *zip.Reader, name string, depth int) (*ModManifest, error) {
	var tomlMan, jsonMan *ModManifest
	var embeddedJars []string

	for _, f := range zr.File {
		switch {
		case f.Name == "META-INF/mods.toml" || f.Name == "META-INF/neoforge.mods.toml":
			data, err := readEntry(f)
			if err != nil {
				return nil, fmt.Errorf("%w: %s!%s: %v", ErrParseFailure, name, f.Name, err)
			}
			m, err := parseModsToml(data, f.Name == "META-INF/neoforge.mods.toml")
			if err != nil {
				return nil, fmt.Errorf("%w: %s!%s: %v", ErrParseFailure, name, f.Name, err)
			}
			tomlMan = m
		case f.Name == "fabric.mod.json":
			data, err := readEntry(f)
			if err != nil {
				return nil, fmt.Errorf("%w: %s!%s: %v", ErrParseFailure, name, f.Name, err)
			}
			m, jars, err := parseFabricJSON(data)
			if err != nil {
				return nil, fmt.Errorf("%w: %s!%s: %v", ErrParseFailure, name, f.Name, err)
			}
			jsonMan = m
			embeddedJars = append(embeddedJars, jars...)
		case strings.HasPrefix(f.Name, "META-INF/jarjar/") && strings.HasSuffix(f.Name, ".jar"):
			embeddedJars = append(embeddedJars, f.Name)
		}
	}

	if tomlMan == nil && jsonMan == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoManifest, name)
	}
	merged := merge(tomlMan, jsonMan)

	if depth < maxEmbedDepth {
		r.scanEmbedded(zr, name, merged, embeddedJars, depth)
	}
	return merged, nil
}

// scanEmbedded opens each jar-in-jar entry and records the ids it
// provides. An unreadable embedded jar is logged and skipped; it is
// the outer archive's problem only at load time.
func (r *Reader) scanEmbedded(zr *zip.Reader, name string, parent *ModManifest, jars []string, depth int) {
	seen := make(map[string]bool, len(jars))
	for _, jarPath := range jars {
		if seen[jarPath] {
			continue
		}
		seen[jarPath] = true

		f := findEntry(zr, jarPath)
		if f == nil {
			continue
		}
		data, err := readEntry(f)
		if err != nil {
			r.log.Warn("skipping unreadable embedded jar",
				"archive", name, "entry", jarPath, "error", err)
			continue
		}
		inner, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
		if err != nil {
			r.log.Warn("embedded entry is not an archive",
				"archive", name, "entry", jarPath, "error", err)
			continue
		}
		m, err := r.readArchive(inner, name+"!"+jarPath, depth+1)
		if err != nil {
			continue
		}
		if m.ModID != "" {
			parent.Embedded = append(parent.Embedded, m.ModID)
		}
		parent.Embedded = append(parent.Embedded, m.Embedded...)
	}
}

// merge combines both dialects. TOML wins scalar conflicts; the
// dependency maps union with TOML ranges kept on overlap.
func merge(tomlMan, jsonMan *ModManifest) *ModManifest {
	if tomlMan == nil {
		return jsonMan
	}
	if jsonMan == nil {
		return tomlMan
	}

	out := *tomlMan
	if out.ModID == "" {
		out.ModID = jsonMan.ModID
	}
	if out.DisplayName == "" {
		out.DisplayName = jsonMan.DisplayName
	}
	if out.Version == "" {
		out.Version = jsonMan.Version
	}
	if out.MCVersionRange == "" {
		out.MCVersionRange = jsonMan.MCVersionRange
	}
	if out.LoaderVersionRange == "" {
		out.LoaderVersionRange = jsonMan.LoaderVersionRange
	}
	if out.Side == SideUnknown {
		out.Side = jsonMan.Side
	}
	if out.Environment == "" {
		out.Environment = jsonMan.Environment
	}
	if out.LanguageProvider == "" {
		out.LanguageProvider = jsonMan.LanguageProvider
	}

	out.Required = unionRanges(tomlMan.Required, jsonMan.Required)
	out.Optional = unionRanges(tomlMan.Optional, jsonMan.Optional)
	out.Embedded = append(append([]string{}, tomlMan.Embedded...), jsonMan.Embedded...)
	out.Provides = append(append([]string{}, tomlMan.Provides...), jsonMan.Provides...)
	return &out
}

func unionRanges(primary, secondary map[string]string) map[string]string {
	if len(primary) == 0 && len(secondary) == 0 {
		return nil
	}
	out := make(map[string]string, len(primary)+len(secondary))
	for id, rng := range secondary {
		out[id] = rng
	}
	for id, rng := range primary {
		out[id] = rng
	}
	return out
}

func findEntry(zr *zip.Reader, name string) *zip.File {
	for _, f := range zr.File {
		if f.Name == name {
			return f
		}
	}
	return nil
}

func readEntry(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
