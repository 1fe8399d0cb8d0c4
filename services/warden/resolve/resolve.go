// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package resolve fills dependency gaps in an installed mod set. It
// restores from quarantine before touching the network, searches
// registries through slug variants and fuzzy matching, and downloads
// in rounds because one fetched mod can require the next. Chains that
// stay unsatisfiable are rolled back into quarantine rather than left
// installed to crash the server.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/AleutianAI/ModWarden/pkg/validation"
	"github.com/AleutianAI/ModWarden/services/warden/manifest"
	"github.com/AleutianAI/ModWarden/services/warden/modindex"
	"github.com/AleutianAI/ModWarden/services/warden/quarantine"
	"github.com/AleutianAI/ModWarden/services/warden/registry"
	"github.com/AleutianAI/ModWarden/services/warden/versions"
)

// ErrUnresolved reports a dependency no strategy could satisfy.
var ErrUnresolved = errors.New("dependency could not be resolved")

const (
	defaultMaxRounds     = 5
	defaultMaxDownloadMB = 600
	defaultCascadeDepth  = 2
)

// Config carries the resolver's directories and limits.
type Config struct {
	ModsDir       string
	ClientonlyDir string
	MCVersion     string
	Loader        manifest.Loader

	// MaxRounds bounds transitive resolution passes (default 5).
	MaxRounds int

	// MaxDownloadMB caps a single archive download (default 600).
	MaxDownloadMB int64

	// CascadeDepth bounds rollback recursion (default 2).
	CascadeDepth int
}

// Resolver mutates the mods directory through its collaborators: the
// index describes what is installed, registries supply what is not,
// and the quarantine store is both a source (restore) and a sink
// (rollback).
type Resolver struct {
	cfg      Config
	builder  *modindex.Builder
	reader   *manifest.Reader
	registry *registry.Multi
	store    *quarantine.Store
	matcher  *versions.Matcher
	log      *slog.Logger
}

// NewResolver wires a Resolver. Zero limits in cfg take defaults.
func NewResolver(cfg Config, builder *modindex.Builder, reader *manifest.Reader, reg *registry.Multi, store *quarantine.Store, log *slog.Logger) *Resolver {
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = defaultMaxRounds
	}
	if cfg.MaxDownloadMB <= 0 {
		cfg.MaxDownloadMB = defaultMaxDownloadMB
	}
	if cfg.CascadeDepth <= 0 {
		cfg.CascadeDepth = defaultCascadeDepth
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Resolver{
		cfg:      cfg,
		builder:  builder,
		reader:   reader,
		registry: reg,
		store:    store,
		matcher:  versions.NewMatcher(log),
		log:      log,
	}
}

// DependencyRequest asks for one dependency on behalf of a requester.
type DependencyRequest struct {
	ID        string
	Range     string
	Requester string
}

// Fetched records one satisfied dependency and where it came from.
type Fetched struct {
	ID      string
	Path    string
	Source  string // "quarantine" or a registry name
	Version string
}

// Resolution is the outcome of a resolver pass.
type Resolution struct {
	Fetched        []Fetched
	Unresolved     map[string][]string // dep id -> requesters
	Quarantined    []string            // archives rolled back
	SharedOptional []SharedOptional
	Rounds         int
}

// Preflight runs the full pipeline against the current tree: index,
// graph, missing set, resolution rounds, rollback, shared-optional
// report. A second run over an unchanged tree resolves nothing and
// quarantines nothing.
func (r *Resolver) Preflight(ctx context.Context) (*Resolution, error) {
	idx, err := r.buildIndex()
	if err != nil {
		return nil, err
	}
	g := BuildGraph(idx)
	missing := FindMissing(g, idx, r.cfg.Loader)

	var requests []DependencyRequest
	for _, id := range sortedKeys(missing) {
		m := missing[id]
		for _, requester := range m.Requesters() {
			requests = append(requests, DependencyRequest{
				ID:        id,
				Range:     m.Ranges[requester],
				Requester: requester,
			})
		}
	}
	return r.Resolve(ctx, requests)
}

// Resolve satisfies requests over multiple rounds, then rolls back
// dependants of anything still unsatisfied and reports shared
// optional dependencies. Registry failures degrade to "unresolved";
// the only errors returned are context cancellation and filesystem
// faults while reading the tree.
func (r *Resolver) Resolve(ctx context.Context, requests []DependencyRequest) (*Resolution, error) {
	res := &Resolution{Unresolved: make(map[string][]string)}
	pending := groupRequests(requests)

	for round := 1; round <= r.cfg.MaxRounds && len(pending) > 0; round++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res.Rounds = round

		idx, err := r.buildIndex()
		if err != nil {
			return nil, err
		}

		progressed := false
		next := make(map[string]*Missing)
		for _, id := range sortedKeys(pending) {
			want := pending[id]
			if idx.HasInstalled(id) {
				// Satisfied as a side effect of an earlier fetch,
				// usually via an embedded jar.
				continue
			}
			fetched, followups := r.fetchOne(ctx, want)
			if fetched == nil {
				next[id] = want
				continue
			}
			progressed = true
			res.Fetched = append(res.Fetched, *fetched)
			for _, fr := range followups {
				addRequest(next, fr)
			}
		}
		pending = next
		if !progressed {
			break
		}
	}

	for id, want := range pending {
		res.Unresolved[id] = want.Requesters()
	}

	idx, err := r.buildIndex()
	if err != nil {
		return nil, err
	}
	g := BuildGraph(idx)
	if len(res.Unresolved) > 0 {
		res.Quarantined = r.rollbackChain(res.Unresolved, g, idx)
	}
	res.SharedOptional = FindSharedOptional(g, idx)
	return res, nil
}

// ResolveSingle is the self-heal entry point: one dependency, no
// rounds, no rollback. Returns the path of the satisfied archive.
func (r *Resolver) ResolveSingle(ctx context.Context, depID, rangeExpr string) (string, error) {
	raw := strings.TrimSpace(depID)
	id := strings.ToLower(raw)
	idx, err := r.buildIndex()
	if err != nil {
		return "", err
	}
	if idx.HasInstalled(id) {
		if loc, ok := idx.Canonical(id); ok {
			return loc.Path, nil
		}
		return "", nil
	}

	want := &Missing{ID: raw, Ranges: map[string]string{"": rangeExpr}}
	fetched, _ := r.fetchOne(ctx, want)
	if fetched == nil {
		return "", fmt.Errorf("%w: %s", ErrUnresolved, id)
	}
	return fetched.Path, nil
}

func (r *Resolver) buildIndex() (*modindex.Index, error) {
	return r.builder.Build(r.cfg.ModsDir, r.cfg.ClientonlyDir, r.store.Dir())
}

// fetchOne tries quarantine restore, then the registries. A nil
// return means unresolved this round; followups are the new archive's
// own required dependencies.
func (r *Resolver) fetchOne(ctx context.Context, want *Missing) (*Fetched, []DependencyRequest) {
	// Manifest-declared ids are untrusted; a malformed one never
	// reaches the registries.
	if err := validation.ModID(strings.ToLower(want.ID)); err != nil {
		r.log.Warn("skipping malformed dependency id", "dep", want.ID, "error", err)
		return nil, nil
	}

	if fetched, followups := r.restoreFromQuarantine(want); fetched != nil {
		return fetched, followups
	}

	project := r.findProject(ctx, want.ID)
	if project == nil {
		return nil, nil
	}

	vlist, err := r.registry.VersionsFor(ctx,
		registry.SourcedID(project.Source, project.ID),
		r.cfg.MCVersion, string(r.cfg.Loader))
	if err != nil {
		r.log.Warn("version lookup failed", "dep", want.ID,
			"project", project.Slug, "error", err)
		return nil, nil
	}

	version, file := r.pickVersion(vlist, want)
	if version == nil {
		r.log.Warn("no version satisfies requesters", "dep", want.ID,
			"project", project.Slug, "candidates", len(vlist))
		return nil, nil
	}

	// The filename comes from the registry response; refuse anything
	// that could land outside the mods directory.
	if err := validation.ArchiveName(file.Filename); err != nil {
		r.log.Warn("registry offered unsafe filename", "dep", want.ID,
			"filename", file.Filename, "error", err)
		return nil, nil
	}
	dest := filepath.Join(r.cfg.ModsDir, file.Filename)
	if _, err := os.Stat(dest); err == nil {
		r.log.Warn("download target already exists, skipping", "path", dest)
		return nil, nil
	}
	maxBytes := r.cfg.MaxDownloadMB << 20
	if err := r.registry.Download(ctx, project.Source, *file, dest, maxBytes); err != nil {
		r.log.Warn("download failed", "dep", want.ID, "url", file.URL, "error", err)
		return nil, nil
	}

	r.log.Info("dependency fetched", "dep", want.ID, "archive", file.Filename,
		"version", version.VersionNumber, "source", project.Source)

	fetched := &Fetched{
		ID:      want.ID,
		Path:    dest,
		Source:  project.Source,
		Version: version.VersionNumber,
	}
	return fetched, r.followups(dest)
}

// restoreFromQuarantine moves a quarantined archive back when it
// provides the wanted id at a satisfying version. Cheaper than a
// download and reverses an earlier false positive.
func (r *Resolver) restoreFromQuarantine(want *Missing) (*Fetched, []DependencyRequest) {
	entries, err := r.store.List()
	if err != nil {
		r.log.Warn("quarantine listing failed", "error", err)
		return nil, nil
	}

	for _, entry := range entries {
		archivePath := filepath.Join(r.store.Dir(), entry.Archive)
		m, readErr := r.reader.Read(archivePath)

		provides := readErr == nil && manifestProvides(m, want.ID)
		if !provides && entry.Record != nil &&
			strings.EqualFold(entry.Record.ModID, want.ID) {
			// Sidecar identifies the archive even when the manifest
			// no longer parses.
			provides = true
		}
		if !provides {
			continue
		}
		if m != nil && !r.satisfiesAll(m.Version, want) {
			continue
		}

		if err := r.store.Restore(entry.Archive, r.cfg.ModsDir); err != nil {
			r.log.Warn("quarantine restore failed", "archive", entry.Archive, "error", err)
			continue
		}

		dest := filepath.Join(r.cfg.ModsDir, entry.Archive)
		r.log.Info("dependency restored from quarantine",
			"dep", want.ID, "archive", entry.Archive)
		fetched := &Fetched{ID: want.ID, Path: dest, Source: "quarantine"}
		if m != nil {
			fetched.Version = m.Version
		}
		return fetched, r.followups(dest)
	}
	return nil, nil
}

// findProject searches by each slug candidate, then falls back to a
// scored free-text search. Registry outages degrade to not-found.
func (r *Resolver) findProject(ctx context.Context, id string) *registry.Project {
	for _, slug := range SlugCandidates(id) {
		projects, err := r.registry.Search(ctx, registry.SearchOptions{
			Slug:      slug,
			MCVersion: r.cfg.MCVersion,
			Loader:    string(r.cfg.Loader),
			Limit:     5,
		})
		if err != nil {
			r.log.Warn("slug search failed", "slug", slug, "error", err)
			continue
		}
		if len(projects) > 0 {
			r.log.Debug("slug strategy hit", "dep", id, "slug", slug,
				"project", projects[0].Slug)
			return &projects[0]
		}
	}

	projects, err := r.registry.Search(ctx, registry.SearchOptions{
		Query:     id,
		MCVersion: r.cfg.MCVersion,
		Loader:    string(r.cfg.Loader),
		Limit:     5,
	})
	if err != nil {
		r.log.Warn("free-text search failed", "dep", id, "error", err)
		return nil
	}
	best := BestMatch(id, projects)
	if best != nil {
		r.log.Debug("fuzzy match", "dep", id, "project", best.Slug)
	}
	return best
}

// pickVersion returns the first version (registries order newest
// first) carrying a file and satisfying every requester's range.
func (r *Resolver) pickVersion(vlist []registry.Version, want *Missing) (*registry.Version, *registry.File) {
	for i := range vlist {
		v := &vlist[i]
		if len(v.Files) == 0 {
			continue
		}
		if !r.satisfiesAll(v.VersionNumber, want) {
			continue
		}
		return v, &v.Files[0]
	}
	return nil, nil
}

func (r *Resolver) satisfiesAll(version string, want *Missing) bool {
	for _, rng := range want.Ranges {
		if !r.matcher.Matches(version, rng) {
			return false
		}
	}
	return true
}

// followups reads the new archive's manifest and returns its own
// required dependencies for the next round.
func (r *Resolver) followups(archivePath string) []DependencyRequest {
	m, err := r.reader.Read(archivePath)
	if err != nil {
		r.log.Warn("fetched archive manifest unreadable", "path", archivePath, "error", err)
		return nil
	}
	var out []DependencyRequest
	for dep, rng := range m.Required {
		if manifest.IsPlatformID(dep) {
			continue
		}
		out = append(out, DependencyRequest{ID: dep, Range: rng, Requester: m.ModID})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// rollbackChain quarantines every dependant of an unresolved
// dependency, then cascades to mods that required the quarantined
// ones, bounded by CascadeDepth.
func (r *Resolver) rollbackChain(unresolved map[string][]string, g *Graph, idx *modindex.Index) []string {
	var quarantined []string
	done := make(map[string]bool)

	level := make(map[string]string) // mod id -> reason
	for _, dep := range sortedKeys(unresolved) {
		for _, requester := range unresolved[dep] {
			if _, ok := level[requester]; !ok {
				level[requester] = "missing dependency: " + dep
			}
		}
	}

	for depth := 1; depth <= r.cfg.CascadeDepth && len(level) > 0; depth++ {
		next := make(map[string]string)
		for _, modID := range sortedKeys(level) {
			if done[modID] {
				continue
			}
			done[modID] = true

			loc, ok := idx.Canonical(modID)
			if !ok || loc.Quarantined || loc.Embedded || loc.Path == "" {
				continue
			}
			display := modID
			if loc.Manifest != nil && loc.Manifest.DisplayName != "" {
				display = loc.Manifest.DisplayName
			}
			if err := r.store.Quarantine(loc.Path, modID, display, level[modID]); err != nil {
				r.log.Warn("rollback quarantine failed", "mod", modID, "error", err)
				continue
			}
			quarantined = append(quarantined, filepath.Base(loc.Path))
			r.log.Info("rolled back unsatisfiable mod",
				"mod", modID, "reason", level[modID])

			for _, dependant := range g.Requesters(modID) {
				if !done[dependant] {
					next[dependant] = "missing dependency: " + modID + " (quarantined)"
				}
			}
		}
		level = next
	}
	return quarantined
}

func groupRequests(requests []DependencyRequest) map[string]*Missing {
	out := make(map[string]*Missing)
	for _, req := range requests {
		addRequest(out, req)
	}
	return out
}

// addRequest keys by the lowercased id but keeps the raw form in
// Missing.ID so boundary splitting still sees camelCase.
func addRequest(pending map[string]*Missing, req DependencyRequest) {
	raw := strings.TrimSpace(req.ID)
	id := strings.ToLower(raw)
	if id == "" || manifest.IsPlatformID(id) {
		return
	}
	m := pending[id]
	if m == nil {
		m = &Missing{ID: raw, Ranges: make(map[string]string)}
		pending[id] = m
	}
	if _, ok := m.Ranges[req.Requester]; !ok {
		m.Ranges[req.Requester] = req.Range
	}
}

func manifestProvides(m *manifest.ModManifest, id string) bool {
	if strings.EqualFold(m.ModID, id) {
		return true
	}
	for _, p := range m.Provides {
		if strings.EqualFold(p, id) {
			return true
		}
	}
	for _, e := range m.Embedded {
		if strings.EqualFold(e, id) {
			return true
		}
	}
	return false
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
