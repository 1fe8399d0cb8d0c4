// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package curator builds vetted mod lists for a Minecraft version and
// loader pair.
//
// A curation starts from the registry's download ranking, drops
// dependency-only libraries nobody picks on purpose, then walks each
// survivor's required dependencies to a bounded depth and pulls those
// in even when the filter would have dropped them. Optional
// dependencies are never fetched, only recorded with the mods that
// declare them, as an audit the operator can act on. Results land in
// the catalog with a TTL; Curate serves from there until the entry
// expires or a refresh is forced.
package curator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/AleutianAI/ModWarden/services/warden/catalog"
	"github.com/AleutianAI/ModWarden/services/warden/registry"
)

// Source is the slice of the registry surface the curator needs.
// *registry.Multi satisfies it.
type Source interface {
	Search(ctx context.Context, opts registry.SearchOptions) ([]registry.Project, error)
	Project(ctx context.Context, sourcedID string) (*registry.Project, error)
	VersionsFor(ctx context.Context, sourcedID, mcVersion, loader string) ([]registry.Version, error)
}

var _ Source = (*registry.Multi)(nil)

// Config bounds one curation run.
type Config struct {
	MCVersion string
	Loader    string

	// Limit caps the download-ranked candidates. Defaults to 100.
	Limit int

	// MaxDepth bounds the required-dependency walk. Defaults to 3.
	// Dependencies found at the boundary are still recorded, just not
	// walked further.
	MaxDepth int
}

func (c Config) withDefaults() Config {
	if c.Limit <= 0 {
		c.Limit = 100
	}
	if c.MaxDepth <= 0 {
		c.MaxDepth = 3
	}
	return c
}

// Curator builds and caches vetted mod lists.
type Curator struct {
	cfg    Config
	source Source
	store  *catalog.Store
	log    *slog.Logger
	now    func() time.Time
}

// New returns a Curator over source. A nil store disables caching;
// every Curate then rebuilds.
func New(cfg Config, source Source, store *catalog.Store, log *slog.Logger) *Curator {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Curator{
		cfg:    cfg.withDefaults(),
		source: source,
		store:  store,
		log:    log,
		now:    time.Now,
	}
}

// Curate returns the vetted list and optional-dependency audit for the
// configured version/loader. A fresh catalog entry is served as-is;
// refresh forces a rebuild.
func (c *Curator) Curate(ctx context.Context, refresh bool) (*catalog.List, []catalog.AuditEntry, error) {
	if !refresh && c.store != nil {
		list, err := c.store.GetList(ctx, c.cfg.MCVersion, c.cfg.Loader)
		if err == nil {
			audit, auditErr := c.store.GetAudit(ctx, c.cfg.MCVersion, c.cfg.Loader)
			if auditErr != nil && !errors.Is(auditErr, catalog.ErrNoCatalog) {
				c.log.Warn("audit read failed", "error", auditErr)
			}
			c.log.Info("serving curated list from catalog",
				"mods", len(list.Mods), "generated_at", list.GeneratedAt)
			return list, audit, nil
		}
		if !errors.Is(err, catalog.ErrNoCatalog) {
			c.log.Warn("catalog read failed, rebuilding", "error", err)
		}
	}
	return c.rebuild(ctx)
}

// depSite remembers where a required dependency was first seen.
type depSite struct {
	source string
	depth  int
}

type walkState struct {
	required      map[string]depSite
	requiredOrder []string
	optional      map[string][]string
	optionalOrder []string
	depCache      map[string][]registry.VersionDependency
}

func (c *Curator) rebuild(ctx context.Context) (*catalog.List, []catalog.AuditEntry, error) {
	projects, err := c.source.Search(ctx, registry.SearchOptions{
		MCVersion:       c.cfg.MCVersion,
		Loader:          c.cfg.Loader,
		Limit:           c.cfg.Limit,
		SortByDownloads: true,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("search top mods: %w", err)
	}
	c.log.Info("curating", "candidates", len(projects),
		"mc_version", c.cfg.MCVersion, "loader", c.cfg.Loader)

	st := &walkState{
		required: make(map[string]depSite),
		optional: make(map[string][]string),
		depCache: make(map[string][]registry.VersionDependency),
	}
	entries := make(map[string]catalog.Entry)
	var order []string
	skipped := 0

	for _, p := range projects {
		if isLibrary(p.Title) {
			c.log.Debug("skipping library", "name", p.Title)
			skipped++
			continue
		}
		seen := map[string]bool{p.ID: true}
		var modReq []string
		c.walk(ctx, p.Source, p.ID, 0, st, seen, &modReq)

		entries[p.ID] = entryFromProject(p, "top_downloaded", modReq)
		order = append(order, p.ID)
	}

	// Required dependencies join the list even when the library filter
	// would have dropped them.
	for _, depID := range st.requiredOrder {
		if _, ok := entries[depID]; ok {
			continue
		}
		site := st.required[depID]
		p, err := c.source.Project(ctx, registry.SourcedID(site.source, depID))
		if err != nil {
			c.log.Warn("required dependency lookup failed", "id", depID, "error", err)
			continue
		}
		entries[depID] = entryFromProject(*p, "required_dependency", nil)
		order = append(order, depID)
		c.log.Info("auto-added required dependency", "name", p.Title, "depth", site.depth)
	}

	mods := make([]catalog.Entry, 0, len(order))
	for _, id := range order {
		mods = append(mods, entries[id])
	}
	sort.SliceStable(mods, func(i, j int) bool {
		return mods[i].Downloads > mods[j].Downloads
	})

	audit := make([]catalog.AuditEntry, 0, len(st.optionalOrder))
	for _, id := range st.optionalOrder {
		audit = append(audit, catalog.AuditEntry{ID: id, RequestedBy: st.optional[id]})
	}
	sort.SliceStable(audit, func(i, j int) bool {
		return len(audit[i].RequestedBy) > len(audit[j].RequestedBy)
	})

	list := &catalog.List{
		MCVersion:   c.cfg.MCVersion,
		Loader:      c.cfg.Loader,
		GeneratedAt: c.now(),
		Mods:        mods,
	}
	c.log.Info("curated list built", "mods", len(mods), "libraries_skipped", skipped,
		"required_deps", len(st.requiredOrder), "optional_deps", len(audit))

	if c.store != nil {
		if err := c.store.PutList(ctx, *list); err != nil {
			c.log.Warn("catalog write failed", "error", err)
		} else if err := c.store.PutAudit(ctx, c.cfg.MCVersion, c.cfg.Loader, audit); err != nil {
			c.log.Warn("audit write failed", "error", err)
		}
	}
	return list, audit, nil
}

// walk records the required closure of one mod into st and out.
// Required dependencies recurse until MaxDepth; optional ones are only
// attributed to their requester.
func (c *Curator) walk(ctx context.Context, source, id string, depth int, st *walkState, seen map[string]bool, out *[]string) {
	if depth > c.cfg.MaxDepth || ctx.Err() != nil {
		return
	}
	for _, d := range c.versionDeps(ctx, source, id, st) {
		if d.ProjectID == "" || d.ProjectID == id {
			continue
		}
		switch d.Kind {
		case "required":
			if seen[d.ProjectID] {
				continue
			}
			seen[d.ProjectID] = true
			*out = append(*out, d.ProjectID)
			if _, ok := st.required[d.ProjectID]; !ok {
				st.required[d.ProjectID] = depSite{source: source, depth: depth + 1}
				st.requiredOrder = append(st.requiredOrder, d.ProjectID)
			}
			c.walk(ctx, source, d.ProjectID, depth+1, st, seen, out)
		case "optional":
			requesters := st.optional[d.ProjectID]
			if requesters == nil {
				st.optionalOrder = append(st.optionalOrder, d.ProjectID)
			}
			if !slices.Contains(requesters, id) {
				st.optional[d.ProjectID] = append(requesters, id)
			}
		}
	}
}

// versionDeps returns the declared dependencies of the newest matching
// version, memoized per run. Lookup failures read as "no declared
// dependencies"; the registry being down must not sink a whole
// curation.
func (c *Curator) versionDeps(ctx context.Context, source, id string, st *walkState) []registry.VersionDependency {
	key := registry.SourcedID(source, id)
	if deps, ok := st.depCache[key]; ok {
		return deps
	}
	var deps []registry.VersionDependency
	versions, err := c.source.VersionsFor(ctx, key, c.cfg.MCVersion, c.cfg.Loader)
	if err != nil {
		c.log.Debug("dependency lookup failed", "id", key, "error", err)
	} else if len(versions) > 0 {
		deps = versions[0].Dependencies
	}
	st.depCache[key] = deps
	return deps
}

func entryFromProject(p registry.Project, source string, required []string) catalog.Entry {
	return catalog.Entry{
		ID:          p.ID,
		Name:        p.Title,
		Downloads:   p.Downloads,
		Description: truncate(p.Description, 100),
		URL:         projectURL(p),
		Registry:    p.Source,
		Source:      source,
		RequiredIDs: required,
	}
}

func projectURL(p registry.Project) string {
	ref := p.Slug
	if ref == "" {
		ref = p.ID
	}
	if p.Source == "curseforge" {
		return "https://www.curseforge.com/minecraft/mc-mods/" + ref
	}
	return "https://modrinth.com/mod/" + ref
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

// fabricWhitelist names the loader plumbing that stays listed even
// though it reads like a library. A fabric server without these is not
// a server.
var fabricWhitelist = []string{
	"fabric api", "fabric-api", "fabric loader", "fabric-loader",
}

// libraryPatterns match dependency-only mods by name. Deliberately
// broad: a false positive comes back through the required-dependency
// walk, a false negative clutters the list for good.
var libraryPatterns = []string{
	"cloth config",
	"ferrite",
	"yacl", "yet another config",
	"architectury",
	"geckolib",
	"puzzles lib",
	"forge config api",
	"creative",
	"libipn",
	"resourceful",
	"supermartijn",
	"fzzy config",
	"midnight",
	"kotlin for forge",
	"lib ",
	" lib",
}

// isLibrary reports whether a mod name looks like a dependency-only
// library. Unnamed projects are treated as libraries.
func isLibrary(name string) bool {
	if name == "" {
		return true
	}
	lower := strings.ToLower(name)
	for _, allowed := range fabricWhitelist {
		if strings.Contains(lower, allowed) {
			return false
		}
	}
	for _, pattern := range libraryPatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}
