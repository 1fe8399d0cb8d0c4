// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package heal turns a crash diagnosis into one corrective action.
//
// The engine applies a single fix per crash and hands control back to
// the supervisor for the relaunch: fetch a missing dependency, move a
// client-only mod out of the server path, or quarantine the offender.
// The crash history decides when retrying stops and quarantine starts.
// A benign diagnosis is ignored and never consumes the restart budget.
package heal

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/AleutianAI/ModWarden/services/warden/crash"
	"github.com/AleutianAI/ModWarden/services/warden/modindex"
	"github.com/AleutianAI/ModWarden/services/warden/quarantine"
	"github.com/AleutianAI/ModWarden/services/warden/registry"
	"github.com/AleutianAI/ModWarden/services/warden/resolve"
)

// Result is the outcome class of a heal attempt.
type Result string

const (
	// ResultFixed means a corrective change was applied: a dependency
	// fetched or an archive relocated.
	ResultFixed Result = "fixed"

	// ResultQuarantined means the offending archive left the load path.
	ResultQuarantined Result = "quarantined"

	// ResultIgnored means the crash was benign. The relaunch does not
	// consume the restart budget.
	ResultIgnored Result = "ignored"

	// ResultNone means no fix could be applied. The relaunch still
	// consumes a restart attempt.
	ResultNone Result = "none"
)

// Action describes what a heal attempt did, for the event timeline and
// metrics labels.
type Action struct {
	Result Result `json:"result"`

	// Detail is a human-readable summary of the action taken.
	Detail string `json:"detail"`

	// Quarantined lists archive names moved to quarantine, cascaded
	// dependents included.
	Quarantined []string `json:"quarantined,omitempty"`

	// Moved lists archive names relocated to the clientonly directory.
	Moved []string `json:"moved,omitempty"`

	// FetchedPath is the downloaded or restored dependency archive.
	FetchedPath string `json:"fetched_path,omitempty"`
}

// Config carries the heal engine's directories and thresholds.
type Config struct {
	ModsDir       string
	ClientonlyDir string

	// MaxFetchAttempts caps fetches per missing dependency. Past the
	// cap the requester is quarantined instead of fetching again.
	MaxFetchAttempts int

	// ModErrorThreshold is the per-culprit crash count at which a
	// generic mod error turns into a quarantine.
	ModErrorThreshold int

	// CascadeDepth bounds dependent-quarantine recursion.
	CascadeDepth int
}

const (
	defaultMaxFetchAttempts  = 2
	defaultModErrorThreshold = 2
	defaultCascadeDepth      = 2
)

// Engine applies the self-heal rules. It mutates the mod tree through
// its collaborators; the caller serializes Heal against every other
// mod-tree mutator.
type Engine struct {
	cfg      Config
	builder  *modindex.Builder
	resolver *resolve.Resolver
	store    *quarantine.Store
	log      *slog.Logger
}

// NewEngine returns an Engine with defaults applied for unset
// thresholds.
func NewEngine(cfg Config, builder *modindex.Builder, resolver *resolve.Resolver, store *quarantine.Store, log *slog.Logger) *Engine {
	if cfg.MaxFetchAttempts <= 0 {
		cfg.MaxFetchAttempts = defaultMaxFetchAttempts
	}
	if cfg.ModErrorThreshold <= 0 {
		cfg.ModErrorThreshold = defaultModErrorThreshold
	}
	if cfg.CascadeDepth <= 0 {
		cfg.CascadeDepth = defaultCascadeDepth
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Engine{cfg: cfg, builder: builder, resolver: resolver, store: store, log: log}
}

// Heal applies one corrective action for diag and reports what it did.
// The returned Action is non-nil whenever the error is nil. Errors are
// infrastructure failures only; "nothing fixable" is ResultNone, not
// an error.
func (e *Engine) Heal(ctx context.Context, diag crash.Diagnosis, hist *crash.History) (*Action, error) {
	switch diag.Type {
	case crash.TypeBenignMixin:
		e.log.Info("benign mixin overwrite, relaunching", "message", diag.Message)
		return &Action{Result: ResultIgnored, Detail: "benign mixin overwrite, no action needed"}, nil
	case crash.TypeMissingDependency:
		return e.healMissingDependency(ctx, diag, hist)
	case crash.TypeClientOnlyMod:
		return e.healClientOnly(diag)
	case crash.TypeCorruptMod:
		return e.healCorrupt(diag)
	case crash.TypeVersionMismatch:
		return e.healVersionMismatch(diag)
	case crash.TypeModConflict:
		return e.healConflict(diag, hist)
	case crash.TypeModError:
		return e.healModError(diag, hist)
	default:
		e.log.Warn("no heal rule for crash", "type", string(diag.Type))
		return &Action{Result: ResultNone, Detail: "unknown crash, nothing to fix"}, nil
	}
}

func (e *Engine) index() (*modindex.Index, error) {
	return e.builder.Build(e.cfg.ModsDir, e.cfg.ClientonlyDir, e.store.Dir())
}

// === Missing dependency ===

func (e *Engine) healMissingDependency(ctx context.Context, diag crash.Diagnosis, hist *crash.History) (*Action, error) {
	dep := strings.TrimSpace(diag.Dependency)
	if dep == "" || strings.EqualFold(dep, "unknown") {
		return &Action{Result: ResultNone, Detail: "missing dependency with no usable name"}, nil
	}

	idx, err := e.index()
	if err != nil {
		return nil, err
	}

	// A dependency that is installed yet still reported missing will
	// not be fixed by fetching another copy. The requester is the
	// broken party.
	if match := installedMatch(idx, dep); match != "" {
		detail := fmt.Sprintf("requires %s, installed as %s, and still fails to load it", dep, match)
		if act := e.quarantineRef(idx, diag.Culprit, detail); act != nil {
			return act, nil
		}
		e.log.Warn("dependency installed under another name, requester unknown",
			"dependency", dep, "installed_as", match)
		return &Action{Result: ResultNone, Detail: detail}, nil
	}

	if attempts := hist.BumpFetchAttempt(dep); attempts > e.cfg.MaxFetchAttempts {
		e.log.Warn("fetch attempts exhausted",
			"dependency", dep, "attempts", attempts)
		reason := "missing dependency: " + strings.ToLower(dep)
		if act := e.quarantineRef(idx, diag.Culprit, reason); act != nil {
			return act, nil
		}
		return &Action{Result: ResultNone,
			Detail: fmt.Sprintf("gave up fetching %s after %d failed attempts", dep, attempts-1)}, nil
	}

	path, err := e.resolver.ResolveSingle(ctx, dep, "")
	if err != nil {
		e.log.Warn("dependency fetch failed", "dependency", dep, "error", err)
		reason := "missing dependency: " + strings.ToLower(dep)
		if act := e.quarantineRef(idx, diag.Culprit, reason); act != nil {
			return act, nil
		}
		return &Action{Result: ResultNone,
			Detail: fmt.Sprintf("could not fetch %s and no requester is named", dep)}, nil
	}
	e.log.Info("fetched missing dependency", "dependency", dep, "path", path)
	return &Action{
		Result:      ResultFixed,
		Detail:      "fetched missing dependency " + dep,
		FetchedPath: path,
	}, nil
}

// installedMatch looks for dep among installed ids and display names
// with the same match rules the resolver applies to registry hits. A
// hit means the dependency is present, possibly under a coincidental
// name, and fetching another copy would not help.
func installedMatch(idx *modindex.Index, dep string) string {
	if idx.HasInstalled(dep) {
		return strings.ToLower(dep)
	}
	var candidates []registry.Project
	for _, id := range idx.IDs() {
		loc, ok := idx.Canonical(id)
		if !ok || loc.Quarantined {
			continue
		}
		p := registry.Project{ID: id, Slug: id}
		if loc.Manifest != nil {
			p.Title = loc.Manifest.DisplayName
		}
		candidates = append(candidates, p)
	}
	if hit := resolve.BestMatch(dep, candidates); hit != nil {
		return hit.Slug
	}
	return ""
}

// === Client-only mods ===

func (e *Engine) healClientOnly(diag crash.Diagnosis) (*Action, error) {
	idx, err := e.index()
	if err != nil {
		return nil, err
	}

	act := &Action{Result: ResultNone}
	handled := make(map[string]bool)
	for _, ref := range culpritRefs(diag) {
		loc, ok := locate(idx, ref)
		if !ok || handled[loc.Path] {
			continue
		}
		handled[loc.Path] = true

		if filepath.Dir(loc.Path) == filepath.Clean(e.cfg.ClientonlyDir) {
			// Already sorted out of mods/ and the loader still loaded
			// it. Quarantine, and take its dependents along: they
			// cannot run without a mod that cannot run server-side.
			a := e.quarantineLocation(loc, "crashes the dedicated server even from clientonly")
			if a == nil {
				continue
			}
			act.Quarantined = append(act.Quarantined, a.Quarantined...)
			act.Quarantined = append(act.Quarantined, e.cascadeDependents(idx, loc, ref)...)
			continue
		}

		name := filepath.Base(loc.Path)
		if err := e.moveToClientonly(loc.Path); err != nil {
			e.log.Warn("clientonly move failed", "archive", name, "error", err)
			continue
		}
		e.log.Info("moved client-only mod out of server path", "archive", name)
		act.Moved = append(act.Moved, name)
	}

	var parts []string
	if len(act.Moved) > 0 {
		act.Result = ResultFixed
		parts = append(parts, "moved to clientonly: "+strings.Join(act.Moved, ", "))
	}
	if len(act.Quarantined) > 0 {
		act.Result = ResultQuarantined
		parts = append(parts, "quarantined: "+strings.Join(act.Quarantined, ", "))
	}
	if len(parts) == 0 {
		act.Detail = "client-only culprit not found in the active tree"
		return act, nil
	}
	act.Detail = strings.Join(parts, "; ")
	return act, nil
}

// moveToClientonly relocates a single archive regardless of its
// classified side; the crash already proved it client-only. When the
// destination holds a copy the clientonly one wins and the source is
// removed.
func (e *Engine) moveToClientonly(src string) error {
	if err := os.MkdirAll(e.cfg.ClientonlyDir, 0755); err != nil {
		return err
	}
	dst := filepath.Join(e.cfg.ClientonlyDir, filepath.Base(src))
	if _, err := os.Stat(dst); err == nil {
		return os.Remove(src)
	}
	return os.Rename(src, dst)
}

// === Corrupt archives and version mismatches ===

func (e *Engine) healCorrupt(diag crash.Diagnosis) (*Action, error) {
	idx, err := e.index()
	if err != nil {
		return nil, err
	}
	if act := e.quarantineRef(idx, firstRef(diag.BadFile, diag.Culprit),
		"corrupt archive, not a valid jar"); act != nil {
		return act, nil
	}
	return &Action{Result: ResultNone, Detail: "corrupt archive not found in the active tree"}, nil
}

func (e *Engine) healVersionMismatch(diag crash.Diagnosis) (*Action, error) {
	if strings.TrimSpace(diag.Culprit) == "" {
		return &Action{Result: ResultNone, Detail: "version mismatch without a named mod"}, nil
	}
	idx, err := e.index()
	if err != nil {
		return nil, err
	}
	if act := e.quarantineRef(idx, diag.Culprit,
		"version mismatch with the running game or loader"); act != nil {
		return act, nil
	}
	return &Action{Result: ResultNone,
		Detail: fmt.Sprintf("mismatched mod %s not found in the active tree", diag.Culprit)}, nil
}

// === Conflicts ===

func (e *Engine) healConflict(diag crash.Diagnosis, hist *crash.History) (*Action, error) {
	implicated := culpritRefs(diag)
	if len(implicated) == 0 {
		return &Action{Result: ResultNone, Detail: "conflict with no identifiable mods"}, nil
	}
	idx, err := e.index()
	if err != nil {
		return nil, err
	}

	for _, ref := range rankForQuarantine(implicated) {
		loc, ok := locate(idx, ref)
		if !ok {
			continue
		}
		act := e.quarantineLocation(loc, conflictReason(diag, ref, implicated))
		if act == nil {
			continue
		}
		hist.BumpCrashCount(ref)
		return act, nil
	}
	return &Action{Result: ResultNone, Detail: "conflicting mods not found in the active tree"}, nil
}

// rankForQuarantine orders implicated mods by expendability: addons
// first, compat shims next, unmarked mods, then shared libraries last.
// Ties keep reverse mention order, so the later-named party of a pair
// goes before the one the log led with.
func rankForQuarantine(implicated []string) []string {
	ordered := make([]string, len(implicated))
	for i, m := range implicated {
		ordered[len(implicated)-1-i] = m
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return keepPriority(ordered[i]) < keepPriority(ordered[j])
	})
	return ordered
}

// keepPriority scores how strongly a mod name argues for staying
// installed. Libraries anchor other mods; addons are the first to go.
func keepPriority(name string) int {
	n := strings.ToLower(name)
	switch {
	case strings.Contains(n, "lib"), strings.Contains(n, "core"), strings.Contains(n, "api"):
		return 3
	case strings.Contains(n, "compat"):
		return 1
	case strings.Contains(n, "addon"):
		return 0
	default:
		return 2
	}
}

func conflictReason(diag crash.Diagnosis, chosen string, implicated []string) string {
	label := "mod conflict"
	if diag.ConflictKind != "" && diag.ConflictKind != "conflict" {
		label = fmt.Sprintf("mod conflict (%s)", diag.ConflictKind)
	}
	var others []string
	for _, m := range implicated {
		if !strings.EqualFold(m, chosen) {
			others = append(others, m)
		}
	}
	if len(others) == 0 {
		return label
	}
	return label + " with " + strings.Join(others, ", ")
}

// === Generic mod errors ===

func (e *Engine) healModError(diag crash.Diagnosis, hist *crash.History) (*Action, error) {
	culprit := strings.TrimSpace(diag.Culprit)
	if culprit == "" {
		return &Action{Result: ResultNone, Detail: "mod error without an attributable culprit"}, nil
	}

	count := hist.BumpCrashCount(culprit)
	if count < e.cfg.ModErrorThreshold {
		e.log.Info("mod error below quarantine threshold",
			"mod", culprit, "count", count, "threshold", e.cfg.ModErrorThreshold)
		return &Action{Result: ResultNone,
			Detail: fmt.Sprintf("%s crashed %d of %d times before quarantine", culprit, count, e.cfg.ModErrorThreshold)}, nil
	}

	idx, err := e.index()
	if err != nil {
		return nil, err
	}
	loc, ok := locate(idx, culprit)
	if !ok {
		return &Action{Result: ResultNone,
			Detail: fmt.Sprintf("repeat offender %s not found in the active tree", culprit)}, nil
	}
	act := e.quarantineLocation(loc, fmt.Sprintf("crashed the server %d times", count))
	if act == nil {
		return &Action{Result: ResultNone,
			Detail: fmt.Sprintf("could not quarantine %s", culprit)}, nil
	}
	act.Quarantined = append(act.Quarantined, e.cascadeDependents(idx, loc, culprit)...)
	return act, nil
}

// === Shared plumbing ===

// locate finds the installed, non-quarantined archive for ref, which
// may be a mod id, a jar filename, or a mods/-prefixed path.
func locate(idx *modindex.Index, ref string) (modindex.Location, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return modindex.Location{}, false
	}
	if loc, ok := idx.Canonical(ref); ok && !loc.Quarantined && !loc.Embedded {
		return loc, true
	}
	base := filepath.Base(ref)
	if strings.HasSuffix(base, ".jar") {
		for _, id := range idx.IDs() {
			loc, ok := idx.Canonical(id)
			if ok && !loc.Quarantined && !loc.Embedded && filepath.Base(loc.Path) == base {
				return loc, true
			}
		}
	}
	return modindex.Location{}, false
}

// quarantineRef locates ref and quarantines it. Nil when ref is not in
// the active tree or the move failed.
func (e *Engine) quarantineRef(idx *modindex.Index, ref, reason string) *Action {
	loc, ok := locate(idx, ref)
	if !ok {
		return nil
	}
	return e.quarantineLocation(loc, reason)
}

func (e *Engine) quarantineLocation(loc modindex.Location, reason string) *Action {
	id, display := identify(loc)
	if err := e.store.Quarantine(loc.Path, id, display, reason); err != nil {
		e.log.Warn("quarantine failed", "archive", loc.Path, "error", err)
		return nil
	}
	return &Action{
		Result:      ResultQuarantined,
		Detail:      fmt.Sprintf("quarantined %s: %s", id, reason),
		Quarantined: []string{filepath.Base(loc.Path)},
	}
}

func identify(loc modindex.Location) (id, display string) {
	if loc.Manifest != nil && loc.Manifest.ModID != "" {
		return loc.Manifest.ModID, loc.Manifest.DisplayName
	}
	stem := strings.TrimSuffix(filepath.Base(loc.Path), ".jar")
	return strings.ToLower(stem), stem
}

// cascadeDependents quarantines installed mods that required any id
// the seed archive provided, bounded by CascadeDepth. The index is the
// pre-quarantine snapshot, so the seed itself is skipped by id.
func (e *Engine) cascadeDependents(idx *modindex.Index, seed modindex.Location, seedRef string) []string {
	g := resolve.BuildGraph(idx)
	done := make(map[string]bool)
	for _, id := range providedIDs(seed, seedRef) {
		done[id] = true
	}

	level := make(map[string]string)
	for _, id := range providedIDs(seed, seedRef) {
		for _, req := range g.Requesters(id) {
			if !done[req] {
				level[req] = fmt.Sprintf("missing dependency: %s (quarantined)", id)
			}
		}
	}

	var quarantined []string
	for depth := 1; depth <= e.cfg.CascadeDepth && len(level) > 0; depth++ {
		next := make(map[string]string)
		for _, id := range sortedKeys(level) {
			if done[id] {
				continue
			}
			done[id] = true
			loc, ok := idx.Canonical(id)
			if !ok || loc.Quarantined || loc.Embedded || loc.Path == "" {
				continue
			}
			mid, display := identify(loc)
			if err := e.store.Quarantine(loc.Path, mid, display, level[id]); err != nil {
				e.log.Warn("cascade quarantine failed", "mod", id, "error", err)
				continue
			}
			quarantined = append(quarantined, filepath.Base(loc.Path))
			for _, req := range g.Requesters(id) {
				if !done[req] {
					next[req] = fmt.Sprintf("missing dependency: %s (quarantined)", id)
				}
			}
		}
		level = next
	}
	return quarantined
}

// providedIDs returns every id the archive at loc satisfies, the
// seed reference included, lowercased and deduplicated.
func providedIDs(loc modindex.Location, seedRef string) []string {
	seen := make(map[string]bool)
	var ids []string
	add := func(id string) {
		id = strings.ToLower(strings.TrimSpace(id))
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		ids = append(ids, id)
	}
	add(seedRef)
	if loc.Manifest != nil {
		add(loc.Manifest.ModID)
		for _, id := range loc.Manifest.Provides {
			add(id)
		}
		for _, id := range loc.Manifest.Embedded {
			add(id)
		}
	}
	return ids
}

// culpritRefs gathers every mod reference the diagnosis carries, most
// specific first, deduplicated case-insensitively.
func culpritRefs(diag crash.Diagnosis) []string {
	seen := make(map[string]bool)
	var refs []string
	add := func(ref string) {
		ref = strings.TrimSpace(ref)
		key := strings.ToLower(ref)
		if ref == "" || seen[key] {
			return
		}
		seen[key] = true
		refs = append(refs, ref)
	}
	for _, f := range diag.BadFiles {
		add(f)
	}
	add(diag.BadFile)
	for _, c := range diag.Culprits {
		add(c)
	}
	add(diag.Culprit)
	return refs
}

func firstRef(refs ...string) string {
	for _, r := range refs {
		if strings.TrimSpace(r) != "" {
			return r
		}
	}
	return ""
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
