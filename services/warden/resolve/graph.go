// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package resolve

import (
	"sort"
	"strings"

	"github.com/AleutianAI/ModWarden/services/warden/manifest"
	"github.com/AleutianAI/ModWarden/services/warden/modindex"
)

// Node holds one installed mod's outgoing dependency edges.
type Node struct {
	ID       string
	Loader   manifest.Loader
	Required map[string]string // dep id -> declared version range
	Optional map[string]string
}

// Graph is the dependency graph over installed mods. Only mods with
// their own archive and a readable manifest contribute edges; ids
// known through embedding or provides-aliases are satisfiable targets
// but have no edges of their own.
type Graph struct {
	Nodes map[string]*Node
}

// BuildGraph derives the graph from an index built over the mods and
// clientonly directories.
func BuildGraph(idx *modindex.Index) *Graph {
	g := &Graph{Nodes: make(map[string]*Node)}
	for _, id := range idx.IDs() {
		loc, ok := idx.Canonical(id)
		if !ok || loc.Quarantined || loc.Embedded || loc.Manifest == nil {
			continue
		}
		m := loc.Manifest
		node := &Node{
			ID:       id,
			Loader:   m.Loader,
			Required: make(map[string]string, len(m.Required)),
			Optional: make(map[string]string, len(m.Optional)),
		}
		for dep, rng := range m.Required {
			node.Required[strings.ToLower(dep)] = rng
		}
		for dep, rng := range m.Optional {
			node.Optional[strings.ToLower(dep)] = rng
		}
		g.Nodes[id] = node
	}
	return g
}

// Requesters returns the ids of mods that require dep, sorted.
func (g *Graph) Requesters(dep string) []string {
	dep = strings.ToLower(dep)
	var out []string
	for id, node := range g.Nodes {
		if _, ok := node.Required[dep]; ok {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Missing is one unsatisfied required dependency and who wants it.
type Missing struct {
	ID     string
	Ranges map[string]string // requester -> declared range
}

// Requesters returns the sorted requester ids.
func (m *Missing) Requesters() []string {
	out := make([]string, 0, len(m.Ranges))
	for id := range m.Ranges {
		if id != "" {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// FindMissing reports required dependencies absent from the index.
// Platform pins never count, and neither do the dependencies of a
// wrong-ecosystem mod: a fabric mod's requirements must not pull
// fabric libraries onto a neoforge server.
func FindMissing(g *Graph, idx *modindex.Index, serverLoader manifest.Loader) map[string]*Missing {
	out := make(map[string]*Missing)
	for id, node := range g.Nodes {
		if !manifest.LoaderCompatible(serverLoader, node.Loader) {
			continue
		}
		for dep, rng := range node.Required {
			if manifest.IsPlatformID(dep) || idx.HasInstalled(dep) {
				continue
			}
			m := out[dep]
			if m == nil {
				m = &Missing{ID: dep, Ranges: make(map[string]string)}
				out[dep] = m
			}
			m.Ranges[id] = rng
		}
	}
	return out
}

// SharedOptional is an optional dependency that several installed
// mods would use if present.
type SharedOptional struct {
	ID         string
	Requesters []string
}

// FindSharedOptional reports optional dependencies wanted by at least
// two distinct installed mods and not installed. Report only; nothing
// is fetched on an optional edge.
func FindSharedOptional(g *Graph, idx *modindex.Index) []SharedOptional {
	wanted := make(map[string][]string)
	for id, node := range g.Nodes {
		for dep := range node.Optional {
			if manifest.IsPlatformID(dep) || idx.HasInstalled(dep) {
				continue
			}
			wanted[dep] = append(wanted[dep], id)
		}
	}

	var out []SharedOptional
	for dep, requesters := range wanted {
		if len(requesters) < 2 {
			continue
		}
		sort.Strings(requesters)
		out = append(out, SharedOptional{ID: dep, Requesters: requesters})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
