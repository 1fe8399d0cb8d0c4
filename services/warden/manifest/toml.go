// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package manifest

import (
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// modsToml mirrors META-INF/mods.toml. Forge marks requirement with
// the mandatory flag; NeoForge replaced it with a type string. Both
// appear in current mod archives.
type modsToml struct {
	ModLoader     string                   `toml:"modLoader"`
	LoaderVersion string                   `toml:"loaderVersion"`
	Mods          []modsTomlMod            `toml:"mods"`
	Dependencies  map[string][]modsTomlDep `toml:"dependencies"`
}

type modsTomlMod struct {
	ModID       string `toml:"modId"`
	DisplayName string `toml:"displayName"`
	Version     string `toml:"version"`
	Side        string `toml:"side"`
}

type modsTomlDep struct {
	ModID        string `toml:"modId"`
	Mandatory    *bool  `toml:"mandatory"`
	Type         string `toml:"type"`
	VersionRange string `toml:"versionRange"`
	Ordering     string `toml:"ordering"`
	Side         string `toml:"side"`
}

func (d modsTomlDep) required() bool {
	if d.Type != "" {
		return strings.EqualFold(d.Type, "required")
	}
	if d.Mandatory != nil {
		return *d.Mandatory
	}
	// Neither marker present: Forge's documented default is mandatory.
	return true
}

func parseModsToml(data []byte, neoforgeName bool) (*ModManifest, error) {
	var raw modsToml
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	m := &ModManifest{
		Side:             SideUnknown,
		LanguageProvider: raw.ModLoader,
	}
	if len(raw.Mods) > 0 {
		primary := raw.Mods[0]
		m.ModID = primary.ModID
		m.DisplayName = primary.DisplayName
		m.Version = primary.Version
		m.Side = parseTomlSide(primary.Side)
	}

	// Owned-ids rule: only tables keyed by an id this archive declares
	// are attributed to it.
	owned := make(map[string]bool, len(raw.Mods))
	for _, mod := range raw.Mods {
		owned[mod.ModID] = true
	}

	loader := LoaderUnknown
	if neoforgeName {
		loader = LoaderNeoForge
	}

	for key, deps := range raw.Dependencies {
		if !owned[key] {
			continue
		}
		for _, dep := range deps {
			id := strings.ToLower(strings.TrimSpace(dep.ModID))
			if id == "" {
				continue
			}
			switch id {
			case "minecraft":
				m.MCVersionRange = dep.VersionRange
				if m.Side == SideUnknown {
					m.Side = parseTomlSide(dep.Side)
				}
				continue
			case "neoforge":
				loader = LoaderNeoForge
				m.LoaderVersionRange = dep.VersionRange
				continue
			case "forge":
				if loader == LoaderUnknown {
					loader = LoaderForge
				}
				if m.LoaderVersionRange == "" {
					m.LoaderVersionRange = dep.VersionRange
				}
				continue
			}
			if IsPlatformID(id) {
				continue
			}
			if dep.required() {
				if m.Required == nil {
					m.Required = make(map[string]string)
				}
				m.Required[id] = dep.VersionRange
			} else {
				if m.Optional == nil {
					m.Optional = make(map[string]string)
				}
				m.Optional[id] = dep.VersionRange
			}
		}
	}

	if loader == LoaderUnknown && raw.ModLoader != "" {
		// javafml and kotlinforforge predate the NeoForge split.
		loader = LoaderForge
	}
	m.Loader = loader
	if m.LoaderVersionRange == "" {
		m.LoaderVersionRange = raw.LoaderVersion
	}
	return m, nil
}

func parseTomlSide(s string) Side {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CLIENT":
		return SideClient
	case "SERVER":
		return SideServer
	case "BOTH":
		return SideBoth
	default:
		return SideUnknown
	}
}
