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
	"encoding/json"
	"strings"
)

// fabricJSON mirrors fabric.mod.json. Dependency values are either a
// single range string or an array of ranges; fabricRange absorbs both.
type fabricJSON struct {
	ID          string                 `json:"id"`
	Name        string                 `json:"name"`
	Version     string                 `json:"version"`
	Environment string                 `json:"environment"`
	Depends     map[string]fabricRange `json:"depends"`
	Suggests    map[string]fabricRange `json:"suggests"`
	Provides    []string               `json:"provides"`
	Jars        []fabricJarEntry       `json:"jars"`
}

type fabricJarEntry struct {
	File string `json:"file"`
}

type fabricRange string

func (r *fabricRange) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*r = fabricRange(single)
		return nil
	}
	var multi []string
	if err := json.Unmarshal(data, &multi); err != nil {
		return err
	}
	*r = fabricRange(strings.Join(multi, ","))
	return nil
}

// parseFabricJSON returns the manifest plus the embedded jar entry
// paths declared in "jars".
func parseFabricJSON(data []byte) (*ModManifest, []string, error) {
	var raw fabricJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, nil, err
	}

	m := &ModManifest{
		ModID:       raw.ID,
		DisplayName: raw.Name,
		Version:     raw.Version,
		Loader:      LoaderFabric,
		Environment: raw.Environment,
		Side:        fabricSide(raw.Environment),
		Provides:    raw.Provides,
	}

	for id, rng := range raw.Depends {
		id = strings.ToLower(strings.TrimSpace(id))
		switch id {
		case "minecraft":
			m.MCVersionRange = string(rng)
			continue
		case "fabricloader", "fabric-loader":
			m.LoaderVersionRange = string(rng)
			continue
		case "quilt_loader", "quiltloader":
			m.Loader = LoaderQuilt
			m.LoaderVersionRange = string(rng)
			continue
		}
		if IsPlatformID(id) {
			continue
		}
		if m.Required == nil {
			m.Required = make(map[string]string)
		}
		m.Required[id] = string(rng)
	}

	for id, rng := range raw.Suggests {
		id = strings.ToLower(strings.TrimSpace(id))
		if IsPlatformID(id) {
			continue
		}
		if m.Optional == nil {
			m.Optional = make(map[string]string)
		}
		m.Optional[id] = string(rng)
	}

	var jars []string
	for _, j := range raw.Jars {
		if j.File != "" {
			jars = append(jars, j.File)
		}
	}
	return m, jars, nil
}

// fabricSide maps the environment field. "*" and absence both mean
// the mod loads everywhere.
func fabricSide(env string) Side {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "client":
		return SideClient
	case "server":
		return SideServer
	case "*":
		return SideBoth
	case "":
		return SideUnknown
	default:
		return SideUnknown
	}
}
