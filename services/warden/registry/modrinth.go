// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/time/rate"
)

const (
	modrinthBaseURL = "https://api.modrinth.com/v2"
	userAgent       = "ModWarden/1.0"
)

// Modrinth is the primary registry. No credentials required.
type Modrinth struct {
	base    string
	httpc   HTTPClient
	limiter *rate.Limiter
	log     *slog.Logger
}

// NewModrinth returns a Modrinth client sharing limiter with the
// other registries.
func NewModrinth(httpc HTTPClient, limiter *rate.Limiter, log *slog.Logger) *Modrinth {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Modrinth{
		base:    modrinthBaseURL,
		httpc:   httpc,
		limiter: limiter,
		log:     log,
	}
}

func (m *Modrinth) Name() string    { return "modrinth" }
func (m *Modrinth) Available() bool { return true }

type modrinthSearchResponse struct {
	Hits []modrinthHit `json:"hits"`
}

type modrinthHit struct {
	ProjectID   string `json:"project_id"`
	Slug        string `json:"slug"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Downloads   int64  `json:"downloads"`
}

// Search queries /search. The curator's download-ranked listing uses
// the combined facet group with index=downloads; dependency lookups
// use per-group facets and a small limit so an exact slug can surface.
func (m *Modrinth) Search(ctx context.Context, opts SearchOptions) ([]Project, error) {
	q := url.Values{}
	query := opts.Query
	if query == "" {
		query = opts.Slug
	}
	q.Set("query", query)

	if opts.SortByDownloads {
		q.Set("facets", fmt.Sprintf(`[["game_versions:%s","mrpack_loaders:%s"]]`,
			opts.MCVersion, opts.Loader))
		q.Set("index", "downloads")
	} else {
		q.Set("facets", fmt.Sprintf(`[["versions:%s"],["categories:%s"]]`,
			opts.MCVersion, opts.Loader))
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 5
	}
	q.Set("limit", fmt.Sprintf("%d", limit))
	if opts.Offset > 0 {
		q.Set("offset", fmt.Sprintf("%d", opts.Offset))
	}

	var resp modrinthSearchResponse
	if err := m.get(ctx, "/search?"+q.Encode(), &resp); err != nil {
		return nil, err
	}

	projects := make([]Project, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		if opts.Slug != "" && !strings.EqualFold(hit.Slug, opts.Slug) {
			continue
		}
		projects = append(projects, Project{
			ID:          hit.ProjectID,
			Slug:        hit.Slug,
			Title:       hit.Title,
			Description: hit.Description,
			Downloads:   hit.Downloads,
			Source:      m.Name(),
		})
	}
	return projects, nil
}

type modrinthProject struct {
	ID          string `json:"id"`
	Slug        string `json:"slug"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Downloads   int64  `json:"downloads"`
}

// Project fetches /project/{id}; id may be a project id or a slug.
func (m *Modrinth) Project(ctx context.Context, id string) (*Project, error) {
	var raw modrinthProject
	if err := m.get(ctx, "/project/"+url.PathEscape(id), &raw); err != nil {
		return nil, err
	}
	return &Project{
		ID:          raw.ID,
		Slug:        raw.Slug,
		Title:       raw.Title,
		Description: raw.Description,
		Downloads:   raw.Downloads,
		Source:      m.Name(),
	}, nil
}

type modrinthVersion struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	VersionNumber string   `json:"version_number"`
	GameVersions  []string `json:"game_versions"`
	Loaders       []string `json:"loaders"`
	Files         []struct {
		URL      string `json:"url"`
		Filename string `json:"filename"`
		Size     int64  `json:"size"`
	} `json:"files"`
	Dependencies []struct {
		ProjectID      string `json:"project_id"`
		DependencyType string `json:"dependency_type"`
	} `json:"dependencies"`
}

// VersionsFor fetches project versions with a three-tier fallback:
// loader+game filters, game filter only, then an unfiltered page
// scanned client-side. Mods occasionally tag versions sloppily and
// the strict query returns nothing for a perfectly good build.
func (m *Modrinth) VersionsFor(ctx context.Context, projectID, mcVersion, loader string) ([]Version, error) {
	base := "/project/" + url.PathEscape(projectID) + "/version"

	strict := url.Values{}
	strict.Set("loaders", `["`+loader+`"]`)
	strict.Set("game_versions", `["`+mcVersion+`"]`)
	strict.Set("limit", "5")

	gameOnly := url.Values{}
	gameOnly.Set("game_versions", `["`+mcVersion+`"]`)
	gameOnly.Set("limit", "5")

	wide := url.Values{}
	wide.Set("limit", "10")

	tiers := []string{
		base + "?" + strict.Encode(),
		base + "?" + gameOnly.Encode(),
		base + "?" + wide.Encode(),
	}

	for tier, path := range tiers {
		var raw []modrinthVersion
		if err := m.get(ctx, path, &raw); err != nil {
			return nil, err
		}
		versions := convertModrinthVersions(raw)
		if tier == 2 {
			versions = filterByGameVersion(versions, mcVersion)
		}
		if len(versions) > 0 {
			if tier > 0 {
				m.log.Debug("version lookup needed fallback",
					"project", projectID, "tier", tier)
			}
			return versions, nil
		}
	}
	return nil, nil
}

func convertModrinthVersions(raw []modrinthVersion) []Version {
	versions := make([]Version, 0, len(raw))
	for _, v := range raw {
		out := Version{
			ID:            v.ID,
			Name:          v.Name,
			VersionNumber: v.VersionNumber,
			GameVersions:  v.GameVersions,
			Loaders:       v.Loaders,
		}
		for _, f := range v.Files {
			out.Files = append(out.Files, File{URL: f.URL, Filename: f.Filename, Size: f.Size})
		}
		for _, d := range v.Dependencies {
			if d.ProjectID == "" {
				continue
			}
			out.Dependencies = append(out.Dependencies, VersionDependency{
				ProjectID: d.ProjectID,
				Kind:      d.DependencyType,
			})
		}
		versions = append(versions, out)
	}
	return versions
}

func filterByGameVersion(versions []Version, mcVersion string) []Version {
	var out []Version
	for _, v := range versions {
		for _, gv := range v.GameVersions {
			if gv == mcVersion {
				out = append(out, v)
				break
			}
		}
	}
	return out
}

// Download streams a version file to destPath.
func (m *Modrinth) Download(ctx context.Context, file File, destPath string, maxBytes int64) error {
	return downloadFile(ctx, m.httpc, m.limiter, file.URL, destPath, maxBytes)
}

func (m *Modrinth) get(ctx context.Context, path string, dst any) error {
	if err := m.limiter.Wait(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.base+path, nil)
	if err != nil {
		return fmt.Errorf("modrinth request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := m.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: modrinth %s: %v", ErrUnavailable, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: modrinth %s", ErrNotFound, path)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("%w: modrinth %s returned %d", ErrUnavailable, path, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("%w: modrinth %s: decode: %v", ErrUnavailable, path, err)
	}
	return nil
}
