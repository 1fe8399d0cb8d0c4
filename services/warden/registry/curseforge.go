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
	"os"
	"strconv"
	"strings"

	"github.com/awnumar/memguard"
	"golang.org/x/time/rate"
)

const (
	curseforgeBaseURL = "https://api.curseforge.com/v1"

	// curseforgeGameID is Minecraft's id on CurseForge.
	curseforgeGameID = 432

	// CurseForgeKeyFile is the conventional key file name in the
	// server root.
	CurseForgeKeyFile = "curseforgeAPIkey"
)

// curseforgeLoaderIDs maps loader names to CurseForge's enum.
var curseforgeLoaderIDs = map[string]int{
	"forge":      1,
	"cauldron":   2,
	"liteloader": 3,
	"fabric":     4,
	"quilt":      5,
	"neoforge":   6,
}

// CurseForge is the fallback registry. The API key stays inside a
// memguard enclave and is only opened per request.
type CurseForge struct {
	base    string
	httpc   HTTPClient
	limiter *rate.Limiter
	key     *memguard.Enclave
	log     *slog.Logger
}

// NewCurseForge returns a CurseForge client reading its API key from
// keyPath. A missing key file leaves the client unavailable rather
// than failing; the Multi registry will simply skip it.
func NewCurseForge(httpc HTTPClient, limiter *rate.Limiter, keyPath string, log *slog.Logger) *CurseForge {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	c := &CurseForge{
		base:    curseforgeBaseURL,
		httpc:   httpc,
		limiter: limiter,
		log:     log,
	}

	data, err := os.ReadFile(keyPath)
	if err != nil {
		log.Info("curseforge disabled, no API key", "path", keyPath)
		return c
	}
	trimmed := []byte(strings.TrimSpace(string(data)))
	if len(trimmed) == 0 {
		log.Info("curseforge disabled, empty API key", "path", keyPath)
		return c
	}
	c.key = memguard.NewEnclave(trimmed)
	return c
}

func (c *CurseForge) Name() string    { return "curseforge" }
func (c *CurseForge) Available() bool { return c.key != nil }

type curseforgeMod struct {
	ID            int64            `json:"id"`
	Slug          string           `json:"slug"`
	Name          string           `json:"name"`
	Summary       string           `json:"summary"`
	DownloadCount float64          `json:"downloadCount"`
	LatestFiles   []curseforgeFile `json:"latestFiles"`
}

type curseforgeFile struct {
	ID           int64    `json:"id"`
	DisplayName  string   `json:"displayName"`
	FileName     string   `json:"fileName"`
	DownloadURL  string   `json:"downloadUrl"`
	FileLength   int64    `json:"fileLength"`
	GameVersions []string `json:"gameVersions"`
	Dependencies []struct {
		ModID        int64 `json:"modId"`
		RelationType int   `json:"relationType"`
	} `json:"dependencies"`
}

// relationType values per the CurseForge API.
const (
	cfRelationEmbedded = 1
	cfRelationOptional = 2
	cfRelationRequired = 3
)

// Search queries /mods/search. Slug search is native; free-text goes
// through searchFilter. Pages are capped at 50 per the API.
func (c *CurseForge) Search(ctx context.Context, opts SearchOptions) ([]Project, error) {
	q := url.Values{}
	q.Set("gameId", strconv.Itoa(curseforgeGameID))
	if opts.MCVersion != "" {
		q.Set("gameVersion", opts.MCVersion)
	}
	if id, ok := curseforgeLoaderIDs[strings.ToLower(opts.Loader)]; ok {
		q.Set("modLoaderType", strconv.Itoa(id))
	}
	if opts.Slug != "" {
		q.Set("slug", opts.Slug)
	} else if opts.Query != "" {
		q.Set("searchFilter", opts.Query)
	}

	limit := opts.Limit
	if limit <= 0 || limit > 50 {
		limit = 50
	}
	q.Set("pageSize", strconv.Itoa(limit))
	q.Set("index", strconv.Itoa(opts.Offset))
	q.Set("sortField", "0")
	q.Set("sortOrder", "desc")

	var resp struct {
		Data []curseforgeMod `json:"data"`
	}
	if err := c.get(ctx, "/mods/search?"+q.Encode(), &resp); err != nil {
		return nil, err
	}

	projects := make([]Project, 0, len(resp.Data))
	for _, mod := range resp.Data {
		projects = append(projects, curseforgeProject(mod))
	}
	return projects, nil
}

// Project fetches /mods/{id}.
func (c *CurseForge) Project(ctx context.Context, id string) (*Project, error) {
	var resp struct {
		Data curseforgeMod `json:"data"`
	}
	if err := c.get(ctx, "/mods/"+url.PathEscape(id), &resp); err != nil {
		return nil, err
	}
	p := curseforgeProject(resp.Data)
	return &p, nil
}

// VersionsFor maps the mod's latestFiles to versions. CurseForge
// tags the loader inside gameVersions ("NeoForge" next to "1.21.1"),
// so both filters read the same list.
func (c *CurseForge) VersionsFor(ctx context.Context, projectID, mcVersion, loader string) ([]Version, error) {
	var resp struct {
		Data curseforgeMod `json:"data"`
	}
	if err := c.get(ctx, "/mods/"+url.PathEscape(projectID), &resp); err != nil {
		return nil, err
	}

	var versions []Version
	for _, f := range resp.Data.LatestFiles {
		if f.DownloadURL == "" {
			continue
		}
		if !fileMatches(f, mcVersion, loader) {
			continue
		}
		v := Version{
			ID:            strconv.FormatInt(f.ID, 10),
			Name:          f.DisplayName,
			VersionNumber: f.DisplayName,
			GameVersions:  f.GameVersions,
			Files: []File{{
				URL:      f.DownloadURL,
				Filename: f.FileName,
				Size:     f.FileLength,
			}},
		}
		for _, d := range f.Dependencies {
			kind := ""
			switch d.RelationType {
			case cfRelationRequired:
				kind = "required"
			case cfRelationOptional:
				kind = "optional"
			case cfRelationEmbedded:
				kind = "embedded"
			default:
				continue
			}
			v.Dependencies = append(v.Dependencies, VersionDependency{
				ProjectID: strconv.FormatInt(d.ModID, 10),
				Kind:      kind,
			})
		}
		versions = append(versions, v)
	}
	return versions, nil
}

func fileMatches(f curseforgeFile, mcVersion, loader string) bool {
	gameOK := mcVersion == ""
	loaderOK := loader == ""
	loaderTagged := false
	for _, gv := range f.GameVersions {
		if gv == mcVersion {
			gameOK = true
		}
		if _, isLoaderTag := curseforgeLoaderIDs[strings.ToLower(gv)]; isLoaderTag {
			loaderTagged = true
			if strings.EqualFold(gv, loader) {
				loaderOK = true
			}
		}
	}
	// Files without any loader tag predate the tagging; let them pass.
	if !loaderTagged {
		loaderOK = true
	}
	return gameOK && loaderOK
}

// Download streams a file to destPath. CurseForge CDN URLs need no
// API key.
func (c *CurseForge) Download(ctx context.Context, file File, destPath string, maxBytes int64) error {
	return downloadFile(ctx, c.httpc, c.limiter, file.URL, destPath, maxBytes)
}

func curseforgeProject(mod curseforgeMod) Project {
	return Project{
		ID:          strconv.FormatInt(mod.ID, 10),
		Slug:        mod.Slug,
		Title:       mod.Name,
		Description: mod.Summary,
		Downloads:   int64(mod.DownloadCount),
		Source:      "curseforge",
	}
}

func (c *CurseForge) get(ctx context.Context, path string, dst any) error {
	if c.key == nil {
		return fmt.Errorf("%w: curseforge has no API key", ErrUnavailable)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return fmt.Errorf("curseforge request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	keyBuf, err := c.key.Open()
	if err != nil {
		return fmt.Errorf("%w: curseforge key unsealed: %v", ErrUnavailable, err)
	}
	// Header maps hold the string past this call, so copy out of the
	// locked pages before destroying them.
	req.Header.Set("x-api-key", string(keyBuf.Bytes()))
	keyBuf.Destroy()

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: curseforge %s: %v", ErrUnavailable, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: curseforge %s", ErrNotFound, path)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("%w: curseforge %s returned %d", ErrUnavailable, path, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("%w: curseforge %s: decode: %v", ErrUnavailable, path, err)
	}
	return nil
}
