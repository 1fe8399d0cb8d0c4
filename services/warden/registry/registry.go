// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package registry talks to the mod registries.
//
// Two registries are supported: Modrinth (primary, no credentials)
// and CurseForge (fallback, needs an API key). Multi wraps both and
// tries them in priority order, skipping any that report unavailable.
//
// All requests flow through one shared rate limiter. Registry outages
// surface as ErrUnavailable; the resolver treats that as "try the
// next registry", never as evidence against a mod.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"golang.org/x/time/rate"
)

var (
	// ErrUnavailable reports a registry that cannot serve requests:
	// network failure, non-2xx status, or missing credentials.
	ErrUnavailable = errors.New("registry unavailable")

	// ErrNotFound reports a project id the registry does not know.
	ErrNotFound = errors.New("project not found")

	// ErrTooLarge reports a download exceeding the size cap.
	ErrTooLarge = errors.New("download exceeds size cap")
)

// HTTPClient allows injecting mock HTTP clients for testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Project is a registry project (one mod).
type Project struct {
	ID          string
	Slug        string
	Title       string
	Description string
	Downloads   int64

	// Source names the registry the project came from.
	Source string
}

// Version is one release of a project.
type Version struct {
	ID            string
	Name          string
	VersionNumber string
	GameVersions  []string
	Loaders       []string
	Files         []File

	// Dependencies lists the ids of projects this version requires or
	// suggests, as declared registry-side.
	Dependencies []VersionDependency
}

// VersionDependency is a registry-side dependency declaration.
type VersionDependency struct {
	ProjectID string
	Kind      string // "required", "optional", "embedded"
}

// File is one downloadable artifact of a version.
type File struct {
	URL      string
	Filename string
	Size     int64
}

// SearchOptions filters a registry search.
type SearchOptions struct {
	// Query is a free-text search. Slug, when set, asks for an exact
	// slug match instead (supported natively by CurseForge, emulated
	// by filtering on Modrinth).
	Query string
	Slug  string

	MCVersion string
	Loader    string

	Limit  int
	Offset int

	// SortByDownloads requests download-ranked results, used by the
	// curator. The default ranking is the registry's relevance order.
	SortByDownloads bool
}

// Registry is one mod registry.
type Registry interface {
	// Name returns the registry identifier ("modrinth", "curseforge").
	Name() string

	// Available reports whether the registry can serve requests at
	// all. A CurseForge client without an API key is unavailable.
	Available() bool

	// Search returns projects matching opts.
	Search(ctx context.Context, opts SearchOptions) ([]Project, error)

	// Project fetches one project by id or slug.
	Project(ctx context.Context, id string) (*Project, error)

	// VersionsFor returns versions of a project compatible with the
	// given Minecraft version and loader, newest first.
	VersionsFor(ctx context.Context, projectID, mcVersion, loader string) ([]Version, error)

	// Download fetches file into destPath, failing with ErrTooLarge
	// when the body exceeds maxBytes.
	Download(ctx context.Context, file File, destPath string, maxBytes int64) error
}

// Multi tries registries in priority order. The first available
// registry that answers wins; errors fall through to the next.
type Multi struct {
	registries []Registry
	log        *slog.Logger
}

// NewMulti returns a Multi over registries in the given priority
// order.
func NewMulti(log *slog.Logger, registries ...Registry) *Multi {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Multi{registries: registries, log: log}
}

// Registries returns the wrapped registries.
func (m *Multi) Registries() []Registry { return m.registries }

// Search queries each available registry in order and returns the
// first non-empty result set.
func (m *Multi) Search(ctx context.Context, opts SearchOptions) ([]Project, error) {
	var lastErr error
	for _, r := range m.registries {
		if !r.Available() {
			continue
		}
		projects, err := r.Search(ctx, opts)
		if err != nil {
			m.log.Warn("registry search failed, trying next",
				"registry", r.Name(), "error", err)
			lastErr = err
			continue
		}
		if len(projects) > 0 {
			return projects, nil
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, nil
}

// Project fetches one project by SourcedID, routing to the matching
// registry, or asking each in order for a bare id.
func (m *Multi) Project(ctx context.Context, sourcedID string) (*Project, error) {
	source, id := SplitSourcedID(sourcedID)
	var lastErr error
	for _, r := range m.registries {
		if !r.Available() {
			continue
		}
		if source != "" && r.Name() != source {
			continue
		}
		p, err := r.Project(ctx, id)
		if err != nil {
			lastErr = err
			continue
		}
		return p, nil
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, sourcedID)
}

// VersionsFor resolves versions from the first registry that knows
// the project. The project id must carry the source prefix returned
// by Search via SourcedID.
func (m *Multi) VersionsFor(ctx context.Context, sourcedID, mcVersion, loader string) ([]Version, error) {
	source, id := SplitSourcedID(sourcedID)
	var lastErr error
	for _, r := range m.registries {
		if !r.Available() {
			continue
		}
		if source != "" && r.Name() != source {
			continue
		}
		versions, err := r.VersionsFor(ctx, id, mcVersion, loader)
		if err != nil {
			lastErr = err
			continue
		}
		if len(versions) > 0 {
			return versions, nil
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, sourcedID)
}

// Download fetches through the registry matching the file's project
// source, or the first available one when source is empty.
func (m *Multi) Download(ctx context.Context, source string, file File, destPath string, maxBytes int64) error {
	var lastErr error
	for _, r := range m.registries {
		if !r.Available() {
			continue
		}
		if source != "" && r.Name() != source {
			continue
		}
		if err := r.Download(ctx, file, destPath, maxBytes); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	if lastErr != nil {
		return lastErr
	}
	return fmt.Errorf("%w: no registry for source %q", ErrUnavailable, source)
}

// SourcedID prefixes a project id with its registry name so Multi can
// route follow-up calls: "modrinth:AANobbMI".
func SourcedID(source, id string) string {
	return source + ":" + id
}

// SplitSourcedID splits a SourcedID. Plain ids return an empty
// source.
func SplitSourcedID(sourcedID string) (source, id string) {
	for i := 0; i < len(sourcedID); i++ {
		if sourcedID[i] == ':' {
			return sourcedID[:i], sourcedID[i+1:]
		}
	}
	return "", sourcedID
}

// downloadFile streams url into destPath through httpc, enforcing
// maxBytes. The partial file is removed on failure.
func downloadFile(ctx context.Context, httpc HTTPClient, limiter *rate.Limiter, url, destPath string, maxBytes int64) error {
	if err := limiter.Wait(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("download request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: download %s: %v", ErrUnavailable, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: download %s returned %d", ErrUnavailable, url, resp.StatusCode)
	}
	if maxBytes > 0 && resp.ContentLength > maxBytes {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, resp.ContentLength)
	}

	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("download create: %w", err)
	}

	var reader io.Reader = resp.Body
	if maxBytes > 0 {
		reader = io.LimitReader(resp.Body, maxBytes+1)
	}
	n, err := io.Copy(out, reader)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err == nil && maxBytes > 0 && n > maxBytes {
		err = fmt.Errorf("%w: over %d bytes", ErrTooLarge, maxBytes)
	}
	if err != nil {
		os.Remove(destPath)
		return err
	}
	return nil
}
