// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation guards the boundaries where untrusted input
// reaches the filesystem or an external API.
//
// Mod IDs come out of jar manifests nobody vetted, and download
// filenames come out of registry responses. Both end up in URLs and
// file paths, so they get validated before use to prevent path
// traversal and request smuggling.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// modIDPattern matches mod identifiers as the loader ecosystems define
// them: lowercase alphanumeric plus underscore, hyphen, and dot, up to
// 64 characters, starting with a letter or digit. Covers Forge/NeoForge
// modids and Fabric/Quilt mod ids alike.
var modIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_.\-]{0,63}$`)

// ModID validates a mod identifier before it is interpolated into a
// registry query or used as a map key shared with the dashboard.
func ModID(id string) error {
	if id == "" {
		return fmt.Errorf("mod id cannot be empty")
	}
	if !modIDPattern.MatchString(id) {
		return fmt.Errorf("invalid mod id %q (must be 1-64 lowercase alphanumeric chars, underscores, dots, or hyphens)", id)
	}
	return nil
}

// SanitizeModID normalizes and validates a mod identifier. Manifests
// are inconsistent about case and padding; everything downstream works
// on the sanitized form.
func SanitizeModID(id string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(id))
	if err := ModID(normalized); err != nil {
		return "", err
	}
	return normalized, nil
}

// ArchiveName validates a mod archive filename that is about to be
// joined into a directory path. Registry responses and HTTP request
// parameters both land here; a name that could escape the directory or
// smuggle a non-jar payload is rejected.
func ArchiveName(name string) error {
	if name == "" {
		return fmt.Errorf("archive name cannot be empty")
	}
	if len(name) > 255 {
		return fmt.Errorf("archive name too long: %d chars", len(name))
	}
	if strings.ContainsAny(name, "/\\") || strings.Contains(name, "..") {
		return fmt.Errorf("archive name %q may not contain path separators", name)
	}
	if strings.HasPrefix(name, ".") {
		return fmt.Errorf("archive name %q may not start with a dot", name)
	}
	if !strings.HasSuffix(strings.ToLower(name), ".jar") {
		return fmt.Errorf("archive name %q must end in .jar", name)
	}
	return nil
}
