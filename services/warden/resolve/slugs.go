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
	"strings"
	"unicode"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/AleutianAI/ModWarden/services/warden/registry"
)

// Registry slugs are human-chosen and frequently diverge from the
// terse mod id in a manifest ("supermartijn642corelib" vs slug
// "supermartijn642s-core-lib"). SlugCandidates generates lookup
// variants in decreasing confidence: the literal id, separator
// normalization, boundary splits, then dictionary segmentation.
func SlugCandidates(id string) []string {
	raw := strings.TrimSpace(id)
	if raw == "" {
		return nil
	}
	lower := strings.ToLower(raw)

	candidates := []string{lower}
	add := func(c string) {
		if c == "" {
			return
		}
		for _, seen := range candidates {
			if seen == c {
				return
			}
		}
		candidates = append(candidates, c)
	}

	add(strings.ReplaceAll(lower, "_", "-"))
	// Boundary splitting needs the original casing; ids are usually
	// all-lowercase but display-derived ones keep their camelCase.
	add(boundarySplit(raw))
	add(dictionarySplit(lower))
	return candidates
}

// boundarySplit inserts hyphens at camelCase and letter/digit
// boundaries. Returns "" when no boundary exists.
func boundarySplit(id string) string {
	runes := []rune(id)
	var b strings.Builder
	for i, r := range runes {
		if i > 0 {
			prev := runes[i-1]
			boundary := (unicode.IsUpper(r) && unicode.IsLower(prev)) ||
				(unicode.IsDigit(r) && unicode.IsLetter(prev)) ||
				(unicode.IsLetter(r) && unicode.IsDigit(prev))
			if boundary && prev != '-' && prev != '_' {
				b.WriteByte('-')
			}
		}
		if r == '_' {
			r = '-'
		}
		b.WriteRune(unicode.ToLower(r))
	}
	out := b.String()
	if out == strings.ToLower(id) {
		return ""
	}
	return out
}

// dictionarySplit segments a concatenated id against commonWords,
// consuming the most-frequent matching prefix at each position.
// Characters covered by no vocabulary word stay together as their
// own token. Returns "" unless at least two tokens emerge.
func dictionarySplit(id string) string {
	rest := normalizeName(id)
	var parts []string
	var pending strings.Builder

	flush := func() {
		if pending.Len() > 0 {
			parts = append(parts, pending.String())
			pending.Reset()
		}
	}

	for len(rest) > 0 {
		word := matchWord(rest)
		if word == "" {
			pending.WriteByte(rest[0])
			rest = rest[1:]
			continue
		}
		flush()
		parts = append(parts, word)
		rest = rest[len(word):]
	}
	flush()

	if len(parts) < 2 {
		return ""
	}
	return strings.Join(parts, "-")
}

func matchWord(s string) string {
	for _, w := range commonWords {
		if strings.HasPrefix(s, w) {
			return w
		}
	}
	return ""
}

// Fuzzy thresholds. Short names need a stricter match or common
// three-letter tokens pull in unrelated projects.
const (
	fuzzyThreshold      = 0.72
	fuzzyThresholdShort = 0.85
	shortNameLen        = 6
)

// BestMatch scores search hits against the wanted id. An exact
// normalized slug or title match wins outright, substring containment
// outranks any similarity score, and the fuzzy ratio is the last
// resort. Returns nil when nothing clears the threshold.
func BestMatch(id string, projects []registry.Project) *registry.Project {
	want := normalizeName(id)
	if want == "" {
		return nil
	}
	threshold := fuzzyThreshold
	if len(want) < shortNameLen {
		threshold = fuzzyThresholdShort
	}

	var best *registry.Project
	var bestScore float64
	for i := range projects {
		p := &projects[i]
		slug := normalizeName(p.Slug)
		title := normalizeName(p.Title)
		if want == slug || want == title {
			return p
		}

		score := 0.0
		if contains(slug, want) || contains(title, want) {
			// Containment candidates rank above fuzzy ones; the
			// ratio only orders containments among themselves.
			score = 1 + max(similarity(want, slug), similarity(want, title))
		} else {
			ratio := max(similarity(want, slug), similarity(want, title))
			if ratio >= threshold {
				score = ratio
			}
		}
		if score > bestScore {
			bestScore = score
			best = p
		}
	}
	return best
}

func contains(haystack, needle string) bool {
	if haystack == "" || needle == "" {
		return false
	}
	return strings.Contains(haystack, needle) || strings.Contains(needle, haystack)
}

// normalizeName lowercases and strips everything but letters and
// digits so "Fabric API", "fabric-api" and "fabric_api" compare
// equal.
func normalizeName(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToLower(r)
		}
		return -1
	}, s)
}

// similarity is the difflib sequence ratio over characters, in
// [0, 1].
func similarity(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	m := difflib.NewMatcher(strings.Split(a, ""), strings.Split(b, ""))
	return m.Ratio()
}
