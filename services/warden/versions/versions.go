// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package versions matches mod versions against Maven-style range
// expressions.
//
// Mod manifests declare ranges in Maven interval syntax rather than
// npm-style constraints:
//
//	[1.0,2.0)   1.0 <= v < 2.0
//	(,1.5]      v <= 1.5
//	[1.2]       exactly 1.2
//	(1.0,)      v > 1.0
//	1.2         v >= 1.2 (bare version is a soft minimum)
//
// A comma-separated sequence of intervals is a union: the version
// matches if any interval accepts it.
//
// Intervals are translated into github.com/Masterminds/semver/v3
// constraints. Minecraft ecosystem versions are frequently not strict
// semver ("1.21.11-beta+build.4", "21w37a"), so versions that
// Masterminds rejects go through a digit-run fallback: dot-join the
// first three runs of digits, pad with zeros.
//
// Matching is deliberately permissive. A malformed range or an
// unparseable version yields a match rather than blocking a launch;
// the Matcher logs a warning so bad metadata is visible. The Parse and
// ParseVersion functions are the strict entry points for callers that
// need the error.
package versions

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	mm "github.com/Masterminds/semver/v3"
)

var (
	// ErrMalformedRange reports a range expression that could not be
	// translated into constraints.
	ErrMalformedRange = errors.New("malformed version range")

	// ErrUnparseableVersion reports a version string with no digits to
	// anchor a comparison on.
	ErrUnparseableVersion = errors.New("unparseable version")
)

var digitRun = regexp.MustCompile(`\d+`)

// Range is a parsed range expression: a union of interval constraints.
// The zero value matches everything.
type Range struct {
	raw       string
	intervals []*mm.Constraints
}

// Raw returns the original range expression.
func (r *Range) Raw() string { return r.raw }

// Matches reports whether v satisfies any interval of the range.
// An empty range (no intervals) matches everything.
func (r *Range) Matches(v *mm.Version) bool {
	if len(r.intervals) == 0 {
		return true
	}
	for _, c := range r.intervals {
		if c.Check(v) {
			return true
		}
	}
	return false
}

// ParseVersion parses a version string, falling back to digit-run
// normalization when the string is not valid semver.
func ParseVersion(raw string) (*mm.Version, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("versions: %w: empty string", ErrUnparseableVersion)
	}
	if v, err := mm.NewVersion(raw); err == nil {
		return v, nil
	}
	runs := digitRun.FindAllString(raw, 3)
	if len(runs) == 0 {
		return nil, fmt.Errorf("versions: %w: %q", ErrUnparseableVersion, raw)
	}
	for len(runs) < 3 {
		runs = append(runs, "0")
	}
	v, err := mm.NewVersion(strings.Join(runs, "."))
	if err != nil {
		return nil, fmt.Errorf("versions: %w: %q", ErrUnparseableVersion, raw)
	}
	return v, nil
}

// Parse translates a Maven range expression into a Range.
//
// Empty expressions and "*" produce a match-all Range. Errors wrap
// ErrMalformedRange.
func Parse(rangeExpr string) (*Range, error) {
	expr := strings.TrimSpace(rangeExpr)
	if expr == "" || expr == "*" {
		return &Range{raw: rangeExpr}, nil
	}

	tokens, err := splitIntervals(expr)
	if err != nil {
		return nil, fmt.Errorf("versions: parse range %q: %w", rangeExpr, err)
	}

	r := &Range{raw: rangeExpr}
	for _, tok := range tokens {
		c, err := intervalConstraint(tok)
		if err != nil {
			return nil, fmt.Errorf("versions: parse range %q: %w", rangeExpr, err)
		}
		if c != nil {
			r.intervals = append(r.intervals, c)
		}
	}
	return r, nil
}

// splitIntervals tokenizes a range expression at top level: bracketed
// intervals and bare versions, separated by commas.
func splitIntervals(expr string) ([]string, error) {
	var tokens []string
	i := 0
	for i < len(expr) {
		switch expr[i] {
		case ',', ' ':
			i++
		case '[', '(':
			end := strings.IndexAny(expr[i:], "])")
			if end < 0 {
				return nil, fmt.Errorf("%w: unterminated interval", ErrMalformedRange)
			}
			tokens = append(tokens, expr[i:i+end+1])
			i += end + 1
		case ']', ')':
			return nil, fmt.Errorf("%w: unexpected %q", ErrMalformedRange, string(expr[i]))
		default:
			end := strings.IndexAny(expr[i:], ",")
			if end < 0 {
				end = len(expr) - i
			}
			tokens = append(tokens, strings.TrimSpace(expr[i:i+end]))
			i += end
		}
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("%w: no intervals", ErrMalformedRange)
	}
	return tokens, nil
}

// intervalConstraint builds the constraint for a single token: either
// a bracketed interval or a bare version (soft minimum).
func intervalConstraint(tok string) (*mm.Constraints, error) {
	if tok == "" {
		return nil, nil
	}

	if tok[0] != '[' && tok[0] != '(' {
		// Fabric manifests carry npm-style constraints. Anything with
		// an operator goes to Masterminds as-is; a plain version is a
		// Maven soft requirement, "this or newer".
		if strings.ContainsAny(tok, "~^<>=*|") {
			c, err := mm.NewConstraint(tok)
			if err != nil {
				return nil, fmt.Errorf("%w: %q", ErrMalformedRange, tok)
			}
			return c, nil
		}
		v, err := ParseVersion(tok)
		if err != nil {
			return nil, err
		}
		return mm.NewConstraint(">=" + v.String())
	}

	if len(tok) < 2 {
		return nil, fmt.Errorf("%w: %q", ErrMalformedRange, tok)
	}
	lowerInclusive := tok[0] == '['
	upperInclusive := tok[len(tok)-1] == ']'
	inner := tok[1 : len(tok)-1]

	var parts []string
	comma := strings.Index(inner, ",")
	if comma < 0 {
		// Single-element interval: exact pin.
		if !lowerInclusive || !upperInclusive {
			return nil, fmt.Errorf("%w: exclusive exact interval %q", ErrMalformedRange, tok)
		}
		v, err := ParseVersion(inner)
		if err != nil {
			return nil, err
		}
		return mm.NewConstraint("=" + v.String())
	}

	lower := strings.TrimSpace(inner[:comma])
	upper := strings.TrimSpace(inner[comma+1:])
	if lower == "" && upper == "" {
		// [,] accepts everything.
		return nil, nil
	}

	if lower != "" {
		v, err := ParseVersion(lower)
		if err != nil {
			return nil, err
		}
		op := ">"
		if lowerInclusive {
			op = ">="
		}
		parts = append(parts, op+v.String())
	}
	if upper != "" {
		v, err := ParseVersion(upper)
		if err != nil {
			return nil, err
		}
		op := "<"
		if upperInclusive {
			op = "<="
		}
		parts = append(parts, op+v.String())
	}
	return mm.NewConstraint(strings.Join(parts, " "))
}

// Compare orders two version strings, normalizing both. Returns -1,
// 0, or 1. Versions that fail to parse sort before those that parse.
func Compare(a, b string) int {
	va, errA := ParseVersion(a)
	vb, errB := ParseVersion(b)
	switch {
	case errA != nil && errB != nil:
		return strings.Compare(a, b)
	case errA != nil:
		return -1
	case errB != nil:
		return 1
	}
	return va.Compare(vb)
}

// Matcher is the permissive matching front end used by the resolver
// and the manifest index. Malformed input matches and logs.
type Matcher struct {
	log *slog.Logger
}

// NewMatcher returns a Matcher logging through log. A nil log
// disables the warnings.
func NewMatcher(log *slog.Logger) *Matcher {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Matcher{log: log}
}

// Matches reports whether version satisfies rangeExpr. Malformed
// ranges and unparseable versions match permissively; blocking a
// launch over bad metadata punishes the wrong mod.
func (m *Matcher) Matches(version, rangeExpr string) bool {
	r, err := Parse(rangeExpr)
	if err != nil {
		m.log.Warn("permissive match for malformed range",
			"range", rangeExpr, "error", err)
		return true
	}
	if len(r.intervals) == 0 {
		return true
	}
	v, err := ParseVersion(version)
	if err != nil {
		m.log.Warn("permissive match for unparseable version",
			"version", version, "error", err)
		return true
	}
	return r.Matches(v)
}
