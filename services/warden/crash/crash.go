// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package crash turns a server log tail into a structured diagnosis.
// Patterns run in a strict order and the first hit wins: misordering
// them misclassifies, e.g. a client-only mod's NoClassDefFoundError
// also looks like a generic mod error.
package crash

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Type labels a crash diagnosis.
type Type string

const (
	TypeCorruptMod        Type = "corrupt_mod"
	TypeClientOnlyMod     Type = "client_only_mod"
	TypeMissingDependency Type = "missing_dependency"
	TypeBenignMixin       Type = "benign_mixin"
	TypeModConflict       Type = "mod_conflict"
	TypeModError          Type = "mod_error"
	TypeVersionMismatch   Type = "version_mismatch"
	TypeUnknown           Type = "unknown"
)

// Diagnosis is the classifier verdict for one crash.
type Diagnosis struct {
	Type Type `json:"type"`

	// Culprit is the mod id most likely responsible, empty when the
	// log names none.
	Culprit  string   `json:"culprit,omitempty"`
	Culprits []string `json:"culprits,omitempty"`

	// Dependency is the missing id for TypeMissingDependency.
	Dependency string `json:"dependency,omitempty"`

	// ConflictKind refines TypeModConflict: "duplicate", "registry",
	// "mixin_fail", "mixin_error", "incompatible", "conflict".
	ConflictKind string `json:"conflict_kind,omitempty"`

	// BadFile names the culprit archive when the log exposes it.
	BadFile  string   `json:"bad_file,omitempty"`
	BadFiles []string `json:"bad_files,omitempty"`

	Message string `json:"message"`
}

const (
	crashReportMarker = "---- minecraft crash report ----"
	relevantLogMax    = 2000
	messageMax        = 1000

	fmlBlockBefore = 200
	fmlBlockAfter  = 1000
)

// fmlMarkers are probed in order; the first present wins even when a
// later one appears earlier in the log.
var fmlMarkers = []string{
	"net.neoforged.fml.modloadingexception",
	"loadingexceptionmodcrash",
	"fml detected errors during loading",
}

const modID = `[\w.\-]+`

// Classify diagnoses the crash described by logText, normally the
// slice of live.log written since the last launch plus the newest
// crash report.
func Classify(logText string) Diagnosis {
	lower := strings.ToLower(logText)
	msg := truncate(RelevantLog(logText), messageMax)

	if d, ok := classifyCorruptJar(lower); ok {
		return d
	}
	if d, ok := classifyMixinClientCrash(lower); ok {
		return d
	}
	if d, ok := classifyClientClasses(lower); ok {
		return d
	}
	if d, ok := classifyMissingDependency(lower, msg); ok {
		return d
	}
	if d, ok := classifyBenignMixin(lower); ok {
		return d
	}
	if d, ok := classifyConflict(lower, msg); ok {
		return d
	}
	if d, ok := classifyModError(lower, msg); ok {
		return d
	}
	if d, ok := classifyStackNamespace(lower, msg); ok {
		return d
	}
	if d, ok := classifyGenericLoader(lower, msg); ok {
		return d
	}
	if d, ok := classifyVersionMismatch(lower, msg); ok {
		return d
	}
	return Diagnosis{Type: TypeUnknown, Message: msg}
}

// RelevantLog extracts the most diagnostic slice of logText: the FML
// error block when a marker is present, otherwise the crash report
// section, otherwise the head of the log, capped at 2000 characters.
func RelevantLog(logText string) string {
	lower := strings.ToLower(logText)
	for _, marker := range fmlMarkers {
		idx := strings.Index(lower, marker)
		if idx < 0 {
			continue
		}
		start := max(0, idx-fmlBlockBefore)
		end := min(len(logText), idx+fmlBlockAfter)
		return logText[start:end]
	}
	section := logText
	if idx := strings.Index(lower, crashReportMarker); idx >= 0 {
		section = logText[idx:]
	}
	return truncate(section, relevantLogMax)
}

// ReadNewestReport returns the contents of the most recently modified
// crash report under dir, or "" when none exists.
func ReadNewestReport(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	var newest string
	var newestMod int64
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".txt") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if mod := info.ModTime().UnixNano(); newest == "" || mod > newestMod {
			newest = e.Name()
			newestMod = mod
		}
	}
	if newest == "" {
		return "", nil
	}
	data, err := os.ReadFile(filepath.Join(dir, newest))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// === Individual pattern steps ===

var corruptJarRe = regexp.MustCompile(`file\s+mods/(\S+\.jar)\s+is\s+not\s+a\s+jar\s+file`)

func classifyCorruptJar(lower string) (Diagnosis, bool) {
	m := corruptJarRe.FindStringSubmatch(lower)
	if m == nil {
		return Diagnosis{}, false
	}
	badFile := m[1]
	culprit := slugFromFilename(badFile)
	if culprit == "" {
		culprit = badFile
	}
	return Diagnosis{
		Type:     TypeCorruptMod,
		Culprit:  culprit,
		Culprits: []string{culprit},
		BadFile:  badFile,
		BadFiles: []string{badFile},
		Message: fmt.Sprintf(
			"file mods/%s is not a valid jar, likely a corrupt download or an HTML error page",
			badFile),
	}, true
}

var (
	mixinTransformerRe   = regexp.MustCompile(`mixintransformererror|mixinpreprocessorexception.*from\s+mod\s+` + modID)
	errorLoadingClientRe = regexp.MustCompile(`error\s+loading\s+class:.*client`)
	fromModRe            = regexp.MustCompile(`from\s+mod\s+(` + modID + `)`)
)

func classifyMixinClientCrash(lower string) (Diagnosis, bool) {
	hit := mixinTransformerRe.MatchString(lower) ||
		(errorLoadingClientRe.MatchString(lower) && fromModRe.MatchString(lower))
	if !hit {
		return Diagnosis{}, false
	}
	d := Diagnosis{Type: TypeClientOnlyMod}
	if m := fromModRe.FindStringSubmatch(lower); m != nil {
		d.Culprit = m[1]
		d.Culprits = []string{m[1]}
		d.BadFile = jarForMod(lower, m[1])
		if d.BadFile != "" {
			d.BadFiles = []string{d.BadFile}
		}
	}
	name := d.Culprit
	if name == "" {
		name = "unknown"
	}
	d.Message = "client-only mod mixin crash: " + name
	return d, true
}

var clientClassRes = []*regexp.Regexp{
	regexp.MustCompile(`noclassdeffounderror:\s+net/minecraft/client/`),
	regexp.MustCompile(`classnotfoundexception:\s+net\.minecraft\.client\.`),
	regexp.MustCompile(`noclassdeffounderror:\s+com/mojang/blaze3d/`),
	regexp.MustCompile(`classnotfoundexception:\s+com\.mojang\.blaze3d\.`),
}

var clientCulpritRes = []*regexp.Regexp{
	regexp.MustCompile(`failed\s+to\s+create\s+mod\s+instance\.\s*modid:\s*(` + modID + `)`),
	regexp.MustCompile(`modid:\s*(` + modID + `)[^\n]*noclassdeffounderror`),
	regexp.MustCompile(`\[(` + modID + `)\][^\n]*failed`),
}

var modFileRe = regexp.MustCompile(`mod\s+file:\s+\S*mods/(\S+\.jar)`)

func classifyClientClasses(lower string) (Diagnosis, bool) {
	found := false
	for _, re := range clientClassRes {
		if re.MatchString(lower) {
			found = true
			break
		}
	}
	if !found {
		return Diagnosis{}, false
	}

	var culprits []string
	seen := make(map[string]bool)
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			culprits = append(culprits, id)
		}
	}
	for _, re := range clientCulpritRes {
		for _, m := range re.FindAllStringSubmatch(lower, -1) {
			add(m[1])
		}
	}
	for _, m := range modFileRe.FindAllStringSubmatch(lower, -1) {
		add(slugFromFilename(m[1]))
	}
	for _, m := range fromModRe.FindAllStringSubmatch(lower, -1) {
		add(m[1])
	}
	if len(culprits) == 0 {
		return Diagnosis{}, false
	}

	var badFiles []string
	for _, c := range culprits {
		if jar := jarForMod(lower, c); jar != "" {
			badFiles = append(badFiles, jar)
		}
	}
	d := Diagnosis{
		Type:     TypeClientOnlyMod,
		Culprit:  culprits[0],
		Culprits: culprits,
		BadFiles: badFiles,
		Message: fmt.Sprintf(
			"client-only mod crash: %s reference client classes not present on a dedicated server",
			strings.Join(culprits, ", ")),
	}
	if len(badFiles) > 0 {
		d.BadFile = badFiles[0]
	}
	return d, true
}

// missingDepRes pairs each pattern with the submatch index of the
// dependant (0 = not captured) and of the missing dependency.
var missingDepRes = []struct {
	re      *regexp.Regexp
	culprit int
	dep     int
}{
	{regexp.MustCompile(`failure\s+message:\s+mod\s+(` + modID + `)\s+requires?\s+(` + modID + `)`), 1, 2},
	{regexp.MustCompile(`mod\s+(` + modID + `)\s+requires?\s+(` + modID + `)`), 1, 2},
	{regexp.MustCompile(`missing\s+(?:or\s+unsupported\s+)?(?:mandatory\s+)?dependenc(?:y|ies)[:\s]+(` + modID + `)`), 0, 1},
	{regexp.MustCompile(`could\s+not\s+find\s+(?:required\s+mod[:\s]+)?(` + modID + `)`), 0, 1},
	{regexp.MustCompile(`missing\s+dependency[:\s]+(` + modID + `)`), 0, 1},
	{regexp.MustCompile(`mod\s+file\s+\S+\s+needs\s+(` + modID + `)`), 0, 1},
}

func classifyMissingDependency(lower, msg string) (Diagnosis, bool) {
	for _, p := range missingDepRes {
		m := p.re.FindStringSubmatch(lower)
		if m == nil {
			continue
		}
		d := Diagnosis{
			Type:       TypeMissingDependency,
			Dependency: m[p.dep],
			Message:    msg,
		}
		if p.culprit > 0 {
			d.Culprit = m[p.culprit]
			d.Culprits = []string{d.Culprit}
		}
		return d, true
	}
	return Diagnosis{}, false
}

var benignMixinRe = regexp.MustCompile(
	`overwrite\s+conflict\s+for\s+(\S+)\s+in\s+(\S+)\s+from\s+(?:mod\s+)?(` + modID + `)[\s,].*?` +
		`previously\s+(?:written|defined)\s+by\s+(.+?)\.?\s+skipping\s+method`)

func classifyBenignMixin(lower string) (Diagnosis, bool) {
	m := benignMixinRe.FindStringSubmatch(lower)
	if m == nil {
		return Diagnosis{}, false
	}
	method, mixinClass := m[1], m[2]
	mod1 := m[3]
	mod2 := modIDFromMixinPath(m[4])
	d := Diagnosis{
		Type: TypeBenignMixin,
		Message: fmt.Sprintf(
			"mixin overwrite handled: %s and %s both target %s in %s; one mixin was skipped, the server keeps running",
			mod1, mod2, method, mixinClass),
	}
	if mod1 != "" && mod2 != "" {
		d.Culprits = []string{mod1, mod2}
	}
	return d, true
}

var conflictRes = []struct {
	re   *regexp.Regexp
	kind string
}{
	{regexp.MustCompile(`duplicatemodsfoundexception.*?(\S+\.jar).*?(\S+\.jar)`), "duplicate"},
	{regexp.MustCompile(`duplicate\s+(?:registry\s+)?(?:key|entry|id)[:\s]+(` + modID + `[:/]` + modID + `)`), "registry"},
	{regexp.MustCompile(`(` + modID + `[:/]` + modID + `)\s+is\s+already\s+registered`), "registry"},
	{regexp.MustCompile(`mixin\s+apply\s+for\s+mod\s+(` + modID + `)\s+failed`), "mixin_fail"},
	{regexp.MustCompile(`mixinapplyerror.*?mod[:\s]+(` + modID + `)`), "mixin_fail"},
	{regexp.MustCompile(`mixintransformererror.*?from\s+mod\s+(` + modID + `)`), "mixin_error"},
	{regexp.MustCompile(`incompatible\s+mods?\s+(?:set|found|detected)`), "incompatible"},
	{regexp.MustCompile(`(` + modID + `)\s+conflicts?\s+with\s+(` + modID + `)`), "conflict"},
}

func classifyConflict(lower, msg string) (Diagnosis, bool) {
	for _, p := range conflictRes {
		m := p.re.FindStringSubmatch(lower)
		if m == nil {
			continue
		}
		var culprits []string
		for _, g := range m[1:] {
			if g != "" {
				culprits = append(culprits, g)
			}
		}
		if p.kind == "registry" && len(culprits) > 0 {
			culprits = []string{registryNamespace(culprits[0])}
		}
		if p.kind == "mixin_fail" || p.kind == "mixin_error" {
			for i, c := range culprits {
				culprits[i] = modIDFromMixinPath(c)
			}
		}
		d := Diagnosis{
			Type:         TypeModConflict,
			ConflictKind: p.kind,
			Culprits:     culprits,
			Message:      msg,
		}
		if len(culprits) > 0 {
			d.Culprit = culprits[len(culprits)-1]
		}
		return d, true
	}
	return Diagnosis{}, false
}

var modErrorRes = []*regexp.Regexp{
	regexp.MustCompile(`error\s+loading\s+mod[:\s]+(` + modID + `)`),
	regexp.MustCompile(`mod\s+(` + modID + `)\s+has\s+crashed`),
	regexp.MustCompile(`exception\s+.*?mod[:\s]+(` + modID + `)`),
	regexp.MustCompile(`caused\s+by\s+mod[:\s]+(` + modID + `)`),
	regexp.MustCompile(`modloadingexception.*?(` + modID + `)`),
	regexp.MustCompile(`mod\s+\S+\s+\((` + modID + `)\)\s+encountered\s+an?\s+error`),
}

// genericCulprits are framework ids that are never the real problem.
var genericCulprits = map[string]bool{
	"minecraft": true, "neoforge": true, "fml": true,
	"forge": true, "java": true, "net": true,
}

func classifyModError(lower, msg string) (Diagnosis, bool) {
	for _, re := range modErrorRes {
		m := re.FindStringSubmatch(lower)
		if m == nil || genericCulprits[m[1]] {
			continue
		}
		return Diagnosis{
			Type:     TypeModError,
			Culprit:  m[1],
			Culprits: []string{m[1]},
			Message:  msg,
		}, true
	}
	return Diagnosis{}, false
}

var stackFrameRe = regexp.MustCompile(`at\s+(?:com|net|dev|io|org)\.(\w+)\.(\w+)\.`)

// frameworkNamespaces never identify a mod in a stack trace.
var frameworkNamespaces = map[string]bool{
	"mojang": true, "minecraft": true, "neoforged": true, "neoforge": true,
	"cpw": true, "fml": true, "google": true, "gson": true, "apache": true,
	"netty": true, "oshi": true, "slf4j": true, "log4j": true, "java": true,
	"sun": true, "jdk": true, "spongepowered": true, "mixin": true,
}

func classifyStackNamespace(lower, msg string) (Diagnosis, bool) {
	if !strings.Contains(lower, "exception") &&
		!strings.Contains(lower, "error") &&
		!strings.Contains(lower, "crash") {
		return Diagnosis{}, false
	}
	for _, m := range stackFrameRe.FindAllStringSubmatch(lower, -1) {
		ns, pkg := m[1], m[2]
		// The second segment screens partially-qualified framework
		// frames like net.minecraftforge.fml.
		if frameworkNamespaces[ns] || frameworkNamespaces[pkg] {
			continue
		}
		return Diagnosis{
			Type:     TypeModError,
			Culprit:  ns,
			Culprits: []string{ns},
			Message:  msg,
		}, true
	}
	return Diagnosis{}, false
}

func classifyGenericLoader(lower, msg string) (Diagnosis, bool) {
	loaderHit := strings.Contains(lower, "fml") ||
		strings.Contains(lower, "neoforge") ||
		strings.Contains(lower, "modloading")
	if !loaderHit || !strings.Contains(lower, "error") {
		return Diagnosis{}, false
	}
	return Diagnosis{Type: TypeModError, Message: msg}, true
}

func classifyVersionMismatch(lower, msg string) (Diagnosis, bool) {
	if !strings.Contains(lower, "version") {
		return Diagnosis{}, false
	}
	if !strings.Contains(lower, "mismatch") && !strings.Contains(lower, "incompatible") {
		return Diagnosis{}, false
	}
	return Diagnosis{Type: TypeVersionMismatch, Message: msg}, true
}

// === Shared extraction helpers ===

var trailingVersionRe = regexp.MustCompile(`[-_]?\d.*$`)

// slugFromFilename strips the extension and the version tail:
// "farming-for-blockheads-7463289.jar" becomes
// "farming-for-blockheads".
func slugFromFilename(name string) string {
	name = strings.TrimSuffix(name, ".jar")
	return strings.ToLower(trailingVersionRe.ReplaceAllString(name, ""))
}

// jarForMod finds the mods/ archive whose filename contains the mod
// id, or "".
func jarForMod(lower, id string) string {
	re, err := regexp.Compile(`mods/([^\s/]*` + regexp.QuoteMeta(id) + `[^\s/]*\.jar)`)
	if err != nil {
		return ""
	}
	if m := re.FindStringSubmatch(lower); m != nil {
		return m[1]
	}
	return ""
}

// mixinPathSkipWords are structural package segments that never name
// the owning mod.
var mixinPathSkipWords = map[string]bool{
	"mixin": true, "mixins": true, "common": true, "client": true,
	"server": true, "api": true, "impl": true, "core": true,
	"internal": true, "util": true, "handler": true, "access": true,
	"wrapper": true, "hook": true, "patch": true, "transform": true,
	"chunk": true, "world": true, "entity": true, "block": true,
	"item": true, "screen": true, "container": true, "packet": true,
	"network": true, "data": true, "config": true,
}

var domainPrefixes = map[string]bool{
	"dev": true, "com": true, "org": true, "net": true,
	"io": true, "me": true, "xyz": true,
}

// modIDFromMixinPath guesses the owning mod id from a mixin class
// path like "com.someauthor.somemod.mixin.MixinChunk". The segment
// just before the mixin package usually names the mod.
func modIDFromMixinPath(pathOrID string) string {
	s := strings.ToLower(strings.TrimSpace(pathOrID))
	if s == "" {
		return ""
	}
	if !strings.Contains(s, ".") {
		return s
	}
	parts := strings.Split(s, ".")

	mixinIdx := -1
	for i, part := range parts {
		if strings.Contains(part, "mixin") {
			mixinIdx = i
			break
		}
	}
	if mixinIdx > 0 {
		for i := mixinIdx - 1; i >= 0; i-- {
			part := parts[i]
			if mixinPathSkipWords[part] || domainPrefixes[part] {
				continue
			}
			if len(part) >= 3 {
				return part
			}
		}
	}
	for i := len(parts) - 1; i >= 0; i-- {
		part := parts[i]
		if mixinPathSkipWords[part] {
			continue
		}
		if len(part) >= 3 && !strings.HasPrefix(part, "class") && !strings.HasPrefix(part, "mixin") {
			return part
		}
	}
	return parts[len(parts)-1]
}

func registryNamespace(key string) string {
	if i := strings.IndexAny(key, ":/"); i >= 0 {
		return key[:i]
	}
	return key
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
