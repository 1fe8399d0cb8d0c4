// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dashboard

import (
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/ModWarden/services/warden/launch"
	"github.com/AleutianAI/ModWarden/services/warden/modindex"
	"github.com/AleutianAI/ModWarden/services/warden/rcon"
	"github.com/AleutianAI/ModWarden/services/warden/supervise"
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "modwarden"})
}

func (s *Server) handleStatus(c *gin.Context) {
	st := s.status.Status()
	resp := gin.H{
		"state":          st.State,
		"restart_count":  st.RestartCount,
		"session_alive":  st.SessionAlive,
		"uptime_seconds": int(time.Since(s.started).Seconds()),
	}
	if !st.LaunchedAt.IsZero() {
		resp["launched_at"] = st.LaunchedAt
	}
	if st.LastDiagnosis != nil {
		resp["last_diagnosis"] = st.LastDiagnosis
	}
	if st.LastHeal != nil {
		resp["last_heal"] = st.LastHeal
	}
	if s.console != nil && st.SessionAlive && s.console.Available(c.Request.Context()) {
		if out, err := s.console.Run(c.Request.Context(), "list"); err == nil {
			resp["players"] = rcon.ParsePlayerCount(out)
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleConfigGet(c *gin.Context) {
	if s.config == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "config view not wired"})
		return
	}
	c.JSON(http.StatusOK, s.config.Get())
}

func (s *Server) handleConfigSet(c *gin.Context) {
	if s.config == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "config view not wired"})
		return
	}
	var updates map[string]string
	if err := c.ShouldBindJSON(&updates); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "expected a string map: " + err.Error()})
		return
	}
	if err := s.config.Set(updates); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": len(updates)})
}

func (s *Server) handleJava(c *gin.Context) {
	if s.scanner == nil || s.cfg.JavaMajor == 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "java scan not wired"})
		return
	}
	report, err := s.scanner.Scan(s.cfg.ModsDir, s.cfg.JavaMajor)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) handleEvents(c *gin.Context) {
	limit := intQuery(c, "limit", 100)
	c.JSON(http.StatusOK, gin.H{
		"events":  s.timeline.Recent(limit),
		"dropped": s.timeline.Dropped(),
	})
}

func (s *Server) handleLogs(c *gin.Context) {
	lines := intQuery(c, "lines", 200)
	data, err := os.ReadFile(s.cfg.LogPath)
	if err != nil {
		if os.IsNotExist(err) {
			c.JSON(http.StatusOK, gin.H{"lines": []string{}})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	all := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(all) > lines {
		all = all[len(all)-lines:]
	}
	c.JSON(http.StatusOK, gin.H{"lines": all})
}

// modEntry is one row of the mod listing.
type modEntry struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
	File        string `json:"file"`
	Side        string `json:"side"`
	Location    string `json:"location"` // mods | clientonly | quarantine
	SizeBytes   int64  `json:"size_bytes"`
	Embedded    bool   `json:"embedded,omitempty"`
}

func (s *Server) handleModsList(c *gin.Context) {
	idx, err := s.buildIndex()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	var mods []modEntry
	for _, id := range idx.IDs() {
		loc, ok := idx.Canonical(id)
		if !ok {
			continue
		}
		entry := modEntry{
			ID:       id,
			File:     filepath.Base(loc.Path),
			Side:     "both",
			Location: s.locationLabel(loc),
			Embedded: loc.Embedded,
		}
		if m := loc.Manifest; m != nil {
			entry.DisplayName = m.DisplayName
			if m.Side != "" && m.Side != "unknown" {
				entry.Side = string(m.Side)
			}
		}
		if fi, err := os.Stat(loc.Path); err == nil {
			entry.SizeBytes = fi.Size()
		}
		mods = append(mods, entry)
	}
	sort.Slice(mods, func(i, j int) bool { return mods[i].ID < mods[j].ID })
	c.JSON(http.StatusOK, gin.H{"mods": mods, "count": len(mods)})
}

func (s *Server) handleModDelete(c *gin.Context) {
	name := filepath.Base(c.Param("name"))
	var removed string
	err := s.status.WithModLock(func() error {
		path, ok := s.findArchive(name)
		if !ok {
			return os.ErrNotExist
		}
		removed = path
		return os.Remove(path)
	})
	if err != nil {
		status := http.StatusInternalServerError
		if os.IsNotExist(err) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error(), "file": name})
		return
	}
	s.log.Info("mod deleted via dashboard", "file", removed)
	c.JSON(http.StatusOK, gin.H{"deleted": name})
}

func (s *Server) handleModQuarantine(c *gin.Context) {
	name := filepath.Base(c.Param("name"))
	var body struct {
		Reason string `json:"reason"`
	}
	c.ShouldBindJSON(&body) // an empty body is fine
	if body.Reason == "" {
		body.Reason = "quarantined by operator via dashboard"
	}

	err := s.status.WithModLock(func() error {
		path, ok := s.findArchive(name)
		if !ok {
			return os.ErrNotExist
		}
		modID, display := s.identify(path)
		return s.store.Quarantine(path, modID, display, body.Reason)
	})
	if err != nil {
		status := http.StatusInternalServerError
		if os.IsNotExist(err) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error(), "file": name})
		return
	}
	c.JSON(http.StatusOK, gin.H{"quarantined": name, "reason": body.Reason})
}

func (s *Server) handleModRestore(c *gin.Context) {
	name := filepath.Base(c.Param("name"))
	err := s.status.WithModLock(func() error {
		return s.store.Restore(name, s.cfg.ModsDir)
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "file": name})
		return
	}
	c.JSON(http.StatusOK, gin.H{"restored": name})
}

func (s *Server) handleQuarantineList(c *gin.Context) {
	entries, err := s.store.List()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	type row struct {
		Archive     string    `json:"archive"`
		Reason      string    `json:"reason,omitempty"`
		ModID       string    `json:"mod_id,omitempty"`
		DisplayName string    `json:"display_name,omitempty"`
		At          time.Time `json:"at,omitempty"`
	}
	rows := make([]row, 0, len(entries))
	for _, e := range entries {
		r := row{Archive: e.Archive}
		if e.Record != nil {
			r.Reason = e.Record.Reason
			r.ModID = e.Record.ModID
			r.DisplayName = e.Record.DisplayName
			r.At = e.Record.Timestamp
		}
		rows = append(rows, r)
	}
	c.JSON(http.StatusOK, gin.H{"quarantine": rows, "count": len(rows)})
}

// Server lifecycle endpoints speak the marker protocol, never process
// signals: the supervisor loop picks markers up on its next poll.

func (s *Server) handleServerStart(c *gin.Context) {
	if err := s.markers.Clear(supervise.MarkerStop); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"action": "start", "detail": "stop marker cleared"})
}

func (s *Server) handleServerStop(c *gin.Context) {
	if err := s.markers.Write(supervise.MarkerStop); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"action": "stop", "detail": "stop marker written"})
}

func (s *Server) handleServerRestart(c *gin.Context) {
	if err := s.markers.Write(supervise.MarkerRestart); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"action": "restart", "detail": "restart marker written"})
}

func (s *Server) handleServerReset(c *gin.Context) {
	if err := s.markers.Write(supervise.MarkerReset); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"action": "reset", "detail": "restart counter reset requested"})
}

func (s *Server) handleBackupNow(c *gin.Context) {
	if s.backup == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "backups not wired"})
		return
	}
	res, err := s.backup.BackupNow(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": res.Name, "files": res.Files, "bytes": res.Bytes})
}

func (s *Server) handleBackupList(c *gin.Context) {
	if s.backup == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "backups not wired"})
		return
	}
	infos, err := s.backup.List()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"backups": infos})
}

// Download endpoints serve the client pack: players on the LAN run the
// install script, which pulls mods_latest.zip from here.

func (s *Server) handleDownloadPack(c *gin.Context) {
	var info launch.PackInfo
	err := s.status.WithModLock(func() error {
		var berr error
		info, berr = launch.BuildModPack(s.cfg.ModsDir, s.cfg.ClientonlyDir, s.log)
		return berr
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.FileAttachment(info.Path, "mods_latest.zip")
}

func (s *Server) handleDownloadManifest(c *gin.Context) {
	idx, err := s.buildIndex()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	files := make([]string, 0)
	seen := map[string]bool{}
	for _, id := range idx.IDs() {
		loc, ok := idx.Canonical(id)
		if !ok || loc.Quarantined || loc.Embedded {
			continue
		}
		name := filepath.Base(loc.Path)
		if !seen[name] {
			seen[name] = true
			files = append(files, name)
		}
	}
	sort.Strings(files)
	c.JSON(http.StatusOK, gin.H{"files": files})
}

func (s *Server) handleDownloadFile(c *gin.Context) {
	name := filepath.Base(c.Param("file"))
	if !strings.HasSuffix(name, ".jar") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "only mod archives are served"})
		return
	}
	path, ok := s.findArchive(name)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such mod", "file": name})
		return
	}
	c.FileAttachment(path, name)
}

// === helpers ===

func (s *Server) buildIndex() (*modindex.Index, error) {
	qdir := ""
	if s.store != nil {
		qdir = s.store.Dir()
	}
	return s.builder.Build(s.cfg.ModsDir, s.cfg.ClientonlyDir, qdir)
}

// findArchive resolves a bare filename against the mods and clientonly
// trees, in that order.
func (s *Server) findArchive(name string) (string, bool) {
	for _, dir := range []string{s.cfg.ModsDir, s.cfg.ClientonlyDir} {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path, true
		}
	}
	return "", false
}

// identify pulls the mod id and display name out of the index for a
// quarantine sidecar. Falls back to the filename.
func (s *Server) identify(path string) (id, display string) {
	base := filepath.Base(path)
	idx, err := s.buildIndex()
	if err != nil {
		return "", base
	}
	for _, mid := range idx.IDs() {
		for _, loc := range idx.Locations(mid) {
			if filepath.Base(loc.Path) == base && !loc.Embedded {
				if loc.Manifest != nil {
					return mid, loc.Manifest.DisplayName
				}
				return mid, base
			}
		}
	}
	return "", base
}

func (s *Server) locationLabel(loc modindex.Location) string {
	switch {
	case loc.Quarantined:
		return "quarantine"
	case strings.HasPrefix(loc.Path, s.cfg.ClientonlyDir):
		return "clientonly"
	default:
		return "mods"
	}
}

func intQuery(c *gin.Context, key string, def int) int {
	raw := c.Query(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
