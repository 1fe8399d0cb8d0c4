// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/ModWarden/pkg/ux"
	"github.com/AleutianAI/ModWarden/services/warden/session"
	"github.com/AleutianAI/ModWarden/services/warden/supervise"
)

// runStatus asks the running warden's dashboard for its state. When no
// dashboard answers (disabled, or no supervisor running) it falls back
// to what the filesystem and tmux can tell.
func runStatus(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig()
	if err != nil {
		fail(err)
	}

	body, err := fetchStatus(cfg.Dashboard.Port)
	if err != nil {
		statusFromFilesystem()
		return
	}

	if statusJSON {
		fmt.Println(string(body))
		return
	}

	var st map[string]any
	if err := json.Unmarshal(body, &st); err != nil {
		fail(fmt.Errorf("parse status: %w", err))
	}

	ux.Title("ModWarden")
	ux.KeyValue("state", str(st["state"]))
	ux.KeyValue("session alive", str(st["session_alive"]))
	ux.KeyValue("restart count", str(st["restart_count"]))
	if v, ok := st["players"]; ok {
		ux.KeyValue("players", str(v))
	}
	if v, ok := st["launched_at"]; ok {
		ux.KeyValue("launched at", str(v))
	}
	if v, ok := st["last_diagnosis"]; ok {
		detail, _ := json.Marshal(v)
		ux.KeyValue("last diagnosis", string(detail))
	}
}

func fetchStatus(port int) ([]byte, error) {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://localhost:%d/api/status", port))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status endpoint answered %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
}

// statusFromFilesystem is the degraded view: markers plus tmux.
func statusFromFilesystem() {
	markers := supervise.NewMarkers(serverDir, nil)
	runner := session.NewTmuxRunner(session.Config{WorkDir: serverDir}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ux.Title("ModWarden")
	ux.Warning("no dashboard reachable; showing filesystem state")
	ux.KeyValue("session alive", fmt.Sprintf("%v", runner.Alive(ctx)))
	ux.KeyValue("stop marker", fmt.Sprintf("%v", markers.Present(supervise.MarkerStop)))
	ux.KeyValue("restart marker", fmt.Sprintf("%v", markers.Present(supervise.MarkerRestart)))

	if fi, err := os.Stat(filepath.Join(serverDir, "live.log")); err == nil {
		ux.KeyValue("last console output", fi.ModTime().Format(time.RFC3339))
	}
}

func str(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return fmt.Sprintf("%.0f", t)
	case bool:
		return fmt.Sprintf("%v", t)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}
