// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"gopkg.in/yaml.v3"
)

// masked replaces secrets in API responses.
const masked = "***"

// mutableKeys are the dotted keys the dashboard may change. Everything
// else needs an editor and a restart.
var mutableKeys = map[string]bool{
	"supervisor.max_restart_attempts":     true,
	"supervisor.max_unknown_crashes":      true,
	"supervisor.cooldown_seconds":         true,
	"supervisor.poll_seconds":             true,
	"supervisor.hang_timeout_minutes":     true,
	"supervisor.stability_window_minutes": true,
	"curator.run_on_startup":              true,
	"curator.limit":                       true,
	"curator.show_optional_audit":         true,
	"curator.max_depth":                   true,
	"backup.enabled":                      true,
	"backup.hour":                         true,
	"backup.retention_days":               true,
	"server.motd":                         true,
}

// View adapts a loaded Config for the dashboard: reads mask secrets,
// writes patch only whitelisted keys in the file itself so the sealed
// secrets already on disk survive a save.
type View struct {
	mu   sync.Mutex
	cfg  *Config
	path string
}

// NewView wraps cfg, whose file lives in the server root.
func NewView(cfg *Config) *View {
	return &View{cfg: cfg, path: filepath.Join(cfg.Server.Dir, FileName)}
}

// Get returns the configuration as a nested map with secrets masked.
func (v *View) Get() map[string]any {
	v.mu.Lock()
	defer v.mu.Unlock()
	c := v.cfg

	rconPass := ""
	if c.RCON.Password() != nil {
		rconPass = masked
	}
	token := ""
	if c.Telemetry.TokenEnclave() != nil {
		token = masked
	}

	return map[string]any{
		"server": map[string]any{
			"dir":            c.Server.Dir,
			"mc_version":     c.Server.MCVersion,
			"loader":         c.Server.Loader,
			"server_jar":     c.Server.ServerJar,
			"mods_dir":       c.Server.ModsDir,
			"clientonly_dir": c.Server.ClientonlyDir,
			"xmx":            c.Server.Xmx,
			"xms":            c.Server.Xms,
			"server_port":    c.Server.ServerPort,
			"motd":           c.Server.MOTD,
			"java_major":     c.Server.JavaMajor,
		},
		"rcon": map[string]any{
			"host": c.RCON.Host,
			"port": c.RCON.Port,
			"pass": rconPass,
		},
		"registry": map[string]any{
			"curseforge_key_file": c.Registry.CurseForgeKeyFile,
			"max_download_mb":     c.Registry.MaxDownloadMB,
			"rate_limit_seconds":  c.Registry.RateLimitSeconds,
		},
		"curator": map[string]any{
			"run_on_startup":      c.Curator.RunOnStartup,
			"limit":               c.Curator.Limit,
			"show_optional_audit": c.Curator.ShowOptionalAudit,
			"max_depth":           c.Curator.MaxDepth,
		},
		"backup": map[string]any{
			"enabled":        c.Backup.Enabled,
			"hour":           c.Backup.Hour,
			"retention_days": c.Backup.RetentionDays,
			"gcs_bucket":     c.Backup.GCSBucket,
		},
		"dashboard": map[string]any{
			"enabled": c.Dashboard.Enabled,
			"port":    c.Dashboard.Port,
			"tracing": c.Dashboard.Tracing,
		},
		"telemetry": map[string]any{
			"enabled": c.Telemetry.Enabled,
			"url":     c.Telemetry.URL,
			"org":     c.Telemetry.Org,
			"bucket":  c.Telemetry.Bucket,
			"token":   token,
		},
		"supervisor": map[string]any{
			"max_restart_attempts":     c.Supervisor.MaxRestartAttempts,
			"max_unknown_crashes":      c.Supervisor.MaxUnknownCrashes,
			"cooldown_seconds":         c.Supervisor.CooldownSeconds,
			"poll_seconds":             c.Supervisor.PollSeconds,
			"hang_timeout_minutes":     c.Supervisor.HangTimeoutMinutes,
			"stability_window_minutes": c.Supervisor.StabilityWindowMinutes,
		},
	}
}

// Set applies dotted-key updates ("supervisor.cooldown_seconds": "60")
// and persists them by patching the file in place. Non-whitelisted keys
// reject the whole batch. Updates take effect for future reads of the
// file; the running process keeps its loaded values until restart.
func (v *View) Set(updates map[string]string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	for key := range updates {
		if !mutableKeys[key] {
			return fmt.Errorf("key %q is not editable at runtime", key)
		}
	}

	raw := map[string]any{}
	if data, err := os.ReadFile(v.path); err == nil {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("parse %s: %w", v.path, err)
		}
	}

	for key, value := range updates {
		section, field, _ := cutDot(key)
		sub, ok := raw[section].(map[string]any)
		if !ok {
			sub = map[string]any{}
			raw[section] = sub
		}
		sub[field] = coerce(value)
	}

	data, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(v.path, data, 0600); err != nil {
		return fmt.Errorf("write %s: %w", v.path, err)
	}
	return nil
}

func cutDot(key string) (section, field string, ok bool) {
	for i := 0; i < len(key); i++ {
		if key[i] == '.' {
			return key[:i], key[i+1:], true
		}
	}
	return key, "", false
}

// coerce turns form-encoded strings back into yaml scalars.
func coerce(value string) any {
	if n, err := strconv.Atoi(value); err == nil {
		return n
	}
	if b, err := strconv.ParseBool(value); err == nil {
		return b
	}
	return value
}
