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
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/ModWarden/pkg/ux"
	"github.com/AleutianAI/ModWarden/services/warden/launch"
	"github.com/AleutianAI/ModWarden/services/warden/manifest"
)

func runZip(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig()
	if err != nil {
		fail(err)
	}
	logger := newLogger(cfg, "dist")
	defer logger.Close()

	info, err := launch.BuildModPack(modsDir(cfg), clientonlyDir(cfg), logger.Slog())
	if err != nil {
		fail(err)
	}
	ux.Success(fmt.Sprintf("packed %d mods into %s (%.1f MiB)",
		info.Mods, info.Path, float64(info.Size)/(1<<20)))
	ux.Muted("serve it to players with 'modwarden install-scripts'")
}

func runInstallScripts(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig()
	if err != nil {
		fail(err)
	}
	logger := newLogger(cfg, "dist")
	defer logger.Close()

	if err := launch.WriteInstallScripts(modsDir(cfg), cfg.Dashboard.Port, logger.Slog()); err != nil {
		fail(err)
	}
	ux.Success("wrote install-mods.sh and install-mods.ps1 to " + modsDir(cfg))
	ux.Info(fmt.Sprintf("players run them against http://<server>:%d/mods_latest.zip", cfg.Dashboard.Port))
}

func runSystemd(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig()
	if err != nil {
		fail(err)
	}
	logger := newLogger(cfg, "dist")
	defer logger.Close()

	exec := systemdExec
	if exec == "" {
		if self, err := os.Executable(); err == nil {
			exec = self
		}
	}

	path, err := launch.WriteSystemdUnit(launch.UnitConfig{
		Dir:        cfg.Server.Dir,
		Loader:     manifest.Loader(cfg.Server.Loader),
		MCVersion:  cfg.Server.MCVersion,
		User:       systemdUser,
		Executable: exec,
	}, logger.Slog())
	if err != nil {
		fail(err)
	}

	ux.Success("wrote " + path)
	ux.Info("install it with:")
	ux.Muted("  sudo cp " + path + " /etc/systemd/system/")
	ux.Muted("  sudo systemctl daemon-reload && sudo systemctl enable --now " + filepath.Base(path))
}
