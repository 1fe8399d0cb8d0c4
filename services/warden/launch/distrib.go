// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package launch

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/AleutianAI/ModWarden/services/warden/manifest"
)

const (
	packName       = "mods_latest.zip"
	unitFileName   = "modwarden.service"
	defaultHTTPort = 8000
)

// installPS1 pulls the current pack on Windows clients. The port is
// baked in at generation time; the host stays a script parameter.
const installPS1 = `# ModWarden client mod installer (Windows)
param([string]$ServerIP="localhost", [int]$Port=%d)
$modsPath = "$env:APPDATA\.minecraft\mods"
$oldmodsPath = "$env:APPDATA\.minecraft\oldmods"
$zipPath = "$env:TEMP\mods_latest.zip"

Write-Host "Downloading mods..." -ForegroundColor Cyan
New-Item -ItemType Directory -Path $oldmodsPath -Force | Out-Null
if (Test-Path $modsPath) {
    Get-ChildItem -Path $modsPath -Filter "*.jar" -ErrorAction SilentlyContinue | ForEach-Object {
        Move-Item -Path $_.FullName -Destination $oldmodsPath -Force
    }
}
(New-Object System.Net.WebClient).DownloadFile("http://$ServerIP:$Port/mods_latest.zip", $zipPath)
Expand-Archive -Path $zipPath -DestinationPath $modsPath -Force
Remove-Item -Path $zipPath -Force
$count = (Get-ChildItem -Path $modsPath -Filter "*.jar" | Measure-Object).Count
Write-Host "Installed $count mods" -ForegroundColor Green
`

// installSH is the Linux and macOS counterpart. Old jars are parked in
// oldmods rather than deleted, so a bad pack is a move away from
// recovery.
const installSH = `#!/bin/bash
# ModWarden client mod installer (Linux/macOS)
SERVER_IP="${1:-localhost}"
PORT="${2:-%d}"
[[ "$OSTYPE" == "darwin"* ]] && MC_DIR="$HOME/Library/Application Support/minecraft" || MC_DIR="$HOME/.minecraft"
MODS="$MC_DIR/mods"
OLD="$MC_DIR/oldmods"
ZIP="/tmp/mods_latest.zip"
mkdir -p "$OLD" "$MODS"
ls "$MODS"/*.jar >/dev/null 2>&1 && mv "$MODS"/*.jar "$OLD/" 2>/dev/null || true
echo "Downloading mods..."
curl -L -o "$ZIP" "http://$SERVER_IP:$PORT/mods_latest.zip" || exit 1
unzip -q "$ZIP" -d "$MODS"
rm "$ZIP"
echo "Installed $(ls -1 "$MODS"/*.jar 2>/dev/null | wc -l) mods"
`

const unitTemplate = `[Unit]
Description=Minecraft %s %s server (ModWarden)
After=network.target

[Service]
Type=simple
User=%s
WorkingDirectory=%s
ExecStart=%s run
Restart=on-failure
RestartSec=10

[Install]
WantedBy=multi-user.target
`

// WriteInstallScripts drops install-mods.sh and install-mods.ps1 into
// modsDir so clients can pull the current pack over the dashboard's
// file server.
func WriteInstallScripts(modsDir string, httpPort int, log *slog.Logger) error {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if httpPort <= 0 {
		httpPort = defaultHTTPort
	}
	if err := os.MkdirAll(modsDir, 0o755); err != nil {
		return fmt.Errorf("create mods dir: %w", err)
	}

	psPath := filepath.Join(modsDir, "install-mods.ps1")
	if err := os.WriteFile(psPath, []byte(fmt.Sprintf(installPS1, httpPort)), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", psPath, err)
	}

	shPath := filepath.Join(modsDir, "install-mods.sh")
	if err := os.WriteFile(shPath, []byte(fmt.Sprintf(installSH, httpPort)), 0o755); err != nil {
		return fmt.Errorf("write %s: %w", shPath, err)
	}
	// WriteFile keeps the old mode on an existing file.
	if err := os.Chmod(shPath, 0o755); err != nil {
		return fmt.Errorf("chmod %s: %w", shPath, err)
	}

	log.Info("wrote install scripts", "dir", modsDir, "http_port", httpPort)
	return nil
}

// PackInfo describes a generated client pack.
type PackInfo struct {
	Path string
	Mods int
	Size int64
}

// BuildModPack zips every mod archive under modsDir and clientonlyDir
// into mods_latest.zip inside modsDir, flat. On a name collision the
// copy in modsDir wins, so a server-side fix ships even when a stale
// client-only duplicate is still around. A missing clientonlyDir is
// fine.
func BuildModPack(modsDir, clientonlyDir string, log *slog.Logger) (PackInfo, error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	sources := make(map[string]string)
	collect := func(dir string) error {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return fmt.Errorf("scan %s: %w", dir, err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".jar") {
				continue
			}
			sources[entry.Name()] = filepath.Join(dir, entry.Name())
		}
		return nil
	}

	// clientonly first, so the server-side copy overrides on collision.
	if err := collect(clientonlyDir); err != nil {
		return PackInfo{}, err
	}
	if err := collect(modsDir); err != nil {
		return PackInfo{}, err
	}

	zipPath := filepath.Join(modsDir, packName)
	f, err := os.Create(zipPath)
	if err != nil {
		return PackInfo{}, fmt.Errorf("create pack: %w", err)
	}
	defer f.Close()

	names := make([]string, 0, len(sources))
	for name := range sources {
		names = append(names, name)
	}
	sort.Strings(names)

	zw := zip.NewWriter(f)
	for _, name := range names {
		if err := addPackEntry(zw, name, sources[name]); err != nil {
			zw.Close()
			return PackInfo{}, err
		}
	}
	if err := zw.Close(); err != nil {
		return PackInfo{}, fmt.Errorf("finalize pack: %w", err)
	}

	st, err := os.Stat(zipPath)
	if err != nil {
		return PackInfo{}, fmt.Errorf("stat pack: %w", err)
	}
	info := PackInfo{Path: zipPath, Mods: len(sources), Size: st.Size()}
	log.Info("built client mod pack", "mods", info.Mods, "bytes", info.Size)
	return info, nil
}

func addPackEntry(zw *zip.Writer, name, srcPath string) error {
	w, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("add %s: %w", name, err)
	}
	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("read %s: %w", srcPath, err)
	}
	defer src.Close()
	if _, err := io.Copy(w, src); err != nil {
		return fmt.Errorf("compress %s: %w", name, err)
	}
	return nil
}

// UnitConfig carries the fields of a generated systemd unit.
type UnitConfig struct {
	// Dir is the server root the unit starts in. Defaults to ".".
	Dir string

	Loader    manifest.Loader
	MCVersion string

	// User defaults to $USER.
	User string

	// Executable is the absolute path of the installed binary.
	Executable string
}

// WriteSystemdUnit renders a service that keeps `modwarden run` alive
// across boots and returns the path written. The unit lands in the
// server root; moving it under /etc/systemd/system is left to the
// operator, who needs root for that anyway.
func WriteSystemdUnit(cfg UnitConfig, log *slog.Logger) (string, error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if cfg.Dir == "" {
		cfg.Dir = "."
	}
	if cfg.User == "" {
		cfg.User = os.Getenv("USER")
	}
	if cfg.Executable == "" {
		cfg.Executable = "/usr/local/bin/modwarden"
	}

	workDir, err := filepath.Abs(cfg.Dir)
	if err != nil {
		return "", fmt.Errorf("resolve server root: %w", err)
	}

	unit := fmt.Sprintf(unitTemplate,
		DisplayName(cfg.Loader), cfg.MCVersion, cfg.User, workDir, cfg.Executable)

	path := filepath.Join(cfg.Dir, unitFileName)
	if err := os.WriteFile(path, []byte(unit), 0o644); err != nil {
		return "", fmt.Errorf("write unit: %w", err)
	}
	log.Info("wrote systemd unit", "path", path)
	return path, nil
}
