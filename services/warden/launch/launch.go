// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package launch prepares a server directory for boot and builds the
// java command line for each supported mod loader.
//
// Preparation runs before every launch and is idempotent: JVM flags are
// rewritten each time so config changes take effect, server.properties
// is merged rather than clobbered (operator edits win), and eula.txt is
// created once and never touched again. The package also generates the
// client distribution artifacts: install scripts, the mods_latest.zip
// pack, and a systemd unit for boot persistence.
package launch

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/awnumar/memguard"

	"github.com/AleutianAI/ModWarden/services/warden/manifest"
)

const (
	jvmArgsFile    = "user_jvm_args.txt"
	propertiesFile = "server.properties"
	eulaFile       = "eula.txt"

	neoforgeLibPath = "libraries/net/neoforged/neoforge"

	// fallbackNeoForgeVersion is used when the libraries tree has not
	// been installed yet, so a first launch still produces a runnable
	// command against the stock installer layout.
	fallbackNeoForgeVersion = "21.11.38-beta"

	defaultXmx          = "6G"
	defaultXms          = "4G"
	defaultServerPort   = 25565
	defaultRconPort     = 25575
	defaultRconPassword = "changeme"
)

// Config describes one server launch profile.
type Config struct {
	// Dir is the server root. Defaults to ".".
	Dir string

	// Loader selects the launch profile. Defaults to neoforge.
	Loader manifest.Loader

	// Xmx and Xms are the JVM heap bounds, in -Xmx syntax ("6G").
	Xmx string
	Xms string

	// ServerJar is the launcher jar for forge and fabric servers,
	// relative to Dir. NeoForge boots through @args files instead and
	// ignores it.
	ServerJar string

	// ServerPort and RconPort seed server.properties on first launch.
	ServerPort int
	RconPort   int

	// RconPass is written into server.properties when RCON is being
	// enabled. A nil enclave falls back to the stock password, which
	// the setup flow warns about.
	RconPass *memguard.Enclave

	// MOTD defaults to "ModWarden - <Loader> Server".
	MOTD string
}

func (c Config) withDefaults() Config {
	if c.Dir == "" {
		c.Dir = "."
	}
	if c.Loader == "" {
		c.Loader = manifest.LoaderNeoForge
	}
	if c.Xmx == "" {
		c.Xmx = defaultXmx
	}
	if c.Xms == "" {
		c.Xms = defaultXms
	}
	if c.ServerJar == "" {
		switch c.Loader {
		case manifest.LoaderForge:
			c.ServerJar = "forge.jar"
		case manifest.LoaderFabric:
			c.ServerJar = "fabric.jar"
		}
	}
	if c.ServerPort == 0 {
		c.ServerPort = defaultServerPort
	}
	if c.RconPort == 0 {
		c.RconPort = defaultRconPort
	}
	if c.MOTD == "" {
		c.MOTD = fmt.Sprintf("ModWarden - %s Server", DisplayName(c.Loader))
	}
	return c
}

// DisplayName returns the human name for a loader, used in MOTDs and
// service descriptions.
func DisplayName(l manifest.Loader) string {
	switch l {
	case manifest.LoaderNeoForge:
		return "NeoForge"
	case manifest.LoaderForge:
		return "Forge"
	case manifest.LoaderFabric:
		return "Fabric"
	case manifest.LoaderQuilt:
		return "Quilt"
	}
	return string(l)
}

// Environment prepares a server directory and renders its launch
// command.
type Environment struct {
	cfg Config
	log *slog.Logger
}

// NewEnvironment builds an Environment around cfg, filling defaults.
func NewEnvironment(cfg Config, log *slog.Logger) *Environment {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Environment{cfg: cfg.withDefaults(), log: log}
}

// Prepare writes the launch-time files: JVM flags for loaders that read
// them, the merged server.properties, and eula.txt. Safe to call before
// every launch.
func (e *Environment) Prepare() error {
	e.log.Info("preparing launch environment",
		"loader", string(e.cfg.Loader), "dir", e.cfg.Dir)

	if e.cfg.Loader == manifest.LoaderNeoForge {
		if err := e.writeJVMArgs(); err != nil {
			return fmt.Errorf("write jvm args: %w", err)
		}
	}
	if err := e.writeServerProperties(); err != nil {
		return fmt.Errorf("write server properties: %w", err)
	}
	if err := e.writeEULA(); err != nil {
		return fmt.Errorf("write eula: %w", err)
	}
	return nil
}

// Always rewritten, so heap changes in the config take effect on the
// next launch without manual cleanup.
func (e *Environment) writeJVMArgs() error {
	flags := []string{
		"-Xmx" + e.cfg.Xmx,
		"-Xms" + e.cfg.Xms,
		"-XX:+UseG1GC",
		"-XX:MaxGCPauseMillis=200",
		"-XX:+ParallelRefProcEnabled",
		"-XX:+UnlockExperimentalVMOptions",
		"-XX:G1NewCollectionPercentage=30",
		"-XX:G1MaxNewCollectionLength=16777216",
		"-XX:+PerfDisableSharedMem",
		"-XX:+AlwaysPreTouch",
	}
	path := filepath.Join(e.cfg.Dir, jvmArgsFile)
	return os.WriteFile(path, []byte(strings.Join(flags, "\n")+"\n"), 0o644)
}

// Command returns the java argv for the configured loader. Paths in the
// argv are relative to Dir; the session runner starts the process from
// there.
func (e *Environment) Command() ([]string, error) {
	switch e.cfg.Loader {
	case manifest.LoaderNeoForge:
		argsFile := fmt.Sprintf("@%s/%s/unix_args.txt", neoforgeLibPath, e.neoforgeVersion())
		return []string{"java", "@" + jvmArgsFile, argsFile, "nogui"}, nil
	case manifest.LoaderForge, manifest.LoaderFabric:
		return []string{"java", "-Xms" + e.cfg.Xms, "-Xmx" + e.cfg.Xmx, "-jar", e.cfg.ServerJar, "nogui"}, nil
	}
	return nil, fmt.Errorf("no launch profile for loader %q", e.cfg.Loader)
}

// CommandLine renders Command as a single shell line for the tmux
// session.
func (e *Environment) CommandLine() (string, error) {
	argv, err := e.Command()
	if err != nil {
		return "", err
	}
	return strings.Join(argv, " "), nil
}

// neoforgeVersion picks the installed NeoForge version by scanning the
// installer's libraries tree. Versions sort lexicographically, matching
// the directory layout the installer leaves behind.
func (e *Environment) neoforgeVersion() string {
	libDir := filepath.Join(e.cfg.Dir, filepath.FromSlash(neoforgeLibPath))
	entries, err := os.ReadDir(libDir)
	if err != nil {
		return fallbackNeoForgeVersion
	}
	var versions []string
	for _, entry := range entries {
		if entry.IsDir() {
			versions = append(versions, entry.Name())
		}
	}
	if len(versions) == 0 {
		return fallbackNeoForgeVersion
	}
	sort.Strings(versions)
	return versions[len(versions)-1]
}
