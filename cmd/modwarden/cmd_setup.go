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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/ModWarden/cmd/modwarden/config"
	"github.com/AleutianAI/ModWarden/pkg/ux"
	"github.com/AleutianAI/ModWarden/services/warden/launch"
	"github.com/AleutianAI/ModWarden/services/warden/manifest"
)

// runSetup walks a new operator through the choices the defaults can't
// make for them, writes modwarden.yaml, and prepares the server root
// (eula.txt, server.properties, JVM args) so 'modwarden run' works on
// the next command.
func runSetup(cmd *cobra.Command, args []string) {
	path := filepath.Join(serverDir, config.FileName)
	if _, err := os.Stat(path); err == nil {
		overwrite := false
		if err := huh.NewForm(huh.NewGroup(
			huh.NewConfirm().
				Title(config.FileName + " already exists. Overwrite it?").
				Value(&overwrite),
		)).Run(); err != nil {
			fail(err)
		}
		if !overwrite {
			ux.Info("keeping the existing config; edit " + path + " by hand or via the dashboard")
			return
		}
	}

	cfg := config.DefaultConfig(serverDir)
	loader := cfg.Server.Loader
	mcVersion := cfg.Server.MCVersion
	serverJar := ""
	serverPort := strconv.Itoa(cfg.Server.ServerPort)
	rconPort := strconv.Itoa(cfg.RCON.Port)
	rconPass := ""
	motd := cfg.Server.MOTD
	dashboardOn := cfg.Dashboard.Enabled
	backupsOn := cfg.Backup.Enabled
	acceptEULA := false

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Mod loader").
				Options(
					huh.NewOption("NeoForge", "neoforge"),
					huh.NewOption("Forge", "forge"),
					huh.NewOption("Fabric", "fabric"),
					huh.NewOption("Quilt", "quilt"),
				).
				Value(&loader),
			huh.NewInput().
				Title("Minecraft version").
				Placeholder(cfg.Server.MCVersion).
				Validate(required("minecraft version")).
				Value(&mcVersion),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Server jar (relative to the server root)").
				Description("NeoForge finds its own launcher; other loaders need the jar named.").
				Validate(func(s string) error {
					if s == "" && loader != "neoforge" {
						return errors.New("this loader needs a server jar")
					}
					return nil
				}).
				Value(&serverJar),
			huh.NewInput().
				Title("Game port").
				Validate(validPort).
				Value(&serverPort),
			huh.NewInput().
				Title("RCON port").
				Validate(validPort).
				Value(&rconPort),
			huh.NewInput().
				Title("RCON password").
				EchoMode(huh.EchoModePassword).
				Validate(required("rcon password")).
				Value(&rconPass),
			huh.NewInput().
				Title("MOTD").
				Value(&motd),
		),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Enable the web dashboard?").
				Value(&dashboardOn),
			huh.NewConfirm().
				Title("Enable nightly world backups?").
				Value(&backupsOn),
			huh.NewConfirm().
				Title("Accept the Minecraft EULA (minecraft.net/eula)?").
				Value(&acceptEULA),
		),
	)
	if err := form.Run(); err != nil {
		fail(err)
	}

	cfg.Server.Loader = loader
	cfg.Server.MCVersion = mcVersion
	cfg.Server.ServerJar = serverJar
	cfg.Server.ServerPort = atoi(serverPort)
	cfg.RCON.Port = atoi(rconPort)
	cfg.RCON.Pass = rconPass
	cfg.Server.MOTD = motd
	cfg.Dashboard.Enabled = dashboardOn
	cfg.Backup.Enabled = backupsOn

	if err := cfg.Validate(); err != nil {
		fail(err)
	}
	if err := config.Save(path, &cfg); err != nil {
		fail(err)
	}
	ux.Success("wrote " + path)

	if !acceptEULA {
		ux.Warning("EULA not accepted; the server will refuse to start until eula.txt says yes")
		return
	}

	cfg.Seal()
	logger := newLogger(&cfg, "setup")
	defer logger.Close()
	env := launch.NewEnvironment(launch.Config{
		Dir:        cfg.Server.Dir,
		Loader:     manifest.Loader(cfg.Server.Loader),
		Xmx:        cfg.Server.Xmx,
		Xms:        cfg.Server.Xms,
		ServerJar:  cfg.Server.ServerJar,
		ServerPort: cfg.Server.ServerPort,
		RconPort:   cfg.RCON.Port,
		RconPass:   cfg.RCON.Password(),
		MOTD:       cfg.Server.MOTD,
	}, logger.Slog())
	if err := env.Prepare(); err != nil {
		fail(err)
	}

	ux.Success("server root prepared (eula.txt, server.properties)")
	ux.Info(fmt.Sprintf("drop mods into %s and start with 'modwarden run'", cfg.Server.ModsDir))
}

func required(what string) func(string) error {
	return func(s string) error {
		if s == "" {
			return errors.New(what + " is required")
		}
		return nil
	}
}

func validPort(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > 65535 {
		return errors.New("enter a port between 1 and 65535")
	}
	return nil
}

// atoi is safe after validPort has run in the form.
func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
