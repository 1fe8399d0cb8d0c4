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
	"github.com/spf13/cobra"

	"github.com/AleutianAI/ModWarden/pkg/ux"
)

// --- Global Command Variables ---
var (
	serverDir        string
	logLevel         string
	plainOutput      bool
	quarantineReason string
	curateRefresh    bool
	statusJSON       bool
	consoleOneShot   string
	systemdUser      string
	systemdExec      string

	rootCmd = &cobra.Command{
		Use:   "modwarden",
		Short: "A self-healing supervisor for modded Minecraft servers",
		Long: `ModWarden keeps a modded Minecraft server alive: it resolves mod
dependencies before every launch, watches the console for crashes,
diagnoses them, and quarantines or fetches mods until the server
stays up.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if plainOutput {
				ux.SetPlain(true)
			}
		},
	}

	// --- Supervisor ---
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the supervised server loop (resolve, launch, monitor, heal)",
		Run:   runRun, // Defined in cmd_run.go
	}
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Serve the dashboard API without supervising a server",
		Run:   runServe, // Defined in cmd_serve.go
	}
	setupCmd = &cobra.Command{
		Use:   "setup",
		Short: "Interactive first-run wizard (loader, version, ports, secrets)",
		Run:   runSetup, // Defined in cmd_setup.go
	}

	// --- Server control (marker protocol) ---
	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show the supervisor and server state",
		Run:   runStatus, // Defined in cmd_status.go
	}
	stopCmd = &cobra.Command{
		Use:   "stop",
		Short: "Stop the server and park the supervisor until 'start'",
		Run:   runStop, // Defined in cmd_control.go
	}
	startCmd = &cobra.Command{
		Use:   "start",
		Short: "Clear the stop marker so a parked supervisor relaunches",
		Run:   runStart, // Defined in cmd_control.go
	}
	restartCmd = &cobra.Command{
		Use:   "restart",
		Short: "Gracefully restart the running server",
		Run:   runRestart, // Defined in cmd_control.go
	}
	resetCmd = &cobra.Command{
		Use:   "reset",
		Short: "Reset the restart counter after fixing things by hand",
		Run:   runReset, // Defined in cmd_control.go
	}

	// --- Mod management ---
	modsCmd = &cobra.Command{
		Use:   "mods",
		Short: "Inspect and manage the mod tree",
	}
	modsListCmd = &cobra.Command{
		Use:   "list",
		Short: "List installed mods with side and location",
		Run:   runModsList, // Defined in cmd_mods.go
	}
	modsQuarantineCmd = &cobra.Command{
		Use:   "quarantine [archive]",
		Short: "Move a mod archive to quarantine",
		Args:  cobra.ExactArgs(1),
		Run:   runModsQuarantine, // Defined in cmd_mods.go
	}
	modsRestoreCmd = &cobra.Command{
		Use:   "restore [archive]",
		Short: "Restore a quarantined mod archive",
		Args:  cobra.ExactArgs(1),
		Run:   runModsRestore, // Defined in cmd_mods.go
	}
	modsResolveCmd = &cobra.Command{
		Use:   "resolve",
		Short: "Run the dependency preflight without launching",
		Run:   runModsResolve, // Defined in cmd_mods.go
	}
	modsSortCmd = &cobra.Command{
		Use:   "sort",
		Short: "Move client-only mods out of the server mods directory",
		Run:   runModsSort, // Defined in cmd_mods.go
	}

	javaCmd = &cobra.Command{
		Use:   "java",
		Short: "Report the Java major each installed mod requires",
		Run:   runJava, // Defined in cmd_java.go
	}
	curateCmd = &cobra.Command{
		Use:   "curate",
		Short: "Build the curated mod list for the configured version/loader",
		Run:   runCurate, // Defined in cmd_curate.go
	}

	// --- Backups ---
	backupCmd = &cobra.Command{
		Use:   "backup",
		Short: "World snapshots",
	}
	backupNowCmd = &cobra.Command{
		Use:   "now",
		Short: "Take a world snapshot immediately",
		Run:   runBackupNow, // Defined in cmd_backup.go
	}
	backupListCmd = &cobra.Command{
		Use:   "list",
		Short: "List existing snapshots, newest first",
		Run:   runBackupList, // Defined in cmd_backup.go
	}

	// --- Utilities ---
	consoleCmd = &cobra.Command{
		Use:   "console",
		Short: "Open an interactive RCON console on the running server",
		Run:   runConsole, // Defined in cmd_console.go
	}
	zipCmd = &cobra.Command{
		Use:   "zip",
		Short: "Build mods_latest.zip for client distribution",
		Run:   runZip, // Defined in cmd_dist.go
	}
	installScriptsCmd = &cobra.Command{
		Use:   "install-scripts",
		Short: "Write the client install scripts next to the mod pack",
		Run:   runInstallScripts, // Defined in cmd_dist.go
	}
	systemdCmd = &cobra.Command{
		Use:   "systemd",
		Short: "Generate a systemd unit that keeps 'modwarden run' alive",
		Run:   runSystemd, // Defined in cmd_dist.go
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&serverDir, "dir", "d", ".", "Server root directory")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&plainOutput, "plain", false, "Plain output without colors or spinners")

	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print the raw status JSON")
	modsQuarantineCmd.Flags().StringVar(&quarantineReason, "reason", "", "Reason recorded in the quarantine sidecar")
	curateCmd.Flags().BoolVar(&curateRefresh, "refresh", false, "Rebuild the list even when the catalog has a fresh one")
	consoleCmd.Flags().StringVarP(&consoleOneShot, "command", "c", "", "Run a single command and exit")
	systemdCmd.Flags().StringVar(&systemdUser, "user", "", "User the unit runs as (default: $USER)")
	systemdCmd.Flags().StringVar(&systemdExec, "exec", "", "Installed binary path (default: this executable)")

	modsCmd.AddCommand(modsListCmd, modsQuarantineCmd, modsRestoreCmd, modsResolveCmd, modsSortCmd)
	backupCmd.AddCommand(backupNowCmd, backupListCmd)

	rootCmd.AddCommand(
		runCmd, serveCmd, setupCmd,
		statusCmd, startCmd, stopCmd, restartCmd, resetCmd,
		modsCmd, javaCmd, curateCmd,
		backupCmd, consoleCmd,
		zipCmd, installScriptsCmd, systemdCmd,
	)
}
