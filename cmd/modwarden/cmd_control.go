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
	"github.com/AleutianAI/ModWarden/services/warden/supervise"
)

// Control commands speak the marker protocol: they drop or remove
// files in the server root and the running supervisor reacts on its
// next poll. Nothing here touches the game process directly, so the
// commands work whether the supervisor runs in this terminal, under
// systemd, or not at all (the marker just waits for it).

func runStop(cmd *cobra.Command, args []string) {
	markers := supervise.NewMarkers(serverDir, nil)
	if err := markers.Write(supervise.MarkerStop); err != nil {
		fail(err)
	}
	ux.Success("stop requested; the supervisor will shut the server down and park")
}

func runStart(cmd *cobra.Command, args []string) {
	markers := supervise.NewMarkers(serverDir, nil)
	if !markers.Present(supervise.MarkerStop) {
		ux.Info("no stop marker present; the supervisor is not parked")
		return
	}
	if err := markers.Clear(supervise.MarkerStop); err != nil {
		fail(err)
	}
	ux.Success("stop marker cleared; a parked supervisor will relaunch")
}

func runRestart(cmd *cobra.Command, args []string) {
	markers := supervise.NewMarkers(serverDir, nil)
	if err := markers.Write(supervise.MarkerRestart); err != nil {
		fail(err)
	}
	ux.Success("restart requested; the server will stop gracefully and relaunch")
}

func runReset(cmd *cobra.Command, args []string) {
	markers := supervise.NewMarkers(serverDir, nil)
	if err := markers.Write(supervise.MarkerReset); err != nil {
		fail(err)
	}
	ux.Success("restart counter reset requested")
}
