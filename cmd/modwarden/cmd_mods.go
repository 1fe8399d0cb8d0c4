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
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/ModWarden/pkg/ux"
	"github.com/AleutianAI/ModWarden/services/warden/manifest"
	"github.com/AleutianAI/ModWarden/services/warden/modindex"
	"github.com/AleutianAI/ModWarden/services/warden/quarantine"
)

// Mod commands mutate the tree directly. With a supervisor running,
// prefer the dashboard endpoints: they take the mutation lock.

func runModsList(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig()
	if err != nil {
		fail(err)
	}
	reader := manifest.NewReader(nil)
	builder := modindex.NewBuilder(reader, nil)

	idx, err := builder.Build(modsDir(cfg), clientonlyDir(cfg), quarantineDir(cfg))
	if err != nil {
		fail(err)
	}

	healthy, quarantined := 0, 0
	ux.Title("Installed mods")
	for _, id := range idx.IDs() {
		loc, ok := idx.Canonical(id)
		if !ok {
			continue
		}
		name := filepath.Base(loc.Path)
		switch {
		case loc.Quarantined:
			quarantined++
			reason := "quarantined"
			if rec, err := quarantine.NewStore(quarantineDir(cfg), nil).ReadRecord(name); err == nil && rec.Reason != "" {
				reason = rec.Reason
			}
			ux.ModStatus(name, ux.IconWarning, reason)
		case loc.Embedded:
			ux.ModStatus(name, ux.IconBullet, "embedded: "+id)
		default:
			healthy++
			side := ""
			if m := loc.Manifest; m != nil && m.Side != "" && m.Side != manifest.SideUnknown {
				side = string(m.Side)
			}
			ux.ModStatus(name, ux.IconSuccess, side)
		}
	}
	ux.Summary(healthy, quarantined, healthy+quarantined)
}

func runModsQuarantine(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig()
	if err != nil {
		fail(err)
	}
	name := filepath.Base(args[0])
	reason := quarantineReason
	if reason == "" {
		reason = "quarantined by operator"
	}

	var path string
	for _, dir := range []string{modsDir(cfg), clientonlyDir(cfg)} {
		candidate := filepath.Join(dir, name)
		if _, err := os.Stat(candidate); err == nil {
			path = candidate
			break
		}
	}
	if path == "" {
		fail(fmt.Errorf("no archive %q in %s or %s", name, modsDir(cfg), clientonlyDir(cfg)))
	}

	store := quarantine.NewStore(quarantineDir(cfg), nil)
	if err := store.Quarantine(path, "", "", reason); err != nil {
		fail(err)
	}
	ux.Success(fmt.Sprintf("%s quarantined: %s", name, reason))
}

func runModsRestore(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig()
	if err != nil {
		fail(err)
	}
	name := filepath.Base(args[0])
	store := quarantine.NewStore(quarantineDir(cfg), nil)
	if err := store.Restore(name, modsDir(cfg)); err != nil {
		fail(err)
	}
	ux.Success(fmt.Sprintf("%s restored to %s", name, cfg.Server.ModsDir))
}

func runModsResolve(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig()
	if err != nil {
		fail(err)
	}
	logger := newLogger(cfg, "resolver")
	defer logger.Close()

	reader := manifest.NewReader(logger.Slog())
	builder := modindex.NewBuilder(reader, logger.Slog())
	store := quarantine.NewStore(quarantineDir(cfg), logger.Slog())
	resolver := newResolver(cfg, builder, reader, store, logger)

	spin := ux.NewSpinner("resolving mod dependencies")
	spin.Start()
	res, err := resolver.Preflight(context.Background())
	spin.Stop()
	if err != nil {
		fail(err)
	}

	for _, f := range res.Fetched {
		ux.ModStatus(filepath.Base(f.Path), ux.IconSuccess,
			fmt.Sprintf("%s from %s", f.ID, f.Source))
	}
	for _, name := range res.Quarantined {
		ux.ModStatus(name, ux.IconWarning, "rolled back to quarantine")
	}
	for dep, requesters := range res.Unresolved {
		ux.ModStatus(dep, ux.IconError,
			"unresolved, needed by "+strings.Join(requesters, ", "))
	}
	for _, opt := range res.SharedOptional {
		ux.Info(fmt.Sprintf("optional %s wanted by %s",
			opt.ID, strings.Join(opt.Requesters, ", ")))
	}

	if len(res.Unresolved) > 0 {
		fail(fmt.Errorf("%d dependencies unresolved after %d rounds", len(res.Unresolved), res.Rounds))
	}
	ux.Success(fmt.Sprintf("dependencies resolved in %d rounds (%d fetched)", res.Rounds, len(res.Fetched)))
}

func runModsSort(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig()
	if err != nil {
		fail(err)
	}
	logger := newLogger(cfg, "resolver")
	defer logger.Close()

	classifier := modindex.NewClassifier(manifest.NewReader(logger.Slog()), logger.Slog())
	moved, err := classifier.SortModsByType(modsDir(cfg), clientonlyDir(cfg))
	if err != nil {
		fail(err)
	}
	if len(moved) == 0 {
		ux.Success("no client-only mods in the server tree")
		return
	}
	for _, name := range moved {
		ux.ModStatus(name, ux.IconArrow, "moved to "+cfg.Server.ClientonlyDir)
	}
	ux.Success(fmt.Sprintf("%d client-only mods moved", len(moved)))
}
