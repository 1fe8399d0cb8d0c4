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
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/ModWarden/pkg/ux"
	"github.com/AleutianAI/ModWarden/services/warden/catalog"
	"github.com/AleutianAI/ModWarden/services/warden/curator"
)

func runCurate(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig()
	if err != nil {
		fail(err)
	}
	logger := newLogger(cfg, "curator")
	defer logger.Close()

	store, err := catalog.Open(catalog.DefaultConfig(pathIn(cfg.Server.Dir, cfg.Curator.CatalogDir)))
	if err != nil {
		fail(fmt.Errorf("open catalog: %w", err))
	}
	defer store.Close()

	cur := curator.New(curator.Config{
		MCVersion: cfg.Server.MCVersion,
		Loader:    cfg.Server.Loader,
		Limit:     cfg.Curator.Limit,
		MaxDepth:  cfg.Curator.MaxDepth,
	}, newRegistry(cfg, logger), store, logger.Slog())

	var list *catalog.List
	var audit []catalog.AuditEntry
	err = ux.WithSpinner(
		fmt.Sprintf("curating top mods for %s/%s", cfg.Server.MCVersion, cfg.Server.Loader),
		func() error {
			var cerr error
			list, audit, cerr = cur.Curate(context.Background(), curateRefresh)
			return cerr
		})
	if err != nil {
		fail(err)
	}

	ux.Title(fmt.Sprintf("Curated list (%d mods, generated %s)",
		len(list.Mods), list.GeneratedAt.Format("2006-01-02 15:04")))
	for i, entry := range list.Mods {
		label := fmt.Sprintf("%3d. %s", i+1, entry.Name)
		detail := fmt.Sprintf("%s downloads via %s", compactCount(entry.Downloads), entry.Registry)
		if entry.Source == "required_dependency" {
			detail = "pulled in as a dependency"
		}
		ux.ModStatus(label, ux.IconBullet, detail)
	}

	if cfg.Curator.ShowOptionalAudit && len(audit) > 0 {
		ux.Title("Optional dependencies worth a look")
		for _, a := range audit {
			ux.Info(fmt.Sprintf("%s wanted by %s", a.ID, strings.Join(a.RequestedBy, ", ")))
		}
	}
}

// compactCount renders download counts the way registry sites do.
func compactCount(n int64) string {
	switch {
	case n >= 1_000_000:
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	case n >= 1_000:
		return fmt.Sprintf("%.1fK", float64(n)/1_000)
	default:
		return fmt.Sprintf("%d", n)
	}
}
