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
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/ModWarden/cmd/modwarden/config"
	"github.com/AleutianAI/ModWarden/pkg/logging"
	"github.com/AleutianAI/ModWarden/pkg/ux"
	"github.com/AleutianAI/ModWarden/services/warden/backup"
	"github.com/AleutianAI/ModWarden/services/warden/rcon"
)

// newBackupEngine builds the engine the way `run` does, minus the
// scheduler: RCON quiesce when the server answers, optional GCS
// offsite.
func newBackupEngine(ctx context.Context, cfg *config.Config, logger *logging.Logger) *backup.Engine {
	log := logger.Slog()
	console := rcon.NewConsole(rcon.Config{
		Host:     cfg.RCON.Host,
		Port:     cfg.RCON.Port,
		Password: cfg.RCON.Password(),
	}, log)

	var send backup.CommandFunc
	if console.Available(ctx) {
		send = func(ctx context.Context, command string) error {
			_, err := console.Run(ctx, command)
			return err
		}
	}

	var uploader backup.Uploader
	if cfg.Backup.GCSBucket != "" {
		up, err := backup.NewGCSUploader(ctx, backup.GCSConfig{
			Bucket:          cfg.Backup.GCSBucket,
			CredentialsFile: cfg.Backup.GCSCredentialsFile,
		}, log)
		if err != nil {
			ux.Warning("GCS uploader unavailable, backup stays local: " + err.Error())
		} else {
			uploader = up
		}
	}

	return backup.NewEngine(backup.Config{
		WorldDir:  pathIn(cfg.Server.Dir, cfg.Backup.WorldDir),
		BackupDir: pathIn(cfg.Server.Dir, cfg.Backup.BackupDir),
		Retention: cfg.Backup.Retention(),
	}, send, uploader, log)
}

func runBackupNow(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig()
	if err != nil {
		fail(err)
	}
	logger := newLogger(cfg, "backup")
	defer logger.Close()

	ctx := context.Background()
	engine := newBackupEngine(ctx, cfg, logger)

	var res *backup.Result
	err = ux.WithSpinner("snapshotting world", func() error {
		var berr error
		res, berr = engine.BackupNow(ctx)
		return berr
	})
	if err != nil {
		fail(err)
	}

	ux.KeyValue("snapshot", res.Name)
	ux.KeyValue("files", fmt.Sprintf("%d", res.Files))
	ux.KeyValue("size", fmt.Sprintf("%.1f MiB", float64(res.Bytes)/(1<<20)))
	for _, pruned := range res.Pruned {
		ux.Muted("pruned " + pruned)
	}
}

func runBackupList(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig()
	if err != nil {
		fail(err)
	}
	logger := newLogger(cfg, "backup")
	defer logger.Close()

	engine := newBackupEngine(context.Background(), cfg, logger)
	infos, err := engine.List()
	if err != nil {
		fail(err)
	}
	if len(infos) == 0 {
		ux.Info("no snapshots yet; run 'modwarden backup now'")
		return
	}

	ux.Title("World snapshots")
	for _, info := range infos {
		age := time.Since(info.At).Round(time.Minute)
		ux.ModStatus(info.Name, ux.IconBullet,
			fmt.Sprintf("%.1f MiB, %s ago", float64(info.Bytes)/(1<<20), age))
	}
}
