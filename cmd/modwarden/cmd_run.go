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
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/ModWarden/cmd/modwarden/config"
	"github.com/AleutianAI/ModWarden/pkg/logging"
	"github.com/AleutianAI/ModWarden/pkg/tracing"
	"github.com/AleutianAI/ModWarden/pkg/ux"
	"github.com/AleutianAI/ModWarden/services/warden/backup"
	"github.com/AleutianAI/ModWarden/services/warden/catalog"
	"github.com/AleutianAI/ModWarden/services/warden/crash"
	"github.com/AleutianAI/ModWarden/services/warden/curator"
	"github.com/AleutianAI/ModWarden/services/warden/dashboard"
	"github.com/AleutianAI/ModWarden/services/warden/events"
	"github.com/AleutianAI/ModWarden/services/warden/heal"
	"github.com/AleutianAI/ModWarden/services/warden/launch"
	"github.com/AleutianAI/ModWarden/services/warden/manifest"
	"github.com/AleutianAI/ModWarden/services/warden/metrics"
	"github.com/AleutianAI/ModWarden/services/warden/modindex"
	"github.com/AleutianAI/ModWarden/services/warden/quarantine"
	"github.com/AleutianAI/ModWarden/services/warden/rcon"
	"github.com/AleutianAI/ModWarden/services/warden/session"
	"github.com/AleutianAI/ModWarden/services/warden/supervise"
	"github.com/AleutianAI/ModWarden/services/warden/telemetry"
)

// runRun is the long-lived entry point: it assembles the full warden
// and drives it until the supervisor finishes or the process is
// signalled. Background lanes (dashboard, backups, telemetry, log
// hooks) live in one errgroup with the supervisor.
func runRun(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig()
	if err != nil {
		fail(err)
	}
	logger := newLogger(cfg, "supervisor")
	defer logger.Close()
	log := logger.Slog()

	// Shared plumbing.
	reader := manifest.NewReader(log)
	builder := modindex.NewBuilder(reader, log)
	classifier := modindex.NewClassifier(reader, log)
	store := quarantine.NewStore(quarantineDir(cfg), log)
	resolver := newResolver(cfg, builder, reader, store, logger)
	healer := heal.NewEngine(heal.Config{
		ModsDir:       modsDir(cfg),
		ClientonlyDir: clientonlyDir(cfg),
	}, builder, resolver, store, log)

	console := rcon.NewConsole(rcon.Config{
		Host:     cfg.RCON.Host,
		Port:     cfg.RCON.Port,
		Password: cfg.RCON.Password(),
	}, log)

	runner := session.NewTmuxRunner(session.Config{WorkDir: cfg.Server.Dir}, log)
	launcher := launch.NewEnvironment(launch.Config{
		Dir:        cfg.Server.Dir,
		Loader:     manifest.Loader(cfg.Server.Loader),
		Xmx:        cfg.Server.Xmx,
		Xms:        cfg.Server.Xms,
		ServerJar:  cfg.Server.ServerJar,
		ServerPort: cfg.Server.ServerPort,
		RconPort:   cfg.RCON.Port,
		RconPass:   cfg.RCON.Password(),
		MOTD:       cfg.Server.MOTD,
	}, log)

	scanner := crash.NewScanner(log)
	markers := supervise.NewMarkers(cfg.Server.Dir, log)
	timeline := events.NewTimeline(512, log)

	rec := metrics.NewRecorder(cfg.Dashboard.Enabled)
	if err := rec.Register(); err != nil {
		log.Warn("metrics registration failed", "error", err)
	}

	sup := supervise.New(supervise.Config{
		Dir:                cfg.Server.Dir,
		ModsDir:            modsDir(cfg),
		ClientonlyDir:      clientonlyDir(cfg),
		LogPath:            livelogPath(cfg),
		MaxRestartAttempts: cfg.Supervisor.MaxRestartAttempts,
		MaxUnknownCrashes:  cfg.Supervisor.MaxUnknownCrashes,
		Cooldown:           cfg.Supervisor.Cooldown(),
		PollInterval:       cfg.Supervisor.Poll(),
		HangTimeout:        cfg.Supervisor.HangTimeout(),
		StabilityWindow:    cfg.Supervisor.StabilityWindow(),
		JavaMajor:          cfg.Server.JavaMajor,
	}, runner, launcher, classifier, resolver, healer, console, scanner,
		markers, timeline, rec, log)

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(sigCtx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	// The supervisor is the main lane; when it ends, for any reason,
	// the background lanes go with it.
	g.Go(func() error {
		defer cancel()
		return sup.Run(gctx)
	})

	monitor := events.NewMonitor(events.MonitorConfig{
		LogPath: livelogPath(cfg),
		Respond: console.Say,
	}, timeline, log)
	g.Go(func() error { return monitor.Run(gctx) })

	bk := buildBackupLane(ctx, cfg, g, gctx, console, timeline, rec, logger)

	if cfg.Dashboard.Enabled {
		if cfg.Dashboard.Tracing {
			shutdown, terr := tracing.Init(ctx, tracing.Config{
				Endpoint: cfg.Dashboard.TracingEndpoint,
				Insecure: true,
			})
			if terr != nil {
				log.Warn("tracing unavailable", "error", terr)
			} else {
				defer shutdown(context.Background())
			}
		}
		dash := dashboard.New(dashboard.Config{
			Port:          cfg.Dashboard.Port,
			ModsDir:       modsDir(cfg),
			ClientonlyDir: clientonlyDir(cfg),
			LogPath:       livelogPath(cfg),
			JavaMajor:     cfg.Server.JavaMajor,
			Tracing:       cfg.Dashboard.Tracing,
		}, sup, markers, builder, store, timeline, bk, console, scanner,
			config.NewView(cfg), promhttp.Handler(), log)
		g.Go(func() error { return dash.Run(gctx) })
	}

	if cfg.Telemetry.Enabled {
		tel := telemetry.New(telemetry.Config{
			URL:    cfg.Telemetry.URL,
			Token:  openSecret(cfg.Telemetry.TokenEnclave()),
			Org:    cfg.Telemetry.Org,
			Bucket: cfg.Telemetry.Bucket,
		}, log)
		defer tel.Close()
		g.Go(func() error { return tel.Run(gctx, timeline) })
	}

	if cfg.Curator.RunOnStartup {
		g.Go(func() error {
			refreshCuratedList(gctx, cfg, logger)
			return nil
		})
	}

	ux.Title("ModWarden")
	ux.Info(fmt.Sprintf("supervising %s %s server in %s",
		launch.DisplayName(manifest.Loader(cfg.Server.Loader)),
		cfg.Server.MCVersion, cfg.Server.Dir))

	err = g.Wait()
	switch {
	case err == nil || errors.Is(err, context.Canceled):
		ux.Success("supervisor stopped")
	case errors.Is(err, supervise.ErrCrashLoop):
		fail(fmt.Errorf("crash loop: %w (inspect quarantine/ and crash reports, then 'modwarden reset')", err))
	default:
		fail(err)
	}
}

// buildBackupLane wires the backup engine and its nightly scheduler
// when backups are enabled, returning the engine for the dashboard.
func buildBackupLane(ctx context.Context, cfg *config.Config, g *errgroup.Group,
	gctx context.Context, console *rcon.Console, timeline *events.Timeline,
	rec metrics.Recorder, logger *logging.Logger) *backup.Engine {

	if !cfg.Backup.Enabled {
		return nil
	}
	log := logger.Slog()

	var uploader backup.Uploader
	if cfg.Backup.GCSBucket != "" {
		up, err := backup.NewGCSUploader(ctx, backup.GCSConfig{
			Bucket:          cfg.Backup.GCSBucket,
			CredentialsFile: cfg.Backup.GCSCredentialsFile,
		}, log)
		if err != nil {
			log.Warn("gcs uploader unavailable, backups stay local", "error", err)
		} else {
			uploader = up
		}
	}

	send := func(ctx context.Context, command string) error {
		_, err := console.Run(ctx, command)
		return err
	}
	engine := backup.NewEngine(backup.Config{
		WorldDir:  pathIn(cfg.Server.Dir, cfg.Backup.WorldDir),
		BackupDir: pathIn(cfg.Server.Dir, cfg.Backup.BackupDir),
		Retention: cfg.Backup.Retention(),
	}, send, uploader, log)

	sched := backup.NewScheduler(engine, cfg.Backup.Hour, log)
	sched.OnResult = func(res *backup.Result, took time.Duration, err error) {
		rec.RecordBackup(took.Seconds(), err == nil)
		if err != nil {
			timeline.Append(events.KindBackup, "nightly backup failed: "+err.Error(), nil)
			return
		}
		timeline.Append(events.KindBackup,
			fmt.Sprintf("nightly backup %s complete (%d files)", res.Name, res.Files), nil)
	}
	g.Go(func() error { return sched.Run(gctx) })
	return engine
}

// refreshCuratedList runs one curation pass in the background. Failures
// are logged, never fatal: curation is advisory.
func refreshCuratedList(ctx context.Context, cfg *config.Config, logger *logging.Logger) {
	log := logger.Slog()
	store, err := catalog.Open(catalog.DefaultConfig(pathIn(cfg.Server.Dir, cfg.Curator.CatalogDir)))
	if err != nil {
		log.Warn("catalog unavailable, skipping startup curation", "error", err)
		return
	}
	defer store.Close()

	cur := curator.New(curator.Config{
		MCVersion: cfg.Server.MCVersion,
		Loader:    cfg.Server.Loader,
		Limit:     cfg.Curator.Limit,
		MaxDepth:  cfg.Curator.MaxDepth,
	}, newRegistry(cfg, logger), store, log)

	if _, _, err := cur.Curate(ctx, false); err != nil {
		log.Warn("startup curation failed", "error", err)
	}
}
