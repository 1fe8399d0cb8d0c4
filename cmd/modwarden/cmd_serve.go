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
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/ModWarden/cmd/modwarden/config"
	"github.com/AleutianAI/ModWarden/pkg/tracing"
	"github.com/AleutianAI/ModWarden/pkg/ux"
	"github.com/AleutianAI/ModWarden/services/warden/crash"
	"github.com/AleutianAI/ModWarden/services/warden/dashboard"
	"github.com/AleutianAI/ModWarden/services/warden/events"
	"github.com/AleutianAI/ModWarden/services/warden/manifest"
	"github.com/AleutianAI/ModWarden/services/warden/modindex"
	"github.com/AleutianAI/ModWarden/services/warden/quarantine"
	"github.com/AleutianAI/ModWarden/services/warden/rcon"
	"github.com/AleutianAI/ModWarden/services/warden/session"
	"github.com/AleutianAI/ModWarden/services/warden/supervise"
)

// detachedStatus stands in for the supervisor when the dashboard runs
// alone: state is inferred from tmux, and the mod lock only guards
// against concurrent dashboard requests.
type detachedStatus struct {
	mu     sync.Mutex
	runner session.Runner
}

func (d *detachedStatus) Status() supervise.Status {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	alive := d.runner.Alive(ctx)
	state := supervise.StateStopped
	if alive {
		state = supervise.StateMonitoring
	}
	return supervise.Status{State: state, SessionAlive: alive}
}

func (d *detachedStatus) WithModLock(fn func() error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return fn()
}

// runServe hosts the dashboard over an unsupervised server directory:
// mod management, downloads, backups, and marker control all work; the
// markers take effect when a supervisor starts.
func runServe(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig()
	if err != nil {
		fail(err)
	}
	logger := newLogger(cfg, "dashboard")
	defer logger.Close()
	log := logger.Slog()

	reader := manifest.NewReader(log)
	builder := modindex.NewBuilder(reader, log)
	store := quarantine.NewStore(quarantineDir(cfg), log)
	markers := supervise.NewMarkers(cfg.Server.Dir, log)
	timeline := events.NewTimeline(512, log)
	console := rcon.NewConsole(rcon.Config{
		Host:     cfg.RCON.Host,
		Port:     cfg.RCON.Port,
		Password: cfg.RCON.Password(),
	}, log)
	status := &detachedStatus{
		runner: session.NewTmuxRunner(session.Config{WorkDir: cfg.Server.Dir}, log),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

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
	}, status, markers, builder, store, timeline,
		newBackupEngine(ctx, cfg, logger), console, crash.NewScanner(log),
		config.NewView(cfg), promhttp.Handler(), log)

	ux.Title("ModWarden dashboard")
	ux.Info(fmt.Sprintf("listening on http://localhost:%d", cfg.Dashboard.Port))

	if err := dash.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fail(err)
	}
	ux.Success("dashboard stopped")
}
