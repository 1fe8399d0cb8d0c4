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
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/awnumar/memguard"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/ModWarden/cmd/modwarden/config"
	"github.com/AleutianAI/ModWarden/pkg/logging"
	"github.com/AleutianAI/ModWarden/services/warden/manifest"
	"github.com/AleutianAI/ModWarden/services/warden/modindex"
	"github.com/AleutianAI/ModWarden/services/warden/quarantine"
	"github.com/AleutianAI/ModWarden/services/warden/registry"
	"github.com/AleutianAI/ModWarden/services/warden/resolve"
)

// loadConfig reads modwarden.yaml from --dir, creating it on first run.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(serverDir)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// newLogger builds the CLI logger. File logging lands under
// <dir>/logs/ so journals and files agree on where output goes.
func newLogger(cfg *config.Config, component string) *logging.Logger {
	return logging.New(logging.Config{
		Level:     logging.ParseLevel(logLevel),
		LogDir:    filepath.Join(cfg.Server.Dir, "logs"),
		Component: component,
	})
}

// pathIn resolves rel against the server root unless it is already
// absolute.
func pathIn(dir, rel string) string {
	if filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(dir, rel)
}

func modsDir(cfg *config.Config) string {
	return pathIn(cfg.Server.Dir, cfg.Server.ModsDir)
}

func clientonlyDir(cfg *config.Config) string {
	return pathIn(cfg.Server.Dir, cfg.Server.ClientonlyDir)
}

func quarantineDir(cfg *config.Config) string {
	return pathIn(cfg.Server.Dir, "quarantine")
}

func livelogPath(cfg *config.Config) string {
	return filepath.Join(cfg.Server.Dir, "live.log")
}

// openSecret copies an enclave's contents into a string for APIs that
// cannot take an enclave. Returns empty for nil enclaves.
func openSecret(enc *memguard.Enclave) string {
	if enc == nil {
		return ""
	}
	buf, err := enc.Open()
	if err != nil {
		return ""
	}
	defer buf.Destroy()
	return string(buf.Bytes())
}

// newRegistry wires the registry stack: Modrinth always, CurseForge
// when a key file is configured. Each registry gets its own limiter;
// their rate budgets are independent.
func newRegistry(cfg *config.Config, log *logging.Logger) *registry.Multi {
	httpc := &http.Client{Timeout: 30 * time.Second}
	every := time.Duration(cfg.Registry.RateLimitSeconds) * time.Second
	if every <= 0 {
		every = time.Second
	}

	regs := []registry.Registry{
		registry.NewModrinth(httpc, rate.NewLimiter(rate.Every(every), 1), log.Slog()),
	}
	if cfg.Registry.CurseForgeKeyFile != "" {
		keyPath := pathIn(cfg.Server.Dir, cfg.Registry.CurseForgeKeyFile)
		regs = append(regs,
			registry.NewCurseForge(httpc, rate.NewLimiter(rate.Every(every), 1), keyPath, log.Slog()))
	}
	return registry.NewMulti(log.Slog(), regs...)
}

// newResolver wires the dependency resolver over the shared builder,
// reader, and quarantine store.
func newResolver(cfg *config.Config, builder *modindex.Builder, reader *manifest.Reader,
	store *quarantine.Store, log *logging.Logger) *resolve.Resolver {

	return resolve.NewResolver(resolve.Config{
		ModsDir:       modsDir(cfg),
		ClientonlyDir: clientonlyDir(cfg),
		MCVersion:     cfg.Server.MCVersion,
		Loader:        manifest.Loader(cfg.Server.Loader),
		MaxDownloadMB: cfg.Registry.MaxDownloadMB,
	}, builder, reader, newRegistry(cfg, log), store, log.Slog())
}
