// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session runs the game server inside a detached tmux session.
//
// tmux keeps the server console addressable after the warden restarts:
// an operator can attach to it, the warden can type into it, and
// pipe-pane copies everything the server prints into live.log for crash
// detection and the event hooks.
package session

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// Runner controls the lifecycle of the server console session.
type Runner interface {
	// Start launches the command in a fresh detached session with
	// console capture attached.
	Start(ctx context.Context, command string) error

	// Alive reports whether the session currently exists.
	Alive(ctx context.Context) bool

	// SendKeys types a command into the server console.
	SendKeys(ctx context.Context, command string) error

	// Kill tears the session down. Killing an absent session is not an
	// error.
	Kill(ctx context.Context) error
}

// Config configures a tmux runner.
type Config struct {
	// Name is the tmux session name. Empty picks "MC".
	Name string

	// WorkDir is the server directory the launch command runs in.
	// Empty picks the current directory.
	WorkDir string

	// LogPath receives the piped console output. Empty picks
	// "live.log", relative to WorkDir since the pipe process inherits
	// the session's directory.
	LogPath string

	// Timeout bounds each tmux invocation. Zero picks 10 s.
	Timeout time.Duration
}

// TmuxRunner implements Runner using the tmux command line.
type TmuxRunner struct {
	cfg Config
	log *slog.Logger

	run func(ctx context.Context, args ...string) (string, error)
}

// NewTmuxRunner builds a runner from config. A nil logger discards
// output.
func NewTmuxRunner(cfg Config, log *slog.Logger) *TmuxRunner {
	if cfg.Name == "" {
		cfg.Name = "MC"
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = "."
	}
	if cfg.LogPath == "" {
		cfg.LogPath = "live.log"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	r := &TmuxRunner{cfg: cfg, log: log}
	r.run = r.tmux
	return r
}

// tmux executes one tmux command and returns trimmed stdout.
func (r *TmuxRunner) tmux(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "tmux", args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("tmux %s: timeout after %v", args[0], r.cfg.Timeout)
		}
		return "", fmt.Errorf("tmux %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

// Start launches the command detached and attaches console capture.
// stdbuf keeps the server's stdout line-buffered so live.log stays
// current even when the server would otherwise block-buffer into a
// pipe. A session that cannot get its log capture is torn down again.
func (r *TmuxRunner) Start(ctx context.Context, command string) error {
	launch := fmt.Sprintf("cd %q && stdbuf -oL -eL %s", r.cfg.WorkDir, command)
	if _, err := r.run(ctx, "new-session", "-d", "-s", r.cfg.Name, launch); err != nil {
		return fmt.Errorf("start session: %w", err)
	}

	capture := fmt.Sprintf("cat >> %q", r.cfg.LogPath)
	if _, err := r.run(ctx, "pipe-pane", "-o", "-t", r.cfg.Name, capture); err != nil {
		if killErr := r.Kill(ctx); killErr != nil {
			r.log.Warn("failed to tear down half-started session",
				"session", r.cfg.Name,
				"error", killErr)
		}
		return fmt.Errorf("capture console log: %w", err)
	}

	r.log.Info("server session started",
		"session", r.cfg.Name,
		"workdir", r.cfg.WorkDir,
		"log", r.cfg.LogPath)
	return nil
}

// Alive reports whether the tmux session exists.
func (r *TmuxRunner) Alive(ctx context.Context) bool {
	_, err := r.run(ctx, "has-session", "-t", r.cfg.Name)
	return err == nil
}

// SendKeys types a command into the server console followed by Enter.
func (r *TmuxRunner) SendKeys(ctx context.Context, command string) error {
	if _, err := r.run(ctx, "send-keys", "-t", r.cfg.Name, command, "Enter"); err != nil {
		return fmt.Errorf("send %q: %w", command, err)
	}
	return nil
}

// Kill tears the session down. A session that is already gone, or a
// tmux server that is not running at all, counts as success.
func (r *TmuxRunner) Kill(ctx context.Context) error {
	if _, err := r.run(ctx, "kill-session", "-t", r.cfg.Name); err != nil {
		msg := err.Error()
		if strings.Contains(msg, "can't find session") || strings.Contains(msg, "no server running") {
			return nil
		}
		return fmt.Errorf("kill session: %w", err)
	}
	r.log.Info("server session killed", "session", r.cfg.Name)
	return nil
}

// Compile-time interface compliance check.
var _ Runner = (*TmuxRunner)(nil)
