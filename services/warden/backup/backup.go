// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package backup snapshots the world directory and manages retention.
//
// A backup quiesces the server first: autosave off, a flushed
// save-all, a short settle for the flush to hit disk, then a plain
// file-tree copy into backups/world_{timestamp}. Autosave comes back
// on whether or not the copy worked. Console commands go through an
// injected sender, so the same engine runs over RCON, tmux send-keys,
// or nothing at all when the server is down (a cold copy is safe).
package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

var (
	// ErrNoWorld reports a backup attempt with no world directory.
	ErrNoWorld = errors.New("world directory missing")

	// ErrInsufficientSpace reports a preflight failure: the backup
	// filesystem cannot hold a copy of the world.
	ErrInsufficientSpace = errors.New("not enough disk space for backup")
)

const backupPrefix = "world_"

// CommandFunc sends one console command to the running server. Errors
// are logged, not fatal: a backup of a stopped server needs no
// quiescing.
type CommandFunc func(ctx context.Context, command string) error

// Uploader ships a finished backup offsite.
type Uploader interface {
	Upload(ctx context.Context, backupPath, name string) error
}

// Config holds the backup layout and policy.
type Config struct {
	// WorldDir is the live world. Defaults to "world".
	WorldDir string

	// BackupDir receives snapshots. Defaults to "backups".
	BackupDir string

	// Retention is how long snapshots live. Defaults to 7 days.
	Retention time.Duration

	// SettleTime is the pause after `save-all flush` before copying.
	// Defaults to 5 s.
	SettleTime time.Duration
}

func (c Config) withDefaults() Config {
	if c.WorldDir == "" {
		c.WorldDir = "world"
	}
	if c.BackupDir == "" {
		c.BackupDir = "backups"
	}
	if c.Retention == 0 {
		c.Retention = 7 * 24 * time.Hour
	}
	if c.SettleTime == 0 {
		c.SettleTime = 5 * time.Second
	}
	return c
}

// Result describes one finished backup.
type Result struct {
	Name     string
	Path     string
	Files    int
	Bytes    int64
	Duration time.Duration
	Pruned   []string
}

// Info describes one stored snapshot, for listings.
type Info struct {
	Name    string
	At      time.Time
	Bytes   int64
	Offsite bool
}

// Engine runs backups. Construct with NewEngine.
type Engine struct {
	cfg      Config
	send     CommandFunc
	uploader Uploader
	log      *slog.Logger

	now      func() time.Time
	diskFree func(path string) (uint64, error)
}

// NewEngine returns an Engine. send may be nil when no server console
// is reachable; uploader may be nil to keep backups local only.
func NewEngine(cfg Config, send CommandFunc, uploader Uploader, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Engine{
		cfg:      cfg.withDefaults(),
		send:     send,
		uploader: uploader,
		log:      log,
		now:      time.Now,
		diskFree: diskFree,
	}
}

// BackupNow snapshots the world. The server is quiesced around the
// copy when a console sender is wired; retention pruning runs after a
// successful copy.
func (e *Engine) BackupNow(ctx context.Context) (*Result, error) {
	start := e.now()

	if _, err := os.Stat(e.cfg.WorldDir); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNoWorld, e.cfg.WorldDir)
		}
		return nil, fmt.Errorf("stat world: %w", err)
	}
	if err := os.MkdirAll(e.cfg.BackupDir, 0o755); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}

	worldBytes, err := dirSize(e.cfg.WorldDir)
	if err != nil {
		return nil, fmt.Errorf("size world: %w", err)
	}
	free, err := e.diskFree(e.cfg.BackupDir)
	if err != nil {
		e.log.Warn("disk preflight unavailable, continuing", "error", err)
	} else if free < uint64(worldBytes) {
		return nil, fmt.Errorf("%w: need %d bytes, have %d", ErrInsufficientSpace, worldBytes, free)
	}

	name := backupPrefix + start.Format("20060102_150405")
	dest := filepath.Join(e.cfg.BackupDir, name)
	e.log.Info("backup starting", "name", name, "world_bytes", worldBytes)

	e.command(ctx, "save-off")
	e.command(ctx, "save-all flush")
	if err := e.settle(ctx); err != nil {
		e.command(ctx, "save-on")
		return nil, err
	}

	files, bytes, copyErr := copyTree(e.cfg.WorldDir, dest)
	e.command(ctx, "save-on")
	if copyErr != nil {
		return nil, fmt.Errorf("copy world: %w", copyErr)
	}

	res := &Result{
		Name:     name,
		Path:     dest,
		Files:    files,
		Bytes:    bytes,
		Duration: e.now().Sub(start),
	}
	res.Pruned = e.prune()

	if e.uploader != nil {
		if err := e.uploader.Upload(ctx, dest, name); err != nil {
			e.log.Warn("offsite upload failed, backup kept local", "name", name, "error", err)
		} else {
			e.log.Info("backup uploaded offsite", "name", name)
		}
	}

	e.log.Info("backup complete",
		"name", name, "files", files, "bytes", bytes,
		"duration", res.Duration, "pruned", len(res.Pruned))
	return res, nil
}

// List returns stored snapshots, newest first.
func (e *Engine) List() ([]Info, error) {
	entries, err := os.ReadDir(e.cfg.BackupDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read backup dir: %w", err)
	}
	var infos []Info
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), backupPrefix) {
			continue
		}
		fi, err := entry.Info()
		if err != nil {
			continue
		}
		bytes, err := dirSize(filepath.Join(e.cfg.BackupDir, entry.Name()))
		if err != nil {
			bytes = 0
		}
		infos = append(infos, Info{Name: entry.Name(), At: fi.ModTime(), Bytes: bytes})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].At.After(infos[j].At) })
	return infos, nil
}

func (e *Engine) command(ctx context.Context, cmd string) {
	if e.send == nil {
		return
	}
	if err := e.send(ctx, cmd); err != nil {
		e.log.Warn("console command failed during backup", "command", cmd, "error", err)
	}
}

func (e *Engine) settle(ctx context.Context) error {
	select {
	case <-time.After(e.cfg.SettleTime):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// prune removes snapshots older than the retention window. Only
// directories carrying the backup prefix are touched; anything else in
// the backup dir belongs to the operator.
func (e *Engine) prune() []string {
	cutoff := e.now().Add(-e.cfg.Retention)
	entries, err := os.ReadDir(e.cfg.BackupDir)
	if err != nil {
		e.log.Warn("retention scan failed", "error", err)
		return nil
	}
	var pruned []string
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), backupPrefix) {
			continue
		}
		fi, err := entry.Info()
		if err != nil || !fi.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(e.cfg.BackupDir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			e.log.Warn("prune failed", "backup", entry.Name(), "error", err)
			continue
		}
		e.log.Info("pruned old backup", "backup", entry.Name())
		pruned = append(pruned, entry.Name())
	}
	return pruned
}

func diskFree(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	return st.Bavail * uint64(st.Bsize), nil
}

func dirSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			fi, err := d.Info()
			if err != nil {
				return err
			}
			total += fi.Size()
		}
		return nil
	})
	return total, err
}

// copyTree copies every regular file under src into dest, preserving
// relative paths and file modes. Irregular files are skipped.
func copyTree(src, dest string) (files int, bytes int64, err error) {
	err = filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		n, err := copyFile(path, target)
		if err != nil {
			return err
		}
		files++
		bytes += n
		return nil
	})
	return files, bytes, err
}

func copyFile(src, dest string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	fi, err := in.Stat()
	if err != nil {
		return 0, err
	}
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fi.Mode().Perm())
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, in)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return 0, fmt.Errorf("copy %s: %w", src, err)
	}
	return n, nil
}
