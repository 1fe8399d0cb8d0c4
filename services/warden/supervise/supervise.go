// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package supervise runs the self-healing server loop.
//
// One supervisor owns one server: it sorts and resolves the mod tree,
// launches the server in a tmux session, watches the session until it
// exits, classifies whatever it printed, applies one corrective action,
// and relaunches — bounded by a restart budget and a cooldown so a mod
// set that cannot be fixed stops burning CPU instead of crash-looping
// forever.
//
// The loop is deliberately sequential. Everything that mutates the mod
// tree — the resolver, the healer, the side sorter, and the dashboard's
// quarantine endpoints — runs under the supervisor's single mutation
// lock, because two uncoordinated renames in the same directory race.
//
// Operators talk to a running supervisor through marker files (see
// Markers), never through signals: markers survive a supervisor restart
// and can be created by hand.
package supervise

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/ModWarden/services/warden/crash"
	"github.com/AleutianAI/ModWarden/services/warden/events"
	"github.com/AleutianAI/ModWarden/services/warden/heal"
	"github.com/AleutianAI/ModWarden/services/warden/metrics"
	"github.com/AleutianAI/ModWarden/services/warden/resolve"
	"github.com/AleutianAI/ModWarden/services/warden/session"
)

var (
	// ErrCrashLoop reports that the restart budget or the
	// consecutive-unknown-crash cap was exceeded. The supervisor stops
	// relaunching; an operator has to intervene and write the reset
	// marker.
	ErrCrashLoop = errors.New("crash loop: restart budget exhausted")

	// ErrConfiguration reports an unlaunchable setup, detected before
	// any restart is worth attempting.
	ErrConfiguration = errors.New("configuration error")
)

// State labels one phase of the supervisor loop.
type State string

const (
	StateInit       State = "init"
	StatePreflight  State = "preflight"
	StateLaunching  State = "launching"
	StateMonitoring State = "monitoring"
	StateCrashed    State = "crashed"
	StateHealing    State = "healing"
	StateCleanExit  State = "clean_exit"
	StateStopped    State = "stopped"
	StateFatal      State = "fatal"
)

// cleanExitMarkers are the shutdown phrases the server prints on a
// deliberate stop. Seen in the exit tail they mean nobody crashed.
var cleanExitMarkers = []string{
	"stopping the server",
	"stopping server",
	"server stopped",
}

// Preflighter resolves the dependency graph before a launch.
type Preflighter interface {
	Preflight(ctx context.Context) (*resolve.Resolution, error)
}

// Healer applies one corrective action for a diagnosed crash.
type Healer interface {
	Heal(ctx context.Context, diag crash.Diagnosis, hist *crash.History) (*heal.Action, error)
}

// Sorter relocates client-only mods out of the server's mod tree.
type Sorter interface {
	SortModsByType(modsDir, clientonlyDir string) ([]string, error)
}

// Launcher prepares the server directory and renders the launch
// command line.
type Launcher interface {
	Prepare() error
	CommandLine() (string, error)
}

// ConsoleSender runs a command on the live server console. The
// supervisor prefers it over typing into tmux for stop and save
// commands because RCON acknowledges them.
type ConsoleSender interface {
	Run(ctx context.Context, command string) (string, error)
	Available(ctx context.Context) bool
}

// Config carries the loop's paths and thresholds.
type Config struct {
	// Dir is the server root; live.log, the markers, and
	// crash-reports/ live under it.
	Dir string

	// ModsDir and ClientonlyDir are the trees the preflight sorter
	// works on. Default "mods" and "clientonly" under Dir.
	ModsDir       string
	ClientonlyDir string

	// LogPath is the console capture file. Default "live.log" under
	// Dir.
	LogPath string

	// MaxRestartAttempts bounds healed relaunches before FATAL.
	// Default 3.
	MaxRestartAttempts int

	// MaxUnknownCrashes bounds consecutive unclassifiable crashes
	// before FATAL. Default 3.
	MaxUnknownCrashes int

	// Cooldown is the sleep between a heal and the relaunch. Default
	// 30 s.
	Cooldown time.Duration

	// PollInterval is the session liveness poll. Default 5 s.
	PollInterval time.Duration

	// HangTimeout kills a session that produced no output since
	// launch. Default 5 m.
	HangTimeout time.Duration

	// StabilityWindow is how long a session must stay up before the
	// restart counter resets. Default 10 m.
	StabilityWindow time.Duration

	// StopWait bounds how long a stopped supervisor parks waiting for
	// the stop marker to go away before exiting. Default 24 h.
	StopWait time.Duration

	// GracefulStopWait bounds the wait for the server to exit after a
	// console stop before the session is killed. Default 30 s.
	GracefulStopWait time.Duration

	// JavaMajor is the running runtime's class-file major, for the
	// preflight jar scan. Zero skips the scan.
	JavaMajor int
}

func (c Config) withDefaults() Config {
	if c.Dir == "" {
		c.Dir = "."
	}
	if c.ModsDir == "" {
		c.ModsDir = filepath.Join(c.Dir, "mods")
	}
	if c.ClientonlyDir == "" {
		c.ClientonlyDir = filepath.Join(c.Dir, "clientonly")
	}
	if c.LogPath == "" {
		c.LogPath = filepath.Join(c.Dir, "live.log")
	}
	if c.MaxRestartAttempts <= 0 {
		c.MaxRestartAttempts = 3
	}
	if c.MaxUnknownCrashes <= 0 {
		c.MaxUnknownCrashes = 3
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.HangTimeout <= 0 {
		c.HangTimeout = 5 * time.Minute
	}
	if c.StabilityWindow <= 0 {
		c.StabilityWindow = 10 * time.Minute
	}
	if c.StopWait <= 0 {
		c.StopWait = 24 * time.Hour
	}
	if c.GracefulStopWait <= 0 {
		c.GracefulStopWait = 30 * time.Second
	}
	return c
}

// Status is a point-in-time snapshot for the dashboard and the CLI.
type Status struct {
	State         State            `json:"state"`
	RestartCount  int              `json:"restart_count"`
	SessionAlive  bool             `json:"session_alive"`
	LaunchedAt    time.Time        `json:"launched_at,omitempty"`
	LastDiagnosis *crash.Diagnosis `json:"last_diagnosis,omitempty"`
	LastHeal      *heal.Action     `json:"last_heal,omitempty"`
}

// Supervisor is the launch/monitor/classify/heal/restart loop.
type Supervisor struct {
	cfg      Config
	runner   session.Runner
	launcher Launcher
	sorter   Sorter
	resolver Preflighter
	healer   Healer
	console  ConsoleSender
	scanner  *crash.Scanner
	markers  *Markers
	timeline *events.Timeline
	metrics  metrics.Recorder
	log      *slog.Logger

	// modMu serializes every mod-tree mutation, shared with the
	// dashboard via WithModLock.
	modMu sync.Mutex

	hist *crash.History

	statusMu sync.Mutex
	status   Status
}

// New wires a supervisor. runner, launcher, sorter, resolver, healer,
// and markers are required; console, scanner, timeline, and rec may be
// nil for reduced deployments.
func New(cfg Config, runner session.Runner, launcher Launcher, sorter Sorter,
	resolver Preflighter, healer Healer, console ConsoleSender,
	scanner *crash.Scanner, markers *Markers, timeline *events.Timeline,
	rec metrics.Recorder, log *slog.Logger) *Supervisor {

	cfg = cfg.withDefaults()
	if timeline == nil {
		timeline = events.NewTimeline(0, nil)
	}
	if rec == nil {
		rec = metrics.NewNoOpRecorder()
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Supervisor{
		cfg:      cfg,
		runner:   runner,
		launcher: launcher,
		sorter:   sorter,
		resolver: resolver,
		healer:   healer,
		console:  console,
		scanner:  scanner,
		markers:  markers,
		timeline: timeline,
		metrics:  rec,
		log:      log,
		hist:     crash.NewHistory(0),
		status:   Status{State: StateInit},
	}
}

// Markers returns the marker store the loop obeys, for the dashboard's
// start/stop/restart endpoints.
func (s *Supervisor) Markers() *Markers { return s.markers }

// History returns the rolling crash history.
func (s *Supervisor) History() *crash.History { return s.hist }

// WithModLock runs fn holding the mod-tree mutation lock. Everything
// outside the loop that renames, deletes, or downloads into the mod
// directories must go through here.
func (s *Supervisor) WithModLock(fn func() error) error {
	s.modMu.Lock()
	defer s.modMu.Unlock()
	return fn()
}

// Status returns the current snapshot.
func (s *Supervisor) Status() Status {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	return s.status
}

func (s *Supervisor) setState(st State) {
	s.statusMu.Lock()
	prev := s.status.State
	s.status.State = st
	s.statusMu.Unlock()
	if prev == st {
		return
	}
	s.metrics.SetState(string(st))
	s.timeline.Append(events.KindState, fmt.Sprintf("supervisor: %s -> %s", prev, st), nil)
	s.log.Info("state transition", "from", prev, "to", st)
}

func (s *Supervisor) updateStatus(fn func(*Status)) {
	s.statusMu.Lock()
	fn(&s.status)
	s.statusMu.Unlock()
}

// Run drives the loop until a terminal state or ctx cancellation. A
// nil return is a deliberate stop (clean exit or operator stop);
// ErrCrashLoop and ErrConfiguration are the fatal outcomes.
func (s *Supervisor) Run(ctx context.Context) error {
	wake, err := s.markers.Watch(ctx)
	if err != nil {
		s.log.Warn("marker watch unavailable, polling only", "error", err)
	}

	restarts := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.markers.Consume(MarkerReset) {
			restarts = 0
			s.hist.Reset()
			s.updateStatus(func(st *Status) { st.RestartCount = 0 })
			s.timeline.Append(events.KindState, "restart counter reset by operator", nil)
		}
		if s.markers.Present(MarkerStop) {
			resume, err := s.park(ctx, wake)
			if err != nil || !resume {
				return err
			}
			continue
		}

		if err := s.preflight(ctx); err != nil {
			s.setState(StateFatal)
			return err
		}

		offset, err := s.launch(ctx)
		if err != nil {
			s.setState(StateFatal)
			return err
		}

		outcome := s.monitor(ctx, wake, offset, &restarts)
		switch outcome {
		case exitCanceled:
			s.shutdownServer(context.WithoutCancel(ctx))
			return ctx.Err()

		case exitOperatorStop:
			resume, err := s.park(ctx, wake)
			if err != nil || !resume {
				return err
			}

		case exitOperatorRestart:
			s.timeline.Append(events.KindState, "operator restart", nil)
			// No budget spent; straight back to preflight.

		case exitClean:
			s.setState(StateCleanExit)
			if s.markers.Present(MarkerStop) {
				resume, err := s.park(ctx, wake)
				if err != nil || !resume {
					return err
				}
				continue
			}
			// A clean stop with no marker came from inside the game —
			// an admin typed `stop`. Relaunching would fight them.
			s.timeline.Append(events.KindState, "server stopped cleanly, supervisor exiting", nil)
			return nil

		case exitCrashed, exitHung:
			fatal, consumed := s.onCrash(ctx, offset, outcome == exitHung)
			if fatal {
				s.setState(StateFatal)
				return ErrCrashLoop
			}
			if consumed {
				restarts++
				s.updateStatus(func(st *Status) { st.RestartCount = restarts })
				if restarts >= s.cfg.MaxRestartAttempts {
					s.log.Error("restart budget exhausted", "restarts", restarts)
					s.setState(StateFatal)
					return ErrCrashLoop
				}
			}
			if err := sleepCtx(ctx, s.cfg.Cooldown); err != nil {
				return err
			}
		}
	}
}

// preflight sorts sides, resolves dependencies, and reports the java
// fit, all under the mod lock. Resolution failures are logged, not
// fatal: a registry outage should not keep a launchable server down.
func (s *Supervisor) preflight(ctx context.Context) error {
	s.setState(StatePreflight)

	return s.WithModLock(func() error {
		if moved, err := s.sorter.SortModsByType(s.cfg.ModsDir, s.cfg.ClientonlyDir); err != nil {
			s.log.Warn("side sort failed", "error", err)
		} else if len(moved) > 0 {
			s.timeline.Append(events.KindState,
				fmt.Sprintf("moved %d client-only mods aside", len(moved)),
				map[string]string{"moved": strings.Join(moved, ", ")})
		}

		res, err := s.resolver.Preflight(ctx)
		if err != nil {
			s.log.Warn("dependency resolution failed", "error", err)
		} else {
			if len(res.Fetched) > 0 || len(res.Quarantined) > 0 {
				s.timeline.Append(events.KindState,
					fmt.Sprintf("preflight: fetched %d, rolled back %d, unresolved %d",
						len(res.Fetched), len(res.Quarantined), len(res.Unresolved)), nil)
			}
			for range res.Quarantined {
				s.metrics.RecordQuarantine("preflight_rollback")
			}
		}

		if s.scanner != nil && s.cfg.JavaMajor > 0 {
			report, err := s.scanner.Scan(s.cfg.ModsDir, s.cfg.JavaMajor)
			if err != nil {
				s.log.Warn("java scan failed", "error", err)
			} else if report.RecommendMajor > 0 {
				s.timeline.Append(events.KindState,
					fmt.Sprintf("mod set wants Java %d, running %d", report.RecommendMajor, report.RunningMajor), nil)
			}
		}
		return nil
	})
}

// launch prepares the environment and starts the session. It records
// the log size beforehand so only new output is attributed to this
// attempt. A stale session is always torn down first.
func (s *Supervisor) launch(ctx context.Context) (int64, error) {
	s.setState(StateLaunching)

	if err := s.launcher.Prepare(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	command, err := s.launcher.CommandLine()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	offset := fileSize(s.cfg.LogPath)

	if err := s.runner.Kill(ctx); err != nil {
		s.log.Warn("stale session teardown failed", "error", err)
	}
	if err := s.runner.Start(ctx, command); err != nil {
		return 0, fmt.Errorf("%w: launch: %v", ErrConfiguration, err)
	}

	now := time.Now()
	s.updateStatus(func(st *Status) {
		st.SessionAlive = true
		st.LaunchedAt = now
	})
	s.setState(StateMonitoring)
	return offset, nil
}

type exitKind int

const (
	exitCrashed exitKind = iota
	exitClean
	exitHung
	exitOperatorStop
	exitOperatorRestart
	exitCanceled
)

// monitor polls the session until it exits or a marker intervenes. A
// session that never writes a byte within the hang timeout is killed
// and treated as hung. Surviving the stability window resets the
// restart counter.
func (s *Supervisor) monitor(ctx context.Context, wake <-chan string, offset int64, restarts *int) exitKind {
	launched := time.Now()
	sawOutput := false
	stable := false

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return exitCanceled
		case <-ticker.C:
		case <-wake:
		}

		if s.markers.Consume(MarkerReset) {
			*restarts = 0
			s.hist.Reset()
			s.updateStatus(func(st *Status) { st.RestartCount = 0 })
			s.timeline.Append(events.KindState, "restart counter reset by operator", nil)
		}
		if s.markers.Present(MarkerStop) {
			s.shutdownServer(ctx)
			return exitOperatorStop
		}
		if s.markers.Consume(MarkerRestart) {
			s.shutdownServer(ctx)
			return exitOperatorRestart
		}

		if !s.runner.Alive(ctx) {
			s.updateStatus(func(st *Status) { st.SessionAlive = false })
			if s.tailIsClean(offset) {
				return exitClean
			}
			return exitCrashed
		}

		if fileSize(s.cfg.LogPath) > offset {
			sawOutput = true
		}
		if !sawOutput && time.Since(launched) >= s.cfg.HangTimeout {
			s.log.Error("session hung with no output, killing", "since", time.Since(launched))
			s.runner.Kill(ctx)
			s.updateStatus(func(st *Status) { st.SessionAlive = false })
			return exitHung
		}

		if !stable && time.Since(launched) >= s.cfg.StabilityWindow {
			stable = true
			if *restarts > 0 {
				*restarts = 0
				s.updateStatus(func(st *Status) { st.RestartCount = 0 })
				s.timeline.Append(events.KindState, "server stable, restart counter reset", nil)
			}
		}
	}
}

// onCrash classifies the exit tail and applies one heal. It returns
// (fatal, consumed): fatal ends the loop with ErrCrashLoop, consumed
// charges the restart budget.
func (s *Supervisor) onCrash(ctx context.Context, offset int64, hung bool) (fatal, consumed bool) {
	s.setState(StateCrashed)

	text := s.readTail(offset)
	if report, err := crash.ReadNewestReport(filepath.Join(s.cfg.Dir, "crash-reports")); err == nil && report != "" {
		text += "\n" + report
	}

	diag := crash.Classify(text)
	if hung && diag.Type == crash.TypeUnknown {
		diag.Message = "session hung with no output"
	}
	s.hist.Append(diag)
	s.updateStatus(func(st *Status) { st.LastDiagnosis = &diag })
	s.timeline.Append(events.KindCrash, fmt.Sprintf("crash diagnosed: %s", diag.Type),
		map[string]string{"culprit": diag.Culprit, "dependency": diag.Dependency})
	s.log.Warn("crash diagnosed", "type", diag.Type, "culprit", diag.Culprit)

	if diag.Type == crash.TypeUnknown &&
		s.hist.ConsecutiveUnknown() >= s.cfg.MaxUnknownCrashes {
		s.log.Error("consecutive unknown crashes, giving up",
			"count", s.hist.ConsecutiveUnknown())
		return true, false
	}

	s.setState(StateHealing)
	var action *heal.Action
	err := s.WithModLock(func() error {
		var herr error
		action, herr = s.healer.Heal(ctx, diag, s.hist)
		return herr
	})
	if err != nil {
		s.log.Error("heal failed", "error", err)
		action = &heal.Action{Result: heal.ResultNone, Detail: err.Error()}
	}

	s.updateStatus(func(st *Status) { st.LastHeal = action })
	s.metrics.RecordHeal(string(diag.Type), string(action.Result))
	for range action.Quarantined {
		s.metrics.RecordQuarantine(string(diag.Type))
	}
	s.timeline.Append(events.KindHeal, fmt.Sprintf("heal: %s (%s)", action.Result, action.Detail), nil)

	if action.Result == heal.ResultIgnored {
		return false, false
	}
	s.metrics.RecordRestart(string(diag.Type))
	return false, true
}

// park waits in STOPPED until the stop marker disappears, the wait
// budget runs out, or ctx ends. It returns resume=true when the
// operator cleared the marker.
func (s *Supervisor) park(ctx context.Context, wake <-chan string) (resume bool, err error) {
	s.shutdownServer(ctx)
	s.setState(StateStopped)
	s.timeline.Append(events.KindState, "parked: stop marker present", nil)

	deadline := time.Now().Add(s.cfg.StopWait)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if !s.markers.Present(MarkerStop) {
			s.timeline.Append(events.KindState, "stop marker cleared, resuming", nil)
			return true, nil
		}
		if time.Now().After(deadline) {
			s.log.Info("stop wait exhausted, exiting")
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		case <-wake:
		}
	}
}

// shutdownServer stops the child gracefully: console stop when RCON
// answers, send-keys otherwise, kill after the graceful wait.
func (s *Supervisor) shutdownServer(ctx context.Context) {
	if !s.runner.Alive(ctx) {
		return
	}
	sent := false
	if s.console != nil && s.console.Available(ctx) {
		if _, err := s.console.Run(ctx, "stop"); err == nil {
			sent = true
		}
	}
	if !sent {
		if err := s.runner.SendKeys(ctx, "stop"); err != nil {
			s.log.Warn("console stop failed", "error", err)
		}
	}

	deadline := time.Now().Add(s.cfg.GracefulStopWait)
	for time.Now().Before(deadline) {
		if !s.runner.Alive(ctx) {
			break
		}
		if err := sleepCtx(ctx, time.Second); err != nil {
			break
		}
	}
	if err := s.runner.Kill(ctx); err != nil {
		s.log.Warn("session kill failed", "error", err)
	}
	s.updateStatus(func(st *Status) { st.SessionAlive = false })
}

// tailIsClean reports whether the post-offset log ends in a deliberate
// shutdown rather than a crash.
func (s *Supervisor) tailIsClean(offset int64) bool {
	tail := strings.ToLower(s.readTail(offset))
	for _, marker := range cleanExitMarkers {
		if strings.Contains(tail, marker) {
			return true
		}
	}
	return false
}

// readTailMax caps how much exit log the classifier sees. Crashes sit
// at the end; half a megabyte of tail is more than any diagnosis
// needs.
const readTailMax = 512 * 1024

func (s *Supervisor) readTail(offset int64) string {
	f, err := os.Open(s.cfg.LogPath)
	if err != nil {
		return ""
	}
	defer f.Close()

	size := fileSize(s.cfg.LogPath)
	if size-offset > readTailMax {
		offset = size - readTailMax
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return ""
		}
	}
	data, err := io.ReadAll(io.LimitReader(f, readTailMax))
	if err != nil {
		return ""
	}
	return string(data)
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
