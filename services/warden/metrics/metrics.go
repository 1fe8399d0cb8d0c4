// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package metrics provides Prometheus metrics for the server warden.
//
// # Description
//
// Two Recorder implementations share one interface:
//
//   - NoOpRecorder: tracks totals in memory, no export
//   - PromRecorder: full Prometheus export with labels
//
// The dashboard's /metrics endpoint serves whatever the PromRecorder
// registered. Deployments without Prometheus run the NoOpRecorder and
// lose nothing but the export.
//
// # Metrics Exported
//
// Warden metrics (warden subsystem):
//
//   - modwarden_warden_heals_total: Counter by diagnosis and action
//   - modwarden_warden_quarantines_total: Counter by cause
//   - modwarden_warden_restarts_total: Counter by reason
//   - modwarden_warden_state: Gauge, 1 on the current supervisor state
//
// Server metrics (server subsystem):
//
//   - modwarden_server_players: Gauge of connected players
//
// Backup metrics (backup subsystem):
//
//   - modwarden_backup_runs_total: Counter by status
//   - modwarden_backup_duration_seconds: Histogram of run durations
//
// Registry metrics (registry subsystem):
//
//   - modwarden_registry_downloads_total: Counter by source and status
//
// # Thread Safety
//
// All recorder operations are safe for concurrent use.
package metrics

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// === Constants ===

const (
	// metricsNamespace is the namespace for all warden metrics.
	metricsNamespace = "modwarden"

	// subsystemWarden holds supervisor and self-heal metrics.
	subsystemWarden = "warden"

	// subsystemServer holds metrics about the running game server.
	subsystemServer = "server"

	// subsystemBackup holds world backup metrics.
	subsystemBackup = "backup"

	// subsystemRegistry holds mod registry download metrics.
	subsystemRegistry = "registry"
)

// === Interface ===

// Recorder records warden activity for monitoring.
//
// Label arguments must stay low-cardinality: pass the diagnosis type or
// a short category, never a free-text reason.
type Recorder interface {
	// RecordHeal records one self-heal pass by diagnosis type and the
	// action taken (fixed, quarantined, ignored, none).
	RecordHeal(diagnosis, action string)

	// RecordQuarantine records a mod moved to quarantine. The cause is
	// the diagnosis type that triggered it, or "operator".
	RecordQuarantine(cause string)

	// RecordRestart records a server relaunch by reason (crash, hang,
	// operator).
	RecordRestart(reason string)

	// RecordBackup records one backup run with its duration.
	RecordBackup(seconds float64, success bool)

	// RecordDownload records a registry download attempt by source.
	RecordDownload(source string, success bool)

	// SetState marks the current supervisor state.
	SetState(state string)

	// SetPlayers updates the connected player count.
	SetPlayers(count int)

	// Register registers any collectors with the default Prometheus
	// registry. Safe to call on recorders with nothing to register.
	Register() error
}

// === NoOpRecorder ===

// NoOpRecorder tracks totals in memory without exporting them. Useful
// for development, tests, and deployments without Prometheus.
type NoOpRecorder struct {
	healsTotal       atomic.Int64
	quarantinesTotal atomic.Int64
	restartsTotal    atomic.Int64
	backupsTotal     atomic.Int64
	downloadsTotal   atomic.Int64
	players          atomic.Int64

	mu    sync.Mutex
	state string
}

// NewNoOpRecorder creates an in-memory recorder.
func NewNoOpRecorder() *NoOpRecorder {
	return &NoOpRecorder{}
}

func (m *NoOpRecorder) RecordHeal(diagnosis, action string) {
	m.healsTotal.Add(1)
}

func (m *NoOpRecorder) RecordQuarantine(cause string) {
	m.quarantinesTotal.Add(1)
}

func (m *NoOpRecorder) RecordRestart(reason string) {
	m.restartsTotal.Add(1)
}

func (m *NoOpRecorder) RecordBackup(seconds float64, success bool) {
	m.backupsTotal.Add(1)
}

func (m *NoOpRecorder) RecordDownload(source string, success bool) {
	m.downloadsTotal.Add(1)
}

func (m *NoOpRecorder) SetState(state string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = state
}

func (m *NoOpRecorder) SetPlayers(count int) {
	m.players.Store(int64(count))
}

// Register is a no-op; there are no collectors to register.
func (m *NoOpRecorder) Register() error {
	return nil
}

// GetHealsTotal returns the heal count for testing.
func (m *NoOpRecorder) GetHealsTotal() int64 { return m.healsTotal.Load() }

// GetQuarantinesTotal returns the quarantine count for testing.
func (m *NoOpRecorder) GetQuarantinesTotal() int64 { return m.quarantinesTotal.Load() }

// GetRestartsTotal returns the restart count for testing.
func (m *NoOpRecorder) GetRestartsTotal() int64 { return m.restartsTotal.Load() }

// GetBackupsTotal returns the backup run count for testing.
func (m *NoOpRecorder) GetBackupsTotal() int64 { return m.backupsTotal.Load() }

// GetDownloadsTotal returns the download attempt count for testing.
func (m *NoOpRecorder) GetDownloadsTotal() int64 { return m.downloadsTotal.Load() }

// GetState returns the last recorded supervisor state.
func (m *NoOpRecorder) GetState() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// GetPlayers returns the last recorded player count.
func (m *NoOpRecorder) GetPlayers() int64 { return m.players.Load() }

// === PromRecorder ===

// PromRecorder exports warden metrics to Prometheus. Create with
// NewPromRecorder, then call Register once at startup.
type PromRecorder struct {
	// HealsTotal counts self-heal passes.
	// Labels: diagnosis (missing_dependency, mod_conflict, ...),
	// action (fixed, quarantined, ignored, none)
	HealsTotal *prometheus.CounterVec

	// QuarantinesTotal counts mods moved to quarantine.
	// Labels: cause (diagnosis type or operator)
	QuarantinesTotal *prometheus.CounterVec

	// RestartsTotal counts server relaunches.
	// Labels: reason (crash, hang, operator)
	RestartsTotal *prometheus.CounterVec

	// State is 1 on the current supervisor state, 0 on the others.
	// Labels: state
	State *prometheus.GaugeVec

	// Players tracks connected players.
	Players prometheus.Gauge

	// BackupRuns counts backup runs.
	// Labels: status (success, error)
	BackupRuns *prometheus.CounterVec

	// BackupDuration measures backup run durations.
	// Labels: status (success, error)
	BackupDuration *prometheus.HistogramVec

	// DownloadsTotal counts registry download attempts.
	// Labels: source (modrinth, curseforge), status (success, error)
	DownloadsTotal *prometheus.CounterVec

	mu         sync.Mutex
	lastState  string
	registered bool
}

// NewPromRecorder creates a Prometheus-backed recorder. The collectors
// are unregistered until Register or RegisterWith is called.
func NewPromRecorder() *PromRecorder {
	return &PromRecorder{
		HealsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: subsystemWarden,
				Name:      "heals_total",
				Help:      "Total self-heal passes by diagnosis type and action taken",
			},
			[]string{"diagnosis", "action"},
		),

		QuarantinesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: subsystemWarden,
				Name:      "quarantines_total",
				Help:      "Total mods moved to quarantine by cause",
			},
			[]string{"cause"},
		),

		RestartsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: subsystemWarden,
				Name:      "restarts_total",
				Help:      "Total server relaunches by reason",
			},
			[]string{"reason"},
		),

		State: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: subsystemWarden,
				Name:      "state",
				Help:      "Supervisor state, 1 on the current state",
			},
			[]string{"state"},
		),

		Players: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: subsystemServer,
				Name:      "players",
				Help:      "Connected player count",
			},
		),

		BackupRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: subsystemBackup,
				Name:      "runs_total",
				Help:      "Total world backup runs by status",
			},
			[]string{"status"},
		),

		BackupDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: subsystemBackup,
				Name:      "duration_seconds",
				Help:      "World backup run duration in seconds",
				Buckets:   []float64{1, 5, 15, 60, 300, 900},
			},
			[]string{"status"},
		),

		DownloadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: subsystemRegistry,
				Name:      "downloads_total",
				Help:      "Total mod registry download attempts by source and status",
			},
			[]string{"source", "status"},
		),
	}
}

func (m *PromRecorder) RecordHeal(diagnosis, action string) {
	m.HealsTotal.WithLabelValues(diagnosis, action).Inc()
}

func (m *PromRecorder) RecordQuarantine(cause string) {
	m.QuarantinesTotal.WithLabelValues(cause).Inc()
}

func (m *PromRecorder) RecordRestart(reason string) {
	m.RestartsTotal.WithLabelValues(reason).Inc()
}

func (m *PromRecorder) RecordBackup(seconds float64, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	m.BackupRuns.WithLabelValues(status).Inc()
	m.BackupDuration.WithLabelValues(status).Observe(seconds)
}

func (m *PromRecorder) RecordDownload(source string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	m.DownloadsTotal.WithLabelValues(source, status).Inc()
}

// SetState raises the gauge for the new state and clears the previous
// one, so at most one state reads 1 at any time.
func (m *PromRecorder) SetState(state string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastState != "" && m.lastState != state {
		m.State.WithLabelValues(m.lastState).Set(0)
	}
	m.State.WithLabelValues(state).Set(1)
	m.lastState = state
}

func (m *PromRecorder) SetPlayers(count int) {
	m.Players.Set(float64(count))
}

// Register registers all collectors with the default Prometheus
// registry. Registering twice is a no-op.
func (m *PromRecorder) Register() error {
	return m.RegisterWith(prometheus.DefaultRegisterer)
}

// RegisterWith registers all collectors with the given registry. The
// first call wins; later calls are no-ops regardless of registry.
func (m *PromRecorder) RegisterWith(reg prometheus.Registerer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{
		m.HealsTotal,
		m.QuarantinesTotal,
		m.RestartsTotal,
		m.State,
		m.Players,
		m.BackupRuns,
		m.BackupDuration,
		m.DownloadsTotal,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}

	m.registered = true
	return nil
}

// === Factory ===

// NewRecorder returns a PromRecorder when Prometheus export is enabled,
// a NoOpRecorder otherwise.
func NewRecorder(enablePrometheus bool) Recorder {
	if enablePrometheus {
		return NewPromRecorder()
	}
	return NewNoOpRecorder()
}

// Compile-time interface compliance checks.
var _ Recorder = (*NoOpRecorder)(nil)
var _ Recorder = (*PromRecorder)(nil)
