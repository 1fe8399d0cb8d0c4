// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// Tests for the warden metrics recorders.

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// ============================================================================
// NoOpRecorder Tests
// ============================================================================

func TestNoOpRecorder_CountsInMemory(t *testing.T) {
	m := NewNoOpRecorder()

	m.RecordHeal("missing_dependency", "fixed")
	m.RecordHeal("mod_conflict", "quarantined")
	m.RecordQuarantine("mod_error")
	m.RecordRestart("crash")
	m.RecordRestart("operator")
	m.RecordBackup(12.5, true)
	m.RecordDownload("modrinth", true)
	m.RecordDownload("curseforge", false)

	if got := m.GetHealsTotal(); got != 2 {
		t.Errorf("GetHealsTotal() = %d, want 2", got)
	}
	if got := m.GetQuarantinesTotal(); got != 1 {
		t.Errorf("GetQuarantinesTotal() = %d, want 1", got)
	}
	if got := m.GetRestartsTotal(); got != 2 {
		t.Errorf("GetRestartsTotal() = %d, want 2", got)
	}
	if got := m.GetBackupsTotal(); got != 1 {
		t.Errorf("GetBackupsTotal() = %d, want 1", got)
	}
	if got := m.GetDownloadsTotal(); got != 2 {
		t.Errorf("GetDownloadsTotal() = %d, want 2", got)
	}
}

func TestNoOpRecorder_StateAndPlayers(t *testing.T) {
	m := NewNoOpRecorder()

	m.SetState("monitoring")
	if got := m.GetState(); got != "monitoring" {
		t.Errorf("GetState() = %q, want %q", got, "monitoring")
	}

	m.SetPlayers(7)
	if got := m.GetPlayers(); got != 7 {
		t.Errorf("GetPlayers() = %d, want 7", got)
	}
}

func TestNoOpRecorder_RegisterIsNil(t *testing.T) {
	m := NewNoOpRecorder()
	if err := m.Register(); err != nil {
		t.Errorf("Register() = %v, want nil", err)
	}
}

// ============================================================================
// PromRecorder Tests
// ============================================================================

func TestPromRecorder_RecordHeal(t *testing.T) {
	m := NewPromRecorder()

	m.RecordHeal("missing_dependency", "fixed")
	m.RecordHeal("missing_dependency", "fixed")
	m.RecordHeal("mod_conflict", "quarantined")

	fixed := testutil.ToFloat64(m.HealsTotal.WithLabelValues("missing_dependency", "fixed"))
	if fixed != 2 {
		t.Errorf("HealsTotal[missing_dependency,fixed] = %f, want 2", fixed)
	}

	quarantined := testutil.ToFloat64(m.HealsTotal.WithLabelValues("mod_conflict", "quarantined"))
	if quarantined != 1 {
		t.Errorf("HealsTotal[mod_conflict,quarantined] = %f, want 1", quarantined)
	}
}

func TestPromRecorder_QuarantinesAndRestarts(t *testing.T) {
	m := NewPromRecorder()

	m.RecordQuarantine("corrupt_mod")
	m.RecordQuarantine("corrupt_mod")
	m.RecordRestart("crash")

	if got := testutil.ToFloat64(m.QuarantinesTotal.WithLabelValues("corrupt_mod")); got != 2 {
		t.Errorf("QuarantinesTotal[corrupt_mod] = %f, want 2", got)
	}
	if got := testutil.ToFloat64(m.RestartsTotal.WithLabelValues("crash")); got != 1 {
		t.Errorf("RestartsTotal[crash] = %f, want 1", got)
	}
}

func TestPromRecorder_StateTransitionClearsPrevious(t *testing.T) {
	m := NewPromRecorder()

	m.SetState("monitoring")
	if got := testutil.ToFloat64(m.State.WithLabelValues("monitoring")); got != 1 {
		t.Errorf("State[monitoring] = %f, want 1", got)
	}

	m.SetState("healing")
	if got := testutil.ToFloat64(m.State.WithLabelValues("monitoring")); got != 0 {
		t.Errorf("State[monitoring] after transition = %f, want 0", got)
	}
	if got := testutil.ToFloat64(m.State.WithLabelValues("healing")); got != 1 {
		t.Errorf("State[healing] = %f, want 1", got)
	}

	// Setting the same state again must not clear it.
	m.SetState("healing")
	if got := testutil.ToFloat64(m.State.WithLabelValues("healing")); got != 1 {
		t.Errorf("State[healing] after repeat set = %f, want 1", got)
	}
}

func TestPromRecorder_Players(t *testing.T) {
	m := NewPromRecorder()

	m.SetPlayers(12)
	if got := testutil.ToFloat64(m.Players); got != 12 {
		t.Errorf("Players = %f, want 12", got)
	}

	m.SetPlayers(0)
	if got := testutil.ToFloat64(m.Players); got != 0 {
		t.Errorf("Players = %f, want 0", got)
	}
}

func TestPromRecorder_BackupOutcomes(t *testing.T) {
	m := NewPromRecorder()

	m.RecordBackup(42.0, true)
	m.RecordBackup(3.0, false)

	if got := testutil.ToFloat64(m.BackupRuns.WithLabelValues("success")); got != 1 {
		t.Errorf("BackupRuns[success] = %f, want 1", got)
	}
	if got := testutil.ToFloat64(m.BackupRuns.WithLabelValues("error")); got != 1 {
		t.Errorf("BackupRuns[error] = %f, want 1", got)
	}
	if count := testutil.CollectAndCount(m.BackupDuration); count == 0 {
		t.Error("BackupDuration should have observations")
	}
}

func TestPromRecorder_Downloads(t *testing.T) {
	m := NewPromRecorder()

	m.RecordDownload("modrinth", true)
	m.RecordDownload("modrinth", true)
	m.RecordDownload("curseforge", false)

	if got := testutil.ToFloat64(m.DownloadsTotal.WithLabelValues("modrinth", "success")); got != 2 {
		t.Errorf("DownloadsTotal[modrinth,success] = %f, want 2", got)
	}
	if got := testutil.ToFloat64(m.DownloadsTotal.WithLabelValues("curseforge", "error")); got != 1 {
		t.Errorf("DownloadsTotal[curseforge,error] = %f, want 1", got)
	}
}

func TestPromRecorder_RegisterWith(t *testing.T) {
	m := NewPromRecorder()
	reg := prometheus.NewRegistry()

	if err := m.RegisterWith(reg); err != nil {
		t.Fatalf("RegisterWith() = %v, want nil", err)
	}
	if err := m.RegisterWith(reg); err != nil {
		t.Errorf("second RegisterWith() = %v, want nil", err)
	}

	m.RecordHeal("unknown", "none")
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() = %v", err)
	}
	if len(families) == 0 {
		t.Error("registry should expose at least one metric family")
	}
}

// ============================================================================
// Factory Tests
// ============================================================================

func TestNewRecorder(t *testing.T) {
	if _, ok := NewRecorder(true).(*PromRecorder); !ok {
		t.Error("NewRecorder(true) should return a PromRecorder")
	}
	if _, ok := NewRecorder(false).(*NoOpRecorder); !ok {
		t.Error("NewRecorder(false) should return a NoOpRecorder")
	}
}

// ============================================================================
// Concurrent Safety Tests
// ============================================================================

func TestPromRecorder_ConcurrentSafety(t *testing.T) {
	m := NewPromRecorder()

	done := make(chan bool, 60)

	for i := 0; i < 20; i++ {
		go func() {
			m.RecordHeal("mod_error", "quarantined")
			done <- true
		}()
	}
	for i := 0; i < 20; i++ {
		go func() {
			m.SetState("monitoring")
			m.SetPlayers(3)
			done <- true
		}()
	}
	for i := 0; i < 20; i++ {
		go func() {
			m.RecordDownload("modrinth", true)
			done <- true
		}()
	}

	for i := 0; i < 60; i++ {
		<-done
	}

	if got := testutil.ToFloat64(m.HealsTotal.WithLabelValues("mod_error", "quarantined")); got != 20 {
		t.Errorf("HealsTotal[mod_error,quarantined] = %f, want 20", got)
	}
	if got := testutil.ToFloat64(m.DownloadsTotal.WithLabelValues("modrinth", "success")); got != 20 {
		t.Errorf("DownloadsTotal[modrinth,success] = %f, want 20", got)
	}
}
