// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// Tests for the supervisor loop.

package supervise

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/ModWarden/services/warden/crash"
	"github.com/AleutianAI/ModWarden/services/warden/events"
	"github.com/AleutianAI/ModWarden/services/warden/heal"
	"github.com/AleutianAI/ModWarden/services/warden/metrics"
	"github.com/AleutianAI/ModWarden/services/warden/resolve"
)

const (
	unknownCrashLog = "java.lang.OutOfMemoryError: Java heap space\n\tat java.util.Arrays.copyOf(Arrays.java:3536)\n"
	benignMixinLog  = "[main/WARN]: @Overwrite conflict for finalizeSpawn in quark.mixins.json:EntityMixin from mod quark, previously written by com.yungnickyoung.yungsapi.mixin.MixinEntity. Skipping method.\n"
	cleanExitLog    = "[Server thread/INFO]: Stopping the server\n"
)

// fakeRun scripts one server lifetime: output lands in live.log at
// Start, the session stays alive for aliveFor.
type fakeRun struct {
	output   string
	aliveFor time.Duration
}

type fakeRunner struct {
	mu      sync.Mutex
	logPath string
	runs    []fakeRun

	current   *fakeRun
	startedAt time.Time
	starts    int
	kills     int
	sent      []string
}

func (f *fakeRunner) Start(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.runs) == 0 {
		return errors.New("no scripted runs left")
	}
	run := f.runs[0]
	f.runs = f.runs[1:]

	file, err := os.OpenFile(f.logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file.WriteString(run.output)
	file.Close()

	f.current = &run
	f.startedAt = time.Now()
	f.starts++
	return nil
}

func (f *fakeRunner) Alive(_ context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == nil {
		return false
	}
	if time.Since(f.startedAt) >= f.current.aliveFor {
		f.current = nil
		return false
	}
	return true
}

func (f *fakeRunner) SendKeys(_ context.Context, cmd string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, cmd)
	return nil
}

func (f *fakeRunner) Kill(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = nil
	f.kills++
	return nil
}

func (f *fakeRunner) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

type fakeLauncher struct{}

func (fakeLauncher) Prepare() error               { return nil }
func (fakeLauncher) CommandLine() (string, error) { return "java -jar server.jar nogui", nil }

type fakeSorter struct{}

func (fakeSorter) SortModsByType(_, _ string) ([]string, error) { return nil, nil }

type fakeResolver struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeResolver) Preflight(context.Context) (*resolve.Resolution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return &resolve.Resolution{Unresolved: map[string][]string{}}, nil
}

type fakeHealer struct {
	mu    sync.Mutex
	fn    func(diag crash.Diagnosis) *heal.Action
	diags []crash.Diagnosis
}

func (f *fakeHealer) Heal(_ context.Context, diag crash.Diagnosis, _ *crash.History) (*heal.Action, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.diags = append(f.diags, diag)
	if f.fn != nil {
		return f.fn(diag), nil
	}
	return &heal.Action{Result: heal.ResultNone, Detail: "nothing to do"}, nil
}

type harness struct {
	dir     string
	runner  *fakeRunner
	healer  *fakeHealer
	resolve *fakeResolver
	markers *Markers
	sup     *Supervisor
	rec     *metrics.NoOpRecorder
}

func newHarness(t *testing.T, cfg Config, runs ...fakeRun) *harness {
	t.Helper()
	dir := t.TempDir()
	cfg.Dir = dir
	cfg.LogPath = filepath.Join(dir, "live.log")
	cfg.ModsDir = filepath.Join(dir, "mods")
	cfg.ClientonlyDir = filepath.Join(dir, "clientonly")
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Millisecond
	}
	if cfg.Cooldown == 0 {
		cfg.Cooldown = 5 * time.Millisecond
	}
	if cfg.HangTimeout == 0 {
		cfg.HangTimeout = time.Hour
	}
	if cfg.StabilityWindow == 0 {
		cfg.StabilityWindow = time.Hour
	}
	if cfg.GracefulStopWait == 0 {
		cfg.GracefulStopWait = 20 * time.Millisecond
	}

	h := &harness{
		dir:     dir,
		runner:  &fakeRunner{logPath: cfg.LogPath, runs: runs},
		healer:  &fakeHealer{},
		resolve: &fakeResolver{},
		markers: NewMarkers(dir, nil),
		rec:     metrics.NewNoOpRecorder(),
	}
	h.sup = New(cfg, h.runner, fakeLauncher{}, fakeSorter{}, h.resolve, h.healer,
		nil, nil, h.markers, events.NewTimeline(64, nil), h.rec, nil)
	return h
}

func TestRun_CleanExitIsTerminal(t *testing.T) {
	h := newHarness(t, Config{}, fakeRun{output: cleanExitLog})

	err := h.sup.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, StateCleanExit, h.sup.Status().State)
	assert.Equal(t, 1, h.runner.startCount())
	assert.Empty(t, h.healer.diags, "a clean exit must not be healed")
}

func TestRun_ThreeUnknownCrashesAreFatal(t *testing.T) {
	h := newHarness(t, Config{MaxUnknownCrashes: 3, MaxRestartAttempts: 10},
		fakeRun{output: unknownCrashLog},
		fakeRun{output: unknownCrashLog},
		fakeRun{output: unknownCrashLog},
	)

	err := h.sup.Run(context.Background())

	require.ErrorIs(t, err, ErrCrashLoop)
	assert.Equal(t, StateFatal, h.sup.Status().State)
	assert.Equal(t, 3, h.runner.startCount())
	// The third unknown goes fatal before the healer sees it.
	assert.Len(t, h.healer.diags, 2)
}

func TestRun_RestartBudgetExhausted(t *testing.T) {
	h := newHarness(t, Config{MaxUnknownCrashes: 10, MaxRestartAttempts: 2},
		fakeRun{output: unknownCrashLog},
		fakeRun{output: unknownCrashLog},
		fakeRun{output: unknownCrashLog},
	)

	err := h.sup.Run(context.Background())

	require.ErrorIs(t, err, ErrCrashLoop)
	assert.Equal(t, 2, h.runner.startCount(), "second crash exhausts a budget of 2")
	assert.EqualValues(t, 2, h.rec.GetRestartsTotal())
}

func TestRun_BenignCrashSpendsNoBudget(t *testing.T) {
	h := newHarness(t, Config{MaxRestartAttempts: 1},
		fakeRun{output: benignMixinLog},
		fakeRun{output: cleanExitLog},
	)
	h.healer.fn = func(diag crash.Diagnosis) *heal.Action {
		if diag.Type == crash.TypeBenignMixin {
			return &heal.Action{Result: heal.ResultIgnored, Detail: "benign"}
		}
		return &heal.Action{Result: heal.ResultNone}
	}

	err := h.sup.Run(context.Background())

	require.NoError(t, err, "an ignored crash must relaunch inside a budget of 1")
	assert.Equal(t, 2, h.runner.startCount())
	assert.Equal(t, 0, h.sup.Status().RestartCount)
	assert.EqualValues(t, 0, h.rec.GetRestartsTotal())
}

func TestRun_HealedCrashRelaunches(t *testing.T) {
	h := newHarness(t, Config{MaxUnknownCrashes: 10, MaxRestartAttempts: 3},
		fakeRun{output: unknownCrashLog},
		fakeRun{output: cleanExitLog},
	)
	h.healer.fn = func(crash.Diagnosis) *heal.Action {
		return &heal.Action{Result: heal.ResultFixed, Detail: "fetched dep"}
	}

	err := h.sup.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 2, h.runner.startCount())
	assert.Len(t, h.healer.diags, 1)
	assert.EqualValues(t, 1, h.rec.GetHealsTotal())
}

func TestRun_PreflightRunsBeforeEveryLaunch(t *testing.T) {
	h := newHarness(t, Config{MaxUnknownCrashes: 10, MaxRestartAttempts: 5},
		fakeRun{output: unknownCrashLog},
		fakeRun{output: cleanExitLog},
	)
	h.healer.fn = func(crash.Diagnosis) *heal.Action {
		return &heal.Action{Result: heal.ResultFixed}
	}

	require.NoError(t, h.sup.Run(context.Background()))

	h.resolve.mu.Lock()
	defer h.resolve.mu.Unlock()
	assert.Equal(t, 2, h.resolve.calls, "preflight must run before each launch, not once")
}

func TestRun_HungSessionIsKilledAndCrashWorthy(t *testing.T) {
	h := newHarness(t, Config{
		HangTimeout:       30 * time.Millisecond,
		MaxUnknownCrashes: 1,
	},
		// No output at all: the hang watchdog has to fire.
		fakeRun{output: "", aliveFor: time.Hour},
	)

	err := h.sup.Run(context.Background())

	require.ErrorIs(t, err, ErrCrashLoop)
	h.runner.mu.Lock()
	kills := h.runner.kills
	h.runner.mu.Unlock()
	assert.GreaterOrEqual(t, kills, 1, "a hung session must be torn down")
}

func TestRun_StopMarkerParksAndResumes(t *testing.T) {
	h := newHarness(t, Config{StopWait: time.Hour},
		fakeRun{output: cleanExitLog},
	)
	require.NoError(t, h.markers.Write(MarkerStop))

	done := make(chan error, 1)
	go func() { done <- h.sup.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		return h.sup.Status().State == StateStopped
	}, 2*time.Second, 5*time.Millisecond, "supervisor should park on the stop marker")
	assert.Equal(t, 0, h.runner.startCount(), "no launch while stopped")

	require.NoError(t, h.markers.Clear(MarkerStop))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not resume after the stop marker cleared")
	}
	assert.Equal(t, 1, h.runner.startCount(), "resume must relaunch")
}

func TestRun_ResetMarkerClearsRestartCount(t *testing.T) {
	h := newHarness(t, Config{
		MaxUnknownCrashes:  10,
		MaxRestartAttempts: 5,
		Cooldown:           150 * time.Millisecond,
	},
		fakeRun{output: unknownCrashLog},
		fakeRun{output: cleanExitLog},
	)

	done := make(chan error, 1)
	go func() { done <- h.sup.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		return h.sup.Status().RestartCount == 1
	}, 2*time.Second, 5*time.Millisecond)

	// Land the reset inside the cooldown; the loop consumes it at the
	// top of the next iteration.
	require.NoError(t, h.markers.Write(MarkerReset))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not finish")
	}
	assert.Equal(t, 0, h.sup.Status().RestartCount)
	assert.False(t, h.markers.Present(MarkerReset), "reset marker must self-delete")
}

func TestRun_ContextCancelStopsTheLoop(t *testing.T) {
	h := newHarness(t, Config{},
		fakeRun{output: "", aliveFor: time.Hour},
	)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- h.sup.Run(ctx) }()

	require.Eventually(t, func() bool {
		return h.sup.Status().State == StateMonitoring
	}, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor ignored cancellation")
	}
}

func TestStatus_SnapshotCarriesDiagnosisAndHeal(t *testing.T) {
	h := newHarness(t, Config{MaxUnknownCrashes: 10, MaxRestartAttempts: 3},
		fakeRun{output: unknownCrashLog},
		fakeRun{output: cleanExitLog},
	)
	h.healer.fn = func(crash.Diagnosis) *heal.Action {
		return &heal.Action{Result: heal.ResultFixed, Detail: "ok"}
	}

	require.NoError(t, h.sup.Run(context.Background()))

	st := h.sup.Status()
	require.NotNil(t, st.LastDiagnosis)
	assert.Equal(t, crash.TypeUnknown, st.LastDiagnosis.Type)
	require.NotNil(t, st.LastHeal)
	assert.Equal(t, heal.ResultFixed, st.LastHeal.Result)
}
