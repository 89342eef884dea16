package workerrt

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetcore/internal/broker/membroker"
	"fleetcore/internal/domain/robot"
	"fleetcore/internal/domain/run"
	"fleetcore/internal/domain/schedule"
	"fleetcore/internal/logfanout"
	"fleetcore/internal/registry"
	"fleetcore/internal/store/memstore"
)

// writeExecutable drops an executable shell script at the EXE artifact path
// materialize.go expects: <root>/robots/<robot>/<version>/artifact.exe.
func writeExecutable(t *testing.T, artifactsRoot, robotID, version, script string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("process-tree termination test assumes a POSIX shell")
	}
	dir := filepath.Join(artifactsRoot, "robots", robotID, version)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, "artifact.exe")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755))
}

type testHarness struct {
	robots    *memstore.RobotStore
	runs      *memstore.RunStore
	schedules *memstore.ScheduleStore
	workers   *memstore.WorkerStore
	broker    *membroker.Broker
	rt        *Runtime
	reg       *registry.Registry
}

func newTestHarness(t *testing.T, artifactsRoot string) *testHarness {
	t.Helper()
	clock := time.Now

	robots := memstore.NewRobotStore()
	robots.Seed(&robot.Robot{ID: "r1", Name: "robot-one"})
	robots.SeedVersion(&robot.Version{
		ID: "v1", RobotID: "r1", Version: "1.0.0",
		ArtifactKind: robot.ArtifactEXE, IsActive: true,
	})

	runs := memstore.NewRunStore(clock)
	schedules := memstore.NewScheduleStore()
	workers := memstore.NewWorkerStore()
	b := membroker.New(clock)
	fanout := logfanout.New(runs, b, clock)
	reg := registry.New(robots, runs, b, nil, clock)

	cfg := DefaultConfig()
	cfg.WorkerID = "w1"
	cfg.HostName = "host1"
	cfg.ArtifactsRoot = artifactsRoot
	cfg.LeaseTimeout = 100 * time.Millisecond
	cfg.LeasePollInterval = 50 * time.Millisecond
	cfg.SupervisionTick = 20 * time.Millisecond
	cfg.GraceSeconds = 50 * time.Millisecond
	cfg.HeartbeatInterval = time.Hour
	cfg.DefaultTimeout = 10 * time.Second

	rt := New(cfg, Deps{
		Robots:    robots,
		Runs:      runs,
		Schedules: schedules,
		Workers:   workers,
		Broker:    b,
		FanOut:    fanout,
		Registry:  reg,
	})

	return &testHarness{robots: robots, runs: runs, schedules: schedules, workers: workers, broker: b, rt: rt, reg: reg}
}

func waitForTerminal(t *testing.T, runs *memstore.RunStore, runID string, timeout time.Duration) *run.Run {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		r, err := runs.Get(context.Background(), runID)
		require.NoError(t, err)
		if r.Status.IsTerminal() {
			return r
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run %s did not reach a terminal status within %s", runID, timeout)
	return nil
}

func waitForStatus(t *testing.T, runs *memstore.RunStore, runID string, status run.Status, timeout time.Duration) *run.Run {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		r, err := runs.Get(context.Background(), runID)
		require.NoError(t, err)
		if r.Status == status {
			return r
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run %s did not reach status %s within %s", runID, status, timeout)
	return nil
}

func TestRuntime_HappyPath_ExecutesAndFinishesSuccess(t *testing.T) {
	artifactsRoot := t.TempDir()
	writeExecutable(t, artifactsRoot, "r1", "1.0.0", "echo ok\nexit 0")

	h := newTestHarness(t, artifactsRoot)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- h.rt.Run(ctx) }()

	newRun, err := h.reg.CreateRun(context.Background(), registry.CreateRunRequest{
		RobotID:     "r1",
		TriggerType: run.TriggerManual,
		Attempt:     1,
	})
	require.NoError(t, err)

	final := waitForTerminal(t, h.runs, newRun.ID, 5*time.Second)
	assert.Equal(t, run.StatusSuccess, final.Status)
	require.NotNil(t, final.StartedAt)
	require.NotNil(t, final.FinishedAt)
	require.NotNil(t, final.DurationSeconds)
	assert.GreaterOrEqual(t, *final.DurationSeconds, 0.0)
	assert.Empty(t, final.ErrorMessage)

	logs, err := h.runs.ListLogs(context.Background(), newRun.ID, 100)
	require.NoError(t, err)
	var sawStart, sawOk bool
	for _, l := range logs {
		if l.Message == "Execution started." {
			sawStart = true
		}
		if l.Message == "ok" {
			sawOk = true
		}
	}
	assert.True(t, sawStart, "expected an 'Execution started.' log line")
	assert.True(t, sawOk, "expected the child's stdout line to be captured")

	cancel()
	<-done
}

func TestRuntime_Cancellation_TerminatesAndMarksCanceled(t *testing.T) {
	artifactsRoot := t.TempDir()
	writeExecutable(t, artifactsRoot, "r1", "1.0.0", "sleep 30")

	h := newTestHarness(t, artifactsRoot)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- h.rt.Run(ctx) }()

	newRun, err := h.reg.CreateRun(context.Background(), registry.CreateRunRequest{
		RobotID:     "r1",
		TriggerType: run.TriggerManual,
		Attempt:     1,
	})
	require.NoError(t, err)

	waitForStatus(t, h.runs, newRun.ID, run.StatusRunning, 5*time.Second)

	_, err = h.runs.RequestCancel(context.Background(), newRun.ID, "tester")
	require.NoError(t, err)
	// Idempotent: a second call on an already cancel-requested RUNNING run
	// must not error.
	_, err = h.runs.RequestCancel(context.Background(), newRun.ID, "tester")
	require.NoError(t, err)

	final := waitForTerminal(t, h.runs, newRun.ID, 5*time.Second)
	assert.Equal(t, run.StatusCanceled, final.Status)
	assert.Empty(t, final.ErrorMessage)
	require.NotNil(t, final.CanceledAt)

	logs, err := h.runs.ListLogs(context.Background(), newRun.ID, 100)
	require.NoError(t, err)
	var sawCanceled bool
	for _, l := range logs {
		if l.Message == "Execution canceled by user" {
			sawCanceled = true
		}
	}
	assert.True(t, sawCanceled, "expected the cancellation log line")

	cancel()
	<-done
}

func TestRuntime_Timeout_FailsWithTIMEOUT(t *testing.T) {
	artifactsRoot := t.TempDir()
	writeExecutable(t, artifactsRoot, "r1", "1.0.0", "sleep 30")

	h := newTestHarness(t, artifactsRoot)
	require.NoError(t, h.schedules.Upsert(context.Background(), &schedule.Schedule{
		RobotID: "r1", CronExpr: "* * * * *", Timezone: "UTC", MaxConcurrency: 1,
		TimeoutSeconds: 1, RetryCount: 0, RetryBackoffSeconds: 1, Enabled: true,
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- h.rt.Run(ctx) }()

	scheduleID := "r1"
	newRun, err := h.reg.CreateRun(context.Background(), registry.CreateRunRequest{
		RobotID:     "r1",
		TriggerType: run.TriggerScheduled,
		Attempt:     1,
		ScheduleID:  &scheduleID,
	})
	require.NoError(t, err)

	final := waitForTerminal(t, h.runs, newRun.ID, 10*time.Second)
	assert.Equal(t, run.StatusFailed, final.Status)
	assert.Equal(t, "TIMEOUT", final.ErrorMessage)

	logs, err := h.runs.ListLogs(context.Background(), newRun.ID, 100)
	require.NoError(t, err)
	var sawTimeout bool
	for _, l := range logs {
		if l.Level == run.LogError && l.Message == "TIMEOUT: exceeded 1 seconds." {
			sawTimeout = true
		}
	}
	assert.True(t, sawTimeout, "expected the TIMEOUT log line")

	cancel()
	<-done
}

func TestRuntime_RetryChain_BoundedByRetryCount(t *testing.T) {
	artifactsRoot := t.TempDir()
	writeExecutable(t, artifactsRoot, "r1", "1.0.0", "exit 1")

	h := newTestHarness(t, artifactsRoot)
	require.NoError(t, h.schedules.Upsert(context.Background(), &schedule.Schedule{
		RobotID: "r1", CronExpr: "* * * * *", Timezone: "UTC", MaxConcurrency: 1,
		TimeoutSeconds: 60, RetryCount: 2, RetryBackoffSeconds: 1, Enabled: true,
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- h.rt.Run(ctx) }()

	scheduleID := "r1"
	_, err := h.reg.CreateRun(context.Background(), registry.CreateRunRequest{
		RobotID:     "r1",
		TriggerType: run.TriggerScheduled,
		Attempt:     1,
		ScheduleID:  &scheduleID,
	})
	require.NoError(t, err)

	// Three runs total: the root plus two RETRY successors, each delayed by
	// the backoff. Poll until all three reach FAILED.
	deadline := time.Now().Add(20 * time.Second)
	var all []*run.Run
	for time.Now().Before(deadline) {
		var err error
		all, _, err = h.runs.List(context.Background(), run.Filter{RobotID: "r1"}, run.Page{Limit: 10})
		require.NoError(t, err)
		terminal := 0
		for _, r := range all {
			if r.Status == run.StatusFailed {
				terminal++
			}
		}
		if len(all) == 3 && terminal == 3 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	require.Len(t, all, 3, "expected the root run plus exactly two retries")

	attempts := map[int]*run.Run{}
	for _, r := range all {
		assert.Equal(t, run.StatusFailed, r.Status)
		attempts[r.Attempt] = r
	}
	require.Len(t, attempts, 3)
	assert.Equal(t, run.TriggerScheduled, attempts[1].TriggerType)
	assert.Equal(t, run.TriggerRetry, attempts[2].TriggerType)
	assert.Equal(t, run.TriggerRetry, attempts[3].TriggerType)

	// Give the worker a beat to prove no fourth run appears.
	time.Sleep(300 * time.Millisecond)
	all, _, err = h.runs.List(context.Background(), run.Filter{RobotID: "r1"}, run.Page{Limit: 10})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	cancel()
	<-done
}

func TestRuntime_MissingArtifact_FailsWithoutRetry(t *testing.T) {
	artifactsRoot := t.TempDir()
	// No artifact is written: preflight materialization must fail.

	h := newTestHarness(t, artifactsRoot)
	require.NoError(t, h.schedules.Upsert(context.Background(), &schedule.Schedule{
		RobotID: "r1", CronExpr: "* * * * *", Timezone: "UTC", MaxConcurrency: 1,
		TimeoutSeconds: 60, RetryCount: 2, RetryBackoffSeconds: 1, Enabled: true,
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- h.rt.Run(ctx) }()

	scheduleID := "r1"
	newRun, err := h.reg.CreateRun(context.Background(), registry.CreateRunRequest{
		RobotID:     "r1",
		TriggerType: run.TriggerScheduled,
		Attempt:     1,
		ScheduleID:  &scheduleID,
	})
	require.NoError(t, err)

	final := waitForTerminal(t, h.runs, newRun.ID, 5*time.Second)
	assert.Equal(t, run.StatusFailed, final.Status)
	assert.Contains(t, final.ErrorMessage, "artifact missing")
	assert.Nil(t, final.StartedAt)

	// A deterministic preflight failure must not consume the retry budget.
	time.Sleep(300 * time.Millisecond)
	all, _, err := h.runs.List(context.Background(), run.Filter{RobotID: "r1"}, run.Page{Limit: 10})
	require.NoError(t, err)
	assert.Len(t, all, 1)

	cancel()
	<-done
}
