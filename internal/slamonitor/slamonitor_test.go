package slamonitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetcore/internal/broker"
	"fleetcore/internal/broker/membroker"
	"fleetcore/internal/domain/run"
	"fleetcore/internal/domain/sla"
	"fleetcore/internal/domain/worker"
	"fleetcore/internal/store/memstore"
)

func TestTick_LateByExpectedEvery_OpensAlert(t *testing.T) {
	fixed := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return fixed }

	slaStore := memstore.NewSlaStore()
	require.NoError(t, slaStore.UpsertRule(context.Background(), &sla.Rule{
		RobotID:                 "r1",
		ExpectedRunEveryMinutes: 30,
		LateAfterMinutes:        5,
		AlertOnLate:             true,
	}))

	runs := memstore.NewRunStore(clock)
	require.NoError(t, runs.Create(context.Background(), &run.Run{
		ID: "run-old", RobotID: "r1", Status: run.StatusSuccess,
		QueuedAt: fixed.Add(-2 * time.Hour),
	}))

	m := New(slaStore, memstore.NewScheduleStore(), runs, memstore.NewWorkerStore(), nil, nil, Config{}, clock)
	m.Tick(context.Background())

	alerts, err := slaStore.ListAlerts(context.Background(), "r1", true)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, sla.AlertLate, alerts[0].Type)
}

func TestTick_NotLate_NoAlert(t *testing.T) {
	fixed := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return fixed }

	slaStore := memstore.NewSlaStore()
	require.NoError(t, slaStore.UpsertRule(context.Background(), &sla.Rule{
		RobotID:                 "r1",
		ExpectedRunEveryMinutes: 30,
		LateAfterMinutes:        5,
		AlertOnLate:             true,
	}))

	runs := memstore.NewRunStore(clock)
	require.NoError(t, runs.Create(context.Background(), &run.Run{
		ID: "run-recent", RobotID: "r1", Status: run.StatusSuccess,
		QueuedAt: fixed.Add(-5 * time.Minute),
	}))

	m := New(slaStore, memstore.NewScheduleStore(), runs, memstore.NewWorkerStore(), nil, nil, Config{}, clock)
	m.Tick(context.Background())

	alerts, err := slaStore.ListAlerts(context.Background(), "r1", true)
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestTick_FailureStreak_OpensAlert(t *testing.T) {
	fixed := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return fixed }

	slaStore := memstore.NewSlaStore()
	require.NoError(t, slaStore.UpsertRule(context.Background(), &sla.Rule{
		RobotID: "r1", ExpectedRunEveryMinutes: 1440, AlertOnFailure: true,
	}))

	runs := memstore.NewRunStore(clock)
	for i := 0; i < 3; i++ {
		require.NoError(t, runs.Create(context.Background(), &run.Run{
			ID: "run-" + string(rune('a'+i)), RobotID: "r1", Status: run.StatusFailed,
			QueuedAt: fixed.Add(time.Duration(-i) * time.Minute),
		}))
	}

	m := New(slaStore, memstore.NewScheduleStore(), runs, memstore.NewWorkerStore(), nil, nil,
		Config{FailureStreakThreshold: 3}, clock)
	m.Tick(context.Background())

	alerts, err := slaStore.ListAlerts(context.Background(), "r1", true)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, sla.AlertFailureStreak, alerts[0].Type)
}

func TestTick_OpenAlert_Dedupes(t *testing.T) {
	fixed := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return fixed }

	slaStore := memstore.NewSlaStore()
	require.NoError(t, slaStore.UpsertRule(context.Background(), &sla.Rule{
		RobotID: "r1", ExpectedRunEveryMinutes: 30, LateAfterMinutes: 5, AlertOnLate: true,
	}))
	runs := memstore.NewRunStore(clock)

	m := New(slaStore, memstore.NewScheduleStore(), runs, memstore.NewWorkerStore(), nil, nil, Config{}, clock)
	m.Tick(context.Background())
	m.Tick(context.Background())

	alerts, err := slaStore.ListAlerts(context.Background(), "r1", true)
	require.NoError(t, err)
	assert.Len(t, alerts, 1)
}

func TestTick_QueueBacklog_OpensFleetAlert(t *testing.T) {
	fixed := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return fixed }

	slaStore := memstore.NewSlaStore()
	require.NoError(t, slaStore.UpsertRule(context.Background(), &sla.Rule{
		RobotID: "r1", ExpectedRunEveryMinutes: 1440,
	}))

	b := membroker.New(clock)
	for i := 0; i < 5; i++ {
		require.NoError(t, b.Enqueue(context.Background(), broker.Message{
			RunID: "run-" + string(rune('a'+i)), RobotID: "r1", TriggerType: string(run.TriggerManual),
		}))
	}

	m := New(slaStore, memstore.NewScheduleStore(), memstore.NewRunStore(clock), memstore.NewWorkerStore(), nil, b,
		Config{QueueBacklogThreshold: 2}, clock)
	m.Tick(context.Background())

	alerts, err := slaStore.ListAlerts(context.Background(), "r1", true)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, sla.AlertQueueBacklog, alerts[0].Type)
}

func TestTick_WorkerDown_OpensFleetAlert(t *testing.T) {
	fixed := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return fixed }

	slaStore := memstore.NewSlaStore()
	require.NoError(t, slaStore.UpsertRule(context.Background(), &sla.Rule{
		RobotID: "r1", ExpectedRunEveryMinutes: 1440,
	}))

	workers := memstore.NewWorkerStore()
	require.NoError(t, workers.Register(context.Background(), &worker.Worker{
		ID: "w1", HostName: "host-a", LastHeartbeat: fixed.Add(-5 * time.Minute),
	}))

	m := New(slaStore, memstore.NewScheduleStore(), memstore.NewRunStore(clock), workers, nil, nil,
		Config{WorkerStaleWindow: time.Minute}, clock)
	m.Tick(context.Background())

	alerts, err := slaStore.ListAlerts(context.Background(), "r1", true)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, sla.AlertWorkerDown, alerts[0].Type)
}

// TestTick_WorkerDown_ByBrokerHeartbeatOnly covers the other half of the OR:
// the worker row's DB heartbeat is fresh, but the broker's heartbeat key
// never got set, so the broker-side signal alone must flag it down.
func TestTick_WorkerDown_ByBrokerHeartbeatOnly(t *testing.T) {
	fixed := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return fixed }

	slaStore := memstore.NewSlaStore()
	require.NoError(t, slaStore.UpsertRule(context.Background(), &sla.Rule{
		RobotID: "r1", ExpectedRunEveryMinutes: 1440,
	}))

	workers := memstore.NewWorkerStore()
	require.NoError(t, workers.Register(context.Background(), &worker.Worker{
		ID: "w1", HostName: "host-a", LastHeartbeat: fixed,
	}))
	b := membroker.New(clock)

	m := New(slaStore, memstore.NewScheduleStore(), memstore.NewRunStore(clock), workers, nil, b,
		Config{WorkerStaleWindow: time.Minute}, clock)
	m.Tick(context.Background())

	alerts, err := slaStore.ListAlerts(context.Background(), "r1", true)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, sla.AlertWorkerDown, alerts[0].Type)
}

// TestTick_WorkerDown_FreshBothSignals_NoAlert confirms a worker with both a
// fresh DB heartbeat and a fresh broker heartbeat key is not flagged.
func TestTick_WorkerDown_FreshBothSignals_NoAlert(t *testing.T) {
	fixed := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return fixed }

	slaStore := memstore.NewSlaStore()
	require.NoError(t, slaStore.UpsertRule(context.Background(), &sla.Rule{
		RobotID: "r1", ExpectedRunEveryMinutes: 1440,
	}))

	workers := memstore.NewWorkerStore()
	require.NoError(t, workers.Register(context.Background(), &worker.Worker{
		ID: "w1", HostName: "host-a", LastHeartbeat: fixed,
	}))
	b := membroker.New(clock)
	require.NoError(t, b.Heartbeat(context.Background(), "w1", fixed, time.Minute))

	m := New(slaStore, memstore.NewScheduleStore(), memstore.NewRunStore(clock), workers, nil, b,
		Config{WorkerStaleWindow: time.Minute}, clock)
	m.Tick(context.Background())

	alerts, err := slaStore.ListAlerts(context.Background(), "r1", true)
	require.NoError(t, err)
	assert.Empty(t, alerts)
}
