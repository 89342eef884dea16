package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetcore/internal/broker/membroker"
	"fleetcore/internal/domain/robot"
	"fleetcore/internal/domain/run"
	"fleetcore/internal/domain/schedule"
	"fleetcore/internal/registry"
	"fleetcore/internal/store/memstore"
)

func TestWithinWindow_Wraparound(t *testing.T) {
	late := time.Date(2026, 7, 29, 23, 30, 0, 0, time.UTC)
	early := time.Date(2026, 7, 29, 1, 0, 0, 0, time.UTC)
	midday := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)

	assert.True(t, withinWindow("22:00", "02:00", late))
	assert.True(t, withinWindow("22:00", "02:00", early))
	assert.False(t, withinWindow("22:00", "02:00", midday))
}

func TestWithinWindow_BothEmpty(t *testing.T) {
	assert.True(t, withinWindow("", "", time.Now()))
}

func TestTick_DedupeAcrossTwoReplicas(t *testing.T) {
	fixed := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return fixed }

	robots := memstore.NewRobotStore()
	robots.Seed(&robot.Robot{ID: "r1", Name: "R1"})
	robots.SeedVersion(&robot.Version{ID: "v1", RobotID: "r1", Version: "1.0.0", IsActive: true})

	runs := memstore.NewRunStore(clock)
	schedules := memstore.NewScheduleStore()
	require.NoError(t, schedules.Upsert(context.Background(), &schedule.Schedule{
		RobotID: "r1", CronExpr: "* * * * *", Timezone: "UTC", MaxConcurrency: 5,
		TimeoutSeconds: 60, RetryBackoffSeconds: 1, Enabled: true,
	}))

	b := membroker.New(clock)
	reg := registry.New(robots, runs, b, nil, clock)

	locker := NewInProcessLocker()
	s1 := New(schedules, runs, reg, locker, time.Minute, clock)
	s2 := New(schedules, runs, reg, locker, time.Minute, clock)

	s1.Tick(context.Background())
	s2.Tick(context.Background())

	_, total, err := runs.List(context.Background(), run.Filter{RobotID: "r1"}, run.Page{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestTick_ConcurrencyGate_SkipsWhenAtLimit(t *testing.T) {
	fixed := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return fixed }

	robots := memstore.NewRobotStore()
	robots.Seed(&robot.Robot{ID: "r1", Name: "R1"})
	robots.SeedVersion(&robot.Version{ID: "v1", RobotID: "r1", Version: "1.0.0", IsActive: true})

	runs := memstore.NewRunStore(clock)
	// An in-flight run from an earlier minute keeps the robot at its
	// concurrency cap.
	require.NoError(t, runs.Create(context.Background(), &run.Run{
		ID: "busy", RobotID: "r1", Status: run.StatusRunning,
		TriggerType: run.TriggerManual, QueuedAt: fixed.Add(-10 * time.Minute),
	}))

	schedules := memstore.NewScheduleStore()
	require.NoError(t, schedules.Upsert(context.Background(), &schedule.Schedule{
		RobotID: "r1", CronExpr: "* * * * *", Timezone: "UTC", MaxConcurrency: 1,
		TimeoutSeconds: 60, RetryBackoffSeconds: 1, Enabled: true,
	}))

	b := membroker.New(clock)
	reg := registry.New(robots, runs, b, nil, clock)
	s := New(schedules, runs, reg, NewInProcessLocker(), time.Minute, clock)

	s.Tick(context.Background())

	_, total, err := runs.List(context.Background(), run.Filter{RobotID: "r1"}, run.Page{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, total, "no new run while the robot is at max_concurrency")
}

func TestTick_CronNotMatching_Skips(t *testing.T) {
	fixed := time.Date(2026, 7, 29, 12, 30, 0, 0, time.UTC)
	clock := func() time.Time { return fixed }

	robots := memstore.NewRobotStore()
	robots.Seed(&robot.Robot{ID: "r1", Name: "R1"})
	robots.SeedVersion(&robot.Version{ID: "v1", RobotID: "r1", Version: "1.0.0", IsActive: true})

	runs := memstore.NewRunStore(clock)
	schedules := memstore.NewScheduleStore()
	require.NoError(t, schedules.Upsert(context.Background(), &schedule.Schedule{
		RobotID: "r1", CronExpr: "0 9 * * *", Timezone: "UTC", MaxConcurrency: 1,
		TimeoutSeconds: 60, RetryBackoffSeconds: 1, Enabled: true,
	}))

	b := membroker.New(clock)
	reg := registry.New(robots, runs, b, nil, clock)
	s := New(schedules, runs, reg, NewInProcessLocker(), time.Minute, clock)

	s.Tick(context.Background())

	_, total, err := runs.List(context.Background(), run.Filter{RobotID: "r1"}, run.Page{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 0, total)
}
