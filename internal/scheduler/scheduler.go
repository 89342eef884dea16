// Package scheduler implements the Scheduler Loop (C6): every tick it
// evaluates enabled cron schedules, enforces the execution window and
// per-robot concurrency, and deduplicates dispatches across replicas via a
// named lock.
package scheduler

import (
	"context"
	"time"

	"fleetcore/internal/cronexpr"
	"fleetcore/internal/domain/run"
	"fleetcore/internal/domain/schedule"
	"fleetcore/internal/logging"
	"fleetcore/internal/registry"
)

// Clock abstracts time.Now for deterministic tests.
type Clock func() time.Time

// Scheduler runs the per-minute tick evaluating every enabled Schedule.
type Scheduler struct {
	schedules schedule.Store
	runs      run.Store
	registry  *registry.Registry
	locker    Locker
	interval  time.Duration
	now       Clock
	log       logging.Logger
}

// New builds a Scheduler. now defaults to time.Now; interval defaults to
// 60s when zero.
func New(schedules schedule.Store, runs run.Store, reg *registry.Registry, locker Locker, interval time.Duration, now Clock) *Scheduler {
	if now == nil {
		now = time.Now
	}
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Scheduler{
		schedules: schedules,
		runs:      runs,
		registry:  reg,
		locker:    locker,
		interval:  interval,
		now:       now,
		log:       logging.NewComponentLogger("scheduler"),
	}
}

// Run blocks ticking every interval until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			s.Tick(ctx)
		}
	}
}

// Tick evaluates every enabled schedule once. Exported so tests (and a
// CLI one-shot mode) can drive it directly without waiting on the ticker.
func (s *Scheduler) Tick(ctx context.Context) {
	schedules, err := s.schedules.ListEnabled(ctx)
	if err != nil {
		s.log.Error("list enabled schedules failed: %v", err)
		return
	}
	for _, sc := range schedules {
		s.evaluate(ctx, sc)
	}
}

func (s *Scheduler) evaluate(ctx context.Context, sc *schedule.Schedule) {
	loc, err := time.LoadLocation(sc.Timezone)
	if err != nil {
		s.log.Error("schedule %s has invalid timezone %q: %v", sc.RobotID, sc.Timezone, err)
		return
	}
	localNow := s.now().In(loc)

	expr, err := cronexpr.Parse(sc.CronExpr)
	if err != nil {
		s.log.Error("schedule %s has invalid cron %q: %v", sc.RobotID, sc.CronExpr, err)
		return
	}
	if !expr.Matches(localNow) {
		return
	}

	if !withinWindow(sc.WindowStart, sc.WindowEnd, localNow) {
		return
	}

	lockName := "schedule-dispatch:" + sc.RobotID
	acquired, release, err := s.locker.TryLock(ctx, lockName)
	if err != nil {
		s.log.Error("acquire lock %q failed: %v", lockName, err)
		return
	}
	if !acquired {
		return
	}
	defer release()

	minuteStart := localNow.Truncate(time.Minute)
	minuteEnd := minuteStart.Add(time.Minute)
	count, err := s.runs.CountScheduledInWindow(ctx, sc.RobotID, minuteStart, minuteEnd)
	if err != nil {
		s.log.Error("dedupe count for schedule %s failed: %v", sc.RobotID, err)
		return
	}
	if count > 0 {
		return
	}

	active, err := s.runs.CountActiveForRobot(ctx, sc.RobotID)
	if err != nil {
		s.log.Error("concurrency count for schedule %s failed: %v", sc.RobotID, err)
		return
	}
	if active >= sc.MaxConcurrency {
		return
	}

	scheduleID := sc.RobotID
	if _, err := s.registry.CreateRun(ctx, registry.CreateRunRequest{
		RobotID:     sc.RobotID,
		TriggerType: run.TriggerScheduled,
		Attempt:     1,
		ScheduleID:  &scheduleID,
	}); err != nil {
		s.log.Error("dispatch scheduled run for %s failed: %v", sc.RobotID, err)
	}
}

// withinWindow applies §4.4 step 2: both-or-neither window fields, with
// midnight wraparound when start > end.
func withinWindow(windowStart, windowEnd string, localNow time.Time) bool {
	if windowStart == "" && windowEnd == "" {
		return true
	}
	start, errS := time.Parse("15:04", windowStart)
	end, errE := time.Parse("15:04", windowEnd)
	if errS != nil || errE != nil {
		return true
	}
	nowMinutes := localNow.Hour()*60 + localNow.Minute()
	startMinutes := start.Hour()*60 + start.Minute()
	endMinutes := end.Hour()*60 + end.Minute()

	if startMinutes <= endMinutes {
		return nowMinutes >= startMinutes && nowMinutes <= endMinutes
	}
	return nowMinutes >= startMinutes || nowMinutes <= endMinutes
}
