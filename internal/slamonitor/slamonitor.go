// Package slamonitor implements the SLA Monitor Loop (C7): per-robot
// lateness and failure-streak checks, plus fleet-wide queue-backlog and
// worker-down checks, each opening deduplicating alerts.
package slamonitor

import (
	"context"
	"fmt"
	"sort"
	"time"

	"fleetcore/internal/broker"
	"fleetcore/internal/domain/robot"
	"fleetcore/internal/domain/run"
	"fleetcore/internal/domain/schedule"
	"fleetcore/internal/domain/sla"
	"fleetcore/internal/domain/worker"
	"fleetcore/internal/logging"
)

// Clock abstracts time.Now for deterministic tests.
type Clock func() time.Time

// Config holds the fleet-wide thresholds from spec §6.
type Config struct {
	Interval               time.Duration
	FailureStreakThreshold int
	QueueBacklogThreshold  int64
	WorkerStaleWindow      time.Duration
}

// Monitor runs the C7 tick loop.
type Monitor struct {
	slaRules  sla.Store
	schedules schedule.Store
	runs      run.Store
	workers   worker.Store
	robots    robot.Store
	broker    broker.Broker
	cfg       Config
	now       Clock
	log       logging.Logger
}

func New(slaRules sla.Store, schedules schedule.Store, runs run.Store, workers worker.Store, robots robot.Store, b broker.Broker, cfg Config, now Clock) *Monitor {
	if now == nil {
		now = time.Now
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	return &Monitor{
		slaRules: slaRules, schedules: schedules, runs: runs, workers: workers,
		robots: robots, broker: b, cfg: cfg, now: now,
		log: logging.NewComponentLogger("slamonitor"),
	}
}

// Run blocks ticking every cfg.Interval until ctx is canceled.
func (m *Monitor) Run(ctx context.Context) error {
	t := time.NewTicker(m.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			m.Tick(ctx)
		}
	}
}

// Tick evaluates every SlaRule plus the fleet-wide checks once.
func (m *Monitor) Tick(ctx context.Context) {
	rules, err := m.slaRules.ListRules(ctx)
	if err != nil {
		m.log.Error("list sla rules failed: %v", err)
	}
	for _, rule := range rules {
		m.evaluateRule(ctx, rule)
	}
	m.evaluateQueueBacklog(ctx, rules)
	m.evaluateWorkerDown(ctx, rules)
}

func (m *Monitor) evaluateRule(ctx context.Context, rule *sla.Rule) {
	now := m.now()

	if rule.AlertOnLate {
		if late, lastRunID := m.isLate(ctx, rule, now); late {
			m.openAlert(ctx, rule.RobotID, sla.AlertLate, sla.SeverityWarn,
				"robot is late", nil, lastRunID)
		}
	}

	if rule.AlertOnFailure && m.cfg.FailureStreakThreshold > 0 {
		if m.isFailureStreak(ctx, rule.RobotID) {
			m.openAlert(ctx, rule.RobotID, sla.AlertFailureStreak, sla.SeverityCritical,
				fmt.Sprintf("last %d runs all failed", m.cfg.FailureStreakThreshold), nil, nil)
		}
	}
}

func (m *Monitor) isLate(ctx context.Context, rule *sla.Rule, now time.Time) (bool, *string) {
	lateAfter := time.Duration(rule.LateAfterMinutes) * time.Minute

	if rule.ExpectedRunEveryMinutes > 0 {
		expected := time.Duration(rule.ExpectedRunEveryMinutes) * time.Minute
		last, err := m.runs.LastForRobot(ctx, rule.RobotID)
		if err != nil {
			return false, nil
		}
		if last == nil {
			return true, nil
		}
		if now.Sub(last.QueuedAt) > expected+lateAfter {
			return true, &last.ID
		}
		return false, nil
	}

	if rule.ExpectedDailyTime != "" {
		expectedClock, err := time.Parse("15:04", rule.ExpectedDailyTime)
		if err != nil {
			return false, nil
		}
		expected := time.Date(now.Year(), now.Month(), now.Day(), expectedClock.Hour(), expectedClock.Minute(), 0, 0, now.Location())
		if now.Before(expected.Add(lateAfter)) {
			return false, nil
		}
		last, err := m.runs.LastSinceForRobot(ctx, rule.RobotID, expected)
		if err != nil {
			return false, nil
		}
		if last == nil {
			return true, nil
		}
	}
	return false, nil
}

func (m *Monitor) isFailureStreak(ctx context.Context, robotID string) bool {
	recent, err := m.runs.RecentForRobot(ctx, robotID, m.cfg.FailureStreakThreshold)
	if err != nil || len(recent) < m.cfg.FailureStreakThreshold {
		return false
	}
	for _, r := range recent {
		if r.Status != run.StatusFailed {
			return false
		}
	}
	return true
}

func (m *Monitor) evaluateQueueBacklog(ctx context.Context, rules []*sla.Rule) {
	if m.broker == nil || m.cfg.QueueBacklogThreshold <= 0 {
		return
	}
	depth, err := m.broker.QueueDepth(ctx)
	if err != nil {
		m.log.Error("queue depth check failed: %v", err)
		return
	}
	if depth <= m.cfg.QueueBacklogThreshold {
		return
	}
	target := m.fleetTarget(ctx, rules)
	if target == "" {
		return
	}
	m.openAlert(ctx, target, sla.AlertQueueBacklog, sla.SeverityCritical,
		fmt.Sprintf("queue depth %d exceeds threshold %d", depth, m.cfg.QueueBacklogThreshold), nil, nil)
}

// evaluateWorkerDown ORs two independent staleness signals per §4.5: a
// worker row whose DB last_heartbeat is stale, OR a worker whose broker
// heartbeat keyspace entry is stale/missing. Either one is enough to mark
// a worker down.
func (m *Monitor) evaluateWorkerDown(ctx context.Context, rules []*sla.Rule) {
	if m.workers == nil {
		return
	}
	now := m.now()
	staleByDB, err := m.workers.Stale(ctx, now, m.cfg.WorkerStaleWindow)
	if err != nil {
		m.log.Error("stale worker check failed: %v", err)
		return
	}

	down := map[string]struct{}{}
	for _, w := range staleByDB {
		down[w.ID] = struct{}{}
	}

	if m.broker != nil {
		all, err := m.workers.List(ctx)
		if err != nil {
			m.log.Error("list workers for broker heartbeat check failed: %v", err)
		} else {
			for _, w := range all {
				if _, already := down[w.ID]; already {
					continue
				}
				age, ok, err := m.broker.HeartbeatAge(ctx, w.ID, now)
				if err != nil {
					m.log.Error("broker heartbeat age check for worker %s failed: %v", w.ID, err)
					continue
				}
				if !ok || age > m.cfg.WorkerStaleWindow {
					down[w.ID] = struct{}{}
				}
			}
		}
	}

	if len(down) == 0 {
		return
	}
	target := m.fleetTarget(ctx, rules)
	if target == "" {
		return
	}
	names := make([]string, 0, len(down))
	for id := range down {
		names = append(names, id)
	}
	sort.Strings(names)
	m.openAlert(ctx, target, sla.AlertWorkerDown, sla.SeverityCritical,
		fmt.Sprintf("%d worker(s) have stale heartbeats", len(down)),
		map[string]any{"workers": names}, nil)
}

// fleetTarget picks any enabled-schedule robot, else any SlaRule robot, as
// the foreign-key target for fleet-wide alerts (§4.5).
func (m *Monitor) fleetTarget(ctx context.Context, rules []*sla.Rule) string {
	if m.schedules != nil {
		if enabled, err := m.schedules.ListEnabled(ctx); err == nil && len(enabled) > 0 {
			return enabled[0].RobotID
		}
	}
	if len(rules) > 0 {
		return rules[0].RobotID
	}
	return ""
}

func (m *Monitor) openAlert(ctx context.Context, robotID string, t sla.AlertType, sev sla.Severity, message string, metadata map[string]any, runID *string) {
	_, err := m.slaRules.OpenAlert(ctx, &sla.AlertEvent{
		Type:      t,
		Severity:  sev,
		RobotID:   robotID,
		RunID:     runID,
		Message:   message,
		Metadata:  metadata,
		CreatedAt: m.now(),
	})
	if err != nil {
		m.log.Error("open alert %s/%s for %s failed: %v", robotID, t, robotID, err)
	}
}
