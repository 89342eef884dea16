package run

import (
	"context"
	"time"
)

// StartParams carries the fields set when a Run transitions to RUNNING.
type StartParams struct {
	HostName  string
	ProcessID int
}

// FinishParams carries the fields set when a Run reaches a terminal status.
type FinishParams struct {
	Status       Status
	ErrorMessage string
	CanceledAt   *time.Time
}

// Store is the persistence port for Runs, RunLogs, and Artifacts (C1, the
// Run-owned slice of the relational store).
type Store interface {
	EnsureSchema(ctx context.Context) error

	// Create persists a new PENDING run. QueuedAt must already be set by
	// the caller so registry and store agree on the commit-ordering
	// invariant (the row is durable before the broker publish).
	Create(ctx context.Context, r *Run) error

	Get(ctx context.Context, runID string) (*Run, error)

	// List returns a filtered, paginated slice plus the total match count.
	List(ctx context.Context, filter Filter, page Page) ([]*Run, int, error)

	// Start transitions a run PENDING -> RUNNING.
	Start(ctx context.Context, runID string, startedAt time.Time, params StartParams) error

	// SetProcessID records the spawned child's pid once known, which is
	// necessarily after the RUNNING transition (the process doesn't exist
	// until the command starts).
	SetProcessID(ctx context.Context, runID string, pid int) error

	// Finish transitions a run to a terminal status, computing
	// DurationSeconds from StartedAt when present.
	Finish(ctx context.Context, runID string, finishedAt time.Time, params FinishParams) error

	// RequestCancel sets cancel_requested (monotonic) and canceled_by.
	// Returns apperrors.ErrConflict if the run is not RUNNING and not
	// already CANCELED; idempotent when already CANCELED.
	RequestCancel(ctx context.Context, runID, actor string) (*Run, error)

	AppendLog(ctx context.Context, l *Log) (int64, error)
	ListLogs(ctx context.Context, runID string, limit int) ([]*Log, error)

	AddArtifacts(ctx context.Context, artifacts []Artifact) error

	// CountActiveForRobot counts runs in {PENDING, RUNNING} for the robot,
	// used by the scheduler's concurrency gate.
	CountActiveForRobot(ctx context.Context, robotID string) (int, error)

	// CountScheduledInWindow counts SCHEDULED runs for a schedule whose
	// queued_at falls within [from, to), used for per-minute dedupe.
	CountScheduledInWindow(ctx context.Context, scheduleID string, from, to time.Time) (int, error)

	// LastForRobot returns the most recently queued run for a robot, or nil
	// if none exists, used by the LATE SLA check.
	LastForRobot(ctx context.Context, robotID string) (*Run, error)

	// LastSinceForRobot returns the most recently queued run for a robot
	// queued at or after since, or nil. Used by the expected_daily_time
	// LATE check.
	LastSinceForRobot(ctx context.Context, robotID string, since time.Time) (*Run, error)

	// RecentForRobot returns up to limit runs for a robot in queued_at desc
	// order, used by the FAILURE_STREAK check.
	RecentForRobot(ctx context.Context, robotID string, limit int) ([]*Run, error)
}
