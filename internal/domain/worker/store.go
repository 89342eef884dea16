package worker

import (
	"context"
	"time"
)

// Store is the persistence port for Worker rows.
type Store interface {
	EnsureSchema(ctx context.Context) error

	// Register upserts a Worker row at process start, defaulting Status to
	// RUNNING if the row is new.
	Register(ctx context.Context, w *Worker) error

	Get(ctx context.Context, workerID string) (*Worker, error)
	List(ctx context.Context) ([]*Worker, error)

	// SetStatus applies an administrative pause/stop/resume.
	SetStatus(ctx context.Context, workerID string, status Status) error

	// Heartbeat bumps last_heartbeat to now.
	Heartbeat(ctx context.Context, workerID string, now time.Time) error

	// Stale returns workers whose last_heartbeat is older than now-window.
	Stale(ctx context.Context, now time.Time, window time.Duration) ([]*Worker, error)
}
