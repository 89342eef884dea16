package schedule

import "context"

// Store is the persistence port for the one-per-robot Schedule row.
type Store interface {
	EnsureSchema(ctx context.Context) error

	Get(ctx context.Context, robotID string) (*Schedule, error)

	// Upsert creates or replaces the robot's schedule.
	Upsert(ctx context.Context, s *Schedule) error

	Delete(ctx context.Context, robotID string) error

	// ListEnabled returns every enabled schedule, for the scheduler tick.
	ListEnabled(ctx context.Context) ([]*Schedule, error)
}
