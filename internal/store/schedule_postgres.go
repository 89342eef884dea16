package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"fleetcore/internal/apperrors"
	"fleetcore/internal/domain/schedule"
)

// ScheduleStore is the pgx/v5-backed schedule.Store implementation.
type ScheduleStore struct {
	pool *pgxpool.Pool
}

func NewScheduleStore(pool *pgxpool.Pool) *ScheduleStore {
	return &ScheduleStore{pool: pool}
}

func (s *ScheduleStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS schedules (
	robot_id              TEXT PRIMARY KEY,
	cron_expr             TEXT NOT NULL,
	timezone              TEXT NOT NULL,
	window_start          TEXT NOT NULL DEFAULT '',
	window_end            TEXT NOT NULL DEFAULT '',
	max_concurrency       INT NOT NULL DEFAULT 1,
	timeout_seconds       INT NOT NULL DEFAULT 3600,
	retry_count           INT NOT NULL DEFAULT 0,
	retry_backoff_seconds INT NOT NULL DEFAULT 1,
	enabled               BOOLEAN NOT NULL DEFAULT true
);
`)
	if err != nil {
		return fmt.Errorf("ensure schedule schema: %w", err)
	}
	return nil
}

func (s *ScheduleStore) Get(ctx context.Context, robotID string) (*schedule.Schedule, error) {
	row := s.pool.QueryRow(ctx, scheduleCols+` FROM schedules WHERE robot_id = $1`, robotID)
	sc, err := scanSchedule(row)
	if err == pgx.ErrNoRows {
		return nil, apperrors.ErrScheduleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	return sc, nil
}

const scheduleCols = `
SELECT robot_id, cron_expr, timezone, window_start, window_end, max_concurrency,
       timeout_seconds, retry_count, retry_backoff_seconds, enabled`

func scanSchedule(row scannable) (*schedule.Schedule, error) {
	var sc schedule.Schedule
	if err := row.Scan(&sc.RobotID, &sc.CronExpr, &sc.Timezone, &sc.WindowStart, &sc.WindowEnd,
		&sc.MaxConcurrency, &sc.TimeoutSeconds, &sc.RetryCount, &sc.RetryBackoffSeconds, &sc.Enabled); err != nil {
		return nil, err
	}
	return &sc, nil
}

func (s *ScheduleStore) Upsert(ctx context.Context, sc *schedule.Schedule) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO schedules (robot_id, cron_expr, timezone, window_start, window_end, max_concurrency,
                        timeout_seconds, retry_count, retry_backoff_seconds, enabled)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (robot_id) DO UPDATE SET
	cron_expr = EXCLUDED.cron_expr,
	timezone = EXCLUDED.timezone,
	window_start = EXCLUDED.window_start,
	window_end = EXCLUDED.window_end,
	max_concurrency = EXCLUDED.max_concurrency,
	timeout_seconds = EXCLUDED.timeout_seconds,
	retry_count = EXCLUDED.retry_count,
	retry_backoff_seconds = EXCLUDED.retry_backoff_seconds,
	enabled = EXCLUDED.enabled`,
		sc.RobotID, sc.CronExpr, sc.Timezone, sc.WindowStart, sc.WindowEnd, sc.MaxConcurrency,
		sc.TimeoutSeconds, sc.RetryCount, sc.RetryBackoffSeconds, sc.Enabled)
	if err != nil {
		return fmt.Errorf("upsert schedule: %w", err)
	}
	return nil
}

func (s *ScheduleStore) Delete(ctx context.Context, robotID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM schedules WHERE robot_id = $1`, robotID)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	return nil
}

func (s *ScheduleStore) ListEnabled(ctx context.Context) ([]*schedule.Schedule, error) {
	rows, err := s.pool.Query(ctx, scheduleCols+` FROM schedules WHERE enabled`)
	if err != nil {
		return nil, fmt.Errorf("list enabled schedules: %w", err)
	}
	defer rows.Close()

	var out []*schedule.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}
