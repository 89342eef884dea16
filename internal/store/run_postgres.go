package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"fleetcore/internal/apperrors"
	"fleetcore/internal/domain/run"
)

// RunStore is the pgx/v5-backed run.Store implementation.
type RunStore struct {
	pool *pgxpool.Pool
}

func NewRunStore(pool *pgxpool.Pool) *RunStore {
	return &RunStore{pool: pool}
}

func (s *RunStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS runs (
	id                TEXT PRIMARY KEY,
	robot_id          TEXT NOT NULL,
	robot_version_id  TEXT NOT NULL,
	status            TEXT NOT NULL,
	trigger_type      TEXT NOT NULL,
	attempt           INT NOT NULL DEFAULT 1,
	schedule_id       TEXT,
	service_id        TEXT,
	env_name          TEXT NOT NULL DEFAULT '',
	runtime_args      JSONB NOT NULL DEFAULT '[]',
	runtime_env       JSONB NOT NULL DEFAULT '{}',
	parameters        JSONB NOT NULL DEFAULT '{}',
	queued_at         TIMESTAMPTZ NOT NULL,
	started_at        TIMESTAMPTZ,
	finished_at       TIMESTAMPTZ,
	duration_seconds  DOUBLE PRECISION,
	host_name         TEXT NOT NULL DEFAULT '',
	process_id        INT,
	cancel_requested  BOOLEAN NOT NULL DEFAULT false,
	canceled_by       TEXT NOT NULL DEFAULT '',
	canceled_at       TIMESTAMPTZ,
	error_message     TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_runs_robot ON runs(robot_id, queued_at DESC);
CREATE INDEX IF NOT EXISTS idx_runs_schedule_queued ON runs(schedule_id, queued_at);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);

CREATE TABLE IF NOT EXISTS run_logs (
	id        BIGSERIAL PRIMARY KEY,
	run_id    TEXT NOT NULL REFERENCES runs(id),
	level     TEXT NOT NULL,
	message   TEXT NOT NULL,
	timestamp TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_run_logs_run ON run_logs(run_id, id);

CREATE TABLE IF NOT EXISTS run_artifacts (
	run_id     TEXT NOT NULL REFERENCES runs(id),
	file_path  TEXT NOT NULL,
	size_bytes BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (run_id, file_path)
);
`)
	if err != nil {
		return fmt.Errorf("ensure run schema: %w", err)
	}
	return nil
}

func (s *RunStore) Create(ctx context.Context, r *run.Run) error {
	argsJSON, err := json.Marshal(r.RuntimeArgs)
	if err != nil {
		return fmt.Errorf("marshal runtime_args: %w", err)
	}
	envJSON, err := json.Marshal(r.RuntimeEnv)
	if err != nil {
		return fmt.Errorf("marshal runtime_env: %w", err)
	}
	paramsJSON, err := json.Marshal(r.Parameters)
	if err != nil {
		return fmt.Errorf("marshal parameters: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO runs (id, robot_id, robot_version_id, status, trigger_type, attempt, schedule_id,
                   service_id, env_name, runtime_args, runtime_env, parameters, queued_at,
                   cancel_requested)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,false)`,
		r.ID, r.RobotID, r.RobotVersionID, r.Status, r.TriggerType, r.Attempt, r.ScheduleID,
		r.ServiceID, r.EnvName, argsJSON, envJSON, paramsJSON, r.QueuedAt)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *RunStore) Get(ctx context.Context, runID string) (*run.Run, error) {
	row := s.pool.QueryRow(ctx, runSelectCols+` FROM runs WHERE id = $1`, runID)
	r, err := scanRun(row)
	if err == pgx.ErrNoRows {
		return nil, apperrors.ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

const runSelectCols = `
SELECT id, robot_id, robot_version_id, status, trigger_type, attempt, schedule_id, service_id,
       env_name, runtime_args, runtime_env, parameters, queued_at, started_at, finished_at,
       duration_seconds, host_name, process_id, cancel_requested, canceled_by, canceled_at,
       error_message`

func scanRun(row scannable) (*run.Run, error) {
	var r run.Run
	var argsJSON, envJSON, paramsJSON []byte
	if err := row.Scan(&r.ID, &r.RobotID, &r.RobotVersionID, &r.Status, &r.TriggerType, &r.Attempt,
		&r.ScheduleID, &r.ServiceID, &r.EnvName, &argsJSON, &envJSON, &paramsJSON, &r.QueuedAt,
		&r.StartedAt, &r.FinishedAt, &r.DurationSeconds, &r.HostName, &r.ProcessID,
		&r.CancelRequested, &r.CanceledBy, &r.CanceledAt, &r.ErrorMessage); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(argsJSON, &r.RuntimeArgs); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(envJSON, &r.RuntimeEnv); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(paramsJSON, &r.Parameters); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *RunStore) List(ctx context.Context, filter run.Filter, page run.Page) ([]*run.Run, int, error) {
	where := "WHERE 1=1"
	args := []any{}
	add := func(clause string, val any) {
		args = append(args, val)
		where += fmt.Sprintf(" AND %s = $%d", clause, len(args))
	}
	if filter.RobotID != "" {
		add("robot_id", filter.RobotID)
	}
	if filter.ServiceID != "" {
		add("service_id", filter.ServiceID)
	}
	if filter.TriggerType != "" {
		add("trigger_type", filter.TriggerType)
	}
	if filter.Status != "" {
		add("status", filter.Status)
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM runs `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count runs: %w", err)
	}

	limit := page.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, page.Offset)
	rows, err := s.pool.Query(ctx, runSelectCols+` FROM runs `+where+
		fmt.Sprintf(` ORDER BY queued_at DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []*run.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, r)
	}
	return out, total, rows.Err()
}

func (s *RunStore) Start(ctx context.Context, runID string, startedAt time.Time, params run.StartParams) error {
	res, err := s.pool.Exec(ctx, `
UPDATE runs SET status = $1, started_at = $2, host_name = $3, process_id = $4
WHERE id = $5 AND status = $6`,
		run.StatusRunning, startedAt, params.HostName, params.ProcessID, runID, run.StatusPending)
	if err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	if res.RowsAffected() == 0 {
		return apperrors.ErrConflict
	}
	return nil
}

func (s *RunStore) SetProcessID(ctx context.Context, runID string, pid int) error {
	_, err := s.pool.Exec(ctx, `UPDATE runs SET process_id = $1 WHERE id = $2`, pid, runID)
	if err != nil {
		return fmt.Errorf("set process id: %w", err)
	}
	return nil
}

func (s *RunStore) Finish(ctx context.Context, runID string, finishedAt time.Time, params run.FinishParams) error {
	_, err := s.pool.Exec(ctx, `
UPDATE runs SET
	status = $1,
	finished_at = $2,
	error_message = $3,
	canceled_at = COALESCE($4, canceled_at),
	duration_seconds = CASE WHEN started_at IS NOT NULL
		THEN EXTRACT(EPOCH FROM ($2::timestamptz - started_at)) ELSE duration_seconds END
WHERE id = $5 AND status IN ('PENDING', 'RUNNING')`,
		params.Status, finishedAt, params.ErrorMessage, params.CanceledAt, runID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

func (s *RunStore) RequestCancel(ctx context.Context, runID, actor string) (*run.Run, error) {
	r, err := s.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if r.Status == run.StatusCanceled {
		return r, nil
	}
	if r.Status != run.StatusRunning {
		return nil, apperrors.ErrConflict
	}
	_, err = s.pool.Exec(ctx, `
UPDATE runs SET cancel_requested = true, canceled_by = $1 WHERE id = $2 AND status = $3`,
		actor, runID, run.StatusRunning)
	if err != nil {
		return nil, fmt.Errorf("request cancel: %w", err)
	}
	r.CancelRequested = true
	r.CanceledBy = actor
	return r, nil
}

func (s *RunStore) AppendLog(ctx context.Context, l *run.Log) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
INSERT INTO run_logs (run_id, level, message, timestamp) VALUES ($1,$2,$3,$4) RETURNING id`,
		l.RunID, l.Level, l.Message, l.Timestamp).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("append log: %w", err)
	}
	return id, nil
}

func (s *RunStore) ListLogs(ctx context.Context, runID string, limit int) ([]*run.Log, error) {
	if limit <= 0 {
		limit = 1000
	}
	// The most recent limit rows, returned oldest-first so replay order
	// matches append order.
	rows, err := s.pool.Query(ctx, `
SELECT id, run_id, level, message, timestamp FROM (
	SELECT id, run_id, level, message, timestamp FROM run_logs
	WHERE run_id = $1 ORDER BY id DESC LIMIT $2
) tail ORDER BY id ASC`,
		runID, limit)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	defer rows.Close()

	var out []*run.Log
	for rows.Next() {
		var l run.Log
		if err := rows.Scan(&l.ID, &l.RunID, &l.Level, &l.Message, &l.Timestamp); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}

func (s *RunStore) AddArtifacts(ctx context.Context, artifacts []run.Artifact) error {
	for _, a := range artifacts {
		_, err := s.pool.Exec(ctx, `
INSERT INTO run_artifacts (run_id, file_path, size_bytes, created_at)
VALUES ($1,$2,$3,$4) ON CONFLICT (run_id, file_path) DO UPDATE SET size_bytes = EXCLUDED.size_bytes`,
			a.RunID, a.FilePath, a.SizeBytes, a.CreatedAt)
		if err != nil {
			return fmt.Errorf("add artifact %s: %w", a.FilePath, err)
		}
	}
	return nil
}

func (s *RunStore) CountActiveForRobot(ctx context.Context, robotID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
SELECT count(*) FROM runs WHERE robot_id = $1 AND status IN ('PENDING','RUNNING')`, robotID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active for robot: %w", err)
	}
	return n, nil
}

func (s *RunStore) CountScheduledInWindow(ctx context.Context, scheduleID string, from, to time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
SELECT count(*) FROM runs
WHERE schedule_id = $1 AND trigger_type = 'SCHEDULED' AND queued_at >= $2 AND queued_at < $3`,
		scheduleID, from, to).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count scheduled in window: %w", err)
	}
	return n, nil
}

func (s *RunStore) LastForRobot(ctx context.Context, robotID string) (*run.Run, error) {
	row := s.pool.QueryRow(ctx, runSelectCols+` FROM runs WHERE robot_id = $1 ORDER BY queued_at DESC LIMIT 1`, robotID)
	r, err := scanRun(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last for robot: %w", err)
	}
	return r, nil
}

func (s *RunStore) LastSinceForRobot(ctx context.Context, robotID string, since time.Time) (*run.Run, error) {
	row := s.pool.QueryRow(ctx, runSelectCols+`
FROM runs WHERE robot_id = $1 AND queued_at >= $2 ORDER BY queued_at DESC LIMIT 1`, robotID, since)
	r, err := scanRun(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last since for robot: %w", err)
	}
	return r, nil
}

func (s *RunStore) RecentForRobot(ctx context.Context, robotID string, limit int) ([]*run.Run, error) {
	rows, err := s.pool.Query(ctx, runSelectCols+`
FROM runs WHERE robot_id = $1 ORDER BY queued_at DESC LIMIT $2`, robotID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent for robot: %w", err)
	}
	defer rows.Close()

	var out []*run.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
