package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"fleetcore/internal/apperrors"
	"fleetcore/internal/domain/worker"
)

// WorkerStore is the pgx/v5-backed worker.Store implementation.
type WorkerStore struct {
	pool *pgxpool.Pool
}

func NewWorkerStore(pool *pgxpool.Pool) *WorkerStore {
	return &WorkerStore{pool: pool}
}

func (s *WorkerStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS workers (
	id             TEXT PRIMARY KEY,
	hostname       TEXT NOT NULL,
	status         TEXT NOT NULL DEFAULT 'RUNNING',
	last_heartbeat TIMESTAMPTZ NOT NULL,
	version        TEXT NOT NULL DEFAULT ''
);
`)
	if err != nil {
		return fmt.Errorf("ensure worker schema: %w", err)
	}
	return nil
}

func (s *WorkerStore) Register(ctx context.Context, w *worker.Worker) error {
	if w.Status == "" {
		w.Status = worker.StatusRunning
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO workers (id, hostname, status, last_heartbeat, version)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (id) DO UPDATE SET hostname = EXCLUDED.hostname, version = EXCLUDED.version,
	last_heartbeat = EXCLUDED.last_heartbeat`,
		w.ID, w.HostName, w.Status, w.LastHeartbeat, w.Version)
	if err != nil {
		return fmt.Errorf("register worker: %w", err)
	}
	return nil
}

func (s *WorkerStore) Get(ctx context.Context, workerID string) (*worker.Worker, error) {
	row := s.pool.QueryRow(ctx, workerCols+` FROM workers WHERE id = $1`, workerID)
	w, err := scanWorker(row)
	if err == pgx.ErrNoRows {
		return nil, apperrors.ErrWorkerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get worker: %w", err)
	}
	return w, nil
}

const workerCols = `SELECT id, hostname, status, last_heartbeat, version`

func scanWorker(row scannable) (*worker.Worker, error) {
	var w worker.Worker
	if err := row.Scan(&w.ID, &w.HostName, &w.Status, &w.LastHeartbeat, &w.Version); err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *WorkerStore) List(ctx context.Context) ([]*worker.Worker, error) {
	rows, err := s.pool.Query(ctx, workerCols+` FROM workers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()

	var out []*worker.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *WorkerStore) SetStatus(ctx context.Context, workerID string, status worker.Status) error {
	res, err := s.pool.Exec(ctx, `UPDATE workers SET status = $1 WHERE id = $2`, status, workerID)
	if err != nil {
		return fmt.Errorf("set worker status: %w", err)
	}
	if res.RowsAffected() == 0 {
		return apperrors.ErrWorkerNotFound
	}
	return nil
}

func (s *WorkerStore) Heartbeat(ctx context.Context, workerID string, now time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE workers SET last_heartbeat = $1 WHERE id = $2`, now, workerID)
	if err != nil {
		return fmt.Errorf("worker heartbeat: %w", err)
	}
	return nil
}

func (s *WorkerStore) Stale(ctx context.Context, now time.Time, window time.Duration) ([]*worker.Worker, error) {
	rows, err := s.pool.Query(ctx, workerCols+` FROM workers WHERE $1 - last_heartbeat > $2`,
		now, window)
	if err != nil {
		return nil, fmt.Errorf("stale workers: %w", err)
	}
	defer rows.Close()

	var out []*worker.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
