package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"fleetcore/internal/apperrors"
	"fleetcore/internal/domain/sla"
)

// SlaStore is the pgx/v5-backed sla.Store implementation.
type SlaStore struct {
	pool *pgxpool.Pool
}

func NewSlaStore(pool *pgxpool.Pool) *SlaStore {
	return &SlaStore{pool: pool}
}

func (s *SlaStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS sla_rules (
	robot_id                    TEXT PRIMARY KEY,
	expected_run_every_minutes  INT NOT NULL DEFAULT 0,
	expected_daily_time         TEXT NOT NULL DEFAULT '',
	late_after_minutes          INT NOT NULL DEFAULT 0,
	alert_on_failure            BOOLEAN NOT NULL DEFAULT true,
	alert_on_late               BOOLEAN NOT NULL DEFAULT true
);

CREATE TABLE IF NOT EXISTS alert_events (
	id          TEXT PRIMARY KEY,
	type        TEXT NOT NULL,
	severity    TEXT NOT NULL,
	robot_id    TEXT NOT NULL,
	run_id      TEXT,
	message     TEXT NOT NULL,
	metadata    JSONB NOT NULL DEFAULT '{}',
	created_at  TIMESTAMPTZ NOT NULL,
	resolved_at TIMESTAMPTZ,
	resolved_by TEXT NOT NULL DEFAULT ''
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_alert_events_unresolved
	ON alert_events(robot_id, type) WHERE resolved_at IS NULL;
`)
	if err != nil {
		return fmt.Errorf("ensure sla schema: %w", err)
	}
	return nil
}

func (s *SlaStore) GetRule(ctx context.Context, robotID string) (*sla.Rule, error) {
	row := s.pool.QueryRow(ctx, `
SELECT robot_id, expected_run_every_minutes, expected_daily_time, late_after_minutes,
       alert_on_failure, alert_on_late FROM sla_rules WHERE robot_id = $1`, robotID)
	r, err := scanRule(row)
	if err == pgx.ErrNoRows {
		return nil, apperrors.ErrSlaRuleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get sla rule: %w", err)
	}
	return r, nil
}

func scanRule(row scannable) (*sla.Rule, error) {
	var r sla.Rule
	if err := row.Scan(&r.RobotID, &r.ExpectedRunEveryMinutes, &r.ExpectedDailyTime,
		&r.LateAfterMinutes, &r.AlertOnFailure, &r.AlertOnLate); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *SlaStore) UpsertRule(ctx context.Context, r *sla.Rule) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO sla_rules (robot_id, expected_run_every_minutes, expected_daily_time,
                        late_after_minutes, alert_on_failure, alert_on_late)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (robot_id) DO UPDATE SET
	expected_run_every_minutes = EXCLUDED.expected_run_every_minutes,
	expected_daily_time = EXCLUDED.expected_daily_time,
	late_after_minutes = EXCLUDED.late_after_minutes,
	alert_on_failure = EXCLUDED.alert_on_failure,
	alert_on_late = EXCLUDED.alert_on_late`,
		r.RobotID, r.ExpectedRunEveryMinutes, r.ExpectedDailyTime, r.LateAfterMinutes,
		r.AlertOnFailure, r.AlertOnLate)
	if err != nil {
		return fmt.Errorf("upsert sla rule: %w", err)
	}
	return nil
}

func (s *SlaStore) DeleteRule(ctx context.Context, robotID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM sla_rules WHERE robot_id = $1`, robotID)
	if err != nil {
		return fmt.Errorf("delete sla rule: %w", err)
	}
	return nil
}

func (s *SlaStore) ListRules(ctx context.Context) ([]*sla.Rule, error) {
	rows, err := s.pool.Query(ctx, `
SELECT robot_id, expected_run_every_minutes, expected_daily_time, late_after_minutes,
       alert_on_failure, alert_on_late FROM sla_rules`)
	if err != nil {
		return nil, fmt.Errorf("list sla rules: %w", err)
	}
	defer rows.Close()

	var out []*sla.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sla rule: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SlaStore) OpenAlert(ctx context.Context, a *sla.AlertEvent) (*sla.AlertEvent, error) {
	existing, err := s.unresolvedFor(ctx, a.RobotID, a.Type)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	metaJSON, err := json.Marshal(a.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal alert metadata: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO alert_events (id, type, severity, robot_id, run_id, message, metadata, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (robot_id, type) WHERE resolved_at IS NULL DO NOTHING`,
		a.ID, a.Type, a.Severity, a.RobotID, a.RunID, a.Message, metaJSON, a.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert alert: %w", err)
	}
	existing, err = s.unresolvedFor(ctx, a.RobotID, a.Type)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	return a, nil
}

func (s *SlaStore) unresolvedFor(ctx context.Context, robotID string, t sla.AlertType) (*sla.AlertEvent, error) {
	row := s.pool.QueryRow(ctx, alertCols+`
FROM alert_events WHERE robot_id = $1 AND type = $2 AND resolved_at IS NULL`, robotID, t)
	a, err := scanAlert(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup unresolved alert: %w", err)
	}
	return a, nil
}

const alertCols = `
SELECT id, type, severity, robot_id, run_id, message, metadata, created_at, resolved_at, resolved_by`

func scanAlert(row scannable) (*sla.AlertEvent, error) {
	var a sla.AlertEvent
	var metaJSON []byte
	if err := row.Scan(&a.ID, &a.Type, &a.Severity, &a.RobotID, &a.RunID, &a.Message, &metaJSON,
		&a.CreatedAt, &a.ResolvedAt, &a.ResolvedBy); err != nil {
		return nil, err
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &a.Metadata); err != nil {
			return nil, err
		}
	}
	return &a, nil
}

func (s *SlaStore) GetAlert(ctx context.Context, alertID string) (*sla.AlertEvent, error) {
	row := s.pool.QueryRow(ctx, alertCols+` FROM alert_events WHERE id = $1`, alertID)
	a, err := scanAlert(row)
	if err == pgx.ErrNoRows {
		return nil, apperrors.ErrAlertNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get alert: %w", err)
	}
	return a, nil
}

func (s *SlaStore) ListAlerts(ctx context.Context, robotID string, onlyUnresolved bool) ([]*sla.AlertEvent, error) {
	query := alertCols + ` FROM alert_events WHERE 1=1`
	var args []any
	if robotID != "" {
		args = append(args, robotID)
		query += fmt.Sprintf(` AND robot_id = $%d`, len(args))
	}
	if onlyUnresolved {
		query += ` AND resolved_at IS NULL`
	}
	query += ` ORDER BY created_at DESC`
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	var out []*sla.AlertEvent
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SlaStore) ResolveAlert(ctx context.Context, alertID, resolvedBy string, resolvedAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
UPDATE alert_events SET resolved_at = $1, resolved_by = $2
WHERE id = $3 AND resolved_at IS NULL`, resolvedAt, resolvedBy, alertID)
	if err != nil {
		return fmt.Errorf("resolve alert: %w", err)
	}
	return nil
}
