package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"fleetcore/internal/apperrors"
	"fleetcore/internal/domain/robot"
)

// RobotStore is the pgx/v5-backed robot.Store implementation.
type RobotStore struct {
	pool *pgxpool.Pool
}

// NewRobotStore wraps an open pool.
func NewRobotStore(pool *pgxpool.Pool) *RobotStore {
	return &RobotStore{pool: pool}
}

func (s *RobotStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS robots (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	tags       JSONB NOT NULL DEFAULT '[]',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS robot_versions (
	id                 TEXT PRIMARY KEY,
	robot_id           TEXT NOT NULL REFERENCES robots(id),
	version            TEXT NOT NULL,
	artifact_kind      TEXT NOT NULL,
	content_sha256     TEXT NOT NULL,
	entrypoint_kind    TEXT NOT NULL,
	entrypoint_path    TEXT NOT NULL,
	default_arguments  JSONB NOT NULL DEFAULT '[]',
	default_env        JSONB NOT NULL DEFAULT '{}',
	required_env_keys  JSONB NOT NULL DEFAULT '[]',
	channel            TEXT NOT NULL,
	is_active          BOOLEAN NOT NULL DEFAULT false,
	created_at         TIMESTAMPTZ NOT NULL,
	UNIQUE (robot_id, version)
);

CREATE INDEX IF NOT EXISTS idx_robot_versions_active ON robot_versions(robot_id) WHERE is_active;
`)
	if err != nil {
		return fmt.Errorf("ensure robot schema: %w", err)
	}
	return nil
}

func (s *RobotStore) GetRobot(ctx context.Context, robotID string) (*robot.Robot, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, name, tags, created_at, updated_at FROM robots WHERE id = $1`, robotID)
	var r robot.Robot
	var tagsJSON []byte
	if err := row.Scan(&r.ID, &r.Name, &tagsJSON, &r.CreatedAt, &r.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, apperrors.ErrRobotNotFound
		}
		return nil, fmt.Errorf("get robot: %w", err)
	}
	if err := json.Unmarshal(tagsJSON, &r.Tags); err != nil {
		return nil, fmt.Errorf("decode robot tags: %w", err)
	}
	return &r, nil
}

func (s *RobotStore) GetVersion(ctx context.Context, versionID string) (*robot.Version, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, robot_id, version, artifact_kind, content_sha256, entrypoint_kind, entrypoint_path,
       default_arguments, default_env, required_env_keys, channel, is_active, created_at
FROM robot_versions WHERE id = $1`, versionID)
	v, err := scanVersion(row)
	if err == pgx.ErrNoRows {
		return nil, apperrors.ErrVersionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get version: %w", err)
	}
	return v, nil
}

func (s *RobotStore) ActiveVersion(ctx context.Context, robotID string) (*robot.Version, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, robot_id, version, artifact_kind, content_sha256, entrypoint_kind, entrypoint_path,
       default_arguments, default_env, required_env_keys, channel, is_active, created_at
FROM robot_versions WHERE robot_id = $1 AND is_active LIMIT 1`, robotID)
	v, err := scanVersion(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active version: %w", err)
	}
	return v, nil
}

func (s *RobotStore) ActivateVersion(ctx context.Context, robotID, versionID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("activate version begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `UPDATE robot_versions SET is_active = false WHERE robot_id = $1`, robotID); err != nil {
		return fmt.Errorf("deactivate siblings: %w", err)
	}

	res, err := tx.Exec(ctx, `UPDATE robot_versions SET is_active = true WHERE id = $1 AND robot_id = $2`, versionID, robotID)
	if err != nil {
		return fmt.Errorf("activate version: %w", err)
	}
	if res.RowsAffected() == 0 {
		return apperrors.ErrVersionNotFound
	}
	return tx.Commit(ctx)
}

func (s *RobotStore) ListVersions(ctx context.Context, robotID string) ([]*robot.Version, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, robot_id, version, artifact_kind, content_sha256, entrypoint_kind, entrypoint_path,
       default_arguments, default_env, required_env_keys, channel, is_active, created_at
FROM robot_versions WHERE robot_id = $1 ORDER BY created_at DESC`, robotID)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	var out []*robot.Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanVersion(row scannable) (*robot.Version, error) {
	var v robot.Version
	var argsJSON, envJSON, keysJSON []byte
	if err := row.Scan(&v.ID, &v.RobotID, &v.Version, &v.ArtifactKind, &v.ContentSHA256,
		&v.EntrypointKind, &v.EntrypointPath, &argsJSON, &envJSON, &keysJSON,
		&v.Channel, &v.IsActive, &v.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(argsJSON, &v.DefaultArguments); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(envJSON, &v.DefaultEnv); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(keysJSON, &v.RequiredEnvKeys); err != nil {
		return nil, err
	}
	return &v, nil
}
