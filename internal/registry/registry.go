// Package registry implements the Run Registry (C3): the single entrypoint
// for creating runs, requesting cancellation, and querying run state and
// logs. Every other component that wants to dispatch work goes through
// Registry.CreateRun rather than touching the store or broker directly.
package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"fleetcore/internal/apperrors"
	"fleetcore/internal/broker"
	"fleetcore/internal/domain/robot"
	"fleetcore/internal/domain/run"
	"fleetcore/internal/logging"
)

// Clock abstracts time.Now for deterministic tests.
type Clock func() time.Time

// Registry wires the robot catalog, the run store, the broker, and the
// decrypted env secrets collaborator behind the create_run/request_cancel/
// query operations.
type Registry struct {
	robots   robot.Store
	runs     run.Store
	broker   broker.Broker
	envStore robot.EnvStore
	now      Clock
	log      logging.Logger
}

// New builds a Registry. now defaults to time.Now when nil.
func New(robots robot.Store, runs run.Store, b broker.Broker, envStore robot.EnvStore, now Clock) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		robots:   robots,
		runs:     runs,
		broker:   b,
		envStore: envStore,
		now:      now,
		log:      logging.NewComponentLogger("registry"),
	}
}

// CreateRunRequest carries the caller-supplied, per-invocation fields of
// create_run. RequestedVersionID, ScheduleID, ServiceID, NotBefore are all
// optional.
type CreateRunRequest struct {
	RobotID            string
	RequestedVersionID string
	RuntimeArgs        []string
	RuntimeEnv         map[string]string
	EnvName            robot.EnvName
	Parameters         map[string]any
	TriggerType        run.TriggerType
	Attempt            int
	ScheduleID         *string
	ServiceID          *string
	NotBefore          *time.Time
}

// CreateRun resolves the target version, validates required env keys,
// persists the Run, and publishes the broker dispatch message. The Run row
// is always committed before the publish is attempted (§4.1 step 4); a
// publish failure after a successful commit surfaces as
// apperrors.ErrBrokerUnavailable but leaves behind a durable PENDING run.
func (r *Registry) CreateRun(ctx context.Context, req CreateRunRequest) (*run.Run, error) {
	version, err := r.resolveVersion(ctx, req.RobotID, req.RequestedVersionID)
	if err != nil {
		return nil, err
	}

	if err := r.checkRequiredEnv(req.RobotID, req.EnvName, version.RequiredEnvKeys); err != nil {
		return nil, err
	}

	attempt := req.Attempt
	if attempt < 1 {
		attempt = 1
	}

	newRun := &run.Run{
		ID:             uuid.NewString(),
		RobotID:        req.RobotID,
		RobotVersionID: version.ID,
		Status:         run.StatusPending,
		TriggerType:    req.TriggerType,
		Attempt:        attempt,
		ScheduleID:     req.ScheduleID,
		ServiceID:      req.ServiceID,
		EnvName:        string(req.EnvName),
		RuntimeArgs:    req.RuntimeArgs,
		RuntimeEnv:     req.RuntimeEnv,
		Parameters:     req.Parameters,
		QueuedAt:       r.now(),
	}

	if err := r.runs.Create(ctx, newRun); err != nil {
		return nil, fmt.Errorf("persist run: %w", err)
	}

	msg := broker.Message{
		RunID:          newRun.ID,
		RobotID:        newRun.RobotID,
		RobotVersionID: newRun.RobotVersionID,
		RuntimeArgs:    newRun.RuntimeArgs,
		RuntimeEnv:     newRun.RuntimeEnv,
		TriggerType:    string(newRun.TriggerType),
		Attempt:        newRun.Attempt,
		ServiceID:      newRun.ServiceID,
		ScheduleID:     newRun.ScheduleID,
		Parameters:     newRun.Parameters,
		EnvName:        newRun.EnvName,
	}
	if req.NotBefore != nil {
		epoch := float64(req.NotBefore.Unix())
		msg.NotBeforeTS = &epoch
	}

	if err := r.broker.Enqueue(ctx, msg); err != nil {
		r.log.Error("publish dispatch for run %s failed after commit: %v", newRun.ID, err)
		return newRun, fmt.Errorf("publish dispatch: %w: %w", apperrors.ErrBrokerUnavailable, err)
	}

	return newRun, nil
}

func (r *Registry) resolveVersion(ctx context.Context, robotID, requestedVersionID string) (*robot.Version, error) {
	if _, err := r.robots.GetRobot(ctx, robotID); err != nil {
		return nil, err
	}
	if requestedVersionID != "" {
		v, err := r.robots.GetVersion(ctx, requestedVersionID)
		if err != nil {
			return nil, err
		}
		if v.RobotID != robotID {
			return nil, apperrors.ErrVersionNotFound
		}
		return v, nil
	}
	v, err := r.robots.ActiveVersion(ctx, robotID)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, apperrors.ErrNoRunnableVersion
	}
	return v, nil
}

func (r *Registry) checkRequiredEnv(robotID string, envName robot.EnvName, required []string) error {
	if len(required) == 0 || r.envStore == nil {
		return nil
	}
	var missing []string
	for _, key := range required {
		if _, ok := r.envStore.Get(robotID, envName, key); !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return apperrors.NewMissingEnv(missing)
	}
	return nil
}

// RequestCancel implements request_cancel: allowed only from RUNNING,
// idempotent when already CANCELED, apperrors.ErrConflict otherwise.
func (r *Registry) RequestCancel(ctx context.Context, runID, actor string) (*run.Run, error) {
	return r.runs.RequestCancel(ctx, runID, actor)
}

func (r *Registry) GetRun(ctx context.Context, runID string) (*run.Run, error) {
	return r.runs.Get(ctx, runID)
}

func (r *Registry) ListRuns(ctx context.Context, filter run.Filter, page run.Page) ([]*run.Run, int, error) {
	return r.runs.List(ctx, filter, page)
}

func (r *Registry) GetRunLogs(ctx context.Context, runID string, limit int) ([]*run.Log, error) {
	return r.runs.ListLogs(ctx, runID, limit)
}
