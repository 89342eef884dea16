package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetcore/internal/apperrors"
	"fleetcore/internal/broker/membroker"
	"fleetcore/internal/domain/robot"
	"fleetcore/internal/domain/run"
	"fleetcore/internal/store/memstore"
)

func newTestRegistry(t *testing.T, envStore robot.EnvStore) (*Registry, *memstore.RobotStore, *membroker.Broker) {
	t.Helper()
	fixed := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return fixed }

	robots := memstore.NewRobotStore()
	robots.Seed(&robot.Robot{ID: "r1", Name: "robot-one"})
	robots.SeedVersion(&robot.Version{
		ID:              "v1",
		RobotID:         "r1",
		Version:         "1.0.0",
		ArtifactKind:    robot.ArtifactZIP,
		IsActive:        true,
		RequiredEnvKeys: []string{"API_TOKEN", "API_URL"},
	})

	runs := memstore.NewRunStore(clock)
	b := membroker.New(clock)
	return New(robots, runs, b, envStore, clock), robots, b
}

func TestCreateRun_MissingEnv_Rejected(t *testing.T) {
	reg, _, _ := newTestRegistry(t, memstore.NewEnvStore())

	_, err := reg.CreateRun(context.Background(), CreateRunRequest{
		RobotID:     "r1",
		EnvName:     robot.EnvProd,
		TriggerType: run.TriggerManual,
		Attempt:     1,
	})
	require.Error(t, err)

	keys, ok := apperrors.IsMissingEnv(err)
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"API_TOKEN", "API_URL"}, keys)
}

func TestCreateRun_EnvSatisfied_Succeeds(t *testing.T) {
	envStore := memstore.NewEnvStore()
	envStore.Set("r1", robot.EnvProd, "API_TOKEN", "secret")
	envStore.Set("r1", robot.EnvProd, "API_URL", "https://example.invalid")

	reg, _, b := newTestRegistry(t, envStore)

	newRun, err := reg.CreateRun(context.Background(), CreateRunRequest{
		RobotID:     "r1",
		EnvName:     robot.EnvProd,
		TriggerType: run.TriggerManual,
		Attempt:     1,
	})
	require.NoError(t, err)
	assert.Equal(t, run.StatusPending, newRun.Status)

	depth, err := b.QueueDepth(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, depth)
}

func TestCreateRun_NilEnvStore_SkipsValidation(t *testing.T) {
	reg, _, _ := newTestRegistry(t, nil)

	_, err := reg.CreateRun(context.Background(), CreateRunRequest{
		RobotID:     "r1",
		EnvName:     robot.EnvProd,
		TriggerType: run.TriggerManual,
		Attempt:     1,
	})
	require.NoError(t, err)
}

func TestCreateRun_NoRunnableVersion(t *testing.T) {
	reg, robots, _ := newTestRegistry(t, memstore.NewEnvStore())
	robots.Seed(&robot.Robot{ID: "r2", Name: "robot-two"})

	_, err := reg.CreateRun(context.Background(), CreateRunRequest{
		RobotID:     "r2",
		EnvName:     robot.EnvProd,
		TriggerType: run.TriggerManual,
		Attempt:     1,
	})
	require.ErrorIs(t, err, apperrors.ErrNoRunnableVersion)
}
