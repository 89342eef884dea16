package workerrt

import (
	"time"

	"fleetcore/internal/broker"
	"fleetcore/internal/domain/robot"
	"fleetcore/internal/domain/run"
	"fleetcore/internal/registry"
)

// retryRequest builds the create_run request for a RETRY run, carrying
// forward the same schedule, service, env, parameters, and job arguments
// as the failed predecessor, per §4.3's retry policy.
func retryRequest(msg broker.Message, notBefore time.Time) registry.CreateRunRequest {
	return registry.CreateRunRequest{
		RobotID:            msg.RobotID,
		RequestedVersionID: msg.RobotVersionID,
		RuntimeArgs:        msg.RuntimeArgs,
		RuntimeEnv:         msg.RuntimeEnv,
		EnvName:            robot.EnvName(msg.EnvName),
		Parameters:         msg.Parameters,
		TriggerType:        run.TriggerRetry,
		Attempt:            msg.Attempt + 1,
		ScheduleID:         msg.ScheduleID,
		ServiceID:          msg.ServiceID,
		NotBefore:          &notBefore,
	}
}
