// Package broker defines the Broker port (C2): an ordered job queue,
// per-run pub/sub log channels, and short-TTL worker heartbeat keys.
package broker

import (
	"context"
	"time"
)

// Message is one job dispatch envelope, published when a Run is created
// and leased by exactly one worker at a time.
type Message struct {
	RunID          string            `json:"run_id"`
	RobotID        string            `json:"robot_id"`
	RobotVersionID string            `json:"robot_version_id"`
	RuntimeArgs    []string          `json:"runtime_arguments,omitempty"`
	RuntimeEnv     map[string]string `json:"runtime_env,omitempty"`
	TriggerType    string            `json:"trigger_type"`
	Attempt        int               `json:"attempt"`
	ServiceID      *string           `json:"service_id,omitempty"`
	ScheduleID     *string           `json:"schedule_id,omitempty"`
	Parameters     map[string]any    `json:"parameters,omitempty"`
	EnvName        string            `json:"env_name"`
	NotBeforeTS    *float64          `json:"not_before_ts,omitempty"`
}

// LogFrame is the wire shape published to a run's log channel.
type LogFrame struct {
	RunID     string    `json:"run_id"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

// Broker is the port the rest of the system depends on; Redis and in-memory
// implementations satisfy it identically.
type Broker interface {
	// Enqueue pushes a job message onto the FIFO queue's tail.
	Enqueue(ctx context.Context, msg Message) error

	// Lease blocking-pops one message with the given timeout. It returns
	// (nil, nil) on a timeout with no message available — this is not an
	// error, it's how the lease loop keeps heartbeats flowing.
	Lease(ctx context.Context, timeout time.Duration) (*Message, error)

	// Requeue pushes msg back onto the tail, used for not_before_ts
	// future-dated messages and for pause/stop give-back.
	Requeue(ctx context.Context, msg Message) error

	// QueueDepth reports the current queue length, for the backlog alert
	// and the queue-depth gauge.
	QueueDepth(ctx context.Context) (int64, error)

	// PublishLog publishes a log frame to the run's channel. Errors here
	// are expected to be swallowed-and-logged by the caller (C4), never
	// propagated as a persistence failure.
	PublishLog(ctx context.Context, frame LogFrame) error

	// Subscribe opens a subscription to the run's log channel. The
	// returned Subscription must be closed by the caller.
	Subscribe(ctx context.Context, runID string) (Subscription, error)

	// Heartbeat sets the worker's heartbeat key with a TTL.
	Heartbeat(ctx context.Context, workerName string, at time.Time, ttl time.Duration) error

	// HeartbeatAge returns how long ago the worker's heartbeat key was set,
	// and whether the key currently exists.
	HeartbeatAge(ctx context.Context, workerName string, now time.Time) (time.Duration, bool, error)

	Close() error
}

// Subscription delivers text frames from a log channel subscription.
type Subscription interface {
	// Receive blocks up to timeout for the next frame. It returns
	// (nil, nil) on timeout.
	Receive(ctx context.Context, timeout time.Duration) ([]byte, error)
	Close() error
}
