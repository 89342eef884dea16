// Package run defines the Run entity — one execution attempt of a
// RobotVersion — plus its owned RunLog and Artifact rows.
package run

import "time"

// Status is the lifecycle state of a Run. SUCCESS, FAILED, and CANCELED are
// terminal sinks: once reached, status never changes again (P1).
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusRunning  Status = "RUNNING"
	StatusSuccess  Status = "SUCCESS"
	StatusFailed   Status = "FAILED"
	StatusCanceled Status = "CANCELED"
)

// IsTerminal reports whether s is one of the sink statuses.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// TriggerType records what caused a Run to be created.
type TriggerType string

const (
	TriggerManual    TriggerType = "MANUAL"
	TriggerScheduled TriggerType = "SCHEDULED"
	TriggerRetry     TriggerType = "RETRY"
)

// LogLevel is the severity of a RunLog line.
type LogLevel string

const (
	LogInfo  LogLevel = "INFO"
	LogError LogLevel = "ERROR"
)

// Run is the primary execution record. See spec §3 for the full invariant
// list; the two enforced directly by this type's zero-value shape are:
//   - status=PENDING implies StartedAt == nil && FinishedAt == nil.
//   - a terminal status implies FinishedAt != nil and DurationSeconds set
//     (or nil if the run was never started, e.g. a preflight failure before
//     the process ever spawned).
type Run struct {
	ID              string            `json:"run_id"`
	RobotID         string            `json:"robot_id"`
	RobotVersionID  string            `json:"robot_version_id"`
	Status          Status            `json:"status"`
	TriggerType     TriggerType       `json:"trigger_type"`
	Attempt         int               `json:"attempt"`
	ScheduleID      *string           `json:"schedule_id,omitempty"`
	ServiceID       *string           `json:"service_id,omitempty"`
	EnvName         string            `json:"env_name"`
	RuntimeArgs     []string          `json:"runtime_arguments,omitempty"`
	RuntimeEnv      map[string]string `json:"runtime_env,omitempty"`
	Parameters      map[string]any    `json:"parameters,omitempty"`
	QueuedAt        time.Time         `json:"queued_at"`
	StartedAt       *time.Time        `json:"started_at,omitempty"`
	FinishedAt      *time.Time        `json:"finished_at,omitempty"`
	DurationSeconds *float64          `json:"duration_seconds,omitempty"`
	HostName        string            `json:"host_name,omitempty"`
	ProcessID       *int              `json:"process_id,omitempty"`
	CancelRequested bool              `json:"cancel_requested"`
	CanceledBy      string            `json:"canceled_by,omitempty"`
	CanceledAt      *time.Time        `json:"canceled_at,omitempty"`
	ErrorMessage    string            `json:"error_message,omitempty"`
}

// Log is one append-only, monotonically ordered line of a Run's output.
type Log struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Artifact is a file produced under a Run's workspace, registered at
// finalization.
type Artifact struct {
	RunID     string    `json:"run_id"`
	FilePath  string    `json:"file_path"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
}

// Filter narrows list_runs queries.
type Filter struct {
	RobotID     string
	ServiceID   string
	TriggerType TriggerType
	Status      Status
}

// Page requests an offset-limited slice of the filtered result set.
type Page struct {
	Offset int
	Limit  int
}
