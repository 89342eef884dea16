// Package robot defines the Robot and RobotVersion entities: the immutable
// identity of a packaged automation and the versioned artifacts it owns.
package robot

import "time"

// ArtifactKind is the packaging format of a RobotVersion's payload.
type ArtifactKind string

const (
	ArtifactZIP ArtifactKind = "ZIP"
	ArtifactEXE ArtifactKind = "EXE"
)

// EntrypointKind selects how the entrypoint inside a ZIP artifact is
// invoked.
type EntrypointKind string

const (
	EntrypointEXE    EntrypointKind = "EXE"
	EntrypointScript EntrypointKind = "SCRIPT"
)

// Channel groups versions by release maturity.
type Channel string

const (
	ChannelStable Channel = "stable"
	ChannelBeta   Channel = "beta"
	ChannelHotfix Channel = "hotfix"
)

// EnvName enumerates the deployment environments a robot can run under.
type EnvName string

const (
	EnvProd EnvName = "PROD"
	EnvHML  EnvName = "HML"
	EnvTest EnvName = "TEST"
)

// Robot is a named, immutable automation identifier. It owns a sequence of
// Versions, a set of tags, at most one Schedule, and at most one SlaRule
// (the latter two live in their own packages and reference Robot.ID).
type Robot struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Version records one immutable, content-addressed build of a Robot.
type Version struct {
	ID               string            `json:"id"`
	RobotID          string            `json:"robot_id"`
	Version          string            `json:"version"`
	ArtifactKind     ArtifactKind      `json:"artifact_kind"`
	ContentSHA256    string            `json:"content_sha256"`
	EntrypointKind   EntrypointKind    `json:"entrypoint_kind"`
	EntrypointPath   string            `json:"entrypoint_path"`
	DefaultArguments []string          `json:"default_arguments,omitempty"`
	DefaultEnv       map[string]string `json:"default_env,omitempty"`
	RequiredEnvKeys  []string          `json:"required_env_keys,omitempty"`
	Channel          Channel           `json:"channel"`
	IsActive         bool              `json:"is_active"`
	CreatedAt        time.Time         `json:"created_at"`
}

// EnvStore is the external collaborator holding decrypted robot environment
// secrets, keyed by (robot_id, env_name, key). Out of core per spec — the
// orchestrator only consumes it through this narrow port.
type EnvStore interface {
	// Get returns the value for key under env for the given robot, and
	// whether it was present.
	Get(robotID string, env EnvName, key string) (string, bool)

	// GetAll returns every key/value pair configured for (robot, env).
	GetAll(robotID string, env EnvName) map[string]string
}
