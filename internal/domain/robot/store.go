package robot

import "context"

// Store is the persistence port for robots and their versions.
type Store interface {
	EnsureSchema(ctx context.Context) error

	GetRobot(ctx context.Context, robotID string) (*Robot, error)
	GetVersion(ctx context.Context, versionID string) (*Version, error)
	// ActiveVersion returns the robot's currently active version, or nil
	// (with no error) if none is active.
	ActiveVersion(ctx context.Context, robotID string) (*Version, error)

	// ActivateVersion marks versionID active and every sibling version of
	// the same robot inactive, atomically. versionID must belong to
	// robotID.
	ActivateVersion(ctx context.Context, robotID, versionID string) error

	ListVersions(ctx context.Context, robotID string) ([]*Version, error)
}
