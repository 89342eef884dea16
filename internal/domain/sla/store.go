package sla

import (
	"context"
	"time"
)

// Store is the persistence port for SlaRules and AlertEvents.
type Store interface {
	EnsureSchema(ctx context.Context) error

	GetRule(ctx context.Context, robotID string) (*Rule, error)
	UpsertRule(ctx context.Context, r *Rule) error
	DeleteRule(ctx context.Context, robotID string) error
	ListRules(ctx context.Context) ([]*Rule, error)

	// OpenAlert is the deduplicating upsert behind open_alert: if an
	// unresolved AlertEvent with the same (RobotID, Type) exists, no new
	// row is created and that existing alert is returned unchanged.
	// Otherwise a new AlertEvent is inserted and returned.
	OpenAlert(ctx context.Context, a *AlertEvent) (*AlertEvent, error)

	GetAlert(ctx context.Context, alertID string) (*AlertEvent, error)

	// ListAlerts returns alerts newest-first. An empty robotID matches
	// every robot.
	ListAlerts(ctx context.Context, robotID string, onlyUnresolved bool) ([]*AlertEvent, error)

	// ResolveAlert sets resolved_at/resolved_by. Idempotent if already
	// resolved.
	ResolveAlert(ctx context.Context, alertID, resolvedBy string, resolvedAt time.Time) error
}
