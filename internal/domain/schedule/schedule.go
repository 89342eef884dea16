// Package schedule defines the Schedule entity: the single cron dispatch
// policy a Robot may own.
package schedule

import (
	"fmt"
	"time"

	"fleetcore/internal/apperrors"
)

// Schedule is the cron dispatch policy for one robot. At most one exists
// per robot_id.
type Schedule struct {
	RobotID             string `json:"robot_id"`
	CronExpr            string `json:"cron_expr"`
	Timezone            string `json:"timezone"`
	WindowStart         string `json:"window_start,omitempty"`
	WindowEnd           string `json:"window_end,omitempty"`
	MaxConcurrency      int    `json:"max_concurrency"`
	TimeoutSeconds      int    `json:"timeout_seconds"`
	RetryCount          int    `json:"retry_count"`
	RetryBackoffSeconds int    `json:"retry_backoff_seconds"`
	Enabled             bool   `json:"enabled"`
}

// Validate checks the field-level invariants spec'd for Schedule: cron
// syntax is validated by the caller (internal/cronexpr), window fields must
// be both-or-neither and HH:MM, and the numeric fields must respect their
// floors.
func (s *Schedule) Validate() error {
	if (s.WindowStart == "") != (s.WindowEnd == "") {
		return errWindowPair
	}
	for _, w := range []string{s.WindowStart, s.WindowEnd} {
		if _, err := time.Parse("15:04", w); w != "" && err != nil {
			return fmt.Errorf("window_start and window_end must be HH:MM: %w", apperrors.ErrInvalidWindow)
		}
	}
	if s.MaxConcurrency < 1 {
		return errMaxConcurrency
	}
	if s.RetryCount < 0 {
		return errRetryCount
	}
	if s.RetryBackoffSeconds < 1 {
		return errRetryBackoff
	}
	if s.TimeoutSeconds < 1 {
		return errTimeoutSeconds
	}
	return nil
}
