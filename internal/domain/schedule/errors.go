package schedule

import (
	"fmt"

	"fleetcore/internal/apperrors"
)

var (
	errWindowPair     = fmt.Errorf("window_start and window_end must both be set or both be empty: %w", apperrors.ErrInvalidWindow)
	errMaxConcurrency = fmt.Errorf("max_concurrency must be >= 1: %w", apperrors.ErrInvalidSchedule)
	errRetryCount     = fmt.Errorf("retry_count must be >= 0: %w", apperrors.ErrInvalidSchedule)
	errRetryBackoff   = fmt.Errorf("retry_backoff_seconds must be >= 1: %w", apperrors.ErrInvalidSchedule)
	errTimeoutSeconds = fmt.Errorf("timeout_seconds must be >= 1: %w", apperrors.ErrInvalidSchedule)
)
