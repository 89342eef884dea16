package httpapi

import (
	"fmt"
	"net/http"

	"fleetcore/internal/apperrors"
	"fleetcore/internal/cronexpr"
	"fleetcore/internal/domain/schedule"
)

type scheduleRequest struct {
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

func (h *Handler) HandleGetSchedule(w http.ResponseWriter, r *http.Request) {
	if _, err := h.deps.Authorizer.Authorize(r); err != nil {
		writeAuthError(w, err)
		return
	}
	robotID := r.PathValue("robot_id")
	sc, err := h.deps.Schedules.Get(r.Context(), robotID)
	if err != nil {
		writeMappedError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

// HandleUpsertSchedule validates the cron expression at write time through
// the same internal/cronexpr parser used at evaluation time, per the
// scheduler CRUD detail.
func (h *Handler) HandleUpsertSchedule(w http.ResponseWriter, r *http.Request) {
	if _, err := h.deps.Authorizer.Authorize(r); err != nil {
		writeAuthError(w, err)
		return
	}
	robotID := r.PathValue("robot_id")
	var req scheduleRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	if _, err := cronexpr.Parse(req.CronExpr); err != nil {
		writeMappedError(w, fmt.Errorf("%s: %w", err.Error(), apperrors.ErrInvalidCron), http.StatusBadRequest)
		return
	}

	sc := &schedule.Schedule{
		RobotID:             robotID,
		CronExpr:            req.CronExpr,
		Timezone:            req.Timezone,
		WindowStart:         req.WindowStart,
		WindowEnd:           req.WindowEnd,
		MaxConcurrency:      req.MaxConcurrency,
		TimeoutSeconds:      req.TimeoutSeconds,
		RetryCount:          req.RetryCount,
		RetryBackoffSeconds: req.RetryBackoffSeconds,
		Enabled:             req.Enabled,
	}
	if err := sc.Validate(); err != nil {
		writeMappedError(w, err, http.StatusBadRequest)
		return
	}

	if err := h.deps.Schedules.Upsert(r.Context(), sc); err != nil {
		writeMappedError(w, err, http.StatusInternalServerError)
		return
	}

	status := http.StatusOK
	if r.Method == http.MethodPost {
		status = http.StatusCreated
	}
	writeJSON(w, status, sc)
}

func (h *Handler) HandleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	if _, err := h.deps.Authorizer.Authorize(r); err != nil {
		writeAuthError(w, err)
		return
	}
	robotID := r.PathValue("robot_id")
	if err := h.deps.Schedules.Delete(r.Context(), robotID); err != nil {
		writeMappedError(w, err, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
