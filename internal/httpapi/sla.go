package httpapi

import (
	"net/http"
	"time"

	"fleetcore/internal/domain/sla"
)

type slaRuleRequest struct {
	ExpectedRunEveryMinutes int    `json:"expected_run_every_minutes,omitempty"`
	ExpectedDailyTime       string `json:"expected_daily_time,omitempty"`
	LateAfterMinutes        int    `json:"late_after_minutes"`
	AlertOnFailure          bool   `json:"alert_on_failure"`
	AlertOnLate             bool   `json:"alert_on_late"`
}

func (h *Handler) HandleGetSla(w http.ResponseWriter, r *http.Request) {
	if _, err := h.deps.Authorizer.Authorize(r); err != nil {
		writeAuthError(w, err)
		return
	}
	robotID := r.PathValue("robot_id")
	rule, err := h.deps.SlaRules.GetRule(r.Context(), robotID)
	if err != nil {
		writeMappedError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (h *Handler) HandleUpsertSla(w http.ResponseWriter, r *http.Request) {
	if _, err := h.deps.Authorizer.Authorize(r); err != nil {
		writeAuthError(w, err)
		return
	}
	robotID := r.PathValue("robot_id")
	var req slaRuleRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	rule := &sla.Rule{
		RobotID:                 robotID,
		ExpectedRunEveryMinutes: req.ExpectedRunEveryMinutes,
		ExpectedDailyTime:       req.ExpectedDailyTime,
		LateAfterMinutes:        req.LateAfterMinutes,
		AlertOnFailure:          req.AlertOnFailure,
		AlertOnLate:             req.AlertOnLate,
	}
	if err := rule.Validate(); err != nil {
		writeMappedError(w, err, http.StatusBadRequest)
		return
	}

	if err := h.deps.SlaRules.UpsertRule(r.Context(), rule); err != nil {
		writeMappedError(w, err, http.StatusInternalServerError)
		return
	}

	status := http.StatusOK
	if r.Method == http.MethodPost {
		status = http.StatusCreated
	}
	writeJSON(w, status, rule)
}

func (h *Handler) HandleListAlerts(w http.ResponseWriter, r *http.Request) {
	if _, err := h.deps.Authorizer.Authorize(r); err != nil {
		writeAuthError(w, err)
		return
	}
	q := r.URL.Query()
	robotID := q.Get("robot_id")
	onlyUnresolved := q.Get("status") == "unresolved" || q.Get("status") == ""

	alerts, err := h.deps.SlaRules.ListAlerts(r.Context(), robotID, onlyUnresolved)
	if err != nil {
		writeMappedError(w, err, http.StatusInternalServerError)
		return
	}

	if alertType := q.Get("type"); alertType != "" {
		filtered := alerts[:0]
		for _, a := range alerts {
			if string(a.Type) == alertType {
				filtered = append(filtered, a)
			}
		}
		alerts = filtered
	}

	writeJSON(w, http.StatusOK, alerts)
}

func (h *Handler) HandleResolveAlert(w http.ResponseWriter, r *http.Request) {
	subject, err := h.deps.Authorizer.Authorize(r)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	alertID := r.PathValue("alert_id")

	if err := h.deps.SlaRules.ResolveAlert(r.Context(), alertID, subject, time.Now()); err != nil {
		writeMappedError(w, err, http.StatusInternalServerError)
		return
	}

	resolved, err := h.deps.SlaRules.GetAlert(r.Context(), alertID)
	if err != nil {
		writeMappedError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, resolved)
}
