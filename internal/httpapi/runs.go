package httpapi

import (
	"net/http"
	"strconv"

	"fleetcore/internal/domain/robot"
	"fleetcore/internal/domain/run"
	"fleetcore/internal/registry"
)

// executeRunRequest is the POST /runs/{robot_id}/execute body.
type executeRunRequest struct {
	VersionID   string            `json:"version_id,omitempty"`
	RuntimeArgs []string          `json:"runtime_arguments,omitempty"`
	RuntimeEnv  map[string]string `json:"runtime_env,omitempty"`
	EnvName     string            `json:"env_name"`
	Parameters  map[string]any    `json:"parameters,omitempty"`
}

func (h *Handler) HandleExecuteRun(w http.ResponseWriter, r *http.Request) {
	if _, err := h.deps.Authorizer.Authorize(r); err != nil {
		writeAuthError(w, err)
		return
	}

	robotID := r.PathValue("robot_id")
	var req executeRunRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	newRun, err := h.deps.Registry.CreateRun(r.Context(), registry.CreateRunRequest{
		RobotID:            robotID,
		RequestedVersionID: req.VersionID,
		RuntimeArgs:        req.RuntimeArgs,
		RuntimeEnv:         req.RuntimeEnv,
		EnvName:            robot.EnvName(req.EnvName),
		Parameters:         req.Parameters,
		TriggerType:        run.TriggerManual,
		Attempt:            1,
	})
	if err != nil {
		// A BrokerUnavailable error still leaves newRun persisted as a
		// durable PENDING row (§7); the caller only sees the mapped 503.
		writeMappedError(w, err, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, newRun)
}

func (h *Handler) HandleCancelRun(w http.ResponseWriter, r *http.Request) {
	subject, err := h.deps.Authorizer.Authorize(r)
	if err != nil {
		writeAuthError(w, err)
		return
	}

	runID := r.PathValue("run_id")
	updated, err := h.deps.Registry.RequestCancel(r.Context(), runID, subject)
	if err != nil {
		writeMappedError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *Handler) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	if _, err := h.deps.Authorizer.Authorize(r); err != nil {
		writeAuthError(w, err)
		return
	}

	runID := r.PathValue("run_id")
	found, err := h.deps.Registry.GetRun(r.Context(), runID)
	if err != nil {
		writeMappedError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

func (h *Handler) HandleGetRunLogs(w http.ResponseWriter, r *http.Request) {
	if _, err := h.deps.Authorizer.Authorize(r); err != nil {
		writeAuthError(w, err)
		return
	}

	runID := r.PathValue("run_id")
	limit := 200
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	logs, err := h.deps.Registry.GetRunLogs(r.Context(), runID, limit)
	if err != nil {
		writeMappedError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

type listRunsResponse struct {
	Runs  []*run.Run `json:"runs"`
	Total int        `json:"total"`
}

func (h *Handler) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	if _, err := h.deps.Authorizer.Authorize(r); err != nil {
		writeAuthError(w, err)
		return
	}

	q := r.URL.Query()
	filter := run.Filter{
		RobotID:     q.Get("robot_id"),
		ServiceID:   q.Get("service_id"),
		TriggerType: run.TriggerType(q.Get("trigger_type")),
		Status:      run.Status(q.Get("status")),
	}
	page := run.Page{Limit: 50}
	if raw := q.Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			page.Limit = parsed
		}
	}
	if raw := q.Get("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed >= 0 {
			page.Offset = parsed
		}
	}

	runs, total, err := h.deps.Registry.ListRuns(r.Context(), filter, page)
	if err != nil {
		writeMappedError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, listRunsResponse{Runs: runs, Total: total})
}
