package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"fleetcore/internal/apperrors"
)

// writeJSON serializes payload as JSON with the given status code,
// matching the teacher's http_util.go writeJSON helper.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}

type errorBody struct {
	Error   string   `json:"error"`
	Missing []string `json:"missing_keys,omitempty"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{Error: message})
}

// writeAuthError distinguishes an authenticated-but-forbidden caller from
// an unauthenticated one.
func writeAuthError(w http.ResponseWriter, err error) {
	if errors.Is(err, apperrors.ErrForbidden) {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}
	writeError(w, http.StatusUnauthorized, err.Error())
}

// decodeJSONBody decodes the request body into dst, writing a 400 on
// failure and returning false so the caller can bail out in one line.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil {
		return true
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// writeMappedError maps a domain error to its §7 status code, falling
// back to defaultStatus for anything unrecognized.
func writeMappedError(w http.ResponseWriter, err error, defaultStatus int) {
	if keys, ok := apperrors.IsMissingEnv(err); ok {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Missing: keys})
		return
	}
	switch {
	case errors.Is(err, apperrors.ErrRobotNotFound),
		errors.Is(err, apperrors.ErrVersionNotFound),
		errors.Is(err, apperrors.ErrRunNotFound),
		errors.Is(err, apperrors.ErrAlertNotFound),
		errors.Is(err, apperrors.ErrScheduleNotFound),
		errors.Is(err, apperrors.ErrSlaRuleNotFound),
		errors.Is(err, apperrors.ErrWorkerNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, apperrors.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, apperrors.ErrInvalidCron),
		errors.Is(err, apperrors.ErrInvalidWindow),
		errors.Is(err, apperrors.ErrInvalidSchedule),
		errors.Is(err, apperrors.ErrInvalidSla),
		errors.Is(err, apperrors.ErrNoRunnableVersion):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, apperrors.ErrBrokerUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, defaultStatus, err.Error())
	}
}
