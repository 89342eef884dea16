// Package httpapi is the HTTP facade enumerated in the external
// interfaces: thin handlers translating requests into registry/schedule/
// sla/worker operations and mapping domain errors to status codes. It
// deliberately does not implement identity verification or RBAC — those
// are external collaborators, represented here as the narrow Authorizer
// port — so the facade can be wired against a real identity provider
// without the core depending on one.
package httpapi

import (
	"net/http"

	"fleetcore/internal/domain/robot"
	"fleetcore/internal/domain/run"
	"fleetcore/internal/domain/schedule"
	"fleetcore/internal/domain/sla"
	"fleetcore/internal/domain/worker"
	"fleetcore/internal/logfanout"
	"fleetcore/internal/logging"
	"fleetcore/internal/logstream"
	"fleetcore/internal/registry"
)

// Authorizer is the external identity collaborator (§6: out of core).
// Subject carries whatever the facade needs to audit the call.
type Authorizer interface {
	Authorize(r *http.Request) (subject string, err error)
}

// AllowAll is a no-op Authorizer for local development and tests.
type AllowAll struct{}

func (AllowAll) Authorize(*http.Request) (string, error) { return "anonymous", nil }

// Deps bundles every collaborator the facade's handlers call through.
type Deps struct {
	Registry   *registry.Registry
	Schedules  schedule.Store
	SlaRules   sla.Store
	Workers    worker.Store
	Robots     robot.Store
	Runs       run.Store
	FanOut     *logfanout.FanOut
	LogStream  *logstream.Stream
	Authorizer Authorizer
}

// Handler groups the facade's handler methods and their shared deps.
type Handler struct {
	deps Deps
	log  logging.Logger
}

func NewHandler(deps Deps) *Handler {
	if deps.Authorizer == nil {
		deps.Authorizer = AllowAll{}
	}
	return &Handler{deps: deps, log: logging.NewComponentLogger("httpapi")}
}

// NewRouter builds the method+path ServeMux for every route in the
// external-interfaces route table. Uses Go 1.22+ pattern routing, matching
// the teacher's net/http router rather than a third-party mux.
func NewRouter(deps Deps) http.Handler {
	h := NewHandler(deps)
	mux := http.NewServeMux()

	mux.HandleFunc("POST /runs/{robot_id}/execute", h.HandleExecuteRun)
	mux.HandleFunc("POST /runs/{run_id}/cancel", h.HandleCancelRun)
	mux.HandleFunc("GET /runs/{run_id}", h.HandleGetRun)
	mux.HandleFunc("GET /runs/{run_id}/logs", h.HandleGetRunLogs)
	mux.HandleFunc("GET /runs", h.HandleListRuns)

	mux.HandleFunc("GET /robots/{robot_id}/schedule", h.HandleGetSchedule)
	mux.HandleFunc("POST /robots/{robot_id}/schedule", h.HandleUpsertSchedule)
	mux.HandleFunc("PATCH /robots/{robot_id}/schedule", h.HandleUpsertSchedule)
	mux.HandleFunc("DELETE /robots/{robot_id}/schedule", h.HandleDeleteSchedule)

	mux.HandleFunc("GET /robots/{robot_id}/sla", h.HandleGetSla)
	mux.HandleFunc("POST /robots/{robot_id}/sla", h.HandleUpsertSla)
	mux.HandleFunc("PATCH /robots/{robot_id}/sla", h.HandleUpsertSla)

	mux.HandleFunc("GET /alerts", h.HandleListAlerts)
	mux.HandleFunc("POST /alerts/{alert_id}/resolve", h.HandleResolveAlert)

	mux.HandleFunc("GET /ws/runs/{run_id}/logs", h.HandleLogStreamWS)

	return mux
}
