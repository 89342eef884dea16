package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetcore/internal/broker/membroker"
	"fleetcore/internal/domain/robot"
	"fleetcore/internal/domain/run"
	"fleetcore/internal/domain/sla"
	"fleetcore/internal/logfanout"
	"fleetcore/internal/logstream"
	"fleetcore/internal/registry"
	"fleetcore/internal/store/memstore"
)

func testRouter(t *testing.T) (http.Handler, *memstore.RunStore, *memstore.SlaStore) {
	t.Helper()
	fixed := time.Date(2026, 7, 29, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return fixed }

	robots := memstore.NewRobotStore()
	robots.Seed(&robot.Robot{ID: "r1", Name: "R1"})
	robots.SeedVersion(&robot.Version{ID: "v1", RobotID: "r1", Version: "1.0.0", IsActive: true})

	runs := memstore.NewRunStore(clock)
	b := membroker.New(clock)
	reg := registry.New(robots, runs, b, nil, clock)
	fanout := logfanout.New(runs, b, clock)
	schedules := memstore.NewScheduleStore()
	slaStore := memstore.NewSlaStore()

	deps := Deps{
		Registry:  reg,
		Schedules: schedules,
		SlaRules:  slaStore,
		Workers:   memstore.NewWorkerStore(),
		Robots:    robots,
		Runs:      runs,
		FanOut:    fanout,
		LogStream: logstream.New(runs, b),
	}
	return NewRouter(deps), runs, slaStore
}

func TestHandleExecuteRun_ReturnsAcceptedWithRun(t *testing.T) {
	router, _, _ := testRouter(t)

	body := strings.NewReader(`{"env_name":"PROD"}`)
	req := httptest.NewRequest(http.MethodPost, "/runs/r1/execute", body)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusAccepted, w.Code)
	var created run.Run
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, "r1", created.RobotID)
	assert.Equal(t, run.StatusPending, created.Status)
}

func TestHandleExecuteRun_UnknownRobotReturns404(t *testing.T) {
	router, _, _ := testRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/runs/does-not-exist/execute", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleGetRun_NotFound(t *testing.T) {
	router, _, _ := testRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/runs/missing", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleCancelRun_ConflictWhenNotRunning(t *testing.T) {
	router, runs, _ := testRouter(t)
	require.NoError(t, runs.Create(context.Background(), &run.Run{
		ID: "run-1", RobotID: "r1", Status: run.StatusPending,
	}))

	req := httptest.NewRequest(http.MethodPost, "/runs/run-1/cancel", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestHandleUpsertSchedule_RejectsBadCron(t *testing.T) {
	router, _, _ := testRouter(t)

	body := strings.NewReader(`{"cron_expr":"not a cron","timezone":"UTC","max_concurrency":1,"timeout_seconds":60,"retry_backoff_seconds":1}`)
	req := httptest.NewRequest(http.MethodPost, "/robots/r1/schedule", body)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleUpsertSchedule_AcceptsValidCron(t *testing.T) {
	router, _, _ := testRouter(t)

	body := strings.NewReader(`{"cron_expr":"*/15 * * * *","timezone":"UTC","max_concurrency":1,"timeout_seconds":60,"retry_backoff_seconds":1}`)
	req := httptest.NewRequest(http.MethodPost, "/robots/r1/schedule", body)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestHandleUpsertSla_RejectsBothFieldsSet(t *testing.T) {
	router, _, _ := testRouter(t)

	body := strings.NewReader(`{"expected_run_every_minutes":30,"expected_daily_time":"09:00","late_after_minutes":5}`)
	req := httptest.NewRequest(http.MethodPost, "/robots/r1/sla", body)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleResolveAlert_ReturnsResolvedAlert(t *testing.T) {
	router, _, slaStore := testRouter(t)
	opened, err := slaStore.OpenAlert(context.Background(), &sla.AlertEvent{
		RobotID: "r1", Type: sla.AlertLate, Severity: sla.SeverityWarn, Message: "late",
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/alerts/"+opened.ID+"/resolve", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resolved sla.AlertEvent
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resolved))
	assert.NotNil(t, resolved.ResolvedAt)
}

func TestHandleLogStreamWS_UnknownRunClosesWith4404(t *testing.T) {
	router, _, _ := testRouter(t)
	srv := httptest.NewServer(router)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/runs/missing/logs"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, closeUnknownRun, closeErr.Code)
}
