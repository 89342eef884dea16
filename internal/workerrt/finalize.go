package workerrt

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"fleetcore/internal/broker"
	"fleetcore/internal/domain/run"
)

// finalize applies the §4.3 finalization rules: resolve the terminal
// status, persist it, register artifacts, emit metrics, and schedule a
// retry when the Schedule's retry budget allows it.
func (rt *Runtime) finalize(ctx context.Context, msg broker.Message, res finalizeResult) error {
	now := rt.now()

	status := res.status
	errMsg := res.errorMessage
	var canceledAt *time.Time
	switch {
	case res.canceled:
		status = run.StatusCanceled
		errMsg = ""
		canceledAt = &now
	case res.timedOut:
		status = run.StatusFailed
		errMsg = "TIMEOUT"
	case status == "":
		if res.exitCode == 0 {
			status = run.StatusSuccess
		} else {
			status = run.StatusFailed
			errMsg = fmt.Sprintf("Process returned exit code %d", res.exitCode)
		}
	}

	if err := rt.runs.Finish(ctx, msg.RunID, now, run.FinishParams{
		Status:       status,
		ErrorMessage: errMsg,
		CanceledAt:   canceledAt,
	}); err != nil {
		rt.log.Error("finalize run %s failed to persist: %v", msg.RunID, err)
	}

	rt.registerArtifacts(ctx, msg.RunID)

	rt.metrics.RunCompleted()
	if status == run.StatusFailed {
		rt.metrics.RunFailed()
	}
	if !res.startedAt.IsZero() {
		rt.metrics.ObserveDuration(now.Sub(res.startedAt).Seconds())
	}

	if status == run.StatusFailed && !res.suppressRetry {
		rt.maybeScheduleRetry(ctx, msg, now)
	}

	return nil
}

func (rt *Runtime) registerArtifacts(ctx context.Context, runID string) {
	root := filepath.Join(rt.cfg.ArtifactsRoot, "runs", runID)
	var artifacts []run.Artifact
	now := rt.now()
	_ = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			rel = path
		}
		artifacts = append(artifacts, run.Artifact{
			RunID:     runID,
			FilePath:  rel,
			SizeBytes: info.Size(),
			CreatedAt: now,
		})
		return nil
	})
	if len(artifacts) == 0 {
		return
	}
	if err := rt.runs.AddArtifacts(ctx, artifacts); err != nil {
		rt.log.Warn("register artifacts for run %s failed: %v", runID, err)
	}
}

func (rt *Runtime) maybeScheduleRetry(ctx context.Context, msg broker.Message, now time.Time) {
	if msg.ScheduleID == nil || rt.schedules == nil || rt.registry == nil {
		return
	}
	sched, err := rt.schedules.Get(ctx, *msg.ScheduleID)
	if err != nil {
		return
	}
	if msg.Attempt > sched.RetryCount {
		return
	}
	notBefore := now.Add(time.Duration(sched.RetryBackoffSeconds) * time.Second)

	req := retryRequest(msg, notBefore)
	if _, err := rt.registry.CreateRun(ctx, req); err != nil {
		rt.log.Error("schedule retry for run %s (attempt %d) failed: %v", msg.RunID, msg.Attempt+1, err)
	}
}
