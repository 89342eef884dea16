// Package workerrt implements the Worker Runtime (C5): leases jobs from the
// broker, materializes each run's workspace, spawns and supervises the
// child process, streams its output through C4, and finalizes the Run
// (including scheduling retries).
package workerrt

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"fleetcore/internal/broker"
	"fleetcore/internal/domain/robot"
	"fleetcore/internal/domain/run"
	"fleetcore/internal/domain/schedule"
	"fleetcore/internal/domain/worker"
	"fleetcore/internal/logfanout"
	"fleetcore/internal/logging"
	"fleetcore/internal/metrics"
	"fleetcore/internal/registry"
)

// Runtime is one worker process: a lease loop, a heartbeat task, and one
// supervision goroutine per active run.
type Runtime struct {
	cfg       Config
	robots    robot.Store
	runs      run.Store
	schedules schedule.Store
	workers   worker.Store
	broker    broker.Broker
	fanout    *logfanout.FanOut
	metrics   metrics.Recorder
	registry  *registry.Registry
	envStore  robot.EnvStore
	log       logging.Logger
	now       func() time.Time

	wg sync.WaitGroup
}

// Deps bundles the Runtime's collaborators.
type Deps struct {
	Robots    robot.Store
	Runs      run.Store
	Schedules schedule.Store
	Workers   worker.Store
	Broker    broker.Broker
	FanOut    *logfanout.FanOut
	Metrics   metrics.Recorder
	Registry  *registry.Registry
	EnvStore  robot.EnvStore
	Now       func() time.Time
}

// New builds a Runtime from cfg and deps.
func New(cfg Config, deps Deps) *Runtime {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.Nop{}
	}
	return &Runtime{
		cfg:       cfg,
		robots:    deps.Robots,
		runs:      deps.Runs,
		schedules: deps.Schedules,
		workers:   deps.Workers,
		broker:    deps.Broker,
		fanout:    deps.FanOut,
		metrics:   m,
		registry:  deps.Registry,
		envStore:  deps.EnvStore,
		now:       now,
		log:       logging.NewComponentLogger("workerrt"),
	}
}

// Run registers the worker row and blocks running the lease loop and
// heartbeat task until ctx is canceled, then waits for in-flight runs to
// finalize.
func (rt *Runtime) Run(ctx context.Context) error {
	if err := rt.workers.Register(ctx, &worker.Worker{
		ID:            rt.cfg.WorkerID,
		HostName:      rt.cfg.HostName,
		Status:        worker.StatusRunning,
		LastHeartbeat: rt.now(),
		Version:       rt.cfg.WorkerVersion,
	}); err != nil {
		return fmt.Errorf("register worker: %w", err)
	}

	var hbWG sync.WaitGroup
	hbWG.Add(1)
	go func() {
		defer hbWG.Done()
		rt.heartbeatLoop(ctx)
	}()

	rt.leaseLoop(ctx)

	rt.wg.Wait()
	hbWG.Wait()
	return nil
}

func (rt *Runtime) heartbeatLoop(ctx context.Context) {
	t := time.NewTicker(rt.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if w, err := rt.workers.Get(ctx, rt.cfg.WorkerID); err == nil && w.Status == worker.StatusStopped {
				continue
			}
			now := rt.now()
			if err := rt.workers.Heartbeat(ctx, rt.cfg.WorkerID, now); err != nil {
				rt.log.Warn("worker heartbeat store update failed: %v", err)
			}
			if rt.broker != nil {
				if err := rt.broker.Heartbeat(ctx, rt.cfg.WorkerID, now, rt.cfg.HeartbeatTTL); err != nil {
					rt.log.Warn("worker heartbeat broker key failed: %v", err)
				}
				if depth, err := rt.broker.QueueDepth(ctx); err == nil {
					rt.metrics.SetQueueDepth(float64(depth))
				}
			}
			rt.metrics.SetWorkerHeartbeat(rt.cfg.WorkerID, float64(now.Unix()))
		}
	}
}

func (rt *Runtime) leaseLoop(ctx context.Context) {
	pollTimer := time.NewTimer(0)
	defer pollTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		w, err := rt.workers.Get(ctx, rt.cfg.WorkerID)
		if err == nil && (w.Status == worker.StatusPaused || w.Status == worker.StatusStopped) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(rt.cfg.LeasePollInterval):
			}
			continue
		}

		msg, err := rt.broker.Lease(ctx, rt.cfg.LeaseTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			rt.log.Error("lease error: %v", err)
			time.Sleep(rt.cfg.LeasePollInterval)
			continue
		}
		if msg == nil {
			continue
		}

		// A pause or stop that landed while Lease was blocking gives the
		// message back instead of running it.
		if w, err := rt.workers.Get(ctx, rt.cfg.WorkerID); err == nil && (w.Status == worker.StatusPaused || w.Status == worker.StatusStopped) {
			if err := rt.broker.Requeue(ctx, *msg); err != nil {
				rt.log.Error("requeue run %s after pause/stop failed: %v", msg.RunID, err)
			}
			continue
		}

		if msg.NotBeforeTS != nil && time.Unix(int64(*msg.NotBeforeTS), 0).After(rt.now()) {
			if err := rt.broker.Requeue(ctx, *msg); err != nil {
				rt.log.Error("requeue not-yet-due message for run %s failed: %v", msg.RunID, err)
			}
			time.Sleep(200 * time.Millisecond)
			continue
		}

		rt.wg.Add(1)
		go func(m broker.Message) {
			defer rt.wg.Done()
			rt.handleRun(ctx, m)
		}(*msg)
	}
}

// handleRun drives one run from preflight through finalization. Any panic
// from the body below is recovered and converted into a terminal FAILED
// run so finalization is never skipped.
func (rt *Runtime) handleRun(ctx context.Context, msg broker.Message) {
	defer func() {
		if rec := recover(); rec != nil {
			rt.log.Error("panic handling run %s: %v", msg.RunID, rec)
			_ = rt.finalize(ctx, msg, finalizeResult{
				status:       run.StatusFailed,
				errorMessage: fmt.Sprintf("%v", rec),
			})
		}
	}()

	version, err := rt.robots.GetVersion(ctx, msg.RobotVersionID)
	if err != nil {
		rt.finalizeWithoutStart(ctx, msg, "Robot version not found.")
		return
	}

	workDirBase := filepath.Join(rt.cfg.ArtifactsRoot, "runs", msg.RunID)
	p, err := materialize(rt.cfg.ArtifactsRoot, msg.RunID, version, msg.RuntimeArgs, rt.cfg.PythonExecutable)
	if err != nil {
		rt.finalizeWithoutStart(ctx, msg, err.Error())
		return
	}

	var sched *schedule.Schedule
	if msg.ScheduleID != nil && rt.schedules != nil {
		if s, err := rt.schedules.Get(ctx, *msg.ScheduleID); err == nil {
			sched = s
		}
	}
	timeout := rt.cfg.DefaultTimeout
	if sched != nil && sched.TimeoutSeconds > 0 {
		timeout = time.Duration(sched.TimeoutSeconds) * time.Second
	}

	envName := robot.EnvName(msg.EnvName)
	env := composeEnv(version, rt.envStore, msg.RobotID, envName, msg.RuntimeEnv)

	startedAt := rt.now()
	if err := rt.runs.Start(ctx, msg.RunID, startedAt, run.StartParams{HostName: rt.cfg.HostName}); err != nil {
		rt.log.Error("mark run %s RUNNING failed: %v", msg.RunID, err)
		return
	}
	rt.appendLog(ctx, msg.RunID, run.LogInfo, "Execution started.")

	result := rt.execute(ctx, msg, p, env, workDirBase, timeout)
	result.startedAt = startedAt
	_ = rt.finalize(ctx, msg, result)
}

func (rt *Runtime) finalizeWithoutStart(ctx context.Context, msg broker.Message, message string) {
	rt.appendLog(ctx, msg.RunID, run.LogError, message)
	_ = rt.finalize(ctx, msg, finalizeResult{status: run.StatusFailed, errorMessage: message, suppressRetry: true})
}

func (rt *Runtime) appendLog(ctx context.Context, runID string, level run.LogLevel, message string) {
	if rt.fanout == nil {
		return
	}
	if _, err := rt.fanout.AppendLog(ctx, runID, level, message); err != nil {
		rt.log.Error("append log for run %s failed: %v", runID, err)
	}
}

type finalizeResult struct {
	status        run.Status
	errorMessage  string
	canceled      bool
	timedOut      bool
	exitCode      int
	suppressRetry bool
	startedAt     time.Time
}

func (rt *Runtime) execute(ctx context.Context, msg broker.Message, p *plan, env []string, workDirBase string, timeout time.Duration) finalizeResult {
	cmd := exec.Command(p.argv[0], p.argv[1:]...)
	cmd.Dir = p.workDir
	cmd.Env = env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return finalizeResult{status: run.StatusFailed, errorMessage: fmt.Sprintf("stdout pipe: %v", err)}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return finalizeResult{status: run.StatusFailed, errorMessage: fmt.Sprintf("stderr pipe: %v", err)}
	}

	logFile, err := os.Create(filepath.Join(workDirBase, "run.log"))
	if err != nil {
		rt.log.Warn("open run.log for run %s failed: %v", msg.RunID, err)
	}
	var logFileMu sync.Mutex

	if err := cmd.Start(); err != nil {
		return finalizeResult{status: run.StatusFailed, errorMessage: fmt.Sprintf("start process failed: %v", err)}
	}
	if err := rt.runs.SetProcessID(ctx, msg.RunID, cmd.Process.Pid); err != nil {
		rt.log.Warn("record process id for run %s failed: %v", msg.RunID, err)
	}

	var readers errgroup.Group
	readers.Go(func() error { rt.streamLines(ctx, msg.RunID, stdout, run.LogInfo, logFile, &logFileMu); return nil })
	readers.Go(func() error { rt.streamLines(ctx, msg.RunID, stderr, run.LogError, logFile, &logFileMu); return nil })

	waitDone := make(chan error, 1)
	// cmd.Wait closes the pipes, so it runs only after both readers reach EOF.
	go func() { _ = readers.Wait(); waitDone <- cmd.Wait() }()

	result := rt.supervise(ctx, msg, cmd, waitDone, timeout)

	_ = readers.Wait()
	if logFile != nil {
		_ = logFile.Close()
	}
	return result
}

func (rt *Runtime) supervise(ctx context.Context, msg broker.Message, cmd *exec.Cmd, waitDone <-chan error, timeout time.Duration) finalizeResult {
	deadline := rt.now().Add(timeout)
	ticker := time.NewTicker(rt.cfg.SupervisionTick)
	defer ticker.Stop()

	for {
		select {
		case err := <-waitDone:
			exitCode := 0
			if err != nil {
				if exitErr, ok := err.(*exec.ExitError); ok {
					exitCode = exitErr.ExitCode()
				} else {
					exitCode = -1
				}
			}
			return finalizeResult{exitCode: exitCode}

		case <-ticker.C:
			r, err := rt.runs.Get(ctx, msg.RunID)
			if err == nil && r.CancelRequested {
				rt.terminateTree(cmd)
				<-waitDone
				rt.appendLog(ctx, msg.RunID, run.LogInfo, "Execution canceled by user")
				return finalizeResult{canceled: true}
			}
			if rt.now().After(deadline) {
				rt.terminateTree(cmd)
				<-waitDone
				secs := int(timeout.Seconds())
				rt.appendLog(ctx, msg.RunID, run.LogError, fmt.Sprintf("TIMEOUT: exceeded %d seconds.", secs))
				return finalizeResult{timedOut: true}
			}
		}
	}
}

// terminateTree sends a polite signal to the child's process group, waits
// grace_seconds, then hard-kills any survivors.
func (rt *Runtime) terminateTree(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pgid := cmd.Process.Pid
	_ = syscall.Kill(-pgid, syscall.SIGTERM)
	time.Sleep(rt.cfg.GraceSeconds)
	_ = syscall.Kill(-pgid, syscall.SIGKILL)
}

func (rt *Runtime) streamLines(ctx context.Context, runID string, r io.Reader, level run.LogLevel, logFile *os.File, logFileMu *sync.Mutex) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		rt.appendLog(ctx, runID, level, line)
		if logFile != nil {
			logFileMu.Lock()
			_, _ = logFile.WriteString(line + "\n")
			logFileMu.Unlock()
		}
	}
}
