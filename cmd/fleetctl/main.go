// fleetctl is the fleetcore process entrypoint: one binary, one subcommand
// per component, so the HTTP facade, the worker runtime, the scheduler
// loop, and the SLA monitor can each be deployed and scaled independently.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"fleetcore/internal/broker/redisbroker"
	"fleetcore/internal/config"
	"fleetcore/internal/httpapi"
	"fleetcore/internal/logfanout"
	"fleetcore/internal/logging"
	"fleetcore/internal/logstream"
	"fleetcore/internal/metrics"
	"fleetcore/internal/registry"
	"fleetcore/internal/scheduler"
	"fleetcore/internal/slamonitor"
	"fleetcore/internal/store"
	"fleetcore/internal/store/memstore"
	"fleetcore/internal/workerrt"
)

var configPath string

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "fleetctl",
		Short: "fleetcore automation-run orchestrator",
		Long:  "fleetctl runs the fleetcore components: the HTTP facade, the worker runtime, the scheduler loop, and the SLA monitor.",
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config file (optional, layered under env/defaults)")

	rootCmd.AddCommand(newServeAPICommand())
	rootCmd.AddCommand(newRunWorkerCommand())
	rootCmd.AddCommand(newRunSchedulerCommand())
	rootCmd.AddCommand(newRunSLAMonitorCommand())
	rootCmd.AddCommand(newMigrateCommand())
	return rootCmd
}

// runUntilSignal starts fn in the background and blocks until ctx is
// canceled by SIGINT/SIGTERM or fn returns on its own.
func runUntilSignal(name string, fn func(ctx context.Context) error) error {
	log := logging.NewComponentLogger("fleetctl." + name)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("%s starting", name)
		errCh <- fn(ctx)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("%s exited: %w", name, err)
		}
		return nil
	case <-ctx.Done():
		log.Info("%s shutting down", name)
		return <-errCh
	}
}

type wiring struct {
	cfg       *config.Config
	promReg   *prometheus.Registry
	pool      *pgxpool.Pool
	robots    *store.RobotStore
	runs      *store.RunStore
	schedules *store.ScheduleStore
	slaRules  *store.SlaStore
	workers   *store.WorkerStore
	broker    *redisbroker.Broker
	metrics   *metrics.Metrics
	registry  *registry.Registry
	fanout    *logfanout.FanOut
	stream    *logstream.Stream
	envStore  *memstore.EnvStore
}

// buildWiring loads config and constructs every shared collaborator; the
// caller picks which of these it actually runs.
func buildWiring(ctx context.Context) (*wiring, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	pool, err := store.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	redisClient := redis.NewClient(&redis.Options{Addr: redisAddr(cfg.RedisURL)})
	b := redisbroker.New(redisClient, redisbroker.Config{
		QueueName:          cfg.RedisQueueName,
		PubSubPrefix:       cfg.RedisPubsubPrefix,
		WorkerHeartbeatPfx: cfg.RedisWorkerHeartbeatPrefix,
	})

	robots := store.NewRobotStore(pool)
	runs := store.NewRunStore(pool)
	schedules := store.NewScheduleStore(pool)
	slaRules := store.NewSlaStore(pool)
	workers := store.NewWorkerStore(pool)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	clock := time.Now
	// The real encrypted robot-environment secret store is an external
	// collaborator (spec.md §1/§6); this in-memory stub is the documented
	// placeholder until that service exists.
	envStore := memstore.NewEnvStore()
	regy := registry.New(robots, runs, b, envStore, clock)
	fanout := logfanout.New(runs, b, clock)
	stream := logstream.New(runs, b)

	return &wiring{
		cfg: cfg, promReg: reg, pool: pool,
		robots: robots, runs: runs, schedules: schedules, slaRules: slaRules, workers: workers,
		broker: b, metrics: m, registry: regy, fanout: fanout, stream: stream, envStore: envStore,
	}, nil
}

// redisAddr strips a redis:// scheme down to the host:port go-redis wants.
func redisAddr(url string) string {
	const scheme = "redis://"
	addr := url
	if len(addr) > len(scheme) && addr[:len(scheme)] == scheme {
		addr = addr[len(scheme):]
	}
	for i := 0; i < len(addr); i++ {
		if addr[i] == '/' {
			return addr[:i]
		}
	}
	return addr
}

func newServeAPICommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve-api",
		Short: "Run the HTTP facade (runs, schedules, SLA rules, alerts, log streaming)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUntilSignal("serve-api", func(ctx context.Context) error {
				w, err := buildWiring(ctx)
				if err != nil {
					return err
				}

				deps := httpapi.Deps{
					Registry:   w.registry,
					Schedules:  w.schedules,
					SlaRules:   w.slaRules,
					Workers:    w.workers,
					Robots:     w.robots,
					Runs:       w.runs,
					FanOut:     w.fanout,
					LogStream:  w.stream,
					Authorizer: httpapi.AllowAll{},
				}
				mux := http.NewServeMux()
				mux.Handle("/", httpapi.NewRouter(deps))
				mux.Handle("/metrics", promhttp.HandlerFor(w.promReg, promhttp.HandlerOpts{}))

				server := &http.Server{
					Addr:         w.cfg.HTTPAddr,
					Handler:      mux,
					ReadTimeout:  30 * time.Second,
					WriteTimeout: 30 * time.Second,
					IdleTimeout:  120 * time.Second,
				}

				errCh := make(chan error, 1)
				go func() { errCh <- server.ListenAndServe() }()

				select {
				case err := <-errCh:
					if err != nil && err != http.ErrServerClosed {
						return err
					}
					return nil
				case <-ctx.Done():
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
					defer cancel()
					return server.Shutdown(shutdownCtx)
				}
			})
		},
	}
}

func newRunWorkerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run-worker",
		Short: "Run the worker runtime: lease jobs, execute them, stream logs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUntilSignal("run-worker", func(ctx context.Context) error {
				w, err := buildWiring(ctx)
				if err != nil {
					return err
				}

				wc := workerrt.DefaultConfig()
				wc.WorkerID = w.cfg.WorkerID
				wc.WorkerVersion = w.cfg.WorkerVersion
				wc.ArtifactsRoot = w.cfg.ArtifactsRoot
				wc.PythonExecutable = w.cfg.PythonExecutable
				if wc.WorkerID == "" {
					host, _ := os.Hostname()
					wc.WorkerID = host
				}
				wc.HostName, _ = os.Hostname()

				rt := workerrt.New(wc, workerrt.Deps{
					Robots:    w.robots,
					Runs:      w.runs,
					Schedules: w.schedules,
					Workers:   w.workers,
					Broker:    w.broker,
					FanOut:    w.fanout,
					Metrics:   w.metrics,
					Registry:  w.registry,
					EnvStore:  w.envStore,
				})

				// The worker is the process that moves the run counters, so
				// it scrapes from its own listener.
				metricsMux := http.NewServeMux()
				metricsMux.Handle("/metrics", promhttp.HandlerFor(w.promReg, promhttp.HandlerOpts{}))
				msrv := &http.Server{Addr: w.cfg.MetricsAddr, Handler: metricsMux}
				go func() { _ = msrv.ListenAndServe() }()
				defer msrv.Close()

				return rt.Run(ctx)
			})
		},
	}
}

func newRunSchedulerCommand() *cobra.Command {
	var usePostgresLock bool
	cmd := &cobra.Command{
		Use:   "run-scheduler",
		Short: "Run the scheduler loop: evaluate enabled cron schedules and dispatch due runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUntilSignal("run-scheduler", func(ctx context.Context) error {
				w, err := buildWiring(ctx)
				if err != nil {
					return err
				}

				var locker scheduler.Locker
				if usePostgresLock {
					locker = scheduler.NewPostgresLocker(w.pool)
				} else {
					locker = scheduler.NewInProcessLocker()
				}

				sched := scheduler.New(w.schedules, w.runs, w.registry, locker, w.cfg.SchedulerInterval(), time.Now)
				return sched.Run(ctx)
			})
		},
	}
	cmd.Flags().BoolVar(&usePostgresLock, "postgres-lock", true, "Use the Postgres advisory-lock Locker for cross-replica mutual exclusion (disable only for a single-replica deployment)")
	return cmd
}

func newRunSLAMonitorCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run-sla-monitor",
		Short: "Run the SLA monitor loop: lateness, failure-streak, queue-backlog, and worker-down alerts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUntilSignal("run-sla-monitor", func(ctx context.Context) error {
				w, err := buildWiring(ctx)
				if err != nil {
					return err
				}

				mon := slamonitor.New(w.slaRules, w.schedules, w.runs, w.workers, w.robots, w.broker, slamonitor.Config{
					Interval:               w.cfg.SlaMonitorInterval(),
					FailureStreakThreshold: w.cfg.FailureStreakThreshold,
					QueueBacklogThreshold:  int64(w.cfg.QueueBacklogAlertThreshold),
					WorkerStaleWindow:      w.cfg.WorkerStaleWindow(),
				}, time.Now)
				return mon.Run(ctx)
			})
		},
	}
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the Postgres schema for every store",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			w, err := buildWiring(ctx)
			if err != nil {
				return err
			}
			for _, s := range []interface {
				EnsureSchema(ctx context.Context) error
			}{w.robots, w.runs, w.schedules, w.slaRules, w.workers} {
				if err := s.EnsureSchema(ctx); err != nil {
					return fmt.Errorf("ensure schema: %w", err)
				}
			}
			fmt.Println("schema up to date")
			return nil
		},
	}
}
