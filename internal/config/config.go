// Package config loads the layered process configuration: built-in
// defaults, an optional YAML file, then environment variable overrides,
// matching the precedence order the teacher's viper-backed CLI uses.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every configuration key enumerated in the external
// interfaces, each with the documented default.
type Config struct {
	DatabaseURL string `mapstructure:"database_url"`
	RedisURL    string `mapstructure:"redis_url"`

	RedisQueueName             string `mapstructure:"redis_queue_name"`
	RedisPubsubPrefix          string `mapstructure:"redis_pubsub_prefix"`
	RedisWorkerHeartbeatPrefix string `mapstructure:"redis_worker_heartbeat_prefix"`

	SchedulerIntervalSeconds  int `mapstructure:"scheduler_interval_seconds"`
	SlaMonitorIntervalSeconds int `mapstructure:"sla_monitor_interval_seconds"`
	WorkerStaleSeconds        int `mapstructure:"worker_stale_seconds"`

	FailureStreakThreshold     int `mapstructure:"failure_streak_threshold"`
	QueueBacklogAlertThreshold int `mapstructure:"queue_backlog_alert_threshold"`

	ArtifactsRoot    string `mapstructure:"artifacts_root"`
	PythonExecutable string `mapstructure:"python_executable"`
	AppTimezone      string `mapstructure:"app_timezone"`

	ArtifactRetentionDays int `mapstructure:"artifact_retention_days"`
	LogRetentionDays      int `mapstructure:"log_retention_days"`

	HTTPAddr    string `mapstructure:"http_addr"`
	MetricsAddr string `mapstructure:"metrics_addr"`

	WorkerID      string `mapstructure:"worker_id"`
	WorkerVersion string `mapstructure:"worker_version"`
}

// setDefaults installs every key's documented default, matching the
// teacher's viper.SetConfigName/AddConfigPath layering in cmd/cobra_cli.go.
func setDefaults(v *viper.Viper) {
	v.SetDefault("redis_queue_name", "fleetcore:dispatch")
	v.SetDefault("redis_pubsub_prefix", "runs")
	v.SetDefault("redis_worker_heartbeat_prefix", "workers")

	v.SetDefault("scheduler_interval_seconds", 60)
	v.SetDefault("sla_monitor_interval_seconds", 60)
	v.SetDefault("worker_stale_seconds", 60)

	v.SetDefault("failure_streak_threshold", 3)
	v.SetDefault("queue_backlog_alert_threshold", 100)

	v.SetDefault("artifacts_root", "./artifacts")
	v.SetDefault("python_executable", "python3")
	v.SetDefault("app_timezone", "UTC")

	v.SetDefault("artifact_retention_days", 30)
	v.SetDefault("log_retention_days", 30)

	v.SetDefault("http_addr", ":8080")
	v.SetDefault("metrics_addr", ":9090")

	v.SetDefault("database_url", "postgres://localhost:5432/fleetcore?sslmode=disable")
	v.SetDefault("redis_url", "redis://localhost:6379/0")

	v.SetDefault("worker_id", "")
	v.SetDefault("worker_version", "dev")
}

// Load reads defaults, an optional YAML file at configPath (skipped if
// empty or missing), then FLEETCORE_-prefixed environment overrides, in
// that precedence order.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("fleetcore")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("read config file %s: %w", configPath, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) SchedulerInterval() time.Duration {
	return time.Duration(c.SchedulerIntervalSeconds) * time.Second
}

func (c *Config) SlaMonitorInterval() time.Duration {
	return time.Duration(c.SlaMonitorIntervalSeconds) * time.Second
}

func (c *Config) WorkerStaleWindow() time.Duration {
	return time.Duration(c.WorkerStaleSeconds) * time.Second
}
