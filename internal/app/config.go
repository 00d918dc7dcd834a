// Package app collects process-wide configuration from the environment.
package app

import (
	"strings"
	"time"

	"github.com/taskmill/taskmill-backend/internal/platform/envutil"
)

type Config struct {
	LogMode     string
	Environment string
	Version     string

	HTTPAddr string

	// Work queue.
	Workers           int
	PollInterval      time.Duration
	Lease             time.Duration
	HeartbeatInterval time.Duration
	QueueBackoffBase  time.Duration
	QueueBackoffMax   time.Duration

	// Orchestrator.
	RetryBackoff      time.Duration
	ReconcileInterval time.Duration
	ProcessTypesPath  string
	TemplateConfig    map[string]string

	// Cron scheduling.
	ScheduleEnabled      bool
	ScheduleSyncInterval time.Duration
}

// Load reads every knob once at startup. TEMPLATE_CONFIG holds extra
// substitution values as "key=value;key2=value2".
func Load() Config {
	return Config{
		LogMode:     envutil.String("LOG_MODE", "development"),
		Environment: envutil.String("APP_ENV", "development"),
		Version:     envutil.String("APP_VERSION", "dev"),

		HTTPAddr: envutil.String("HTTP_ADDR", ":8080"),

		Workers:           envutil.Int("QUEUE_WORKERS", 10),
		PollInterval:      envutil.Duration("QUEUE_POLL_INTERVAL", 5*time.Second),
		Lease:             envutil.Duration("QUEUE_LEASE", 5*time.Minute),
		HeartbeatInterval: envutil.Duration("QUEUE_HEARTBEAT_INTERVAL", 30*time.Second),
		QueueBackoffBase:  envutil.Duration("QUEUE_BACKOFF_BASE", 30*time.Second),
		QueueBackoffMax:   envutil.Duration("QUEUE_BACKOFF_MAX", 10*time.Minute),

		RetryBackoff:      envutil.Duration("TASK_RETRY_BACKOFF", 30*time.Second),
		ReconcileInterval: envutil.Duration("RECONCILE_INTERVAL", 60*time.Second),
		ProcessTypesPath:  envutil.String("PROCESS_TYPES_PATH", ""),
		TemplateConfig:    parsePairs(envutil.String("TEMPLATE_CONFIG", "")),

		ScheduleEnabled:      envutil.Bool("SCHEDULE_ENABLED", true),
		ScheduleSyncInterval: envutil.Duration("SCHEDULE_SYNC_INTERVAL", 5*time.Minute),
	}
}

func parsePairs(raw string) map[string]string {
	out := map[string]string{}
	for _, part := range strings.Split(raw, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 || strings.TrimSpace(kv[0]) == "" {
			continue
		}
		out[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
	}
	return out
}
