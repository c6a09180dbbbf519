// Package config reads the process configuration from environment
// variables (SPEC_FULL.md §6), in place of the teacher's go-flags/mbp
// CLI flag surface, which belongs to a broker-cluster deployment model
// this system doesn't have.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config is the full set of environment-derived settings a glance
// process needs to start.
type Config struct {
	// BaseDir is the directory scanned for <app_id>.json submissions
	// (SPEC_FULL §4.2, §6). GLANCE_BASE_DIR.
	BaseDir string
	// DatabaseURL is the SQLite DSN/path for the item store (SPEC_FULL
	// §4.6). GLANCE_DATABASE_URL.
	DatabaseURL string
	// ScheduleDBPath is the bbolt file backing the recurring-job
	// registry (SPEC_FULL §4.7). GLANCE_SCHEDULE_DB_PATH.
	ScheduleDBPath string
	// LogDir is where scheduled jobs' stdout/stderr are captured
	// (SPEC_FULL §4.8). GLANCE_LOG_DIR.
	LogDir string
	// Host is the bind address of the HTTP server. GLANCE_HOST.
	Host string
	// Port is the bind port of the HTTP server. GLANCE_PORT.
	Port int
	// EnableScheduledTasks gates whether the job runner starts at all
	// (SPEC_FULL §4.8, §9). GLANCE_ENABLE_SCHEDULED_TASKS.
	EnableScheduledTasks bool
	// ScheduledTaskConcurrency bounds simultaneous scheduled-job
	// executions. GLANCE_SCHEDULED_TASK_CONCURRENCY.
	ScheduledTaskConcurrency int
	// LogLevel is a logrus level name, e.g. "info" or "debug".
	// GLANCE_LOG_LEVEL.
	LogLevel string
}

// FromEnv reads Config from the process environment, applying the
// defaults documented in SPEC_FULL.md §6.
func FromEnv() (Config, error) {
	var c = Config{
		BaseDir:        getEnv("GLANCE_BASE_DIR", "/data/apps"),
		DatabaseURL:    getEnv("GLANCE_DATABASE_URL", "/data/glance.db"),
		ScheduleDBPath: getEnv("GLANCE_SCHEDULE_DB_PATH", "/data/schedule.db"),
		LogDir:         getEnv("GLANCE_LOG_DIR", "/data/logs"),
		Host:           getEnv("GLANCE_HOST", "0.0.0.0"),
		LogLevel:       getEnv("GLANCE_LOG_LEVEL", "info"),
	}

	var err error
	if c.Port, err = getEnvInt("GLANCE_PORT", 7171); err != nil {
		return Config{}, err
	}
	if c.EnableScheduledTasks, err = getEnvBool("GLANCE_ENABLE_SCHEDULED_TASKS", true); err != nil {
		return Config{}, err
	}
	if c.ScheduledTaskConcurrency, err = getEnvInt("GLANCE_SCHEDULED_TASK_CONCURRENCY", 4); err != nil {
		return Config{}, err
	}
	return c, nil
}

func getEnv(name, fallback string) string {
	if v, ok := os.LookupEnv(name); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(name string, fallback int) (int, error) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as int: %w", name, v, err)
	}
	return n, nil
}

func getEnvBool(name string, fallback bool) (bool, error) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("parsing %s=%q as bool: %w", name, v, err)
	}
	return b, nil
}
