package scheduler

import (
	"time"

	"github.com/smallbiznis/careledger/internal/config"
)

// Config controls the tick interval, batch sizes and which tasks run.
type Config struct {
	RunInterval time.Duration
	BatchSize   int
	EnabledJobs []string
	// LockTTL bounds how long one replica may hold a task lease.
	LockTTL time.Duration
}

func DefaultConfig() Config {
	return Config{
		RunInterval: time.Minute,
		BatchSize:   50,
		LockTTL:     10 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaults.LockTTL
	}
	return c
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		RunInterval: cfg.Scheduler.RunInterval,
		BatchSize:   cfg.Scheduler.BatchSize,
		EnabledJobs: cfg.Scheduler.EnabledJobs,
		LockTTL:     time.Duration(cfg.RateLimit.TaskLockTTLSecond) * time.Second,
	}.withDefaults()
}
