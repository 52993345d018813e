package scheduler

import (
	"context"
	"errors"
	"time"
)

var (
	ErrUnknownTask = errors.New("unknown_task")
	ErrTaskRunning = errors.New("task_already_running")
)

// Result is what one task run reports back to the caller.
type Result struct {
	Processed int  `json:"processed"`
	Failed    int  `json:"failed"`
	Skipped   bool `json:"skipped,omitempty"`
	Detail    any  `json:"detail,omitempty"`
}

// Task is one periodic sweep. Every is the cadence measured against the
// scheduler clock; zero means every tick.
type Task struct {
	Name      string
	Every     time.Duration
	BatchSize int
	Timeout   time.Duration
	Run       func(ctx context.Context, batchSize int) (Result, error)
}

func (t Task) due(lastRun, now time.Time) bool {
	if lastRun.IsZero() || t.Every <= 0 {
		return true
	}
	return !now.Before(lastRun.Add(t.Every))
}
