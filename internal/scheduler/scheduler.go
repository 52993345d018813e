package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/smallbiznis/careledger/internal/clock"
	obsmetrics "github.com/smallbiznis/careledger/internal/observability/metrics"
	"github.com/smallbiznis/careledger/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type Params struct {
	fx.In

	Log    *zap.Logger
	Clock  clock.Clock
	Config Config            `optional:"true"`
	Tasks  []Task
	Locker *ratelimit.Locker `optional:"true"`
}

type Scheduler struct {
	log    *zap.Logger
	cfg    Config
	clock  clock.Clock
	locker *ratelimit.Locker
	tasks  []Task
	byName map[string]Task

	mu      sync.Mutex
	lastRun map[string]time.Time
	running map[string]bool
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.Clock == nil {
		return nil, ErrInvalidConfig
	}
	byName := make(map[string]Task, len(p.Tasks))
	for _, task := range p.Tasks {
		if task.Name == "" || task.Run == nil {
			return nil, fmt.Errorf("%w: task %q", ErrInvalidConfig, task.Name)
		}
		if _, dup := byName[task.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate task %q", ErrInvalidConfig, task.Name)
		}
		byName[task.Name] = task
	}
	return &Scheduler{
		log:     p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:     p.Config.withDefaults(),
		clock:   p.Clock,
		locker:  p.Locker,
		tasks:   p.Tasks,
		byName:  byName,
		lastRun: make(map[string]time.Time),
		running: make(map[string]bool),
	}, nil
}

// Names lists the registered tasks in alphabetical order.
func (s *Scheduler) Names() []string {
	names := make([]string, 0, len(s.byName))
	for name := range s.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	if owner {
		if err != nil && run.errorCount == 0 {
			run.AddErrors(1)
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// A deadline is a soft timeout; the next tick resumes where this one stopped.
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	s.logSchedulerError(ctx, name, err)
	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce runs every enabled task whose cadence has elapsed.
func (s *Scheduler) RunOnce(parent context.Context) error {
	now := s.clock.Now()
	var err error
	for _, task := range s.tasks {
		if !s.isJobEnabled(task.Name) || !s.claimDue(task, now) {
			continue
		}
		_, runErr := s.execute(parent, task)
		if errors.Is(runErr, ErrTaskRunning) {
			continue
		}
		err = errors.Join(err, runErr)
	}
	return err
}

// RunTask runs one task immediately, ignoring its cadence and the enabled
// list. It still honours the cross-replica lock.
func (s *Scheduler) RunTask(ctx context.Context, name string) (Result, error) {
	task, ok := s.byName[strings.TrimSpace(name)]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	s.mu.Lock()
	s.lastRun[task.Name] = s.clock.Now()
	s.mu.Unlock()
	return s.execute(ctx, task)
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		runLag := s.clock.Now().Sub(nextRun)
		if runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) claimDue(task Task, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !task.due(s.lastRun[task.Name], now) {
		return false
	}
	s.lastRun[task.Name] = now
	return true
}

func (s *Scheduler) execute(parent context.Context, task Task) (Result, error) {
	if !s.markRunning(task.Name) {
		return Result{Skipped: true}, ErrTaskRunning
	}
	defer s.clearRunning(task.Name)

	batchSize := task.BatchSize
	if batchSize <= 0 {
		batchSize = s.cfg.BatchSize
	}
	timeout := task.Timeout
	if timeout <= 0 {
		timeout = s.cfg.RunInterval
	}

	var result Result
	schedMetrics := obsmetrics.Scheduler()
	err := s.locker.WithLock(parent, "task:"+task.Name, s.cfg.LockTTL, func(ctx context.Context) error {
		return s.runJob(ctx, task.Name, batchSize, timeout, func(ctx context.Context) error {
			var err error
			result, err = task.Run(ctx, batchSize)
			run := jobRunFromContext(ctx)
			run.AddProcessed(result.Processed)
			run.AddErrors(result.Failed)
			schedMetrics.AddBatchProcessed(task.Name, task.Name, result.Processed)
			return err
		})
	})
	if errors.Is(err, ratelimit.ErrLockHeld) {
		schedMetrics.IncBatchDeferred(task.Name, obsmetrics.SchedulerBatchDeferredReasonLockHeld)
		s.log.Info("scheduler.job.skipped", zap.String("job", task.Name), zap.String("reason", "lock_held"))
		return Result{Skipped: true}, nil
	}
	return result, err
}

func (s *Scheduler) markRunning(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[name] {
		return false
	}
	s.running[name] = true
	return true
}

func (s *Scheduler) clearRunning(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, name)
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// An empty list enables every task.
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}
