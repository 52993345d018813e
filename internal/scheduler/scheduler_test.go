package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	auctiondomain "github.com/smallbiznis/careledger/internal/auction/domain"
	"github.com/smallbiznis/careledger/internal/clock"
	obsmetrics "github.com/smallbiznis/careledger/internal/observability/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRunJobTimeoutDoesNotReturnErrorAndIncrementsTimeout(t *testing.T) {
	registry := prometheus.NewRegistry()
	restore := swapPrometheusRegistry(registry)
	defer restore()

	obsmetrics.ResetSchedulerMetricsForTest()
	obsmetrics.SchedulerWithConfig(obsmetrics.Config{
		ServiceName: "careledger",
		Environment: "test",
	})

	s := &Scheduler{log: zap.NewNop(), clock: clock.NewFakeClock(time.Time{})}
	err := s.runJob(context.Background(), "timeout_job", 0, 5*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	labels := map[string]string{
		"service": "careledger",
		"env":     "test",
		"job":     "timeout_job",
	}
	if got := getCounterValue(t, registry, "careledger_scheduler_job_timeouts_total", labels); got != 1 {
		t.Fatalf("expected timeout count 1, got %v", got)
	}

	errorLabels := map[string]string{
		"service": "careledger",
		"env":     "test",
		"job":     "timeout_job",
		"reason":  obsmetrics.SchedulerJobReasonDeadlineExceeded,
	}
	if got := getCounterValue(t, registry, "careledger_scheduler_job_errors_total", errorLabels); got != 1 {
		t.Fatalf("expected error count 1, got %v", got)
	}
}

type countingTask struct {
	mu     sync.Mutex
	calls  int
	limits []int
	result Result
	err    error
}

func (c *countingTask) run(_ context.Context, limit int) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.limits = append(c.limits, limit)
	return c.result, c.err
}

func (c *countingTask) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func newTestScheduler(t *testing.T, cfg Config, tasks ...Task) (*Scheduler, *clock.FakeClock) {
	t.Helper()
	clk := clock.NewFakeClock(time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC))
	s, err := New(Params{Log: zap.NewNop(), Clock: clk, Config: cfg, Tasks: tasks})
	require.NoError(t, err)
	return s, clk
}

func TestRunOnceHonoursCadence(t *testing.T) {
	hourly := &countingTask{}
	everyTick := &countingTask{}
	s, clk := newTestScheduler(t, Config{},
		Task{Name: "hourly", Every: time.Hour, Timeout: time.Second, Run: hourly.run},
		Task{Name: "tick", Timeout: time.Second, Run: everyTick.run},
	)
	ctx := context.Background()

	require.NoError(t, s.RunOnce(ctx))
	assert.Equal(t, 1, hourly.count())
	assert.Equal(t, 1, everyTick.count())

	clk.Advance(30 * time.Minute)
	require.NoError(t, s.RunOnce(ctx))
	assert.Equal(t, 1, hourly.count())
	assert.Equal(t, 2, everyTick.count())

	clk.Advance(30 * time.Minute)
	require.NoError(t, s.RunOnce(ctx))
	assert.Equal(t, 2, hourly.count())
	assert.Equal(t, 3, everyTick.count())
}

func TestRunOnceSkipsDisabledTasks(t *testing.T) {
	enabled := &countingTask{}
	disabled := &countingTask{}
	s, _ := newTestScheduler(t, Config{EnabledJobs: []string{"Reconcile"}},
		Task{Name: "reconcile", Run: enabled.run},
		Task{Name: "tier_recompute", Run: disabled.run},
	)

	require.NoError(t, s.RunOnce(context.Background()))
	assert.Equal(t, 1, enabled.count())
	assert.Equal(t, 0, disabled.count())
}

func TestRunOnceJoinsTaskErrorsAndContinues(t *testing.T) {
	failing := &countingTask{err: errors.New("ledger down")}
	healthy := &countingTask{result: Result{Processed: 3}}
	s, _ := newTestScheduler(t, Config{},
		Task{Name: "auction_expiry", Run: failing.run},
		Task{Name: "reconcile", Run: healthy.run},
	)

	err := s.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auction_expiry: ledger down")
	assert.Equal(t, 1, healthy.count())
}

func TestRunTaskIgnoresCadenceAndEnabledList(t *testing.T) {
	task := &countingTask{result: Result{Processed: 7, Failed: 1}}
	s, _ := newTestScheduler(t, Config{EnabledJobs: []string{"other"}, BatchSize: 25},
		Task{Name: "reconcile", Every: 24 * time.Hour, Run: task.run},
	)
	ctx := context.Background()

	first, err := s.RunTask(ctx, "reconcile")
	require.NoError(t, err)
	assert.Equal(t, 7, first.Processed)
	assert.Equal(t, 1, first.Failed)

	_, err = s.RunTask(ctx, " reconcile ")
	require.NoError(t, err)
	assert.Equal(t, 2, task.count())
	assert.Equal(t, []int{25, 25}, task.limits)

	_, err = s.RunTask(ctx, "missing")
	assert.ErrorIs(t, err, ErrUnknownTask)
}

func TestRunTaskRejectsOverlappingRun(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	s, _ := newTestScheduler(t, Config{},
		Task{Name: "slow", Timeout: time.Minute, Run: func(ctx context.Context, _ int) (Result, error) {
			close(started)
			<-release
			return Result{}, nil
		}},
	)

	done := make(chan error, 1)
	go func() {
		_, err := s.RunTask(context.Background(), "slow")
		done <- err
	}()
	<-started

	result, err := s.RunTask(context.Background(), "slow")
	assert.ErrorIs(t, err, ErrTaskRunning)
	assert.True(t, result.Skipped)

	close(release)
	require.NoError(t, <-done)
}

func TestNewRejectsBadTasks(t *testing.T) {
	clk := clock.NewFakeClock(time.Now())
	noop := func(context.Context, int) (Result, error) { return Result{}, nil }

	_, err := New(Params{Log: zap.NewNop(), Clock: clk, Tasks: []Task{{Name: "a", Run: noop}, {Name: "a", Run: noop}}})
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = New(Params{Log: zap.NewNop(), Clock: clk, Tasks: []Task{{Name: "a"}}})
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = New(Params{Log: zap.NewNop(), Tasks: []Task{{Name: "a", Run: noop}}})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	s, err := New(Params{Log: zap.NewNop(), Clock: clk, Tasks: []Task{{Name: "b", Run: noop}, {Name: "a", Run: noop}}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, s.Names())
}

func TestTaskDue(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	weekly := Task{Every: 7 * 24 * time.Hour}
	assert.True(t, weekly.due(time.Time{}, now))
	assert.False(t, weekly.due(now.Add(-6*24*time.Hour), now))
	assert.True(t, weekly.due(now.Add(-7*24*time.Hour), now))
	assert.True(t, Task{}.due(now, now))
}

type expiringAuctions struct {
	auctiondomain.Service
	passes []auctiondomain.ExpirySummary
	errs   []error
	calls  int
}

func (f *expiringAuctions) ExpireDue(_ context.Context, _ int) (auctiondomain.ExpirySummary, error) {
	i := f.calls
	f.calls++
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	return f.passes[i], err
}

func TestExpireAuctionsDrainsFullBatches(t *testing.T) {
	auctions := &expiringAuctions{
		passes: []auctiondomain.ExpirySummary{
			{Claimed: 2, Finalized: 1, Failed: 1, Skipped: 3},
			{Claimed: 2, Finalized: 2, Skipped: 3},
			{Claimed: 1, Deferred: 1, Skipped: 3},
		},
		errs: []error{errors.New("auction 9: rejected")},
	}

	result, err := expireAuctions(context.Background(), auctions, 2)
	require.Error(t, err)
	assert.Equal(t, 3, auctions.calls)
	assert.Equal(t, 3, result.Processed)
	assert.Equal(t, 1, result.Failed)
	summary := result.Detail.(auctiondomain.ExpirySummary)
	assert.Equal(t, 5, summary.Claimed)
	assert.Equal(t, 3, summary.Skipped)
	assert.Equal(t, 1, summary.Deferred)
}

func swapPrometheusRegistry(registry *prometheus.Registry) func() {
	oldRegisterer := prometheus.DefaultRegisterer
	oldGatherer := prometheus.DefaultGatherer
	prometheus.DefaultRegisterer = registry
	prometheus.DefaultGatherer = registry
	return func() {
		prometheus.DefaultRegisterer = oldRegisterer
		prometheus.DefaultGatherer = oldGatherer
		obsmetrics.ResetSchedulerMetricsForTest()
	}
}

func getCounterValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	metricFamilies, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metricFamilies {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.Metric {
			if !labelsMatch(metric, labels) {
				continue
			}
			if metric.Counter == nil {
				t.Fatalf("metric %s is not a counter", name)
			}
			return metric.GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func labelsMatch(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.Label) != len(labels) {
		return false
	}
	for _, label := range metric.Label {
		if labels[label.GetName()] != label.GetValue() {
			return false
		}
	}
	return true
}
