package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

const (
	SchedulerErrorTypeDeadlineExceeded  = "deadline_exceeded"
	SchedulerErrorTypeLedgerUnavailable = "ledger_unavailable"
	SchedulerErrorTypeLedgerRejected    = "ledger_rejected"
	SchedulerErrorTypeLinkageLost       = "linkage_lost"
	SchedulerErrorTypeInvalidInput      = "invalid_input"
	SchedulerErrorTypeDB                = "db"
	SchedulerErrorTypeBusinessRule      = "business_rule"
	SchedulerErrorTypeUnknown           = "unknown"
)

const (
	SchedulerJobReasonDeadlineExceeded     = "deadline_exceeded"
	SchedulerJobReasonLedgerUnavailable    = "ledger_unavailable"
	SchedulerJobReasonLedgerRejected       = "ledger_rejected"
	SchedulerJobReasonLinkageLost          = "concurrent_linkage_lost"
	SchedulerJobReasonDBLockTimeout        = "db_lock_timeout"
	SchedulerJobReasonSerializationFailure = "serialization_failure"
	SchedulerJobReasonUniqueViolation      = "unique_violation"
	SchedulerJobReasonUnknown              = "unknown"

	SchedulerBatchDeferredReasonSkipLockedEmpty = "skip_locked_empty"
	SchedulerBatchDeferredReasonLockHeld        = "lock_held"
)

const (
	StageDonationSync       = "donation_sync"
	StageAuctionLink        = "auction_link"
	StageAuctionExpiry      = "auction_expiry"
	StageAuctionFinalize    = "auction_finalize"
	StageAuctionDelivery    = "auction_delivery"
	StageFinalizingRecovery = "finalizing_recovery"
	StageDonorAggregate     = "donor_aggregate"
	StageTierRecompute      = "tier_recompute"
	StageAchievement        = "achievement"
	StageRetention          = "retention"
	StageEngagement         = "engagement"
	StageEventsDispatch     = "events_dispatch"
)

const (
	LockResourceDonationsForSync    = "donations_for_sync"
	LockResourceAuctionsForFinalize = "auctions_for_finalize"
	LockResourceEventsForDispatch   = "events_for_dispatch"
)

// SchedulerMetrics captures periodic task health and per-entity sync failures.
type SchedulerMetrics struct {
	jobRuns          *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
	jobTimeouts      *prometheus.CounterVec
	jobErrors        *prometheus.CounterVec
	batchProcessed   *prometheus.CounterVec
	batchDeferred    *prometheus.CounterVec
	runLoopLag       prometheus.Observer
	stageErrors      *prometheus.CounterVec
	auctionStates    *prometheus.CounterVec
	dbLockWait       *prometheus.HistogramVec
	stageErrorCounts map[string]map[string]prometheus.Counter
}

var (
	schedulerMetricsOnce sync.Once
	schedulerMetrics     *SchedulerMetrics
)

// Scheduler returns the singleton scheduler metrics registry.
func Scheduler() *SchedulerMetrics {
	return SchedulerWithConfig(Config{})
}

// SchedulerWithConfig returns the singleton scheduler metrics registry using config labels.
func SchedulerWithConfig(cfg Config) *SchedulerMetrics {
	schedulerMetricsOnce.Do(func() {
		schedulerMetrics = newSchedulerMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return schedulerMetrics
}

// ResetSchedulerMetricsForTest resets the scheduler metrics singleton for tests.
func ResetSchedulerMetricsForTest() {
	schedulerMetricsOnce = sync.Once{}
	schedulerMetrics = nil
}

func newSchedulerMetrics(registerer prometheus.Registerer, cfg Config) *SchedulerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	constLabels := constLabelsFor(cfg)

	jobRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "careledger_scheduler_job_runs_total",
		Help:        "Periodic task runs by name.",
		ConstLabels: constLabels,
	}, []string{"job"})
	jobDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "careledger_scheduler_job_duration_seconds",
		Help:        "Periodic task latency.",
		Buckets:     []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60, 120, 300, 600, 1800},
		ConstLabels: constLabels,
	}, []string{"job"})
	jobTimeouts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "careledger_scheduler_job_timeouts_total",
		Help:        "Periodic task runs that hit their deadline.",
		ConstLabels: constLabels,
	}, []string{"job"})
	jobErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "careledger_scheduler_job_errors_total",
		Help:        "Periodic task errors by low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"job", "reason"})
	batchProcessed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "careledger_scheduler_batch_processed_total",
		Help:        "Entities processed by periodic tasks.",
		ConstLabels: constLabels,
	}, []string{"job", "resource"})
	batchDeferred := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "careledger_scheduler_batch_deferred_total",
		Help:        "Periodic task deferrals by low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"job", "reason"})
	runLoopLag := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "careledger_scheduler_runloop_lag_seconds",
		Help:        "Scheduler run loop lag beyond the configured interval.",
		Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		ConstLabels: constLabels,
	})
	stageErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "careledger_sync_stage_errors_total",
		Help:        "Per-entity sync errors by stage and error type.",
		ConstLabels: constLabels,
	}, []string{"stage", "error_type"})
	auctionStates := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "careledger_auction_transition_total",
		Help:        "Auction lifecycle transitions.",
		ConstLabels: constLabels,
	}, []string{"from", "to"})
	dbLockWait := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "careledger_scheduler_db_lock_wait_seconds",
		Help:        "Time spent claiming rows with SKIP LOCKED.",
		Buckets:     []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		ConstLabels: constLabels,
	}, []string{"resource"})

	registerer.MustRegister(
		jobRuns,
		jobDuration,
		jobTimeouts,
		jobErrors,
		batchProcessed,
		batchDeferred,
		runLoopLag,
		stageErrors,
		auctionStates,
		dbLockWait,
	)

	stageErrorCounts := map[string]map[string]prometheus.Counter{}
	errorTypes := []string{
		SchedulerErrorTypeDeadlineExceeded,
		SchedulerErrorTypeLedgerUnavailable,
		SchedulerErrorTypeLedgerRejected,
		SchedulerErrorTypeLinkageLost,
		SchedulerErrorTypeInvalidInput,
		SchedulerErrorTypeDB,
		SchedulerErrorTypeBusinessRule,
	}
	for _, stage := range []string{
		StageDonationSync,
		StageAuctionLink,
		StageAuctionExpiry,
		StageAuctionFinalize,
		StageAuctionDelivery,
		StageFinalizingRecovery,
		StageDonorAggregate,
		StageTierRecompute,
		StageAchievement,
		StageRetention,
		StageEngagement,
		StageEventsDispatch,
	} {
		counters := map[string]prometheus.Counter{}
		for _, errType := range errorTypes {
			counters[errType] = stageErrors.WithLabelValues(stage, errType)
		}
		stageErrorCounts[stage] = counters
	}

	return &SchedulerMetrics{
		jobRuns:          jobRuns,
		jobDuration:      jobDuration,
		jobTimeouts:      jobTimeouts,
		jobErrors:        jobErrors,
		batchProcessed:   batchProcessed,
		batchDeferred:    batchDeferred,
		runLoopLag:       runLoopLag,
		stageErrors:      stageErrors,
		auctionStates:    auctionStates,
		dbLockWait:       dbLockWait,
		stageErrorCounts: stageErrorCounts,
	}
}

// IncJobRun increments the run counter for a task.
func (m *SchedulerMetrics) IncJobRun(job string) {
	if m == nil || m.jobRuns == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

// ObserveJobDuration records task latency in seconds.
func (m *SchedulerMetrics) ObserveJobDuration(job string, duration time.Duration) {
	if m == nil || m.jobDuration == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

// IncJobTimeout increments the timeout counter for the task.
func (m *SchedulerMetrics) IncJobTimeout(job string) {
	if m == nil || m.jobTimeouts == nil {
		return
	}
	m.jobTimeouts.WithLabelValues(job).Inc()
}

// IncJobError increments the task error counter with classification.
func (m *SchedulerMetrics) IncJobError(job string, err error) {
	if m == nil || err == nil || m.jobErrors == nil {
		return
	}
	m.jobErrors.WithLabelValues(job, ClassifySchedulerJobReason(err)).Inc()
}

// AddBatchProcessed increments the processed counter for a resource by count.
func (m *SchedulerMetrics) AddBatchProcessed(job, resource string, count int) {
	if m == nil || count <= 0 || m.batchProcessed == nil {
		return
	}
	m.batchProcessed.WithLabelValues(job, resource).Add(float64(count))
}

// IncBatchDeferred increments the deferred counter for a task and reason.
func (m *SchedulerMetrics) IncBatchDeferred(job, reason string) {
	if m == nil || m.batchDeferred == nil {
		return
	}
	m.batchDeferred.WithLabelValues(job, reason).Inc()
}

// ObserveRunLoopLag records lag between the scheduled tick and actual run start.
func (m *SchedulerMetrics) ObserveRunLoopLag(duration time.Duration) {
	if m == nil || m.runLoopLag == nil {
		return
	}
	if duration < 0 {
		duration = 0
	}
	m.runLoopLag.Observe(duration.Seconds())
}

// IncStageError records a per-entity failure for a pipeline stage.
func (m *SchedulerMetrics) IncStageError(stage string, err error) {
	if m == nil || err == nil {
		return
	}
	errorType := ClassifySchedulerErrorType(err)
	if counters, ok := m.stageErrorCounts[stage]; ok {
		if counter, ok := counters[errorType]; ok {
			counter.Inc()
			return
		}
	}
	m.stageErrors.WithLabelValues(stage, errorType).Inc()
}

// IncAuctionTransition counts auction state changes.
func (m *SchedulerMetrics) IncAuctionTransition(from, to string) {
	if m == nil || m.auctionStates == nil {
		return
	}
	m.auctionStates.WithLabelValues(from, to).Inc()
}

// ObserveDBLockWait records time spent claiming rows.
func (m *SchedulerMetrics) ObserveDBLockWait(resource string, duration time.Duration) {
	if m == nil || m.dbLockWait == nil {
		return
	}
	m.dbLockWait.WithLabelValues(resource).Observe(duration.Seconds())
}

// kindedError is implemented by ledger errors that carry a taxonomy kind.
type kindedError interface {
	error
	ErrorKind() string
}

func errorKind(err error) string {
	var kinded kindedError
	if errors.As(err, &kinded) {
		return kinded.ErrorKind()
	}
	return ""
}

// ClassifySchedulerErrorType returns a low-cardinality error type for logging.
func ClassifySchedulerErrorType(err error) string {
	if err == nil {
		return SchedulerErrorTypeUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return SchedulerErrorTypeDeadlineExceeded
	}
	switch errorKind(err) {
	case SchedulerErrorTypeLedgerUnavailable:
		return SchedulerErrorTypeLedgerUnavailable
	case SchedulerErrorTypeLedgerRejected:
		return SchedulerErrorTypeLedgerRejected
	case SchedulerErrorTypeInvalidInput:
		return SchedulerErrorTypeInvalidInput
	case SchedulerJobReasonLinkageLost:
		return SchedulerErrorTypeLinkageLost
	}
	if isDBError(err) {
		return SchedulerErrorTypeDB
	}
	return SchedulerErrorTypeBusinessRule
}

// IsSchedulerErrorRetryable reports whether the error is worth retrying on a later run.
func IsSchedulerErrorRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	switch errorKind(err) {
	case SchedulerErrorTypeLedgerUnavailable:
		return true
	case SchedulerErrorTypeLedgerRejected, SchedulerErrorTypeInvalidInput, SchedulerJobReasonLinkageLost:
		return false
	}
	return isDBError(err)
}

// ClassifySchedulerJobReason maps task errors to low-cardinality reasons.
func ClassifySchedulerJobReason(err error) string {
	if err == nil {
		return SchedulerJobReasonUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return SchedulerJobReasonDeadlineExceeded
	}
	switch errorKind(err) {
	case SchedulerErrorTypeLedgerUnavailable:
		return SchedulerJobReasonLedgerUnavailable
	case SchedulerErrorTypeLedgerRejected:
		return SchedulerJobReasonLedgerRejected
	case SchedulerErrorTypeLinkageLost:
		return SchedulerJobReasonLinkageLost
	}
	if hasPGCode(err, "55P03") {
		return SchedulerJobReasonDBLockTimeout
	}
	if hasPGCode(err, "40001") {
		return SchedulerJobReasonSerializationFailure
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) || hasPGCode(err, "23505") {
		return SchedulerJobReasonUniqueViolation
	}
	return SchedulerJobReasonUnknown
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return strings.EqualFold(pgErr.Code, code)
	}
	return false
}

func isDBError(err error) bool {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false
	}
	if errors.Is(err, gorm.ErrInvalidDB) ||
		errors.Is(err, gorm.ErrInvalidTransaction) ||
		errors.Is(err, gorm.ErrInvalidField) ||
		errors.Is(err, gorm.ErrInvalidData) ||
		errors.Is(err, gorm.ErrMissingWhereClause) ||
		errors.Is(err, gorm.ErrUnsupportedDriver) ||
		errors.Is(err, gorm.ErrInvalidValue) ||
		errors.Is(err, gorm.ErrNotImplemented) ||
		errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr)
}
