package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type stubKindError struct{ kind string }

func (e stubKindError) Error() string     { return "ledger: " + e.kind }
func (e stubKindError) ErrorKind() string { return e.kind }

func TestClassifySchedulerJobReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{name: "deadline", err: context.DeadlineExceeded, want: SchedulerJobReasonDeadlineExceeded},
		{name: "ledger_unavailable", err: fmt.Errorf("sync: %w", stubKindError{kind: "ledger_unavailable"}), want: SchedulerJobReasonLedgerUnavailable},
		{name: "ledger_rejected", err: stubKindError{kind: "ledger_rejected"}, want: SchedulerJobReasonLedgerRejected},
		{name: "linkage_lost", err: stubKindError{kind: "concurrent_linkage_lost"}, want: SchedulerJobReasonLinkageLost},
		{name: "db_lock_timeout", err: &pgconn.PgError{Code: "55P03"}, want: SchedulerJobReasonDBLockTimeout},
		{name: "serialization_failure", err: &pgconn.PgError{Code: "40001"}, want: SchedulerJobReasonSerializationFailure},
		{name: "unique_violation", err: gorm.ErrDuplicatedKey, want: SchedulerJobReasonUniqueViolation},
		{name: "unknown", err: errors.New("boom"), want: SchedulerJobReasonUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, ClassifySchedulerJobReason(tc.err))
		})
	}
}

func TestIsSchedulerErrorRetryable(t *testing.T) {
	require.True(t, IsSchedulerErrorRetryable(stubKindError{kind: "ledger_unavailable"}))
	require.False(t, IsSchedulerErrorRetryable(stubKindError{kind: "ledger_rejected"}))
	require.False(t, IsSchedulerErrorRetryable(stubKindError{kind: "invalid_input"}))
	require.True(t, IsSchedulerErrorRetryable(&pgconn.PgError{Code: "40001"}))
	require.False(t, IsSchedulerErrorRetryable(errors.New("boom")))
	require.False(t, IsSchedulerErrorRetryable(nil))
}

func TestAddBatchProcessed(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := newSchedulerMetrics(registry, Config{ServiceName: "careledger", Environment: "test"})

	metrics.AddBatchProcessed("reconcile", "donations", 3)

	got := testutil.ToFloat64(metrics.batchProcessed.WithLabelValues("reconcile", "donations"))
	require.Equal(t, float64(3), got)
}

func TestIncStageErrorUsesErrorType(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := newSchedulerMetrics(registry, Config{ServiceName: "careledger", Environment: "test"})

	metrics.IncStageError(StageDonationSync, stubKindError{kind: "ledger_unavailable"})
	metrics.IncStageError(StageDonationSync, stubKindError{kind: "ledger_unavailable"})
	metrics.IncStageError(StageAuctionFinalize, errors.New("boom"))

	require.Equal(t, float64(2), testutil.ToFloat64(metrics.stageErrors.WithLabelValues(StageDonationSync, SchedulerErrorTypeLedgerUnavailable)))
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.stageErrors.WithLabelValues(StageAuctionFinalize, SchedulerErrorTypeBusinessRule)))
}

func TestHTTPMetricsObserve(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := newHTTPMetrics(registry, Config{})

	m.Observe("POST", "/api/donations/fiat", 201, 0)

	require.Equal(t, float64(1), testutil.ToFloat64(m.requests.WithLabelValues("POST", "/api/donations/fiat", "201")))
}
