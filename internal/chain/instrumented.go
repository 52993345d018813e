package chain

import (
	"context"
	"time"

	obsmetrics "github.com/smallbiznis/careledger/internal/observability/metrics"
	obstracing "github.com/smallbiznis/careledger/internal/observability/tracing"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// instrumentedLedger bounds every call by the configured timeout and records
// a span, a metric and a log line per call.
type instrumentedLedger struct {
	next    Ledger
	timeout time.Duration
	log     *zap.Logger
	metrics *obsmetrics.Metrics
	tracer  trace.Tracer
}

// Instrument wraps next with the per-call timeout and telemetry. A call that
// outlives the timeout fails with ErrLedgerUnavailable.
func Instrument(next Ledger, timeout time.Duration, log *zap.Logger, metrics *obsmetrics.Metrics) Ledger {
	if log == nil {
		log = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	return &instrumentedLedger{
		next:    next,
		timeout: timeout,
		log:     log.Named("chain.ledger"),
		metrics: metrics,
		tracer:  otel.Tracer("careledger/chain"),
	}
}

func (l *instrumentedLedger) ServiceAddress() string { return l.next.ServiceAddress() }

func (l *instrumentedLedger) Enabled() bool { return l.next.Enabled() }

func (l *instrumentedLedger) SubmitDonation(ctx context.Context, in DonationRecord) (string, error) {
	return call(ctx, l, OpSubmitDonation, func(ctx context.Context) (string, error) {
		return l.next.SubmitDonation(ctx, in)
	}, attribute.String("donation.currency", in.Currency))
}

func (l *instrumentedLedger) CreateAuction(ctx context.Context, in AuctionRecord) (AuctionReceipt, error) {
	return call(ctx, l, OpCreateAuction, func(ctx context.Context) (AuctionReceipt, error) {
		return l.next.CreateAuction(ctx, in)
	}, attribute.Int64("auction.duration_seconds", in.DurationSeconds))
}

func (l *instrumentedLedger) FinalizeAuction(ctx context.Context, ledgerAuctionID string) (string, error) {
	return call(ctx, l, OpFinalizeAuction, func(ctx context.Context) (string, error) {
		return l.next.FinalizeAuction(ctx, ledgerAuctionID)
	}, attribute.String("auction.ledger_id", ledgerAuctionID))
}

func (l *instrumentedLedger) MintAchievement(ctx context.Context, in AchievementRecord) (MintReceipt, error) {
	return call(ctx, l, OpMintAchievement, func(ctx context.Context) (MintReceipt, error) {
		return l.next.MintAchievement(ctx, in)
	}, attribute.String("achievement.kind", in.Kind))
}

func (l *instrumentedLedger) GetAuction(ctx context.Context, ledgerAuctionID string) (AuctionSnapshot, error) {
	return call(ctx, l, OpGetAuction, func(ctx context.Context) (AuctionSnapshot, error) {
		return l.next.GetAuction(ctx, ledgerAuctionID)
	}, attribute.String("auction.ledger_id", ledgerAuctionID))
}

func (l *instrumentedLedger) VerifyTransaction(ctx context.Context, txHash string) (Verification, error) {
	return call(ctx, l, OpVerifyTransaction, func(ctx context.Context) (Verification, error) {
		return l.next.VerifyTransaction(ctx, txHash)
	})
}

type callResult[T any] struct {
	value T
	err   error
}

// call runs fn under the call timeout. If fn does not return in time the
// caller gets ErrLedgerUnavailable and any late result is dropped; a
// transaction mined after the deadline is picked up by reconciliation.
func call[T any](ctx context.Context, l *instrumentedLedger, op string, fn func(context.Context) (T, error), attrs ...attribute.KeyValue) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	ctx, span := l.tracer.Start(ctx, obstracing.LedgerSpanPrefix+op, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(obstracing.SafeAttributes(append(attrs, attribute.String("chain.op", op))...)...)

	start := time.Now()
	done := make(chan callResult[T], 1)
	go func() {
		value, err := fn(ctx)
		done <- callResult[T]{value: value, err: err}
	}()

	var res callResult[T]
	select {
	case res = <-done:
	case <-ctx.Done():
		res.err = ctx.Err()
	}
	res.err = classify(op, res.err)

	outcome := "ok"
	fields := []zap.Field{
		zap.String("op", op),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
	}
	if res.err != nil {
		outcome = string(KindOf(res.err))
		span.RecordError(obstracing.SafeError(res.err))
		span.SetStatus(codes.Error, outcome)
		fields = append(fields, zap.String("error_type", outcome), zap.Error(res.err))
		l.log.Warn("chain.call.failed", fields...)
		var zero T
		l.metrics.RecordLedgerCall(ctx, op, outcome)
		return zero, res.err
	}
	l.log.Debug("chain.call", fields...)
	l.metrics.RecordLedgerCall(ctx, op, outcome)
	return res.value, nil
}
