package events

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/careledger/internal/clock"
	"github.com/smallbiznis/careledger/internal/config"
	obsmetrics "github.com/smallbiznis/careledger/internal/observability/metrics"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type WorkerConfig struct {
	BatchSize   int
	MaxAttempts int
	// Lease hides a claimed row from other workers while its handlers run.
	Lease time.Duration
	Retry config.RetryPolicy
}

func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		BatchSize:   100,
		MaxAttempts: 10,
		Lease:       2 * time.Minute,
		Retry: config.RetryPolicy{
			BaseBackoff: 10 * time.Second,
			MaxBackoff:  30 * time.Minute,
		},
	}
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	defaults := DefaultWorkerConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaults.MaxAttempts
	}
	if c.Lease <= 0 {
		c.Lease = defaults.Lease
	}
	if c.Retry.BaseBackoff <= 0 {
		c.Retry = defaults.Retry
	}
	return c
}

// Summary counts what one dispatch pass did.
type Summary struct {
	Claimed   int
	Processed int
	Failed    int
	Dead      int
}

type Worker struct {
	db         *gorm.DB
	log        *zap.Logger
	clock      clock.Clock
	dispatcher *Dispatcher
	metrics    *obsmetrics.Metrics
	cfg        WorkerConfig
}

func NewWorker(db *gorm.DB, log *zap.Logger, clk clock.Clock, dispatcher *Dispatcher, metrics *obsmetrics.Metrics, cfg WorkerConfig) *Worker {
	return &Worker{
		db:         db,
		log:        log.Named("events.worker"),
		clock:      clk,
		dispatcher: dispatcher,
		metrics:    metrics,
		cfg:        cfg.withDefaults(),
	}
}

// DispatchPending claims up to limit due events and runs their handlers.
// Handler failures are recorded on the row and never returned; only store
// errors are.
func (w *Worker) DispatchPending(ctx context.Context, limit int) (Summary, error) {
	if limit <= 0 {
		limit = w.cfg.BatchSize
	}
	claimed, err := w.claim(ctx, limit)
	if err != nil {
		return Summary{}, err
	}

	summary := Summary{Claimed: len(claimed)}
	if len(claimed) == 0 {
		obsmetrics.Scheduler().IncBatchDeferred(obsmetrics.StageEventsDispatch, obsmetrics.SchedulerBatchDeferredReasonSkipLockedEmpty)
		return summary, nil
	}

	var storeErr error
	for _, evt := range claimed {
		if ctx.Err() != nil {
			return summary, errors.Join(storeErr, ctx.Err())
		}
		handlerErr := w.dispatcher.Dispatch(ctx, evt)
		if handlerErr == nil {
			if err := w.markProcessed(ctx, evt.ID); err != nil {
				storeErr = errors.Join(storeErr, err)
				continue
			}
			summary.Processed++
			w.metrics.RecordEventDispatched(ctx, string(evt.EventType), "processed")
			continue
		}

		dead, err := w.markFailed(ctx, evt, handlerErr)
		if err != nil {
			storeErr = errors.Join(storeErr, err)
			continue
		}
		summary.Failed++
		outcome := "retry"
		if dead {
			summary.Dead++
			outcome = "dead"
		}
		w.metrics.RecordEventDispatched(ctx, string(evt.EventType), outcome)
		obsmetrics.Scheduler().IncStageError(obsmetrics.StageEventsDispatch, handlerErr)
		w.log.Warn("events.handler.failed",
			zap.String("event_id", evt.ID.String()),
			zap.String("event_type", string(evt.EventType)),
			zap.String("entity_type", evt.EntityType),
			zap.String("entity_id", evt.EntityID.String()),
			zap.Int("attempts", evt.Attempts+1),
			zap.Bool("dead", dead),
			zap.String("error_type", obsmetrics.ClassifySchedulerErrorType(handlerErr)),
			zap.Error(handlerErr),
		)
	}
	obsmetrics.Scheduler().AddBatchProcessed(obsmetrics.StageEventsDispatch, obsmetrics.LockResourceEventsForDispatch, summary.Processed)
	return summary, storeErr
}

// Drain dispatches batches until a pass claims less than a full batch.
func (w *Worker) Drain(ctx context.Context) (Summary, error) {
	var total Summary
	for {
		summary, err := w.DispatchPending(ctx, w.cfg.BatchSize)
		total.Claimed += summary.Claimed
		total.Processed += summary.Processed
		total.Failed += summary.Failed
		total.Dead += summary.Dead
		if err != nil {
			return total, err
		}
		if summary.Claimed < w.cfg.BatchSize {
			return total, nil
		}
	}
}

// Serve drains the outbox each time wake fires until ctx ends.
func (w *Worker) Serve(ctx context.Context, wake <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-wake:
			if _, err := w.Drain(ctx); err != nil && ctx.Err() == nil {
				w.log.Warn("events.drain.failed", zap.Error(err))
			}
		}
	}
}

func (w *Worker) claim(ctx context.Context, limit int) ([]Event, error) {
	now := w.clock.Now()
	var claimed []Event
	err := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		lockStart := time.Now()
		err := tx.Raw(
			`SELECT id, entity_type, entity_id, event_type, before, after, attempts,
			        last_error, available_at, processed_at, created_at
			 FROM entity_events
			 WHERE processed_at IS NULL
			   AND available_at <= ?
			   AND attempts < ?
			 ORDER BY available_at ASC, id ASC
			 LIMIT ?
			 FOR UPDATE SKIP LOCKED`,
			now, w.cfg.MaxAttempts, limit,
		).Scan(&claimed).Error
		obsmetrics.Scheduler().ObserveDBLockWait(obsmetrics.LockResourceEventsForDispatch, time.Since(lockStart))
		if err != nil {
			return err
		}
		if len(claimed) == 0 {
			return nil
		}

		ids := make([]snowflake.ID, 0, len(claimed))
		for _, evt := range claimed {
			ids = append(ids, evt.ID)
		}
		return tx.Model(&Event{}).
			Where("id IN ?", ids).
			Update("available_at", now.Add(w.cfg.Lease)).Error
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (w *Worker) markProcessed(ctx context.Context, id snowflake.ID) error {
	return w.db.WithContext(ctx).Exec(
		`UPDATE entity_events
		 SET processed_at = ?, attempts = attempts + 1, last_error = NULL
		 WHERE id = ? AND processed_at IS NULL`,
		w.clock.Now(), id,
	).Error
}

func (w *Worker) markFailed(ctx context.Context, evt Event, cause error) (bool, error) {
	attempts := evt.Attempts + 1
	dead := attempts >= w.cfg.MaxAttempts
	next := w.clock.Now().Add(w.cfg.Retry.NextDelay(attempts))

	err := w.db.WithContext(ctx).Exec(
		`UPDATE entity_events
		 SET attempts = ?, last_error = ?, available_at = ?
		 WHERE id = ? AND processed_at IS NULL`,
		attempts, truncate(cause.Error(), 1024), next, evt.ID,
	).Error
	return dead, err
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
