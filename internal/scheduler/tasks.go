package scheduler

import (
	"context"
	"errors"
	"time"

	achievementdomain "github.com/smallbiznis/careledger/internal/achievement/domain"
	"github.com/smallbiznis/careledger/internal/analytics"
	auctiondomain "github.com/smallbiznis/careledger/internal/auction/domain"
	donordomain "github.com/smallbiznis/careledger/internal/donor/domain"
	"github.com/smallbiznis/careledger/internal/events"
	"github.com/smallbiznis/careledger/internal/reconcile"
	"go.uber.org/fx"
)

const (
	TaskEventsDispatch       = "events_dispatch"
	TaskAuctionExpiry        = "auction_expiry"
	TaskReconcile            = "reconcile"
	TaskFinalizingRecovery   = "finalizing_recovery"
	TaskTierRecompute        = "tier_recompute"
	TaskDonorRetention       = "donor_retention"
	TaskEngagementReminders  = "engagement_reminders"
	TaskAchievementReconcile = "achievement_reconcile"
)

const (
	hour = time.Hour
	day  = 24 * time.Hour
	week = 7 * day
)

// maxExpiryPasses bounds one auction_expiry run when claims keep filling
// whole batches.
const maxExpiryPasses = 20

type TaskParams struct {
	fx.In

	Config       Config
	Events       *events.Worker
	Auctions     auctiondomain.Service
	Reconciler   *reconcile.Service
	Donors       donordomain.Service
	Achievements achievementdomain.Service
	Analytics    *analytics.Service
}

// ProvideTasks wires every periodic task to the service that does the work.
// The admin route and the CLI run these same functions.
func ProvideTasks(p TaskParams) []Task {
	batch := p.Config.withDefaults().BatchSize
	return []Task{
		{
			Name:      TaskEventsDispatch,
			BatchSize: batch,
			Timeout:   30 * time.Second,
			Run: func(ctx context.Context, _ int) (Result, error) {
				summary, err := p.Events.Drain(ctx)
				return Result{Processed: summary.Processed, Failed: summary.Failed + summary.Dead, Detail: summary}, err
			},
		},
		{
			Name:      TaskAuctionExpiry,
			Every:     hour,
			BatchSize: batch,
			Timeout:   15 * time.Minute,
			Run: func(ctx context.Context, limit int) (Result, error) {
				return expireAuctions(ctx, p.Auctions, limit)
			},
		},
		{
			Name:      TaskReconcile,
			Every:     15 * time.Minute,
			BatchSize: batch,
			Timeout:   10 * time.Minute,
			Run: func(ctx context.Context, limit int) (Result, error) {
				summary, err := p.Reconciler.Sweep(ctx, reconcile.Options{Scope: reconcile.ScopeAll, Limit: limit})
				return Result{Processed: summary.Processed(), Failed: summary.Failed(), Detail: summary}, err
			},
		},
		{
			Name:      TaskFinalizingRecovery,
			Every:     15 * time.Minute,
			BatchSize: batch,
			Timeout:   10 * time.Minute,
			Run: func(ctx context.Context, limit int) (Result, error) {
				summary, err := p.Auctions.RecoverStuck(ctx, limit)
				return Result{Processed: summary.Finalized + summary.Released + summary.Deliveries, Failed: summary.Errors, Detail: summary}, err
			},
		},
		{
			Name:      TaskTierRecompute,
			Every:     day,
			BatchSize: 200,
			Timeout:   10 * time.Minute,
			Run: func(ctx context.Context, limit int) (Result, error) {
				summary, err := p.Donors.RecomputeTiers(ctx, limit)
				return Result{Processed: summary.Scanned, Failed: summary.Failed, Detail: summary}, err
			},
		},
		{
			Name:    TaskDonorRetention,
			Every:   week,
			Timeout: time.Minute,
			Run: func(ctx context.Context, _ int) (Result, error) {
				report, err := p.Analytics.SnapshotRetention(ctx)
				return Result{Processed: int(report.Total), Detail: report}, err
			},
		},
		{
			Name:      TaskEngagementReminders,
			Every:     week,
			BatchSize: 200,
			Timeout:   10 * time.Minute,
			Run: func(ctx context.Context, limit int) (Result, error) {
				summary, err := p.Analytics.ScanEngagement(ctx, limit)
				return Result{Processed: summary.Reminded, Failed: summary.Failed, Detail: summary}, err
			},
		},
		{
			Name:      TaskAchievementReconcile,
			Every:     hour,
			BatchSize: batch,
			Timeout:   10 * time.Minute,
			Run: func(ctx context.Context, limit int) (Result, error) {
				summary, err := p.Achievements.ReconcileUnminted(ctx, limit)
				return Result{Processed: summary.Minted, Failed: summary.Failed, Detail: summary}, err
			},
		},
	}
}

// expireAuctions keeps claiming until a pass comes back short. Failed
// auctions leave the active set or move their retry time forward, so later
// passes never see them again.
func expireAuctions(ctx context.Context, auctions auctiondomain.Service, limit int) (Result, error) {
	var total auctiondomain.ExpirySummary
	var err error
	for pass := 0; pass < maxExpiryPasses; pass++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = errors.Join(err, ctxErr)
			break
		}
		summary, passErr := auctions.ExpireDue(ctx, limit)
		if pass == 0 {
			total.Skipped = summary.Skipped
		}
		total.Claimed += summary.Claimed
		total.Finalized += summary.Finalized
		total.Deferred += summary.Deferred
		total.Failed += summary.Failed
		if passErr != nil {
			err = errors.Join(err, passErr)
			if summary.Claimed == 0 {
				break
			}
		}
		if summary.Claimed < limit {
			break
		}
	}
	return Result{Processed: total.Finalized, Failed: total.Failed, Detail: total}, err
}
