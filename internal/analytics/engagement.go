package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	donordomain "github.com/smallbiznis/careledger/internal/donor/domain"
	"github.com/smallbiznis/careledger/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/careledger/internal/observability/metrics"
	"go.uber.org/zap"
)

// Notifier delivers a re-engagement nudge. Delivery channels live outside
// this service.
type Notifier interface {
	Remind(ctx context.Context, donor donordomain.Donor, periodKey string) error
}

type LogNotifier struct {
	log *zap.Logger
}

func NewLogNotifier(log *zap.Logger) *LogNotifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogNotifier{log: log.Named("analytics.notifier")}
}

func (n *LogNotifier) Remind(ctx context.Context, donor donordomain.Donor, periodKey string) error {
	fields := []zap.Field{
		zap.String("donor_id", donor.ID.String()),
		zap.String("period", periodKey),
	}
	if donor.LastDonationAt != nil {
		fields = append(fields, zap.Time("last_donation_at", *donor.LastDonationAt))
	}
	logger.WithContext(ctx, n.log).Info("engagement.reminder", fields...)
	return nil
}

type EngagementSummary struct {
	Scanned   int    `json:"scanned"`
	Reminded  int    `json:"reminded"`
	Duplicate int    `json:"duplicate"`
	Failed    int    `json:"failed"`
	Period    string `json:"period"`
}

// PeriodKey names the ISO week a reminder belongs to, e.g. "2026-W07".
func PeriodKey(t time.Time) string {
	year, week := t.UTC().ISOWeek()
	return fmt.Sprintf("%d-W%02d", year, week)
}

// ScanEngagement records at most one reminder per inactive donor per ISO
// week. A reminder row is written before the notifier is called, so a
// notifier failure is not retried within the same week.
func (s *Service) ScanEngagement(ctx context.Context, batchSize int) (EngagementSummary, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	now := s.clock.Now()
	cutoff := now.Add(-s.policy.Get().EngagementInactiveAfter)
	summary := EngagementSummary{Period: PeriodKey(now)}
	log := logger.WithContext(ctx, s.log)

	var afterID snowflake.ID
	for {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		donors, err := s.donorSvc.ListInactiveSince(ctx, cutoff, afterID, batchSize)
		if err != nil {
			return summary, err
		}
		for _, donor := range donors {
			summary.Scanned++
			afterID = donor.ID

			inserted, err := s.insertReminder(ctx, donor.ID, summary.Period, now)
			if err != nil {
				summary.Failed++
				obsmetrics.Scheduler().IncStageError(obsmetrics.StageEngagement, err)
				log.Warn("engagement.reminder.store_failed",
					zap.String("donor_id", donor.ID.String()),
					zap.Error(err),
				)
				continue
			}
			if !inserted {
				summary.Duplicate++
				continue
			}
			if err := s.notifier.Remind(ctx, donor, summary.Period); err != nil {
				summary.Failed++
				obsmetrics.Scheduler().IncStageError(obsmetrics.StageEngagement, err)
				log.Warn("engagement.reminder.notify_failed",
					zap.String("donor_id", donor.ID.String()),
					zap.Error(err),
				)
				continue
			}
			summary.Reminded++
		}
		if len(donors) < batchSize {
			break
		}
	}

	log.Info("engagement.scan.completed",
		zap.String("period", summary.Period),
		zap.Int("scanned", summary.Scanned),
		zap.Int("reminded", summary.Reminded),
		zap.Int("duplicate", summary.Duplicate),
		zap.Int("failed", summary.Failed),
	)
	return summary, nil
}

func (s *Service) insertReminder(ctx context.Context, donorID snowflake.ID, period string, now time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Exec(
		`INSERT INTO engagement_reminders (id, donor_id, period_key, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (donor_id, period_key) DO NOTHING`,
		s.genID.Generate(), donorID, period, now,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
