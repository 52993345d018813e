package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/careledger/internal/chain"
	"github.com/smallbiznis/careledger/internal/clock"
	"github.com/smallbiznis/careledger/internal/config"
	"github.com/smallbiznis/careledger/internal/donor/domain"
	"github.com/smallbiznis/careledger/internal/events"
	"github.com/smallbiznis/careledger/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/careledger/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	Clock  clock.Clock
	Repo   domain.Repository
	Outbox *events.Outbox
	Policy *config.SyncPolicyHolder
}

type Service struct {
	db     *gorm.DB
	log    *zap.Logger
	clock  clock.Clock
	repo   domain.Repository
	outbox *events.Outbox
	policy *config.SyncPolicyHolder
}

func New(p Params) domain.Service {
	return &Service{
		db:     p.DB,
		log:    p.Log.Named("donor.service"),
		clock:  p.Clock,
		repo:   p.Repo,
		outbox: p.Outbox,
		policy: p.Policy,
	}
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (domain.Donor, error) {
	if id == 0 {
		return domain.Donor{}, domain.ErrInvalidID
	}
	donor, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return domain.Donor{}, err
	}
	if donor == nil {
		return domain.Donor{}, domain.ErrNotFound
	}
	return *donor, nil
}

func (s *Service) UpsertProfile(ctx context.Context, req domain.UpsertProfileRequest) (domain.Donor, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(req.ID))
	if err != nil || id == 0 {
		return domain.Donor{}, domain.ErrInvalidID
	}

	wallet := strings.TrimSpace(req.WalletAddress)
	if wallet != "" && !chain.IsAddress(wallet) {
		return domain.Donor{}, domain.ErrInvalidAddress
	}

	thresholds := s.policy.Get().Tiers
	now := s.clock.Now()
	donor := domain.Donor{
		ID:            id,
		WalletAddress: optional(wallet),
		Email:         optional(strings.TrimSpace(req.Email)),
		DisplayName:   optional(strings.TrimSpace(req.DisplayName)),
		Tier:          domain.ClassifyTier(0, thresholds),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.repo.UpsertProfile(ctx, s.db, &donor); err != nil {
		return domain.Donor{}, err
	}
	return s.Get(ctx, id)
}

func (s *Service) ApplyConfirmed(ctx context.Context, tx *gorm.DB, donorID snowflake.ID, amount int64, donatedAt time.Time) (domain.Change, error) {
	if donorID == 0 {
		return domain.Change{}, domain.ErrInvalidID
	}
	if amount <= 0 {
		return domain.Change{}, domain.ErrInvalidAmount
	}

	thresholds := s.policy.Get().Tiers
	before, err := s.repo.FindByID(ctx, tx, donorID)
	if err != nil {
		return domain.Change{}, err
	}

	now := s.clock.Now()
	if err := s.repo.IncrementTotals(ctx, tx, donorID, amount, donatedAt, now, domain.ClassifyTier(0, thresholds)); err != nil {
		return domain.Change{}, err
	}

	after, err := s.repo.FindByID(ctx, tx, donorID)
	if err != nil {
		return domain.Change{}, err
	}
	if after == nil {
		return domain.Change{}, domain.ErrNotFound
	}

	change := domain.Change{After: *after}
	if before != nil {
		change.Before = *before
		change.FirstDonation = before.DonationCount == 0
	} else {
		change.Before = domain.Donor{ID: donorID, Tier: after.Tier}
		change.FirstDonation = true
	}

	changed, err := s.applyTier(ctx, tx, after, thresholds, now)
	if err != nil {
		return domain.Change{}, err
	}
	if changed {
		change.TierChanged = true
		change.After.Tier = domain.ClassifyTier(after.TotalDonated, thresholds)
		change.After.TierUpdatedAt = &now
	}
	return change, nil
}

// applyTier moves the donor to the tier its total implies and publishes the
// change in the same transaction.
func (s *Service) applyTier(ctx context.Context, tx *gorm.DB, donor *domain.Donor, thresholds []config.TierThreshold, now time.Time) (bool, error) {
	target := domain.ClassifyTier(donor.TotalDonated, thresholds)
	if target == donor.Tier {
		return false, nil
	}

	updated, err := s.repo.UpdateTier(ctx, tx, donor.ID, donor.Tier, target, now)
	if err != nil || !updated {
		return false, err
	}

	next := *donor
	next.Tier = target
	next.TierUpdatedAt = &now
	next.UpdatedAt = now
	if err := s.outbox.Publish(ctx, tx, events.Entry{
		EntityType: "donor",
		EntityID:   donor.ID,
		Type:       events.DonorTierChanged,
		Before:     donor,
		After:      next,
	}); err != nil {
		return false, err
	}

	logger.WithContext(ctx, s.log).Info("donor.tier.changed",
		zap.String("donor_id", donor.ID.String()),
		zap.String("from", string(donor.Tier)),
		zap.String("to", string(target)),
		zap.Int64("total_donated", donor.TotalDonated),
	)
	return true, nil
}

// RecomputeTiers reclassifies every donor from its stored total. One donor's
// failure is logged and counted; the pass continues.
func (s *Service) RecomputeTiers(ctx context.Context, batchSize int) (domain.RecomputeSummary, error) {
	if batchSize <= 0 {
		batchSize = 200
	}
	thresholds := s.policy.Get().Tiers
	var (
		summary domain.RecomputeSummary
		errs    error
		afterID snowflake.ID
	)

	for {
		if err := ctx.Err(); err != nil {
			return summary, errors.Join(errs, err)
		}
		donors, err := s.repo.ListAfter(ctx, s.db, afterID, batchSize)
		if err != nil {
			return summary, errors.Join(errs, err)
		}
		if len(donors) == 0 {
			break
		}

		for i := range donors {
			donor := donors[i]
			afterID = donor.ID
			summary.Scanned++
			if domain.ClassifyTier(donor.TotalDonated, thresholds) == donor.Tier {
				continue
			}

			var changed bool
			err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
				var txErr error
				changed, txErr = s.applyTier(ctx, tx, &donor, thresholds, s.clock.Now())
				return txErr
			})
			if err != nil {
				summary.Failed++
				errs = errors.Join(errs, err)
				obsmetrics.Scheduler().IncStageError(obsmetrics.StageTierRecompute, err)
				logger.WithContext(ctx, s.log).Warn("donor.tier.recompute_failed",
					zap.String("donor_id", donor.ID.String()),
					zap.String("error_type", obsmetrics.ClassifySchedulerErrorType(err)),
					zap.Error(err),
				)
				continue
			}
			if changed {
				summary.Changed++
			}
		}

		if len(donors) < batchSize {
			break
		}
	}
	return summary, errs
}

func (s *Service) ListInactiveSince(ctx context.Context, cutoff time.Time, afterID snowflake.ID, limit int) ([]domain.Donor, error) {
	if limit <= 0 {
		limit = 200
	}
	return s.repo.ListInactiveSince(ctx, s.db, cutoff, afterID, limit)
}

func (s *Service) Retention(ctx context.Context, now time.Time) (domain.RetentionCounts, error) {
	windows := s.policy.Get().Retention
	return s.repo.CountRetention(ctx, s.db, now.Add(-windows.ActiveWindow), now.Add(-windows.AtRiskWindow))
}

func optional(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
