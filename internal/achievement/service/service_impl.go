package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/careledger/internal/achievement/domain"
	"github.com/smallbiznis/careledger/internal/chain"
	"github.com/smallbiznis/careledger/internal/clock"
	"github.com/smallbiznis/careledger/internal/config"
	donationdomain "github.com/smallbiznis/careledger/internal/donation/domain"
	donordomain "github.com/smallbiznis/careledger/internal/donor/domain"
	"github.com/smallbiznis/careledger/internal/events"
	"github.com/smallbiznis/careledger/internal/linkage"
	obscontext "github.com/smallbiznis/careledger/internal/observability/context"
	"github.com/smallbiznis/careledger/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/careledger/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Config   config.Config
	Repo     domain.Repository
	Ledger   chain.Ledger
	Guard    *linkage.Guard
	Policy   *config.SyncPolicyHolder
	DonorSvc donordomain.Service
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	metadataURI string
	repo        domain.Repository
	ledger      chain.Ledger
	guard       *linkage.Guard
	policy      *config.SyncPolicyHolder
	donorSvc    donordomain.Service
}

func New(p Params) domain.Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("achievement.service"),
		genID:       p.GenID,
		clock:       p.Clock,
		metadataURI: p.Config.AchievementMetadataURI,
		repo:        p.Repo,
		ledger:      p.Ledger,
		guard:       p.Guard,
		policy:      p.Policy,
		donorSvc:    p.DonorSvc,
	}
}

func (s *Service) Issue(ctx context.Context, req domain.IssueRequest) (domain.Achievement, bool, error) {
	if req.DonorID == 0 || req.Kind == "" {
		return domain.Achievement{}, false, domain.ErrInvalidAchievement
	}

	achievement := domain.Achievement{
		ID:        s.genID.Generate(),
		DonorID:   req.DonorID,
		Kind:      req.Kind,
		Tier:      req.Tier,
		Value:     req.Value,
		TokenURI:  domain.TokenURI(s.metadataURI, req.Kind, req.Tier, req.DonorID),
		CreatedAt: s.clock.Now(),
	}
	created, err := s.repo.InsertIfAbsent(ctx, s.db, &achievement)
	if err != nil {
		return domain.Achievement{}, false, err
	}
	if !created {
		existing, err := s.repo.FindByKey(ctx, s.db, req.DonorID, req.Kind, req.Tier)
		if err != nil {
			return domain.Achievement{}, false, err
		}
		if existing == nil {
			return domain.Achievement{}, false, domain.ErrNotFound
		}
		return *existing, false, nil
	}

	logger.WithContext(ctx, s.log).Info("achievement.issued",
		zap.String("achievement_id", achievement.ID.String()),
		zap.String("donor_id", achievement.DonorID.String()),
		zap.String("kind", string(achievement.Kind)),
		zap.String("tier", achievement.Tier),
	)

	// Minting is retried by reconciliation; issuing succeeds regardless.
	if _, err := s.Mint(ctx, achievement.ID); err != nil {
		logger.WithContext(ctx, s.log).Warn("achievement.mint.deferred",
			zap.String("achievement_id", achievement.ID.String()),
			zap.Error(err),
		)
	}

	stored, err := s.repo.FindByID(ctx, s.db, achievement.ID)
	if err != nil || stored == nil {
		return achievement, true, err
	}
	return *stored, true, nil
}

func (s *Service) Mint(ctx context.Context, id snowflake.ID) (domain.MintOutcome, error) {
	ctx = obscontext.WithEntity(ctx, "achievement", id.String())
	log := logger.WithContext(ctx, s.log)

	achievement, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return "", err
	}
	if achievement == nil {
		return "", domain.ErrNotFound
	}

	linked, err := s.guard.AlreadyLinked(ctx, s.db, linkage.AchievementToken, int64(id))
	if err != nil {
		return "", err
	}
	if linked {
		return domain.MintAlreadyDone, nil
	}

	donor, err := s.donorSvc.Get(ctx, achievement.DonorID)
	if errors.Is(err, donordomain.ErrNotFound) || (err == nil && !chain.IsAddress(donor.Wallet())) {
		return domain.MintNoWallet, nil
	}
	if err != nil {
		return "", err
	}

	receipt, err := s.ledger.MintAchievement(ctx, chain.AchievementRecord{
		Recipient: donor.Wallet(),
		Kind:      string(achievement.Kind),
		Tier:      achievement.Tier,
		Value:     achievement.Value,
		TokenURI:  achievement.TokenURI,
	})
	if err != nil {
		if storeErr := s.repo.RecordMintFailure(ctx, s.db, id, truncate(err.Error(), 1024)); storeErr != nil {
			return domain.MintFailed, errors.Join(err, storeErr)
		}
		obsmetrics.Scheduler().IncStageError(obsmetrics.StageAchievement, err)
		log.Warn("achievement.mint.failed",
			zap.String("achievement_id", id.String()),
			zap.String("error_type", string(chain.KindOf(err))),
			zap.Bool("retryable", chain.Retryable(err)),
			zap.Error(err),
		)
		return domain.MintFailed, err
	}

	outcome, err := s.guard.Link(ctx, s.db, linkage.AchievementToken, int64(id), receipt.TokenID, map[string]interface{}{
		"tx_hash":      receipt.TxHash,
		"ledger_error": nil,
	})
	if err != nil {
		log.Error("achievement.mint.persist_failed",
			zap.String("token_id", receipt.TokenID),
			zap.String("tx_hash", receipt.TxHash),
			zap.Error(err),
		)
		return domain.MintFailed, err
	}
	if outcome == linkage.OutcomeLost {
		return domain.MintLinkageLost, nil
	}

	log.Info("achievement.minted",
		zap.String("achievement_id", id.String()),
		zap.String("token_id", receipt.TokenID),
	)
	return domain.MintMinted, nil
}

func (s *Service) ListByDonor(ctx context.Context, donorID snowflake.ID) ([]domain.Achievement, error) {
	return s.repo.ListByDonor(ctx, s.db, donorID)
}

func (s *Service) ReconcileUnminted(ctx context.Context, limit int) (domain.ReconcileSummary, error) {
	var summary domain.ReconcileSummary
	if limit <= 0 {
		limit = 50
	}
	maxAttempts := s.policy.Get().Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = int(^uint(0) >> 1)
	}

	pending, err := s.repo.ListMintable(ctx, s.db, maxAttempts, limit)
	if err != nil {
		return summary, err
	}
	summary.Scanned = len(pending)

	var errs []error
	for _, achievement := range pending {
		outcome, err := s.Mint(ctx, achievement.ID)
		if err != nil {
			summary.Failed++
			errs = append(errs, fmt.Errorf("achievement %s: %w", achievement.ID, err))
			continue
		}
		if outcome == domain.MintMinted {
			summary.Minted++
		}
	}
	return summary, errors.Join(errs...)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// HandleDonationConfirmed issues the first-donation achievement. Later
// confirmations hit the unique key and do nothing.
func HandleDonationConfirmed(svc domain.Service) events.Handler {
	return func(ctx context.Context, evt events.Event) error {
		var donation donationdomain.Donation
		if err := evt.DecodeAfter(&donation); err != nil {
			return err
		}
		_, _, err := svc.Issue(ctx, domain.IssueRequest{
			DonorID: donation.DonorID,
			Kind:    domain.KindFirstDonation,
			Value:   donation.Amount,
		})
		return err
	}
}

// HandleTierChanged issues a tier achievement for upgrades only.
func HandleTierChanged(svc domain.Service, policy *config.SyncPolicyHolder) events.Handler {
	return func(ctx context.Context, evt events.Event) error {
		var before, after donordomain.Donor
		if err := evt.DecodeBefore(&before); err != nil {
			return err
		}
		if err := evt.DecodeAfter(&after); err != nil {
			return err
		}
		if !donordomain.IsUpgrade(before.Tier, after.Tier, policy.Get().Tiers) {
			return nil
		}
		_, _, err := svc.Issue(ctx, domain.IssueRequest{
			DonorID: after.ID,
			Kind:    domain.KindTierUpgrade,
			Tier:    string(after.Tier),
			Value:   after.TotalDonated,
		})
		return err
	}
}
