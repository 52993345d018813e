package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/careledger/internal/auction/domain"
	"github.com/smallbiznis/careledger/internal/chain"
	"github.com/smallbiznis/careledger/internal/clock"
	"github.com/smallbiznis/careledger/internal/config"
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

const offChainFinalizeNote = "finalized on ledger without an observed receipt"

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Repo     domain.Repository
	Ledger   chain.Ledger
	Guard    *linkage.Guard
	Outbox   *events.Outbox
	Policy   *config.SyncPolicyHolder
	DonorSvc donordomain.Service
	Metrics  *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	repo     domain.Repository
	ledger   chain.Ledger
	guard    *linkage.Guard
	outbox   *events.Outbox
	policy   *config.SyncPolicyHolder
	donorSvc donordomain.Service
	metrics  *obsmetrics.Metrics
}

func New(p Params) domain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("auction.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		repo:     p.Repo,
		ledger:   p.Ledger,
		guard:    p.Guard,
		outbox:   p.Outbox,
		policy:   p.Policy,
		donorSvc: p.DonorSvc,
		metrics:  p.Metrics,
	}
}

func (s *Service) Create(ctx context.Context, req domain.CreateRequest) (domain.Auction, error) {
	sellerID, err := snowflake.ParseString(strings.TrimSpace(req.SellerID))
	if err != nil || sellerID == 0 {
		return domain.Auction{}, fmt.Errorf("%w: seller_id is required", domain.ErrInvalidAuction)
	}

	itemName := strings.TrimSpace(req.ItemName)
	description := strings.TrimSpace(req.Description)
	if itemName == "" {
		itemName = description
	}
	if itemName == "" {
		return domain.Auction{}, fmt.Errorf("%w: item_name is required", domain.ErrInvalidAuction)
	}
	if req.StartingBid < 0 || req.MinBidIncrement < 0 || req.TargetBid < 0 {
		return domain.Auction{}, fmt.Errorf("%w: bids must not be negative", domain.ErrInvalidAuction)
	}

	now := s.clock.Now()
	start := now
	if req.StartTime != nil {
		start = req.StartTime.UTC()
	}
	end := start.Add(domain.DefaultDuration)
	if req.EndTime != nil {
		end = req.EndTime.UTC()
	}
	if !end.After(start) {
		return domain.Auction{}, domain.ErrInvalidSchedule
	}

	auction := domain.Auction{
		ID:              s.genID.Generate(),
		SellerID:        sellerID,
		ItemName:        itemName,
		Description:     description,
		ImageURL:        strings.TrimSpace(req.ImageURL),
		TokenURI:        strings.TrimSpace(req.TokenURI),
		StartingBid:     req.StartingBid,
		MinBidIncrement: req.MinBidIncrement,
		TargetBid:       req.TargetBid,
		StartTime:       start,
		EndTime:         end,
		Status:          domain.StatusActive,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.Insert(ctx, tx, &auction); err != nil {
			return err
		}
		return s.outbox.Publish(ctx, tx, events.Entry{
			EntityType: "auction",
			EntityID:   auction.ID,
			Type:       events.AuctionCreated,
			After:      auction,
		})
	})
	if err != nil {
		return domain.Auction{}, err
	}

	logger.WithContext(ctx, s.log).Info("auction.created",
		zap.String("auction_id", auction.ID.String()),
		zap.String("seller_id", auction.SellerID.String()),
		zap.Time("end_time", auction.EndTime),
	)
	return auction, nil
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (domain.Auction, error) {
	if id == 0 {
		return domain.Auction{}, domain.ErrInvalidID
	}
	auction, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return domain.Auction{}, err
	}
	if auction == nil {
		return domain.Auction{}, domain.ErrNotFound
	}
	return *auction, nil
}

func (s *Service) Link(ctx context.Context, id snowflake.ID) (domain.LinkResult, error) {
	ctx = obscontext.WithEntity(ctx, "auction", id.String())
	log := logger.WithContext(ctx, s.log)
	result := domain.LinkResult{AuctionID: id}

	auction, err := s.Get(ctx, id)
	if err != nil {
		return result, err
	}
	if auction.Status != domain.StatusActive {
		result.Outcome = domain.LinkSkipped
		return result, nil
	}

	current, err := s.guard.Current(ctx, s.db, linkage.AuctionLedgerID, int64(id))
	if err != nil {
		return result, err
	}
	if current != "" {
		result.Outcome = domain.LinkAlreadyLinked
		result.LedgerAuctionID = current
		s.metrics.RecordAuctionLink(ctx, string(result.Outcome))
		return result, nil
	}

	if strings.TrimSpace(auction.ItemName) == "" || auction.StartingBid < 0 {
		err := chain.InvalidInput(chain.OpCreateAuction, fmt.Errorf("%w: item name and starting bid", domain.ErrInvalidAuction))
		return s.recordLinkFailure(ctx, auction, err)
	}

	receipt, err := s.ledger.CreateAuction(ctx, chain.AuctionRecord{
		Seller:          s.resolveSellerAddress(ctx, auction.SellerID),
		StartingBid:     auction.StartingBid,
		DurationSeconds: auction.DurationSeconds(),
		ItemName:        auction.ItemName,
		ItemDescription: auction.Description,
		ItemImageURL:    auction.ImageURL,
		TokenURI:        auction.TokenURI,
	})
	if err != nil {
		return s.recordLinkFailure(ctx, auction, err)
	}

	outcome, err := s.guard.Link(ctx, s.db, linkage.AuctionLedgerID, int64(id), receipt.LedgerAuctionID, map[string]interface{}{
		"ledger_tx_hash": receipt.TxHash,
		"ledger_error":   nil,
		"updated_at":     s.clock.Now(),
	})
	if err != nil {
		log.Error("auction.link.persist_failed",
			zap.String("ledger_auction_id", receipt.LedgerAuctionID),
			zap.String("ledger_tx_hash", receipt.TxHash),
			zap.Error(err),
		)
		obsmetrics.Scheduler().IncStageError(obsmetrics.StageAuctionLink, err)
		return result, err
	}

	if outcome == linkage.OutcomeLost {
		winner, err := s.guard.Current(ctx, s.db, linkage.AuctionLedgerID, int64(id))
		if err != nil {
			return result, err
		}
		result.Outcome = domain.LinkLinkageLost
		result.LedgerAuctionID = winner
		s.metrics.RecordAuctionLink(ctx, string(result.Outcome))
		return result, nil
	}

	result.Outcome = domain.LinkLinked
	result.LedgerAuctionID = receipt.LedgerAuctionID
	s.metrics.RecordAuctionLink(ctx, string(result.Outcome))
	log.Info("auction.linked",
		zap.String("auction_id", id.String()),
		zap.String("ledger_auction_id", receipt.LedgerAuctionID),
		zap.String("ledger_tx_hash", receipt.TxHash),
	)
	return result, nil
}

func (s *Service) recordLinkFailure(ctx context.Context, auction domain.Auction, ledgerErr error) (domain.LinkResult, error) {
	result := domain.LinkResult{AuctionID: auction.ID, Outcome: domain.LinkFailed}
	if err := s.repo.RecordLinkFailure(ctx, s.db, auction.ID, truncate(ledgerErr.Error(), 1024), s.clock.Now()); err != nil {
		return result, errors.Join(ledgerErr, err)
	}

	s.metrics.RecordAuctionLink(ctx, string(result.Outcome))
	obsmetrics.Scheduler().IncStageError(obsmetrics.StageAuctionLink, ledgerErr)
	logger.WithContext(ctx, s.log).Warn("auction.link.failed",
		zap.String("auction_id", auction.ID.String()),
		zap.Int("attempts", auction.LinkAttempts+1),
		zap.String("error_type", string(chain.KindOf(ledgerErr))),
		zap.Bool("retryable", chain.Retryable(ledgerErr)),
		zap.Error(ledgerErr),
	)
	return result, ledgerErr
}

// resolveSellerAddress uses the seller's wallet when it is a usable address
// and the service account otherwise.
func (s *Service) resolveSellerAddress(ctx context.Context, sellerID snowflake.ID) string {
	seller, err := s.donorSvc.Get(ctx, sellerID)
	if err == nil && chain.IsAddress(seller.Wallet()) {
		return seller.Wallet()
	}
	return s.ledger.ServiceAddress()
}

func (s *Service) ListUnlinked(ctx context.Context, limit int) ([]domain.Auction, error) {
	if limit <= 0 {
		limit = 50
	}
	maxAttempts := s.policy.Get().Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = int(^uint(0) >> 1)
	}
	return s.repo.ListUnlinked(ctx, s.db, maxAttempts, limit)
}

func (s *Service) ExpireDue(ctx context.Context, limit int) (domain.ExpirySummary, error) {
	var summary domain.ExpirySummary
	if limit <= 0 {
		limit = 100
	}
	now := s.clock.Now()

	skipped, err := s.repo.CountExpiredUnlinked(ctx, s.db, now)
	if err != nil {
		return summary, err
	}
	summary.Skipped = int(skipped)

	claimed, err := s.repo.ClaimExpired(ctx, s.db, now, limit)
	if err != nil {
		obsmetrics.Scheduler().IncStageError(obsmetrics.StageAuctionExpiry, err)
		return summary, err
	}
	summary.Claimed = len(claimed)

	var errs []error
	for _, auction := range claimed {
		obsmetrics.Scheduler().IncAuctionTransition(string(domain.StatusActive), string(domain.StatusFinalizing))
		to, err := s.finalize(ctx, auction)
		switch to {
		case domain.StatusFinalized:
			summary.Finalized++
		case domain.StatusActive:
			summary.Deferred++
		default:
			summary.Failed++
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("auction %s: %w", auction.ID, err))
		}
	}
	return summary, errors.Join(errs...)
}

// finalize settles one claimed auction and reports the status it ended in.
func (s *Service) finalize(ctx context.Context, auction domain.Auction) (domain.Status, error) {
	ctx = obscontext.WithEntity(ctx, "auction", auction.ID.String())
	log := logger.WithContext(ctx, s.log)

	txHash, ledgerErr := s.ledger.FinalizeAuction(ctx, *auction.LedgerAuctionID)
	if ledgerErr != nil {
		return s.finalizeFailed(ctx, auction, ledgerErr)
	}

	now := s.clock.Now()
	after := auction
	after.Status = domain.StatusFinalized
	after.FinalizedAt = &now
	after.FinalizationTxHash = &txHash
	after.WinnerID = auction.CurrentBidderID
	after.NextFinalizeAt = nil
	after.LedgerError = nil
	after.UpdatedAt = now

	var outcome linkage.Outcome
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		outcome, err = s.guard.Link(ctx, tx, linkage.AuctionFinalization, int64(auction.ID), txHash, map[string]interface{}{
			"status":           domain.StatusFinalized,
			"finalized_at":     now,
			"winner_id":        auction.CurrentBidderID,
			"ledger_error":     nil,
			"next_finalize_at": nil,
			"updated_at":       now,
		}, linkage.When("status = ?", domain.StatusFinalizing))
		if err != nil || outcome != linkage.OutcomeLinked {
			return err
		}
		return s.publishUpdated(ctx, tx, auction, after)
	})
	if err != nil {
		log.Error("auction.finalize.persist_failed",
			zap.String("finalization_tx_hash", txHash),
			zap.Error(err),
		)
		obsmetrics.Scheduler().IncStageError(obsmetrics.StageAuctionFinalize, err)
		return domain.StatusFinalizing, err
	}
	if outcome == linkage.OutcomeLost {
		s.metrics.RecordAuctionFinalize(ctx, "linkage_lost")
		return domain.StatusFinalized, nil
	}

	obsmetrics.Scheduler().IncAuctionTransition(string(domain.StatusFinalizing), string(domain.StatusFinalized))
	s.metrics.RecordAuctionFinalize(ctx, string(domain.StatusFinalized))
	log.Info("auction.finalized",
		zap.String("auction_id", auction.ID.String()),
		zap.String("finalization_tx_hash", txHash),
		zap.Bool("has_winner", auction.CurrentBidderID != nil),
	)

	s.attachToken(ctx, auction)
	return domain.StatusFinalized, nil
}

// finalizeFailed decides where a claimed auction goes after a failed ledger
// call: back to active with backoff, to finalization_failed, or straight to
// finalized when the ledger already closed it.
func (s *Service) finalizeFailed(ctx context.Context, auction domain.Auction, ledgerErr error) (domain.Status, error) {
	log := logger.WithContext(ctx, s.log)
	kind := chain.KindOf(ledgerErr)
	attempts := auction.FinalizeAttempts + 1
	retry := s.policy.Get().Retry

	if kind == chain.KindLedgerRejected {
		if done, err := s.completeIfFinalizedOnLedger(ctx, auction); err != nil || done {
			return domain.StatusFinalized, err
		}
	}

	release := domain.Release{
		To:      domain.StatusFinalizationFailed,
		Message: truncate(ledgerErr.Error(), 1024),
	}
	if kind == chain.KindLedgerUnavailable && !retry.Exhausted(attempts) {
		next := s.clock.Now().Add(retry.NextDelay(attempts))
		release.To = domain.StatusActive
		release.NextFinalizeAt = &next
	}

	if err := s.release(ctx, auction, release); err != nil {
		return domain.StatusFinalizing, errors.Join(ledgerErr, err)
	}

	s.metrics.RecordAuctionFinalize(ctx, string(release.To))
	obsmetrics.Scheduler().IncStageError(obsmetrics.StageAuctionFinalize, ledgerErr)
	fields := []zap.Field{
		zap.String("auction_id", auction.ID.String()),
		zap.Int("attempts", attempts),
		zap.String("status", string(release.To)),
		zap.String("error_type", string(kind)),
		zap.Bool("retryable", release.NextFinalizeAt != nil),
		zap.Error(ledgerErr),
	}
	if release.NextFinalizeAt != nil {
		fields = append(fields, zap.Time("next_finalize_at", *release.NextFinalizeAt))
	}
	log.Warn("auction.finalize.failed", fields...)
	return release.To, ledgerErr
}

func (s *Service) release(ctx context.Context, auction domain.Auction, release domain.Release) error {
	now := s.clock.Now()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updated, err := s.repo.ReleaseFinalizing(ctx, tx, auction.ID, release, now)
		if err != nil || !updated {
			return err
		}
		obsmetrics.Scheduler().IncAuctionTransition(string(domain.StatusFinalizing), string(release.To))
		if release.To != domain.StatusFinalizationFailed {
			return nil
		}
		after := auction
		after.Status = release.To
		after.LedgerError = &release.Message
		after.FinalizeAttempts++
		after.UpdatedAt = now
		return s.publishUpdated(ctx, tx, auction, after)
	})
}

// completeIfFinalizedOnLedger closes the auction off-chain when the ledger
// reports it finalized already.
func (s *Service) completeIfFinalizedOnLedger(ctx context.Context, auction domain.Auction) (bool, error) {
	snapshot, err := s.ledger.GetAuction(ctx, *auction.LedgerAuctionID)
	if err != nil || !snapshot.Finalized {
		return false, nil
	}

	now := s.clock.Now()
	var updated bool
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		updated, err = s.repo.MarkFinalizedOffChain(ctx, tx, auction.ID, auction.CurrentBidderID, offChainFinalizeNote, now)
		if err != nil || !updated {
			return err
		}
		after := auction
		after.Status = domain.StatusFinalized
		after.FinalizedAt = &now
		after.WinnerID = auction.CurrentBidderID
		note := offChainFinalizeNote
		after.LedgerError = &note
		after.UpdatedAt = now
		return s.publishUpdated(ctx, tx, auction, after)
	})
	if err != nil {
		return false, err
	}
	if updated {
		obsmetrics.Scheduler().IncAuctionTransition(string(domain.StatusFinalizing), string(domain.StatusFinalized))
		s.metrics.RecordAuctionFinalize(ctx, "finalized_off_chain")
		logger.WithContext(ctx, s.log).Warn("auction.finalized.off_chain",
			zap.String("auction_id", auction.ID.String()),
			zap.String("ledger_auction_id", *auction.LedgerAuctionID),
		)
		s.attachToken(ctx, auction)
	}
	return true, nil
}

// attachToken stores the ledger token id once it is known. Only auctions with
// a winner carry a token. Failures only log; the token id is informational.
func (s *Service) attachToken(ctx context.Context, auction domain.Auction) {
	if auction.CurrentBidderID == nil {
		return
	}
	snapshot, err := s.ledger.GetAuction(ctx, *auction.LedgerAuctionID)
	if err != nil {
		logger.WithContext(ctx, s.log).Warn("auction.token.lookup_failed",
			zap.String("auction_id", auction.ID.String()),
			zap.Error(err),
		)
		return
	}
	if snapshot.TokenID == "" || snapshot.TokenID == "0" {
		return
	}
	if _, err := s.guard.Link(ctx, s.db, linkage.AuctionToken, int64(auction.ID), snapshot.TokenID, map[string]interface{}{
		"updated_at": s.clock.Now(),
	}); err != nil {
		logger.WithContext(ctx, s.log).Warn("auction.token.persist_failed",
			zap.String("auction_id", auction.ID.String()),
			zap.Error(err),
		)
	}
}

func (s *Service) RecoverStuck(ctx context.Context, limit int) (domain.RecoverySummary, error) {
	var summary domain.RecoverySummary
	if limit <= 0 {
		limit = 100
	}
	now := s.clock.Now()
	stuck, err := s.repo.ListStuckFinalizing(ctx, s.db, now.Add(-s.policy.Get().FinalizingStuckAfter), limit)
	if err != nil {
		return summary, err
	}
	summary.Scanned = len(stuck)

	var errs []error
	for _, auction := range stuck {
		if auction.Linked() {
			done, err := s.completeIfFinalizedOnLedger(ctx, auction)
			if err != nil {
				summary.Errors++
				errs = append(errs, fmt.Errorf("auction %s: %w", auction.ID, err))
				continue
			}
			if done {
				summary.Finalized++
				continue
			}
		}

		err := s.release(ctx, auction, domain.Release{
			To:      domain.StatusActive,
			Message: "finalization interrupted",
		})
		if err != nil {
			summary.Errors++
			obsmetrics.Scheduler().IncStageError(obsmetrics.StageFinalizingRecovery, err)
			errs = append(errs, fmt.Errorf("auction %s: %w", auction.ID, err))
			continue
		}
		summary.Released++
		logger.WithContext(ctx, s.log).Warn("auction.finalizing.released",
			zap.String("auction_id", auction.ID.String()),
		)
	}

	created, err := s.backfillDeliveries(ctx, limit)
	summary.Deliveries = created
	if err != nil {
		summary.Errors++
		errs = append(errs, err)
	}
	return summary, errors.Join(errs...)
}

// backfillDeliveries creates deliveries whose auction.updated event was never
// handled, for example after the outbox row went dead.
func (s *Service) backfillDeliveries(ctx context.Context, limit int) (int, error) {
	missing, err := s.repo.ListMissingDeliveries(ctx, s.db, limit)
	if err != nil {
		return 0, fmt.Errorf("list missing deliveries: %w", err)
	}

	var created int
	var errs []error
	for _, auction := range missing {
		ok, err := s.RecordDelivery(ctx, auction.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("auction %s delivery: %w", auction.ID, err))
			continue
		}
		if ok {
			created++
			logger.WithContext(ctx, s.log).Warn("auction.delivery.backfilled",
				zap.String("auction_id", auction.ID.String()),
			)
		}
	}
	return created, errors.Join(errs...)
}

func (s *Service) RecordDelivery(ctx context.Context, auctionID snowflake.ID) (bool, error) {
	auction, err := s.Get(ctx, auctionID)
	if err != nil {
		return false, err
	}
	if auction.Status != domain.StatusFinalized || auction.WinnerID == nil {
		return false, nil
	}

	created, err := s.repo.InsertDeliveryIfAbsent(ctx, s.db, &domain.Delivery{
		ID:        s.genID.Generate(),
		AuctionID: auction.ID,
		WinnerID:  *auction.WinnerID,
		ItemName:  auction.ItemName,
		Status:    domain.DeliveryPendingCoordination,
		CreatedAt: s.clock.Now(),
	})
	if err != nil {
		obsmetrics.Scheduler().IncStageError(obsmetrics.StageAuctionDelivery, err)
		return false, err
	}
	if created {
		s.metrics.RecordDeliveryCreated(ctx)
		logger.WithContext(ctx, s.log).Info("auction.delivery.created",
			zap.String("auction_id", auction.ID.String()),
			zap.String("winner_id", auction.WinnerID.String()),
		)
	}
	return created, nil
}

func (s *Service) publishUpdated(ctx context.Context, tx *gorm.DB, before, after domain.Auction) error {
	return s.outbox.Publish(ctx, tx, events.Entry{
		EntityType: "auction",
		EntityID:   after.ID,
		Type:       events.AuctionUpdated,
		Before:     before,
		After:      after,
	})
}

// HandleCreated is the auction.created subscriber.
func HandleCreated(svc domain.Service) events.Handler {
	return func(ctx context.Context, evt events.Event) error {
		_, err := svc.Link(ctx, evt.EntityID)
		var chainErr *chain.Error
		if errors.As(err, &chainErr) {
			return nil
		}
		return err
	}
}

// HandleUpdated is the finalization observer: a transition into finalized
// creates the delivery for the winner.
func HandleUpdated(svc domain.Service) events.Handler {
	return func(ctx context.Context, evt events.Event) error {
		var after domain.Auction
		if err := evt.DecodeAfter(&after); err != nil {
			return err
		}
		if after.Status != domain.StatusFinalized {
			return nil
		}
		if evt.HasBefore() {
			var before domain.Auction
			if err := evt.DecodeBefore(&before); err != nil {
				return err
			}
			if before.Status == domain.StatusFinalized {
				return nil
			}
		}
		_, err := svc.RecordDelivery(ctx, evt.EntityID)
		return err
	}
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
