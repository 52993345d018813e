package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/careledger/internal/auction/domain"
	obsmetrics "github.com/smallbiznis/careledger/internal/observability/metrics"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const auctionColumns = `id, seller_id, item_name, description, image_url, token_uri,
		        starting_bid, current_bid, min_bid_increment, target_bid, bid_count,
		        current_bidder_id, winner_id, start_time, end_time, status,
		        ledger_auction_id, ledger_tx_hash, ledger_error, link_attempts,
		        finalize_attempts, next_finalize_at, finalizing_started_at, finalized_at,
		        finalization_tx_hash, token_id, created_at, updated_at`

func (r *repo) Insert(ctx context.Context, db *gorm.DB, auction *domain.Auction) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO auctions (id, seller_id, item_name, description, image_url, token_uri,
		                       starting_bid, current_bid, min_bid_increment, target_bid, bid_count,
		                       start_time, end_time, status, link_attempts, finalize_attempts,
		                       created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, 0, 0, ?, ?)`,
		auction.ID,
		auction.SellerID,
		auction.ItemName,
		auction.Description,
		auction.ImageURL,
		auction.TokenURI,
		auction.StartingBid,
		auction.CurrentBid,
		auction.MinBidIncrement,
		auction.TargetBid,
		auction.StartTime,
		auction.EndTime,
		auction.Status,
		auction.CreatedAt,
		auction.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Auction, error) {
	var auction domain.Auction
	err := db.WithContext(ctx).Raw(
		`SELECT `+auctionColumns+`
		 FROM auctions WHERE id = ?`,
		id,
	).Scan(&auction).Error
	if err != nil {
		return nil, err
	}
	if auction.ID == 0 {
		return nil, nil
	}
	return &auction, nil
}

func (r *repo) ListUnlinked(ctx context.Context, db *gorm.DB, maxAttempts, limit int) ([]domain.Auction, error) {
	var auctions []domain.Auction
	err := db.WithContext(ctx).Raw(
		`SELECT `+auctionColumns+`
		 FROM auctions
		 WHERE ledger_auction_id IS NULL
		   AND status = ?
		   AND link_attempts < ?
		 ORDER BY created_at ASC, id ASC
		 LIMIT ?`,
		domain.StatusActive, maxAttempts, limit,
	).Scan(&auctions).Error
	return auctions, err
}

func (r *repo) RecordLinkFailure(ctx context.Context, db *gorm.DB, id snowflake.ID, message string, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE auctions
		 SET ledger_error = ?, link_attempts = link_attempts + 1, updated_at = ?
		 WHERE id = ? AND ledger_auction_id IS NULL`,
		message, now, id,
	).Error
}

func (r *repo) CountExpiredUnlinked(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1)
		 FROM auctions
		 WHERE status = ? AND end_time <= ? AND ledger_auction_id IS NULL`,
		domain.StatusActive, now,
	).Scan(&count).Error
	return count, err
}

func (r *repo) ClaimExpired(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]domain.Auction, error) {
	var auctions []domain.Auction
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		lockStart := time.Now()
		err := tx.Raw(
			`SELECT `+auctionColumns+`
			 FROM auctions
			 WHERE status = ?
			   AND end_time <= ?
			   AND ledger_auction_id IS NOT NULL
			   AND (next_finalize_at IS NULL OR next_finalize_at <= ?)
			 ORDER BY end_time ASC, id ASC
			 LIMIT ?
			 FOR UPDATE SKIP LOCKED`,
			domain.StatusActive, now, now, limit,
		).Scan(&auctions).Error
		obsmetrics.Scheduler().ObserveDBLockWait(obsmetrics.LockResourceAuctionsForFinalize, time.Since(lockStart))
		if err != nil || len(auctions) == 0 {
			return err
		}

		ids := make([]snowflake.ID, 0, len(auctions))
		for i := range auctions {
			ids = append(ids, auctions[i].ID)
			auctions[i].Status = domain.StatusFinalizing
			auctions[i].FinalizingStartedAt = &now
		}
		return tx.Exec(
			`UPDATE auctions
			 SET status = ?, finalizing_started_at = ?, updated_at = ?
			 WHERE id IN ? AND status = ?`,
			domain.StatusFinalizing, now, now, ids, domain.StatusActive,
		).Error
	})
	if err != nil {
		return nil, err
	}
	return auctions, nil
}

func (r *repo) ListStuckFinalizing(ctx context.Context, db *gorm.DB, startedBefore time.Time, limit int) ([]domain.Auction, error) {
	var auctions []domain.Auction
	err := db.WithContext(ctx).Raw(
		`SELECT `+auctionColumns+`
		 FROM auctions
		 WHERE status = ? AND finalizing_started_at <= ?
		 ORDER BY finalizing_started_at ASC, id ASC
		 LIMIT ?`,
		domain.StatusFinalizing, startedBefore, limit,
	).Scan(&auctions).Error
	return auctions, err
}

func (r *repo) ListMissingDeliveries(ctx context.Context, db *gorm.DB, limit int) ([]domain.Auction, error) {
	var auctions []domain.Auction
	err := db.WithContext(ctx).Raw(
		`SELECT `+auctionColumns+`
		 FROM auctions
		 WHERE status = ? AND winner_id IS NOT NULL
		   AND NOT EXISTS (SELECT 1 FROM auction_deliveries d WHERE d.auction_id = auctions.id)
		 ORDER BY finalized_at ASC, id ASC
		 LIMIT ?`,
		domain.StatusFinalized, limit,
	).Scan(&auctions).Error
	return auctions, err
}

func (r *repo) ReleaseFinalizing(ctx context.Context, db *gorm.DB, id snowflake.ID, release domain.Release, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE auctions
		 SET status = ?, ledger_error = ?, finalize_attempts = finalize_attempts + 1,
		     next_finalize_at = ?, finalizing_started_at = NULL, updated_at = ?
		 WHERE id = ? AND status = ?`,
		release.To, release.Message, release.NextFinalizeAt, now,
		id, domain.StatusFinalizing,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) MarkFinalizedOffChain(ctx context.Context, db *gorm.DB, id snowflake.ID, winnerID *snowflake.ID, note string, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE auctions
		 SET status = ?, finalized_at = ?, winner_id = ?, ledger_error = ?,
		     next_finalize_at = NULL, updated_at = ?
		 WHERE id = ? AND status = ?`,
		domain.StatusFinalized, now, winnerID, note, now,
		id, domain.StatusFinalizing,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) InsertDeliveryIfAbsent(ctx context.Context, db *gorm.DB, delivery *domain.Delivery) (bool, error) {
	existing, err := r.FindDelivery(ctx, db, delivery.AuctionID)
	if err != nil {
		return false, err
	}
	if existing != nil {
		return false, nil
	}

	res := db.WithContext(ctx).Exec(
		`INSERT INTO auction_deliveries (id, auction_id, winner_id, item_name, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (auction_id) DO NOTHING`,
		delivery.ID,
		delivery.AuctionID,
		delivery.WinnerID,
		delivery.ItemName,
		delivery.Status,
		delivery.CreatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindDelivery(ctx context.Context, db *gorm.DB, auctionID snowflake.ID) (*domain.Delivery, error) {
	var delivery domain.Delivery
	err := db.WithContext(ctx).Raw(
		`SELECT id, auction_id, winner_id, item_name, status, created_at
		 FROM auction_deliveries WHERE auction_id = ?`,
		auctionID,
	).Scan(&delivery).Error
	if err != nil {
		return nil, err
	}
	if delivery.ID == 0 {
		return nil, nil
	}
	return &delivery, nil
}
