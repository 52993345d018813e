package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Release describes how a finalizing auction leaves that state without a
// ledger receipt.
type Release struct {
	To             Status
	Message        string
	NextFinalizeAt *time.Time
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, auction *Auction) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Auction, error)
	ListUnlinked(ctx context.Context, db *gorm.DB, maxAttempts, limit int) ([]Auction, error)
	RecordLinkFailure(ctx context.Context, db *gorm.DB, id snowflake.ID, message string, now time.Time) error
	CountExpiredUnlinked(ctx context.Context, db *gorm.DB, now time.Time) (int64, error)
	// ClaimExpired moves due auctions from active to finalizing and returns
	// the claimed rows.
	ClaimExpired(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]Auction, error)
	ListStuckFinalizing(ctx context.Context, db *gorm.DB, startedBefore time.Time, limit int) ([]Auction, error)
	// ReleaseFinalizing only applies while the auction is finalizing.
	ReleaseFinalizing(ctx context.Context, db *gorm.DB, id snowflake.ID, release Release, now time.Time) (bool, error)
	// MarkFinalizedOffChain closes an auction the ledger already finalized
	// without a receipt being observed.
	MarkFinalizedOffChain(ctx context.Context, db *gorm.DB, id snowflake.ID, winnerID *snowflake.ID, note string, now time.Time) (bool, error)
	// ListMissingDeliveries returns finalized auctions with a winner and no
	// delivery row.
	ListMissingDeliveries(ctx context.Context, db *gorm.DB, limit int) ([]Auction, error)
	InsertDeliveryIfAbsent(ctx context.Context, db *gorm.DB, delivery *Delivery) (bool, error)
	FindDelivery(ctx context.Context, db *gorm.DB, auctionID snowflake.ID) (*Delivery, error)
}
