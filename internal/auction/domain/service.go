package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

type CreateRequest struct {
	SellerID        string
	ItemName        string
	Description     string
	ImageURL        string
	TokenURI        string
	StartingBid     int64
	MinBidIncrement int64
	TargetBid       int64
	StartTime       *time.Time
	EndTime         *time.Time
}

type Service interface {
	Create(ctx context.Context, req CreateRequest) (Auction, error)
	Get(ctx context.Context, id snowflake.ID) (Auction, error)
	// Link attaches a ledger auction to an unlinked active auction. Ledger
	// failures are recorded on the auction and returned as *chain.Error.
	Link(ctx context.Context, id snowflake.ID) (LinkResult, error)
	// ListUnlinked returns active auctions still missing ledger linkage whose
	// link attempts are not exhausted.
	ListUnlinked(ctx context.Context, limit int) ([]Auction, error)
	// ExpireDue finalizes linked active auctions whose end time has passed.
	ExpireDue(ctx context.Context, limit int) (ExpirySummary, error)
	// RecoverStuck settles auctions left in finalizing by an interrupted sweep.
	RecoverStuck(ctx context.Context, limit int) (RecoverySummary, error)
	// RecordDelivery creates the delivery for a finalized auction with a
	// winner. It reports whether a new row was written.
	RecordDelivery(ctx context.Context, auctionID snowflake.ID) (bool, error)
}

var (
	ErrInvalidID       = errors.New("invalid_id")
	ErrInvalidAuction  = errors.New("invalid_auction")
	ErrInvalidSchedule = errors.New("invalid_auction_schedule")
	ErrNotFound        = errors.New("auction_not_found")
)
