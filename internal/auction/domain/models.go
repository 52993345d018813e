package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type Status string

const (
	StatusActive             Status = "active"
	StatusFinalizing         Status = "finalizing"
	StatusFinalized          Status = "finalized"
	StatusFinalizationFailed Status = "finalization_failed"
)

// DefaultDuration applies when an auction is created without an end time.
const DefaultDuration = 72 * time.Hour

type Auction struct {
	ID                  snowflake.ID  `gorm:"primaryKey" json:"id"`
	SellerID            snowflake.ID  `gorm:"not null" json:"seller_id"`
	ItemName            string        `json:"item_name"`
	Description         string        `json:"description"`
	ImageURL            string        `json:"image_url"`
	TokenURI            string        `json:"token_uri"`
	StartingBid         int64         `json:"starting_bid"`
	CurrentBid          int64         `json:"current_bid"`
	MinBidIncrement     int64         `json:"min_bid_increment"`
	TargetBid           int64         `json:"target_bid"`
	BidCount            int64         `json:"bid_count"`
	CurrentBidderID     *snowflake.ID `json:"current_bidder_id,omitempty"`
	WinnerID            *snowflake.ID `json:"winner_id,omitempty"`
	StartTime           time.Time     `json:"start_time"`
	EndTime             time.Time     `json:"end_time"`
	Status              Status        `gorm:"not null" json:"status"`
	LedgerAuctionID     *string       `json:"ledger_auction_id,omitempty"`
	LedgerTxHash        *string       `json:"ledger_tx_hash,omitempty"`
	LedgerError         *string       `json:"ledger_error,omitempty"`
	LinkAttempts        int           `json:"link_attempts"`
	FinalizeAttempts    int           `json:"finalize_attempts"`
	NextFinalizeAt      *time.Time    `json:"next_finalize_at,omitempty"`
	FinalizingStartedAt *time.Time    `json:"finalizing_started_at,omitempty"`
	FinalizedAt         *time.Time    `json:"finalized_at,omitempty"`
	FinalizationTxHash  *string       `json:"finalization_tx_hash,omitempty"`
	TokenID             *string       `json:"token_id,omitempty"`
	CreatedAt           time.Time     `json:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at"`
}

func (Auction) TableName() string { return "auctions" }

func (a Auction) Linked() bool {
	return a.LedgerAuctionID != nil && *a.LedgerAuctionID != ""
}

// DurationSeconds is the ledger auction length: whole seconds between start
// and end, never negative.
func (a Auction) DurationSeconds() int64 {
	ms := a.EndTime.Sub(a.StartTime).Milliseconds()
	if ms <= 0 {
		return 0
	}
	return ms / 1000
}

const DeliveryPendingCoordination = "pending_coordination"

type Delivery struct {
	ID        snowflake.ID `gorm:"primaryKey" json:"id"`
	AuctionID snowflake.ID `gorm:"not null" json:"auction_id"`
	WinnerID  snowflake.ID `gorm:"not null" json:"winner_id"`
	ItemName  string       `json:"item_name"`
	Status    string       `json:"status"`
	CreatedAt time.Time    `json:"created_at"`
}

func (Delivery) TableName() string { return "auction_deliveries" }

type LinkOutcome string

const (
	LinkLinked        LinkOutcome = "linked"
	LinkAlreadyLinked LinkOutcome = "already_linked"
	LinkLinkageLost   LinkOutcome = "linkage_lost"
	LinkSkipped       LinkOutcome = "skipped"
	LinkFailed        LinkOutcome = "failed"
)

type LinkResult struct {
	AuctionID       snowflake.ID `json:"auction_id"`
	Outcome         LinkOutcome  `json:"outcome"`
	LedgerAuctionID string       `json:"ledger_auction_id,omitempty"`
}

// ExpirySummary counts what one expiry sweep did. Skipped are expired auctions
// that have no ledger linkage yet.
type ExpirySummary struct {
	Claimed   int `json:"claimed"`
	Finalized int `json:"finalized"`
	Deferred  int `json:"deferred"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

type RecoverySummary struct {
	Scanned   int `json:"scanned"`
	Finalized int `json:"finalized"`
	Released   int `json:"released"`
	Deliveries int `json:"deliveries"`
	Errors     int `json:"errors"`
}
