package chain

import (
	"context"
	"math/big"
	"time"
)

// Ledger is the contract the sync engine requires from the on-chain side.
// Write calls block until the transaction is mined or the call timeout
// elapses. Amounts are integer base units.
type Ledger interface {
	SubmitDonation(ctx context.Context, in DonationRecord) (string, error)
	CreateAuction(ctx context.Context, in AuctionRecord) (AuctionReceipt, error)
	FinalizeAuction(ctx context.Context, ledgerAuctionID string) (string, error)
	MintAchievement(ctx context.Context, in AchievementRecord) (MintReceipt, error)
	GetAuction(ctx context.Context, ledgerAuctionID string) (AuctionSnapshot, error)
	VerifyTransaction(ctx context.Context, txHash string) (Verification, error)

	// ServiceAddress is the signing account, used when a participant has no
	// usable on-chain identity.
	ServiceAddress() string
	Enabled() bool
}

type DonationRecord struct {
	DonorAddress string
	Amount       int64
	Currency     string
	ExternalTxID string
	PatientRef   string
	Anonymous    bool
}

type AuctionRecord struct {
	Seller          string
	StartingBid     int64
	DurationSeconds int64
	ItemName        string
	ItemDescription string
	ItemImageURL    string
	TokenURI        string
}

type AuctionReceipt struct {
	LedgerAuctionID string
	TxHash          string
}

type AchievementRecord struct {
	Recipient string
	Kind      string
	Tier      string
	Value     int64
	TokenURI  string
}

type MintReceipt struct {
	TokenID string
	TxHash  string
}

// AuctionSnapshot mirrors the on-chain auction struct.
type AuctionSnapshot struct {
	TokenID         string
	Seller          string
	StartingBid     *big.Int
	CurrentBid      *big.Int
	CurrentBidder   string
	StartTime       time.Time
	EndTime         time.Time
	Active          bool
	Finalized       bool
	ItemName        string
	ItemDescription string
	ItemImageURL    string
}

type Verification struct {
	Success     bool
	BlockNumber uint64
	Timestamp   time.Time
}
