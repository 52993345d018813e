package chain

import (
	"context"
	"errors"
)

// disabledLedger is used when configuration is incomplete. Every call fails
// fast with ErrLedgerUnavailable.
type disabledLedger struct {
	reason string
}

// NewDisabled returns a Ledger that fails every call with ErrLedgerUnavailable.
func NewDisabled(reason string) Ledger {
	if reason == "" {
		reason = "ledger disabled"
	}
	return disabledLedger{reason: reason}
}

func (d disabledLedger) err(op string) error {
	return Unavailable(op, errors.New(d.reason))
}

func (d disabledLedger) SubmitDonation(context.Context, DonationRecord) (string, error) {
	return "", d.err(OpSubmitDonation)
}

func (d disabledLedger) CreateAuction(context.Context, AuctionRecord) (AuctionReceipt, error) {
	return AuctionReceipt{}, d.err(OpCreateAuction)
}

func (d disabledLedger) FinalizeAuction(context.Context, string) (string, error) {
	return "", d.err(OpFinalizeAuction)
}

func (d disabledLedger) MintAchievement(context.Context, AchievementRecord) (MintReceipt, error) {
	return MintReceipt{}, d.err(OpMintAchievement)
}

func (d disabledLedger) GetAuction(context.Context, string) (AuctionSnapshot, error) {
	return AuctionSnapshot{}, d.err(OpGetAuction)
}

func (d disabledLedger) VerifyTransaction(context.Context, string) (Verification, error) {
	return Verification{}, d.err(OpVerifyTransaction)
}

func (d disabledLedger) ServiceAddress() string { return "" }

func (d disabledLedger) Enabled() bool { return false }
