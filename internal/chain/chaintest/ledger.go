// Package chaintest provides an in-memory ledger for tests.
package chaintest

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/smallbiznis/careledger/internal/chain"
)

const ServiceAddress = "0x00000000000000000000000000000000000000A1"

// Ledger records every call and mints deterministic hashes. Fail* hooks
// inject errors per call; Block, when set, holds write calls until closed
// or the context ends.
type Ledger struct {
	mu sync.Mutex

	FailDonation func(chain.DonationRecord) error
	FailCreate   func(chain.AuctionRecord) error
	FailFinalize func(ledgerAuctionID string) error
	FailMint     func(chain.AchievementRecord) error
	Block        chan struct{}

	seq           int
	nextAuctionID int64
	nextTokenID   int64
	calls         map[string]int
	donations     []chain.DonationRecord
	created       []chain.AuctionRecord
	auctions      map[string]*chain.AuctionSnapshot
	minted        []chain.AchievementRecord
	txs           map[string]bool
}

var _ chain.Ledger = (*Ledger)(nil)

func New() *Ledger {
	return &Ledger{
		calls:    map[string]int{},
		auctions: map[string]*chain.AuctionSnapshot{},
		txs:      map[string]bool{},
	}
}

func (l *Ledger) ServiceAddress() string { return ServiceAddress }

func (l *Ledger) Enabled() bool { return true }

func (l *Ledger) SubmitDonation(ctx context.Context, in chain.DonationRecord) (string, error) {
	if err := l.wait(ctx); err != nil {
		return "", err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls[chain.OpSubmitDonation]++
	if l.FailDonation != nil {
		if err := l.FailDonation(in); err != nil {
			return "", err
		}
	}
	l.donations = append(l.donations, in)
	return l.newTxLocked(), nil
}

func (l *Ledger) CreateAuction(ctx context.Context, in chain.AuctionRecord) (chain.AuctionReceipt, error) {
	if err := l.wait(ctx); err != nil {
		return chain.AuctionReceipt{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls[chain.OpCreateAuction]++
	if l.FailCreate != nil {
		if err := l.FailCreate(in); err != nil {
			return chain.AuctionReceipt{}, err
		}
	}
	id := strconv.FormatInt(l.nextAuctionID, 10)
	l.nextAuctionID++
	l.created = append(l.created, in)
	l.auctions[id] = &chain.AuctionSnapshot{
		TokenID:         strconv.FormatInt(l.nextAuctionID+1000, 10),
		Seller:          in.Seller,
		StartingBid:     big.NewInt(in.StartingBid),
		CurrentBid:      big.NewInt(0),
		Active:          true,
		ItemName:        in.ItemName,
		ItemDescription: in.ItemDescription,
		ItemImageURL:    in.ItemImageURL,
	}
	return chain.AuctionReceipt{LedgerAuctionID: id, TxHash: l.newTxLocked()}, nil
}

func (l *Ledger) FinalizeAuction(ctx context.Context, ledgerAuctionID string) (string, error) {
	if err := l.wait(ctx); err != nil {
		return "", err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls[chain.OpFinalizeAuction]++
	if l.FailFinalize != nil {
		if err := l.FailFinalize(ledgerAuctionID); err != nil {
			return "", err
		}
	}
	snapshot, ok := l.auctions[ledgerAuctionID]
	if !ok {
		return "", chain.Rejected(chain.OpFinalizeAuction, fmt.Errorf("execution reverted: auction %s does not exist", ledgerAuctionID))
	}
	if snapshot.Finalized {
		return "", chain.Rejected(chain.OpFinalizeAuction, fmt.Errorf("execution reverted: auction already finalized"))
	}
	snapshot.Active = false
	snapshot.Finalized = true
	return l.newTxLocked(), nil
}

func (l *Ledger) MintAchievement(ctx context.Context, in chain.AchievementRecord) (chain.MintReceipt, error) {
	if err := l.wait(ctx); err != nil {
		return chain.MintReceipt{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls[chain.OpMintAchievement]++
	if l.FailMint != nil {
		if err := l.FailMint(in); err != nil {
			return chain.MintReceipt{}, err
		}
	}
	l.nextTokenID++
	l.minted = append(l.minted, in)
	return chain.MintReceipt{TokenID: strconv.FormatInt(l.nextTokenID, 10), TxHash: l.newTxLocked()}, nil
}

func (l *Ledger) GetAuction(_ context.Context, ledgerAuctionID string) (chain.AuctionSnapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls[chain.OpGetAuction]++
	snapshot, ok := l.auctions[ledgerAuctionID]
	if !ok {
		return chain.AuctionSnapshot{}, chain.Rejected(chain.OpGetAuction, fmt.Errorf("execution reverted: unknown auction"))
	}
	return *snapshot, nil
}

func (l *Ledger) VerifyTransaction(_ context.Context, txHash string) (chain.Verification, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls[chain.OpVerifyTransaction]++
	if !l.txs[txHash] {
		return chain.Verification{Success: false}, nil
	}
	return chain.Verification{Success: true, BlockNumber: 1, Timestamp: time.Unix(1_700_000_000, 0).UTC()}, nil
}

// SetBid records a bid on the ledger copy of an auction.
func (l *Ledger) SetBid(ledgerAuctionID, bidder string, amount int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if snapshot, ok := l.auctions[ledgerAuctionID]; ok {
		snapshot.CurrentBidder = bidder
		snapshot.CurrentBid = big.NewInt(amount)
	}
}

// MarkFinalized flips the ledger copy to finalized without a call, simulating
// a finalization whose receipt was never observed.
func (l *Ledger) MarkFinalized(ledgerAuctionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if snapshot, ok := l.auctions[ledgerAuctionID]; ok {
		snapshot.Active = false
		snapshot.Finalized = true
	}
}

func (l *Ledger) Calls(op string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[op]
}

func (l *Ledger) Donations() []chain.DonationRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]chain.DonationRecord(nil), l.donations...)
}

func (l *Ledger) CreatedAuctions() []chain.AuctionRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]chain.AuctionRecord(nil), l.created...)
}

func (l *Ledger) Minted() []chain.AchievementRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]chain.AchievementRecord(nil), l.minted...)
}

func (l *Ledger) wait(ctx context.Context) error {
	if l.Block == nil {
		return nil
	}
	select {
	case <-l.Block:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Ledger) newTxLocked() string {
	l.seq++
	hash := fmt.Sprintf("0x%064x", l.seq)
	l.txs[hash] = true
	return hash
}

// Unavailable returns a hook result that simulates an unreachable node.
func Unavailable(op string) error {
	return chain.Unavailable(op, fmt.Errorf("dial tcp: connection refused"))
}

// Rejected returns a hook result that simulates a reverted transaction.
func Rejected(op string) error {
	return chain.Rejected(op, fmt.Errorf("execution reverted: caller is not authorized"))
}
