package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

type RecordRequest struct {
	DonorID       string
	Amount        int64
	Currency      string
	PaymentMethod string
	ExternalTxID  string
	PatientID     string
	IsAnonymous   bool
}

type Verification struct {
	DonationID   snowflake.ID `json:"donation_id"`
	LedgerTxHash string       `json:"ledger_tx_hash"`
	Success      bool         `json:"success"`
	BlockNumber  uint64       `json:"block_number,omitempty"`
	Timestamp    *time.Time   `json:"timestamp,omitempty"`
}

type Service interface {
	// Record stores a pending donation keyed by ExternalTxID. A repeated
	// ExternalTxID returns the stored donation with created=false.
	Record(ctx context.Context, req RecordRequest) (donation Donation, created bool, err error)
	Get(ctx context.Context, id snowflake.ID) (Donation, error)
	ListByDonor(ctx context.Context, donorID snowflake.ID, limit int) ([]Donation, error)
	// Sync writes the donation to the ledger and links it. Ledger failures
	// are recorded on the donation and also returned as *chain.Error.
	Sync(ctx context.Context, id snowflake.ID) (SyncResult, error)
	// ClaimSyncCandidates leases donations due for another attempt.
	ClaimSyncCandidates(ctx context.Context, limit int) ([]Donation, error)
	Verify(ctx context.Context, id snowflake.ID) (Verification, error)
}

var (
	ErrInvalidDonation = errors.New("invalid_donation")
	ErrInvalidID       = errors.New("invalid_id")
	ErrNotFound        = errors.New("not_found")
	ErrNotLinked       = errors.New("donation_not_linked")
)
