package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Failure is what a failed attempt records on the donation.
type Failure struct {
	Message    string
	Kind       string
	NextSyncAt *time.Time
}

type Repository interface {
	// InsertIfAbsent inserts unless external_tx_id already exists.
	InsertIfAbsent(ctx context.Context, db *gorm.DB, donation *Donation) (bool, error)
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Donation, error)
	FindByExternalTxID(ctx context.Context, db *gorm.DB, externalTxID string) (*Donation, error)
	ListByDonor(ctx context.Context, db *gorm.DB, donorID snowflake.ID, limit int) ([]Donation, error)
	// RecordFailure only touches unlinked donations.
	RecordFailure(ctx context.Context, db *gorm.DB, id snowflake.ID, failure Failure, now time.Time) (bool, error)
	// ClaimSyncCandidates selects due rows with SKIP LOCKED and pushes their
	// next_sync_at to leaseUntil.
	ClaimSyncCandidates(ctx context.Context, db *gorm.DB, now, staleBefore, leaseUntil time.Time, limit int) ([]Donation, error)
}
