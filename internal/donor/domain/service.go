package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type UpsertProfileRequest struct {
	ID            string
	WalletAddress string
	Email         string
	DisplayName   string
}

type RecomputeSummary struct {
	Scanned int `json:"scanned"`
	Changed int `json:"changed"`
	Failed  int `json:"failed"`
}

type Service interface {
	Get(ctx context.Context, id snowflake.ID) (Donor, error)
	UpsertProfile(ctx context.Context, req UpsertProfileRequest) (Donor, error)
	// ApplyConfirmed runs inside the transaction that confirms the donation so
	// each confirmation increments the aggregate exactly once.
	ApplyConfirmed(ctx context.Context, tx *gorm.DB, donorID snowflake.ID, amount int64, donatedAt time.Time) (Change, error)
	RecomputeTiers(ctx context.Context, batchSize int) (RecomputeSummary, error)
	ListInactiveSince(ctx context.Context, cutoff time.Time, afterID snowflake.ID, limit int) ([]Donor, error)
	Retention(ctx context.Context, now time.Time) (RetentionCounts, error)
}

var (
	ErrInvalidID      = errors.New("invalid_id")
	ErrInvalidAmount  = errors.New("invalid_amount")
	ErrInvalidAddress = errors.New("invalid_wallet_address")
	ErrNotFound       = errors.New("not_found")
)
