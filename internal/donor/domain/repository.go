package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Donor, error)
	UpsertProfile(ctx context.Context, db *gorm.DB, donor *Donor) error
	// IncrementTotals adds one confirmed donation to the aggregate with a
	// single statement, creating the row if the donor has none yet.
	IncrementTotals(ctx context.Context, db *gorm.DB, id snowflake.ID, amount int64, donatedAt, now time.Time, initialTier Tier) error
	// UpdateTier moves the tier only if it still equals from.
	UpdateTier(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to Tier, now time.Time) (bool, error)
	ListAfter(ctx context.Context, db *gorm.DB, afterID snowflake.ID, limit int) ([]Donor, error)
	ListInactiveSince(ctx context.Context, db *gorm.DB, cutoff time.Time, afterID snowflake.ID, limit int) ([]Donor, error)
	CountRetention(ctx context.Context, db *gorm.DB, activeSince, atRiskSince time.Time) (RetentionCounts, error)
}
