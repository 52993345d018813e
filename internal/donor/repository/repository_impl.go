package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/careledger/internal/donor/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const donorColumns = `id, wallet_address, email, display_name, total_donated, donation_count,
		        tier, last_donation_at, tier_updated_at, created_at, updated_at`

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Donor, error) {
	var donor domain.Donor
	err := db.WithContext(ctx).Raw(
		`SELECT `+donorColumns+`
		 FROM donors WHERE id = ?`,
		id,
	).Scan(&donor).Error
	if err != nil {
		return nil, err
	}
	if donor.ID == 0 {
		return nil, nil
	}
	return &donor, nil
}

func (r *repo) UpsertProfile(ctx context.Context, db *gorm.DB, donor *domain.Donor) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO donors (id, wallet_address, email, display_name, total_donated, donation_count, tier, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 0, 0, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   wallet_address = COALESCE(excluded.wallet_address, donors.wallet_address),
		   email = COALESCE(excluded.email, donors.email),
		   display_name = COALESCE(excluded.display_name, donors.display_name),
		   updated_at = excluded.updated_at`,
		donor.ID,
		donor.WalletAddress,
		donor.Email,
		donor.DisplayName,
		donor.Tier,
		donor.CreatedAt,
		donor.UpdatedAt,
	).Error
}

func (r *repo) IncrementTotals(ctx context.Context, db *gorm.DB, id snowflake.ID, amount int64, donatedAt, now time.Time, initialTier domain.Tier) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO donors (id, total_donated, donation_count, tier, last_donation_at, created_at, updated_at)
		 VALUES (?, ?, 1, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   total_donated = donors.total_donated + excluded.total_donated,
		   donation_count = donors.donation_count + 1,
		   last_donation_at = CASE
		     WHEN donors.last_donation_at IS NULL OR donors.last_donation_at < excluded.last_donation_at
		     THEN excluded.last_donation_at
		     ELSE donors.last_donation_at
		   END,
		   updated_at = excluded.updated_at`,
		id,
		amount,
		initialTier,
		donatedAt,
		now,
		now,
	).Error
}

func (r *repo) UpdateTier(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to domain.Tier, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE donors SET tier = ?, tier_updated_at = ?, updated_at = ?
		 WHERE id = ? AND tier = ?`,
		to, now, now, id, from,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) ListAfter(ctx context.Context, db *gorm.DB, afterID snowflake.ID, limit int) ([]domain.Donor, error) {
	var donors []domain.Donor
	err := db.WithContext(ctx).Raw(
		`SELECT `+donorColumns+`
		 FROM donors
		 WHERE id > ?
		 ORDER BY id ASC
		 LIMIT ?`,
		afterID, limit,
	).Scan(&donors).Error
	return donors, err
}

func (r *repo) ListInactiveSince(ctx context.Context, db *gorm.DB, cutoff time.Time, afterID snowflake.ID, limit int) ([]domain.Donor, error) {
	var donors []domain.Donor
	err := db.WithContext(ctx).Raw(
		`SELECT `+donorColumns+`
		 FROM donors
		 WHERE last_donation_at IS NOT NULL
		   AND last_donation_at < ?
		   AND id > ?
		 ORDER BY id ASC
		 LIMIT ?`,
		cutoff, afterID, limit,
	).Scan(&donors).Error
	return donors, err
}

func (r *repo) CountRetention(ctx context.Context, db *gorm.DB, activeSince, atRiskSince time.Time) (domain.RetentionCounts, error) {
	var counts domain.RetentionCounts
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(*) AS total,
		        COALESCE(SUM(CASE WHEN last_donation_at >= ? THEN 1 ELSE 0 END), 0) AS active,
		        COALESCE(SUM(CASE WHEN last_donation_at < ? AND last_donation_at >= ? THEN 1 ELSE 0 END), 0) AS at_risk,
		        COALESCE(SUM(CASE WHEN last_donation_at < ? THEN 1 ELSE 0 END), 0) AS lapsed
		 FROM donors
		 WHERE last_donation_at IS NOT NULL`,
		activeSince, activeSince, atRiskSince, atRiskSince,
	).Scan(&counts).Error
	return counts, err
}
