package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/careledger/internal/achievement/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const achievementColumns = `a.id, a.donor_id, a.kind, a.tier, a.value, a.token_uri, a.token_id,
		        a.tx_hash, a.ledger_error, a.mint_attempts, a.created_at`

func (r *repo) InsertIfAbsent(ctx context.Context, db *gorm.DB, achievement *domain.Achievement) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO achievements (id, donor_id, kind, tier, value, token_uri, mint_attempts, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?)
		 ON CONFLICT (donor_id, kind, tier) DO NOTHING`,
		achievement.ID,
		achievement.DonorID,
		achievement.Kind,
		achievement.Tier,
		achievement.Value,
		achievement.TokenURI,
		achievement.CreatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Achievement, error) {
	return r.findOne(ctx, db, `a.id = ?`, id)
}

func (r *repo) FindByKey(ctx context.Context, db *gorm.DB, donorID snowflake.ID, kind domain.Kind, tier string) (*domain.Achievement, error) {
	return r.findOne(ctx, db, `a.donor_id = ? AND a.kind = ? AND a.tier = ?`, donorID, kind, tier)
}

func (r *repo) findOne(ctx context.Context, db *gorm.DB, where string, args ...any) (*domain.Achievement, error) {
	var achievement domain.Achievement
	err := db.WithContext(ctx).Raw(
		`SELECT `+achievementColumns+`
		 FROM achievements a WHERE `+where,
		args...,
	).Scan(&achievement).Error
	if err != nil {
		return nil, err
	}
	if achievement.ID == 0 {
		return nil, nil
	}
	return &achievement, nil
}

func (r *repo) ListByDonor(ctx context.Context, db *gorm.DB, donorID snowflake.ID) ([]domain.Achievement, error) {
	var achievements []domain.Achievement
	err := db.WithContext(ctx).Raw(
		`SELECT `+achievementColumns+`
		 FROM achievements a
		 WHERE a.donor_id = ?
		 ORDER BY a.created_at ASC, a.id ASC`,
		donorID,
	).Scan(&achievements).Error
	return achievements, err
}

func (r *repo) ListMintable(ctx context.Context, db *gorm.DB, maxAttempts, limit int) ([]domain.Achievement, error) {
	var achievements []domain.Achievement
	err := db.WithContext(ctx).Raw(
		`SELECT `+achievementColumns+`
		 FROM achievements a
		 JOIN donors d ON d.id = a.donor_id
		 WHERE a.token_id IS NULL
		   AND a.mint_attempts < ?
		   AND d.wallet_address IS NOT NULL
		   AND d.wallet_address <> ''
		 ORDER BY a.created_at ASC, a.id ASC
		 LIMIT ?`,
		maxAttempts, limit,
	).Scan(&achievements).Error
	return achievements, err
}

func (r *repo) RecordMintFailure(ctx context.Context, db *gorm.DB, id snowflake.ID, message string) error {
	return db.WithContext(ctx).Exec(
		`UPDATE achievements
		 SET ledger_error = ?, mint_attempts = mint_attempts + 1
		 WHERE id = ? AND token_id IS NULL`,
		message, id,
	).Error
}
