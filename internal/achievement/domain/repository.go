package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	InsertIfAbsent(ctx context.Context, db *gorm.DB, achievement *Achievement) (bool, error)
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Achievement, error)
	FindByKey(ctx context.Context, db *gorm.DB, donorID snowflake.ID, kind Kind, tier string) (*Achievement, error)
	ListByDonor(ctx context.Context, db *gorm.DB, donorID snowflake.ID) ([]Achievement, error)
	// ListMintable returns unminted achievements whose donor has a wallet.
	ListMintable(ctx context.Context, db *gorm.DB, maxAttempts, limit int) ([]Achievement, error)
	RecordMintFailure(ctx context.Context, db *gorm.DB, id snowflake.ID, message string) error
}
