package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, patient *Patient) error
	Update(ctx context.Context, db *gorm.DB, patient *Patient) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Patient, error)
	IncrementFunding(ctx context.Context, db *gorm.DB, id snowflake.ID, amount int64, now time.Time) (bool, error)
	UpsertPublic(ctx context.Context, db *gorm.DB, public *PublicPatient) error
	FindPublic(ctx context.Context, db *gorm.DB, id snowflake.ID) (*PublicPatient, error)
}
