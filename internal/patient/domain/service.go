package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type CreatePatientRequest struct {
	Age         int
	Diagnosis   string
	FundingGoal int64
	Priority    *int
	ImpactStory string
}

type UpdatePatientRequest struct {
	ID          string
	Diagnosis   *string
	FundingGoal *int64
	Priority    *int
	ImpactStory *string
}

type Service interface {
	Create(ctx context.Context, req CreatePatientRequest) (Patient, error)
	Update(ctx context.Context, req UpdatePatientRequest) (Patient, error)
	GetPublic(ctx context.Context, id snowflake.ID) (PublicPatient, error)
	// Project rebuilds the public view from the stored patient.
	Project(ctx context.Context, id snowflake.ID) error
	// ApplyFunding adds a confirmed donation to the patient inside tx and
	// re-projects in the same transaction.
	ApplyFunding(ctx context.Context, tx *gorm.DB, id snowflake.ID, amount int64) error
}

var (
	ErrInvalidID        = errors.New("invalid_id")
	ErrInvalidAge       = errors.New("invalid_age")
	ErrInvalidGoal      = errors.New("invalid_funding_goal")
	ErrInvalidDiagnosis = errors.New("invalid_diagnosis")
	ErrInvalidAmount    = errors.New("invalid_amount")
	ErrNotFound         = errors.New("not_found")
)
