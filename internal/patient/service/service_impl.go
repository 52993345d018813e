package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/careledger/internal/clock"
	"github.com/smallbiznis/careledger/internal/events"
	"github.com/smallbiznis/careledger/internal/patient/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Clock  clock.Clock
	Repo   domain.Repository
	Outbox *events.Outbox
}

type Service struct {
	db     *gorm.DB
	log    *zap.Logger
	genID  *snowflake.Node
	clock  clock.Clock
	repo   domain.Repository
	outbox *events.Outbox
}

func New(p Params) domain.Service {
	return &Service{
		db:     p.DB,
		log:    p.Log.Named("patient.service"),
		genID:  p.GenID,
		clock:  p.Clock,
		repo:   p.Repo,
		outbox: p.Outbox,
	}
}

func (s *Service) Create(ctx context.Context, req domain.CreatePatientRequest) (domain.Patient, error) {
	if req.Age < 0 {
		return domain.Patient{}, domain.ErrInvalidAge
	}
	diagnosis := strings.TrimSpace(req.Diagnosis)
	if diagnosis == "" {
		return domain.Patient{}, domain.ErrInvalidDiagnosis
	}
	if req.FundingGoal < 0 {
		return domain.Patient{}, domain.ErrInvalidGoal
	}

	now := s.clock.Now()
	patient := domain.Patient{
		ID:          s.genID.Generate(),
		Age:         req.Age,
		Diagnosis:   diagnosis,
		FundingGoal: req.FundingGoal,
		Priority:    req.Priority,
		ImpactStory: strings.TrimSpace(req.ImpactStory),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.Insert(ctx, tx, &patient); err != nil {
			return err
		}
		return s.outbox.Publish(ctx, tx, events.Entry{
			EntityType: "patient",
			EntityID:   patient.ID,
			Type:       events.PatientCreated,
			After:      patient,
		})
	})
	if err != nil {
		return domain.Patient{}, err
	}
	return patient, nil
}

func (s *Service) Update(ctx context.Context, req domain.UpdatePatientRequest) (domain.Patient, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(req.ID))
	if err != nil || id == 0 {
		return domain.Patient{}, domain.ErrInvalidID
	}

	var updated domain.Patient
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.repo.FindByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if current == nil {
			return domain.ErrNotFound
		}

		next := *current
		if req.Diagnosis != nil {
			diagnosis := strings.TrimSpace(*req.Diagnosis)
			if diagnosis == "" {
				return domain.ErrInvalidDiagnosis
			}
			next.Diagnosis = diagnosis
		}
		if req.FundingGoal != nil {
			if *req.FundingGoal < 0 {
				return domain.ErrInvalidGoal
			}
			next.FundingGoal = *req.FundingGoal
		}
		if req.Priority != nil {
			next.Priority = req.Priority
		}
		if req.ImpactStory != nil {
			next.ImpactStory = strings.TrimSpace(*req.ImpactStory)
		}
		next.UpdatedAt = s.clock.Now()

		if err := s.repo.Update(ctx, tx, &next); err != nil {
			return err
		}
		updated = next
		return s.outbox.Publish(ctx, tx, events.Entry{
			EntityType: "patient",
			EntityID:   id,
			Type:       events.PatientUpdated,
			Before:     current,
			After:      next,
		})
	})
	if err != nil {
		return domain.Patient{}, err
	}
	return updated, nil
}

func (s *Service) GetPublic(ctx context.Context, id snowflake.ID) (domain.PublicPatient, error) {
	if id == 0 {
		return domain.PublicPatient{}, domain.ErrInvalidID
	}
	public, err := s.repo.FindPublic(ctx, s.db, id)
	if err != nil {
		return domain.PublicPatient{}, err
	}
	if public == nil {
		return domain.PublicPatient{}, domain.ErrNotFound
	}
	return *public, nil
}

func (s *Service) Project(ctx context.Context, id snowflake.ID) error {
	return s.project(ctx, s.db, id)
}

func (s *Service) ApplyFunding(ctx context.Context, tx *gorm.DB, id snowflake.ID, amount int64) error {
	if id == 0 {
		return domain.ErrInvalidID
	}
	if amount <= 0 {
		return domain.ErrInvalidAmount
	}
	ok, err := s.repo.IncrementFunding(ctx, tx, id, amount, s.clock.Now())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("patient %s: %w", id, domain.ErrNotFound)
	}
	return s.project(ctx, tx, id)
}

func (s *Service) project(ctx context.Context, db *gorm.DB, id snowflake.ID) error {
	patient, err := s.repo.FindByID(ctx, db, id)
	if err != nil {
		return err
	}
	if patient == nil {
		return fmt.Errorf("patient %s: %w", id, domain.ErrNotFound)
	}
	public := domain.Project(*patient, s.clock.Now())
	return s.repo.UpsertPublic(ctx, db, &public)
}
