package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/careledger/internal/patient/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, patient *domain.Patient) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO patients (id, age, diagnosis, funding_goal, current_funding, priority, impact_story, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		patient.ID,
		patient.Age,
		patient.Diagnosis,
		patient.FundingGoal,
		patient.CurrentFunding,
		patient.Priority,
		patient.ImpactStory,
		patient.CreatedAt,
		patient.UpdatedAt,
	).Error
}

// Update writes profile fields only; current_funding changes through IncrementFunding.
func (r *repo) Update(ctx context.Context, db *gorm.DB, patient *domain.Patient) error {
	return db.WithContext(ctx).Exec(
		`UPDATE patients
		 SET diagnosis = ?, funding_goal = ?, priority = ?, impact_story = ?, updated_at = ?
		 WHERE id = ?`,
		patient.Diagnosis,
		patient.FundingGoal,
		patient.Priority,
		patient.ImpactStory,
		patient.UpdatedAt,
		patient.ID,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Patient, error) {
	var patient domain.Patient
	err := db.WithContext(ctx).Raw(
		`SELECT id, age, diagnosis, funding_goal, current_funding, priority, impact_story, created_at, updated_at
		 FROM patients WHERE id = ?`,
		id,
	).Scan(&patient).Error
	if err != nil {
		return nil, err
	}
	if patient.ID == 0 {
		return nil, nil
	}
	return &patient, nil
}

func (r *repo) IncrementFunding(ctx context.Context, db *gorm.DB, id snowflake.ID, amount int64, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE patients
		 SET current_funding = current_funding + ?, updated_at = ?
		 WHERE id = ?`,
		amount, now, id,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) UpsertPublic(ctx context.Context, db *gorm.DB, public *domain.PublicPatient) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO public_patients (patient_id, anonymous_id, age, general_diagnosis, funding_goal,
		                              current_funding, funding_progress, priority, impact_story, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (patient_id) DO UPDATE SET
		   anonymous_id = excluded.anonymous_id,
		   age = excluded.age,
		   general_diagnosis = excluded.general_diagnosis,
		   funding_goal = excluded.funding_goal,
		   current_funding = excluded.current_funding,
		   funding_progress = excluded.funding_progress,
		   priority = excluded.priority,
		   impact_story = excluded.impact_story,
		   updated_at = excluded.updated_at`,
		public.PatientID,
		public.AnonymousID,
		public.Age,
		public.GeneralDiagnosis,
		public.FundingGoal,
		public.CurrentFunding,
		public.FundingProgress,
		public.Priority,
		public.ImpactStory,
		public.UpdatedAt,
	).Error
}

func (r *repo) FindPublic(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.PublicPatient, error) {
	var public domain.PublicPatient
	err := db.WithContext(ctx).Raw(
		`SELECT patient_id, anonymous_id, age, general_diagnosis, funding_goal, current_funding,
		        funding_progress, priority, impact_story, updated_at
		 FROM public_patients WHERE patient_id = ?`,
		id,
	).Scan(&public).Error
	if err != nil {
		return nil, err
	}
	if public.PatientID == 0 {
		return nil, nil
	}
	return &public, nil
}
