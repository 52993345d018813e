package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
)

const DefaultPriority = 5

type Patient struct {
	ID             snowflake.ID `gorm:"primaryKey" json:"id"`
	Age            int          `json:"age"`
	Diagnosis      string       `json:"diagnosis"`
	FundingGoal    int64        `json:"funding_goal"`
	CurrentFunding int64        `json:"current_funding"`
	Priority       *int         `json:"priority,omitempty"`
	ImpactStory    string       `json:"impact_story"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

func (Patient) TableName() string { return "patients" }

// PublicPatient is the anonymized projection shown to donors.
type PublicPatient struct {
	PatientID        snowflake.ID `gorm:"primaryKey" json:"patient_id"`
	AnonymousID      string       `json:"anonymous_id"`
	Age              int          `json:"age"`
	GeneralDiagnosis string       `json:"general_diagnosis"`
	FundingGoal      int64        `json:"funding_goal"`
	CurrentFunding   int64        `json:"current_funding"`
	FundingProgress  float64      `json:"funding_progress"`
	Priority         int          `json:"priority"`
	ImpactStory      string       `json:"impact_story"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

func (PublicPatient) TableName() string { return "public_patients" }

// Project derives the public view. Every write path that touches the
// patient's funding or profile goes through here.
func Project(p Patient, now time.Time) PublicPatient {
	priority := DefaultPriority
	if p.Priority != nil {
		priority = *p.Priority
	}
	return PublicPatient{
		PatientID:        p.ID,
		AnonymousID:      AnonymousID(p.ID.String()),
		Age:              p.Age,
		GeneralDiagnosis: GeneralDiagnosis(p.Diagnosis),
		FundingGoal:      p.FundingGoal,
		CurrentFunding:   p.CurrentFunding,
		FundingProgress:  FundingProgress(p.CurrentFunding, p.FundingGoal),
		Priority:         priority,
		ImpactStory:      p.ImpactStory,
		UpdatedAt:        now,
	}
}

func AnonymousID(id string) string {
	if len(id) > 8 {
		id = id[:8]
	}
	return "Patient #" + strings.ToUpper(id)
}

// GeneralDiagnosis keeps only the first word of the diagnosis.
func GeneralDiagnosis(diagnosis string) string {
	fields := strings.Fields(diagnosis)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// FundingProgress is current/goal in percent, 0 for a non-positive goal and
// capped at 100.
func FundingProgress(current, goal int64) float64 {
	if goal <= 0 {
		return 0
	}
	progress := float64(current) / float64(goal) * 100
	if progress > 100 {
		return 100
	}
	if progress < 0 {
		return 0
	}
	return progress
}
