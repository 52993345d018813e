package service

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/careledger/internal/clock"
	"github.com/smallbiznis/careledger/internal/events"
	"github.com/smallbiznis/careledger/internal/patient/domain"
	"github.com/smallbiznis/careledger/internal/patient/repository"
	"github.com/smallbiznis/careledger/internal/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (domain.Service, *gorm.DB) {
	t.Helper()
	db := storetest.Open(t)
	clk := clock.NewFakeClock(time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC))
	node := storetest.Node(t)
	return New(Params{
		DB:     db,
		Log:    zap.NewNop(),
		GenID:  node,
		Clock:  clk,
		Repo:   repository.Provide(),
		Outbox: events.NewOutbox(node, clk),
	}), db
}

func TestCreatePublishesAndProjects(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	patient, err := svc.Create(ctx, domain.CreatePatientRequest{
		Age:         12,
		Diagnosis:   "Osteosarcoma of the left femur",
		FundingGoal: 80000,
	})
	require.NoError(t, err)

	var evt events.Event
	require.NoError(t, db.Where("entity_id = ?", patient.ID).First(&evt).Error)
	assert.Equal(t, events.PatientCreated, evt.EventType)

	_, err = svc.GetPublic(ctx, patient.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, svc.Project(ctx, evt.EntityID))
	public, err := svc.GetPublic(ctx, patient.ID)
	require.NoError(t, err)
	assert.Equal(t, "Osteosarcoma", public.GeneralDiagnosis)
	assert.Equal(t, domain.DefaultPriority, public.Priority)
	assert.Zero(t, public.FundingProgress)
}

func TestApplyFundingReprojects(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	patient, err := svc.Create(ctx, domain.CreatePatientRequest{Age: 4, Diagnosis: "Anemia", FundingGoal: 10000})
	require.NoError(t, err)

	for _, amount := range []int64{2500, 2500} {
		require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
			return svc.ApplyFunding(ctx, tx, patient.ID, amount)
		}))
	}

	public, err := svc.GetPublic(ctx, patient.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), public.CurrentFunding)
	assert.InDelta(t, 50.0, public.FundingProgress, 0.0001)

	err = db.Transaction(func(tx *gorm.DB) error {
		return svc.ApplyFunding(ctx, tx, 999, 100)
	})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestUpdateKeepsFunding(t *testing.T) {
	svc, db := newTestService(t)
	ctx := context.Background()

	patient, err := svc.Create(ctx, domain.CreatePatientRequest{Age: 9, Diagnosis: "Asthma", FundingGoal: 1000})
	require.NoError(t, err)
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		return svc.ApplyFunding(ctx, tx, patient.ID, 400)
	}))

	goal := int64(2000)
	updated, err := svc.Update(ctx, domain.UpdatePatientRequest{ID: patient.ID.String(), FundingGoal: &goal})
	require.NoError(t, err)
	assert.Equal(t, int64(400), updated.CurrentFunding)
	assert.Equal(t, int64(2000), updated.FundingGoal)

	require.NoError(t, svc.Project(ctx, patient.ID))
	public, err := svc.GetPublic(ctx, patient.ID)
	require.NoError(t, err)
	assert.InDelta(t, 20.0, public.FundingProgress, 0.0001)

	_, err = svc.Update(ctx, domain.UpdatePatientRequest{ID: "abc"})
	assert.ErrorIs(t, err, domain.ErrInvalidID)
}

func TestCreateValidates(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Create(context.Background(), domain.CreatePatientRequest{Age: 3})
	assert.ErrorIs(t, err, domain.ErrInvalidDiagnosis)
	_, err = svc.Create(context.Background(), domain.CreatePatientRequest{Age: -1, Diagnosis: "x"})
	assert.ErrorIs(t, err, domain.ErrInvalidAge)
}
