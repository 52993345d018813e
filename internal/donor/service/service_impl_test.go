package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/careledger/internal/clock"
	"github.com/smallbiznis/careledger/internal/config"
	"github.com/smallbiznis/careledger/internal/donor/domain"
	"github.com/smallbiznis/careledger/internal/donor/repository"
	"github.com/smallbiznis/careledger/internal/events"
	"github.com/smallbiznis/careledger/internal/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (domain.Service, *gorm.DB, *clock.FakeClock) {
	t.Helper()
	db := storetest.Open(t)
	clk := clock.NewFakeClock(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))
	svc := New(Params{
		DB:     db,
		Log:    zap.NewNop(),
		Clock:  clk,
		Repo:   repository.Provide(),
		Outbox: events.NewOutbox(storetest.Node(t), clk),
		Policy: config.NewStaticSyncPolicyHolder(config.DefaultSyncPolicy()),
	})
	return svc, db, clk
}

func apply(t *testing.T, svc domain.Service, db *gorm.DB, donorID snowflake.ID, amount int64, at time.Time) domain.Change {
	t.Helper()
	var change domain.Change
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		var err error
		change, err = svc.ApplyConfirmed(context.Background(), tx, donorID, amount, at)
		return err
	}))
	return change
}

func countEvents(t *testing.T, db *gorm.DB, eventType events.Type) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(&events.Event{}).Where("event_type = ?", eventType).Count(&n).Error)
	return n
}

func TestApplyConfirmedCreatesAggregate(t *testing.T) {
	svc, db, clk := newTestService(t)

	change := apply(t, svc, db, 1001, 1200, clk.Now())
	assert.True(t, change.FirstDonation)
	assert.False(t, change.TierChanged)
	assert.Equal(t, int64(1200), change.After.TotalDonated)
	assert.Equal(t, int64(1), change.After.DonationCount)
	assert.Equal(t, domain.TierBronze, change.After.Tier)

	change = apply(t, svc, db, 1001, 300, clk.Now())
	assert.False(t, change.FirstDonation)
	assert.Equal(t, int64(1500), change.After.TotalDonated)
	assert.Equal(t, int64(2), change.After.DonationCount)
}

func TestApplyConfirmedMovesTierAndPublishes(t *testing.T) {
	svc, db, clk := newTestService(t)

	apply(t, svc, db, 2002, 4000, clk.Now())
	change := apply(t, svc, db, 2002, 1000, clk.Now())

	assert.True(t, change.TierChanged)
	assert.Equal(t, domain.TierBronze, change.Before.Tier)
	assert.Equal(t, domain.TierSilver, change.After.Tier)

	stored, err := svc.Get(context.Background(), 2002)
	require.NoError(t, err)
	assert.Equal(t, domain.TierSilver, stored.Tier)
	assert.Equal(t, int64(5000), stored.TotalDonated)
	require.NotNil(t, stored.TierUpdatedAt)
	assert.Equal(t, int64(1), countEvents(t, db, events.DonorTierChanged))
}

func TestApplyConfirmedRollsBackWithTransaction(t *testing.T) {
	svc, db, clk := newTestService(t)

	err := db.Transaction(func(tx *gorm.DB) error {
		if _, err := svc.ApplyConfirmed(context.Background(), tx, 3003, 60000, clk.Now()); err != nil {
			return err
		}
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	_, err = svc.Get(context.Background(), 3003)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Zero(t, countEvents(t, db, events.DonorTierChanged))
}

func TestApplyConfirmedConcurrentIncrements(t *testing.T) {
	svc, db, clk := newTestService(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := db.Transaction(func(tx *gorm.DB) error {
				_, err := svc.ApplyConfirmed(context.Background(), tx, 4004, 700, clk.Now())
				return err
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	stored, err := svc.Get(context.Background(), 4004)
	require.NoError(t, err)
	assert.Equal(t, int64(7000), stored.TotalDonated)
	assert.Equal(t, int64(10), stored.DonationCount)
	assert.Equal(t, domain.TierSilver, stored.Tier)
}

func TestApplyConfirmedRejectsInvalidInput(t *testing.T) {
	svc, db, clk := newTestService(t)

	_, err := svc.ApplyConfirmed(context.Background(), db, 0, 10, clk.Now())
	assert.ErrorIs(t, err, domain.ErrInvalidID)
	_, err = svc.ApplyConfirmed(context.Background(), db, 5, 0, clk.Now())
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
}

func TestRecomputeTiersCorrectsDrift(t *testing.T) {
	svc, db, clk := newTestService(t)
	now := clk.Now()

	seed := []domain.Donor{
		{ID: 11, TotalDonated: 25000, DonationCount: 3, Tier: domain.TierBronze},
		{ID: 12, TotalDonated: 100, DonationCount: 1, Tier: domain.TierBronze},
		{ID: 13, TotalDonated: 1000, DonationCount: 1, Tier: domain.TierPlatinum},
	}
	for i := range seed {
		seed[i].CreatedAt = now
		seed[i].UpdatedAt = now
		require.NoError(t, db.Create(&seed[i]).Error)
	}

	summary, err := svc.RecomputeTiers(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, domain.RecomputeSummary{Scanned: 3, Changed: 2}, summary)

	gold, err := svc.Get(context.Background(), 11)
	require.NoError(t, err)
	assert.Equal(t, domain.TierGold, gold.Tier)

	demoted, err := svc.Get(context.Background(), 13)
	require.NoError(t, err)
	assert.Equal(t, domain.TierBronze, demoted.Tier)
	assert.Equal(t, int64(2), countEvents(t, db, events.DonorTierChanged))
}

func TestRetentionBuckets(t *testing.T) {
	svc, db, clk := newTestService(t)
	now := clk.Now()
	day := 24 * time.Hour

	apply(t, svc, db, 21, 100, now.Add(-2*day))
	apply(t, svc, db, 22, 100, now.Add(-45*day))
	apply(t, svc, db, 23, 100, now.Add(-90*day))
	apply(t, svc, db, 24, 100, now.Add(-10*day))

	counts, err := svc.Retention(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, domain.RetentionCounts{Total: 4, Active: 2, AtRisk: 1, Lapsed: 1}, counts)

	lapsed, err := svc.ListInactiveSince(context.Background(), now.Add(-30*day), 0, 10)
	require.NoError(t, err)
	require.Len(t, lapsed, 2)
	assert.Equal(t, snowflake.ID(22), lapsed[0].ID)
	assert.Equal(t, snowflake.ID(23), lapsed[1].ID)
}

func TestUpsertProfileValidatesWallet(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.UpsertProfile(context.Background(), domain.UpsertProfileRequest{ID: "77", WalletAddress: "not-an-address"})
	assert.ErrorIs(t, err, domain.ErrInvalidAddress)

	donor, err := svc.UpsertProfile(context.Background(), domain.UpsertProfileRequest{
		ID:            "77",
		WalletAddress: "0x1111111111111111111111111111111111111111",
		DisplayName:   "Ana",
	})
	require.NoError(t, err)
	assert.Equal(t, "0x1111111111111111111111111111111111111111", donor.Wallet())
	assert.Equal(t, domain.TierBronze, donor.Tier)

	donor, err = svc.UpsertProfile(context.Background(), domain.UpsertProfileRequest{ID: "77", Email: "ana@example.org"})
	require.NoError(t, err)
	assert.Equal(t, "0x1111111111111111111111111111111111111111", donor.Wallet(), "empty fields keep stored values")
	require.NotNil(t, donor.Email)
}
