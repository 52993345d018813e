package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/careledger/internal/clock"
	"github.com/smallbiznis/careledger/internal/config"
	donordomain "github.com/smallbiznis/careledger/internal/donor/domain"
	donorrepo "github.com/smallbiznis/careledger/internal/donor/repository"
	donorservice "github.com/smallbiznis/careledger/internal/donor/service"
	"github.com/smallbiznis/careledger/internal/events"
	"github.com/smallbiznis/careledger/internal/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type recordingNotifier struct {
	mu    sync.Mutex
	calls []snowflake.ID
	fail  map[snowflake.ID]bool
}

func (n *recordingNotifier) Remind(_ context.Context, donor donordomain.Donor, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, donor.ID)
	if n.fail[donor.ID] {
		return errors.New("smtp unavailable")
	}
	return nil
}

type capturePusher struct {
	registries []*prometheus.Registry
	err        error
}

func (p *capturePusher) Push(_ context.Context, registry *prometheus.Registry) error {
	p.registries = append(p.registries, registry)
	return p.err
}

type fixture struct {
	svc      *Service
	db       *gorm.DB
	clock    *clock.FakeClock
	donors   donordomain.Service
	notifier *recordingNotifier
	pusher   *capturePusher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := storetest.Open(t)
	clk := clock.NewFakeClock(time.Date(2026, 2, 11, 9, 0, 0, 0, time.UTC))
	node := storetest.Node(t)
	log := zap.NewNop()
	policy := config.NewStaticSyncPolicyHolder(config.DefaultSyncPolicy())

	donors := donorservice.New(donorservice.Params{
		DB: db, Log: log, Clock: clk, Repo: donorrepo.Provide(), Outbox: events.NewOutbox(node, clk), Policy: policy,
	})
	notifier := &recordingNotifier{fail: map[snowflake.ID]bool{}}
	pusher := &capturePusher{}

	svc := New(Params{
		DB:       db,
		Log:      log,
		GenID:    node,
		Clock:    clk,
		Policy:   policy,
		DonorSvc: donors,
		Pusher:   pusher,
		Notifier: notifier,
	})
	return &fixture{svc: svc, db: db, clock: clk, donors: donors, notifier: notifier, pusher: pusher}
}

func (f *fixture) donated(t *testing.T, donorID snowflake.ID, ago time.Duration) {
	t.Helper()
	err := f.db.Transaction(func(tx *gorm.DB) error {
		_, err := f.donors.ApplyConfirmed(context.Background(), tx, donorID, 1000, f.clock.Now().Add(-ago))
		return err
	})
	require.NoError(t, err)
}

func TestSnapshotRetentionStoresAndPushes(t *testing.T) {
	f := newFixture(t)
	day := 24 * time.Hour
	f.donated(t, 1, 3*day)
	f.donated(t, 2, 40*day)
	f.donated(t, 3, 120*day)
	f.donated(t, 4, 12*day)

	report, err := f.svc.SnapshotRetention(context.Background())
	require.NoError(t, err)
	assert.Equal(t, donordomain.RetentionCounts{Total: 4, Active: 2, AtRisk: 1, Lapsed: 1}, report.RetentionCounts)
	assert.InDelta(t, 50.0, report.RetentionRate, 0.001)
	assert.True(t, report.Pushed)

	snapshot, err := f.svc.LatestSnapshot(context.Background(), SnapshotDonorRetention)
	require.NoError(t, err)
	require.NotNil(t, snapshot)
	var stored RetentionReport
	require.NoError(t, json.Unmarshal(snapshot.Payload, &stored))
	assert.Equal(t, int64(4), stored.Total)
	assert.Equal(t, int64(1), stored.Lapsed)

	require.Len(t, f.pusher.registries, 1)
	families, err := f.pusher.registries[0].Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, family := range families {
		names = append(names, family.GetName())
	}
	assert.ElementsMatch(t, []string{"careledger_donors", "careledger_donor_retention_rate"}, names)
}

func TestSnapshotRetentionSurvivesPushFailure(t *testing.T) {
	f := newFixture(t)
	f.pusher.err = errors.New("gateway down")
	f.donated(t, 1, time.Hour)

	report, err := f.svc.SnapshotRetention(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Pushed)

	var n int64
	require.NoError(t, f.db.Model(&Snapshot{}).Count(&n).Error)
	assert.Equal(t, int64(1), n)
}

func TestLatestSnapshotMissing(t *testing.T) {
	f := newFixture(t)
	snapshot, err := f.svc.LatestSnapshot(context.Background(), SnapshotDonorRetention)
	require.NoError(t, err)
	assert.Nil(t, snapshot)
}

func TestPeriodKeyUsesISOWeek(t *testing.T) {
	cases := []struct {
		at   time.Time
		want string
	}{
		{time.Date(2026, 2, 11, 9, 0, 0, 0, time.UTC), "2026-W07"},
		{time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC), "2026-W53"},
		{time.Date(2024, 12, 30, 0, 0, 0, 0, time.UTC), "2025-W01"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, PeriodKey(tc.at), tc.at.String())
	}
}

func TestScanEngagementRemindsOncePerWeek(t *testing.T) {
	f := newFixture(t)
	day := 24 * time.Hour
	f.donated(t, 11, 2*day)
	f.donated(t, 12, 45*day)
	f.donated(t, 13, 90*day)
	f.donated(t, 14, 31*day)

	summary, err := f.svc.ScanEngagement(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Scanned)
	assert.Equal(t, 3, summary.Reminded)
	assert.Equal(t, "2026-W07", summary.Period)
	assert.Equal(t, []snowflake.ID{12, 13, 14}, f.notifier.calls)

	f.clock.Advance(2 * day)
	again, err := f.svc.ScanEngagement(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 0, again.Reminded)
	assert.Equal(t, 3, again.Duplicate)
	assert.Len(t, f.notifier.calls, 3)

	f.clock.Advance(7 * day)
	next, err := f.svc.ScanEngagement(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, "2026-W08", next.Period)
	assert.Equal(t, 3, next.Reminded)
}

func TestScanEngagementCountsNotifierFailures(t *testing.T) {
	f := newFixture(t)
	f.donated(t, 21, 60*24*time.Hour)
	f.donated(t, 22, 60*24*time.Hour)
	f.notifier.fail[21] = true

	summary, err := f.svc.ScanEngagement(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Scanned)
	assert.Equal(t, 1, summary.Reminded)
	assert.Equal(t, 1, summary.Failed)
}

func TestLogNotifierNeverFails(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	n := NewLogNotifier(nil)
	assert.NoError(t, n.Remind(context.Background(), donordomain.Donor{ID: 5, LastDonationAt: &at}, "2026-W01"))
}
