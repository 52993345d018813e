package events

import (
	"context"
	"errors"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/smallbiznis/careledger/internal/clock"
	"github.com/smallbiznis/careledger/internal/config"
	"github.com/smallbiznis/careledger/internal/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type donationSnapshot struct {
	ID     string `json:"id"`
	Amount int64  `json:"amount"`
}

type fixture struct {
	db         *gorm.DB
	clock      *clock.FakeClock
	outbox     *Outbox
	dispatcher *Dispatcher
	worker     *Worker
}

func newFixture(t *testing.T, cfg WorkerConfig) fixture {
	t.Helper()
	db := storetest.Open(t)
	clk := clock.NewFakeClock(time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC))
	dispatcher := NewDispatcher()
	return fixture{
		db:         db,
		clock:      clk,
		outbox:     NewOutbox(storetest.Node(t), clk),
		dispatcher: dispatcher,
		worker:     NewWorker(db, zap.NewNop(), clk, dispatcher, nil, cfg),
	}
}

func (f fixture) publish(t *testing.T, entry Entry) {
	t.Helper()
	require.NoError(t, f.db.Transaction(func(tx *gorm.DB) error {
		return f.outbox.Publish(context.Background(), tx, entry)
	}))
}

func TestDispatchPendingDeliversAndMarksProcessed(t *testing.T) {
	f := newFixture(t, WorkerConfig{})

	var got []donationSnapshot
	f.dispatcher.Subscribe(DonationCreated, "collect", func(_ context.Context, evt Event) error {
		var snap donationSnapshot
		if err := evt.DecodeAfter(&snap); err != nil {
			return err
		}
		assert.False(t, evt.HasBefore())
		got = append(got, snap)
		return nil
	})

	f.publish(t, Entry{EntityType: "donation", EntityID: 42, Type: DonationCreated, After: donationSnapshot{ID: "42", Amount: 1500}})

	summary, err := f.worker.DispatchPending(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, Summary{Claimed: 1, Processed: 1}, summary)
	require.Len(t, got, 1)
	assert.Equal(t, int64(1500), got[0].Amount)

	var pending int64
	require.NoError(t, f.db.Model(&Event{}).Where("processed_at IS NULL").Count(&pending).Error)
	assert.Zero(t, pending)

	summary, err = f.worker.DispatchPending(context.Background(), 10)
	require.NoError(t, err)
	assert.Zero(t, summary.Claimed)
	assert.Len(t, got, 1)
}

func TestDispatchPendingBacksOffAndGoesDead(t *testing.T) {
	f := newFixture(t, WorkerConfig{
		MaxAttempts: 2,
		Retry:       config.RetryPolicy{BaseBackoff: time.Minute, MaxBackoff: time.Hour},
	})

	calls := 0
	f.dispatcher.Subscribe(AuctionUpdated, "always_fails", func(context.Context, Event) error {
		calls++
		return errors.New("boom")
	})
	f.publish(t, Entry{EntityType: "auction", EntityID: 7, Type: AuctionUpdated, After: map[string]string{"status": "finalized"}})

	summary, err := f.worker.DispatchPending(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, Summary{Claimed: 1, Failed: 1}, summary)

	var evt Event
	require.NoError(t, f.db.First(&evt).Error)
	assert.Equal(t, 1, evt.Attempts)
	require.NotNil(t, evt.LastError)
	assert.Contains(t, *evt.LastError, "always_fails: boom")

	// Still backing off.
	summary, err = f.worker.DispatchPending(context.Background(), 10)
	require.NoError(t, err)
	assert.Zero(t, summary.Claimed)

	f.clock.Advance(2 * time.Minute)
	summary, err = f.worker.DispatchPending(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, Summary{Claimed: 1, Failed: 1, Dead: 1}, summary)

	f.clock.Advance(24 * time.Hour)
	summary, err = f.worker.DispatchPending(context.Background(), 10)
	require.NoError(t, err)
	assert.Zero(t, summary.Claimed)
	assert.Equal(t, 2, calls)
}

func TestClaimLeasesRows(t *testing.T) {
	f := newFixture(t, WorkerConfig{Lease: time.Minute})
	f.publish(t, Entry{EntityType: "patient", EntityID: 1, Type: PatientCreated, After: map[string]int{"age": 9}})

	first, err := f.worker.claim(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := f.worker.claim(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, second)

	f.clock.Advance(61 * time.Second)
	third, err := f.worker.claim(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, third, 1)
}

func TestDispatchRunsEveryHandler(t *testing.T) {
	d := NewDispatcher()
	var order []string
	d.Subscribe(DonorTierChanged, "a", func(context.Context, Event) error {
		order = append(order, "a")
		return errors.New("a failed")
	})
	d.Subscribe(DonorTierChanged, "b", func(context.Context, Event) error {
		order = append(order, "b")
		return nil
	})

	err := d.Dispatch(context.Background(), Event{EventType: DonorTierChanged})
	require.Error(t, err)
	assert.Equal(t, []string{"a", "b"}, order)
	assert.Equal(t, []string{"a", "b"}, d.Subscribers(DonorTierChanged))
	assert.NoError(t, d.Dispatch(context.Background(), Event{EventType: PatientUpdated}))
}

func TestDecodeEmptyPayload(t *testing.T) {
	var dst map[string]any
	assert.ErrorIs(t, Event{}.DecodeAfter(&dst), ErrEmptyPayload)
	assert.ErrorIs(t, Event{Before: []byte("null")}.DecodeBefore(&dst), ErrEmptyPayload)
}

func TestTruncateKeepsRuneBoundary(t *testing.T) {
	msg := "ledger rejected: déjà reverted"
	for max := 0; max <= len(msg)+1; max++ {
		got := truncate(msg, max)
		assert.True(t, utf8.ValidString(got), "max=%d", max)
		assert.LessOrEqual(t, len(got), max)
	}
	assert.Equal(t, "ledger rejected: d", truncate(msg, 19))
	assert.Equal(t, msg, truncate(msg, len(msg)))
}
