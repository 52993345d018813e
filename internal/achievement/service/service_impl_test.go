package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/careledger/internal/achievement/domain"
	"github.com/smallbiznis/careledger/internal/achievement/repository"
	"github.com/smallbiznis/careledger/internal/chain"
	"github.com/smallbiznis/careledger/internal/chain/chaintest"
	"github.com/smallbiznis/careledger/internal/clock"
	"github.com/smallbiznis/careledger/internal/config"
	donordomain "github.com/smallbiznis/careledger/internal/donor/domain"
	donorrepo "github.com/smallbiznis/careledger/internal/donor/repository"
	donorservice "github.com/smallbiznis/careledger/internal/donor/service"
	"github.com/smallbiznis/careledger/internal/events"
	"github.com/smallbiznis/careledger/internal/linkage"
	"github.com/smallbiznis/careledger/internal/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const wallet = "0x52908400098527886E0F7030069857D2E4169EE7"

type fixture struct {
	svc    domain.Service
	db     *gorm.DB
	ledger *chaintest.Ledger
	donors donordomain.Service
	outbox *events.Outbox
	policy *config.SyncPolicyHolder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := storetest.Open(t)
	clk := clock.NewFakeClock(time.Date(2026, 8, 3, 15, 0, 0, 0, time.UTC))
	node := storetest.Node(t)
	log := zap.NewNop()
	policy := config.NewStaticSyncPolicyHolder(config.DefaultSyncPolicy())
	outbox := events.NewOutbox(node, clk)
	ledger := chaintest.New()
	donors := donorservice.New(donorservice.Params{
		DB: db, Log: log, Clock: clk, Repo: donorrepo.Provide(), Outbox: outbox, Policy: policy,
	})

	svc := New(Params{
		DB:       db,
		Log:      log,
		GenID:    node,
		Clock:    clk,
		Config:   config.Config{AchievementMetadataURI: "https://meta.example/achievements"},
		Repo:     repository.Provide(),
		Ledger:   ledger,
		Guard:    linkage.New(linkage.Params{Log: log}),
		Policy:   policy,
		DonorSvc: donors,
	})
	return &fixture{svc: svc, db: db, ledger: ledger, donors: donors, outbox: outbox, policy: policy}
}

func (f *fixture) setWallet(t *testing.T, donorID string) {
	t.Helper()
	_, err := f.donors.UpsertProfile(context.Background(), donordomain.UpsertProfileRequest{ID: donorID, WalletAddress: wallet})
	require.NoError(t, err)
}

func TestIssueMintsOnceForDonorWithWallet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.setWallet(t, "501")

	achievement, created, err := f.svc.Issue(ctx, domain.IssueRequest{DonorID: 501, Kind: domain.KindFirstDonation, Value: 1000})
	require.NoError(t, err)
	assert.True(t, created)
	assert.True(t, achievement.Minted())
	assert.Equal(t, "https://meta.example/achievements/first-donation/501", achievement.TokenURI)

	again, created, err := f.svc.Issue(ctx, domain.IssueRequest{DonorID: 501, Kind: domain.KindFirstDonation, Value: 9999})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, achievement.ID, again.ID)

	minted := f.ledger.Minted()
	require.Len(t, minted, 1)
	assert.Equal(t, wallet, minted[0].Recipient)
	assert.Equal(t, "first_donation", minted[0].Kind)
}

func TestIssueWithoutWalletDefersMint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	achievement, created, err := f.svc.Issue(ctx, domain.IssueRequest{DonorID: 502, Kind: domain.KindTierUpgrade, Tier: "Gold", Value: 20000})
	require.NoError(t, err)
	assert.True(t, created)
	assert.False(t, achievement.Minted())
	assert.Zero(t, f.ledger.Calls(chain.OpMintAchievement))

	summary, err := f.svc.ReconcileUnminted(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, summary.Scanned)

	f.setWallet(t, "502")
	summary, err = f.svc.ReconcileUnminted(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, domain.ReconcileSummary{Scanned: 1, Minted: 1}, summary)

	list, err := f.svc.ListByDonor(ctx, 502)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].Minted())
	require.NotNil(t, list[0].TxHash)
}

func TestMintFailureIsRecordedAndRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.setWallet(t, "503")
	f.ledger.FailMint = func(chain.AchievementRecord) error { return chaintest.Unavailable(chain.OpMintAchievement) }

	achievement, _, err := f.svc.Issue(ctx, domain.IssueRequest{DonorID: 503, Kind: domain.KindFirstDonation})
	require.NoError(t, err)
	assert.False(t, achievement.Minted())
	assert.Equal(t, 1, achievement.MintAttempts)
	require.NotNil(t, achievement.LedgerError)

	f.ledger.FailMint = nil
	summary, err := f.svc.ReconcileUnminted(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Minted)

	outcome, err := f.svc.Mint(ctx, achievement.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MintAlreadyDone, outcome)
}

func publish(t *testing.T, f *fixture, entry events.Entry) events.Event {
	t.Helper()
	require.NoError(t, f.db.Transaction(func(tx *gorm.DB) error {
		return f.outbox.Publish(context.Background(), tx, entry)
	}))
	var evt events.Event
	require.NoError(t, f.db.Where("event_type = ?", entry.Type).Order("id DESC").First(&evt).Error)
	return evt
}

func TestHandleTierChangedIssuesOnlyUpgrades(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	handler := HandleTierChanged(f.svc, f.policy)

	up := publish(t, f, events.Entry{
		EntityType: "donor",
		EntityID:   504,
		Type:       events.DonorTierChanged,
		Before:     donordomain.Donor{ID: 504, Tier: donordomain.TierSilver, TotalDonated: 19000},
		After:      donordomain.Donor{ID: 504, Tier: donordomain.TierGold, TotalDonated: 21000},
	})
	require.NoError(t, handler(ctx, up))

	down := publish(t, f, events.Entry{
		EntityType: "donor",
		EntityID:   505,
		Type:       events.DonorTierChanged,
		Before:     donordomain.Donor{ID: 505, Tier: donordomain.TierGold},
		After:      donordomain.Donor{ID: 505, Tier: donordomain.TierSilver},
	})
	require.NoError(t, handler(ctx, down))

	list, err := f.svc.ListByDonor(ctx, 504)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, domain.KindTierUpgrade, list[0].Kind)
	assert.Equal(t, "Gold", list[0].Tier)
	assert.Equal(t, int64(21000), list[0].Value)

	list, err = f.svc.ListByDonor(ctx, snowflake.ID(505))
	require.NoError(t, err)
	assert.Empty(t, list)
}
