package linkage

import (
	"context"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/smallbiznis/careledger/internal/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func newGuard() *Guard {
	return New(Params{Log: zap.NewNop()})
}

func insertAuction(t *testing.T, db *gorm.DB, id int64) {
	t.Helper()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	err := db.Exec(`INSERT INTO auctions (id, seller_id, start_time, end_time, status, created_at, updated_at)
		VALUES (?, 1, ?, ?, 'active', ?, ?)`, id, now, now.Add(72*time.Hour), now, now).Error
	require.NoError(t, err)
}

func TestLinkWritesOnce(t *testing.T) {
	db := storetest.Open(t)
	guard := newGuard()
	ctx := context.Background()
	insertAuction(t, db, 10)

	linked, err := guard.AlreadyLinked(ctx, db, AuctionLedgerID, 10)
	require.NoError(t, err)
	assert.False(t, linked)

	outcome, err := guard.Link(ctx, db, AuctionLedgerID, 10, "4", map[string]interface{}{"ledger_tx_hash": "0xaaa"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeLinked, outcome)

	outcome, err = guard.Link(ctx, db, AuctionLedgerID, 10, "5", map[string]interface{}{"ledger_tx_hash": "0xbbb"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeLost, outcome)

	value, err := guard.Current(ctx, db, AuctionLedgerID, 10)
	require.NoError(t, err)
	assert.Equal(t, "4", value)

	var txHash string
	require.NoError(t, db.Raw("SELECT ledger_tx_hash FROM auctions WHERE id = 10").Scan(&txHash).Error)
	assert.Equal(t, "0xaaa", txHash)
}

func TestLinkHonorsConditions(t *testing.T) {
	db := storetest.Open(t)
	guard := newGuard()
	insertAuction(t, db, 11)

	outcome, err := guard.Link(context.Background(), db, AuctionFinalization, 11, "0xfin", nil, When("status = ?", "finalizing"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeLost, outcome)
}

func TestConcurrentLinkPersistsSingleValue(t *testing.T) {
	db := storetest.Open(t)
	guard := newGuard()
	insertAuction(t, db, 12)

	values := []string{"1", "2", "3", "4", "5", "6"}
	outcomes := make([]Outcome, len(values))
	var wg sync.WaitGroup
	for i, v := range values {
		wg.Add(1)
		go func(i int, v string) {
			defer wg.Done()
			outcome, err := guard.Link(context.Background(), db, AuctionLedgerID, 12, v, nil)
			assert.NoError(t, err)
			outcomes[i] = outcome
		}(i, v)
	}
	wg.Wait()

	wins := 0
	for _, o := range outcomes {
		if o == OutcomeLinked {
			wins++
		}
	}
	assert.Equal(t, 1, wins)

	value, err := guard.Current(context.Background(), db, AuctionLedgerID, 12)
	require.NoError(t, err)
	assert.Contains(t, values, value)
}

func TestCurrentMissingEntity(t *testing.T) {
	db := storetest.Open(t)
	_, err := newGuard().Current(context.Background(), db, DonationTx, 999)
	require.ErrorIs(t, err, ErrEntityNotFound)
}

func TestLinkIssuesSingleConditionalUpdate(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{SkipDefaultTransaction: true})
	require.NoError(t, err)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "donations" SET "confirmed_at"=$1,"ledger_tx_hash"=$2,"status"=$3 WHERE id = $4 AND ledger_tx_hash IS NULL`)).
		WithArgs(sqlmock.AnyArg(), "0xabc", "confirmed", int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	outcome, err := newGuard().Link(context.Background(), db, DonationTx, 7, "0xabc", map[string]interface{}{
		"status":       "confirmed",
		"confirmed_at": time.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeLost, outcome)
	require.NoError(t, mock.ExpectationsWereMet())
}
