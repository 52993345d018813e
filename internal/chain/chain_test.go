package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/smallbiznis/careledger/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func validChainConfig() config.ChainConfig {
	return config.ChainConfig{
		RPCURL:              "http://127.0.0.1:8545",
		PrivateKey:          "0x" + testKey,
		ChainID:             80002,
		DonationContract:    "0x5FbDB2315678afecb367f032d93F642f64180aa3",
		AuctionContract:     "0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512",
		AchievementContract: "0x9fE46736679d2D9a65F0992F2272dE9f3c7fa6e0",
	}
}

func TestNewConfigEnabled(t *testing.T) {
	cfg := NewConfig(validChainConfig())
	require.True(t, cfg.Enabled(), cfg.DisabledReason())
	assert.Equal(t, defaultCallTimeout, cfg.CallTimeout)
	assert.Equal(t, int64(defaultGasMultiplier), cfg.GasMultiplierPct)
	assert.NotEqual(t, common.Address{}, cfg.From())
	assert.Equal(t, big.NewInt(80002), cfg.ChainID)
}

func TestNewConfigDisabledReasons(t *testing.T) {
	raw := validChainConfig()
	raw.RPCURL = ""
	raw.PrivateKey = "zz"
	raw.AuctionContract = ""

	cfg := NewConfig(raw)
	require.False(t, cfg.Enabled())
	assert.Contains(t, cfg.DisabledReason(), "rpc url missing")
	assert.Contains(t, cfg.DisabledReason(), "private key invalid")
	assert.Contains(t, cfg.DisabledReason(), "auction contract address missing")
}

func TestDisabledLedgerFailsFastWithUnavailable(t *testing.T) {
	ledger := New(Params{Config: NewConfig(config.ChainConfig{}), Log: zap.NewNop()})
	require.False(t, ledger.Enabled())

	start := time.Now()
	_, err := ledger.SubmitDonation(context.Background(), DonationRecord{Amount: 100})
	require.ErrorIs(t, err, ErrLedgerUnavailable)
	assert.Less(t, time.Since(start), time.Second)

	_, err = ledger.CreateAuction(context.Background(), AuctionRecord{})
	require.ErrorIs(t, err, ErrLedgerUnavailable)
	_, err = ledger.FinalizeAuction(context.Background(), "1")
	require.ErrorIs(t, err, ErrLedgerUnavailable)
	_, err = ledger.MintAchievement(context.Background(), AchievementRecord{})
	require.ErrorIs(t, err, ErrLedgerUnavailable)
}

func TestErrorMatchesKindAndCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := fmt.Errorf("sync donation: %w", Unavailable(OpSubmitDonation, cause))

	assert.ErrorIs(t, err, ErrLedgerUnavailable)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrLedgerRejected)
	assert.Equal(t, KindLedgerUnavailable, KindOf(err))
	assert.True(t, Retryable(err))

	var chainErr *Error
	require.ErrorAs(t, err, &chainErr)
	assert.Equal(t, "ledger_unavailable", chainErr.ErrorKind())
}

type codedErr struct{ code int }

func (e codedErr) Error() string  { return "rpc error" }
func (e codedErr) ErrorCode() int { return e.code }

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"deadline", context.DeadlineExceeded, KindLedgerUnavailable},
		{"revert message", errors.New("execution reverted: Auction already finalized"), KindLedgerRejected},
		{"revert code", codedErr{code: rpcCodeExecutionReverted}, KindLedgerRejected},
		{"other rpc code", codedErr{code: -32000}, KindLedgerUnavailable},
		{"network", errors.New("dial tcp 127.0.0.1:8545: connect: connection refused"), KindLedgerUnavailable},
		{"already classified", InvalidInput(OpGetAuction, errors.New("bad id")), KindInvalidInput},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, KindOf(classify("op", tc.err)))
		})
	}
}

type blockingLedger struct{ disabledLedger }

func (blockingLedger) FinalizeAuction(ctx context.Context, _ string) (string, error) {
	select {}
}

func TestInstrumentTimesOutAsUnavailable(t *testing.T) {
	ledger := Instrument(blockingLedger{}, 20*time.Millisecond, zap.NewNop(), nil)

	start := time.Now()
	_, err := ledger.FinalizeAuction(context.Background(), "7")
	require.ErrorIs(t, err, ErrLedgerUnavailable)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestDecodeAuction(t *testing.T) {
	seller := common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	out := []interface{}{
		big.NewInt(11), seller, big.NewInt(2000), big.NewInt(2500), common.Address{},
		big.NewInt(1_700_000_000), big.NewInt(1_700_259_200), false, true,
		"Quilt", "Hand-made quilt", "https://img",
	}
	snapshot, err := decodeAuction(out)
	require.NoError(t, err)
	assert.Equal(t, "11", snapshot.TokenID)
	assert.Equal(t, seller.Hex(), snapshot.Seller)
	assert.Empty(t, snapshot.CurrentBidder)
	assert.True(t, snapshot.Finalized)
	assert.Equal(t, int64(2500), snapshot.CurrentBid.Int64())

	_, err = decodeAuction(out[:3])
	require.Error(t, err)
}

func TestParseABIs(t *testing.T) {
	abis, err := parseABIs()
	require.NoError(t, err)
	assert.Contains(t, abis.auction.Methods, "getAuction")
	assert.Contains(t, abis.auction.Events, "AuctionCreated")
	assert.Contains(t, abis.achievement.Events, "AchievementMinted")
	assert.Contains(t, abis.donation.Methods, "recordFiatDonation")
}

func TestIsAddress(t *testing.T) {
	assert.True(t, IsAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3"))
	assert.False(t, IsAddress("user-123"))
	assert.False(t, IsAddress("0x0000000000000000000000000000000000000000"))
}

type pendingReceipts struct {
	pending int
	calls   int
	err     error
}

func (p *pendingReceipts) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	if p.calls <= p.pending {
		return nil, ethereum.NotFound
	}
	return &types.Receipt{TxHash: hash, Status: types.ReceiptStatusSuccessful}, nil
}

func TestWaitMinedPollsUntilReceipt(t *testing.T) {
	reader := &pendingReceipts{pending: 2}
	hash := common.HexToHash("0x01")

	receipt, err := waitMined(context.Background(), reader, hash, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, hash, receipt.TxHash)
	assert.Equal(t, 3, reader.calls)
}

func TestWaitMinedStopsOnContextAndErrors(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := waitMined(ctx, &pendingReceipts{pending: 1 << 30}, common.Hash{}, 5*time.Millisecond)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	rpcErr := errors.New("connection refused")
	_, err = waitMined(context.Background(), &pendingReceipts{err: rpcErr}, common.Hash{}, time.Millisecond)
	require.ErrorIs(t, err, rpcErr)
}
