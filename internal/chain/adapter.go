package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

var errReceiptFailed = errors.New("transaction reverted")

// ethLedger talks to the three contracts through a JSON-RPC node and signs
// with the configured service key.
type ethLedger struct {
	cfg    Config
	client *ethclient.Client
	abis   contractABIs

	donation    *bind.BoundContract
	auction     *bind.BoundContract
	achievement *bind.BoundContract

	chainMu sync.Mutex
	chainID *big.Int
}

func newEthLedger(cfg Config, client *ethclient.Client) (*ethLedger, error) {
	abis, err := parseABIs()
	if err != nil {
		return nil, fmt.Errorf("parse contract abi: %w", err)
	}
	return &ethLedger{
		cfg:         cfg,
		client:      client,
		abis:        abis,
		donation:    bind.NewBoundContract(cfg.DonationContract, abis.donation, client, client, client),
		auction:     bind.NewBoundContract(cfg.AuctionContract, abis.auction, client, client, client),
		achievement: bind.NewBoundContract(cfg.AchievementContract, abis.achievement, client, client, client),
		chainID:     cfg.ChainID,
	}, nil
}

func (l *ethLedger) ServiceAddress() string { return l.cfg.From().Hex() }

func (l *ethLedger) Enabled() bool { return true }

func (l *ethLedger) SubmitDonation(ctx context.Context, in DonationRecord) (string, error) {
	receipt, err := l.transact(ctx, OpSubmitDonation, l.donation, l.cfg.DonationContract, l.abis.donation,
		"recordFiatDonation",
		common.HexToAddress(in.DonorAddress),
		big.NewInt(in.Amount),
		in.Currency,
		in.ExternalTxID,
		in.PatientRef,
		in.Anonymous,
	)
	if err != nil {
		return "", err
	}
	return receipt.TxHash.Hex(), nil
}

func (l *ethLedger) CreateAuction(ctx context.Context, in AuctionRecord) (AuctionReceipt, error) {
	receipt, err := l.transact(ctx, OpCreateAuction, l.auction, l.cfg.AuctionContract, l.abis.auction,
		"createAuction",
		common.HexToAddress(in.Seller),
		big.NewInt(in.StartingBid),
		big.NewInt(in.DurationSeconds),
		in.ItemName,
		in.ItemDescription,
		in.ItemImageURL,
		in.TokenURI,
	)
	if err != nil {
		return AuctionReceipt{}, err
	}
	auctionID, err := eventUint(receipt, l.auction, l.abis.auction, "AuctionCreated", "auctionId")
	if err != nil {
		return AuctionReceipt{}, Rejected(OpCreateAuction, err)
	}
	return AuctionReceipt{LedgerAuctionID: auctionID.String(), TxHash: receipt.TxHash.Hex()}, nil
}

func (l *ethLedger) FinalizeAuction(ctx context.Context, ledgerAuctionID string) (string, error) {
	id, err := parseUint(ledgerAuctionID)
	if err != nil {
		return "", InvalidInput(OpFinalizeAuction, err)
	}
	receipt, err := l.transact(ctx, OpFinalizeAuction, l.auction, l.cfg.AuctionContract, l.abis.auction, "finalizeAuction", id)
	if err != nil {
		return "", err
	}
	return receipt.TxHash.Hex(), nil
}

func (l *ethLedger) MintAchievement(ctx context.Context, in AchievementRecord) (MintReceipt, error) {
	receipt, err := l.transact(ctx, OpMintAchievement, l.achievement, l.cfg.AchievementContract, l.abis.achievement,
		"mintAchievement",
		common.HexToAddress(in.Recipient),
		in.Kind,
		in.Tier,
		big.NewInt(in.Value),
		in.TokenURI,
	)
	if err != nil {
		return MintReceipt{}, err
	}
	tokenID, err := eventUint(receipt, l.achievement, l.abis.achievement, "AchievementMinted", "tokenId")
	if err != nil {
		return MintReceipt{}, Rejected(OpMintAchievement, err)
	}
	return MintReceipt{TokenID: tokenID.String(), TxHash: receipt.TxHash.Hex()}, nil
}

func (l *ethLedger) GetAuction(ctx context.Context, ledgerAuctionID string) (AuctionSnapshot, error) {
	id, err := parseUint(ledgerAuctionID)
	if err != nil {
		return AuctionSnapshot{}, InvalidInput(OpGetAuction, err)
	}
	var out []interface{}
	if err := l.auction.Call(&bind.CallOpts{Context: ctx}, &out, "getAuction", id); err != nil {
		return AuctionSnapshot{}, classify(OpGetAuction, err)
	}
	snapshot, err := decodeAuction(out)
	if err != nil {
		return AuctionSnapshot{}, Unavailable(OpGetAuction, err)
	}
	return snapshot, nil
}

func (l *ethLedger) VerifyTransaction(ctx context.Context, txHash string) (Verification, error) {
	txHash = strings.TrimSpace(txHash)
	if len(strings.TrimPrefix(txHash, "0x")) != 2*common.HashLength {
		return Verification{}, InvalidInput(OpVerifyTransaction, fmt.Errorf("malformed tx hash %q", txHash))
	}
	receipt, err := l.client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if errors.Is(err, ethereum.NotFound) {
		return Verification{Success: false}, nil
	}
	if err != nil {
		return Verification{}, classify(OpVerifyTransaction, err)
	}
	header, err := l.client.HeaderByNumber(ctx, receipt.BlockNumber)
	if err != nil {
		return Verification{}, classify(OpVerifyTransaction, err)
	}
	return Verification{
		Success:     receipt.Status == types.ReceiptStatusSuccessful,
		BlockNumber: receipt.BlockNumber.Uint64(),
		Timestamp:   time.Unix(int64(header.Time), 0).UTC(),
	}, nil
}

// transact estimates gas, submits the call and waits for it to be mined.
func (l *ethLedger) transact(ctx context.Context, op string, contract *bind.BoundContract, to common.Address, parsed abi.ABI, method string, params ...interface{}) (*types.Receipt, error) {
	chainID, err := l.resolveChainID(ctx)
	if err != nil {
		return nil, classify(op, err)
	}
	opts, err := bind.NewKeyedTransactorWithChainID(l.cfg.privateKey, chainID)
	if err != nil {
		return nil, Unavailable(op, err)
	}
	opts.Context = ctx

	input, err := parsed.Pack(method, params...)
	if err != nil {
		return nil, InvalidInput(op, err)
	}
	gas, err := l.client.EstimateGas(ctx, ethereum.CallMsg{From: opts.From, To: &to, Data: input})
	if err != nil {
		return nil, classify(op, err)
	}
	gasPrice, err := l.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, classify(op, err)
	}
	opts.GasLimit = gas * uint64(l.cfg.GasMultiplierPct) / 100
	opts.GasPrice = gasPrice

	tx, err := contract.Transact(opts, method, params...)
	if err != nil {
		return nil, classify(op, err)
	}
	receipt, err := waitMined(ctx, l.client, tx.Hash(), l.cfg.PollInterval)
	if err != nil {
		return nil, classify(op, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, Rejected(op, fmt.Errorf("%w: %s", errReceiptFailed, receipt.TxHash.Hex()))
	}
	return receipt, nil
}

type receiptReader interface {
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// waitMined polls for the receipt of hash every interval until it is mined or
// ctx ends. A missing receipt means the transaction is still pending.
func waitMined(ctx context.Context, reader receiptReader, hash common.Hash, interval time.Duration) (*types.Receipt, error) {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		receipt, err := reader.TransactionReceipt(ctx, hash)
		switch {
		case err == nil:
			return receipt, nil
		case !errors.Is(err, ethereum.NotFound):
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (l *ethLedger) resolveChainID(ctx context.Context) (*big.Int, error) {
	l.chainMu.Lock()
	defer l.chainMu.Unlock()
	if l.chainID != nil {
		return l.chainID, nil
	}
	id, err := l.client.ChainID(ctx)
	if err != nil {
		return nil, err
	}
	l.chainID = id
	return id, nil
}

func eventUint(receipt *types.Receipt, contract *bind.BoundContract, parsed abi.ABI, event, field string) (*big.Int, error) {
	ev, ok := parsed.Events[event]
	if !ok {
		return nil, fmt.Errorf("event %s not declared", event)
	}
	for _, entry := range receipt.Logs {
		if entry == nil || len(entry.Topics) == 0 || entry.Topics[0] != ev.ID {
			continue
		}
		values := map[string]interface{}{}
		if err := contract.UnpackLogIntoMap(values, event, *entry); err != nil {
			return nil, err
		}
		if v, ok := values[field].(*big.Int); ok {
			return v, nil
		}
	}
	return nil, fmt.Errorf("event %s not found in receipt %s", event, receipt.TxHash.Hex())
}

func decodeAuction(out []interface{}) (AuctionSnapshot, error) {
	if len(out) != 12 {
		return AuctionSnapshot{}, fmt.Errorf("getAuction returned %d values", len(out))
	}
	tokenID, ok0 := out[0].(*big.Int)
	seller, ok1 := out[1].(common.Address)
	startingBid, ok2 := out[2].(*big.Int)
	currentBid, ok3 := out[3].(*big.Int)
	bidder, ok4 := out[4].(common.Address)
	start, ok5 := out[5].(*big.Int)
	end, ok6 := out[6].(*big.Int)
	active, ok7 := out[7].(bool)
	finalized, ok8 := out[8].(bool)
	name, ok9 := out[9].(string)
	desc, ok10 := out[10].(string)
	image, ok11 := out[11].(string)
	if !(ok0 && ok1 && ok2 && ok3 && ok4 && ok5 && ok6 && ok7 && ok8 && ok9 && ok10 && ok11) {
		return AuctionSnapshot{}, errors.New("getAuction returned unexpected types")
	}

	snapshot := AuctionSnapshot{
		TokenID:         tokenID.String(),
		Seller:          seller.Hex(),
		StartingBid:     startingBid,
		CurrentBid:      currentBid,
		StartTime:       time.Unix(start.Int64(), 0).UTC(),
		EndTime:         time.Unix(end.Int64(), 0).UTC(),
		Active:          active,
		Finalized:       finalized,
		ItemName:        name,
		ItemDescription: desc,
		ItemImageURL:    image,
	}
	if bidder != (common.Address{}) {
		snapshot.CurrentBidder = bidder.Hex()
	}
	return snapshot, nil
}

func parseUint(raw string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("invalid ledger id %q", raw)
	}
	return v, nil
}
