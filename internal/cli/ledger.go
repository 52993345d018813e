package cli

import (
	"context"
	"fmt"
	"io"
	"math/big"
	"strings"
	"time"

	"github.com/smallbiznis/careledger/internal/chain"
	"github.com/smallbiznis/careledger/internal/config"
	"github.com/smallbiznis/careledger/internal/observability"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

func NewLedgerCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Read-only queries against the configured ledger",
	}
	cmd.AddCommand(newLedgerVerifyCommand(rootOpts))
	cmd.AddCommand(newLedgerAuctionCommand(rootOpts))
	return cmd
}

// ledgerApp wires only configuration, logging and the chain adapter.
func ledgerApp(ledger *chain.Ledger) *fx.App {
	return fx.New(
		fx.NopLogger,
		config.Module,
		observability.Module,
		chain.Module,
		fx.Populate(ledger),
	)
}

func withLedger(cmd *cobra.Command, fn func(ctx context.Context, ledger chain.Ledger) error) error {
	var ledger chain.Ledger
	return oneShot(cmd.Context(), ledgerApp(&ledger), func(ctx context.Context) error {
		if !ledger.Enabled() {
			return NewExitError(ExitCommandError, "ledger adapter is disabled; check CHAIN_* settings")
		}
		return fn(ctx, ledger)
	})
}

type txVerification struct {
	TxHash      string     `json:"tx_hash"`
	Success     bool       `json:"success"`
	BlockNumber uint64     `json:"block_number"`
	Timestamp   *time.Time `json:"timestamp,omitempty"`
}

func newLedgerVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <tx-hash>",
		Short: "Show whether a ledger transaction succeeded",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := printer{format: rootOpts.Format, out: cmd.OutOrStdout()}
			return withLedger(cmd, func(ctx context.Context, ledger chain.Ledger) error {
				return verifyTx(ctx, ledger, args[0], p)
			})
		},
	}
}

func verifyTx(ctx context.Context, ledger chain.Ledger, hash string, p printer) error {
	hash = strings.TrimSpace(hash)
	v, err := ledger.VerifyTransaction(ctx, hash)
	if err != nil {
		return WrapExitError(ExitFailure, "verify failed", err)
	}

	out := txVerification{TxHash: hash, Success: v.Success, BlockNumber: v.BlockNumber}
	if !v.Timestamp.IsZero() {
		ts := v.Timestamp.UTC()
		out.Timestamp = &ts
	}
	return p.print(out, nil, func(w io.Writer) {
		fmt.Fprintf(w, "tx:      %s\n", out.TxHash)
		fmt.Fprintf(w, "success: %t\n", out.Success)
		fmt.Fprintf(w, "block:   %d\n", out.BlockNumber)
		if out.Timestamp != nil {
			fmt.Fprintf(w, "mined:   %s\n", out.Timestamp.Format(time.RFC3339))
		}
	})
}

type auctionView struct {
	LedgerAuctionID string    `json:"ledger_auction_id"`
	TokenID         string    `json:"token_id"`
	Seller          string    `json:"seller"`
	StartingBid     string    `json:"starting_bid"`
	CurrentBid      string    `json:"current_bid"`
	CurrentBidder   string    `json:"current_bidder,omitempty"`
	StartTime       time.Time `json:"start_time"`
	EndTime         time.Time `json:"end_time"`
	Active          bool      `json:"active"`
	Finalized       bool      `json:"finalized"`
	ItemName        string    `json:"item_name"`
}

func newLedgerAuctionCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "auction <ledger-auction-id>",
		Short: "Show the on-ledger state of an auction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := printer{format: rootOpts.Format, out: cmd.OutOrStdout()}
			return withLedger(cmd, func(ctx context.Context, ledger chain.Ledger) error {
				return showAuction(ctx, ledger, args[0], p)
			})
		},
	}
}

func showAuction(ctx context.Context, ledger chain.Ledger, id string, p printer) error {
	id = strings.TrimSpace(id)
	snap, err := ledger.GetAuction(ctx, id)
	if err != nil {
		return WrapExitError(ExitFailure, "auction lookup failed", err)
	}

	view := auctionView{
		LedgerAuctionID: id,
		TokenID:         snap.TokenID,
		Seller:          snap.Seller,
		StartingBid:     bigString(snap.StartingBid),
		CurrentBid:      bigString(snap.CurrentBid),
		CurrentBidder:   snap.CurrentBidder,
		StartTime:       snap.StartTime.UTC(),
		EndTime:         snap.EndTime.UTC(),
		Active:          snap.Active,
		Finalized:       snap.Finalized,
		ItemName:        snap.ItemName,
	}
	return p.print(view, nil, func(w io.Writer) {
		fmt.Fprintf(w, "auction:     %s\n", view.LedgerAuctionID)
		fmt.Fprintf(w, "item:        %s\n", view.ItemName)
		fmt.Fprintf(w, "seller:      %s\n", view.Seller)
		fmt.Fprintf(w, "bids:        %s (start %s)\n", view.CurrentBid, view.StartingBid)
		if view.CurrentBidder != "" {
			fmt.Fprintf(w, "leader:      %s\n", view.CurrentBidder)
		}
		fmt.Fprintf(w, "window:      %s .. %s\n", view.StartTime.Format(time.RFC3339), view.EndTime.Format(time.RFC3339))
		fmt.Fprintf(w, "active:      %t\n", view.Active)
		fmt.Fprintf(w, "finalized:   %t\n", view.Finalized)
	})
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
