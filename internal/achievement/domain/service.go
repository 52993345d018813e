package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

type IssueRequest struct {
	DonorID snowflake.ID
	Kind    Kind
	Tier    string
	Value   int64
}

type Service interface {
	// Issue records the achievement once per donor, kind and tier, then mints
	// it when the donor has a wallet.
	Issue(ctx context.Context, req IssueRequest) (Achievement, bool, error)
	// Mint writes an unminted achievement to the ledger.
	Mint(ctx context.Context, id snowflake.ID) (MintOutcome, error)
	ListByDonor(ctx context.Context, donorID snowflake.ID) ([]Achievement, error)
	// ReconcileUnminted retries minting for donors that now have a wallet.
	ReconcileUnminted(ctx context.Context, limit int) (ReconcileSummary, error)
}

var (
	ErrInvalidAchievement = errors.New("invalid_achievement")
	ErrNotFound           = errors.New("achievement_not_found")
)
