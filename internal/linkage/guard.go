// Package linkage implements the check-before-write and conditional-write
// discipline that keeps each off-chain entity linked to at most one ledger
// record.
//
// Trade-off: two workers may both pass the pre-check and both submit to the
// ledger. Only the first conditional update wins; the loser's ledger record
// stays valid on-chain but is never referenced. Accepting that rare duplicate
// avoids a distributed lock; the entity row is the only coordination point.
package linkage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/smallbiznis/careledger/internal/chain"
	"github.com/smallbiznis/careledger/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/careledger/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Field identifies a write-once linkage column.
type Field struct {
	Entity string
	Table  string
	Column string
}

var (
	DonationTx          = Field{Entity: "donation", Table: "donations", Column: "ledger_tx_hash"}
	AuctionLedgerID     = Field{Entity: "auction", Table: "auctions", Column: "ledger_auction_id"}
	AuctionFinalization = Field{Entity: "auction", Table: "auctions", Column: "finalization_tx_hash"}
	AuctionToken        = Field{Entity: "auction", Table: "auctions", Column: "token_id"}
	AchievementToken    = Field{Entity: "achievement", Table: "achievements", Column: "token_id"}
)

var ErrEntityNotFound = errors.New("linkage_entity_not_found")

// Outcome reports what a conditional link did.
type Outcome string

const (
	OutcomeLinked Outcome = "linked"
	OutcomeLost   Outcome = "lost"
)

// Condition adds a predicate to the conditional update.
type Condition struct {
	Query string
	Args  []interface{}
}

func When(query string, args ...interface{}) Condition {
	return Condition{Query: query, Args: args}
}

type Guard struct {
	log     *zap.Logger
	metrics *obsmetrics.Metrics
}

type Params struct {
	fx.In

	Log     *zap.Logger
	Metrics *obsmetrics.Metrics `optional:"true"`
}

var Module = fx.Module("linkage",
	fx.Provide(New),
)

func New(p Params) *Guard {
	return &Guard{
		log:     p.Log.Named("linkage.guard"),
		metrics: p.Metrics,
	}
}

// Current returns the linkage value, or "" when the entity is still unlinked.
func (g *Guard) Current(ctx context.Context, db *gorm.DB, field Field, id int64) (string, error) {
	var rows []sql.NullString
	err := db.WithContext(ctx).
		Table(field.Table).
		Where("id = ?", id).
		Limit(1).
		Pluck(field.Column, &rows).Error
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", fmt.Errorf("%s %d: %w", field.Entity, id, ErrEntityNotFound)
	}
	return rows[0].String, nil
}

// AlreadyLinked is the pre-check run before any ledger write.
func (g *Guard) AlreadyLinked(ctx context.Context, db *gorm.DB, field Field, id int64) (bool, error) {
	value, err := g.Current(ctx, db, field, id)
	if err != nil {
		return false, err
	}
	return value != "", nil
}

// Link persists value with a single conditional update that only succeeds
// while the column is still NULL. Extra columns are written in the same
// statement. Losing the race is not an error: the outcome is OutcomeLost and
// the caller must discard its ledger result.
func (g *Guard) Link(ctx context.Context, db *gorm.DB, field Field, id int64, value string, extra map[string]interface{}, conds ...Condition) (Outcome, error) {
	updates := make(map[string]interface{}, len(extra)+1)
	for k, v := range extra {
		updates[k] = v
	}
	updates[field.Column] = value

	query := db.WithContext(ctx).
		Table(field.Table).
		Where("id = ?", id).
		Where(field.Column + " IS NULL")
	for _, cond := range conds {
		query = query.Where(cond.Query, cond.Args...)
	}

	res := query.Updates(updates)
	if res.Error != nil {
		return "", res.Error
	}
	if res.RowsAffected == 0 {
		g.recordLost(ctx, field, id)
		return OutcomeLost, nil
	}
	return OutcomeLinked, nil
}

func (g *Guard) recordLost(ctx context.Context, field Field, id int64) {
	g.metrics.RecordLinkageLost(ctx, field.Entity)
	obsmetrics.Scheduler().IncStageError(stageFor(field), &chain.Error{Kind: chain.KindConcurrentLinkageLost, Op: field.Column})
	logger.WithContext(ctx, g.log).Info("linkage.lost",
		zap.String("entity_type", field.Entity),
		zap.Int64("entity_id", id),
		zap.String("column", field.Column),
		zap.String("error_type", string(chain.KindConcurrentLinkageLost)),
	)
}

func stageFor(field Field) string {
	switch field {
	case DonationTx:
		return obsmetrics.StageDonationSync
	case AuctionLedgerID:
		return obsmetrics.StageAuctionLink
	case AuctionFinalization:
		return obsmetrics.StageAuctionFinalize
	default:
		return obsmetrics.StageAchievement
	}
}
