// Package reconcile revisits entities that never got ledger linkage. The
// scheduled sweep and operator backfills run the same Sweep.
package reconcile

import (
	"context"
	"errors"
	"fmt"

	auctiondomain "github.com/smallbiznis/careledger/internal/auction/domain"
	"github.com/smallbiznis/careledger/internal/chain"
	donationdomain "github.com/smallbiznis/careledger/internal/donation/domain"
	"github.com/smallbiznis/careledger/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/careledger/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Scope string

const (
	ScopeAll       Scope = "all"
	ScopeAuctions  Scope = "auctions"
	ScopeDonations Scope = "donations"
)

const defaultLimit = 50

type Options struct {
	Scope Scope
	Limit int
}

// Counts is the per-entity-type tally of one sweep.
type Counts struct {
	Scanned   int `json:"scanned"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

type Summary struct {
	Auctions  Counts `json:"auctions"`
	Donations Counts `json:"donations"`
}

func (s Summary) Processed() int {
	return s.Auctions.Scanned + s.Donations.Scanned
}

func (s Summary) Failed() int {
	return s.Auctions.Failed + s.Donations.Failed
}

type Params struct {
	fx.In

	Log       *zap.Logger
	Auctions  auctiondomain.Service
	Donations donationdomain.Service
}

type Service struct {
	log       *zap.Logger
	auctions  auctiondomain.Service
	donations donationdomain.Service
}

var Module = fx.Module("reconcile",
	fx.Provide(New),
)

func New(p Params) *Service {
	return &Service{
		log:       p.Log.Named("reconcile.sweep"),
		auctions:  p.Auctions,
		donations: p.Donations,
	}
}

// Sweep links unlinked auctions and retries due donations. A failure is
// recorded on its own entity and never stops the rest of the batch; the
// returned error joins every entity failure.
func (s *Service) Sweep(ctx context.Context, opts Options) (Summary, error) {
	var summary Summary
	if opts.Scope == "" {
		opts.Scope = ScopeAll
	}
	if opts.Limit <= 0 {
		opts.Limit = defaultLimit
	}

	var errs []error
	if opts.Scope == ScopeAll || opts.Scope == ScopeAuctions {
		counts, err := s.sweepAuctions(ctx, opts.Limit)
		summary.Auctions = counts
		if err != nil {
			errs = append(errs, err)
		}
	}
	if opts.Scope == ScopeAll || opts.Scope == ScopeDonations {
		counts, err := s.sweepDonations(ctx, opts.Limit)
		summary.Donations = counts
		if err != nil {
			errs = append(errs, err)
		}
	}

	logger.WithContext(ctx, s.log).Info("reconcile.sweep.finish",
		zap.String("scope", string(opts.Scope)),
		zap.Int("auctions_scanned", summary.Auctions.Scanned),
		zap.Int("auctions_failed", summary.Auctions.Failed),
		zap.Int("donations_scanned", summary.Donations.Scanned),
		zap.Int("donations_failed", summary.Donations.Failed),
	)
	return summary, errors.Join(errs...)
}

func (s *Service) sweepAuctions(ctx context.Context, limit int) (Counts, error) {
	var counts Counts
	auctions, err := s.auctions.ListUnlinked(ctx, limit)
	if err != nil {
		return counts, fmt.Errorf("list unlinked auctions: %w", err)
	}
	counts.Scanned = len(auctions)

	var errs []error
	for _, auction := range auctions {
		if err := s.isolate(ctx, "auction", auction.ID.String(), func(ctx context.Context) error {
			_, err := s.auctions.Link(ctx, auction.ID)
			return err
		}); err != nil {
			counts.Failed++
			errs = append(errs, err)
			continue
		}
		counts.Succeeded++
	}
	return counts, errors.Join(errs...)
}

func (s *Service) sweepDonations(ctx context.Context, limit int) (Counts, error) {
	var counts Counts
	donations, err := s.donations.ClaimSyncCandidates(ctx, limit)
	if err != nil {
		return counts, fmt.Errorf("claim donations: %w", err)
	}
	counts.Scanned = len(donations)

	var errs []error
	for _, donation := range donations {
		if err := s.isolate(ctx, "donation", donation.ID.String(), func(ctx context.Context) error {
			_, err := s.donations.Sync(ctx, donation.ID)
			return err
		}); err != nil {
			counts.Failed++
			errs = append(errs, err)
			continue
		}
		counts.Succeeded++
	}
	return counts, errors.Join(errs...)
}

// isolate runs one entity and turns a panic into that entity's error.
func (s *Service) isolate(ctx context.Context, entity, id string, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		if err != nil {
			err = fmt.Errorf("%s %s: %w", entity, id, err)
			logger.WithContext(ctx, s.log).Warn("reconcile.entity.failed",
				zap.String("entity_type", entity),
				zap.String("entity_id", id),
				zap.String("error_type", obsmetrics.ClassifySchedulerErrorType(err)),
				zap.Bool("retryable", chain.Retryable(err)),
				zap.Error(err),
			)
		}
	}()
	return fn(ctx)
}
