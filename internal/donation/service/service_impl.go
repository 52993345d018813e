package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/careledger/internal/chain"
	"github.com/smallbiznis/careledger/internal/clock"
	"github.com/smallbiznis/careledger/internal/config"
	"github.com/smallbiznis/careledger/internal/donation/domain"
	donordomain "github.com/smallbiznis/careledger/internal/donor/domain"
	"github.com/smallbiznis/careledger/internal/events"
	"github.com/smallbiznis/careledger/internal/linkage"
	obscontext "github.com/smallbiznis/careledger/internal/observability/context"
	"github.com/smallbiznis/careledger/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/careledger/internal/observability/metrics"
	patientdomain "github.com/smallbiznis/careledger/internal/patient/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const opSync = "donation.sync"

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       domain.Repository
	Ledger     chain.Ledger
	Guard      *linkage.Guard
	Outbox     *events.Outbox
	Policy     *config.SyncPolicyHolder
	DonorSvc   donordomain.Service
	PatientSvc patientdomain.Service
	Metrics    *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       domain.Repository
	ledger     chain.Ledger
	guard      *linkage.Guard
	outbox     *events.Outbox
	policy     *config.SyncPolicyHolder
	donorSvc   donordomain.Service
	patientSvc patientdomain.Service
	metrics    *obsmetrics.Metrics
}

func New(p Params) domain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("donation.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		ledger:     p.Ledger,
		guard:      p.Guard,
		outbox:     p.Outbox,
		policy:     p.Policy,
		donorSvc:   p.DonorSvc,
		patientSvc: p.PatientSvc,
		metrics:    p.Metrics,
	}
}

func (s *Service) Record(ctx context.Context, req domain.RecordRequest) (domain.Donation, bool, error) {
	donorID, err := snowflake.ParseString(strings.TrimSpace(req.DonorID))
	if err != nil || donorID == 0 {
		return domain.Donation{}, false, fmt.Errorf("%w: donor_id is required", domain.ErrInvalidDonation)
	}

	var patientID *snowflake.ID
	if raw := strings.TrimSpace(req.PatientID); raw != "" {
		id, err := snowflake.ParseString(raw)
		if err != nil || id == 0 {
			return domain.Donation{}, false, fmt.Errorf("%w: patient_id %q", domain.ErrInvalidDonation, raw)
		}
		patientID = &id
	}

	now := s.clock.Now()
	donation := domain.Donation{
		ID:            s.genID.Generate(),
		DonorID:       donorID,
		Amount:        req.Amount,
		Currency:      domain.NormalizeCurrency(req.Currency),
		PaymentMethod: strings.TrimSpace(req.PaymentMethod),
		ExternalTxID:  strings.TrimSpace(req.ExternalTxID),
		PatientID:     patientID,
		IsAnonymous:   req.IsAnonymous,
		Status:        domain.StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := donation.Validate(); err != nil {
		return domain.Donation{}, false, err
	}

	var created bool
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inserted, err := s.repo.InsertIfAbsent(ctx, tx, &donation)
		if err != nil {
			return err
		}
		if !inserted {
			return nil
		}
		created = true
		return s.outbox.Publish(ctx, tx, events.Entry{
			EntityType: "donation",
			EntityID:   donation.ID,
			Type:       events.DonationCreated,
			After:      donation,
		})
	})
	if err != nil {
		return domain.Donation{}, false, err
	}
	if created {
		logger.WithContext(ctx, s.log).Info("donation.recorded",
			zap.String("donation_id", donation.ID.String()),
			zap.String("donor_id", donation.DonorID.String()),
			zap.Int64("amount", donation.Amount),
			zap.String("currency", donation.Currency),
		)
		return donation, true, nil
	}

	existing, err := s.repo.FindByExternalTxID(ctx, s.db, donation.ExternalTxID)
	if err != nil {
		return domain.Donation{}, false, err
	}
	if existing == nil {
		return domain.Donation{}, false, domain.ErrNotFound
	}
	return *existing, false, nil
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (domain.Donation, error) {
	if id == 0 {
		return domain.Donation{}, domain.ErrInvalidID
	}
	donation, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return domain.Donation{}, err
	}
	if donation == nil {
		return domain.Donation{}, domain.ErrNotFound
	}
	return *donation, nil
}

func (s *Service) ListByDonor(ctx context.Context, donorID snowflake.ID, limit int) ([]domain.Donation, error) {
	if donorID == 0 {
		return nil, domain.ErrInvalidID
	}
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	return s.repo.ListByDonor(ctx, s.db, donorID, limit)
}

func (s *Service) Sync(ctx context.Context, id snowflake.ID) (domain.SyncResult, error) {
	ctx = obscontext.WithEntity(ctx, "donation", id.String())
	log := logger.WithContext(ctx, s.log)
	result := domain.SyncResult{DonationID: id}

	donation, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return result, err
	}
	if donation == nil {
		return result, domain.ErrNotFound
	}
	result.Status = donation.Status

	if err := donation.Validate(); err != nil {
		return s.recordInvalid(ctx, *donation, err)
	}

	linked, err := s.guard.AlreadyLinked(ctx, s.db, linkage.DonationTx, int64(id))
	if err != nil {
		return result, err
	}
	if linked {
		result.Outcome = domain.SyncAlreadyLinked
		s.metrics.RecordDonationSync(ctx, string(result.Outcome))
		return result, nil
	}

	record := chain.DonationRecord{
		DonorAddress: s.resolveDonorAddress(ctx, donation.DonorID),
		Amount:       donation.Amount,
		Currency:     donation.Currency,
		ExternalTxID: donation.ExternalTxID,
		Anonymous:    donation.IsAnonymous,
	}
	if donation.PatientID != nil {
		record.PatientRef = donation.PatientID.String()
	}

	txHash, ledgerErr := s.ledger.SubmitDonation(ctx, record)
	if ledgerErr != nil {
		return s.recordFailure(ctx, *donation, ledgerErr)
	}

	now := s.clock.Now()
	var outcome linkage.Outcome
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		outcome, err = s.guard.Link(ctx, tx, linkage.DonationTx, int64(id), txHash, map[string]interface{}{
			"status":            domain.StatusConfirmed,
			"confirmed_at":      now,
			"ledger_error":      nil,
			"ledger_error_kind": nil,
			"next_sync_at":      nil,
			"updated_at":        now,
		})
		if err != nil || outcome != linkage.OutcomeLinked {
			return err
		}
		return s.applyConfirmed(ctx, tx, *donation, txHash, now)
	})
	if err != nil {
		// The ledger record exists but nothing references it; the next attempt
		// will submit again.
		log.Error("donation.confirm.persist_failed",
			zap.String("ledger_tx_hash", txHash),
			zap.String("error_type", obsmetrics.ClassifySchedulerErrorType(err)),
			zap.Error(err),
		)
		obsmetrics.Scheduler().IncStageError(obsmetrics.StageDonationSync, err)
		return result, err
	}

	if outcome == linkage.OutcomeLost {
		result.Outcome = domain.SyncLinkageLost
		s.metrics.RecordDonationSync(ctx, string(result.Outcome))
		return result, nil
	}

	result.Outcome = domain.SyncConfirmed
	result.Status = domain.StatusConfirmed
	result.LedgerTxHash = txHash
	s.metrics.RecordDonationSync(ctx, string(result.Outcome))
	log.Info("donation.confirmed",
		zap.String("donation_id", id.String()),
		zap.String("ledger_tx_hash", txHash),
	)
	return result, nil
}

// applyConfirmed runs the effects that must happen exactly once per
// confirmation, inside the transaction that won the link.
func (s *Service) applyConfirmed(ctx context.Context, tx *gorm.DB, donation domain.Donation, txHash string, now time.Time) error {
	if _, err := s.donorSvc.ApplyConfirmed(ctx, tx, donation.DonorID, donation.Amount, donation.CreatedAt); err != nil {
		return fmt.Errorf("donor aggregate: %w", err)
	}

	if donation.PatientID != nil {
		err := s.patientSvc.ApplyFunding(ctx, tx, *donation.PatientID, donation.Amount)
		if errors.Is(err, patientdomain.ErrNotFound) {
			logger.WithContext(ctx, s.log).Warn("donation.patient.missing",
				zap.String("donation_id", donation.ID.String()),
				zap.String("patient_id", donation.PatientID.String()),
			)
		} else if err != nil {
			return fmt.Errorf("patient funding: %w", err)
		}
	}

	confirmed := donation
	confirmed.Status = domain.StatusConfirmed
	confirmed.LedgerTxHash = &txHash
	confirmed.ConfirmedAt = &now
	confirmed.LedgerError = nil
	confirmed.LedgerErrorKind = nil
	confirmed.NextSyncAt = nil
	confirmed.UpdatedAt = now
	return s.outbox.Publish(ctx, tx, events.Entry{
		EntityType: "donation",
		EntityID:   donation.ID,
		Type:       events.DonationConfirmed,
		Before:     donation,
		After:      confirmed,
	})
}

func (s *Service) recordInvalid(ctx context.Context, donation domain.Donation, cause error) (domain.SyncResult, error) {
	result := domain.SyncResult{DonationID: donation.ID, Outcome: domain.SyncInvalid, Status: donation.Status}
	err := chain.InvalidInput(opSync, cause)

	updated, storeErr := s.repo.RecordFailure(ctx, s.db, donation.ID, domain.Failure{
		Message: cause.Error(),
		Kind:    string(chain.KindInvalidInput),
	}, s.clock.Now())
	if storeErr != nil {
		return result, errors.Join(err, storeErr)
	}
	if updated {
		result.Status = domain.StatusBlockchainFailed
	}
	s.metrics.RecordDonationSync(ctx, string(result.Outcome))
	obsmetrics.Scheduler().IncStageError(obsmetrics.StageDonationSync, err)
	logger.WithContext(ctx, s.log).Warn("donation.sync.invalid",
		zap.String("donation_id", donation.ID.String()),
		zap.String("error_type", string(chain.KindInvalidInput)),
		zap.Error(cause),
	)
	return result, err
}

// recordFailure stores the ledger error with the next retry time from the
// policy. Rejections and exhausted attempts get no retry time.
func (s *Service) recordFailure(ctx context.Context, donation domain.Donation, ledgerErr error) (domain.SyncResult, error) {
	result := domain.SyncResult{DonationID: donation.ID, Outcome: domain.SyncFailed, Status: donation.Status}
	kind := chain.KindOf(ledgerErr)
	attempts := donation.SyncAttempts + 1
	retry := s.policy.Get().Retry
	now := s.clock.Now()

	var next *time.Time
	if kind == chain.KindLedgerUnavailable && !retry.Exhausted(attempts) {
		at := now.Add(retry.NextDelay(attempts))
		next = &at
	}

	updated, storeErr := s.repo.RecordFailure(ctx, s.db, donation.ID, domain.Failure{
		Message:    truncate(ledgerErr.Error(), 1024),
		Kind:       string(kind),
		NextSyncAt: next,
	}, now)
	if storeErr != nil {
		return result, errors.Join(ledgerErr, storeErr)
	}
	if updated {
		result.Status = domain.StatusBlockchainFailed
	}

	s.metrics.RecordDonationSync(ctx, string(result.Outcome))
	obsmetrics.Scheduler().IncStageError(obsmetrics.StageDonationSync, ledgerErr)
	fields := []zap.Field{
		zap.String("donation_id", donation.ID.String()),
		zap.Int("attempts", attempts),
		zap.String("error_type", string(kind)),
		zap.Bool("retryable", next != nil),
		zap.Error(ledgerErr),
	}
	if next != nil {
		fields = append(fields, zap.Time("next_sync_at", *next))
	}
	logger.WithContext(ctx, s.log).Warn("donation.sync.failed", fields...)
	return result, ledgerErr
}

// resolveDonorAddress uses the donor's wallet when it is a usable address and
// the service account otherwise.
func (s *Service) resolveDonorAddress(ctx context.Context, donorID snowflake.ID) string {
	donor, err := s.donorSvc.Get(ctx, donorID)
	if err == nil && chain.IsAddress(donor.Wallet()) {
		return donor.Wallet()
	}
	return s.ledger.ServiceAddress()
}

func (s *Service) ClaimSyncCandidates(ctx context.Context, limit int) ([]domain.Donation, error) {
	if limit <= 0 {
		limit = 50
	}
	policy := s.policy.Get()
	now := s.clock.Now()
	lease := s.ledgerLease()
	return s.repo.ClaimSyncCandidates(ctx, s.db, now, now.Add(-policy.PendingStaleAfter), now.Add(lease), limit)
}

// ledgerLease keeps a claimed row away from other sweeps for longer than a
// ledger call can take.
func (s *Service) ledgerLease() time.Duration {
	return 10 * time.Minute
}

func (s *Service) Verify(ctx context.Context, id snowflake.ID) (domain.Verification, error) {
	donation, err := s.Get(ctx, id)
	if err != nil {
		return domain.Verification{}, err
	}
	if !donation.Linked() {
		return domain.Verification{}, domain.ErrNotLinked
	}

	verification, err := s.ledger.VerifyTransaction(ctx, *donation.LedgerTxHash)
	if err != nil {
		return domain.Verification{}, err
	}
	out := domain.Verification{
		DonationID:   donation.ID,
		LedgerTxHash: *donation.LedgerTxHash,
		Success:      verification.Success,
		BlockNumber:  verification.BlockNumber,
	}
	if !verification.Timestamp.IsZero() {
		ts := verification.Timestamp
		out.Timestamp = &ts
	}
	return out, nil
}

// HandleCreated is the donation.created subscriber. Failures already stored
// on the donation are not redelivered; reconciliation owns their retry.
func HandleCreated(svc domain.Service) events.Handler {
	return func(ctx context.Context, evt events.Event) error {
		_, err := svc.Sync(ctx, evt.EntityID)
		var chainErr *chain.Error
		if errors.As(err, &chainErr) {
			return nil
		}
		return err
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
