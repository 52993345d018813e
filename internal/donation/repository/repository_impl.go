package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/careledger/internal/donation/domain"
	obsmetrics "github.com/smallbiznis/careledger/internal/observability/metrics"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const donationColumns = `id, donor_id, amount, currency, payment_method, external_tx_id, patient_id,
		        is_anonymous, status, ledger_tx_hash, ledger_error, ledger_error_kind,
		        sync_attempts, next_sync_at, created_at, confirmed_at, updated_at`

func (r *repo) InsertIfAbsent(ctx context.Context, db *gorm.DB, donation *domain.Donation) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO donations (id, donor_id, amount, currency, payment_method, external_tx_id, patient_id,
		                        is_anonymous, status, sync_attempts, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
		 ON CONFLICT (external_tx_id) DO NOTHING`,
		donation.ID,
		donation.DonorID,
		donation.Amount,
		donation.Currency,
		donation.PaymentMethod,
		donation.ExternalTxID,
		donation.PatientID,
		donation.IsAnonymous,
		donation.Status,
		donation.CreatedAt,
		donation.UpdatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Donation, error) {
	return r.findOne(ctx, db, `id = ?`, id)
}

func (r *repo) FindByExternalTxID(ctx context.Context, db *gorm.DB, externalTxID string) (*domain.Donation, error) {
	return r.findOne(ctx, db, `external_tx_id = ?`, externalTxID)
}

func (r *repo) findOne(ctx context.Context, db *gorm.DB, where string, arg any) (*domain.Donation, error) {
	var donation domain.Donation
	err := db.WithContext(ctx).Raw(
		`SELECT `+donationColumns+`
		 FROM donations WHERE `+where,
		arg,
	).Scan(&donation).Error
	if err != nil {
		return nil, err
	}
	if donation.ID == 0 {
		return nil, nil
	}
	return &donation, nil
}

func (r *repo) ListByDonor(ctx context.Context, db *gorm.DB, donorID snowflake.ID, limit int) ([]domain.Donation, error) {
	var donations []domain.Donation
	err := db.WithContext(ctx).Raw(
		`SELECT `+donationColumns+`
		 FROM donations
		 WHERE donor_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		donorID, limit,
	).Scan(&donations).Error
	return donations, err
}

func (r *repo) RecordFailure(ctx context.Context, db *gorm.DB, id snowflake.ID, failure domain.Failure, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE donations
		 SET status = ?, ledger_error = ?, ledger_error_kind = ?,
		     sync_attempts = sync_attempts + 1, next_sync_at = ?, updated_at = ?
		 WHERE id = ? AND ledger_tx_hash IS NULL`,
		domain.StatusBlockchainFailed,
		failure.Message,
		failure.Kind,
		failure.NextSyncAt,
		now,
		id,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) ClaimSyncCandidates(ctx context.Context, db *gorm.DB, now, staleBefore, leaseUntil time.Time, limit int) ([]domain.Donation, error) {
	var donations []domain.Donation
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		lockStart := time.Now()
		err := tx.Raw(
			`SELECT `+donationColumns+`
			 FROM donations
			 WHERE ledger_tx_hash IS NULL
			   AND (
			     (status = ? AND next_sync_at IS NOT NULL AND next_sync_at <= ?)
			     OR (status = ? AND created_at <= ? AND (next_sync_at IS NULL OR next_sync_at <= ?))
			   )
			 ORDER BY created_at ASC, id ASC
			 LIMIT ?
			 FOR UPDATE SKIP LOCKED`,
			domain.StatusBlockchainFailed, now,
			domain.StatusPending, staleBefore, now,
			limit,
		).Scan(&donations).Error
		obsmetrics.Scheduler().ObserveDBLockWait(obsmetrics.LockResourceDonationsForSync, time.Since(lockStart))
		if err != nil || len(donations) == 0 {
			return err
		}

		ids := make([]snowflake.ID, 0, len(donations))
		for _, d := range donations {
			ids = append(ids, d.ID)
		}
		return tx.Exec(`UPDATE donations SET next_sync_at = ? WHERE id IN ?`, leaseUntil, ids).Error
	})
	if err != nil {
		return nil, err
	}
	return donations, nil
}
