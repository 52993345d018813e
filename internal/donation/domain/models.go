package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
)

type Status string

const (
	StatusPending          Status = "pending"
	StatusConfirmed        Status = "confirmed"
	StatusBlockchainFailed Status = "blockchain_failed"
)

type Donation struct {
	ID              snowflake.ID  `gorm:"primaryKey" json:"id"`
	DonorID         snowflake.ID  `gorm:"not null" json:"donor_id"`
	Amount          int64         `gorm:"not null" json:"amount"`
	Currency        string        `gorm:"not null" json:"currency"`
	PaymentMethod   string        `json:"payment_method"`
	ExternalTxID    string        `gorm:"not null" json:"external_tx_id"`
	PatientID       *snowflake.ID `json:"patient_id,omitempty"`
	IsAnonymous     bool          `json:"is_anonymous"`
	Status          Status        `gorm:"not null" json:"status"`
	LedgerTxHash    *string       `json:"ledger_tx_hash,omitempty"`
	LedgerError     *string       `json:"ledger_error,omitempty"`
	LedgerErrorKind *string       `json:"ledger_error_kind,omitempty"`
	SyncAttempts    int           `json:"sync_attempts"`
	NextSyncAt      *time.Time    `json:"next_sync_at,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	ConfirmedAt     *time.Time    `json:"confirmed_at,omitempty"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

func (Donation) TableName() string { return "donations" }

func (d Donation) Linked() bool {
	return d.LedgerTxHash != nil && *d.LedgerTxHash != ""
}

// Validate checks the fields the ledger write needs. The returned error wraps
// ErrInvalidDonation.
func (d Donation) Validate() error {
	if d.Amount <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidDonation)
	}
	if !validCurrency(d.Currency) {
		return fmt.Errorf("%w: currency %q", ErrInvalidDonation, d.Currency)
	}
	if strings.TrimSpace(d.ExternalTxID) == "" {
		return fmt.Errorf("%w: external_tx_id is required", ErrInvalidDonation)
	}
	if d.DonorID == 0 {
		return fmt.Errorf("%w: donor_id is required", ErrInvalidDonation)
	}
	return nil
}

// NormalizeCurrency upper-cases and trims an ISO 4217 code.
func NormalizeCurrency(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func validCurrency(code string) bool {
	if len(code) != 3 {
		return false
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

// SyncResult reports what one synchronization attempt did.
type SyncResult struct {
	DonationID   snowflake.ID `json:"donation_id"`
	Outcome      SyncOutcome  `json:"outcome"`
	Status       Status       `json:"status"`
	LedgerTxHash string       `json:"ledger_tx_hash,omitempty"`
}

type SyncOutcome string

const (
	SyncConfirmed     SyncOutcome = "confirmed"
	SyncAlreadyLinked SyncOutcome = "already_linked"
	SyncFailed        SyncOutcome = "failed"
	SyncLinkageLost   SyncOutcome = "linkage_lost"
	SyncInvalid       SyncOutcome = "invalid"
)
