package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
)

type Kind string

const (
	KindFirstDonation Kind = "first_donation"
	KindTierUpgrade   Kind = "tier_upgrade"
)

type Achievement struct {
	ID           snowflake.ID `gorm:"primaryKey" json:"id"`
	DonorID      snowflake.ID `gorm:"not null" json:"donor_id"`
	Kind         Kind         `gorm:"not null" json:"kind"`
	Tier         string       `json:"tier"`
	Value        int64        `json:"value"`
	TokenURI     string       `json:"token_uri"`
	TokenID      *string      `json:"token_id,omitempty"`
	TxHash       *string      `json:"tx_hash,omitempty"`
	LedgerError  *string      `json:"ledger_error,omitempty"`
	MintAttempts int          `json:"mint_attempts"`
	CreatedAt    time.Time    `json:"created_at"`
}

func (Achievement) TableName() string { return "achievements" }

func (a Achievement) Minted() bool {
	return a.TokenID != nil && *a.TokenID != ""
}

// TokenURI builds the metadata location for an achievement token, e.g.
// <base>/tier-upgrade-gold/123.
func TokenURI(base string, kind Kind, tier string, donorID snowflake.ID) string {
	name := strings.ReplaceAll(string(kind), "_", " ")
	if tier != "" {
		name += " " + tier
	}
	return fmt.Sprintf("%s/%s/%s", strings.TrimRight(base, "/"), slug.Make(name), donorID)
}

type MintOutcome string

const (
	MintMinted      MintOutcome = "minted"
	MintAlreadyDone MintOutcome = "already_minted"
	MintNoWallet    MintOutcome = "no_wallet"
	MintLinkageLost MintOutcome = "linkage_lost"
	MintFailed      MintOutcome = "failed"
)

type ReconcileSummary struct {
	Scanned int `json:"scanned"`
	Minted  int `json:"minted"`
	Failed  int `json:"failed"`
}
