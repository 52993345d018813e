package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/careledger/internal/config"
)

type Tier string

const (
	TierBronze   Tier = "Bronze"
	TierSilver   Tier = "Silver"
	TierGold     Tier = "Gold"
	TierPlatinum Tier = "Platinum"
)

// Donor is the per-donor aggregate. ID is the user id of the donor.
type Donor struct {
	ID             snowflake.ID `gorm:"primaryKey" json:"id"`
	WalletAddress  *string      `json:"wallet_address,omitempty"`
	Email          *string      `json:"email,omitempty"`
	DisplayName    *string      `json:"display_name,omitempty"`
	TotalDonated   int64        `gorm:"not null" json:"total_donated"`
	DonationCount  int64        `gorm:"not null" json:"donation_count"`
	Tier           Tier         `gorm:"not null" json:"tier"`
	LastDonationAt *time.Time   `json:"last_donation_at,omitempty"`
	TierUpdatedAt  *time.Time   `json:"tier_updated_at,omitempty"`
	CreatedAt      time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt      time.Time    `gorm:"not null" json:"updated_at"`
}

func (Donor) TableName() string { return "donors" }

// Wallet returns the donor's wallet address or "".
func (d Donor) Wallet() string {
	if d.WalletAddress == nil {
		return ""
	}
	return *d.WalletAddress
}

// ClassifyTier is the only tier formula. thresholds must be sorted from the
// highest minimum to the lowest; the lowest tier applies below every minimum.
func ClassifyTier(total int64, thresholds []config.TierThreshold) Tier {
	for _, threshold := range thresholds {
		if total >= threshold.MinTotal {
			return Tier(threshold.Tier)
		}
	}
	if len(thresholds) > 0 {
		return Tier(thresholds[len(thresholds)-1].Tier)
	}
	return TierBronze
}

// TierRank orders tiers by threshold, lowest first. Unknown tiers rank -1.
func TierRank(tier Tier, thresholds []config.TierThreshold) int {
	for i, threshold := range thresholds {
		if Tier(threshold.Tier) == tier {
			return len(thresholds) - 1 - i
		}
	}
	return -1
}

// IsUpgrade reports whether moving from one tier to the other climbs the ladder.
func IsUpgrade(from, to Tier, thresholds []config.TierThreshold) bool {
	return TierRank(to, thresholds) > TierRank(from, thresholds)
}

// Change describes the effect of one confirmed donation on the aggregate.
type Change struct {
	Before        Donor
	After         Donor
	TierChanged   bool
	FirstDonation bool
}

// RetentionCounts buckets donors by time since their last donation.
type RetentionCounts struct {
	Total  int64 `json:"total"`
	Active int64 `json:"active"`
	AtRisk int64 `json:"at_risk"`
	Lapsed int64 `json:"lapsed"`
}

// Rate is the share of donors that are active, in percent.
func (c RetentionCounts) Rate() float64 {
	if c.Total == 0 {
		return 0
	}
	return float64(c.Active) / float64(c.Total) * 100
}
