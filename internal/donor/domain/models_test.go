package domain

import (
	"testing"

	"github.com/smallbiznis/careledger/internal/config"
	"github.com/stretchr/testify/assert"
)

func TestClassifyTier(t *testing.T) {
	thresholds := config.DefaultSyncPolicy().Tiers

	tests := []struct {
		total int64
		want  Tier
	}{
		{0, TierBronze},
		{4999, TierBronze},
		{5000, TierSilver},
		{19999, TierSilver},
		{20000, TierGold},
		{49999, TierGold},
		{50000, TierPlatinum},
		{1_000_000, TierPlatinum},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyTier(tt.total, thresholds), "total=%d", tt.total)
	}
}

func TestClassifyTierFallsBackToLowest(t *testing.T) {
	thresholds := []config.TierThreshold{{Tier: "Gold", MinTotal: 100}, {Tier: "Starter", MinTotal: 10}}
	assert.Equal(t, Tier("Starter"), ClassifyTier(1, thresholds))
	assert.Equal(t, TierBronze, ClassifyTier(1, nil))
}

func TestTierRank(t *testing.T) {
	thresholds := config.DefaultSyncPolicy().Tiers

	assert.Equal(t, 0, TierRank(TierBronze, thresholds))
	assert.Equal(t, 3, TierRank(TierPlatinum, thresholds))
	assert.Equal(t, -1, TierRank("Diamond", thresholds))
	assert.True(t, IsUpgrade(TierSilver, TierGold, thresholds))
	assert.False(t, IsUpgrade(TierGold, TierSilver, thresholds))
	assert.False(t, IsUpgrade(TierGold, TierGold, thresholds))
}

func TestRetentionRate(t *testing.T) {
	assert.Zero(t, RetentionCounts{}.Rate())
	assert.InDelta(t, 25.0, RetentionCounts{Total: 4, Active: 1}.Rate(), 0.0001)
}
