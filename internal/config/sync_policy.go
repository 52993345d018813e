package config

import (
	"errors"
	"log"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// TierThreshold maps a minimum lifetime donation total to a donor tier name.
type TierThreshold struct {
	Tier     string `mapstructure:"tier"`
	MinTotal int64  `mapstructure:"minTotal"`
}

type RetryPolicy struct {
	MaxAttempts int           `mapstructure:"maxAttempts"`
	BaseBackoff time.Duration `mapstructure:"baseBackoff"`
	MaxBackoff  time.Duration `mapstructure:"maxBackoff"`
}

type RetentionPolicy struct {
	ActiveWindow time.Duration `mapstructure:"activeWindow"`
	AtRiskWindow time.Duration `mapstructure:"atRiskWindow"`
}

type SyncPolicy struct {
	Tiers                   []TierThreshold `mapstructure:"tiers"`
	Retry                   RetryPolicy     `mapstructure:"retry"`
	PendingStaleAfter       time.Duration   `mapstructure:"pendingStaleAfter"`
	FinalizingStuckAfter    time.Duration   `mapstructure:"finalizingStuckAfter"`
	Retention               RetentionPolicy `mapstructure:"retention"`
	EngagementInactiveAfter time.Duration   `mapstructure:"engagementInactiveAfter"`
}

func DefaultSyncPolicy() SyncPolicy {
	return SyncPolicy{
		Tiers: []TierThreshold{
			{Tier: "Platinum", MinTotal: 50000},
			{Tier: "Gold", MinTotal: 20000},
			{Tier: "Silver", MinTotal: 5000},
			{Tier: "Bronze", MinTotal: 0},
		},
		Retry: RetryPolicy{
			MaxAttempts: 6,
			BaseBackoff: 5 * time.Minute,
			MaxBackoff:  6 * time.Hour,
		},
		PendingStaleAfter:    15 * time.Minute,
		FinalizingStuckAfter: 30 * time.Minute,
		Retention: RetentionPolicy{
			ActiveWindow: 30 * 24 * time.Hour,
			AtRiskWindow: 60 * 24 * time.Hour,
		},
		EngagementInactiveAfter: 30 * 24 * time.Hour,
	}
}

// NextDelay returns the backoff to wait after the given number of failed attempts.
func (p RetryPolicy) NextDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := p.BaseBackoff
	for i := 1; i < attempts; i++ {
		delay *= 2
		if p.MaxBackoff > 0 && delay >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && delay > p.MaxBackoff {
		return p.MaxBackoff
	}
	return delay
}

// Exhausted reports whether no further automatic attempt is allowed.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}

type SyncPolicyHolder struct {
	current atomic.Value // holds SyncPolicy
}

// NewStaticSyncPolicyHolder returns a holder that never reloads.
func NewStaticSyncPolicyHolder(policy SyncPolicy) *SyncPolicyHolder {
	holder := &SyncPolicyHolder{}
	holder.current.Store(normalizeSyncPolicy(policy))
	return holder
}

func NewSyncPolicyHolder(cfg Config) (*SyncPolicyHolder, error) {
	v := viper.New()

	if cfg.SyncPolicy != "" {
		v.SetConfigFile(cfg.SyncPolicy)
	} else {
		v.SetConfigName("sync")
		v.SetConfigType("yml")
		v.AddConfigPath("/etc/careledger")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("CARELEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultSyncPolicy()
	v.SetDefault("sync.tiers", defaults.Tiers)
	v.SetDefault("sync.retry.maxAttempts", defaults.Retry.MaxAttempts)
	v.SetDefault("sync.retry.baseBackoff", defaults.Retry.BaseBackoff)
	v.SetDefault("sync.retry.maxBackoff", defaults.Retry.MaxBackoff)
	v.SetDefault("sync.pendingStaleAfter", defaults.PendingStaleAfter)
	v.SetDefault("sync.finalizingStuckAfter", defaults.FinalizingStuckAfter)
	v.SetDefault("sync.retention.activeWindow", defaults.Retention.ActiveWindow)
	v.SetDefault("sync.retention.atRiskWindow", defaults.Retention.AtRiskWindow)
	v.SetDefault("sync.engagementInactiveAfter", defaults.EngagementInactiveAfter)

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		fileLoaded = false
	}

	var policy SyncPolicy
	if err := v.UnmarshalKey("sync", &policy); err != nil {
		return nil, err
	}
	policy = normalizeSyncPolicy(policy)
	if err := validateSyncPolicy(policy); err != nil {
		return nil, err
	}

	holder := &SyncPolicyHolder{}
	holder.current.Store(policy)

	if fileLoaded {
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			var updated SyncPolicy
			if err := v.UnmarshalKey("sync", &updated); err != nil {
				log.Printf("[sync-policy] reload failed: %v", err)
				return
			}
			updated = normalizeSyncPolicy(updated)
			if err := validateSyncPolicy(updated); err != nil {
				log.Printf("[sync-policy] invalid config ignored: %v", err)
				return
			}
			holder.current.Store(updated)
			log.Printf("[sync-policy] reloaded from %s", e.Name)
		})
	}

	return holder, nil
}

func (h *SyncPolicyHolder) Get() SyncPolicy {
	if h == nil {
		return DefaultSyncPolicy()
	}
	policy, ok := h.current.Load().(SyncPolicy)
	if !ok {
		return DefaultSyncPolicy()
	}
	return policy
}

// normalizeSyncPolicy sorts tiers from highest threshold to lowest.
func normalizeSyncPolicy(policy SyncPolicy) SyncPolicy {
	tiers := make([]TierThreshold, len(policy.Tiers))
	copy(tiers, policy.Tiers)
	sort.SliceStable(tiers, func(i, j int) bool {
		return tiers[i].MinTotal > tiers[j].MinTotal
	})
	policy.Tiers = tiers
	return policy
}

func validateSyncPolicy(policy SyncPolicy) error {
	if len(policy.Tiers) == 0 {
		return errors.New("sync.tiers cannot be empty")
	}
	if policy.Tiers[len(policy.Tiers)-1].MinTotal != 0 {
		return errors.New("sync.tiers must include a tier with minTotal 0")
	}
	for _, tier := range policy.Tiers {
		if strings.TrimSpace(tier.Tier) == "" {
			return errors.New("sync.tiers entries require a name")
		}
	}
	if policy.Retry.MaxAttempts <= 0 {
		return errors.New("sync.retry.maxAttempts must be positive")
	}
	if policy.Retry.BaseBackoff <= 0 {
		return errors.New("sync.retry.baseBackoff must be positive")
	}
	if policy.Retention.AtRiskWindow < policy.Retention.ActiveWindow {
		return errors.New("sync.retention.atRiskWindow must not be shorter than activeWindow")
	}
	return nil
}
