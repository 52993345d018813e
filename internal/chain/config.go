package chain

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/smallbiznis/careledger/internal/config"
)

const (
	defaultCallTimeout   = 90 * time.Second
	defaultPollInterval  = 2 * time.Second
	defaultGasMultiplier = 120
)

// Config is the immutable ledger configuration built once at startup.
// A Config with missing or unparsable fields produces a disabled adapter.
type Config struct {
	RPCURL              string
	ChainID             *big.Int
	DonationContract    common.Address
	AuctionContract     common.Address
	AchievementContract common.Address
	CallTimeout         time.Duration
	PollInterval        time.Duration
	GasMultiplierPct    int64

	privateKey *ecdsa.PrivateKey
	from       common.Address
	problems   []string
}

// NewConfig validates raw settings. It never fails; problems are reported by
// Enabled and DisabledReason so off-chain recording keeps working.
func NewConfig(raw config.ChainConfig) Config {
	cfg := Config{
		RPCURL:           strings.TrimSpace(raw.RPCURL),
		CallTimeout:      raw.CallTimeout,
		PollInterval:     raw.ReceiptPollingInterval,
		GasMultiplierPct: raw.GasLimitMultiplierPct,
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.GasMultiplierPct < 100 {
		cfg.GasMultiplierPct = defaultGasMultiplier
	}
	if raw.ChainID > 0 {
		cfg.ChainID = big.NewInt(raw.ChainID)
	}

	if cfg.RPCURL == "" {
		cfg.problems = append(cfg.problems, "rpc url missing")
	}

	key := strings.TrimPrefix(strings.TrimSpace(raw.PrivateKey), "0x")
	switch {
	case key == "":
		cfg.problems = append(cfg.problems, "private key missing")
	default:
		pk, err := crypto.HexToECDSA(key)
		if err != nil {
			cfg.problems = append(cfg.problems, "private key invalid")
		} else {
			cfg.privateKey = pk
			cfg.from = crypto.PubkeyToAddress(pk.PublicKey)
		}
	}

	cfg.DonationContract = cfg.parseAddress("donation contract", raw.DonationContract)
	cfg.AuctionContract = cfg.parseAddress("auction contract", raw.AuctionContract)
	cfg.AchievementContract = cfg.parseAddress("achievement contract", raw.AchievementContract)
	return cfg
}

func (c *Config) parseAddress(name, value string) common.Address {
	value = strings.TrimSpace(value)
	if value == "" {
		c.problems = append(c.problems, name+" address missing")
		return common.Address{}
	}
	if !common.IsHexAddress(value) {
		c.problems = append(c.problems, name+" address invalid")
		return common.Address{}
	}
	return common.HexToAddress(value)
}

func (c Config) Enabled() bool {
	return len(c.problems) == 0
}

func (c Config) DisabledReason() string {
	if c.Enabled() {
		return ""
	}
	return strings.Join(c.problems, ", ")
}

// From is the service account address derived from the signing key.
func (c Config) From() common.Address {
	return c.from
}

// IsAddress reports whether s is a usable ledger account address.
func IsAddress(s string) bool {
	s = strings.TrimSpace(s)
	return common.IsHexAddress(s) && common.HexToAddress(s) != (common.Address{})
}

func (c Config) String() string {
	return fmt.Sprintf("chain(rpc=%t, chain_id=%v, enabled=%t)", c.RPCURL != "", c.ChainID, c.Enabled())
}
