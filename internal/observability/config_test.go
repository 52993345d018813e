package observability

import (
	"testing"

	"github.com/smallbiznis/careledger/internal/config"
	"github.com/stretchr/testify/assert"
)

func TestLoadConfigSampling(t *testing.T) {
	base := config.Config{
		AppName:     "careledger",
		Mode:        config.ModeScheduler,
		Environment: "production",
		Observability: config.ObservabilityConfig{
			SamplingRatio:       -1,
			LedgerSamplingRatio: 3,
			UntracedRoutes:      []string{"/health"},
		},
	}

	cfg := LoadConfig(base)
	assert.Equal(t, prodSamplingRatio, cfg.SamplingRatio)
	assert.Equal(t, 1.0, cfg.LedgerSamplingRatio)
	assert.Equal(t, config.ModeScheduler, cfg.Mode)
	assert.Equal(t, []string{"/health"}, cfg.UntracedRoutes)
	assert.False(t, cfg.Debug())

	base.Environment = "local"
	cfg = LoadConfig(base)
	assert.Equal(t, devSamplingRatio, cfg.SamplingRatio)
	assert.True(t, cfg.Debug())

	base.Observability.SamplingRatio = 0.25
	assert.Equal(t, 0.25, LoadConfig(base).SamplingRatio)
}

func TestLoadConfigDefaultsServiceName(t *testing.T) {
	cfg := LoadConfig(config.Config{Observability: config.ObservabilityConfig{LogLevel: "DEBUG"}})
	assert.Equal(t, "careledger", cfg.ServiceName)
	assert.True(t, cfg.Debug())
}
