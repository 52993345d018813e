package observability

import (
	"strings"

	"github.com/smallbiznis/careledger/internal/config"
)

const (
	devSamplingRatio  = 1.0
	prodSamplingRatio = 0.1
)

// Config is the resolved logging and tracing setup for one careledger process.
type Config struct {
	ServiceName string
	Environment string
	Version     string
	Mode        string

	LogLevel  string
	LogFormat string

	OtelEnabled          bool
	OtelExporterEndpoint string
	OtelExporterProtocol string

	// SamplingRatio applies to root spans from HTTP requests and scheduled
	// tasks. LedgerSamplingRatio applies to root chain.* spans, which are few
	// and carry the tx hashes operators search for.
	SamplingRatio       float64
	LedgerSamplingRatio float64

	// UntracedRoutes are gin route patterns that never start a span.
	UntracedRoutes []string
}

func LoadConfig(cfg config.Config) Config {
	raw := cfg.Observability
	serviceName := strings.TrimSpace(cfg.AppName)
	if serviceName == "" {
		serviceName = "careledger"
	}

	sampling := raw.SamplingRatio
	if sampling < 0 {
		sampling = prodSamplingRatio
		if isDevEnv(cfg.Environment) {
			sampling = devSamplingRatio
		}
	}

	return Config{
		ServiceName:          serviceName,
		Environment:          strings.TrimSpace(cfg.Environment),
		Version:              strings.TrimSpace(cfg.AppVersion),
		Mode:                 cfg.Mode,
		LogLevel:             strings.TrimSpace(raw.LogLevel),
		LogFormat:            strings.TrimSpace(raw.LogFormat),
		OtelEnabled:          raw.OtelEnabled,
		OtelExporterEndpoint: strings.TrimSpace(raw.ExporterEndpoint),
		OtelExporterProtocol: strings.TrimSpace(raw.ExporterProtocol),
		SamplingRatio:        clampRatio(sampling),
		LedgerSamplingRatio:  clampRatio(raw.LedgerSamplingRatio),
		UntracedRoutes:       raw.UntracedRoutes,
	}
}

func (c Config) Debug() bool {
	return strings.EqualFold(c.LogLevel, "debug") || isDevEnv(c.Environment)
}

func isDevEnv(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

func clampRatio(ratio float64) float64 {
	switch {
	case ratio <= 0:
		return 0
	case ratio > 1:
		return 1
	default:
		return ratio
	}
}
