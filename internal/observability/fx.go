package observability

import (
	"github.com/smallbiznis/careledger/internal/observability/logger"
	"github.com/smallbiznis/careledger/internal/observability/metrics"
	"github.com/smallbiznis/careledger/internal/observability/tracing"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"
)

var Module = fx.Module("observability",
	fx.Provide(
		LoadConfig,
		provideLoggerConfig,
		logger.New,
		provideTracingConfig,
		tracing.NewProvider,
		provideMetricsConfig,
		metrics.NewProvider,
		metrics.New,
		metrics.NewHTTPMetrics,
		provideGormLogger,
	),
	fx.Invoke(ensureTracingProvider),
	fx.Invoke(ensureSchedulerMetrics),
)

func ensureTracingProvider(_ *sdktrace.TracerProvider) {}

func provideLoggerConfig(cfg Config) logger.Config {
	return logger.Config{
		ServiceName:         cfg.ServiceName,
		Environment:         cfg.Environment,
		Version:             cfg.Version,
		Level:               cfg.LogLevel,
		Format:              cfg.LogFormat,
		Debug:               cfg.Debug(),
		IncludeCaller:       true,
		IncludeStackOnError: cfg.Debug(),
	}
}

func provideTracingConfig(cfg Config) tracing.Config {
	return tracing.Config{
		Enabled:             cfg.OtelEnabled,
		ServiceName:         cfg.ServiceName,
		ServiceVersion:      cfg.Version,
		Environment:         cfg.Environment,
		ExporterEndpoint:    cfg.OtelExporterEndpoint,
		ExporterProtocol:    cfg.OtelExporterProtocol,
		SamplingRatio:       cfg.SamplingRatio,
		LedgerSamplingRatio: cfg.LedgerSamplingRatio,
		Mode:                cfg.Mode,
	}
}

func provideMetricsConfig(cfg Config) metrics.Config {
	return metrics.Config{
		Enabled:          cfg.OtelEnabled,
		ExporterEndpoint: cfg.OtelExporterEndpoint,
		ExporterProtocol: cfg.OtelExporterProtocol,
		ServiceName:      cfg.ServiceName,
		Environment:      cfg.Environment,
	}
}

func ensureSchedulerMetrics(cfg metrics.Config) {
	metrics.SchedulerWithConfig(cfg)
}

// provideGormLogger exposes the zap-backed GORM logger to the db module.
func provideGormLogger(log *zap.Logger, cfg Config) *logger.GormLogger {
	gormCfg := logger.DefaultGormLoggerConfig()
	if cfg.Debug() {
		gormCfg.Level = gormlogger.Info
	}
	return logger.NewGormLogger(log, gormCfg)
}
