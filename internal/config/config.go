package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Mode        string
	Environment string
	HTTPAddr    string

	// AdminToken is compared as-is. AdminTokenHash holds an argon2id
	// encoding and wins when both are set.
	AdminToken     string
	AdminTokenHash string

	Observability ObservabilityConfig

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int
	DBRunMigrations   bool

	Chain      ChainConfig
	Redis      RedisConfig
	RateLimit  RateLimitConfig
	Scheduler  SchedulerConfig
	Events     EventsConfig
	Analytics  AnalyticsConfig
	Payments   PaymentsConfig
	SyncPolicy string

	AchievementMetadataURI string
}

// ChainConfig carries the raw ledger settings. chain.NewConfig validates them.
type ChainConfig struct {
	RPCURL                 string
	PrivateKey             string
	ChainID                int64
	DonationContract       string
	AuctionContract        string
	AchievementContract    string
	CallTimeout            time.Duration
	ReceiptPollingInterval time.Duration
	GasLimitMultiplierPct  int64
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type RateLimitConfig struct {
	Enabled           bool
	WebhookRate       float64
	WebhookBurst      int
	TaskLockTTLSecond int
}

type SchedulerConfig struct {
	RunInterval time.Duration
	EnabledJobs []string
	BatchSize   int
}

type EventsConfig struct {
	ListenEnabled bool
	BatchSize     int
	MaxAttempts   int
}

// ObservabilityConfig carries raw logging and tracing settings. A negative
// SamplingRatio means "pick by environment".
type ObservabilityConfig struct {
	LogLevel            string
	LogFormat           string
	OtelEnabled         bool
	ExporterEndpoint    string
	ExporterProtocol    string
	SamplingRatio       float64
	LedgerSamplingRatio float64
	UntracedRoutes      []string
}

type PaymentsConfig struct {
	PayMayaWebhookToken string
	StripeWebhookSecret string
}

type AnalyticsConfig struct {
	Exporter  string
	Endpoint  string
	AuthToken string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	mode := normalizeMode(getenv("APP_MODE", ModeMonolith))
	environment := getenv("ENVIRONMENT", "development")

	cfg := Config{
		AppName:        getenv("APP_SERVICE", "careledger"),
		AppVersion:     getenv("APP_VERSION", "0.1.0"),
		Mode:           mode,
		Environment:    environment,
		HTTPAddr:       getenv("HTTP_ADDR", ":8080"),
		AdminToken:     strings.TrimSpace(getenv("ADMIN_API_TOKEN", "")),
		AdminTokenHash: strings.TrimSpace(getenv("ADMIN_API_TOKEN_HASH", "")),
		Observability: ObservabilityConfig{
			LogLevel:            strings.ToLower(getenv("LOG_LEVEL", "info")),
			LogFormat:           strings.ToLower(getenv("LOG_FORMAT", "json")),
			OtelEnabled:         getenvBool("OTEL_ENABLED", true),
			ExporterEndpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", getenv("OTLP_ENDPOINT", "localhost:4317")),
			ExporterProtocol:    strings.ToLower(getenv("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL", getenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc"))),
			SamplingRatio:       getenvFloat("OTEL_SAMPLING_RATIO", -1),
			LedgerSamplingRatio: getenvFloat("OTEL_LEDGER_SAMPLING_RATIO", 1),
			UntracedRoutes:      parseList(getenv("OTEL_UNTRACED_ROUTES", "/health,/metrics")),
		},

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "careledger"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 20),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),
		DBRunMigrations:   getenvBool("DATABASE_RUN_MIGRATIONS", true),

		Chain: ChainConfig{
			RPCURL:                 firstEnv("CHAIN_RPC_URL", "POLYGON_RPC_URL", "BLOCKCHAIN_RPC_URL"),
			PrivateKey:             firstEnv("CHAIN_PRIVATE_KEY", "POLYGON_PRIVATE_KEY", "BLOCKCHAIN_PRIVATE_KEY"),
			ChainID:                getenvInt64("CHAIN_ID", 0),
			DonationContract:       strings.TrimSpace(getenv("DONATION_CONTRACT_ADDRESS", "")),
			AuctionContract:        strings.TrimSpace(getenv("AUCTION_CONTRACT_ADDRESS", "")),
			AchievementContract:    strings.TrimSpace(getenv("ACHIEVEMENT_NFT_ADDRESS", "")),
			CallTimeout:            getenvDuration("CHAIN_CALL_TIMEOUT", 90*time.Second),
			ReceiptPollingInterval: getenvDuration("CHAIN_RECEIPT_POLL_INTERVAL", 2*time.Second),
			GasLimitMultiplierPct:  getenvInt64("CHAIN_GAS_LIMIT_MULTIPLIER_PCT", 120),
		},
		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password: strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
			DB:       getenvInt("REDIS_DB", 0),
		},
		RateLimit: RateLimitConfig{
			Enabled:           getenvBool("RATE_LIMIT_ENABLED", false),
			WebhookRate:       getenvFloat("RATE_LIMIT_WEBHOOK_RATE", 5),
			WebhookBurst:      getenvInt("RATE_LIMIT_WEBHOOK_BURST", 20),
			TaskLockTTLSecond: getenvInt("TASK_LOCK_TTL_SECONDS", 600),
		},
		Scheduler: SchedulerConfig{
			RunInterval: getenvDuration("SCHEDULER_RUN_INTERVAL", time.Minute),
			EnabledJobs: parseList(getenv("SCHEDULER_ENABLED_JOBS", "")),
			BatchSize:   getenvInt("SCHEDULER_BATCH_SIZE", 50),
		},
		Events: EventsConfig{
			ListenEnabled: getenvBool("EVENTS_LISTEN_ENABLED", true),
			BatchSize:     getenvInt("EVENTS_BATCH_SIZE", 100),
			MaxAttempts:   getenvInt("EVENTS_MAX_ATTEMPTS", 10),
		},
		Analytics: AnalyticsConfig{
			Exporter:  strings.ToLower(strings.TrimSpace(getenv("ANALYTICS_METRICS_EXPORTER", ""))),
			Endpoint:  strings.TrimSpace(getenv("ANALYTICS_METRICS_ENDPOINT", "")),
			AuthToken: strings.TrimSpace(getenv("ANALYTICS_METRICS_AUTH_TOKEN", "")),
		},
		Payments: PaymentsConfig{
			PayMayaWebhookToken: strings.TrimSpace(getenv("PAYMAYA_WEBHOOK_TOKEN", "")),
			StripeWebhookSecret: strings.TrimSpace(getenv("STRIPE_WEBHOOK_SECRET", "")),
		},
		SyncPolicy: strings.TrimSpace(getenv("SYNC_POLICY_FILE", "")),

		AchievementMetadataURI: strings.TrimRight(getenv("ACHIEVEMENT_METADATA_URI", "https://metadata.careledger.org/achievements"), "/"),
	}

	return cfg
}

const (
	ModeMonolith  = "monolith"
	ModeAPI       = "api"
	ModeScheduler = "scheduler"
)

// RunsScheduler reports whether this process should start the periodic task loop.
func (c Config) RunsScheduler() bool {
	return c.Mode == ModeMonolith || c.Mode == ModeScheduler
}

func normalizeMode(raw string) string {
	value := strings.ToLower(strings.TrimSpace(raw))
	switch value {
	case ModeAPI, ModeScheduler:
		return value
	default:
		return ModeMonolith
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func firstEnv(keys ...string) string {
	for _, key := range keys {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
	}
	return ""
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		log.Printf("[config] invalid duration for %s: %v", key, err)
		return def
	}
	return parsed
}

func parseList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
